package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/aman-churiwal/ai-gateway/internal/forwarder"
	"github.com/aman-churiwal/ai-gateway/internal/middleware"
	"github.com/aman-churiwal/ai-gateway/internal/models"
	"github.com/aman-churiwal/ai-gateway/internal/pipeline"
	"github.com/aman-churiwal/ai-gateway/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GatewayHandler admits and forwards completion requests to upstream
// providers using pooled credentials.
type GatewayHandler struct {
	db       *gorm.DB
	pipeline *pipeline.Pipeline
	fwd      *forwarder.Forwarder

	// Default upstream base URL per provider, used when the selected
	// pool entry has none of its own
	baseURLs map[string]string

	// Cost per 1K tokens per provider, for usage accounting
	costPer1K map[string]float64
}

func NewGatewayHandler(db *gorm.DB, p *pipeline.Pipeline, fwd *forwarder.Forwarder, baseURLs map[string]string, costPer1K map[string]float64) *GatewayHandler {
	return &GatewayHandler{
		db:        db,
		pipeline:  p,
		fwd:       fwd,
		baseURLs:  baseURLs,
		costPer1K: costPer1K,
	}
}

// Handles POST /v1/:provider/*path
func (h *GatewayHandler) Forward(c *gin.Context) {
	ctx := c.Request.Context()
	provider := c.Param("provider")
	c.Set(middleware.ContextProvider, provider)

	project, ok := h.loadProject(c)
	if !ok {
		return
	}
	c.Set(middleware.ContextProjectID, project.ID)

	identity := c.GetHeader("X-Identity")
	c.Set(middleware.ContextIdentity, identity)

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": err.Error()})
		return
	}

	var payload struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_body", "message": "request body must be JSON"})
			return
		}
	}
	c.Set(middleware.ContextModel, payload.Model)

	req := pipeline.Request{
		TenantID:        c.GetString(middleware.ContextTenantID),
		Project:         project,
		Identity:        identity,
		Tier:            c.GetHeader("X-Tier"),
		Model:           payload.Model,
		Provider:        provider,
		EstimatedTokens: estimatedTokens(c),
		Strategy:        c.GetHeader("X-Key-Strategy"),
		Enforced:        enforceResult(c),
	}

	decision, err := h.pipeline.Admit(ctx, req)
	if err != nil {
		c.Set(middleware.ContextDecision, "error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "admission_failed", "message": err.Error()})
		return
	}

	if !decision.Allowed {
		c.Set(middleware.ContextDecision, decision.Code)
		status := decision.StatusCode
		if status == 0 {
			status = http.StatusForbidden
		}
		if decision.Payload != nil {
			c.Data(status, "application/json", decision.Payload)
			return
		}
		c.JSON(status, gin.H{"error": decision.Code, "message": decision.Message})
		return
	}

	c.Set(middleware.ContextDecision, "allow")
	if decision.Selection != nil {
		c.Set(middleware.ContextKeyEntryID, decision.Selection.Entry.ID)
	}

	upstream := forwarder.Request{
		Method:     http.MethodPost,
		BaseURL:    h.baseURL(provider, decision),
		Path:       c.Param("path"),
		Credential: decision.Selection.Credential,
		Payload:    body,
	}
	if upstream.BaseURL == "" {
		c.JSON(http.StatusBadGateway, gin.H{"error": "unknown_provider", "message": "no upstream configured for provider " + provider})
		return
	}

	if payload.Stream {
		h.forwardStream(c, req, decision, upstream)
		return
	}
	h.forwardOnce(c, req, decision, upstream)
}

func (h *GatewayHandler) forwardOnce(c *gin.Context, req pipeline.Request, decision *pipeline.Decision, upstream forwarder.Request) {
	ctx := c.Request.Context()

	body, err := h.fwd.Do(ctx, upstream)
	if err != nil {
		h.failUpstream(c, decision, err)
		return
	}

	in, out := extractUsage(body)
	if err := h.pipeline.Finalize(ctx, req, decision, in, out, h.cost(req.Provider, in+out)); err != nil {
		log.Printf("Failed to finalize usage: %v", err)
	}

	c.Data(http.StatusOK, "application/json", body)
}

func (h *GatewayHandler) forwardStream(c *gin.Context, req pipeline.Request, decision *pipeline.Decision, upstream forwarder.Request) {
	ctx := c.Request.Context()

	stream, err := h.fwd.Stream(ctx, upstream)
	if err != nil {
		h.failUpstream(c, decision, err)
		return
	}
	defer stream.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	var in, out int64
	for {
		chunk, err := stream.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("Upstream stream failed: %v", err)
			}
			break
		}

		if i, o := extractUsage(chunk); i > 0 || o > 0 {
			if i > 0 {
				in = i
			}
			if o > 0 {
				out = o
			}
		}

		fmt.Fprintf(c.Writer, "data: %s\n\n", chunk)
		c.Writer.Flush()
	}
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()

	if err := h.pipeline.Finalize(ctx, req, decision, in, out, h.cost(req.Provider, in+out)); err != nil {
		log.Printf("Failed to finalize usage: %v", err)
	}
}

// Maps an upstream failure to a client response and records it against
// the selected key
func (h *GatewayHandler) failUpstream(c *gin.Context, decision *pipeline.Decision, err error) {
	ctx := c.Request.Context()

	var upstreamErr *forwarder.UpstreamError
	if errors.As(err, &upstreamErr) {
		if recordErr := h.pipeline.RecordFailure(ctx, decision, upstreamErr.Error(), upstreamErr.RateLimited()); recordErr != nil {
			log.Printf("Failed to record key error: %v", recordErr)
		}
		c.Data(upstreamErr.StatusCode, "application/json", upstreamErr.Body)
		return
	}

	if recordErr := h.pipeline.RecordFailure(ctx, decision, err.Error(), false); recordErr != nil {
		log.Printf("Failed to record key error: %v", recordErr)
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_unavailable", "message": err.Error()})
}

func (h *GatewayHandler) loadProject(c *gin.Context) (*models.Project, bool) {
	ctx := c.Request.Context()

	raw := c.GetHeader("X-Project-ID")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_project_id", "message": "X-Project-ID header is required"})
		return nil, false
	}

	projectID, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_project_id", "message": "X-Project-ID must be a UUID"})
		return nil, false
	}

	var project models.Project
	if err := h.db.WithContext(ctx).Preload("Tiers").First(&project, "id = ?", projectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project_not_found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load project"})
		return nil, false
	}

	if !project.IsActive {
		c.Set(middleware.ContextDecision, "project_inactive")
		c.JSON(http.StatusForbidden, gin.H{"error": "project_inactive"})
		return nil, false
	}

	return &project, true
}

func (h *GatewayHandler) baseURL(provider string, decision *pipeline.Decision) string {
	if decision.Selection != nil && decision.Selection.Entry.BaseURL != "" {
		return decision.Selection.Entry.BaseURL
	}
	return h.baseURLs[provider]
}

func (h *GatewayHandler) cost(provider string, tokens int64) float64 {
	return h.costPer1K[provider] * float64(tokens) / 1000
}

func enforceResult(c *gin.Context) *ratelimit.EnforceResult {
	if v, ok := c.Get(middleware.ContextEnforceResult); ok {
		if result, ok := v.(*ratelimit.EnforceResult); ok {
			return result
		}
	}
	return nil
}

func estimatedTokens(c *gin.Context) int64 {
	var estimate int64
	if header := c.GetHeader("X-Estimated-Tokens"); header != "" {
		fmt.Sscanf(header, "%d", &estimate)
	}
	if estimate < 0 {
		estimate = 0
	}
	return estimate
}

// Token usage shapes across providers. OpenAI-compatible responses
// carry prompt/completion counts, anthropic responses carry
// input/output counts, with streamed input nested under message.
func extractUsage(body []byte) (input, output int64) {
	var resp struct {
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			InputTokens      int64 `json:"input_tokens"`
			OutputTokens     int64 `json:"output_tokens"`
		} `json:"usage"`
		Message struct {
			Usage struct {
				InputTokens int64 `json:"input_tokens"`
			} `json:"usage"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, 0
	}

	input = resp.Usage.PromptTokens
	if input == 0 {
		input = resp.Usage.InputTokens
	}
	if input == 0 {
		input = resp.Message.Usage.InputTokens
	}
	output = resp.Usage.CompletionTokens
	if output == 0 {
		output = resp.Usage.OutputTokens
	}
	return input, output
}
