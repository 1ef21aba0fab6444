package flow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Hard cap on evaluated nodes. Malformed or cyclic graphs terminate here
// and fail open with an allow; this is a safety valve, not an error.
const maxSteps = 50

const (
	NodeStart         = "start"
	NodeCheckTier     = "checkTier"
	NodeCheckLimit    = "checkLimit"
	NodeCheckModel    = "checkModel"
	NodeLimitResponse = "limitResponse"
	NodeAllow         = "allow"

	ActionAllow = "allow"
	ActionBlock = "block"

	HandleExceeded = "exceeded"
	HandlePass     = "pass"
	HandleMatch    = "match"
	HandleNoMatch  = "no_match"
)

type NodeData struct {
	// checkLimit: threshold on usage percent (0 means 100)
	LimitPercent float64 `json:"limit_percent,omitempty"`

	// checkModel: allow-list driving match/no_match branches
	Models []string `json:"models,omitempty"`

	// limitResponse payload
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message,omitempty"`
	UpgradeURL string `json:"upgrade_url,omitempty"`
}

type Node struct {
	ID   string   `json:"id"`
	Type string   `json:"type"`
	Data NodeData `json:"data"`
}

type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`

	// Labeled branch selector; empty matches any decision
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// Directed decision graph. Acyclic in intended use, but the evaluator
// treats it as possibly cyclic.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

func ParseGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("invalid flow payload: %w", err)
	}
	return &g, nil
}

// Request-scoped facts, also the source for {{field}} interpolation
type Context struct {
	ProjectID     string
	Identity      string
	Tier          string
	Model         string
	UsagePercent  float64
	AbsoluteUsage int64
}

type Response struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	UpgradeURL string `json:"upgrade_url,omitempty"`
}

type Result struct {
	Action        string    `json:"action"`
	Response      *Response `json:"response,omitempty"`
	ExecutionPath []string  `json:"execution_path"`
}

// Walks the graph from the start node, following the outgoing edge whose
// sourceHandle matches each node's decision. Terminates with a default
// allow when the graph has no start node, a node has no edge to follow,
// or the step cap is hit.
func Execute(g *Graph, ctx Context) Result {
	path := make([]string, 0, 8)

	current := findStart(g)
	if current == nil {
		return Result{Action: ActionAllow, ExecutionPath: path}
	}

	for step := 0; step < maxSteps; step++ {
		path = append(path, current.ID)

		switch current.Type {
		case NodeAllow:
			return Result{Action: ActionAllow, ExecutionPath: path}

		case NodeLimitResponse:
			return Result{
				Action:        ActionBlock,
				Response:      buildResponse(current.Data, ctx),
				ExecutionPath: path,
			}
		}

		handle, fallback := decide(current, ctx)
		next := followEdge(g, current, handle, fallback)
		if next == nil {
			// No outgoing edge to follow: fail open
			return Result{Action: ActionAllow, ExecutionPath: path}
		}
		current = next
	}

	// Step cap reached (cycle or degenerate graph): fail open
	return Result{Action: ActionAllow, ExecutionPath: path}
}

func findStart(g *Graph) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].Type == NodeStart {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Picks the branch label for the current node. fallback reports whether
// the first outgoing edge may stand in when no handle matches exactly
// (tier/model-name branching); binary decisions like checkLimit require
// an exact handle.
func decide(node *Node, ctx Context) (handle string, fallback bool) {
	switch node.Type {
	case NodeCheckTier:
		return ctx.Tier, true

	case NodeCheckLimit:
		threshold := node.Data.LimitPercent
		if threshold <= 0 {
			threshold = 100
		}
		if ctx.UsagePercent >= threshold {
			return HandleExceeded, false
		}
		return HandlePass, false

	case NodeCheckModel:
		if len(node.Data.Models) > 0 {
			for _, m := range node.Data.Models {
				if m == ctx.Model {
					return HandleMatch, false
				}
			}
			return HandleNoMatch, false
		}
		return ctx.Model, true
	}

	return "", true
}

// Returns the target of the edge whose handle matches the decision
func followEdge(g *Graph, node *Node, handle string, fallback bool) *Node {
	var first *Edge
	for i := range g.Edges {
		edge := &g.Edges[i]
		if edge.Source != node.ID {
			continue
		}
		if first == nil {
			first = edge
		}
		if edge.SourceHandle == handle {
			return nodeByID(g, edge.Target)
		}
	}

	if fallback && first != nil {
		return nodeByID(g, first.Target)
	}
	return nil
}

func nodeByID(g *Graph, id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

func buildResponse(data NodeData, ctx Context) *Response {
	status := data.StatusCode
	if status == 0 {
		status = 429
	}

	message := data.Message
	if message == "" {
		message = "Usage limit reached"
	}

	return &Response{
		StatusCode: status,
		Message:    interpolate(message, ctx),
		UpgradeURL: interpolate(data.UpgradeURL, ctx),
	}
}

// Replaces {{field}} tokens with request context values
func interpolate(s string, ctx Context) string {
	if !strings.Contains(s, "{{") {
		return s
	}

	replacer := strings.NewReplacer(
		"{{projectId}}", ctx.ProjectID,
		"{{identity}}", ctx.Identity,
		"{{tier}}", ctx.Tier,
		"{{model}}", ctx.Model,
		"{{usagePercent}}", fmt.Sprintf("%.0f", ctx.UsagePercent),
	)
	return replacer.Replace(s)
}
