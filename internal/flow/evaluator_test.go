package flow

import (
	"strings"
	"testing"
)

func TestSimpleAllowPath(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			{ID: "n1", Type: NodeStart},
			{ID: "n2", Type: NodeAllow},
		},
		Edges: []Edge{
			{Source: "n1", Target: "n2"},
		},
	}

	res := Execute(g, Context{})
	if res.Action != ActionAllow {
		t.Fatalf("Action = %q, want allow", res.Action)
	}
	if len(res.ExecutionPath) != 2 || res.ExecutionPath[0] != "n1" || res.ExecutionPath[1] != "n2" {
		t.Fatalf("ExecutionPath = %v", res.ExecutionPath)
	}
}

func TestCheckLimitBranches(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "limit", Type: NodeCheckLimit, Data: NodeData{LimitPercent: 80}},
			{ID: "ok", Type: NodeAllow},
			{ID: "deny", Type: NodeLimitResponse, Data: NodeData{Message: "over limit"}},
		},
		Edges: []Edge{
			{Source: "start", Target: "limit"},
			{Source: "limit", Target: "deny", SourceHandle: HandleExceeded},
			{Source: "limit", Target: "ok", SourceHandle: HandlePass},
		},
	}

	res := Execute(g, Context{UsagePercent: 50})
	if res.Action != ActionAllow {
		t.Fatalf("Under threshold: action = %q, want allow", res.Action)
	}

	res = Execute(g, Context{UsagePercent: 85})
	if res.Action != ActionBlock {
		t.Fatalf("Over threshold: action = %q, want block", res.Action)
	}
	if res.Response == nil || res.Response.StatusCode != 429 {
		t.Fatalf("Response = %+v, want 429-style payload", res.Response)
	}
	if res.Response.Message != "over limit" {
		t.Fatalf("Message = %q", res.Response.Message)
	}
}

func TestCheckTierBranchesWithFallback(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "tier", Type: NodeCheckTier},
			{ID: "free-path", Type: NodeLimitResponse},
			{ID: "pro-path", Type: NodeAllow},
		},
		Edges: []Edge{
			{Source: "start", Target: "tier"},
			{Source: "tier", Target: "free-path", SourceHandle: "free"},
			{Source: "tier", Target: "pro-path", SourceHandle: "pro"},
		},
	}

	if res := Execute(g, Context{Tier: "pro"}); res.Action != ActionAllow {
		t.Fatalf("Pro tier: action = %q", res.Action)
	}
	if res := Execute(g, Context{Tier: "free"}); res.Action != ActionBlock {
		t.Fatalf("Free tier: action = %q", res.Action)
	}

	// No exact handle: falls back to the first declared edge
	if res := Execute(g, Context{Tier: "enterprise"}); res.Action != ActionBlock {
		t.Fatalf("Unknown tier should follow the first edge, got %q", res.Action)
	}
}

func TestCheckModelAllowList(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "model", Type: NodeCheckModel, Data: NodeData{Models: []string{"gpt-4o", "claude-sonnet"}}},
			{ID: "ok", Type: NodeAllow},
			{ID: "deny", Type: NodeLimitResponse},
		},
		Edges: []Edge{
			{Source: "start", Target: "model"},
			{Source: "model", Target: "ok", SourceHandle: HandleMatch},
			{Source: "model", Target: "deny", SourceHandle: HandleNoMatch},
		},
	}

	if res := Execute(g, Context{Model: "gpt-4o"}); res.Action != ActionAllow {
		t.Fatalf("Listed model: action = %q", res.Action)
	}
	if res := Execute(g, Context{Model: "o1-preview"}); res.Action != ActionBlock {
		t.Fatalf("Unlisted model: action = %q", res.Action)
	}
}

func TestCycleTerminatesAtStepCap(t *testing.T) {
	// checkLimit loops back into itself; must halt and fail open
	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "limit", Type: NodeCheckLimit, Data: NodeData{LimitPercent: 80}},
		},
		Edges: []Edge{
			{Source: "start", Target: "limit"},
			{Source: "limit", Target: "limit", SourceHandle: HandleExceeded},
			{Source: "limit", Target: "limit", SourceHandle: HandlePass},
		},
	}

	res := Execute(g, Context{UsagePercent: 99})
	if res.Action != ActionAllow {
		t.Fatalf("Cyclic graph: action = %q, want fail-open allow", res.Action)
	}
	if len(res.ExecutionPath) != maxSteps {
		t.Fatalf("ExecutionPath length = %d, want the %d-step cap", len(res.ExecutionPath), maxSteps)
	}
}

func TestFailOpenCases(t *testing.T) {
	// No start node
	res := Execute(&Graph{Nodes: []Node{{ID: "a", Type: NodeAllow}}}, Context{})
	if res.Action != ActionAllow {
		t.Fatalf("No start node: action = %q", res.Action)
	}

	// Start with no outgoing edge
	res = Execute(&Graph{Nodes: []Node{{ID: "s", Type: NodeStart}}}, Context{})
	if res.Action != ActionAllow {
		t.Fatalf("Dangling start: action = %q", res.Action)
	}

	// checkLimit decision with no matching handle is not rerouted
	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "limit", Type: NodeCheckLimit, Data: NodeData{LimitPercent: 80}},
			{ID: "deny", Type: NodeLimitResponse},
		},
		Edges: []Edge{
			{Source: "start", Target: "limit"},
			{Source: "limit", Target: "deny", SourceHandle: HandleExceeded},
		},
	}
	res = Execute(g, Context{UsagePercent: 10})
	if res.Action != ActionAllow {
		t.Fatalf("Missing pass edge: action = %q, want fail-open allow", res.Action)
	}
}

func TestLimitResponseInterpolation(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "deny", Type: NodeLimitResponse, Data: NodeData{
				Message:    "Tier {{tier}} exhausted",
				UpgradeURL: "https://example.com/upgrade?user={{identity}}&from={{tier}}",
			}},
		},
		Edges: []Edge{
			{Source: "start", Target: "deny"},
		},
	}

	res := Execute(g, Context{Tier: "free", Identity: "user-7"})
	if res.Response.Message != "Tier free exhausted" {
		t.Fatalf("Message = %q", res.Response.Message)
	}
	if !strings.Contains(res.Response.UpgradeURL, "user=user-7") || !strings.Contains(res.Response.UpgradeURL, "from=free") {
		t.Fatalf("UpgradeURL = %q", res.Response.UpgradeURL)
	}
}

func TestParseGraph(t *testing.T) {
	g, err := ParseGraph([]byte(`{
		"nodes":[{"id":"s","type":"start"},{"id":"a","type":"allow"}],
		"edges":[{"source":"s","target":"a"}]
	}`))
	if err != nil {
		t.Fatalf("ParseGraph failed: %v", err)
	}
	if len(g.Nodes) != 2 || len(g.Edges) != 1 {
		t.Fatalf("Graph = %+v", g)
	}

	if _, err := ParseGraph([]byte(`{bad`)); err == nil {
		t.Fatal("ParseGraph accepted malformed payload")
	}
}
