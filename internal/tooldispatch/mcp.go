package tooldispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sibyl-platform/sibyl/internal/entity"
	"github.com/sibyl-platform/sibyl/internal/retrieval"
	"github.com/sibyl-platform/sibyl/internal/tenant"
)

// RegisterMCPTools registers the Dispatcher's four externally visible
// operations (search, explore, add, manage) as MCP tools: one mcp.Tool
// with a jsonschema.Schema input shape per operation, backed by a
// closure over the Dispatcher.
func (d *Dispatcher) RegisterMCPTools(server *mcp.Server) error {
	registrations := []struct {
		tool *mcp.Tool
		handler mcp.ToolHandler
	}{
		{searchTool(), d.handleSearch},
		{exploreTool(), d.handleExplore},
		{addTool(), d.handleAdd},
		{manageTool(), d.handleManage},
	}
	for _, reg := range registrations {
		server.AddTool(reg.tool, reg.handler)
	}
	return nil
}

func searchTool() *mcp.Tool {
	return &mcp.Tool{
		Name: "sibyl_search",
		Description: "Hybrid vector + keyword + graph-traversal search over the tenant's knowledge graph and crawled documents.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"query": {Type: "string", Description: "Natural-language query; empty degenerates to a filtered list"},
				"limit": {Type: "integer", Description: "Max results to return (default 20)"},
				"offset": {Type: "integer", Description: "Pagination offset"},
			},
			Required: []string{"query"},
		},
	}
}

func exploreTool() *mcp.Tool {
	return &mcp.Tool{
		Name: "sibyl_explore",
		Description: "Graph exploration: list, related, traverse, or dependencies (reverse-topological DEPENDS_ON).",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"mode": {Type: "string", Description: "list | related | traverse | dependencies"},
				"entity_id": {Type: "string", Description: "Starting entity id, required for all modes but list"},
				"depth": {Type: "integer", Description: "Traversal depth (default 2)"},
			},
			Required: []string{"mode"},
		},
	}
}

func addTool() *mcp.Tool {
	return &mcp.Tool{
		Name: "sibyl_add",
		Description: "Create a knowledge entity (pattern, rule, template, topic, convention, episode, project, epic, task, note).",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"title": {Type: "string", Description: "Entity name, max 200 chars"},
				"content": {Type: "string", Description: "Entity content, max 50000 chars"},
				"entity_type": {Type: "string", Description: "One of the knowledge-entity kinds"},
				"project_id": {Type: "string", Description: "Owning project, required for epics and tasks"},
			},
			Required: []string{"title", "content", "entity_type"},
		},
	}
}

func manageTool() *mcp.Tool {
	return &mcp.Tool{
		Name: "sibyl_manage",
		Description: "Task-workflow transitions, dependency edges, source operations, analysis, and admin (health/stats/rebuild_index/audit_worktrees).",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"action": {Type: "string", Description: "start_task | block_task | unblock_task | submit_review | complete_task | archive_task | add_dependency | crawl_source | sync_source | link_graph | estimate | prioritize | detect_cycles | suggest | health | stats | rebuild_index | audit_worktrees"},
				"entity_id": {Type: "string"},
				"data": {Type: "object", Description: "Action-specific payload, e.g. {reason} for block_task, {learnings} for complete_task, {depends_on} for add_dependency"},
			},
			Required: []string{"action"},
		},
	}
}

func extractArguments(req *mcp.CallToolRequest) (map[string]any, error) {
	if len(req.Params.Arguments) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(req.Params.Arguments, &out); err != nil {
		return nil, fmt.Errorf("arguments must be a valid JSON object: %w", err)
	}
	return out, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "error: " + err.Error()}}, IsError: true}
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argInt(args map[string]any, key string, def int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return def
}

func (d *Dispatcher) handleSearch(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := extractArguments(req)
	if err != nil {
		return errorResult(err), nil
	}
	limit := argInt(args, "limit", 20)
	offset := argInt(args, "offset", 0)
	results, err := d.Search(ctx, argString(args, "query"), retrieval.Filters{}, limit, offset)
	if err != nil {
		return errorResult(err), nil
	}
	raw, _ := json.Marshal(results)
	return textResult(string(raw)), nil
}

func (d *Dispatcher) handleExplore(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := extractArguments(req)
	if err != nil {
		return errorResult(err), nil
	}
	mode := retrieval.ExploreMode(argString(args, "mode"))
	nodes, err := d.Explore(ctx, mode, argString(args, "entity_id"), nil, argInt(args, "depth", 2))
	if err != nil {
		return errorResult(err), nil
	}
	raw, _ := json.Marshal(nodes)
	return textResult(string(raw)), nil
}

func (d *Dispatcher) handleAdd(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := extractArguments(req)
	if err != nil {
		return errorResult(err), nil
	}
	result, err := d.Add(ctx, AddRequest{
		Title: argString(args, "title"),
		Content: argString(args, "content"),
		EntityType: entity.Kind(argString(args, "entity_type")),
		ProjectID: argString(args, "project_id"),
		Sync: true,
	})
	if err != nil {
		return errorResult(err), nil
	}
	raw, _ := json.Marshal(result)
	return textResult(string(raw)), nil
}

func (d *Dispatcher) handleManage(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := extractArguments(req)
	if err != nil {
		return errorResult(err), nil
	}
	scope, err := tenant.FromContext(ctx, "manage")
	if err != nil {
		return errorResult(err), nil
	}
	verb := argString(args, "action")
	action := AdminAction(verb)
	data, _ := args["data"].(map[string]any)

	switch {
	case action == AdminHealth || action == AdminStats || action == AdminRebuildIndex || action == AdminAuditWorktrees:
		result, err := d.RunAdmin(ctx, scope.OrganizationID, action)
		if err != nil {
			return errorResult(err), nil
		}
		raw, _ := json.Marshal(result)
		return textResult(string(raw)), nil
	case verb == "add_dependency":
		if err := d.AddDependency(ctx, scope.OrganizationID, argString(args, "entity_id"), argString(data, "depends_on")); err != nil {
			return errorResult(err), nil
		}
		return textResult("ok"), nil
	case sourceJobs[verb] != "":
		jobID, err := d.RunSourceOp(ctx, scope.OrganizationID, verb, argString(args, "entity_id"))
		if err != nil {
			return errorResult(err), nil
		}
		return textResult(fmt.Sprintf(`{"queued":true,"job_id":%q}`, jobID)), nil
	case AnalysisAction(verb) == AnalysisEstimate || AnalysisAction(verb) == AnalysisPrioritize ||
		AnalysisAction(verb) == AnalysisDetectCycles || AnalysisAction(verb) == AnalysisSuggest:
		result, err := d.RunAnalysis(ctx, scope.OrganizationID, AnalysisAction(verb), argString(args, "entity_id"))
		if err != nil {
			return errorResult(err), nil
		}
		raw, _ := json.Marshal(result)
		return textResult(string(raw)), nil
	default:
		to, ok := taskActions[verb]
		if !ok {
			to = entity.TaskStatus(verb)
		}
		if err := d.TransitionTaskWithData(ctx, scope.OrganizationID, argString(args, "entity_id"), to, data); err != nil {
			return errorResult(err), nil
		}
		return textResult("ok"), nil
	}
}
