package collecte

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers the collecte tool surface on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "collecte_collect",
		Description: "Run a collection over a project's sources (sync or queued)",
	}, svc.mcpCollect)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "collecte_task",
		Description: "Get a collection task with a tail of its log",
	}, svc.mcpTask)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "collecte_tasks",
		Description: "List collection tasks, newest first",
	}, svc.mcpTasks)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "collecte_cancel",
		Description: "Request cooperative cancellation of a running task",
	}, svc.mcpCancel)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "collecte_search",
		Description: "Full-text search over a project's collected documents",
	}, svc.mcpSearch)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "collecte_documents",
		Description: "List a project's collected documents",
	}, svc.mcpDocuments)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "collecte_stats",
		Description: "Document counts per domain and queue depth for a project",
	}, svc.mcpStats)
}

type mcpCollectInput struct {
	Project    string         `json:"project,omitempty" jsonschema:"project key; policy default applies when empty"`
	Domain     string         `json:"domain" jsonschema:"domain to collect"`
	ItemKey    string         `json:"item_key,omitempty" jsonschema:"restrict to one source item"`
	HandlerKey string         `json:"handler_key,omitempty" jsonschema:"restrict to one handler"`
	Overrides  map[string]any `json:"overrides,omitempty" jsonschema:"per-run param overrides, not persisted"`
	FailFast   bool           `json:"fail_fast,omitempty" jsonschema:"abort on first item failure"`
	Async      bool           `json:"async,omitempty" jsonschema:"queue the run and return immediately"`
}

func (svc *Service) mcpCollect(ctx context.Context, _ *mcp.CallToolRequest, in mcpCollectInput) (*mcp.CallToolResult, *Task, error) {
	task, err := svc.Collect(ctx, CollectRequest{
		Project:    in.Project,
		Domain:     in.Domain,
		ItemKey:    in.ItemKey,
		HandlerKey: in.HandlerKey,
		Overrides:  in.Overrides,
		FailFast:   in.FailFast,
		Async:      in.Async,
	})
	if err != nil {
		return nil, nil, err
	}
	return nil, task, nil
}

type mcpTaskInput struct {
	TaskID string `json:"task_id" jsonschema:"task identifier"`
}

type mcpTaskOutput struct {
	Task *Task      `json:"task"`
	Log  []LogEntry `json:"log"`
}

func (svc *Service) mcpTask(ctx context.Context, _ *mcp.CallToolRequest, in mcpTaskInput) (*mcp.CallToolResult, mcpTaskOutput, error) {
	task, excerpt, err := svc.Task(ctx, in.TaskID)
	if err != nil {
		return nil, mcpTaskOutput{}, err
	}
	return nil, mcpTaskOutput{Task: task, Log: excerpt}, nil
}

type mcpTasksInput struct {
	Project string `json:"project,omitempty" jsonschema:"filter by project key"`
	Domain  string `json:"domain,omitempty" jsonschema:"filter by domain"`
	Status  string `json:"status,omitempty" jsonschema:"filter by status: queued, running, succeeded, failed, cancelled"`
	Limit   int    `json:"limit,omitempty" jsonschema:"max results (default 50)"`
}

type mcpTasksOutput struct {
	Tasks []*Task `json:"tasks"`
}

func (svc *Service) mcpTasks(ctx context.Context, _ *mcp.CallToolRequest, in mcpTasksInput) (*mcp.CallToolResult, mcpTasksOutput, error) {
	list, err := svc.Tasks(ctx, TaskFilter{
		Project: in.Project,
		Domain:  in.Domain,
		Status:  TaskStatus(in.Status),
		Limit:   in.Limit,
	})
	if err != nil {
		return nil, mcpTasksOutput{}, err
	}
	return nil, mcpTasksOutput{Tasks: list}, nil
}

type mcpCancelInput struct {
	TaskID string `json:"task_id" jsonschema:"task identifier"`
}

type mcpCancelOutput struct {
	Accepted bool `json:"accepted"`
}

func (svc *Service) mcpCancel(ctx context.Context, _ *mcp.CallToolRequest, in mcpCancelInput) (*mcp.CallToolResult, mcpCancelOutput, error) {
	accepted, err := svc.Cancel(ctx, in.TaskID)
	if err != nil {
		return nil, mcpCancelOutput{}, err
	}
	return nil, mcpCancelOutput{Accepted: accepted}, nil
}

type mcpSearchInput struct {
	Project string `json:"project,omitempty" jsonschema:"project key"`
	Query   string `json:"query" jsonschema:"full-text query"`
	Limit   int    `json:"limit,omitempty" jsonschema:"max results (default 20)"`
}

type mcpSearchOutput struct {
	Results []*SearchResult `json:"results"`
	Count   int             `json:"count"`
}

func (svc *Service) mcpSearch(ctx context.Context, _ *mcp.CallToolRequest, in mcpSearchInput) (*mcp.CallToolResult, mcpSearchOutput, error) {
	results, err := svc.Search(ctx, in.Project, in.Query, in.Limit)
	if err != nil {
		return nil, mcpSearchOutput{}, err
	}
	return nil, mcpSearchOutput{Results: results, Count: len(results)}, nil
}

type mcpDocumentsInput struct {
	Project string `json:"project,omitempty" jsonschema:"project key"`
	Domain  string `json:"domain,omitempty" jsonschema:"filter by domain"`
	Limit   int    `json:"limit,omitempty" jsonschema:"max results (default 50)"`
}

type mcpDocumentsOutput struct {
	Documents []*Document `json:"documents"`
}

func (svc *Service) mcpDocuments(ctx context.Context, _ *mcp.CallToolRequest, in mcpDocumentsInput) (*mcp.CallToolResult, mcpDocumentsOutput, error) {
	docs, err := svc.Documents(ctx, in.Project, in.Domain, in.Limit)
	if err != nil {
		return nil, mcpDocumentsOutput{}, err
	}
	return nil, mcpDocumentsOutput{Documents: docs}, nil
}

type mcpStatsInput struct {
	Project string `json:"project,omitempty" jsonschema:"project key"`
}

func (svc *Service) mcpStats(ctx context.Context, _ *mcp.CallToolRequest, in mcpStatsInput) (*mcp.CallToolResult, *Stats, error) {
	stats, err := svc.ProjectStats(ctx, in.Project)
	if err != nil {
		return nil, nil, err
	}
	return nil, stats, nil
}
