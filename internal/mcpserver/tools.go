// Package mcpserver registers MCP tools that expose Taskdeck operations.
// It adapts the API client to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/taskdeck/taskdeck-go/internal/state"
	"github.com/taskdeck/taskdeck-go/taskdeck"
)

// defaultTaskLimit caps task_list results when the caller gives no limit.
const defaultTaskLimit = 50

// RegisterTools adds all Taskdeck tools to the given MCP server. Tools that
// take a workspace fall back to the default workspace recorded in store.
func RegisterTools(server *mcp.Server, client *taskdeck.Client, store *state.State) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "workspace_list",
		Description: "List every workspace visible to the configured credential. Use this first when no default workspace is set.",
	}, workspaceListHandler(client))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "project_list",
		Description: "List the projects in a workspace. Uses the default workspace when none is given.",
	}, projectListHandler(client, store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_list",
		Description: "List tasks with optional project and assignee filters. Completed tasks are excluded unless include_completed is set. Uses the default workspace when none is given.",
	}, taskListHandler(client, store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_get",
		Description: "Fetch a single task by gid, including its notes and completion state.",
	}, taskGetHandler(client))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_create",
		Description: "Create a task. Only name is required; the workspace falls back to the default workspace.",
	}, taskCreateHandler(client, store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "task_complete",
		Description: "Mark a task as completed.",
	}, taskCompleteHandler(client))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// WorkspaceListInput has no parameters.
type WorkspaceListInput struct{}

// ProjectListInput holds parameters for project_list.
type ProjectListInput struct {
	Workspace string `json:"workspace,omitempty" jsonschema:"workspace gid, defaults to the configured default workspace"`
}

// TaskListInput holds parameters for task_list.
type TaskListInput struct {
	Workspace        string `json:"workspace,omitempty" jsonschema:"workspace gid, defaults to the configured default workspace"`
	Project          string `json:"project,omitempty" jsonschema:"project gid to filter by"`
	Assignee         string `json:"assignee,omitempty" jsonschema:"assignee gid, or 'me' for the authenticated user"`
	IncludeCompleted bool   `json:"include_completed,omitempty" jsonschema:"include completed tasks, defaults to false"`
	Limit            int    `json:"limit,omitempty" jsonschema:"maximum number of tasks, defaults to 50"`
}

// TaskGetInput holds parameters for task_get.
type TaskGetInput struct {
	GID string `json:"gid" jsonschema:"required,task gid"`
}

// TaskCreateInput holds parameters for task_create.
type TaskCreateInput struct {
	Name      string `json:"name" jsonschema:"required,task name"`
	Workspace string `json:"workspace,omitempty" jsonschema:"workspace gid, defaults to the configured default workspace"`
	Project   string `json:"project,omitempty" jsonschema:"project gid to add the task to"`
	Notes     string `json:"notes,omitempty" jsonschema:"free-form task notes"`
	Assignee  string `json:"assignee,omitempty" jsonschema:"assignee gid, or 'me' for the authenticated user"`
	DueOn     string `json:"due_on,omitempty" jsonschema:"due date as YYYY-MM-DD"`
}

// TaskCompleteInput holds parameters for task_complete.
type TaskCompleteInput struct {
	GID string `json:"gid" jsonschema:"required,task gid"`
}

// --- Output types ---

// WorkspaceListResult is the structured output of workspace_list.
type WorkspaceListResult struct {
	TotalWorkspaces int                  `json:"total_workspaces"`
	Workspaces      []taskdeck.Workspace `json:"workspaces"`
}

// ProjectListResult is the structured output of project_list.
type ProjectListResult struct {
	Workspace     string             `json:"workspace"`
	TotalProjects int                `json:"total_projects"`
	Projects      []taskdeck.Project `json:"projects"`
}

// TaskListResult is the structured output of task_list.
type TaskListResult struct {
	Workspace  string          `json:"workspace"`
	TotalTasks int             `json:"total_tasks"`
	Tasks      []taskdeck.Task `json:"tasks"`
}

// --- Handlers ---

func workspaceListHandler(client *taskdeck.Client) mcp.ToolHandlerFor[WorkspaceListInput, *WorkspaceListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ WorkspaceListInput) (*mcp.CallToolResult, *WorkspaceListResult, error) {
		workspaces, err := client.ListWorkspaces(ctx)
		if err != nil {
			return nil, nil, err
		}
		result := &WorkspaceListResult{TotalWorkspaces: len(workspaces), Workspaces: workspaces}
		return textResult(result), result, nil
	}
}

func projectListHandler(client *taskdeck.Client, store *state.State) mcp.ToolHandlerFor[ProjectListInput, *ProjectListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ProjectListInput) (*mcp.CallToolResult, *ProjectListResult, error) {
		workspace, err := resolveWorkspace(input.Workspace, store)
		if err != nil {
			return nil, nil, err
		}
		projects, err := client.ListProjects(ctx, workspace)
		if err != nil {
			return nil, nil, err
		}
		result := &ProjectListResult{Workspace: workspace, TotalProjects: len(projects), Projects: projects}
		return textResult(result), result, nil
	}
}

func taskListHandler(client *taskdeck.Client, store *state.State) mcp.ToolHandlerFor[TaskListInput, *TaskListResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TaskListInput) (*mcp.CallToolResult, *TaskListResult, error) {
		workspace, err := resolveWorkspace(input.Workspace, store)
		if err != nil {
			return nil, nil, err
		}
		limit := input.Limit
		if limit <= 0 {
			limit = defaultTaskLimit
		}
		tasks, err := client.ListTasks(ctx, taskdeck.TaskListParams{
			WorkspaceGID:     workspace,
			ProjectGID:       input.Project,
			AssigneeGID:      input.Assignee,
			IncludeCompleted: input.IncludeCompleted,
			Limit:            limit,
		})
		if err != nil {
			return nil, nil, err
		}
		result := &TaskListResult{Workspace: workspace, TotalTasks: len(tasks), Tasks: tasks}
		return textResult(result), result, nil
	}
}

func taskGetHandler(client *taskdeck.Client) mcp.ToolHandlerFor[TaskGetInput, *taskdeck.Task] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TaskGetInput) (*mcp.CallToolResult, *taskdeck.Task, error) {
		task, err := client.GetTask(ctx, input.GID)
		if err != nil {
			return nil, nil, err
		}
		return textResult(task), task, nil
	}
}

func taskCreateHandler(client *taskdeck.Client, store *state.State) mcp.ToolHandlerFor[TaskCreateInput, *taskdeck.Task] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TaskCreateInput) (*mcp.CallToolResult, *taskdeck.Task, error) {
		if input.Name == "" {
			return nil, nil, errors.New("task name is required")
		}
		workspace, err := resolveWorkspace(input.Workspace, store)
		if err != nil {
			return nil, nil, err
		}
		task, err := client.CreateTask(ctx, taskdeck.TaskCreateParams{
			WorkspaceGID: workspace,
			ProjectGID:   input.Project,
			Name:         input.Name,
			Notes:        input.Notes,
			AssigneeGID:  input.Assignee,
			DueOn:        input.DueOn,
		})
		if err != nil {
			return nil, nil, err
		}
		return textResult(task), task, nil
	}
}

func taskCompleteHandler(client *taskdeck.Client) mcp.ToolHandlerFor[TaskCompleteInput, *taskdeck.Task] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TaskCompleteInput) (*mcp.CallToolResult, *taskdeck.Task, error) {
		task, err := client.CompleteTask(ctx, input.GID)
		if err != nil {
			return nil, nil, err
		}
		return textResult(task), task, nil
	}
}

// resolveWorkspace picks the explicit workspace when given, otherwise the
// default workspace recorded in local state.
func resolveWorkspace(explicit string, store *state.State) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	ws, err := store.DefaultWorkspace()
	if err != nil {
		return "", fmt.Errorf("loading default workspace: %w", err)
	}
	if ws.GID == "" {
		return "", errors.New("no workspace given and no default workspace set")
	}
	return ws.GID, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
