package taskdeck

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// TaskListParams filters ListTasks. Zero-valued fields are omitted from
// the query.
type TaskListParams struct {
	WorkspaceGID string
	ProjectGID   string
	AssigneeGID  string

	// IncludeCompleted keeps completed tasks in the list. The API drops
	// them by default.
	IncludeCompleted bool

	Limit  int
	Offset string
}

// TaskCreateParams names the fields accepted when creating a task.
type TaskCreateParams struct {
	WorkspaceGID string `json:"workspace_gid"`
	ProjectGID   string `json:"project_gid,omitempty"`
	Name         string `json:"name"`
	Notes        string `json:"notes,omitempty"`
	AssigneeGID  string `json:"assignee_gid,omitempty"`
	DueOn        string `json:"due_on,omitempty"`
}

// TaskUpdateParams carries a partial task update. Nil fields are left
// untouched by the API.
type TaskUpdateParams struct {
	Name        *string `json:"name,omitempty"`
	Notes       *string `json:"notes,omitempty"`
	AssigneeGID *string `json:"assignee_gid,omitempty"`
	DueOn       *string `json:"due_on,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	resp, err := c.Execute(ctx, &Request{Path: "users/me"})
	if err != nil {
		return nil, err
	}

	var user User
	if err := resp.Decode(&user); err != nil {
		return nil, err
	}

	return &user, nil
}

// ListWorkspaces returns the workspaces visible to the credential.
func (c *Client) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	resp, err := c.Execute(ctx, &Request{Path: "workspaces"})
	if err != nil {
		return nil, err
	}

	var workspaces []Workspace
	if err := resp.Decode(&workspaces); err != nil {
		return nil, err
	}

	return workspaces, nil
}

// ListProjects returns the projects in a workspace.
func (c *Client) ListProjects(ctx context.Context, workspaceGID string) ([]Project, error) {
	q := url.Values{}
	q.Set("workspace", workspaceGID)

	resp, err := c.Execute(ctx, &Request{Path: "projects", Query: q})
	if err != nil {
		return nil, err
	}

	var projects []Project
	if err := resp.Decode(&projects); err != nil {
		return nil, err
	}

	return projects, nil
}

// ListTasks returns tasks matching params.
func (c *Client) ListTasks(ctx context.Context, params TaskListParams) ([]Task, error) {
	q := url.Values{}
	if params.WorkspaceGID != "" {
		q.Set("workspace", params.WorkspaceGID)
	}
	if params.ProjectGID != "" {
		q.Set("project", params.ProjectGID)
	}
	if params.AssigneeGID != "" {
		q.Set("assignee", params.AssigneeGID)
	}
	if params.IncludeCompleted {
		q.Set("include_completed", "true")
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset != "" {
		q.Set("offset", params.Offset)
	}

	resp, err := c.Execute(ctx, &Request{Path: "tasks", Query: q})
	if err != nil {
		return nil, err
	}

	var tasks []Task
	if err := resp.Decode(&tasks); err != nil {
		return nil, err
	}

	return tasks, nil
}

// GetTask returns one task by gid.
func (c *Client) GetTask(ctx context.Context, gid string) (*Task, error) {
	resp, err := c.Execute(ctx, &Request{Path: "tasks/" + gid})
	if err != nil {
		return nil, err
	}

	var task Task
	if err := resp.Decode(&task); err != nil {
		return nil, err
	}

	return &task, nil
}

// CreateTask creates a task and returns the stored copy.
func (c *Client) CreateTask(ctx context.Context, params TaskCreateParams) (*Task, error) {
	resp, err := c.Execute(ctx, &Request{
		Method: http.MethodPost,
		Path:   "tasks",
		JSON:   params,
	})
	if err != nil {
		return nil, err
	}

	var task Task
	if err := resp.Decode(&task); err != nil {
		return nil, err
	}

	return &task, nil
}

// UpdateTask applies a partial update and returns the stored copy.
func (c *Client) UpdateTask(ctx context.Context, gid string, params TaskUpdateParams) (*Task, error) {
	resp, err := c.Execute(ctx, &Request{
		Method: http.MethodPut,
		Path:   "tasks/" + gid,
		JSON:   params,
	})
	if err != nil {
		return nil, err
	}

	var task Task
	if err := resp.Decode(&task); err != nil {
		return nil, err
	}

	return &task, nil
}

// CompleteTask marks a task done.
func (c *Client) CompleteTask(ctx context.Context, gid string) (*Task, error) {
	done := true
	return c.UpdateTask(ctx, gid, TaskUpdateParams{Completed: &done})
}

// DeleteTask removes a task.
func (c *Client) DeleteTask(ctx context.Context, gid string) error {
	_, err := c.Execute(ctx, &Request{
		Method: http.MethodDelete,
		Path:   "tasks/" + gid,
	})
	return err
}
