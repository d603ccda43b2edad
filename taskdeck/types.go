package taskdeck

import "time"

// User is a Taskdeck account.
type User struct {
	GID   string `json:"gid"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Workspace is the top-level container tasks live in.
type Workspace struct {
	GID  string `json:"gid"`
	Name string `json:"name"`
}

// Project groups tasks inside a workspace.
type Project struct {
	GID          string `json:"gid"`
	Name         string `json:"name"`
	WorkspaceGID string `json:"workspace_gid"`
	Archived     bool   `json:"archived"`
}

// Task is a unit of work.
type Task struct {
	GID          string     `json:"gid"`
	Name         string     `json:"name"`
	Notes        string     `json:"notes,omitempty"`
	WorkspaceGID string     `json:"workspace_gid"`
	ProjectGID   string     `json:"project_gid,omitempty"`
	AssigneeGID  string     `json:"assignee_gid,omitempty"`
	Completed    bool       `json:"completed"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// DueOn is a bare date, e.g. "2026-09-01".
	DueOn string `json:"due_on,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Page carries offset pagination metadata when a list was truncated.
type Page struct {
	Offset string `json:"offset"`
	Path   string `json:"path"`
}
