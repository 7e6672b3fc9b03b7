package service

// CreateTaskRequest contains the data for creating a new task
type CreateTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ProjectPath string `json:"project_path"`
}

// UpdateTaskRequest contains the editable fields of a task
type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}
