package gateway

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/benodiwal/medusa/internal/task/models"
	"github.com/benodiwal/medusa/internal/task/service"
)

// ListTasksResponse is the body of GET /tasks.
type ListTasksResponse struct {
	Tasks []*models.Task `json:"tasks"`
	Total int            `json:"total"`
}

type messageRequest struct {
	Message string `json:"message"`
}

type clearCompletedRequest struct {
	ProjectPath string `json:"project_path"`
}

func (s *Server) createTask(c *gin.Context) {
	var req service.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		badRequest(c, "title is required")
		return
	}
	if req.ProjectPath == "" {
		badRequest(c, "project_path is required")
		return
	}
	task, err := s.service.CreateTask(c.Request.Context(), &req)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.service.ListTasks(c.Request.Context(), c.Query("project"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	c.JSON(http.StatusOK, ListTasksResponse{Tasks: tasks, Total: len(tasks)})
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.service.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) updateTask(c *gin.Context) {
	var req service.UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		badRequest(c, "title must not be empty")
		return
	}
	task, err := s.service.UpdateTask(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) deleteTask(c *gin.Context) {
	if err := s.service.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		s.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) clearCompleted(c *gin.Context) {
	var req clearCompletedRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ProjectPath == "" {
		badRequest(c, "project_path is required")
		return
	}
	cleared, err := s.service.ClearCompleted(c.Request.Context(), req.ProjectPath)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

// taskCommand adapts a lifecycle command that returns the updated task.
func (s *Server) taskCommand(c *gin.Context, run func(*gin.Context, string) (*models.Task, error)) {
	task, err := run(c, c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) startAgent(c *gin.Context) {
	s.taskCommand(c, func(c *gin.Context, id string) (*models.Task, error) {
		return s.service.StartAgent(c.Request.Context(), id)
	})
}

func (s *Server) stopAgent(c *gin.Context) {
	s.taskCommand(c, func(c *gin.Context, id string) (*models.Task, error) {
		return s.service.StopAgent(c.Request.Context(), id)
	})
}

func (s *Server) cleanupAgent(c *gin.Context) {
	s.taskCommand(c, func(c *gin.Context, id string) (*models.Task, error) {
		return s.service.CleanupAgent(c.Request.Context(), id)
	})
}

func (s *Server) sendToReview(c *gin.Context) {
	s.taskCommand(c, func(c *gin.Context, id string) (*models.Task, error) {
		return s.service.SendToReview(c.Request.Context(), id)
	})
}

func (s *Server) merge(c *gin.Context) {
	s.taskCommand(c, func(c *gin.Context, id string) (*models.Task, error) {
		return s.service.Merge(c.Request.Context(), id)
	})
}

func (s *Server) reject(c *gin.Context) {
	s.taskCommand(c, func(c *gin.Context, id string) (*models.Task, error) {
		return s.service.Reject(c.Request.Context(), id)
	})
}

func (s *Server) amendCommit(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		badRequest(c, "message is required")
		return
	}
	s.taskCommand(c, func(c *gin.Context, id string) (*models.Task, error) {
		return s.service.AmendCommit(c.Request.Context(), id, req.Message)
	})
}

func (s *Server) sendMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" {
		badRequest(c, "message is required")
		return
	}
	if err := s.service.SendMessage(c.Request.Context(), c.Param("id"), req.Message); err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sent": true})
}

func (s *Server) output(c *gin.Context) {
	lines, err := s.service.Output(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines, "total": len(lines)})
}

func (s *Server) changedFiles(c *gin.Context) {
	files, err := s.service.ChangedFiles(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (s *Server) fileDiff(c *gin.Context) {
	file := c.Query("file")
	if file == "" {
		badRequest(c, "file query parameter is required")
		return
	}
	diff, err := s.service.FileDiff(c.Request.Context(), c.Param("id"), file)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": file, "diff": diff})
}

func (s *Server) commits(c *gin.Context) {
	commits, err := s.service.Commits(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	if commits == nil {
		commits = []models.TaskCommit{}
	}
	c.JSON(http.StatusOK, gin.H{"commits": commits})
}

func (s *Server) uncommitted(c *gin.Context) {
	dirty, err := s.service.HasUncommittedChanges(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uncommitted": dirty})
}

func (s *Server) active(c *gin.Context) {
	active, err := s.service.HasActiveSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": active})
}
