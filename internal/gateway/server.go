// Package gateway exposes the task lifecycle over HTTP and streams live
// agent output over websockets.
package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/benodiwal/medusa/internal/common/httpmw"
	"github.com/benodiwal/medusa/internal/common/logger"
	"github.com/benodiwal/medusa/internal/events/bus"
	"github.com/benodiwal/medusa/internal/task/models"
	"github.com/benodiwal/medusa/internal/task/service"
)

// TaskService is the subset of the task lifecycle controller the gateway serves.
type TaskService interface {
	CreateTask(ctx context.Context, req *service.CreateTaskRequest) (*models.Task, error)
	UpdateTask(ctx context.Context, taskID string, req *service.UpdateTaskRequest) (*models.Task, error)
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, projectPath string) ([]*models.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	ClearCompleted(ctx context.Context, projectPath string) (int, error)

	StartAgent(ctx context.Context, taskID string) (*models.Task, error)
	SendMessage(ctx context.Context, taskID, text string) error
	StopAgent(ctx context.Context, taskID string) (*models.Task, error)
	CleanupAgent(ctx context.Context, taskID string) (*models.Task, error)
	SendToReview(ctx context.Context, taskID string) (*models.Task, error)
	Merge(ctx context.Context, taskID string) (*models.Task, error)
	Reject(ctx context.Context, taskID string) (*models.Task, error)
	AmendCommit(ctx context.Context, taskID, message string) (*models.Task, error)

	Output(ctx context.Context, taskID string) ([]string, error)
	ChangedFiles(ctx context.Context, taskID string) ([]string, error)
	FileDiff(ctx context.Context, taskID, file string) (string, error)
	Commits(ctx context.Context, taskID string) ([]models.TaskCommit, error)
	HasUncommittedChanges(ctx context.Context, taskID string) (bool, error)
	HasActiveSession(ctx context.Context, taskID string) (bool, error)
}

// Server holds the HTTP handlers and the router they are mounted on.
type Server struct {
	service  TaskService
	eventBus bus.EventBus
	logger   *logger.Logger
	router   *gin.Engine
}

// NewServer builds the router for svc. eventBus feeds the live stream
// endpoint and may be nil, in which case streaming is unavailable.
func NewServer(svc TaskService, eventBus bus.EventBus, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		service:  svc,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "gateway")),
	}

	router := gin.New()
	router.Use(httpmw.Recovery(s.logger))
	router.Use(httpmw.OtelTracing("medusa-gateway"))
	router.Use(httpmw.RequestLogger(s.logger))

	router.GET("/health", s.health)

	api := router.Group("/api/v1")
	s.registerRoutes(api)
	s.router = router
	return s
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes(api *gin.RouterGroup) {
	api.POST("/tasks", s.createTask)
	api.GET("/tasks", s.listTasks)
	api.GET("/tasks/:id", s.getTask)
	api.PATCH("/tasks/:id", s.updateTask)
	api.DELETE("/tasks/:id", s.deleteTask)

	api.POST("/tasks/:id/start", s.startAgent)
	api.POST("/tasks/:id/message", s.sendMessage)
	api.POST("/tasks/:id/stop", s.stopAgent)
	api.POST("/tasks/:id/cleanup", s.cleanupAgent)
	api.POST("/tasks/:id/review", s.sendToReview)
	api.POST("/tasks/:id/merge", s.merge)
	api.POST("/tasks/:id/reject", s.reject)
	api.POST("/tasks/:id/amend", s.amendCommit)

	api.GET("/tasks/:id/output", s.output)
	api.GET("/tasks/:id/files", s.changedFiles)
	api.GET("/tasks/:id/diff", s.fileDiff)
	api.GET("/tasks/:id/commits", s.commits)
	api.GET("/tasks/:id/uncommitted", s.uncommitted)
	api.GET("/tasks/:id/active", s.active)
	api.GET("/tasks/:id/stream", s.streamTask)

	api.POST("/projects/clear-completed", s.clearCompleted)
}

func (s *Server) health(c *gin.Context) {
	status := gin.H{"status": "ok"}
	if s.eventBus != nil {
		status["bus_connected"] = s.eventBus.IsConnected()
	}
	c.JSON(http.StatusOK, status)
}
