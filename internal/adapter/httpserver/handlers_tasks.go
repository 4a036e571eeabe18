package httpserver

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type taskRequest struct {
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

func (s *Server) registerTaskRoutes(g *echo.Group) {
	g.GET("/tasks", s.handleListTasks)
	g.GET("/tasks/:id", s.handleGetTask)
	g.POST("/tasks", s.handleCreateTask)
	g.PUT("/tasks/:id", s.handleUpdateTask)
	g.DELETE("/tasks/:id", s.handleDeleteTask)
}

// originOf returns the identity of the client making the change, if it sent one.
func (s *Server) originOf(c echo.Context) string {
	clientID := c.Request().Header.Get(s.config.ClientIDHeader)
	if clientID != "" {
		bindClient(c, clientID)
	}
	return clientID
}

func (s *Server) handleListTasks(c echo.Context) error {
	tasks, err := s.tasks.List(c.Request().Context())
	if err != nil {
		return HandleError(c, err)
	}
	if err := c.JSON(http.StatusOK, tasks); err != nil {
		return fmt.Errorf("failed to write tasks response: %w", err)
	}
	return nil
}

func (s *Server) handleGetTask(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return HandleValidationError(c, "invalid task id")
	}

	task, err := s.tasks.Get(c.Request().Context(), id)
	if err != nil {
		return HandleError(c, err)
	}
	if err := c.JSON(http.StatusOK, task); err != nil {
		return fmt.Errorf("failed to write task response: %w", err)
	}
	return nil
}

func (s *Server) handleCreateTask(c echo.Context) error {
	var req taskRequest
	if err := c.Bind(&req); err != nil {
		return HandleValidationError(c, "invalid request body")
	}

	task, err := s.tasks.Create(c.Request().Context(), req.Title, s.originOf(c))
	if err != nil {
		return HandleError(c, err)
	}
	if err := c.JSON(http.StatusCreated, task); err != nil {
		return fmt.Errorf("failed to write task response: %w", err)
	}
	return nil
}

func (s *Server) handleUpdateTask(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return HandleValidationError(c, "invalid task id")
	}

	var req taskRequest
	if err := c.Bind(&req); err != nil {
		return HandleValidationError(c, "invalid request body")
	}

	task, err := s.tasks.Update(c.Request().Context(), id, req.Title, req.Done, s.originOf(c))
	if err != nil {
		return HandleError(c, err)
	}
	if err := c.JSON(http.StatusOK, task); err != nil {
		return fmt.Errorf("failed to write task response: %w", err)
	}
	return nil
}

func (s *Server) handleDeleteTask(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return HandleValidationError(c, "invalid task id")
	}

	if err := s.tasks.Delete(c.Request().Context(), id, s.originOf(c)); err != nil {
		return HandleError(c, err)
	}
	if err := c.NoContent(http.StatusNoContent); err != nil {
		return fmt.Errorf("failed to write delete response: %w", err)
	}
	return nil
}
