package api

import (
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// Server exposes the repair job queue over HTTP.
type Server struct {
	store *JobStore
}

func NewServer(store *JobStore) *Server {
	return &Server{store: store}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.POST("/v1/repairs", s.handleCreateRepair)
	e.GET("/v1/repairs", s.handleListRepairs)
	e.GET("/v1/repairs/:id", s.handleGetRepair)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateRepair(c *echo.Context) error {
	req, err := decodeJSON[RepairRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	job, err := s.store.Enqueue(req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	return c.JSON(http.StatusAccepted, job)
}

func (s *Server) handleListRepairs(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   s.store.List(),
	})
}

func (s *Server) handleGetRepair(c *echo.Context) error {
	id := c.Param("id")
	job, ok := s.store.Get(id)
	if !ok {
		return writeNotFound(c, "no such repair job: "+id)
	}
	return c.JSON(http.StatusOK, job)
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{Message: msg, Type: errType},
	})
}
