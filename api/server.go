// Package api exposes the read-only HTTP surface: task, node and
// function lookups, aggregate stats, Prometheus metrics and a websocket
// event stream. Mutating operations are deliberately absent; submitters
// and nodes call the coordinator in-process.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cosmossdk.io/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/monadmesh/meshcore/core/directory"
	"github.com/monadmesh/meshcore/core/dispatch"
	"github.com/monadmesh/meshcore/core/registry"
	"github.com/monadmesh/meshcore/core/types"
)

// Config holds server configuration.
type Config struct {
	Listen          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Listen:          ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the read-only API server.
type Server struct {
	router *gin.Engine
	http   *http.Server
	cfg    Config

	coord     *dispatch.Coordinator
	registry  *registry.Registry
	directory *directory.Directory
	logger    log.Logger
}

// NewServer wires the routes against the core components.
func NewServer(cfg Config, coord *dispatch.Coordinator, reg *registry.Registry, dir *directory.Directory, logger log.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:    router,
		cfg:       cfg,
		coord:     coord,
		registry:  reg,
		directory: dir,
		logger:    logger.With("component", "api"),
	}

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/tasks/:id", s.handleGetTask)
		v1.GET("/nodes/:id", s.handleGetNode)
		v1.GET("/functions/:id", s.handleGetFunction)
		v1.GET("/functions", s.handleListFunctions)
		v1.GET("/stats", s.handleStats)
		v1.GET("/events", s.handleEvents)
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then drains connections within
// the shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.cfg.Listen)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		s.logger.Info("api shutting down")
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleGetTask(c *gin.Context) {
	id := types.Hash(c.Param("id"))
	task, err := s.coord.GetTask(id)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task":    task,
		"records": s.coord.Records(id),
	})
}

type nodeResponse struct {
	Address      types.Identity        `json:"address"`
	Capabilities []types.CapabilityTag `json:"capabilities"`
	Stake        string                `json:"stake"`
	Status       string                `json:"status"`
	RegisteredAt time.Time             `json:"registered_at"`
	LastSeen     time.Time             `json:"last_seen"`
}

func toNodeResponse(n *directory.Node) nodeResponse {
	return nodeResponse{
		Address:      n.Address,
		Capabilities: n.Capabilities,
		Stake:        n.Stake.String(),
		Status:       n.Status.String(),
		RegisteredAt: n.RegisteredAt,
		LastSeen:     n.LastSeen,
	}
}

func (s *Server) handleGetNode(c *gin.Context) {
	node, err := s.directory.Get(types.Identity(c.Param("id")))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, toNodeResponse(node))
}

type functionResponse struct {
	ID           types.Hash             `json:"id"`
	Owner        types.Identity         `json:"owner"`
	ContentRef   types.ContentAddress   `json:"content_ref"`
	Dependencies []types.ContentAddress `json:"dependencies,omitempty"`
	Capabilities []types.CapabilityTag  `json:"capabilities,omitempty"`
	Visibility   string                 `json:"visibility"`
	CreatedAt    time.Time              `json:"created_at"`
}

func toFunctionResponse(a *registry.FunctionArtifact) functionResponse {
	return functionResponse{
		ID:           a.ID,
		Owner:        a.Owner,
		ContentRef:   a.ContentRef,
		Dependencies: a.Dependencies,
		Capabilities: a.Capabilities,
		Visibility:   a.Visibility.String(),
		CreatedAt:    a.CreatedAt,
	}
}

func (s *Server) handleGetFunction(c *gin.Context) {
	artifact, err := s.registry.Get(types.Hash(c.Param("id")))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, toFunctionResponse(artifact))
}

func (s *Server) handleListFunctions(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner query parameter is required"})
		return
	}
	artifacts := s.registry.ListByOwner(types.Identity(owner))
	out := make([]functionResponse, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, toFunctionResponse(a))
	}
	c.JSON(http.StatusOK, gin.H{"functions": out})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tasks":     s.coord.GetStats(),
		"functions": s.registry.Count(),
		"nodes":     s.directory.Count(),
	})
}

func (s *Server) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrUnknownNode),
		errors.Is(err, types.ErrUnknownFunction):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrLedgerUnavailable):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
