package llmadapter

import (
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/riskflow-io/riskflow/pkg/domain"
	"github.com/riskflow-io/riskflow/pkg/gateway"
)

// Error codes surfaced by the classify endpoint.
const (
	codeQueueFull            = "QUEUE_FULL"
	codeInvalidRequestBody   = "INVALID_REQUEST_BODY"
	codeClassificationFailed = "UPSTREAM_CLASSIFICATION_FAILED"
)

// ServerConfig parameterizes the classify HTTP service.
type ServerConfig struct {
	// MaxConcurrency bounds simultaneous upstream calls. Default 8.
	MaxConcurrency int

	// MaxQueueSize bounds requests waiting for a slot. Default 500.
	MaxQueueSize int
}

func (c *ServerConfig) applyDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 500
	}
}

// Server exposes the classification adapter over HTTP.
type Server struct {
	client *Client
	queue  *gateway.AdmissionQueue
	logger *slog.Logger
}

// NewServer creates the classify service around an upstream client.
func NewServer(client *Client, cfg ServerConfig) *Server {
	cfg.applyDefaults()
	return &Server{
		client: client,
		queue:  gateway.NewAdmissionQueue(cfg.MaxConcurrency, cfg.MaxQueueSize),
		logger: slog.Default().With("component", "llm-adapter"),
	}
}

// Register wires the adapter's routes onto an echo instance.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.healthHandler)
	e.POST("/classify", s.classifyHandler)
}

// ClassifyRequest is the POST /classify body.
type ClassifyRequest struct {
	Signal       domain.Signal `json:"signal"`
	Model        string        `json:"model,omitempty"`
	Instructions string        `json:"instructions,omitempty"`
}

// ClassifyResponse is the 200 body.
type ClassifyResponse struct {
	StructuredRisk domain.StructuredRisk `json:"structured_risk"`
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":            "healthy",
		"service":           "llm-adapter",
		"upstream_base_url": s.client.BaseURL(),
		"metrics":           s.queue.Metrics(),
	})
}

func (s *Server) classifyHandler(c *echo.Context) error {
	var req ClassifyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, gateway.ErrorResponse{
			Error: codeInvalidRequestBody, Detail: err.Error(),
		})
	}
	if req.Signal.EventID == "" {
		return c.JSON(http.StatusBadRequest, gateway.ErrorResponse{
			Error: codeInvalidRequestBody, Detail: "signal.event_id is required",
		})
	}

	var risk domain.StructuredRisk
	err := s.queue.Do(c.Request().Context(), func() error {
		var err error
		risk, err = s.client.Classify(c.Request().Context(), req.Signal, req.Model, req.Instructions)
		return err
	})
	if err != nil {
		if err == gateway.ErrQueueFull {
			return c.JSON(http.StatusServiceUnavailable, gateway.ErrorResponse{Error: codeQueueFull})
		}
		s.logger.Error("Classification failed", "event_id", req.Signal.EventID, "error", err)
		return c.JSON(http.StatusBadGateway, gateway.ErrorResponse{Error: codeClassificationFailed})
	}
	return c.JSON(http.StatusOK, ClassifyResponse{StructuredRisk: risk})
}
