package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/riskflow-io/riskflow/pkg/bus"
	"github.com/riskflow-io/riskflow/pkg/domain"
)

// Config parameterizes the ingestion gateway.
type Config struct {
	// RawInputStream is where accepted signal bodies land, verbatim.
	// Defaults to raw-input-signals.
	RawInputStream string

	// MaxConcurrency bounds simultaneous publish stages. Default 8.
	MaxConcurrency int

	// MaxQueueSize bounds requests waiting for a slot. Default 500.
	MaxQueueSize int

	// MaxRequestBytes caps the request body. Default 1 MiB.
	MaxRequestBytes int64

	// MaxBatchSignals caps signals per request. Default 100.
	MaxBatchSignals int

	// AuthToken, when set, is required as a bearer token on signal routes.
	AuthToken string
}

func (c *Config) applyDefaults() {
	if c.RawInputStream == "" {
		c.RawInputStream = domain.StreamRawInputSignals
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 500
	}
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = 1 << 20
	}
	if c.MaxBatchSignals <= 0 {
		c.MaxBatchSignals = 100
	}
}

// IngestServer accepts raw signal submissions over HTTP and publishes them
// to the raw-input stream for the ingestion worker to normalize.
type IngestServer struct {
	publisher bus.EventPublisher
	queue     *AdmissionQueue
	cfg       Config
	logger    *slog.Logger
}

// NewIngestServer creates the ingestion gateway.
func NewIngestServer(publisher bus.EventPublisher, cfg Config) *IngestServer {
	cfg.applyDefaults()
	return &IngestServer{
		publisher: publisher,
		queue:     NewAdmissionQueue(cfg.MaxConcurrency, cfg.MaxQueueSize),
		cfg:       cfg,
		logger:    slog.Default().With("component", "ingest-gateway"),
	}
}

// Register wires the gateway's routes onto an echo instance.
func (s *IngestServer) Register(e *echo.Echo) {
	e.GET("/health", s.healthHandler)
	auth := bearerAuth(s.cfg.AuthToken)
	e.POST("/signals", s.signalsHandler, auth)
	e.POST("/v1/signals", s.signalsHandler, auth)
}

// SignalsResponse is the 202 body for accepted submissions.
type SignalsResponse struct {
	Accepted       int      `json:"accepted"`
	IDs            []string `json:"ids"`
	RawInputStream string   `json:"raw_input_stream"`
}

func (s *IngestServer) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":           "healthy",
		"service":          "ingest-gateway",
		"raw_input_stream": s.cfg.RawInputStream,
		"metrics":          s.queue.Metrics(),
	})
}

// signalsHandler handles POST /signals and /v1/signals. The body may be one
// signal object, an array, or a {signals: [...]} / {signal: {...}} wrapper.
func (s *IngestServer) signalsHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, s.cfg.MaxRequestBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: CodeInvalidRequestBody, Detail: "failed to read request body",
		})
	}
	if int64(len(body)) > s.cfg.MaxRequestBytes {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:  CodeInvalidRequestBody,
			Detail: fmt.Sprintf("request body exceeds %d bytes", s.cfg.MaxRequestBytes),
		})
	}

	signals, err := parseSignalsBody(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: CodeInvalidRequestBody, Detail: err.Error(),
		})
	}
	if len(signals) == 0 || len(signals) > s.cfg.MaxBatchSignals {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:  CodeInvalidRequestBody,
			Detail: fmt.Sprintf("signal count must be between 1 and %d", s.cfg.MaxBatchSignals),
		})
	}

	var ids []string
	err = s.queue.Do(c.Request().Context(), func() error {
		for _, sig := range signals {
			rec, err := s.publisher.Publish(c.Request().Context(), s.cfg.RawInputStream, sig, nil)
			if err != nil {
				return err
			}
			ids = append(ids, rec.ID)
		}
		return nil
	})
	if err != nil {
		if err == ErrQueueFull {
			return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: CodeQueueFull})
		}
		s.logger.Error("Failed to publish raw signals", "error", err, "accepted_so_far", len(ids))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: CodePublishFailed, Detail: "failed to publish to the raw-input stream",
		})
	}

	return c.JSON(http.StatusAccepted, SignalsResponse{
		Accepted:       len(ids),
		IDs:            ids,
		RawInputStream: s.cfg.RawInputStream,
	})
}

// parseSignalsBody accepts the four documented body shapes and returns the
// contained signal objects.
func parseSignalsBody(body []byte) ([]map[string]any, error) {
	var list []map[string]any
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("body is neither a JSON object nor an array")
	}

	if raw, ok := obj["signals"]; ok {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("field \"signals\" must be an array of objects")
		}
		return list, nil
	}
	if raw, ok := obj["signal"]; ok {
		var one map[string]any
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("field \"signal\" must be an object")
		}
		return []map[string]any{one}, nil
	}

	// A bare object is a single signal.
	var one map[string]any
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, fmt.Errorf("body is not a signal object")
	}
	return []map[string]any{one}, nil
}
