package gateway

import (
	"fmt"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/riskflow-io/riskflow/pkg/bus"
	"github.com/riskflow-io/riskflow/pkg/domain"
)

// PlanningServer accepts shipment plans and inventory snapshots and
// publishes them to their streams for the planning-impact worker.
type PlanningServer struct {
	publisher bus.EventPublisher
	queue     *AdmissionQueue
	authToken string
	logger    *slog.Logger
}

// NewPlanningServer creates the planning gateway.
func NewPlanningServer(publisher bus.EventPublisher, cfg Config) *PlanningServer {
	cfg.applyDefaults()
	return &PlanningServer{
		publisher: publisher,
		queue:     NewAdmissionQueue(cfg.MaxConcurrency, cfg.MaxQueueSize),
		authToken: cfg.AuthToken,
		logger:    slog.Default().With("component", "planning-gateway"),
	}
}

// Register wires the planning routes onto an echo instance.
func (s *PlanningServer) Register(e *echo.Echo) {
	auth := bearerAuth(s.authToken)
	e.POST("/shipments", s.shipmentsHandler, auth)
	e.POST("/v1/shipments", s.shipmentsHandler, auth)
	e.POST("/inventory", s.inventoryHandler, auth)
	e.POST("/v1/inventory", s.inventoryHandler, auth)
}

// PlanningResponse is the 202 body for accepted planning records.
type PlanningResponse struct {
	Accepted int    `json:"accepted"`
	Stream   string `json:"stream"`
}

func (s *PlanningServer) shipmentsHandler(c *echo.Context) error {
	var plan domain.ShipmentPlan
	if err := c.Bind(&plan); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: CodeInvalidRequestBody, Detail: err.Error(),
		})
	}
	if plan.ShipmentID == "" || plan.LaneID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: CodeInvalidRequestBody, Detail: "shipment_id and lane_id are required",
		})
	}
	return s.accept(c, domain.StreamShipmentPlans, plan)
}

func (s *PlanningServer) inventoryHandler(c *echo.Context) error {
	var snap domain.InventorySnapshot
	if err := c.Bind(&snap); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: CodeInvalidRequestBody, Detail: err.Error(),
		})
	}
	if snap.SKU == "" || snap.SiteID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: CodeInvalidRequestBody, Detail: "sku and site_id are required",
		})
	}
	return s.accept(c, domain.StreamInventorySnapshots, snap)
}

func (s *PlanningServer) accept(c *echo.Context, stream string, record any) error {
	err := s.queue.Do(c.Request().Context(), func() error {
		if _, err := s.publisher.Publish(c.Request().Context(), stream, record, nil); err != nil {
			return fmt.Errorf("publish to %s: %w", stream, err)
		}
		return nil
	})
	if err != nil {
		if err == ErrQueueFull {
			return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: CodeQueueFull})
		}
		s.logger.Error("Failed to publish planning record", "stream", stream, "error", err)
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: CodePublishFailed, Detail: "failed to publish planning record",
		})
	}
	return c.JSON(http.StatusAccepted, PlanningResponse{Accepted: 1, Stream: stream})
}
