package controllers

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/millpulse/backend/internal/db/models"
	"github.com/millpulse/backend/internal/db/repository"
	"github.com/millpulse/backend/internal/services"
	"github.com/millpulse/backend/internal/utils"
	"go.uber.org/zap"
)

// maxIngestBody caps POST /events payloads
const maxIngestBody = 8 << 20

// ListEventsQuery defines the query parameters for browsing stored events
type ListEventsQuery struct {
	WindowQuery
	// State is a comma-separated list, e.g. DOWNTIME,RUNNING
	State string `form:"state"`
}

// EventController handles machine event ingestion and browsing
type EventController struct {
	ingestService *services.IngestService
	events        repository.EventRepository
	logger        *utils.Logger
}

// NewEventController creates a new event controller
func NewEventController(
	ingestService *services.IngestService,
	events repository.EventRepository,
	logger *utils.Logger,
) *EventController {
	return &EventController{
		ingestService: ingestService,
		events:        events,
		logger:        logger.Named("event_controller"),
	}
}

// RegisterRoutes registers the event routes
func (c *EventController) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events", c.ListEvents)
	router.POST("/events", c.IngestEvents)
	router.GET("/mills", c.ListMills)
}

// ListEvents returns stored events, newest first
// @Summary List machine events
// @Tags events
// @Produce json
// @Param mill query string false "Mill"
// @Param factory query string false "Factory"
// @Param startDate query string false "Start date (YYYY-MM-DD or RFC3339)"
// @Param endDate query string false "End date (YYYY-MM-DD or RFC3339)"
// @Param state query string false "Comma-separated machine states"
// @Param page query int false "Page number" default(1)
// @Param limit query int false "Items per page" default(50)
// @Success 200 {object} utils.PaginatedResponse
// @Failure 400 {object} utils.ErrorResponse
// @Router /events [get]
func (c *EventController) ListEvents(ctx *gin.Context) {
	var req ListEventsQuery
	if err := ctx.ShouldBindQuery(&req); err != nil {
		utils.HandleValidationErrors(ctx, err)
		return
	}

	window, err := services.ParseWindow(req.Mill, req.Factory, req.StartDate, req.EndDate)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	filter := repository.EventFilter{Mill: window.Mill, Factory: window.Factory, Start: window.Start, End: window.End}
	for _, raw := range strings.Split(req.State, ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		state, err := models.ParseMachineState(raw)
		if err != nil {
			utils.HandleError(ctx, fmt.Errorf("%w: %v", utils.ErrValidation, err), c.logger)
			return
		}
		filter.States = append(filter.States, state)
	}

	pagination := utils.GetPaginationFromContext(ctx)
	events, total, err := c.events.ListEvents(ctx.Request.Context(), filter, pagination)
	if err != nil {
		c.logger.Error("Failed to list events", zap.String("mill", filter.Mill), zap.Error(err))
		utils.HandleError(ctx, fmt.Errorf("%w: %v", utils.ErrUpstream, err), c.logger)
		return
	}

	if events == nil {
		events = []models.HistoricalEvent{}
	}
	ctx.JSON(http.StatusOK, utils.NewPaginatedResponse(events, pagination, int(total)))
}

// IngestEvents stores one event or an array of events
// @Summary Ingest machine events
// @Tags events
// @Accept json
// @Produce json
// @Param events body []models.HistoricalEvent true "Event or array of events"
// @Success 201 {object} services.IngestResult
// @Failure 400 {object} utils.ErrorResponse
// @Failure 500 {object} utils.ErrorResponse
// @Router /events [post]
func (c *EventController) IngestEvents(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxIngestBody))
	if err != nil {
		utils.HandleError(ctx, fmt.Errorf("%w: %v", utils.ErrBadRequest, err), c.logger)
		return
	}

	result, err := c.ingestService.IngestPayload(ctx.Request.Context(), services.SourceHTTP, body)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusCreated, result)
}

// ListMills returns the mills that have stored events
// @Summary List mills
// @Tags events
// @Produce json
// @Param factory query string false "Factory"
// @Success 200 {object} map[string][]string
// @Router /mills [get]
func (c *EventController) ListMills(ctx *gin.Context) {
	mills, err := c.events.ListMills(ctx.Request.Context(), strings.TrimSpace(ctx.Query("factory")))
	if err != nil {
		c.logger.Error("Failed to list mills", zap.Error(err))
		utils.HandleError(ctx, fmt.Errorf("%w: %v", utils.ErrUpstream, err), c.logger)
		return
	}

	if mills == nil {
		mills = []string{}
	}
	ctx.JSON(http.StatusOK, gin.H{"data": mills})
}
