package controllers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/millpulse/backend/internal/analytics"
	"github.com/millpulse/backend/internal/services"
	"github.com/millpulse/backend/internal/utils"
	"github.com/millpulse/backend/internal/xlsx"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

// WindowQuery selects the mill, factory and date range an analysis runs over
type WindowQuery struct {
	Mill      string `form:"mill"`
	Factory   string `form:"factory"`
	StartDate string `form:"startDate"`
	EndDate   string `form:"endDate"`
}

// RapidRecurrenceQuery defines the query parameters for the rapid recurrence report
type RapidRecurrenceQuery struct {
	WindowQuery
	ThresholdMinutes *float64 `form:"thresholdMinutes" binding:"omitempty,gt=0"`
	PrecedingReason  string   `form:"precedingReason" binding:"omitempty,oneof=episode_start adjacent"`
}

// DowntimeTransitionsQuery defines the query parameters for the transition report
type DowntimeTransitionsQuery struct {
	WindowQuery
	Grouping  string `form:"grouping" binding:"omitempty,oneof=reason category equipment"`
	TopN      *int   `form:"topN" binding:"omitempty,min=1"`
	FromValue string `form:"fromValue"`
	ToValue   string `form:"toValue"`
	Scope     string `form:"scope" binding:"omitempty,oneof=pooled per_mill"`
}

// AnalyticsController serves the downtime sequence reports
type AnalyticsController struct {
	analyticsService *services.AnalyticsService
	logger           *utils.Logger
}

// NewAnalyticsController creates a new analytics controller
func NewAnalyticsController(analyticsService *services.AnalyticsService, logger *utils.Logger) *AnalyticsController {
	return &AnalyticsController{
		analyticsService: analyticsService,
		logger:           logger.Named("analytics_controller"),
	}
}

// RegisterRoutes registers the analytics routes
func (c *AnalyticsController) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/rapid-recurrence", c.GetRapidRecurrence)
	router.GET("/rapid-recurrence/export", c.ExportRapidRecurrence)
	router.GET("/downtime-transitions", c.GetDowntimeTransitions)
	router.GET("/downtime-transitions/export", c.ExportDowntimeTransitions)
}

// GetRapidRecurrence returns restarts that failed again within the threshold
// @Summary Rapid recurrence report
// @Description Finds restarts followed by a new stop in less than thresholdMinutes
// @Tags analytics
// @Produce json
// @Param mill query string false "Mill"
// @Param factory query string false "Factory"
// @Param startDate query string false "Start date (YYYY-MM-DD or RFC3339)"
// @Param endDate query string false "End date (YYYY-MM-DD or RFC3339)"
// @Param thresholdMinutes query number false "Maximum run length in minutes" default(20)
// @Param precedingReason query string false "episode_start or adjacent" default(episode_start)
// @Success 200 {object} analytics.RecurrenceResult
// @Failure 400 {object} utils.ErrorResponse
// @Failure 500 {object} utils.ErrorResponse
// @Router /analytics/rapid-recurrence [get]
func (c *AnalyticsController) GetRapidRecurrence(ctx *gin.Context) {
	result, ok := c.rapidRecurrence(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, result)
}

// ExportRapidRecurrence streams the rapid recurrence report as a workbook
// @Summary Rapid recurrence workbook
// @Tags analytics
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param mill query string false "Mill"
// @Param factory query string false "Factory"
// @Param startDate query string false "Start date"
// @Param endDate query string false "End date"
// @Param thresholdMinutes query number false "Maximum run length in minutes" default(20)
// @Param precedingReason query string false "episode_start or adjacent"
// @Success 200 {file} file
// @Failure 400 {object} utils.ErrorResponse
// @Router /analytics/rapid-recurrence/export [get]
func (c *AnalyticsController) ExportRapidRecurrence(ctx *gin.Context) {
	result, ok := c.rapidRecurrence(ctx)
	if !ok {
		return
	}
	f, err := xlsx.RecurrenceWorkbook(result)
	c.sendWorkbook(ctx, "rapid-recurrence", f, err)
}

// GetDowntimeTransitions returns DOWNTIME -> RUNNING -> DOWNTIME transition counts
// @Summary Downtime transition report
// @Description Counts which downtime follows which, with a top-N transition matrix
// @Tags analytics
// @Produce json
// @Param mill query string false "Mill"
// @Param factory query string false "Factory"
// @Param startDate query string false "Start date (YYYY-MM-DD or RFC3339)"
// @Param endDate query string false "End date (YYYY-MM-DD or RFC3339)"
// @Param grouping query string false "reason, category or equipment" default(reason)
// @Param topN query int false "Matrix rows and columns" default(12)
// @Param fromValue query string false "Only transitions from this value"
// @Param toValue query string false "Only transitions to this value"
// @Param scope query string false "pooled or per_mill" default(pooled)
// @Success 200 {object} analytics.TransitionResult
// @Failure 400 {object} utils.ErrorResponse
// @Failure 500 {object} utils.ErrorResponse
// @Router /analytics/downtime-transitions [get]
func (c *AnalyticsController) GetDowntimeTransitions(ctx *gin.Context) {
	result, ok := c.downtimeTransitions(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, result)
}

// ExportDowntimeTransitions streams the transition report as a workbook
// @Summary Downtime transition workbook
// @Tags analytics
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Param mill query string false "Mill"
// @Param grouping query string false "reason, category or equipment"
// @Param topN query int false "Matrix rows and columns"
// @Param scope query string false "pooled or per_mill"
// @Success 200 {file} file
// @Failure 400 {object} utils.ErrorResponse
// @Router /analytics/downtime-transitions/export [get]
func (c *AnalyticsController) ExportDowntimeTransitions(ctx *gin.Context) {
	result, ok := c.downtimeTransitions(ctx)
	if !ok {
		return
	}
	f, err := xlsx.TransitionWorkbook(result)
	c.sendWorkbook(ctx, "downtime-transitions", f, err)
}

func (c *AnalyticsController) rapidRecurrence(ctx *gin.Context) (*analytics.RecurrenceResult, bool) {
	var req RapidRecurrenceQuery
	if err := ctx.ShouldBindQuery(&req); err != nil {
		utils.HandleValidationErrors(ctx, err)
		return nil, false
	}

	window, err := services.ParseWindow(req.Mill, req.Factory, req.StartDate, req.EndDate)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return nil, false
	}

	opts := analytics.RecurrenceOptions{PrecedingReason: analytics.PrecedingReasonPolicy(req.PrecedingReason)}
	opts.ThresholdMinutes, _ = c.analyticsService.Defaults()
	if req.ThresholdMinutes != nil {
		opts.ThresholdMinutes = *req.ThresholdMinutes
	}

	result, err := c.analyticsService.RapidRecurrence(ctx.Request.Context(), window, opts)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return nil, false
	}
	return result, true
}

func (c *AnalyticsController) downtimeTransitions(ctx *gin.Context) (*analytics.TransitionResult, bool) {
	var req DowntimeTransitionsQuery
	if err := ctx.ShouldBindQuery(&req); err != nil {
		utils.HandleValidationErrors(ctx, err)
		return nil, false
	}

	window, err := services.ParseWindow(req.Mill, req.Factory, req.StartDate, req.EndDate)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return nil, false
	}

	opts := analytics.TransitionOptions{
		Grouping:  analytics.Grouping(req.Grouping),
		FromValue: req.FromValue,
		ToValue:   req.ToValue,
		Scope:     analytics.Scope(req.Scope),
	}
	if req.TopN != nil {
		opts.TopN = *req.TopN
	}

	result, err := c.analyticsService.DowntimeTransitions(ctx.Request.Context(), window, opts)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return nil, false
	}
	return result, true
}

func (c *AnalyticsController) sendWorkbook(ctx *gin.Context, name string, f *excelize.File, err error) {
	if err != nil {
		c.logger.Error("Failed to build workbook", zap.String("report", name), zap.Error(err))
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, xlsx.Filename(name, time.Now())))
	ctx.Header("Content-Type", xlsx.ContentType)
	ctx.Status(http.StatusOK)
	if err := xlsx.Write(f, ctx.Writer); err != nil {
		// Headers are already sent
		c.logger.Error("Failed to stream workbook", zap.String("report", name), zap.Error(err))
	}
}
