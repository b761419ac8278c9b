package handler

import (
	"errors"
	"net/http"

	"github.com/yourorg/candle-cache/internal/model"
	"github.com/yourorg/candle-cache/internal/service"
	"github.com/yourorg/candle-cache/internal/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const rebuildingHeader = "X-Candle-Cache-Rebuilding"

// CandleHandler handles cached candle queries
type CandleHandler struct {
	candleService *service.CandleService
	coordinator   *service.Coordinator
	logger        *zap.Logger
}

// NewCandleHandler creates a new candle handler
func NewCandleHandler(candleService *service.CandleService, coordinator *service.Coordinator, logger *zap.Logger) *CandleHandler {
	return &CandleHandler{
		candleService: candleService,
		coordinator:   coordinator,
		logger:        logger,
	}
}

// GetCandles handles retrieving one candle series.
// Queries on a scope being rebuilt are answered from whatever has been replayed so far and flagged with a header.
// GET /api/v1/candles
func (h *CandleHandler) GetCandles(c *gin.Context) {
	var req model.CandleRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		utils.SendErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if scope, err := model.ParseScope(req.Scope); err == nil && h.coordinator.IsRebuilding(scope) {
		c.Header(rebuildingHeader, "true")
		c.Header("Cache-Control", "no-store")
	}

	resp, err := h.candleService.GetCandles(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInterval) || errors.Is(err, service.ErrInvalidQuery) || errors.Is(err, model.ErrInvalidScope) {
			utils.SendErrorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Failed to get candles", zap.Error(err), zap.String("scope", req.Scope))
		utils.SendErrorResponse(c, http.StatusInternalServerError, "Failed to get candle data")
		return
	}

	c.JSON(http.StatusOK, resp)
}
