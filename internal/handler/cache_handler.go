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

// Rebuilder starts background rebuilds
type Rebuilder interface {
	Start(scope model.Scope) (string, error)
}

// CacheHandler handles candle cache status and control requests
type CacheHandler struct {
	coordinator *service.Coordinator
	rebuilder   Rebuilder
	logger      *zap.Logger
}

// NewCacheHandler creates a new cache handler
func NewCacheHandler(coordinator *service.Coordinator, rebuilder Rebuilder, logger *zap.Logger) *CacheHandler {
	return &CacheHandler{
		coordinator: coordinator,
		rebuilder:   rebuilder,
		logger:      logger,
	}
}

// GetAllStatus handles retrieving the status of every process
// GET /candle-cache-status/all
func (h *CacheHandler) GetAllStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.StatusAll())
}

// GetStatus handles retrieving the status of one process
// GET /candle-cache-status/:process
func (h *CacheHandler) GetStatus(c *gin.Context) {
	status, err := h.coordinator.Status(model.ProcessKind(c.Param("process")))
	if err != nil {
		utils.SendErrorResponse(c, http.StatusNotFound, "Unknown process")
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetRebuildStatus handles the legacy status route, which reports the rebuilder
// GET /candle-cache-status
func (h *CacheHandler) GetRebuildStatus(c *gin.Context) {
	status, _ := h.coordinator.Status(model.ProcessRebuilder)
	c.JSON(http.StatusOK, status)
}

// Refresh handles starting a rebuild of the scope named by the scope query parameter
// GET /refresh-candle-cache
func (h *CacheHandler) Refresh(c *gin.Context) {
	scope, err := model.ParseScope(c.Query("scope"))
	if err != nil {
		c.JSON(http.StatusBadRequest, model.RefreshResponse{Success: false, Reason: err.Error()})
		return
	}
	h.startRebuild(c, scope)
}

// RefreshResource handles starting a rebuild of one resource
// GET /refresh-candle-cache/:resourceSlug
func (h *CacheHandler) RefreshResource(c *gin.Context) {
	scope, err := model.ParseScope("resource:" + c.Param("resourceSlug"))
	if err != nil {
		c.JSON(http.StatusBadRequest, model.RefreshResponse{Success: false, Reason: err.Error()})
		return
	}
	h.startRebuild(c, scope)
}

func (h *CacheHandler) startRebuild(c *gin.Context, scope model.Scope) {
	runID, err := h.rebuilder.Start(scope)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, model.RefreshResponse{Success: true, RunID: runID, Scope: scope.Key()})
	case errors.Is(err, service.ErrConflict):
		h.logger.Info("Rebuild already running", zap.String("scope", scope.Key()))
		c.JSON(http.StatusConflict, model.RefreshResponse{Success: false, Reason: "conflict", Scope: scope.Key()})
	case errors.Is(err, service.ErrShutdown):
		c.JSON(http.StatusServiceUnavailable, model.RefreshResponse{Success: false, Reason: "shutting down"})
	default:
		h.logger.Error("Failed to start rebuild", zap.Error(err), zap.String("scope", scope.Key()))
		utils.SendErrorResponse(c, http.StatusInternalServerError, "Failed to start rebuild")
	}
}

// CancelRebuild handles stopping the active rebuild
// POST /candle-cache-rebuild/cancel
func (h *CacheHandler) CancelRebuild(c *gin.Context) {
	if err := h.coordinator.Cancel(model.ProcessRebuilder); err != nil {
		c.JSON(http.StatusNotFound, model.RefreshResponse{Success: false, Reason: "not running"})
		return
	}
	h.logger.Info("Rebuild cancel requested")
	c.JSON(http.StatusOK, model.RefreshResponse{Success: true})
}
