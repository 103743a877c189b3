package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"storystack-server/bundle-service/internal/service"
	sharedMiddleware "storystack-server/shared/middleware"
	"storystack-server/shared/models"
)

// BundleHandler обрабатывает HTTP запросы bundle-сервиса.
type BundleHandler struct {
	service service.BundleService
	logger  *zap.Logger
}

// NewBundleHandler создает новый BundleHandler.
func NewBundleHandler(s service.BundleService, logger *zap.Logger) *BundleHandler {
	return &BundleHandler{
		service: s,
		logger:  logger.Named("BundleHandler"),
	}
}

// RegisterRoutes регистрирует маршруты bundle-сервиса.
// rateLimiter применяется к дорогим операциям (компиляция, экспорт);
// nil отключает ограничение.
func (h *BundleHandler) RegisterRoutes(router *gin.Engine, authMiddleware gin.HandlerFunc, rateLimiter gin.HandlerFunc) {
	stacksGroup := router.Group("/stacks", authMiddleware)
	{
		compileHandlers := []gin.HandlerFunc{}
		if rateLimiter != nil {
			compileHandlers = append(compileHandlers, rateLimiter)
		}
		stacksGroup.POST("/:id/compile", append(compileHandlers, h.compileStack)...)
		stacksGroup.POST("/:id/updates", h.checkForUpdates)
		stacksGroup.GET("/:id/export", append(compileHandlers, h.exportStack)...)
	}
}

// getUserIDFromContext извлекает userID, сохраненный auth middleware.
func getUserIDFromContext(c *gin.Context) (uint64, error) {
	userID, ok := sharedMiddleware.UserIDFromContext(c)
	if !ok || userID == 0 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, APIError{Message: "Unauthorized"})
		return 0, fmt.Errorf("user_id не найден в контексте")
	}
	return userID, nil
}

// parseStackID разбирает параметр :id.
func (h *BundleHandler) parseStackID(c *gin.Context) (uuid.UUID, bool) {
	idStr := c.Param("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.logger.Warn("Invalid stack ID format", zap.String("id", idStr), zap.Error(err))
		c.JSON(http.StatusBadRequest, APIError{Message: "Invalid stack ID format"})
		return uuid.Nil, false
	}
	return id, true
}

// handleServiceError переводит ошибки сервиса в HTTP статусы.
// Ошибки валидатора возвращаются списком, дословно.
func (h *BundleHandler) handleServiceError(c *gin.Context, err error) {
	if ve, ok := service.AsValidationError(err); ok {
		c.JSON(http.StatusBadRequest, APIError{
			Message: "Bundle validation failed",
			Errors:  ve.Errors,
		})
		return
	}

	var statusCode int
	var apiErr APIError
	switch {
	case errors.Is(err, models.ErrStackNotFound) || errors.Is(err, models.ErrNotFound):
		statusCode = http.StatusNotFound
		apiErr = APIError{Message: "Stack not found"}
	case errors.Is(err, models.ErrForbidden):
		statusCode = http.StatusForbidden
		apiErr = APIError{Message: "Access denied"}
	case errors.Is(err, models.ErrEmptyStack):
		statusCode = http.StatusBadRequest
		apiErr = APIError{Message: err.Error()}
	case errors.Is(err, models.ErrAssetTooLarge) || errors.Is(err, models.ErrBundleTooLarge):
		statusCode = http.StatusUnprocessableEntity
		apiErr = APIError{Message: err.Error()}
	case errors.Is(err, models.ErrUnknownFormat):
		statusCode = http.StatusBadRequest
		apiErr = APIError{Message: err.Error()}
	case errors.Is(err, models.ErrAssetFetchFailed):
		statusCode = http.StatusBadGateway
		apiErr = APIError{Message: err.Error()}
	case errors.Is(err, models.ErrBadRequest) || errors.Is(err, models.ErrInvalidInput):
		statusCode = http.StatusBadRequest
		apiErr = APIError{Message: err.Error()}
	default:
		statusCode = http.StatusInternalServerError
		apiErr = APIError{Message: "Internal server error"}
	}
	c.JSON(statusCode, apiErr)
}

// compileStack обрабатывает POST /stacks/:id/compile.
func (h *BundleHandler) compileStack(c *gin.Context) {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		return
	}
	stackID, ok := h.parseStackID(c)
	if !ok {
		return
	}

	var req compileRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.logger.Warn("Invalid request body for compileStack", zap.Uint64("userID", userID), zap.Error(err))
			c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
			return
		}
	}
	opts := req.Options.toCompileOptions()

	stats, err := h.service.Compile(c.Request.Context(), userID, stackID, opts)
	if err != nil {
		if _, isValidation := service.AsValidationError(err); !isValidation &&
			!errors.Is(err, models.ErrStackNotFound) &&
			!errors.Is(err, models.ErrForbidden) &&
			!errors.Is(err, models.ErrEmptyStack) {
			h.logger.Error("Error compiling stack", zap.Uint64("userID", userID), zap.String("stackID", stackID.String()), zap.Error(err))
		}
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, newCompileStatsResponse(stats))
}

// checkForUpdates обрабатывает POST /stacks/:id/updates.
// При full=true возвращает полный бандл вместо результата проверки.
func (h *BundleHandler) checkForUpdates(c *gin.Context) {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		return
	}
	stackID, ok := h.parseStackID(c)
	if !ok {
		return
	}

	var req updateCheckRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.logger.Warn("Invalid request body for checkForUpdates", zap.Uint64("userID", userID), zap.Error(err))
			c.JSON(http.StatusBadRequest, APIError{Message: "Invalid request body: " + err.Error()})
			return
		}
	}

	if req.Full {
		bundle, err := h.service.GetBundle(c.Request.Context(), userID, stackID, models.DefaultCompileOptions())
		if err != nil {
			h.handleServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, bundle)
		return
	}

	result, err := h.service.CheckForUpdates(c.Request.Context(), userID, stackID, req.Checksum)
	if err != nil {
		h.handleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, updateCheckResponse{
		HasUpdates:  result.HasUpdates,
		Checksum:    result.Checksum,
		UpdatedAt:   result.UpdatedAt,
		CardCount:   result.CardCount,
		ChoiceCount: result.ChoiceCount,
	})
}

// exportStack обрабатывает GET /stacks/:id/export?format=...
func (h *BundleHandler) exportStack(c *gin.Context) {
	userID, err := getUserIDFromContext(c)
	if err != nil {
		return
	}
	stackID, ok := h.parseStackID(c)
	if !ok {
		return
	}

	format := c.Query("format")
	if format == "" {
		format = service.ExportFormatBinary
	}

	artifact, err := h.service.Export(c.Request.Context(), userID, stackID, format)
	if err != nil {
		if _, isValidation := service.AsValidationError(err); !isValidation &&
			!errors.Is(err, models.ErrStackNotFound) &&
			!errors.Is(err, models.ErrForbidden) &&
			!errors.Is(err, models.ErrUnknownFormat) &&
			!errors.Is(err, models.ErrEmptyStack) {
			h.logger.Error("Error exporting stack", zap.Uint64("userID", userID), zap.String("stackID", stackID.String()), zap.String("format", format), zap.Error(err))
		}
		h.handleServiceError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Filename))
	c.Data(http.StatusOK, artifact.ContentType, artifact.Data)
}
