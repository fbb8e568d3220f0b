package infrastructure

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
	"github.com/Mohmdhamad/oms-microservices/internal/inventory/application"
	"github.com/Mohmdhamad/oms-microservices/internal/inventory/domain"
)

// InventoryHandlers HTTP действия сервиса склада: установка остатков
// и чтение доступного количества. Резервы управляются только сагой.
type InventoryHandlers struct {
	service *application.LedgerService
	logger  *zap.Logger
}

// NewInventoryHandlers создает HTTP обработчики
func NewInventoryHandlers(service *application.LedgerService, logger *zap.Logger) *InventoryHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryHandlers{service: service, logger: logger}
}

// Register монтирует маршруты на роутер
func (h *InventoryHandlers) Register(router *gin.Engine) {
	inventory := router.Group("/api/v1/inventory")
	inventory.PUT("", h.update)
	inventory.PUT("/batch", h.batchUpdate)
	inventory.GET("/:productId/:warehouseId", h.get)
}

func (h *InventoryHandlers) update(c *gin.Context) {
	var update domain.StockUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.service.Update(c.Request.Context(), update); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": 1})
}

func (h *InventoryHandlers) batchUpdate(c *gin.Context) {
	var updates []domain.StockUpdate
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	count, err := h.service.BatchUpdate(c.Request.Context(), updates)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": count})
}

func (h *InventoryHandlers) get(c *gin.Context) {
	inv, available, err := h.service.GetStock(c.Request.Context(), c.Param("productId"), c.Param("warehouseId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"productId":   inv.ProductID,
		"warehouseId": inv.WarehouseID,
		"quantity":    inv.Quantity,
		"available":   available,
	})
}

func (h *InventoryHandlers) respondError(c *gin.Context, err error) {
	var se *core.ServiceError
	if errors.As(err, &se) {
		c.JSON(se.HTTPStatus(), gin.H{"code": se.Code, "error": se.Message})
		return
	}
	h.logger.Error("unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"code": core.CodeInternal, "error": "internal error"})
}
