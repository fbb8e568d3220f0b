package infrastructure

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
	"github.com/Mohmdhamad/oms-microservices/internal/orders/application"
	"github.com/Mohmdhamad/oms-microservices/internal/orders/domain"
)

// OrderHandlers HTTP действия сервиса заказов. CRUD каталога, склада
// и пользователей живут в своих сервисах; здесь только операции агрегата.
type OrderHandlers struct {
	service *application.OrderService
	logger  *zap.Logger
}

// NewOrderHandlers создает HTTP обработчики
func NewOrderHandlers(service *application.OrderService, logger *zap.Logger) *OrderHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderHandlers{service: service, logger: logger}
}

// Register монтирует маршруты на роутер
func (h *OrderHandlers) Register(router *gin.Engine) {
	orders := router.Group("/api/v1/orders")
	orders.POST("", h.create)
	orders.GET("/:id", h.get)
	orders.POST("/:id/confirm", h.confirm)
	orders.POST("/:id/cancel", h.cancel)
	orders.POST("/:id/ship", h.ship)
}

type createOrderRequest struct {
	UserID          string             `json:"userId" binding:"required"`
	WarehouseID     string             `json:"warehouseId"`
	ShippingAddress domain.Address     `json:"shippingAddress"`
	BillingAddress  domain.Address     `json:"billingAddress"`
	Notes           string             `json:"notes"`
	Items           []createOrderItem  `json:"items" binding:"required"`
}

type createOrderItem struct {
	ProductID       string          `json:"productId" binding:"required"`
	Quantity        int             `json:"quantity" binding:"required"`
	UnitPrice       decimal.Decimal `json:"unitPrice"`
	WarehouseID     string          `json:"warehouseId"`
	ProductSnapshot json.RawMessage `json:"productSnapshot"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

func (h *OrderHandlers) create(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	input := domain.NewOrderInput{
		UserID:          req.UserID,
		WarehouseID:     req.WarehouseID,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Notes:           req.Notes,
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, domain.NewItemInput{
			ProductID:       item.ProductID,
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice,
			WarehouseID:     item.WarehouseID,
			ProductSnapshot: item.ProductSnapshot,
		})
	}

	order, err := h.service.CreateOrder(c.Request.Context(), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *OrderHandlers) get(c *gin.Context) {
	order, err := h.service.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandlers) confirm(c *gin.Context) {
	order, err := h.service.ConfirmOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandlers) cancel(c *gin.Context) {
	var req cancelOrderRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by user"
	}

	order, err := h.service.CancelOrder(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandlers) ship(c *gin.Context) {
	order, err := h.service.ShipOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandlers) respondError(c *gin.Context, err error) {
	var se *core.ServiceError
	if errors.As(err, &se) {
		c.JSON(se.HTTPStatus(), gin.H{"code": se.Code, "error": se.Message})
		return
	}
	h.logger.Error("unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"code": core.CodeInternal, "error": "internal error"})
}
