package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/crm-sync/internal/domain"
	"github.com/tbourn/crm-sync/internal/services"
)

// ListOrdersResponse is a page of a contact's orders, newest first.
type ListOrdersResponse struct {
	Orders     []domain.Order `json:"orders"`
	Pagination Pagination     `json:"pagination"`
}

// UpdateStatusRequest moves an order to a new status.
type UpdateStatusRequest struct {
	Status domain.OrderStatus `json:"status" binding:"required" example:"completed"`
}

// ListOrders godoc
// @ID          listOrders
// @Summary     List a contact's orders
// @Tags        Orders
// @Produce     json
//
// @Param       id         path   string  true   "Contact ID (UUID)"  format(uuid)
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListOrdersResponse
// @Success     304  "Not modified"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Contact not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /contacts/{id}/orders [get]
func (h *Handlers) ListOrders(c *gin.Context) {
	ctx := c.Request.Context()
	contactID := c.Param("id")
	if _, err := uuid.Parse(contactID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "contact id must be a UUID")
		return
	}
	page, pageSize := clampPagination(c, 20)

	if h.d.Stats != nil {
		if count, maxTS, err := h.d.Stats.OrdersStats(ctx, contactID); err == nil && count > 0 {
			etag := fmt.Sprintf(`W/"orders:%s:%d:%d:%d:%d"`, contactID, count, statsStamp(maxTS), page, pageSize)
			if checkETag(c, etag) {
				return
			}
		}
	}

	items, total, err := h.d.Orders.ListPage(ctx, contactID, page, pageSize)
	if err != nil {
		failErr(c, err, ErrCodeListFailed,
			rule(services.ErrContactNotFound, http.StatusNotFound, ErrCodeNotFound, "contact not found"))
		return
	}
	ok(c, http.StatusOK, ListOrdersResponse{Orders: items, Pagination: newPagination(page, pageSize, total)})
}

// UpdateOrderStatus godoc
// @ID          updateOrderStatus
// @Summary     Change an order's status
// @Description Terminal statuses (completed, cancelled, archived) close the thread so the contact's
// @Description next message opens a new one. Reopening fails with 409 when another thread is active.
// @Tags        Orders
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Order ID (UUID)"  format(uuid)
// @Param       body  body  handlers.UpdateStatusRequest  true  "New status"
//
// @Success     200  {object}  domain.Order
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Order not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Contact already has an active thread"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /orders/{id}/status [put]
func (h *Handlers) UpdateOrderStatus(c *gin.Context) {
	orderID := c.Param("id")
	if _, err := uuid.Parse(orderID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "order id must be a UUID")
		return
	}
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status required")
		return
	}

	order, err := h.d.Orders.UpdateStatus(c.Request.Context(), orderID, req.Status)
	if err != nil {
		failErr(c, err, ErrCodeUpdateFailed,
			rule(services.ErrInvalidStatus, http.StatusBadRequest, ErrCodeBadRequest, "unknown status"),
			rule(services.ErrOrderNotFound, http.StatusNotFound, ErrCodeNotFound, "order not found"),
			rule(services.ErrActiveThreadExists, http.StatusConflict, ErrCodeConflict, "contact already has an active thread"))
		return
	}
	ok(c, http.StatusOK, order)
}
