package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/crm-sync/internal/domain"
	"github.com/tbourn/crm-sync/internal/http/middleware"
	"github.com/tbourn/crm-sync/internal/services"
)

// SendMessageRequest is the operator's outbound message.
type SendMessageRequest struct {
	Content                 string `json:"content" binding:"required" example:"Your order has shipped."`
	ReplyToChannelMessageID string `json:"reply_to_channel_message_id,omitempty" example:"1042"`
	// ClientMessageID correlates the optimistic copy shown by the sender.
	ClientMessageID string `json:"client_message_id,omitempty" binding:"omitempty,max=64" example:"c0a8012e-7f3d-4c1b-9a55-0d6c9b1e2f10"`
}

// SendMessageResponse wraps the persisted message.
type SendMessageResponse struct {
	Message         *domain.Message `json:"message"`
	ClientMessageID string          `json:"client_message_id,omitempty"`
}

// ListMessagesResponse is a page of thread messages, oldest first.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

func threadKeyParam(c *gin.Context) (int64, bool) {
	key, err := strconv.ParseInt(c.Param("key"), 10, 64)
	if err != nil || key <= 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "thread key must be a positive integer")
		return 0, false
	}
	return key, true
}

// SendMessage godoc
// @ID          sendMessage
// @Summary     Send an operator message
// @Description Delivers the message to the contact's Telegram chat, then stores and broadcasts it.
// @Description Supports Idempotency-Key: a retried key returns the recorded message without re-sending.
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       X-Operator-ID    header  string  false  "Operator id"
// @Param       Idempotency-Key  header  string  false  "Key for safe retries"
// @Param       key              path    string  true   "Thread key"
// @Param       body             body    handlers.SendMessageRequest  true  "Message"
//
// @Success     200  {object}  handlers.SendMessageResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Thread not found"
// @Failure     502  {object}  handlers.ErrorResponse  "Telegram rejected the message"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /threads/{key}/messages [post]
func (h *Handlers) SendMessage(c *gin.Context) {
	threadKey, okKey := threadKeyParam(c)
	if !okKey {
		return
	}

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	content := sanitizeContent(req.Content)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	if utf8.RuneCountInString(content) > h.d.MaxContentRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", h.d.MaxContentRunes))
		return
	}

	idemKey, _ := middleware.GetIdempotencyKey(c)
	msg, replayed, err := h.d.Outbound.Send(c.Request.Context(), services.SendRequest{
		OperatorID:              middleware.OperatorFrom(c),
		ThreadKey:               threadKey,
		Content:                 content,
		ReplyToChannelMessageID: req.ReplyToChannelMessageID,
		ClientMessageID:         req.ClientMessageID,
		IdempotencyKey:          idemKey,
	})
	if err != nil {
		failErr(c, err, ErrCodeSendFailed,
			rule(services.ErrThreadNotFound, http.StatusNotFound, ErrCodeNotFound, "thread not found"),
			rule(services.ErrEmptyContent, http.StatusBadRequest, ErrCodeBadRequest, "content required"),
			rule(services.ErrTooLong, http.StatusBadRequest, ErrCodeBadRequest, "content too long"),
			rule(services.ErrDeliveryFailed, http.StatusBadGateway, ErrCodeDeliveryFailed, "telegram rejected the message"))
		return
	}

	if replayed {
		c.Header("Idempotency-Replayed", "true")
	}
	resp := SendMessageResponse{Message: msg, ClientMessageID: req.ClientMessageID}
	if msg.ClientMessageID != nil {
		resp.ClientMessageID = *msg.ClientMessageID
	}
	ok(c, http.StatusOK, resp)
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List thread messages
// @Description Returns a page of messages ordered by creation time. Clients re-fetch this after a
// @Description realtime reconnect. Supports If-None-Match with a weak ETag.
// @Tags        Messages
// @Produce     json
//
// @Param       key        path   string  true   "Thread key"
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(50)
//
// @Success     200  {object}  handlers.ListMessagesResponse
// @Success     304  "Not modified"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Thread not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /threads/{key}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	threadKey, okKey := threadKeyParam(c)
	if !okKey {
		return
	}
	page, pageSize := clampPagination(c, 50)

	if h.d.Stats != nil {
		// Best effort: a stats failure only skips the conditional response.
		if count, maxTS, err := h.d.Stats.MessagesStats(ctx, threadKey); err == nil && count > 0 {
			etag := fmt.Sprintf(`W/"messages:%d:%d:%d:%d:%d"`, threadKey, count, statsStamp(maxTS), page, pageSize)
			if checkETag(c, etag) {
				return
			}
		}
	}

	items, total, err := h.d.Messages.ListPage(ctx, threadKey, page, pageSize)
	if err != nil {
		failErr(c, err, ErrCodeListFailed,
			rule(services.ErrThreadNotFound, http.StatusNotFound, ErrCodeNotFound, "thread not found"))
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: items, Pagination: newPagination(page, pageSize, total)})
}
