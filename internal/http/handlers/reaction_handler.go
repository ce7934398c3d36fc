package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/crm-sync/internal/domain"
	"github.com/tbourn/crm-sync/internal/http/middleware"
	"github.com/tbourn/crm-sync/internal/services"
)

// ReactionRequest sets the operator's reaction on a message.
type ReactionRequest struct {
	Reaction string `json:"reaction" example:"👍"`
}

// MessageResponse wraps a single message.
type MessageResponse struct {
	Message *domain.Message `json:"message"`
}

// SetReaction godoc
// @ID          setReaction
// @Summary     React to a message
// @Description Sets the reaction on a message and broadcasts message_updated. An empty reaction clears it.
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       X-Operator-ID  header  string  false  "Operator id"
// @Param       id    path  string  true  "Message ID (UUID)"  format(uuid)
// @Param       body  body  handlers.ReactionRequest  true  "Reaction"
//
// @Success     200  {object}  handlers.MessageResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Message not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /messages/{id}/reaction [put]
func (h *Handlers) SetReaction(c *gin.Context) {
	var req ReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid body")
		return
	}
	msg, okReact := h.react(c, strings.TrimSpace(req.Reaction))
	if !okReact {
		return
	}
	ok(c, http.StatusOK, MessageResponse{Message: msg})
}

// ClearReaction godoc
// @ID          clearReaction
// @Summary     Remove the reaction from a message
// @Tags        Messages
//
// @Param       X-Operator-ID  header  string  false  "Operator id"
// @Param       id  path  string  true  "Message ID (UUID)"  format(uuid)
//
// @Success     204  "Cleared"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Message not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /messages/{id}/reaction [delete]
func (h *Handlers) ClearReaction(c *gin.Context) {
	if _, okReact := h.react(c, ""); okReact {
		noContent(c)
	}
}

func (h *Handlers) react(c *gin.Context, reaction string) (*domain.Message, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id must be a UUID")
		return nil, false
	}
	msg, err := h.d.Annotations.React(c.Request.Context(), middleware.OperatorFrom(c), id, reaction)
	if err != nil {
		failErr(c, err, ErrCodeUpdateFailed,
			rule(services.ErrMessageNotFound, http.StatusNotFound, ErrCodeNotFound, "message not found"),
			rule(services.ErrTooLong, http.StatusBadRequest, ErrCodeBadRequest, "reaction too long"))
		return nil, false
	}
	return msg, true
}
