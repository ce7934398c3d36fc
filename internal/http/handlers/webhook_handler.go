package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tbourn/crm-sync/internal/http/middleware"
)

// TelegramWebhook godoc
// @ID          telegramWebhook
// @Summary     Receive a Telegram update
// @Description Accepts one update pushed by Telegram. Answers 200 with an empty body when the update
// @Description was stored, ignored or already seen; 500 asks Telegram to redeliver.
// @Tags        Webhook
// @Accept      json
//
// @Param       X-Telegram-Bot-Api-Secret-Token  header  string  false  "Secret token registered with setWebhook"
// @Param       body  body  object  true  "Telegram Update"
//
// @Success     200  "Accepted"
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed update"
// @Failure     401  {object}  handlers.ErrorResponse  "Bad secret"
// @Failure     405  {object}  handlers.ErrorResponse  "Wrong method"
// @Failure     500  {object}  handlers.ErrorResponse  "Pipeline failure"
// @Router      /webhook/telegram [post]
func (h *Handlers) TelegramWebhook(c *gin.Context) {
	var upd tgbotapi.Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("malformed telegram update")
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed update")
		return
	}
	if err := h.d.Ingestor.Ingest(c.Request.Context(), upd); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeIngestFailed, "update not processed")
		return
	}
	c.Status(http.StatusOK)
}
