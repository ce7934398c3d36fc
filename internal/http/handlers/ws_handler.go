package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/crm-sync/internal/http/middleware"
	"github.com/tbourn/crm-sync/internal/realtime"
)

// Realtime godoc
// @ID          realtime
// @Summary     Realtime websocket
// @Description Upgrades to a websocket. Send {"event":"join_order","data":"<id>"} (scopes: order, contact,
// @Description thread, lead) to receive new_<scope>_message, message_updated and <scope>_updated events.
// @Tags        Realtime
// @Success     101  "Switching Protocols"
// @Failure     400  {object}  handlers.ErrorResponse  "Not a websocket handshake"
// @Router      /ws [get]
func (h *Handlers) Realtime(c *gin.Context) {
	if h.d.Hub == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "realtime disabled")
		return
	}
	conn, err := h.d.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		middleware.LoggerFrom(c).Debug().Err(err).Msg("websocket upgrade failed")
		c.Abort()
		return
	}
	realtime.Serve(c.Request.Context(), h.d.Hub, conn, h.d.Session)
}
