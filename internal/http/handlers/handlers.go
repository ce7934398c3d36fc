// Package handlers implements the HTTP endpoints: the Telegram webhook, the
// operator API for threads, orders and reactions, and the realtime
// websocket. Handlers stay transport-thin: they validate input, call a
// service and translate the result, including conditional (ETag) responses.
package handlers

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/websocket"

	"github.com/tbourn/crm-sync/internal/domain"
	"github.com/tbourn/crm-sync/internal/realtime"
	"github.com/tbourn/crm-sync/internal/services"
	"github.com/tbourn/crm-sync/internal/utils"
)

//
// Service contracts
//

// Ingestor handles one inbound Telegram update.
type Ingestor interface {
	Ingest(ctx context.Context, upd tgbotapi.Update) error
}

// OutboundService sends an operator message to the contact's channel.
type OutboundService interface {
	Send(ctx context.Context, req services.SendRequest) (*domain.Message, bool, error)
}

// MessageService lists the messages of a thread.
type MessageService interface {
	ListPage(ctx context.Context, threadKey int64, page, pageSize int) ([]domain.Message, int64, error)
}

// OrderService lists a contact's orders and changes their status.
type OrderService interface {
	ListPage(ctx context.Context, contactID string, page, pageSize int) ([]domain.Order, int64, error)
	UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus) (*domain.Order, error)
}

// AnnotationService sets reactions on messages.
type AnnotationService interface {
	React(ctx context.Context, operatorID, messageID, reaction string) (*domain.Message, error)
}

// Stats feeds weak ETags: row count and latest update time of a list.
type Stats interface {
	MessagesStats(ctx context.Context, threadKey int64) (int64, *time.Time, error)
	OrdersStats(ctx context.Context, contactID string) (int64, *time.Time, error)
}

//
// Handler wiring
//

// Deps groups the collaborators of Handlers. Nil services disable the
// routes that need them.
type Deps struct {
	Ingestor    Ingestor
	Outbound    OutboundService
	Messages    MessageService
	Orders      OrderService
	Annotations AnnotationService
	Stats       Stats

	Hub      *realtime.Hub
	Upgrader *websocket.Upgrader
	Session  realtime.SessionConfig

	// MaxContentRunes mirrors the service limit so oversize bodies fail at
	// the edge.
	MaxContentRunes int
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	d Deps
}

// New returns Handlers bound to d.
func New(d Deps) *Handlers {
	if d.MaxContentRunes <= 0 {
		d.MaxContentRunes = 4096
	}
	if d.Upgrader == nil {
		d.Upgrader = realtime.NewUpgrader(nil)
	}
	return &Handlers{d: d}
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	tp := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: tp,
		HasNext:    page < tp,
	}
}

//
// Helpers
//

// clampPagination reads page and page_size from the query string.
func clampPagination(c *gin.Context, defSize int) (page, pageSize int) {
	return utils.ClampPage(c.Query("page"), c.Query("page_size"), defSize, 100)
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent converts CRLF/CR to LF, collapses blank-line runs and
// trims.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// checkETag sets a weak ETag and reports whether the client copy is fresh,
// in which case 304 has been written.
func checkETag(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}

func statsStamp(ts *time.Time) int64 {
	if ts == nil {
		return 0
	}
	return ts.UnixMilli()
}
