// Package telegram is the narrow Bot API surface the sync layer uses:
// resolving file descriptors, sending replies and registering the webhook.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// MaxMessageRunes is the Bot API text limit.
const MaxMessageRunes = 4096

// tokenRE matches the bot token path segment of Bot API and file URLs.
var tokenRE = regexp.MustCompile(`bot\d+:[A-Za-z0-9_-]+`)

// RedactToken replaces bot tokens embedded in s.
func RedactToken(s string) string {
	return tokenRE.ReplaceAllString(s, "bot[REDACTED]")
}

// tokenSafeError hides the token that net/http and tgbotapi put into
// request errors while keeping the cause for errors.Is/As.
type tokenSafeError struct {
	msg string
	err error
}

func (e *tokenSafeError) Error() string { return e.msg }
func (e *tokenSafeError) Unwrap() error { return e.err }

// RedactError returns err with bot tokens removed from its message. The
// original error stays reachable through errors.Is and errors.As.
func RedactError(err error) error {
	if err == nil {
		return nil
	}
	return &tokenSafeError{msg: RedactToken(err.Error()), err: err}
}

func init() {
	_ = tgbotapi.SetLogger(zerologBotLogger{})
}

type zerologBotLogger struct{}

func (zerologBotLogger) Println(v ...interface{}) {
	log.Debug().Str("component", "tgbotapi").Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (zerologBotLogger) Printf(format string, v ...interface{}) {
	log.Debug().Str("component", "tgbotapi").Msgf(format, v...)
}

// Client wraps a tgbotapi.BotAPI.
type Client struct {
	bot *tgbotapi.BotAPI
	// fileEndpoint is a format string taking the token and file path.
	fileEndpoint string
}

// New connects to the public Bot API and verifies the token with getMe.
func New(token string) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, RedactError(fmt.Errorf("telegram: %w", err))
	}
	return &Client{bot: bot, fileEndpoint: tgbotapi.FileEndpoint}, nil
}

// NewWithEndpoint connects to a Bot API server at apiEndpoint (a format
// string taking token and method) and serves files from fileEndpoint.
func NewWithEndpoint(token, apiEndpoint, fileEndpoint string, hc *http.Client) (*Client, error) {
	if hc == nil {
		hc = &http.Client{}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, hc)
	if err != nil {
		return nil, RedactError(fmt.Errorf("telegram: %w", err))
	}
	return &Client{bot: bot, fileEndpoint: fileEndpoint}, nil
}

// Username returns the bot's username.
func (c *Client) Username() string { return c.bot.Self.UserName }

// FileURL resolves a file id to a short-lived download URL.
func (c *Client) FileURL(_ context.Context, fileID string) (string, error) {
	f, err := c.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", RedactError(err)
	}
	if f.FilePath == "" {
		return "", fmt.Errorf("telegram: file %s has no path", fileID)
	}
	return fmt.Sprintf(c.fileEndpoint, c.bot.Token, f.FilePath), nil
}

// SendText sends text to chatID, optionally as a reply, and returns the sent
// message id.
func (c *Client) SendText(_ context.Context, chatID int64, text, replyTo string) (string, error) {
	msg := tgbotapi.NewMessage(chatID, truncate(sanitize(text)))
	if id, err := strconv.Atoi(strings.TrimSpace(replyTo)); err == nil && id > 0 {
		msg.ReplyToMessageID = id
	}
	sent, err := c.bot.Send(msg)
	if err != nil {
		return "", RedactError(err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// SetWebhook registers url with a secret token echoed back in the
// X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(url, secret string) error {
	params := tgbotapi.Params{}
	params.AddNonEmpty("url", url)
	params.AddNonEmpty("secret_token", secret)
	params.AddNonEmpty("allowed_updates", `["message"]`)
	resp, err := c.bot.MakeRequest("setWebhook", params)
	if err != nil {
		return RedactError(err)
	}
	if !resp.Ok {
		return fmt.Errorf("telegram: setWebhook: %s", resp.Description)
	}
	return nil
}

// WebhookInfo reports the registered webhook URL and pending update count.
func (c *Client) WebhookInfo() (url string, pending int, lastError string, err error) {
	info, err := c.bot.GetWebhookInfo()
	if err != nil {
		return "", 0, "", RedactError(err)
	}
	return info.URL, info.PendingUpdateCount, info.LastErrorMessage, nil
}

func sanitize(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

func truncate(text string) string {
	if utf8.RuneCountInString(text) <= MaxMessageRunes {
		return text
	}
	r := []rune(text)
	return string(r[:MaxMessageRunes-3]) + "..."
}
