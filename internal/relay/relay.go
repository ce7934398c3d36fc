// Package relay re-hosts transient channel media in durable storage.
//
// Telegram file links expire, so an attachment is fetched in two steps
// (descriptor, then bytes) and written under threads/<thread key>/ before
// its public URL is stored on the message. Every failure is reported with
// the stage it happened in; callers treat any error as "no URL".
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/crm-sync/internal/observability"
	"github.com/tbourn/crm-sync/internal/telegram"
)

// Failure stages.
const (
	StageDescriptor = "descriptor"
	StageFetch      = "fetch"
	StageUpload     = "upload"
)

// ErrTooLarge is returned when an attachment exceeds the size cap.
var ErrTooLarge = errors.New("attachment exceeds size limit")

// FileLocator resolves a channel file id to a download URL.
type FileLocator interface {
	FileURL(ctx context.Context, fileID string) (string, error)
}

// Storage writes an object and returns its public URL.
type Storage interface {
	Put(ctx context.Context, object string, r io.Reader, contentType string) (url string, err error)
}

// Ref identifies channel-native media.
type Ref struct {
	FileID   string
	MimeHint string
	FileName string
}

// Error records the stage a relay failed in.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string { return "relay " + e.Stage + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Relay copies attachments from a channel into Storage.
type Relay struct {
	Files    FileLocator
	Storage  Storage
	HTTP     *http.Client
	MaxBytes int64
}

// New returns a Relay whose downloads time out after timeout and are capped
// at maxBytes.
func New(files FileLocator, storage Storage, timeout time.Duration, maxBytes int64) *Relay {
	return &Relay{
		Files:    files,
		Storage:  storage,
		HTTP:     &http.Client{Timeout: timeout},
		MaxBytes: maxBytes,
	}
}

// Relay stores ref under the thread's namespace and returns the durable URL.
// Returned and logged errors never contain the bot token that Telegram
// embeds in file URLs.
func (r *Relay) Relay(ctx context.Context, ref Ref, threadKey int64) (string, error) {
	dst, err := r.relay(ctx, ref, threadKey)
	if err != nil {
		err = telegram.RedactError(err)
		stage := StageUpload
		var re *Error
		if errors.As(err, &re) {
			stage = re.Stage
		}
		observability.RelayFailures.WithLabelValues(stage).Inc()
		log.Warn().Err(err).
			Str("file_id", ref.FileID).
			Int64("thread_key", threadKey).
			Str("stage", stage).
			Msg("attachment relay failed")
		return "", err
	}
	return dst, nil
}

func (r *Relay) relay(ctx context.Context, ref Ref, threadKey int64) (string, error) {
	if r.Files == nil || r.Storage == nil {
		return "", &Error{Stage: StageDescriptor, Err: errors.New("relay not configured")}
	}
	src, err := r.Files.FileURL(ctx, ref.FileID)
	if err != nil {
		return "", &Error{Stage: StageDescriptor, Err: err}
	}

	data, err := r.fetch(ctx, src)
	if err != nil {
		return "", &Error{Stage: StageFetch, Err: err}
	}

	contentType, ext := classify(ref, data)
	object := fmt.Sprintf("threads/%d/%s%s", threadKey, uuid.NewString(), ext)
	dst, err := r.Storage.Put(ctx, object, bytes.NewReader(data), contentType)
	if err != nil {
		return "", &Error{Stage: StageUpload, Err: err}
	}
	return dst, nil
}

func (r *Relay) fetch(ctx context.Context, src string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	hc := r.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = stripURL(ue.URL)
		}
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if r.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, r.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if r.MaxBytes > 0 && int64(len(data)) > r.MaxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

// stripURL keeps only the host and file name of a download URL; the path
// in between may hold credentials.
func stripURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "[download url]"
	}
	return u.Scheme + "://" + u.Host + "/…/" + path.Base(u.Path)
}

// classify picks the content type (hint first, then sniffing) and the object
// extension (original file name first, then content type).
func classify(ref Ref, data []byte) (contentType, ext string) {
	hint := strings.TrimSpace(ref.MimeHint)
	var m *mimetype.MIME
	if hint != "" && hint != "application/octet-stream" {
		contentType = hint
		m = mimetype.Lookup(hint)
	} else {
		m = mimetype.Detect(data)
		contentType = m.String()
	}

	if e := strings.ToLower(path.Ext(ref.FileName)); e != "" && len(e) <= 10 && !strings.ContainsAny(e, `/\`) {
		return contentType, e
	}
	if m != nil {
		ext = m.Extension()
	}
	return contentType, ext
}
