// Package debounce coalesces rapid text fragments from one sender into a
// single message.
//
// Per key the buffer moves idle → buffering (timer armed) → buffering (timer
// re-armed, fragment appended) → flushing → idle. The entry leaves the store
// before the handler runs, so fragments arriving during a flush open a new
// episode. Each episode flushes exactly once, including episodes still
// pending at Close, and failed flushes are not retried.
//
// Timers live in this process; running several instances requires sticky
// routing by sender.
package debounce

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/crm-sync/internal/observability"
)

// Fragment is one inbound text piece.
type Fragment struct {
	Text             string
	ChannelMessageID string
	ReplyTo          string
	// Meta is carried from the first fragment to the batch.
	Meta any
}

// Batch is a flushed episode.
type Batch struct {
	Key string
	// Text is the fragments joined with "\n" in arrival order.
	Text string
	// ChannelMessageID and ReplyTo come from the first fragment.
	ChannelMessageID string
	ReplyTo          string
	Meta             any
	Fragments        int
	// Parts are the coalesced fragments in arrival order.
	Parts []Fragment
}

// Handler consumes a flushed batch.
type Handler func(ctx context.Context, b Batch) error

// ErrClosed is returned by Add once Close has started.
var ErrClosed = errors.New("debounce: buffer closed")

// Buffer debounces fragments per key.
type Buffer struct {
	store   Store
	window  time.Duration
	handler Handler

	// OnError is called when the handler fails.
	OnError func(b Batch, err error)
	// FlushTimeout bounds one handler run.
	FlushTimeout time.Duration

	gen    atomic.Uint64
	closed atomic.Bool
	// armed counts timers that may still fire plus flushes in progress.
	armed sync.WaitGroup
}

// New returns a Buffer that flushes a key window after its last fragment.
// A nil store defaults to a MemoryStore.
func New(store Store, window time.Duration, handler Handler) *Buffer {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Buffer{
		store:        store,
		window:       window,
		handler:      handler,
		FlushTimeout: 30 * time.Second,
	}
}

// Add appends f to key's episode and re-arms its timer. A fragment whose
// channel message id is already in the episode is ignored. After Close, Add
// returns ErrClosed and the caller must not acknowledge the fragment.
func (b *Buffer) Add(key string, f Fragment) error {
	var err error
	// The closed check runs under the store lock so it cannot interleave
	// with the drain in Close.
	b.store.Update(key, func(e *Entry) {
		if b.closed.Load() {
			err = ErrClosed
			return
		}
		if e.hasChannelID(f.ChannelMessageID) {
			return
		}
		if e.stop != nil && e.stop() {
			b.armed.Done()
		}
		e.Fragments = append(e.Fragments, f)
		gen := b.gen.Add(1)
		e.Gen = gen
		b.armed.Add(1)
		t := time.AfterFunc(b.window, func() {
			defer b.armed.Done()
			b.flush(key, gen)
		})
		e.stop = t.Stop
	})
	if err != nil {
		log.Warn().Str("external_id", key).Str("channel_message_id", f.ChannelMessageID).Msg("debounce buffer closed, fragment refused")
	}
	return err
}

// Pending reports how many keys are buffering.
func (b *Buffer) Pending() int { return b.store.Len() }

// Close refuses new fragments, flushes every pending episode immediately
// and waits for flushes already in progress. Each flush is bounded by
// FlushTimeout.
func (b *Buffer) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	entries := b.store.Drain()
	for _, e := range entries {
		if e.stop != nil && e.stop() {
			b.armed.Done()
		}
	}
	for _, e := range entries {
		if len(e.Fragments) == 0 {
			continue
		}
		b.run(join(e.Key, e.Fragments))
	}
	b.armed.Wait()
	if len(entries) > 0 {
		log.Info().Int("episodes", len(entries)).Msg("debounce episodes flushed on close")
	}
}

func (b *Buffer) flush(key string, gen uint64) {
	e, ok := b.store.Take(key, gen)
	if !ok || len(e.Fragments) == 0 {
		return
	}
	b.run(join(key, e.Fragments))
}

func (b *Buffer) run(batch Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), b.FlushTimeout)
	defer cancel()

	if err := b.handler(ctx, batch); err != nil {
		observability.DebounceFlushes.WithLabelValues("failed").Inc()
		log.Error().Err(err).
			Str("external_id", batch.Key).
			Str("channel_message_id", batch.ChannelMessageID).
			Int("fragments", batch.Fragments).
			Msg("debounce flush failed")
		if b.OnError != nil {
			b.OnError(batch, err)
		}
		return
	}
	observability.DebounceFlushes.WithLabelValues("ok").Inc()
}

func join(key string, frags []Fragment) Batch {
	parts := make([]string, 0, len(frags))
	for _, f := range frags {
		parts = append(parts, f.Text)
	}
	first := frags[0]
	return Batch{
		Key:              key,
		Text:             strings.Join(parts, "\n"),
		ChannelMessageID: first.ChannelMessageID,
		ReplyTo:          first.ReplyTo,
		Meta:             first.Meta,
		Fragments:        len(frags),
		Parts:            frags,
	}
}
