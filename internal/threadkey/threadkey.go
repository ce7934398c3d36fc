// Package threadkey generates numeric thread keys (orders.main_id).
//
// Keys use a snowflake layout: 41 bits of milliseconds since Epoch, 10 bits of
// node id and 12 bits of per-millisecond sequence. Keys from one Generator are
// strictly increasing; keys from generators with distinct node ids never
// collide.
package threadkey

import (
	"errors"
	"sync"
	"time"
)

const (
	nodeBits = 10
	seqBits  = 12

	MaxNode = 1<<nodeBits - 1
	maxSeq  = 1<<seqBits - 1
)

// Epoch is the zero point of the timestamp component (2024-01-01 UTC).
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ErrNodeRange is returned for node ids outside [0, MaxNode].
var ErrNodeRange = errors.New("threadkey: node id out of range")

// Generator issues unique thread keys. It is safe for concurrent use.
type Generator struct {
	mu     sync.Mutex
	node   int64
	lastMS int64
	seq    int64

	now   func() time.Time
	sleep func(time.Duration)
}

// New returns a Generator for the given node id.
func New(node int) (*Generator, error) {
	if node < 0 || node > MaxNode {
		return nil, ErrNodeRange
	}
	return &Generator{node: int64(node), now: time.Now, sleep: time.Sleep}, nil
}

// Next returns the next key. When the sequence for the current millisecond is
// exhausted, or the clock moved backwards, it waits for the next millisecond.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.millis()
	for ms < g.lastMS {
		g.sleep(time.Duration(g.lastMS-ms) * time.Millisecond)
		ms = g.millis()
	}
	if ms == g.lastMS {
		g.seq = (g.seq + 1) & maxSeq
		if g.seq == 0 {
			for ms <= g.lastMS {
				g.sleep(100 * time.Microsecond)
				ms = g.millis()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMS = ms
	return ms<<(nodeBits+seqBits) | g.node<<seqBits | g.seq
}

func (g *Generator) millis() int64 {
	return g.now().Sub(Epoch).Milliseconds()
}

// Time extracts the creation time encoded in key.
func Time(key int64) time.Time {
	return Epoch.Add(time.Duration(key>>(nodeBits+seqBits)) * time.Millisecond)
}

// Node extracts the node id encoded in key.
func Node(key int64) int {
	return int(key >> seqBits & MaxNode)
}
