// Package audio holds the audio primitives shared by the call pipeline and the
// telephony transport: a bounded drop-oldest chunk [Buffer], codec conversion
// between the wire encodings and canonical 16-bit PCM, and a simple energy
// detector used for barge-in.
//
// Canonical audio inside tablecall is little-endian signed 16-bit mono PCM.
// Transport adapters convert to and from their wire encoding at the edge.
package audio

import (
	"context"
	"sync"
	"time"
)

// DefaultBufferSize is the chunk capacity used by [NewBuffer] when size <= 0.
const DefaultBufferSize = 100

// Buffer is a bounded FIFO of audio chunks sitting between the transport
// receive path and the recognition consumer. Appending never blocks: when the
// buffer is full the oldest chunk is discarded to make room, so a slow
// consumer loses stale audio instead of stalling the caller's stream.
//
// Buffer is safe for concurrent use by one producer and any number of
// consumers.
type Buffer struct {
	mu      sync.Mutex
	chunks  [][]byte
	size    int
	dropped int
	closed  bool

	// notify is closed and replaced whenever a chunk is appended or the
	// buffer is closed, waking every waiting consumer.
	notify chan struct{}
}

// NewBuffer returns an empty buffer holding at most size chunks.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{
		chunks: make([][]byte, 0, size),
		size:   size,
		notify: make(chan struct{}),
	}
}

// Append adds chunk to the tail of the buffer. If the buffer is full the
// oldest chunk is dropped first. Append reports false if the buffer has been
// closed, in which case chunk is discarded.
func (b *Buffer) Append(chunk []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if len(b.chunks) >= b.size {
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
		b.dropped++
	}
	b.chunks = append(b.chunks, chunk)
	b.wakeLocked()
	return true
}

// Get removes and returns the oldest chunk, waiting up to timeout for one to
// arrive. It returns nil when the timeout elapses, when ctx is done, or when
// the buffer is closed and empty. A timeout <= 0 never waits.
func (b *Buffer) Get(ctx context.Context, timeout time.Duration) []byte {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	for {
		b.mu.Lock()
		if len(b.chunks) > 0 {
			c := b.chunks[0]
			b.chunks[0] = nil
			b.chunks = b.chunks[1:]
			b.mu.Unlock()
			return c
		}
		if b.closed || deadline == nil {
			b.mu.Unlock()
			return nil
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-wait:
		case <-deadline:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Drain removes and returns every queued chunk in arrival order.
func (b *Buffer) Drain() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.chunks
	b.chunks = make([][]byte, 0, b.size)
	return out
}

// Clear discards every queued chunk.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.chunks)
	b.chunks = b.chunks[:0]
}

// Len returns the number of queued chunks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Dropped returns how many chunks were discarded because the buffer was full.
func (b *Buffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close marks the end of the stream and wakes all blocked consumers. Chunks
// already queued can still be read. Close is idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.wakeLocked()
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Buffer) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}
