package plivo

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/tablecall/internal/pipeline"
	"github.com/MrWong99/tablecall/pkg/audio"
)

// writeTimeout bounds one outbound frame. A peer that stops reading for
// longer is treated as gone.
const writeTimeout = 5 * time.Second

// stream is the outbound side of one Plivo audio stream.
type stream struct {
	conn *websocket.Conn

	mu       sync.Mutex
	streamID string
	format   audio.Format
}

var _ pipeline.Sender = (*stream)(nil)

func (s *stream) set(streamID string, f audio.Format) {
	s.mu.Lock()
	s.streamID, s.format = streamID, f
	s.mu.Unlock()
}

// SendAudio implements [pipeline.Sender].
func (s *stream) SendAudio(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	f := s.format
	s.mu.Unlock()
	err := s.write(ctx, playAudio{
		Event: "playAudio",
		Media: playPayload{
			ContentType: contentType(f),
			SampleRate:  f.SampleRate,
			Payload:     base64.StdEncoding.EncodeToString(payload),
		},
	})
	if err != nil {
		return fmt.Errorf("plivo: play audio: %w", err)
	}
	return nil
}

// ClearAudio implements [pipeline.Sender].
func (s *stream) ClearAudio(ctx context.Context) error {
	s.mu.Lock()
	id := s.streamID
	s.mu.Unlock()
	if err := s.write(ctx, clearAudio{Event: "clearAudio", StreamID: id}); err != nil {
		return fmt.Errorf("plivo: clear audio: %w", err)
	}
	return nil
}

// write sends one JSON frame. ctx is checked before the write starts; the
// write runs under a detached deadline because the websocket closes itself
// when a write's context ends, and barge-in cancels ctx.
func (s *stream) write(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, s.conn, v)
}
