package plivo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/tablecall/internal/business"
	"github.com/MrWong99/tablecall/internal/callsession"
	"github.com/MrWong99/tablecall/internal/observe"
	"github.com/MrWong99/tablecall/internal/pipeline"
)

// Spoken before hanging up on calls that cannot be served.
const (
	MsgUnknownNumber = "Sorry, this number is not in service."
	MsgBusy          = "Sorry, all our lines are busy right now. Please call again in a few minutes."
)

const (
	defaultFinalizeTimeout = 10 * time.Second
	maxFrameBytes          = 1 << 20
)

// Option configures a [Handler].
type Option func(*Handler)

// WithFinalizeTimeout bounds finalizing a call after its stream ends.
func WithFinalizeTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.finalizeTimeout = d
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithStatusCallback sets the URL Plivo reports stream status to.
func WithStatusCallback(u string) Option {
	return func(h *Handler) { h.statusCallback = u }
}

// Handler serves the Plivo answer webhook, hangup callback and audio
// stream.
type Handler struct {
	calls      *callsession.Registry
	businesses *business.Directory

	// streamURL is the public wss:// URL of [Handler.Stream].
	streamURL       string
	statusCallback  string
	finalizeTimeout time.Duration
	metrics         *observe.Metrics
}

// NewHandler returns a Handler admitting calls into calls. streamURL is the
// public websocket URL Plivo connects to, e.g. "wss://example.com/plivo/stream".
func NewHandler(calls *callsession.Registry, businesses *business.Directory, streamURL string, opts ...Option) *Handler {
	h := &Handler{
		calls:           calls,
		businesses:      businesses,
		streamURL:       streamURL,
		finalizeTimeout: defaultFinalizeTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Routes mounts the handler on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/plivo", func(r chi.Router) {
		r.Post("/answer", h.Answer)
		r.Post("/hangup", h.Hangup)
		r.Get("/stream", h.Stream)
	})
}

// Answer handles Plivo's answer webhook. The dialed number selects the
// business; the call is registered before the stream opens so that the
// capacity check can still turn the caller away politely.
func (h *Handler) Answer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callID := r.PostForm.Get("CallUUID")
	to := r.PostForm.Get("To")
	log := observe.Logger(ctx).With("call_id", callID, "dialed", lastDigits(to))

	if callID == "" {
		http.Error(w, "missing CallUUID", http.StatusBadRequest)
		return
	}
	prof, ok := h.businesses.ByNumber(to)
	if !ok {
		log.Warn("call to unknown number")
		h.metrics.RecordRejectedCall(ctx, "unknown_business")
		writeXML(w, hangup(MsgUnknownNumber, "rejected"))
		return
	}

	call, err := h.calls.Create(ctx, callID, callsession.Params{
		BusinessID:   prof.ID,
		CallerNumber: r.PostForm.Get("From"),
	})
	if errors.Is(err, callsession.ErrCapacity) {
		writeXML(w, hangup(MsgBusy, "busy"))
		return
	}
	if err != nil {
		log.Error("registering call failed", "err", err)
		writeXML(w, hangup(MsgBusy, "rejected"))
		return
	}

	log.Info("call answered", "business_id", call.BusinessID)
	writeXML(w, xmlResponse{Stream: &xmlStream{
		Bidirectional:  true,
		KeepCallAlive:  true,
		ContentType:    fmt.Sprintf("%s;rate=%d", contentType(defaultFormat), defaultFormat.SampleRate),
		StatusCallback: h.statusCallback,
		URL:            h.streamURLFor(callID),
	}})
}

// Hangup handles Plivo's hangup callback. A call whose stream never
// connected is finalized here.
func (h *Handler) Hangup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if id := r.PostForm.Get("CallUUID"); id != "" {
		h.end(r.Context(), id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stream serves one bidirectional audio stream. Frames that cannot be
// parsed are logged and skipped. The call is finalized when the stream
// stops or the connection drops.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	ctx := r.Context()
	s := &stream{conn: conn}

	var call *callsession.Call
	defer func() {
		if call != nil {
			h.end(ctx, call.ID)
		}
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				observe.Logger(ctx).Warn("stream read failed", "err", err)
			}
			return
		}
		var ev inboundEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			observe.Logger(ctx).Warn("ignoring unparseable frame", "err", err, "bytes", len(data))
			continue
		}

		switch ev.Event {
		case "start":
			if ev.Start == nil {
				observe.Logger(ctx).Warn("start event without payload")
				continue
			}
			c, cctx, err := h.start(ctx, r.URL.Query(), s, *ev.Start)
			if err != nil {
				observe.Logger(ctx).Error("starting stream failed", "err", err)
				return
			}
			call, ctx = c, cctx
		case "media":
			if call == nil || ev.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
			if err != nil {
				observe.Logger(ctx).Warn("ignoring undecodable media", "err", err)
				continue
			}
			if err := call.Pipeline.ProcessChunk(ctx, payload); errors.Is(err, pipeline.ErrFinalized) {
				return
			}
		case "dtmf":
			if call == nil || ev.DTMF == nil {
				continue
			}
			if err := call.Pipeline.HandleDTMF(ctx, ev.DTMF.Digit); err != nil {
				observe.Logger(ctx).Warn("dtmf rejected", "err", err)
			}
		case "stop":
			observe.Logger(ctx).Info("stream stopped")
			return
		default:
			observe.Logger(ctx).Debug("ignoring stream event", "event", ev.Event)
		}
	}
}

// start attaches the stream to its call, registering the call first when
// the answer webhook was bypassed. It returns a context carrying the call's
// logger.
func (h *Handler) start(ctx context.Context, q url.Values, s *stream, ev startEvent) (*callsession.Call, context.Context, error) {
	callID := ev.CallID
	if callID == "" {
		callID = q.Get("call_id")
	}
	if callID == "" {
		return nil, ctx, errors.New("plivo: start without call id")
	}

	call, ok := h.calls.Get(callID)
	if !ok {
		biz := q.Get("business_id")
		if biz == "" {
			return nil, ctx, fmt.Errorf("plivo: unknown call %s", callID)
		}
		var err error
		if call, err = h.calls.Create(ctx, callID, callsession.Params{BusinessID: biz}); err != nil {
			return nil, ctx, err
		}
	}
	ctx = observe.WithLogger(ctx, observe.Logger(ctx).With("call_id", call.ID, "business_id", call.BusinessID))

	f := ev.MediaFormat.format()
	s.set(ev.StreamID, f)
	if err := h.calls.SetStream(call.ID, ev.StreamID, s); err != nil {
		return call, ctx, err
	}
	if err := call.Pipeline.Configure(ctx, f, s); err != nil {
		return call, ctx, err
	}
	if err := call.Pipeline.SendGreeting(ctx); err != nil {
		return call, ctx, err
	}
	observe.Logger(ctx).Info("stream started", "stream_id", ev.StreamID, "format", f.String())
	return call, ctx, nil
}

// end removes and finalizes a call. Ending an unknown call is a no-op.
func (h *Handler) end(ctx context.Context, callID string) {
	call, ok := h.calls.Remove(callID)
	if !ok {
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.finalizeTimeout)
	defer cancel()
	rec, err := call.Finalize(fctx)
	if err != nil {
		observe.Logger(ctx).Error("finalizing call failed", "call_id", callID, "err", err)
		return
	}
	observe.Logger(ctx).Info("call ended", "call_id", callID, "outcome", rec.Outcome, "duration", rec.Duration)
}

func (h *Handler) streamURLFor(callID string) string {
	u, err := url.Parse(h.streamURL)
	if err != nil {
		return h.streamURL
	}
	q := u.Query()
	q.Set("call_id", callID)
	u.RawQuery = q.Encode()
	return u.String()
}

func hangup(msg, reason string) xmlResponse {
	return xmlResponse{Speak: &xmlSpeak{Text: msg}, Hangup: &xmlHangup{Reason: reason}}
}

func writeXML(w http.ResponseWriter, resp xmlResponse) {
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(resp)
}

// lastDigits returns the last four digits of a phone number for logging.
func lastDigits(number string) string {
	n := business.NormalizeNumber(number)
	if len(n) <= 4 {
		return n
	}
	return "…" + n[len(n)-4:]
}
