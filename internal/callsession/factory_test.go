package callsession

import (
	"context"
	"testing"

	"github.com/MrWong99/tablecall/internal/business"
	"github.com/MrWong99/tablecall/internal/pipeline"
	"github.com/MrWong99/tablecall/internal/reservation"
	"github.com/MrWong99/tablecall/pkg/provider/llm"
	llmmock "github.com/MrWong99/tablecall/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/tablecall/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/tablecall/pkg/provider/tts/mock"
)

func TestFactory_LimiterGatesReplyAndExtraction(t *testing.T) {
	t.Parallel()

	m, _ := newTestMetrics(t)
	gen := &llmmock.Provider{
		StreamChunks:     []llm.Chunk{{Text: "Ji, kis din?"}},
		CompleteResponse: &llm.CompletionResponse{Content: `{"intent":"MAKE_RESERVATION","party_size":2}`},
	}
	lim := &countingLimiter{}
	f := &Factory{
		Businesses: business.NewDirectory(*testProfile()),
		Bookings:   reservation.NewMemoryRepository(),
		LLM:        gen,
		STT:        &sttmock.Provider{},
		TTS:        &ttsmock.Provider{},
		Limiter:    lim,
		Metrics:    m,
	}
	call, err := f.Build(context.Background(), "call-1", Params{BusinessID: "spice-garden", CallerNumber: "+919800000000"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := call.Session.Respond(context.Background(), pipeline.Utterance{Text: "do log", Language: "hi"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	requests := gen.StreamCallCount() + gen.CompleteCallCount()
	if requests != 2 {
		t.Fatalf("model requests = %d, want reply and extraction", requests)
	}
	if len(lim.tokens) != requests {
		t.Errorf("limiter admitted %d of %d model requests", len(lim.tokens), requests)
	}
}
