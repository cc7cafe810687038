package app_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/tablecall/internal/app"
	"github.com/MrWong99/tablecall/internal/config"
	"github.com/MrWong99/tablecall/internal/observe"
	"github.com/MrWong99/tablecall/internal/reservation"
	"github.com/MrWong99/tablecall/pkg/provider/llm"
	llmmock "github.com/MrWong99/tablecall/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/tablecall/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/tablecall/pkg/provider/tts/mock"
)

// testConfig returns a minimal in-memory config with one restaurant.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			PublicURL:  "https://calls.example.com",
		},
		Providers: config.ProvidersConfig{
			LLM: config.ProviderEntry{Name: "groq", Model: "llama-3.1-8b-instant"},
			STT: config.ProviderEntry{Name: "deepgram"},
			TTS: config.ProviderEntry{Name: "elevenlabs"},
		},
		Calls: config.CallsConfig{MaxConcurrent: 2, CallerHashPepper: "pepper"},
		Businesses: []config.BusinessConfig{{
			ID:           "spice-garden",
			Name:         "Spice Garden",
			PhoneNumbers: []string{"+91 80 4000 1234"},
			Timezone:     "Asia/Kolkata",
		}},
	}
}

// testProviders returns mock providers for every required slot.
func testProviders() *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Ji, boliye."}}},
		STT: &sttmock.Provider{},
		TTS: &ttsmock.Provider{Rate: 8000},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t)), app.WithBookings(reservation.NewMemoryRepository())}, opts...)
	a, err := app.New(context.Background(), cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		edit func(*app.Providers)
	}{
		{"no llm", func(p *app.Providers) { p.LLM = nil }},
		{"no stt", func(p *app.Providers) { p.STT = nil }},
		{"no tts", func(p *app.Providers) { p.TTS = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ps := testProviders()
			tc.edit(ps)
			if _, err := app.New(context.Background(), testConfig(), ps, app.WithMetrics(testMetrics(t))); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNew_KnowledgeNeedsDatabase(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Knowledge.Enabled = true
	if _, err := app.New(context.Background(), cfg, testProviders(), app.WithMetrics(testMetrics(t))); err == nil {
		t.Error("expected error when knowledge is enabled without a database")
	}
}

func TestApp_Health(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newApp(t, testConfig()).Handler())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestApp_AnswerAdmitsCalls(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	answer := func(callID, to string) string {
		t.Helper()
		resp, err := http.PostForm(srv.URL+"/plivo/answer", url.Values{
			"CallUUID": {callID}, "To": {to}, "From": {"+919812345678"},
		})
		if err != nil {
			t.Fatalf("POST answer: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	if body := answer("unknown-1", "+1 555 0100"); !strings.Contains(body, "<Hangup") {
		t.Errorf("unknown number answer = %s, want Hangup", body)
	}

	body := answer("call-1", "+918040001234")
	if !strings.Contains(body, "<Stream") {
		t.Fatalf("answer = %s, want Stream", body)
	}
	if !strings.Contains(body, "wss://calls.example.com/plivo/stream") {
		t.Errorf("answer = %s, want public stream URL", body)
	}
	if got := a.Calls().ActiveCount(); got != 1 {
		t.Errorf("ActiveCount = %d, want 1", got)
	}

	answer("call-2", "+918040001234")
	if body := answer("call-3", "+918040001234"); !strings.Contains(body, "<Hangup") {
		t.Errorf("answer beyond capacity = %s, want Hangup", body)
	}
	if got := a.Calls().ActiveCount(); got != 2 {
		t.Errorf("ActiveCount = %d, want 2", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := a.Calls().ActiveCount(); got != 0 {
		t.Errorf("ActiveCount after Shutdown = %d, want 0", got)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	old := testConfig()
	a := newApp(t, old, app.WithLogLevel(&level))

	updated := testConfig()
	updated.Log.Level = config.LogDebug
	updated.Businesses[0].Name = "Spice Garden Indiranagar"
	updated.Businesses = append(updated.Businesses, config.BusinessConfig{
		ID:           "chai-point",
		Name:         "Chai Point",
		PhoneNumbers: []string{"+91 80 4000 9999"},
	})

	a.ApplyConfig(context.Background(), old, updated)

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want debug", got)
	}
	p, ok := a.Businesses().ByID("spice-garden")
	if !ok || p.Name != "Spice Garden Indiranagar" {
		t.Errorf("spice-garden = %+v, %v", p, ok)
	}
	if _, ok := a.Businesses().ByNumber("+918040009999"); !ok {
		t.Error("added business is not routed")
	}
}

func TestLevelOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := app.LevelOf(tc.in); got != tc.want {
			t.Errorf("LevelOf(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
