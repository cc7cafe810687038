package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/tablecall/internal/conversation"
	"github.com/MrWong99/tablecall/pkg/provider/llm"
	llmmock "github.com/MrWong99/tablecall/pkg/provider/llm/mock"
	"github.com/MrWong99/tablecall/pkg/types"
)

var today = time.Date(2026, 3, 14, 18, 5, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		check   func(t *testing.T, ext *conversation.Extraction)
	}{
		{
			name:    "full booking",
			content: `{"intent":"MAKE_RESERVATION","party_size":4,"date":"tomorrow","time":"19:00","name":"Sharma ji","special_requests":" window seat ","confidence":0.92}`,
			check: func(t *testing.T, ext *conversation.Extraction) {
				if ext.Intent != conversation.IntentMakeReservation {
					t.Errorf("intent = %v", ext.Intent)
				}
				if ext.PartySize != 4 || ext.Time != "19:00" || ext.Name != "Sharma" || ext.SpecialRequest != "window seat" {
					t.Errorf("fields = %+v", ext.Reservation)
				}
				if want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC); !ext.Date.Equal(want) {
					t.Errorf("date = %v, want %v", ext.Date, want)
				}
				if ext.Confidence != 0.92 {
					t.Errorf("confidence = %v", ext.Confidence)
				}
				if ext.Confirmed != nil {
					t.Errorf("confirmed = %v, want nil", *ext.Confirmed)
				}
			},
		},
		{
			name:    "code fence and prose",
			content: "Sure! ```json\n{\"intent\": \"OPERATOR\", \"confidence\": 1.7}\n```",
			check: func(t *testing.T, ext *conversation.Extraction) {
				if ext.Intent != conversation.IntentOperatorRequest {
					t.Errorf("intent = %v", ext.Intent)
				}
				if ext.Confidence != 1 {
					t.Errorf("confidence = %v, want clamped to 1", ext.Confidence)
				}
			},
		},
		{
			name:    "nulls and strings",
			content: `{"intent":"chitchat","party_size":"6","date":null,"time":null,"name":"  ","confidence":"-0.5","confirmation":true}`,
			check: func(t *testing.T, ext *conversation.Extraction) {
				if ext.PartySize != 6 {
					t.Errorf("party = %d, want 6", ext.PartySize)
				}
				if !ext.Date.IsZero() || ext.Time != "" || ext.Name != "" {
					t.Errorf("unexpected fields %+v", ext.Reservation)
				}
				if ext.Confidence != 0 {
					t.Errorf("confidence = %v, want 0", ext.Confidence)
				}
				if ext.Confirmed == nil || !*ext.Confirmed {
					t.Error("confirmed should be true")
				}
			},
		},
		{
			name:    "unknown intent and bad party size",
			content: `{"intent":"ORDER_FOOD","party_size":"a few","confirmation":"no"}`,
			check: func(t *testing.T, ext *conversation.Extraction) {
				if ext.Intent != conversation.IntentChitchat {
					t.Errorf("intent = %v, want CHITCHAT", ext.Intent)
				}
				if ext.PartySize != 0 {
					t.Errorf("party = %d, want 0", ext.PartySize)
				}
				if ext.Confirmed == nil || *ext.Confirmed {
					t.Error("confirmed should be false")
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ext, err := Parse(tc.content, today)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			tc.check(t, ext)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	if _, err := Parse("I could not understand", today); !errors.Is(err, ErrNoJSON) {
		t.Errorf("err = %v, want ErrNoJSON", err)
	}
	if _, err := Parse(`{"intent": }`, today); err == nil {
		t.Error("expected decode error")
	}
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	day := func(m time.Month, d int) time.Time { return time.Date(2026, m, d, 0, 0, 0, 0, time.UTC) }
	tests := []struct {
		in   string
		want time.Time
	}{
		{"today", day(3, 14)},
		{"Aaj", day(3, 14)},
		{"kal", day(3, 15)},
		{"tomorrow", day(3, 15)},
		{"parson", day(3, 16)},
		{"day after tomorrow", day(3, 16)},
		{"2026-04-02", day(4, 2)},
		{"02-04-2026", day(4, 2)},
		{"next friday", time.Time{}},
		{"", time.Time{}},
	}
	for _, tc := range tests {
		if got := ParseDate(tc.in, today); !got.Equal(tc.want) {
			t.Errorf("ParseDate(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"19:00", "19:00"},
		{"7:30", "07:30"},
		{"7:30 pm", "19:30"},
		{"12 am", "00:00"},
		{"12pm", "12:00"},
		{"3", "15:00"},
		{"7", "07:00"},
		{"25:00", ""},
		{"shaam", ""},
		{"", ""},
	}
	for _, tc := range tests {
		if got := ParseTime(tc.in); got != tc.want {
			t.Errorf("ParseTime(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSummarizeHistory(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 150)
	history := []types.Message{
		{Role: types.RoleUser, Content: "dropped"},
		{Role: types.RoleAssistant, Content: "Namaste"},
		{Role: types.RoleUser, Content: "table for 4"},
		{Role: types.RoleAssistant, Content: long},
		{Role: types.RoleUser, Content: "kal"},
	}
	got := SummarizeHistory(history)
	want := "Bot: Namaste\nUser: table for 4\nBot: " + strings.Repeat("a", 100) + "...\nUser: kal"
	if got != want {
		t.Errorf("SummarizeHistory =\n%s\nwant\n%s", got, want)
	}
	if SummarizeHistory(nil) != "" {
		t.Error("empty history should summarise to empty string")
	}
}

func TestLLMExtractor_Extract(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"intent":"MAKE_RESERVATION","party_size":2,"date":"kal","time":"20:00","confidence":0.9}`,
		},
	}
	// 23:30 UTC is already the next day in Kolkata.
	clock := func() time.Time { return time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC) }
	loc := time.FixedZone("IST", 5*3600+1800)
	e := New(provider, WithClock(clock), WithLocation(loc))

	history := []types.Message{{Role: types.RoleAssistant, Content: "Namaste!"}}
	ext, err := e.Extract(context.Background(), "kal do log, aath baje", "Zaroor!", history)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if want := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC); !ext.Date.Equal(want) {
		t.Errorf("date = %v, want %v", ext.Date, want)
	}

	if provider.CompleteCallCount() != 1 {
		t.Fatalf("Complete calls = %d", provider.CompleteCallCount())
	}
	req := provider.CompleteCalls[0].Req
	if !req.JSONMode {
		t.Error("extraction must request JSON mode")
	}
	if req.SystemPrompt != SystemPrompt {
		t.Error("system prompt not set")
	}
	if len(req.Messages) != 1 || !strings.Contains(req.Messages[0].Content, "User: kal do log, aath baje") ||
		!strings.Contains(req.Messages[0].Content, "Previous context:\nBot: Namaste!") {
		t.Errorf("unexpected prompt %+v", req.Messages)
	}
}

func TestLLMExtractor_ProviderError(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{CompleteErr: errors.New("503")}
	_, err := New(provider).Extract(context.Background(), "hi", "hello", nil)
	if err == nil || !strings.Contains(err.Error(), "extract:") {
		t.Errorf("err = %v, want wrapped provider error", err)
	}
}

type recordingLimiter struct {
	acquired []int
	used     [][2]int
	err      error
}

func (l *recordingLimiter) Acquire(_ context.Context, n int) error {
	l.acquired = append(l.acquired, n)
	return l.err
}

func (l *recordingLimiter) RecordUsage(_ context.Context, estimated, actual int) {
	l.used = append(l.used, [2]int{estimated, actual})
}

func TestExtract_Limited(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"intent":"MAKE_RESERVATION","party_size":2}`,
		Usage:   llm.Usage{PromptTokens: 410, CompletionTokens: 20, TotalTokens: 430},
	}}
	lim := &recordingLimiter{}
	e := New(p, WithLimiter(lim), WithLocation(time.UTC), WithClock(func() time.Time { return today }))

	if _, err := e.Extract(context.Background(), "do log", "Ji, kis din?", nil); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(lim.acquired) != 1 || lim.acquired[0] <= maxTokens {
		t.Fatalf("acquired = %v, want one estimate above the answer budget", lim.acquired)
	}
	if len(lim.used) != 1 || lim.used[0] != [2]int{lim.acquired[0], 430} {
		t.Errorf("usage = %v, want [[%d 430]]", lim.used, lim.acquired[0])
	}
}

func TestExtract_LimiterRefusal(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{}`}}
	e := New(p, WithLimiter(&recordingLimiter{err: context.DeadlineExceeded}))

	_, err := e.Extract(context.Background(), "do log", "", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Extract error = %v, want context.DeadlineExceeded", err)
	}
	if p.CompleteCallCount() != 0 {
		t.Error("model called despite limiter refusal")
	}
}
