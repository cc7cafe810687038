package conversation

import (
	"slices"
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }

var tomorrow = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

func TestParseIntent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Intent
	}{
		{"MAKE_RESERVATION", IntentMakeReservation},
		{"make_reservation", IntentMakeReservation},
		{"MODIFY", IntentModifyReservation},
		{"MODIFY_RESERVATION", IntentModifyReservation},
		{"cancel", IntentCancelReservation},
		{"INQUIRY", IntentInquiry},
		{" OPERATOR ", IntentOperatorRequest},
		{"OPERATOR_REQUEST", IntentOperatorRequest},
		{"CHITCHAT", IntentChitchat},
		{"something else", IntentChitchat},
		{"", IntentChitchat},
	}
	for _, tc := range tests {
		if got := ParseIntent(tc.in); got != tc.want {
			t.Errorf("ParseIntent(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestReservation_Missing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		r    Reservation
		want []Field
	}{
		{"empty booking", Reservation{Intent: IntentMakeReservation}, FieldPriority},
		{"party only", Reservation{Intent: IntentMakeReservation, PartySize: 4}, []Field{FieldDate, FieldTime, FieldName}},
		{"complete", Reservation{Intent: IntentMakeReservation, PartySize: 4, Date: tomorrow, Time: "19:00", Name: "Sharma"}, nil},
		{"modify needs fields", Reservation{Intent: IntentModifyReservation, Time: "20:00"}, []Field{FieldPartySize, FieldDate, FieldName}},
		{"inquiry needs nothing", Reservation{Intent: IntentInquiry}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.r.Missing(); !slices.Equal(got, tc.want) {
				t.Errorf("Missing() = %v, want %v", got, tc.want)
			}
			if got, want := tc.r.Complete(), len(tc.want) == 0; got != want {
				t.Errorf("Complete() = %v, want %v", got, want)
			}
		})
	}
}

func TestReservation_Merge(t *testing.T) {
	t.Parallel()

	older := Reservation{
		Intent:     IntentMakeReservation,
		PartySize:  4,
		Date:       tomorrow,
		Name:       "Sharma",
		Confidence: 0.9,
	}
	newer := Reservation{
		Intent:         IntentChitchat,
		PartySize:      6,
		Time:           "19:00",
		SpecialRequest: "window seat",
		Confidence:     0.4,
	}

	got := older.Merge(newer)
	want := Reservation{
		Intent:         IntentMakeReservation,
		PartySize:      6,
		Date:           tomorrow,
		Time:           "19:00",
		Name:           "Sharma",
		SpecialRequest: "window seat",
		Confidence:     0.9,
	}
	if got != want {
		t.Errorf("Merge = %+v, want %+v", got, want)
	}
	if !got.Complete() {
		t.Errorf("merged reservation should be complete, missing %v", got.Missing())
	}

	// The older value is kept for every field the newer one leaves unset.
	if kept := older.Merge(Reservation{}); kept != older {
		t.Errorf("Merge(empty) = %+v, want %+v", kept, older)
	}

	// A non-chitchat newer intent wins.
	if got := older.Merge(Reservation{Intent: IntentCancelReservation}); got.Intent != IntentCancelReservation {
		t.Errorf("intent = %v, want CANCEL_RESERVATION", got.Intent)
	}
}

func TestNextPhase_OperatorFromAnyPhase(t *testing.T) {
	t.Parallel()

	op := &Reservation{Intent: IntentOperatorRequest}
	for p := PhaseGreeting; p <= PhaseTransferred; p++ {
		if got := NextPhase(p, op, boolPtr(true)); got != PhaseTransferred {
			t.Errorf("NextPhase(%v, operator) = %v, want TRANSFERRED", p, got)
		}
	}
}

func TestNextPhase_TransferredAbsorbing(t *testing.T) {
	t.Parallel()

	exts := []*Reservation{
		nil,
		{Intent: IntentMakeReservation},
		{Intent: IntentMakeReservation, PartySize: 2, Date: tomorrow, Time: "13:00", Name: "Rao"},
		{Intent: IntentChitchat},
	}
	for _, ext := range exts {
		for _, c := range []*bool{nil, boolPtr(true), boolPtr(false)} {
			if got := NextPhase(PhaseTransferred, ext, c); got != PhaseTransferred {
				t.Errorf("NextPhase(TRANSFERRED, %+v, %v) = %v", ext, c, got)
			}
		}
	}
}

func TestNextPhase(t *testing.T) {
	t.Parallel()

	complete := &Reservation{Intent: IntentMakeReservation, PartySize: 2, Date: tomorrow, Time: "13:00", Name: "Rao"}
	partial := &Reservation{Intent: IntentMakeReservation, PartySize: 2}
	chat := &Reservation{Intent: IntentChitchat}

	tests := []struct {
		name      string
		current   Phase
		ext       *Reservation
		confirmed *bool
		want      Phase
	}{
		{"greeting holds on chitchat", PhaseGreeting, chat, nil, PhaseGreeting},
		{"greeting holds without extraction", PhaseGreeting, nil, nil, PhaseGreeting},
		{"greeting to gathering", PhaseGreeting, partial, nil, PhaseGatheringInfo},
		{"gathering holds while partial", PhaseGatheringInfo, partial, nil, PhaseGatheringInfo},
		{"gathering to confirming", PhaseGatheringInfo, complete, nil, PhaseConfirming},
		{"confirming to awaiting", PhaseConfirming, nil, nil, PhaseAwaitingConfirmation},
		{"awaiting holds", PhaseAwaitingConfirmation, complete, nil, PhaseAwaitingConfirmation},
		{"awaiting yes", PhaseAwaitingConfirmation, complete, boolPtr(true), PhaseBooking},
		{"awaiting no", PhaseAwaitingConfirmation, complete, boolPtr(false), PhaseGatheringInfo},
		{"booking accepted", PhaseBooking, nil, boolPtr(true), PhaseCompleted},
		{"booking rejected", PhaseBooking, nil, boolPtr(false), PhaseGatheringInfo},
		{"completed holds", PhaseCompleted, chat, nil, PhaseCompleted},
		{"completed restarts", PhaseCompleted, partial, nil, PhaseGatheringInfo},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NextPhase(tc.current, tc.ext, tc.confirmed); got != tc.want {
				t.Errorf("NextPhase(%v) = %v, want %v", tc.current, got, tc.want)
			}
		})
	}
}

func TestState_NextQuestion(t *testing.T) {
	t.Parallel()

	s := NewState()
	s.Update(Reservation{Intent: IntentMakeReservation, Date: tomorrow})

	var asked []Field
	for range 4 {
		f, ok := s.NextQuestion()
		if !ok {
			t.Fatal("NextQuestion reported nothing missing")
		}
		asked = append(asked, f)
	}
	// Every missing field once in priority order, then the first one again.
	want := []Field{FieldPartySize, FieldTime, FieldName, FieldPartySize}
	if !slices.Equal(asked, want) {
		t.Errorf("asked = %v, want %v", asked, want)
	}

	// New information starts a fresh round of questions.
	s.Update(Reservation{PartySize: 3})
	if f, _ := s.NextQuestion(); f != FieldTime {
		t.Errorf("after update asked %v, want time", f)
	}

	s.Update(Reservation{Time: "20:00", Name: "Iyer"})
	if _, ok := s.NextQuestion(); ok {
		t.Error("NextQuestion on complete reservation should report ok=false")
	}
}

func TestState_TransitionResetsGathering(t *testing.T) {
	t.Parallel()

	s := NewState()
	s.Update(Reservation{Intent: IntentMakeReservation})
	s.NextQuestion()
	s.IncrementConfirmation()
	s.IncrementConfirmation()

	s.Transition(PhaseAwaitingConfirmation)
	if s.Attempts != 2 || !s.Asked(FieldPartySize) {
		t.Fatal("non-gathering transition must not reset counters")
	}

	s.Transition(PhaseGatheringInfo)
	if s.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", s.Attempts)
	}
	if s.Asked(FieldPartySize) {
		t.Error("asked fields not reset on entering GATHERING_INFO")
	}
}

func TestState_AttemptsExhausted(t *testing.T) {
	t.Parallel()

	s := NewState()
	for i := range DefaultMaxConfirmationAttempts {
		if s.AttemptsExhausted() {
			t.Fatalf("exhausted after %d attempts", i)
		}
		s.IncrementConfirmation()
	}
	if !s.AttemptsExhausted() {
		t.Error("not exhausted at the cap")
	}
}

func TestState_Clear(t *testing.T) {
	t.Parallel()

	s := NewState()
	s.Update(Reservation{Intent: IntentMakeReservation, PartySize: 2})
	s.Transition(PhaseGatheringInfo)
	s.LastResponse = "hello"
	s.Clear()

	if s.Phase != PhaseGreeting || s.Pending != nil || s.LastResponse != "" {
		t.Errorf("Clear left state %+v", s)
	}
	if s.MaxAttempts != DefaultMaxConfirmationAttempts {
		t.Errorf("MaxAttempts = %d after Clear", s.MaxAttempts)
	}
}

func TestScenario_FourTurns(t *testing.T) {
	t.Parallel()

	s := NewState()
	turns := []Reservation{
		{Intent: IntentMakeReservation, PartySize: 4, Confidence: 0.9},
		{Intent: IntentChitchat, Date: tomorrow, Confidence: 0.8},
		{Intent: IntentMakeReservation, Time: "19:00", Confidence: 0.9},
		{Intent: IntentChitchat, Name: "Sharma", Confidence: 0.95},
	}

	var phases []Phase
	for _, ext := range turns {
		s.Update(ext)
		s.Transition(NextPhase(s.Phase, s.Pending, nil))
		if s.Phase == PhaseConfirming {
			s.Transition(NextPhase(s.Phase, s.Pending, nil))
		}
		phases = append(phases, s.Phase)
	}

	wantPhases := []Phase{PhaseGatheringInfo, PhaseGatheringInfo, PhaseGatheringInfo, PhaseAwaitingConfirmation}
	if !slices.Equal(phases, wantPhases) {
		t.Errorf("phases = %v, want %v", phases, wantPhases)
	}

	p := s.Pending
	if p.PartySize != 4 || !p.Date.Equal(tomorrow) || p.Time != "19:00" || p.Name != "Sharma" {
		t.Errorf("accumulator = %+v", *p)
	}
	if m := p.Missing(); len(m) != 0 {
		t.Errorf("missing = %v, want none", m)
	}
}

func TestConfirmationMessage(t *testing.T) {
	t.Parallel()

	today := tomorrow.AddDate(0, 0, -1)
	s := NewState()
	if msg := s.ConfirmationMessage(today); msg != "" {
		t.Errorf("empty state message = %q", msg)
	}

	s.Update(Reservation{Intent: IntentMakeReservation, PartySize: 4, Date: tomorrow, Time: "19:00", Name: "Sharma"})
	want := "Main confirm karti hoon - kal ko 7 baje shaam, 4 logon ke liye, Sharma ji ke naam se. Kya yeh sahi hai?"
	if got := s.ConfirmationMessage(today); got != want {
		t.Errorf("ConfirmationMessage = %q, want %q", got, want)
	}
}

func TestFormatDate(t *testing.T) {
	t.Parallel()

	today := time.Date(2026, 3, 14, 22, 30, 0, 0, time.UTC)
	tests := []struct {
		d    time.Time
		want string
	}{
		{today, "aaj"},
		{today.AddDate(0, 0, 1), "kal"},
		{today.AddDate(0, 0, 2), "parson"},
		{time.Date(2026, 3, 21, 0, 0, 0, 0, time.UTC), "Saturday, 21 March"},
	}
	for _, tc := range tests {
		if got := FormatDate(tc.d, today); got != tc.want {
			t.Errorf("FormatDate(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestFormatTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"19:00", "7 baje shaam"},
		{"17:30", "5 aadha baje shaam"},
		{"12:00", "12 baje dopahar"},
		{"13:15", "1:15 baje dopahar"},
		{"11:00", "11 baje subah"},
		{"later", "later"},
	}
	for _, tc := range tests {
		if got := FormatTime(tc.in); got != tc.want {
			t.Errorf("FormatTime(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()

	if h, m, err := ParseClock("7:05"); err != nil || h != 7 || m != 5 {
		t.Errorf("ParseClock(7:05) = %d, %d, %v", h, m, err)
	}
	for _, bad := range []string{"", "7", "24:00", "12:60", "ab:cd", "123:00", "7:5"} {
		if _, _, err := ParseClock(bad); err == nil {
			t.Errorf("ParseClock(%q) should fail", bad)
		}
	}
}
