package conversation

// Phase is the position of the dialogue in the booking protocol.
type Phase int

const (
	PhaseGreeting Phase = iota
	PhaseGatheringInfo
	PhaseConfirming
	PhaseAwaitingConfirmation
	PhaseBooking
	PhaseCompleted
	PhaseTransferred
)

var phaseNames = [...]string{
	PhaseGreeting:             "GREETING",
	PhaseGatheringInfo:        "GATHERING_INFO",
	PhaseConfirming:           "CONFIRMING",
	PhaseAwaitingConfirmation: "AWAITING_CONFIRMATION",
	PhaseBooking:              "BOOKING",
	PhaseCompleted:            "COMPLETED",
	PhaseTransferred:          "TRANSFERRED",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "UNKNOWN"
	}
	return phaseNames[p]
}

// DefaultMaxConfirmationAttempts is the number of confirmation prompts after
// which the dialogue is handed to a human.
const DefaultMaxConfirmationAttempts = 3

// NextPhase evaluates one transition of the booking protocol from the current
// phase, the latest merged reservation (nil when the turn produced none) and
// an optional explicit answer.
//
// In [PhaseAwaitingConfirmation] confirmed is the caller's yes or no; in
// [PhaseBooking] it reports whether the availability engine accepted the
// booking. A nil confirmed holds both phases.
func NextPhase(current Phase, ext *Reservation, confirmed *bool) Phase {
	if ext != nil && ext.Intent == IntentOperatorRequest {
		return PhaseTransferred
	}

	switch current {
	case PhaseGreeting:
		if ext != nil && ext.Intent == IntentMakeReservation {
			return PhaseGatheringInfo
		}
		return PhaseGreeting
	case PhaseGatheringInfo:
		if ext != nil && ext.Complete() {
			return PhaseConfirming
		}
		return PhaseGatheringInfo
	case PhaseConfirming:
		return PhaseAwaitingConfirmation
	case PhaseAwaitingConfirmation:
		if confirmed == nil {
			return PhaseAwaitingConfirmation
		}
		if *confirmed {
			return PhaseBooking
		}
		return PhaseGatheringInfo
	case PhaseBooking:
		if confirmed == nil {
			return PhaseBooking
		}
		if *confirmed {
			return PhaseCompleted
		}
		return PhaseGatheringInfo
	case PhaseCompleted:
		if ext != nil && ext.Intent == IntentMakeReservation {
			return PhaseGatheringInfo
		}
		return PhaseCompleted
	case PhaseTransferred:
		return PhaseTransferred
	default:
		return current
	}
}

// State is the per-call dialogue state. It is owned by a single call and is
// not safe for concurrent use.
type State struct {
	Phase Phase

	// Pending is the merged accumulator, nil until the first booking turn.
	Pending *Reservation

	// LastResponse is the last text spoken to the caller.
	LastResponse string

	// Alternatives holds "HH:MM" slots offered after a rejected booking.
	Alternatives []string

	Attempts    int
	MaxAttempts int

	asked map[Field]bool
}

// NewState returns a State in [PhaseGreeting].
func NewState() *State {
	return &State{
		MaxAttempts: DefaultMaxConfirmationAttempts,
		asked:       make(map[Field]bool),
	}
}

// Update merges ext into the accumulator and forgets which fields were asked,
// since the caller just provided new information.
func (s *State) Update(ext Reservation) {
	if s.Pending == nil {
		r := ext
		s.Pending = &r
	} else {
		merged := s.Pending.Merge(ext)
		s.Pending = &merged
	}
	s.resetAsked()
}

// Missing returns the accumulator's missing fields. Before any booking turn
// every field is missing.
func (s *State) Missing() []Field {
	if s.Pending == nil {
		return append([]Field(nil), FieldPriority...)
	}
	return s.Pending.Missing()
}

// NextQuestion picks the missing field to ask about: the highest-priority
// missing field not yet asked in this gathering episode, or, when all were
// asked, the highest-priority missing field again. The field is marked asked.
// ok is false when nothing is missing.
func (s *State) NextQuestion() (f Field, ok bool) {
	missing := s.Missing()
	if len(missing) == 0 {
		return 0, false
	}
	f = missing[0]
	for _, m := range missing {
		if !s.asked[m] {
			f = m
			break
		}
	}
	s.markAsked(f)
	return f, true
}

// Asked reports whether f was asked in the current gathering episode.
func (s *State) Asked(f Field) bool {
	return s.asked[f]
}

// Transition moves to p. Entering [PhaseGatheringInfo] starts a new
// gathering episode: the attempt counter and asked fields are reset.
func (s *State) Transition(p Phase) {
	s.Phase = p
	if p == PhaseGatheringInfo {
		s.Attempts = 0
		s.resetAsked()
	}
}

// IncrementConfirmation counts one confirmation prompt.
func (s *State) IncrementConfirmation() {
	s.Attempts++
}

// AttemptsExhausted reports whether the confirmation cap was reached.
func (s *State) AttemptsExhausted() bool {
	limit := s.MaxAttempts
	if limit <= 0 {
		limit = DefaultMaxConfirmationAttempts
	}
	return s.Attempts >= limit
}

// Clear resets the state for a new conversation.
func (s *State) Clear() {
	limit := s.MaxAttempts
	*s = State{MaxAttempts: limit, asked: make(map[Field]bool)}
}

func (s *State) markAsked(f Field) {
	if s.asked == nil {
		s.asked = make(map[Field]bool)
	}
	s.asked[f] = true
}

func (s *State) resetAsked() {
	s.asked = make(map[Field]bool)
}
