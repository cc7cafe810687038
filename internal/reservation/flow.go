package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/tablecall/internal/conversation"
	"github.com/MrWong99/tablecall/internal/observe"
)

// BookingResult is the outcome of a booking attempt.
type BookingResult struct {
	Success       bool
	ReservationID string

	// Message is the spoken response.
	Message string

	// Alternatives is set when the slot was full and nearby slots are free.
	Alternatives []Slot
}

// FlowOption configures a [Flow].
type FlowOption func(*Flow)

// WithBusinessName sets the name spoken in booking confirmations.
func WithBusinessName(name string) FlowOption {
	return func(f *Flow) { f.businessName = name }
}

// WithCall attributes bookings to a call and a hashed caller identity.
func WithCall(callID, callerHash string) FlowOption {
	return func(f *Flow) {
		f.callID = callID
		f.callerHash = callerHash
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) FlowOption {
	return func(f *Flow) { f.metrics = m }
}

// Flow runs the booking protocol of one call. It mutates the
// [conversation.State] it is handed and is not safe for concurrent use.
type Flow struct {
	engine       *Engine
	businessName string
	callID       string
	callerHash   string
	metrics      *observe.Metrics
}

// NewFlow creates a Flow booking through engine.
func NewFlow(engine *Engine, opts ...FlowOption) *Flow {
	f := &Flow{engine: engine, businessName: "restaurant"}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f
}

// ProcessExtraction advances st with the extraction of one caller turn and
// returns the text to speak instead of the model's free-form reply, or ""
// when the reply should stand.
//
// An operator request moves to TRANSFERRED. While a confirmation is pending
// a yes books the table, a no reopens gathering and small talk repeats the
// confirmation. Booking intents are merged into the accumulator;
// the highest-priority missing field is asked for until the accumulator is
// complete, then the details are restated for confirmation. Once the
// confirmation cap is reached the dialogue is handed off.
func (f *Flow) ProcessExtraction(ctx context.Context, st *conversation.State, ext conversation.Extraction) (string, error) {
	if st.Phase == conversation.PhaseTransferred {
		return "", nil
	}
	if ext.Intent == conversation.IntentOperatorRequest {
		st.Transition(conversation.NextPhase(st.Phase, &ext.Reservation, nil))
		return "", nil
	}

	if st.Phase == conversation.PhaseAwaitingConfirmation {
		switch {
		case ext.Confirmed != nil && *ext.Confirmed && !ext.HasDetails():
			res, err := f.HandleConfirmation(ctx, st, true)
			return res.Message, err
		case ext.Confirmed != nil && !*ext.Confirmed:
			st.Transition(conversation.NextPhase(st.Phase, nil, ext.Confirmed))
			if !ext.HasDetails() {
				return msgChangeDetails, nil
			}
		case ext.Intent == conversation.IntentChitchat && !ext.HasDetails():
			return f.confirm(st), nil
		}
	}

	if !ext.Intent.Books() && !(st.Phase != conversation.PhaseGreeting && ext.HasDetails()) {
		return "", nil
	}

	if st.Phase == conversation.PhaseCompleted && ext.Intent == conversation.IntentMakeReservation {
		// A second booking in the same call starts from scratch.
		st.Pending = nil
	}
	st.Update(ext.Reservation)

	switch st.Phase {
	case conversation.PhaseAwaitingConfirmation, conversation.PhaseConfirming:
		// Details changed while a confirmation was pending.
		if st.Pending.Complete() {
			return f.confirm(st), nil
		}
		st.Transition(conversation.PhaseGatheringInfo)
	default:
		st.Transition(conversation.NextPhase(st.Phase, st.Pending, nil))
	}

	switch st.Phase {
	case conversation.PhaseGatheringInfo:
		if next := conversation.NextPhase(st.Phase, st.Pending, nil); next == conversation.PhaseConfirming {
			return f.confirm(st), nil
		}
		if field, ok := st.NextQuestion(); ok {
			return conversation.Question(field), nil
		}
	case conversation.PhaseConfirming:
		return f.confirm(st), nil
	}
	return "", nil
}

// confirm restates the accumulator and moves to AWAITING_CONFIRMATION, or
// hands off once the confirmation cap is reached.
func (f *Flow) confirm(st *conversation.State) string {
	if st.AttemptsExhausted() {
		st.Transition(conversation.PhaseTransferred)
		return MsgHandoff
	}
	st.Phase = conversation.PhaseConfirming
	msg := st.ConfirmationMessage(f.engine.Now())
	if msg == "" {
		st.Transition(conversation.PhaseGatheringInfo)
		return ""
	}
	st.Transition(conversation.NextPhase(conversation.PhaseConfirming, nil, nil))
	st.IncrementConfirmation()
	return msg
}

// HandleConfirmation applies the caller's answer to a pending confirmation.
// A no reopens gathering. A yes attempts the booking: success completes the
// dialogue, a rejection returns to gathering carrying any alternatives.
//
// On a repository error the state returns to AWAITING_CONFIRMATION so the
// caller can confirm again.
func (f *Flow) HandleConfirmation(ctx context.Context, st *conversation.State, confirmed bool) (BookingResult, error) {
	if !confirmed {
		st.Transition(conversation.PhaseGatheringInfo)
		return BookingResult{Message: msgChangeDetails}, nil
	}
	if st.Pending == nil {
		return BookingResult{Message: msgMissingDetails}, nil
	}

	st.Transition(conversation.NextPhase(conversation.PhaseAwaitingConfirmation, nil, &confirmed))
	res, err := f.CheckAndBook(ctx, st)
	if err != nil {
		st.Phase = conversation.PhaseAwaitingConfirmation
		return BookingResult{}, err
	}

	accepted := res.Success
	st.Transition(conversation.NextPhase(conversation.PhaseBooking, nil, &accepted))
	st.Alternatives = st.Alternatives[:0]
	for _, s := range res.Alternatives {
		st.Alternatives = append(st.Alternatives, s.Time)
	}
	return res, nil
}

// CheckAndBook checks the accumulator against the engine and stores a
// confirmed booking when the slot is available. Check and insert run under
// the booking lock of the business and day.
func (f *Flow) CheckAndBook(ctx context.Context, st *conversation.State) (BookingResult, error) {
	if st.Pending == nil || !st.Pending.Complete() {
		return BookingResult{Message: msgIncomplete}, nil
	}
	r := *st.Pending
	log := observe.Logger(ctx)

	unlock, err := f.engine.lockBookings(ctx, r.Date)
	if err != nil {
		return BookingResult{}, err
	}
	defer unlock()

	av, err := f.engine.Check(ctx, r.Date, r.Time, r.PartySize)
	if err != nil {
		return BookingResult{}, err
	}
	if !av.Available {
		f.metrics.RecordReservation(ctx, av.Reason.String())
		log.Info("booking rejected", "reason", av.Reason.String(), "party_size", r.PartySize,
			"date", r.Date.Format(time.DateOnly), "time", r.Time)
		if av.Reason != ReasonCapacityFull {
			return BookingResult{Message: f.rejectionMessage(av, r)}, nil
		}
		alts, err := f.engine.Alternatives(ctx, r.Date, r.Time, r.PartySize, DefaultAlternatives)
		if err != nil {
			return BookingResult{}, err
		}
		return BookingResult{Message: f.capacityMessage(r, alts), Alternatives: alts}, nil
	}

	b := Booking{
		ID:           uuid.NewString(),
		BusinessID:   f.engine.BusinessID(),
		CallID:       f.callID,
		CustomerName: r.Name,
		CallerHash:   f.callerHash,
		PartySize:    r.PartySize,
		Date:         conversation.Day(r.Date),
		Time:         r.Time,
		Status:       StatusConfirmed,
		Notes:        r.SpecialRequest,
		CreatedAt:    time.Now().UTC(),
	}
	if err := f.engine.repo.Create(ctx, b); err != nil {
		return BookingResult{}, fmt.Errorf("reservation: create: %w", err)
	}
	f.metrics.RecordReservation(ctx, string(StatusConfirmed))
	log.Info("reservation created", "reservation_id", b.ID, "party_size", b.PartySize,
		"date", b.Date.Format(time.DateOnly), "time", b.Time)

	name := r.Name
	if name == "" {
		name = "Guest"
	}
	msg := fmt.Sprintf(msgBookingSuccess, conversation.FormatDate(r.Date, f.engine.Now()),
		conversation.FormatTime(r.Time), r.PartySize, name, f.businessName)
	return BookingResult{Success: true, ReservationID: b.ID, Message: msg}, nil
}
