package document

import (
	"fmt"

	"github.com/atlas-wms/atlas-wms/internal/shared"
)

// Event is a requested lifecycle transition.
type Event string

const (
	EventSubmit        Event = "SUBMIT"
	EventRoute         Event = "ROUTE"
	EventApprove       Event = "APPROVE"
	EventReject        Event = "REJECT"
	EventPostAcked     Event = "POST_ACKED"
	EventPostFailed    Event = "POST_FAILED"
	EventPostAmbiguous Event = "POST_AMBIGUOUS"
	EventCancel        Event = "CANCEL"
)

type transitionKey struct {
	from  State
	event Event
}

// transitions is the single source of truth for the document lifecycle.
// Submit routes through QC only for types that require review; the split is
// resolved in Next because it depends on the document type, not the state.
var transitions = map[transitionKey]State{
	{StateQCPending, EventApprove}: StateQCApproved,
	{StateQCPending, EventReject}:  StateQCRejected,

	{StateQCApproved, EventPostAcked}:     StatePosted,
	{StateQCApproved, EventPostFailed}:    StateQCRejected,
	{StateQCApproved, EventPostAmbiguous}: StatePostedPending,

	{StatePostedPending, EventPostAcked}:  StatePosted,
	{StatePostedPending, EventPostFailed}: StateQCRejected,

	{StateDraft, EventCancel}:      StateCancelled,
	{StateSubmitted, EventCancel}:  StateCancelled,
	{StateQCPending, EventCancel}:  StateCancelled,
	{StateQCApproved, EventCancel}: StateCancelled,
}

// eventCapabilities maps each event to the capability an actor needs to
// trigger it. Post outcome events share one capability: the outcome split is
// decided by the gateway, not the caller.
var eventCapabilities = map[Event]shared.Capability{
	EventSubmit:        shared.CapSubmit,
	EventRoute:         shared.CapSubmit,
	EventApprove:       shared.CapApprove,
	EventReject:        shared.CapReject,
	EventPostAcked:     shared.CapPost,
	EventPostFailed:    shared.CapPost,
	EventPostAmbiguous: shared.CapPost,
	EventCancel:        shared.CapCancel,
}

// Next computes the state after applying event to doc, or
// ErrInvalidTransition when the pair is not in the table. Submit and route
// are applied back to back by the service: routing depends on the document
// type, so the split lives here rather than in the static table.
func Next(doc Document, event Event) (State, error) {
	switch event {
	case EventSubmit:
		if doc.State != StateDraft {
			return "", invalidTransition(doc.State, event)
		}
		return StateSubmitted, nil
	case EventRoute:
		if doc.State != StateSubmitted {
			return "", invalidTransition(doc.State, event)
		}
		if doc.Type.RequiresQC() {
			return StateQCPending, nil
		}
		return StateQCApproved, nil
	}
	next, ok := transitions[transitionKey{doc.State, event}]
	if !ok {
		return "", invalidTransition(doc.State, event)
	}
	return next, nil
}

// Guard verifies the actor may trigger event.
func Guard(actor shared.Actor, event Event) error {
	cap, ok := eventCapabilities[event]
	if !ok {
		return fmt.Errorf("%w: unknown event %s", ErrInvalidTransition, event)
	}
	if !actor.Can(cap) {
		return fmt.Errorf("%w: %s requires %s", ErrForbidden, event, cap)
	}
	return nil
}

func invalidTransition(from State, event Event) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, from)
}
