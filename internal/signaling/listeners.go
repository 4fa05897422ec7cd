package signaling

import (
	"github.com/casecall/internal/models"
)

// Listeners is the router's UI event surface. One registration is active at
// a time; SetEventListeners merges by key, so a nil field keeps the handler
// already registered. Every callback runs on the dispatch goroutine.
type Listeners struct {
	// OnSignalReceived is the catch-all, invoked after the typed handler.
	OnSignalReceived func(models.SignalMessage)

	OnOfferReceived    func(models.SignalMessage, *models.OfferPayload)
	OnAnswerReceived   func(models.SignalMessage, *models.AnswerPayload)
	OnICECandidate     func(models.SignalMessage, *models.ICECandidatePayload)
	OnCallRequest      func(models.SignalMessage, *models.CallRequestPayload)
	OnCallAccept       func(models.SignalMessage, *models.CallAcceptPayload)
	OnCallReject       func(models.SignalMessage, *models.CallRejectPayload)
	OnCallEnd          func(models.SignalMessage, *models.CallEndPayload)
	OnConferenceInvite func(models.SignalMessage, *models.ConferenceInvitePayload)
	OnGroupCallRequest func(models.SignalMessage, *models.GroupCallRequestPayload)
	OnGroupCallJoin    func(models.SignalMessage, *models.GroupCallJoinPayload)
	OnGroupCallLeave   func(models.SignalMessage, *models.GroupCallLeavePayload)

	OnError func(error)
}

// SetEventListeners merges l into the active registration; non-nil fields
// overwrite, nil fields are kept.
func (r *Router) SetEventListeners(l Listeners) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners.merge(l)
}

func (dst *Listeners) merge(src Listeners) {
	if src.OnSignalReceived != nil {
		dst.OnSignalReceived = src.OnSignalReceived
	}
	if src.OnOfferReceived != nil {
		dst.OnOfferReceived = src.OnOfferReceived
	}
	if src.OnAnswerReceived != nil {
		dst.OnAnswerReceived = src.OnAnswerReceived
	}
	if src.OnICECandidate != nil {
		dst.OnICECandidate = src.OnICECandidate
	}
	if src.OnCallRequest != nil {
		dst.OnCallRequest = src.OnCallRequest
	}
	if src.OnCallAccept != nil {
		dst.OnCallAccept = src.OnCallAccept
	}
	if src.OnCallReject != nil {
		dst.OnCallReject = src.OnCallReject
	}
	if src.OnCallEnd != nil {
		dst.OnCallEnd = src.OnCallEnd
	}
	if src.OnConferenceInvite != nil {
		dst.OnConferenceInvite = src.OnConferenceInvite
	}
	if src.OnGroupCallRequest != nil {
		dst.OnGroupCallRequest = src.OnGroupCallRequest
	}
	if src.OnGroupCallJoin != nil {
		dst.OnGroupCallJoin = src.OnGroupCallJoin
	}
	if src.OnGroupCallLeave != nil {
		dst.OnGroupCallLeave = src.OnGroupCallLeave
	}
	if src.OnError != nil {
		dst.OnError = src.OnError
	}
}

func (l Listeners) emitError(err error) {
	if l.OnError != nil && err != nil {
		l.OnError(err)
	}
}
