// Package call owns the per-call session state machine: placing, accepting,
// rejecting and ending calls, the participant roster of group calls, media
// controls and video quality presets. Negotiation bytes (SDP, ICE) move
// through the signaling router; in-call control and file chunks move over
// the media session's data channel.
package call

import (
	"context"
	"errors"
	"time"

	"github.com/casecall/internal/models"
)

var (
	ErrUnknownCall        = errors.New("unknown call")
	ErrInvalidTransition  = errors.New("invalid call state transition")
	ErrCallTerminal       = errors.New("call already ended")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrNotGroupCall       = errors.New("not a group call")
	ErrLocalTarget        = errors.New("operation targets the local participant")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrSoleHost           = errors.New("cannot demote the only host")
	ErrNotConnected       = errors.New("call is not connected")
	ErrNoMediaSession     = errors.New("no media session")
)

// Capability actions consulted through the Permissions collaborator before
// any privileged mutation.
const (
	CapMute        = "media:mute"
	CapCamera      = "media:camera"
	CapScreenShare = "media:screen-share"
	CapManage      = "call:manage"
)

// MediaSession is the seam to the peer-connection library. One instance per
// call; the manager drives negotiation through it and never touches the
// underlying transport.
type MediaSession interface {
	CreateOffer(ctx context.Context) (string, error)
	HandleOffer(ctx context.Context, sdp string) (string, error)
	HandleAnswer(ctx context.Context, sdp string) error
	AddICECandidate(ctx context.Context, cand models.ICECandidatePayload) error
	SendData(ctx context.Context, msg models.DataMessage) error
	// OnConnected registers the callback fired when negotiation completes.
	OnConnected(fn func())
	Close() error
}

// MediaFactory builds the media session for a call.
type MediaFactory func(callID string, callType models.CallType) (MediaSession, error)

// Permissions is the capability collaborator. Every privileged operation
// checks it before mutating any state.
type Permissions interface {
	HasPermission(action string) bool
}

// NetworkMonitor estimates the sustainable video quality for automatic
// adjustment.
type NetworkMonitor interface {
	Sample(ctx context.Context) (models.QualityLevel, error)
}

// Signaler is the slice of the signaling router the manager needs.
type Signaler interface {
	SendPrivateSignal(ctx context.Context, t models.SignalType, payload models.SignalPayload, targetUserID, callID string) (string, error)
	SendGroupSignal(ctx context.Context, t models.SignalType, payload models.SignalPayload, groupID, callID string) (string, error)
}

// BlobStore stages chunk payloads too large to inline on the data channel
// and archives completed files.
type BlobStore interface {
	PutChunk(ctx context.Context, transferID string, index int, data []byte) (string, error)
	GetChunk(ctx context.Context, key string) ([]byte, error)
	PutFile(ctx context.Context, transferID string, data []byte) error
}

// Archive records terminal calls and completed transfers for the case audit
// trail. Optional; a nil archive skips recording.
type Archive interface {
	RecordCall(ctx context.Context, session models.CallSession) error
	RecordTransfer(ctx context.Context, meta models.FileMetadata) error
}

// Config tunes one manager instance.
type Config struct {
	RingTimeout    time.Duration
	ConnectTimeout time.Duration
	// InlineChunkLimit is the largest chunk payload sent inline on the data
	// channel; bigger chunks are staged in the blobstore.
	InlineChunkLimit int
	// SealFiles encrypts chunk payloads of outgoing transfers.
	SealFiles bool
}

func (c *Config) applyDefaults() {
	if c.RingTimeout <= 0 {
		c.RingTimeout = 45 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.InlineChunkLimit <= 0 {
		c.InlineChunkLimit = 16 * 1024
	}
}

// Listeners is the manager's UI event surface. Registration merges by key
// like the router and engine surfaces.
type Listeners struct {
	OnIncomingCall      func(models.CallSession)
	OnCallStateChanged  func(callID string, state models.CallState)
	OnCallEnd           func(callID, reason string)
	OnParticipantJoined func(callID string, p models.Participant)
	OnParticipantLeft   func(callID, userID, reason string)
	OnQualityChanged    func(callID string, level models.QualityLevel)
	OnError             func(error)
}

func (dst *Listeners) merge(src Listeners) {
	if src.OnIncomingCall != nil {
		dst.OnIncomingCall = src.OnIncomingCall
	}
	if src.OnCallStateChanged != nil {
		dst.OnCallStateChanged = src.OnCallStateChanged
	}
	if src.OnCallEnd != nil {
		dst.OnCallEnd = src.OnCallEnd
	}
	if src.OnParticipantJoined != nil {
		dst.OnParticipantJoined = src.OnParticipantJoined
	}
	if src.OnParticipantLeft != nil {
		dst.OnParticipantLeft = src.OnParticipantLeft
	}
	if src.OnQualityChanged != nil {
		dst.OnQualityChanged = src.OnQualityChanged
	}
	if src.OnError != nil {
		dst.OnError = src.OnError
	}
}

// legalCallTransition is the session state machine. Terminal states admit
// nothing; idle never jumps straight to connected.
func legalCallTransition(from, to models.CallState) bool {
	switch from {
	case models.CallIdle:
		return to == models.CallInitiating || to == models.CallRinging
	case models.CallInitiating:
		return to == models.CallRinging || to == models.CallEnded || to == models.CallFailed
	case models.CallRinging:
		return to == models.CallConnecting || to == models.CallEnded ||
			to == models.CallFailed || to == models.CallRejected
	case models.CallConnecting:
		return to == models.CallConnected || to == models.CallEnded || to == models.CallFailed
	case models.CallConnected:
		return to == models.CallEnded || to == models.CallFailed
	default:
		return false
	}
}
