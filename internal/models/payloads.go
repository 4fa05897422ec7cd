package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownSignalType is returned when a SignalMessage carries a type the
// payload union has no case for. Such messages are logged and dropped.
var ErrUnknownSignalType = errors.New("unknown signal type")

// SignalPayload is the closed union of payload shapes, one per SignalType.
// Handlers switch on the concrete type and are exhaustive by construction.
type SignalPayload interface {
	SignalType() SignalType
}

// OfferPayload carries the session description of an offer or renegotiation.
type OfferPayload struct {
	SDP string `json:"sdp"`
}

type AnswerPayload struct {
	SDP string `json:"sdp"`
}

type ICECandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex uint16 `json:"sdp_mline_index,omitempty"`
}

type CallRequestPayload struct {
	CallType CallType `json:"call_type"`
	FromName string   `json:"from_name,omitempty"`
}

type CallAcceptPayload struct {
	UserName string `json:"user_name,omitempty"`
}

type CallRejectPayload struct {
	Reason string `json:"reason,omitempty"`
}

type CallEndPayload struct {
	Reason string `json:"reason,omitempty"`
}

type ConferenceInvitePayload struct {
	CallType CallType `json:"call_type"`
	// GroupID names the conference's group; invites travel as private
	// signals, so the group is not on the envelope.
	GroupID  string `json:"group_id"`
	FromName string `json:"from_name,omitempty"`
}

type GroupCallRequestPayload struct {
	CallType CallType `json:"call_type"`
	FromName string   `json:"from_name,omitempty"`
}

type GroupCallJoinPayload struct {
	UserName string          `json:"user_name,omitempty"`
	Role     ParticipantRole `json:"role,omitempty"`
}

type GroupCallLeavePayload struct {
	Reason string `json:"reason,omitempty"`
}

func (OfferPayload) SignalType() SignalType            { return SignalOffer }
func (AnswerPayload) SignalType() SignalType           { return SignalAnswer }
func (ICECandidatePayload) SignalType() SignalType     { return SignalICECandidate }
func (CallRequestPayload) SignalType() SignalType      { return SignalCallRequest }
func (CallAcceptPayload) SignalType() SignalType       { return SignalCallAccept }
func (CallRejectPayload) SignalType() SignalType       { return SignalCallReject }
func (CallEndPayload) SignalType() SignalType          { return SignalCallEnd }
func (ConferenceInvitePayload) SignalType() SignalType { return SignalConferenceInvite }
func (GroupCallRequestPayload) SignalType() SignalType { return SignalGroupCallRequest }
func (GroupCallJoinPayload) SignalType() SignalType    { return SignalGroupCallJoin }
func (GroupCallLeavePayload) SignalType() SignalType   { return SignalGroupCallLeave }

// EncodePayload serializes a payload for the store record.
func EncodePayload(p SignalPayload) (json.RawMessage, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.SignalType(), err)
	}
	return data, nil
}

// DecodePayload parses a raw record payload into the concrete type for t.
func DecodePayload(t SignalType, raw json.RawMessage) (SignalPayload, error) {
	var p SignalPayload
	switch t {
	case SignalOffer:
		p = &OfferPayload{}
	case SignalAnswer:
		p = &AnswerPayload{}
	case SignalICECandidate:
		p = &ICECandidatePayload{}
	case SignalCallRequest:
		p = &CallRequestPayload{}
	case SignalCallAccept:
		p = &CallAcceptPayload{}
	case SignalCallReject:
		p = &CallRejectPayload{}
	case SignalCallEnd:
		p = &CallEndPayload{}
	case SignalConferenceInvite:
		p = &ConferenceInvitePayload{}
	case SignalGroupCallRequest:
		p = &GroupCallRequestPayload{}
	case SignalGroupCallJoin:
		p = &GroupCallJoinPayload{}
	case SignalGroupCallLeave:
		p = &GroupCallLeavePayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSignalType, t)
	}
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// DataKind tags messages exchanged over an established call's data channel.
// Conference control and chunk movement ride here, not through the store.
type DataKind string

const (
	DataFileOffer         DataKind = "file-offer"
	DataFileChunk         DataKind = "file-chunk"
	DataFileComplete      DataKind = "file-complete"
	DataFileCancel        DataKind = "file-cancel"
	DataMuteParticipant   DataKind = "mute-participant"
	DataRoleChange        DataKind = "role-change"
	DataRemoveParticipant DataKind = "remove-participant"
)

// DataMessage is the envelope for in-call data-channel traffic. Exactly the
// field matching Kind is set.
type DataMessage struct {
	Kind     DataKind      `json:"kind"`
	From     string        `json:"from"`
	Metadata *FileMetadata `json:"metadata,omitempty"`
	Chunk    *FileChunk    `json:"chunk,omitempty"`
	// ChunkKey references a blobstore object when the chunk payload was staged
	// out of band instead of inlined.
	ChunkKey string `json:"chunk_key,omitempty"`
	// SealKey carries the per-transfer sealing key on a file offer. It only
	// ever travels the encrypted data channel, never the signal store.
	SealKey  []byte         `json:"seal_key,omitempty"`
	Transfer string         `json:"transfer_id,omitempty"`
	Control  *RosterControl `json:"control,omitempty"`
}

// RosterControl is a host/moderator action on a non-local participant.
// Version is the roster version the sender acted against; receivers drop
// updates older than their current roster version (last writer wins).
type RosterControl struct {
	TargetUser string          `json:"target_user"`
	Muted      bool            `json:"muted,omitempty"`
	Role       ParticipantRole `json:"role,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Version    uint64          `json:"version"`
}
