package models

import (
	"encoding/json"
	"time"
)

// SignalType identifies the kind of call-negotiation message carried by a SignalMessage
type SignalType string

const (
	SignalOffer            SignalType = "offer"
	SignalAnswer           SignalType = "answer"
	SignalICECandidate     SignalType = "ice-candidate"
	SignalCallRequest      SignalType = "call-request"
	SignalCallAccept       SignalType = "call-accept"
	SignalCallReject       SignalType = "call-reject"
	SignalCallEnd          SignalType = "call-end"
	SignalConferenceInvite SignalType = "conference-invite"
	SignalGroupCallRequest SignalType = "group-call-request"
	SignalGroupCallJoin    SignalType = "group-call-join"
	SignalGroupCallLeave   SignalType = "group-call-leave"
)

// SignalMessage is the record written to the message store to negotiate calls.
// Exactly one of ToUser/GroupID is set. Processed is write-once false->true;
// a message is consumed at most once by its recipients.
type SignalMessage struct {
	ID         string          `json:"id" db:"id"`
	SignalType SignalType      `json:"signal_type" db:"signal_type"`
	FromUser   string          `json:"from_user" db:"from_user"`
	ToUser     string          `json:"to_user,omitempty" db:"to_user"`
	GroupID    string          `json:"group_id,omitempty" db:"group_id"`
	CallID     string          `json:"call_id,omitempty" db:"call_id"`
	Payload    json.RawMessage `json:"payload,omitempty" db:"payload"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at,omitempty" db:"expires_at"`
	Processed  bool            `json:"processed" db:"processed"`
}

// FileCategory is the normalized category used by the transfer allow-list
type FileCategory string

const (
	CategoryImage    FileCategory = "image"
	CategoryVideo    FileCategory = "video"
	CategoryAudio    FileCategory = "audio"
	CategoryDocument FileCategory = "document"
)

// FileMetadata describes one chunked transfer. FileHash is computed over the
// original file content before chunking and re-verified after reassembly.
type FileMetadata struct {
	TransferID  string         `json:"transfer_id" db:"transfer_id"`
	FileName    string         `json:"file_name" db:"file_name"`
	FileSize    int64          `json:"file_size" db:"file_size"`
	FileType    FileCategory   `json:"file_type" db:"file_type"`
	MimeType    string         `json:"mime_type" db:"mime_type"`
	FileHash    string         `json:"file_hash" db:"file_hash"`
	ChunkSize   int            `json:"chunk_size" db:"chunk_size"`
	TotalChunks int            `json:"total_chunks" db:"total_chunks"`
	Status      TransferStatus `json:"transfer_status" db:"transfer_status"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}

// FileChunk is one contiguous slice of a file. All chunks but the last carry
// metadata.ChunkSize bytes; the last carries the remainder.
type FileChunk struct {
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkSize  int    `json:"chunk_size"`
	Data       []byte `json:"data"`
	Hash       string `json:"hash"`
	Sealed     bool   `json:"sealed,omitempty"`
}

type TransferStatus string

const (
	TransferPreparing    TransferStatus = "preparing"
	TransferTransferring TransferStatus = "transferring"
	TransferPaused       TransferStatus = "paused"
	TransferCompleted    TransferStatus = "completed"
	TransferFailed       TransferStatus = "failed"
	TransferCancelled    TransferStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferFailed || s == TransferCancelled
}

// TransferProgress is the read-only snapshot of a transfer's state machine.
type TransferProgress struct {
	TransferID      string         `json:"transfer_id"`
	FileName        string         `json:"file_name"`
	TotalSize       int64          `json:"total_size"`
	Status          TransferStatus `json:"status"`
	ChunksProcessed int            `json:"chunks_processed"`
	TotalChunks     int            `json:"total_chunks"`
	StartedAt       time.Time      `json:"started_at"`
}

type CallType string

const (
	CallAudio       CallType = "audio"
	CallVideo       CallType = "video"
	CallScreenShare CallType = "screen-share"
)

type CallDirection string

const (
	DirectionIncoming CallDirection = "incoming"
	DirectionOutgoing CallDirection = "outgoing"
)

type CallState string

const (
	CallIdle       CallState = "idle"
	CallInitiating CallState = "initiating"
	CallRinging    CallState = "ringing"
	CallConnecting CallState = "connecting"
	CallConnected  CallState = "connected"
	CallEnded      CallState = "ended"
	CallFailed     CallState = "failed"
	CallRejected   CallState = "rejected"
)

// Terminal reports whether the state admits no further transitions.
func (s CallState) Terminal() bool {
	return s == CallEnded || s == CallFailed || s == CallRejected
}

type ParticipantRole string

const (
	RoleHost        ParticipantRole = "host"
	RoleModerator   ParticipantRole = "moderator"
	RoleParticipant ParticipantRole = "participant"
	RoleObserver    ParticipantRole = "observer"
)

type ConnectionState string

const (
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnReconnecting ConnectionState = "reconnecting"
	ConnFailed       ConnectionState = "failed"
)

// MediaState tracks the device toggles of one participant.
type MediaState struct {
	AudioEnabled   bool `json:"audio_enabled"`
	VideoEnabled   bool `json:"video_enabled"`
	SpeakerEnabled bool `json:"speaker_enabled"`
	MicMuted       bool `json:"mic_muted"`
	CameraOff      bool `json:"camera_off"`
	ScreenSharing  bool `json:"screen_sharing"`
}

type Participant struct {
	UserID          string          `json:"user_id"`
	UserName        string          `json:"user_name"`
	IsLocal         bool            `json:"is_local"`
	Role            ParticipantRole `json:"role"`
	ConnectionState ConnectionState `json:"connection_state"`
	MediaState      MediaState      `json:"media_state"`
	IsPresenting    bool            `json:"is_presenting"`
	IsMutedByHost   bool            `json:"is_muted_by_host"`
}

// CallSession is a read-only snapshot of one call. Exactly one participant
// has IsLocal set. RosterVersion increases on every roster mutation and is
// what role-change signals are validated against.
type CallSession struct {
	CallID        string                 `json:"call_id"`
	CallType      CallType               `json:"call_type"`
	Direction     CallDirection          `json:"direction"`
	State         CallState              `json:"state"`
	IsGroup       bool                   `json:"is_group"`
	GroupID       string                 `json:"group_id,omitempty"`
	StartTime     time.Time              `json:"start_time"`
	EndReason     string                 `json:"end_reason,omitempty"`
	RosterVersion uint64                 `json:"roster_version"`
	Participants  map[string]Participant `json:"participants"`
}

// Local returns the local participant of the snapshot.
func (s *CallSession) Local() (Participant, bool) {
	for _, p := range s.Participants {
		if p.IsLocal {
			return p, true
		}
	}
	return Participant{}, false
}

// QualityLevel is an explicit video quality preset.
type QualityLevel string

const (
	QualityLow    QualityLevel = "low"
	QualityMedium QualityLevel = "medium"
	QualityHigh   QualityLevel = "high"
)

// MediaInfo is what ExtractMediaMetadata reports. Zero fields mean unknown or
// not applicable for the file's category.
type MediaInfo struct {
	DurationMs int64 `json:"duration_ms,omitempty"`
	Width      int   `json:"width,omitempty"`
	Height     int   `json:"height,omitempty"`
}

// ErrorResponse is the JSON error body of the service API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// APIResponse is the standard JSON envelope of the service API.
type APIResponse struct {
	Status  string      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}
