package call

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/casecall/internal/models"
	"github.com/casecall/internal/signaling"
	"github.com/casecall/internal/transfer"
)

// session is the manager-private state of one call. Callers only ever see
// CallSession snapshots.
type session struct {
	snap  models.CallSession
	media MediaSession
	// peer is the remote user of a direct call, or the originator/inviter
	// of an incoming conference. Reject signals are addressed to it.
	peer string

	ringTimer    *time.Timer
	connectTimer *time.Timer

	quality       models.QualityLevel
	qualityCancel context.CancelFunc

	frontCamera bool
}

// Deps bundles the manager's collaborators. Signals, Media, Permissions and
// Engine are required; Monitor, Blobs and Archive are optional.
type Deps struct {
	Signals     Signaler
	Media       MediaFactory
	Permissions Permissions
	Monitor     NetworkMonitor
	Engine      *transfer.Engine
	Blobs       BlobStore
	Archive     Archive
}

type Manager struct {
	userID   string
	userName string
	cfg      Config
	deps     Deps
	log      zerolog.Logger

	mu        sync.Mutex
	listeners Listeners
	sessions  map[string]*session
}

func NewManager(userID, userName string, cfg Config, deps Deps, log zerolog.Logger) (*Manager, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if deps.Signals == nil || deps.Media == nil || deps.Permissions == nil || deps.Engine == nil {
		return nil, fmt.Errorf("signals, media, permissions and engine are required")
	}
	cfg.applyDefaults()
	return &Manager{
		userID:   userID,
		userName: userName,
		cfg:      cfg,
		deps:     deps,
		log:      log.With().Str("component", "call").Logger(),
		sessions: make(map[string]*session),
	}, nil
}

// SetEventListeners merges l into the active registration; non-nil fields
// overwrite, nil fields are kept.
func (m *Manager) SetEventListeners(l Listeners) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners.merge(l)
}

// RouterListeners returns the signal handlers the manager needs registered
// on the router. The caller wires them with Router.SetEventListeners.
func (m *Manager) RouterListeners() signaling.Listeners {
	return signaling.Listeners{
		OnOfferReceived:    m.handleOffer,
		OnAnswerReceived:   m.handleAnswer,
		OnICECandidate:     m.handleICECandidate,
		OnCallRequest:      m.handleCallRequest,
		OnCallAccept:       m.handleCallAccept,
		OnCallReject:       m.handleCallReject,
		OnCallEnd:          m.handleCallEnd,
		OnConferenceInvite: m.handleConferenceInvite,
		OnGroupCallRequest: m.handleGroupCallRequest,
		OnGroupCallJoin:    m.handleGroupCallJoin,
		OnGroupCallLeave:   m.handleGroupCallLeave,
	}
}

// PlaceCall starts an outgoing direct call. The session begins in
// initiating and moves to ringing once the request signal is written.
func (m *Manager) PlaceCall(ctx context.Context, targetUserID string, callType models.CallType) (string, error) {
	if targetUserID == "" {
		return "", fmt.Errorf("target user is required")
	}
	callID := uuid.New().String()
	media, err := m.deps.Media(callID, callType)
	if err != nil {
		return "", fmt.Errorf("failed to create media session: %w", err)
	}
	media.OnConnected(func() { m.handleMediaConnected(callID) })

	s := &session{
		snap: models.CallSession{
			CallID:    callID,
			CallType:  callType,
			Direction: models.DirectionOutgoing,
			State:     models.CallInitiating,
			StartTime: time.Now().UTC(),
			Participants: map[string]models.Participant{
				m.userID: {
					UserID:          m.userID,
					UserName:        m.userName,
					IsLocal:         true,
					Role:            models.RoleParticipant,
					ConnectionState: models.ConnConnecting,
					MediaState:      initialMediaState(callType),
				},
				targetUserID: {
					UserID:          targetUserID,
					Role:            models.RoleParticipant,
					ConnectionState: models.ConnConnecting,
				},
			},
		},
		media:   media,
		peer:    targetUserID,
		quality: models.QualityHigh,
	}
	m.mu.Lock()
	m.sessions[callID] = s
	m.mu.Unlock()

	payload := &models.CallRequestPayload{CallType: callType, FromName: m.userName}
	if _, err := m.deps.Signals.SendPrivateSignal(ctx, models.SignalCallRequest, payload, targetUserID, callID); err != nil {
		m.terminate(ctx, callID, models.CallFailed, "signal write failed", false)
		return "", fmt.Errorf("failed to send call request: %w", err)
	}

	m.transition(callID, models.CallRinging)
	m.armRingTimer(callID)
	return callID, nil
}

// AcceptCall answers an incoming ringing call.
func (m *Manager) AcceptCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if s.snap.Direction != models.DirectionIncoming || s.snap.State != models.CallRinging {
		state := s.snap.State
		m.mu.Unlock()
		return fmt.Errorf("%w: accept from %s", ErrInvalidTransition, state)
	}
	callType := s.snap.CallType
	peer := s.peer
	groupID := s.snap.GroupID
	isGroup := s.snap.IsGroup
	m.mu.Unlock()

	media, err := m.deps.Media(callID, callType)
	if err != nil {
		return fmt.Errorf("failed to create media session: %w", err)
	}
	media.OnConnected(func() { m.handleMediaConnected(callID) })

	m.mu.Lock()
	s, ok = m.sessions[callID]
	if !ok || s.snap.State != models.CallRinging {
		m.mu.Unlock()
		media.Close()
		return fmt.Errorf("%w: %s", ErrCallTerminal, callID)
	}
	s.media = media
	m.mu.Unlock()

	payload := &models.CallAcceptPayload{UserName: m.userName}
	if isGroup {
		_, err = m.deps.Signals.SendGroupSignal(ctx, models.SignalCallAccept, payload, groupID, callID)
	} else {
		_, err = m.deps.Signals.SendPrivateSignal(ctx, models.SignalCallAccept, payload, peer, callID)
	}
	if err != nil {
		return fmt.Errorf("failed to send accept: %w", err)
	}

	m.transition(callID, models.CallConnecting)
	m.armConnectTimer(callID)
	return nil
}

// RejectCall declines an incoming ringing call. Rejected is terminal.
func (m *Manager) RejectCall(ctx context.Context, callID, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if s.snap.Direction != models.DirectionIncoming || s.snap.State != models.CallRinging {
		state := s.snap.State
		m.mu.Unlock()
		return fmt.Errorf("%w: reject from %s", ErrInvalidTransition, state)
	}
	peer := s.peer
	m.mu.Unlock()

	payload := &models.CallRejectPayload{Reason: reason}
	if _, err := m.deps.Signals.SendPrivateSignal(ctx, models.SignalCallReject, payload, peer, callID); err != nil {
		m.emitError(fmt.Errorf("failed to send reject: %w", err))
	}
	m.terminate(ctx, callID, models.CallRejected, reason, false)
	return nil
}

// EndCall is the single exit path of an active call: it transitions the
// session to ended, notifies the remaining participants and releases the
// media session. Remote-initiated termination funnels through the same
// internal path.
func (m *Manager) EndCall(ctx context.Context, callID, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if s.snap.State.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallTerminal, callID)
	}
	m.mu.Unlock()

	m.terminate(ctx, callID, models.CallEnded, reason, true)
	return nil
}

// GetCallSession returns a deep-copied snapshot of one call.
func (m *Manager) GetCallSession(callID string) (models.CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return models.CallSession{}, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	return snapshotSession(s), nil
}

// ActiveCalls returns snapshots of every tracked call, oldest first.
func (m *Manager) ActiveCalls() []models.CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, snapshotSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// --- signal handlers ---

func (m *Manager) handleCallRequest(msg models.SignalMessage, p *models.CallRequestPayload) {
	s := &session{
		snap: models.CallSession{
			CallID:    msg.CallID,
			CallType:  p.CallType,
			Direction: models.DirectionIncoming,
			State:     models.CallRinging,
			StartTime: time.Now().UTC(),
			Participants: map[string]models.Participant{
				m.userID: {
					UserID:          m.userID,
					UserName:        m.userName,
					IsLocal:         true,
					Role:            models.RoleParticipant,
					ConnectionState: models.ConnConnecting,
					MediaState:      initialMediaState(p.CallType),
				},
				msg.FromUser: {
					UserID:          msg.FromUser,
					UserName:        p.FromName,
					Role:            models.RoleParticipant,
					ConnectionState: models.ConnConnecting,
				},
			},
		},
		peer:    msg.FromUser,
		quality: models.QualityHigh,
	}

	m.mu.Lock()
	if _, exists := m.sessions[msg.CallID]; exists {
		m.mu.Unlock()
		return
	}
	m.sessions[msg.CallID] = s
	snap := snapshotSession(s)
	onIncoming := m.listeners.OnIncomingCall
	m.mu.Unlock()

	if onIncoming != nil {
		onIncoming(snap)
	}
}

func (m *Manager) handleCallAccept(msg models.SignalMessage, p *models.CallAcceptPayload) {
	ctx := context.Background()
	m.mu.Lock()
	s, ok := m.sessions[msg.CallID]
	if !ok || s.snap.State != models.CallRinging {
		m.mu.Unlock()
		return
	}
	// Group accepts reach every member, including invitees who have not
	// answered. A ringing session without media has not accepted or
	// originated anything, so another member's accept is not ours to act on.
	if s.media == nil {
		m.mu.Unlock()
		return
	}
	if part, ok := s.snap.Participants[msg.FromUser]; ok && p.UserName != "" {
		part.UserName = p.UserName
		s.snap.Participants[msg.FromUser] = part
	}
	media := s.media
	peer := msg.FromUser
	m.mu.Unlock()

	m.transition(msg.CallID, models.CallConnecting)
	m.armConnectTimer(msg.CallID)

	sdp, err := media.CreateOffer(ctx)
	if err != nil {
		m.emitError(fmt.Errorf("failed to create offer for call %s: %w", msg.CallID, err))
		return
	}
	if _, err := m.deps.Signals.SendPrivateSignal(ctx, models.SignalOffer, &models.OfferPayload{SDP: sdp}, peer, msg.CallID); err != nil {
		m.emitError(fmt.Errorf("failed to send offer for call %s: %w", msg.CallID, err))
	}
}

func (m *Manager) handleCallReject(msg models.SignalMessage, p *models.CallRejectPayload) {
	m.mu.Lock()
	s, ok := m.sessions[msg.CallID]
	if !ok || s.snap.State.Terminal() {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.terminate(context.Background(), msg.CallID, models.CallRejected, p.Reason, false)
}

func (m *Manager) handleCallEnd(msg models.SignalMessage, p *models.CallEndPayload) {
	m.mu.Lock()
	s, ok := m.sessions[msg.CallID]
	if !ok || s.snap.State.Terminal() {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.terminate(context.Background(), msg.CallID, models.CallEnded, p.Reason, false)
}

func (m *Manager) handleOffer(msg models.SignalMessage, p *models.OfferPayload) {
	ctx := context.Background()
	media, ok := m.mediaFor(msg.CallID)
	if !ok {
		return
	}
	answer, err := media.HandleOffer(ctx, p.SDP)
	if err != nil {
		m.emitError(fmt.Errorf("failed to handle offer for call %s: %w", msg.CallID, err))
		return
	}
	if _, err := m.deps.Signals.SendPrivateSignal(ctx, models.SignalAnswer, &models.AnswerPayload{SDP: answer}, msg.FromUser, msg.CallID); err != nil {
		m.emitError(fmt.Errorf("failed to send answer for call %s: %w", msg.CallID, err))
	}
}

func (m *Manager) handleAnswer(msg models.SignalMessage, p *models.AnswerPayload) {
	media, ok := m.mediaFor(msg.CallID)
	if !ok {
		return
	}
	if err := media.HandleAnswer(context.Background(), p.SDP); err != nil {
		m.emitError(fmt.Errorf("failed to handle answer for call %s: %w", msg.CallID, err))
	}
}

func (m *Manager) handleICECandidate(msg models.SignalMessage, p *models.ICECandidatePayload) {
	media, ok := m.mediaFor(msg.CallID)
	if !ok {
		return
	}
	if err := media.AddICECandidate(context.Background(), *p); err != nil {
		m.emitError(fmt.Errorf("failed to add ICE candidate for call %s: %w", msg.CallID, err))
	}
}

func (m *Manager) handleMediaConnected(callID string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || s.snap.State != models.CallConnecting {
		m.mu.Unlock()
		return
	}
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	for id, p := range s.snap.Participants {
		p.ConnectionState = models.ConnConnected
		s.snap.Participants[id] = p
	}
	m.mu.Unlock()
	m.transition(callID, models.CallConnected)
}

// --- internals ---

// transition applies a legal state change and notifies. Illegal changes are
// logged and dropped; the caller already validated the interesting ones.
func (m *Manager) transition(callID string, to models.CallState) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	from := s.snap.State
	if !legalCallTransition(from, to) {
		m.mu.Unlock()
		m.log.Warn().Str("call_id", callID).
			Str("from", string(from)).Str("to", string(to)).
			Msg("dropping illegal state transition")
		return
	}
	s.snap.State = to
	onChanged := m.listeners.OnCallStateChanged
	m.mu.Unlock()

	if onChanged != nil {
		onChanged(callID, to)
	}
}

// terminate is the shared exit path for ended, failed and rejected. It
// stops timers, cancels in-flight quality work, notifies peers when asked,
// closes the media session and archives the final snapshot.
func (m *Manager) terminate(ctx context.Context, callID string, state models.CallState, reason string, notifyPeers bool) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || s.snap.State.Terminal() {
		m.mu.Unlock()
		return
	}
	if !legalCallTransition(s.snap.State, state) {
		state = models.CallFailed
	}
	s.snap.State = state
	s.snap.EndReason = reason
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	if s.qualityCancel != nil {
		s.qualityCancel()
		s.qualityCancel = nil
	}
	media := s.media
	s.media = nil
	peer := s.peer
	groupID := s.snap.GroupID
	isGroup := s.snap.IsGroup
	final := snapshotSession(s)
	delete(m.sessions, callID)
	onChanged := m.listeners.OnCallStateChanged
	onEnd := m.listeners.OnCallEnd
	m.mu.Unlock()

	if notifyPeers {
		payload := &models.CallEndPayload{Reason: reason}
		var err error
		if isGroup {
			_, err = m.deps.Signals.SendGroupSignal(ctx, models.SignalCallEnd, payload, groupID, callID)
		} else {
			_, err = m.deps.Signals.SendPrivateSignal(ctx, models.SignalCallEnd, payload, peer, callID)
		}
		if err != nil {
			m.emitError(fmt.Errorf("failed to send call end for %s: %w", callID, err))
		}
	}
	if media != nil {
		if err := media.Close(); err != nil {
			m.log.Warn().Err(err).Str("call_id", callID).Msg("failed to close media session")
		}
	}
	if m.deps.Archive != nil {
		if err := m.deps.Archive.RecordCall(ctx, final); err != nil {
			m.log.Warn().Err(err).Str("call_id", callID).Msg("failed to archive call")
		}
	}
	if onChanged != nil {
		onChanged(callID, state)
	}
	if onEnd != nil {
		onEnd(callID, reason)
	}
}

func (m *Manager) armRingTimer(callID string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || s.snap.State.Terminal() {
		m.mu.Unlock()
		return
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.ringTimer = time.AfterFunc(m.cfg.RingTimeout, func() {
		m.timeoutCall(callID, models.CallRinging, "ring timeout")
	})
	m.mu.Unlock()
}

func (m *Manager) armConnectTimer(callID string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || s.snap.State.Terminal() {
		m.mu.Unlock()
		return
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}
	s.connectTimer = time.AfterFunc(m.cfg.ConnectTimeout, func() {
		m.timeoutCall(callID, models.CallConnecting, "connect timeout")
	})
	m.mu.Unlock()
}

// timeoutCall fails the session if it is still stuck in the state the timer
// was armed for.
func (m *Manager) timeoutCall(callID string, stuck models.CallState, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || s.snap.State != stuck {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.terminate(context.Background(), callID, models.CallFailed, reason, true)
}

func (m *Manager) mediaFor(callID string) (MediaSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok || s.media == nil {
		return nil, false
	}
	return s.media, true
}

func (m *Manager) emitError(err error) {
	if err == nil {
		return
	}
	m.log.Warn().Err(err).Msg("call error")
	m.mu.Lock()
	fn := m.listeners.OnError
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func snapshotSession(s *session) models.CallSession {
	snap := s.snap
	snap.Participants = make(map[string]models.Participant, len(s.snap.Participants))
	for id, p := range s.snap.Participants {
		snap.Participants[id] = p
	}
	return snap
}

func initialMediaState(t models.CallType) models.MediaState {
	return models.MediaState{
		AudioEnabled:   true,
		VideoEnabled:   t == models.CallVideo,
		SpeakerEnabled: true,
		ScreenSharing:  t == models.CallScreenShare,
	}
}
