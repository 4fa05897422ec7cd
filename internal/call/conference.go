package call

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/casecall/internal/models"
)

// StartGroupCall opens an outgoing conference for a group. The local
// participant becomes host.
func (m *Manager) StartGroupCall(ctx context.Context, groupID string, callType models.CallType) (string, error) {
	if groupID == "" {
		return "", fmt.Errorf("group id is required")
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
			IsGroup:   true,
			GroupID:   groupID,
			StartTime: time.Now().UTC(),
			Participants: map[string]models.Participant{
				m.userID: {
					UserID:          m.userID,
					UserName:        m.userName,
					IsLocal:         true,
					Role:            models.RoleHost,
					ConnectionState: models.ConnConnecting,
					MediaState:      initialMediaState(callType),
				},
			},
		},
		media:   media,
		quality: models.QualityHigh,
	}
	m.mu.Lock()
	m.sessions[callID] = s
	m.mu.Unlock()

	payload := &models.GroupCallRequestPayload{CallType: callType, FromName: m.userName}
	if _, err := m.deps.Signals.SendGroupSignal(ctx, models.SignalGroupCallRequest, payload, groupID, callID); err != nil {
		m.terminate(ctx, callID, models.CallFailed, "signal write failed", false)
		return "", fmt.Errorf("failed to send group call request: %w", err)
	}

	m.transition(callID, models.CallRinging)
	m.armRingTimer(callID)
	return callID, nil
}

// JoinGroupCall answers an incoming conference and announces the local
// participant to the group.
func (m *Manager) JoinGroupCall(ctx context.Context, callID string) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if !s.snap.IsGroup {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotGroupCall, callID)
	}
	if s.snap.Direction != models.DirectionIncoming || s.snap.State != models.CallRinging {
		state := s.snap.State
		m.mu.Unlock()
		return fmt.Errorf("%w: join from %s", ErrInvalidTransition, state)
	}
	callType := s.snap.CallType
	groupID := s.snap.GroupID
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

	payload := &models.GroupCallJoinPayload{UserName: m.userName, Role: models.RoleParticipant}
	if _, err := m.deps.Signals.SendGroupSignal(ctx, models.SignalGroupCallJoin, payload, groupID, callID); err != nil {
		return fmt.Errorf("failed to send join: %w", err)
	}

	m.transition(callID, models.CallConnecting)
	m.armConnectTimer(callID)
	return nil
}

// LeaveGroupCall announces departure and ends the local session. The
// conference keeps running for the remaining participants.
func (m *Manager) LeaveGroupCall(ctx context.Context, callID, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if !s.snap.IsGroup {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotGroupCall, callID)
	}
	if s.snap.State.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallTerminal, callID)
	}
	groupID := s.snap.GroupID
	m.mu.Unlock()

	payload := &models.GroupCallLeavePayload{Reason: reason}
	if _, err := m.deps.Signals.SendGroupSignal(ctx, models.SignalGroupCallLeave, payload, groupID, callID); err != nil {
		m.emitError(fmt.Errorf("failed to send leave: %w", err))
	}
	m.terminate(ctx, callID, models.CallEnded, reason, false)
	return nil
}

// InviteToConference asks one user into an ongoing conference over a direct
// signal, reaching users who do not follow the group's signals.
func (m *Manager) InviteToConference(ctx context.Context, callID, targetUserID string) error {
	if targetUserID == m.userID {
		return fmt.Errorf("%w: %s", ErrLocalTarget, targetUserID)
	}
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if !s.snap.IsGroup {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotGroupCall, callID)
	}
	if s.snap.State.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallTerminal, callID)
	}
	callType := s.snap.CallType
	groupID := s.snap.GroupID
	m.mu.Unlock()

	payload := &models.ConferenceInvitePayload{CallType: callType, GroupID: groupID, FromName: m.userName}
	if _, err := m.deps.Signals.SendPrivateSignal(ctx, models.SignalConferenceInvite, payload, targetUserID, callID); err != nil {
		return fmt.Errorf("failed to send invite: %w", err)
	}
	return nil
}

// MuteParticipant force-mutes a non-local participant. Requires manage
// capability; only meaningful in group calls.
func (m *Manager) MuteParticipant(ctx context.Context, callID, targetUserID string) error {
	return m.rosterAction(ctx, callID, targetUserID, func(p *models.Participant, ctl *models.RosterControl, soleHost bool) error {
		p.IsMutedByHost = true
		p.MediaState.MicMuted = true
		p.MediaState.AudioEnabled = false
		ctl.Muted = true
		return nil
	}, models.DataMuteParticipant)
}

// SetParticipantRole changes a non-local participant's role. Demoting the
// only host of the conference is rejected; a conference always has a host.
func (m *Manager) SetParticipantRole(ctx context.Context, callID, targetUserID string, role models.ParticipantRole) error {
	return m.rosterAction(ctx, callID, targetUserID, func(p *models.Participant, ctl *models.RosterControl, soleHost bool) error {
		if soleHost && p.Role == models.RoleHost && role != models.RoleHost {
			return ErrSoleHost
		}
		p.Role = role
		ctl.Role = role
		return nil
	}, models.DataRoleChange)
}

// RemoveParticipant drops a non-local participant from the conference.
func (m *Manager) RemoveParticipant(ctx context.Context, callID, targetUserID, reason string) error {
	return m.rosterAction(ctx, callID, targetUserID, func(p *models.Participant, ctl *models.RosterControl, soleHost bool) error {
		if soleHost && p.Role == models.RoleHost {
			return ErrSoleHost
		}
		ctl.Reason = reason
		return nil
	}, models.DataRemoveParticipant)
}

// rosterAction is the common path of the three conference-management
// operations: capability check, group and non-local target validation,
// versioned roster mutation, then the control message to the peers. The
// capability check and target validation happen before any mutation.
func (m *Manager) rosterAction(ctx context.Context, callID, targetUserID string, fn func(p *models.Participant, ctl *models.RosterControl, soleHost bool) error, kind models.DataKind) error {
	if !m.deps.Permissions.HasPermission(CapManage) {
		err := fmt.Errorf("%w: %s", ErrPermissionDenied, CapManage)
		m.emitError(err)
		return err
	}

	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if !s.snap.IsGroup {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotGroupCall, callID)
	}
	if s.snap.State.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallTerminal, callID)
	}
	target, ok := s.snap.Participants[targetUserID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, targetUserID)
	}
	if target.IsLocal {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLocalTarget, targetUserID)
	}
	soleHost := countHosts(s.snap.Participants) == 1

	ctl := models.RosterControl{TargetUser: targetUserID}
	if err := fn(&target, &ctl, soleHost); err != nil {
		m.mu.Unlock()
		return err
	}
	s.snap.RosterVersion++
	ctl.Version = s.snap.RosterVersion
	if kind == models.DataRemoveParticipant {
		delete(s.snap.Participants, targetUserID)
	} else {
		s.snap.Participants[targetUserID] = target
	}
	media := s.media
	onLeft := m.listeners.OnParticipantLeft
	m.mu.Unlock()

	if kind == models.DataRemoveParticipant && onLeft != nil {
		onLeft(callID, targetUserID, ctl.Reason)
	}

	if media == nil {
		return fmt.Errorf("%w: %s", ErrNoMediaSession, callID)
	}
	msg := models.DataMessage{Kind: kind, From: m.userID, Control: &ctl}
	if err := media.SendData(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", kind, err)
	}
	return nil
}

// --- group signal handlers ---

func (m *Manager) handleGroupCallRequest(msg models.SignalMessage, p *models.GroupCallRequestPayload) {
	m.registerIncomingConference(msg.CallID, msg.GroupID, p.CallType, msg.FromUser, p.FromName, models.RoleHost)
}

// handleConferenceInvite rings for a direct invite into a running
// conference. The inviter is not necessarily the host, so no role is
// assumed; the real roster arrives once the invitee joins.
func (m *Manager) handleConferenceInvite(msg models.SignalMessage, p *models.ConferenceInvitePayload) {
	m.registerIncomingConference(msg.CallID, p.GroupID, p.CallType, msg.FromUser, p.FromName, models.RoleParticipant)
}

func (m *Manager) registerIncomingConference(callID, groupID string, callType models.CallType, fromUser, fromName string, fromRole models.ParticipantRole) {
	s := &session{
		snap: models.CallSession{
			CallID:    callID,
			CallType:  callType,
			Direction: models.DirectionIncoming,
			State:     models.CallRinging,
			IsGroup:   true,
			GroupID:   groupID,
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
				fromUser: {
					UserID:          fromUser,
					UserName:        fromName,
					Role:            fromRole,
					ConnectionState: models.ConnConnecting,
				},
			},
		},
		peer:    fromUser,
		quality: models.QualityHigh,
	}

	m.mu.Lock()
	if _, exists := m.sessions[callID]; exists {
		m.mu.Unlock()
		return
	}
	m.sessions[callID] = s
	snap := snapshotSession(s)
	onIncoming := m.listeners.OnIncomingCall
	m.mu.Unlock()

	if onIncoming != nil {
		onIncoming(snap)
	}
}

func (m *Manager) handleGroupCallJoin(msg models.SignalMessage, p *models.GroupCallJoinPayload) {
	ctx := context.Background()
	role := p.Role
	if role == "" {
		role = models.RoleParticipant
	}
	joiner := models.Participant{
		UserID:          msg.FromUser,
		UserName:        p.UserName,
		Role:            role,
		ConnectionState: models.ConnConnecting,
	}

	m.mu.Lock()
	s, ok := m.sessions[msg.CallID]
	if !ok || !s.snap.IsGroup || s.snap.State.Terminal() {
		m.mu.Unlock()
		return
	}
	s.snap.Participants[msg.FromUser] = joiner
	s.snap.RosterVersion++
	local := s.snap.Participants[m.userID]
	media := s.media
	state := s.snap.State
	onJoined := m.listeners.OnParticipantJoined
	m.mu.Unlock()

	if onJoined != nil {
		onJoined(msg.CallID, joiner)
	}

	// The first join moves the originating side out of ringing. A ringing
	// session without media belongs to an undecided invitee; someone else's
	// join must not answer the call for them.
	if state == models.CallRinging && media != nil {
		m.transition(msg.CallID, models.CallConnecting)
		m.armConnectTimer(msg.CallID)
	}

	// The host offers to each joiner; joiners never offer, which avoids
	// offer glare in the mesh.
	if local.Role != models.RoleHost || media == nil {
		return
	}
	sdp, err := media.CreateOffer(ctx)
	if err != nil {
		m.emitError(fmt.Errorf("failed to create offer for joiner %s: %w", msg.FromUser, err))
		return
	}
	if _, err := m.deps.Signals.SendPrivateSignal(ctx, models.SignalOffer, &models.OfferPayload{SDP: sdp}, msg.FromUser, msg.CallID); err != nil {
		m.emitError(fmt.Errorf("failed to send offer to joiner %s: %w", msg.FromUser, err))
	}
}

func (m *Manager) handleGroupCallLeave(msg models.SignalMessage, p *models.GroupCallLeavePayload) {
	m.mu.Lock()
	s, ok := m.sessions[msg.CallID]
	if !ok || s.snap.State.Terminal() {
		m.mu.Unlock()
		return
	}
	if _, present := s.snap.Participants[msg.FromUser]; !present {
		m.mu.Unlock()
		return
	}
	delete(s.snap.Participants, msg.FromUser)
	s.snap.RosterVersion++
	remoteLeft := 0
	for _, part := range s.snap.Participants {
		if !part.IsLocal {
			remoteLeft++
		}
	}
	onLeft := m.listeners.OnParticipantLeft
	m.mu.Unlock()

	if onLeft != nil {
		onLeft(msg.CallID, msg.FromUser, p.Reason)
	}
	if remoteLeft == 0 {
		m.terminate(context.Background(), msg.CallID, models.CallEnded, "all participants left", false)
	}
}

// ApplyRosterControl applies a control message received over the data
// channel. Stale versions lose: a control issued against an older roster
// than the local one is dropped, so concurrent moderators converge on the
// last writer.
func (m *Manager) ApplyRosterControl(callID string, kind models.DataKind, ctl models.RosterControl) error {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if ctl.Version <= s.snap.RosterVersion {
		m.mu.Unlock()
		m.log.Debug().Str("call_id", callID).
			Uint64("version", ctl.Version).
			Uint64("current", s.snap.RosterVersion).
			Msg("dropping stale roster control")
		return nil
	}
	target, present := s.snap.Participants[ctl.TargetUser]
	if !present && kind != models.DataRemoveParticipant {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, ctl.TargetUser)
	}

	removedLocal := false
	switch kind {
	case models.DataMuteParticipant:
		target.IsMutedByHost = ctl.Muted
		target.MediaState.MicMuted = ctl.Muted
		target.MediaState.AudioEnabled = !ctl.Muted
		s.snap.Participants[ctl.TargetUser] = target
	case models.DataRoleChange:
		target.Role = ctl.Role
		s.snap.Participants[ctl.TargetUser] = target
	case models.DataRemoveParticipant:
		delete(s.snap.Participants, ctl.TargetUser)
		removedLocal = ctl.TargetUser == m.userID
	default:
		m.mu.Unlock()
		return fmt.Errorf("unexpected roster control kind %q", kind)
	}
	s.snap.RosterVersion = ctl.Version
	onLeft := m.listeners.OnParticipantLeft
	m.mu.Unlock()

	if kind == models.DataRemoveParticipant && onLeft != nil {
		onLeft(callID, ctl.TargetUser, ctl.Reason)
	}
	if removedLocal {
		m.terminate(context.Background(), callID, models.CallEnded, "removed by host", false)
	}
	return nil
}

func countHosts(parts map[string]models.Participant) int {
	n := 0
	for _, p := range parts {
		if p.Role == models.RoleHost {
			n++
		}
	}
	return n
}
