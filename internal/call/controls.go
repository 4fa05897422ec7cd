package call

import (
	"context"
	"fmt"

	"github.com/casecall/internal/models"
)

// ToggleMute flips the local microphone. Requires the mute capability.
func (m *Manager) ToggleMute(ctx context.Context, callID string) error {
	return m.mutateLocalMedia(ctx, callID, CapMute, func(ms *models.MediaState, s *session) {
		ms.MicMuted = !ms.MicMuted
		ms.AudioEnabled = !ms.MicMuted
	})
}

// ToggleCamera flips the local camera. Requires the camera capability.
func (m *Manager) ToggleCamera(ctx context.Context, callID string) error {
	return m.mutateLocalMedia(ctx, callID, CapCamera, func(ms *models.MediaState, s *session) {
		ms.CameraOff = !ms.CameraOff
		ms.VideoEnabled = !ms.CameraOff
	})
}

// SwitchCamera toggles between the front and rear capture device. Requires
// the camera capability.
func (m *Manager) SwitchCamera(ctx context.Context, callID string) error {
	return m.mutateLocalMedia(ctx, callID, CapCamera, func(ms *models.MediaState, s *session) {
		s.frontCamera = !s.frontCamera
	})
}

// StartScreenShare begins presenting the local screen. Requires the
// screen-share capability.
func (m *Manager) StartScreenShare(ctx context.Context, callID string) error {
	return m.mutateLocalMedia(ctx, callID, CapScreenShare, func(ms *models.MediaState, s *session) {
		ms.ScreenSharing = true
	})
}

// StopScreenShare stops presenting. Requires the screen-share capability.
func (m *Manager) StopScreenShare(ctx context.Context, callID string) error {
	return m.mutateLocalMedia(ctx, callID, CapScreenShare, func(ms *models.MediaState, s *session) {
		ms.ScreenSharing = false
	})
}

// mutateLocalMedia runs the capability check, applies the mutation to the
// local participant and kicks off renegotiation. The check happens before
// any state changes; a missing capability aborts with ErrPermissionDenied.
func (m *Manager) mutateLocalMedia(ctx context.Context, callID, capability string, fn func(*models.MediaState, *session)) error {
	if !m.deps.Permissions.HasPermission(capability) {
		err := fmt.Errorf("%w: %s", ErrPermissionDenied, capability)
		m.emitError(err)
		return err
	}

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
	local, ok := s.snap.Participants[m.userID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: local participant missing", ErrUnknownParticipant)
	}
	fn(&local.MediaState, s)
	local.IsPresenting = local.MediaState.ScreenSharing
	s.snap.Participants[m.userID] = local
	media := s.media
	peer := s.peer
	isGroup := s.snap.IsGroup
	groupID := s.snap.GroupID
	m.mu.Unlock()

	return m.renegotiate(ctx, callID, media, peer, isGroup, groupID)
}

// renegotiate issues a fresh offer so peers pick up the changed media
// directions. Connected calls without a media session (not yet negotiated)
// skip silently; the initial offer will carry the current state.
func (m *Manager) renegotiate(ctx context.Context, callID string, media MediaSession, peer string, isGroup bool, groupID string) error {
	if media == nil {
		return nil
	}
	sdp, err := media.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create renegotiation offer: %w", err)
	}
	payload := &models.OfferPayload{SDP: sdp}
	if isGroup {
		_, err = m.deps.Signals.SendGroupSignal(ctx, models.SignalOffer, payload, groupID, callID)
	} else {
		_, err = m.deps.Signals.SendPrivateSignal(ctx, models.SignalOffer, payload, peer, callID)
	}
	if err != nil {
		return fmt.Errorf("failed to send renegotiation offer: %w", err)
	}
	return nil
}

// AdjustVideoQuality sets an explicit preset. Any in-flight automatic
// adjustment is cancelled; manual and automatic adjustment never race.
func (m *Manager) AdjustVideoQuality(callID string, level models.QualityLevel) error {
	switch level {
	case models.QualityLow, models.QualityMedium, models.QualityHigh:
	default:
		return fmt.Errorf("unknown quality level %q", level)
	}

	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if s.qualityCancel != nil {
		s.qualityCancel()
		s.qualityCancel = nil
	}
	changed := s.quality != level
	s.quality = level
	onQuality := m.listeners.OnQualityChanged
	m.mu.Unlock()

	if changed && onQuality != nil {
		onQuality(callID, level)
	}
	return nil
}

// AutoAdjustVideoQuality samples the network monitor asynchronously and
// applies its verdict. A newer adjustment of either kind cancels the
// in-flight sample; a cancelled sample discards its result.
func (m *Manager) AutoAdjustVideoQuality(ctx context.Context, callID string) error {
	if m.deps.Monitor == nil {
		return fmt.Errorf("no network monitor configured")
	}

	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if s.qualityCancel != nil {
		s.qualityCancel()
	}
	sampleCtx, cancel := context.WithCancel(ctx)
	s.qualityCancel = cancel
	m.mu.Unlock()

	go func() {
		level, err := m.deps.Monitor.Sample(sampleCtx)
		if err != nil {
			if sampleCtx.Err() == nil {
				m.emitError(fmt.Errorf("network sample failed for call %s: %w", callID, err))
			}
			return
		}
		if sampleCtx.Err() != nil {
			return
		}

		m.mu.Lock()
		s, ok := m.sessions[callID]
		if !ok || s.snap.State.Terminal() {
			m.mu.Unlock()
			return
		}
		changed := s.quality != level
		s.quality = level
		onQuality := m.listeners.OnQualityChanged
		m.mu.Unlock()

		if changed && onQuality != nil {
			onQuality(callID, level)
		}
	}()
	return nil
}

// VideoQuality reports the current preset of a call.
func (m *Manager) VideoQuality(callID string) (models.QualityLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	return s.quality, nil
}
