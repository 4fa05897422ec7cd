package call

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/casecall/internal/models"
	"github.com/casecall/internal/transfer"
)

// startConference drives an outgoing group call with one joined remote
// participant to connected.
func (h *managerHarness) startConference(t *testing.T) string {
	t.Helper()
	callID, err := h.m.StartGroupCall(context.Background(), "group-1", models.CallVideo)
	if err != nil {
		t.Fatalf("StartGroupCall failed: %v", err)
	}
	join := models.SignalMessage{ID: "j1", CallID: callID, FromUser: "u2", GroupID: "group-1", SignalType: models.SignalGroupCallJoin}
	h.m.RouterListeners().OnGroupCallJoin(join, &models.GroupCallJoinPayload{UserName: "Riley"})
	h.media.connect()

	s, err := h.m.GetCallSession(callID)
	if err != nil {
		t.Fatalf("GetCallSession failed: %v", err)
	}
	if s.State != models.CallConnected {
		t.Fatalf("expected connected conference, got %s", s.State)
	}
	return callID
}

func TestStartGroupCallAndJoin(t *testing.T) {
	h := newHarness(t, Config{})
	var joined models.Participant
	h.m.SetEventListeners(Listeners{
		OnParticipantJoined: func(id string, p models.Participant) { joined = p },
	})

	callID, err := h.m.StartGroupCall(context.Background(), "group-1", models.CallVideo)
	if err != nil {
		t.Fatalf("StartGroupCall failed: %v", err)
	}
	if reqs := h.signals.signals(models.SignalGroupCallRequest); len(reqs) != 1 || reqs[0].Group != "group-1" {
		t.Errorf("expected one group call request, got %+v", reqs)
	}
	s, _ := h.m.GetCallSession(callID)
	if !s.IsGroup || s.State != models.CallRinging {
		t.Errorf("expected ringing group call, got %+v", s)
	}
	local, _ := s.Local()
	if local.Role != models.RoleHost {
		t.Errorf("originator should be host, got %s", local.Role)
	}

	join := models.SignalMessage{ID: "j1", CallID: callID, FromUser: "u2", GroupID: "group-1", SignalType: models.SignalGroupCallJoin}
	h.m.RouterListeners().OnGroupCallJoin(join, &models.GroupCallJoinPayload{UserName: "Riley"})

	if joined.UserID != "u2" {
		t.Errorf("OnParticipantJoined not delivered, got %+v", joined)
	}
	s, _ = h.m.GetCallSession(callID)
	if s.State != models.CallConnecting {
		t.Errorf("first join should move the call to connecting, got %s", s.State)
	}
	if s.RosterVersion != 1 {
		t.Errorf("roster version %d after one join, want 1", s.RosterVersion)
	}
	// The host offers to the joiner.
	offers := h.signals.signals(models.SignalOffer)
	if len(offers) != 1 || offers[0].Target != "u2" {
		t.Errorf("expected one private offer to the joiner, got %+v", offers)
	}
}

func TestIncomingGroupCallJoinFlow(t *testing.T) {
	h := newHarness(t, Config{})
	req := models.SignalMessage{ID: "g1", CallID: "conf-1", FromUser: "u2", GroupID: "group-1", SignalType: models.SignalGroupCallRequest}
	h.m.RouterListeners().OnGroupCallRequest(req, &models.GroupCallRequestPayload{CallType: models.CallVideo, FromName: "Riley"})

	if err := h.m.JoinGroupCall(context.Background(), "conf-1"); err != nil {
		t.Fatalf("JoinGroupCall failed: %v", err)
	}
	if joins := h.signals.signals(models.SignalGroupCallJoin); len(joins) != 1 || joins[0].Group != "group-1" {
		t.Errorf("expected one join signal to the group, got %+v", joins)
	}
	s, _ := h.m.GetCallSession("conf-1")
	if s.State != models.CallConnecting {
		t.Errorf("expected connecting after join, got %s", s.State)
	}
}

func TestLeaveGroupCall(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.startConference(t)

	if err := h.m.LeaveGroupCall(context.Background(), callID, "stepping out"); err != nil {
		t.Fatalf("LeaveGroupCall failed: %v", err)
	}
	if leaves := h.signals.signals(models.SignalGroupCallLeave); len(leaves) != 1 {
		t.Errorf("expected one leave signal, got %d", len(leaves))
	}
	if _, err := h.m.GetCallSession(callID); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("left conference should be released locally, got %v", err)
	}
}

func TestLastRemoteLeaveEndsConference(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.startConference(t)

	var endedReason string
	h.m.SetEventListeners(Listeners{
		OnCallEnd: func(id, reason string) { endedReason = reason },
	})

	leave := models.SignalMessage{ID: "l1", CallID: callID, FromUser: "u2", GroupID: "group-1", SignalType: models.SignalGroupCallLeave}
	h.m.RouterListeners().OnGroupCallLeave(leave, &models.GroupCallLeavePayload{Reason: "done"})

	if endedReason != "all participants left" {
		t.Errorf("end reason %q, want all participants left", endedReason)
	}
}

func TestInviteToConference(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.startConference(t)

	if err := h.m.InviteToConference(context.Background(), callID, "u3"); err != nil {
		t.Fatalf("InviteToConference failed: %v", err)
	}
	invites := h.signals.signals(models.SignalConferenceInvite)
	if len(invites) != 1 || invites[0].Target != "u3" {
		t.Fatalf("expected one private invite to u3, got %+v", invites)
	}
	payload, ok := invites[0].Payload.(*models.ConferenceInvitePayload)
	if !ok || payload.GroupID != "group-1" {
		t.Errorf("invite must carry the conference group, got %+v", invites[0].Payload)
	}

	if err := h.m.InviteToConference(context.Background(), callID, "u1"); !errors.Is(err, ErrLocalTarget) {
		t.Errorf("self-invite should be rejected, got %v", err)
	}
}

func TestIncomingConferenceInviteRings(t *testing.T) {
	h := newHarness(t, Config{})
	var incoming models.CallSession
	h.m.SetEventListeners(Listeners{
		OnIncomingCall: func(s models.CallSession) { incoming = s },
	})

	inv := models.SignalMessage{ID: "i1", CallID: "conf-9", FromUser: "u2", SignalType: models.SignalConferenceInvite}
	h.m.RouterListeners().OnConferenceInvite(inv, &models.ConferenceInvitePayload{
		CallType: models.CallVideo, GroupID: "group-7", FromName: "Riley",
	})

	if incoming.CallID != "conf-9" || !incoming.IsGroup || incoming.GroupID != "group-7" {
		t.Fatalf("invite did not ring a group session: %+v", incoming)
	}
	if incoming.State != models.CallRinging {
		t.Errorf("invited session state %s, want ringing", incoming.State)
	}

	// The invitee joins through the group named by the invite.
	if err := h.m.JoinGroupCall(context.Background(), "conf-9"); err != nil {
		t.Fatalf("JoinGroupCall failed: %v", err)
	}
	joins := h.signals.signals(models.SignalGroupCallJoin)
	if len(joins) != 1 || joins[0].Group != "group-7" {
		t.Errorf("expected join signal to group-7, got %+v", joins)
	}
}

func TestBystanderJoinKeepsInviteeRinging(t *testing.T) {
	h := newHarness(t, Config{ConnectTimeout: 20 * time.Millisecond})

	req := models.SignalMessage{ID: "g1", CallID: "conf-1", FromUser: "u2", GroupID: "group-1", SignalType: models.SignalGroupCallRequest}
	h.m.RouterListeners().OnGroupCallRequest(req, &models.GroupCallRequestPayload{CallType: models.CallVideo, FromName: "Riley"})

	// Another member joins before the local user decides.
	join := models.SignalMessage{ID: "j1", CallID: "conf-1", FromUser: "u3", GroupID: "group-1", SignalType: models.SignalGroupCallJoin}
	h.m.RouterListeners().OnGroupCallJoin(join, &models.GroupCallJoinPayload{UserName: "Sam"})

	s, err := h.m.GetCallSession("conf-1")
	if err != nil {
		t.Fatalf("GetCallSession failed: %v", err)
	}
	if s.State != models.CallRinging {
		t.Fatalf("someone else's join answered the call: %s", s.State)
	}
	if _, present := s.Participants["u3"]; !present {
		t.Error("joiner missing from the ringing roster")
	}

	// Well past the connect window the session must still be ringing, and
	// nothing may have told the group the conference is over.
	time.Sleep(60 * time.Millisecond)
	s, err = h.m.GetCallSession("conf-1")
	if err != nil {
		t.Fatalf("undecided session was released: %v", err)
	}
	if s.State != models.CallRinging {
		t.Errorf("expected ringing, got %s", s.State)
	}
	if ends := h.signals.signals(models.SignalCallEnd); len(ends) != 0 {
		t.Errorf("undecided invitee broadcast call-end: %+v", ends)
	}
}

func TestBystanderAcceptKeepsInviteeRinging(t *testing.T) {
	h := newHarness(t, Config{})

	req := models.SignalMessage{ID: "g1", CallID: "conf-1", FromUser: "u2", GroupID: "group-1", SignalType: models.SignalGroupCallRequest}
	h.m.RouterListeners().OnGroupCallRequest(req, &models.GroupCallRequestPayload{CallType: models.CallVideo, FromName: "Riley"})

	accept := models.SignalMessage{ID: "a1", CallID: "conf-1", FromUser: "u3", GroupID: "group-1", SignalType: models.SignalCallAccept}
	h.m.RouterListeners().OnCallAccept(accept, &models.CallAcceptPayload{UserName: "Sam"})

	s, err := h.m.GetCallSession("conf-1")
	if err != nil {
		t.Fatalf("GetCallSession failed: %v", err)
	}
	if s.State != models.CallRinging {
		t.Errorf("someone else's accept answered the call: %s", s.State)
	}
	if h.media.offerCount != 0 {
		t.Errorf("accept produced %d offers from a session with no media", h.media.offerCount)
	}
}

func TestRejectIncomingConferenceTargetsOriginator(t *testing.T) {
	h := newHarness(t, Config{})

	req := models.SignalMessage{ID: "g1", CallID: "conf-1", FromUser: "u2", GroupID: "group-1", SignalType: models.SignalGroupCallRequest}
	h.m.RouterListeners().OnGroupCallRequest(req, &models.GroupCallRequestPayload{CallType: models.CallVideo, FromName: "Riley"})

	if err := h.m.RejectCall(context.Background(), "conf-1", "in court"); err != nil {
		t.Fatalf("RejectCall failed: %v", err)
	}
	rejects := h.signals.signals(models.SignalCallReject)
	if len(rejects) != 1 || rejects[0].Target != "u2" {
		t.Fatalf("expected one private reject to the originator, got %+v", rejects)
	}

	inv := models.SignalMessage{ID: "i1", CallID: "conf-9", FromUser: "u4", SignalType: models.SignalConferenceInvite}
	h.m.RouterListeners().OnConferenceInvite(inv, &models.ConferenceInvitePayload{
		CallType: models.CallVideo, GroupID: "group-7", FromName: "Alex",
	})
	if err := h.m.RejectCall(context.Background(), "conf-9", "busy"); err != nil {
		t.Fatalf("RejectCall failed: %v", err)
	}
	rejects = h.signals.signals(models.SignalCallReject)
	if len(rejects) != 2 || rejects[1].Target != "u4" {
		t.Fatalf("expected a private reject to the inviter, got %+v", rejects)
	}
}

func TestMuteParticipantRequiresManage(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.startConference(t)
	h.perms[CapManage] = false

	if err := h.m.MuteParticipant(context.Background(), callID, "u2"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	s, _ := h.m.GetCallSession(callID)
	if s.Participants["u2"].IsMutedByHost {
		t.Error("denied mute must not change the target")
	}
	if s.RosterVersion != 1 {
		t.Errorf("denied mute must not bump roster version, got %d", s.RosterVersion)
	}
}

func TestMuteParticipant(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.startConference(t)

	if err := h.m.MuteParticipant(context.Background(), callID, "u2"); err != nil {
		t.Fatalf("MuteParticipant failed: %v", err)
	}
	s, _ := h.m.GetCallSession(callID)
	target := s.Participants["u2"]
	if !target.IsMutedByHost || !target.MediaState.MicMuted {
		t.Errorf("target not muted: %+v", target)
	}
	if s.RosterVersion != 2 {
		t.Errorf("roster version %d, want 2", s.RosterVersion)
	}

	msgs := h.media.dataMessages()
	if len(msgs) != 1 || msgs[0].Kind != models.DataMuteParticipant {
		t.Fatalf("expected one mute control message, got %+v", msgs)
	}
	if msgs[0].Control.Version != 2 || !msgs[0].Control.Muted {
		t.Errorf("control body %+v, want version 2 muted", msgs[0].Control)
	}
}

func TestRosterActionRejectsLocalTarget(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.startConference(t)

	if err := h.m.MuteParticipant(context.Background(), callID, "u1"); !errors.Is(err, ErrLocalTarget) {
		t.Errorf("expected ErrLocalTarget, got %v", err)
	}
	if err := h.m.SetParticipantRole(context.Background(), callID, "nobody", models.RoleModerator); !errors.Is(err, ErrUnknownParticipant) {
		t.Errorf("expected ErrUnknownParticipant, got %v", err)
	}
}

func TestSetParticipantRoleSoleHostGuard(t *testing.T) {
	h := newHarness(t, Config{})

	// Incoming conference where the remote originator is the only host.
	req := models.SignalMessage{ID: "g1", CallID: "conf-1", FromUser: "u2", GroupID: "group-1", SignalType: models.SignalGroupCallRequest}
	h.m.RouterListeners().OnGroupCallRequest(req, &models.GroupCallRequestPayload{CallType: models.CallVideo})
	if err := h.m.JoinGroupCall(context.Background(), "conf-1"); err != nil {
		t.Fatalf("JoinGroupCall failed: %v", err)
	}
	h.media.connect()

	if err := h.m.SetParticipantRole(context.Background(), "conf-1", "u2", models.RoleParticipant); !errors.Is(err, ErrSoleHost) {
		t.Errorf("expected ErrSoleHost, got %v", err)
	}
	s, _ := h.m.GetCallSession("conf-1")
	if s.Participants["u2"].Role != models.RoleHost {
		t.Error("rejected demotion must not change the role")
	}

	if err := h.m.SetParticipantRole(context.Background(), "conf-1", "u2", models.RoleHost); err != nil {
		t.Errorf("host-to-host change should pass the guard: %v", err)
	}
}

func TestRemoveParticipant(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.startConference(t)

	var leftUser, leftReason string
	h.m.SetEventListeners(Listeners{
		OnParticipantLeft: func(id, userID, reason string) { leftUser, leftReason = userID, reason },
	})

	if err := h.m.RemoveParticipant(context.Background(), callID, "u2", "disruptive"); err != nil {
		t.Fatalf("RemoveParticipant failed: %v", err)
	}
	s, _ := h.m.GetCallSession(callID)
	if _, present := s.Participants["u2"]; present {
		t.Error("removed participant still in roster")
	}
	if leftUser != "u2" || leftReason != "disruptive" {
		t.Errorf("OnParticipantLeft got %q/%q", leftUser, leftReason)
	}
	msgs := h.media.dataMessages()
	if len(msgs) != 1 || msgs[0].Kind != models.DataRemoveParticipant {
		t.Fatalf("expected one remove control message, got %+v", msgs)
	}
}

func TestApplyRosterControlLastWriterWins(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.startConference(t)

	fresh := models.RosterControl{TargetUser: "u2", Role: models.RoleModerator, Version: 5}
	if err := h.m.ApplyRosterControl(callID, models.DataRoleChange, fresh); err != nil {
		t.Fatalf("ApplyRosterControl failed: %v", err)
	}
	s, _ := h.m.GetCallSession(callID)
	if s.Participants["u2"].Role != models.RoleModerator || s.RosterVersion != 5 {
		t.Fatalf("fresh control not applied: role %s version %d", s.Participants["u2"].Role, s.RosterVersion)
	}

	// A concurrent moderator acting on an older roster loses.
	stale := models.RosterControl{TargetUser: "u2", Role: models.RoleObserver, Version: 3}
	if err := h.m.ApplyRosterControl(callID, models.DataRoleChange, stale); err != nil {
		t.Fatalf("stale control should be dropped silently: %v", err)
	}
	s, _ = h.m.GetCallSession(callID)
	if s.Participants["u2"].Role != models.RoleModerator {
		t.Errorf("stale control overwrote a newer role: %s", s.Participants["u2"].Role)
	}
	if s.RosterVersion != 5 {
		t.Errorf("stale control changed the version to %d", s.RosterVersion)
	}
}

func TestRemoteRemovalOfLocalEndsCall(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.startConference(t)

	var endedReason string
	h.m.SetEventListeners(Listeners{
		OnCallEnd: func(id, reason string) { endedReason = reason },
	})

	ctl := models.RosterControl{TargetUser: "u1", Reason: "removed", Version: 9}
	h.m.HandleDataMessage(context.Background(), callID, models.DataMessage{
		Kind: models.DataRemoveParticipant, From: "u2", Control: &ctl,
	})

	if endedReason != "removed by host" {
		t.Errorf("end reason %q, want removed by host", endedReason)
	}
	if _, err := h.m.GetCallSession(callID); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("removed local session should be released, got %v", err)
	}
}

func TestAdjustVideoQuality(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.placeConnected(t)

	var gotLevel models.QualityLevel
	h.m.SetEventListeners(Listeners{
		OnQualityChanged: func(id string, level models.QualityLevel) { gotLevel = level },
	})

	if err := h.m.AdjustVideoQuality(callID, models.QualityLow); err != nil {
		t.Fatalf("AdjustVideoQuality failed: %v", err)
	}
	if gotLevel != models.QualityLow {
		t.Errorf("OnQualityChanged got %s, want low", gotLevel)
	}
	level, err := h.m.VideoQuality(callID)
	if err != nil || level != models.QualityLow {
		t.Errorf("VideoQuality = %s, %v", level, err)
	}

	// Idempotent: same preset again emits nothing new.
	gotLevel = ""
	if err := h.m.AdjustVideoQuality(callID, models.QualityLow); err != nil {
		t.Fatalf("repeat AdjustVideoQuality failed: %v", err)
	}
	if gotLevel != "" {
		t.Errorf("repeated preset emitted a change to %s", gotLevel)
	}

	if err := h.m.AdjustVideoQuality(callID, "ultra"); err == nil {
		t.Error("unknown preset should be rejected")
	}
}

func TestAutoAdjustVideoQuality(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.placeConnected(t)
	h.monitor.level = models.QualityLow

	var mu sync.Mutex
	var gotLevel models.QualityLevel
	h.m.SetEventListeners(Listeners{
		OnQualityChanged: func(id string, level models.QualityLevel) {
			mu.Lock()
			gotLevel = level
			mu.Unlock()
		},
	})

	if err := h.m.AutoAdjustVideoQuality(context.Background(), callID); err != nil {
		t.Fatalf("AutoAdjustVideoQuality failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		level := gotLevel
		mu.Unlock()
		if level == models.QualityLow {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("auto adjustment never applied the sampled level")
}

func TestManualAdjustCancelsPendingAuto(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.placeConnected(t)
	h.monitor.level = models.QualityLow
	h.monitor.block = make(chan struct{})

	if err := h.m.AutoAdjustVideoQuality(context.Background(), callID); err != nil {
		t.Fatalf("AutoAdjustVideoQuality failed: %v", err)
	}
	if err := h.m.AdjustVideoQuality(callID, models.QualityMedium); err != nil {
		t.Fatalf("AdjustVideoQuality failed: %v", err)
	}
	close(h.monitor.block)

	// The cancelled sample must not override the manual preset.
	time.Sleep(50 * time.Millisecond)
	level, err := h.m.VideoQuality(callID)
	if err != nil {
		t.Fatalf("VideoQuality failed: %v", err)
	}
	if level != models.QualityMedium {
		t.Errorf("cancelled auto sample overrode manual preset: %s", level)
	}
}

func TestSendFileOverDataChannel(t *testing.T) {
	sender := newHarness(t, Config{InlineChunkLimit: 64 * 1024})
	callID := sender.placeConnected(t)

	receiver := newHarness(t, Config{})
	data := make([]byte, 5*1024)
	rand.New(rand.NewSource(7)).Read(data)

	var mu sync.Mutex
	var received []byte
	receiver.engine.SetEventListeners(transfer.Listeners{
		OnTransferComplete: func(meta models.FileMetadata, b []byte) {
			mu.Lock()
			received = b
			mu.Unlock()
		},
	})

	meta, err := sender.m.SendFile(context.Background(), callID, "petition.zip", data)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}
	if meta.Status != models.TransferCompleted {
		t.Errorf("sender metadata status %s, want completed", meta.Status)
	}

	for _, msg := range sender.media.dataMessages() {
		receiver.m.HandleDataMessage(context.Background(), "any", msg)
	}

	mu.Lock()
	defer mu.Unlock()
	if !bytes.Equal(received, data) {
		t.Fatal("received bytes differ from original")
	}
}

func TestSendFileSealed(t *testing.T) {
	sender := newHarness(t, Config{InlineChunkLimit: 64 * 1024, SealFiles: true})
	callID := sender.placeConnected(t)
	receiver := newHarness(t, Config{})

	data := make([]byte, 3*1024)
	rand.New(rand.NewSource(11)).Read(data)

	var received []byte
	receiver.engine.SetEventListeners(transfer.Listeners{
		OnTransferComplete: func(meta models.FileMetadata, b []byte) { received = b },
	})

	if _, err := sender.m.SendFile(context.Background(), callID, "sealed.zip", data); err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	sawSealedChunk := false
	for _, msg := range sender.media.dataMessages() {
		if msg.Kind == models.DataFileChunk && msg.Chunk.Sealed {
			sawSealedChunk = true
		}
		receiver.m.HandleDataMessage(context.Background(), "any", msg)
	}
	if !sawSealedChunk {
		t.Error("no sealed chunk observed on the wire")
	}
	if !bytes.Equal(received, data) {
		t.Fatal("decrypted bytes differ from original")
	}
}

func TestSealingEngineSealsSentChunks(t *testing.T) {
	// Sealing requested on the engine alone, not on the call config.
	signals := &fakeSignaler{}
	media := &fakeMedia{}
	engine := transfer.NewEngine(transfer.Config{ChunkSize: 1024, SealChunks: true}, zerolog.Nop())
	m, err := NewManager("u1", "Dana", Config{InlineChunkLimit: 64 * 1024}, Deps{
		Signals:     signals,
		Media:       func(callID string, ct models.CallType) (MediaSession, error) { return media, nil },
		Permissions: allowAll(),
		Monitor:     &fakeMonitor{level: models.QualityMedium},
		Engine:      engine,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	callID, err := m.PlaceCall(context.Background(), "u2", models.CallVideo)
	if err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}
	accept := models.SignalMessage{ID: "s1", CallID: callID, FromUser: "u2", SignalType: models.SignalCallAccept}
	m.RouterListeners().OnCallAccept(accept, &models.CallAcceptPayload{UserName: "Riley"})
	media.connect()

	data := make([]byte, 3*1024)
	rand.New(rand.NewSource(13)).Read(data)
	if _, err := m.SendFile(context.Background(), callID, "sealed.zip", data); err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	receiver := newHarness(t, Config{})
	var received []byte
	receiver.engine.SetEventListeners(transfer.Listeners{
		OnTransferComplete: func(meta models.FileMetadata, b []byte) { received = b },
	})

	sawKey, sawSealedChunk := false, false
	for _, msg := range media.dataMessages() {
		switch {
		case msg.Kind == models.DataFileOffer && len(msg.SealKey) > 0:
			sawKey = true
		case msg.Kind == models.DataFileChunk && msg.Chunk.Sealed:
			sawSealedChunk = true
		}
		receiver.m.HandleDataMessage(context.Background(), "any", msg)
	}
	if !sawKey {
		t.Error("offer carried no sealing key")
	}
	if !sawSealedChunk {
		t.Error("no sealed chunk observed on the wire")
	}
	if !bytes.Equal(received, data) {
		t.Fatal("decrypted bytes differ from original")
	}
}

func TestSendFileRequiresConnectedCall(t *testing.T) {
	h := newHarness(t, Config{})
	callID, err := h.m.PlaceCall(context.Background(), "u2", models.CallAudio)
	if err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}
	if _, err := h.m.SendFile(context.Background(), callID, "notes.txt", []byte("notes")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}
