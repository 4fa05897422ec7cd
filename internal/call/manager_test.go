package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/casecall/internal/models"
	"github.com/casecall/internal/transfer"
)

type sentSignal struct {
	Type    models.SignalType
	Payload models.SignalPayload
	Target  string
	Group   string
	CallID  string
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
	fail bool
}

func (f *fakeSignaler) SendPrivateSignal(ctx context.Context, t models.SignalType, p models.SignalPayload, target, callID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("signal write failed")
	}
	f.sent = append(f.sent, sentSignal{Type: t, Payload: p, Target: target, CallID: callID})
	return "sig-id", nil
}

func (f *fakeSignaler) SendGroupSignal(ctx context.Context, t models.SignalType, p models.SignalPayload, group, callID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("signal write failed")
	}
	f.sent = append(f.sent, sentSignal{Type: t, Payload: p, Group: group, CallID: callID})
	return "sig-id", nil
}

func (f *fakeSignaler) signals(t models.SignalType) []sentSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentSignal
	for _, s := range f.sent {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}

type fakeMedia struct {
	mu          sync.Mutex
	onConnected func()
	sent        []models.DataMessage
	offerCount  int
	closed      bool
}

func (f *fakeMedia) CreateOffer(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerCount++
	return "offer-sdp", nil
}

func (f *fakeMedia) HandleOffer(ctx context.Context, sdp string) (string, error) {
	return "answer-sdp", nil
}

func (f *fakeMedia) HandleAnswer(ctx context.Context, sdp string) error { return nil }

func (f *fakeMedia) AddICECandidate(ctx context.Context, c models.ICECandidatePayload) error {
	return nil
}

func (f *fakeMedia) SendData(ctx context.Context, msg models.DataMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMedia) OnConnected(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnected = fn
}

func (f *fakeMedia) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeMedia) connect() {
	f.mu.Lock()
	fn := f.onConnected
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeMedia) dataMessages() []models.DataMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.DataMessage(nil), f.sent...)
}

type permSet map[string]bool

func (p permSet) HasPermission(action string) bool { return p[action] }

func allowAll() permSet {
	return permSet{CapMute: true, CapCamera: true, CapScreenShare: true, CapManage: true}
}

type fakeMonitor struct {
	level models.QualityLevel
	// block, when non-nil, holds Sample until closed or the context dies.
	block chan struct{}
}

func (f *fakeMonitor) Sample(ctx context.Context) (models.QualityLevel, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.level, nil
}

type managerHarness struct {
	m       *Manager
	signals *fakeSignaler
	media   *fakeMedia
	perms   permSet
	monitor *fakeMonitor
	engine  *transfer.Engine
}

func newHarness(t *testing.T, cfg Config) *managerHarness {
	t.Helper()
	h := &managerHarness{
		signals: &fakeSignaler{},
		media:   &fakeMedia{},
		perms:   allowAll(),
		monitor: &fakeMonitor{level: models.QualityMedium},
		engine:  transfer.NewEngine(transfer.Config{ChunkSize: 1024}, zerolog.Nop()),
	}
	m, err := NewManager("u1", "Dana", cfg, Deps{
		Signals:     h.signals,
		Media:       func(callID string, ct models.CallType) (MediaSession, error) { return h.media, nil },
		Permissions: h.perms,
		Monitor:     h.monitor,
		Engine:      h.engine,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	h.m = m
	return h
}

// placeConnected drives an outgoing call to connected and returns its id.
func (h *managerHarness) placeConnected(t *testing.T) string {
	t.Helper()
	callID, err := h.m.PlaceCall(context.Background(), "u2", models.CallVideo)
	if err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}
	accept := models.SignalMessage{ID: "s1", CallID: callID, FromUser: "u2", SignalType: models.SignalCallAccept}
	h.m.RouterListeners().OnCallAccept(accept, &models.CallAcceptPayload{UserName: "Riley"})
	h.media.connect()

	s, err := h.m.GetCallSession(callID)
	if err != nil {
		t.Fatalf("GetCallSession failed: %v", err)
	}
	if s.State != models.CallConnected {
		t.Fatalf("expected connected, got %s", s.State)
	}
	return callID
}

func TestPlaceCallProgressesToConnected(t *testing.T) {
	h := newHarness(t, Config{})
	var states []models.CallState
	var mu sync.Mutex
	h.m.SetEventListeners(Listeners{
		OnCallStateChanged: func(id string, st models.CallState) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		},
	})

	callID, err := h.m.PlaceCall(context.Background(), "u2", models.CallVideo)
	if err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}
	s, err := h.m.GetCallSession(callID)
	if err != nil {
		t.Fatalf("GetCallSession failed: %v", err)
	}
	if s.State != models.CallRinging {
		t.Errorf("expected ringing after placing, got %s", s.State)
	}
	if reqs := h.signals.signals(models.SignalCallRequest); len(reqs) != 1 || reqs[0].Target != "u2" {
		t.Errorf("expected one call request to u2, got %+v", reqs)
	}

	accept := models.SignalMessage{ID: "s1", CallID: callID, FromUser: "u2", SignalType: models.SignalCallAccept}
	h.m.RouterListeners().OnCallAccept(accept, &models.CallAcceptPayload{UserName: "Riley"})
	if offers := h.signals.signals(models.SignalOffer); len(offers) != 1 {
		t.Errorf("expected one offer after accept, got %d", len(offers))
	}

	h.media.connect()
	s, _ = h.m.GetCallSession(callID)
	if s.State != models.CallConnected {
		t.Errorf("expected connected, got %s", s.State)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []models.CallState{models.CallRinging, models.CallConnecting, models.CallConnected}
	if len(states) != len(want) {
		t.Fatalf("state sequence %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestIncomingCallAcceptFlow(t *testing.T) {
	h := newHarness(t, Config{})
	var incoming models.CallSession
	h.m.SetEventListeners(Listeners{
		OnIncomingCall: func(s models.CallSession) { incoming = s },
	})

	req := models.SignalMessage{ID: "s1", CallID: "call-1", FromUser: "u2", SignalType: models.SignalCallRequest}
	h.m.RouterListeners().OnCallRequest(req, &models.CallRequestPayload{CallType: models.CallAudio, FromName: "Riley"})

	if incoming.CallID != "call-1" {
		t.Fatalf("OnIncomingCall not delivered, got %+v", incoming)
	}
	if incoming.State != models.CallRinging || incoming.Direction != models.DirectionIncoming {
		t.Errorf("incoming snapshot %s/%s, want ringing/incoming", incoming.State, incoming.Direction)
	}

	if err := h.m.AcceptCall(context.Background(), "call-1"); err != nil {
		t.Fatalf("AcceptCall failed: %v", err)
	}
	if accepts := h.signals.signals(models.SignalCallAccept); len(accepts) != 1 || accepts[0].Target != "u2" {
		t.Errorf("expected one accept to u2, got %+v", accepts)
	}

	offer := models.SignalMessage{ID: "s2", CallID: "call-1", FromUser: "u2", SignalType: models.SignalOffer}
	h.m.RouterListeners().OnOfferReceived(offer, &models.OfferPayload{SDP: "offer-sdp"})
	if answers := h.signals.signals(models.SignalAnswer); len(answers) != 1 {
		t.Errorf("expected one answer, got %d", len(answers))
	}

	h.media.connect()
	s, err := h.m.GetCallSession("call-1")
	if err != nil {
		t.Fatalf("GetCallSession failed: %v", err)
	}
	if s.State != models.CallConnected {
		t.Errorf("expected connected, got %s", s.State)
	}
}

func TestAcceptRequiresIncomingRinging(t *testing.T) {
	h := newHarness(t, Config{})
	callID, err := h.m.PlaceCall(context.Background(), "u2", models.CallAudio)
	if err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}
	if err := h.m.AcceptCall(context.Background(), callID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("accepting an outgoing call should fail, got %v", err)
	}
	if err := h.m.AcceptCall(context.Background(), "missing"); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("expected ErrUnknownCall, got %v", err)
	}
}

func TestRejectCall(t *testing.T) {
	h := newHarness(t, Config{})
	var endedReason string
	h.m.SetEventListeners(Listeners{
		OnCallEnd: func(id, reason string) { endedReason = reason },
	})

	req := models.SignalMessage{ID: "s1", CallID: "call-1", FromUser: "u2", SignalType: models.SignalCallRequest}
	h.m.RouterListeners().OnCallRequest(req, &models.CallRequestPayload{CallType: models.CallAudio})

	if err := h.m.RejectCall(context.Background(), "call-1", "busy"); err != nil {
		t.Fatalf("RejectCall failed: %v", err)
	}
	if rejects := h.signals.signals(models.SignalCallReject); len(rejects) != 1 {
		t.Errorf("expected one reject signal, got %d", len(rejects))
	}
	if endedReason != "busy" {
		t.Errorf("OnCallEnd reason %q, want busy", endedReason)
	}
	if _, err := h.m.GetCallSession("call-1"); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("rejected call should be released, got %v", err)
	}
}

func TestEndCallSingleExitPath(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.placeConnected(t)

	var endCalls int
	h.m.SetEventListeners(Listeners{
		OnCallEnd: func(id, reason string) { endCalls++ },
	})

	if err := h.m.EndCall(context.Background(), callID, "done"); err != nil {
		t.Fatalf("EndCall failed: %v", err)
	}
	ends := h.signals.signals(models.SignalCallEnd)
	if len(ends) != 1 || ends[0].Target != "u2" {
		t.Errorf("expected one call-end signal to u2, got %+v", ends)
	}
	if !h.media.closed {
		t.Error("media session not released on end")
	}
	if endCalls != 1 {
		t.Errorf("OnCallEnd fired %d times, want 1", endCalls)
	}
	if err := h.m.EndCall(context.Background(), callID, "again"); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("ending twice should report unknown call, got %v", err)
	}
}

func TestRemoteCallEndTerminatesSymmetrically(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.placeConnected(t)

	var endedReason string
	h.m.SetEventListeners(Listeners{
		OnCallEnd: func(id, reason string) { endedReason = reason },
	})

	end := models.SignalMessage{ID: "s9", CallID: callID, FromUser: "u2", SignalType: models.SignalCallEnd}
	h.m.RouterListeners().OnCallEnd(end, &models.CallEndPayload{Reason: "peer hung up"})

	if endedReason != "peer hung up" {
		t.Errorf("OnCallEnd reason %q, want peer hung up", endedReason)
	}
	// No outgoing call-end signal: the remote already knows.
	if ends := h.signals.signals(models.SignalCallEnd); len(ends) != 0 {
		t.Errorf("remote end must not echo a call-end signal, got %d", len(ends))
	}
	if !h.media.closed {
		t.Error("media session not released on remote end")
	}
}

func TestRingTimeoutFailsCall(t *testing.T) {
	h := newHarness(t, Config{RingTimeout: 20 * time.Millisecond})
	var mu sync.Mutex
	var endedReason string
	h.m.SetEventListeners(Listeners{
		OnCallEnd: func(id, reason string) {
			mu.Lock()
			endedReason = reason
			mu.Unlock()
		},
	})

	callID, err := h.m.PlaceCall(context.Background(), "u2", models.CallAudio)
	if err != nil {
		t.Fatalf("PlaceCall failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		reason := endedReason
		mu.Unlock()
		if reason != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if endedReason != "ring timeout" {
		t.Errorf("end reason %q, want ring timeout", endedReason)
	}
	if _, err := h.m.GetCallSession(callID); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("timed-out call should be released, got %v", err)
	}
}

func TestMediaControlsRequireCapability(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.placeConnected(t)
	h.perms[CapMute] = false

	var handlerErr error
	h.m.SetEventListeners(Listeners{
		OnError: func(err error) { handlerErr = err },
	})

	if err := h.m.ToggleMute(context.Background(), callID); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if !errors.Is(handlerErr, ErrPermissionDenied) {
		t.Errorf("permission failure not surfaced via OnError, got %v", handlerErr)
	}
	s, _ := h.m.GetCallSession(callID)
	local, _ := s.Local()
	if local.MediaState.MicMuted {
		t.Error("denied mute must not change media state")
	}
}

func TestToggleMuteMutatesAndRenegotiates(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.placeConnected(t)
	offersBefore := len(h.signals.signals(models.SignalOffer))

	if err := h.m.ToggleMute(context.Background(), callID); err != nil {
		t.Fatalf("ToggleMute failed: %v", err)
	}
	s, _ := h.m.GetCallSession(callID)
	local, _ := s.Local()
	if !local.MediaState.MicMuted || local.MediaState.AudioEnabled {
		t.Errorf("expected muted state, got %+v", local.MediaState)
	}
	if got := len(h.signals.signals(models.SignalOffer)); got != offersBefore+1 {
		t.Errorf("expected a renegotiation offer, offers went %d -> %d", offersBefore, got)
	}

	if err := h.m.ToggleMute(context.Background(), callID); err != nil {
		t.Fatalf("second ToggleMute failed: %v", err)
	}
	s, _ = h.m.GetCallSession(callID)
	local, _ = s.Local()
	if local.MediaState.MicMuted {
		t.Error("second toggle should unmute")
	}
}

func TestScreenShareToggles(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.placeConnected(t)

	if err := h.m.StartScreenShare(context.Background(), callID); err != nil {
		t.Fatalf("StartScreenShare failed: %v", err)
	}
	s, _ := h.m.GetCallSession(callID)
	local, _ := s.Local()
	if !local.MediaState.ScreenSharing || !local.IsPresenting {
		t.Errorf("expected presenting state, got %+v", local)
	}

	if err := h.m.StopScreenShare(context.Background(), callID); err != nil {
		t.Fatalf("StopScreenShare failed: %v", err)
	}
	s, _ = h.m.GetCallSession(callID)
	local, _ = s.Local()
	if local.MediaState.ScreenSharing || local.IsPresenting {
		t.Errorf("expected presentation stopped, got %+v", local)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	h := newHarness(t, Config{})
	callID := h.placeConnected(t)

	s, err := h.m.GetCallSession(callID)
	if err != nil {
		t.Fatalf("GetCallSession failed: %v", err)
	}
	p := s.Participants["u1"]
	p.Role = models.RoleObserver
	s.Participants["u1"] = p

	fresh, _ := h.m.GetCallSession(callID)
	if fresh.Participants["u1"].Role == models.RoleObserver {
		t.Error("mutating a snapshot leaked into manager state")
	}
}
