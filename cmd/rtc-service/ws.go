package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/casecall/internal/call"
	"github.com/casecall/internal/middleware"
	"github.com/casecall/internal/models"
	"github.com/casecall/internal/signaling"
	"github.com/casecall/internal/transfer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage is the envelope of the browser bridge. ID correlates replies to
// media requests the server sends the browser.
type WSMessage struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

const mediaReplyTimeout = 15 * time.Second

// clientSession is the per-connection bundle: one router, one call manager
// and one transfer engine per signed-in browser tab.
type clientSession struct {
	userID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
	log     zerolog.Logger

	router  *signaling.Router
	manager *call.Manager
	engine  *transfer.Engine

	mu      sync.Mutex
	pending map[string]chan json.RawMessage
	media   map[string]*wsMediaSession
}

func (s *clientSession) send(msgType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("type", msgType).Msg("failed to encode ws event")
		return
	}
	s.write(WSMessage{Type: msgType, Payload: data, Timestamp: time.Now().Unix()})
}

func (s *clientSession) write(msg WSMessage) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		s.log.Warn().Err(err).Msg("ws write failed")
	}
}

func (s *clientSession) sendError(message string) {
	s.send("error", map[string]string{"message": message})
}

// request sends a correlated message to the browser and waits for its reply.
func (s *clientSession) request(ctx context.Context, msgType string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	ch := make(chan json.RawMessage, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	s.write(WSMessage{Type: msgType, ID: id, Payload: data, Timestamp: time.Now().Unix()})

	timer := time.NewTimer(mediaReplyTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("browser did not reply to %s", msgType)
	}
}

func (s *clientSession) resolve(id string, payload json.RawMessage) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	s.mu.Unlock()
	if ok {
		ch <- payload
	}
}

// wsMediaSession proxies the media-session seam to the browser, where the
// actual peer connection lives. Negotiation requests go out as correlated
// messages; the browser replies with the resulting SDP.
type wsMediaSession struct {
	sess   *clientSession
	callID string

	mu          sync.Mutex
	onConnected func()
}

type mediaRequest struct {
	CallID    string                      `json:"call_id"`
	SDP       string                      `json:"sdp,omitempty"`
	Candidate *models.ICECandidatePayload `json:"candidate,omitempty"`
	Data      *models.DataMessage         `json:"data,omitempty"`
}

type sdpReply struct {
	SDP string `json:"sdp"`
}

func (m *wsMediaSession) CreateOffer(ctx context.Context) (string, error) {
	reply, err := m.sess.request(ctx, "media_create_offer", mediaRequest{CallID: m.callID})
	if err != nil {
		return "", err
	}
	var out sdpReply
	if err := json.Unmarshal(reply, &out); err != nil {
		return "", fmt.Errorf("invalid offer reply: %w", err)
	}
	return out.SDP, nil
}

func (m *wsMediaSession) HandleOffer(ctx context.Context, sdp string) (string, error) {
	reply, err := m.sess.request(ctx, "media_handle_offer", mediaRequest{CallID: m.callID, SDP: sdp})
	if err != nil {
		return "", err
	}
	var out sdpReply
	if err := json.Unmarshal(reply, &out); err != nil {
		return "", fmt.Errorf("invalid answer reply: %w", err)
	}
	return out.SDP, nil
}

func (m *wsMediaSession) HandleAnswer(ctx context.Context, sdp string) error {
	_, err := m.sess.request(ctx, "media_handle_answer", mediaRequest{CallID: m.callID, SDP: sdp})
	return err
}

func (m *wsMediaSession) AddICECandidate(ctx context.Context, cand models.ICECandidatePayload) error {
	_, err := m.sess.request(ctx, "media_add_candidate", mediaRequest{CallID: m.callID, Candidate: &cand})
	return err
}

func (m *wsMediaSession) SendData(ctx context.Context, msg models.DataMessage) error {
	_, err := m.sess.request(ctx, "media_send_data", mediaRequest{CallID: m.callID, Data: &msg})
	return err
}

func (m *wsMediaSession) OnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

func (m *wsMediaSession) connected() {
	m.mu.Lock()
	fn := m.onConnected
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *wsMediaSession) Close() error {
	m.sess.send("media_close", mediaRequest{CallID: m.callID})
	m.sess.mu.Lock()
	delete(m.sess.media, m.callID)
	m.sess.mu.Unlock()
	return nil
}

// HandleWS is the bridge endpoint: it builds the per-user router and call
// manager, forwards their events to the browser and executes browser
// commands against them.
func (svc *Service) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	userName := middleware.GetUserName(r.Context())
	perms := middleware.GetPermissions(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		svc.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := &clientSession{
		userID:  userID,
		conn:    conn,
		log:     svc.log.With().Str("user_id", userID).Logger(),
		pending: make(map[string]chan json.RawMessage),
		media:   make(map[string]*wsMediaSession),
	}

	sess.engine = transfer.NewEngine(transfer.Config{
		ChunkSize:    svc.cfg.Transfer.ChunkSize,
		MaxFileSize:  svc.cfg.Transfer.MaxFileSize,
		Workers:      svc.cfg.Transfer.Workers,
		CleanupDelay: svc.cfg.Transfer.CleanupDelay,
		SealChunks:   svc.cfg.Transfer.SealChunks,
	}, sess.log)

	sess.router = signaling.NewRouter(svc.store, svc.cfg.Signaling, sess.log)

	mediaFactory := func(callID string, callType models.CallType) (call.MediaSession, error) {
		m := &wsMediaSession{sess: sess, callID: callID}
		sess.mu.Lock()
		sess.media[callID] = m
		sess.mu.Unlock()
		return m, nil
	}

	manager, err := call.NewManager(userID, userName, call.Config{
		RingTimeout:      svc.cfg.Call.RingTimeout,
		ConnectTimeout:   svc.cfg.Call.ConnectTimeout,
		InlineChunkLimit: svc.cfg.Transfer.InlineChunkLimit,
		SealFiles:        svc.cfg.Transfer.SealChunks,
	}, call.Deps{
		Signals:     sess.router,
		Media:       mediaFactory,
		Permissions: perms,
		Engine:      sess.engine,
		Blobs:       svc.blobs,
		Archive:     svc.archive,
	}, sess.log)
	if err != nil {
		sess.sendError(err.Error())
		conn.Close()
		return
	}
	sess.manager = manager

	svc.wireListeners(sess)

	groups := parseGroups(r.URL.Query().Get("groups"))
	if err := sess.router.Initialize(r.Context(), userID, groups); err != nil {
		svc.log.Error().Err(err).Str("user_id", userID).Msg("router initialization failed")
		sess.sendError("signaling initialization failed")
		conn.Close()
		return
	}

	svc.sessions.Store(userID, sess)
	sess.log.Info().Msg("websocket connected")
	sess.send("connected", map[string]string{"user_id": userID})

	defer func() {
		svc.sessions.Delete(userID)
		if err := sess.router.Destroy(); err != nil {
			sess.log.Warn().Err(err).Msg("router teardown failed")
		}
		conn.Close()
		sess.log.Info().Msg("websocket disconnected")
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sess.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			sess.sendError("invalid message format")
			continue
		}
		svc.handleWSMessage(r.Context(), sess, msg)
	}
}

// wireListeners forwards router, engine and manager events to the browser.
func (svc *Service) wireListeners(sess *clientSession) {
	sess.router.SetEventListeners(sess.manager.RouterListeners())
	sess.router.SetEventListeners(signaling.Listeners{
		OnError: func(err error) {
			sess.send("signal_error", map[string]string{"message": err.Error()})
		},
	})

	sess.engine.SetEventListeners(transfer.Listeners{
		OnTransferProgress: func(p models.TransferProgress) {
			sess.send("transfer_progress", p)
		},
		OnTransferComplete: func(meta models.FileMetadata, data []byte) {
			// The payload stays server-side; the browser fetches it from the
			// blobstore-backed download endpoint.
			sess.send("transfer_complete", meta)
		},
		OnTransferError: func(transferID string, err error) {
			sess.send("transfer_error", map[string]string{
				"transfer_id": transferID,
				"message":     err.Error(),
			})
		},
	})

	sess.manager.SetEventListeners(call.Listeners{
		OnIncomingCall: func(s models.CallSession) {
			sess.send("incoming_call", s)
		},
		OnCallStateChanged: func(callID string, state models.CallState) {
			sess.send("call_state", map[string]string{"call_id": callID, "state": string(state)})
		},
		OnCallEnd: func(callID, reason string) {
			sess.send("call_end", map[string]string{"call_id": callID, "reason": reason})
		},
		OnParticipantJoined: func(callID string, p models.Participant) {
			sess.send("participant_joined", map[string]any{"call_id": callID, "participant": p})
		},
		OnParticipantLeft: func(callID, userID, reason string) {
			sess.send("participant_left", map[string]string{
				"call_id": callID, "user_id": userID, "reason": reason,
			})
		},
		OnQualityChanged: func(callID string, level models.QualityLevel) {
			sess.send("quality_changed", map[string]string{"call_id": callID, "level": string(level)})
		},
		OnError: func(err error) {
			sess.send("call_error", map[string]string{"message": err.Error()})
		},
	})
}

type wsCommand struct {
	CallID     string                 `json:"call_id,omitempty"`
	Target     string                 `json:"target,omitempty"`
	GroupID    string                 `json:"group_id,omitempty"`
	TransferID string                 `json:"transfer_id,omitempty"`
	FileName   string                 `json:"file_name,omitempty"`
	File       []byte                 `json:"file,omitempty"`
	CallType   models.CallType        `json:"call_type,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Level      models.QualityLevel    `json:"level,omitempty"`
	Role       models.ParticipantRole `json:"role,omitempty"`
	Data       *models.DataMessage    `json:"data,omitempty"`
}

func (svc *Service) handleWSMessage(ctx context.Context, sess *clientSession, msg WSMessage) {
	// Correlated replies to media requests bypass command handling.
	if msg.Type == "reply" {
		sess.resolve(msg.ID, msg.Payload)
		return
	}

	var cmd wsCommand
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			sess.sendError("invalid command payload")
			return
		}
	}

	var err error
	switch msg.Type {
	case "media_connected":
		sess.mu.Lock()
		m, ok := sess.media[cmd.CallID]
		sess.mu.Unlock()
		if ok {
			m.connected()
		}
	case "media_data":
		if cmd.Data == nil {
			err = fmt.Errorf("media_data without body")
		} else {
			sess.manager.HandleDataMessage(ctx, cmd.CallID, *cmd.Data)
		}
	case "place_call":
		var callID string
		callID, err = sess.manager.PlaceCall(ctx, cmd.Target, cmd.CallType)
		if err == nil {
			sess.send("call_placed", map[string]string{"call_id": callID})
		}
	case "accept_call":
		err = sess.manager.AcceptCall(ctx, cmd.CallID)
	case "reject_call":
		err = sess.manager.RejectCall(ctx, cmd.CallID, cmd.Reason)
	case "end_call":
		err = sess.manager.EndCall(ctx, cmd.CallID, cmd.Reason)
	case "start_group_call":
		var callID string
		callID, err = sess.manager.StartGroupCall(ctx, cmd.GroupID, cmd.CallType)
		if err == nil {
			sess.send("call_placed", map[string]string{"call_id": callID})
		}
	case "join_group_call":
		err = sess.manager.JoinGroupCall(ctx, cmd.CallID)
	case "leave_group_call":
		err = sess.manager.LeaveGroupCall(ctx, cmd.CallID, cmd.Reason)
	case "invite_to_conference":
		err = sess.manager.InviteToConference(ctx, cmd.CallID, cmd.Target)
	case "toggle_mute":
		err = sess.manager.ToggleMute(ctx, cmd.CallID)
	case "toggle_camera":
		err = sess.manager.ToggleCamera(ctx, cmd.CallID)
	case "switch_camera":
		err = sess.manager.SwitchCamera(ctx, cmd.CallID)
	case "start_screen_share":
		err = sess.manager.StartScreenShare(ctx, cmd.CallID)
	case "stop_screen_share":
		err = sess.manager.StopScreenShare(ctx, cmd.CallID)
	case "adjust_quality":
		err = sess.manager.AdjustVideoQuality(cmd.CallID, cmd.Level)
	case "auto_adjust_quality":
		err = sess.manager.AutoAdjustVideoQuality(ctx, cmd.CallID)
	case "mute_participant":
		err = sess.manager.MuteParticipant(ctx, cmd.CallID, cmd.Target)
	case "set_participant_role":
		err = sess.manager.SetParticipantRole(ctx, cmd.CallID, cmd.Target, cmd.Role)
	case "remove_participant":
		err = sess.manager.RemoveParticipant(ctx, cmd.CallID, cmd.Target, cmd.Reason)
	case "send_file":
		var meta models.FileMetadata
		meta, err = sess.manager.SendFile(ctx, cmd.CallID, cmd.FileName, cmd.File)
		if err == nil {
			sess.send("file_sent", meta)
		}
	case "cancel_transfer":
		err = sess.manager.CancelFileTransfer(ctx, cmd.CallID, cmd.TransferID)
	case "reconnect_signaling":
		err = sess.router.Reconnect(ctx)
	default:
		sess.sendError("unknown message type")
		return
	}
	if err != nil {
		sess.sendError(err.Error())
	}
}

func parseGroups(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
