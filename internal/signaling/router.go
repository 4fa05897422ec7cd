// Package signaling delivers call-negotiation messages between peers over a
// shared document store. Outbound intents become store writes; inbound live
// notifications become typed callbacks. The router holds no call state of
// its own.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/casecall/internal/config"
	"github.com/casecall/internal/models"
	"github.com/casecall/internal/store"
)

// CollectionSignals is the store collection signal records live in.
const CollectionSignals = "signal_messages"

var (
	ErrNoClient       = errors.New("no store client")
	ErrNotInitialized = errors.New("router is not initialized")
	ErrDestroyed      = errors.New("router is destroyed")
	ErrMissingUser    = errors.New("missing user id")
	ErrMissingTarget  = errors.New("signal needs exactly one of target user or group")
)

// Status is a read-only snapshot of the router's lifecycle state.
type Status struct {
	Initialized   bool     `json:"initialized"`
	UserID        string   `json:"user_id,omitempty"`
	Groups        []string `json:"groups,omitempty"`
	Subscriptions int      `json:"subscriptions"`
}

// Router brokers signals for one local user. Construct with NewRouter, wire
// listeners, then Initialize. All handler callbacks run on the router's
// single dispatch goroutine.
type Router struct {
	client store.Client
	cfg    config.SignalingConfig
	log    zerolog.Logger

	mu          sync.Mutex
	listeners   Listeners
	userID      string
	groups      []string
	subIDs      []string
	events      chan store.Notification
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	initialized bool
	destroyed   bool

	// seen holds recently dispatched signal ids. The subscription filter
	// already drops processed records; this closes the window where the same
	// CREATE is delivered twice before the flag flip lands.
	seen      map[string]struct{}
	seenOrder []string
}

// seenLimit bounds the dedup set; old entries are evicted FIFO.
const seenLimit = 1024

func NewRouter(client store.Client, cfg config.SignalingConfig, log zerolog.Logger) *Router {
	if cfg.SignalTTL == 0 {
		cfg.SignalTTL = 5 * time.Minute
	}
	if cfg.MaxSignalAge == 0 {
		cfg.MaxSignalAge = 24 * time.Hour
	}
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = 64
	}
	return &Router{
		client: client,
		cfg:    cfg,
		log:    log.With().Str("component", "signaling").Logger(),
	}
}

// Initialize opens the two live subscriptions of the local user: one over
// signals addressed to them, one over signals addressed to any group they
// belong to. Subscription failures surface as the returned error; nothing is
// swallowed.
func (r *Router) Initialize(ctx context.Context, userID string, groups []string) error {
	if r.client == nil {
		return ErrNoClient
	}
	if userID == "" {
		return ErrMissingUser
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrDestroyed
	}
	if r.initialized {
		return fmt.Errorf("router already initialized for %s", r.userID)
	}
	r.userID = userID
	r.groups = append([]string(nil), groups...)
	return r.startLocked(ctx)
}

// startLocked opens subscriptions and starts the dispatch and sweep
// goroutines. Caller holds r.mu and has set userID/groups.
func (r *Router) startLocked(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	events := make(chan store.Notification, r.cfg.EventBuffer)

	enqueue := func(n store.Notification) {
		select {
		case events <- n:
		case <-runCtx.Done():
		}
	}

	filters := []store.Filter{
		store.Where(CollectionSignals,
			store.Eq("to_user", r.userID),
			store.Eq("processed", false),
		),
	}
	if len(r.groups) > 0 {
		filters = append(filters, store.Where(CollectionSignals,
			store.In("group_id", r.groups...),
			store.Eq("processed", false),
		))
	}

	var subIDs []string
	for _, f := range filters {
		subID, err := r.client.Live(ctx, f, enqueue)
		if err != nil {
			for _, opened := range subIDs {
				r.client.Kill(ctx, opened)
			}
			cancel()
			return fmt.Errorf("failed to open live subscription: %w", err)
		}
		subIDs = append(subIDs, subID)
	}

	r.subIDs = subIDs
	r.events = events
	r.cancel = cancel
	r.initialized = true

	r.wg.Add(1)
	go r.dispatchLoop(runCtx, events)

	if r.cfg.CleanupInterval > 0 {
		r.wg.Add(1)
		go r.sweepLoop(runCtx)
	}

	r.log.Info().Str("user", r.userID).Int("subscriptions", len(subIDs)).Msg("signaling initialized")
	return nil
}

// SendPrivateSignal writes a signal addressed to one user. The sender never
// receives its own signals.
func (r *Router) SendPrivateSignal(ctx context.Context, t models.SignalType, payload models.SignalPayload, targetUserID, callID string) (string, error) {
	return r.send(ctx, t, payload, targetUserID, "", callID)
}

// SendGroupSignal writes a signal addressed to every member of a group.
func (r *Router) SendGroupSignal(ctx context.Context, t models.SignalType, payload models.SignalPayload, groupID, callID string) (string, error) {
	return r.send(ctx, t, payload, "", groupID, callID)
}

func (r *Router) send(ctx context.Context, t models.SignalType, payload models.SignalPayload, toUser, groupID, callID string) (string, error) {
	if r.client == nil {
		return "", ErrNoClient
	}
	if (toUser == "") == (groupID == "") {
		return "", ErrMissingTarget
	}

	r.mu.Lock()
	from := r.userID
	initialized := r.initialized
	destroyed := r.destroyed
	r.mu.Unlock()
	if destroyed {
		return "", ErrDestroyed
	}
	if !initialized {
		return "", ErrNotInitialized
	}

	raw, err := models.EncodePayload(payload)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	msg := models.SignalMessage{
		ID:         uuid.New().String(),
		SignalType: t,
		FromUser:   from,
		ToUser:     toUser,
		GroupID:    groupID,
		CallID:     callID,
		Payload:    raw,
		CreatedAt:  now,
		ExpiresAt:  now.Add(r.cfg.SignalTTL),
		Processed:  false,
	}
	if err := r.client.Create(ctx, CollectionSignals, msg); err != nil {
		return "", fmt.Errorf("failed to write signal: %w", err)
	}
	return msg.ID, nil
}

// HistoryOptions narrows SignalHistory. Zero fields are not filtered on.
type HistoryOptions struct {
	TargetUser string
	GroupID    string
	Limit      int
}

// SignalHistory is a read-only query over past signals, processed or not.
func (r *Router) SignalHistory(ctx context.Context, opts HistoryOptions) ([]models.SignalMessage, error) {
	if r.client == nil {
		return nil, ErrNoClient
	}
	var conds []store.Cond
	if opts.TargetUser != "" {
		conds = append(conds, store.Eq("to_user", opts.TargetUser))
	}
	if opts.GroupID != "" {
		conds = append(conds, store.Eq("group_id", opts.GroupID))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	var msgs []models.SignalMessage
	f := store.Where(CollectionSignals, conds...).Order("created_at", true).Take(limit)
	if err := r.client.Query(ctx, f, &msgs); err != nil {
		return nil, fmt.Errorf("failed to query signal history: %w", err)
	}
	return msgs, nil
}

// CleanupExpiredSignals removes signals past their expires_at plus anything
// older than the configured maximum age. Safe to run concurrently with live
// delivery; deleting an already-consumed record is a no-op for recipients.
func (r *Router) CleanupExpiredSignals(ctx context.Context) (int, error) {
	if r.client == nil {
		return 0, ErrNoClient
	}
	now := time.Now().UTC()
	expired, err := r.client.Delete(ctx, store.Where(CollectionSignals, store.Lt("expires_at", now)))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired signals: %w", err)
	}
	aged, err := r.client.Delete(ctx, store.Where(CollectionSignals, store.Lt("created_at", now.Add(-r.cfg.MaxSignalAge))))
	if err != nil {
		return expired, fmt.Errorf("failed to delete aged signals: %w", err)
	}
	return expired + aged, nil
}

// Reconnect tears the subscriptions down and reopens them for the same
// identity. Idempotent; a destroyed router cannot reconnect.
func (r *Router) Reconnect(ctx context.Context) error {
	if r.client == nil {
		return ErrNoClient
	}
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return ErrDestroyed
	}
	if !r.initialized {
		r.mu.Unlock()
		return ErrNotInitialized
	}
	wait := r.stopLocked(ctx)
	r.mu.Unlock()
	wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return ErrDestroyed
	}
	return r.startLocked(ctx)
}

// Destroy permanently releases the subscriptions and stops the dispatch
// loop, draining queued events first. Idempotent.
func (r *Router) Destroy() error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil
	}
	r.destroyed = true
	wait := r.stopLocked(context.Background())
	r.mu.Unlock()
	wait()
	return nil
}

// stopLocked kills subscriptions and signals the goroutines to stop. Caller
// holds r.mu and must invoke the returned wait func after releasing it; the
// dispatch goroutine takes the mutex per message, so waiting under it would
// deadlock.
func (r *Router) stopLocked(ctx context.Context) func() {
	if !r.initialized {
		return func() {}
	}
	for _, subID := range r.subIDs {
		if err := r.client.Kill(ctx, subID); err != nil {
			r.log.Warn().Err(err).Str("sub", subID).Msg("failed to kill subscription")
		}
	}
	r.subIDs = nil
	r.cancel()
	r.events = nil
	r.initialized = false
	return r.wg.Wait
}

func (r *Router) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Initialized:   r.initialized,
		UserID:        r.userID,
		Groups:        append([]string(nil), r.groups...),
		Subscriptions: len(r.subIDs),
	}
}

func (r *Router) dispatchLoop(ctx context.Context, events chan store.Notification) {
	defer r.wg.Done()
	for {
		select {
		case n := <-events:
			// The flag flip must land even when shutdown is in flight, so
			// delivery runs against the background context.
			r.handleNotification(context.Background(), n)
		case <-ctx.Done():
			// Drain what was already queued, then stop.
			for {
				select {
				case n := <-events:
					r.handleNotification(context.Background(), n)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) sweepLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.CleanupExpiredSignals(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Warn().Err(err).Msg("signal sweep failed")
			}
		}
	}
}

// handleNotification consumes one store event. The processed flag is flipped
// before any handler runs: even if a handler panics, the record can never be
// dispatched a second time. Re-delivery of an already-processed record is
// filtered out by the subscription itself.
func (r *Router) handleNotification(ctx context.Context, n store.Notification) {
	var msg models.SignalMessage
	if err := json.Unmarshal(n.Record, &msg); err != nil {
		r.log.Warn().Err(err).Msg("dropping malformed signal record")
		return
	}
	if msg.Processed {
		return
	}

	r.mu.Lock()
	self := r.userID
	listeners := r.listeners
	if r.seen == nil {
		r.seen = make(map[string]struct{})
	}
	if _, dup := r.seen[msg.ID]; dup {
		r.mu.Unlock()
		return
	}
	r.seen[msg.ID] = struct{}{}
	r.seenOrder = append(r.seenOrder, msg.ID)
	if len(r.seenOrder) > seenLimit {
		delete(r.seen, r.seenOrder[0])
		r.seenOrder = r.seenOrder[1:]
	}
	r.mu.Unlock()

	// Group subscriptions see the sender's own writes; local delivery is
	// never wanted.
	if msg.FromUser == self {
		return
	}

	if err := r.client.Update(ctx, CollectionSignals, msg.ID, map[string]any{"processed": true}); err != nil {
		// Without the flag flip, dispatching could double-deliver. Skip.
		r.log.Error().Err(err).Str("signal", msg.ID).Msg("failed to mark signal processed")
		listeners.emitError(fmt.Errorf("failed to mark signal processed: %w", err))
		return
	}

	payload, err := models.DecodePayload(msg.SignalType, msg.Payload)
	if err != nil {
		if errors.Is(err, models.ErrUnknownSignalType) {
			r.log.Warn().Str("type", string(msg.SignalType)).Str("signal", msg.ID).Msg("dropping signal of unknown type")
			return
		}
		listeners.emitError(err)
		return
	}

	r.dispatch(msg, payload, listeners)
}

// dispatch invokes the typed handler for the payload plus the catch-all. A
// panicking handler is contained to this message; the loop keeps running.
func (r *Router) dispatch(msg models.SignalMessage, payload models.SignalPayload, l Listeners) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("signal", msg.ID).Msg("signal handler panicked")
			l.emitError(fmt.Errorf("signal handler panic: %v", rec))
		}
	}()

	switch p := payload.(type) {
	case *models.OfferPayload:
		if l.OnOfferReceived != nil {
			l.OnOfferReceived(msg, p)
		}
	case *models.AnswerPayload:
		if l.OnAnswerReceived != nil {
			l.OnAnswerReceived(msg, p)
		}
	case *models.ICECandidatePayload:
		if l.OnICECandidate != nil {
			l.OnICECandidate(msg, p)
		}
	case *models.CallRequestPayload:
		if l.OnCallRequest != nil {
			l.OnCallRequest(msg, p)
		}
	case *models.CallAcceptPayload:
		if l.OnCallAccept != nil {
			l.OnCallAccept(msg, p)
		}
	case *models.CallRejectPayload:
		if l.OnCallReject != nil {
			l.OnCallReject(msg, p)
		}
	case *models.CallEndPayload:
		if l.OnCallEnd != nil {
			l.OnCallEnd(msg, p)
		}
	case *models.ConferenceInvitePayload:
		if l.OnConferenceInvite != nil {
			l.OnConferenceInvite(msg, p)
		}
	case *models.GroupCallRequestPayload:
		if l.OnGroupCallRequest != nil {
			l.OnGroupCallRequest(msg, p)
		}
	case *models.GroupCallJoinPayload:
		if l.OnGroupCallJoin != nil {
			l.OnGroupCallJoin(msg, p)
		}
	case *models.GroupCallLeavePayload:
		if l.OnGroupCallLeave != nil {
			l.OnGroupCallLeave(msg, p)
		}
	}

	if l.OnSignalReceived != nil {
		l.OnSignalReceived(msg)
	}
}
