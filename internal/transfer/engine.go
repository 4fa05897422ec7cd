// Package transfer moves files too large for single-message signaling as
// individually hashed chunks, and tracks each transfer's state machine. The
// engine is store-independent: callers move chunks however they like and
// feed them back in for reassembly.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/casecall/internal/crypto"
	"github.com/casecall/internal/models"
)

var (
	ErrFileTooLarge      = errors.New("file too large")
	ErrEmptyFile         = errors.New("file is empty")
	ErrUnsupportedType   = errors.New("unsupported file type")
	ErrIncompleteChunks  = errors.New("incomplete chunks")
	ErrIntegrityFailed   = errors.New("integrity verification failed")
	ErrChunkHashMismatch = errors.New("chunk hash mismatch")
	ErrUnknownTransfer   = errors.New("unknown transfer")
	ErrInvalidTransition = errors.New("invalid transfer status transition")
	ErrTransferCancelled = errors.New("transfer cancelled")
	ErrNotImage          = errors.New("not an image file")
)

// Config tunes one engine instance.
type Config struct {
	ChunkSize   int
	MaxFileSize int64
	// Workers bounds concurrent chunk hashing/sealing so a large transfer
	// does not stall signal dispatch for concurrent calls.
	Workers      int
	CleanupDelay time.Duration
	// Allowed is the category allow-list; empty allows all four categories.
	Allowed []models.FileCategory
	// SealChunks encrypts chunk payloads with a per-transfer key.
	SealChunks bool
}

func (c *Config) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 64 * 1024
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 100 * 1024 * 1024
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.CleanupDelay <= 0 {
		c.CleanupDelay = 30 * time.Second
	}
}

// Listeners is the engine's event surface. Merge semantics match the
// signaling router: non-nil fields overwrite on re-registration.
type Listeners struct {
	OnTransferProgress func(models.TransferProgress)
	OnTransferComplete func(models.FileMetadata, []byte)
	OnTransferError    func(transferID string, err error)
	OnChunkProcessed   func(transferID string, chunkIndex int)
}

func (dst *Listeners) merge(src Listeners) {
	if src.OnTransferProgress != nil {
		dst.OnTransferProgress = src.OnTransferProgress
	}
	if src.OnTransferComplete != nil {
		dst.OnTransferComplete = src.OnTransferComplete
	}
	if src.OnTransferError != nil {
		dst.OnTransferError = src.OnTransferError
	}
	if src.OnChunkProcessed != nil {
		dst.OnChunkProcessed = src.OnChunkProcessed
	}
}

// transferState is the engine-private record of one transfer. Callers only
// ever see TransferProgress snapshots.
type transferState struct {
	progress models.TransferProgress
	meta     models.FileMetadata
	chunks   map[int]models.FileChunk
	key      []byte
	cancel   context.CancelFunc
	evict    *time.Timer
}

type Engine struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	listeners Listeners
	transfers map[string]*transferState
}

func NewEngine(cfg Config, log zerolog.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		log:       log.With().Str("component", "transfer").Logger(),
		transfers: make(map[string]*transferState),
	}
}

func (e *Engine) SetEventListeners(l Listeners) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners.merge(l)
}

// TransferProgress returns a snapshot of one transfer. Evicted transfers
// report ErrUnknownTransfer.
func (e *Engine) TransferProgress(transferID string) (models.TransferProgress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.transfers[transferID]
	if !ok {
		return models.TransferProgress{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	return st.progress, nil
}

// ActiveTransfers returns snapshot copies, oldest first. Callers never see
// the live map.
func (e *Engine) ActiveTransfers() []models.TransferProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.TransferProgress, 0, len(e.transfers))
	for _, st := range e.transfers {
		out = append(out, st.progress)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// UpdateTransferStatus is the sole status mutator. Terminal statuses arm the
// delayed eviction of the entry; the record stays queryable until then so
// the UI can observe the terminal state.
func (e *Engine) UpdateTransferStatus(transferID string, status models.TransferStatus) error {
	e.mu.Lock()
	st, ok := e.transfers[transferID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	if !legalTransition(st.progress.Status, status) {
		from := st.progress.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}
	st.progress.Status = status
	if status.Terminal() {
		e.armEvictLocked(transferID, st)
	}
	snapshot := st.progress
	onProgress := e.listeners.OnTransferProgress
	e.mu.Unlock()

	if onProgress != nil {
		onProgress(snapshot)
	}
	return nil
}

func legalTransition(from, to models.TransferStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case models.TransferPreparing:
		return to == models.TransferTransferring || to == models.TransferFailed || to == models.TransferCancelled
	case models.TransferTransferring:
		return to == models.TransferPaused || to == models.TransferCompleted ||
			to == models.TransferFailed || to == models.TransferCancelled
	case models.TransferPaused:
		return to == models.TransferTransferring || to == models.TransferFailed || to == models.TransferCancelled
	default:
		// Terminal states admit nothing.
		return false
	}
}

// CancelTransfer moves any non-terminal transfer to cancelled and signals
// in-flight chunk work to stop. Safe to call while chunking is running.
func (e *Engine) CancelTransfer(transferID string) error {
	e.mu.Lock()
	st, ok := e.transfers[transferID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	if st.progress.Status.Terminal() {
		status := st.progress.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, models.TransferCancelled)
	}
	st.progress.Status = models.TransferCancelled
	if st.cancel != nil {
		st.cancel()
	}
	e.armEvictLocked(transferID, st)
	snapshot := st.progress
	onProgress := e.listeners.OnTransferProgress
	e.mu.Unlock()

	if onProgress != nil {
		onProgress(snapshot)
	}
	return nil
}

// failTransfer marks a transfer failed and surfaces the reason.
func (e *Engine) failTransfer(transferID string, cause error) {
	e.mu.Lock()
	st, ok := e.transfers[transferID]
	if ok && !st.progress.Status.Terminal() {
		st.progress.Status = models.TransferFailed
		e.armEvictLocked(transferID, st)
	}
	var snapshot models.TransferProgress
	if ok {
		snapshot = st.progress
	}
	onProgress := e.listeners.OnTransferProgress
	onError := e.listeners.OnTransferError
	e.mu.Unlock()

	if ok && onProgress != nil {
		onProgress(snapshot)
	}
	if onError != nil {
		onError(transferID, cause)
	}
}

// armEvictLocked schedules removal of a terminal transfer after the grace
// delay. Re-arming (e.g. failed while already cancelled) resets the timer.
func (e *Engine) armEvictLocked(transferID string, st *transferState) {
	if st.evict != nil {
		st.evict.Stop()
	}
	st.evict = time.AfterFunc(e.cfg.CleanupDelay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if cur, ok := e.transfers[transferID]; ok && cur.progress.Status.Terminal() {
			delete(e.transfers, transferID)
		}
	})
}

// SealsChunks reports whether the engine was configured to seal outgoing
// chunk payloads.
func (e *Engine) SealsChunks() bool {
	return e.cfg.SealChunks
}

// TransferKey returns the sealing key of a transfer, generating one on first
// use. Only meaningful when the engine seals chunks.
func (e *Engine) TransferKey(transferID string) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.transfers[transferID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	if st.key == nil {
		key, err := crypto.NewTransferKey()
		if err != nil {
			return nil, err
		}
		st.key = key
	}
	return append([]byte(nil), st.key...), nil
}

// SetTransferKey installs the peer-provided sealing key on the receive side.
func (e *Engine) SetTransferKey(transferID string, key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.transfers[transferID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	st.key = append([]byte(nil), key...)
	return nil
}

func (e *Engine) emitChunkProcessed(transferID string, index int) {
	e.mu.Lock()
	fn := e.listeners.OnChunkProcessed
	e.mu.Unlock()
	if fn != nil {
		fn(transferID, index)
	}
}

func (e *Engine) emitProgress(snapshot models.TransferProgress) {
	e.mu.Lock()
	fn := e.listeners.OnTransferProgress
	e.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}
