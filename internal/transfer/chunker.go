package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/casecall/internal/crypto"
	"github.com/casecall/internal/models"
)

// SplitFile validates the file, registers a fresh transfer in preparing
// state, and partitions the content into hashed chunks. The whole-file hash
// is computed before chunking and travels in the metadata for end-to-end
// verification after reassembly.
//
// Chunk hashing is CPU-bound and runs on the engine's bounded worker pool;
// cancelling the transfer aborts the remaining work without mutating the
// progress entry further.
func (e *Engine) SplitFile(ctx context.Context, fileName string, data []byte) (models.FileMetadata, []models.FileChunk, error) {
	if err := e.ValidateFileSize(int64(len(data))); err != nil {
		return models.FileMetadata{}, nil, err
	}
	category, mime, err := e.ValidateFileType(fileName, data)
	if err != nil {
		return models.FileMetadata{}, nil, err
	}

	transferID := uuid.New().String()
	chunkSize := e.cfg.ChunkSize
	totalChunks := (len(data) + chunkSize - 1) / chunkSize

	// A sealing engine fixes the transfer key at creation, so the sender can
	// hand it to the receiver on the offer before any chunk moves.
	var sealKey []byte
	if e.cfg.SealChunks {
		sealKey, err = crypto.NewTransferKey()
		if err != nil {
			return models.FileMetadata{}, nil, fmt.Errorf("failed to create transfer key: %w", err)
		}
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.transfers[transferID] = &transferState{
		progress: models.TransferProgress{
			TransferID:  transferID,
			FileName:    fileName,
			TotalSize:   int64(len(data)),
			Status:      models.TransferPreparing,
			TotalChunks: totalChunks,
			StartedAt:   time.Now().UTC(),
		},
		key:    sealKey,
		cancel: cancel,
	}
	e.mu.Unlock()

	meta := models.FileMetadata{
		TransferID:  transferID,
		FileName:    fileName,
		FileSize:    int64(len(data)),
		FileType:    category,
		MimeType:    mime,
		FileHash:    crypto.HashBytes(data),
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		Status:      models.TransferPreparing,
		CreatedAt:   time.Now().UTC(),
	}

	chunks := make([]models.FileChunk, totalChunks)
	g, gctx := errgroup.WithContext(workCtx)
	g.SetLimit(e.cfg.Workers)
	for i := 0; i < totalChunks; i++ {
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			start := i * chunkSize
			end := start + chunkSize
			if end > len(data) {
				end = len(data)
			}
			part := data[start:end]
			chunks[i] = models.FileChunk{
				TransferID: transferID,
				ChunkIndex: i,
				ChunkSize:  len(part),
				Data:       part,
				Hash:       crypto.HashBytes(part),
			}

			// Cancellation is checked again before touching shared progress;
			// a cancelled worker discards its result.
			if gctx.Err() != nil {
				return gctx.Err()
			}
			e.mu.Lock()
			st, ok := e.transfers[transferID]
			if !ok || st.progress.Status.Terminal() {
				e.mu.Unlock()
				return ErrTransferCancelled
			}
			st.progress.ChunksProcessed++
			e.mu.Unlock()
			e.emitChunkProcessed(transferID, i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.mu.Lock()
		st, ok := e.transfers[transferID]
		if ok && !st.progress.Status.Terminal() {
			st.progress.Status = models.TransferCancelled
			e.armEvictLocked(transferID, st)
		}
		e.mu.Unlock()
		return models.FileMetadata{}, nil, fmt.Errorf("%w: %v", ErrTransferCancelled, err)
	}

	e.mu.Lock()
	if st, ok := e.transfers[transferID]; ok {
		st.meta = meta
	}
	e.mu.Unlock()
	return meta, chunks, nil
}

// Reassemble concatenates a complete chunk set back into the original file.
// The chunk-index set must equal [0,totalChunks) exactly; any gap fails
// before concatenation. After concatenation the whole-file hash is
// recomputed and compared; on mismatch no partial artifact is returned.
func Reassemble(chunks map[int]models.FileChunk, meta models.FileMetadata) ([]byte, error) {
	if len(chunks) != meta.TotalChunks {
		return nil, fmt.Errorf("%w: have %d of %d", ErrIncompleteChunks, len(chunks), meta.TotalChunks)
	}
	total := 0
	for i := 0; i < meta.TotalChunks; i++ {
		chunk, ok := chunks[i]
		if !ok {
			return nil, fmt.Errorf("%w: missing chunk %d", ErrIncompleteChunks, i)
		}
		total += len(chunk.Data)
	}

	data := make([]byte, 0, total)
	for i := 0; i < meta.TotalChunks; i++ {
		data = append(data, chunks[i].Data...)
	}

	if int64(len(data)) != meta.FileSize {
		return nil, fmt.Errorf("%w: reassembled %d bytes, expected %d", ErrIntegrityFailed, len(data), meta.FileSize)
	}
	if crypto.HashBytes(data) != meta.FileHash {
		return nil, ErrIntegrityFailed
	}
	return data, nil
}

// RegisterIncoming creates the receive-side transfer entry for a peer's
// metadata and starts it in transferring state.
func (e *Engine) RegisterIncoming(meta models.FileMetadata) error {
	if err := e.ValidateFileSize(meta.FileSize); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.transfers[meta.TransferID]; exists {
		return fmt.Errorf("transfer %s already registered", meta.TransferID)
	}
	e.transfers[meta.TransferID] = &transferState{
		progress: models.TransferProgress{
			TransferID:  meta.TransferID,
			FileName:    meta.FileName,
			TotalSize:   meta.FileSize,
			Status:      models.TransferTransferring,
			TotalChunks: meta.TotalChunks,
			StartedAt:   time.Now().UTC(),
		},
		meta:   meta,
		chunks: make(map[int]models.FileChunk, meta.TotalChunks),
	}
	return nil
}

// AddChunk verifies and caches one received chunk. Returns true once the
// cache holds the full contiguous range. Duplicate chunks are idempotent.
// A bad chunk is isolated: the error surfaces but the transfer keeps
// accepting the remaining chunks.
func (e *Engine) AddChunk(chunk models.FileChunk) (bool, error) {
	data := chunk.Data
	e.mu.Lock()
	st, ok := e.transfers[chunk.TransferID]
	if !ok {
		e.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownTransfer, chunk.TransferID)
	}
	if st.progress.Status.Terminal() {
		status := st.progress.Status
		e.mu.Unlock()
		return false, fmt.Errorf("%w: transfer is %s", ErrTransferCancelled, status)
	}
	key := st.key
	meta := st.meta
	e.mu.Unlock()

	if chunk.ChunkIndex < 0 || chunk.ChunkIndex >= meta.TotalChunks {
		return false, fmt.Errorf("%w: chunk index %d out of range", ErrChunkHashMismatch, chunk.ChunkIndex)
	}
	if chunk.Sealed {
		opened, err := crypto.OpenChunk(key, chunk.TransferID, chunk.ChunkIndex, data)
		if err != nil {
			return false, fmt.Errorf("failed to open sealed chunk %d: %w", chunk.ChunkIndex, err)
		}
		data = opened
		chunk.Data = opened
		chunk.Sealed = false
	}
	if chunk.Hash != "" && crypto.HashBytes(data) != chunk.Hash {
		return false, fmt.Errorf("%w: chunk %d", ErrChunkHashMismatch, chunk.ChunkIndex)
	}

	e.mu.Lock()
	st, ok = e.transfers[chunk.TransferID]
	if !ok || st.progress.Status.Terminal() {
		e.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrTransferCancelled, chunk.TransferID)
	}
	if _, dup := st.chunks[chunk.ChunkIndex]; !dup {
		st.chunks[chunk.ChunkIndex] = chunk
		st.progress.ChunksProcessed = len(st.chunks)
	}
	complete := len(st.chunks) == meta.TotalChunks
	snapshot := st.progress
	e.mu.Unlock()

	e.emitChunkProcessed(chunk.TransferID, chunk.ChunkIndex)
	e.emitProgress(snapshot)
	return complete, nil
}

// CompleteIncoming runs the reassembly barrier for a received transfer:
// every chunk must be present, and the reassembled bytes must match the
// metadata hash. On success the transfer completes and the file bytes are
// returned; on failure the transfer fails explicitly.
func (e *Engine) CompleteIncoming(transferID string) ([]byte, models.FileMetadata, error) {
	e.mu.Lock()
	st, ok := e.transfers[transferID]
	if !ok {
		e.mu.Unlock()
		return nil, models.FileMetadata{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, transferID)
	}
	meta := st.meta
	chunks := make(map[int]models.FileChunk, len(st.chunks))
	for i, c := range st.chunks {
		chunks[i] = c
	}
	e.mu.Unlock()

	data, err := Reassemble(chunks, meta)
	if err != nil {
		e.failTransfer(transferID, err)
		return nil, meta, err
	}

	if err := e.UpdateTransferStatus(transferID, models.TransferCompleted); err != nil {
		return nil, meta, err
	}

	e.mu.Lock()
	onComplete := e.listeners.OnTransferComplete
	e.mu.Unlock()
	if onComplete != nil {
		onComplete(meta, data)
	}
	return data, meta, nil
}

// SealChunk encrypts a chunk payload with the transfer's key for transport.
// The chunk hash stays the plaintext hash.
func (e *Engine) SealChunk(chunk models.FileChunk) (models.FileChunk, error) {
	key, err := e.TransferKey(chunk.TransferID)
	if err != nil {
		return chunk, err
	}
	sealed, err := crypto.SealChunk(key, chunk.TransferID, chunk.ChunkIndex, chunk.Data)
	if err != nil {
		return chunk, err
	}
	chunk.Data = sealed
	chunk.Sealed = true
	return chunk, nil
}
