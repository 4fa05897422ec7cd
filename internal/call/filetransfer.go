package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/casecall/internal/models"
	"github.com/casecall/internal/transfer"
)

// SendFile transfers a file to the call's peers over the data channel. The
// engine splits and hashes; small chunk payloads ride inline, large ones are
// staged in the blobstore and referenced by key. Cancelling the transfer
// mid-stream stops the send and notifies the receiver.
func (m *Manager) SendFile(ctx context.Context, callID, fileName string, data []byte) (models.FileMetadata, error) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return models.FileMetadata{}, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if s.snap.State != models.CallConnected {
		state := s.snap.State
		m.mu.Unlock()
		return models.FileMetadata{}, fmt.Errorf("%w: call is %s", ErrNotConnected, state)
	}
	media := s.media
	m.mu.Unlock()
	if media == nil {
		return models.FileMetadata{}, fmt.Errorf("%w: %s", ErrNoMediaSession, callID)
	}

	meta, chunks, err := m.deps.Engine.SplitFile(ctx, fileName, data)
	if err != nil {
		return models.FileMetadata{}, err
	}

	seal := m.cfg.SealFiles || m.deps.Engine.SealsChunks()

	offer := models.DataMessage{Kind: models.DataFileOffer, From: m.userID, Metadata: &meta}
	if seal {
		key, err := m.deps.Engine.TransferKey(meta.TransferID)
		if err != nil {
			return meta, err
		}
		offer.SealKey = key
	}
	if err := media.SendData(ctx, offer); err != nil {
		m.failSend(ctx, media, meta.TransferID, err)
		return meta, fmt.Errorf("failed to send file offer: %w", err)
	}
	if err := m.deps.Engine.UpdateTransferStatus(meta.TransferID, models.TransferTransferring); err != nil {
		return meta, err
	}

	for _, chunk := range chunks {
		progress, err := m.deps.Engine.TransferProgress(meta.TransferID)
		if err != nil || progress.Status != models.TransferTransferring {
			cancelMsg := models.DataMessage{Kind: models.DataFileCancel, From: m.userID, Transfer: meta.TransferID}
			if sendErr := media.SendData(ctx, cancelMsg); sendErr != nil {
				m.emitError(fmt.Errorf("failed to send transfer cancel: %w", sendErr))
			}
			return meta, fmt.Errorf("%w: %s", transfer.ErrTransferCancelled, meta.TransferID)
		}

		if seal {
			chunk, err = m.deps.Engine.SealChunk(chunk)
			if err != nil {
				m.failSend(ctx, media, meta.TransferID, err)
				return meta, err
			}
		}

		msg := models.DataMessage{Kind: models.DataFileChunk, From: m.userID, Transfer: meta.TransferID}
		if len(chunk.Data) > m.cfg.InlineChunkLimit && m.deps.Blobs != nil {
			key, err := m.deps.Blobs.PutChunk(ctx, meta.TransferID, chunk.ChunkIndex, chunk.Data)
			if err != nil {
				m.failSend(ctx, media, meta.TransferID, err)
				return meta, fmt.Errorf("failed to stage chunk %d: %w", chunk.ChunkIndex, err)
			}
			ref := chunk
			ref.Data = nil
			msg.Chunk = &ref
			msg.ChunkKey = key
		} else {
			c := chunk
			msg.Chunk = &c
		}
		if err := media.SendData(ctx, msg); err != nil {
			m.failSend(ctx, media, meta.TransferID, err)
			return meta, fmt.Errorf("failed to send chunk %d: %w", chunk.ChunkIndex, err)
		}
	}

	done := models.DataMessage{Kind: models.DataFileComplete, From: m.userID, Transfer: meta.TransferID}
	if err := media.SendData(ctx, done); err != nil {
		m.failSend(ctx, media, meta.TransferID, err)
		return meta, fmt.Errorf("failed to send completion: %w", err)
	}
	if err := m.deps.Engine.UpdateTransferStatus(meta.TransferID, models.TransferCompleted); err != nil {
		return meta, err
	}
	meta.Status = models.TransferCompleted

	if m.deps.Archive != nil {
		if err := m.deps.Archive.RecordTransfer(ctx, meta); err != nil {
			m.log.Warn().Err(err).Str("transfer_id", meta.TransferID).Msg("failed to archive transfer")
		}
	}
	return meta, nil
}

// CancelFileTransfer cancels an in-flight transfer and tells the peer.
func (m *Manager) CancelFileTransfer(ctx context.Context, callID, transferID string) error {
	if err := m.deps.Engine.CancelTransfer(transferID); err != nil {
		return err
	}
	media, ok := m.mediaFor(callID)
	if !ok {
		return nil
	}
	msg := models.DataMessage{Kind: models.DataFileCancel, From: m.userID, Transfer: transferID}
	if err := media.SendData(ctx, msg); err != nil {
		return fmt.Errorf("failed to send transfer cancel: %w", err)
	}
	return nil
}

// HandleDataMessage is the receive path of the data channel: file transfer
// framing and conference control. Per-message failures are isolated and
// surfaced via OnError; one bad message never aborts the session.
func (m *Manager) HandleDataMessage(ctx context.Context, callID string, msg models.DataMessage) {
	var err error
	switch msg.Kind {
	case models.DataFileOffer:
		err = m.handleFileOffer(msg)
	case models.DataFileChunk:
		err = m.handleFileChunk(ctx, msg)
	case models.DataFileComplete:
		err = m.handleFileComplete(ctx, msg)
	case models.DataFileCancel:
		err = m.deps.Engine.CancelTransfer(msg.Transfer)
		if errors.Is(err, transfer.ErrUnknownTransfer) || errors.Is(err, transfer.ErrInvalidTransition) {
			err = nil
		}
	case models.DataMuteParticipant, models.DataRoleChange, models.DataRemoveParticipant:
		if msg.Control == nil {
			err = fmt.Errorf("%s without control body", msg.Kind)
		} else {
			err = m.ApplyRosterControl(callID, msg.Kind, *msg.Control)
		}
	default:
		m.log.Warn().Str("kind", string(msg.Kind)).Msg("dropping unknown data message")
		return
	}
	if err != nil {
		m.emitError(fmt.Errorf("data message %s on call %s: %w", msg.Kind, callID, err))
	}
}

func (m *Manager) handleFileOffer(msg models.DataMessage) error {
	if msg.Metadata == nil {
		return fmt.Errorf("file offer without metadata")
	}
	if err := m.deps.Engine.RegisterIncoming(*msg.Metadata); err != nil {
		return err
	}
	if len(msg.SealKey) > 0 {
		return m.deps.Engine.SetTransferKey(msg.Metadata.TransferID, msg.SealKey)
	}
	return nil
}

func (m *Manager) handleFileChunk(ctx context.Context, msg models.DataMessage) error {
	if msg.Chunk == nil {
		return fmt.Errorf("file chunk without chunk body")
	}
	chunk := *msg.Chunk
	if msg.ChunkKey != "" {
		if m.deps.Blobs == nil {
			return fmt.Errorf("chunk %d references blobstore key but no blobstore is configured", chunk.ChunkIndex)
		}
		data, err := m.deps.Blobs.GetChunk(ctx, msg.ChunkKey)
		if err != nil {
			return fmt.Errorf("failed to fetch staged chunk %d: %w", chunk.ChunkIndex, err)
		}
		chunk.Data = data
	}
	_, err := m.deps.Engine.AddChunk(chunk)
	return err
}

func (m *Manager) handleFileComplete(ctx context.Context, msg models.DataMessage) error {
	data, meta, err := m.deps.Engine.CompleteIncoming(msg.Transfer)
	if err != nil {
		return err
	}
	if m.deps.Blobs != nil {
		if err := m.deps.Blobs.PutFile(ctx, meta.TransferID, data); err != nil {
			m.log.Warn().Err(err).Str("transfer_id", meta.TransferID).Msg("failed to archive file payload")
		}
	}
	if m.deps.Archive != nil {
		meta.Status = models.TransferCompleted
		if err := m.deps.Archive.RecordTransfer(ctx, meta); err != nil {
			m.log.Warn().Err(err).Str("transfer_id", meta.TransferID).Msg("failed to archive transfer")
		}
	}
	return nil
}

// failSend marks the outgoing transfer failed and tells the peer.
func (m *Manager) failSend(ctx context.Context, media MediaSession, transferID string, cause error) {
	if err := m.deps.Engine.UpdateTransferStatus(transferID, models.TransferFailed); err != nil &&
		!errors.Is(err, transfer.ErrInvalidTransition) && !errors.Is(err, transfer.ErrUnknownTransfer) {
		m.log.Warn().Err(err).Str("transfer_id", transferID).Msg("failed to mark transfer failed")
	}
	m.emitError(cause)
	msg := models.DataMessage{Kind: models.DataFileCancel, From: m.userID, Transfer: transferID}
	if err := media.SendData(ctx, msg); err != nil {
		m.log.Warn().Err(err).Str("transfer_id", transferID).Msg("failed to send transfer cancel")
	}
}
