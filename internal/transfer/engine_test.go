package transfer

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/casecall/internal/models"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	return NewEngine(cfg, zerolog.Nop())
}

// testFileBytes returns deterministic pseudo-random content. Tests ship it
// under a .zip name so content sniffing never rejects it.
func testFileBytes(n int) []byte {
	data := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	rng.Read(data)
	return data
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSplitFileChunkCount(t *testing.T) {
	e := newTestEngine(t, Config{ChunkSize: 64 * 1024})
	data := testFileBytes(200 * 1024)

	meta, chunks, err := e.SplitFile(context.Background(), "case-bundle.zip", data)
	if err != nil {
		t.Fatalf("SplitFile failed: %v", err)
	}
	if meta.TotalChunks != 4 {
		t.Errorf("expected 4 chunks for 200KB at 64KB, got %d", meta.TotalChunks)
	}
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunk records, got %d", len(chunks))
	}
	sum := 0
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Errorf("chunk %d has index %d", i, c.ChunkIndex)
		}
		if c.ChunkSize != len(c.Data) {
			t.Errorf("chunk %d size field %d != data length %d", i, c.ChunkSize, len(c.Data))
		}
		sum += c.ChunkSize
	}
	if int64(sum) != meta.FileSize {
		t.Errorf("chunk sizes sum to %d, file size is %d", sum, meta.FileSize)
	}
	if meta.FileType != models.CategoryDocument {
		t.Errorf("expected document category, got %s", meta.FileType)
	}

	progress, err := e.TransferProgress(meta.TransferID)
	if err != nil {
		t.Fatalf("TransferProgress failed: %v", err)
	}
	if progress.ChunksProcessed != 4 {
		t.Errorf("expected 4 chunks processed, got %d", progress.ChunksProcessed)
	}
}

func TestReassembleRoundTrip(t *testing.T) {
	e := newTestEngine(t, Config{ChunkSize: 4 * 1024})
	data := testFileBytes(10*1024 + 17)

	meta, chunks, err := e.SplitFile(context.Background(), "exhibit.zip", data)
	if err != nil {
		t.Fatalf("SplitFile failed: %v", err)
	}

	byIndex := make(map[int]models.FileChunk, len(chunks))
	for _, c := range chunks {
		byIndex[c.ChunkIndex] = c
	}
	got, err := Reassemble(byIndex, meta)
	if err != nil {
		t.Fatalf("Reassemble failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("reassembled bytes differ from original")
	}
}

func TestReassembleMissingChunk(t *testing.T) {
	e := newTestEngine(t, Config{ChunkSize: 1024})
	data := testFileBytes(3 * 1024)

	meta, chunks, err := e.SplitFile(context.Background(), "exhibit.zip", data)
	if err != nil {
		t.Fatalf("SplitFile failed: %v", err)
	}

	byIndex := make(map[int]models.FileChunk)
	for _, c := range chunks {
		if c.ChunkIndex == 1 {
			continue
		}
		byIndex[c.ChunkIndex] = c
	}
	if _, err := Reassemble(byIndex, meta); !errors.Is(err, ErrIncompleteChunks) {
		t.Errorf("expected ErrIncompleteChunks, got %v", err)
	}
}

func TestReassembleCorruptedContent(t *testing.T) {
	e := newTestEngine(t, Config{ChunkSize: 1024})
	data := testFileBytes(2 * 1024)

	meta, chunks, err := e.SplitFile(context.Background(), "exhibit.zip", data)
	if err != nil {
		t.Fatalf("SplitFile failed: %v", err)
	}

	byIndex := make(map[int]models.FileChunk, len(chunks))
	for _, c := range chunks {
		c.Data = append([]byte(nil), c.Data...)
		byIndex[c.ChunkIndex] = c
	}
	byIndex[0].Data[10] ^= 0xFF
	if _, err := Reassemble(byIndex, meta); !errors.Is(err, ErrIntegrityFailed) {
		t.Errorf("expected ErrIntegrityFailed, got %v", err)
	}
}

func TestSplitFileCancelledContext(t *testing.T) {
	e := newTestEngine(t, Config{ChunkSize: 1024})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := e.SplitFile(ctx, "exhibit.zip", testFileBytes(8*1024))
	if !errors.Is(err, ErrTransferCancelled) {
		t.Fatalf("expected ErrTransferCancelled, got %v", err)
	}

	transfers := e.ActiveTransfers()
	if len(transfers) != 1 {
		t.Fatalf("expected 1 tracked transfer, got %d", len(transfers))
	}
	if transfers[0].Status != models.TransferCancelled {
		t.Errorf("expected cancelled status, got %s", transfers[0].Status)
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		name string
		from models.TransferStatus
		to   models.TransferStatus
		ok   bool
	}{
		{"PreparingToTransferring", models.TransferPreparing, models.TransferTransferring, true},
		{"TransferringToPaused", models.TransferTransferring, models.TransferPaused, true},
		{"PausedToTransferring", models.TransferPaused, models.TransferTransferring, true},
		{"TransferringToCompleted", models.TransferTransferring, models.TransferCompleted, true},
		{"PreparingToCompleted", models.TransferPreparing, models.TransferCompleted, false},
		{"CompletedToTransferring", models.TransferCompleted, models.TransferTransferring, false},
		{"CancelledToFailed", models.TransferCancelled, models.TransferFailed, false},
		{"SameState", models.TransferPaused, models.TransferPaused, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := legalTransition(tc.from, tc.to); got != tc.ok {
				t.Errorf("legalTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
			}
		})
	}
}

func TestUpdateTransferStatusRejectsIllegal(t *testing.T) {
	e := newTestEngine(t, Config{ChunkSize: 1024})
	meta, _, err := e.SplitFile(context.Background(), "exhibit.zip", testFileBytes(1024))
	if err != nil {
		t.Fatalf("SplitFile failed: %v", err)
	}

	if err := e.UpdateTransferStatus(meta.TransferID, models.TransferCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for preparing -> completed, got %v", err)
	}
	if err := e.UpdateTransferStatus(meta.TransferID, models.TransferTransferring); err != nil {
		t.Errorf("preparing -> transferring should succeed: %v", err)
	}
	if err := e.UpdateTransferStatus("no-such-transfer", models.TransferFailed); !errors.Is(err, ErrUnknownTransfer) {
		t.Errorf("expected ErrUnknownTransfer, got %v", err)
	}
}

func TestCancelTransfer(t *testing.T) {
	e := newTestEngine(t, Config{ChunkSize: 1024})
	meta, _, err := e.SplitFile(context.Background(), "exhibit.zip", testFileBytes(4*1024))
	if err != nil {
		t.Fatalf("SplitFile failed: %v", err)
	}

	if err := e.CancelTransfer(meta.TransferID); err != nil {
		t.Fatalf("CancelTransfer failed: %v", err)
	}
	progress, err := e.TransferProgress(meta.TransferID)
	if err != nil {
		t.Fatalf("TransferProgress failed: %v", err)
	}
	if progress.Status != models.TransferCancelled {
		t.Errorf("expected cancelled, got %s", progress.Status)
	}
	if err := e.CancelTransfer(meta.TransferID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("cancelling a terminal transfer should fail, got %v", err)
	}
}

func TestTerminalTransferEvicted(t *testing.T) {
	e := newTestEngine(t, Config{ChunkSize: 1024, CleanupDelay: 20 * time.Millisecond})
	meta, _, err := e.SplitFile(context.Background(), "exhibit.zip", testFileBytes(1024))
	if err != nil {
		t.Fatalf("SplitFile failed: %v", err)
	}
	if err := e.CancelTransfer(meta.TransferID); err != nil {
		t.Fatalf("CancelTransfer failed: %v", err)
	}

	waitFor(t, func() bool {
		_, err := e.TransferProgress(meta.TransferID)
		return errors.Is(err, ErrUnknownTransfer)
	})
}

func TestIncomingTransferFlow(t *testing.T) {
	sender := newTestEngine(t, Config{ChunkSize: 2 * 1024})
	receiver := newTestEngine(t, Config{ChunkSize: 2 * 1024})
	data := testFileBytes(5 * 1024)

	meta, chunks, err := sender.SplitFile(context.Background(), "petition.zip", data)
	if err != nil {
		t.Fatalf("SplitFile failed: %v", err)
	}

	var completed models.FileMetadata
	var gotData []byte
	receiver.SetEventListeners(Listeners{
		OnTransferComplete: func(m models.FileMetadata, b []byte) {
			completed = m
			gotData = b
		},
	})

	if err := receiver.RegisterIncoming(meta); err != nil {
		t.Fatalf("RegisterIncoming failed: %v", err)
	}
	if err := receiver.RegisterIncoming(meta); err == nil {
		t.Error("duplicate registration should fail")
	}

	for i, c := range chunks {
		done, err := receiver.AddChunk(c)
		if err != nil {
			t.Fatalf("AddChunk %d failed: %v", i, err)
		}
		wantDone := i == len(chunks)-1
		if done != wantDone {
			t.Errorf("AddChunk %d reported done=%v, want %v", i, done, wantDone)
		}
	}

	// Duplicates are idempotent.
	if _, err := receiver.AddChunk(chunks[0]); err != nil {
		t.Fatalf("duplicate AddChunk failed: %v", err)
	}

	out, _, err := receiver.CompleteIncoming(meta.TransferID)
	if err != nil {
		t.Fatalf("CompleteIncoming failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("received bytes differ from original")
	}
	if completed.TransferID != meta.TransferID {
		t.Error("OnTransferComplete not invoked with matching metadata")
	}
	if !bytes.Equal(gotData, data) {
		t.Error("OnTransferComplete delivered wrong bytes")
	}

	progress, err := receiver.TransferProgress(meta.TransferID)
	if err != nil {
		t.Fatalf("TransferProgress failed: %v", err)
	}
	if progress.Status != models.TransferCompleted {
		t.Errorf("expected completed, got %s", progress.Status)
	}
}

func TestAddChunkRejectsBadHash(t *testing.T) {
	sender := newTestEngine(t, Config{ChunkSize: 1024})
	receiver := newTestEngine(t, Config{ChunkSize: 1024})

	meta, chunks, err := sender.SplitFile(context.Background(), "exhibit.zip", testFileBytes(2*1024))
	if err != nil {
		t.Fatalf("SplitFile failed: %v", err)
	}
	if err := receiver.RegisterIncoming(meta); err != nil {
		t.Fatalf("RegisterIncoming failed: %v", err)
	}

	bad := chunks[0]
	bad.Data = append([]byte(nil), bad.Data...)
	bad.Data[0] ^= 0xFF
	if _, err := receiver.AddChunk(bad); !errors.Is(err, ErrChunkHashMismatch) {
		t.Fatalf("expected ErrChunkHashMismatch, got %v", err)
	}

	// The bad chunk is isolated; the good copy still lands.
	if _, err := receiver.AddChunk(chunks[0]); err != nil {
		t.Fatalf("good chunk rejected after bad one: %v", err)
	}

	oob := chunks[1]
	oob.ChunkIndex = 99
	if _, err := receiver.AddChunk(oob); err == nil {
		t.Error("out-of-range chunk index should be rejected")
	}
}

func TestCompleteIncomingFailsShort(t *testing.T) {
	sender := newTestEngine(t, Config{ChunkSize: 1024})
	receiver := newTestEngine(t, Config{ChunkSize: 1024})

	var failedID string
	receiver.SetEventListeners(Listeners{
		OnTransferError: func(id string, err error) { failedID = id },
	})

	meta, chunks, err := sender.SplitFile(context.Background(), "exhibit.zip", testFileBytes(3*1024))
	if err != nil {
		t.Fatalf("SplitFile failed: %v", err)
	}
	if err := receiver.RegisterIncoming(meta); err != nil {
		t.Fatalf("RegisterIncoming failed: %v", err)
	}
	if _, err := receiver.AddChunk(chunks[0]); err != nil {
		t.Fatalf("AddChunk failed: %v", err)
	}

	if _, _, err := receiver.CompleteIncoming(meta.TransferID); !errors.Is(err, ErrIncompleteChunks) {
		t.Fatalf("expected ErrIncompleteChunks, got %v", err)
	}
	if failedID != meta.TransferID {
		t.Error("OnTransferError not invoked for failed reassembly")
	}
	progress, err := receiver.TransferProgress(meta.TransferID)
	if err != nil {
		t.Fatalf("TransferProgress failed: %v", err)
	}
	if progress.Status != models.TransferFailed {
		t.Errorf("expected failed, got %s", progress.Status)
	}
}

func TestSealedChunkRoundTrip(t *testing.T) {
	sender := newTestEngine(t, Config{ChunkSize: 1024, SealChunks: true})
	receiver := newTestEngine(t, Config{ChunkSize: 1024, SealChunks: true})
	data := testFileBytes(2*1024 + 100)

	meta, chunks, err := sender.SplitFile(context.Background(), "sealed.zip", data)
	if err != nil {
		t.Fatalf("SplitFile failed: %v", err)
	}
	key, err := sender.TransferKey(meta.TransferID)
	if err != nil {
		t.Fatalf("TransferKey failed: %v", err)
	}

	if err := receiver.RegisterIncoming(meta); err != nil {
		t.Fatalf("RegisterIncoming failed: %v", err)
	}
	if err := receiver.SetTransferKey(meta.TransferID, key); err != nil {
		t.Fatalf("SetTransferKey failed: %v", err)
	}

	for _, c := range chunks {
		sealed, err := sender.SealChunk(c)
		if err != nil {
			t.Fatalf("SealChunk %d failed: %v", c.ChunkIndex, err)
		}
		if bytes.Equal(sealed.Data, c.Data) {
			t.Fatal("sealed chunk equals plaintext")
		}
		if _, err := receiver.AddChunk(sealed); err != nil {
			t.Fatalf("AddChunk sealed %d failed: %v", c.ChunkIndex, err)
		}
	}

	out, _, err := receiver.CompleteIncoming(meta.TransferID)
	if err != nil {
		t.Fatalf("CompleteIncoming failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("decrypted bytes differ from original")
	}
}

func TestValidateFileSize(t *testing.T) {
	e := newTestEngine(t, Config{MaxFileSize: 1024})
	if err := e.ValidateFileSize(0); !errors.Is(err, ErrEmptyFile) {
		t.Errorf("expected ErrEmptyFile, got %v", err)
	}
	if err := e.ValidateFileSize(2048); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
	if err := e.ValidateFileSize(512); err != nil {
		t.Errorf("expected size to be accepted, got %v", err)
	}
}

func TestValidateFileType(t *testing.T) {
	e := newTestEngine(t, Config{})

	t.Run("DocumentByExtension", func(t *testing.T) {
		category, _, err := e.ValidateFileType("motion.pdf", []byte("%PDF-1.7 minimal"))
		if err != nil {
			t.Fatalf("ValidateFileType failed: %v", err)
		}
		if category != models.CategoryDocument {
			t.Errorf("expected document, got %s", category)
		}
	})

	t.Run("UnknownExtensionRejected", func(t *testing.T) {
		if _, _, err := e.ValidateFileType("payload.exe", testFileBytes(64)); !errors.Is(err, ErrUnsupportedType) {
			t.Errorf("expected ErrUnsupportedType, got %v", err)
		}
	})

	t.Run("CategoryAllowList", func(t *testing.T) {
		restricted := newTestEngine(t, Config{Allowed: []models.FileCategory{models.CategoryImage}})
		if _, _, err := restricted.ValidateFileType("notes.txt", []byte("plain text notes")); !errors.Is(err, ErrUnsupportedType) {
			t.Errorf("expected ErrUnsupportedType for disallowed category, got %v", err)
		}
	})
}

func TestValidatePickerResult(t *testing.T) {
	e := newTestEngine(t, Config{MaxFileSize: 1024})
	if _, err := e.ValidatePickerResult("empty.txt", nil); !errors.Is(err, ErrEmptyFile) {
		t.Errorf("expected ErrEmptyFile, got %v", err)
	}
	category, err := e.ValidatePickerResult("notes.txt", []byte("hearing notes"))
	if err != nil {
		t.Fatalf("ValidatePickerResult failed: %v", err)
	}
	if category != models.CategoryDocument {
		t.Errorf("expected document, got %s", category)
	}
}
