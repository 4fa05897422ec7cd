package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key size used for chunk sealing.
	KeySize   = 32
	NonceSize = 12
)

var (
	ErrInvalidKeySize = errors.New("invalid key size")
	ErrOpenFailed     = errors.New("chunk open failed")
)

// HashBytes returns the hex SHA-256 digest of data. File and chunk hashes
// throughout the transfer engine are computed with this.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader hashes a stream without buffering it whole.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// NewTransferKey generates a fresh per-transfer sealing key.
func NewTransferKey() ([]byte, error) {
	return GenerateRandomBytes(KeySize)
}

// GenerateRandomBytes generates cryptographically secure random bytes
func GenerateRandomBytes(size int) ([]byte, error) {
	bytes := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, bytes); err != nil {
		return nil, err
	}
	return bytes, nil
}

// DeriveKey derives a key from a secret using HKDF-SHA256
func DeriveKey(secret, salt, info []byte, keyLen int) ([]byte, error) {
	kdf := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// chunkNonce derives a deterministic nonce for one chunk of one transfer.
// Each (key, transferID, index) triple is sealed at most once, so nonce
// reuse under a key cannot occur.
func chunkNonce(key []byte, transferID string, index int) ([]byte, error) {
	info := make([]byte, 0, len(transferID)+8)
	info = append(info, transferID...)
	info = binary.BigEndian.AppendUint64(info, uint64(index))
	return DeriveKey(key, nil, info, NonceSize)
}

// SealChunk encrypts a chunk payload with AES-256-GCM. The transfer id and
// chunk index are bound as associated data, so a sealed chunk cannot be
// replayed at a different position.
func SealChunk(key []byte, transferID string, index int, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce, err := chunkNonce(key, transferID, index)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, chunkAAD(transferID, index)), nil
}

// OpenChunk reverses SealChunk. Tampered or misplaced chunks fail with
// ErrOpenFailed.
func OpenChunk(key []byte, transferID string, index int, sealed []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce, err := chunkNonce(key, transferID, index)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, chunkAAD(transferID, index))
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

func chunkAAD(transferID string, index int) []byte {
	aad := make([]byte, 0, len(transferID)+8)
	aad = append(aad, transferID...)
	aad = binary.BigEndian.AppendUint64(aad, uint64(index))
	return aad
}
