// Package secretmgr implements the Secret Manager (C1): it generates,
// encrypts, holds, and one-shot-reveals the 32-byte pre-images keyed by
// their SHA-256 hash.
package secretmgr

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/1balancer/swap-orchestrator/pkg/utils"
)

const (
	CodeSecretNotFound        = "SECRET_NOT_FOUND"
	CodeSecretExpired         = "SECRET_EXPIRED"
	CodeSecretAlreadyRevealed = "SECRET_ALREADY_REVEALED"
	CodeSecretMismatch        = "SECRET_MISMATCH"

	// PreimageSize is the fixed length of a hashlock pre-image in bytes.
	PreimageSize = 32

	// DefaultLifetime is the default secret lifetime (spec §4.1).
	DefaultLifetime = 24 * time.Hour
)

// Hash is the 32-byte SHA-256 digest committing to a preimage.
type Hash [32]byte

// Preimage is the 32-byte random value whose hash is the hashlock.
type Preimage [32]byte

type record struct {
	ciphertext []byte
	nonce      []byte
	createdAt  time.Time
	expiresAt  time.Time
	revealed   bool
	mu         sync.Mutex
}

// Manager holds secret records in memory, encrypted at rest with a
// process-scoped AEAD key, and guarantees at-most-once reveal under
// concurrent callers.
type Manager struct {
	aead     cipher.AEAD
	lifetime time.Duration

	mu      sync.RWMutex
	records map[Hash]*record

	log *zap.SugaredLogger
}

// New constructs a Manager with a process-scoped symmetric key (normally
// supplied by a credential vault, spec §6.3) and a secret lifetime. If
// lifetime is zero, DefaultLifetime is used.
func New(key [chacha20poly1305.KeySize]byte, lifetime time.Duration) (*Manager, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, utils.Wrap(err, "init secret manager cipher")
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Manager{
		aead:     aead,
		lifetime: lifetime,
		records:  make(map[Hash]*record),
		log:      zap.L().Sugar().Named("secretmgr"),
	}, nil
}

// Create draws 32 cryptographically strong random bytes, computes their
// SHA-256 hash, encrypts the preimage, and indexes the record by hash. It
// returns both the preimage (once) and the hash.
func (m *Manager) Create() (Preimage, Hash, error) {
	var pre Preimage
	if _, err := rand.Read(pre[:]); err != nil {
		return Preimage{}, Hash{}, utils.Wrap(err, "generate preimage")
	}
	hash := sha256.Sum256(pre[:])

	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Preimage{}, Hash{}, utils.Wrap(err, "generate nonce")
	}
	ciphertext := m.aead.Seal(nil, nonce, pre[:], hash[:])

	now := time.Now()
	rec := &record{
		ciphertext: ciphertext,
		nonce:      nonce,
		createdAt:  now,
		expiresAt:  now.Add(m.lifetime),
	}

	m.mu.Lock()
	m.records[hash] = rec
	m.mu.Unlock()

	m.log.Debugw("secret created", "hash", hash)
	return pre, hash, nil
}

// Reveal decrypts and returns the preimage for hash, atomically marking it
// as revealed. A second call for the same hash fails with
// SECRET_ALREADY_REVEALED. Concurrent callers racing on the same hash are
// guaranteed at-most-once success.
func (m *Manager) Reveal(hash Hash) (Preimage, error) {
	m.mu.RLock()
	rec, ok := m.records[hash]
	m.mu.RUnlock()
	if !ok {
		return Preimage{}, utils.NewCodedError(CodeSecretNotFound, "no secret for hash")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.revealed {
		return Preimage{}, utils.NewCodedError(CodeSecretAlreadyRevealed, "secret already revealed")
	}
	if time.Now().After(rec.expiresAt) {
		return Preimage{}, utils.NewCodedError(CodeSecretExpired, "secret expired")
	}

	plain, err := m.aead.Open(nil, rec.nonce, rec.ciphertext, hash[:])
	if err != nil {
		return Preimage{}, utils.Wrap(err, "decrypt secret")
	}
	rec.revealed = true

	var pre Preimage
	copy(pre[:], plain)
	m.log.Infow("secret revealed", "hash", hash)
	return pre, nil
}

// VerifyAndStore accepts a caller-proposed preimage, checks it hashes to
// hash, and returns SECRET_MISMATCH if not. Used when an external party
// (e.g. a chain event) presents a revealed preimage that must be checked
// against the expected hashlock before it is trusted.
func VerifyAndStore(hash Hash, preimage Preimage) error {
	got := sha256.Sum256(preimage[:])
	if got != hash {
		return utils.NewCodedError(CodeSecretMismatch, "preimage does not hash to hashlock")
	}
	return nil
}

// Expire deletes the record for hash; subsequent Reveal calls fail with
// SECRET_NOT_FOUND.
func (m *Manager) Expire(hash Hash) {
	m.mu.Lock()
	delete(m.records, hash)
	m.mu.Unlock()
	m.log.Debugw("secret expired", "hash", hash)
}

// ReapExpired deletes all records whose lifetime has elapsed, whether or
// not they were revealed. It should be invoked periodically (e.g. from a ticker goroutine
// started alongside the Manager) to bound memory growth from abandoned
// sessions. It returns the number of records removed.
func (m *Manager) ReapExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for h, rec := range m.records {
		rec.mu.Lock()
		expired := now.After(rec.expiresAt)
		rec.mu.Unlock()
		if expired {
			delete(m.records, h)
			removed++
		}
	}
	if removed > 0 {
		m.log.Infow("reaped expired secrets", "count", removed)
	}
	return removed
}

// String renders a Hash as lowercase hex, matching the wire
// representation used in the public API and notifier payloads.
func (h Hash) String() string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, len(h)*2)
	for i, b := range h {
		buf[i*2] = hexdigits[b>>4]
		buf[i*2+1] = hexdigits[b&0xf]
	}
	return string(buf)
}
