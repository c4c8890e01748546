// Package crypto implements the AES-256-GCM confidentiality and
// joinability service: random-IV sealing for values that must stay
// unlinkable across records, and deterministic-IV sealing for values
// that must encrypt identically every time so an index over the
// ciphertext remains useful.
//
// One key is shared by every installation. Anyone holding it can open
// both the stored records and the uploaded action ciphertexts; the
// aggregator sees only opaque tokens for as long as it does not hold
// the key.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/predictlib/corelib/internal/core"
)

const (
	keyHexLen  = 64 // 32 bytes, AES-256
	nonceLen   = 12 // GCM standard nonce size
	ivMapStore = "ivmap:"
)

// Service is the AES-256-GCM crypto service (C1). Deterministic IVs are
// looked up and persisted through a KeyValueStore so that the same
// plaintext always seals to the same ciphertext, even across process
// restarts and key-value store reloads.
type Service struct {
	gcm cipher.AEAD
	kv  core.KeyValueStore
	log *slog.Logger
}

// New builds a Service from a 64-character hex-encoded AES-256 key. Any
// malformed or absent key is a ConfigurationError — the caller should
// treat this as fatal at startup, per the library's error handling
// design.
func New(hexKey string, kv core.KeyValueStore, log *slog.Logger) (*Service, error) {
	if len(hexKey) != keyHexLen {
		return nil, &core.ConfigurationError{
			Reason: fmt.Sprintf("ENCRYPTION_KEY must be %d hex characters, got %d", keyHexLen, len(hexKey)),
		}
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, &core.ConfigurationError{Reason: "ENCRYPTION_KEY is not valid hex", Cause: err}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &core.ConfigurationError{Reason: "ENCRYPTION_KEY could not be loaded as an AES key", Cause: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &core.ConfigurationError{Reason: "failed to initialize AES-GCM", Cause: err}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{gcm: gcm, kv: kv, log: log}, nil
}

// Encrypt seals plaintext with a fresh random nonce. Two calls on the
// same plaintext never produce the same ciphertext.
func (s *Service) Encrypt(plaintext string) (ciphertext, iv string, err error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", &core.CryptoFailure{Op: "encrypt", Cause: err}
	}
	sealed := s.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(nonce), nil
}

// EncryptDeterministic seals plaintext with an IV that is stable for
// that exact plaintext across calls and process restarts. The first
// call for a given plaintext generates a random IV and persists it
// (keyed by the plaintext's SHA-256 digest, never the plaintext itself)
// before the ciphertext is returned; every later call for the same
// plaintext reuses the stored IV.
func (s *Service) EncryptDeterministic(ctx context.Context, plaintext string) (ciphertext, iv string, err error) {
	key := ivMapKey(plaintext)
	stored, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", "", &core.CryptoFailure{Op: "encrypt_deterministic.lookup", Cause: err}
	}

	var nonce []byte
	if found {
		nonce, err = base64.StdEncoding.DecodeString(stored)
		if err != nil {
			return "", "", &core.CryptoFailure{Op: "encrypt_deterministic.decode_stored_iv", Cause: err}
		}
	} else {
		nonce = make([]byte, nonceLen)
		if _, err := rand.Read(nonce); err != nil {
			return "", "", &core.CryptoFailure{Op: "encrypt_deterministic.generate_iv", Cause: err}
		}
		encoded := base64.StdEncoding.EncodeToString(nonce)
		if err := s.kv.Put(ctx, key, encoded); err != nil {
			return "", "", &core.CryptoFailure{Op: "encrypt_deterministic.persist_iv", Cause: err}
		}
		s.log.Debug("minted new deterministic iv", "key", key)
	}

	sealed := s.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt opens a ciphertext produced by either Encrypt or
// EncryptDeterministic, given the IV returned alongside it.
func (s *Service) Decrypt(ciphertext, iv string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &core.CryptoFailure{Op: "decrypt.decode_ciphertext", Cause: err}
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", &core.CryptoFailure{Op: "decrypt.decode_iv", Cause: err}
	}
	plain, err := s.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &core.CryptoFailure{Op: "decrypt.open", Cause: err}
	}
	return string(plain), nil
}

func ivMapKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return ivMapStore + hex.EncodeToString(sum[:])
}

var _ core.Crypto = (*Service)(nil)
