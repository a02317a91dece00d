package blobstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/and161185/securehub/internal/errs"
)

const (
	sealedVersion = 1
	objectKeyLen  = chacha20poly1305.KeySize
	// MinMasterKeyLen is the shortest accepted master key.
	MinMasterKeyLen = 16
)

// ErrTampered is returned when a stored object fails authentication.
var ErrTampered = errors.New("blobstore: object failed authentication")

// Sealed encrypts objects with XChaCha20-Poly1305 before handing them to the
// wrapped store. Every object has its own key derived from the master key with
// HKDF-SHA256, and its storage key is bound as additional data.
//
// Layout: version(1) || nonce(24) || ciphertext.
type Sealed struct {
	next   Store
	master []byte
}

// NewSealed wraps next. master must be at least MinMasterKeyLen bytes.
func NewSealed(next Store, master []byte) (*Sealed, error) {
	if len(master) < MinMasterKeyLen {
		return nil, fmt.Errorf("%w: blob encryption key must be at least %d bytes", errs.ErrValidation, MinMasterKeyLen)
	}
	return &Sealed{next: next, master: append([]byte(nil), master...)}, nil
}

func (s *Sealed) objectKey(key string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, []byte("securehub/blob"), []byte(key))
	k := make([]byte, objectKeyLen)
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, err
	}
	return k, nil
}

func (s *Sealed) Put(ctx context.Context, key string, data []byte, _ string) error {
	k, err := s.objectKey(key)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return err
	}
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(data)+aead.Overhead())
	out[0] = sealedVersion
	nonce := out[1:]
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	out = aead.Seal(out, nonce, data, []byte(key))
	return s.next.Put(ctx, key, out, "application/octet-stream")
}

func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(blob) < 1+chacha20poly1305.NonceSizeX || blob[0] != sealedVersion {
		return nil, fmt.Errorf("%w: %s", ErrTampered, key)
	}
	k, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return nil, err
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTampered, key)
	}
	return plain, nil
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.next.Delete(ctx, key)
}
