package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned by Get for an unknown handle.
var ErrNotFound = errors.New("blob not found")

// Handle addresses a blob by its content: the hex SHA-256 of the bytes.
type Handle string

// HandleOf computes the handle for data.
func HandleOf(data []byte) Handle {
	sum := sha256.Sum256(data)
	return Handle(hex.EncodeToString(sum[:]))
}

func (h Handle) String() string { return string(h) }

// Valid reports whether h looks like a handle produced by HandleOf.
func (h Handle) Valid() bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(h))
	return err == nil
}

// BlobStore is content-addressed storage for room-state snapshots and
// message blobs. Putting the same bytes twice yields the same handle.
type BlobStore interface {
	// Put stores data and returns its handle.
	Put(ctx context.Context, data []byte) (Handle, error)

	// Get returns the bytes for h, or ErrNotFound.
	Get(ctx context.Context, h Handle) ([]byte, error)
}
