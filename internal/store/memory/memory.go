package memory

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/vovakirdan/wiremesh/internal/store"
)

// Store keeps blobs in process memory. Contents are lost on restart.
type Store struct {
	blobs *xsync.MapOf[store.Handle, []byte]
}

// New creates an empty in-memory blob store.
func New() *Store {
	return &Store{blobs: xsync.NewMapOf[store.Handle, []byte]()}
}

// Put stores a copy of data.
func (s *Store) Put(ctx context.Context, data []byte) (store.Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := store.HandleOf(data)
	s.blobs.LoadOrStore(h, append([]byte(nil), data...))
	return h, nil
}

// Get returns a copy of the blob for h.
func (s *Store) Get(ctx context.Context, h store.Handle) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := s.blobs.Load(h)
	if !ok {
		return nil, fmt.Errorf("get %s: %w", h, store.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Len returns the number of distinct blobs held.
func (s *Store) Len() int {
	return s.blobs.Size()
}
