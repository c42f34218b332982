// Package memory keeps the snapshot in process memory only.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/chunkwatch/internal/monitor"
	"github.com/JakeFAU/chunkwatch/internal/snapshot"
)

// Store implements snapshot.Store without persistence. Saved documents are
// encoded so Load returns an independent copy.
type Store struct {
	mu   sync.Mutex
	data []byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Backend implements snapshot.Store.
func (s *Store) Backend() string {
	return "memory"
}

// Load returns the last saved State, or an empty one.
func (s *Store) Load(_ context.Context) (*monitor.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return monitor.NewState(), nil
	}
	return snapshot.Decode(s.data)
}

// Save records st.
func (s *Store) Save(_ context.Context, st *monitor.State) error {
	data, err := snapshot.Encode(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	return nil
}

// Close implements snapshot.Store.
func (s *Store) Close() error {
	return nil
}
