// Package docstore holds the replicas hosted by one node, keyed by document
// identity. The store only serializes map access; each replica serializes
// its own mutations.
package docstore

import (
	"context"
	"errors"
	"sync"

	"github.com/ryandielhenn/driftdoc/pkg/document"
)

var (
	ErrExists   = errors.New("document already exists")
	ErrNotFound = errors.New("document not found")
)

type Store struct {
	mu   sync.RWMutex
	docs map[string]*document.Replica
}

func New() *Store {
	return &Store{docs: make(map[string]*document.Replica)}
}

// Create registers a replica. Fails if the identity is already hosted.
func (s *Store) Create(r *document.Replica) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := r.Identity()
	if _, ok := s.docs[id]; ok {
		return ErrExists
	}
	s.docs[id] = r
	return nil
}

func (s *Store) Get(identity string) (*document.Replica, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.docs[identity]
	return r, ok
}

// Delete removes and closes a replica, releasing its dispatcher.
func (s *Store) Delete(identity string) bool {
	s.mu.Lock()
	r, ok := s.docs[identity]
	if ok {
		delete(s.docs, identity)
	}
	s.mu.Unlock()
	if ok {
		r.Close()
	}
	return ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// ForEach visits every hosted replica. The callback runs without the store
// lock so it may patch or close replicas.
func (s *Store) ForEach(fn func(*document.Replica)) {
	s.mu.RLock()
	replicas := make([]*document.Replica, 0, len(s.docs))
	for _, r := range s.docs {
		replicas = append(replicas, r)
	}
	s.mu.RUnlock()
	for _, r := range replicas {
		fn(r)
	}
}

// Close closes every hosted replica.
func (s *Store) Close() {
	s.ForEach(func(r *document.Replica) { r.Close() })
}

// ReadState implements document.StateReader: the generic read path used by
// the optimistic startup read-back.
func (s *Store) ReadState(ctx context.Context, identity string) (document.State, error) {
	if err := ctx.Err(); err != nil {
		return document.State{}, err
	}
	r, ok := s.Get(identity)
	if !ok {
		return document.State{}, ErrNotFound
	}
	return r.Snapshot(), nil
}
