package credential

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/blacktop/xpostd/internal/logutil"
	"github.com/blacktop/xpostd/internal/xpost"
)

// Persister saves credentials outside the process.
type Persister interface {
	Load(ctx context.Context) (map[xpost.Destination]xpost.Credential, error)
	Save(ctx context.Context, dest xpost.Destination, cred xpost.Credential) error
	Delete(ctx context.Context, dest xpost.Destination) error
	Close() error
}

// Store holds the active credential per destination. Values are deep-copied on
// the way in and out, so a reader never shares memory with a writer.
type Store struct {
	mu    sync.RWMutex
	creds map[xpost.Destination]xpost.Credential
	// wmu serializes writers across persistence and the map update, so the
	// persisted and in-memory values never diverge.
	wmu     sync.Mutex
	persist Persister
}

// NewStore returns an in-memory store. p may be nil.
func NewStore(p Persister) *Store {
	return &Store{
		creds:   make(map[xpost.Destination]xpost.Credential),
		persist: p,
	}
}

// Open loads persisted credentials into a new store.
func Open(ctx context.Context, p Persister) (*Store, error) {
	s := NewStore(p)
	if p == nil {
		return s, nil
	}
	loaded, err := p.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	for dest, cred := range loaded {
		s.creds[dest] = cred.Clone()
	}
	logutil.Debugf("loaded %d persisted credential(s)", len(loaded))
	return s, nil
}

// Get returns a copy of the credential for dest.
func (s *Store) Get(dest xpost.Destination) (xpost.Credential, bool) {
	s.mu.RLock()
	cred, ok := s.creds[dest]
	s.mu.RUnlock()
	if !ok {
		return xpost.Credential{}, false
	}
	return cred.Clone(), true
}

// Set replaces the credential for dest. When persistence fails the in-memory
// value is left untouched.
func (s *Store) Set(ctx context.Context, dest xpost.Destination, cred xpost.Credential) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.set(ctx, dest, cred)
}

// SetIfAbsent stores cred only when dest has no credential yet.
func (s *Store) SetIfAbsent(ctx context.Context, dest xpost.Destination, cred xpost.Credential) (bool, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, ok := s.Get(dest); ok {
		return false, nil
	}
	if err := s.set(ctx, dest, cred); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) set(ctx context.Context, dest xpost.Destination, cred xpost.Credential) error {
	cp := cred.Clone()
	if s.persist != nil {
		if err := s.persist.Save(ctx, dest, cp); err != nil {
			return fmt.Errorf("persist %s credential: %w", dest, err)
		}
	}
	s.mu.Lock()
	s.creds[dest] = cp
	s.mu.Unlock()
	return nil
}

// Delete removes the credential for dest.
func (s *Store) Delete(ctx context.Context, dest xpost.Destination) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.persist != nil {
		if err := s.persist.Delete(ctx, dest); err != nil {
			return fmt.Errorf("delete %s credential: %w", dest, err)
		}
	}
	s.mu.Lock()
	delete(s.creds, dest)
	s.mu.Unlock()
	return nil
}

// Destinations lists destinations with a stored credential, sorted.
func (s *Store) Destinations() []xpost.Destination {
	s.mu.RLock()
	out := make([]xpost.Destination, 0, len(s.creds))
	for dest := range s.creds {
		out = append(out, dest)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close releases the persister.
func (s *Store) Close() error {
	if s.persist == nil {
		return nil
	}
	return s.persist.Close()
}
