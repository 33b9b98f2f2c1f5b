package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Persister saves the pair outside the process.
//
// Save and Clear act on both credentials at once. Load returns ErrNotFound
// when nothing is stored.
type Persister interface {
	Load(ctx context.Context) (Pair, error)
	Save(ctx context.Context, p Pair) error
	Clear(ctx context.Context) error
}

// Store holds the current credential pair.
//
// Each mutation is one critical section, so readers never observe a half
// written pair. Writers are serialized through the persister as well, so the
// persisted pair never lags behind a later Clear.
type Store struct {
	log     *slog.Logger
	persist Persister

	wmu  sync.Mutex
	mu   sync.RWMutex
	pair Pair

	obsMu     sync.Mutex
	observers []func(Pair, bool)
}

// NewStore constructs a Store. persist may be nil for memory-only operation.
func NewStore(log *slog.Logger, persist Persister) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{log: log, persist: persist}
}

// Get returns the current pair and whether one is present.
func (s *Store) Get() (Pair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, s.pair.Valid()
}

// AccessToken returns the current access credential or "".
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair.Access
}

// RefreshToken returns the current renewal credential or "".
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair.Refresh
}

// Set replaces the pair. Half pairs are rejected with ErrInconsistentPair.
// The memory value is updated even when persisting fails; the persist error
// is returned.
func (s *Store) Set(ctx context.Context, p Pair) error {
	_, err := s.replace(ctx, p, nil)
	return err
}

// SetIf replaces the pair only while the stored renewal credential still
// equals expectedRefresh. It reports whether the write happened. A pair
// cleared or replaced in the meantime is left alone and nothing is
// persisted.
func (s *Store) SetIf(ctx context.Context, expectedRefresh string, p Pair) (bool, error) {
	return s.replace(ctx, p, func(cur Pair) bool { return cur.Refresh == expectedRefresh })
}

func (s *Store) replace(ctx context.Context, p Pair, cond func(Pair) bool) (bool, error) {
	if !p.Valid() {
		return false, ErrInconsistentPair
	}

	s.wmu.Lock()
	s.mu.Lock()
	if cond != nil && !cond(s.pair) {
		s.mu.Unlock()
		s.wmu.Unlock()
		return false, nil
	}
	s.pair = p
	s.mu.Unlock()

	var err error
	if s.persist != nil {
		if perr := s.persist.Save(ctx, p); perr != nil {
			s.log.Warn("credential.persist.save_fail", "err", perr)
			err = fmt.Errorf("persist credentials: %w", perr)
		}
	}
	s.wmu.Unlock()

	s.notify(p, true)
	return true, err
}

// Clear removes both credentials. Memory is cleared first and always.
func (s *Store) Clear(ctx context.Context) error {
	s.wmu.Lock()
	had, err := s.clearLocked(ctx)
	s.wmu.Unlock()

	if had {
		s.notify(Pair{}, false)
	}
	return err
}

func (s *Store) clearLocked(ctx context.Context) (bool, error) {
	s.mu.Lock()
	had := !s.pair.IsZero()
	s.pair = Pair{}
	s.mu.Unlock()

	if s.persist == nil {
		return had, nil
	}
	if err := s.persist.Clear(ctx); err != nil {
		s.log.Warn("credential.persist.clear_fail", "err", err)
		return had, fmt.Errorf("clear persisted credentials: %w", err)
	}
	return had, nil
}

// Load reads the persisted pair into memory. It reports whether a complete
// pair was found. A persisted half pair is treated as corrupt and cleared.
func (s *Store) Load(ctx context.Context) (bool, error) {
	if s.persist == nil {
		_, ok := s.Get()
		return ok, nil
	}

	s.wmu.Lock()
	p, err := s.persist.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		s.wmu.Unlock()
		return false, nil
	}
	if err != nil {
		s.wmu.Unlock()
		return false, fmt.Errorf("load persisted credentials: %w", err)
	}
	if !p.Valid() {
		s.log.Warn("credential.persist.inconsistent")
		had, cerr := s.clearLocked(ctx)
		s.wmu.Unlock()
		if had {
			s.notify(Pair{}, false)
		}
		return false, cerr
	}

	s.mu.Lock()
	s.pair = p
	s.mu.Unlock()
	s.wmu.Unlock()

	s.notify(p, true)
	return true, nil
}

// OnChange registers an observer called after every Set, Load and effective Clear.
func (s *Store) OnChange(fn func(p Pair, present bool)) {
	if fn == nil {
		return
	}
	s.obsMu.Lock()
	s.observers = append(s.observers, fn)
	s.obsMu.Unlock()
}

func (s *Store) notify(p Pair, present bool) {
	s.obsMu.Lock()
	obs := append([]func(Pair, bool){}, s.observers...)
	s.obsMu.Unlock()

	for _, fn := range obs {
		fn(p, present)
	}
}
