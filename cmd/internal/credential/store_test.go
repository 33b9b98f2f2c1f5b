package credential

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type memPersister struct {
	mu      sync.Mutex
	pair    Pair
	has     bool
	saveErr error
	saves   int
	clears  int
}

func (m *memPersister) Load(context.Context) (Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.has {
		return Pair{}, ErrNotFound
	}
	return m.pair, nil
}

func (m *memPersister) Save(_ context.Context, p Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.pair, m.has = p, true
	return nil
}

func (m *memPersister) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	m.pair, m.has = Pair{}, false
	return nil
}

func TestStore_SetGetClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(nil, nil)

	if _, ok := s.Get(); ok {
		t.Fatalf("new store must be empty")
	}

	if err := s.Set(ctx, Pair{Access: "A1", Refresh: "R1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	p, ok := s.Get()
	if !ok || p.Access != "A1" || p.Refresh != "R1" {
		t.Fatalf("Get=%+v ok=%v", p, ok)
	}
	if s.AccessToken() != "A1" || s.RefreshToken() != "R1" {
		t.Fatalf("token accessors mismatch")
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if p, ok := s.Get(); ok || !p.IsZero() {
		t.Fatalf("expected empty after clear, got %+v", p)
	}
}

func TestStore_RejectsHalfPair(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(nil, nil)
	_ = s.Set(ctx, Pair{Access: "A1", Refresh: "R1"})

	cases := []Pair{
		{Access: "A2"},
		{Refresh: "R2"},
		{},
	}
	for _, p := range cases {
		if err := s.Set(ctx, p); !errors.Is(err, ErrInconsistentPair) {
			t.Fatalf("Set(%v): expected ErrInconsistentPair, got %v", p, err)
		}
	}

	got, _ := s.Get()
	if got.Access != "A1" || got.Refresh != "R1" {
		t.Fatalf("rejected Set must not modify store, got %+v", got)
	}
}

func TestStore_PersistsAndLoads(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mp := &memPersister{}

	s := NewStore(nil, mp)
	if err := s.Set(ctx, Pair{Access: "A1", Refresh: "R1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	s2 := NewStore(nil, mp)
	ok, err := s2.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("Load ok=%v err=%v", ok, err)
	}
	if s2.AccessToken() != "A1" {
		t.Fatalf("loaded access=%q", s2.AccessToken())
	}

	if err := s2.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if mp.has {
		t.Fatalf("persisted pair must be cleared")
	}

	s3 := NewStore(nil, mp)
	ok, err = s3.Load(ctx)
	if err != nil || ok {
		t.Fatalf("Load after clear ok=%v err=%v", ok, err)
	}
}

func TestStore_LoadInconsistentClears(t *testing.T) {
	t.Parallel()

	mp := &memPersister{pair: Pair{Access: "A1"}, has: true}
	s := NewStore(nil, mp)

	ok, err := s.Load(context.Background())
	if err != nil || ok {
		t.Fatalf("Load ok=%v err=%v", ok, err)
	}
	if mp.has || mp.clears != 1 {
		t.Fatalf("inconsistent persisted pair must be cleared (clears=%d)", mp.clears)
	}
}

func TestStore_SaveErrorKeepsMemory(t *testing.T) {
	t.Parallel()

	mp := &memPersister{saveErr: errors.New("disk full")}
	s := NewStore(nil, mp)

	err := s.Set(context.Background(), Pair{Access: "A1", Refresh: "R1"})
	if err == nil {
		t.Fatalf("expected persist error")
	}
	if s.AccessToken() != "A1" {
		t.Fatalf("memory must still be updated")
	}
}

func TestStore_OnChange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(nil, nil)

	var events []bool
	s.OnChange(func(_ Pair, present bool) { events = append(events, present) })

	_ = s.Set(ctx, Pair{Access: "A1", Refresh: "R1"})
	_ = s.Clear(ctx)
	_ = s.Clear(ctx) // no-op, already empty

	if len(events) != 2 || events[0] != true || events[1] != false {
		t.Fatalf("events=%v", events)
	}
}

func TestStore_SetIf(t *testing.T) {
	t.Parallel()

	next := Pair{Access: "A2", Refresh: "R2"}

	cases := []struct {
		name      string
		start     *Pair
		expect    string
		wantSet   bool
		wantPair  Pair
		wantSaves int
	}{
		{name: "matching renewal credential", start: &Pair{Access: "A1", Refresh: "R1"}, expect: "R1", wantSet: true, wantPair: next, wantSaves: 2},
		{name: "cleared in between", start: nil, expect: "R1", wantSet: false, wantPair: Pair{}, wantSaves: 0},
		{name: "replaced in between", start: &Pair{Access: "A9", Refresh: "R9"}, expect: "R1", wantSet: false, wantPair: Pair{Access: "A9", Refresh: "R9"}, wantSaves: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			mp := &memPersister{}
			s := NewStore(nil, mp)
			if tc.start != nil {
				if err := s.Set(ctx, *tc.start); err != nil {
					t.Fatalf("Set: %v", err)
				}
			}

			var events int
			s.OnChange(func(Pair, bool) { events++ })

			ok, err := s.SetIf(ctx, tc.expect, next)
			if err != nil {
				t.Fatalf("SetIf: %v", err)
			}
			if ok != tc.wantSet {
				t.Fatalf("SetIf=%v want %v", ok, tc.wantSet)
			}
			if got, _ := s.Get(); got != tc.wantPair {
				t.Fatalf("pair=%+v want %+v", got, tc.wantPair)
			}
			if mp.saves != tc.wantSaves {
				t.Fatalf("saves=%d want %d", mp.saves, tc.wantSaves)
			}
			if !tc.wantSet && events != 0 {
				t.Fatalf("a discarded write must not notify, got %d events", events)
			}
			if !tc.wantSet && tc.start == nil && mp.has {
				t.Fatalf("a discarded write must not persist")
			}
		})
	}
}

func TestStore_SetIfRejectsHalfPair(t *testing.T) {
	t.Parallel()

	s := NewStore(nil, nil)
	_ = s.Set(context.Background(), Pair{Access: "A1", Refresh: "R1"})

	ok, err := s.SetIf(context.Background(), "R1", Pair{Access: "A2"})
	if ok || !errors.Is(err, ErrInconsistentPair) {
		t.Fatalf("SetIf=%v err=%v", ok, err)
	}
}

func TestStore_ConcurrentReadersSeeWholePairs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewStore(nil, nil)
	_ = s.Set(ctx, Pair{Access: "A0", Refresh: "R0"})

	pairs := []Pair{{Access: "A1", Refresh: "R1"}, {Access: "A2", Refresh: "R2"}}

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = s.Set(ctx, pairs[i%2])
		}
	}()

	for i := 0; i < 2000; i++ {
		p, _ := s.Get()
		if p.Access[1:] != p.Refresh[1:] {
			close(stop)
			wg.Wait()
			t.Fatalf("observed mixed pair %+v", p)
		}
	}
	close(stop)
	wg.Wait()
}

func TestPair_StringHidesTokens(t *testing.T) {
	t.Parallel()

	p := Pair{Access: "secret-a", Refresh: "secret-r"}
	if s := p.String(); s != "credential.Pair{set}" {
		t.Fatalf("String()=%q", s)
	}
}
