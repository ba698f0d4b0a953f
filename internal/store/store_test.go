package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

type memEngine struct {
	mu     sync.Mutex
	data   map[string][]byte
	closed int
	err    error
}

func newMemEngine() *memEngine {
	return &memEngine{data: make(map[string][]byte)}
}

func (m *memEngine) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memEngine) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memEngine) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memEngine) DeleteMany(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

func (m *memEngine) Keys(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memEngine) Compact(context.Context) error { return nil }

func (m *memEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestDoOpensRunsAndCloses(t *testing.T) {
	engine := newMemEngine()
	now := time.Unix(1_700_000_000, 0)
	s := New(OpenerFunc(func(context.Context) (Engine, error) { return engine, nil }), WithClock(fixedClock(now)))

	err := s.Do(context.Background(), func(tx *Tx) error {
		rec, seen, err := tx.Fetch("k")
		if err != nil {
			return err
		}
		if seen {
			t.Error("absent key reported as seen")
		}
		if !rec.FirstSeen.Equal(now) || !rec.LastSeen.Equal(now) {
			t.Errorf("absent key record = %+v, want now/now", rec)
		}
		return tx.Save("k", Record{FirstSeen: now.Add(-time.Minute), LastSeen: now})
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if engine.closed != 1 {
		t.Fatalf("engine closed %d times, want 1", engine.closed)
	}
	if got := string(engine.data["k"]); got != "1699999940 1700000000" {
		t.Fatalf("stored value = %q", got)
	}
}

func TestDoClosesWhenCallbackFails(t *testing.T) {
	engine := newMemEngine()
	s := New(OpenerFunc(func(context.Context) (Engine, error) { return engine, nil }))

	boom := errors.New("boom")
	if err := s.Do(context.Background(), func(*Tx) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Do returned %v, want boom", err)
	}
	if engine.closed != 1 {
		t.Fatalf("engine closed %d times, want 1", engine.closed)
	}
}

func TestDoRetriesOpen(t *testing.T) {
	engine := newMemEngine()
	calls := 0
	opener := OpenerFunc(func(context.Context) (Engine, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("locked")
		}
		return engine, nil
	})

	s := New(opener, WithRetryDelay(time.Millisecond))
	if err := s.Do(context.Background(), func(*Tx) error { return nil }); err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("opener called %d times, want 3", calls)
	}
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	opener := OpenerFunc(func(context.Context) (Engine, error) {
		calls++
		return nil, errors.New("resource temporarily unavailable")
	})

	s := New(opener, WithOpenAttempts(10), WithRetryDelay(time.Millisecond))
	ran := false
	err := s.Do(context.Background(), func(*Tx) error { ran = true; return nil })

	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Do returned %v, want ErrStorageUnavailable", err)
	}
	if calls != 10 {
		t.Fatalf("opener called %d times, want 10", calls)
	}
	if ran {
		t.Fatal("callback ran without an open engine")
	}
}

func TestDoStopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	opener := OpenerFunc(func(context.Context) (Engine, error) {
		calls++
		cancel()
		return nil, errors.New("locked")
	})

	s := New(opener, WithRetryDelay(time.Hour))
	if err := s.Do(ctx, func(*Tx) error { return nil }); !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Do returned %v, want ErrStorageUnavailable", err)
	}
	if calls != 1 {
		t.Fatalf("opener called %d times after cancel, want 1", calls)
	}
}

func TestTxWrapsEngineErrors(t *testing.T) {
	engine := newMemEngine()
	engine.err = errors.New("disk full")
	s := New(OpenerFunc(func(context.Context) (Engine, error) { return engine, nil }))

	err := s.Do(context.Background(), func(tx *Tx) error {
		_, _, err := tx.Fetch("k")
		return err
	})
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("Fetch error = %v, want ErrStorageUnavailable", err)
	}
}

func TestTxFetchCorruptRecord(t *testing.T) {
	engine := newMemEngine()
	engine.data["k"] = []byte("garbage")
	now := time.Unix(100, 0)
	s := New(OpenerFunc(func(context.Context) (Engine, error) { return engine, nil }), WithClock(fixedClock(now)))

	err := s.Do(context.Background(), func(tx *Tx) error {
		rec, seen, err := tx.Fetch("k")
		if seen || !rec.FirstSeen.Equal(now) {
			t.Errorf("corrupt record = %+v seen=%v, want fresh record", rec, seen)
		}
		return err
	})
	if !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("Fetch error = %v, want ErrCorruptRecord", err)
	}
}

func TestDecodeRecord(t *testing.T) {
	cases := []struct {
		raw         string
		first, last int64
		wantErr     bool
	}{
		{raw: "100 200", first: 100, last: 200},
		{raw: "  100\t 200 \n", first: 100, last: 200},
		{raw: "100", first: 100, last: 100},
		{raw: "", wantErr: true},
		{raw: "abc 200", wantErr: true},
		{raw: "100 xyz", wantErr: true},
	}

	for _, tc := range cases {
		rec, err := DecodeRecord([]byte(tc.raw))
		if tc.wantErr {
			if !errors.Is(err, ErrCorruptRecord) {
				t.Errorf("DecodeRecord(%q) error = %v, want ErrCorruptRecord", tc.raw, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("DecodeRecord(%q) returned error: %v", tc.raw, err)
		}
		if rec.FirstSeen.Unix() != tc.first || rec.LastSeen.Unix() != tc.last {
			t.Errorf("DecodeRecord(%q) = %d %d, want %d %d", tc.raw, rec.FirstSeen.Unix(), rec.LastSeen.Unix(), tc.first, tc.last)
		}
	}
}

func TestRecordEncodeDecode(t *testing.T) {
	rec := Record{FirstSeen: time.Unix(1_600_000_000, 0), LastSeen: time.Unix(1_600_000_120, 0)}
	decoded, err := DecodeRecord(rec.Encode())
	if err != nil {
		t.Fatalf("DecodeRecord returned error: %v", err)
	}
	if !decoded.FirstSeen.Equal(rec.FirstSeen) || !decoded.LastSeen.Equal(rec.LastSeen) {
		t.Fatalf("decoded %+v, want %+v", decoded, rec)
	}
}

// exerciseEngine runs the behaviour every engine shares.
func exerciseEngine(t *testing.T, opener Opener) {
	t.Helper()
	ctx := context.Background()

	engine, err := opener.Open(ctx)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	if _, ok, err := engine.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v err %v, want absent", ok, err)
	}

	key := "<a@example.org>/192.0.2.1/b@example.net"
	if err := engine.Put(ctx, key, []byte("1 2")); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if err := engine.Put(ctx, key, []byte("1 3")); err != nil {
		t.Fatalf("Put (replace) returned error: %v", err)
	}
	if err := engine.Put(ctx, "other", []byte("5 5")); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	value, ok, err := engine.Get(ctx, key)
	if err != nil || !ok || string(value) != "1 3" {
		t.Fatalf("Get = %q ok %v err %v, want \"1 3\"", value, ok, err)
	}

	keys, err := engine.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys returned error: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != key || keys[1] != "other" {
		t.Fatalf("Keys = %q", keys)
	}

	if err := engine.Delete(ctx, "other"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if err := engine.Delete(ctx, "never-stored"); err != nil {
		t.Fatalf("Delete of an absent key returned error: %v", err)
	}
	if err := engine.Compact(ctx); err != nil {
		t.Fatalf("Compact returned error: %v", err)
	}

	value, ok, err = engine.Get(ctx, key)
	if err != nil || !ok || string(value) != "1 3" {
		t.Fatalf("Get after compact = %q ok %v err %v", value, ok, err)
	}
	if _, ok, _ := engine.Get(ctx, "other"); ok {
		t.Fatal("deleted key still present")
	}

	for _, k := range []string{"x", "y", "z"} {
		if err := engine.Put(ctx, k, []byte("7 7")); err != nil {
			t.Fatalf("Put(%s) returned error: %v", k, err)
		}
	}
	if err := engine.DeleteMany(ctx, []string{"x", "z", "never-stored"}); err != nil {
		t.Fatalf("DeleteMany returned error: %v", err)
	}
	keys, err = engine.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys returned error: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != key || keys[1] != "y" {
		t.Fatalf("Keys after DeleteMany = %q", keys)
	}

	if err := engine.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	reopened, err := opener.Open(ctx)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	defer reopened.Close()
	if value, ok, err := reopened.Get(ctx, key); err != nil || !ok || string(value) != "1 3" {
		t.Fatalf("record not persisted across sessions: %q ok %v err %v", value, ok, err)
	}
}
