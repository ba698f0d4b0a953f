// Package store keeps the delivery attempt records the greylisting decision
// is based on. The backing engine is opened for every session and closed
// again afterwards, so several filter processes can share one file store.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mawis/couriergrey/internal/metrics"
)

const (
	DefaultOpenAttempts = 10
	DefaultRetryDelay   = time.Second
)

var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrCorruptRecord      = errors.New("corrupt attempt record")
)

// Engine is an open key/value backend.
type Engine interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// DeleteMany removes keys in one write.
	DeleteMany(ctx context.Context, keys []string) error
	Keys(ctx context.Context) ([]string, error)
	Compact(ctx context.Context) error
	Close() error
}

type Opener interface {
	Open(ctx context.Context) (Engine, error)
}

type OpenerFunc func(ctx context.Context) (Engine, error)

func (f OpenerFunc) Open(ctx context.Context) (Engine, error) {
	return f(ctx)
}

type Store struct {
	opener       Opener
	openAttempts int
	retryDelay   time.Duration
	now          func() time.Time
}

type Option func(*Store)

func WithOpenAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.openAttempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.retryDelay = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opener Opener, opts ...Option) *Store {
	s := &Store{
		opener:       opener,
		openAttempts: DefaultOpenAttempts,
		retryDelay:   DefaultRetryDelay,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Do opens the engine, runs fn against it and closes the engine again on
// every path out of fn.
func (s *Store) Do(ctx context.Context, fn func(*Tx) error) (err error) {
	engine, err := s.open(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := engine.Close(); closeErr != nil {
			log.Warn("Closing attempt store failed", "error", closeErr)
			if err == nil {
				err = fmt.Errorf("%w: close: %w", ErrStorageUnavailable, closeErr)
			}
		}
	}()

	return fn(&Tx{ctx: ctx, engine: engine, now: s.now()})
}

func (s *Store) open(ctx context.Context) (Engine, error) {
	var lastErr error

	for attempt := 1; attempt <= s.openAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, ctx.Err())
		}

		engine, err := s.opener.Open(ctx)
		if err == nil {
			return engine, nil
		}
		lastErr = err
		metrics.StoreOpenRetries.Inc()
		log.Debug("Opening attempt store failed", "attempt", attempt, "error", err)

		if attempt == s.openAttempts {
			break
		}

		timer := time.NewTimer(s.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, lastErr)
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, lastErr)
}

// Tx is one scoped session on an open engine. Now is fixed when the session
// starts.
type Tx struct {
	ctx    context.Context
	engine Engine
	now    time.Time
}

func (tx *Tx) Now() time.Time {
	return tx.now
}

// Fetch returns the record under key. An absent key yields a record first and
// last seen now with seen=false. An undecodable record yields the same plus an
// error wrapping ErrCorruptRecord.
func (tx *Tx) Fetch(key string) (Record, bool, error) {
	fresh := Record{FirstSeen: tx.now, LastSeen: tx.now}

	raw, ok, err := tx.engine.Get(tx.ctx, key)
	if err != nil {
		return fresh, false, fmt.Errorf("%w: fetch: %w", ErrStorageUnavailable, err)
	}
	if !ok {
		return fresh, false, nil
	}

	rec, err := DecodeRecord(raw)
	if err != nil {
		return fresh, false, err
	}
	return rec, true, nil
}

func (tx *Tx) Save(key string, rec Record) error {
	if err := tx.engine.Put(tx.ctx, key, rec.Encode()); err != nil {
		return fmt.Errorf("%w: store: %w", ErrStorageUnavailable, err)
	}
	return nil
}

func (tx *Tx) Delete(key string) error {
	if err := tx.engine.Delete(tx.ctx, key); err != nil {
		return fmt.Errorf("%w: delete: %w", ErrStorageUnavailable, err)
	}
	return nil
}

func (tx *Tx) DeleteMany(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := tx.engine.DeleteMany(tx.ctx, keys); err != nil {
		return fmt.Errorf("%w: delete: %w", ErrStorageUnavailable, err)
	}
	return nil
}

func (tx *Tx) Keys() ([]string, error) {
	keys, err := tx.engine.Keys(tx.ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list keys: %w", ErrStorageUnavailable, err)
	}
	return keys, nil
}

func (tx *Tx) Compact() error {
	if err := tx.engine.Compact(tx.ctx); err != nil {
		return fmt.Errorf("%w: compact: %w", ErrStorageUnavailable, err)
	}
	return nil
}
