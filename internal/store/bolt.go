package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	bolt "go.etcd.io/bbolt"
)

const (
	DefaultLockTimeout = 250 * time.Millisecond

	attemptsBucket  = "attempts"
	compactTxBudget = 1 << 20
)

type boltOpener struct {
	path        string
	lockTimeout time.Duration
}

// NewBoltOpener returns an opener for the file store at path. Every Open takes
// the file lock and waits at most lockTimeout for another holder to let go.
func NewBoltOpener(path string, lockTimeout time.Duration) Opener {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &boltOpener{path: path, lockTimeout: lockTimeout}
}

func (o *boltOpener) Open(_ context.Context) (Engine, error) {
	if dir := filepath.Dir(o.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := openBolt(o.path, o.lockTimeout)
	if err != nil {
		return nil, err
	}
	return &boltEngine{db: db, path: o.path, lockTimeout: o.lockTimeout}, nil
}

func openBolt(path string, lockTimeout time.Duration) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o640, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(attemptsBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare %s: %w", path, err)
	}
	return db, nil
}

type boltEngine struct {
	db          *bolt.DB
	path        string
	lockTimeout time.Duration
}

func (e *boltEngine) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := e.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(attemptsBucket)).Get([]byte(key)); v != nil {
			value = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

func (e *boltEngine) Put(_ context.Context, key string, value []byte) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(attemptsBucket)).Put([]byte(key), value)
	})
}

func (e *boltEngine) Delete(_ context.Context, key string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(attemptsBucket)).Delete([]byte(key))
	})
}

func (e *boltEngine) DeleteMany(_ context.Context, keys []string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(attemptsBucket))
		for _, key := range keys {
			if err := bucket.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *boltEngine) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := e.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(attemptsBucket)).ForEach(func(k, _ []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Compact copies the live records into a fresh file and moves it over the
// store, releasing the pages freed by deletions.
func (e *boltEngine) Compact(_ context.Context) error {
	tmpPath := e.path + ".compact"
	_ = os.Remove(tmpPath)

	dst, err := bolt.Open(tmpPath, 0o640, &bolt.Options{Timeout: e.lockTimeout})
	if err != nil {
		return fmt.Errorf("open compaction target: %w", err)
	}

	if err := bolt.Compact(dst, e.db, compactTxBudget); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("compact: %w", err)
	}

	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close compaction target: %w", err)
	}

	if err := e.db.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close store: %w", err)
	}

	renameErr := os.Rename(tmpPath, e.path)
	if renameErr != nil {
		_ = os.Remove(tmpPath)
	}

	db, err := openBolt(e.path, e.lockTimeout)
	if err != nil {
		e.db = nil
		return errors.Join(renameErr, err)
	}
	e.db = db

	if renameErr != nil {
		return fmt.Errorf("replace store: %w", renameErr)
	}

	log.Debug("Attempt store compacted", "path", e.path)
	return nil
}

func (e *boltEngine) Close() error {
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}
