// Package maintenance removes stale delivery attempt records.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/mawis/couriergrey/internal/metrics"
	"github.com/mawis/couriergrey/internal/store"
)

const secondsPerDay = 24 * 60 * 60

var expireGroup singleflight.Group

// Store runs fn in one scoped store session.
type Store interface {
	Do(ctx context.Context, fn func(*store.Tx) error) error
}

type Result struct {
	Scanned  int
	Removed  int
	Corrupt  int
	Duration time.Duration
}

// Expire deletes every record not seen for more than retentionDays and
// compacts the store afterwards when anything was removed. Undecodable records
// are deleted as well. Concurrent calls with the same retention share one
// sweep.
func Expire(ctx context.Context, st Store, retentionDays int) (Result, error) {
	if retentionDays < 0 {
		return Result{}, fmt.Errorf("maintenance: negative retention %d", retentionDays)
	}

	v, err, shared := expireGroup.Do(fmt.Sprintf("expire:%d", retentionDays), func() (any, error) {
		return expire(ctx, st, retentionDays)
	})
	if shared {
		log.Debug("Expiry sweep shared with a concurrent caller")
	}
	res, _ := v.(Result)
	return res, err
}

// Each batch runs in its own store session and the sweep pauses between
// batches, so filter requests waiting for the file lock get their turn.
var (
	expireBatchSize  = 500
	expireBatchPause = 100 * time.Millisecond
)

func expire(ctx context.Context, st Store, retentionDays int) (Result, error) {
	start := time.Now()
	retention := time.Duration(retentionDays) * secondsPerDay * time.Second

	var res Result
	err := sweep(ctx, st, retention, &res)
	if err == nil && res.Removed > 0 {
		err = st.Do(ctx, func(tx *store.Tx) error {
			return tx.Compact()
		})
	}
	res.Duration = time.Since(start)
	metrics.ExpiredRecords.Add(float64(res.Removed))

	if err != nil {
		return res, fmt.Errorf("maintenance: expire: %w", err)
	}

	log.Info(
		"Expiry completed",
		"scanned", res.Scanned,
		"removed", res.Removed,
		"corrupt", res.Corrupt,
		"duration", res.Duration,
	)
	return res, nil
}

func sweep(ctx context.Context, st Store, retention time.Duration, res *Result) error {
	var keys []string
	err := st.Do(ctx, func(tx *store.Tx) error {
		var err error
		keys, err = tx.Keys()
		return err
	})
	if err != nil {
		return err
	}

	for len(keys) > 0 {
		n := min(expireBatchSize, len(keys))
		batch := keys[:n]
		keys = keys[n:]

		if err := expireBatch(ctx, st, batch, retention, res); err != nil {
			return err
		}

		if len(keys) > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(expireBatchPause):
			}
		}
	}
	return nil
}

func expireBatch(ctx context.Context, st Store, batch []string, retention time.Duration, res *Result) error {
	return st.Do(ctx, func(tx *store.Tx) error {
		cutoff := tx.Now().Add(-retention)

		var stale []string
		corrupt := 0
		for _, key := range batch {
			rec, seen, err := tx.Fetch(key)
			switch {
			case errors.Is(err, store.ErrCorruptRecord):
				log.Warn("Removing undecodable attempt record", "key", key, "error", err)
				corrupt++
			case err != nil:
				return err
			case !seen, !rec.LastSeen.Before(cutoff):
				continue
			}
			stale = append(stale, key)
		}

		if err := tx.DeleteMany(stale); err != nil {
			return err
		}
		res.Scanned += len(batch)
		res.Removed += len(stale)
		res.Corrupt += corrupt
		return nil
	})
}

// DumpRecords writes every record as "key first last" with readable times,
// sorted by key.
func DumpRecords(ctx context.Context, st Store, w io.Writer) error {
	return st.Do(ctx, func(tx *store.Tx) error {
		keys, err := tx.Keys()
		if err != nil {
			return err
		}
		sort.Strings(keys)

		for _, key := range keys {
			rec, seen, err := tx.Fetch(key)
			if errors.Is(err, store.ErrCorruptRecord) {
				if _, err := fmt.Fprintf(w, "%s <undecodable>\n", key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if !seen {
				continue
			}
			if _, err := fmt.Fprintf(w, "%s %s %s\n", key, rec.FirstSeen.Format(time.RFC3339), rec.LastSeen.Format(time.RFC3339)); err != nil {
				return err
			}
		}
		return nil
	})
}
