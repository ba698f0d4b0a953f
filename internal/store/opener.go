package store

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/mawis/couriergrey/internal/config"
	"github.com/mawis/couriergrey/internal/database"
	"github.com/mawis/couriergrey/internal/support"
)

// NewOpener selects the engine named by cfg. Network engines connect lazily
// on the first session, so a backend that is down at startup shows up as a
// temporary failure instead of keeping the filter from starting.
func NewOpener(cfg config.StoreConfig) (Opener, error) {
	switch cfg.Engine {
	case config.EngineBolt, "":
		return NewBoltOpener(cfg.Path, cfg.LockTimeout()), nil

	case config.EngineRedis:
		url := cfg.RedisURL
		return OpenerFunc(func(ctx context.Context) (Engine, error) {
			client, err := support.GetRedisClient(ctx, url)
			if err != nil {
				return nil, err
			}
			return NewRedisOpener(client).Open(ctx)
		}), nil

	case config.EngineSQL:
		dialector, err := database.Dialector(cfg.SQL.Driver, cfg.SQL.DSN)
		if err != nil {
			return nil, err
		}
		lazy := &lazySQLOpener{setup: func() (*gorm.DB, error) {
			return database.SetupDB(database.WithDialector(dialector))
		}}
		return lazy, nil

	default:
		return nil, fmt.Errorf("store: unknown engine %q", cfg.Engine)
	}
}

// FromConfig builds a Store on the engine and retry policy of cfg.
func FromConfig(cfg config.StoreConfig, opts ...Option) (*Store, error) {
	opener, err := NewOpener(cfg)
	if err != nil {
		return nil, err
	}

	base := []Option{WithRetryDelay(config.CalculateBetweenTime(cfg.RetryDelay))}
	if cfg.OpenAttempts > 0 {
		base = append(base, WithOpenAttempts(int(cfg.OpenAttempts)))
	}
	return New(opener, append(base, opts...)...), nil
}

type lazySQLOpener struct {
	mu    sync.Mutex
	db    *gorm.DB
	setup func() (*gorm.DB, error)
}

func (o *lazySQLOpener) Open(ctx context.Context) (Engine, error) {
	o.mu.Lock()
	if o.db == nil {
		db, err := o.setup()
		if err != nil {
			o.mu.Unlock()
			return nil, err
		}
		o.db = db
	}
	db := o.db
	o.mu.Unlock()

	return NewSQLOpener(db).Open(ctx)
}
