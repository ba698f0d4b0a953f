package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mawis/couriergrey/internal/domain"
)

type sqlOpener struct {
	db *gorm.DB
}

// NewSQLOpener returns an opener sharing db between sessions. The attempts
// table must exist, database.SetupDB migrates it.
func NewSQLOpener(db *gorm.DB) Opener {
	return &sqlOpener{db: db}
}

func (o *sqlOpener) Open(ctx context.Context) (Engine, error) {
	if o.db == nil {
		return nil, errors.New("sql database not configured")
	}

	sqlDB, err := o.db.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, err
	}
	return &sqlEngine{db: o.db}, nil
}

type sqlEngine struct {
	db *gorm.DB
}

func keyEquals(key string) clause.Expression {
	return clause.Eq{Column: clause.Column{Name: "key"}, Value: key}
}

func (e *sqlEngine) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var row domain.AttemptRow
	err := e.db.WithContext(ctx).Where(keyEquals(key)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(row.Value), true, nil
}

func (e *sqlEngine) Put(ctx context.Context, key string, value []byte) error {
	row := domain.AttemptRow{Key: key, Value: string(value)}
	return e.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).
		Create(&row).Error
}

func (e *sqlEngine) Delete(ctx context.Context, key string) error {
	return e.db.WithContext(ctx).Where(keyEquals(key)).Delete(&domain.AttemptRow{}).Error
}

func (e *sqlEngine) DeleteMany(ctx context.Context, keys []string) error {
	return e.db.WithContext(ctx).
		Where(clause.IN{Column: clause.Column{Name: "key"}, Values: toAny(keys)}).
		Delete(&domain.AttemptRow{}).Error
}

func toAny(keys []string) []any {
	values := make([]any, len(keys))
	for i, key := range keys {
		values[i] = key
	}
	return values
}

func (e *sqlEngine) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := e.db.WithContext(ctx).Model(&domain.AttemptRow{}).Order(clause.OrderByColumn{Column: clause.Column{Name: "key"}}).Pluck("key", &keys).Error
	return keys, err
}

func (e *sqlEngine) Compact(ctx context.Context) error {
	return e.db.WithContext(ctx).Exec("VACUUM").Error
}

func (e *sqlEngine) Close() error {
	return nil
}
