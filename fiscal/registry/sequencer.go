package registry

import (
	"context"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal/model"
	"github.com/alapierre/go-fiscal-engine/fiscal/mutex"
	"github.com/go-faster/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Sequencer hands out document numbers. A number, once returned, is never
// returned again for the same series.
type Sequencer interface {
	Next(ctx context.Context, series string) (int64, error)
}

// GormSequencer keeps one row per series in series_sequences. Each call commits
// its own transaction, so a number survives a later failed document insert.
type GormSequencer struct {
	db    *gorm.DB
	locks mutex.KeyedMutex[string]
}

func NewSequencer(db *gorm.DB) *GormSequencer {
	return &GormSequencer{db: db}
}

func (s *GormSequencer) Next(ctx context.Context, series string) (int64, error) {
	if series == "" {
		return 0, errors.New("series is empty")
	}

	unlock := s.locks.Lock(series)
	defer unlock()

	var seq model.SeriesSequence
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.SeriesSequence{Series: series, UpdatedAt: time.Now()}).Error
		if err != nil {
			return errors.Wrap(err, "init sequence")
		}

		res := tx.Model(&model.SeriesSequence{}).
			Where("series = ?", series).
			Updates(map[string]any{
				"last_value": gorm.Expr("last_value + ?", 1),
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return errors.Wrap(res.Error, "increment sequence")
		}
		if res.RowsAffected != 1 {
			return errors.Errorf("increment sequence: %d rows affected", res.RowsAffected)
		}

		return tx.Where("series = ?", series).First(&seq).Error
	})
	if err != nil {
		return 0, err
	}

	logger.WithField("series", series).WithField("number", seq.LastValue).Debug("Number allocated")
	return seq.LastValue, nil
}
