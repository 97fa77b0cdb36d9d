package history

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"HpcMonitor/internal/database"
)

// Sink persists samples of one metric. Writing a sample that is already
// stored must be a no-op.
type Sink interface {
	Name() string
	Write(ctx context.Context, metric Metric, samples []Sample) (int64, error)
}

// SQLSink writes into the relational history tables.
type SQLSink struct {
	db        *gorm.DB
	batchSize int
}

func NewSQLSink(db *gorm.DB, batchSize int) *SQLSink {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &SQLSink{db: db, batchSize: batchSize}
}

func (s *SQLSink) Name() string { return "sql" }

// Write inserts samples in batches, ignoring rows whose (node, timestamp)
// already exists. A batch that fails is retried row by row.
func (s *SQLSink) Write(ctx context.Context, metric Metric, samples []Sample) (int64, error) {
	var (
		inserted int64
		errs     []error
	)
	for start := 0; start < len(samples); start += s.batchSize {
		end := min(start+s.batchSize, len(samples))
		batch := samples[start:end]

		var affected int64
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rows(metric, batch))
			affected = res.RowsAffected
			return res.Error
		})
		if err == nil {
			inserted += affected
			continue
		}

		log.Warnf("Batch insert of %d %s samples failed, inserting row by row: %v", len(batch), metric, err)
		n, err := s.insertRows(ctx, metric, batch)
		inserted += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return inserted, errors.Join(errs...)
}

func (s *SQLSink) insertRows(ctx context.Context, metric Metric, samples []Sample) (int64, error) {
	var (
		inserted int64
		failed   int
		lastErr  error
	)
	for _, sample := range samples {
		err := s.db.WithContext(ctx).Create(row(metric, sample)).Error
		switch {
		case err == nil:
			inserted++
		case database.IsDuplicateKey(err):
		default:
			failed++
			lastErr = err
			log.Debugf("Dropping %s sample %s@%d: %v", metric, sample.Node, sample.Timestamp, err)
		}
	}
	if failed > 0 {
		return inserted, fmt.Errorf("%d of %d %s samples not stored: %w", failed, len(samples), metric, lastErr)
	}
	return inserted, nil
}
