package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"HpcMonitor/internal/database"
)

type Reader struct {
	db         *gorm.DB
	cache      *cache.Cache
	defaultMax int
	now        func() time.Time
}

// NewReader returns a reader caching results for cacheTTL. A zero TTL
// disables the cache.
func NewReader(db *gorm.DB, defaultMaxPoints int, cacheTTL time.Duration) *Reader {
	if defaultMaxPoints <= 0 {
		defaultMaxPoints = 2000
	}
	r := &Reader{db: db, defaultMax: defaultMaxPoints, now: time.Now}
	if cacheTTL > 0 {
		r.cache = cache.New(cacheTTL, 2*cacheTTL)
	}
	return r
}

type rangeStats struct {
	Total int64
	MinTs sql.NullInt64
	MaxTs sql.NullInt64
}

// History returns at most maxPoints samples of node covering the last days.
// Query failures are logged and yield an empty series.
func (r *Reader) History(ctx context.Context, metric Metric, node string, days, maxPoints int) []Sample {
	if days <= 0 {
		days = 1
	}
	if maxPoints <= 0 {
		maxPoints = r.defaultMax
	}
	key := fmt.Sprintf("%s|%s|%d|%d", metric, node, days, maxPoints)
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			return v.([]Sample)
		}
	}

	since := r.now().Add(-time.Duration(days) * 24 * time.Hour).Unix()
	samples, err := r.query(ctx, metric, node, since, maxPoints)
	if err != nil {
		historyQueryFailures.Inc()
		log.Errorf("History query for %s of %s failed: %v", metric, node, err)
		return []Sample{}
	}
	if r.cache != nil && len(samples) > 0 {
		r.cache.SetDefault(key, samples)
	}
	return samples
}

func (r *Reader) query(ctx context.Context, metric Metric, node string, since int64, maxPoints int) ([]Sample, error) {
	db := r.db.WithContext(ctx)
	filter := db.Table(metric.Table()).Where("node = ? AND timestamp >= ?", node, since)

	var st rangeStats
	if err := filter.Session(&gorm.Session{}).
		Select("COUNT(*) AS total, MIN(timestamp) AS min_ts, MAX(timestamp) AS max_ts").
		Scan(&st).Error; err != nil {
		return nil, err
	}
	if st.Total == 0 || !st.MinTs.Valid {
		return []Sample{}, nil
	}

	if st.Total <= int64(maxPoints) {
		return r.all(filter, metric)
	}
	if maxPoints == 1 {
		return r.first(filter, metric)
	}

	width := bucketWidth(st.MinTs.Int64, st.MaxTs.Int64, maxPoints)
	bucket, ok := bucketExpr(database.Dialect(r.db))
	if !ok {
		samples, err := r.all(filter, metric)
		if err != nil {
			return nil, err
		}
		return Downsample(samples, maxPoints), nil
	}

	var samples []Sample
	err := db.Raw(fmt.Sprintf(`SELECT node, timestamp, value FROM (
  SELECT node, timestamp, %s AS value,
         ROW_NUMBER() OVER (PARTITION BY %s ORDER BY timestamp) AS rn
  FROM %s WHERE node = ? AND timestamp >= ?
) ranked WHERE rn = 1 ORDER BY timestamp`, metric.Column(), bucket, metric.Table()),
		st.MinTs.Int64, width, node, since).Scan(&samples).Error
	if err != nil {
		return nil, err
	}

	if n := len(samples); n > 0 && samples[n-1].Timestamp != st.MaxTs.Int64 {
		var last []Sample
		if err := db.Table(metric.Table()).
			Select(fmt.Sprintf("node, timestamp, %s AS value", metric.Column())).
			Where("node = ? AND timestamp = ?", node, st.MaxTs.Int64).
			Scan(&last).Error; err != nil {
			return nil, err
		}
		samples = append(samples, last...)
	}
	return samples, nil
}

func (r *Reader) first(filter *gorm.DB, metric Metric) ([]Sample, error) {
	var samples []Sample
	err := filter.Session(&gorm.Session{}).
		Select(fmt.Sprintf("node, timestamp, %s AS value", metric.Column())).
		Order("timestamp").
		Limit(1).
		Scan(&samples).Error
	return samples, err
}

func (r *Reader) all(filter *gorm.DB, metric Metric) ([]Sample, error) {
	var samples []Sample
	err := filter.Session(&gorm.Session{}).
		Select(fmt.Sprintf("node, timestamp, %s AS value", metric.Column())).
		Order("timestamp").
		Scan(&samples).Error
	return samples, err
}

// bucketExpr returns the bucket index expression for dialects with window
// functions. Its two placeholders are the range start and the bucket width.
func bucketExpr(dialect string) (string, bool) {
	switch dialect {
	case database.DialectMySQL:
		return "(timestamp - ?) DIV ?", true
	case database.DialectSQLite, database.DialectPostgres:
		return "(timestamp - ?) / ?", true
	}
	return "", false
}
