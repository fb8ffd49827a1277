package export

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"metereye/internal/config"
	"metereye/internal/metrics"
	"metereye/internal/model"
)

const (
	dbBatchSize       = 100
	dbFlushDelay      = 500 * time.Millisecond
	dbQueryTimeout    = 10 * time.Second
	dbMaxPending      = 2 * sinkQueueSize
	retentionInterval = time.Hour
)

// DatabaseSink stores readings in sqlite or postgresql with batched
// transactions and an hourly retention sweep. Failed batches are kept and
// retried with backoff; the pending set is bounded, oldest first out.
type DatabaseSink struct {
	cfg     config.DatabaseExportConfig
	db      *sql.DB
	driver  string // "sqlite3" or "postgres"
	queue   chan model.Event
	flushCh chan struct{}
	mx      *metrics.Metrics

	// Owned by the Start goroutine.
	batch   []model.Event
	retryAt time.Time
	backoff time.Duration
}

// NewDatabaseSink opens the configured database, applies the schema and
// returns the sink.
func NewDatabaseSink(cfg config.DatabaseExportConfig, mx *metrics.Metrics) (*DatabaseSink, error) {
	var driver, dsn string
	switch cfg.Type {
	case "postgresql":
		driver, dsn = "postgres", cfg.ConnectionString
	default:
		driver = "sqlite3"
		dsn = cfg.Path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	s := &DatabaseSink{
		cfg:     cfg,
		db:      db,
		driver:  driver,
		queue:   make(chan model.Event, sinkQueueSize),
		flushCh: make(chan struct{}, 1),
		mx:      mx,
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("db schema: %w", err)
	}

	log.Printf("[export-db] opened %s database", cfg.Type)
	return s, nil
}

// DB exposes the pool for liveness probes.
func (s *DatabaseSink) DB() *sql.DB { return s.db }

func (s *DatabaseSink) Name() string { return "database" }

func (s *DatabaseSink) createSchema() error {
	var stmts []string
	if s.driver == "postgres" {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS readings (
				id         BIGSERIAL PRIMARY KEY,
				camera_id  VARCHAR(64) NOT NULL,
				meter_id   VARCHAR(64) NOT NULL,
				value      DOUBLE PRECISION,
				raw_text   VARCHAR(32) NOT NULL,
				timestamp  TIMESTAMPTZ NOT NULL,
				confidence DOUBLE PRECISION NOT NULL DEFAULT 1.0
			)`,
			`CREATE TABLE IF NOT EXISTS indicator_readings (
				id           BIGSERIAL PRIMARY KEY,
				camera_id    VARCHAR(64) NOT NULL,
				indicator_id VARCHAR(64) NOT NULL,
				state        BOOLEAN NOT NULL,
				brightness   DOUBLE PRECISION NOT NULL,
				timestamp    TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_camera_meter_time ON readings (camera_id, meter_id, timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_camera_indicator_time ON indicator_readings (camera_id, indicator_id, timestamp)`,
		}
	} else {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS readings (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				camera_id  VARCHAR(64) NOT NULL,
				meter_id   VARCHAR(64) NOT NULL,
				value      REAL,
				raw_text   VARCHAR(32) NOT NULL,
				timestamp  DATETIME NOT NULL,
				confidence REAL NOT NULL DEFAULT 1.0
			)`,
			`CREATE TABLE IF NOT EXISTS indicator_readings (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				camera_id    VARCHAR(64) NOT NULL,
				indicator_id VARCHAR(64) NOT NULL,
				state        BOOLEAN NOT NULL,
				brightness   REAL NOT NULL,
				timestamp    DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_camera_meter_time ON readings (camera_id, meter_id, timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_camera_indicator_time ON indicator_readings (camera_id, indicator_id, timestamp)`,
		}
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// Submit enqueues one event. Non-blocking; a full queue evicts its oldest
// entry.
func (s *DatabaseSink) Submit(ev model.Event) {
	s.mx.SinkSubmitted.WithLabelValues("database").Inc()
	offer(s.queue, ev, func() {
		s.mx.SinkQueueDrops.WithLabelValues("database").Inc()
	})
}

// Flush asks the consumer for an immediate commit.
func (s *DatabaseSink) Flush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// Stop closes the pool. Called after Start has returned.
func (s *DatabaseSink) Stop() {
	s.db.Close()
}

// Start runs the insert loop. Blocks until ctx is cancelled, then drains
// the queue and commits what remains.
func (s *DatabaseSink) Start(ctx context.Context) {
	flushTimer := time.NewTimer(dbFlushDelay)
	defer flushTimer.Stop()
	retention := time.NewTicker(retentionInterval)
	defer retention.Stop()

	s.runRetention()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-s.queue:
					s.batch = append(s.batch, ev)
				default:
					s.flushBatch(true)
					return
				}
			}

		case ev := <-s.queue:
			s.batch = append(s.batch, ev)
			if len(s.batch) >= dbBatchSize {
				s.flushBatch(false)
				flushTimer.Reset(dbFlushDelay)
			}

		case <-flushTimer.C:
			s.flushBatch(false)
			flushTimer.Reset(dbFlushDelay)

		case <-s.flushCh:
			s.flushBatch(true)

		case <-retention.C:
			s.runRetention()
		}
	}
}

// flushBatch commits the pending events. On failure the batch is kept for
// a later attempt gated by an exponential backoff; force skips the gate.
func (s *DatabaseSink) flushBatch(force bool) {
	if len(s.batch) == 0 {
		return
	}
	if !force && time.Now().Before(s.retryAt) {
		s.trimPending()
		return
	}

	if err := s.insertBatch(s.batch); err != nil {
		s.mx.SinkFailures.WithLabelValues("database").Inc()
		if s.backoff == 0 {
			s.backoff = initialBackoff
		} else if s.backoff *= 2; s.backoff > maxBackoff {
			s.backoff = maxBackoff
		}
		s.retryAt = time.Now().Add(s.backoff)
		log.Printf("[export-db] batch insert of %d failed, retrying in %s: %v", len(s.batch), s.backoff, err)
		s.trimPending()
		return
	}

	s.backoff = 0
	s.retryAt = time.Time{}
	s.batch = s.batch[:0]
}

// trimPending bounds the retry batch, oldest first out.
func (s *DatabaseSink) trimPending() {
	if over := len(s.batch) - dbMaxPending; over > 0 {
		s.batch = s.batch[over:]
		s.mx.SinkQueueDrops.WithLabelValues("database").Add(float64(over))
	}
}

func (s *DatabaseSink) insertBatch(batch []model.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), dbQueryTimeout)
	defer cancel()

	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	rstmt, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO readings (camera_id, meter_id, value, raw_text, timestamp, confidence) VALUES (?, ?, ?, ?, ?, ?)`))
	if err != nil {
		tx.Rollback()
		return err
	}
	defer rstmt.Close()

	istmt, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO indicator_readings (camera_id, indicator_id, state, brightness, timestamp) VALUES (?, ?, ?, ?, ?)`))
	if err != nil {
		tx.Rollback()
		return err
	}
	defer istmt.Close()

	for _, ev := range batch {
		switch {
		case ev.Reading != nil:
			r := ev.Reading
			var value sql.NullFloat64
			if r.Value != nil {
				value = sql.NullFloat64{Float64: *r.Value, Valid: true}
			}
			_, err = rstmt.ExecContext(ctx, r.CameraID, r.MeterID, value, r.RawText, r.Timestamp.UTC(), r.Confidence)
		case ev.Indicator != nil:
			r := ev.Indicator
			_, err = istmt.ExecContext(ctx, r.CameraID, r.IndicatorID, r.State, r.Score, r.Timestamp.UTC())
		}
		if err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.mx.DBCommitDur.Observe(time.Since(start).Seconds())
	return nil
}

// runRetention deletes rows older than retention_days. Disabled when the
// configured value is zero or negative.
func (s *DatabaseSink) runRetention() {
	if s.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	ctx, cancel := context.WithTimeout(context.Background(), dbQueryTimeout)
	defer cancel()

	var total int64
	for _, table := range []string{"readings", "indicator_readings"} {
		res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE timestamp < ?`), cutoff)
		if err != nil {
			log.Printf("[export-db] retention delete %s: %v", table, err)
			continue
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	if total > 0 {
		s.mx.RowsPurged.Add(float64(total))
		log.Printf("[export-db] retention removed %d rows older than %d days", total, s.cfg.RetentionDays)
	}
}

// HistoryFilter selects rows for QueryHistory. Zero-valued fields are
// ignored.
type HistoryFilter struct {
	CameraID string
	MeterID  string
	Since    time.Time
	Until    time.Time
	Limit    int // defaults to 100, capped at 1000
}

// QueryHistory returns stored meter readings, newest first.
func (s *DatabaseSink) QueryHistory(ctx context.Context, f HistoryFilter) ([]model.Reading, error) {
	q := `SELECT camera_id, meter_id, value, raw_text, timestamp, confidence FROM readings`
	var conds []string
	var args []any
	if f.CameraID != "" {
		conds = append(conds, "camera_id = ?")
		args = append(args, f.CameraID)
	}
	if f.MeterID != "" {
		conds = append(conds, "meter_id = ?")
		args = append(args, f.MeterID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "timestamp < ?")
		args = append(args, f.Until.UTC())
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	} else if limit > 1000 {
		limit = 1000
	}
	q += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT %d", limit)

	ctx, cancel := context.WithTimeout(ctx, dbQueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("db query history: %w", err)
	}
	defer rows.Close()

	var out []model.Reading
	for rows.Next() {
		var r model.Reading
		var value sql.NullFloat64
		var ts time.Time
		if err := rows.Scan(&r.CameraID, &r.MeterID, &value, &r.RawText, &ts, &r.Confidence); err != nil {
			return nil, fmt.Errorf("db scan history: %w", err)
		}
		if value.Valid {
			v := value.Float64
			r.Value = &v
		}
		r.Timestamp = ts.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// rebind converts ?-style placeholders to the $n form postgres expects.
func (s *DatabaseSink) rebind(q string) string {
	if s.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
