package export

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"metereye/internal/config"
	"metereye/internal/model"
)

func newSQLiteSink(t *testing.T, retentionDays int) *DatabaseSink {
	t.Helper()
	cfg := config.DatabaseExportConfig{
		Enabled:       true,
		Type:          "sqlite",
		Path:          filepath.Join(t.TempDir(), "readings.db"),
		RetentionDays: retentionDays,
	}
	s, err := NewDatabaseSink(cfg, testMetrics)
	if err != nil {
		t.Fatalf("NewDatabaseSink: %v", err)
	}
	return s
}

func readingAt(camera, meter string, v *float64, raw string, ts time.Time) model.Event {
	return model.ReadingEvent(model.Reading{
		CameraID:   camera,
		MeterID:    meter,
		Value:      v,
		RawText:    raw,
		Confidence: 0.9,
		Timestamp:  ts,
	})
}

func TestDatabaseSinkInsertAndQuery(t *testing.T) {
	s := newSQLiteSink(t, 0)
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	v := 12.34
	s.Submit(readingAt("cam-01", "meter-01", &v, "1234", base))
	s.Submit(readingAt("cam-01", "meter-01", nil, "12?4", base.Add(time.Minute)))
	s.Submit(model.IndicatorEvent(model.IndicatorReading{
		CameraID:    "cam-01",
		IndicatorID: "fire-west",
		State:       true,
		Score:       182.4,
		Timestamp:   base,
	}))
	s.Flush()

	var rows []model.Reading
	waitFor(t, 3*time.Second, func() bool {
		var err error
		rows, err = s.QueryHistory(context.Background(), HistoryFilter{})
		return err == nil && len(rows) == 2
	})

	// Newest first; the failed reading keeps its null value.
	if rows[0].Value != nil || rows[0].RawText != "12?4" {
		t.Errorf("newest row = %+v, want failed reading", rows[0])
	}
	if rows[1].Value == nil || *rows[1].Value != 12.34 {
		t.Errorf("oldest row = %+v, want value 12.34", rows[1])
	}
	if !rows[1].Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", rows[1].Timestamp, base)
	}

	cancel()
	<-done

	var n int
	var state bool
	var brightness float64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM indicator_readings`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("indicator rows = %d, err = %v", n, err)
	}
	if err := s.db.QueryRow(`SELECT state, brightness FROM indicator_readings`).Scan(&state, &brightness); err != nil {
		t.Fatalf("scan indicator: %v", err)
	}
	if !state || brightness != 182.4 {
		t.Errorf("indicator row = %v/%g", state, brightness)
	}
}

func TestDatabaseSinkQueryFilters(t *testing.T) {
	s := newSQLiteSink(t, 0)
	defer s.Stop()

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	v := 1.0
	batch := []model.Event{
		readingAt("cam-01", "meter-01", &v, "t0", base),
		readingAt("cam-01", "meter-02", &v, "t1", base.Add(1*time.Hour)),
		readingAt("cam-02", "meter-01", &v, "t2", base.Add(2*time.Hour)),
		readingAt("cam-01", "meter-01", &v, "t3", base.Add(3*time.Hour)),
	}
	if err := s.insertBatch(batch); err != nil {
		t.Fatalf("insertBatch: %v", err)
	}

	ctx := context.Background()

	rows, err := s.QueryHistory(ctx, HistoryFilter{CameraID: "cam-01"})
	if err != nil || len(rows) != 3 {
		t.Fatalf("camera filter: %d rows, err %v", len(rows), err)
	}

	rows, err = s.QueryHistory(ctx, HistoryFilter{CameraID: "cam-01", MeterID: "meter-01"})
	if err != nil || len(rows) != 2 {
		t.Fatalf("camera+meter filter: %d rows, err %v", len(rows), err)
	}
	if rows[0].RawText != "t3" || rows[1].RawText != "t0" {
		t.Errorf("order = %s, %s; want t3, t0", rows[0].RawText, rows[1].RawText)
	}

	rows, err = s.QueryHistory(ctx, HistoryFilter{Since: base.Add(1 * time.Hour)})
	if err != nil || len(rows) != 3 {
		t.Fatalf("since filter: %d rows, err %v", len(rows), err)
	}

	rows, err = s.QueryHistory(ctx, HistoryFilter{Until: base.Add(1 * time.Hour)})
	if err != nil || len(rows) != 1 || rows[0].RawText != "t0" {
		t.Fatalf("until filter: %+v, err %v", rows, err)
	}

	rows, err = s.QueryHistory(ctx, HistoryFilter{Limit: 2})
	if err != nil || len(rows) != 2 || rows[0].RawText != "t3" {
		t.Fatalf("limit: %+v, err %v", rows, err)
	}
}

func TestDatabaseSinkRetention(t *testing.T) {
	s := newSQLiteSink(t, 1)
	defer s.Stop()

	v := 1.0
	now := time.Now().UTC()
	batch := []model.Event{
		readingAt("cam-01", "meter-01", &v, "old", now.AddDate(0, 0, -2)),
		readingAt("cam-01", "meter-01", &v, "new", now),
		model.IndicatorEvent(model.IndicatorReading{
			CameraID: "cam-01", IndicatorID: "fire-west",
			State: false, Score: 3, Timestamp: now.AddDate(0, 0, -2),
		}),
	}
	if err := s.insertBatch(batch); err != nil {
		t.Fatalf("insertBatch: %v", err)
	}

	s.runRetention()

	rows, err := s.QueryHistory(context.Background(), HistoryFilter{})
	if err != nil || len(rows) != 1 || rows[0].RawText != "new" {
		t.Fatalf("after retention: %+v, err %v", rows, err)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM indicator_readings`).Scan(&n); err != nil || n != 0 {
		t.Errorf("indicator rows after retention = %d, err %v", n, err)
	}
}

func TestDatabaseSinkSchemaIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DatabaseExportConfig{Enabled: true, Type: "sqlite", Path: filepath.Join(dir, "r.db")}

	a, err := NewDatabaseSink(cfg, testMetrics)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	a.Stop()

	b, err := NewDatabaseSink(cfg, testMetrics)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	b.Stop()
}

func TestRebind(t *testing.T) {
	pg := &DatabaseSink{driver: "postgres"}
	got := pg.rebind(`INSERT INTO t (a, b, c) VALUES (?, ?, ?)`)
	want := `INSERT INTO t (a, b, c) VALUES ($1, $2, $3)`
	if got != want {
		t.Errorf("postgres rebind = %q", got)
	}

	lite := &DatabaseSink{driver: "sqlite3"}
	q := `SELECT * FROM t WHERE a = ?`
	if got := lite.rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
}
