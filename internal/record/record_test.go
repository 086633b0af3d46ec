package record_test

import (
	"context"
	"database/sql"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/sweepctl/internal/acquisition"
	"codeberg.org/mutker/sweepctl/internal/errors"
	"codeberg.org/mutker/sweepctl/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRun(t *testing.T) (acquisition.SweepPlan, acquisition.Result) {
	t.Helper()

	plan, err := acquisition.NewSweepPlan(0, 10, 3, false, true)
	require.NoError(t, err)

	id := acquisition.ParseIdentity("VendorX,ModelY,SN1,FW2")
	ts := time.Date(2024, 3, 9, 14, 5, 6, 0, time.Local)
	return plan, acquisition.Result{
		State:    acquisition.Aborted,
		Identity: id,
		Records: []acquisition.Record{
			acquisition.NewRecord(ts, id, 0, 2, 4),
			acquisition.NewRecord(ts.Add(time.Second), id, 5, 1.5, 0),
		},
		Completed:  2,
		Planned:    3,
		StartedAt:  ts,
		FinishedAt: ts.Add(2 * time.Second),
		Err:        errors.New().WithMessage(errors.ErrAborted, "sweep aborted after 2 of 3 points"),
	}
}

func TestCSVSinkWritesTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data", "measurement.csv")
	sink, err := record.NewCSVSink(path, record.Labels{}, nil)
	require.NoError(t, err)

	plan, res := sampleRun(t)
	require.NoError(t, sink.Save(context.Background(), plan, res))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"Timestamp", "Vendor", "Model", "Serial", "Firmware", "Voltage", "Current", "Resistance"},
		{"2024-03-09 14:05:06", "VendorX", "ModelY", "SN1", "FW2", "2", "4", "0.5"},
		{"2024-03-09 14:05:07", "VendorX", "ModelY", "SN1", "FW2", "1.5", "0", "0"},
	}, rows)
}

func TestCSVSinkCustomLabels(t *testing.T) {
	sink, err := record.NewCSVSink(filepath.Join(t.TempDir(), "c.csv"), record.Labels{Derived: "Capacitance"}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Timestamp", "Vendor", "Model", "Serial", "Firmware", "Voltage", "Current", "Capacitance"}, sink.Header())
}

func TestCSVSinkTruncatesPreviousRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.csv")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("stale\n", 50)), 0o600))

	sink, err := record.NewCSVSink(path, record.DefaultLabels(), nil)
	require.NoError(t, err)
	require.NoError(t, sink.Save(context.Background(), acquisition.SweepPlan{}, acquisition.Result{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Timestamp,Vendor,Model,Serial,Firmware,Voltage,Current,Resistance\n", string(data))
}

func TestCSVSinkRequiresPath(t *testing.T) {
	_, err := record.NewCSVSink("", record.DefaultLabels(), nil)
	assert.True(t, errors.HasCode(err, record.ErrInvalidPath))
}

func TestCSVSinkReportsPersistFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	sink, err := record.NewCSVSink(filepath.Join(blocker, "m.csv"), record.DefaultLabels(), nil)
	require.NoError(t, err)

	err = sink.Save(context.Background(), acquisition.SweepPlan{}, acquisition.Result{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrPersist))
}

func openStore(t *testing.T, path string) *record.Store {
	t.Helper()
	store, err := record.NewStore(context.Background(), record.StoreConfig{Path: path}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreSavesRun(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "db", "records.db"))

	plan, res := sampleRun(t)
	require.NoError(t, store.Save(ctx, plan, res))

	id, err := store.LastRunID(ctx)
	require.NoError(t, err)
	require.NotZero(t, id)

	run, err := store.Run(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, acquisition.TypeResistance, run.Type)
	assert.Equal(t, "aborted", run.State)
	assert.Equal(t, 2, run.Completed)
	assert.Equal(t, 3, run.Points)
	assert.Equal(t, res.Identity, run.Identity)
	assert.Contains(t, run.Error, "2 of 3")
	require.Len(t, run.Records, 2)
	assert.Equal(t, 0.5, run.Records[0].Derived)
	assert.Equal(t, 5.0, run.Records[1].SetValue)
	assert.True(t, res.Records[1].Timestamp.Equal(run.Records[1].Timestamp))
}

func TestStoreKeepsEveryRun(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")
	store := openStore(t, path)

	plan, res := sampleRun(t)
	require.NoError(t, store.Save(ctx, plan, res))
	res.Err = nil
	res.State = acquisition.Completed
	require.NoError(t, store.Save(ctx, plan, res))

	id, err := store.LastRunID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)

	run, err := store.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "completed", run.State)
	assert.Empty(t, run.Error)
}

func TestStoreEmptyHasNoRuns(t *testing.T) {
	store := openStore(t, filepath.Join(t.TempDir(), "records.db"))

	id, err := store.LastRunID(context.Background())
	require.NoError(t, err)
	assert.Zero(t, id)
}

func TestStoreRequiresPath(t *testing.T) {
	_, err := record.NewStore(context.Background(), record.StoreConfig{}, nil)
	assert.True(t, errors.HasCode(err, record.ErrInvalidDBPath))
}

func TestStoreBacksUpOutdatedSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.db")
	backups := filepath.Join(dir, "old")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`
        CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
        INSERT INTO schema_versions (version, applied_at) VALUES (99, datetime('now'));
        CREATE TABLE runs (id INTEGER PRIMARY KEY, legacy TEXT);
    `)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, err := record.NewStore(context.Background(), record.StoreConfig{Path: path, BackupDir: backups}, nil)
	require.NoError(t, err)
	defer store.Close()

	entries, err := os.ReadDir(backups)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "records_v99_"))

	plan, res := sampleRun(t)
	require.NoError(t, store.Save(context.Background(), plan, res))
}

func TestStoreReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")

	store, err := record.NewStore(ctx, record.StoreConfig{Path: path}, nil)
	require.NoError(t, err)
	plan, res := sampleRun(t)
	require.NoError(t, store.Save(ctx, plan, res))
	require.NoError(t, store.Close())

	store = openStore(t, path)
	id, err := store.LastRunID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}
