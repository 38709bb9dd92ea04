// Package syncinfo bootstraps and reads a destination's SyncInfo
// bookkeeping row (spec.md §4.2).
package syncinfo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/avast/retry-go/v4"
	"github.com/snapflowio/mssql-replicator/internal/mssql"
	"github.com/snapflowio/mssql-replicator/logger"
)

var log = logger.Named("syncinfo")

// Unavailable is the sentinel CurrentVersion returns when bookkeeping
// could not be established — the caller must skip this destination for
// the current run (spec.md §3).
const Unavailable int64 = -1

const probeTableQuery = `SELECT OBJECT_ID('dbo.SyncInfo', 'U');`

const currentCTVersionQuery = `SELECT CHANGE_TRACKING_CURRENT_VERSION();`

const createTableStatement = `
CREATE TABLE dbo.SyncInfo (
    Id      INT    NOT NULL PRIMARY KEY DEFAULT 1 CHECK (Id = 1),
    Version BIGINT NOT NULL
);`

const insertInitialRowStatement = `INSERT INTO dbo.SyncInfo (Id, Version) VALUES (1, @p1);`

const selectVersionQuery = `SELECT Version FROM dbo.SyncInfo WHERE Id = 1;`

const advanceVersionStatement = `UPDATE dbo.SyncInfo SET Version = @p1 WHERE Id = 1;`

// Tracker reads or bootstraps SyncInfo on one destination Gateway.
type Tracker struct {
	gw     *mssql.Gateway
	dryRun bool
}

func NewTracker(gw *mssql.Gateway, dryRun bool) *Tracker {
	return &Tracker{gw: gw, dryRun: dryRun}
}

// CurrentVersion implements spec.md §4.2 steps 1-4. On any failure it
// logs and returns Unavailable rather than an error, so callers never
// need a second branch to interpret the sentinel.
func (t *Tracker) CurrentVersion(ctx context.Context) int64 {
	var version int64

	err := retry.Do(
		func() error {
			v, err := t.currentVersionOnce(ctx)
			if err != nil {
				return err
			}
			version = v
			return nil
		},
		retry.Attempts(3),
		retry.RetryIf(mssql.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("version probe failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		log.Error("version probe failed", "error", err)
		return Unavailable
	}

	return version
}

func (t *Tracker) currentVersionOnce(ctx context.Context) (int64, error) {
	exists, err := t.tableExists(ctx)
	if err != nil {
		return 0, fmt.Errorf("probe SyncInfo: %w", err)
	}

	if exists {
		return t.readVersion(ctx)
	}

	baseline, err := t.destinationOwnCTVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("read destination CT version: %w", err)
	}

	if t.dryRun {
		log.Info("dry-run: would bootstrap SyncInfo", "baseline", baseline)
		return baseline, nil
	}

	if err := t.bootstrap(ctx, baseline); err != nil {
		return 0, fmt.Errorf("bootstrap SyncInfo: %w", err)
	}

	log.Info("SyncInfo bootstrapped", "baseline", baseline)
	return baseline, nil
}

func (t *Tracker) tableExists(ctx context.Context) (bool, error) {
	v, err := t.gw.Scalar(ctx, probeTableQuery)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// destinationOwnCTVersion reads CHANGE_TRACKING_CURRENT_VERSION() on the
// destination itself. A NULL result means change tracking is not
// enabled on the destination — treated as 0, a fresh sync. A
// non-negative result is adopted as the starting baseline so pre-
// existing rows are not re-inserted (spec.md §4.2 rationale).
func (t *Tracker) destinationOwnCTVersion(ctx context.Context) (int64, error) {
	v, err := t.gw.Scalar(ctx, currentCTVersionQuery)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, nil
	}
	return asInt64(v)
}

func (t *Tracker) bootstrap(ctx context.Context, baseline int64) error {
	tx, err := t.gw.Begin(ctx, sql.LevelReadCommitted)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(ctx, createTableStatement); err != nil {
		return fmt.Errorf("create SyncInfo: %w", err)
	}

	if _, err := tx.Exec(ctx, insertInitialRowStatement, baseline); err != nil {
		return fmt.Errorf("insert initial SyncInfo row: %w", err)
	}

	return tx.Commit()
}

func (t *Tracker) readVersion(ctx context.Context) (int64, error) {
	v, err := t.gw.Scalar(ctx, selectVersionQuery)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, fmt.Errorf("SyncInfo table exists but has no row")
	}
	return asInt64(v)
}

// Advance sets SyncInfo.Version to version as the final statement of tx,
// immediately before the caller commits. It is a no-op in dry-run mode
// (spec.md §4.5: "SyncInfo is not created, updated, or written to in
// dry-run").
func (t *Tracker) Advance(ctx context.Context, tx *mssql.Tx, version int64) error {
	if t.dryRun {
		log.Info("dry-run: would advance SyncInfo", "version", version)
		return nil
	}

	if _, err := tx.Exec(ctx, advanceVersionStatement, version); err != nil {
		return fmt.Errorf("advance SyncInfo: %w", err)
	}
	return nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected version type %T", v)
	}
}
