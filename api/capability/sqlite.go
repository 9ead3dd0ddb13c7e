package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/minervahq/triage/api/pipeline"
)

// VerdictDB is the SQLite-backed persistence capability.  The verdicts
// table is append-only and keyed by fingerprint plus timestamp, so repeat
// submissions produce a new history row even when served from cache.
type VerdictDB struct {
	db *sql.DB
}

const verdictSchema = `
CREATE TABLE IF NOT EXISTS verdicts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fingerprint TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	classification TEXT NOT NULL,
	confidence INTEGER NOT NULL,
	summary TEXT,
	extracted_text TEXT,
	flagged_links TEXT,
	patterns TEXT,
	locale TEXT
);
CREATE INDEX IF NOT EXISTS idx_verdicts_fingerprint ON verdicts(fingerprint, created_at);
`

// OpenVerdictDB opens or creates the verdict history database.
func OpenVerdictDB(path string) (*VerdictDB, error) {
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open verdict database %s", path)
	}
	// SQLite supports a single writer; WAL keeps readers unblocked
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to enable WAL mode")
	}
	if _, err := db.ExecContext(context.Background(), verdictSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create verdict schema")
	}
	return &VerdictDB{db: db}, nil
}

// Close releases the database handle.
func (v *VerdictDB) Close() error {
	return errors.Wrap(v.db.Close(), "failed to close verdict database")
}

// Append writes one verdict record.  Implements pipeline.HistoryAppender.
func (v *VerdictDB) Append(ctx context.Context, fingerprint string, verdict pipeline.Verdict) (int64, error) {
	links, err := json.Marshal(verdict.FlaggedLinks)
	if err != nil {
		return 0, pipeline.NewStageError(pipeline.ErrStorageUnavailable, errors.Wrap(err, "failed to marshal flagged links"))
	}
	patterns, err := json.Marshal(verdict.Patterns)
	if err != nil {
		return 0, pipeline.NewStageError(pipeline.ErrStorageUnavailable, errors.Wrap(err, "failed to marshal patterns"))
	}

	result, err := v.db.ExecContext(ctx,
		`INSERT INTO verdicts (fingerprint, created_at, classification, confidence, summary, extracted_text, flagged_links, patterns, locale)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fingerprint, time.Now().UTC(), string(verdict.Classification), verdict.Confidence,
		verdict.Summary, verdict.ExtractedText, string(links), string(patterns), verdict.Locale)
	if err != nil {
		return 0, pipeline.NewStageError(pipeline.ErrStorageUnavailable,
			errors.Wrap(err, "failed to insert verdict record"))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, pipeline.NewStageError(pipeline.ErrStorageUnavailable,
			errors.Wrap(err, "failed to read inserted record id"))
	}
	return id, nil
}

// Recent returns the newest history rows, most recent first.
func (v *VerdictDB) Recent(ctx context.Context, limit int) ([]HistoryRecord, error) {
	rows, err := v.db.QueryContext(ctx,
		`SELECT id, fingerprint, created_at, classification, confidence, summary, extracted_text, flagged_links, patterns, locale
		 FROM verdicts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query verdict history")
	}
	defer rows.Close()

	var records []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		var links, patterns string
		if err := rows.Scan(&rec.ID, &rec.Fingerprint, &rec.CreatedAt, &rec.Classification,
			&rec.Confidence, &rec.Summary, &rec.ExtractedText, &links, &patterns, &rec.Locale); err != nil {
			return nil, errors.Wrap(err, "failed to scan verdict row")
		}
		if err := json.Unmarshal([]byte(links), &rec.FlaggedLinks); err != nil {
			rec.FlaggedLinks = []string{}
		}
		if err := json.Unmarshal([]byte(patterns), &rec.Patterns); err != nil {
			rec.Patterns = []string{}
		}
		records = append(records, rec)
	}
	return records, errors.Wrap(rows.Err(), "failed to iterate verdict rows")
}

// WarmFingerprints replays the newest conclusive history rows into the
// fingerprint store so cached verdicts survive a restart.  Failures here
// only cost cache hits, so the store degrades to a miss rather than
// blocking startup.
func (v *VerdictDB) WarmFingerprints(ctx context.Context, store pipeline.FingerprintStore, limit int) (int, error) {
	records, err := v.Recent(ctx, limit)
	if err != nil {
		return 0, err
	}
	warmed := 0
	seen := map[string]bool{}
	for _, rec := range records {
		// newest row per fingerprint wins; inconclusive rows are not
		// worth caching
		if seen[rec.Fingerprint] || rec.Classification == string(pipeline.ClassificationInconclusive) {
			continue
		}
		seen[rec.Fingerprint] = true
		if _, ok := store.Lookup(rec.Fingerprint); ok {
			continue
		}
		store.Store(rec.Fingerprint, pipeline.Verdict{
			Classification: pipeline.Classification(rec.Classification),
			Confidence:     rec.Confidence,
			Summary:        rec.Summary,
			FlaggedLinks:   rec.FlaggedLinks,
			Patterns:       rec.Patterns,
			ExtractedText:  rec.ExtractedText,
			Locale:         rec.Locale,
		})
		warmed++
	}
	return warmed, nil
}
