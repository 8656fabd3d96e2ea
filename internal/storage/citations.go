package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/scopeware/periscope/internal/model"
)

// CreateCitation inserts a single citation record.
func (db *DB) CreateCitation(ctx context.Context, c model.Citation) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO citations (id, project_id, run_id, competitor, criterion,
		        url, domain, source_type, published_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.ProjectID, c.RunID, c.Competitor, c.Criterion,
		c.URL, c.Domain, c.SourceType, c.PublishedAt, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create citation: %w", err)
	}
	return nil
}

// CreateCitations bulk-inserts citations using the Postgres COPY
// protocol. Evidence collection lands citations in batches of hundreds,
// where per-row INSERTs are a measurable bottleneck.
func (db *DB) CreateCitations(ctx context.Context, citations []model.Citation) (int64, error) {
	if len(citations) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(citations))
	for i, c := range citations {
		rows[i] = []any{
			c.ID, c.ProjectID, c.RunID, c.Competitor, c.Criterion,
			c.URL, c.Domain, c.SourceType, c.PublishedAt, c.CreatedAt,
		}
	}

	n, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"citations"},
		[]string{"id", "project_id", "run_id", "competitor", "criterion",
			"url", "domain", "source_type", "published_at", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: bulk create citations: %w", err)
	}
	return n, nil
}

const citationColumns = `id, project_id, run_id, competitor, criterion,
	 url, domain, source_type, published_at, created_at`

// GetCitationsByProject returns all citations collected for a project,
// newest publication first with undated citations last.
func (db *DB) GetCitationsByProject(ctx context.Context, projectID uuid.UUID) ([]model.Citation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+citationColumns+` FROM citations
		 WHERE project_id = $1
		 ORDER BY published_at DESC NULLS LAST, created_at DESC`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get citations by project: %w", err)
	}
	defer rows.Close()
	return scanCitations(rows)
}

// GetCitationsByPair returns the citations backing one
// (competitor, criterion) cell. This is the evidence set the scoring
// engine consumes.
func (db *DB) GetCitationsByPair(ctx context.Context, projectID uuid.UUID, competitor, criterion string) ([]model.Citation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+citationColumns+` FROM citations
		 WHERE project_id = $1 AND competitor = $2 AND criterion = $3
		 ORDER BY published_at DESC NULLS LAST, created_at DESC`,
		projectID, competitor, criterion,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get citations by pair: %w", err)
	}
	defer rows.Close()
	return scanCitations(rows)
}

// GetCitationsByRun returns all citations ingested under a specific run.
func (db *DB) GetCitationsByRun(ctx context.Context, runID uuid.UUID) ([]model.Citation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+citationColumns+` FROM citations
		 WHERE run_id = $1
		 ORDER BY created_at ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get citations by run: %w", err)
	}
	defer rows.Close()
	return scanCitations(rows)
}

// CountCitationsByProject returns the number of citations on record for
// a project.
func (db *DB) CountCitationsByProject(ctx context.Context, projectID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM citations WHERE project_id = $1`, projectID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count citations: %w", err)
	}
	return n, nil
}

func scanCitations(rows pgx.Rows) ([]model.Citation, error) {
	var citations []model.Citation
	for rows.Next() {
		var c model.Citation
		err := rows.Scan(
			&c.ID, &c.ProjectID, &c.RunID, &c.Competitor, &c.Criterion,
			&c.URL, &c.Domain, &c.SourceType, &c.PublishedAt, &c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("storage: scan citation: %w", err)
		}
		citations = append(citations, c)
	}
	return citations, rows.Err()
}
