package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/pgdb"
)

const jobColumns = `id, requester_id, stops, price_cents, status, driver_id, driver_name, proof_ref, created_at, claimed_at, completed_at, version`

// PostgresRepository stores jobs in Postgres. The compare-and-swap is a single
// conditional UPDATE, so concurrent claims across processes are arbitrated by
// the database row lock.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository uses db, which the caller opens and closes.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Ping(ctx context.Context) error {
	return pgdb.Classify("ping database", p.db.PingContext(ctx))
}

func (p *PostgresRepository) Insert(ctx context.Context, job models.Job) error {
	stops, err := json.Marshal(job.Stops)
	if err != nil {
		return fmt.Errorf("encode stops: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO jobs (id, requester_id, stops, price_cents, status, created_at, version) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		job.ID, job.RequesterID, string(stops), job.Price.Cents(), string(job.Status), job.CreatedAt, job.Version)
	return pgdb.Classify("insert job", err)
}

func (p *PostgresRepository) Get(ctx context.Context, id string) (models.Job, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, errs.NewNotFoundError("job", id)
	}
	if err != nil {
		return models.Job{}, pgdb.Classify("get job", err)
	}
	return j, nil
}

func (p *PostgresRepository) List(ctx context.Context, f Filter) ([]models.Job, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.RequesterID != "" {
		args = append(args, f.RequesterID)
		where = append(where, fmt.Sprintf("requester_id = $%d", len(args)))
	}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		where = append(where, fmt.Sprintf("driver_id = $%d", len(args)))
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, id`

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, pgdb.Classify("list jobs", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, pgdb.Classify("scan job", err)
		}
		out = append(out, j)
	}
	return out, pgdb.Classify("list jobs", rows.Err())
}

func (p *PostgresRepository) Apply(ctx context.Context, c Change) (models.Job, error) {
	row := p.db.QueryRowContext(ctx, `
UPDATE jobs SET
    status       = $4::text,
    version      = version + 1,
    driver_id    = CASE WHEN $4::text = 'claimed' THEN $5::text ELSE driver_id END,
    driver_name  = CASE WHEN $4::text = 'claimed' THEN $6::text ELSE driver_name END,
    claimed_at   = CASE WHEN $4::text = 'claimed' THEN $8::timestamptz ELSE claimed_at END,
    proof_ref    = CASE WHEN $4::text = 'completed' THEN $7::text ELSE proof_ref END,
    completed_at = CASE WHEN $4::text = 'completed' THEN $8::timestamptz ELSE completed_at END
WHERE id = $1 AND version = $2 AND status = $3
RETURNING `+jobColumns,
		c.JobID, c.ExpectedVersion, string(c.ExpectedStatus), string(c.NewStatus),
		c.Fields.DriverID, c.Fields.DriverName, c.Fields.ProofRef, c.At)

	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, pgdb.Classify("update job", err)
	}

	current, err := p.Get(ctx, c.JobID)
	if err != nil {
		return models.Job{}, err
	}
	return models.Job{}, &errs.ConflictError{
		JobID:           c.JobID,
		ExpectedVersion: c.ExpectedVersion,
		ActualVersion:   current.Version,
		ExpectedStatus:  string(c.ExpectedStatus),
		ActualStatus:    string(current.Status),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (models.Job, error) {
	var (
		j                           models.Job
		stops                       []byte
		price                       int64
		status                      string
		driverID, driverName, proof sql.NullString
		claimedAt, completedAt      sql.NullTime
	)
	if err := s.Scan(&j.ID, &j.RequesterID, &stops, &price, &status, &driverID, &driverName, &proof,
		&j.CreatedAt, &claimedAt, &completedAt, &j.Version); err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(stops, &j.Stops); err != nil {
		return models.Job{}, fmt.Errorf("decode stops of job %s: %w", j.ID, err)
	}
	j.Price = models.Cents(price)
	j.Status = models.Status(status)
	j.DriverID = driverID.String
	j.DriverName = driverName.String
	j.ProofRef = proof.String
	if claimedAt.Valid {
		t := claimedAt.Time
		j.ClaimedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}
