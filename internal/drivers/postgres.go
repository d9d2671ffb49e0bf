package drivers

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/pgdb"
)

const driverColumns = `id, name, approval, license_ref, registered_at, approved_at`

// PostgresDirectory stores drivers so approvals survive restarts.
type PostgresDirectory struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db, now: time.Now}
}

func (p *PostgresDirectory) Get(ctx context.Context, id string) (models.Driver, error) {
	drv, err := scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Driver{}, errs.NewNotFoundError("driver", id)
	}
	if err != nil {
		return models.Driver{}, pgdb.Classify("get driver", err)
	}
	return drv, nil
}

func (p *PostgresDirectory) Register(ctx context.Context, id, name, licenseRef string) (models.Driver, error) {
	if err := validID(id); err != nil {
		return models.Driver{}, err
	}
	row := p.db.QueryRowContext(ctx, `
INSERT INTO drivers (id, name, approval, license_ref, registered_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
    name        = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE drivers.name END,
    license_ref = CASE WHEN EXCLUDED.license_ref <> '' THEN EXCLUDED.license_ref ELSE drivers.license_ref END
RETURNING `+driverColumns,
		id, name, string(models.ApprovalPending), strings.TrimSpace(licenseRef), p.now().UTC())
	drv, err := scanDriver(row)
	if err != nil {
		return models.Driver{}, pgdb.Classify("register driver", err)
	}
	return drv, nil
}

func (p *PostgresDirectory) Approve(ctx context.Context, id string) (models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `
UPDATE drivers SET approval = $2, approved_at = COALESCE(approved_at, $3)
WHERE id = $1 AND license_ref <> ''
RETURNING `+driverColumns,
		id, string(models.ApprovalActive), p.now().UTC())
	drv, err := scanDriver(row)
	if err == nil {
		return drv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Driver{}, pgdb.Classify("approve driver", err)
	}
	if _, err := p.Get(ctx, id); err != nil {
		return models.Driver{}, err
	}
	return models.Driver{}, errNoLicense(id)
}

func (p *PostgresDirectory) List(ctx context.Context, approval models.ApprovalState) ([]models.Driver, error) {
	q := `SELECT ` + driverColumns + ` FROM drivers`
	var args []any
	if approval != "" {
		q += ` WHERE approval = $1`
		args = append(args, string(approval))
	}
	q += ` ORDER BY registered_at, id`

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, pgdb.Classify("list drivers", err)
	}
	defer rows.Close()

	out := []models.Driver{}
	for rows.Next() {
		drv, err := scanDriver(rows)
		if err != nil {
			return nil, pgdb.Classify("scan driver", err)
		}
		out = append(out, drv)
	}
	return out, pgdb.Classify("list drivers", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDriver(s scanner) (models.Driver, error) {
	var (
		drv        models.Driver
		approval   string
		approvedAt sql.NullTime
	)
	if err := s.Scan(&drv.ID, &drv.Name, &approval, &drv.LicenseRef, &drv.RegisteredAt, &approvedAt); err != nil {
		return models.Driver{}, err
	}
	drv.Approval = models.ApprovalState(approval)
	drv.RegisteredAt = drv.RegisteredAt.UTC()
	if approvedAt.Valid {
		t := approvedAt.Time.UTC()
		drv.ApprovedAt = &t
	}
	return drv, nil
}
