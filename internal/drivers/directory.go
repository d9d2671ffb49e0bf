// Package drivers keeps driver registration and approval state. Drivers are
// registered on first contact as pending approval; an operator activates them
// once a license image has been supplied.
package drivers

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/models"
)

// Directory is the read side used by claim approval checks.
type Directory interface {
	Get(ctx context.Context, id string) (models.Driver, error)
}

// Registry is the full driver store behind the HTTP surface.
type Registry interface {
	Directory
	// Register records a driver if it is not known yet and returns the stored
	// entry. An existing entry keeps its approval state; non-empty name and
	// licenseRef values replace the stored ones.
	Register(ctx context.Context, id, name, licenseRef string) (models.Driver, error)
	// Approve marks a registered driver active. It fails with a validation
	// error while the driver has no license reference.
	Approve(ctx context.Context, id string) (models.Driver, error)
	// List returns drivers in registration order, only those in approval
	// when it is set.
	List(ctx context.Context, approval models.ApprovalState) ([]models.Driver, error)
}

func validID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errs.NewValidationError("driver_id", "must not be empty")
	}
	return nil
}

func errNoLicense(id string) error {
	return errs.NewValidationError("license_ref", "driver "+id+" has not supplied a license image")
}

// MemoryDirectory keeps drivers in memory.
type MemoryDirectory struct {
	now func() time.Time

	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{now: time.Now, drivers: make(map[string]models.Driver)}
}

func (d *MemoryDirectory) Get(_ context.Context, id string) (models.Driver, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	drv, ok := d.drivers[id]
	if !ok {
		return models.Driver{}, errs.NewNotFoundError("driver", id)
	}
	return drv, nil
}

func (d *MemoryDirectory) Register(_ context.Context, id, name, licenseRef string) (models.Driver, error) {
	if err := validID(id); err != nil {
		return models.Driver{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	drv, ok := d.drivers[id]
	if !ok {
		drv = models.Driver{ID: id, Approval: models.ApprovalPending, RegisteredAt: d.now().UTC()}
	}
	if name != "" {
		drv.Name = name
	}
	if licenseRef = strings.TrimSpace(licenseRef); licenseRef != "" {
		drv.LicenseRef = licenseRef
	}
	d.drivers[id] = drv
	return drv, nil
}

func (d *MemoryDirectory) Approve(_ context.Context, id string) (models.Driver, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	drv, ok := d.drivers[id]
	if !ok {
		return models.Driver{}, errs.NewNotFoundError("driver", id)
	}
	if drv.LicenseRef == "" {
		return models.Driver{}, errNoLicense(id)
	}
	if drv.Approval != models.ApprovalActive {
		at := d.now().UTC()
		drv.Approval = models.ApprovalActive
		drv.ApprovedAt = &at
		d.drivers[id] = drv
	}
	return drv, nil
}

func (d *MemoryDirectory) List(_ context.Context, approval models.ApprovalState) ([]models.Driver, error) {
	d.mu.RLock()
	out := make([]models.Driver, 0, len(d.drivers))
	for _, drv := range d.drivers {
		if approval == "" || drv.Approval == approval {
			out = append(out, drv)
		}
	}
	d.mu.RUnlock()
	slices.SortFunc(out, func(a, b models.Driver) int {
		if c := a.RegisteredAt.Compare(b.RegisteredAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}
