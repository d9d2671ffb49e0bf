package drivers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/job-dispatch/internal/errs"
	"github.com/example/job-dispatch/internal/models"
)

// testRegistry runs the behaviour every Registry implementation shares.
func testRegistry(t *testing.T, d Registry) {
	ctx := context.Background()

	t.Run("register then approve", func(t *testing.T) {
		_, err := d.Get(ctx, "drv-1")
		assert.ErrorIs(t, err, errs.ErrNotFound)

		drv, err := d.Register(ctx, "drv-1", "Ana", "")
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalPending, drv.Approval)
		assert.False(t, drv.RegisteredAt.IsZero())
		assert.Nil(t, drv.ApprovedAt)

		_, err = d.Approve(ctx, "drv-1")
		assert.ErrorIs(t, err, errs.ErrValidation, "no license yet")

		drv, err = d.Register(ctx, "drv-1", "", "uploads/licenses/drv-1.jpg")
		require.NoError(t, err)
		assert.Equal(t, "Ana", drv.Name)
		assert.Equal(t, "uploads/licenses/drv-1.jpg", drv.LicenseRef)

		drv, err = d.Approve(ctx, "drv-1")
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalActive, drv.Approval)
		require.NotNil(t, drv.ApprovedAt)

		drv, err = d.Register(ctx, "drv-1", "Ana B", "")
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalActive, drv.Approval)
		assert.Equal(t, "Ana B", drv.Name)
		assert.Equal(t, "uploads/licenses/drv-1.jpg", drv.LicenseRef)

		got, err := d.Get(ctx, "drv-1")
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalActive, got.Approval)
	})

	t.Run("approve unknown driver", func(t *testing.T) {
		_, err := d.Approve(ctx, "ghost")
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("list by approval", func(t *testing.T) {
		_, err := d.Register(ctx, "drv-2", "Ben", "lic-2")
		require.NoError(t, err)
		_, err = d.Register(ctx, "drv-3", "Cy", "")
		require.NoError(t, err)

		pending, err := d.List(ctx, models.ApprovalPending)
		require.NoError(t, err)
		ids := make([]string, len(pending))
		for i, p := range pending {
			ids[i] = p.ID
		}
		assert.ElementsMatch(t, []string{"drv-2", "drv-3"}, ids)

		active, err := d.List(ctx, models.ApprovalActive)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "drv-1", active[0].ID)

		all, err := d.List(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("empty id", func(t *testing.T) {
		_, err := d.Register(ctx, " ", "x", "")
		assert.ErrorIs(t, err, errs.ErrValidation)
	})
}

func TestMemoryDirectory(t *testing.T) {
	testRegistry(t, NewMemoryDirectory())
}
