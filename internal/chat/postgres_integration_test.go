package chat

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/job-dispatch/internal/models"
	"github.com/example/job-dispatch/internal/pgdb/pgtest"
)

func insertJob(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO jobs (id, requester_id, stops, price_cents, status, created_at, version)
VALUES ($1, 'dealer-1', '[]', 100, 'searching', now(), 1)`, id)
	require.NoError(t, err)
}

func TestPostgresRepositoryAppendsInOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := pgtest.Start(t)
	insertJob(t, db, "j1")
	insertJob(t, db, "j2")
	repo := NewPostgresRepository(db)
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Microsecond)

	a, err := repo.Append(ctx, models.Message{ID: "m1", JobID: "j1", SenderID: "dealer-1", SenderRole: models.RoleDealer, Text: "hello", SentAt: at})
	require.NoError(t, err)
	b, err := repo.Append(ctx, models.Message{ID: "m2", JobID: "j1", SenderID: "drv", SenderRole: models.RoleDriver, Text: "hi", SentAt: at})
	require.NoError(t, err)
	c, err := repo.Append(ctx, models.Message{ID: "m3", JobID: "j2", SenderID: "drv", SenderRole: models.RoleDriver, Text: "other", SentAt: at})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.Seq)
	assert.Equal(t, uint64(2), b.Seq)
	assert.Equal(t, uint64(1), c.Seq)

	got, err := repo.List(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, models.RoleDealer, got[0].SenderRole)
	assert.Equal(t, "hello", got[0].Text)
	assert.True(t, at.Equal(got[0].SentAt))
	assert.Equal(t, "m2", got[1].ID)
	assert.Equal(t, uint64(2), got[1].Seq)

	empty, err := repo.List(ctx, "j3")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPostgresRepositoryConcurrentAppendsGetDistinctSequences(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	db := pgtest.Start(t)
	insertJob(t, db, "j1")
	repo := NewPostgresRepository(db)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.Append(ctx, models.Message{
				ID: fmt.Sprintf("m%d", i), JobID: "j1", SenderID: "drv", SenderRole: models.RoleDriver,
				Text: "x", SentAt: time.Now().UTC(),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := repo.List(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, got, n)
	for i, m := range got {
		assert.Equal(t, uint64(i+1), m.Seq)
	}
}
