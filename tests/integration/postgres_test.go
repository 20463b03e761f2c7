//go:build integration

package integration

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/incident-desk/internal/app"
	"github.com/bissquit/incident-desk/internal/config"
	"github.com/bissquit/incident-desk/internal/domain"
	"github.com/bissquit/incident-desk/internal/incidents"
	"github.com/bissquit/incident-desk/internal/incidents/incidentstest"
	"github.com/bissquit/incident-desk/internal/incidents/postgres"
	"github.com/bissquit/incident-desk/internal/testutil"
	"github.com/bissquit/incident-desk/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sharedPool wraps the repository so the contract cannot close testDB.
type sharedPool struct {
	*postgres.Repository
}

func (sharedPool) Close() error { return nil }

func TestPostgres_Contract(t *testing.T) {
	incidentstest.Run(t, incidentstest.Factory{
		New: func(t *testing.T) incidents.Backend {
			require.NoError(t, testutil.TruncatePartitions(context.Background(), testDB))
			return sharedPool{postgres.NewRepository(testDB)}
		},
		Reopen: func(t *testing.T, _ incidents.Backend) incidents.Backend {
			return sharedPool{postgres.NewRepository(testDB)}
		},
	})
}

func TestPostgres_ConcurrentStoresRegisterDistinctIDs(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testutil.TruncatePartitions(ctx, testDB))

	// Two stores over the same tables, as two processes would be. Only the
	// database serialises them.
	stores := []*incidents.Store{
		incidents.NewStore(postgres.NewRepository(testDB), incidents.StoreConfig{IDScope: incidents.IDScopeAll}),
		incidents.NewStore(postgres.NewRepository(testDB), incidents.StoreConfig{IDScope: incidents.IDScopeAll}),
	}
	at := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ids      []string
		dupCount int
	)
	for i := range 10 {
		wg.Add(1)
		go func(s *incidents.Store) {
			defer wg.Done()
			inc, err := s.Register(ctx, at, i, "switch port down")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, incidents.ErrDuplicateID)
				dupCount++
				return
			}
			ids = append(ids, inc.ID)
		}(stores[i%2])
	}
	wg.Wait()

	// Every id that made it in is unique; a lost race surfaces as
	// ErrDuplicateID rather than a second row.
	assert.Len(t, ids, 10-dupCount)
	seen := make(map[string]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "id %s registered twice", id)
		seen[id] = true
	}

	items, err := stores[0].List(ctx, domain.StatePending)
	require.NoError(t, err)
	assert.Len(t, items, len(ids))
}

func TestPostgres_MigrationsIdempotent(t *testing.T) {
	require.NoError(t, migrations.UpPostgres(testDBURL))
}

func TestPostgres_AppLifecycle(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testutil.TruncatePartitions(ctx, testDB))

	cfg := config.Default()
	cfg.Backend.Type = config.BackendPostgres
	cfg.Database.URL = testDBURL
	cfg.Timezone = "UTC"
	cfg.Log.Level = "error"
	require.NoError(t, cfg.Validate())

	require.NoError(t, app.Migrate(ctx, &cfg, app.NewLogger(cfg.Log, &bytes.Buffer{})))

	now := time.Date(2025, 6, 3, 14, 20, 0, 0, time.UTC)
	a, err := app.New(ctx, &cfg, app.WithLogOutput(&bytes.Buffer{}), app.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	defer func() { assert.NoError(t, a.Close()) }()

	svc := a.Service()

	inc, err := svc.Register(ctx, incidents.RegisterInput{Workstation: 4, Description: "no sound"})
	require.NoError(t, err)
	assert.Equal(t, "03/06/2025-14:20-1", inc.ID)

	_, err = svc.Resolve(ctx, inc.ID, now.Add(2*time.Hour), "driver reinstalled")
	require.NoError(t, err)

	_, err = svc.Delete(ctx, inc.ID, now, "not needed")
	assert.ErrorIs(t, err, incidents.ErrInvalidState)

	got, err := svc.Find(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateResolved, got.State)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(now.Add(2*time.Hour)))

	var pending, resolved int
	require.NoError(t, testDB.QueryRow(ctx, `SELECT count(*) FROM incidencias_pendientes`).Scan(&pending))
	require.NoError(t, testDB.QueryRow(ctx, `SELECT count(*) FROM incidencias_resueltas`).Scan(&resolved))
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, resolved)
}
