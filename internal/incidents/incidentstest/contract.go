// Package incidentstest holds the behaviour every incidents.Backend must
// show once wrapped in an incidents.Store.
package incidentstest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/incident-desk/internal/domain"
	"github.com/bissquit/incident-desk/internal/incidents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory opens backends for the suite.
type Factory struct {
	// New returns a backend with all partitions empty.
	New func(t *testing.T) incidents.Backend
	// Reopen closes b and opens a new backend over the same storage.
	// Durability checks are skipped when nil.
	Reopen func(t *testing.T, b incidents.Backend) incidents.Backend
}

// Day is the reporting day used by the suite.
var Day = time.Date(2025, 5, 10, 9, 30, 0, 0, time.UTC)

// Run executes the suite against backends produced by f.
func Run(t *testing.T, f Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, f Factory)
	}{
		{"InsertAndFind", testInsertAndFind},
		{"DuplicateIDRejected", testDuplicateIDRejected},
		{"RegisterSameDayCounter", testRegisterSameDayCounter},
		{"ResolveMovesOnce", testResolveMovesOnce},
		{"DeleteOnlyFromPending", testDeleteOnlyFromPending},
		{"RevertClearsResolution", testRevertClearsResolution},
		{"ResolveRevertRoundTrip", testResolveRevertRoundTrip},
		{"ModifyDescriptionOnlyPending", testModifyDescriptionOnlyPending},
		{"ModifyResolutionOnlyResolved", testModifyResolutionOnlyResolved},
		{"DeletedIsTerminal", testDeletedIsTerminal},
		{"NotFound", testNotFound},
		{"ListOrderAndCopies", testListOrderAndCopies},
		{"ConcurrentRegister", testConcurrentRegister},
		{"Durability", testDurability},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, f)
		})
	}
}

func newStore(t *testing.T, f Factory) (*incidents.Store, incidents.Backend) {
	t.Helper()
	b := f.New(t)
	return incidents.NewStore(b, incidents.StoreConfig{}), b
}

func register(t *testing.T, s *incidents.Store, at time.Time, desc string) *domain.Incident {
	t.Helper()
	inc, err := s.Register(context.Background(), at, 3, desc)
	require.NoError(t, err)
	return inc
}

// AssertLocatedIn checks that id is listed in partition want and in no other.
func AssertLocatedIn(t *testing.T, s *incidents.Store, id string, want domain.State) {
	t.Helper()
	ctx := context.Background()

	for _, p := range domain.States {
		items, err := s.List(ctx, p)
		require.NoError(t, err)

		n := 0
		for _, inc := range items {
			if inc.ID == id {
				n++
			}
		}
		if p == want {
			assert.Equal(t, 1, n, "incident %s should be listed once in %s", id, p)
		} else {
			assert.Zero(t, n, "incident %s should not be listed in %s", id, p)
		}
	}
}

func testInsertAndFind(t *testing.T, f Factory) {
	ctx := context.Background()
	s, _ := newStore(t, f)

	inc := domain.Incident{
		ID:          "10/05/2025-09:30-1",
		State:       domain.StatePending,
		Workstation: 12,
		Description: "monitor flickers",
		ReportedAt:  Day,
	}
	require.NoError(t, s.Insert(ctx, inc))

	got, err := s.Find(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, inc.ID, got.ID)
	assert.Equal(t, domain.StatePending, got.State)
	assert.Equal(t, 12, got.Workstation)
	assert.Equal(t, "monitor flickers", got.Description)
	assert.True(t, got.ReportedAt.Equal(Day), "reported_at %v", got.ReportedAt)
	assert.Nil(t, got.ResolvedAt)
	assert.Nil(t, got.DeletedAt)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testDuplicateIDRejected(t *testing.T, f Factory) {
	ctx := context.Background()
	s, _ := newStore(t, f)

	first := register(t, s, Day, "keyboard missing keys")
	_, err := s.MoveToResolved(ctx, first.ID, Day.Add(time.Hour), "replaced keyboard")
	require.NoError(t, err)

	dup := domain.Incident{
		ID:          first.ID,
		State:       domain.StatePending,
		Description: "another report",
		ReportedAt:  Day,
	}
	err = s.Insert(ctx, dup)
	require.ErrorIs(t, err, incidents.ErrDuplicateID)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	AssertLocatedIn(t, s, first.ID, domain.StateResolved)

	// The pending-only counter restarts once the first incident left Pending,
	// so the next registration of the day collides and is rejected.
	_, err = s.Register(ctx, Day, 3, "mouse broken")
	require.ErrorIs(t, err, incidents.ErrDuplicateID)

	n, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testRegisterSameDayCounter(t *testing.T, f Factory) {
	s, _ := newStore(t, f)

	a := register(t, s, Day, "first")
	b := register(t, s, Day.Add(2*time.Hour), "second")
	c := register(t, s, Day.AddDate(0, 0, 1), "next day")

	assert.Equal(t, "10/05/2025-09:30-1", a.ID)
	assert.Equal(t, "10/05/2025-11:30-2", b.ID)
	assert.Equal(t, "11/05/2025-09:30-1", c.ID)
}

func testResolveMovesOnce(t *testing.T, f Factory) {
	ctx := context.Background()
	s, _ := newStore(t, f)

	inc := register(t, s, Day, "no network")
	resolvedAt := Day.Add(24 * time.Hour)

	got, err := s.MoveToResolved(ctx, inc.ID, resolvedAt, "cable replaced")
	require.NoError(t, err)
	assert.Equal(t, domain.StateResolved, got.State)

	found, err := s.Find(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateResolved, found.State)
	require.NotNil(t, found.ResolvedAt)
	assert.True(t, found.ResolvedAt.Equal(resolvedAt))
	assert.Equal(t, "cable replaced", found.Resolution)

	AssertLocatedIn(t, s, inc.ID, domain.StateResolved)

	// A second resolve is rejected and leaves the incident in place.
	_, err = s.MoveToResolved(ctx, inc.ID, resolvedAt, "again")
	require.ErrorIs(t, err, incidents.ErrInvalidState)
	AssertLocatedIn(t, s, inc.ID, domain.StateResolved)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testDeleteOnlyFromPending(t *testing.T, f Factory) {
	ctx := context.Background()
	s, _ := newStore(t, f)

	pending := register(t, s, Day, "scanner offline")
	resolved := register(t, s, Day, "printer jam")
	_, err := s.MoveToResolved(ctx, resolved.ID, Day.Add(time.Hour), "cleared jam")
	require.NoError(t, err)

	deletedAt := Day.Add(2 * time.Hour)
	got, err := s.MoveToDeleted(ctx, pending.ID, deletedAt, "duplicate report")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDeleted, got.State)
	require.NotNil(t, got.DeletedAt)
	assert.True(t, got.DeletedAt.Equal(deletedAt))
	assert.Equal(t, "duplicate report", got.DeletionCause)
	AssertLocatedIn(t, s, pending.ID, domain.StateDeleted)

	_, err = s.MoveToDeleted(ctx, resolved.ID, deletedAt, "cleanup")
	require.ErrorIs(t, err, incidents.ErrInvalidState)
	AssertLocatedIn(t, s, resolved.ID, domain.StateResolved)
}

func testRevertClearsResolution(t *testing.T, f Factory) {
	ctx := context.Background()
	s, _ := newStore(t, f)

	inc := register(t, s, Day, "slow login")
	_, err := s.MoveToResolved(ctx, inc.ID, Day.Add(time.Hour), "rebooted")
	require.NoError(t, err)

	got, err := s.RevertToPending(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, got.State)
	assert.Nil(t, got.ResolvedAt)
	assert.Empty(t, got.Resolution)

	found, err := s.Find(ctx, inc.ID)
	require.NoError(t, err)
	assert.Nil(t, found.ResolvedAt)
	assert.Empty(t, found.Resolution)
	assertSameReport(t, inc, got)
	assertSameReport(t, inc, found)
	AssertLocatedIn(t, s, inc.ID, domain.StatePending)

	_, err = s.RevertToPending(ctx, inc.ID)
	require.ErrorIs(t, err, incidents.ErrInvalidState)
}

func testResolveRevertRoundTrip(t *testing.T, f Factory) {
	ctx := context.Background()
	s, b := newStore(t, f)

	inc, err := s.Register(ctx, time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC), 7, "printer jam")
	require.NoError(t, err)
	require.Equal(t, "10/05/2025-09:00-1", inc.ID)

	resolved, err := s.MoveToResolved(ctx, inc.ID, time.Date(2025, 5, 12, 0, 0, 0, 0, time.UTC), "replaced fuser")
	require.NoError(t, err)
	assert.Equal(t, domain.StateResolved, resolved.State)
	assert.Equal(t, "replaced fuser", resolved.Resolution)

	reverted, err := s.RevertToPending(ctx, inc.ID)
	require.NoError(t, err)

	check := func(t *testing.T, s *incidents.Store) {
		t.Helper()
		got, err := s.Find(ctx, "10/05/2025-09:00-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatePending, got.State)
		assert.Nil(t, got.ResolvedAt)
		assert.Empty(t, got.Resolution)
		assert.Nil(t, got.DeletedAt)
		assert.Empty(t, got.DeletionCause)
		assertSameReport(t, inc, got)
		AssertLocatedIn(t, s, inc.ID, domain.StatePending)
	}

	assertSameReport(t, inc, reverted)
	check(t, s)

	if f.Reopen != nil {
		check(t, incidents.NewStore(f.Reopen(t, b), incidents.StoreConfig{}))
	}
}

// assertSameReport checks that got still carries the fields set when want
// was registered.
func assertSameReport(t *testing.T, want, got *domain.Incident) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Workstation, got.Workstation)
	assert.Equal(t, want.Description, got.Description)
	assert.True(t, want.ReportedAt.Equal(got.ReportedAt), "reported at %s, want %s", got.ReportedAt, want.ReportedAt)
}

func testModifyDescriptionOnlyPending(t *testing.T, f Factory) {
	ctx := context.Background()
	s, _ := newStore(t, f)

	inc := register(t, s, Day, "no sound")
	got, err := s.UpdatePendingDescription(ctx, inc.ID, "no sound on left speaker")
	require.NoError(t, err)
	assert.Equal(t, "no sound on left speaker", got.Description)

	_, err = s.UpdatePendingDescription(ctx, inc.ID, "   ")
	require.ErrorIs(t, err, incidents.ErrInvalidIncident)

	_, err = s.MoveToResolved(ctx, inc.ID, Day.Add(time.Hour), "replaced speaker")
	require.NoError(t, err)

	_, err = s.UpdatePendingDescription(ctx, inc.ID, "changed")
	require.ErrorIs(t, err, incidents.ErrInvalidState)

	found, err := s.Find(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "no sound on left speaker", found.Description)
	assert.Equal(t, domain.StateResolved, found.State)
}

func testModifyResolutionOnlyResolved(t *testing.T, f Factory) {
	ctx := context.Background()
	s, _ := newStore(t, f)

	inc := register(t, s, Day, "blue screen")
	_, err := s.UpdateResolvedResolution(ctx, inc.ID, "reinstalled driver")
	require.ErrorIs(t, err, incidents.ErrInvalidState)

	resolvedAt := Day.Add(time.Hour)
	_, err = s.MoveToResolved(ctx, inc.ID, resolvedAt, "updated driver")
	require.NoError(t, err)

	got, err := s.UpdateResolvedResolution(ctx, inc.ID, "reinstalled driver")
	require.NoError(t, err)
	assert.Equal(t, "reinstalled driver", got.Resolution)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(resolvedAt))

	_, err = s.UpdateResolvedResolution(ctx, inc.ID, "")
	require.ErrorIs(t, err, incidents.ErrInvalidIncident)

	found, err := s.Find(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "reinstalled driver", found.Resolution)
	AssertLocatedIn(t, s, inc.ID, domain.StateResolved)
}

func testDeletedIsTerminal(t *testing.T, f Factory) {
	ctx := context.Background()
	s, _ := newStore(t, f)

	inc := register(t, s, Day, "wrong ticket")
	_, err := s.MoveToDeleted(ctx, inc.ID, Day.Add(time.Hour), "opened by mistake")
	require.NoError(t, err)

	_, err = s.MoveToResolved(ctx, inc.ID, Day, "x")
	assert.ErrorIs(t, err, incidents.ErrInvalidState)
	_, err = s.RevertToPending(ctx, inc.ID)
	assert.ErrorIs(t, err, incidents.ErrInvalidState)
	_, err = s.MoveToDeleted(ctx, inc.ID, Day, "x")
	assert.ErrorIs(t, err, incidents.ErrInvalidState)
	_, err = s.UpdatePendingDescription(ctx, inc.ID, "x")
	assert.ErrorIs(t, err, incidents.ErrInvalidState)
	_, err = s.UpdateResolvedResolution(ctx, inc.ID, "x")
	assert.ErrorIs(t, err, incidents.ErrInvalidState)

	AssertLocatedIn(t, s, inc.ID, domain.StateDeleted)
}

func testNotFound(t *testing.T, f Factory) {
	ctx := context.Background()
	s, _ := newStore(t, f)

	const id = "01/01/2025-00:00-1"

	_, err := s.Find(ctx, id)
	assert.ErrorIs(t, err, incidents.ErrNotFound)
	_, err = s.MoveToResolved(ctx, id, Day, "x")
	assert.ErrorIs(t, err, incidents.ErrNotFound)
	_, err = s.MoveToDeleted(ctx, id, Day, "x")
	assert.ErrorIs(t, err, incidents.ErrNotFound)
	_, err = s.RevertToPending(ctx, id)
	assert.ErrorIs(t, err, incidents.ErrNotFound)
	_, err = s.UpdatePendingDescription(ctx, id, "x")
	assert.ErrorIs(t, err, incidents.ErrNotFound)
	_, err = s.UpdateResolvedResolution(ctx, id, "x")
	assert.ErrorIs(t, err, incidents.ErrNotFound)
}

func testListOrderAndCopies(t *testing.T, f Factory) {
	ctx := context.Background()
	s, _ := newStore(t, f)

	for _, p := range domain.States {
		items, err := s.List(ctx, p)
		require.NoError(t, err)
		assert.NotNil(t, items)
		assert.Empty(t, items)
	}

	var ids []string
	for i := range 4 {
		inc := register(t, s, Day.Add(time.Duration(i)*time.Minute), fmt.Sprintf("issue %d", i))
		ids = append(ids, inc.ID)
	}

	items, err := s.List(ctx, domain.StatePending)
	require.NoError(t, err)
	require.Len(t, items, 4)
	for i, inc := range items {
		assert.Equal(t, ids[i], inc.ID)
	}

	items[0].Description = "tampered"

	again, err := s.List(ctx, domain.StatePending)
	require.NoError(t, err)
	require.Len(t, again, 4)
	assert.Equal(t, "issue 0", again[0].Description)

	found, err := s.Find(ctx, ids[1])
	require.NoError(t, err)
	found.Description = "tampered"
	found, err = s.Find(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, "issue 1", found.Description)
}

func testConcurrentRegister(t *testing.T, f Factory) {
	s, _ := newStore(t, f)
	const workers = 8

	var wg sync.WaitGroup
	results := make([]*domain.Incident, workers)
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Register(context.Background(), Day, i, fmt.Sprintf("report %d", i))
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := range workers {
		require.NoError(t, errs[i])
		assert.False(t, seen[results[i].ID], "duplicate id %s", results[i].ID)
		seen[results[i].ID] = true
	}
	for i := 1; i <= workers; i++ {
		assert.True(t, seen[fmt.Sprintf("10/05/2025-09:30-%d", i)], "missing counter %d", i)
	}
}

func testDurability(t *testing.T, f Factory) {
	if f.Reopen == nil {
		t.Skip("backend cannot be reopened")
	}
	ctx := context.Background()
	s, b := newStore(t, f)

	p := register(t, s, Day, "stays pending")
	r := register(t, s, Day, "gets resolved")
	d := register(t, s, Day, "gets deleted")
	_, err := s.MoveToResolved(ctx, r.ID, Day.Add(time.Hour), "fixed")
	require.NoError(t, err)
	_, err = s.MoveToDeleted(ctx, d.ID, Day.Add(time.Hour), "not an incident")
	require.NoError(t, err)

	reopened := incidents.NewStore(f.Reopen(t, b), incidents.StoreConfig{})

	AssertLocatedIn(t, reopened, p.ID, domain.StatePending)
	AssertLocatedIn(t, reopened, r.ID, domain.StateResolved)
	AssertLocatedIn(t, reopened, d.ID, domain.StateDeleted)

	got, err := reopened.Find(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "fixed", got.Resolution)
	assert.Equal(t, "gets resolved", got.Description)
	assert.Equal(t, 3, got.Workstation)
}
