package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/bissquit/incident-desk/internal/domain"
	"github.com/bissquit/incident-desk/internal/incidents"
	"github.com/bissquit/incident-desk/internal/incidents/incidentstest"
	"github.com/bissquit/incident-desk/internal/pkg/ctxlog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dataDir = "/var/lib/incident-desk"

func TestBackend_Contract_MemFs(t *testing.T) {
	incidentstest.Run(t, incidentstest.Factory{
		New: func(t *testing.T) incidents.Backend {
			b, err := Open(context.Background(), afero.NewMemMapFs(), dataDir)
			require.NoError(t, err)
			return b
		},
		Reopen: func(t *testing.T, old incidents.Backend) incidents.Backend {
			require.NoError(t, old.Close())
			b, err := Open(context.Background(), old.(*Backend).fs, dataDir)
			require.NoError(t, err)
			return b
		},
	})
}

func TestBackend_Contract_OsFs(t *testing.T) {
	incidentstest.Run(t, incidentstest.Factory{
		New: func(t *testing.T) incidents.Backend {
			b, err := Open(context.Background(), afero.NewOsFs(), t.TempDir())
			require.NoError(t, err)
			return b
		},
		Reopen: func(t *testing.T, old incidents.Backend) incidents.Backend {
			require.NoError(t, old.Close())
			ob := old.(*Backend)
			b, err := Open(context.Background(), ob.fs, ob.dir)
			require.NoError(t, err)
			return b
		},
	})
}

// faultyFs fails renames onto chosen snapshot files.
type faultyFs struct {
	afero.Fs
	// failRename returns a non-nil error to fail the rename onto name.
	failRename func(name string) error
}

func (f *faultyFs) Rename(oldname, newname string) error {
	if f.failRename != nil {
		if err := f.failRename(filepath.Base(newname)); err != nil {
			return err
		}
	}
	return f.Fs.Rename(oldname, newname)
}

var reportedAt = time.Date(2025, 2, 3, 11, 0, 0, 0, time.UTC)

// capturedLogs returns a context whose logger writes text records to the
// returned buffer.
func capturedLogs() (context.Context, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return ctxlog.WithLogger(context.Background(), logger), &buf
}

func seedPending(t *testing.T, fsys afero.Fs) (*incidents.Store, *domain.Incident) {
	t.Helper()
	b, err := Open(context.Background(), fsys, dataDir)
	require.NoError(t, err)

	s := incidents.NewStore(b, incidents.StoreConfig{})
	inc, err := s.Register(context.Background(), reportedAt, 5, "projector dead")
	require.NoError(t, err)
	return s, inc
}

func readSnapshot(t *testing.T, fsys afero.Fs, partition domain.State) []domain.Incident {
	t.Helper()
	data, err := afero.ReadFile(fsys, filepath.Join(dataDir, SnapshotName(partition)))
	require.NoError(t, err)

	var snap snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, partition, snap.Partition)
	return snap.Incidents
}

func TestBackend_SourceWriteFailureKeepsSinglePartition(t *testing.T) {
	ctx := context.Background()
	fsys := &faultyFs{Fs: afero.NewMemMapFs()}
	s, inc := seedPending(t, fsys)

	fsys.failRename = func(name string) error {
		if name == SnapshotName(domain.StatePending) {
			return errors.New("disk full")
		}
		return nil
	}

	_, err := s.MoveToResolved(ctx, inc.ID, reportedAt.Add(time.Hour), "replaced lamp")
	require.ErrorIs(t, err, incidents.ErrBackendFailure)

	// In memory.
	incidentstest.AssertLocatedIn(t, s, inc.ID, domain.StatePending)

	// On disk.
	assert.Len(t, readSnapshot(t, fsys, domain.StatePending), 1)
	assert.Empty(t, readSnapshot(t, fsys, domain.StateResolved))
	exists, err := afero.Exists(fsys, filepath.Join(dataDir, JournalName))
	require.NoError(t, err)
	assert.False(t, exists)

	// After restart.
	fsys.failRename = nil
	reopened, err := Open(ctx, fsys, dataDir)
	require.NoError(t, err)
	incidentstest.AssertLocatedIn(t, incidents.NewStore(reopened, incidents.StoreConfig{}), inc.ID, domain.StatePending)
}

func TestBackend_DestinationWriteFailure(t *testing.T) {
	ctx := context.Background()
	fsys := &faultyFs{Fs: afero.NewMemMapFs()}
	s, inc := seedPending(t, fsys)

	fsys.failRename = func(name string) error {
		if name == SnapshotName(domain.StateDeleted) {
			return errors.New("read-only file system")
		}
		return nil
	}

	_, err := s.MoveToDeleted(ctx, inc.ID, reportedAt, "duplicate")
	require.ErrorIs(t, err, incidents.ErrBackendFailure)
	incidentstest.AssertLocatedIn(t, s, inc.ID, domain.StatePending)

	exists, err := afero.Exists(fsys, filepath.Join(dataDir, SnapshotName(domain.StateDeleted)))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBackend_InterruptedMoveRolledBackOnOpen(t *testing.T) {
	ctx := context.Background()
	fsys := &faultyFs{Fs: afero.NewMemMapFs()}
	s, inc := seedPending(t, fsys)

	// The destination lands, then both the source write and the
	// destination restore fail, as if the process died mid-move.
	failMoveHalfway(fsys)

	_, err := s.MoveToResolved(ctx, inc.ID, reportedAt, "fixed")
	require.ErrorIs(t, err, incidents.ErrBackendFailure)

	assert.Len(t, readSnapshot(t, fsys, domain.StatePending), 1)
	assert.Len(t, readSnapshot(t, fsys, domain.StateResolved), 1)
	exists, err := afero.Exists(fsys, filepath.Join(dataDir, JournalName))
	require.NoError(t, err)
	require.True(t, exists)

	fsys.failRename = nil
	logCtx, logs := capturedLogs()
	reopened, err := Open(logCtx, fsys, dataDir)
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "rolled back interrupted move")
	assert.Contains(t, logs.String(), inc.ID)

	incidentstest.AssertLocatedIn(t, incidents.NewStore(reopened, incidents.StoreConfig{}), inc.ID, domain.StatePending)
	assert.Empty(t, readSnapshot(t, fsys, domain.StateResolved))
	exists, err = afero.Exists(fsys, filepath.Join(dataDir, JournalName))
	require.NoError(t, err)
	assert.False(t, exists)
}

// failMoveHalfway fails the source write and the destination restore of
// the next move into resolved, leaving the journal behind.
func failMoveHalfway(fsys *faultyFs) {
	resolvedWrites := 0
	fsys.failRename = func(name string) error {
		switch name {
		case SnapshotName(domain.StatePending):
			return errors.New("i/o error")
		case SnapshotName(domain.StateResolved):
			resolvedWrites++
			if resolvedWrites > 1 {
				return errors.New("i/o error")
			}
		}
		return nil
	}
}

func TestBackend_LaterWritesSettleLeftoverJournal(t *testing.T) {
	ctx := context.Background()
	fsys := &faultyFs{Fs: afero.NewMemMapFs()}
	s, first := seedPending(t, fsys)

	failMoveHalfway(fsys)
	_, err := s.MoveToResolved(ctx, first.ID, reportedAt, "fixed")
	require.ErrorIs(t, err, incidents.ErrBackendFailure)
	fsys.failRename = nil

	// Later writes in the same session must not lose track of the stray
	// copy in resolved.json.
	logCtx, logs := capturedLogs()
	second, err := s.Register(logCtx, reportedAt.Add(time.Minute), 6, "keyboard dead")
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "undid interrupted move")
	assert.Contains(t, logs.String(), first.ID)

	_, err = s.MoveToDeleted(ctx, second.ID, reportedAt.Add(time.Hour), "duplicate")
	require.NoError(t, err)

	assert.Empty(t, readSnapshot(t, fsys, domain.StateResolved))
	exists, err := afero.Exists(fsys, filepath.Join(dataDir, JournalName))
	require.NoError(t, err)
	assert.False(t, exists)

	reopened, err := Open(ctx, fsys, dataDir)
	require.NoError(t, err)
	rs := incidents.NewStore(reopened, incidents.StoreConfig{})
	incidentstest.AssertLocatedIn(t, rs, first.ID, domain.StatePending)
	incidentstest.AssertLocatedIn(t, rs, second.ID, domain.StateDeleted)

	n, err := rs.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBackend_UnsettledJournalBlocksMoves(t *testing.T) {
	ctx := context.Background()
	fsys := &faultyFs{Fs: afero.NewMemMapFs()}
	s, first := seedPending(t, fsys)
	second, err := s.Register(ctx, reportedAt.Add(time.Minute), 6, "keyboard dead")
	require.NoError(t, err)

	failMoveHalfway(fsys)
	_, err = s.MoveToResolved(ctx, first.ID, reportedAt, "fixed")
	require.ErrorIs(t, err, incidents.ErrBackendFailure)

	// resolved.json still cannot be rewritten, so the journal cannot be
	// settled and nothing else may move.
	fsys.failRename = func(name string) error {
		if name == SnapshotName(domain.StateResolved) {
			return errors.New("i/o error")
		}
		return nil
	}
	_, err = s.MoveToDeleted(ctx, second.ID, reportedAt.Add(time.Hour), "duplicate")
	require.ErrorIs(t, err, incidents.ErrBackendFailure)
	incidentstest.AssertLocatedIn(t, s, second.ID, domain.StatePending)

	exists, err := afero.Exists(fsys, filepath.Join(dataDir, SnapshotName(domain.StateDeleted)))
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = afero.Exists(fsys, filepath.Join(dataDir, JournalName))
	require.NoError(t, err)
	assert.True(t, exists)

	fsys.failRename = nil
	reopened, err := Open(ctx, fsys, dataDir)
	require.NoError(t, err)
	rs := incidents.NewStore(reopened, incidents.StoreConfig{})
	incidentstest.AssertLocatedIn(t, rs, first.ID, domain.StatePending)
	incidentstest.AssertLocatedIn(t, rs, second.ID, domain.StatePending)
}

func TestOpen_RejectsIDInTwoPartitionsWithoutJournal(t *testing.T) {
	fsys := afero.NewMemMapFs()
	pending := `{"partition":"pending","incidents":[{"id":"a","state":"pending","workstation":1,"description":"x","reported_at":"2025-02-03T11:00:00Z"}]}`
	resolved := `{"partition":"resolved","incidents":[{"id":"a","state":"resolved","workstation":1,"description":"x","reported_at":"2025-02-03T11:00:00Z","resolved_at":"2025-02-03T12:00:00Z","resolution":"y"}]}`
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(dataDir, SnapshotName(domain.StatePending)), []byte(pending), 0o644))
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(dataDir, SnapshotName(domain.StateResolved)), []byte(resolved), 0o644))

	_, err := Open(context.Background(), fsys, dataDir)
	require.ErrorIs(t, err, incidents.ErrBackendFailure)
	assert.Contains(t, err.Error(), "listed in both pending and resolved")
}

func TestBackend_CompletedMoveJournalDiscarded(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	s, inc := seedPending(t, fsys)

	_, err := s.MoveToResolved(ctx, inc.ID, reportedAt, "fixed")
	require.NoError(t, err)

	// Journal left behind by a crash after both snapshots landed.
	data, err := json.Marshal(journal{ID: inc.ID, From: domain.StatePending, To: domain.StateResolved})
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fsys, filepath.Join(dataDir, JournalName), data, 0o644))

	reopened, err := Open(ctx, fsys, dataDir)
	require.NoError(t, err)
	incidentstest.AssertLocatedIn(t, incidents.NewStore(reopened, incidents.StoreConfig{}), inc.ID, domain.StateResolved)

	exists, err := afero.Exists(fsys, filepath.Join(dataDir, JournalName))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOpen_MissingFilesAreEmpty(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, afero.NewMemMapFs(), dataDir)
	require.NoError(t, err)

	for _, p := range domain.States {
		items, err := b.List(ctx, p)
		require.NoError(t, err)
		assert.Empty(t, items)
	}
}

func TestOpen_RejectsBadSnapshots(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{"},
		{"wrong partition", `{"partition":"pending","incidents":[{"id":"a","state":"resolved","workstation":1,"description":"x","reported_at":"2025-02-03T11:00:00Z","resolved_at":"2025-02-03T12:00:00Z","resolution":"y"}]}`},
		{"invalid incident", `{"partition":"pending","incidents":[{"id":"","state":"pending","workstation":1,"description":"x","reported_at":"2025-02-03T11:00:00Z"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := afero.NewMemMapFs()
			path := filepath.Join(dataDir, SnapshotName(domain.StatePending))
			require.NoError(t, afero.WriteFile(fsys, path, []byte(tt.content), 0o644))

			_, err := Open(context.Background(), fsys, dataDir)
			assert.ErrorIs(t, err, incidents.ErrBackendFailure)
		})
	}
}

func TestBackend_SnapshotFormat(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	s, inc := seedPending(t, fsys)

	_, err := s.MoveToDeleted(ctx, inc.ID, reportedAt.Add(time.Hour), "wrong room")
	require.NoError(t, err)

	assert.Empty(t, readSnapshot(t, fsys, domain.StatePending))
	deleted := readSnapshot(t, fsys, domain.StateDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, inc.ID, deleted[0].ID)
	assert.Equal(t, "wrong room", deleted[0].DeletionCause)
	require.NotNil(t, deleted[0].DeletedAt)
	assert.True(t, deleted[0].DeletedAt.Equal(reportedAt.Add(time.Hour)))

	// No temp files are left behind.
	entries, err := afero.ReadDir(fsys, dataDir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"pending.json", "deleted.json"}, names)
}
