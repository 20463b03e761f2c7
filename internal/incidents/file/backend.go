// Package file stores each incident partition as a JSON snapshot file.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"sync"

	"github.com/bissquit/incident-desk/internal/domain"
	"github.com/bissquit/incident-desk/internal/incidents"
	"github.com/bissquit/incident-desk/internal/pkg/ctxlog"
	"github.com/spf13/afero"
)

// JournalName is the file that records an in-flight move.
const JournalName = "move.journal.json"

var snapshotNames = map[domain.State]string{
	domain.StatePending:  "pending.json",
	domain.StateResolved: "resolved.json",
	domain.StateDeleted:  "deleted.json",
}

// SnapshotName returns the file name holding partition.
func SnapshotName(partition domain.State) string {
	return snapshotNames[partition]
}

type snapshot struct {
	Partition domain.State      `json:"partition"`
	Incidents []domain.Incident `json:"incidents"`
}

type journal struct {
	ID   string       `json:"id"`
	From domain.State `json:"from"`
	To   domain.State `json:"to"`
}

// Backend keeps all partitions in memory and rewrites a partition's
// snapshot on every change. Memory is updated only after the write lands.
type Backend struct {
	mu    sync.Mutex
	fs    afero.Fs
	dir   string
	parts map[domain.State][]domain.Incident
}

// Open loads the snapshots under dir, creating dir if needed. A missing
// snapshot is an empty partition. A move journal left by an interrupted
// move is rolled back before Open returns. Any other id listed in more
// than one partition is rejected.
func Open(ctx context.Context, fsys afero.Fs, dir string) (*Backend, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, incidents.BackendError("create data dir", err)
	}

	b := &Backend{
		fs:    fsys,
		dir:   dir,
		parts: make(map[domain.State][]domain.Incident, len(domain.States)),
	}
	for _, p := range domain.States {
		items, err := b.load(p)
		if err != nil {
			return nil, err
		}
		b.parts[p] = items
	}

	if err := b.recover(ctx); err != nil {
		return nil, err
	}
	if err := b.checkDisjoint(); err != nil {
		return nil, err
	}
	return b, nil
}

// Name implements incidents.Backend.
func (b *Backend) Name() string { return "file" }

// Close implements incidents.Backend. Snapshots are written synchronously,
// so there is nothing to flush.
func (b *Backend) Close() error { return nil }

// Get implements incidents.Backend.
func (b *Backend) Get(_ context.Context, partition domain.State, id string) (*domain.Incident, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := indexOf(b.parts[partition], id)
	if idx < 0 {
		return nil, incidents.ErrNotFound
	}
	inc := b.parts[partition][idx].Clone()
	return &inc, nil
}

// List implements incidents.Backend.
func (b *Backend) List(_ context.Context, partition domain.State) ([]domain.Incident, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := b.parts[partition]
	out := make([]domain.Incident, 0, len(items))
	for i := range items {
		out = append(out, items[i].Clone())
	}
	return out, nil
}

// Insert implements incidents.Backend.
func (b *Backend) Insert(ctx context.Context, partition domain.State, inc *domain.Incident) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.settleJournal(ctx); err != nil {
		return err
	}

	for _, p := range domain.States {
		if indexOf(b.parts[p], inc.ID) >= 0 {
			return fmt.Errorf("%w: %s", incidents.ErrDuplicateID, inc.ID)
		}
	}

	next := append(slices.Clone(b.parts[partition]), inc.Clone())
	if err := b.writeSnapshot(partition, next); err != nil {
		return incidents.BackendError("insert incident", err)
	}
	b.parts[partition] = next
	return nil
}

// Update implements incidents.Backend.
func (b *Backend) Update(ctx context.Context, partition domain.State, inc *domain.Incident) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.settleJournal(ctx); err != nil {
		return err
	}

	idx := indexOf(b.parts[partition], inc.ID)
	if idx < 0 {
		return incidents.ErrNotFound
	}

	next := slices.Clone(b.parts[partition])
	next[idx] = inc.Clone()
	if err := b.writeSnapshot(partition, next); err != nil {
		return incidents.BackendError("update incident", err)
	}
	b.parts[partition] = next
	return nil
}

// Move implements incidents.Backend. The journal is written first, then
// the destination snapshot, then the source snapshot. If the source write
// fails the destination snapshot is restored; if that fails too the
// journal stays behind, and the next write or Open rolls the move back.
func (b *Backend) Move(ctx context.Context, from, to domain.State, inc *domain.Incident) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if from == to {
		return fmt.Errorf("move incident %s: source and destination are both %s", inc.ID, from)
	}
	if err := b.settleJournal(ctx); err != nil {
		return err
	}
	idx := indexOf(b.parts[from], inc.ID)
	if idx < 0 {
		return incidents.ErrNotFound
	}
	if indexOf(b.parts[to], inc.ID) >= 0 {
		return fmt.Errorf("%w: %s already in %s", incidents.ErrDuplicateID, inc.ID, to)
	}

	nextFrom := slices.Delete(slices.Clone(b.parts[from]), idx, idx+1)
	nextTo := append(slices.Clone(b.parts[to]), inc.Clone())

	if err := b.writeJSON(JournalName, journal{ID: inc.ID, From: from, To: to}); err != nil {
		return incidents.BackendError("write move journal", err)
	}

	if err := b.writeSnapshot(to, nextTo); err != nil {
		b.removeJournal(ctx)
		return incidents.BackendError("write destination snapshot", err)
	}

	if err := b.writeSnapshot(from, nextFrom); err != nil {
		if rerr := b.writeSnapshot(to, b.parts[to]); rerr != nil {
			return incidents.BackendError("write source snapshot", errors.Join(err, fmt.Errorf("restore destination: %w", rerr)))
		}
		b.removeJournal(ctx)
		return incidents.BackendError("write source snapshot", err)
	}

	b.parts[from] = nextFrom
	b.parts[to] = nextTo
	b.removeJournal(ctx)
	return nil
}

// recover rolls back a move interrupted after the destination snapshot
// was written: the journal's source partition keeps the incident. A move
// whose source snapshot also landed is complete and only its journal is
// removed.
func (b *Backend) recover(ctx context.Context) error {
	j, err := b.readJournal()
	if err != nil || j == nil {
		return err
	}

	inFrom := indexOf(b.parts[j.From], j.ID) >= 0
	toIdx := indexOf(b.parts[j.To], j.ID)
	if inFrom && toIdx >= 0 {
		next := slices.Delete(slices.Clone(b.parts[j.To]), toIdx, toIdx+1)
		if err := b.writeSnapshot(j.To, next); err != nil {
			return incidents.BackendError("roll back interrupted move", err)
		}
		b.parts[j.To] = next
		ctxlog.FromContext(ctx).Warn("rolled back interrupted move",
			"incident_id", j.ID,
			"from", string(j.From),
			"to", string(j.To),
		)
	}

	if err := b.fs.Remove(b.path(JournalName)); err != nil {
		return incidents.BackendError("remove move journal", err)
	}
	return nil
}

// settleJournal undoes a move left half-applied by an earlier failed
// write in this process. Memory never reflects a failed move, so
// rewriting the journal's destination from memory drops the stray copy.
// Nothing else is written until that succeeds.
func (b *Backend) settleJournal(ctx context.Context) error {
	j, err := b.readJournal()
	if err != nil || j == nil {
		return err
	}

	if err := b.writeSnapshot(j.To, b.parts[j.To]); err != nil {
		return incidents.BackendError("undo interrupted move", err)
	}
	if err := b.fs.Remove(b.path(JournalName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return incidents.BackendError("remove move journal", err)
	}

	ctxlog.FromContext(ctx).Warn("undid interrupted move",
		"incident_id", j.ID,
		"from", string(j.From),
		"to", string(j.To),
	)
	return nil
}

// readJournal returns the pending move journal, or nil when there is none.
func (b *Backend) readJournal() (*journal, error) {
	data, err := afero.ReadFile(b.fs, b.path(JournalName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, incidents.BackendError("read move journal", err)
	}

	var j journal
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, incidents.BackendError("decode move journal", err)
	}
	if !j.From.IsValid() || !j.To.IsValid() {
		return nil, incidents.BackendError("decode move journal", fmt.Errorf("unknown partitions %q -> %q", j.From, j.To))
	}
	return &j, nil
}

// checkDisjoint rejects snapshots that list one id in two partitions.
func (b *Backend) checkDisjoint() error {
	seen := make(map[string]domain.State)
	for _, p := range domain.States {
		for _, inc := range b.parts[p] {
			if other, ok := seen[inc.ID]; ok {
				return incidents.BackendError("load snapshots",
					fmt.Errorf("incident %s is listed in both %s and %s", inc.ID, other, p))
			}
			seen[inc.ID] = p
		}
	}
	return nil
}

func (b *Backend) load(partition domain.State) ([]domain.Incident, error) {
	data, err := afero.ReadFile(b.fs, b.path(SnapshotName(partition)))
	if errors.Is(err, fs.ErrNotExist) {
		return []domain.Incident{}, nil
	}
	if err != nil {
		return nil, incidents.BackendError("read "+string(partition)+" snapshot", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, incidents.BackendError("decode "+string(partition)+" snapshot", err)
	}
	for i := range snap.Incidents {
		inc := &snap.Incidents[i]
		if inc.State != partition {
			return nil, incidents.BackendError("decode "+string(partition)+" snapshot",
				fmt.Errorf("incident %s has state %s", inc.ID, inc.State))
		}
		if err := inc.Validate(); err != nil {
			return nil, incidents.BackendError("decode "+string(partition)+" snapshot",
				fmt.Errorf("incident %s: %w", inc.ID, err))
		}
	}
	if snap.Incidents == nil {
		snap.Incidents = []domain.Incident{}
	}
	return snap.Incidents, nil
}

func (b *Backend) writeSnapshot(partition domain.State, items []domain.Incident) error {
	if items == nil {
		items = []domain.Incident{}
	}
	return b.writeJSON(SnapshotName(partition), snapshot{Partition: partition, Incidents: items})
}

// writeJSON replaces name atomically: the payload goes to a temp file in
// the same directory which is then renamed over name.
func (b *Backend) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	tmp, err := afero.TempFile(b.fs, b.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = b.fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = b.fs.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = b.fs.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := b.fs.Rename(tmpName, b.path(name)); err != nil {
		_ = b.fs.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// removeJournal deletes the move journal. A journal left after a
// completed or restored move is harmless: settling it rewrites a
// destination that already matches memory.
func (b *Backend) removeJournal(ctx context.Context) {
	if err := b.fs.Remove(b.path(JournalName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		ctxlog.FromContext(ctx).Warn("failed to remove move journal", "error", err)
	}
}

func (b *Backend) path(name string) string {
	return filepath.Join(b.dir, name)
}

func indexOf(items []domain.Incident, id string) int {
	return slices.IndexFunc(items, func(inc domain.Incident) bool {
		return inc.ID == id
	})
}
