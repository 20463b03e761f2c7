package incidents

import (
	"fmt"
	"time"

	"github.com/bissquit/incident-desk/internal/domain"
)

// IDScope selects which partitions the same-day counter is derived from.
type IDScope string

// ID scopes.
const (
	// IDScopePending counts only pending incidents. Once the first incident of
	// a day is resolved or deleted, the next registration that day can reuse
	// its id; the store then rejects the insert with ErrDuplicateID.
	IDScopePending IDScope = "pending"
	// IDScopeAll counts every partition. Incidents are never purged, so the
	// counter only grows within a day and ids stay unique.
	IDScopeAll IDScope = "all"
)

// IsValid checks if the scope is known.
func (s IDScope) IsValid() bool {
	return s == IDScopePending || s == IDScopeAll
}

// GenerateID builds "DD/MM/YYYY-HH:MM-N" where N is one more than the number
// of incidents in existing reported on the same calendar day as now.
func GenerateID(now time.Time, existing []domain.Incident) string {
	count := 0
	for i := range existing {
		if sameDay(now, existing[i].ReportedAt) {
			count++
		}
	}
	return fmt.Sprintf("%s-%d", now.Format(domain.DateTimeLayout), count+1)
}

// sameDay compares calendar dates in a's location.
func sameDay(a, b time.Time) bool {
	b = b.In(a.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
