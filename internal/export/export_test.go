package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/bissquit/incident-desk/internal/domain"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(day, hour, minute int) time.Time {
	return time.Date(2025, 5, day, hour, minute, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }

func resolvedFixture() []domain.Incident {
	return []domain.Incident{
		{
			ID:          "10/05/2025-09:30-1",
			State:       domain.StateResolved,
			Workstation: 3,
			Description: "printer jam",
			ReportedAt:  ts(10, 9, 30),
			ResolvedAt:  ptr(ts(11, 10, 0)),
			Resolution:  "replaced fuser & roller",
		},
		{
			ID:          "10/05/2025-11:00-2",
			State:       domain.StateResolved,
			Workstation: 0,
			Description: "screen | flicker at boot",
			ReportedAt:  ts(10, 11, 0),
			ResolvedAt:  ptr(ts(12, 8, 0)),
			Resolution:  "new cable",
		},
	}
}

func deletedFixture() []domain.Incident {
	return []domain.Incident{
		{
			ID:            "09/05/2025-16:45-1",
			State:         domain.StateDeleted,
			Workstation:   12,
			Description:   "mouse",
			ReportedAt:    ts(9, 16, 45),
			DeletedAt:     ptr(ts(9, 17, 0)),
			DeletionCause: "opened twice",
		},
	}
}

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestRenderer_ExportGolden(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	tests := []struct {
		name      string
		format    Format
		partition domain.State
		items     []domain.Incident
	}{
		{"markdown_resolved", FormatMarkdown, domain.StateResolved, resolvedFixture()},
		{"markdown_deleted", FormatMarkdown, domain.StateDeleted, deletedFixture()},
		{"markdown_pending_empty", FormatMarkdown, domain.StatePending, nil},
		{"xml_resolved", FormatXML, domain.StateResolved, resolvedFixture()},
		{"xml_deleted", FormatXML, domain.StateDeleted, deletedFixture()},
		{"xml_pending_empty", FormatXML, domain.StatePending, []domain.Incident{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, r.Export(&buf, tt.format, tt.partition, tt.items))
			newGoldie(t).Assert(t, tt.name, buf.Bytes())
		})
	}
}

func TestRenderer_DetailGolden(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	resolved := resolvedFixture()[0]
	pending := deletedFixture()[0]
	pending.State = domain.StatePending
	pending.DeletedAt = nil
	pending.DeletionCause = ""

	tests := []struct {
		name string
		inc  domain.Incident
	}{
		{"detail_resolved", resolved},
		{"detail_pending", pending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Detail(&tt.inc)
			require.NoError(t, err)
			newGoldie(t).Assert(t, tt.name, []byte(out))
		})
	}
}

func TestRenderer_WriteHTML(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	items := resolvedFixture()
	items[1].Description = `<script>alert("x")</script> <a href="javascript:alert(1)">link</a>`

	var buf bytes.Buffer
	require.NoError(t, r.Export(&buf, FormatHTML, domain.StateResolved, items))
	out := buf.String()

	assert.Contains(t, out, "<h1")
	assert.Contains(t, out, "Resolved incidents")
	assert.Contains(t, out, "<table>")
	assert.Contains(t, out, "<th>Resolution</th>")
	assert.Contains(t, out, "<td>printer jam</td>")
	assert.Contains(t, out, "replaced fuser &amp; roller")
	assert.NotContains(t, out, "<script")
	assert.NotContains(t, out, "javascript:")
}

func TestRenderer_InputNotModified(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	items := resolvedFixture()
	before := resolvedFixture()

	for _, f := range Formats {
		require.NoError(t, r.Export(&bytes.Buffer{}, f, domain.StateResolved, items))
	}
	assert.Equal(t, before, items)
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"xml", FormatXML, false},
		{"XML", FormatXML, false},
		{"markdown", FormatMarkdown, false},
		{"md", FormatMarkdown, false},
		{" html ", FormatHTML, false},
		{"pdf", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCell(t *testing.T) {
	assert.Equal(t, `a \| b`, cell("a | b"))
	assert.Equal(t, "line one line two", cell("line one\nline two"))
	assert.Equal(t, NotAvailable, cell("  "))
}
