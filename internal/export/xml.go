package export

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/bissquit/incident-desk/internal/domain"
)

type xmlPartition struct {
	XMLName   xml.Name      `xml:"incidents"`
	Partition string        `xml:"partition,attr"`
	Count     int           `xml:"count,attr"`
	Incidents []xmlIncident `xml:"incident"`
}

type xmlIncident struct {
	ID            string `xml:"id,attr"`
	State         string `xml:"state,attr"`
	Workstation   int    `xml:"workstation"`
	Description   string `xml:"description"`
	ReportedAt    string `xml:"reported_at"`
	ResolvedAt    string `xml:"resolved_at,omitempty"`
	Resolution    string `xml:"resolution,omitempty"`
	DeletedAt     string `xml:"deleted_at,omitempty"`
	DeletionCause string `xml:"deletion_cause,omitempty"`
}

// WriteXML writes partition as an indented XML document. Timestamps are RFC 3339.
func WriteXML(w io.Writer, partition domain.State, items []domain.Incident) error {
	doc := xmlPartition{
		Partition: string(partition),
		Count:     len(items),
		Incidents: make([]xmlIncident, 0, len(items)),
	}
	for i := range items {
		inc := &items[i]
		doc.Incidents = append(doc.Incidents, xmlIncident{
			ID:            inc.ID,
			State:         string(inc.State),
			Workstation:   inc.Workstation,
			Description:   inc.Description,
			ReportedAt:    inc.ReportedAt.Format(time.RFC3339),
			ResolvedAt:    rfc3339(inc.ResolvedAt),
			Resolution:    inc.Resolution,
			DeletedAt:     rfc3339(inc.DeletedAt),
			DeletionCause: inc.DeletionCause,
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("write xml header: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode xml: %w", err)
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("write xml: %w", err)
	}
	return nil
}

func rfc3339(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
