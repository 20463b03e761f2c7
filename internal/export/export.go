// Package export renders incident partitions for people and other tools.
// It only reads incidents it is given.
package export

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/bissquit/incident-desk/internal/domain"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// NotAvailable stands in for absent dates and texts.
const NotAvailable = "n/a"

// Format is an export output format.
type Format string

// Export formats.
const (
	FormatXML      Format = "xml"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// Formats lists the supported formats.
var Formats = []Format{FormatXML, FormatMarkdown, FormatHTML}

// ParseFormat checks s against the supported formats. "md" is accepted for markdown.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatXML, FormatMarkdown, FormatHTML:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// Renderer renders incidents from the embedded templates.
type Renderer struct {
	partition *template.Template
	detail    *template.Template
	md        goldmark.Markdown
	policy    *bluemonday.Policy
}

// NewRenderer creates a renderer and parses its templates.
func NewRenderer() (*Renderer, error) {
	funcMap := template.FuncMap{
		"join":     strings.Join,
		"datetime": formatDateTime,
		"datep":    formatDatePtr,
		"text":     orNotAvailable,
	}

	partition, err := parseTemplate("partition.md.tmpl", funcMap)
	if err != nil {
		return nil, err
	}
	detail, err := parseTemplate("detail.tmpl", funcMap)
	if err != nil {
		return nil, err
	}

	return &Renderer{
		partition: partition,
		detail:    detail,
		md:        goldmark.New(goldmark.WithExtensions(extension.GFM)),
		policy:    bluemonday.UGCPolicy(),
	}, nil
}

func parseTemplate(name string, funcMap template.FuncMap) (*template.Template, error) {
	content, err := templatesFS.ReadFile("templates/" + name)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", name, err)
	}
	tmpl, err := template.New(name).Funcs(funcMap).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return tmpl, nil
}

// Export writes items, the contents of partition, to w in format.
func (r *Renderer) Export(w io.Writer, format Format, partition domain.State, items []domain.Incident) error {
	switch format {
	case FormatXML:
		return WriteXML(w, partition, items)
	case FormatMarkdown:
		return r.WriteMarkdown(w, partition, items)
	case FormatHTML:
		return r.WriteHTML(w, partition, items)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

type partitionView struct {
	Title   string
	Columns []string
	Rows    [][]string
}

// WriteMarkdown writes partition as a Markdown table.
func (r *Renderer) WriteMarkdown(w io.Writer, partition domain.State, items []domain.Incident) error {
	view := partitionView{
		Title:   cases.Title(language.English).String(string(partition)),
		Columns: columns(partition),
		Rows:    make([][]string, 0, len(items)),
	}
	for i := range items {
		view.Rows = append(view.Rows, row(partition, &items[i]))
	}

	if err := r.partition.Execute(w, view); err != nil {
		return fmt.Errorf("render markdown: %w", err)
	}
	return nil
}

// WriteHTML writes partition as a sanitised HTML fragment converted from
// the Markdown rendering.
func (r *Renderer) WriteHTML(w io.Writer, partition domain.State, items []domain.Incident) error {
	var src bytes.Buffer
	if err := r.WriteMarkdown(&src, partition, items); err != nil {
		return err
	}

	var out bytes.Buffer
	if err := r.md.Convert(src.Bytes(), &out); err != nil {
		return fmt.Errorf("convert markdown to html: %w", err)
	}

	if _, err := r.policy.SanitizeReader(&out).WriteTo(w); err != nil {
		return fmt.Errorf("write html: %w", err)
	}
	return nil
}

// Detail renders one incident with every field, absent ones as n/a.
func (r *Renderer) Detail(inc *domain.Incident) (string, error) {
	var buf bytes.Buffer
	if err := r.detail.Execute(&buf, inc); err != nil {
		return "", fmt.Errorf("render incident %s: %w", inc.ID, err)
	}
	return buf.String(), nil
}

func columns(partition domain.State) []string {
	cols := []string{"ID", "Workstation", "Reported", "Description"}
	switch partition {
	case domain.StateResolved:
		cols = append(cols, "Resolved", "Resolution")
	case domain.StateDeleted:
		cols = append(cols, "Deleted", "Cause")
	}
	return cols
}

func row(partition domain.State, inc *domain.Incident) []string {
	cells := []string{
		cell(inc.ID),
		strconv.Itoa(inc.Workstation),
		formatDateTime(inc.ReportedAt),
		cell(inc.Description),
	}
	switch partition {
	case domain.StateResolved:
		cells = append(cells, formatDatePtr(inc.ResolvedAt), cell(inc.Resolution))
	case domain.StateDeleted:
		cells = append(cells, formatDatePtr(inc.DeletedAt), cell(inc.DeletionCause))
	}
	return cells
}

var cellReplacer = strings.NewReplacer("|", `\|`, "\r\n", " ", "\n", " ")

// cell makes s safe inside a Markdown table cell.
func cell(s string) string {
	return orNotAvailable(cellReplacer.Replace(s))
}

func orNotAvailable(s string) string {
	if strings.TrimSpace(s) == "" {
		return NotAvailable
	}
	return s
}

func formatDateTime(t time.Time) string {
	return t.Format(domain.DateTimeLayout)
}

func formatDatePtr(t *time.Time) string {
	if t == nil {
		return NotAvailable
	}
	return t.Format(domain.DateLayout)
}
