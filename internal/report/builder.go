// Package report assembles validated results into a printable document and
// renders it as PDF.
package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lab-validation-server/internal/domain"
	"github.com/lab-validation-server/internal/rules"
)

// Marker is the symbol printed next to an abnormal value.
type Marker string

const (
	MarkerNone     Marker = ""
	MarkerHigh     Marker = "↑"
	MarkerLow      Marker = "↓"
	MarkerCritical Marker = "!"
)

// MarkerFor maps a flag onto its printed marker. Normal and Unknown values
// carry none.
func MarkerFor(flag domain.Flag) Marker {
	switch flag {
	case domain.FlagHigh:
		return MarkerHigh
	case domain.FlagLow:
		return MarkerLow
	case domain.FlagCritical:
		return MarkerCritical
	default:
		return MarkerNone
	}
}

// NotApplicableText is printed in place of a value marked not applicable.
const NotApplicableText = "N/A"

// Header is the report letterhead and patient summary.
type Header struct {
	Organization       string
	Address            string
	Phone              string
	PatientName        string
	PatientID          string
	PatientSex         string
	PatientAge         string
	OrderID            string
	TreatmentID        string
	ReferringPhysician string
	ReportDate         time.Time
}

// Row is one printed parameter line.
type Row struct {
	Name   string
	Value  string
	Flag   domain.Flag
	Marker Marker
	Unit   string
	Range  string
}

// Section is the block of one test: a heading followed by its rows.
type Section struct {
	TestID  string
	Heading string
	Rows    []Row
}

// Footer closes the report.
type Footer struct {
	Reviewer   string
	Comments   string
	Disclaimer string
}

// Document is a report ready for pagination and rendering.
type Document struct {
	ReportID string
	Header   Header
	Sections []Section
	Footer   Footer
}

// TestIDs returns the ids of the reported tests in print order.
func (d *Document) TestIDs() []string {
	ids := make([]string, 0, len(d.Sections))
	for _, s := range d.Sections {
		ids = append(ids, s.TestID)
	}
	return ids
}

// Builder turns report detail into a Document.
type Builder struct {
	config domain.ReportConfig
	now    func() time.Time
}

// NewBuilder creates a builder printing the given organization identity.
func NewBuilder(config domain.ReportConfig) *Builder {
	return &Builder{config: config, now: time.Now}
}

// Build assembles the document. Flags are recomputed from each value and its
// range so the printed markers never depend on what the remote side stored.
func (b *Builder) Build(reportID string, detail *domain.ReportDetail, reviewer, comments string) (*Document, error) {
	if detail == nil {
		return nil, domain.NewValidationError("detail", "report detail is required", nil)
	}
	if len(detail.Tests) == 0 {
		return nil, domain.NewValidationError("tests", "report has no tests", detail.OrderID)
	}
	if strings.TrimSpace(reviewer) == "" {
		return nil, domain.NewValidationError("reviewer", "reviewer is required", reviewer)
	}

	now := b.now()
	doc := &Document{
		ReportID: reportID,
		Header: Header{
			Organization:       b.config.OrganizationName,
			Address:            b.config.OrganizationAddress,
			Phone:              b.config.OrganizationPhone,
			PatientName:        detail.Patient.Name,
			PatientID:          detail.Patient.ID,
			PatientSex:         detail.Patient.Sex,
			PatientAge:         age(detail.Patient.DateOfBirth, now),
			OrderID:            detail.OrderID,
			TreatmentID:        detail.TreatmentID,
			ReferringPhysician: detail.ReferringPhysician,
			ReportDate:         now,
		},
		Footer: Footer{
			Reviewer:   reviewer,
			Comments:   comments,
			Disclaimer: b.config.Disclaimer,
		},
		Sections: make([]Section, 0, len(detail.Tests)),
	}

	for _, t := range detail.Tests {
		section := Section{TestID: t.TestID, Heading: t.Name, Rows: make([]Row, 0, len(t.Parameters))}
		for _, p := range t.Parameters {
			section.Rows = append(section.Rows, buildRow(p))
		}
		doc.Sections = append(doc.Sections, section)
	}
	return doc, nil
}

func buildRow(p domain.ReportParameter) Row {
	row := Row{
		Name:  p.Name,
		Value: strings.TrimSpace(p.Value),
		Unit:  p.Unit,
		Range: FormatRange(p.Range),
	}
	if p.NotApplicable {
		row.Value = NotApplicableText
		return row
	}
	row.Flag = rules.EvaluateText(p.Value, p.Range)
	row.Marker = MarkerFor(row.Flag)
	return row
}

// FormatRange prints "min - max", or "-" when no range is known.
func FormatRange(r domain.ResolvedRange) string {
	if !r.Known {
		return "-"
	}
	return formatNumber(r.Min) + " - " + formatNumber(r.Max)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func age(dob, now time.Time) string {
	if dob.IsZero() || dob.After(now) {
		return ""
	}
	years := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		years--
	}
	return fmt.Sprintf("%d years", years)
}
