package report

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"

	"github.com/lab-validation-server/internal/domain"
)

// ContentType of rendered reports.
const ContentType = "application/pdf"

const (
	marginX    = 15.0
	colName    = 70.0
	colValue   = 32.0
	colMarker  = 10.0
	colUnit    = 28.0
	colRange   = 40.0
	baseFont   = "Helvetica"
	markerSize = 2.2
)

type rgb struct{ r, g, b int }

var (
	colorText     = rgb{33, 33, 33}
	colorMuted    = rgb{110, 110, 110}
	colorHigh     = rgb{196, 98, 16}
	colorLow      = rgb{31, 97, 171}
	colorCritical = rgb{200, 0, 0}
	colorRule     = rgb{190, 190, 190}
)

func markerColor(m Marker) rgb {
	switch m {
	case MarkerCritical:
		return colorCritical
	case MarkerHigh:
		return colorHigh
	case MarkerLow:
		return colorLow
	default:
		return colorText
	}
}

// Render lays the document out page by page and returns the PDF bytes.
func Render(doc *Document, layout Layout) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(marginX, layout.TopMargin, marginX)
	pdf.SetAutoPageBreak(false, layout.BottomMargin)
	pdf.SetTitle(fmt.Sprintf("Laboratory report %s", doc.Header.OrderID), true)
	pdf.SetCreator(doc.Header.Organization, true)
	pdf.AliasNbPages("")

	r := &renderer{pdf: pdf, doc: doc, layout: layout, tr: pdf.UnicodeTranslatorFromDescriptor("")}
	pdf.SetFooterFunc(r.pageNumber)

	for _, page := range Paginate(doc, layout) {
		pdf.AddPage()
		y := layout.TopMargin
		for _, block := range page.Blocks {
			switch block.Kind {
			case BlockHeader:
				r.header(y)
				y += layout.HeaderHeight
			case BlockHeading:
				r.heading(y, doc.Sections[block.Section])
				y += layout.HeadingHeight
			case BlockRow:
				r.row(y, doc.Sections[block.Section].Rows[block.Row])
				y += layout.RowHeight
			case BlockFooter:
				r.footer(y)
				y += layout.FooterHeight
			}
		}
	}

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("failed to lay out report: %w", err)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write report: %w", err)
	}
	return buf.Bytes(), nil
}

type renderer struct {
	pdf    *fpdf.Fpdf
	doc    *Document
	layout Layout
	tr     func(string) string
}

func (r *renderer) color(c rgb) {
	r.pdf.SetTextColor(c.r, c.g, c.b)
}

func (r *renderer) text(w, h float64, s, align string) {
	r.pdf.CellFormat(w, h, r.tr(s), "", 0, align, false, 0, "")
}

func (r *renderer) header(y float64) {
	h := r.doc.Header
	pdf := r.pdf
	width := colName + colValue + colMarker + colUnit + colRange

	pdf.SetXY(marginX, y)
	pdf.SetFont(baseFont, "B", 15)
	r.color(colorText)
	r.text(width, 8, h.Organization, "C")

	pdf.SetFont(baseFont, "", 9)
	r.color(colorMuted)
	contact := h.Address
	if h.Phone != "" {
		if contact != "" {
			contact += "  |  "
		}
		contact += "Tel. " + h.Phone
	}
	pdf.SetXY(marginX, y+8)
	r.text(width, 5, contact, "C")

	r.rule(y + 15)

	pdf.SetFont(baseFont, "", 10)
	r.color(colorText)
	half := width / 2
	lines := [][2]string{
		{"Patient: " + h.PatientName, "Order: " + h.OrderID},
		{"Patient ID: " + h.PatientID, "Treatment: " + h.TreatmentID},
		{"Sex: " + h.PatientSex + ageSuffix(h.PatientAge), "Report date: " + h.ReportDate.Format("2006-01-02 15:04")},
		{"Referring physician: " + orDash(h.ReferringPhysician), ""},
	}
	for i, line := range lines {
		pdf.SetXY(marginX, y+18+float64(i)*6)
		r.text(half, 6, line[0], "L")
		r.text(half, 6, line[1], "L")
	}
	r.rule(y + r.layout.HeaderHeight - 3)
}

func (r *renderer) heading(y float64, s Section) {
	pdf := r.pdf
	pdf.SetXY(marginX, y+2)
	pdf.SetFont(baseFont, "B", 11)
	r.color(colorText)
	r.text(colName+colValue+colMarker, 6, s.Heading, "L")

	pdf.SetFont(baseFont, "I", 8)
	r.color(colorMuted)
	r.text(colUnit, 6, "Unit", "L")
	r.text(colRange, 6, "Reference range", "L")
}

func (r *renderer) row(y float64, row Row) {
	pdf := r.pdf
	h := r.layout.RowHeight

	pdf.SetXY(marginX, y)
	pdf.SetFont(baseFont, "", 10)
	r.color(colorText)
	r.text(colName, h, row.Name, "L")

	style := ""
	if row.Marker != MarkerNone {
		style = "B"
	}
	pdf.SetFont(baseFont, style, 10)
	c := markerColor(row.Marker)
	r.color(c)
	r.text(colValue, h, row.Value, "R")

	x := pdf.GetX()
	r.marker(x, y, h, row.Marker, c)
	pdf.SetXY(x+colMarker, y)

	pdf.SetFont(baseFont, "", 10)
	r.color(colorMuted)
	r.text(colUnit, h, row.Unit, "L")
	r.text(colRange, h, row.Range, "L")
}

// marker draws the arrow shapes directly; the core fonts have no arrow glyphs.
func (r *renderer) marker(x, y, h float64, m Marker, c rgb) {
	pdf := r.pdf
	cx := x + colMarker/2
	cy := y + h/2
	pdf.SetFillColor(c.r, c.g, c.b)
	pdf.SetDrawColor(c.r, c.g, c.b)

	switch m {
	case MarkerHigh:
		pdf.Polygon([]fpdf.PointType{
			{X: cx, Y: cy - markerSize},
			{X: cx - markerSize, Y: cy + markerSize},
			{X: cx + markerSize, Y: cy + markerSize},
		}, "F")
	case MarkerLow:
		pdf.Polygon([]fpdf.PointType{
			{X: cx, Y: cy + markerSize},
			{X: cx - markerSize, Y: cy - markerSize},
			{X: cx + markerSize, Y: cy - markerSize},
		}, "F")
	case MarkerCritical:
		pdf.SetXY(x, y)
		pdf.SetFont(baseFont, "B", 12)
		r.text(colMarker, h, string(MarkerCritical), "C")
	}
}

func (r *renderer) footer(y float64) {
	pdf := r.pdf
	f := r.doc.Footer
	width := colName + colValue + colMarker + colUnit + colRange

	r.rule(y + 3)
	pdf.SetXY(marginX, y+5)
	pdf.SetFont(baseFont, "", 10)
	r.color(colorText)
	r.text(width, 6, "Validated by: "+f.Reviewer, "L")

	if f.Comments != "" {
		pdf.SetXY(marginX, y+11)
		pdf.SetFont(baseFont, "I", 9)
		r.text(width, 5, "Comments: "+f.Comments, "L")
	}

	pdf.SetXY(marginX, y+18)
	pdf.SetFont(baseFont, "", 8)
	r.color(colorMuted)
	pdf.MultiCell(width, 4, r.tr(f.Disclaimer), "", "L", false)
}

func (r *renderer) pageNumber() {
	pdf := r.pdf
	pdf.SetXY(marginX, r.layout.PageHeight-r.layout.BottomMargin+4)
	pdf.SetFont(baseFont, "", 8)
	r.color(colorMuted)
	r.text(colName+colValue+colMarker+colUnit+colRange, 5,
		fmt.Sprintf("Report %s  |  Page %d of {nb}", r.doc.ReportID, pdf.PageNo()), "R")
}

func (r *renderer) rule(y float64) {
	r.pdf.SetDrawColor(colorRule.r, colorRule.g, colorRule.b)
	r.pdf.Line(marginX, y, marginX+colName+colValue+colMarker+colUnit+colRange, y)
}

func ageSuffix(age string) string {
	if age == "" {
		return ""
	}
	return ", " + age
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// NewArtifact wraps a rendered document for upload.
func NewArtifact(doc *Document, detail *domain.ReportDetail, pdf []byte) *domain.ReportArtifact {
	return &domain.ReportArtifact{
		ReportID:    doc.ReportID,
		FileName:    fmt.Sprintf("report-%s-%s.pdf", detail.OrderID, doc.Header.ReportDate.Format("20060102")),
		ContentType: ContentType,
		Document:    pdf,
		OrderID:     detail.OrderID,
		PatientID:   detail.Patient.ID,
		TreatmentID: detail.TreatmentID,
		TestIDs:     doc.TestIDs(),
	}
}
