package report

// Layout holds the vertical metrics used to break a document into pages.
// All values are in the renderer's unit (millimetres).
type Layout struct {
	PageHeight    float64
	TopMargin     float64
	BottomMargin  float64
	HeaderHeight  float64
	HeadingHeight float64
	RowHeight     float64
	FooterHeight  float64
}

// DefaultLayout fits A4 portrait.
func DefaultLayout() Layout {
	return Layout{
		PageHeight:    297,
		TopMargin:     15,
		BottomMargin:  15,
		HeaderHeight:  48,
		HeadingHeight: 10,
		RowHeight:     7,
		FooterHeight:  30,
	}
}

func (l Layout) usable() float64 {
	return l.PageHeight - l.TopMargin - l.BottomMargin
}

// BlockKind distinguishes the printable blocks of a page.
type BlockKind int

const (
	BlockHeader BlockKind = iota
	BlockHeading
	BlockRow
	BlockFooter
)

// Block is one placed element. Section and Row index into the document.
type Block struct {
	Kind    BlockKind
	Section int
	Row     int
}

// Page is the ordered list of blocks printed on one page.
type Page struct {
	Blocks []Block
}

// Paginate places the header, every test heading and row, and the footer.
// A new page starts before any heading or row that does not fit in the space
// left on the current one; the header only appears on the first page.
func Paginate(doc *Document, layout Layout) []Page {
	var pages []Page
	current := Page{}
	used := 0.0

	place := func(b Block, height float64) {
		if used > 0 && used+height > layout.usable() {
			pages = append(pages, current)
			current = Page{}
			used = 0
		}
		current.Blocks = append(current.Blocks, b)
		used += height
	}

	place(Block{Kind: BlockHeader}, layout.HeaderHeight)
	for si, section := range doc.Sections {
		place(Block{Kind: BlockHeading, Section: si}, layout.HeadingHeight)
		for ri := range section.Rows {
			place(Block{Kind: BlockRow, Section: si, Row: ri}, layout.RowHeight)
		}
	}
	place(Block{Kind: BlockFooter}, layout.FooterHeight)

	return append(pages, current)
}
