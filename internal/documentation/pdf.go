package docs

import (
	"fmt"
	"io"
	"strings"

	"github.com/jung-kurt/gofpdf"

	"github.com/pgx-cds-server/internal/domain"
)

// Column widths of the gene table in millimetres; they add up to the
// printable width of an A4 page with 20 mm margins.
var pdfGeneColumns = []struct {
	title string
	width float64
}{
	{"Gene", 24},
	{"Genotype", 30},
	{"Reported", 38},
	{"Effective", 38},
	{"Caused by", 40},
}

// WritePDF writes the printable summary report as an A4 PDF with the same
// sections as the markdown report.
func WritePDF(w io.Writer, a *domain.Assessment) error {
	s := NewSnapshot(a)

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 20)
	pdf.SetTitle("PGx-Guided Behavioral Health CDS Report", true)
	pdf.SetCreator("pgx-cds", true)
	pdf.SetCreationDate(a.CreatedAt)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, "PGx-Guided Behavioral Health CDS Report", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "I", 9)
	pdf.CellFormat(0, 5, tr(fmt.Sprintf("Assessment %s, knowledge base %s, generated %s",
		a.ID, a.KnowledgeBaseVersion, a.CreatedAt.Format("2006-01-02 15:04 MST"))), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	heading := func(title string) {
		pdf.Ln(2)
		pdf.SetFont("Arial", "B", 12)
		pdf.CellFormat(0, 8, tr(title), "", 1, "L", false, 0, "")
		pdf.SetFont("Arial", "", 10)
	}
	list := func(items []string, empty string) {
		if len(items) == 0 {
			if empty != "" {
				pdf.MultiCell(0, 6, tr(empty), "", "L", false)
			}
			return
		}
		for _, item := range items {
			pdf.MultiCell(0, 6, tr("- "+item), "", "L", false)
		}
	}

	heading("Medications Assessed")
	list(s.Medications, "None")

	heading("Gene Metabolism")
	if len(s.Genes) == 0 {
		list(nil, "No gene results reported.")
	} else {
		pdf.SetFont("Arial", "B", 9)
		pdf.SetFillColor(230, 230, 230)
		for _, col := range pdfGeneColumns {
			pdf.CellFormat(col.width, 7, col.title, "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 9)
		for _, g := range s.Genes {
			effective := g.Effective
			if g.Error != "" {
				effective = "excluded"
			}
			values := []string{g.Gene, g.Genotype, g.Reported, effective, g.CausedBy}
			for i, col := range pdfGeneColumns {
				pdf.CellFormat(col.width, 7, fitCell(pdf, tr(values[i]), col.width), "1", 0, "L", false, 0, "")
			}
			pdf.Ln(-1)
		}
		pdf.SetFont("Arial", "", 10)
	}

	heading("Recommendations and Risks")
	list(s.Recommendations, "No specific recommendations based on current rules.")

	if len(s.PolypharmacyWarnings) > 0 {
		heading("Polypharmacy Warnings")
		list(s.PolypharmacyWarnings, "")
	}

	heading("Flowsheet Prompts")
	list(s.FlowsheetPrompts, "No special prompts for these combinations.")

	heading("Phenoconversion Log")
	list(s.PhenoconversionLog, "No phenotype adjustments by inhibitors or inducers.")

	heading("Provider Smart Note")
	pdf.SetFont("Courier", "", 9)
	pdf.MultiCell(0, 5, tr(strings.TrimRight(ProviderNote(a), "\n")), "", "L", false)

	pdf.Ln(4)
	pdf.SetFont("Arial", "I", 8)
	pdf.MultiCell(0, 4, tr(disclaimer), "T", "L", false)

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("writing pdf: %w", err)
	}
	return nil
}

// fitCell shortens already translated text to fit a table cell of width mm.
func fitCell(pdf *gofpdf.Fpdf, text string, width float64) string {
	if text == "" {
		return "-"
	}
	limit := width - 2
	if pdf.GetStringWidth(text) <= limit {
		return text
	}
	for len(text) > 0 && pdf.GetStringWidth(text+"...") > limit {
		text = text[:len(text)-1]
	}
	return text + "..."
}
