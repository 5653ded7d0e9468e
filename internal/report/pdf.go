package report

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"example.com/busmaster/internal/common"
)

const qrImageName = "sha256-qr"

// PDFOptions controls rendering of the traffic report.
type PDFOptions struct {
	Lang Language
	// Generated is printed in the footer; zero means now.
	Generated time.Time
}

// SaveTrafficPDF renders sum into a PDF file at out.
func SaveTrafficPDF(sum Summary, opts PDFOptions, out string) error {
	pdf, err := buildTrafficPDF(sum, opts)
	if err != nil {
		return err
	}
	if err := common.EnsureParentDir(out); err != nil {
		return err
	}
	return pdf.OutputFileAndClose(out)
}

// WriteTrafficPDF renders sum into w.
func WriteTrafficPDF(w io.Writer, sum Summary, opts PDFOptions) error {
	pdf, err := buildTrafficPDF(sum, opts)
	if err != nil {
		return err
	}
	return pdf.Output(w)
}

func buildTrafficPDF(sum Summary, opts PDFOptions) (*gofpdf.Fpdf, error) {
	t := NewTranslator(opts.Lang)
	generated := opts.Generated
	if generated.IsZero() {
		generated = time.Now()
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(tr(t.T("title")), false)
	pdf.SetAuthor("busmaster", false)
	pdf.SetCreator("busmaster", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "I", 8)
		pdf.CellFormat(0, 10, tr(t.Format("generated", generated.UTC().Format(time.RFC3339))), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, tr(t.T("title")))
	pdf.Ln(12)

	addSourceSection(pdf, tr, t, sum)
	addSummarySection(pdf, tr, t, sum)
	addIdentifierSection(pdf, tr, t, sum.Identifiers)

	if pdf.Err() {
		return nil, pdf.Error()
	}
	return pdf, nil
}

func sectionTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, title)
	pdf.Ln(9)
}

func labelRows(pdf *gofpdf.Fpdf, tr func(string) string, rows [][2]string) {
	pdf.SetFont("Helvetica", "", 11)
	for _, row := range rows {
		pdf.CellFormat(45, 6, tr(row[0]), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, tr(row[1]), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addSourceSection(pdf *gofpdf.Fpdf, tr func(string) string, t Translator, sum Summary) {
	sectionTitle(pdf, tr(t.T("section.source")))
	top := pdf.GetY()
	rows := [][2]string{
		{t.T("label.file"), emptyFallback(sum.Source, "-")},
		{t.T("label.size"), common.FormatBytes(sum.Size)},
		{t.T("label.sha256"), emptyFallback(sum.SHA256, "-")},
	}
	if sum.SHA256 == "" {
		labelRows(pdf, tr, rows)
		return
	}
	// The digest does not fit next to the QR code in one line.
	rows[2][1] = sum.SHA256[:min(32, len(sum.SHA256))]
	if len(sum.SHA256) > 32 {
		rows = append(rows, [2]string{"", sum.SHA256[32:]})
	}
	labelRows(pdf, tr, rows)
	png, err := HashToQR(sum.SHA256, 256)
	if err != nil {
		pdf.SetError(err)
		return
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader(qrImageName, opts, bytes.NewReader(png))
	pageW, _ := pdf.GetPageSize()
	_, _, right, _ := pdf.GetMargins()
	pdf.ImageOptions(qrImageName, pageW-right-28, top-8, 28, 28, false, opts, 0, "")
	if y := top + 24; pdf.GetY() < y {
		pdf.SetY(y)
	}
}

func addSummarySection(pdf *gofpdf.Fpdf, tr func(string) string, t Translator, sum Summary) {
	sectionTitle(pdf, tr(t.T("section.summary")))
	channels := make([]string, len(sum.Channels))
	for i, ch := range sum.Channels {
		channels[i] = strconv.Itoa(ch)
	}
	labelRows(pdf, tr, [][2]string{
		{t.T("label.start"), formatNanos(sum.StartTime)},
		{t.T("label.messages"), strconv.Itoa(sum.Messages)},
		{t.T("label.first"), formatNanos(sum.First)},
		{t.T("label.last"), formatNanos(sum.Last)},
		{t.T("label.span"), sum.Span().String()},
		{t.T("label.channels"), emptyFallback(strings.Join(channels, ", "), "-")},
	})
}

func addIdentifierSection(pdf *gofpdf.Fpdf, tr func(string) string, t Translator, rows []IdentifierStats) {
	sectionTitle(pdf, tr(t.T("section.identifiers")))
	if len(rows) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, tr(t.T("none")), "", "L", false)
		return
	}

	headers := []string{t.T("col.channel"), t.T("col.id"), t.T("col.count"), t.T("col.length"), t.T("col.period")}
	widths := []float64{25, 40, 30, 30, 55}
	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, tr(h), "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 9)
	for _, row := range rows {
		length := strconv.Itoa(int(row.MinLength))
		if row.MaxLength != row.MinLength {
			length += "-" + strconv.Itoa(int(row.MaxLength))
		}
		period := "-"
		if row.Period > 0 {
			period = row.Period.String()
		}
		values := []string{
			strconv.Itoa(int(row.BusChannel)),
			FormatCanID(row.CanID, row.Extended),
			strconv.Itoa(row.Count),
			length,
			period,
		}
		for i, v := range values {
			pdf.CellFormat(widths[i], 6, v, "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}
}

// FormatCanID prints standard ids as 3 and extended ids as 8 hex digits.
func FormatCanID(id uint32, extended bool) string {
	if extended {
		return fmt.Sprintf("%08Xx", id)
	}
	return fmt.Sprintf("%03X", id)
}

func formatNanos(ns int64) string {
	return time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
