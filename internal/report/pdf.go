package report

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"example.com/photodate/internal/common"
)

const qrImageName = "manifest-qr"

// SavePDF renders s in lang. When manifestHash is set the hash and a QR code
// of it are printed at the end.
func SavePDF(s Summary, manifestHash string, lang Language, out string) error {
	t := NewTranslator(lang)
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	label := func(key string) string { return tr(t.T(key)) }

	pdf.SetTitle(t.T("title"), true)
	pdf.SetAuthor("photodate", false)
	pdf.SetCreator("photodate", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	addPDFTitle(pdf, label("title"))
	addSummarySection(pdf, s, t, tr)
	addCountSection(pdf, label("section.status"), s.ByStatus, label)
	addCountSection(pdf, label("section.kind"), s.ByKind, label)
	addCountSection(pdf, label("section.source"), s.BySource, label)
	addFailuresSection(pdf, s.Failures, t, tr)
	if manifestHash != "" {
		if err := addManifestSection(pdf, manifestHash, label); err != nil {
			return err
		}
	}

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

func addHeading(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, title)
	pdf.Ln(9)
}

func addSummarySection(pdf *gofpdf.Fpdf, s Summary, t Translator, tr func(string) string) {
	addHeading(pdf, tr(t.T("section.summary")))

	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: "label.runId", value: emptyFallback(s.RunID, "-")},
		{label: "label.started", value: s.Started.Format(time.RFC3339)},
		{label: "label.duration", value: s.Duration().Round(time.Millisecond).String()},
		{label: "label.total", value: strconv.Itoa(s.Total)},
		{label: "label.bytes", value: common.FormatBytes(s.Bytes)},
		{label: "label.dryRun", value: t.Bool(s.DryRun)},
	}
	for _, item := range items {
		pdf.CellFormat(50, 6, tr(t.T(item.label)), "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, tr(item.value), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addCountSection(pdf *gofpdf.Fpdf, title string, counts map[string]int, label func(string) string) {
	if len(counts) == 0 {
		return
	}
	addHeading(pdf, title)

	widths := []float64{70, 30}
	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(widths[0], 7, label("col.name"), "1", 0, "L", true, 0, "")
	pdf.CellFormat(widths[1], 7, label("col.count"), "1", 0, "R", true, 0, "")
	pdf.Ln(-1)

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pdf.SetFont("Helvetica", "", 10)
	for _, k := range keys {
		pdf.CellFormat(widths[0], 6, k, "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 6, strconv.Itoa(counts[k]), "1", 1, "R", false, 0, "")
	}
	pdf.Ln(4)
}

func addFailuresSection(pdf *gofpdf.Fpdf, failures []Failure, t Translator, tr func(string) string) {
	addHeading(pdf, tr(t.T("section.failures")))

	if len(failures) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, tr(t.T("failures.none")), "", "L", false)
		pdf.Ln(2)
		return
	}
	for i, f := range failures {
		pdf.SetFont("Helvetica", "B", 10)
		header := t.Format("failure.line", i+1, f.Image, emptyFallback(f.Class, "-"))
		pdf.MultiCell(0, 5, tr(header), "", "L", false)
		if msg := strings.TrimSpace(f.Error); msg != "" {
			pdf.SetFont("Helvetica", "", 9)
			pdf.MultiCell(0, 4, msg, "", "L", false)
		}
		pdf.Ln(2)
	}
}

func addManifestSection(pdf *gofpdf.Fpdf, hash string, label func(string) string) error {
	qr, err := ManifestHashToQR(hash, 256)
	if err != nil {
		return err
	}
	addHeading(pdf, label("section.manifest"))
	pdf.SetFont("Courier", "", 9)
	pdf.MultiCell(0, 5, label("label.hash")+": "+hash, "", "L", false)

	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader(qrImageName, opts, bytes.NewReader(qr))
	pdf.ImageOptions(qrImageName, pdf.GetX(), pdf.GetY()+2, 40, 40, true, opts, 0, "")
	return nil
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
