// Package report renders screening results as PDF documents.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"image/png"
	"os"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-pdf/fpdf"
	"github.com/nfnt/resize"
	"go.uber.org/zap"

	"github.com/fundus-screen/backend/internal/classify"
	"github.com/fundus-screen/backend/internal/logger"
	"github.com/fundus-screen/backend/internal/models"
	"github.com/fundus-screen/backend/internal/preprocess"
)

// Filename is the attachment name reports are served under.
const Filename = "AI_Glaucoma_Detection_Report.pdf"

const (
	defaultModelName = "DenseNet121"
	thumbPixels      = 480
	thumbWidthMM     = 70.0
)

type rgb struct{ r, g, b int }

var (
	colorTitle   = rgb{0x2c, 0x3e, 0x50}
	colorHeading = rgb{0x34, 0x49, 0x5e}
	colorLabel   = rgb{0xec, 0xf0, 0xf1}
	colorGrid    = rgb{0xbd, 0xc3, 0xc7}
	colorMuted   = rgb{0x7f, 0x8c, 0x8d}
	colorAlert   = rgb{0xe7, 0x4c, 0x3c}
	colorOK      = rgb{0x27, 0xae, 0x60}
)

// Options configures a Generator.
type Options struct {
	ModelName string
}

// Generator renders reports from a classification policy. Output depends only
// on the PredictionResult, the source image bytes and the policy.
type Generator struct {
	policy    classify.Policy
	modelName string
	log       *zap.Logger
	now       func() time.Time
}

// NewGenerator creates a Generator.
func NewGenerator(policy classify.Policy, opts Options, log *zap.Logger) *Generator {
	if opts.ModelName == "" {
		opts.ModelName = defaultModelName
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{policy: policy, modelName: opts.ModelName, log: log, now: time.Now}
}

// ReportID derives the printed report identifier from the result.
func ReportID(result models.PredictionResult) string {
	short := strings.ToUpper(logger.ShortID(result.ImageID))
	return fmt.Sprintf("GLU-%s-%s", result.ComputedAt.UTC().Format("20060102150405"), short)
}

// Generate renders the report for result, embedding the image at imagePath.
func (g *Generator) Generate(result models.PredictionResult, imagePath string) (*models.ReportDocument, error) {
	thumb, err := thumbnail(imagePath)
	if err != nil {
		return nil, &ReportGenerationError{
			ImageID: result.ImageID,
			Missing: errors.Is(err, os.ErrNotExist),
			Err:     err,
		}
	}

	rec := g.policy.Recommendation(result.Label, result.ConfidenceTier)
	disclaimer := g.policy.DisclaimerText(result.Label, result.ConfidenceTier)

	var buf bytes.Buffer
	if err := g.render(&buf, result, rec, disclaimer, thumb); err != nil {
		return nil, &ReportGenerationError{ImageID: result.ImageID, Err: err}
	}

	g.log.Info("report generated",
		zap.String("id", logger.ShortID(result.ImageID)),
		zap.String("label", string(result.Label)),
		zap.Int("bytes", buf.Len()))

	return &models.ReportDocument{
		Result:         result,
		Recommendation: recommendationText(rec),
		Disclaimer:     disclaimer,
		GeneratedAt:    g.now().UTC(),
		PDF:            buf.Bytes(),
	}, nil
}

func recommendationText(rec classify.Recommendation) string {
	lines := make([]string, 0, len(rec.Items)+1)
	if rec.Notice != "" {
		lines = append(lines, rec.Notice)
	}
	for _, item := range rec.Items {
		lines = append(lines, "- "+item)
	}
	return strings.Join(lines, "\n")
}

// thumbnail decodes the stored image and re-encodes a bounded PNG copy.
func thumbnail(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening source image: %w", err)
	}
	defer f.Close()

	img, err := imaging.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding source image: %w", err)
	}

	small := resize.Thumbnail(thumbPixels, thumbPixels, img, resize.Bilinear)

	var buf bytes.Buffer
	if err := png.Encode(&buf, small); err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *Generator) render(buf *bytes.Buffer, result models.PredictionResult, rec classify.Recommendation, disclaimer string, thumb []byte) error {
	pdf := fpdf.New("P", "mm", "Letter", "")
	stamp := result.ComputedAt.UTC()
	pdf.SetCreationDate(stamp)
	pdf.SetModificationDate(stamp)
	pdf.SetCatalogSort(true)
	pdf.SetTitle("AI Glaucoma Detection Report", false)
	pdf.SetCreator(g.modelName+" screening service", false)
	pdf.SetMargins(20, 13, 20)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AliasNbPages("")

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	reportID := ReportID(result)

	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "", 8)
		setText(pdf, colorMuted)
		pdf.CellFormat(0, 5, fmt.Sprintf("%s - page %d of {nb}", reportID, pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 22)
	setText(pdf, colorTitle)
	pdf.CellFormat(0, 14, "AI GLAUCOMA DETECTION REPORT", "", 1, "C", false, 0, "")
	pdf.Ln(4)

	table(pdf, tr, [][2]string{
		{"Analysis Date:", result.ComputedAt.UTC().Format("2006-01-02 15:04:05") + " UTC"},
		{"AI Model:", g.modelName + " (Deep Learning)"},
		{"Image Resolution:", fmt.Sprintf("%d x %d pixels", preprocess.ImageSize, preprocess.ImageSize)},
		{"Report ID:", reportID},
	}, nil)
	pdf.Ln(6)

	heading(pdf, "ANALYSIS RESULTS")
	status, statusColor := "No Signs of Glaucoma", colorOK
	if result.Label == models.LabelGlaucoma {
		status, statusColor = "Signs of Glaucoma Detected", colorAlert
	}
	table(pdf, tr, [][2]string{
		{"Prediction:", status},
		{"Glaucoma Probability:", fmt.Sprintf("%.1f%%", result.RawProbability*100)},
		{"Confidence Level:", fmt.Sprintf("%.1f%%", result.Confidence)},
		{"Confidence Tier:", titleCase(string(result.ConfidenceTier))},
	}, map[int]rgb{0: statusColor})
	pdf.Ln(4)
	confidenceChart(pdf, classBars(result.RawProbability))
	pdf.Ln(6)

	heading(pdf, "FUNDUS IMAGE")
	opts := fpdf.ImageOptions{ImageType: "PNG", ReadDpi: false}
	pdf.RegisterImageOptionsReader("source-"+result.ImageID, opts, bytes.NewReader(thumb))
	left, _, _, _ := pdf.GetMargins()
	pdf.ImageOptions("source-"+result.ImageID, left, pdf.GetY(), thumbWidthMM, 0, true, opts, 0, "")
	pdf.Ln(6)

	heading(pdf, "MEDICAL RECOMMENDATIONS")
	if rec.Notice != "" {
		pdf.SetFont("Helvetica", "B", 11)
		setText(pdf, statusColor)
		pdf.MultiCell(0, 6, tr(rec.Notice), "", "L", false)
		pdf.Ln(2)
	}
	pdf.SetFont("Helvetica", "", 11)
	setText(pdf, colorTitle)
	for _, item := range rec.Items {
		pdf.CellFormat(6, 6, "-", "", 0, "C", false, 0, "")
		pdf.MultiCell(0, 6, tr(item), "", "L", false)
	}
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "B", 10)
	setText(pdf, colorMuted)
	pdf.CellFormat(0, 6, "IMPORTANT DISCLAIMER:", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	for _, para := range strings.Split(disclaimer, "\n\n") {
		pdf.MultiCell(0, 4.5, tr(para), "", "J", false)
		pdf.Ln(2)
	}
	pdf.SetFont("Helvetica", "", 9)
	pdf.MultiCell(0, 4.5, tr(fmt.Sprintf("Report generated by: %s AI Model | Report ID: %s", g.modelName, reportID)), "", "L", false)

	if err := pdf.Error(); err != nil {
		return err
	}
	return pdf.Output(buf)
}

// bar is one class column of the confidence chart.
type bar struct {
	label   string
	percent float64
	color   rgb
}

// classBars splits the positive probability into Normal and Glaucoma columns.
func classBars(p float64) []bar {
	return []bar{
		{label: string(models.LabelNormal), percent: (1 - p) * 100, color: colorOK},
		{label: string(models.LabelGlaucoma), percent: p * 100, color: colorAlert},
	}
}

// confidenceChart draws a vertical bar chart on a 0-100% axis below the cursor.
func confidenceChart(pdf *fpdf.Fpdf, bars []bar) {
	const (
		plotH   = 40.0
		barW    = 24.0
		gap     = 20.0
		axisPad = 14.0
		labelH  = 5.0
	)

	pdf.SetFont("Helvetica", "B", 11)
	setText(pdf, colorHeading)
	pdf.CellFormat(0, 7, "Prediction Confidence", "", 1, "L", false, 0, "")

	left, _, _, _ := pdf.GetMargins()
	x0 := left + axisPad
	top := pdf.GetY() + labelH
	base := top + plotH

	pdf.SetDrawColor(colorGrid.r, colorGrid.g, colorGrid.b)
	pdf.SetFont("Helvetica", "", 8)
	setText(pdf, colorMuted)
	for _, tick := range []float64{0, 50, 100} {
		y := base - plotH*tick/100
		pdf.Line(x0, y, x0+2*barW+3*gap, y)
		pdf.SetXY(left, y-2)
		pdf.CellFormat(axisPad-2, 4, fmt.Sprintf("%.0f%%", tick), "", 0, "R", false, 0, "")
	}

	for i, b := range bars {
		x := x0 + gap + float64(i)*(barW+gap)
		h := plotH * b.percent / 100
		pdf.SetFillColor(b.color.r, b.color.g, b.color.b)
		if h > 0 {
			pdf.Rect(x, base-h, barW, h, "F")
		}

		pdf.SetFont("Helvetica", "B", 9)
		setText(pdf, colorTitle)
		pdf.SetXY(x, base-h-labelH)
		pdf.CellFormat(barW, labelH, fmt.Sprintf("%.1f%%", b.percent), "", 0, "C", false, 0, "")

		pdf.SetFont("Helvetica", "", 9)
		pdf.SetXY(x, base+1)
		pdf.CellFormat(barW, labelH, b.label, "", 0, "C", false, 0, "")
	}

	pdf.SetXY(left, base+labelH+2)
}

func heading(pdf *fpdf.Fpdf, text string) {
	pdf.SetFont("Helvetica", "B", 15)
	setText(pdf, colorHeading)
	pdf.CellFormat(0, 10, text, "", 1, "L", false, 0, "")
}

// table draws two-column label/value rows. valueColors overrides the value
// color per row index.
func table(pdf *fpdf.Fpdf, tr func(string) string, rows [][2]string, valueColors map[int]rgb) {
	const labelW, valueW, rowH = 55.0, 100.0, 9.0

	pdf.SetDrawColor(colorGrid.r, colorGrid.g, colorGrid.b)
	pdf.SetFillColor(colorLabel.r, colorLabel.g, colorLabel.b)
	for i, row := range rows {
		pdf.SetFont("Helvetica", "B", 11)
		setText(pdf, colorTitle)
		pdf.CellFormat(labelW, rowH, " "+row[0], "1", 0, "L", true, 0, "")

		c, ok := valueColors[i]
		if !ok {
			c = colorTitle
			pdf.SetFont("Helvetica", "", 11)
		}
		setText(pdf, c)
		pdf.CellFormat(valueW, rowH, " "+tr(row[1]), "1", 1, "L", false, 0, "")
	}
}

func setText(pdf *fpdf.Fpdf, c rgb) {
	pdf.SetTextColor(c.r, c.g, c.b)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
