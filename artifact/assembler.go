// Package artifact renders the final signed document: a PDF carrying one
// signature block per signer and a scan-verification code on every page.
package artifact

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// SignerBlock is the rendered view of one required signer.
type SignerBlock struct {
	Identity string
	Signed   bool
	SignedAt *time.Time
}

// Params is everything the assembler needs to lay out the artifact.
type Params struct {
	Title        string
	DocumentHash string
	// Token is the verification-code payload embedded on every page.
	Token string
	// PageCount mirrors the original document so each of its pages has an
	// independently verifiable counterpart. Values below 1 render one page.
	PageCount int
	// Signers must be ordered by signing order. The first three are laid
	// out along the bottom margin, the rest along the right margin.
	Signers []SignerBlock
	// CompletedAt pins the PDF metadata dates so assembling the same
	// completed request twice yields byte-identical output.
	CompletedAt time.Time
}

// Result is the assembled artifact. Degraded lists signer identities whose
// block fell back to plain-text rendering; the artifact is still valid.
type Result struct {
	Bytes    []byte
	Degraded []string
}

// Page geometry in millimeters (A4 portrait).
const (
	pageWidth  = 210.0
	pageHeight = 297.0
	margin     = 12.0

	bottomBandY     = 258.0
	bottomBandH     = 24.0
	bottomAreaRight = 168.0 // verification code occupies the rest

	qrX    = 172.0
	qrY    = 258.0
	qrSize = 20.0

	sideX     = 200.0
	sideTopY  = 42.0
	sideStepY = 46.0

	// bottomMax is how many signers fit along the bottom margin before the
	// layout switches to the right-margin column.
	bottomMax = 3
)

type Assembler struct {
	logger *zap.Logger
}

func NewAssembler(logger *zap.Logger) *Assembler {
	return &Assembler{logger: logger.Named("artifact")}
}

// Assemble renders the artifact. A signer whose block cannot be laid out is
// substituted with a plain-text fallback and reported in Result.Degraded
// rather than aborting the whole artifact.
func (a *Assembler) Assemble(params Params) (Result, error) {
	if params.Token == "" {
		return Result{}, fmt.Errorf("artifact: verification token required")
	}

	qrPNG, err := qrcode.Encode(params.Token, qrcode.Medium, 256)
	if err != nil {
		return Result{}, fmt.Errorf("artifact: encode verification code: %w", err)
	}

	pages := params.PageCount
	if pages < 1 {
		pages = 1
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetTitle(params.Title, true)
	if !params.CompletedAt.IsZero() {
		pdf.SetCreationDate(params.CompletedAt.UTC())
		pdf.SetModificationDate(params.CompletedAt.UTC())
	}
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.RegisterImageOptionsReader("verification-code", fpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(qrPNG))

	bottom := params.Signers
	var side []SignerBlock
	if len(bottom) > bottomMax {
		side = bottom[bottomMax:]
		bottom = bottom[:bottomMax]
	}

	degraded := map[string]bool{}

	for page := 1; page <= pages; page++ {
		pdf.AddPage()
		a.renderHeader(pdf, tr, params, page, pages)

		for i, s := range bottom {
			if err := a.renderBottomBlock(pdf, tr, s, i, len(bottom)); err != nil {
				a.logger.Warn("signature block degraded to plain text",
					zap.String("identity", s.Identity),
					zap.Int("page", page),
					zap.Error(err))
				a.renderFallbackBlock(pdf, s, i)
				degraded[s.Identity] = true
			}
		}
		for i, s := range side {
			if err := a.renderSideBlock(pdf, tr, s, i); err != nil {
				a.logger.Warn("signature block degraded to plain text",
					zap.String("identity", s.Identity),
					zap.Int("page", page),
					zap.Error(err))
				a.renderFallbackBlock(pdf, s, bottomMax+i)
				degraded[s.Identity] = true
			}
		}

		pdf.ImageOptions("verification-code", qrX, qrY, qrSize, qrSize, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
		pdf.SetFont("Helvetica", "", 6)
		pdf.Text(qrX, qrY+qrSize+3, params.Token)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return Result{}, fmt.Errorf("artifact: render pdf: %w", err)
	}

	result := Result{Bytes: buf.Bytes()}
	for _, s := range params.Signers {
		if degraded[s.Identity] {
			result.Degraded = append(result.Degraded, s.Identity)
		}
	}
	return result, nil
}

func (a *Assembler) renderHeader(pdf *fpdf.Fpdf, tr func(string) string, params Params, page, pages int) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Text(margin, margin+4, tr(truncate(pdf, params.Title, pageWidth-2*margin)))

	pdf.SetFont("Helvetica", "", 8)
	pdf.Text(margin, margin+10, fmt.Sprintf("Signed artifact - page %d of %d", page, pages))

	pdf.SetFont("Courier", "", 7)
	pdf.Text(margin, margin+15, truncate(pdf, "document "+params.DocumentHash, pageWidth-2*margin))

	pdf.SetDrawColor(120, 120, 120)
	pdf.Line(margin, margin+18, pageWidth-margin, margin+18)
	pdf.Line(margin, bottomBandY-2, pageWidth-margin, bottomBandY-2)
}

// renderBottomBlock lays out one of the first three signer blocks, evenly
// spaced along the bottom margin, sized to the slot so variable-length
// identities never overlap.
func (a *Assembler) renderBottomBlock(pdf *fpdf.Fpdf, tr func(string) string, s SignerBlock, idx, count int) error {
	identity := strings.TrimSpace(s.Identity)
	if identity == "" {
		return fmt.Errorf("empty signer identity")
	}

	slot := (bottomAreaRight - margin) / float64(count)
	x := margin + float64(idx)*slot
	w := slot - 4

	pdf.SetDrawColor(60, 60, 60)
	pdf.Rect(x, bottomBandY, w, bottomBandH, "D")

	pdf.SetFont("Helvetica", "B", 8)
	name := truncate(pdf, tr(identity), w-4)
	if name == "" {
		return fmt.Errorf("identity not renderable in %0.1fmm slot", w)
	}
	pdf.Text(x+2, bottomBandY+6, name)

	pdf.SetFont("Helvetica", "", 7)
	pdf.Text(x+2, bottomBandY+12, statusLine(s))
	if pdf.Err() {
		return pdf.Error()
	}
	return nil
}

// renderSideBlock lays out a signer beyond the third, rotated to fit the
// narrow right-margin column.
func (a *Assembler) renderSideBlock(pdf *fpdf.Fpdf, tr func(string) string, s SignerBlock, idx int) error {
	identity := strings.TrimSpace(s.Identity)
	if identity == "" {
		return fmt.Errorf("empty signer identity")
	}

	y := sideTopY + float64(idx)*sideStepY

	pdf.TransformBegin()
	pdf.TransformRotate(90, sideX, y)

	pdf.SetFont("Helvetica", "B", 7)
	name := truncate(pdf, tr(identity), sideStepY-6)
	if name == "" {
		pdf.TransformEnd()
		return fmt.Errorf("identity not renderable in side column")
	}
	pdf.Text(sideX, y, name)

	pdf.SetFont("Helvetica", "", 6)
	pdf.Text(sideX, y+3.5, statusLine(s))

	pdf.TransformEnd()
	if pdf.Err() {
		return pdf.Error()
	}
	return nil
}

// renderFallbackBlock writes a minimal plain-text substitute when the normal
// block layout failed for a signer.
func (a *Assembler) renderFallbackBlock(pdf *fpdf.Fpdf, s SignerBlock, idx int) {
	pdf.SetFont("Courier", "", 6)
	line := fmt.Sprintf("signer %d: %s", idx+1, statusLine(s))
	pdf.Text(margin, bottomBandY+bottomBandH+4+float64(idx)*3, line)
}

func statusLine(s SignerBlock) string {
	if s.Signed && s.SignedAt != nil {
		return "Signed " + s.SignedAt.UTC().Format("2006-01-02 15:04 UTC")
	}
	if s.Signed {
		return "Signed"
	}
	return "Pending"
}

// truncate shortens a string until it fits the given width in the current
// font, appending an ellipsis when anything was cut.
func truncate(pdf *fpdf.Fpdf, s string, w float64) string {
	if pdf.GetStringWidth(s) <= w {
		return s
	}
	const ellipsis = "..."
	for len(s) > 0 {
		s = s[:len(s)-1]
		if pdf.GetStringWidth(s+ellipsis) <= w {
			return s + ellipsis
		}
	}
	return ""
}
