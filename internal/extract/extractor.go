// Package extract turns harvested payloads into markdown. HTML goes
// through a DOM-to-markdown conversion; PDFs yield their native text
// layer, with an OCR pass over rasterized pages for scanned documents.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/gen2brain/go-fitz"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lexbr/norm-harvester/internal/metrics"
	"github.com/lexbr/norm-harvester/internal/retry"
)

const (
	// DefaultMinNativeTextLen is the threshold below which a PDF is
	// treated as a scan and sent to OCR.
	DefaultMinNativeTextLen = 200

	defaultMaxWorkers  = 4
	defaultOCRAttempts = 2
	renderDPI          = 72
	pageSeparator      = "\n\n"
)

// ErrNoText indicates a document that yielded neither native text nor
// OCR output.
var ErrNoText = errors.New("no text could be extracted")

var errEmptyOCR = errors.New("empty ocr result")

// Config controls extraction behavior.
type Config struct {
	// MaxWorkers bounds the OCR fan-out across pages of one document.
	MaxWorkers int
	// MinNativeTextLen is the native-text threshold for skipping OCR.
	MinNativeTextLen int
	// OCRAttempts is how many times a page is sent to the engine
	// before its empty result is accepted.
	OCRAttempts int
	// BoilerplateBlocks are literal strings removed from converted
	// markdown, typically navigation chrome the portals repeat on
	// every page.
	BoilerplateBlocks []string
}

// Extractor converts harvested HTML and PDF payloads to markdown.
type Extractor struct {
	cfg Config
	ocr Engine
	log *zap.Logger
}

// New builds an Extractor. A nil engine disables the OCR fallback, in
// which case scanned PDFs surface ErrNoText.
func New(cfg Config, ocr Engine, log *zap.Logger) (*Extractor, error) {
	if cfg.MaxWorkers < 0 {
		return nil, fmt.Errorf("max workers must be >= 0, got %d", cfg.MaxWorkers)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{cfg: cfg, ocr: ocr, log: log}, nil
}

// HTMLToMarkdown converts rendered HTML to markdown and strips the
// configured boilerplate blocks.
func (e *Extractor) HTMLToMarkdown(html string) (string, error) {
	out, err := convertHTML(html)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		if out, err = convertHTML(html); err != nil {
			return "", err
		}
	}
	for _, block := range e.cfg.BoilerplateBlocks {
		out = strings.ReplaceAll(out, block, "")
	}
	return strings.TrimSpace(out), nil
}

// PDFToMarkdown extracts the text of a PDF document. Documents whose
// native text layer is longer than MinNativeTextLen return it directly;
// everything else is rasterized page by page and read through the OCR
// engine, preserving page order in the output.
func (e *Extractor) PDFToMarkdown(ctx context.Context, pdf []byte) (string, error) {
	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	native := strings.TrimSpace(e.nativeText(doc))
	if len(native) > e.minNativeLen() {
		e.log.Debug("native pdf text extracted", zap.Int("chars", len(native)))
		return native, nil
	}

	if e.ocr == nil {
		if native == "" {
			return "", ErrNoText
		}
		return native, nil
	}

	pages, err := renderPages(doc)
	if err != nil {
		return "", err
	}
	e.log.Debug("pdf sent to ocr", zap.Int("pages", len(pages)), zap.Int("native_chars", len(native)))

	ocrText, err := e.ocrPages(ctx, pages)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, 2)
	if native != "" {
		parts = append(parts, native)
	}
	if ocrText != "" {
		parts = append(parts, ocrText)
	}
	if len(parts) == 0 {
		return "", ErrNoText
	}
	return strings.Join(parts, pageSeparator), nil
}

func (e *Extractor) nativeText(doc *fitz.Document) string {
	var b strings.Builder
	for i := 0; i < doc.NumPage(); i++ {
		text, err := doc.Text(i)
		if err != nil {
			e.log.Warn("read pdf page text", zap.Int("page", i), zap.Error(err))
			continue
		}
		b.WriteString(text)
	}
	return b.String()
}

// ocrPages runs the engine over every page image with bounded
// parallelism and reassembles the results strictly in page order.
func (e *Extractor) ocrPages(ctx context.Context, pages [][]byte) (string, error) {
	results := make([]string, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxWorkers())
	for i, page := range pages {
		g.Go(func() error {
			text, err := e.ocrPage(gctx, i, page)
			if err != nil {
				return err
			}
			results[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	nonEmpty := make([]string, 0, len(results))
	for _, text := range results {
		if text != "" {
			nonEmpty = append(nonEmpty, text)
		}
	}
	return strings.Join(nonEmpty, pageSeparator), nil
}

func (e *Extractor) ocrPage(ctx context.Context, page int, image []byte) (string, error) {
	text, err := retry.DoValue(ctx, e.ocrAttempts(), retry.Fixed(0), func(ctx context.Context) (string, error) {
		out, err := e.ocr.ExtractText(ctx, image)
		if err != nil {
			return "", err
		}
		out = strings.TrimSpace(out)
		if out == "" {
			metrics.ObserveOCRRetry()
			return "", errEmptyOCR
		}
		return out, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// A page the engine cannot read is dropped rather than
		// failing the whole document.
		e.log.Warn("ocr produced nothing for page", zap.Int("page", page), zap.Error(err))
		return "", nil
	}
	metrics.ObserveOCRPage()
	return text, nil
}

func (e *Extractor) maxWorkers() int {
	if e.cfg.MaxWorkers > 0 {
		return e.cfg.MaxWorkers
	}
	return defaultMaxWorkers
}

func (e *Extractor) minNativeLen() int {
	if e.cfg.MinNativeTextLen > 0 {
		return e.cfg.MinNativeTextLen
	}
	return DefaultMinNativeTextLen
}

func (e *Extractor) ocrAttempts() int {
	if e.cfg.OCRAttempts > 0 {
		return e.cfg.OCRAttempts
	}
	return defaultOCRAttempts
}

func convertHTML(html string) (string, error) {
	converter := md.NewConverter("", true, nil)
	out, err := converter.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("convert html: %w", err)
	}
	return out, nil
}

func renderPages(doc *fitz.Document) ([][]byte, error) {
	pages := make([][]byte, 0, doc.NumPage())
	for i := 0; i < doc.NumPage(); i++ {
		png, err := doc.ImagePNG(i, renderDPI)
		if err != nil {
			return nil, fmt.Errorf("render pdf page %d: %w", i, err)
		}
		pages = append(pages, png)
	}
	return pages, nil
}
