package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, call int, image []byte) (string, error)
}

func (f *fakeEngine) ExtractText(ctx context.Context, image []byte) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, call, image)
	}
	return string(image), nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestExtractor(t *testing.T, cfg Config, ocr Engine) *Extractor {
	t.Helper()
	e, err := New(cfg, ocr, zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestNewRejectsNegativeWorkers(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxWorkers: -1}, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestHTMLToMarkdown(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(t, Config{}, nil)
	out, err := e.HTMLToMarkdown(`<html><body><h1>Lei 10.000</h1><p>Art. 1º Fica instituída a política estadual.</p></body></html>`)
	require.NoError(t, err)
	assert.Contains(t, out, "# Lei 10.000")
	assert.Contains(t, out, "Art. 1º Fica instituída a política estadual.")
}

func TestHTMLToMarkdownStripsBoilerplate(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(t, Config{BoilerplateBlocks: []string{"Voltar ao topo"}}, nil)
	out, err := e.HTMLToMarkdown(`<html><body><p>Art. 2º Revogam-se as disposições em contrário.</p><p>Voltar ao topo</p></body></html>`)
	require.NoError(t, err)
	assert.NotContains(t, out, "Voltar ao topo")
	assert.Contains(t, out, "Art. 2º")
}

func TestPDFToMarkdownRejectsGarbage(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(t, Config{}, nil)
	_, err := e.PDFToMarkdown(context.Background(), []byte("definitely not a pdf"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open pdf")
}

func TestOCRPagesPreserveOrder(t *testing.T) {
	t.Parallel()

	const pageCount = 5
	engine := &fakeEngine{
		fn: func(_ context.Context, _ int, image []byte) (string, error) {
			// Later pages finish first to prove order comes from the
			// page index, not completion time.
			var idx int
			_, _ = fmt.Sscanf(string(image), "page-%d", &idx)
			time.Sleep(time.Duration(pageCount-idx) * 10 * time.Millisecond)
			return string(image), nil
		},
	}
	e := newTestExtractor(t, Config{MaxWorkers: pageCount}, engine)

	pages := make([][]byte, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		pages = append(pages, fmt.Appendf(nil, "page-%d", i))
	}

	out, err := e.ocrPages(context.Background(), pages)
	require.NoError(t, err)
	assert.Equal(t, "page-0\n\npage-1\n\npage-2\n\npage-3\n\npage-4", out)
}

func TestOCRRetriesEmptyResult(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{
		fn: func(_ context.Context, call int, _ []byte) (string, error) {
			if call == 1 {
				return "", nil
			}
			return "texto recuperado", nil
		},
	}
	e := newTestExtractor(t, Config{}, engine)

	out, err := e.ocrPages(context.Background(), [][]byte{[]byte("img")})
	require.NoError(t, err)
	assert.Equal(t, "texto recuperado", out)
	assert.Equal(t, 2, engine.callCount())
}

func TestOCRDropsPageThatStaysEmpty(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{
		fn: func(context.Context, int, []byte) (string, error) {
			return "   ", nil
		},
	}
	e := newTestExtractor(t, Config{OCRAttempts: 3}, engine)

	out, err := e.ocrPages(context.Background(), [][]byte{[]byte("img")})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 3, engine.callCount())
}

func TestOCRDropsPageOnEngineError(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{
		fn: func(context.Context, int, []byte) (string, error) {
			return "", errors.New("vision model unavailable")
		},
	}
	e := newTestExtractor(t, Config{}, engine)

	out, err := e.ocrPages(context.Background(), [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err, "a dead page must not sink the document")
	assert.Empty(t, out)
}

func TestOCRHonorsCancellation(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{
		fn: func(ctx context.Context, _ int, _ []byte) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	e := newTestExtractor(t, Config{MaxWorkers: 2}, engine)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.ocrPages(ctx, [][]byte{[]byte("a"), []byte("b")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultsApplied(t *testing.T) {
	t.Parallel()

	e := newTestExtractor(t, Config{}, nil)
	assert.Equal(t, defaultMaxWorkers, e.maxWorkers())
	assert.Equal(t, DefaultMinNativeTextLen, e.minNativeLen())
	assert.Equal(t, defaultOCRAttempts, e.ocrAttempts())

	e = newTestExtractor(t, Config{MaxWorkers: 9, MinNativeTextLen: 50, OCRAttempts: 1}, nil)
	assert.Equal(t, 9, e.maxWorkers())
	assert.Equal(t, 50, e.minNativeLen())
	assert.Equal(t, 1, e.ocrAttempts())
}

func TestStripDescriptionHeader(t *testing.T) {
	t.Parallel()

	raw := descriptionHeader + "Decreto nº 123, de 1º de março"
	cleaned := strings.TrimSpace(strings.ReplaceAll(raw, descriptionHeader, ""))
	assert.Equal(t, "Decreto nº 123, de 1º de março", cleaned)
}
