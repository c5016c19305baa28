// Package convert implements the C5 conversion worker: it consumes
// conversion jobs naming a document id, converts the document's original
// blob to Markdown, splits the Markdown into chunks, and persists the
// result — or records a terminal conversion_error. Jobs are idempotent: a
// re-delivered job for an already-converted document is a silent no-op.
package convert

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/errgroup"

	"ragkb/internal/broker"
	"ragkb/internal/chunker"
	"ragkb/internal/config"
	"ragkb/internal/domain"
	"ragkb/internal/kberr"
	"ragkb/internal/metrics"
	"ragkb/internal/objectstore"
	"ragkb/internal/provider/ocr"
	"ragkb/internal/provider/pdf"
	"ragkb/internal/repository"
)

const (
	previewChunkCount = 3
	previewMaxChars   = 500
)

// Worker runs cfg.Workers concurrent pulls against a broker.Consumer,
// converting one document per job.
type Worker struct {
	repo       repository.Repository
	store      objectstore.ObjectStore
	consumer   broker.Consumer
	pdfConv    pdf.Converter
	pdfFallback pdf.Converter
	ocrEngine  ocr.Engine
	ocrEnabled bool
	metrics    metrics.Metrics
	cfg        config.ConversionConfig
	defaults   config.RetrievalDefaults
}

// New constructs a conversion Worker. pdfConv is the configured
// PdfToMarkdown adapter (possibly the layout-aware variant); ocrEngine may
// be nil when OCR is disabled.
func New(
	repo repository.Repository,
	store objectstore.ObjectStore,
	consumer broker.Consumer,
	pdfConv pdf.Converter,
	ocrEngine ocr.Engine,
	ocrEnabled bool,
	m metrics.Metrics,
	cfg config.ConversionConfig,
	defaults config.RetrievalDefaults,
) *Worker {
	return &Worker{
		repo:        repo,
		store:       store,
		consumer:    consumer,
		pdfConv:     pdfConv,
		pdfFallback: pdf.New(config.PdfConfig{Variant: "plain-text-extractor"}),
		ocrEngine:   ocrEngine,
		ocrEnabled:  ocrEnabled,
		metrics:     m,
		cfg:         cfg,
		defaults:    defaults,
	}
}

// Run starts cfg.Workers goroutines pulling jobs until ctx is cancelled or
// a worker returns a non-context error.
func (w *Worker) Run(ctx context.Context) error {
	n := w.cfg.Workers
	if n < 1 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return w.loop(ctx)
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		job, commit, err := w.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("fetch conversion job failed")
			continue
		}
		w.processWithRetry(ctx, job)
		if err := commit(ctx); err != nil {
			log.Error().Err(err).Int64("document_id", job.DocumentID).Msg("commit conversion job failed")
		}
	}
}

// processWithRetry runs process, retrying with exponential backoff only
// when the failure kind is STORAGE_ERROR (transient); converter failures
// are terminal after one attempt.
func (w *Worker) processWithRetry(ctx context.Context, job broker.Job) {
	backoff := time.Second
	var err error
	for attempt := 0; ; attempt++ {
		err = w.process(ctx, job.DocumentID)
		if err == nil {
			return
		}
		if kberr.KindOf(err) != kberr.StorageError || attempt >= w.cfg.MaxRetries {
			break
		}
		log.Warn().Err(err).Int64("document_id", job.DocumentID).Int("attempt", attempt+1).Msg("transient conversion error, retrying")
		// The failed attempt left conversion_status=processing; put it back to
		// pending so the next attempt passes the eligibility re-check.
		if doc, gerr := w.repo.GetDocument(ctx, job.DocumentID); gerr == nil && doc.ConversionStatus == domain.ConversionProcessing {
			doc.ConversionStatus = domain.ConversionPending
			if uerr := w.repo.UpdateDocument(ctx, doc); uerr != nil {
				log.Error().Err(uerr).Int64("document_id", job.DocumentID).Msg("cannot reset conversion status before retry")
			}
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}
	log.Error().Err(err).Int64("document_id", job.DocumentID).Msg("conversion failed")
	w.markFailed(ctx, job.DocumentID, err)
	w.metrics.IncCounter("conversion_failed_total", nil)
}

func (w *Worker) process(ctx context.Context, documentID int64) error {
	doc, err := w.repo.GetDocument(ctx, documentID)
	if err != nil {
		if kberr.KindOf(err) == kberr.NotFound {
			return nil
		}
		return err
	}
	if !eligibleForConversion(doc) {
		return nil
	}

	doc.ConversionStatus = domain.ConversionProcessing
	if err := w.repo.UpdateDocument(ctx, doc); err != nil {
		return err
	}

	rc, _, err := w.store.Get(ctx, doc.BlobKey)
	if err != nil {
		return kberr.Wrap(kberr.StorageError, err, "fetch original blob")
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return kberr.Wrap(kberr.StorageError, err, "read original blob")
	}

	markdown, err := w.convertToMarkdown(ctx, doc, raw)
	if err != nil {
		return err
	}

	markdownKey := objectstore.MarkdownKey(strconv.FormatInt(doc.OwnerID, 10), strconv.FormatInt(doc.ID, 10))
	if _, err := w.store.Put(ctx, markdownKey, strings.NewReader(markdown), objectstore.PutOptions{ContentType: "text/markdown"}); err != nil {
		return kberr.Wrap(kberr.StorageError, err, "write markdown blob")
	}

	chunks := splitMarkdown(markdown, w.defaults)
	if err := w.repo.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return kberr.Wrap(kberr.DBError, err, "replace chunks")
	}

	doc.ConversionStatus = domain.ConversionReady
	doc.MarkdownKey = markdownKey
	doc.ConversionError = ""
	doc.PreviewText = previewText(chunks)
	if err := w.repo.UpdateDocument(ctx, doc); err != nil {
		return kberr.Wrap(kberr.DBError, err, "persist ready conversion")
	}
	w.metrics.IncCounter("conversion_ready_total", nil)
	return nil
}

func (w *Worker) markFailed(ctx context.Context, documentID int64, cause error) {
	doc, err := w.repo.GetDocument(ctx, documentID)
	if err != nil {
		log.Error().Err(err).Int64("document_id", documentID).Msg("cannot load document to record conversion failure")
		return
	}
	doc.ConversionStatus = domain.ConversionFailed
	doc.ConversionError = cause.Error()
	if err := w.repo.UpdateDocument(ctx, doc); err != nil {
		log.Error().Err(err).Int64("document_id", documentID).Msg("cannot persist conversion failure")
	}
}

// eligibleForConversion re-checks step 1's precondition, making redelivery
// of an already-converted job a no-op rather than an error.
func eligibleForConversion(doc domain.Document) bool {
	switch doc.Status {
	case domain.StatusUploaded, domain.StatusConfirmed, domain.StatusApproved:
	default:
		return false
	}
	switch doc.ConversionStatus {
	case domain.ConversionPending, domain.ConversionFailed:
		return true
	default:
		return false
	}
}

func splitMarkdown(markdown string, defaults config.RetrievalDefaults) []domain.Chunk {
	opt := chunker.Options{
		Strategy:       chunker.Strategy(defaults.ChunkStrategy),
		ChunkSize:      defaults.ChunkSize,
		OverlapPercent: defaults.OverlapPercent,
		Delimiters:     defaults.Delimiters,
	}
	parts := chunker.Split(markdown, opt)
	chunks := make([]domain.Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = domain.Chunk{
			ChunkIndex: p.Index,
			Content:    p.Text,
			CharCount:  len([]rune(p.Text)),
			Included:   true,
		}
	}
	return chunks
}

func previewText(chunks []domain.Chunk) string {
	n := previewChunkCount
	if n > len(chunks) {
		n = len(chunks)
	}
	var buf strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(chunks[i].Content)
	}
	runes := []rune(buf.String())
	if len(runes) > previewMaxChars {
		runes = runes[:previewMaxChars]
	}
	return string(runes)
}

// --- content-type dispatch ---------------------------------------------

type contentKind int

const (
	kindText contentKind = iota
	kindPDF
	kindXLSX
	kindDOCX
	kindCSV
	kindJSON
)

func classify(mimeType, filename string) contentKind {
	mimeType = strings.ToLower(mimeType)
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case strings.Contains(mimeType, "pdf") || ext == ".pdf":
		return kindPDF
	case strings.Contains(mimeType, "spreadsheetml") || strings.Contains(mimeType, "ms-excel") || ext == ".xlsx":
		return kindXLSX
	case strings.Contains(mimeType, "wordprocessingml") || ext == ".docx":
		return kindDOCX
	case strings.Contains(mimeType, "csv") || ext == ".csv":
		return kindCSV
	case strings.Contains(mimeType, "json") || ext == ".json":
		return kindJSON
	default:
		return kindText
	}
}

func (w *Worker) convertToMarkdown(ctx context.Context, doc domain.Document, raw []byte) (string, error) {
	switch classify(doc.ContentType, doc.Filename) {
	case kindPDF:
		return w.convertPDF(ctx, raw)
	case kindXLSX:
		return convertXLSX(raw)
	case kindDOCX:
		return convertDOCX(raw)
	case kindCSV:
		return convertCSV(raw)
	case kindJSON:
		return convertJSON(raw)
	default:
		text := string(raw)
		if strings.TrimSpace(text) == "" {
			return "", kberr.New(kberr.ConversionFailed, "document contains no text")
		}
		return text, nil
	}
}

// convertPDF runs the layout-aware converter, falling back to the
// plain-text extractor, then to OCR when combined text is too short.
func (w *Worker) convertPDF(ctx context.Context, raw []byte) (string, error) {
	text, err := w.pdfConv.Convert(ctx, raw)
	if err != nil {
		text, err = w.pdfFallback.Convert(ctx, raw)
		if err != nil {
			return "", kberr.Wrap(kberr.ConversionFailed, err, "pdf conversion failed after fallback")
		}
	}
	if len([]rune(text)) < w.cfg.MinTextChars && w.ocrEnabled && w.ocrEngine != nil {
		if ocrText, ocrErr := w.ocrEngine.Extract(ctx, raw); ocrErr == nil && strings.TrimSpace(ocrText) != "" {
			text = ocrText
		}
		if strings.TrimSpace(text) == "" {
			return "", kberr.New(kberr.ConversionFailed, "pdf conversion produced no text")
		}
	}
	// A scanned/image-only pdf with OCR disabled is not a conversion
	// failure: it succeeds with empty Markdown and zero chunks, and the
	// document proceeds to confirm; approve then indexes with no vectors.
	return text, nil
}

func convertXLSX(raw []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return "", kberr.Wrap(kberr.ConversionFailed, err, "open xlsx")
	}
	defer f.Close()

	var buf strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", kberr.Wrap(kberr.ConversionFailed, err, fmt.Sprintf("read sheet %s", sheet))
		}
		if len(rows) == 0 {
			continue
		}
		buf.WriteString("## ")
		buf.WriteString(sheet)
		buf.WriteString("\n\n")
		buf.WriteString(markdownTable(rows))
		buf.WriteString("\n")
	}
	if buf.Len() == 0 {
		return "", kberr.New(kberr.ConversionFailed, "xlsx workbook contains no rows")
	}
	return buf.String(), nil
}

func convertCSV(raw []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return "", kberr.Wrap(kberr.ConversionFailed, err, "parse csv")
	}
	if len(rows) == 0 {
		return "", kberr.New(kberr.ConversionFailed, "csv file contains no rows")
	}
	return markdownTable(rows), nil
}

// markdownTable renders rows as a single Markdown table: a header row
// separated by a "|---|" cell per column, with embedded newlines escaped
// as <br/> so no cell breaks the table's row structure.
func markdownTable(rows [][]string) string {
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	var buf strings.Builder
	for i, row := range rows {
		buf.WriteString("|")
		for c := 0; c < width; c++ {
			cell := ""
			if c < len(row) {
				cell = escapeCell(row[c])
			}
			buf.WriteString(" ")
			buf.WriteString(cell)
			buf.WriteString(" |")
		}
		buf.WriteString("\n")
		if i == 0 {
			buf.WriteString("|")
			for c := 0; c < width; c++ {
				buf.WriteString("---|")
			}
			buf.WriteString("\n")
		}
	}
	return buf.String()
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "<br/>")
	s = strings.ReplaceAll(s, "\n", "<br/>")
	return s
}

func convertJSON(raw []byte) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", kberr.Wrap(kberr.ConversionFailed, err, "parse json")
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", kberr.Wrap(kberr.ConversionFailed, err, "format json")
	}
	return fmt.Sprintf("```json\n%s\n```\n", pretty), nil
}

var xmlTag = regexp.MustCompile(`<[^>]*>`)

// convertDOCX extracts the body text from word/document.xml via
// nguyenthenguyen/docx's editable-content API, stripping residual OOXML
// run/paragraph tags so only plain text remains.
func convertDOCX(raw []byte) (string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", kberr.Wrap(kberr.ConversionFailed, err, "open docx")
	}
	defer r.Close()

	content := r.Editable().GetContent()
	text := xmlTag.ReplaceAllString(content, "\n")
	text = html.UnescapeString(text)
	text = strings.TrimSpace(text)
	if text == "" {
		return "", kberr.New(kberr.ConversionFailed, "docx contained no extractable text")
	}
	return text, nil
}
