// Package ocr implements the C1 OCR provider adapter, invoked only when a
// prior PdfToMarkdown pass yields text below the configured floor.
package ocr

import (
	"context"
	"fmt"

	documentaipb "cloud.google.com/go/documentai/apiv1/documentaipb"
	documentai "cloud.google.com/go/documentai/apiv1"

	"ragkb/internal/config"
	"ragkb/internal/kberr"
)

// Engine extracts text from scanned/image-only PDF bytes.
type Engine interface {
	Extract(ctx context.Context, raw []byte) (string, error)
}

// New constructs a Document AI-backed OCR engine.
func New(cfg config.DocumentAIConfig) Engine {
	return &documentAIOCR{cfg: cfg}
}

type documentAIOCR struct {
	cfg config.DocumentAIConfig
}

func (d *documentAIOCR) Extract(ctx context.Context, raw []byte) (string, error) {
	client, err := documentai.NewDocumentProcessorClient(ctx)
	if err != nil {
		return "", kberr.Wrap(kberr.ProviderUnavailable, err, "connect to document ai")
	}
	defer client.Close()

	processor := d.cfg.OCRProcessor
	if processor == "" {
		processor = d.cfg.ProcessorID
	}
	name := fmt.Sprintf("projects/%s/locations/%s/processors/%s", d.cfg.ProjectID, d.cfg.Location, processor)
	resp, err := client.ProcessDocument(ctx, &documentaipb.ProcessRequest{
		Name: name,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  raw,
				MimeType: "application/pdf",
			},
		},
	})
	if err != nil {
		return "", kberr.Wrap(kberr.ProviderUnavailable, err, "document ai ocr failed")
	}
	return resp.GetDocument().GetText(), nil
}
