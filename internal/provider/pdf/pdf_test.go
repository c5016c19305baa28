package pdf

import (
	"testing"

	"ragkb/internal/config"
)

func TestNew_SelectsVariant(t *testing.T) {
	layout := New(config.PdfConfig{Variant: "layout-aware-engine"})
	if _, ok := layout.(*layoutAware); !ok {
		t.Errorf("New(layout-aware-engine) = %T, want *layoutAware", layout)
	}

	plain := New(config.PdfConfig{Variant: "plain-text-extractor"})
	if _, ok := plain.(plainText); !ok {
		t.Errorf("New(plain-text-extractor) = %T, want plainText", plain)
	}

	fallback := New(config.PdfConfig{})
	if _, ok := fallback.(plainText); !ok {
		t.Errorf("New(\"\") = %T, want plainText fallback", fallback)
	}
}
