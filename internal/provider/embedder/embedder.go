// Package embedder implements the C1 Embedder provider adapter: hash
// (dependency-free, deterministic) and openai-compatible-http variants
// behind a single interface.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"time"

	"ragkb/internal/config"
	"ragkb/internal/kberr"
	"ragkb/internal/ratelimit"
)

// Embedder converts text into fixed-dimension vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
	Dimension() int
	Probe(ctx context.Context) error
}

// New constructs the Embedder named by cfg.Model's variant discriminator.
// "hash" needs no network and is meant for bring-up/tests; anything else is
// treated as an openai-compatible-http endpoint.
func New(variant string, cfg config.EmbeddingConfig, dim int) Embedder {
	if variant == "hash" {
		return NewHash(dim, true, 0)
	}
	return NewHTTP(cfg, dim)
}

// --- hash variant -----------------------------------------------------

type hashEmbedder struct {
	dim       int
	normalize bool
	seed      uint64
}

// NewHash constructs the deterministic "hash" embedder: text is hashed by
// byte 3-gram into a fixed-size vector via FNV-1a, optionally L2-normalized.
// Poor retrieval quality; intended for dependency-free bring-up and tests.
func NewHash(dim int, normalize bool, seed uint64) Embedder {
	if dim <= 0 {
		dim = 64
	}
	return &hashEmbedder{dim: dim, normalize: normalize, seed: seed}
}

func (h *hashEmbedder) Name() string                        { return "hash" }
func (h *hashEmbedder) Dimension() int                      { return h.dim }
func (h *hashEmbedder) Probe(_ context.Context) error        { return nil }
func (h *hashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = h.embedOne(t)
	}
	return out, nil
}

func (h *hashEmbedder) embedOne(s string) []float32 {
	v := make([]float32, h.dim)
	b := []byte(s)
	if len(b) == 0 {
		return v
	}
	if len(b) < 3 {
		addGram(h.seed, b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			addGram(h.seed, b[i:i+3], v)
		}
	}
	if h.normalize {
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		if sum > 0 {
			inv := float32(1.0 / math.Sqrt(sum))
			for i := range v {
				v[i] *= inv
			}
		}
	}
	return v
}

func addGram(seed uint64, gram []byte, v []float32) {
	h := fnv.New64a()
	if seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}

// --- openai-compatible-http variant ------------------------------------

type httpEmbedder struct {
	cfg     config.EmbeddingConfig
	dim     int
	client  *http.Client
	limiter *ratelimit.Limiter
}

// NewHTTP constructs an embedder that POSTs to cfg.BaseURL+cfg.Path in the
// OpenAI embeddings request/response shape.
func NewHTTP(cfg config.EmbeddingConfig, dim int) Embedder {
	limiter := ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	return &httpEmbedder{cfg: cfg, dim: dim, client: http.DefaultClient, limiter: limiter}
}

func (c *httpEmbedder) Name() string   { return c.cfg.Model }
func (c *httpEmbedder) Dimension() int { return c.dim }

func (c *httpEmbedder) Probe(ctx context.Context) error {
	_, err := c.EmbedBatch(ctx, []string{"ping"})
	if err != nil {
		return kberr.Wrap(kberr.ProviderUnavailable, err, "embedding provider reachability check failed")
	}
	return nil
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *httpEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.limiter.Allow("embedder"); err != nil {
		return nil, err
	}
	body, err := json.Marshal(embedReq{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, kberr.Wrap(kberr.Validation, err, "encode embedding request")
	}
	timeout := time.Duration(c.cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.cfg.BaseURL+c.cfg.Path, bytes.NewReader(body))
	if err != nil {
		return nil, kberr.Wrap(kberr.ProviderUnavailable, err, "build embedding request")
	}
	if c.cfg.APIHeader == "Authorization" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	} else if c.cfg.APIHeader != "" {
		req.Header.Set(c.cfg.APIHeader, c.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, kberr.Wrap(kberr.ProviderUnavailable, err, "call embedding provider")
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, kberr.Wrap(kberr.ProviderUnavailable, err, "read embedding response")
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, kberr.Newf(kberr.ProviderBusy, "embedding provider busy: %s", resp.Status)
	}
	if resp.StatusCode/100 != 2 {
		return nil, kberr.Newf(kberr.ProviderBadResponse, "embedding provider error %s: %s", resp.Status, string(bodyBytes))
	}

	var er embedResp
	if err := json.Unmarshal(bodyBytes, &er); err != nil {
		return nil, kberr.Wrap(kberr.ProviderBadResponse, err, fmt.Sprintf("parse embedding response (input count %d)", len(texts)))
	}
	if len(er.Data) != len(texts) {
		return nil, kberr.Newf(kberr.ProviderBadResponse, "embedding count mismatch: got %d, want %d", len(er.Data), len(texts))
	}
	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}
