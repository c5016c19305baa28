// Package reranker implements the C1 Reranker provider adapter: a "none"
// no-op variant and an openai-compatible-http variant that scores a
// (query, documents) pair via a hosted rerank endpoint.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"ragkb/internal/config"
	"ragkb/internal/kberr"
	"ragkb/internal/ratelimit"
)

// Candidate is one item eligible for reordering.
type Candidate struct {
	Text string
}

// Reranker reorders candidates by relevance to query, most relevant first.
// The returned slice has the same length as candidates; it is a permutation
// (plus attached scores), never a filter.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate) ([]int, []float64, error)
	// Probe reports whether the provider is reachable, for the connectivity
	// diagnostics endpoint.
	Probe(ctx context.Context) error
}

// New constructs the Reranker named by variant ("none" or
// "openai-compatible-http").
func New(variant string, cfg config.RerankerConfig) Reranker {
	if variant == "" || variant == "none" {
		return noop{}
	}
	limiter := ratelimit.New(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	return &httpReranker{cfg: cfg, client: http.DefaultClient, limiter: limiter}
}

type noop struct{}

func (noop) Rerank(_ context.Context, _ string, candidates []Candidate) ([]int, []float64, error) {
	order := make([]int, len(candidates))
	scores := make([]float64, len(candidates))
	for i := range candidates {
		order[i] = i
		scores[i] = 1
	}
	return order, scores, nil
}

func (noop) Probe(_ context.Context) error { return nil }

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	TopN      int      `json:"top_n"`
	Documents []string `json:"documents"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

type httpReranker struct {
	cfg     config.RerankerConfig
	client  *http.Client
	limiter *ratelimit.Limiter
}

func (r *httpReranker) Rerank(ctx context.Context, query string, candidates []Candidate) ([]int, []float64, error) {
	if len(candidates) == 0 {
		return nil, nil, nil
	}
	if err := r.limiter.Allow("reranker"); err != nil {
		return nil, nil, err
	}
	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Text
	}
	reqBody, err := json.Marshal(rerankRequest{Model: r.cfg.Model, Query: query, TopN: len(docs), Documents: docs})
	if err != nil {
		return nil, nil, kberr.Wrap(kberr.Validation, err, "encode rerank request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Host, bytes.NewReader(reqBody))
	if err != nil {
		return nil, nil, kberr.Wrap(kberr.ProviderUnavailable, err, "build rerank request")
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, nil, kberr.Wrap(kberr.ProviderUnavailable, err, "call rerank provider")
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, kberr.Wrap(kberr.ProviderUnavailable, err, "read rerank response")
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, nil, kberr.Newf(kberr.ProviderBusy, "rerank provider busy: %s", resp.Status)
	}
	if resp.StatusCode/100 != 2 {
		return nil, nil, kberr.Newf(kberr.ProviderBadResponse, "rerank provider error %s: %s", resp.Status, string(b))
	}

	var rr rerankResponse
	if err := json.Unmarshal(b, &rr); err != nil {
		return nil, nil, kberr.Wrap(kberr.ProviderBadResponse, err, fmt.Sprintf("parse rerank response: %s", string(b)))
	}

	sort.Slice(rr.Results, func(i, j int) bool {
		return rr.Results[i].RelevanceScore > rr.Results[j].RelevanceScore
	})
	order := make([]int, 0, len(rr.Results))
	scores := make([]float64, 0, len(rr.Results))
	for _, res := range rr.Results {
		if res.Index < 0 || res.Index >= len(candidates) {
			continue
		}
		order = append(order, res.Index)
		scores = append(scores, res.RelevanceScore)
	}
	return order, scores, nil
}

func (r *httpReranker) Probe(ctx context.Context) error {
	if _, _, err := r.Rerank(ctx, "ping", []Candidate{{Text: "ping"}}); err != nil {
		return kberr.Wrap(kberr.ProviderUnavailable, err, "rerank provider reachability check failed")
	}
	return nil
}
