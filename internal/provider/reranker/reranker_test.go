package reranker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragkb/internal/config"
	"ragkb/internal/kberr"
)

func TestNoop_ReturnsIdentityOrderWithFullScores(t *testing.T) {
	r := New("none", config.RerankerConfig{})
	order, scores, err := r.Rerank(context.Background(), "q", []Candidate{{Text: "a"}, {Text: "b"}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, order)
	assert.Equal(t, []float64{1, 1}, scores)
	assert.NoError(t, r.Probe(context.Background()))
}

func TestHTTPReranker_SortsByRelevanceScoreDescending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var reqBody rerankRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&reqBody))
		assert.Equal(t, []string{"alpha", "beta", "gamma"}, reqBody.Documents)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rerankResponse{Results: []rerankResult{
			{Index: 1, RelevanceScore: 0.2},
			{Index: 0, RelevanceScore: 0.9},
			{Index: 2, RelevanceScore: 0.5},
		}})
	}))
	defer srv.Close()

	r := New("openai-compatible-http", config.RerankerConfig{Host: srv.URL, Model: "rerank-1"})
	order, scores, err := r.Rerank(context.Background(), "q", []Candidate{{Text: "alpha"}, {Text: "beta"}, {Text: "gamma"}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 1}, order)
	assert.Equal(t, []float64{0.9, 0.5, 0.2}, scores)
}

func TestHTTPReranker_EmptyCandidatesShortCircuits(t *testing.T) {
	r := New("openai-compatible-http", config.RerankerConfig{Host: "http://unreachable.invalid"})
	order, scores, err := r.Rerank(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Nil(t, order)
	assert.Nil(t, scores)
}

func TestHTTPReranker_TooManyRequestsReturnsProviderBusy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r := New("openai-compatible-http", config.RerankerConfig{Host: srv.URL})
	_, _, err := r.Rerank(context.Background(), "q", []Candidate{{Text: "a"}})
	require.Error(t, err)
	assert.Equal(t, kberr.ProviderBusy, kberr.KindOf(err))
}

func TestHTTPReranker_ServerErrorReturnsProviderBadResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	r := New("openai-compatible-http", config.RerankerConfig{Host: srv.URL})
	_, _, err := r.Rerank(context.Background(), "q", []Candidate{{Text: "a"}})
	require.Error(t, err)
	assert.Equal(t, kberr.ProviderBadResponse, kberr.KindOf(err))
}

func TestHTTPReranker_RateLimitExhaustedReturnsProviderBusy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(rerankResponse{Results: []rerankResult{{Index: 0, RelevanceScore: 1}}})
	}))
	defer srv.Close()

	r := New("openai-compatible-http", config.RerankerConfig{
		Host:      srv.URL,
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1},
	})

	_, _, err := r.Rerank(context.Background(), "q", []Candidate{{Text: "a"}})
	require.NoError(t, err)

	_, _, err = r.Rerank(context.Background(), "q", []Candidate{{Text: "a"}})
	require.Error(t, err)
	assert.Equal(t, kberr.ProviderBusy, kberr.KindOf(err))
}

func TestHTTPReranker_Probe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(rerankResponse{Results: []rerankResult{{Index: 0, RelevanceScore: 1}}})
	}))
	defer srv.Close()

	r := New("openai-compatible-http", config.RerankerConfig{Host: srv.URL})
	assert.NoError(t, r.Probe(context.Background()))
}
