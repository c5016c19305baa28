// Package diagnostics implements the connectivity-diagnostics/probe
// endpoint: one pass over every configured provider and store's
// reachability check, modeled on the teacher's S3Store.Ping/
// embedding.CheckReachability pattern generalized across every C1 adapter
// plus the metadata DB, object store, and vector store.
package diagnostics

import (
	"context"

	"ragkb/internal/cache"
	"ragkb/internal/objectstore"
	"ragkb/internal/provider/chatllm"
	"ragkb/internal/provider/embedder"
	"ragkb/internal/provider/reranker"
	"ragkb/internal/repository"
	"ragkb/internal/vectorstore"
)

// ProviderStatus is one component's reachability result.
type ProviderStatus struct {
	Name   string
	OK     bool
	Error  string `json:",omitempty"`
	Cached bool
}

// Service runs the probe pass over every wired dependency.
type Service struct {
	repo    repository.Repository
	objects objectstore.ObjectStore
	vectors vectorstore.VectorStore
	embed   embedder.Embedder
	chat    chatllm.ChatLLM
	rerank  reranker.Reranker
	cache   *cache.Redis
}

// New constructs a diagnostics Service. cache may be nil, in which case
// every Check call re-probes every dependency.
func New(repo repository.Repository, objects objectstore.ObjectStore, vectors vectorstore.VectorStore, embed embedder.Embedder, chat chatllm.ChatLLM, rerank reranker.Reranker, redisCache *cache.Redis) *Service {
	return &Service{repo: repo, objects: objects, vectors: vectors, embed: embed, chat: chat, rerank: rerank, cache: redisCache}
}

// Check probes every dependency and returns one ProviderStatus each, in a
// fixed order so callers can rely on position as well as Name.
func (s *Service) Check(ctx context.Context) []ProviderStatus {
	checks := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"metadata_db", s.repo.Ping},
		{"object_store", s.objects.Ping},
		{"vector_store", s.vectors.Ping},
		{"embedder", s.embed.Probe},
		{"chat_llm", s.chat.Probe},
		{"reranker", s.rerank.Probe},
	}

	out := make([]ProviderStatus, len(checks))
	for i, c := range checks {
		out[i] = s.probe(ctx, c.name, c.fn)
	}
	return out
}

// probe consults the cache before calling through, so a request storm
// against a down provider doesn't also storm the provider itself.
func (s *Service) probe(ctx context.Context, name string, fn func(context.Context) error) ProviderStatus {
	key := "probe:" + name
	if ok, found := s.cache.GetBool(ctx, key); found {
		return ProviderStatus{Name: name, OK: ok, Cached: true}
	}

	err := fn(ctx)
	status := ProviderStatus{Name: name, OK: err == nil}
	if err != nil {
		status.Error = err.Error()
	}
	s.cache.SetBool(ctx, key, status.OK)
	return status
}
