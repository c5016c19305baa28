// Package retrieval implements the C7 retrieval service: indexing chunks
// into the vector store on approval, and answering queries by embedding,
// partition-scoped search, optional rerank, and grounded generation.
package retrieval

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"ragkb/internal/config"
	"ragkb/internal/domain"
	"ragkb/internal/kberr"
	"ragkb/internal/metrics"
	"ragkb/internal/provider/chatllm"
	"ragkb/internal/provider/embedder"
	"ragkb/internal/provider/reranker"
	"ragkb/internal/repository"
	"ragkb/internal/vectorstore"
)

// hydrateChunkPageSize is large enough to fetch a document's full chunk set
// in one call when resolving vector-search hits back to their content.
const hydrateChunkPageSize = 100000

// degradedAnswerPrefix marks an answer synthesized without the chat
// provider, per the fallback contract on PROVIDER_UNAVAILABLE.
const degradedAnswerPrefix = "[answer service unavailable] "

// Source is one retrieved chunk, annotated with its similarity score.
type Source struct {
	DocumentID int64
	ChunkIndex int
	Content    string
	Score      float64
}

// Answer is the result of a query: a generated answer grounded in Sources,
// or a degraded fallback when the chat provider could not be reached.
type Answer struct {
	Answer     string
	Sources    []Source
	Confidence float64
	Degraded   bool
}

// QueryOptions carries the caller's per-query overrides. A nil TopK or
// Temperature means "use the tenant's configured default"; TopK=0 is an
// explicit, invalid request, distinct from "not provided".
type QueryOptions struct {
	TopK        *int
	Temperature *float64
	Rerank      *bool
	// Scope narrows an administrator's cross-tenant query: "", "self",
	// "user:<id>", or "all". Ignored for non-admin tenants.
	Scope string
}

// Service wires the providers and stores the query and indexing paths need.
type Service struct {
	repo     repository.Repository
	vstore   vectorstore.VectorStore
	embed    embedder.Embedder
	rerank   reranker.Reranker
	chat     chatllm.ChatLLM
	metrics  metrics.Metrics
	defaults config.RetrievalDefaults
}

// New constructs a retrieval Service.
func New(repo repository.Repository, vstore vectorstore.VectorStore, embed embedder.Embedder, rerank reranker.Reranker, chat chatllm.ChatLLM, m metrics.Metrics, defaults config.RetrievalDefaults) *Service {
	return &Service{repo: repo, vstore: vstore, embed: embed, rerank: rerank, chat: chat, metrics: m, defaults: defaults}
}

// IndexDocument implements lifecycle.Indexer: load the document's included
// chunks, embed them, and upsert vectors keyed by (document_id, chunk_index)
// so repeated indexing is idempotent.
func (s *Service) IndexDocument(ctx context.Context, documentID int64) error {
	doc, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	chunks, err := s.repo.IncludedChunks(ctx, documentID)
	if err != nil {
		return err
	}
	owner := strconv.FormatInt(doc.OwnerID, 10)
	if err := s.vstore.EnsurePartition(ctx, owner); err != nil {
		return kberr.Wrap(kberr.VectorError, err, "ensure partition")
	}

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Content
		}
		vectors, err := s.embed.EmbedBatch(ctx, texts)
		if err != nil {
			return kberr.Wrap(kberr.ProviderUnavailable, err, "embed chunks for indexing")
		}
		if len(vectors) != len(chunks) {
			return kberr.Newf(kberr.ProviderBadResponse, "embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
		}
		points := make([]vectorstore.Point, len(chunks))
		for i, c := range chunks {
			if len(vectors[i]) != s.embed.Dimension() {
				return kberr.Newf(kberr.DimensionMismatch, "embedder %q returned vector of length %d, want %d", s.embed.Name(), len(vectors[i]), s.embed.Dimension())
			}
			points[i] = vectorstore.Point{DocumentID: strconv.FormatInt(documentID, 10), ChunkIndex: c.ChunkIndex, Vector: vectors[i]}
		}
		if err := s.vstore.Upsert(ctx, owner, points); err != nil {
			return kberr.Wrap(kberr.VectorError, err, "upsert document vectors")
		}
	}

	now := time.Now().UTC()
	doc.IndexedAt = &now
	if err := s.repo.UpdateDocument(ctx, doc); err != nil {
		return err
	}
	s.metrics.IncCounter("documents_indexed_total", map[string]string{"owner_id": owner})
	return nil
}

// Query embeds text, searches the resolved partition scope, optionally
// reranks, and asks the chat provider to answer grounded in the retrieved
// chunks.
func (s *Service) Query(ctx context.Context, tenant domain.Tenant, text string, opts QueryOptions) (Answer, error) {
	if strings.TrimSpace(text) == "" {
		return Answer{}, kberr.New(kberr.Validation, "query text must not be empty")
	}

	settings, err := s.repo.GetTenantSettings(ctx, tenant.ID)
	if err != nil {
		return Answer{}, err
	}

	topK := settings.TopK
	if topK <= 0 {
		topK = s.defaults.TopK
	}
	if opts.TopK != nil {
		if *opts.TopK == 0 {
			return Answer{}, kberr.New(kberr.Validation, "top_k must not be 0")
		}
		topK = *opts.TopK
	}
	topK = clampInt(topK, 1, 50)

	temperature := settings.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	temperature = clampFloat(temperature, 0, 2)

	rerankEnabled := settings.RerankEnabled
	if opts.Rerank != nil {
		rerankEnabled = *opts.Rerank
	}

	owners, err := s.resolveScope(tenant, opts.Scope)
	if err != nil {
		return Answer{}, err
	}

	retrieveK := topK
	if rerankEnabled {
		retrieveK = topK * 4
	}
	if retrieveK > 100 {
		retrieveK = 100
	}

	qvecs, err := s.embed.EmbedBatch(ctx, []string{text})
	if err != nil {
		return Answer{}, kberr.Wrap(kberr.ProviderUnavailable, err, "embed query text")
	}
	if len(qvecs) == 0 {
		return Answer{}, kberr.New(kberr.ProviderBadResponse, "embedder returned no vector for query")
	}

	hits, err := s.vstore.Search(ctx, owners, qvecs[0], retrieveK)
	if err != nil {
		return Answer{}, kberr.Wrap(kberr.VectorError, err, "vector search")
	}

	sources, err := s.hydrate(ctx, hits)
	if err != nil {
		return Answer{}, err
	}

	if rerankEnabled && len(sources) > 0 {
		sources, err = s.applyRerank(ctx, text, sources)
		if err != nil {
			return Answer{}, err
		}
	}
	if len(sources) > topK {
		sources = sources[:topK]
	}

	prompt := assemblePrompt(text, sources)
	answer, err := s.chat.Generate(ctx, prompt, temperature)
	if err != nil {
		if kberr.Is(err, kberr.ProviderUnavailable) {
			log.Warn().Err(err).Int64("tenant_id", tenant.ID).Msg("chat provider unavailable, returning degraded retrieval answer")
			return Answer{
				Answer:     degradedAnswerPrefix + "the language model is temporarily unavailable; the passages below were retrieved for your query.",
				Sources:    sources,
				Confidence: confidenceOf(sources),
				Degraded:   true,
			}, nil
		}
		return Answer{}, err
	}

	s.metrics.IncCounter("queries_total", map[string]string{"owner_id": strconv.FormatInt(tenant.ID, 10)})
	return Answer{Answer: answer, Sources: sources, Confidence: confidenceOf(sources)}, nil
}

// resolveScope determines which owner partitions a query may search. A
// user tenant is always confined to its own partition; an administrator
// may widen to another tenant's partition or to every partition.
func (s *Service) resolveScope(tenant domain.Tenant, scope string) ([]string, error) {
	if !tenant.IsAdmin() {
		return []string{strconv.FormatInt(tenant.ID, 10)}, nil
	}
	switch {
	case scope == "" || scope == "self":
		return []string{strconv.FormatInt(tenant.ID, 10)}, nil
	case scope == "all":
		return nil, nil
	case strings.HasPrefix(scope, "user:"):
		uid, err := strconv.ParseInt(strings.TrimPrefix(scope, "user:"), 10, 64)
		if err != nil {
			return nil, kberr.Newf(kberr.Validation, "invalid scope %q", scope)
		}
		return []string{strconv.FormatInt(uid, 10)}, nil
	default:
		return nil, kberr.Newf(kberr.Validation, "unknown scope %q", scope)
	}
}

// hydrate resolves each hit's chunk content, grouping repository lookups by
// document so a multi-chunk hit set costs one ListChunks call per document.
func (s *Service) hydrate(ctx context.Context, hits []vectorstore.Hit) ([]Source, error) {
	content := map[int64]map[int]string{}
	for _, h := range hits {
		docID, err := strconv.ParseInt(h.DocumentID, 10, 64)
		if err != nil {
			continue
		}
		if _, ok := content[docID]; ok {
			continue
		}
		chunks, _, err := s.repo.ListChunks(ctx, docID, 1, hydrateChunkPageSize)
		if err != nil {
			return nil, err
		}
		byIndex := make(map[int]string, len(chunks))
		for _, c := range chunks {
			byIndex[c.ChunkIndex] = c.Content
		}
		content[docID] = byIndex
	}

	sources := make([]Source, 0, len(hits))
	for _, h := range hits {
		docID, err := strconv.ParseInt(h.DocumentID, 10, 64)
		if err != nil {
			continue
		}
		sources = append(sources, Source{
			DocumentID: docID,
			ChunkIndex: h.ChunkIndex,
			Content:    content[docID][h.ChunkIndex],
			Score:      h.Score,
		})
	}
	return sources, nil
}

// applyRerank calls the reranker over each source's content and returns
// sources reordered most-relevant-first. A "none" reranker returns an
// identity permutation, leaving sources unchanged.
func (s *Service) applyRerank(ctx context.Context, query string, sources []Source) ([]Source, error) {
	candidates := make([]reranker.Candidate, len(sources))
	for i, src := range sources {
		candidates[i] = reranker.Candidate{Text: src.Content}
	}
	order, scores, err := s.rerank.Rerank(ctx, query, candidates)
	if err != nil {
		return nil, kberr.Wrap(kberr.ProviderBadResponse, err, "rerank candidates")
	}
	out := make([]Source, 0, len(order))
	for i, idx := range order {
		if idx < 0 || idx >= len(sources) {
			continue
		}
		src := sources[idx]
		if i < len(scores) {
			src.Score = scores[i]
		}
		out = append(out, src)
	}
	return out, nil
}

// assemblePrompt builds a grounded-answering prompt: a system preamble,
// each candidate annotated with its citation key, then the question.
func assemblePrompt(question string, sources []Source) string {
	var b strings.Builder
	b.WriteString("Answer the question using only the passages below. Cite passages inline as [document_id:chunk_index]. If the passages do not contain the answer, say so plainly.\n\n")
	for _, src := range sources {
		b.WriteString("[" + strconv.FormatInt(src.DocumentID, 10) + ":" + strconv.Itoa(src.ChunkIndex) + "]\n")
		b.WriteString(src.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

// confidenceOf is the maximum score among the selected sources, already
// normalized to [0,1] by every VectorStore backend's Search.
func confidenceOf(sources []Source) float64 {
	var max float64
	for _, src := range sources {
		if src.Score > max {
			max = src.Score
		}
	}
	return max
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
