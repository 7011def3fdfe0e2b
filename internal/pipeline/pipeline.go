// Package pipeline answers questions over the indexed corpus: embed the
// query, search the vector index within the caller's scope, hydrate and
// re-validate the hits against the relational store, optionally rerank,
// then generate a grounded answer. Generation failures degrade to a
// retrieval-only answer rather than failing the request — search results
// are useful even when the model is down.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vektis/kbase-go/internal/embedder"
	"github.com/vektis/kbase-go/internal/logging"
	"github.com/vektis/kbase-go/internal/provider"
	"github.com/vektis/kbase-go/internal/rerank"
	"github.com/vektis/kbase-go/internal/store"
	"github.com/vektis/kbase-go/internal/vecindex"
)

// Scope names accepted in a query request.
const (
	// ScopeSelf searches only the caller's own tenant. The default.
	ScopeSelf = "self"
	// ScopeAll searches every tenant. Admin only.
	ScopeAll = "all"
)

// Retrieval and context-assembly tuning.
const (
	// DefaultTopK is the number of context chunks when the request leaves
	// TopK zero.
	DefaultTopK = 5

	// candidateMultiplier over-fetches from the index when a reranker is
	// configured so it has something to reorder.
	candidateMultiplier = 3

	// contextCharBudget bounds the total characters of chunk text in the
	// prompt.
	contextCharBudget = 8000

	// degradedExcerptLen is how much of the best chunk a degraded answer
	// quotes.
	degradedExcerptLen = 400
)

// ErrForbidden is returned when the requested scope exceeds the caller's
// role. The check runs before any index access.
var ErrForbidden = errors.New("pipeline: scope not permitted for this caller")

// ErrEmptyQuery is returned for blank queries.
var ErrEmptyQuery = errors.New("pipeline: query must not be empty")

// ErrRerankUnavailable is returned when a request forces reranking on but no
// reranker is deployed, or names an unsupported rerank provider.
var ErrRerankUnavailable = errors.New("pipeline: rerank not available")

// noResultsAnswer is returned verbatim when retrieval finds nothing; the
// model is not consulted for an empty context.
const noResultsAnswer = "No relevant documents were found in the knowledge base for this question."

// degradedHint prefixes a retrieval-only answer when generation is
// unavailable.
const degradedHint = "The answer model is currently unavailable. The most relevant passage found was:"

// Request is one knowledge-base question.
type Request struct {
	// Query is the user's question.
	Query string

	// Tenant is the caller's own tenant, set by the server from the verified
	// identity headers.
	Tenant string

	// Admin reports whether the caller holds the admin role.
	Admin bool

	// Scope selects the search scope: empty or "self" for the caller's
	// tenant, "all" for every tenant (admin only), or an explicit tenant
	// name (admin only).
	Scope string

	// TopK is the number of context chunks to use. Zero selects DefaultTopK.
	TopK int

	// Provider selects the generation backend for this request. Empty uses
	// the deployment default; unknown tags fail before retrieval.
	Provider string

	// Model overrides the backend's configured model or deployment name.
	Model string

	// Temperature overrides the backend's sampling temperature when > 0.
	Temperature float32

	// Rerank forces reranking on or off. Nil follows the deployment default:
	// rerank whenever a reranker is configured.
	Rerank *bool

	// RerankProvider names the rerank backend. Empty or "xinference" selects
	// the deployed reranker; anything else is rejected.
	RerankProvider string

	// RerankModel overrides the reranker's configured model.
	RerankModel string
}

// Source identifies one chunk that grounded the answer.
type Source struct {
	DocumentID   int64   `json:"document_id"`
	DocumentName string  `json:"document_name"`
	Tenant       string  `json:"tenant"`
	ChunkIndex   int     `json:"chunk_index"`
	Excerpt      string  `json:"excerpt"`
	Score        float64 `json:"score"`
}

// Answer is the pipeline's result.
type Answer struct {
	// Answer is the generated (or degraded/fixed) answer text.
	Answer string `json:"answer"`

	// Confidence is in [0, 1], derived from the best relevance score.
	Confidence float64 `json:"confidence"`

	// Degraded is true when generation failed and the answer is
	// retrieval-only.
	Degraded bool `json:"degraded"`

	// Reranked is true when a reranker ordered the context.
	Reranked bool `json:"reranked"`

	// Sources lists the chunks used as context, best first.
	Sources []Source `json:"sources"`
}

// Pipeline executes queries. The reranker is optional; everything else is
// required.
type Pipeline struct {
	store      *store.Store
	index      vecindex.Index
	embed      embedder.Embedder
	generators provider.Selector
	reranker   rerank.Reranker
	metrics    *queryMetrics
}

type queryMetrics struct {
	// queriesTotal counts finished queries by outcome: "ok", "degraded",
	// "no_results", or "error".
	queriesTotal *prometheus.CounterVec

	// rerankFallbacksTotal counts queries where the reranker failed and
	// vector order was used instead.
	rerankFallbacksTotal prometheus.Counter
}

// New constructs a Pipeline. Pass a nil reranker when none is deployed.
func New(st *store.Store, idx vecindex.Index, emb embedder.Embedder, gens provider.Selector, rr rerank.Reranker, reg prometheus.Registerer) *Pipeline {
	factory := promauto.With(reg)
	return &Pipeline{
		store:      st,
		index:      idx,
		embed:      emb,
		generators: gens,
		reranker:   rr,
		metrics: &queryMetrics{
			queriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: "kbase",
				Subsystem: "query",
				Name:      "requests_total",
				Help:      "Total number of knowledge-base queries, partitioned by outcome.",
			}, []string{"outcome"}),
			rerankFallbacksTotal: factory.NewCounter(prometheus.CounterOpts{
				Namespace: "kbase",
				Subsystem: "query",
				Name:      "rerank_fallbacks_total",
				Help:      "Queries answered with vector order because the reranker failed.",
			}),
		},
	}
}

// candidate is a hydrated hit awaiting ranking.
type candidate struct {
	doc     *store.Document
	chunk   store.Chunk
	score   float64
	content string
}

// Query runs the full pipeline for one request. Request validation — scope
// authorization, the provider tag, the rerank selection — happens before any
// index access so a bad request never costs an embedding call.
func (p *Pipeline) Query(ctx context.Context, req *Request) (*Answer, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}

	tenants, err := resolveScope(req)
	if err != nil {
		return nil, err
	}
	gen, err := p.generators.Generator(ctx, provider.Backend(req.Provider))
	if err != nil {
		return nil, err
	}
	useRerank, err := p.resolveRerank(req)
	if err != nil {
		return nil, err
	}

	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	candidates, err := p.retrieve(ctx, req.Query, tenants, topK, useRerank)
	if err != nil {
		p.metrics.queriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(candidates) == 0 {
		p.metrics.queriesTotal.WithLabelValues("no_results").Inc()
		return &Answer{Answer: noResultsAnswer, Confidence: 0}, nil
	}

	reranked := false
	if useRerank {
		reranked = p.rank(ctx, req.Query, candidates, req.RerankModel)
	}
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	answer := &Answer{
		Confidence: confidence(candidates[0].score),
		Reranked:   reranked,
		Sources:    sources(candidates),
	}

	contextText := buildContext(candidates)
	text, err := gen.Generate(ctx, buildPrompt(req.Query, contextText), &provider.GenOptions{
		Model:       req.Model,
		Temperature: req.Temperature,
	})
	if err != nil {
		if !errors.Is(err, provider.ErrUnavailable) {
			p.metrics.queriesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		logging.FromContext(ctx).Warn("generation unavailable, returning retrieval-only answer",
			slog.String("error", err.Error()))
		answer.Answer = degradedAnswer(candidates[0].content)
		answer.Degraded = true
		p.metrics.queriesTotal.WithLabelValues("degraded").Inc()
		return answer, nil
	}

	answer.Answer = text
	p.metrics.queriesTotal.WithLabelValues("ok").Inc()
	return answer, nil
}

// resolveScope authorizes the requested scope and returns the tenant filter
// for the index search (nil means unrestricted).
func resolveScope(req *Request) ([]string, error) {
	scope := req.Scope
	if scope == "" {
		scope = ScopeSelf
	}

	switch scope {
	case ScopeSelf:
		if req.Tenant == "" {
			return nil, fmt.Errorf("%w: caller has no tenant", ErrForbidden)
		}
		return []string{req.Tenant}, nil
	case ScopeAll:
		if !req.Admin {
			return nil, ErrForbidden
		}
		return nil, nil
	default:
		// Explicit tenant. Admins may search any tenant; others only their own.
		if scope != req.Tenant && !req.Admin {
			return nil, ErrForbidden
		}
		return []string{scope}, nil
	}
}

// resolveRerank decides whether this request reranks. The default follows
// the deployment: rerank whenever a reranker is configured. The request may
// force it off, or force it on — which fails when no reranker exists.
func (p *Pipeline) resolveRerank(req *Request) (bool, error) {
	if req.RerankProvider != "" && req.RerankProvider != rerank.ProviderXinference {
		return false, fmt.Errorf("%w: unknown rerank provider %q", ErrRerankUnavailable, req.RerankProvider)
	}
	want := p.reranker != nil
	if req.Rerank != nil {
		want = *req.Rerank
	}
	if want && p.reranker == nil {
		return false, fmt.Errorf("%w: no reranker is deployed", ErrRerankUnavailable)
	}
	return want, nil
}

// retrieve embeds the query, searches the index, and hydrates the hits
// against the store, dropping anything stale: documents that are gone or no
// longer indexed, and chunks that were deleted or excluded since indexing.
func (p *Pipeline) retrieve(ctx context.Context, query string, tenants []string, topK int, willRerank bool) ([]candidate, error) {
	vecs, err := p.embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("pipeline: embed query: %w", err)
	}

	fetch := topK
	if willRerank {
		fetch = topK * candidateMultiplier
	}
	hits, err := p.index.Search(ctx, tenants, vecs[0], fetch)
	if err != nil {
		return nil, fmt.Errorf("pipeline: search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	// Hydrate per document: one store read per distinct document.
	docIDs := make([]int64, 0, len(hits))
	seen := make(map[int64]bool)
	for _, h := range hits {
		if !seen[h.DocumentID] {
			seen[h.DocumentID] = true
			docIDs = append(docIDs, h.DocumentID)
		}
	}
	docs, err := p.store.DocumentsByFilter(ctx, store.DocumentFilter{IDs: docIDs})
	if err != nil {
		return nil, fmt.Errorf("pipeline: hydrate documents: %w", err)
	}
	docByID := make(map[int64]*store.Document, len(docs))
	chunksByDoc := make(map[int64]map[int]store.Chunk, len(docs))
	for _, d := range docs {
		if d.Status != store.StatusIndexed {
			continue
		}
		docByID[d.ID] = d
		chunks, err := p.store.Chunks(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("pipeline: hydrate chunks: %w", err)
		}
		byIndex := make(map[int]store.Chunk, len(chunks))
		for _, c := range chunks {
			byIndex[c.ChunkIndex] = c
		}
		chunksByDoc[d.ID] = byIndex
	}

	candidates := make([]candidate, 0, len(hits))
	for _, h := range hits {
		doc, ok := docByID[h.DocumentID]
		if !ok {
			continue
		}
		chunk, ok := chunksByDoc[h.DocumentID][h.ChunkIndex]
		if !ok || !chunk.Included {
			continue
		}
		candidates = append(candidates, candidate{
			doc:     doc,
			chunk:   chunk,
			score:   float64(h.Score),
			content: chunk.Content,
		})
	}
	return candidates, nil
}

// rank reorders candidates by cross-encoder relevance, falling back to the
// incoming vector order on any failure. Returns whether reranked order is in
// effect.
func (p *Pipeline) rank(ctx context.Context, query string, candidates []candidate, model string) bool {
	if p.reranker == nil || len(candidates) < 2 {
		return false
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.content
	}
	results, err := p.reranker.Rerank(ctx, query, texts, &rerank.Options{Model: model})
	if err != nil || len(results) == 0 {
		p.metrics.rerankFallbacksTotal.Inc()
		logging.FromContext(ctx).Warn("rerank failed, using vector order",
			slog.Any("error", err))
		return false
	}

	// Rebuild the list: scored candidates first in relevance order, then any
	// the reranker left unscored (servers honoring their own top_n cap)
	// behind them in vector order. Every candidate appears exactly once.
	scored := make([]candidate, 0, len(candidates))
	used := make([]bool, len(candidates))
	for _, r := range results {
		if used[r.Index] {
			continue
		}
		used[r.Index] = true
		c := candidates[r.Index]
		c.score = r.Score
		scored = append(scored, c)
	}
	// Results arrive sorted desc; keep the invariant explicit.
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	for i, c := range candidates {
		if !used[i] {
			scored = append(scored, c)
		}
	}
	copy(candidates, scored)
	return true
}

// confidence maps the best relevance score, which cross-encoders and cosine
// similarity both emit in roughly [-1, 1], onto [0, 1].
func confidence(best float64) float64 {
	c := (best + 1) / 2
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// buildContext concatenates candidate chunks, each tagged with its document
// and chunk identity, under the character budget.
func buildContext(candidates []candidate) string {
	var b strings.Builder
	for _, c := range candidates {
		block := fmt.Sprintf("[%d:%d] %s\n\n", c.doc.ID, c.chunk.ChunkIndex, c.content)
		if b.Len()+len(block) > contextCharBudget && b.Len() > 0 {
			break
		}
		b.WriteString(block)
	}
	return strings.TrimSpace(b.String())
}

// buildPrompt assembles the grounded-answer prompt.
func buildPrompt(query, contextText string) string {
	return "Answer the question using only the context below. " +
		"Each context block is tagged [document:chunk]; cite the tags you rely on. " +
		"If the context does not contain the answer, say so.\n\n" +
		"Context:\n" + contextText + "\n\n" +
		"Question: " + query
}

// truncateRunes caps s at n characters. Cutting at rune boundaries keeps
// excerpts of multi-byte text valid UTF-8.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// degradedAnswer quotes the best passage when generation is unavailable.
func degradedAnswer(best string) string {
	return degradedHint + "\n\n" + truncateRunes(best, degradedExcerptLen)
}

// sources converts candidates to answer sources with a short excerpt each.
func sources(candidates []candidate) []Source {
	out := make([]Source, len(candidates))
	for i, c := range candidates {
		excerpt := truncateRunes(c.content, 200)
		out[i] = Source{
			DocumentID:   c.doc.ID,
			DocumentName: c.doc.Name,
			Tenant:       c.doc.Tenant,
			ChunkIndex:   c.chunk.ChunkIndex,
			Excerpt:      excerpt,
			Score:        c.score,
		}
	}
	return out
}
