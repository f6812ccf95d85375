// Package search implements the hybrid searcher (C9): vector (cosine)
// and keyword (BM25-like) candidate retrieval over graphstore.Store,
// fused by reciprocal-rank fusion.
//
// Grounded on graphstore.Store's tenant-scoped ListNodes/SearchEmbeddings
// contract — the tenant boundary is enforced the same way graphstore
// itself enforces it, by filtering on Scope before any ranking runs.
package search

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/nucleus-metadata/ingestiond/apperr"
	"github.com/nucleus-metadata/ingestiond/graphstore"
)

// rrfK is the reciprocal-rank-fusion rank-smoothing constant. 60 is the
// value used in the original RRF paper and widely reused since.
const rrfK = 60.0

// DefaultVectorWeight and DefaultKeywordWeight are applied when a
// caller's Input leaves both weights zero, spec.md §4.5.
const (
	DefaultVectorWeight  = 0.5
	DefaultKeywordWeight = 0.5
)

// Input is one hybrid search request.
type Input struct {
	TenantID      string
	ProjectID     string
	ProfileIDs    []string
	EntityKinds   []string
	Query          string
	Embedding      []float32
	EmbeddingModel string
	TopK           int
	MinScore      float64
	VectorWeight  float64
	KeywordWeight float64
}

// Result is one fused hit.
type Result struct {
	EntityID string
	Score    float64
	Node     *graphstore.Node
}

// Searcher fuses vector and keyword retrieval over a graphstore.Store.
type Searcher struct {
	graph graphstore.Store
}

func New(graph graphstore.Store) *Searcher {
	return &Searcher{graph: graph}
}

// Search retrieves the tenant-scoped candidate node set, scores it by
// keyword and (if an embedding was supplied) vector similarity, fuses
// both rankings with RRF, and returns at most TopK results scoring at
// or above MinScore.
func (s *Searcher) Search(ctx context.Context, in Input) ([]Result, error) {
	if in.TenantID == "" {
		return nil, apperr.New(apperr.InvalidInput, "tenantId is required")
	}

	vectorWeight, keywordWeight := in.VectorWeight, in.KeywordWeight
	if vectorWeight == 0 && keywordWeight == 0 {
		vectorWeight, keywordWeight = DefaultVectorWeight, DefaultKeywordWeight
	}

	candidates, err := s.graph.ListNodes(ctx, graphstore.NodeFilter{
		Scope:       graphstore.Scope{OrgID: in.TenantID, ProjectID: in.ProjectID},
		EntityTypes: in.EntityKinds,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list candidate nodes")
	}
	candidates = filterByProfile(candidates, in.ProfileIDs)

	keywordRanks := rankByKeyword(candidates, in.Query)

	var vectorRanks map[string]int
	if len(in.Embedding) > 0 {
		matches, err := s.graph.SearchEmbeddings(ctx, in.Embedding, len(candidates), in.EmbeddingModel)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "search embeddings")
		}
		vectorRanks = rankEmbeddingMatches(matches, candidates)
	}

	byID := make(map[string]*graphstore.Node, len(candidates))
	for _, n := range candidates {
		byID[n.ID] = n
	}

	fused := fuse(byID, keywordRanks, vectorRanks, keywordWeight, vectorWeight)

	out := make([]Result, 0, len(fused))
	for _, r := range fused {
		if r.Score < in.MinScore {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if in.TopK > 0 && len(out) > in.TopK {
		out = out[:in.TopK]
	}
	return out, nil
}

func filterByProfile(nodes []*graphstore.Node, profileIDs []string) []*graphstore.Node {
	if len(profileIDs) == 0 {
		return nodes
	}
	want := make(map[string]bool, len(profileIDs))
	for _, id := range profileIDs {
		want[id] = true
	}
	out := make([]*graphstore.Node, 0, len(nodes))
	for _, n := range nodes {
		if pid, ok := n.Properties["profileId"].(string); ok && want[pid] {
			out = append(out, n)
		}
	}
	return out
}

// rankByKeyword scores every candidate with a BM25-like formula over the
// candidate set's own term statistics (no external corpus index is
// available to the searcher), then returns each entity's 1-based rank
// by descending score; entities with equal scores share a rank. An
// empty query ranks nothing.
func rankByKeyword(nodes []*graphstore.Node, query string) map[string]int {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil
	}

	docs := make(map[string][]string, len(nodes))
	var totalLen float64
	docFreq := make(map[string]int)
	for _, n := range nodes {
		terms := tokenize(documentText(n))
		docs[n.ID] = terms
		totalLen += float64(len(terms))
		seen := make(map[string]bool)
		for _, t := range terms {
			if !seen[t] {
				seen[t] = true
				docFreq[t]++
			}
		}
	}
	if len(nodes) == 0 {
		return nil
	}
	avgDocLen := totalLen / float64(len(nodes))

	type scored struct {
		id    string
		score float64
	}
	scores := make([]scored, 0, len(nodes))
	for _, n := range nodes {
		scores = append(scores, scored{id: n.ID, score: bm25(queryTerms, docs[n.ID], avgDocLen, docFreq, len(nodes))})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	ranks := make(map[string]int, len(scores))
	rank := 0
	prevScore := math.Inf(1)
	for i, s := range scores {
		if s.score <= 0 {
			continue
		}
		if s.score != prevScore {
			rank = i + 1
			prevScore = s.score
		}
		ranks[s.id] = rank
	}
	return ranks
}

func documentText(n *graphstore.Node) string {
	var b strings.Builder
	b.WriteString(n.DisplayName)
	b.WriteString(" ")
	b.WriteString(n.CanonicalPath)
	for _, v := range n.Properties {
		if s, ok := v.(string); ok {
			b.WriteString(" ")
			b.WriteString(s)
		}
	}
	return b.String()
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// bm25 scores one document against queryTerms, k1=1.2, b=0.75 — the
// standard parameter choice.
func bm25(queryTerms, docTerms []string, avgDocLen float64, docFreq map[string]int, totalDocs int) float64 {
	const k1 = 1.2
	const b = 0.75

	termFreq := make(map[string]int, len(docTerms))
	for _, t := range docTerms {
		termFreq[t]++
	}
	docLen := float64(len(docTerms))

	var score float64
	for _, qt := range queryTerms {
		tf := float64(termFreq[qt])
		if tf == 0 {
			continue
		}
		df := docFreq[qt]
		idf := math.Log(1 + (float64(totalDocs)-float64(df)+0.5)/(float64(df)+0.5))
		denom := tf + k1*(1-b+b*docLen/avgDocLen)
		score += idf * (tf * (k1 + 1)) / denom
	}
	return score
}

// rankEmbeddingMatches keeps only matches whose entity is present in
// the tenant-scoped candidate set, preserving the store's own ordering
// (already descending by cosine score), and returns 1-based ranks.
func rankEmbeddingMatches(matches []graphstore.EmbeddingMatch, candidates []*graphstore.Node) map[string]int {
	inScope := make(map[string]bool, len(candidates))
	for _, n := range candidates {
		inScope[n.ID] = true
	}
	ranks := make(map[string]int)
	rank := 0
	for _, m := range matches {
		if !inScope[m.EntityID] {
			continue
		}
		rank++
		ranks[m.EntityID] = rank
	}
	return ranks
}

// fuse combines keyword and vector rankings with reciprocal-rank
// fusion: score(e) = keywordWeight/(k+rank_k) + vectorWeight/(k+rank_v),
// 0 contribution for a ranking an entity does not appear in.
func fuse(byID map[string]*graphstore.Node, keywordRanks, vectorRanks map[string]int, keywordWeight, vectorWeight float64) []Result {
	entities := make(map[string]bool)
	for id := range keywordRanks {
		entities[id] = true
	}
	for id := range vectorRanks {
		entities[id] = true
	}

	out := make([]Result, 0, len(entities))
	for id := range entities {
		var score float64
		if rank, ok := keywordRanks[id]; ok {
			score += keywordWeight / (rrfK + float64(rank))
		}
		if rank, ok := vectorRanks[id]; ok {
			score += vectorWeight / (rrfK + float64(rank))
		}
		out = append(out, Result{EntityID: id, Score: score, Node: byID[id]})
	}
	return out
}
