// Package ragcontext implements the context builder (C11): it runs the
// hybrid searcher, the graph expander, and a community provider as
// three independently-skippable phases and assembles their output into
// one Context, with a bounded, insertion-order-eviction cache keyed on
// the tenant, the query, and every Config field. The request's Embedding
// and EmbeddingModel are not part of the key.
//
// Grounded on ingest.Engine's own "each phase that can fail is allowed
// to fail without failing the whole operation" shape (a batch write
// failure aborts a run, but a phase here only empties its own slice),
// generalized from a fail-stop pipeline to a best-effort one per
// spec.md §4.6.
package ragcontext

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nucleus-metadata/ingestiond/apperr"
	"github.com/nucleus-metadata/ingestiond/graphexpand"
	"github.com/nucleus-metadata/ingestiond/graphstore"
	"github.com/nucleus-metadata/ingestiond/logging"
	"github.com/nucleus-metadata/ingestiond/search"
)

var log = logging.Component("ragcontext")

// DefaultContextBuilderConfig is applied field-by-field to any
// zero/negative numeric Config field, spec.md §4.6. Booleans are never
// defaulted — a caller wanting communities or content must ask for them.
var DefaultContextBuilderConfig = Config{
	TopK:             10,
	ScoreThreshold:   0.5,
	MaxHops:          3,
	MaxNodesPerHop:   20,
	MaxTotalNodes:    100,
	MaxCommunities:   5,
	MaxContentLength: 500,
}

// Config controls one Build call.
type Config struct {
	TopK                int
	ScoreThreshold      float64
	MaxHops             int
	MaxNodesPerHop      int
	MaxTotalNodes       int
	MaxCommunities      int
	MaxContentLength    int
	EdgeTypes           []string
	IncludeCommunities  bool
	IncludeContent      bool
}

func applyDefaults(cfg Config) Config {
	d := DefaultContextBuilderConfig
	if cfg.TopK <= 0 {
		cfg.TopK = d.TopK
	}
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = d.ScoreThreshold
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = d.MaxHops
	}
	if cfg.MaxNodesPerHop <= 0 {
		cfg.MaxNodesPerHop = d.MaxNodesPerHop
	}
	if cfg.MaxTotalNodes <= 0 {
		cfg.MaxTotalNodes = d.MaxTotalNodes
	}
	if cfg.MaxCommunities <= 0 {
		cfg.MaxCommunities = d.MaxCommunities
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = d.MaxContentLength
	}
	return cfg
}

// Community is one cluster of related nodes, as returned by a
// CommunityProvider (e.g. GraphRAG's GetEntityCommunities).
type Community struct {
	ID      string
	Label   string
	NodeIDs []string
	Summary string
}

// SeedSearcher is the hybrid searcher contract the build's seed phase
// calls through.
type SeedSearcher interface {
	Search(ctx context.Context, in search.Input) ([]search.Result, error)
}

// Expander is the graph expander contract the build's expansion phase
// calls through.
type Expander interface {
	Expand(ctx context.Context, in graphexpand.Input) (*graphexpand.Result, error)
}

// CommunityProvider is the build's community phase contract.
type CommunityProvider interface {
	GetCommunities(ctx context.Context, tenantID string, nodeIDs []string, maxCommunities int) ([]Community, error)
}

// Snippet is one piece of truncated node content, only populated when
// Config.IncludeContent is set.
type Snippet struct {
	NodeID string
	Text   string
}

// Request is one Build call's input.
type Request struct {
	TenantID       string
	Query          string
	Embedding      []float32
	EmbeddingModel string
	Config         Config
}

// Context is the assembled retrieval context.
type Context struct {
	TenantID    string
	Seeds       []search.Result
	Nodes       []*graphstore.Node
	Edges       []*graphstore.Edge
	Communities []Community
	Content     []Snippet
}

// Builder assembles a Context from a searcher, an expander, and a
// community provider — any of which may be nil to skip that phase
// outright.
type Builder struct {
	searcher    SeedSearcher
	expander    Expander
	communities CommunityProvider
	cache       *resultCache
}

// New builds a Builder with a cache bounded to cacheCapacity entries
// (0 disables caching).
func New(searcher SeedSearcher, expander Expander, communities CommunityProvider, cacheCapacity int) *Builder {
	return &Builder{
		searcher:    searcher,
		expander:    expander,
		communities: communities,
		cache:       newResultCache(cacheCapacity),
	}
}

// Build runs the seed, expansion, and community phases in order, each
// independently skippable on error, and returns the assembled context.
// Defaults are applied to Config before the cache key is constructed so
// equivalent requests (one explicit, one implicit) share a cache entry.
func (b *Builder) Build(ctx context.Context, req Request) (*Context, error) {
	if req.TenantID == "" {
		return nil, apperr.New(apperr.InvalidInput, "tenantId is required")
	}
	if req.Query == "" {
		return nil, apperr.New(apperr.InvalidInput, "query is required")
	}

	cfg := applyDefaults(req.Config)
	key := cacheKey(req.TenantID, req.Query, cfg)
	if cached, ok := b.cache.get(key); ok {
		return cached, nil
	}

	result := &Context{TenantID: req.TenantID}

	var seedResults []search.Result
	if b.searcher != nil {
		var err error
		seedResults, err = b.searcher.Search(ctx, search.Input{
			TenantID:       req.TenantID,
			Query:          req.Query,
			Embedding:      req.Embedding,
			EmbeddingModel: req.EmbeddingModel,
			TopK:           cfg.TopK,
			MinScore:       cfg.ScoreThreshold,
		})
		if err != nil {
			log.WithError(err).Warn("context builder: seed search failed, continuing with empty seeds")
			seedResults = nil
		}
	}
	result.Seeds = seedResults

	seedIDs := make([]string, 0, len(seedResults))
	for _, r := range seedResults {
		seedIDs = append(seedIDs, r.EntityID)
	}

	var expandResult *graphexpand.Result
	if len(seedIDs) > 0 && b.expander != nil {
		var err error
		expandResult, err = b.expander.Expand(ctx, graphexpand.Input{
			TenantID:       req.TenantID,
			Scope:          graphstore.Scope{OrgID: req.TenantID},
			Seeds:          seedIDs,
			EdgeTypes:      cfg.EdgeTypes,
			Direction:      graphstore.DirectionBoth,
			MaxHops:        cfg.MaxHops,
			MaxNodesPerHop: cfg.MaxNodesPerHop,
			MaxTotalNodes:  cfg.MaxTotalNodes,
		})
		if err != nil {
			log.WithError(err).Warn("context builder: expansion failed, continuing without it")
			expandResult = nil
		}
	}
	if expandResult != nil {
		result.Nodes = expandResult.Nodes
		result.Edges = expandResult.Edges
	}

	if cfg.IncludeCommunities && b.communities != nil {
		coverage := make([]string, 0, len(seedIDs)+len(result.Nodes))
		coverage = append(coverage, seedIDs...)
		for _, n := range result.Nodes {
			coverage = append(coverage, n.ID)
		}
		communities, err := b.communities.GetCommunities(ctx, req.TenantID, coverage, cfg.MaxCommunities)
		if err != nil {
			log.WithError(err).Warn("context builder: community lookup failed, continuing without communities")
		} else {
			result.Communities = communities
		}
	}

	if cfg.IncludeContent {
		result.Content = buildSnippets(result.Nodes, cfg.MaxContentLength)
	}

	b.cache.put(key, result)
	return result, nil
}

func buildSnippets(nodes []*graphstore.Node, maxLen int) []Snippet {
	out := make([]Snippet, 0, len(nodes))
	for _, n := range nodes {
		text, ok := n.Properties["content"].(string)
		if !ok || text == "" {
			continue
		}
		out = append(out, Snippet{NodeID: n.ID, Text: truncate(text, maxLen)})
	}
	return out
}

func truncate(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen])
}

func cacheKey(tenantID, query string, cfg Config) string {
	edgeTypes := append([]string(nil), cfg.EdgeTypes...)
	sort.Strings(edgeTypes)
	return fmt.Sprintf("%s|%s|%d|%.4f|%d|%d|%d|%s|%t|%d|%t|%d",
		tenantID, query, cfg.TopK, cfg.ScoreThreshold, cfg.MaxHops, cfg.MaxNodesPerHop,
		cfg.MaxTotalNodes, strings.Join(edgeTypes, ","), cfg.IncludeCommunities,
		cfg.MaxCommunities, cfg.IncludeContent, cfg.MaxContentLength)
}

// resultCache is a bounded cache with insertion-order eviction: a
// second Put for an existing key replaces its value without moving it
// in the eviction order, so only genuinely new keys ever evict the
// oldest entry.
type resultCache struct {
	mu       sync.Mutex
	capacity int
	order    []string
	entries  map[string]*Context
}

func newResultCache(capacity int) *resultCache {
	return &resultCache{capacity: capacity, entries: make(map[string]*Context)}
}

func (c *resultCache) get(key string) (*Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *resultCache) put(key string, value *Context) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		c.entries[key] = value
		return
	}
	c.entries[key] = value
	c.order = append(c.order, key)
	if len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}
