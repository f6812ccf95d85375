package ragcontext

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-metadata/ingestiond/graphexpand"
	"github.com/nucleus-metadata/ingestiond/graphstore"
	"github.com/nucleus-metadata/ingestiond/search"
)

type fakeSearcher struct {
	results []search.Result
	err     error
	calls   int
}

func (f *fakeSearcher) Search(ctx context.Context, in search.Input) ([]search.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type fakeExpander struct {
	result *graphexpand.Result
	err    error
}

func (f *fakeExpander) Expand(ctx context.Context, in graphexpand.Input) (*graphexpand.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeCommunities struct {
	communities []Community
	err         error
}

func (f *fakeCommunities) GetCommunities(ctx context.Context, tenantID string, nodeIDs []string, max int) ([]Community, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.communities, nil
}

func TestBuildAppliesDefaultsToNonPositiveFields(t *testing.T) {
	cfg := applyDefaults(Config{})
	assert.Equal(t, DefaultContextBuilderConfig.TopK, cfg.TopK)
	assert.Equal(t, DefaultContextBuilderConfig.MaxHops, cfg.MaxHops)
	assert.False(t, cfg.IncludeCommunities)
	assert.False(t, cfg.IncludeContent)
}

func TestBuildDoesNotDefaultBooleans(t *testing.T) {
	cfg := applyDefaults(Config{IncludeCommunities: true})
	assert.True(t, cfg.IncludeCommunities)
	assert.False(t, cfg.IncludeContent)
}

func TestBuildSeedSearchFailureContinuesWithEmptySeeds(t *testing.T) {
	searcher := &fakeSearcher{err: errors.New("search unavailable")}
	builder := New(searcher, nil, nil, 10)

	result, err := builder.Build(context.Background(), Request{TenantID: "tenant-a", Query: "alpha"})
	require.NoError(t, err)
	assert.Empty(t, result.Seeds)
}

func TestBuildExpansionFailureContinuesWithoutExpansion(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{{EntityID: "n1"}}}
	expander := &fakeExpander{err: errors.New("expander unavailable")}
	builder := New(searcher, expander, nil, 10)

	result, err := builder.Build(context.Background(), Request{TenantID: "tenant-a", Query: "alpha"})
	require.NoError(t, err)
	assert.Empty(t, result.Nodes)
}

func TestBuildSkipsCommunitiesWhenNotRequested(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{{EntityID: "n1"}}}
	communities := &fakeCommunities{communities: []Community{{ID: "c1"}}}
	builder := New(searcher, nil, communities, 10)

	result, err := builder.Build(context.Background(), Request{TenantID: "tenant-a", Query: "alpha"})
	require.NoError(t, err)
	assert.Empty(t, result.Communities)
}

func TestBuildIncludesCommunitiesWhenRequested(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{{EntityID: "n1"}}}
	communities := &fakeCommunities{communities: []Community{{ID: "c1"}}}
	builder := New(searcher, nil, communities, 10)

	result, err := builder.Build(context.Background(), Request{
		TenantID: "tenant-a", Query: "alpha", Config: Config{IncludeCommunities: true},
	})
	require.NoError(t, err)
	require.Len(t, result.Communities, 1)
	assert.Equal(t, "c1", result.Communities[0].ID)
}

func TestBuildTruncatesContentOnlyWhenRequested(t *testing.T) {
	node := &graphstore.Node{ID: "n1", Properties: map[string]any{"content": "0123456789"}}
	searcher := &fakeSearcher{results: []search.Result{{EntityID: "n1"}}}
	expander := &fakeExpander{result: &graphexpand.Result{Nodes: []*graphstore.Node{node}}}
	builder := New(searcher, expander, nil, 10)

	result, err := builder.Build(context.Background(), Request{
		TenantID: "tenant-a", Query: "alpha",
		Config: Config{MaxContentLength: 4, IncludeContent: true},
	})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "0123", result.Content[0].Text)
}

func TestBuildCacheHitSkipsSecondSearch(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{{EntityID: "n1"}}}
	builder := New(searcher, nil, nil, 10)

	_, err := builder.Build(context.Background(), Request{TenantID: "tenant-a", Query: "alpha"})
	require.NoError(t, err)
	_, err = builder.Build(context.Background(), Request{TenantID: "tenant-a", Query: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, 1, searcher.calls)
}

func TestResultCacheUpdateDoesNotRotateEvictionOrder(t *testing.T) {
	cache := newResultCache(2)
	cache.put("a", &Context{TenantID: "a"})
	cache.put("b", &Context{TenantID: "b"})
	cache.put("a", &Context{TenantID: "a-updated"}) // update, not a new insertion
	cache.put("c", &Context{TenantID: "c"})          // pushes past capacity

	// "a" was inserted first and its update did not refresh that position,
	// so it is still the one evicted once a third key arrives.
	_, aPresent := cache.get("a")
	_, bPresent := cache.get("b")
	_, cPresent := cache.get("c")
	assert.False(t, aPresent)
	assert.True(t, bPresent)
	assert.True(t, cPresent)
}

func TestCacheKeyIgnoresEdgeTypeOrder(t *testing.T) {
	cfg1 := applyDefaults(Config{EdgeTypes: []string{"a", "b"}})
	cfg2 := applyDefaults(Config{EdgeTypes: []string{"b", "a"}})
	assert.Equal(t, cacheKey("tenant-a", "q", cfg1), cacheKey("tenant-a", "q", cfg2))
}

func TestBuildRejectsMissingTenantOrQuery(t *testing.T) {
	builder := New(&fakeSearcher{}, nil, nil, 10)
	_, err := builder.Build(context.Background(), Request{Query: "alpha"})
	require.Error(t, err)
	_, err = builder.Build(context.Background(), Request{TenantID: "tenant-a"})
	require.Error(t, err)
}
