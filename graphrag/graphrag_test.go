package graphrag

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-metadata/ingestiond/apperr"
	"github.com/nucleus-metadata/ingestiond/graphexpand"
	"github.com/nucleus-metadata/ingestiond/graphstore"
	"github.com/nucleus-metadata/ingestiond/llm"
	"github.com/nucleus-metadata/ingestiond/ragcontext"
	"github.com/nucleus-metadata/ingestiond/search"
)

type fakeContextBuilder struct {
	result *ragcontext.Context
	err    error
}

func (f *fakeContextBuilder) Build(ctx context.Context, req ragcontext.Request) (*ragcontext.Context, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeExpander struct {
	result  *graphexpand.Result
	lastIn  graphexpand.Input
	err     error
}

func (f *fakeExpander) Expand(ctx context.Context, in graphexpand.Input) (*graphexpand.Result, error) {
	f.lastIn = in
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeCommunities struct {
	communities []ragcontext.Community
	err         error
}

func (f *fakeCommunities) GetCommunities(ctx context.Context, tenantID string, nodeIDs []string, max int) ([]ragcontext.Community, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.communities, nil
}

type fakeProvider struct {
	text string
	err  error
}

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	if f.err != nil {
		return llm.CompletionResponse{}, f.err
	}
	return llm.CompletionResponse{Text: f.text}, nil
}

func TestBuildContextRejectsMissingTenantOrQuery(t *testing.T) {
	svc := New(&fakeContextBuilder{}, nil, nil, nil)
	_, err := svc.BuildContext(context.Background(), BuildContextRequest{Query: "q"})
	require.Error(t, err)
	_, err = svc.BuildContext(context.Background(), BuildContextRequest{TenantID: "tenant-a"})
	require.Error(t, err)
}

func TestBuildContextReportsWallTime(t *testing.T) {
	builder := &fakeContextBuilder{result: &ragcontext.Context{TenantID: "tenant-a"}}
	svc := New(builder, nil, nil, nil)
	resp, err := svc.BuildContext(context.Background(), BuildContextRequest{TenantID: "tenant-a", Query: "q"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, resp.WallTime.Nanoseconds(), int64(0))
	assert.Equal(t, "tenant-a", resp.Context.TenantID)
}

func TestExpandGraphRejectsEmptySeeds(t *testing.T) {
	svc := New(nil, &fakeExpander{}, nil, nil)
	_, err := svc.ExpandGraph(context.Background(), ExpandGraphRequest{TenantID: "tenant-a"})
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidInput, apperr.CodeOf(err))
}

func TestExpandGraphAppliesDefaults(t *testing.T) {
	expander := &fakeExpander{result: &graphexpand.Result{}}
	svc := New(nil, expander, nil, nil)
	_, err := svc.ExpandGraph(context.Background(), ExpandGraphRequest{TenantID: "tenant-a", Seeds: []string{"n1"}})
	require.NoError(t, err)
	assert.Equal(t, DefaultExpandMaxHops, expander.lastIn.MaxHops)
	assert.Equal(t, DefaultExpandMaxNodesPerHop, expander.lastIn.MaxNodesPerHop)
	assert.Equal(t, DefaultExpandMaxTotalNodes, expander.lastIn.MaxTotalNodes)
}

func TestGenerateAnswerRejectsTenantMismatch(t *testing.T) {
	svc := New(nil, nil, nil, nil)
	_, err := svc.GenerateAnswer(context.Background(), GenerateAnswerRequest{
		TenantID: "tenant-a",
		Context:  &ragcontext.Context{TenantID: "tenant-b"},
		Question: "who?",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.TenantMismatch, apperr.CodeOf(err))
}

func TestGenerateAnswerMockModeProducesAccurateCitationOffsets(t *testing.T) {
	ctxData := &ragcontext.Context{
		TenantID: "tenant-a",
		Seeds: []search.Result{
			{EntityID: "n1", Node: &graphstore.Node{ID: "n1", DisplayName: "Alpha"}},
			{EntityID: "n2", Node: &graphstore.Node{ID: "n2", DisplayName: "Beta"}},
		},
	}
	svc := New(nil, nil, nil, nil)
	resp, err := svc.GenerateAnswer(context.Background(), GenerateAnswerRequest{
		TenantID: "tenant-a", Context: ctxData, Question: "who is involved?",
	})
	require.NoError(t, err)
	require.Len(t, resp.Citations, 2)
	for _, c := range resp.Citations {
		assert.Equal(t, c.Text, resp.Answer[c.StartOffset:c.EndOffset])
	}
}

func TestGenerateAnswerRealProviderReturnsCitationsWithoutOffsets(t *testing.T) {
	ctxData := &ragcontext.Context{
		TenantID: "tenant-a",
		Seeds: []search.Result{
			{EntityID: "n1", Node: &graphstore.Node{ID: "n1", DisplayName: "Alpha"}},
		},
	}
	provider := &fakeProvider{text: "Alpha is the lead service."}
	svc := New(nil, nil, nil, provider)
	resp, err := svc.GenerateAnswer(context.Background(), GenerateAnswerRequest{
		TenantID: "tenant-a", Context: ctxData, Question: "who is involved?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Alpha is the lead service.", resp.Answer)
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, -1, resp.Citations[0].StartOffset)
	assert.Equal(t, -1, resp.Citations[0].EndOffset)
}

func TestGenerateAnswerPropagatesProviderError(t *testing.T) {
	ctxData := &ragcontext.Context{TenantID: "tenant-a"}
	provider := &fakeProvider{err: errors.New("upstream down")}
	svc := New(nil, nil, nil, provider)
	_, err := svc.GenerateAnswer(context.Background(), GenerateAnswerRequest{
		TenantID: "tenant-a", Context: ctxData, Question: "q",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.Internal, apperr.CodeOf(err))
}

func TestGetEntityCommunitiesDelegates(t *testing.T) {
	communities := &fakeCommunities{communities: []ragcontext.Community{{ID: "c1"}}}
	svc := New(nil, nil, communities, nil)
	resp, err := svc.GetEntityCommunities(context.Background(), GetEntityCommunitiesRequest{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, resp.Communities, 1)
}
