package ner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nucleus-metadata/ingestiond/apperr"
	"github.com/nucleus-metadata/ingestiond/llm"
)

type scriptedProvider struct {
	replies []string
	calls   int
}

func (p *scriptedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	reply := p.replies[p.calls]
	p.calls++
	return llm.CompletionResponse{Text: reply}, nil
}

func TestExtractFallsBackToOtherForUnknownType(t *testing.T) {
	raw := `[{"text":"Acme Corp","type":"spaceship","normalized":"acme corp"}]`
	entities, err := parseEntities(raw, "Acme Corp builds rockets.")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, TypeOther, entities[0].Type)
}

func TestExtractComputesVerbatimOffsets(t *testing.T) {
	text := "Alpha reviewed the Beta proposal yesterday."
	raw := `[{"text":"Beta","type":"project","normalized":"beta"}]`
	entities, err := parseEntities(raw, text)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, 19, entities[0].StartOffset)
	assert.Equal(t, 23, entities[0].EndOffset)
}

func TestExtractDefaultsConfidenceWhenMissing(t *testing.T) {
	raw := `[{"text":"Alpha","type":"project","normalized":"alpha"}]`
	entities, err := parseEntities(raw, "Alpha is a project.")
	require.NoError(t, err)
	assert.Equal(t, 0.8, entities[0].Confidence)
}

func TestExtractStripsCodeFences(t *testing.T) {
	raw := "```json\n[{\"text\":\"Alpha\",\"type\":\"project\",\"normalized\":\"alpha\"}]\n```"
	entities, err := parseEntities(raw, "Alpha is a project.")
	require.NoError(t, err)
	require.Len(t, entities, 1)
}

func TestExtractMalformedJSONAttachesOriginalPayload(t *testing.T) {
	raw := "not json at all"
	_, err := parseEntities(raw, "irrelevant")
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidInput, apperr.CodeOf(err))
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, raw, appErr.Field)
}

func TestClassifyPolicyAssignsMissingRuleIDs(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"type":"policy","confidence":0.9}`,
		`[{"text":"Rotate credentials quarterly"},{"id":"R9","text":"Encrypt at rest"},{"text":"Log all access"}]`,
	}}
	classifier := NewClassifier(provider)
	result, err := classifier.Classify(context.Background(), "Security policy document text.")
	require.NoError(t, err)
	require.NotNil(t, result.PolicyDetails)
	require.Len(t, result.PolicyDetails.Rules, 3)
	assert.Equal(t, "R1", result.PolicyDetails.Rules[0].ID)
	assert.Equal(t, "R9", result.PolicyDetails.Rules[1].ID)
	assert.Equal(t, "R2", result.PolicyDetails.Rules[2].ID)
}

func TestClassifyProcessAssignsMissingStepIDs(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"type":"process","confidence":0.85}`,
		`[{"text":"Open a ticket"},{"text":"Get approval"}]`,
	}}
	classifier := NewClassifier(provider)
	result, err := classifier.Classify(context.Background(), "Deployment process document.")
	require.NoError(t, err)
	require.NotNil(t, result.ProcessDetails)
	require.Len(t, result.ProcessDetails.Steps, 2)
	assert.Equal(t, "S1", result.ProcessDetails.Steps[0].ID)
	assert.Equal(t, "S2", result.ProcessDetails.Steps[1].ID)
}

func TestClassifyEntityTypeSkipsDetailsCall(t *testing.T) {
	provider := &scriptedProvider{replies: []string{`{"type":"entity","confidence":0.7}`}}
	classifier := NewClassifier(provider)
	result, err := classifier.Classify(context.Background(), "Just a biography.")
	require.NoError(t, err)
	assert.Equal(t, "entity", result.Type)
	assert.Nil(t, result.PolicyDetails)
	assert.Nil(t, result.ProcessDetails)
	assert.Equal(t, 1, provider.calls)
}

func TestObserveNoCandidatesCreatesNewCanonical(t *testing.T) {
	observer := NewObserver(0.9)
	obs, err := observer.Observe(context.Background(), "tenant-a", ObserveInput{
		Normalized: "alpha project", Type: TypeProject, SourceType: "doc", SourceID: "d1", Text: "Alpha Project",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, obs.Status)
	assert.NotEmpty(t, obs.CanonicalID)
}

func TestObserveHighSimilarityAutoMerges(t *testing.T) {
	observer := NewObserver(0.9)
	first, err := observer.Observe(context.Background(), "tenant-a", ObserveInput{
		Normalized: "alpha project", Type: TypeProject, SourceType: "doc", SourceID: "d1", Text: "Alpha Project",
	})
	require.NoError(t, err)

	second, err := observer.Observe(context.Background(), "tenant-a", ObserveInput{
		Normalized: "alpha project", Type: TypeProject, SourceType: "doc", SourceID: "d2", Text: "Alpha Project",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusMatched, second.Status)
	assert.Equal(t, first.CanonicalID, second.CanonicalID)
	assert.InDelta(t, 1.0, second.MatchScore, 0.01)
}

func TestObserveLowSimilarityGoesToReview(t *testing.T) {
	observer := NewObserver(0.9)
	_, err := observer.Observe(context.Background(), "tenant-a", ObserveInput{
		Normalized: "alpha project", Type: TypeProject, SourceType: "doc", SourceID: "d1", Text: "Alpha Project",
	})
	require.NoError(t, err)

	second, err := observer.Observe(context.Background(), "tenant-a", ObserveInput{
		Normalized: "alphaprojectteam", Type: TypeProject, SourceType: "doc", SourceID: "d2", Text: "Alpha Project Team",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusReview, second.Status)
	assert.Empty(t, second.CanonicalID)
	assert.Greater(t, second.MatchScore, 0.0)
	assert.Less(t, second.MatchScore, 0.9)
}

func TestObserveIsTenantIsolated(t *testing.T) {
	observer := NewObserver(0.9)
	_, err := observer.Observe(context.Background(), "tenant-a", ObserveInput{
		Normalized: "alpha project", Type: TypeProject, SourceType: "doc", SourceID: "d1", Text: "Alpha Project",
	})
	require.NoError(t, err)

	otherTenant, err := observer.Observe(context.Background(), "tenant-b", ObserveInput{
		Normalized: "alpha project", Type: TypeProject, SourceType: "doc", SourceID: "d1", Text: "Alpha Project",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, otherTenant.Status)
}

func TestApproveRejectsCrossTenantIDWithNotFound(t *testing.T) {
	observer := NewObserver(0.9)
	obs, err := observer.Observe(context.Background(), "tenant-a", ObserveInput{
		Normalized: "alpha project", Type: TypeProject, SourceType: "doc", SourceID: "d1", Text: "Alpha Project",
	})
	require.NoError(t, err)

	err = observer.Approve(context.Background(), "tenant-b", obs.ID, "some-canonical-id")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))
}

func TestApproveAndRejectTransitions(t *testing.T) {
	observer := NewObserver(0.99)
	obs, err := observer.Observe(context.Background(), "tenant-a", ObserveInput{
		Normalized: "alpha project", Type: TypeProject, SourceType: "doc", SourceID: "d1", Text: "Alpha Project",
	})
	require.NoError(t, err)

	require.NoError(t, observer.Approve(context.Background(), "tenant-a", obs.ID, "canonical-1"))
	require.NoError(t, observer.Reject(context.Background(), "tenant-a", obs.ID))

	view, err := observer.BuildView(context.Background(), "tenant-a", "alpha project", TypeProject)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, view.Observations[0].Status)
}

func TestBuildViewAggregatesAcrossSources(t *testing.T) {
	clock := fixedClockFrom(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	observer := NewObserverWithClock(0.9, clock.tick)

	_, err := observer.Observe(context.Background(), "tenant-a", ObserveInput{
		Normalized: "alpha project", Type: TypeProject, SourceType: "doc", SourceID: "d1",
		Text: "Alpha Project", Confidence: 0.6,
	})
	require.NoError(t, err)
	_, err = observer.Observe(context.Background(), "tenant-a", ObserveInput{
		Normalized: "alpha project", Type: TypeProject, SourceType: "wiki", SourceID: "w1",
		Text: "Alpha Project", Confidence: 1.0,
	})
	require.NoError(t, err)

	view, err := observer.BuildView(context.Background(), "tenant-a", "alpha project", TypeProject)
	require.NoError(t, err)
	assert.Len(t, view.Observations, 2)
	assert.ElementsMatch(t, []string{"doc:d1", "wiki:w1"}, view.Sources)
	assert.InDelta(t, 0.8, view.Confidence, 0.001)
}

func TestBuildViewNotFoundForUnknownNormalized(t *testing.T) {
	observer := NewObserver(0.9)
	_, err := observer.BuildView(context.Background(), "tenant-a", "nothing here", TypeProject)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.CodeOf(err))
}

type fixedClock struct {
	t time.Time
}

func (c *fixedClock) tick() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func fixedClockFrom(t time.Time) *fixedClock {
	return &fixedClock{t: t}
}
