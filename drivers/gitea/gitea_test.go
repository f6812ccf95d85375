package gitea

import (
	"testing"

	giteasdk "code.gitea.io/sdk/gitea"
	"github.com/stretchr/testify/assert"

	"github.com/nucleus-metadata/ingestiond/drivers"
)

func TestHasSuffix(t *testing.T) {
	assert.True(t, hasSuffix("org/repo/issues", "/issues"))
	assert.True(t, hasSuffix("org/repo/pulls", "/pulls"))
	assert.False(t, hasSuffix("org/repo/issues", "/pulls"))
	assert.False(t, hasSuffix("x", "/issues"))
}

func TestRepoRefRequiresOwnerAndRepo(t *testing.T) {
	_, _, err := repoRef(drivers.EndpointConfig{Config: map[string]any{"owner": "acme"}})
	assert.Error(t, err)

	owner, repo, err := repoRef(drivers.EndpointConfig{Config: map[string]any{"owner": "acme", "repo": "widgets"}})
	assert.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "widgets", repo)
}

func TestIssueToRecordCarriesProvenance(t *testing.T) {
	issue := &giteasdk.Issue{Index: 42, Title: "bug report", State: giteasdk.StateOpen}
	ep := drivers.EndpointConfig{EndpointID: "ep1", Config: map[string]any{"orgId": "org-1", "projectId": "proj-1"}}
	rec, err := issueToRecord(ep, issue)
	assert.NoError(t, err)
	assert.Equal(t, "issue", rec.EntityType)
	assert.Equal(t, "42", rec.LogicalID)
	assert.Equal(t, "ep1", rec.Provenance.EndpointID)
	assert.Equal(t, DriverID, rec.Provenance.Vendor)
	assert.Equal(t, "open", rec.Phase)
	assert.Equal(t, "org-1", rec.Scope.OrgID)
	assert.Equal(t, "proj-1", rec.Scope.ProjectID)
}

func TestPullToRecordCarriesScope(t *testing.T) {
	pr := &giteasdk.PullRequest{Index: 7, Title: "add feature"}
	ep := drivers.EndpointConfig{EndpointID: "ep1", Config: map[string]any{"orgId": "org-1"}}
	rec := pullToRecord(ep, "acme", "widgets", pr)
	assert.Equal(t, "org-1", rec.Scope.OrgID)
}

func TestIssueToRecordOmitsScopeWhenConfigMissing(t *testing.T) {
	issue := &giteasdk.Issue{Index: 1, Title: "x", State: giteasdk.StateOpen}
	rec, err := issueToRecord(drivers.EndpointConfig{EndpointID: "ep1"}, issue)
	assert.NoError(t, err)
	assert.Empty(t, rec.Scope.OrgID)
}

func TestLabelNames(t *testing.T) {
	labels := []*giteasdk.Label{{Name: "bug"}, {Name: "p1"}}
	assert.Equal(t, []string{"bug", "p1"}, labelNames(labels))
}
