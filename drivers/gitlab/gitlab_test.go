package gitlab

import (
	"testing"

	gitlabsdk "gitlab.com/gitlab-org/api/client-go"
	"github.com/stretchr/testify/assert"

	"github.com/nucleus-metadata/ingestiond/drivers"
)

func TestHasSuffix(t *testing.T) {
	assert.True(t, hasSuffix("g/p/issues", "/issues"))
	assert.True(t, hasSuffix("g/p/merge_requests", "/merge_requests"))
	assert.False(t, hasSuffix("g/p/issues", "/merge_requests"))
}

func TestProjectRefRequiresProjectID(t *testing.T) {
	_, err := projectRef(drivers.EndpointConfig{})
	assert.Error(t, err)

	projectID, err := projectRef(drivers.EndpointConfig{Config: map[string]any{"projectId": "group/proj"}})
	assert.NoError(t, err)
	assert.Equal(t, "group/proj", projectID)
}

func TestIssueToRecordCarriesProvenance(t *testing.T) {
	issue := &gitlabsdk.Issue{IID: 7, Title: "flaky test", State: "opened"}
	ep := drivers.EndpointConfig{EndpointID: "ep1", Config: map[string]any{"orgId": "org-1"}}
	rec := issueToRecord(ep, "group/proj", issue)
	assert.Equal(t, "issue", rec.EntityType)
	assert.Equal(t, "group/proj#7", rec.LogicalID)
	assert.Equal(t, "ep1", rec.Provenance.EndpointID)
	assert.Equal(t, DriverID, rec.Provenance.Vendor)
	assert.Equal(t, "opened", rec.Phase)
	assert.Equal(t, "org-1", rec.Scope.OrgID)
	assert.Equal(t, "group/proj", rec.Scope.ProjectID)
}

func TestMergeRequestToRecordMarksMerged(t *testing.T) {
	mr := &gitlabsdk.MergeRequest{IID: 3, Title: "add feature", State: "merged"}
	ep := drivers.EndpointConfig{EndpointID: "ep1", Config: map[string]any{"orgId": "org-1"}}
	rec := mergeRequestToRecord(ep, "group/proj", mr)
	assert.Equal(t, "pull_request", rec.EntityType)
	assert.Equal(t, true, rec.Payload["merged"])
	assert.Equal(t, "org-1", rec.Scope.OrgID)
	assert.Equal(t, "group/proj", rec.Scope.ProjectID)
}
