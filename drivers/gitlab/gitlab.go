// Package gitlab implements drivers.Driver against a GitLab instance,
// grounded on forge/gitlab.go's client construction
// (gitlab.NewClient(token, gitlab.WithBaseURL(url+"/api/v4"))) and its
// per-call-client, %w-wrapped-error style, generalized from tag/job
// inspection into an issue/merge-request source driver.
package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	gitlabsdk "gitlab.com/gitlab-org/api/client-go"

	"github.com/nucleus-metadata/ingestiond/apperr"
	"github.com/nucleus-metadata/ingestiond/drivers"
	"github.com/nucleus-metadata/ingestiond/logging"
)

const DriverID = "gitlab"

var log = logging.Component("drivers.gitlab")

// checkpoint tracks the highest updated_at timestamp already observed
// per unit, following the same flat-cursor convention as the
// gitea driver rather than a raw page token (page tokens would violate
// the checkpoint flattening invariant across reruns with shifting data).
type checkpoint struct {
	LastUpdatedAt string `json:"lastUpdatedAt"`
}

type Driver struct{}

func New() *Driver { return &Driver{} }

func (d *Driver) DriverID() string { return DriverID }

func newClient(ep drivers.EndpointConfig) (*gitlabsdk.Client, error) {
	client, err := gitlabsdk.NewClient(ep.Token, gitlabsdk.WithBaseURL(ep.URL+"/api/v4"))
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, err, "create gitlab client")
	}
	return client, nil
}

func projectRef(ep drivers.EndpointConfig) (string, error) {
	projectID, _ := ep.Config["projectId"].(string)
	if projectID == "" {
		return "", apperr.New(apperr.InvalidInput, "gitlab endpoint config requires projectId")
	}
	return projectID, nil
}

// scopeFromConfig builds the tenant scope every record this driver
// emits carries. orgId is a separate config key from projectId (the
// latter names the GitLab project path, not a tenant); projectID is
// the already-resolved project path, reused as Scope.ProjectID.
func scopeFromConfig(ep drivers.EndpointConfig, projectID string) drivers.Scope {
	orgID, _ := ep.Config["orgId"].(string)
	domainID, _ := ep.Config["domainId"].(string)
	teamID, _ := ep.Config["teamId"].(string)
	return drivers.Scope{OrgID: orgID, ProjectID: projectID, DomainID: domainID, TeamID: teamID}
}

func (d *Driver) ListUnits(ctx context.Context, ep drivers.EndpointConfig) ([]drivers.UnitDescriptor, error) {
	projectID, err := projectRef(ep)
	if err != nil {
		return nil, err
	}
	client, err := newClient(ep)
	if err != nil {
		return nil, err
	}
	if _, resp, err := client.Projects.GetProject(projectID, nil); err != nil {
		return nil, mapHTTPError(resp, err)
	}
	return []drivers.UnitDescriptor{
		{
			UnitID: projectID + "/issues", Kind: "issues", DisplayName: projectID + " issues",
			DatasetID: projectID + "/issues", DefaultMode: "INCREMENTAL",
			SupportedModes: []string{"FULL", "INCREMENTAL"}, DefaultScheduleKind: "INTERVAL",
			DefaultInterval: 30, CDMModelID: "issue",
		},
		{
			UnitID: projectID + "/merge_requests", Kind: "merge_requests", DisplayName: projectID + " merge requests",
			DatasetID: projectID + "/merge_requests", DefaultMode: "INCREMENTAL",
			SupportedModes: []string{"FULL", "INCREMENTAL"}, DefaultScheduleKind: "INTERVAL",
			DefaultInterval: 30, CDMModelID: "pull_request",
		},
	}, nil
}

func (d *Driver) EstimateLag(ctx context.Context, ep drivers.EndpointConfig, unitID string) (*float64, error) {
	return nil, nil
}

func (d *Driver) SyncUnit(ctx context.Context, req drivers.SyncRequest) (*drivers.SyncResult, error) {
	projectID, err := projectRef(req.Endpoint)
	if err != nil {
		return nil, err
	}
	client, err := newClient(req.Endpoint)
	if err != nil {
		return nil, err
	}

	var cp checkpoint
	if len(req.Checkpoint) > 0 {
		if err := json.Unmarshal(req.Checkpoint, &cp); err != nil {
			return nil, apperr.New(apperr.InvalidInput, "malformed gitlab checkpoint")
		}
	}

	switch {
	case hasSuffix(req.UnitID, "/issues"):
		return d.syncIssues(client, req, projectID, cp)
	case hasSuffix(req.UnitID, "/merge_requests"):
		return d.syncMergeRequests(client, req, projectID, cp)
	default:
		return nil, apperr.New(apperr.InvalidInput, fmt.Sprintf("unknown unit %q", req.UnitID))
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func (d *Driver) syncIssues(client *gitlabsdk.Client, req drivers.SyncRequest, projectID string, cp checkpoint) (*drivers.SyncResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	orderBy := "updated_at"
	sort := "asc"
	opt := &gitlabsdk.ListProjectIssuesOptions{
		ListOptions: gitlabsdk.ListOptions{PerPage: limit, Page: 1},
		OrderBy:     &orderBy,
		Sort:        &sort,
	}
	issues, resp, err := client.Issues.ListProjectIssues(projectID, opt)
	if err != nil {
		return nil, mapHTTPError(resp, err)
	}

	var records []drivers.NormalizedRecord
	lastUpdated := cp.LastUpdatedAt
	for _, issue := range issues {
		if issue.UpdatedAt != nil && issue.UpdatedAt.String() <= cp.LastUpdatedAt {
			continue
		}
		rec := issueToRecord(req.Endpoint, projectID, issue)
		records = append(records, rec)
		if issue.UpdatedAt != nil && issue.UpdatedAt.String() > lastUpdated {
			lastUpdated = issue.UpdatedAt.String()
		}
	}

	newCp, err := json.Marshal(checkpoint{LastUpdatedAt: lastUpdated})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "marshal gitlab checkpoint")
	}
	log.WithField("project", projectID).WithField("count", len(records)).Debug("synced gitlab issues")
	return &drivers.SyncResult{
		NewCheckpoint: newCp,
		Batches:       []drivers.Batch{{Records: records}},
		Stats:         map[string]float64{"recordCount": float64(len(records))},
	}, nil
}

func (d *Driver) syncMergeRequests(client *gitlabsdk.Client, req drivers.SyncRequest, projectID string, cp checkpoint) (*drivers.SyncResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	orderBy := "updated_at"
	sort := "asc"
	opt := &gitlabsdk.ListProjectMergeRequestsOptions{
		ListOptions: gitlabsdk.ListOptions{PerPage: limit, Page: 1},
		OrderBy:     &orderBy,
		Sort:        &sort,
	}
	mrs, resp, err := client.MergeRequests.ListProjectMergeRequests(projectID, opt)
	if err != nil {
		return nil, mapHTTPError(resp, err)
	}

	var records []drivers.NormalizedRecord
	lastUpdated := cp.LastUpdatedAt
	for _, mr := range mrs {
		if mr.UpdatedAt != nil && mr.UpdatedAt.String() <= cp.LastUpdatedAt {
			continue
		}
		rec := mergeRequestToRecord(req.Endpoint, projectID, mr)
		records = append(records, rec)
		if mr.UpdatedAt != nil && mr.UpdatedAt.String() > lastUpdated {
			lastUpdated = mr.UpdatedAt.String()
		}
	}

	newCp, err := json.Marshal(checkpoint{LastUpdatedAt: lastUpdated})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "marshal gitlab checkpoint")
	}
	return &drivers.SyncResult{
		NewCheckpoint: newCp,
		Batches:       []drivers.Batch{{Records: records}},
		Stats:         map[string]float64{"recordCount": float64(len(records))},
	}, nil
}

func issueToRecord(ep drivers.EndpointConfig, projectID string, issue *gitlabsdk.Issue) drivers.NormalizedRecord {
	payload := map[string]any{
		"iid":    issue.IID,
		"title":  issue.Title,
		"state":  issue.State,
		"labels": []string(issue.Labels),
	}
	return drivers.NormalizedRecord{
		EntityType:  "issue",
		LogicalID:   fmt.Sprintf("%s#%d", projectID, issue.IID),
		DisplayName: issue.Title,
		Scope:       scopeFromConfig(ep, projectID),
		Provenance:  drivers.Provenance{EndpointID: ep.EndpointID, Vendor: DriverID, SourceEventID: strconv.Itoa(issue.IID)},
		Payload:     payload,
		Phase:       issue.State,
	}
}

func mergeRequestToRecord(ep drivers.EndpointConfig, projectID string, mr *gitlabsdk.MergeRequest) drivers.NormalizedRecord {
	payload := map[string]any{
		"iid":    mr.IID,
		"title":  mr.Title,
		"state":  mr.State,
		"merged": mr.State == "merged",
	}
	return drivers.NormalizedRecord{
		EntityType:  "pull_request",
		LogicalID:   fmt.Sprintf("%s#%d", projectID, mr.IID),
		DisplayName: mr.Title,
		Scope:       scopeFromConfig(ep, projectID),
		Provenance:  drivers.Provenance{EndpointID: ep.EndpointID, Vendor: DriverID, SourceEventID: strconv.Itoa(mr.IID)},
		Payload:     payload,
		Phase:       mr.State,
	}
}

// mapHTTPError applies spec.md §7's HTTP-to-error-taxonomy mapping,
// same codes as the gitea driver, read off the SDK's raw *http.Response
// the way GitlabListJobsForTag logs raw error detail per call rather
// than inspecting a typed SDK error.
func mapHTTPError(resp *gitlabsdk.Response, err error) error {
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Wrap(apperr.PermissionDenied, err, "gitlab request rejected")
	case status == http.StatusNotFound:
		return apperr.Wrap(apperr.NotFound, err, "gitlab resource not found")
	case status == http.StatusTooManyRequests:
		return apperr.Wrap(apperr.RateLimited, err, "gitlab rate limit")
	case status >= 500:
		return apperr.Wrap(apperr.RetriableTransport, err, "gitlab server error")
	default:
		log.WithError(err).Warn("gitlab request failed without a recognizable status code")
		return apperr.Wrap(apperr.RetriableTransport, err, "gitlab request failed")
	}
}
