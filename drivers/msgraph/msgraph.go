// Package msgraph implements drivers.Driver against Microsoft Graph's
// SharePoint drive API, for ingesting wiki/document sources. The
// teacher has no document-source driver of its own, but cloud/azuregraph.go
// shows the exact client-credentials + GraphServiceClient idiom this
// package follows: azidentity.NewClientSecretCredential feeding
// msgraphsdk.NewGraphServiceClientWithCredentials, selective field
// retrieval, and msgraphcore.NewPageIterator for paginated results.
package msgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	azidentity "github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"github.com/microsoftgraph/msgraph-sdk-go/drives"
	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/nucleus-metadata/ingestiond/apperr"
	"github.com/nucleus-metadata/ingestiond/drivers"
	"github.com/nucleus-metadata/ingestiond/logging"
)

const DriverID = "msgraph"

var log = logging.Component("drivers.msgraph")

// checkpoint tracks the highest lastModifiedDateTime already observed,
// the same flat-cursor convention as the other source drivers.
type checkpoint struct {
	LastModified string `json:"lastModified"`
}

type Driver struct{}

func New() *Driver { return &Driver{} }

func (d *Driver) DriverID() string { return DriverID }

func newClient(ep drivers.EndpointConfig) (*msgraphsdk.GraphServiceClient, error) {
	tenantID, _ := ep.Config["tenantId"].(string)
	clientID, _ := ep.Config["clientId"].(string)
	clientSecret, _ := ep.Config["clientSecret"].(string)
	if tenantID == "" || clientID == "" || clientSecret == "" {
		return nil, apperr.New(apperr.InvalidInput, "msgraph endpoint config requires tenantId, clientId and clientSecret")
	}
	cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidInput, err, "create azure credential")
	}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, err, "create msgraph client")
	}
	return client, nil
}

func driveRef(ep drivers.EndpointConfig) (string, error) {
	driveID, _ := ep.Config["driveId"].(string)
	if driveID == "" {
		return "", apperr.New(apperr.InvalidInput, "msgraph endpoint config requires driveId")
	}
	return driveID, nil
}

// scopeFromConfig reads the tenant/project identity this endpoint
// belongs to out of its config map. This is a separate key from
// "tenantId" above, which names the Azure AD tenant used for auth, not
// the ingestion platform's tenant.
func scopeFromConfig(ep drivers.EndpointConfig) drivers.Scope {
	orgID, _ := ep.Config["orgId"].(string)
	projectID, _ := ep.Config["projectId"].(string)
	domainID, _ := ep.Config["domainId"].(string)
	teamID, _ := ep.Config["teamId"].(string)
	return drivers.Scope{OrgID: orgID, ProjectID: projectID, DomainID: domainID, TeamID: teamID}
}

func (d *Driver) ListUnits(ctx context.Context, ep drivers.EndpointConfig) ([]drivers.UnitDescriptor, error) {
	driveID, err := driveRef(ep)
	if err != nil {
		return nil, err
	}
	client, err := newClient(ep)
	if err != nil {
		return nil, err
	}
	if _, err := client.Drives().ByDriveId(driveID).Get(ctx, nil); err != nil {
		return nil, mapGraphError(err)
	}
	return []drivers.UnitDescriptor{
		{
			UnitID: driveID + "/documents", Kind: "documents", DisplayName: "drive " + driveID + " documents",
			DatasetID: driveID + "/documents", DefaultMode: "INCREMENTAL",
			SupportedModes: []string{"FULL", "INCREMENTAL"}, DefaultScheduleKind: "INTERVAL",
			DefaultInterval: 60, CDMModelID: "document",
		},
	}, nil
}

func (d *Driver) EstimateLag(ctx context.Context, ep drivers.EndpointConfig, unitID string) (*float64, error) {
	return nil, nil
}

func (d *Driver) SyncUnit(ctx context.Context, req drivers.SyncRequest) (*drivers.SyncResult, error) {
	driveID, err := driveRef(req.Endpoint)
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
			return nil, apperr.New(apperr.InvalidInput, "malformed msgraph checkpoint")
		}
	}

	limit := int32(req.Limit)
	if limit <= 0 {
		limit = 50
	}
	opts := &drives.ItemRootChildrenRequestBuilderGetRequestConfiguration{
		QueryParameters: &drives.ItemRootChildrenRequestBuilderGetQueryParameters{
			Top:    &limit,
			Select: []string{"id", "name", "webUrl", "lastModifiedDateTime", "size"},
		},
	}
	result, err := client.Drives().ByDriveId(driveID).Root().Children().Get(ctx, opts)
	if err != nil {
		return nil, mapGraphError(err)
	}

	var records []drivers.NormalizedRecord
	lastModified := cp.LastModified

	iter, err := msgraphcore.NewPageIterator[models.DriveItemable](result, client.GetAdapter(), models.CreateDriveItemCollectionResponseFromDiscriminatorValue)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "create msgraph page iterator")
	}
	iterErr := iter.Iterate(ctx, func(item models.DriveItemable) bool {
		modified := ""
		if item.GetLastModifiedDateTime() != nil {
			modified = item.GetLastModifiedDateTime().String()
		}
		if modified != "" && modified <= cp.LastModified {
			return true
		}
		records = append(records, driveItemToRecord(req.Endpoint, item))
		if modified > lastModified {
			lastModified = modified
		}
		return true
	})
	if iterErr != nil {
		return nil, mapGraphError(iterErr)
	}

	newCp, err := json.Marshal(checkpoint{LastModified: lastModified})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "marshal msgraph checkpoint")
	}
	log.WithField("drive", driveID).WithField("count", len(records)).Debug("synced msgraph documents")
	return &drivers.SyncResult{
		NewCheckpoint: newCp,
		Batches:       []drivers.Batch{{Records: records}},
		Stats:         map[string]float64{"recordCount": float64(len(records))},
	}, nil
}

func driveItemToRecord(ep drivers.EndpointConfig, item models.DriveItemable) drivers.NormalizedRecord {
	name := ""
	if item.GetName() != nil {
		name = *item.GetName()
	}
	id := ""
	if item.GetId() != nil {
		id = *item.GetId()
	}
	webURL := ""
	if item.GetWebUrl() != nil {
		webURL = *item.GetWebUrl()
	}
	var size int64
	if item.GetSize() != nil {
		size = *item.GetSize()
	}
	return drivers.NormalizedRecord{
		EntityType:  "document",
		LogicalID:   id,
		DisplayName: name,
		Scope:       scopeFromConfig(ep),
		Provenance:  drivers.Provenance{EndpointID: ep.EndpointID, Vendor: DriverID, SourceEventID: id},
		Payload: map[string]any{
			"id": id, "name": name, "webUrl": webURL, "size": size,
		},
	}
}

// mapGraphError applies spec.md §7's HTTP-to-error-taxonomy mapping.
// The msgraph SDK surfaces failures as odataerrors with a status code
// attached, rather than a typed HTTP response like the gitea/gitlab
// SDKs; this reads the error's string form for the common throttling
// and auth-failure substrings the SDK's OData error messages carry.
func mapGraphError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "Forbidden", "Unauthorized", "InvalidAuthenticationToken"):
		return apperr.Wrap(apperr.PermissionDenied, err, "msgraph request rejected")
	case containsAny(msg, "itemNotFound", "Not Found", "404"):
		return apperr.Wrap(apperr.NotFound, err, "msgraph resource not found")
	case containsAny(msg, "TooManyRequests", "429", "activityLimitReached"):
		return apperr.Wrap(apperr.RateLimited, err, "msgraph throttled the request")
	default:
		return apperr.Wrap(apperr.RetriableTransport, err, fmt.Sprintf("msgraph request failed: %s", msg))
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
