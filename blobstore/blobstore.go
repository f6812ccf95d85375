// Package blobstore provides opaque byte storage for staged ingestion
// batches and graph snapshots, backed by an S3-compatible object store.
// It generalizes the teacher's multi-cloud storage package (LakeFS,
// MinIO, Hetzner, AWS S3 all share one client construction style) down
// to the single contract the ingestion engine and sinks need: put, get,
// list by prefix, and presign for external readers.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nucleus-metadata/ingestiond/apperr"
)

// sharedHTTPClient pools connections across every blob operation, the
// same tuning the teacher's storage package applies to its S3 clients.
var sharedHTTPClient = &http.Client{
	Timeout: 60 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	},
}

// Object describes a stored blob's key and size, as returned by List.
type Object struct {
	Key  string
	Size int64
}

// Store is an S3-compatible blob store scoped to a single bucket.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// Config configures the underlying S3-compatible endpoint, following the
// same accessKey/secretKey/custom-endpoint shape the teacher's
// MinioGetObject/HetznerUploadFile functions take, collapsed into one
// struct instead of a long positional parameter list.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	// UsePathStyle is required for MinIO/Hetzner-style endpoints and
	// disabled for real AWS S3.
	UsePathStyle bool
}

// New builds a Store and verifies the configured bucket is reachable.
func New(ctx context.Context, cfg Config) (*Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		config.WithEndpointResolverWithOptions(aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				if cfg.Endpoint == "" {
					return aws.Endpoint{}, &aws.EndpointNotFoundError{}
				}
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					SigningRegion:     region,
					HostnameImmutable: true,
				}, nil
			})),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "load blob store configuration")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		o.HTTPClient = sharedHTTPClient
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, err, fmt.Sprintf("access bucket %s", cfg.Bucket))
	}

	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

// Put uploads an object, overwriting any existing value at key.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return apperr.Wrap(apperr.RetriableTransport, err, fmt.Sprintf("put %s", key))
	}
	return nil
}

// Get retrieves an object's full body. Callers are responsible for
// closing the returned reader.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, apperr.New(apperr.NotFound, fmt.Sprintf("object %s not found", key))
		}
		return nil, apperr.Wrap(apperr.RetriableTransport, err, fmt.Sprintf("get %s", key))
	}
	return out.Body, nil
}

// Delete removes an object. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperr.Wrap(apperr.RetriableTransport, err, fmt.Sprintf("delete %s", key))
	}
	return nil
}

// List returns objects under prefix, paginating through ListObjectsV2
// the same way the teacher's S3AwsListObjects/MinioListObjects do.
func (s *Store) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, apperr.Wrap(apperr.RetriableTransport, err, fmt.Sprintf("list %s", prefix))
		}
		for _, obj := range out.Contents {
			objects = append(objects, Object{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return objects, nil
}

// PresignGet returns a time-limited URL an external reader (e.g. a
// browser fetching a staged batch for debugging) can use without
// credentials, satisfying spec.md's "with presign" requirement for C2.
func (s *Store) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, fmt.Sprintf("presign %s", key))
	}
	return req.URL, nil
}

// StagedBatchKey builds the object key for a staged ingestion batch,
// namespaced by endpoint/unit/run so concurrent runs never collide.
func StagedBatchKey(endpointID, unitID, runID string, batchIndex int) string {
	return fmt.Sprintf("staging/%s/%s/%s/batch-%04d.jsonl", endpointID, unitID, runID, batchIndex)
}

// SnapshotKey builds the object key for a graph snapshot export.
func SnapshotKey(orgID, snapshotID string) string {
	return fmt.Sprintf("snapshots/%s/%s.jsonl", orgID, snapshotID)
}
