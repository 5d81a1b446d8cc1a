package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/savaki/eks-deployer/internal/errors"
)

// ManifestsFile is the object name rendered manifests are archived under
const ManifestsFile = "manifests.yaml"

// S3API is the subset of the S3 client used to archive manifests
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ArtifactStore archives the manifests applied by each deployment
type ArtifactStore struct {
	client S3API
	bucket string
}

func NewArtifactStore(client S3API, bucket string) *ArtifactStore {
	return &ArtifactStore{
		client: client,
		bucket: bucket,
	}
}

// ManifestsKey returns the object key for a deployment's manifests
func ManifestsKey(app, deploymentID string) string {
	return path.Join(app, deploymentID, ManifestsFile)
}

// PutManifests stores data at s3://bucket/app/deploymentID/manifests.yaml and returns that URI
func (a *ArtifactStore) PutManifests(ctx context.Context, app, deploymentID string, data []byte) (string, error) {
	key := ManifestsKey(app, deploymentID)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/yaml"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive manifests to s3://%s/%s: %w", a.bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

// GetManifests reads back a manifest archive by its s3:// URI
func (a *ArtifactStore) GetManifests(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}

	output, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", uri, err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	return data, nil
}

// ParseS3URI splits s3://bucket/key into its parts
func ParseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: not an s3 uri: %q", errors.ErrInvalidConfig, uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: s3 uri needs a bucket and key: %q", errors.ErrInvalidConfig, uri)
	}
	return bucket, key, nil
}
