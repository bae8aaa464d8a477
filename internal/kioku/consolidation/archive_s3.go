package consolidation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/bdobrica/kioku/common/crypto"
	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// S3PutObjectAPI is the subset of the S3 client used by S3Archive.
type S3PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ArchiveConfig configures the S3 archive.
type S3ArchiveConfig struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint targets an S3-compatible service (MinIO, LocalStack). Path
	// style addressing is used when set.
	Endpoint string
	// Sealer, when set, encrypts every object. The object key is bound as
	// associated data, so an object cannot be replayed under another key.
	Sealer *crypto.Sealer
}

// S3Archive writes each consolidated batch as a JSON object at
// <prefix>/<instance_id>/<generation>.json, or .json.enc when sealed.
type S3Archive struct {
	client S3PutObjectAPI
	bucket string
	prefix string
	sealer *crypto.Sealer
	now    func() time.Time
}

type archivedGeneration struct {
	InstanceID     string            `json:"instance_id"`
	SessionKey     string            `json:"session_key"`
	Generation     uint64            `json:"generation"`
	StartedAt      time.Time         `json:"started_at"`
	ConsolidatedAt time.Time         `json:"consolidated_at"`
	Summary        string            `json:"summary,omitempty"`
	Fragments      []memory.Fragment `json:"fragments"`
}

// NewS3Archive builds an S3 client from the default AWS credential chain.
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("consolidation: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ArchiveWithClient(client, cfg.Bucket, cfg.Prefix).WithSealer(cfg.Sealer), nil
}

// NewS3ArchiveWithClient wraps an existing client.
func NewS3ArchiveWithClient(client S3PutObjectAPI, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// WithSealer turns on encryption. A nil sealer leaves objects in clear.
func (a *S3Archive) WithSealer(s *crypto.Sealer) *S3Archive {
	a.sealer = s
	return a
}

// Key returns the object key for an instance generation.
func (a *S3Archive) Key(instanceID string, generation uint64) string {
	name := fmt.Sprintf("%d.json", generation)
	if a.sealer != nil {
		name += ".enc"
	}
	return path.Join(a.prefix, instanceID, name)
}

// Archive uploads b. Re-archiving the same generation overwrites the object
// with identical fragments.
func (a *S3Archive) Archive(ctx context.Context, b Batch, summary string) (string, error) {
	body, err := json.Marshal(archivedGeneration{
		InstanceID:     b.InstanceID,
		SessionKey:     b.SessionKey,
		Generation:     b.Generation,
		StartedAt:      b.StartedAt.UTC(),
		ConsolidatedAt: a.now().UTC(),
		Summary:        summary,
		Fragments:      b.Fragments,
	})
	if err != nil {
		return "", fmt.Errorf("consolidation: marshal archive: %w", err)
	}

	key := a.Key(b.InstanceID, b.Generation)
	contentType := "application/json"
	if a.sealer != nil {
		if body, err = a.sealer.Seal(body, []byte(key)); err != nil {
			return "", fmt.Errorf("consolidation: seal archive: %w", err)
		}
		contentType = "application/octet-stream"
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("consolidation: put s3://%s/%s: %w", a.bucket, key, err)
	}
	return key, nil
}

var _ Archiver = (*S3Archive)(nil)
