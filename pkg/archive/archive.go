// Package archive copies retrieved result bundles to S3 for long-term
// storage. Archival is optional: the scheduler falls back to the local
// copy when no bucket is configured or an upload fails.
package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// API is the S3 surface the archiver uses.
type API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures an Archiver.
type Config struct {
	// Bucket receives result bundles. Required.
	Bucket string

	// Prefix is prepended to object keys (default "sessions").
	Prefix string

	// Region overrides the SDK's resolved region.
	Region string

	// Profile selects a shared-config profile.
	Profile string
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("archive bucket is required")
	}
	return nil
}

// Archiver uploads result bundles and returns their s3:// references.
type Archiver struct {
	client API
	cfg    Config
	log    *zap.Logger
}

// New creates an Archiver using the AWS SDK's default credential chain.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(awsCfg), cfg, log), nil
}

// NewWithClient creates an Archiver around an existing client.
func NewWithClient(client API, cfg Config, log *zap.Logger) *Archiver {
	if cfg.Prefix == "" {
		cfg.Prefix = "sessions"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{client: client, cfg: cfg, log: log}
}

// Store uploads the session's result bundle and returns its s3:// URI.
func (a *Archiver) Store(ctx context.Context, sessionID, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open result bundle: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat result bundle: %w", err)
	}

	key := path.Join(a.cfg.Prefix, sessionID, "result.tar.gz")
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", a.cfg.Bucket, key, err)
	}

	ref := fmt.Sprintf("s3://%s/%s", a.cfg.Bucket, key)
	a.log.Info("Result archived",
		zap.String("session_id", sessionID),
		zap.String("ref", ref))
	return ref, nil
}
