// Package archive stores completed sessions for audit.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/szaher/tripagent/internal/session"
)

// Archiver persists a finished session.
type Archiver interface {
	Archive(ctx context.Context, sess *session.Session) error
}

// Nop discards everything.
type Nop struct{}

// Archive does nothing.
func (Nop) Archive(context.Context, *session.Session) error { return nil }

// PutObjectAPI is the subset of the S3 client used by S3Archiver.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes each session as a JSON object under a date-partitioned key.
type S3Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// S3Config locates the archive bucket.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint targets an S3-compatible service such as MinIO. Path-style
	// addressing is used when set.
	Endpoint string
}

// NewS3Archiver wraps an existing client.
func NewS3Archiver(client PutObjectAPI, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// OpenS3 loads AWS credentials from the default chain and returns an archiver.
func OpenS3(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Archiver(client, cfg.Bucket, cfg.Prefix), nil
}

// Key returns the object key for sess.
func (a *S3Archiver) Key(sess *session.Session) string {
	day := sess.UpdatedAt.UTC().Format("2006/01/02")
	return path.Join(a.prefix, day, sess.ID+".json")
}

// Archive uploads sess as indented JSON.
func (a *S3Archiver) Archive(ctx context.Context, sess *session.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: encode %q: %w", sess.ID, err)
	}
	key := a.Key(sess)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"session-id":    sess.ID,
			"session-state": string(sess.State),
		},
	})
	if err != nil {
		return fmt.Errorf("archive: put s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}
