// Package archive uploads the frame behind each notification so a posted run
// can be checked later.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	apperrors "github.com/GriffinCanCode/runwatch/internal/errors"
)

// Archiver stores one frame and returns where it went.
type Archiver interface {
	Store(ctx context.Context, runID string, at time.Time, frame []byte) (string, error)
}

// Nop discards frames.
type Nop struct{}

func (Nop) Store(context.Context, string, time.Time, []byte) (string, error) { return "", nil }

// objectPutter is the part of s3.Client the archiver uses.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3Archiver writes frames under the configured prefix, one object per
// notification.
type S3Archiver struct {
	client objectPutter
	bucket string
	prefix string
}

func NewS3Archiver(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, apperrors.New(apperrors.CodeConfigMissing, "archive bucket is required")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "create aws config for s3")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Archiver(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Archiver(client objectPutter, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: strings.TrimSpace(bucket), prefix: prefix}
}

func (a *S3Archiver) Store(ctx context.Context, runID string, at time.Time, frame []byte) (string, error) {
	if len(frame) == 0 {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "empty frame")
	}
	key := ObjectKey(a.prefix, runID, at)
	contentType := "image/jpeg"

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(frame),
		ContentType: &contentType,
		Metadata:    map[string]string{"run-id": runID},
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeUnavailable, "put frame").WithMetadata("key", key)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

// ObjectKey builds the object key for a frame; "chan:broadcast" becomes
// "chan/broadcast" so frames group by channel.
func ObjectKey(prefix, runID string, at time.Time) string {
	return path.Join(prefix, strings.ReplaceAll(runID, ":", "/"), fmt.Sprintf("%d.jpg", at.UTC().Unix()))
}
