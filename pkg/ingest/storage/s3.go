package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/flakewatch/flakewatch/pkg/config"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Uploader = (*s3Uploader)(nil)

type s3Uploader struct {
	log    logrus.FieldLogger
	cfg    *config.S3StorageConfig
	client *s3.Client
}

// NewS3Uploader creates an Uploader backed by S3-compatible storage.
func NewS3Uploader(
	log logrus.FieldLogger,
	cfg *config.S3StorageConfig,
) Uploader {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return &s3Uploader{
		log:    log.WithField("component", "s3-storage"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}
}

// Preflight verifies S3 connectivity by writing a small test object.
func (u *s3Uploader) Preflight(ctx context.Context) error {
	content := fmt.Sprintf("flakewatch write test: %s", time.Now().UTC().Format(time.RFC3339))

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(".flakewatch-write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", u.cfg.Bucket, err)
	}

	return nil
}

// Upload stores data under prefix/key and returns its public URL.
func (u *s3Uploader) Upload(
	ctx context.Context, key string, data []byte, contentType string,
) (string, error) {
	fullKey := u.resolveKey(key)

	u.log.WithFields(logrus.Fields{
		"key":    fullKey,
		"bucket": u.cfg.Bucket,
	}).Debug("Uploading object")

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(fullKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("PutObject %s: %w", fullKey, err)
	}

	return u.objectURL(fullKey), nil
}

// resolveKey joins the configured prefix with the object key.
func (u *s3Uploader) resolveKey(key string) string {
	prefix := strings.TrimRight(u.cfg.Prefix, "/")
	if prefix == "" {
		return key
	}

	return prefix + "/" + key
}

// objectURL builds the retrievable URL for a stored object, preferring
// the configured public base URL (CDN or reverse proxy) when set.
func (u *s3Uploader) objectURL(key string) string {
	if u.cfg.PublicBaseURL != "" {
		return strings.TrimRight(u.cfg.PublicBaseURL, "/") + "/" + key
	}

	if u.cfg.EndpointURL != "" {
		return strings.TrimRight(u.cfg.EndpointURL, "/") + "/" + u.cfg.Bucket + "/" + key
	}

	region := u.cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, region, key)
}
