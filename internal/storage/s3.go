// Package storage publishes results that are too large for the messaging
// front-end as time-limited download links.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultS3Timeout bounds the presign call; uploads use the job context.
const DefaultS3Timeout = 30 * time.Second

type Client struct {
	s3      *s3.Client
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

func NewS3Client(ctx context.Context, region, bucket string, ttl time.Duration) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	c := s3.NewFromConfig(cfg)
	return &Client{s3: c, presign: s3.NewPresignClient(c), bucket: bucket, ttl: ttl}, nil
}

// Publish uploads the file at path under results/<jobID>/<name> and returns a
// presigned GET link valid for the configured TTL.
func (c *Client) Publish(ctx context.Context, jobID, path, name, contentType string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key := fmt.Sprintf("results/%s/%s", jobID, filepath.Base(name))
	_, err = c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(c.bucket),
		Key:                aws.String(key),
		Body:               f,
		ContentType:        aws.String(contentType),
		ContentDisposition: aws.String(fmt.Sprintf("attachment; filename=%q", filepath.Base(name))),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	pctx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()
	req, err := c.presign.PresignGetObject(pctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = c.ttl
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign request: %w", err)
	}
	return req.URL, nil
}

// TTL is how long published links stay valid.
func (c *Client) TTL() time.Duration { return c.ttl }
