package client

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Fetcher reads s3://bucket/key attachment references from an S3-compatible
// object store.
type S3Fetcher struct {
	s3Client *s3.S3
	maxBytes int64
}

type S3Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	MaxBytes  int64
}

func NewS3Fetcher(opts S3Options) (*S3Fetcher, error) {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(opts.Region),
		Credentials:      credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, ""),
		Endpoint:         aws.String(opts.Endpoint),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 session: %w", err)
	}
	return &S3Fetcher{s3Client: s3.New(sess), maxBytes: opts.MaxBytes}, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return nil, "", fmt.Errorf("not an s3 reference: %q", rawURL)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return nil, "", fmt.Errorf("missing object key in %q", rawURL)
	}

	out, err := f.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", err
	}
	defer out.Body.Close()

	if out.ContentLength != nil && *out.ContentLength > f.maxBytes {
		return nil, "", fmt.Errorf("attachment too large: %d bytes (limit %d)", *out.ContentLength, f.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(out.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("attachment too large: exceeds %d bytes", f.maxBytes)
	}

	contentType := "application/octet-stream"
	if out.ContentType != nil && *out.ContentType != "" {
		contentType = *out.ContentType
	}
	return data, contentType, nil
}
