package cachestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config is the trimmed slice of ldfd's storage.S3Config this store
// needs: a single object (the compressed snapshot), not a general
// artifact bucket, so there is no provider-specific web-endpoint or
// presigned-URL logic to carry over.
type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	Key             string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// S3Mirror uploads/downloads the single cache snapshot object named by
// cfg.Key, the way ldfd's S3Backend talks to a bucket — minus every method
// (Copy, List, presigned URLs, web endpoints) this store never calls.
type S3Mirror struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3Mirror builds an S3Mirror from cfg.
func NewS3Mirror(cfg S3Config) *S3Mirror {
	client := s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: cfg.PathStyle,
	})
	return &S3Mirror{client: client, cfg: cfg}
}

// Upload reads path and puts its bytes at the mirror's configured key.
func (m *S3Mirror) Upload(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat snapshot: %w", err)
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.Bucket),
		Key:           aws.String(m.cfg.Key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return fmt.Errorf("upload cache snapshot: %w", err)
	}
	return nil
}

// Download fetches the mirror's object and writes it to path.
func (m *S3Mirror) Download(ctx context.Context, path string) error {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(m.cfg.Key),
	})
	if err != nil {
		return fmt.Errorf("download cache snapshot: %w", err)
	}
	defer out.Body.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create local snapshot: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := out.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write local snapshot: %w", werr)
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read remote snapshot: %w", rerr)
		}
	}
}
