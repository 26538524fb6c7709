// Package aws fetches shared job archives from S3-compatible object storage.
package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"compute-broker/core/models"
	"compute-broker/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// objectGetter is the part of the S3 API the fetcher needs.
type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Client reads archives that requesters shared under
// <prefix>/<share token>/<hash>.tar.gz.
type Client struct {
	s3     objectGetter
	bucket string
	prefix string
}

// NewClient creates a new S3 client. A custom endpoint switches to
// path-style addressing for self-hosted stores.
func NewClient(ctx context.Context, bucket, region, endpoint, prefix string) (*Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &Client{s3: client, bucket: bucket, prefix: prefix}, nil
}

func (c *Client) objectKey(token, hash string) string {
	return path.Join(c.prefix, token, hash+".tar.gz")
}

func (c *Client) Fetch(ctx context.Context, req storage.FetchRequest) (storage.FetchResult, error) {
	key := c.objectKey(req.Token, req.Hash)
	obj, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return storage.FetchResult{}, &models.FetchError{
				Kind:      models.FetchContentUnavailable,
				Hash:      req.Hash,
				StorageID: models.StorageEUDAT,
				Err:       fmt.Errorf("s3://%s/%s does not exist", c.bucket, key),
			}
		}
		return storage.FetchResult{}, fmt.Errorf("getting s3://%s/%s: %w", c.bucket, key, err)
	}
	defer obj.Body.Close()

	out := filepath.Join(req.Dir, req.Hash+".tar.gz")
	f, err := os.Create(out)
	if err != nil {
		return storage.FetchResult{}, err
	}
	if _, err := io.Copy(f, obj.Body); err != nil {
		f.Close()
		return storage.FetchResult{}, fmt.Errorf("downloading %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		return storage.FetchResult{}, err
	}

	return storage.FetchResult{Path: out, Representation: models.RepresentationArchive, Cacheable: true}, nil
}
