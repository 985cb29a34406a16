// Package storage archives exported masks and source images in S3.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sdstudio/sdclient/pkg/errors"
)

// URIScheme marks an image argument that refers to an archived object.
const URIScheme = "s3://"

type objectAPI interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Client provides S3 storage operations
type Client struct {
	s3Client objectAPI
	bucket   string
	prefix   string
}

// NewClient creates a new S3 client. With anonymous set, requests are
// unsigned, which only works for public buckets.
func NewClient(ctx context.Context, bucket, region, prefix string, anonymous bool) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region, "prefix", prefix, "anonymous", anonymous)

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if anonymous {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	slog.Info("s3_client_created", "bucket", bucket)
	return newClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func newClient(api objectAPI, bucket, prefix string) *Client {
	return &Client{s3Client: api, bucket: bucket, prefix: prefix}
}

// Key returns the object key for a file name under the configured prefix.
func (c *Client) Key(name string) string {
	return path.Join(c.prefix, path.Base(name))
}

// ParseURI returns the object key of an s3:// argument.
func ParseURI(s string) (string, bool) {
	if !strings.HasPrefix(s, URIScheme) {
		return "", false
	}
	key := strings.TrimPrefix(s, URIScheme)
	return key, key != ""
}

// UploadResult contains upload metadata
type UploadResult struct {
	Key    string
	SHA256 string
	Size   int64
}

// Upload stores data under the configured prefix using the base of name as key.
func (c *Client) Upload(ctx context.Context, name string, data []byte, contentType string) (*UploadResult, error) {
	key := c.Key(name)
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])

	slog.Info("s3_upload_start", "bucket", c.bucket, "s3_key", key, "size", len(data))

	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		Metadata:      map[string]string{"sha256": checksum},
	})
	if err != nil {
		slog.Error("s3_put_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to upload object")
	}

	slog.Info("s3_upload_complete", "s3_key", key, "sha256", checksum[:16]+"...")
	return &UploadResult{Key: key, SHA256: checksum, Size: int64(len(data))}, nil
}

// DownloadResult contains download metadata
type DownloadResult struct {
	SHA256 string
	Size   int64
}

// Download copies an object into w and computes its SHA256. Objects larger
// than maxBytes are rejected.
func (c *Client) Download(ctx context.Context, s3Key string, w io.Writer, maxBytes int64) (*DownloadResult, error) {
	slog.Info("s3_download_start", "bucket", c.bucket, "s3_key", s3Key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", s3Key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(w, hash), io.LimitReader(result.Body, maxBytes+1))
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", s3Key, "error", err)
		return nil, errors.Wrap(err, "failed to download object")
	}
	if size > maxBytes {
		slog.Error("s3_download_too_large", "s3_key", s3Key, "max_bytes", maxBytes)
		return nil, errors.New("object exceeds size limit")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	slog.Info("s3_download_complete", "s3_key", s3Key, "size", size, "sha256", checksum[:16]+"...")

	return &DownloadResult{SHA256: checksum, Size: size}, nil
}

// ListObjects lists all objects in the bucket with a given prefix
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	slog.Info("s3_list_start", "bucket", c.bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}

		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}

	slog.Info("s3_list_complete", "prefix", prefix, "object_count", len(keys))
	return keys, nil
}

// Exists checks if an object exists in S3
func (c *Client) Exists(ctx context.Context, s3Key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			slog.Info("s3_object_not_found", "s3_key", s3Key)
			return false, nil
		}
		slog.Error("s3_head_object_failed", "s3_key", s3Key, "error", err)
		return false, errors.Wrap(err, "failed to check object existence")
	}

	return true, nil
}
