package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type memS3 struct {
	objects map[string][]byte
	puts    []*s3.PutObjectInput
}

func newMemS3() *memS3 { return &memS3{objects: map[string][]byte{}} }

func (m *memS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.objects[*in.Key] = data
	m.puts = append(m.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := m.objects[*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *memS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestUploadAndDownload(t *testing.T) {
	api := newMemS3()
	c := newClient(api, "bucket", "masks/")
	ctx := context.Background()

	up, err := c.Upload(ctx, "/tmp/out/mask.png", []byte("png-bytes"), "image/png")
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if up.Key != "masks/mask.png" {
		t.Errorf("key = %q, want masks/mask.png", up.Key)
	}
	if got := aws.ToString(api.puts[0].ContentType); got != "image/png" {
		t.Errorf("content type = %q", got)
	}
	if api.puts[0].Metadata["sha256"] != up.SHA256 {
		t.Error("sha256 metadata not set")
	}

	var buf bytes.Buffer
	down, err := c.Download(ctx, up.Key, &buf, 1024)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if buf.String() != "png-bytes" {
		t.Errorf("content = %q", buf.String())
	}
	if down.SHA256 != up.SHA256 || down.Size != up.Size {
		t.Errorf("download %+v does not match upload %+v", down, up)
	}
}

func TestDownloadSizeLimit(t *testing.T) {
	api := newMemS3()
	api.objects["big.png"] = bytes.Repeat([]byte("x"), 100)
	c := newClient(api, "bucket", "")

	if _, err := c.Download(context.Background(), "big.png", io.Discard, 99); err == nil {
		t.Error("expected error for object over the limit")
	}
	if _, err := c.Download(context.Background(), "big.png", io.Discard, 100); err != nil {
		t.Errorf("object at the limit should pass: %v", err)
	}
}

func TestExists(t *testing.T) {
	api := newMemS3()
	api.objects["masks/a.png"] = []byte("a")
	c := newClient(api, "bucket", "masks/")

	ok, err := c.Exists(context.Background(), "masks/a.png")
	if err != nil || !ok {
		t.Errorf("Exists(a) = %v, %v", ok, err)
	}
	ok, err = c.Exists(context.Background(), "masks/missing.png")
	if err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v", ok, err)
	}
}

func TestListObjects(t *testing.T) {
	api := newMemS3()
	api.objects["masks/a.png"] = nil
	api.objects["masks/b.png"] = nil
	api.objects["images/c.png"] = nil
	c := newClient(api, "bucket", "masks/")

	keys, err := c.ListObjects(context.Background(), "masks/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "masks/a.png" || keys[1] != "masks/b.png" {
		t.Errorf("keys = %v", keys)
	}
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		in     string
		key    string
		wantOK bool
	}{
		{"s3://masks/a.png", "masks/a.png", true},
		{"s3://", "", false},
		{"./local.png", "", false},
	}
	for _, tt := range tests {
		key, ok := ParseURI(tt.in)
		if ok != tt.wantOK || key != tt.key {
			t.Errorf("ParseURI(%q) = %q,%v want %q,%v", tt.in, key, ok, tt.key, tt.wantOK)
		}
	}
}
