// Package objectstore wraps an S3-compatible object store used by the
// workspace file synchronizer (spec §4.6) to persist sandbox workspace
// files between turns. Generalized from the minio-go client shape used
// elsewhere in the example pack for blob storage.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config configures the object store client.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Prefix          string
	UseSSL          bool
	Region          string
}

// Client wraps minio-go for the workspace file synchronizer's put/list/get
// operations.
type Client struct {
	mc     *minio.Client
	bucket string
	prefix string
}

// New creates an object store client from cfg.
func New(cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio.New: %w", err)
	}
	return &Client{mc: mc, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// key builds the full object key: {prefix}/{tenantID}/{conversationID}/{relPath}.
func (c *Client) key(tenantID, conversationID, relPath string) string {
	parts := []string{}
	if c.prefix != "" {
		parts = append(parts, c.prefix)
	}
	parts = append(parts, tenantID, conversationID, strings.TrimPrefix(relPath, "/"))
	return strings.Join(parts, "/")
}

// List enumerates every object stored under a conversation's prefix.
func (c *Client) List(ctx context.Context, tenantID, conversationID string) ([]ObjectInfo, error) {
	prefix := c.key(tenantID, conversationID, "")
	var out []ObjectInfo
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects under %s: %w", prefix, obj.Err)
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified, ETag: obj.ETag})
	}
	return out, nil
}

// Get opens a reader for one stored file. Caller closes it.
func (c *Client) Get(ctx context.Context, tenantID, conversationID, relPath string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, c.key(tenantID, conversationID, relPath), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return obj, nil
}

// Put uploads a file version, returning the new object's ETag as the
// checksum recorded on the WorkspaceFile row.
func (c *Client) Put(ctx context.Context, tenantID, conversationID, relPath string, r io.Reader, size int64, contentType string) (string, error) {
	info, err := c.mc.PutObject(ctx, c.bucket, c.key(tenantID, conversationID, relPath), r, size,
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return info.ETag, nil
}

// RelativePath strips the conversation prefix from a stored key, returning
// the sandbox-relative path used in WorkspaceFile rows.
func (c *Client) RelativePath(tenantID, conversationID, key string) string {
	prefix := c.key(tenantID, conversationID, "")
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
}
