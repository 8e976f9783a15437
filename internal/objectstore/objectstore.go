// Package objectstore keeps the bytes behind s3:// file URIs. Production
// deployments point it at S3 or MinIO; a bare install falls back to a local
// directory and tests use the in-memory store. Cell values only ever carry
// the URI, never the bytes.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/embeddedllm/jamai/internal/config"
	"github.com/embeddedllm/jamai/pkg/errs"
)

// Object is one stored file.
type Object struct {
	Data        []byte
	ContentType string
}

// Store reads and writes file objects addressed by s3://bucket/key URIs.
type Store interface {
	// Put stores data under key and returns the object's URI.
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	// Get fetches the object behind uri.
	Get(ctx context.Context, uri string) (*Object, error)
	// Delete removes the object behind uri. Deleting a missing object is
	// not an error.
	Delete(ctx context.Context, uri string) error
	// PresignGet returns a short-lived direct download URL, or "" when the
	// backend cannot presign and the caller must stream the bytes itself.
	PresignGet(ctx context.Context, uri string) (string, error)
}

// ParseURI splits an s3://bucket/key URI.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", errs.New(errs.KindBadInput, "invalid file URI %q: want s3://bucket/key", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", errs.New(errs.KindBadInput, "invalid file URI %q: want s3://bucket/key", uri)
	}
	return bucket, key, nil
}

// Open selects the store implementation from config: endpoint and bucket
// both empty means the local directory store, anything else is S3/MinIO.
func Open(ctx context.Context, cfg config.S3Config) (Store, error) {
	if cfg.Endpoint == "" && cfg.Bucket == "" {
		log.Info().Str("dir", cfg.FileDir).Msg("Files: using local directory store")
		return NewLocal(cfg.FileDir)
	}
	return NewS3(ctx, cfg)
}

// contentTypeFor sniffs a content type for stores that do not persist one.
func contentTypeFor(key string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(key)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

// ── Local directory store ──────────────────────────────────────────────

// localBucket names the single pseudo-bucket the non-S3 stores serve.
const localBucket = "file"

// Local stores objects as plain files under a root directory, preserving
// the bucket/key layout so a later move to S3 keeps every URI valid.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create file dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

// path maps bucket/key to a filesystem path, refusing traversal outside dir.
func (l *Local) path(bucket, key string) (string, error) {
	p := filepath.Join(l.dir, bucket, filepath.FromSlash(key))
	if !strings.HasPrefix(p, filepath.Clean(l.dir)+string(filepath.Separator)) {
		return "", errs.New(errs.KindBadInput, "invalid file key %q", key)
	}
	return p, nil
}

func (l *Local) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	p, err := l.path(localBucket, key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create file dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", localBucket, key), nil
}

func (l *Local) Get(ctx context.Context, uri string) (*Object, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	p, err := l.path(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, errs.NotFound("file", uri)
	}
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return &Object{Data: data, ContentType: contentTypeFor(key, data)}, nil
}

func (l *Local) Delete(ctx context.Context, uri string) error {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return err
	}
	p, err := l.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

func (l *Local) PresignGet(ctx context.Context, uri string) (string, error) {
	return "", nil
}

// ── In-memory store ──────────────────────────────────────────────

// Memory keeps objects in a map. Tests only.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]Object
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

func (m *Memory) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if contentType == "" {
		contentType = contentTypeFor(key, data)
	}
	uri := fmt.Sprintf("s3://%s/%s", localBucket, key)
	m.mu.Lock()
	m.objects[uri] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	m.mu.Unlock()
	return uri, nil
}

func (m *Memory) Get(ctx context.Context, uri string) (*Object, error) {
	if _, _, err := ParseURI(uri); err != nil {
		return nil, err
	}
	m.mu.RLock()
	obj, ok := m.objects[uri]
	m.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("file", uri)
	}
	return &Object{Data: append([]byte(nil), obj.Data...), ContentType: obj.ContentType}, nil
}

func (m *Memory) Delete(ctx context.Context, uri string) error {
	if _, _, err := ParseURI(uri); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, uri)
	m.mu.Unlock()
	return nil
}

func (m *Memory) PresignGet(ctx context.Context, uri string) (string, error) {
	return "", nil
}

// ── S3 / MinIO store ──────────────────────────────────────────────

// S3Store serves a single bucket through the AWS SDK. MinIO and other
// S3-compatible services work via a custom endpoint with path-style
// addressing.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	expiry    time.Duration
}

func NewS3(ctx context.Context, cfg config.S3Config) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("head bucket %s: %w", cfg.Bucket, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("Files: S3 object store ready")

	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		expiry:    cfg.PresignExpiry,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if contentType == "" {
		contentType = contentTypeFor(key, data)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func (s *S3Store) Get(ctx context.Context, uri string) (*Object, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, errs.NotFound("file", uri)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return &Object{Data: data, ContentType: aws.ToString(out.ContentType)}, nil
}

func (s *S3Store) Delete(ctx context.Context, uri string) error {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) PresignGet(ctx context.Context, uri string) (string, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

func isNoSuchKey(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
