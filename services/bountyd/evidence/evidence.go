package evidence

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"lukechampine.com/blake3"

	"labescrow/observability/metrics"
)

var (
	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = errors.New("evidence: object too large")
	// ErrNotFound is returned for unknown content hashes.
	ErrNotFound = errors.New("evidence: object not found")
)

// Config mirrors the object storage section of the service config.
type Config struct {
	Endpoint     string `yaml:"endpoint" toml:"endpoint"`
	AccessKey    string `yaml:"access_key" toml:"access_key"`
	AccessKeyEnv string `yaml:"access_key_env" toml:"access_key_env"`
	SecretKey    string `yaml:"secret_key" toml:"secret_key"`
	SecretKeyEnv string `yaml:"secret_key_env" toml:"secret_key_env"`
	Bucket       string `yaml:"bucket" toml:"bucket"`
	Region       string `yaml:"region" toml:"region"`
	UseSSL       bool   `yaml:"use_ssl" toml:"use_ssl"`
	MaxBytes     int64  `yaml:"max_bytes" toml:"max_bytes"`
	ExpireHours  int    `yaml:"expire_hours" toml:"expire_hours"`
}

// ObjectStore is the subset of S3 operations the evidence store needs.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, meta map[string]string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Object describes stored evidence.
type Object struct {
	Hash        string `json:"hash"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
	URL         string `json:"url,omitempty"`
	Duplicate   bool   `json:"duplicate"`
}

// Store content-addresses milestone evidence. The hash it returns is the
// value labs submit as SUBMIT_MILESTONE.evidenceHash.
type Store struct {
	objects  ObjectStore
	maxBytes int64
	expiry   time.Duration
}

const (
	defaultMaxBytes = 64 << 20
	defaultExpiry   = 24 * time.Hour
)

// NewStore wraps an object store.
func NewStore(objects ObjectStore, maxBytes int64, expiry time.Duration) *Store {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	if expiry <= 0 {
		expiry = defaultExpiry
	}
	return &Store{objects: objects, maxBytes: maxBytes, expiry: expiry}
}

// Hash returns the hex blake3-256 digest of data.
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key returns the object key for a bounty's evidence hash.
func Key(bountyID, hash string) string {
	return path.Join("bounties", url.PathEscape(bountyID), "evidence", hash)
}

// Put hashes and stores body. Identical content for the same bounty is
// stored once.
func (s *Store) Put(ctx context.Context, bountyID, milestoneID string, body io.Reader, contentType string) (*Object, error) {
	if strings.TrimSpace(bountyID) == "" {
		return nil, errors.New("evidence: bounty id required")
	}
	data, err := io.ReadAll(io.LimitReader(body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("evidence: read body: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, ErrTooLarge
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	hash := Hash(data)
	obj := &Object{
		Hash:        hash,
		Key:         Key(bountyID, hash),
		Size:        int64(len(data)),
		ContentType: contentType,
	}
	exists, err := s.objects.Exists(ctx, obj.Key)
	if err != nil {
		return nil, fmt.Errorf("evidence: stat %s: %w", obj.Key, err)
	}
	if exists {
		obj.Duplicate = true
	} else {
		meta := map[string]string{"bounty-id": bountyID, "blake3": hash}
		if milestoneID != "" {
			meta["milestone-id"] = milestoneID
		}
		if err := s.objects.Put(ctx, obj.Key, bytes.NewReader(data), obj.Size, contentType, meta); err != nil {
			return nil, fmt.Errorf("evidence: upload: %w", err)
		}
	}
	metrics.Bountyd().ObserveEvidence(contentType, obj.Size, obj.Duplicate)
	if link, err := s.objects.PresignedURL(ctx, obj.Key, s.expiry); err == nil {
		obj.URL = link
	}
	return obj, nil
}

// Verify re-reads stored evidence and checks its content still matches hash.
func (s *Store) Verify(ctx context.Context, bountyID, hash string) (bool, error) {
	key := Key(bountyID, hash)
	exists, err := s.objects.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	rc, err := s.objects.Get(ctx, key)
	if err != nil {
		return false, err
	}
	defer rc.Close()
	hasher := blake3.New(32, nil)
	if _, err := io.Copy(hasher, rc); err != nil {
		return false, err
	}
	return hex.EncodeToString(hasher.Sum(nil)) == hash, nil
}

// MinioStore implements ObjectStore on MinIO or any S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore creates the client. It does not contact the server.
func NewMinioStore(cfg Config) (*MinioStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("evidence: endpoint and bucket required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("evidence: create minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (m *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("evidence: check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("evidence: create bucket: %w", err)
	}
	return nil
}

func (m *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

func (m *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, meta map[string]string) error {
	_, err := m.client.PutObject(ctx, m.bucket, key, body, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	return err
}

func (m *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
}

func (m *MinioStore) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	link, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", err
	}
	return link.String(), nil
}
