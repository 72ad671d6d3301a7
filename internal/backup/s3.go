package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/docforge/querycache/internal/cache"
)

const (
	snapshotVersion = 1
	keyLayout       = "20060102T150405.000Z"
)

// Config represents S3 snapshot settings
type Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
	MaxRetries      int
	// Interval between scheduled backups; zero disables Run.
	Interval time.Duration
}

// S3API is the subset of the S3 client used for snapshots.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Store is the cache tier being snapshotted.
type Store interface {
	Export() ([]cache.ExportedEntry, error)
	Import(ctx context.Context, entries []cache.ExportedEntry) int
}

// Snapshot describes one uploaded export.
type Snapshot struct {
	Key       string    `json:"key"`
	Entries   int       `json:"entries"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

type document struct {
	Version   int                   `json:"version"`
	CreatedAt time.Time             `json:"created_at"`
	Entries   []cache.ExportedEntry `json:"entries"`
}

// NewClient builds an S3 client from cfg. Static credentials are used when
// both keys are set, otherwise the default AWS credential chain applies.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.MaxRetries))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}

// S3Snapshotter uploads exports of a persistent cache store to S3 and
// restores them.
type S3Snapshotter struct {
	client S3API
	store  Store
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	last *Snapshot
}

// NewS3Snapshotter creates a snapshotter for store.
func NewS3Snapshotter(client S3API, store Store, cfg Config, logger *zap.Logger) (*S3Snapshotter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if client == nil || store == nil {
		return nil, fmt.Errorf("snapshotter needs a client and a store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &S3Snapshotter{
		client: client,
		store:  store,
		config: cfg,
		logger: logger.Named("backup").With(zap.String("bucket", cfg.Bucket)),
		now:    time.Now,
	}, nil
}

func (s *S3Snapshotter) objectKey(t time.Time) string {
	return path.Join(s.config.Prefix, t.UTC().Format(keyLayout)+".json")
}

func (s *S3Snapshotter) listPrefix() string {
	if s.config.Prefix == "" {
		return ""
	}
	return s.config.Prefix + "/"
}

// Backup exports the store and uploads it as one JSON object.
func (s *S3Snapshotter) Backup(ctx context.Context) (Snapshot, error) {
	entries, err := s.store.Export()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to export cache: %w", err)
	}
	created := s.now()
	body, err := json.Marshal(document{Version: snapshotVersion, CreatedAt: created, Entries: entries})
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	key := s.objectKey(created)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.config.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return Snapshot{}, s.translateError(err, "PutObject", key)
	}

	snap := Snapshot{Key: key, Entries: len(entries), Size: int64(len(body)), CreatedAt: created}
	s.mu.Lock()
	s.last = &snap
	s.mu.Unlock()

	s.logger.Info("Cache snapshot uploaded",
		zap.String("key", key),
		zap.Int("entries", len(entries)),
		zap.Int("bytes", len(body)))
	return snap, nil
}

// Restore downloads the snapshot at key and imports its entries. An empty
// key restores the latest snapshot.
func (s *S3Snapshotter) Restore(ctx context.Context, key string) (int, error) {
	if key == "" {
		latest, err := s.Latest(ctx)
		if err != nil {
			return 0, err
		}
		key = latest
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, s.translateError(err, "GetObject", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot body: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("failed to decode snapshot %s: %w", key, err)
	}
	if doc.Version != snapshotVersion {
		return 0, fmt.Errorf("unsupported snapshot version %d", doc.Version)
	}

	imported := s.store.Import(ctx, doc.Entries)
	s.logger.Info("Cache snapshot restored",
		zap.String("key", key),
		zap.Int("entries", len(doc.Entries)),
		zap.Int("imported", imported))
	return imported, nil
}

// Latest returns the key of the newest snapshot under the prefix.
func (s *S3Snapshotter) Latest(ctx context.Context) (string, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(s.listPrefix()),
	})

	var latest string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return "", s.translateError(err, "ListObjectsV2", s.listPrefix())
		}
		for _, obj := range page.Contents {
			// Keys embed a fixed-width UTC timestamp, so the largest is the newest.
			if k := aws.ToString(obj.Key); strings.HasSuffix(k, ".json") && k > latest {
				latest = k
			}
		}
	}
	if latest == "" {
		return "", ErrNoSnapshot
	}
	return latest, nil
}

// LastBackup returns the snapshot uploaded most recently by this process.
func (s *S3Snapshotter) LastBackup() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Snapshot{}, false
	}
	return *s.last, true
}

// HealthCheck verifies the bucket is reachable.
func (s *S3Snapshotter) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.config.Bucket)})
	if err != nil {
		return fmt.Errorf("S3 health check failed: %w", err)
	}
	return nil
}

// Run backs up on every interval tick until ctx is done. Failures are
// logged and the next tick tries again.
func (s *S3Snapshotter) Run(ctx context.Context) {
	if s.config.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Backup(ctx); err != nil {
				s.logger.Warn("Scheduled cache snapshot failed", zap.Error(err))
			}
		}
	}
}

// ErrNoSnapshot is returned when the prefix holds no snapshot.
var ErrNoSnapshot = errors.New("no snapshot found")

func (s *S3Snapshotter) translateError(err error, operation, key string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err):
		return fmt.Errorf("snapshot not found: %s", key)
	case isErrorType[*s3types.NoSuchBucket](err):
		return fmt.Errorf("bucket not found: %s", s.config.Bucket)
	default:
		return fmt.Errorf("%s failed for %s: %w", operation, key, err)
	}
}

func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
