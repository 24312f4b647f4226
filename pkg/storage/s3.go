package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/duocast/backend/internal/models"
)

const (
	// FolderChunks is the object prefix for raw uploaded chunks.
	FolderChunks = "uploads"
	// FolderFinal is the object prefix for assembled artifacts.
	FolderFinal = "recordings"
)

// Allowed chunk MIME types and their extensions.
var allowedChunkTypes = map[string]string{
	"video/webm": ".webm",
	"video/mp4":  ".mp4",
}

// ValidChunkContentType reports whether the content type is accepted for
// chunk uploads.
func ValidChunkContentType(contentType string) bool {
	_, ok := allowedChunkTypes[strings.ToLower(contentType)]
	return ok
}

// ChunkExt returns the file extension for a chunk content type.
func ChunkExt(contentType string) string {
	if ext, ok := allowedChunkTypes[strings.ToLower(contentType)]; ok {
		return ext
	}
	return ".webm"
}

// ChunkKey returns the object key for one uploaded chunk. The key is
// deterministic per (room, role, chunk index) so a retried upload lands on
// the same object.
func ChunkKey(roomID, role string, chunkIndex int, contentType string) string {
	return path.Join(FolderChunks, roomID, fmt.Sprintf("%s_chunk_%04d%s", role, chunkIndex, ChunkExt(contentType)))
}

// ChunkPrefix returns the listing prefix for a room's uploaded chunks.
func ChunkPrefix(roomID string) string {
	return FolderChunks + "/" + roomID + "/"
}

// FinalKey returns the object key for a room's assembled artifact.
// Deterministic across retries: re-running assembly overwrites it.
func FinalKey(roomID string) string {
	return path.Join(FolderFinal, roomID, "final_video.mp4")
}

// Config holds S3 client configuration. EndpointURL switches the client to
// an S3-compatible store (Cloudflare R2, MinIO).
type Config struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	EndpointURL          string
	Bucket               string
	PublicURLBase        string
	PresignExpireMinutes int
}

// S3 provides chunk-store operations on one bucket: presigned upload slots,
// integrity checks, downloads for assembly and batch deletes.
type S3 struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	download *manager.Downloader
	cfg      Config
	logger   *zap.Logger
}

// New creates an S3 chunk store using credentials from config or the
// standard AWS environment.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})
	logger.Info("chunk store ready",
		zap.String("bucket", cfg.Bucket), zap.String("region", cfg.Region))
	return &S3{
		client:  client,
		presign: s3.NewPresignClient(client),
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 5 * 1024 * 1024
		}),
		download: manager.NewDownloader(client),
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// PresignExpire returns the configured presign duration.
func (s *S3) PresignExpire() time.Duration {
	if s.cfg.PresignExpireMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
}

// PresignUpload returns a time-limited PUT URL authorizing a direct client
// write to key.
func (s *S3) PresignUpload(ctx context.Context, key, contentType string, expires time.Duration) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("%w: presign put: %v", models.ErrTransientStorage, err)
	}
	return req.URL, nil
}

// PresignDownload returns a time-limited GET URL for key.
func (s *S3) PresignDownload(ctx context.Context, key string, expires time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("%w: presign get: %v", models.ErrTransientStorage, err)
	}
	return req.URL, nil
}

// Head returns the object's ETag (quotes stripped) and size. A missing
// object maps to models.ErrNotFound; any other failure is transient.
func (s *S3) Head(ctx context.Context, key string) (etag string, size int64, err error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return "", 0, fmt.Errorf("%w: object %s", models.ErrNotFound, key)
		}
		return "", 0, fmt.Errorf("%w: head %s: %v", models.ErrTransientStorage, key, err)
	}
	if out.ETag != nil {
		etag = strings.Trim(*out.ETag, `"`)
	}
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return etag, size, nil
}

// Download writes the object at key to localPath.
func (s *S3) Download(ctx context.Context, key, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", localPath, err)
	}
	defer f.Close()
	_, err = s.download.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: download %s: %v", models.ErrTransientStorage, key, err)
	}
	return nil
}

// Upload streams localPath to key and returns the object's URL.
func (s *S3) Upload(ctx context.Context, key, localPath, contentType string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("%w: upload %s: %v", models.ErrTransientStorage, key, err)
	}
	return s.ObjectURL(key), nil
}

// List returns the keys under prefix.
func (s *S3) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", models.ErrTransientStorage, prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

// Delete removes the given objects in one batch call.
func (s *S3) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ids := make([]types.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
	}
	_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.cfg.Bucket),
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("%w: delete %d objects: %v", models.ErrTransientStorage, len(keys), err)
	}
	return nil
}

// ObjectURL returns the externally reachable URL for key, preferring the
// configured public base (e.g. an R2 public domain).
func (s *S3) ObjectURL(key string) string {
	if s.cfg.PublicURLBase != "" {
		return strings.TrimRight(s.cfg.PublicURLBase, "/") + "/" + key
	}
	if s.cfg.EndpointURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.EndpointURL, "/"), s.cfg.Bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
}
