package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chatsdk/config"
	"chatsdk/internal/attachment"
)

const defaultRegion = "us-east-1"

// S3Uploader stores attachments in a bucket and hands out their public URL.
type S3Uploader struct {
	client    *s3.Client
	cfg       config.S3
	pathStyle bool
	prefix    string
	now       func() time.Time
}

// NewS3Uploader creates the S3 client. Objects are stored below prefix.
func NewS3Uploader(cfg config.S3, prefix string) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}
	if cfg.Region == "" {
		cfg.Region = defaultRegion
	}

	// Clean endpoint if it contains bucket name (common misconfiguration)
	if cfg.Endpoint != "" && strings.Contains(cfg.Endpoint, cfg.Bucket+".") {
		cleaned := strings.Replace(cfg.Endpoint, cfg.Bucket+".", "", 1)
		log.Warn().
			Str("originalEndpoint", cfg.Endpoint).
			Str("cleanedEndpoint", cleaned).
			Str("bucket", cfg.Bucket).
			Msg("Cleaned bucket name from S3 endpoint - endpoint should not contain bucket name")
		cfg.Endpoint = cleaned
	}

	// Buckets with dots break virtual-hosted TLS certificates
	pathStyle := cfg.PathStyle || strings.Contains(cfg.Bucket, ".")

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = pathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	log.Info().
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Bool("pathStyle", pathStyle).
		Msg("S3 client initialized")

	return &S3Uploader{
		client:    client,
		cfg:       cfg,
		pathStyle: pathStyle,
		prefix:    strings.Trim(prefix, "/"),
		now:       time.Now,
	}, nil
}

// Key builds the object key for an attachment.
func (u *S3Uploader) Key(meta attachment.Metadata, id string) string {
	now := u.now().UTC()

	mediaType := "documents"
	switch {
	case strings.HasPrefix(meta.MimeType, "image/"):
		mediaType = "images"
	case strings.HasPrefix(meta.MimeType, "video/"):
		mediaType = "videos"
	case strings.HasPrefix(meta.MimeType, "audio/"):
		mediaType = "audio"
	}

	key := fmt.Sprintf("%s/%s/%s%s", now.Format("2006/01/02"), mediaType, id, extension(meta.MimeType))
	if u.prefix != "" {
		key = u.prefix + "/" + key
	}
	return key
}

func extension(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "gif"):
		return ".gif"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	case strings.Contains(mimeType, "docx"):
		return ".docx"
	case strings.Contains(mimeType, "msword"):
		return ".doc"
	case strings.HasPrefix(mimeType, "text/plain"):
		return ".txt"
	}
	return ".bin"
}

// Upload implements attachment.Uploader.
func (u *S3Uploader) Upload(ctx context.Context, data []byte, meta attachment.Metadata) (attachment.Reference, error) {
	key := u.Key(meta, uuid.NewString())

	contentType := meta.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:       aws.String(u.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	// Inline disposition lets agents preview the file
	if strings.HasPrefix(contentType, "image/") || strings.HasPrefix(contentType, "video/") || contentType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := u.client.PutObject(ctx, input); err != nil {
		log.Error().
			Str("key", key).
			Str("bucket", u.cfg.Bucket).
			Str("mimeType", contentType).
			Int("size", len(data)).
			Err(err).
			Msg("Failed to upload file to S3")
		return attachment.Reference{}, fmt.Errorf("%w: %v", attachment.ErrTransport, err)
	}

	url := u.PublicURL(key)
	log.Info().
		Str("key", key).
		Str("bucket", u.cfg.Bucket).
		Int("size", len(data)).
		Msg("File successfully uploaded to S3")
	return attachment.Reference{URL: url}, nil
}

// PublicURL is where agents fetch the object from.
func (u *S3Uploader) PublicURL(key string) string {
	if u.cfg.PublicURL != "" {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(u.cfg.PublicURL, "/"), u.cfg.Bucket, key)
	}

	endpoint := u.cfg.Endpoint
	if endpoint == "" || strings.Contains(endpoint, "amazonaws.com") {
		if u.pathStyle {
			return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", u.cfg.Region, u.cfg.Bucket, key)
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, key)
	}
	if u.pathStyle {
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(endpoint, "/"), u.cfg.Bucket, key)
	}
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	return fmt.Sprintf("https://%s.%s/%s", u.cfg.Bucket, strings.TrimRight(host, "/"), key)
}

// Ping checks that the bucket is reachable with the configured credentials.
func (u *S3Uploader) Ping(ctx context.Context) error {
	_, err := u.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(u.cfg.Bucket),
		MaxKeys: aws.Int32(1),
	})
	return err
}
