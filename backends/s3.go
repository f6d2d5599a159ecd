package backends

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// storeMarker is written under every store prefix on Open so that empty
// stores still show up in Names.
const storeMarker = ".store"

// S3API is the subset of the S3 client used by the S3 storage.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config configures the S3 storage.
type S3Config struct {
	// Bucket holding the stores.
	Bucket string
	// Prefix under which every store lives, e.g. "swcache/".
	Prefix string
	// Region of the bucket; empty uses the default AWS config chain.
	Region string
	// Endpoint of an S3 compatible service. Setting it enables path-style addressing.
	Endpoint string
}

// S3 stores each named cache store under its own key prefix in a bucket.
// Entries are JSON documents, one object per request key.
type S3 struct {
	client S3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3 creates an S3 storage using the default AWS credential chain.
func NewS3(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3WithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewS3WithClient creates an S3 storage on top of an existing client.
func NewS3WithClient(client S3API, bucket, prefix string, logger *slog.Logger) *S3 {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func (b *S3) storePrefix(name string) string {
	return b.prefix + url.PathEscape(name) + "/"
}

func (b *S3) Open(ctx context.Context, name string) (Store, error) {
	if err := ValidateStoreName(name); err != nil {
		return nil, err
	}
	prefix := b.storePrefix(name)
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(prefix + storeMarker),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store %q: %w", name, err)
	}
	return &s3Store{backend: b, name: name, prefix: prefix}, nil
}

func (b *S3) Names(ctx context.Context) ([]string, error) {
	var names []string
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(b.prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list stores: %w", err)
		}
		for _, cp := range page.CommonPrefixes {
			escaped := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), b.prefix), "/")
			name, err := url.PathUnescape(escaped)
			if err != nil {
				b.logger.Warn("skipping unreadable store prefix", "prefix", aws.ToString(cp.Prefix), "error", err)
				continue
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// listKeys returns every object key under prefix.
func (b *S3) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (b *S3) Delete(ctx context.Context, name string) (bool, error) {
	keys, err := b.listKeys(ctx, b.storePrefix(name))
	if err != nil {
		return false, fmt.Errorf("failed to list store %q: %w", name, err)
	}
	if len(keys) == 0 {
		return false, nil
	}
	// DeleteObjects accepts at most 1000 keys per call.
	for start := 0; start < len(keys); start += 1000 {
		end := min(start+1000, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(b.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return true, fmt.Errorf("failed to delete store %q: %w", name, err)
		}
		if out != nil && len(out.Errors) > 0 {
			return true, fmt.Errorf("failed to delete %d objects of store %q: %s",
				len(out.Errors), name, aws.ToString(out.Errors[0].Message))
		}
	}
	return true, nil
}

func (b *S3) Close() error { return nil }

type s3Store struct {
	backend *S3
	name    string
	prefix  string
}

func (s *s3Store) Name() string { return s.name }

func (s *s3Store) objectKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return s.prefix + hex.EncodeToString(sum[:])
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}

func (s *s3Store) Match(ctx context.Context, key string) (*Entry, bool, error) {
	out, err := s.backend.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.backend.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.backend.logger.Warn("corrupted cache object, treating as miss",
			"store", s.name,
			"key", key,
			"error", err,
		)
		return nil, true, nil
	}
	return &entry, false, nil
}

func (s *s3Store) Put(ctx context.Context, key string, entry *Entry) error {
	marker, err := s.backend.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.backend.bucket),
		Key:    aws.String(s.prefix + storeMarker),
	})
	if err != nil {
		if isNoSuchKey(err) {
			// Deleted by an activation while this write was in flight.
			return nil
		}
		return fmt.Errorf("failed to check store %q: %w", s.name, err)
	}
	marker.Body.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	_, err = s.backend.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.backend.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to put %q: %w", key, err)
	}
	return nil
}

func (s *s3Store) Delete(ctx context.Context, key string) (bool, error) {
	_, miss, err := s.Match(ctx, key)
	if err != nil {
		return false, err
	}
	if miss {
		return false, nil
	}
	_, err = s.backend.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.backend.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return true, nil
}

// entryObjects lists the entry object keys of the store, without the marker.
func (s *s3Store) entryObjects(ctx context.Context) ([]string, error) {
	all, err := s.backend.listKeys(ctx, s.prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list store %q: %w", s.name, err)
	}
	objects := all[:0]
	for _, k := range all {
		if k != s.prefix+storeMarker {
			objects = append(objects, k)
		}
	}
	return objects, nil
}

func (s *s3Store) Keys(ctx context.Context) ([]string, error) {
	objects, err := s.entryObjects(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		out, err := s.backend.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.backend.bucket),
			Key:    aws.String(obj),
		})
		if err != nil {
			if isNoSuchKey(err) {
				continue
			}
			return nil, fmt.Errorf("failed to get %q: %w", obj, err)
		}
		var entry Entry
		err = json.NewDecoder(out.Body).Decode(&entry)
		out.Body.Close()
		if err != nil {
			continue
		}
		keys = append(keys, Key(entry.Method, entry.URL))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *s3Store) Len(ctx context.Context) (int, error) {
	objects, err := s.entryObjects(ctx)
	if err != nil {
		return 0, err
	}
	return len(objects), nil
}
