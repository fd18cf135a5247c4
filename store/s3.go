package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alimasry/go-collab-relay/crdt"
)

// S3Config configures an S3Storage. Endpoint is optional and selects an
// S3-compatible service.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// S3Storage stores every persisted fragment as one object named
// "<room>/<docname>/<branch>/<gc>/<uuid>". The object key is the reference.
type S3Storage struct {
	client *s3.Client
	bucket string
}

// NewS3Storage builds a client from cfg and creates the bucket if missing.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	s := &S3Storage{client: client, bucket: cfg.Bucket}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *S3Storage) ensureBucket(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err == nil {
		return nil
	}
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	var owned *types.BucketAlreadyOwnedByYou
	if err != nil && !errors.As(err, &owned) {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func objectPrefix(room, docname string, o Options) string {
	return url.PathEscape(room) + "/" + url.PathEscape(docname) + "/" + o.Branch + "/" + strconv.FormatBool(o.GC) + "/"
}

func (s *S3Storage) PersistDoc(ctx context.Context, room, docname string, doc *crdt.Doc, opts ...Option) error {
	key := objectPrefix(room, docname, applyOptions(opts)) + uuid.NewString()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(doc.EncodeStateAsUpdate()),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *S3Storage) RetrieveDoc(ctx context.Context, room, docname string, opts ...Option) (*Retrieved, error) {
	prefix := objectPrefix(room, docname, applyOptions(opts))
	var refs []Reference
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			refs = append(refs, Reference(aws.ToString(obj.Key)))
		}
	}
	if len(refs) == 0 {
		return nil, nil
	}

	updates := make([][]byte, len(refs))
	var mu sync.Mutex
	var missing []int
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		g.Go(func() error {
			b, err := s.get(gctx, string(ref))
			if errors.Is(err, ErrNotFound) {
				mu.Lock()
				missing = append(missing, i)
				mu.Unlock()
				return nil
			}
			updates[i] = b
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// fragments deleted by a concurrent compaction are skipped
	if len(missing) > 0 {
		kept := updates[:0]
		for _, u := range updates {
			if u != nil {
				kept = append(kept, u)
			}
		}
		updates = kept
	}
	return &Retrieved{Doc: crdt.MergeUpdates(updates), References: refs}, nil
}

func (s *S3Storage) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Storage) RetrieveStateVector(ctx context.Context, room, docname string, opts ...Option) ([]byte, error) {
	return stateVectorOf(s.RetrieveDoc(ctx, room, docname, opts...))
}

// DeleteReferences removes fragments by key. Keys already carry the branch and
// gc partition.
func (s *S3Storage) DeleteReferences(ctx context.Context, _, _ string, refs []Reference, _ ...Option) error {
	if len(refs) == 0 {
		return nil
	}
	objects := make([]types.ObjectIdentifier, len(refs))
	for i, ref := range refs {
		objects[i] = types.ObjectIdentifier{Key: aws.String(string(ref))}
	}
	_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: objects},
	})
	if err != nil {
		return fmt.Errorf("delete references: %w", err)
	}
	return nil
}

func (s *S3Storage) Close() error { return nil }
