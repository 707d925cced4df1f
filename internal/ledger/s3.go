package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/permamap/permamap/internal/common"
)

// S3Settings configures the S3-compatible ledger backend.
type S3Settings struct {
	RootUser     string
	RootPassword string
	Bucket       string
	Region       string
	BaseEndpoint string
}

// S3Gateway stores ledger entries in an S3-compatible bucket (MinIO in the
// development docker-compose). Payloads live under entries/<id>; each write
// also creates a height-ordered index object under
// index/<tag-digest>/<height>-<id> so QueryLatest can resolve "most recent
// matching all tags" with a prefix listing.
//
// Height for this backend is the write timestamp in nanoseconds, zero-padded
// so lexicographic key order equals height order.
// s3API is the slice of the S3 client the gateway uses, extracted so tests
// can substitute a fake.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type S3Gateway struct {
	client s3API
	bucket string
	now    func() time.Time
}

// NewS3Gateway builds the backend with static credentials and a custom base
// endpoint, the same client setup the development MinIO uses.
func NewS3Gateway(ctx context.Context, settings S3Settings) (*S3Gateway, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(settings.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			settings.RootUser,
			settings.RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(settings.BaseEndpoint)
		o.UsePathStyle = true
	})

	return &S3Gateway{client: client, bucket: settings.Bucket, now: time.Now}, nil
}

func entryKey(id string) string {
	return "entries/" + id
}

func indexKey(digest string, height int64, id string) string {
	return fmt.Sprintf("index/%s/%020d-%s", digest, height, id)
}

func (g *S3Gateway) Write(ctx context.Context, payload []byte, tags map[string]string) (string, error) {
	height := g.now().UnixNano()
	id := entryID(payload, height)

	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(entryKey(id)),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return "", fmt.Errorf("%w: put entry: %v", common.ErrorLedgerUnavailable, err)
	}

	// The index object is written after the payload so a successful query
	// never resolves to a missing entry.
	_, err = g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(indexKey(tagDigest(tags), height, id)),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return "", fmt.Errorf("%w: put index: %v", common.ErrorLedgerUnavailable, err)
	}

	return id, nil
}

func (g *S3Gateway) QueryLatest(ctx context.Context, tags map[string]string) (string, error) {
	prefix := "index/" + tagDigest(tags) + "/"

	var latest string
	paginator := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(g.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: list index: %v", common.ErrorLedgerUnavailable, err)
		}
		for _, obj := range page.Contents {
			if key := aws.ToString(obj.Key); key > latest {
				latest = key
			}
		}
	}

	if latest == "" {
		return "", common.ErrorNotFound
	}

	// key layout: index/<digest>/<height>-<id>
	name := strings.TrimPrefix(latest, prefix)
	_, id, ok := strings.Cut(name, "-")
	if !ok {
		return "", fmt.Errorf("%w: malformed index key %q", common.ErrorLedgerUnavailable, latest)
	}
	return id, nil
}

func (g *S3Gateway) Fetch(ctx context.Context, id string) ([]byte, error) {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(entryKey(id)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, common.ErrorEntryNotFound
		}
		return nil, fmt.Errorf("%w: get entry: %v", common.ErrorLedgerUnavailable, err)
	}
	defer out.Body.Close()

	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read entry: %v", common.ErrorLedgerUnavailable, err)
	}
	return payload, nil
}
