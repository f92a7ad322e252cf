package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// objectAPI is the subset of *s3.Client the archive calls.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	PutBucketLifecycleConfiguration(
		ctx context.Context,
		params *s3.PutBucketLifecycleConfigurationInput,
		optFns ...func(*s3.Options),
	) (*s3.PutBucketLifecycleConfigurationOutput, error)
}

type S3Options struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

type S3Store struct {
	bucket string
	client objectAPI
}

// NewS3Store builds a store on the default AWS credential chain. Static
// keys override the chain when set; a custom endpoint switches to
// path-style addressing for MinIO and similar servers.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, errors.New("archive bucket is required")
	}

	loadOpts := []func(*awsConfig.LoadOptions) error{awsConfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{bucket: opts.Bucket, client: client}, nil
}

// Put writes the document as JSON. Resource and capture id are also set as
// object metadata so objects can be inspected without downloading them.
func (s *S3Store) Put(ctx context.Context, objectKey string, document Document) error {
	body, err := json.Marshal(document)
	if err != nil {
		return fmt.Errorf("encode archive document %s: %w", objectKey, err)
	}

	metadata := map[string]string{
		"resource": document.Resource,
		"row-id":   strconv.FormatInt(document.ID, 10),
	}
	if document.CaptureID != "" {
		metadata["capture-id"] = document.CaptureID
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
		Metadata:      metadata,
	})
	if err != nil {
		return fmt.Errorf("put archive object %s: %w", objectKey, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, objectKey string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("delete archive object %s: %w", objectKey, err)
	}
	return nil
}

// EnsureLifecyclePolicy expires archived objects under prefixes after
// expirationDays, matching the row retention window.
func (s *S3Store) EnsureLifecyclePolicy(ctx context.Context, expirationDays int, prefixes []string) error {
	if expirationDays < 1 {
		return fmt.Errorf("expiration days must be >= 1, got %d", expirationDays)
	}

	_, err := s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(s.bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: lifecycleRules(expirationDays, prefixes),
		},
	})
	if err != nil {
		return fmt.Errorf("put bucket lifecycle configuration: %w", err)
	}
	return nil
}

func (s *S3Store) Close() error {
	return nil
}

func lifecycleRules(expirationDays int, prefixes []string) []types.LifecycleRule {
	unique := uniquePrefixes(prefixes)
	abortDays := int32(min(expirationDays, 7))

	rules := make([]types.LifecycleRule, 0, len(unique))
	for i, prefix := range unique {
		filter := &types.LifecycleRuleFilter{}
		if prefix != "" {
			filter.Prefix = aws.String(prefix)
		}
		rules = append(rules, types.LifecycleRule{
			ID:         aws.String("omnispective-expire-" + strconv.Itoa(i+1)),
			Status:     types.ExpirationStatusEnabled,
			Filter:     filter,
			Expiration: &types.LifecycleExpiration{Days: aws.Int32(int32(expirationDays))},
			AbortIncompleteMultipartUpload: &types.AbortIncompleteMultipartUpload{
				DaysAfterInitiation: aws.Int32(abortDays),
			},
		})
	}
	return rules
}

// uniquePrefixes trims and dedupes; an empty result means the whole bucket.
func uniquePrefixes(prefixes []string) []string {
	out := make([]string, 0, len(prefixes))
	for _, prefix := range prefixes {
		prefix = strings.TrimSpace(prefix)
		if !slices.Contains(out, prefix) {
			out = append(out, prefix)
		}
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}
