package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type putCall struct {
	body     string
	metadata map[string]string
	length   int64
}

type fakeObjectAPI struct {
	puts      map[string]putCall
	deletes   []string
	lifecycle *s3.PutBucketLifecycleConfigurationInput
	failPut   error
}

func (f *fakeObjectAPI) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failPut != nil {
		return nil, f.failPut
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	if f.puts == nil {
		f.puts = map[string]putCall{}
	}
	f.puts[aws.ToString(params.Key)] = putCall{
		body:     string(body),
		metadata: params.Metadata,
		length:   aws.ToInt64(params.ContentLength),
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjectAPI) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deletes = append(f.deletes, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeObjectAPI) PutBucketLifecycleConfiguration(
	_ context.Context,
	params *s3.PutBucketLifecycleConfigurationInput,
	_ ...func(*s3.Options),
) (*s3.PutBucketLifecycleConfigurationOutput, error) {
	f.lifecycle = params
	return &s3.PutBucketLifecycleConfigurationOutput{}, nil
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "clientrequest/42.json", RequestKey(42))
	assert.Equal(t, "serverresponse/7.json", ResponseKey(7))
}

func TestS3StorePut(t *testing.T) {
	api := &fakeObjectAPI{}
	store := &S3Store{bucket: "captures", client: api}
	ctx := context.Background()

	document := Document{
		Resource:   "clientrequest",
		ID:         1,
		CaptureID:  "c-1",
		Content:    "GET / HTTP/1.1\r\n\r\n",
		ArchivedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Put(ctx, RequestKey(1), document))

	call, ok := api.puts["clientrequest/1.json"]
	require.True(t, ok)
	assert.Equal(t, int64(len(call.body)), call.length)
	assert.Equal(t, map[string]string{"resource": "clientrequest", "row-id": "1", "capture-id": "c-1"}, call.metadata)

	decoded := Document{}
	require.NoError(t, json.Unmarshal([]byte(call.body), &decoded))
	assert.Equal(t, document, decoded)

	require.NoError(t, store.Delete(ctx, RequestKey(1)))
	assert.Equal(t, []string{"clientrequest/1.json"}, api.deletes)
}

func TestS3StorePutWrapsErrors(t *testing.T) {
	boom := errors.New("slow down")
	store := &S3Store{bucket: "captures", client: &fakeObjectAPI{failPut: boom}}

	err := store.Put(context.Background(), ResponseKey(3), Document{Resource: "serverresponse", ID: 3})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "serverresponse/3.json")
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Options{Region: "us-east-1"})
	assert.Error(t, err)
}

func TestS3StoreLifecyclePolicy(t *testing.T) {
	api := &fakeObjectAPI{}
	store := &S3Store{bucket: "captures", client: api}

	require.NoError(t, store.EnsureLifecyclePolicy(context.Background(), 30, append(Prefixes(), RequestPrefix, " ")))
	require.NotNil(t, api.lifecycle)

	rules := api.lifecycle.LifecycleConfiguration.Rules
	require.Len(t, rules, 3)
	assert.Equal(t, RequestPrefix, aws.ToString(rules[0].Filter.Prefix))
	assert.Equal(t, ResponsePrefix, aws.ToString(rules[1].Filter.Prefix))
	assert.Nil(t, rules[2].Filter.Prefix)
	assert.Equal(t, int32(30), aws.ToInt32(rules[0].Expiration.Days))
	assert.Equal(t, int32(7), aws.ToInt32(rules[0].AbortIncompleteMultipartUpload.DaysAfterInitiation))

	assert.Error(t, store.EnsureLifecyclePolicy(context.Background(), 0, nil))
}

func TestLifecycleRulesShortRetention(t *testing.T) {
	rules := lifecycleRules(2, nil)

	require.Len(t, rules, 1)
	assert.Nil(t, rules[0].Filter.Prefix)
	assert.Equal(t, int32(2), aws.ToInt32(rules[0].AbortIncompleteMultipartUpload.DaysAfterInitiation))
}

func TestNoopStoreIsNotConfigured(t *testing.T) {
	store := NewNoopStore()

	assert.ErrorIs(t, store.Put(context.Background(), "k", Document{}), ErrNotConfigured)
	assert.ErrorIs(t, store.Delete(context.Background(), "k"), ErrNotConfigured)
	assert.NoError(t, store.Close())
}
