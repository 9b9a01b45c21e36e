package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves a single bucket from memory and pages listings two keys at a time
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	failGet error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return nil, f.failGet
	}
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = data
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, aws.ToString(in.Key))
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start = sort.SearchStrings(keys, tok)
	}
	end := start + 2
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func TestS3Store(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) Store {
		return newS3Store(newFakeS3(), "bucket")
	})
}

func TestS3StorePagesListings(t *testing.T) {
	ctx := context.Background()
	s := newS3Store(newFakeS3(), "bucket")

	want := []string{"block/01", "block/02", "block/03", "block/04", "block/05"}
	for _, k := range want {
		require.NoError(t, s.Put(ctx, k, []byte(k)))
	}

	keys, err := s.List(ctx, "block/")
	require.NoError(t, err)
	require.Equal(t, want, keys)
}

func TestS3StoreTransientErrors(t *testing.T) {
	fake := newFakeS3()
	fake.failGet = errors.New("connection reset")
	s := newS3Store(fake, "bucket")

	_, err := s.Get(context.Background(), "block/01")
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorContains(t, err, "connection reset")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Get(ctx, "block/01")
	require.ErrorIs(t, err, context.Canceled)
}

func responseError(status int, err error) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      err,
		},
	}
}

func TestS3StoreErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"network failure", errors.New("dial tcp: connection refused"), true},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"}, true},
		{"server fault", &smithy.GenericAPIError{Code: "Unknown", Fault: smithy.FaultServer}, true},
		{"throttled status", responseError(http.StatusTooManyRequests, errors.New("too many requests")), true},
		{"service unavailable status", responseError(http.StatusServiceUnavailable, errors.New("unavailable")), true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied", Fault: smithy.FaultClient}, false},
		{"no such bucket", &smithy.GenericAPIError{Code: "NoSuchBucket"}, false},
		{"forbidden status", responseError(http.StatusForbidden, &smithy.GenericAPIError{Code: "InvalidAccessKeyId"}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeS3()
			fake.failGet = tt.err
			s := newS3Store(fake, "bucket")

			_, err := s.Get(context.Background(), "block/01")
			require.Error(t, err)
			require.Equal(t, tt.transient, IsUnavailable(err))
			require.False(t, IsNotFound(err))
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Options{})
	require.Error(t, err)
}
