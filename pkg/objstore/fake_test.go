package objstore

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

// fakeBackend is an in-memory Backend. The *Fn hooks replace the default
// behavior of a verb when set.
type fakeBackend struct {
	mu        sync.Mutex
	objects   map[string][]byte
	calls     map[string]int
	maxDelete int

	active    int32
	maxActive int32

	putFn    func(ctx context.Context, key string, body io.Reader) error
	headFn   func(ctx context.Context, key string) (*ObjectAttrs, error)
	deleteFn func(ctx context.Context, keys []string) ([]KeyFailure, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		objects:   make(map[string][]byte),
		calls:     make(map[string]int),
		maxDelete: 1000,
	}
}

func (f *fakeBackend) enter(op string) func() {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()

	n := atomic.AddInt32(&f.active, 1)
	for {
		max := atomic.LoadInt32(&f.maxActive)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxActive, max, n) {
			break
		}
	}
	return func() { atomic.AddInt32(&f.active, -1) }
}

func (f *fakeBackend) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) MaxKeysPerDelete() int { return f.maxDelete }

func (f *fakeBackend) Put(ctx context.Context, key string, body io.Reader, size int64, metadata *StorageMetadata) (*UploadResult, error) {
	defer f.enter("put")()
	if f.putFn != nil {
		if err := f.putFn(ctx, key, body); err != nil {
			return nil, err
		}
	}
	data, err := ioutil.ReadAll(body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[key] = data
	f.mu.Unlock()
	return &UploadResult{ETag: "etag-" + key}, nil
}

func (f *fakeBackend) Get(ctx context.Context, key string, opts GetOptions) (*DownloadResult, error) {
	defer f.enter("get")()
	f.mu.Lock()
	data, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	rng, err := opts.Range.clamp(int64(len(data)))
	if err != nil {
		return nil, err
	}
	return &DownloadResult{
		ETag:          "etag-" + key,
		ContentLength: rng.Length(),
		Body:          ioutil.NopCloser(bytes.NewReader(data[rng.Start:rng.End])),
	}, nil
}

func (f *fakeBackend) Head(ctx context.Context, key string) (*ObjectAttrs, error) {
	defer f.enter("head")()
	if f.headFn != nil {
		return f.headFn(ctx, key)
	}
	f.mu.Lock()
	data, ok := f.objects[key]
	f.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &ObjectAttrs{Size: int64(len(data)), ETag: "etag-" + key}, nil
}

func (f *fakeBackend) Delete(ctx context.Context, keys []string) ([]KeyFailure, error) {
	defer f.enter("delete")()
	if f.deleteFn != nil {
		failures, err := f.deleteFn(ctx, keys)
		if err != nil {
			return nil, err
		}
		failed := make(map[string]bool)
		for _, kf := range failures {
			failed[kf.Key] = true
		}
		f.mu.Lock()
		for _, k := range keys {
			if !failed[k] {
				delete(f.objects, k)
			}
		}
		f.mu.Unlock()
		return failures, nil
	}
	f.mu.Lock()
	for _, k := range keys {
		delete(f.objects, k)
	}
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeBackend) List(ctx context.Context, req ListRequest) (*ListPage, error) {
	defer f.enter("list")()
	f.mu.Lock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, req.Prefix) && k > req.ContinuationToken {
			keys = append(keys, k)
		}
	}
	f.mu.Unlock()
	sort.Strings(keys)

	page := &ListPage{}
	for i, k := range keys {
		if req.MaxKeys > 0 && i == req.MaxKeys {
			page.NextToken = keys[i-1]
			break
		}
		page.Objects = append(page.Objects, ListEntry{Key: k})
	}
	return page, nil
}

func transient(msg string) error {
	return newBackendError(codes.Unavailable, "ServiceUnavailable", msg, nil)
}

func permanent(msg string) error {
	return newBackendError(codes.PermissionDenied, "AccessDenied", msg, nil)
}

func fastRetries() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}
}

func newTestLogger() (logrus.FieldLogger, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

// newFakeClient wraps backend in a client with fast retries and a null
// logger.
func newFakeClient(t *testing.T, backend Backend, cfg RemoteStorageConfig, opts ...Option) (*Client, *test.Hook) {
	t.Helper()
	logger, hook := newTestLogger()
	opts = append([]Option{WithLogger(logger), WithRetryPolicy(fastRetries())}, opts...)
	c, err := NewWithBackend(backend, cfg, opts...)
	require.NoError(t, err)
	return c, hook
}
