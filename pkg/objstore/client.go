package objstore

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Client is the backend-agnostic entry point. It owns one Backend, one
// ConcurrencyLimiter and one TimeoutPolicy for its lifetime and is safe for
// concurrent use.
type Client struct {
	backend  Backend
	limiter  *ConcurrencyLimiter
	timeouts TimeoutPolicy
	retry    RetryPolicy
	prefix   string
	maxKeys  int

	logger   logrus.FieldLogger
	registry prometheus.Registerer
	limit    int
	metrics  *clientMetrics
}

type Option func(*Client)

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics registers the client's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Client) { c.registry = reg }
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithConcurrencyLimit overrides the limit taken from the backend config.
func WithConcurrencyLimit(limit int) Option {
	return func(c *Client) { c.limit = limit }
}

// New builds the Backend selected by cfg.Storage and wraps it in a Client.
func New(ctx context.Context, cfg RemoteStorageConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		backend Backend
		err     error
	)
	switch sc := cfg.Storage.(type) {
	case *S3Config:
		backend, err = newS3Backend(sc)
	case *GCSConfig:
		backend, err = newGCSBackend(ctx, sc)
	case *AzureConfig:
		backend, err = newAzureBackend(sc)
	case *LocalFsConfig:
		backend, err = newLocalFsBackend(sc)
	default:
		return nil, errors.Wrapf(ErrInitialization, "unsupported storage kind %q", cfg.Storage.Kind())
	}
	if err != nil {
		return nil, err
	}

	client, err := NewWithBackend(backend, cfg, opts...)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return client, nil
}

// NewWithBackend wraps an already constructed Backend. cfg.Storage may be
// nil, in which case no key prefix is applied and the default concurrency
// limit is used unless WithConcurrencyLimit says otherwise.
func NewWithBackend(backend Backend, cfg RemoteStorageConfig, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, errors.Wrap(ErrInitialization, "nil backend")
	}
	if cfg.Timeout < 0 || cfg.SmallTimeout < 0 {
		return nil, errors.Wrap(ErrInitialization, "timeouts must not be negative")
	}
	cfg = cfg.withDefaults()

	c := &Client{
		backend:  backend,
		timeouts: TimeoutPolicy{Normal: cfg.Timeout, Small: cfg.SmallTimeout},
		retry:    DefaultRetryPolicy(),
		logger:   logrus.StandardLogger(),
		limit:    DefaultLocalConcurrencyLimit,
	}
	if cfg.Storage != nil {
		c.prefix = normalizePrefix(cfg.Storage.keyPrefix())
		c.maxKeys = cfg.Storage.maxKeysPerList()
		c.limit = cfg.Storage.concurrencyLimit()
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("module", "objstore."+backend.Name())

	limiter, err := NewConcurrencyLimiter(c.limit, cfg.RequestRateLimit)
	if err != nil {
		return nil, err
	}
	c.limiter = limiter

	c.metrics, err = newClientMetrics(c.registry, backend.Name(), limiter)
	if err != nil {
		return nil, errors.Wrap(ErrInitialization, err.Error())
	}
	return c, nil
}

// Close releases the backend's resources.
func (c *Client) Close() error {
	return c.backend.Close()
}

// BackendName is the name of the backend in use, e.g. "s3".
func (c *Client) BackendName() string {
	return c.backend.Name()
}

// Limiter exposes the admission gate, mostly for observability.
func (c *Client) Limiter() *ConcurrencyLimiter {
	return c.limiter
}

func (c *Client) key(p RemotePath) string {
	return c.prefix + p.String()
}

// callBackend runs one backend call: it takes a permit, applies the tier
// deadline, and races fn against the deadline and cancellation. The permit
// is returned on every path.
func callBackend[T any](c *Client, ctx context.Context, kind DownloadKind, fn func(context.Context) (T, error), abandon func(T)) (T, error) {
	permit, err := c.limiter.Acquire(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	defer permit.Release()

	tctx, cancel := c.timeouts.withTier(ctx, kind)
	defer cancel()
	return race(ctx, tctx, fn, abandon)
}

func (c *Client) withRetries(ctx context.Context, op string, policy RetryPolicy, fn func(attempt int) error) error {
	return policy.retry(ctx, fn, func(attempt int, err error, wait time.Duration) {
		c.metrics.retried(op)
		c.logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"backoff": wait,
		}).WithError(err).Warn("transient backend error, retrying")
	})
}

// Upload streams body to path. size is the declared length of body; any
// other byte count fails with ErrSizeMismatch and leaves no object behind.
// Transient failures are retried only when body implements io.Seeker.
func (c *Client) Upload(ctx context.Context, body io.Reader, size int64, path RemotePath, metadata *StorageMetadata) (*UploadResult, error) {
	start := time.Now()
	result, err := c.upload(ctx, body, size, path, metadata)
	c.metrics.observe("upload", start, err)
	return result, err
}

func (c *Client) upload(ctx context.Context, body io.Reader, size int64, path RemotePath, metadata *StorageMetadata) (*UploadResult, error) {
	if path.IsZero() {
		return nil, errors.Wrap(ErrInvalidPath, "upload")
	}
	if size < 0 {
		return nil, errors.Wrapf(ErrSizeMismatch, "negative size %d", size)
	}
	key := c.key(path)

	policy := NoRetry()
	var (
		seeker io.Seeker
		offset int64
	)
	if s, ok := body.(io.Seeker); ok {
		if pos, err := s.Seek(0, io.SeekCurrent); err == nil {
			seeker, offset, policy = s, pos, c.retry
		}
	}

	var result *UploadResult
	err := c.withRetries(ctx, "upload", policy, func(attempt int) error {
		if attempt > 1 {
			if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
				return errors.Wrap(err, "rewinding upload body")
			}
		}
		sized := &sizedReader{r: body, expected: size}
		r, err := callBackend(c, ctx, Normal, func(ctx context.Context) (*UploadResult, error) {
			return c.backend.Put(ctx, key, sized, size, metadata)
		}, nil)
		if err != nil {
			if !errors.Is(err, ErrCancelled) && !errors.Is(err, ErrTimeout) && sized.mismatch() {
				return errors.Wrapf(ErrSizeMismatch, "upload %s: declared %d bytes, body has %s", key, size, sized.describe())
			}
			return errors.Wrapf(err, "upload %s", key)
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &UploadResult{}
	}
	c.logger.WithFields(logrus.Fields{"path": key, "size": size}).Debug("uploaded object")
	return result, nil
}

// Download opens path for reading. The permit is released as soon as the
// backend has answered; the body remains bound to ctx and to the tier
// deadline and must be closed by the caller.
func (c *Client) Download(ctx context.Context, path RemotePath, req DownloadRequest) (*DownloadResult, error) {
	start := time.Now()
	result, err := c.download(ctx, path, req)
	c.metrics.observe("download", start, err)
	return result, err
}

func (c *Client) download(ctx context.Context, path RemotePath, req DownloadRequest) (*DownloadResult, error) {
	if path.IsZero() {
		return nil, errors.Wrap(ErrInvalidPath, "download")
	}
	rng, err := req.ByteRange()
	if err != nil {
		return nil, err
	}
	key := c.key(path)
	opts := GetOptions{Range: rng, ETag: req.ETag, VersionID: req.VersionID}

	var result *DownloadResult
	err = c.withRetries(ctx, "download", c.retry, func(int) error {
		permit, err := c.limiter.Acquire(ctx)
		if err != nil {
			return err
		}
		defer permit.Release()

		tctx, cancel := c.timeouts.withTier(ctx, req.Kind)
		r, err := race(ctx, tctx, func(ctx context.Context) (*DownloadResult, error) {
			return c.backend.Get(ctx, key, opts)
		}, func(r *DownloadResult) {
			if r != nil && r.Body != nil {
				r.Body.Close()
			}
		})
		if err != nil {
			cancel()
			return errors.Wrapf(err, "download %s", key)
		}
		r.Body = &guardedBody{ReadCloser: r.Body, parent: ctx, ctx: tctx, cancel: cancel}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.WithFields(logrus.Fields{"path": key, "range": rng.HTTPHeader(), "kind": req.Kind}).Debug("download started")
	return result, nil
}

// Head returns the attributes of path using the small timeout tier.
func (c *Client) Head(ctx context.Context, path RemotePath) (*ObjectAttrs, error) {
	start := time.Now()
	attrs, err := c.head(ctx, path)
	c.metrics.observe("head", start, err)
	return attrs, err
}

func (c *Client) head(ctx context.Context, path RemotePath) (*ObjectAttrs, error) {
	if path.IsZero() {
		return nil, errors.Wrap(ErrInvalidPath, "head")
	}
	key := c.key(path)
	var attrs *ObjectAttrs
	err := c.withRetries(ctx, "head", c.retry, func(int) error {
		a, err := callBackend(c, ctx, Small, func(ctx context.Context) (*ObjectAttrs, error) {
			return c.backend.Head(ctx, key)
		}, nil)
		if err != nil {
			return errors.Wrapf(err, "head %s", key)
		}
		attrs = a
		return nil
	})
	return attrs, err
}

// Exists reports whether an object is stored at path.
func (c *Client) Exists(ctx context.Context, path RemotePath) (bool, error) {
	_, err := c.Head(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes a single object. A missing object is not an error.
func (c *Client) Delete(ctx context.Context, path RemotePath) error {
	return c.DeleteObjects(ctx, []RemotePath{path})
}

// DeleteObjects removes paths using the backend's batch delete where there
// is one. Every path is attempted; paths that could not be deleted are
// reported together in a *PartialDeleteFailure. A batch call that times out
// or is cancelled fails the whole operation with ErrTimeout or ErrCancelled.
func (c *Client) DeleteObjects(ctx context.Context, paths []RemotePath) error {
	start := time.Now()
	err := c.deleteObjects(ctx, paths)
	c.metrics.observe("delete", start, err)
	return err
}

func (c *Client) deleteObjects(ctx context.Context, paths []RemotePath) error {
	if len(paths) == 0 {
		return nil
	}
	if ctx.Err() != nil {
		return contextError(ctx, nil)
	}

	byKey := make(map[string]RemotePath, len(paths))
	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		if p.IsZero() {
			return errors.Wrap(ErrInvalidPath, "delete")
		}
		k := c.key(p)
		if _, dup := byKey[k]; dup {
			continue
		}
		byKey[k] = p
		keys = append(keys, k)
	}

	batchSize := c.backend.MaxKeysPerDelete()
	if batchSize <= 0 {
		batchSize = 1
	}

	var (
		mu     sync.Mutex
		failed []DeleteFailure
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.limiter.Limit())
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[i:end]
		g.Go(func() error {
			failures, err := c.deleteBatch(gctx, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, f := range failures {
				failed = append(failed, DeleteFailure{Path: byKey[f.Key], Err: f.Err})
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// gctx is cancelled by the first failing batch; report what the
		// caller's context says when it is the cause.
		if cerr := contextError(ctx, nil); cerr != nil {
			return cerr
		}
		return err
	}

	if len(failed) > 0 {
		sort.Slice(failed, func(i, j int) bool { return failed[i].Path.Less(failed[j].Path) })
		c.logger.WithField("failed", len(failed)).Warn("some objects could not be deleted")
		return &PartialDeleteFailure{Failed: failed}
	}
	c.logger.WithField("count", len(keys)).Debug("deleted objects")
	return nil
}

// deleteBatch deletes keys in one backend call per attempt. Keys failing with
// a retryable error are tried again; the rest are final. Only cancellation
// and timeouts are returned as errors.
func (c *Client) deleteBatch(ctx context.Context, keys []string) ([]KeyFailure, error) {
	pending := keys
	lastErr := make(map[string]error)
	var final []KeyFailure

	err := c.withRetries(ctx, "delete", c.retry, func(int) error {
		failures, err := callBackend(c, ctx, Normal, func(ctx context.Context) ([]KeyFailure, error) {
			return c.backend.Delete(ctx, pending)
		}, nil)
		if err != nil {
			if errors.Is(err, ErrCancelled) || errors.Is(err, ErrTimeout) {
				return err
			}
			failures = make([]KeyFailure, 0, len(pending))
			for _, k := range pending {
				failures = append(failures, KeyFailure{Key: k, Err: err})
			}
		}

		var retry []string
		var retryErr error
		for _, f := range failures {
			if IsRetryable(f.Err) {
				retry = append(retry, f.Key)
				lastErr[f.Key] = f.Err
				retryErr = f.Err
				continue
			}
			final = append(final, f)
		}
		pending = retry
		return retryErr
	})
	if err != nil {
		if errors.Is(err, ErrCancelled) || errors.Is(err, ErrTimeout) {
			return nil, err
		}
		for _, k := range pending {
			final = append(final, KeyFailure{Key: k, Err: lastErr[k]})
		}
	}
	return final, nil
}
