package objstore

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
)

// ListingMode selects between a flat listing and one grouped by "/".
type ListingMode int

const (
	NoDelimiter ListingMode = iota
	WithDelimiter
)

type ListOptions struct {
	Mode ListingMode
	// MaxKeys overrides the configured page size for this listing.
	MaxKeys int
}

// ListedObject is one entry of a listing. IsPrefix entries are common
// prefixes of a WithDelimiter listing and carry no size or ETag.
type ListedObject struct {
	Path         RemotePath
	IsPrefix     bool
	Size         int64
	ETag         string
	LastModified time.Time
}

// Listing is a fully drained listing.
type Listing struct {
	Keys     []ListedObject
	Prefixes []RemotePath
}

// ObjectIterator walks a listing page by page. Each page is fetched with its
// own permit and deadline. An iterator cannot be resumed; call List again to
// start over.
type ObjectIterator struct {
	client    *Client
	ctx       context.Context
	prefix    string
	delimiter string
	maxKeys   int

	buf     []ListedObject
	token   string
	started bool
	done    bool
	err     error
}

// List enumerates the objects below prefix, or below the bucket prefix when
// prefix is nil.
func (c *Client) List(ctx context.Context, prefix *RemotePath, opts ListOptions) *ObjectIterator {
	it := &ObjectIterator{
		client:  c,
		ctx:     ctx,
		prefix:  c.prefix,
		maxKeys: c.maxKeys,
	}
	if opts.MaxKeys > 0 {
		it.maxKeys = opts.MaxKeys
	}
	if prefix != nil && !prefix.IsZero() {
		it.prefix += prefix.String()
	}
	if opts.Mode == WithDelimiter {
		it.delimiter = "/"
		if it.prefix != "" && !strings.HasSuffix(it.prefix, "/") {
			it.prefix += "/"
		}
	}
	return it
}

// ListAll drains a listing into memory.
func (c *Client) ListAll(ctx context.Context, prefix *RemotePath, opts ListOptions) (*Listing, error) {
	start := time.Now()
	listing := &Listing{}
	it := c.List(ctx, prefix, opts)
	var err error
	for {
		var obj ListedObject
		obj, err = it.Next()
		if err == iterator.Done {
			err = nil
			break
		}
		if err != nil {
			break
		}
		if obj.IsPrefix {
			listing.Prefixes = append(listing.Prefixes, obj.Path)
		} else {
			listing.Keys = append(listing.Keys, obj)
		}
	}
	c.metrics.observe("list", start, err)
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// Next returns the next entry, or iterator.Done once the listing is
// exhausted.
func (it *ObjectIterator) Next() (ListedObject, error) {
	for len(it.buf) == 0 {
		if it.err != nil {
			return ListedObject{}, it.err
		}
		if it.done {
			return ListedObject{}, iterator.Done
		}
		it.fetch()
	}
	obj := it.buf[0]
	it.buf = it.buf[1:]
	return obj, nil
}

func (it *ObjectIterator) fetch() {
	c := it.client
	req := ListRequest{
		Prefix:            it.prefix,
		Delimiter:         it.delimiter,
		MaxKeys:           it.maxKeys,
		ContinuationToken: it.token,
	}
	if it.started && it.token == "" {
		it.done = true
		return
	}

	var page *ListPage
	err := c.withRetries(it.ctx, "list", c.retry, func(int) error {
		p, err := callBackend(c, it.ctx, Normal, func(ctx context.Context) (*ListPage, error) {
			return c.backend.List(ctx, req)
		}, nil)
		if err != nil {
			return errors.Wrapf(err, "list %q", req.Prefix)
		}
		page = p
		return nil
	})
	if err != nil {
		it.err = err
		return
	}
	it.started = true
	it.token = page.NextToken
	if it.token == "" {
		it.done = true
	}

	for _, p := range page.Prefixes {
		if path, ok := it.toRemotePath(strings.TrimSuffix(p, "/")); ok {
			it.buf = append(it.buf, ListedObject{Path: path, IsPrefix: true})
		}
	}
	for _, o := range page.Objects {
		if path, ok := it.toRemotePath(o.Key); ok {
			it.buf = append(it.buf, ListedObject{
				Path:         path,
				Size:         o.Size,
				ETag:         o.ETag,
				LastModified: o.LastModified,
			})
		}
	}
}

func (it *ObjectIterator) toRemotePath(key string) (RemotePath, bool) {
	c := it.client
	rel := strings.TrimPrefix(key, c.prefix)
	path, err := ParseRemotePath(rel)
	if err != nil {
		c.logger.WithFields(logrus.Fields{"key": key}).WithError(err).Debug("skipping listed key")
		return RemotePath{}, false
	}
	return path, true
}
