package objstore

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
)

type boundKind int

const (
	unbounded boundKind = iota
	included
	excluded
)

// Bound is one end of a byte range: unbounded, inclusive or exclusive.
type Bound struct {
	kind  boundKind
	value int64
}

// Unbounded leaves the range open on that side.
func Unbounded() Bound { return Bound{} }

// Included makes n part of the range.
func Included(n int64) Bound { return Bound{kind: included, value: n} }

// Excluded stops the range just before (as an end) or starts it just after
// (as a start) n.
func Excluded(n int64) Bound { return Bound{kind: excluded, value: n} }

func (b Bound) IsUnbounded() bool { return b.kind == unbounded }

func (b Bound) String() string {
	switch b.kind {
	case included:
		return fmt.Sprintf("Included(%d)", b.value)
	case excluded:
		return fmt.Sprintf("Excluded(%d)", b.value)
	}
	return "Unbounded"
}

// ByteRange is the half-open range [Start, End) handed to backends. End < 0
// means "to the end of the object".
type ByteRange struct {
	Start int64
	End   int64
}

// Whole reports whether the range covers the entire object.
func (r ByteRange) Whole() bool {
	return r.Start == 0 && r.End < 0
}

// Length is the number of requested bytes, or -1 for an open range.
func (r ByteRange) Length() int64 {
	if r.End < 0 {
		return -1
	}
	return r.End - r.Start
}

// HTTPHeader renders the range as an HTTP Range header value, or "" for the
// whole object.
func (r ByteRange) HTTPHeader() string {
	if r.Whole() {
		return ""
	}
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End-1)
}

// clamp intersects the range with [0, size). It fails when nothing of the
// object is left.
func (r ByteRange) clamp(size int64) (ByteRange, error) {
	if r.Whole() {
		return ByteRange{Start: 0, End: size}, nil
	}
	if r.Start >= size {
		return ByteRange{}, errors.Wrapf(ErrRangeNotSatisfiable, "range starts at %d, object size is %d", r.Start, size)
	}
	if r.End < 0 || r.End > size {
		r.End = size
	}
	return r, nil
}

// DownloadRequest controls a single download.
type DownloadRequest struct {
	// ETag makes the download conditional: a match yields ErrNotModified.
	ETag string
	// ByteStart and ByteEnd bound the requested range independently.
	ByteStart Bound
	ByteEnd   Bound
	// VersionID fetches a specific object version.
	VersionID string
	// Kind selects the timeout tier.
	Kind DownloadKind
}

// ByteRange resolves the bounds into a half-open range. Bounds at
// math.MaxInt64 saturate: an end that cannot be made exclusive means "to the
// end of the object".
func (r DownloadRequest) ByteRange() (ByteRange, error) {
	rng := ByteRange{Start: 0, End: -1}
	switch r.ByteStart.kind {
	case included:
		rng.Start = r.ByteStart.value
	case excluded:
		rng.Start = r.ByteStart.value
		if rng.Start < math.MaxInt64 {
			rng.Start++
		}
	}
	switch r.ByteEnd.kind {
	case included:
		if r.ByteEnd.value < math.MaxInt64 {
			rng.End = r.ByteEnd.value + 1
		}
	case excluded:
		rng.End = r.ByteEnd.value
	}
	if rng.Start < 0 {
		return ByteRange{}, errors.Wrapf(ErrRangeNotSatisfiable, "negative range start %d", rng.Start)
	}
	if !r.ByteEnd.IsUnbounded() && r.ByteEnd.value < 0 {
		return ByteRange{}, errors.Wrapf(ErrRangeNotSatisfiable, "negative range end %d", r.ByteEnd.value)
	}
	if rng.End >= 0 && rng.End <= rng.Start {
		return ByteRange{}, errors.Wrapf(ErrRangeNotSatisfiable, "empty range [%s, %s)", r.ByteStart, r.ByteEnd)
	}
	return rng, nil
}

// ObjectAttrs describes a stored object.
type ObjectAttrs struct {
	Size         int64
	ETag         string
	LastModified time.Time
	VersionID    string
	Metadata     *StorageMetadata
}

// DownloadResult is a successful download. Body must be consumed at most
// once and closed by the caller.
type DownloadResult struct {
	ETag          string
	LastModified  time.Time
	VersionID     string
	Metadata      *StorageMetadata
	ContentLength int64
	Body          io.ReadCloser
}

// UploadResult confirms an upload. ETag and VersionID are filled when the
// backend reports them.
type UploadResult struct {
	ETag      string
	VersionID string
}

// guardedBody keeps a download body tied to the operation's context: reads
// after the deadline or cancellation report ErrTimeout/ErrCancelled, and
// Close releases the context.
type guardedBody struct {
	io.ReadCloser
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
}

func (b *guardedBody) Read(p []byte) (int, error) {
	if cerr := contextError(b.parent, b.ctx); cerr != nil {
		return 0, cerr
	}
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		if cerr := contextError(b.parent, b.ctx); cerr != nil {
			return n, cerr
		}
	}
	return n, err
}

func (b *guardedBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
