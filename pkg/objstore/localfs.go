package objstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
)

const (
	sidecarSuffix    = ".metadata"
	localTempDir     = ".objstore-tmp"
	localMaxDeletes  = 1000
	localDefaultKeys = 1000
	// localCommitAttempts bounds how often a rename is retried after its
	// parent directory was pruned underneath it.
	localCommitAttempts = 3
)

// localFsBackend keeps one file per object below root and the object's
// ETag, version and metadata in a JSON sidecar next to it.
type localFsBackend struct {
	root string
	// mu pairs a data file with its sidecar: commits and deletes hold it
	// exclusively, readers hold it shared while they open both.
	mu sync.RWMutex
}

type sidecar struct {
	ETag      string           `json:"etag"`
	VersionID string           `json:"version_id"`
	Metadata  *StorageMetadata `json:"metadata"`
}

func newLocalFsBackend(cfg *LocalFsConfig) (*localFsBackend, error) {
	root, err := homedir.Expand(cfg.Root)
	if err != nil {
		return nil, errors.Wrapf(ErrInitialization, "expanding %q: %v", cfg.Root, err)
	}
	if err := os.MkdirAll(filepath.Join(root, localTempDir), 0755); err != nil {
		return nil, errors.Wrapf(ErrBackendUnavailable, "creating storage root %q: %v", root, err)
	}
	return &localFsBackend{root: root}, nil
}

// fsError maps filesystem errors onto the client's error taxonomy.
func fsError(err error) error {
	if os.IsNotExist(err) {
		return errors.Wrap(ErrNotFound, "requested entity was not found")
	} else if os.IsExist(err) {
		return newBackendError(codes.AlreadyExists, "", "entity already exists", err)
	} else if os.IsPermission(err) {
		return newBackendError(codes.PermissionDenied, "", "permission denied", err)
	} else if errors.Is(err, syscall.ENOTDIR) || errors.Is(err, syscall.EISDIR) {
		// A key collides with a directory or a file on the way to it.
		return newBackendError(codes.FailedPrecondition, "", err.Error(), err)
	}
	return newBackendError(codes.Unknown, "", err.Error(), err)
}

func (b *localFsBackend) Name() string { return "local" }

func (b *localFsBackend) Close() error { return nil }

func (b *localFsBackend) MaxKeysPerDelete() int { return localMaxDeletes }

func (b *localFsBackend) objectPath(key string) (string, error) {
	if strings.HasSuffix(key, sidecarSuffix) {
		return "", newBackendError(codes.InvalidArgument, "", "keys ending in "+sidecarSuffix+" are reserved", nil)
	}
	if key == localTempDir || strings.HasPrefix(key, localTempDir+"/") {
		return "", newBackendError(codes.InvalidArgument, "", localTempDir+" is reserved", nil)
	}
	return filepath.Join(b.root, filepath.FromSlash(key)), nil
}

func (b *localFsBackend) readSidecar(target string) (*sidecar, error) {
	data, err := ioutil.ReadFile(target + sidecarSuffix)
	if os.IsNotExist(err) {
		return &sidecar{}, nil
	}
	if err != nil {
		return nil, fsError(err)
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, newBackendError(codes.DataLoss, "", "corrupt metadata sidecar", err)
	}
	return &sc, nil
}

func (b *localFsBackend) tempFile() (*os.File, error) {
	return os.OpenFile(filepath.Join(b.root, localTempDir, uuid.New().String()), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
}

func (b *localFsBackend) Put(ctx context.Context, key string, body io.Reader, size int64, metadata *StorageMetadata) (*UploadResult, error) {
	target, err := b.objectPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, fsError(err)
	}
	if st, err := os.Stat(target); err == nil && st.IsDir() {
		return nil, newBackendError(codes.FailedPrecondition, "", key+" is a prefix of other keys", nil)
	}

	data, err := b.tempFile()
	if err != nil {
		return nil, fsError(err)
	}
	defer os.Remove(data.Name())

	hash := md5.New()
	_, err = io.Copy(io.MultiWriter(data, hash), &contextReader{ctx: ctx, r: body})
	if cerr := data.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrSizeMismatch) {
			return nil, err
		}
		return nil, fsError(err)
	}

	sc := sidecar{
		ETag:      hex.EncodeToString(hash.Sum(nil)),
		VersionID: uuid.New().String(),
		Metadata:  metadata,
	}
	encoded, err := json.Marshal(&sc)
	if err != nil {
		return nil, errors.Wrap(err, "encoding metadata sidecar")
	}
	side, err := b.tempFile()
	if err != nil {
		return nil, fsError(err)
	}
	defer os.Remove(side.Name())
	_, err = side.Write(encoded)
	if cerr := side.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return nil, fsError(err)
	}

	if err := b.commit(data.Name(), side.Name(), target); err != nil {
		return nil, fsError(err)
	}
	return &UploadResult{ETag: sc.ETag, VersionID: sc.VersionID}, nil
}

// commit moves the staged data file and its sidecar into place.
func (b *localFsBackend) commit(staged, stagedSidecar, target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := renameInto(staged, target); err != nil {
		return err
	}
	return renameInto(stagedSidecar, target+sidecarSuffix)
}

// renameInto renames src to dst, creating dst's directory. The directory
// can still be pruned by a delete from another process between the two
// steps, in which case both are repeated.
func renameInto(src, dst string) error {
	var err error
	for attempt := 0; attempt < localCommitAttempts; attempt++ {
		if err = os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if err = os.Rename(src, dst); !os.IsNotExist(err) {
			return err
		}
	}
	return err
}

func (b *localFsBackend) Get(ctx context.Context, key string, opts GetOptions) (*DownloadResult, error) {
	target, err := b.objectPath(key)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	f, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) && opts.VersionID != "" {
			return nil, errors.Wrapf(ErrVersionNotFound, "%s@%s", key, opts.VersionID)
		}
		return nil, fsError(err)
	}

	result, err := b.open(f, target, key, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return result, nil
}

func (b *localFsBackend) open(f *os.File, target, key string, opts GetOptions) (*DownloadResult, error) {
	sc, err := b.readSidecar(target)
	if err != nil {
		return nil, err
	}
	if opts.VersionID != "" && opts.VersionID != sc.VersionID {
		return nil, errors.Wrapf(ErrVersionNotFound, "%s@%s", key, opts.VersionID)
	}
	if opts.ETag != "" && opts.ETag == sc.ETag {
		return nil, errors.Wrapf(ErrNotModified, "%s", key)
	}

	st, err := f.Stat()
	if err != nil {
		return nil, fsError(err)
	}
	rng, err := opts.Range.clamp(st.Size())
	if err != nil {
		return nil, err
	}
	if rng.Start > 0 {
		if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
			return nil, fsError(err)
		}
	}

	return &DownloadResult{
		ETag:          sc.ETag,
		LastModified:  st.ModTime(),
		VersionID:     sc.VersionID,
		Metadata:      sc.Metadata,
		ContentLength: rng.Length(),
		Body: struct {
			io.Reader
			io.Closer
		}{io.LimitReader(f, rng.Length()), f},
	}, nil
}

func (b *localFsBackend) Head(ctx context.Context, key string) (*ObjectAttrs, error) {
	target, err := b.objectPath(key)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, err := os.Stat(target)
	if err != nil {
		return nil, fsError(err)
	}
	sc, err := b.readSidecar(target)
	if err != nil {
		return nil, err
	}
	return &ObjectAttrs{
		Size:         st.Size(),
		ETag:         sc.ETag,
		LastModified: st.ModTime(),
		VersionID:    sc.VersionID,
		Metadata:     sc.Metadata,
	}, nil
}

func (b *localFsBackend) Delete(ctx context.Context, keys []string) ([]KeyFailure, error) {
	var failures []KeyFailure
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target, err := b.objectPath(key)
		if err != nil {
			failures = append(failures, KeyFailure{Key: key, Err: err})
			continue
		}
		if err := b.remove(target); err != nil {
			failures = append(failures, KeyFailure{Key: key, Err: fsError(err)})
		}
	}
	return failures, nil
}

// remove deletes an object and its sidecar. A missing object is not an
// error.
func (b *localFsBackend) remove(target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(target + sidecarSuffix); err != nil && !os.IsNotExist(err) {
		return err
	}
	b.pruneEmptyDirs(filepath.Dir(target))
	return nil
}

// pruneEmptyDirs removes now-empty directories up to, not including, root.
func (b *localFsBackend) pruneEmptyDirs(dir string) {
	for dir != b.root && strings.HasPrefix(dir, b.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (b *localFsBackend) List(ctx context.Context, req ListRequest) (*ListPage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var keys []string
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == localTempDir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(rel, sidecarSuffix) || !strings.HasPrefix(rel, req.Prefix) {
			return nil
		}
		keys = append(keys, rel)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fsError(err)
	}
	sort.Strings(keys)

	maxKeys := req.MaxKeys
	if maxKeys <= 0 {
		maxKeys = localDefaultKeys
	}

	page := &ListPage{}
	seenPrefix := make(map[string]bool)
	count := 0
	last := ""
	for _, key := range keys {
		name := key
		isPrefix := false
		if req.Delimiter != "" {
			rest := strings.TrimPrefix(key, req.Prefix)
			if i := strings.Index(rest, req.Delimiter); i >= 0 {
				name = req.Prefix + rest[:i+len(req.Delimiter)]
				isPrefix = true
			}
		}
		if name <= req.ContinuationToken || seenPrefix[name] {
			continue
		}
		if count == maxKeys {
			page.NextToken = last
			break
		}
		if isPrefix {
			seenPrefix[name] = true
			page.Prefixes = append(page.Prefixes, name)
		} else {
			entry, err := b.listEntry(key)
			if err != nil {
				return nil, err
			}
			page.Objects = append(page.Objects, entry)
		}
		last = name
		count++
	}
	return page, nil
}

func (b *localFsBackend) listEntry(key string) (ListEntry, error) {
	target := filepath.Join(b.root, filepath.FromSlash(path.Clean(key)))
	st, err := os.Stat(target)
	if err != nil {
		return ListEntry{}, fsError(err)
	}
	sc, err := b.readSidecar(target)
	if err != nil {
		return ListEntry{}, err
	}
	return ListEntry{Key: key, Size: st.Size(), ETag: sc.ETag, LastModified: st.ModTime()}, nil
}

// contextReader stops a copy as soon as ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
