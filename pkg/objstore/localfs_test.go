package objstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func newTestLocalFs(t *testing.T) *localFsBackend {
	t.Helper()
	b, err := newLocalFsBackend(&LocalFsConfig{Root: t.TempDir()})
	require.NoError(t, err)
	return b
}

func putString(t *testing.T, b Backend, key, content string) *UploadResult {
	t.Helper()
	r, err := b.Put(context.Background(), key, bytes.NewReader([]byte(content)), int64(len(content)), nil)
	require.NoError(t, err)
	return r
}

func TestLocalFsLayout(t *testing.T) {
	b := newTestLocalFs(t)
	md := NewStorageMetadata("k", "v")
	r, err := b.Put(context.Background(), "dir/obj", bytes.NewReader([]byte("hello")), 5, md)
	require.NoError(t, err)

	sum := md5.Sum([]byte("hello"))
	assert.Equal(t, hex.EncodeToString(sum[:]), r.ETag)

	data, err := ioutil.ReadFile(filepath.Join(b.root, "dir", "obj"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	sidecar, err := ioutil.ReadFile(filepath.Join(b.root, "dir", "obj"+sidecarSuffix))
	require.NoError(t, err)
	assert.Contains(t, string(sidecar), r.VersionID)
	assert.Contains(t, string(sidecar), `[["k","v"]]`)

	// Nothing is left behind in the staging directory.
	staged, err := ioutil.ReadDir(filepath.Join(b.root, localTempDir))
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestLocalFsListingHidesSidecars(t *testing.T) {
	b := newTestLocalFs(t)
	putString(t, b, "x/1", "a")
	putString(t, b, "x/2", "bb")

	page, err := b.List(context.Background(), ListRequest{Prefix: "x/"})
	require.NoError(t, err)
	require.Len(t, page.Objects, 2)
	assert.Equal(t, "x/1", page.Objects[0].Key)
	assert.Equal(t, int64(2), page.Objects[1].Size)
	assert.Empty(t, page.NextToken)
}

func TestLocalFsListingPages(t *testing.T) {
	b := newTestLocalFs(t)
	for _, k := range []string{"k1", "k2", "k3"} {
		putString(t, b, k, k)
	}

	var keys []string
	token := ""
	pages := 0
	for {
		page, err := b.List(context.Background(), ListRequest{MaxKeys: 2, ContinuationToken: token})
		require.NoError(t, err)
		pages++
		for _, o := range page.Objects {
			keys = append(keys, o.Key)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	assert.Equal(t, []string{"k1", "k2", "k3"}, keys)
	assert.Equal(t, 2, pages)
}

func TestLocalFsListingMissingRoot(t *testing.T) {
	b := newTestLocalFs(t)
	require.NoError(t, os.RemoveAll(b.root))

	page, err := b.List(context.Background(), ListRequest{})
	require.NoError(t, err)
	assert.Empty(t, page.Objects)
}

func TestLocalFsReservedKeys(t *testing.T) {
	b := newTestLocalFs(t)
	for _, key := range []string{"obj" + sidecarSuffix, localTempDir + "/x"} {
		_, err := b.Put(context.Background(), key, bytes.NewReader(nil), 0, nil)
		var be *BackendError
		assert.True(t, errors.As(err, &be), "%s: got %v", key, err)
	}
}

func TestLocalFsDeletePrunesDirectories(t *testing.T) {
	b := newTestLocalFs(t)
	putString(t, b, "a/b/c", "x")

	failures, err := b.Delete(context.Background(), []string{"a/b/c", "never/existed"})
	require.NoError(t, err)
	assert.Empty(t, failures)

	_, err = os.Stat(filepath.Join(b.root, "a"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(b.root)
	assert.NoError(t, err)
}

func TestLocalFsObjectWithoutSidecar(t *testing.T) {
	b := newTestLocalFs(t)
	require.NoError(t, ioutil.WriteFile(filepath.Join(b.root, "foreign"), []byte("data"), 0644))

	attrs, err := b.Head(context.Background(), "foreign")
	require.NoError(t, err)
	assert.Equal(t, int64(4), attrs.Size)
	assert.Empty(t, attrs.ETag)
	assert.Nil(t, attrs.Metadata)
}

func TestLocalFsExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	homedir.DisableCache = true
	defer func() { homedir.DisableCache = false }()

	b, err := newLocalFsBackend(&LocalFsConfig{Root: "~/store"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "store"), b.root)
}

func TestFsErrorMapping(t *testing.T) {
	_, err := os.Open(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, errors.Is(fsError(err), ErrNotFound))

	var be *BackendError
	require.True(t, errors.As(fsError(os.ErrPermission), &be))
	assert.False(t, be.Retryable)
	require.True(t, errors.As(fsError(os.ErrExist), &be))
	assert.False(t, be.Retryable)
	require.True(t, errors.As(fsError(errors.New("disk on fire")), &be))
	assert.True(t, be.Retryable)
}

// slowReader stalls before its first read.
type slowReader struct {
	r     io.Reader
	delay time.Duration
	once  sync.Once
}

func (s *slowReader) Read(p []byte) (int, error) {
	s.once.Do(func() { time.Sleep(s.delay) })
	return s.r.Read(p)
}

func TestLocalFsUploadSurvivesSiblingDelete(t *testing.T) {
	c := newLocalClient(t)
	ctx := context.Background()
	_, err := c.Upload(ctx, bytes.NewReader([]byte("b")), 1, MustParseRemotePath("dir/b"), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		body := &slowReader{r: bytes.NewReader([]byte("a")), delay: 50 * time.Millisecond}
		_, err := c.Upload(ctx, body, 1, MustParseRemotePath("dir/a"), nil)
		done <- err
	}()

	// Deleting the only other object prunes dir while dir/a is staged.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Delete(ctx, MustParseRemotePath("dir/b")))
	require.NoError(t, <-done)

	data, _ := download(t, c, MustParseRemotePath("dir/a"), DownloadRequest{})
	assert.Equal(t, "a", string(data))
}

func TestRenameIntoCreatesParent(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "staged")
	require.NoError(t, ioutil.WriteFile(src, []byte("x"), 0644))

	dst := filepath.Join(dir, "a", "b", "obj")
	require.NoError(t, renameInto(src, dst))
	data, err := ioutil.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	assert.True(t, os.IsNotExist(renameInto(src, filepath.Join(dir, "other"))))
}

func TestLocalFsReadersSeeMatchingSidecar(t *testing.T) {
	b := newTestLocalFs(t)
	ctx := context.Background()
	contents := []string{strings.Repeat("a", 4096), strings.Repeat("b", 8192)}
	putString(t, b, "seg", contents[0])

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for _, content := range contents {
		wg.Add(1)
		go func(content string) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				md := NewStorageMetadata("first", content[:1])
				_, err := b.Put(ctx, "seg", strings.NewReader(content), int64(len(content)), md)
				assert.NoError(t, err)
			}
		}(content)
	}
	defer func() {
		close(stop)
		wg.Wait()
	}()

	for i := 0; i < 300; i++ {
		r, err := b.Get(ctx, "seg", GetOptions{Range: ByteRange{Start: 0, End: -1}})
		require.NoError(t, err)
		data, err := ioutil.ReadAll(r.Body)
		r.Body.Close()
		require.NoError(t, err)

		sum := md5.Sum(data)
		require.Equal(t, hex.EncodeToString(sum[:]), r.ETag, "read %d", i)
		first, _ := r.Metadata.Get("first")
		require.Equal(t, string(data[:1]), first, "read %d", i)
	}
}

func TestLocalFsKeyCollisions(t *testing.T) {
	b := newTestLocalFs(t)
	putString(t, b, "a", "file")
	putString(t, b, "x/y", "nested")

	for _, key := range []string{"a/b", "x"} {
		_, err := b.Put(context.Background(), key, bytes.NewReader([]byte("z")), 1, nil)
		var be *BackendError
		require.True(t, errors.As(err, &be), "%s: got %v", key, err)
		assert.Equal(t, codes.FailedPrecondition, be.Code, key)
		assert.False(t, IsRetryable(err), key)
	}
}
