package objstore

import (
	"path"
	"strings"

	"github.com/pkg/errors"
)

// RemotePath is a normalized object key relative to the configured bucket
// prefix. The zero value is not a valid path; use ParseRemotePath.
type RemotePath struct {
	key string
}

// ParseRemotePath validates and normalizes raw. Empty strings, absolute
// paths and paths containing a ".." segment are rejected with ErrInvalidPath.
func ParseRemotePath(raw string) (RemotePath, error) {
	if raw == "" {
		return RemotePath{}, errors.Wrap(ErrInvalidPath, "empty path")
	}
	if strings.HasPrefix(raw, "/") {
		return RemotePath{}, errors.Wrapf(ErrInvalidPath, "%q is absolute", raw)
	}
	for _, segment := range strings.Split(raw, "/") {
		if segment == ".." {
			return RemotePath{}, errors.Wrapf(ErrInvalidPath, "%q contains a '..' segment", raw)
		}
	}
	if strings.ContainsRune(raw, 0) {
		return RemotePath{}, errors.Wrapf(ErrInvalidPath, "%q contains a NUL byte", raw)
	}

	// No ".." segments remain, so Clean only collapses slashes and "." segments.
	cleaned := path.Clean(raw)
	if cleaned == "." {
		return RemotePath{}, errors.Wrapf(ErrInvalidPath, "%q has no object name", raw)
	}
	return RemotePath{key: cleaned}, nil
}

// MustParseRemotePath is like ParseRemotePath but panics on error. Intended
// for constants and tests.
func MustParseRemotePath(raw string) RemotePath {
	p, err := ParseRemotePath(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p RemotePath) String() string {
	return p.key
}

// IsZero reports whether p was never parsed.
func (p RemotePath) IsZero() bool {
	return p.key == ""
}

// Less orders paths by their normalized key.
func (p RemotePath) Less(other RemotePath) bool {
	return p.key < other.key
}

// Join appends a relative segment to p.
func (p RemotePath) Join(segment string) (RemotePath, error) {
	if p.IsZero() {
		return ParseRemotePath(segment)
	}
	if strings.HasPrefix(segment, "/") {
		return RemotePath{}, errors.Wrapf(ErrInvalidPath, "cannot join absolute segment %q", segment)
	}
	return ParseRemotePath(p.key + "/" + segment)
}

// ObjectName returns the last segment of the path.
func (p RemotePath) ObjectName() string {
	return path.Base(p.key)
}

// Parent returns the path without its last segment, or false when p has a
// single segment.
func (p RemotePath) Parent() (RemotePath, bool) {
	dir := path.Dir(p.key)
	if dir == "." || dir == "/" {
		return RemotePath{}, false
	}
	return RemotePath{key: dir}, true
}

// StripPrefix removes prefix from p. The result is false when p is not below
// prefix or when nothing remains.
func (p RemotePath) StripPrefix(prefix RemotePath) (RemotePath, bool) {
	if prefix.IsZero() {
		return p, true
	}
	if !strings.HasPrefix(p.key, prefix.key+"/") {
		return RemotePath{}, false
	}
	rest := strings.TrimPrefix(p.key, prefix.key+"/")
	if rest == "" {
		return RemotePath{}, false
	}
	return RemotePath{key: rest}, true
}

// normalizePrefix turns a configured bucket prefix into the form used in
// object keys: no leading slash, exactly one trailing slash, or empty.
func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	for strings.Contains(prefix, "//") {
		prefix = strings.ReplaceAll(prefix, "//", "/")
	}
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}
