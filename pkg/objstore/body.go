package objstore

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// sizedReader passes through exactly expected bytes. Reading past that, or
// reaching EOF early, fails with ErrSizeMismatch so the backend aborts the
// upload instead of committing a truncated or oversized object.
type sizedReader struct {
	r        io.Reader
	expected int64
	read     int64
	short    bool
	long     bool
}

func (s *sizedReader) Read(p []byte) (int, error) {
	if s.read == s.expected {
		// Probe for trailing bytes without handing them on.
		var probe [1]byte
		n, err := s.r.Read(probe[:])
		if n > 0 {
			s.long = true
			return 0, ErrSizeMismatch
		}
		if err == nil {
			return 0, nil
		}
		return 0, err
	}

	if remaining := s.expected - s.read; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := s.r.Read(p)
	s.read += int64(n)
	if err == io.EOF && s.read < s.expected {
		s.short = true
		return n, ErrSizeMismatch
	}
	if err != nil && err != io.EOF {
		return n, errors.Wrap(err, "reading upload body")
	}
	if err == io.EOF && s.read == s.expected {
		return n, io.EOF
	}
	return n, nil
}

func (s *sizedReader) mismatch() bool {
	return s.short || s.long
}

func (s *sizedReader) describe() string {
	if s.long {
		return "more"
	}
	return fmt.Sprintf("%d", s.read)
}
