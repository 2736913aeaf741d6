package objstore

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// StorageMetadata is an ordered set of user-defined key/value pairs attached
// to an object at upload time. A nil *StorageMetadata means the object has
// no metadata, which is different from an empty one.
type StorageMetadata struct {
	keys   []string
	values map[string]string
}

// NewStorageMetadata builds metadata from alternating key/value arguments.
// A trailing key without a value is stored with an empty value.
func NewStorageMetadata(pairs ...string) *StorageMetadata {
	md := &StorageMetadata{values: make(map[string]string)}
	for i := 0; i < len(pairs); i += 2 {
		value := ""
		if i+1 < len(pairs) {
			value = pairs[i+1]
		}
		md.Set(pairs[i], value)
	}
	return md
}

// MetadataFromMap converts a provider map. Providers do not preserve order,
// so keys are sorted to keep results deterministic.
func MetadataFromMap(m map[string]string) *StorageMetadata {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	md := &StorageMetadata{values: make(map[string]string, len(m))}
	for _, k := range keys {
		md.Set(k, m[k])
	}
	return md
}

// Set inserts or replaces key. Replacing keeps the original position.
func (md *StorageMetadata) Set(key, value string) {
	if md.values == nil {
		md.values = make(map[string]string)
	}
	if _, ok := md.values[key]; !ok {
		md.keys = append(md.keys, key)
	}
	md.values[key] = value
}

func (md *StorageMetadata) Get(key string) (string, bool) {
	if md == nil {
		return "", false
	}
	v, ok := md.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (md *StorageMetadata) Keys() []string {
	if md == nil {
		return nil
	}
	return append([]string(nil), md.keys...)
}

func (md *StorageMetadata) Len() int {
	if md == nil {
		return 0
	}
	return len(md.keys)
}

// Range calls fn for every pair in order until fn returns false.
func (md *StorageMetadata) Range(fn func(key, value string) bool) {
	if md == nil {
		return
	}
	for _, k := range md.keys {
		if !fn(k, md.values[k]) {
			return
		}
	}
}

// Map returns a copy of the pairs as a plain map, or nil for nil metadata.
func (md *StorageMetadata) Map() map[string]string {
	if md == nil {
		return nil
	}
	m := make(map[string]string, len(md.keys))
	for k, v := range md.values {
		m[k] = v
	}
	return m
}

// MarshalJSON encodes metadata as a list of [key, value] pairs so the order
// survives a round trip.
func (md *StorageMetadata) MarshalJSON() ([]byte, error) {
	pairs := make([][2]string, 0, md.Len())
	md.Range(func(k, v string) bool {
		pairs = append(pairs, [2]string{k, v})
		return true
	})
	return json.Marshal(pairs)
}

func (md *StorageMetadata) UnmarshalJSON(data []byte) error {
	var pairs [][2]string
	if err := json.Unmarshal(data, &pairs); err != nil {
		return errors.Wrap(err, "decoding storage metadata")
	}
	md.keys = nil
	md.values = make(map[string]string, len(pairs))
	for _, p := range pairs {
		md.Set(p[0], p[1])
	}
	return nil
}
