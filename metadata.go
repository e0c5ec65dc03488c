package grpcmw

import (
	"fmt"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Metadata is an ordered multimap from a lowercase ASCII key to a
// non-empty sequence of values, preserving insertion order on iteration.
// Keys ending in "-bin" carry opaque byte-string values (stored internally
// as base64-free raw strings, consistent with SetBinary/GetBinary taking
// and returning []byte for those keys); all other keys carry UTF-8 strings. A handful of keys are
// reserved for the transport and rejected on Set/Append: "grpc-*", keys
// starting with ":", "content-type", "user-agent", "te".
//
// The zero value is an empty, usable Metadata. A Metadata handed to the
// transport (as a header or trailer) is conceptually frozen from the
// caller's perspective; this package does not forcibly prevent further
// mutation (Go has no ownership transfer), but callers must not mutate a
// Metadata after handing it to SendHeader, SetTrailer, or a transport send.
type Metadata struct {
	keys   []string
	values map[string][]string
}

// NewMetadata constructs an empty Metadata.
func NewMetadata() *Metadata {
	return &Metadata{values: make(map[string][]string)}
}

// BinarySuffix is the suffix that marks a metadata key as carrying binary
// values rather than UTF-8 strings.
const BinarySuffix = "-bin"

func isBinaryKey(key string) bool { return strings.HasSuffix(key, BinarySuffix) }

func isForbiddenKey(key string) bool {
	switch key {
	case "content-type", "user-agent", "te":
		return true
	}
	return strings.HasPrefix(key, "grpc-") || strings.HasPrefix(key, ":")
}

func normalizeKey(key string) string { return strings.ToLower(key) }

func (m *Metadata) ensure() {
	if m.values == nil {
		m.values = make(map[string][]string)
	}
}

// Set replaces all values for key. It panics if key is forbidden — callers
// that accept untrusted key names should check [Metadata.Has] /
// validate before calling Set, or use [Metadata.TrySet].
func (m *Metadata) Set(key string, values ...string) {
	if err := m.TrySet(key, values...); err != nil {
		panic(err)
	}
}

// TrySet is like Set but returns an error instead of panicking when key is
// forbidden or values is empty.
func (m *Metadata) TrySet(key string, values ...string) error {
	key = normalizeKey(key)
	if isForbiddenKey(key) {
		return fmt.Errorf("grpcmw: metadata key %q is reserved", key)
	}
	if len(values) == 0 {
		return fmt.Errorf("grpcmw: metadata key %q requires at least one value", key)
	}
	m.ensure()
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	cp := make([]string, len(values))
	copy(cp, values)
	m.values[key] = cp
	return nil
}

// Append adds a single value to key, preserving any existing values. It
// panics if key is forbidden.
func (m *Metadata) Append(key string, value string) {
	key = normalizeKey(key)
	if isForbiddenKey(key) {
		panic(fmt.Sprintf("grpcmw: metadata key %q is reserved", key))
	}
	m.ensure()
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = append(m.values[key], value)
}

// SetBinary replaces all values for a "-bin" key with the given byte
// strings. It panics if key does not end in "-bin".
func (m *Metadata) SetBinary(key string, values ...[]byte) {
	key = normalizeKey(key)
	if !isBinaryKey(key) {
		panic(fmt.Sprintf("grpcmw: SetBinary requires a %q-suffixed key, got %q", BinarySuffix, key))
	}
	strs := make([]string, len(values))
	for i, v := range values {
		strs[i] = string(v)
	}
	m.Set(key, strs...)
}

// Get returns the first value for key, and whether it was present.
func (m *Metadata) Get(key string) (string, bool) {
	vals := m.GetAll(key)
	if len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// GetAll returns every value for key, in append order, or nil if unset.
func (m *Metadata) GetAll(key string) []string {
	if m.values == nil {
		return nil
	}
	return m.values[normalizeKey(key)]
}

// GetBinary returns every value for a "-bin" key as raw bytes.
func (m *Metadata) GetBinary(key string) [][]byte {
	vals := m.GetAll(key)
	if vals == nil {
		return nil
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out
}

// Has reports whether key has at least one value.
func (m *Metadata) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete removes all values for key.
func (m *Metadata) Delete(key string) {
	if m.values == nil {
		return
	}
	key = normalizeKey(key)
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// ForEach calls fn once per key, in insertion order, with that key's full
// value sequence. Mutating m from within fn is not supported.
func (m *Metadata) ForEach(fn func(key string, values []string)) {
	for _, k := range m.keys {
		fn(k, m.values[k])
	}
}

// Len returns the number of distinct keys.
func (m *Metadata) Len() int { return len(m.keys) }

// Clone returns a deep copy of m.
func (m *Metadata) Clone() *Metadata {
	out := NewMetadata()
	m.ForEach(func(key string, values []string) {
		_ = out.TrySet(key, values...)
	})
	return out
}

// Merge copies every key/values pair from other into m, overwriting any
// existing values for keys present in other.
func (m *Metadata) Merge(other *Metadata) {
	if other == nil {
		return
	}
	other.ForEach(func(key string, values []string) {
		_ = m.TrySet(key, values...)
	})
}

// toGRPC converts m to a google.golang.org/grpc/metadata.MD for handing to
// the transport. Multi-value keys are emitted as multiple entries, not
// comma-joined — any joining is the transport's concern, per spec.
func (m *Metadata) toGRPC() metadata.MD {
	md := metadata.MD{}
	m.ForEach(func(key string, values []string) {
		md[key] = append(md[key], values...)
	})
	return md
}

// fromGRPC constructs a Metadata from a google.golang.org/grpc/metadata.MD.
// Because metadata.MD is an unordered Go map, relative order between
// distinct keys is not reconstructable here — this is an accepted loss at
// the transport boundary (see SPEC_FULL.md §3); per-key value order is
// preserved.
func fromGRPC(md metadata.MD) *Metadata {
	out := NewMetadata()
	for key, values := range md {
		_ = out.TrySet(key, values...)
	}
	return out
}
