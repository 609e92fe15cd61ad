package objectstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Scope is a Store view narrowed to one bucket and key prefix.
type Scope struct {
	store  Store
	bucket string
	prefix string
}

// NewScope returns a view of store rooted at bucket/prefix.
func NewScope(store Store, bucket, prefix string) *Scope {
	return &Scope{store: store, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Sub narrows the scope by one or more key segments.
func (s *Scope) Sub(parts ...string) *Scope {
	return &Scope{store: s.store, bucket: s.bucket, prefix: JoinKey(append([]string{s.prefix}, parts...)...)}
}

// Prefix returns the key prefix of the scope.
func (s *Scope) Prefix() string { return s.prefix }

// Put writes data at key relative to the scope.
func (s *Scope) Put(ctx context.Context, key string, data []byte) error {
	return s.store.PutObject(ctx, s.bucket, JoinKey(s.prefix, key), data)
}

// Get reads the object at key relative to the scope.
func (s *Scope) Get(ctx context.Context, key string) ([]byte, error) {
	return s.store.GetObject(ctx, s.bucket, JoinKey(s.prefix, key))
}

// List returns keys under sub, relative to the scope.
func (s *Scope) List(ctx context.Context, sub string) ([]string, error) {
	full := JoinKey(s.prefix, sub)
	if full != "" {
		full += "/"
	}
	keys, err := s.store.ListPrefix(ctx, s.bucket, full)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	trim := s.prefix
	if trim != "" {
		trim += "/"
	}
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, trim))
	}
	return out, nil
}

// Delete removes the object at key relative to the scope.
func (s *Scope) Delete(ctx context.Context, key string) error {
	return s.store.DeleteObject(ctx, s.bucket, JoinKey(s.prefix, key))
}

// Clear removes every object under the scope and returns how many were
// deleted. A scope without a prefix addresses a whole bucket and is refused.
func (s *Scope) Clear(ctx context.Context) (int, error) {
	if s.prefix == "" {
		return 0, wrapError(CodeWriteFailed, false, fmt.Errorf("refusing to clear bucket %q without a prefix", s.bucket))
	}
	keys, err := s.List(ctx, "")
	if err != nil {
		return 0, err
	}
	for i, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return i, fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return len(keys), nil
}

// Prepare ensures the bucket backing the scope exists.
func (s *Scope) Prepare(ctx context.Context) error {
	return s.store.EnsureBucket(ctx, s.bucket)
}

// URL renders the scope location for logs and catalog entries.
func (s *Scope) URL() string {
	if ls, ok := s.store.(*LocalStore); ok {
		return "file://" + filepath.ToSlash(filepath.Join(ls.bucketPath(s.bucket), filepath.FromSlash(s.prefix)))
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.prefix)
}
