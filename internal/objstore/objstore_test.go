package objstore

import (
	"errors"
	"strings"
	"testing"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	s, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	return s
}

func Test_FS_PutGetDelete(t *testing.T) {
	t.Parallel()
	s := newTestFS(t)

	ref, err := s.Put("handbook.md", []byte("hello"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasSuffix(ref, ".md") {
		t.Errorf("ref %q does not keep the extension", ref)
	}

	data, err := s.Get(ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("got %q", data)
	}

	if err := s.Delete(ref); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after delete: %v, want ErrNotFound", err)
	}
	// Deleting again is a no-op.
	if err := s.Delete(ref); err != nil {
		t.Errorf("double delete: %v", err)
	}
}

func Test_FS_DistinctRefs(t *testing.T) {
	t.Parallel()
	s := newTestFS(t)
	a, err := s.Put("x", []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Put("x", []byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Errorf("two puts produced the same ref %q", a)
	}
}

func Test_FS_RejectsEscapingRefs(t *testing.T) {
	t.Parallel()
	s := newTestFS(t)
	for _, ref := range []string{"../outside", "/etc/passwd", "a/../../b"} {
		if _, err := s.Get(ref); err == nil {
			t.Errorf("get(%q): want error", ref)
		}
	}
}

func Test_FS_GetMissing(t *testing.T) {
	t.Parallel()
	s := newTestFS(t)
	if _, err := s.Get("ab/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if _, err := s.Get(""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty ref: got %v, want ErrNotFound", err)
	}
}
