package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func openMemory(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true, MaxBytes: maxBytes, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustPut(t *testing.T, s *Store, key string, size int) {
	t.Helper()
	if err := s.Put(key, bytes.Repeat([]byte{key[0]}, size)); err != nil {
		t.Fatalf("Put(%s) error = %v", key, err)
	}
}

func has(t *testing.T, s *Store, key string) bool {
	t.Helper()
	_, ok, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", key, err)
	}
	return ok
}

func TestPutGet(t *testing.T) {
	s := openMemory(t, 1024)
	if err := s.Put("a", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get("a")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if string(v) != "hello" {
		t.Errorf("Get() = %q", v)
	}
	if _, ok, _ := s.Get("missing"); ok {
		t.Error("Get(missing) reported a hit")
	}
	if s.Len() != 1 || s.Size() != 5 {
		t.Errorf("Len() = %d, Size() = %d", s.Len(), s.Size())
	}
}

func TestLRUEvictionOrder(t *testing.T) {
	s := openMemory(t, 30)
	mustPut(t, s, "a", 10)
	mustPut(t, s, "b", 10)
	mustPut(t, s, "c", 10)

	// Touch a so b becomes the coldest entry.
	if !has(t, s, "a") {
		t.Fatal("a missing")
	}
	mustPut(t, s, "d", 10)

	if has(t, s, "b") {
		t.Error("b should have been evicted")
	}
	for _, k := range []string{"a", "c", "d"} {
		if !has(t, s, k) {
			t.Errorf("%s evicted out of order", k)
		}
	}
	if s.Size() > 30 {
		t.Errorf("Size() = %d over quota", s.Size())
	}

	mustPut(t, s, "e", 25)
	if s.Len() != 1 || !has(t, s, "e") {
		t.Errorf("large put should leave only e, Len() = %d", s.Len())
	}
	if got := s.Stats().Evictions; got != 4 {
		t.Errorf("Evictions = %d, want 4", got)
	}
}

func TestReplaceAdjustsSize(t *testing.T) {
	s := openMemory(t, 30)
	mustPut(t, s, "a", 10)
	mustPut(t, s, "b", 10)
	mustPut(t, s, "a", 20)
	if s.Size() != 30 || s.Len() != 2 {
		t.Errorf("Size() = %d, Len() = %d; want 30, 2", s.Size(), s.Len())
	}
	mustPut(t, s, "a", 25)
	if has(t, s, "b") {
		t.Error("b should be evicted to make room for a larger a")
	}
	v, _, _ := s.Get("a")
	if len(v) != 25 {
		t.Errorf("len(a) = %d, want 25", len(v))
	}
}

func TestEntryTooLarge(t *testing.T) {
	s := openMemory(t, 10)
	mustPut(t, s, "a", 5)
	err := s.Put("big", make([]byte, 11))
	if !errors.Is(err, ErrEntryTooLarge) {
		t.Fatalf("Put() error = %v, want ErrEntryTooLarge", err)
	}
	if !has(t, s, "a") {
		t.Error("rejected put evicted existing entries")
	}
}

func TestDeleteAndClear(t *testing.T) {
	s := openMemory(t, 100)
	mustPut(t, s, "a", 10)
	mustPut(t, s, "b", 10)

	if err := s.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("never"); err != nil {
		t.Errorf("Delete(missing) = %v", err)
	}
	if has(t, s, "a") || s.Size() != 10 {
		t.Errorf("after Delete: Size() = %d", s.Size())
	}

	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 0 || s.Size() != 0 || has(t, s, "b") {
		t.Error("Clear left entries behind")
	}
}

func TestStats(t *testing.T) {
	s := openMemory(t, 100)
	mustPut(t, s, "a", 10)
	has(t, s, "a")
	has(t, s, "a")
	has(t, s, "zz")

	st := s.Stats()
	if st.Hits != 2 || st.Misses != 1 || st.Entries != 1 || st.Bytes != 10 || st.MaxBytes != 100 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestClosedStore(t *testing.T) {
	s, err := Open(Config{InMemory: true, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if s.MaxBytes() != DefaultMaxBytes {
		t.Errorf("MaxBytes() = %d, want default", s.MaxBytes())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close() = %v, want ErrClosed", err)
	}
	if _, _, err := s.Get("a"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after Close = %v", err)
	}
	if err := s.Put("a", []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after Close = %v", err)
	}
	if err := s.Delete("a"); !errors.Is(err, ErrClosed) {
		t.Errorf("Delete after Close = %v", err)
	}
	if err := s.Clear(); !errors.Is(err, ErrClosed) {
		t.Errorf("Clear after Close = %v", err)
	}
}

func TestOpenRequiresDir(t *testing.T) {
	if _, err := Open(Config{Logger: quietLogger()}); err == nil {
		t.Error("Open without Dir or InMemory should fail")
	}
}

func TestReopenIndexesExistingEntries(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Config{Dir: dir, MaxBytes: 1 << 20, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	mustPut(t, s, "a", 100)
	mustPut(t, s, "b", 200)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(Config{Dir: dir, MaxBytes: 1 << 20, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 || s.Size() != 300 {
		t.Errorf("reopened Len() = %d, Size() = %d", s.Len(), s.Size())
	}
	v, ok, err := s.Get("b")
	if err != nil || !ok || len(v) != 200 {
		t.Errorf("Get(b) = %d bytes, %v, %v", len(v), ok, err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// A smaller quota on reopen trims the oldest entry.
	s, err = Open(Config{Dir: dir, MaxBytes: 250, Logger: quietLogger(), ClearOnClose: true})
	if err != nil {
		t.Fatal(err)
	}
	if has(t, s, "a") || !has(t, s, "b") {
		t.Error("reopen with a smaller quota should evict the oldest entry")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(Config{Dir: dir, MaxBytes: 1 << 20, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.Len() != 0 {
		t.Errorf("ClearOnClose left %d entries", s.Len())
	}
}

func TestClampQuota(t *testing.T) {
	tests := []struct {
		quota int64
		free  uint64
		used  int64
		want  int64
	}{
		{100, 1000, 0, 100},
		{100, 50, 0, 50},
		{100, 50, 30, 80},
		{100, 0, 0, 0},
	}
	for _, tt := range tests {
		if got := clampQuota(tt.quota, tt.free, tt.used); got != tt.want {
			t.Errorf("clampQuota(%d, %d, %d) = %d, want %d", tt.quota, tt.free, tt.used, got, tt.want)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := openMemory(t, 4096)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("k%d-%d", g, i%10)
				if err := s.Put(key, make([]byte, 64)); err != nil {
					t.Errorf("Put() error = %v", err)
					return
				}
				if _, _, err := s.Get(key); err != nil {
					t.Errorf("Get() error = %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	if s.Size() > 4096 {
		t.Errorf("Size() = %d over quota", s.Size())
	}
	if int64(s.Len())*64 != s.Size() {
		t.Errorf("Len() = %d inconsistent with Size() = %d", s.Len(), s.Size())
	}
}
