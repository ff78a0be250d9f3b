package writer

import (
	"bytes"
	"context"
	"os"
	"testing"
)

func TestBufferTargetWriteSeek(t *testing.T) {
	ctx := context.Background()
	b := NewBufferTarget()
	if err := b.Write(ctx, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := b.Seek(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if err := b.Write(ctx, []byte("H")); err != nil {
		t.Fatal(err)
	}
	if got, want := string(b.Bytes()), "Hello"; got != want {
		t.Fatalf("Bytes() = %q, want %q", got, want)
	}
	if err := b.Seek(ctx, 100); err == nil {
		t.Fatal("Seek() past end should fail")
	}
}

func TestStreamTargetCannotSeek(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	s := NewStreamTarget(&buf)
	if err := s.Write(ctx, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "abc"; got != want {
		t.Fatalf("buf = %q, want %q", got, want)
	}
	if err := s.Seek(ctx, 0); err == nil {
		t.Fatal("Seek() on a stream target should fail")
	}
}

func TestFileTargetWriteSeekFlush(t *testing.T) {
	ctx := context.Background()
	f, err := os.CreateTemp(t.TempDir(), "avpack-writer-test")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	ft := NewFileTarget(f)
	if err := ft.Write(ctx, []byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if err := ft.Seek(ctx, 2); err != nil {
		t.Fatal(err)
	}
	if err := ft.Write(ctx, []byte("XX")); err != nil {
		t.Fatal(err)
	}
	if err := ft.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if want := "01XX456789"; string(got) != want {
		t.Fatalf("file contents = %q, want %q", got, want)
	}
}
