package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"inspection-sync/internal/shared/storage/object"
)

func TestSaveOpenDelete(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir())

	key, size, mime, err := store.Save(ctx, "tpl-1/veh-9", "odometer.txt", strings.NewReader("odometer 81234"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if size != int64(len("odometer 81234")) {
		t.Fatalf("size = %d", size)
	}
	if !strings.HasPrefix(mime, "text/plain") {
		t.Fatalf("mime = %q", mime)
	}
	if !strings.HasSuffix(key, "_odometer.txt") {
		t.Fatalf("key = %q", key)
	}

	rc, err := store.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != "odometer 81234" {
		t.Fatalf("body = %q", body)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Open(ctx, key); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("second Delete should be a no-op, got %v", err)
	}
}

func TestSaveWithKeyAndSignedURL(t *testing.T) {
	ctx := context.Background()
	store := New(t.TempDir())

	n, err := store.SaveWithKey(ctx, "remote/a/b.jpg", "image/jpeg", bytes.NewReader([]byte{1, 2, 3}))
	if err != nil || n != 3 {
		t.Fatalf("SaveWithKey = %d, %v", n, err)
	}

	url, exp, err := store.SignedURL(ctx, "remote/a/b.jpg", time.Minute)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if !strings.HasPrefix(url, "file://") || !strings.HasSuffix(url, "remote/a/b.jpg") {
		t.Fatalf("url = %q", url)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expected expiry in the future")
	}

	if _, _, err := store.SignedURL(ctx, "remote/missing.jpg", time.Minute); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRejectsTraversalKeys(t *testing.T) {
	store := New(t.TempDir())
	if _, err := store.Open(context.Background(), "../outside"); err == nil {
		t.Fatalf("expected traversal key to be rejected")
	}
	if _, _, _, err := store.Save(context.Background(), "ns", "../x", strings.NewReader("x")); err == nil {
		t.Fatalf("expected traversal file name to be rejected")
	}
}
