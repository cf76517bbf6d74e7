package store

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const testBody = "From: sender@example.org\r\nTo: rcpt@example.com\r\n\r\nfoobar\r\n"

// checkOpen opens the same id twice: attempts re-read bodies from the
// start, so a second open must produce the same bytes.
func checkOpen(t *testing.T, s Store, id string) {
	t.Helper()

	for i := 0; i < 2; i++ {
		r, err := s.Open(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		blob, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			t.Fatal(err)
		}
		if string(blob) != testBody {
			t.Errorf("body mangled on open %d: %q", i, blob)
		}
	}
}

func TestFS(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "1419473r1qr8o02.eml"), []byte(testBody), 0o600)
	if err != nil {
		t.Fatal(err)
	}

	s, err := NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}

	checkOpen(t, s, "1419473r1qr8o02")

	if _, err := s.Open(context.Background(), "missing"); !errors.Is(err, ErrNoSuchMessage) {
		t.Errorf("wrong error for missing body: %v", err)
	}
}

func TestFSConfig(t *testing.T) {
	if _, err := NewFS(""); err == nil {
		t.Error("no error for unset directory")
	}
	if _, err := NewFS(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("no error for nonexistent directory")
	}
}

func TestS3(t *testing.T) {
	backend := s3mem.New()
	ts := httptest.NewServer(gofakes3.New(backend).Server())
	defer ts.Close()

	if err := backend.CreateBucket("mailout-test"); err != nil {
		t.Fatal(err)
	}

	// Upload a fixture the way the queue ingest side would.
	cl, err := minio.New(ts.Listener.Addr().String(), &minio.Options{
		Creds:  credentials.NewStaticV4("access-key", "secret-key", ""),
		Secure: false,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = cl.PutObject(context.Background(), "mailout-test", "q/1419473r1qr8o02.eml",
		strings.NewReader(testBody), int64(len(testBody)), minio.PutObjectOptions{})
	if err != nil {
		t.Fatal(err)
	}

	s, err := NewS3(S3Options{
		Endpoint:     ts.Listener.Addr().String(),
		Bucket:       "mailout-test",
		ObjectPrefix: "q/",
		AccessKey:    "access-key",
		SecretKey:    "secret-key",
	})
	if err != nil {
		t.Fatal(err)
	}

	checkOpen(t, s, "1419473r1qr8o02")

	if _, err := s.Open(context.Background(), "missing"); !errors.Is(err, ErrNoSuchMessage) {
		t.Errorf("wrong error for missing object: %v", err)
	}
}

func TestS3Config(t *testing.T) {
	if _, err := NewS3(S3Options{Bucket: "b"}); err == nil {
		t.Error("no error for unset endpoint")
	}
	if _, err := NewS3(S3Options{Endpoint: "127.0.0.1:9000"}); err == nil {
		t.Error("no error for unset bucket")
	}
	if _, err := NewS3(S3Options{Endpoint: "127.0.0.1:9000", Bucket: "b", CredsType: "bogus"}); err == nil {
		t.Error("no error for unknown creds type")
	}
}
