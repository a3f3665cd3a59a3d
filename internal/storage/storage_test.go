package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/omnistudio/backend/internal/config"
)

type recordingStorage struct {
	key         string
	contentType string
	body        string
}

func (r *recordingStorage) Save(_ context.Context, key, contentType string, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	r.key, r.contentType, r.body = key, contentType, string(data)
	return "https://assets.example.com/" + key, nil
}

func TestPrefixedStorage(t *testing.T) {
	base := &recordingStorage{}
	store := Prefixed(base, "user-1")

	loc, err := store.Save(context.Background(), "job-9.mp4", "video/mp4", strings.NewReader("bytes"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if base.key != "user-1/job-9.mp4" || base.contentType != "video/mp4" || base.body != "bytes" {
		t.Fatalf("unexpected save: %+v", base)
	}
	if loc != "https://assets.example.com/user-1/job-9.mp4" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestPrefixedStorageErrors(t *testing.T) {
	if _, err := Prefixed(nil, "p").Save(context.Background(), "k", "", strings.NewReader("")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := Prefixed(&recordingStorage{}, "").Save(context.Background(), "", "", strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestNewS3StorageRequiresBucket(t *testing.T) {
	if _, err := NewS3Storage(context.Background(), config.ObjectStoreConfig{Region: "us-east-1"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestS3StorageSaveRejectsEmptyKey(t *testing.T) {
	s, err := NewS3Storage(context.Background(), config.ObjectStoreConfig{
		Bucket:   "media",
		Region:   "us-east-1",
		Endpoint: "http://127.0.0.1:9",
	})
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	if _, err := s.Save(context.Background(), "/", "", strings.NewReader("x")); err == nil {
		t.Fatal("expected empty key error")
	}
}
