package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSupabaseStorageUploadReturnsPublicURL(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := NewSupabaseStorage(server.URL+"/", "attachments", "service-key")
	url, err := store.Upload(context.Background(), "Photo.PNG", strings.NewReader("png-bytes"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if !strings.HasPrefix(gotPath, "/storage/v1/object/attachments/chat/") || !strings.HasSuffix(gotPath, ".png") {
		t.Fatalf("unexpected object path %q", gotPath)
	}
	if gotAuth != "Bearer service-key" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if string(gotBody) != "png-bytes" {
		t.Fatalf("unexpected body %q", gotBody)
	}
	objectPath := strings.TrimPrefix(gotPath, "/storage/v1/object/attachments/")
	if url != server.URL+"/storage/v1/object/public/attachments/"+objectPath {
		t.Fatalf("unexpected public url %q", url)
	}
}

func TestSupabaseStorageUploadSurfacesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bucket not found", http.StatusNotFound)
	}))
	defer server.Close()

	store := NewSupabaseStorage(server.URL, "missing", "key")
	_, err := store.Upload(context.Background(), "a.jpg", strings.NewReader("x"))
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestSupabaseStorageDisabledWithoutConfig(t *testing.T) {
	store := NewSupabaseStorage("", "", "")
	if _, err := store.Upload(context.Background(), "a.jpg", strings.NewReader("x")); !errors.Is(err, ErrStorageDisabled) {
		t.Fatalf("expected ErrStorageDisabled, got %v", err)
	}
}
