package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/google/uuid"
)

var ErrStorageDisabled = errors.New("file storage is not configured")

// SupabaseStorage uploads chat attachments to a Supabase storage bucket and
// returns their public URL.
type SupabaseStorage struct {
	baseURL    string
	bucket     string
	serviceKey string
	folder     string
	httpClient *http.Client
}

func NewSupabaseStorage(baseURL, bucket, serviceKey string) *SupabaseStorage {
	return &SupabaseStorage{
		baseURL:    strings.TrimRight(baseURL, "/"),
		bucket:     bucket,
		serviceKey: serviceKey,
		folder:     "chat",
		httpClient: http.DefaultClient,
	}
}

// Upload stores content under a fresh object name that keeps the original
// extension.
func (s *SupabaseStorage) Upload(ctx context.Context, fileName string, content io.Reader) (string, error) {
	if s == nil || s.baseURL == "" || s.bucket == "" {
		return "", ErrStorageDisabled
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}

	objectPath := path.Join(s.folder, uuid.NewString()+strings.ToLower(path.Ext(fileName)))
	uploadURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, objectPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("x-upsert", "true")
	req.Header.Set("Content-Type", http.DetectContentType(data))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("upload file: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, objectPath), nil
}
