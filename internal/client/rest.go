package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tutorchat-ws/internal/domain"
)

// RESTClient talks to the gateway's /api routes with a bearer credential.
type RESTClient struct {
	baseURL    string
	credential string
	httpClient *http.Client
}

func NewRESTClient(baseURL, credential string) *RESTClient {
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		credential: credential,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type chatsResponse struct {
	Chats []domain.ChatView `json:"chats"`
	Badge int               `json:"badge"`
}

type chatResponse struct {
	Chat domain.ChatView `json:"chat"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *RESTClient) ListChats(ctx context.Context) ([]domain.ChatView, error) {
	var resp chatsResponse
	if err := c.do(ctx, http.MethodGet, "/chats", nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// CreateOrGetChat reports whether the chat was newly created.
func (c *RESTClient) CreateOrGetChat(ctx context.Context, req domain.CreateChatRequest) (*domain.ChatView, bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, false, err
	}

	var resp chatResponse
	status, err := c.doStatus(ctx, http.MethodPost, "/chats", bytes.NewReader(body), "application/json", &resp)
	if err != nil {
		return nil, false, err
	}
	return &resp.Chat, status == http.StatusCreated, nil
}

func (c *RESTClient) FetchPage(ctx context.Context, chatID int64, page, limit int) (*domain.MessagesPage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("limit", strconv.Itoa(limit))
	path := fmt.Sprintf("/chats/%d/messages?%s", chatID, query.Encode())

	var resp domain.MessagesPage
	if err := c.do(ctx, http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RESTClient) ClearChat(ctx context.Context, chatID int64) (*domain.ChatView, error) {
	var resp chatResponse
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/chats/%d/clear", chatID), nil, "", &resp); err != nil {
		return nil, err
	}
	return &resp.Chat, nil
}

func (c *RESTClient) Presence(ctx context.Context) ([]domain.Identity, error) {
	var resp struct {
		Online []domain.Identity `json:"online"`
	}
	if err := c.do(ctx, http.MethodGet, "/presence", nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Online, nil
}

func (c *RESTClient) Upload(ctx context.Context, fileName string, content io.Reader) (*domain.UploadResponse, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filepath.Base(fileName)))
	header.Set("Content-Type", imageContentType(fileName))
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	var resp domain.UploadResponse
	if err := c.do(ctx, http.MethodPost, "/uploads", &buf, writer.FormDataContentType(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	_, err := c.doStatus(ctx, method, path, body, contentType, out)
	return err
}

func (c *RESTClient) doStatus(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.credential)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, &AuthError{Status: resp.StatusCode, Reason: readError(resp.Body)}
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, &HTTPError{Status: resp.StatusCode, Message: readError(resp.Body)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

// HTTPError is a non-2xx answer other than 401.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("client: request failed with status %d", e.Status)
	}
	return fmt.Sprintf("client: request failed with status %d: %s", e.Status, e.Message)
}

func readError(body io.Reader) string {
	var payload errorResponse
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&payload); err != nil {
		return ""
	}
	return payload.Error
}

func imageContentType(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
