package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knoguchi/pagerag/internal/memory"
	"github.com/knoguchi/pagerag/internal/service"
)

// Client calls the pageragd HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates an API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

// AskRequest is the body of POST /v1/ask.
type AskRequest struct {
	Question     string `json:"question"`
	TopK         int    `json:"top_k,omitempty"`
	MaxNewTokens int    `json:"max_new_tokens,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

// Page is a grounding page in an answer.
type Page struct {
	DocumentID int    `json:"document_id"`
	Document   string `json:"document"`
	PageNumber int    `json:"page_number"`
	ImageURL   string `json:"image_url"`
}

// AskResponse is the answer to a question.
type AskResponse struct {
	Answer      string `json:"answer"`
	NoResults   bool   `json:"no_results"`
	Message     string `json:"message"`
	Pages       []Page `json:"pages"`
	DroppedHits int    `json:"dropped_hits"`
	Reranked    bool   `json:"reranked"`
	IndexName   string `json:"index_name"`
	Timings     *struct {
		TotalMs int64 `json:"total_ms"`
	} `json:"timings"`
}

// DocumentsResponse lists the indexed documents.
type DocumentsResponse struct {
	IndexName string `json:"index_name"`
	Documents []struct {
		DocumentID int    `json:"document_id"`
		Name       string `json:"name"`
		Pages      int    `json:"pages"`
	} `json:"documents"`
}

// HistoryResponse lists a session's questions.
type HistoryResponse struct {
	SessionID string         `json:"session_id"`
	Entries   []memory.Entry `json:"entries"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Upload sends PDF files for indexing. The server replaces its document set with them.
func (c *Client) Upload(ctx context.Context, paths []string) (*service.IndexReport, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		fw, err := mw.CreateFormFile("files", filepath.Base(path))
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/documents", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var report service.IndexReport
	if err := c.do(req, &report, http.StatusUnprocessableEntity); err != nil {
		return nil, err
	}
	return &report, nil
}

// Ask asks a question.
func (c *Client) Ask(ctx context.Context, ask AskRequest) (*AskResponse, error) {
	data, err := json.Marshal(ask)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/ask", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp AskResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Documents lists the indexed documents.
func (c *Client) Documents(ctx context.Context) (*DocumentsResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/documents", nil)
	if err != nil {
		return nil, err
	}
	var resp DocumentsResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History returns the questions asked in a session, the last n only when n > 0.
func (c *Client) History(ctx context.Context, sessionID string, n int) (*HistoryResponse, error) {
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/history"
	if n > 0 {
		path += "?last=" + strconv.Itoa(n)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp HistoryResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearHistory forgets the questions asked in a session.
func (c *Client) ClearHistory(ctx context.Context, sessionID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(sessionID)+"/history", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return nil
}

// PageImage downloads a page image by the URL given in an answer.
func (c *Client) PageImage(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

// do sends req and decodes a JSON body on 200 or any of alsoOK.
func (c *Client) do(req *http.Request, out any, alsoOK ...int) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK
	for _, code := range alsoOK {
		ok = ok || resp.StatusCode == code
	}
	if !ok {
		return readAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
