package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrAlreadyOnServer is returned when the center already holds the content
// or the origin of an upload.
var ErrAlreadyOnServer = errors.New("already on server")

// APIError is a non-success response from the center.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("center returned %d", e.Status)
	}
	return fmt.Sprintf("center returned %d: %s", e.Status, e.Message)
}

// CheckResult is the center's answer to an existence check.
type CheckResult struct {
	Exists bool    `json:"exists"`
	Reason string  `json:"reason,omitempty"`
	FileID *string `json:"file_id,omitempty"`
	State  *string `json:"state,omitempty"`
}

// UploadResult is the center's answer to an accepted file.
type UploadResult struct {
	File struct {
		ID    string `json:"id"`
		State string `json:"state"`
	} `json:"file"`
	Duplicate   bool    `json:"duplicate"`
	DuplicateOf *string `json:"duplicate_of,omitempty"`
}

// FileInfo describes a local file ready for the center.
type FileInfo struct {
	Path     string
	Filename string
	Size     int64
	Hash     string
}

// Task is a reconciliation task awaiting this site.
type Task struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	FileID     string `json:"file_id"`
	FilePath   string `json:"file_path"`
	CenterDone bool   `json:"center_done"`
	SiteDone   bool   `json:"site_done"`
}

// Heartbeat is the liveness report sent to the center.
type Heartbeat struct {
	DiskFreeGB      *float64 `json:"disk_free_gb,omitempty"`
	ActiveTransfers int      `json:"active_transfers"`
	Version         string   `json:"version"`
}

// Client talks to the center on behalf of one site.
type Client struct {
	baseURL string
	apiKey  string
	site    string
	http    *http.Client
	stream  *http.Client
}

// NewClient creates a client for the center at baseURL.
func NewClient(baseURL, apiKey, site string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		site:    site,
		http:    &http.Client{Timeout: 30 * time.Second},
		// Uploads may take hours; cancellation comes from the context.
		stream: &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, v any) (*http.Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, method, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// do sends req and decodes a 2xx JSON body into out when out is non-nil.
func (c *Client) do(hc *http.Client, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return ErrAlreadyOnServer
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := string(bytes.TrimSpace(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}

// Check asks whether the content hash or this site's path is already known.
func (c *Client) Check(ctx context.Context, f FileInfo) (*CheckResult, error) {
	q := url.Values{}
	q.Set("hash", f.Hash)
	q.Set("filename", f.Filename)
	q.Set("site", c.site)
	q.Set("source_path", f.Path)

	req, err := c.newRequest(ctx, http.MethodGet, "/api/files/check?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var res CheckResult
	if err := c.do(c.http, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Upload streams body to the center with size, hash and origin in headers.
func (c *Client) Upload(ctx context.Context, f FileInfo, body io.Reader) (*UploadResult, error) {
	q := url.Values{}
	q.Set("filename", f.Filename)

	req, err := c.newRequest(ctx, http.MethodPost, "/api/files/upload-stream?"+q.Encode(), body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = f.Size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-File-Size", strconv.FormatInt(f.Size, 10))
	req.Header.Set("X-File-Hash", f.Hash)
	req.Header.Set("X-Source-Site", c.site)
	req.Header.Set("X-Source-Path", f.Path)

	var res UploadResult
	if err := c.do(c.stream, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RegisterMetadata records the file on the center without sending bytes.
func (c *Client) RegisterMetadata(ctx context.Context, f FileInfo) (*UploadResult, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/api/files", map[string]any{
		"filename":    f.Filename,
		"source_site": c.site,
		"source_path": f.Path,
		"file_size":   f.Size,
		"sha256_hash": f.Hash,
	})
	if err != nil {
		return nil, err
	}
	var res UploadResult
	if err := c.do(c.http, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Heartbeat reports liveness for this site.
func (c *Client) Heartbeat(ctx context.Context, hb Heartbeat) error {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/api/sites/"+url.PathEscape(c.site)+"/heartbeat", hb)
	if err != nil {
		return err
	}
	return c.do(c.http, req, nil)
}

// PendingTasks lists the reconciliation tasks awaiting this site.
func (c *Client) PendingTasks(ctx context.Context) ([]Task, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/sites/"+url.PathEscape(c.site)+"/tasks", nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.do(c.http, req, &res); err != nil {
		return nil, err
	}
	return res.Tasks, nil
}

// ConfirmSite reports the site side of a task. A non-empty errMsg records a
// failed attempt instead.
func (c *Client) ConfirmSite(ctx context.Context, taskID, errMsg string) error {
	body := map[string]any{"site": c.site}
	if errMsg != "" {
		body["error"] = errMsg
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/confirm-site", body)
	if err != nil {
		return err
	}
	req.Header.Set("X-Source-Site", c.site)
	return c.do(c.http, req, nil)
}
