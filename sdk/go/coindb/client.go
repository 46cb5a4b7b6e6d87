// Package coindb is a Go client for the PCGS coin database HTTP API.
package coindb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Scrape calls drive a headless browser, so it is longer than a plain API call.
const DefaultHTTPTimeout = 120 * time.Second

// Client wraps the HTTP interactions with the coin database REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Task mirrors a row of the task pool.
type Task struct {
	ID           int64      `json:"id"`
	CertNumber   string     `json:"cert_number"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
}

// TaskStats holds per-status task counts.
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// TaskList is returned by ListTasks.
type TaskList struct {
	Tasks []Task    `json:"tasks"`
	Stats TaskStats `json:"stats"`
}

// EnqueueResult is returned by Enqueue.
type EnqueueResult struct {
	Success bool   `json:"success"`
	TaskID  int64  `json:"task_id"`
	Message string `json:"message"`
}

// BatchResult is returned by EnqueueBatch.
type BatchResult struct {
	Success bool    `json:"success"`
	TaskIDs []int64 `json:"task_ids"`
	Count   int     `json:"count"`
	Message string  `json:"message"`
}

// ClearResult is returned by ClearTasks.
type ClearResult struct {
	Success bool   `json:"success"`
	Deleted int64  `json:"deleted"`
	Message string `json:"message"`
}

// Coin mirrors a stored coin record.
type Coin struct {
	ID              int64     `json:"id"`
	CertNumber      string    `json:"cert_number"`
	PCGSNumber      string    `json:"pcgs_number"`
	Grade           string    `json:"grade"`
	DateMintmark    string    `json:"date_mintmark"`
	Denomination    string    `json:"denomination"`
	PriceGuideValue string    `json:"price_guide_value"`
	Population      string    `json:"population"`
	PopHigher       string    `json:"pop_higher"`
	Mintage         string    `json:"mintage"`
	Region          string    `json:"region"`
	HolderType      string    `json:"holder_type"`
	Security        string    `json:"security"`
	ImageURL        string    `json:"image_url"`
	LocalImagePath  string    `json:"local_image_path"`
	RawData         string    `json:"raw_data"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CoinList is returned by ListCoins.
type CoinList struct {
	Coins []Coin `json:"coins"`
	Total int    `json:"total"`
}

// ScrapeResult is returned by Scrape. Data holds the raw fetch payload.
type ScrapeResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
}

// ListOptions filters ListTasks. Zero values are omitted.
type ListOptions struct {
	Statuses []string
	Limit    int
	Offset   int
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"detail"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("coindb api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("coindb api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// Enqueue adds one certificate number to the task pool.
func (c *Client) Enqueue(ctx context.Context, certNumber string) (EnqueueResult, error) {
	var out EnqueueResult
	err := c.send(ctx, http.MethodPost, "/api/tasks", nil, map[string]string{"cert_number": certNumber}, &out)
	return out, err
}

// EnqueueBatch adds several certificate numbers in input order.
func (c *Client) EnqueueBatch(ctx context.Context, certNumbers []string) (BatchResult, error) {
	var out BatchResult
	err := c.send(ctx, http.MethodPost, "/api/tasks/batch", nil, map[string][]string{"cert_numbers": certNumbers}, &out)
	return out, err
}

// ListTasks returns tasks newest first together with the current stats.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) (TaskList, error) {
	q := url.Values{}
	for _, s := range opts.Statuses {
		q.Add("status", s)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	var out TaskList
	err := c.send(ctx, http.MethodGet, "/api/tasks", q, nil, &out)
	return out, err
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id int64) (Task, error) {
	var out Task
	err := c.send(ctx, http.MethodGet, "/api/tasks/"+strconv.FormatInt(id, 10), nil, nil, &out)
	return out, err
}

// Stats returns the per-status task counts.
func (c *Client) Stats(ctx context.Context) (TaskStats, error) {
	var out TaskStats
	err := c.send(ctx, http.MethodGet, "/api/tasks/stats", nil, nil, &out)
	return out, err
}

// DeleteTask removes a task. A missing task yields an *APIError with status 404.
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.send(ctx, http.MethodDelete, "/api/tasks/"+strconv.FormatInt(id, 10), nil, nil, nil)
}

// ClearTasks removes every completed or failed task.
func (c *Client) ClearTasks(ctx context.Context) (ClearResult, error) {
	var out ClearResult
	err := c.send(ctx, http.MethodDelete, "/api/tasks", nil, nil, &out)
	return out, err
}

// ListCoins returns all stored coins, newest first.
func (c *Client) ListCoins(ctx context.Context) (CoinList, error) {
	var out CoinList
	err := c.send(ctx, http.MethodGet, "/api/coins", nil, nil, &out)
	return out, err
}

// GetCoin fetches one coin by certificate number.
func (c *Client) GetCoin(ctx context.Context, certNumber string) (Coin, error) {
	var out Coin
	err := c.send(ctx, http.MethodGet, "/api/coins/"+url.PathEscape(certNumber), nil, nil, &out)
	return out, err
}

// DeleteCoin removes a stored coin.
func (c *Client) DeleteCoin(ctx context.Context, certNumber string) error {
	return c.send(ctx, http.MethodDelete, "/api/coins/"+url.PathEscape(certNumber), nil, nil, nil)
}

// Scrape fetches and stores a coin synchronously, bypassing the task pool.
func (c *Client) Scrape(ctx context.Context, certNumber string) (ScrapeResult, error) {
	var out ScrapeResult
	err := c.send(ctx, http.MethodPost, "/api/scrape", nil, map[string]string{"cert_number": certNumber}, &out)
	return out, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
