// Package httpapi implements models.GenerationClient against an HTTP
// generation provider with a synchronous image API and an asynchronous
// prediction API for video.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/genforge/internal/config"
	"github.com/kiranshivaraju/genforge/internal/generation"
	"github.com/kiranshivaraju/genforge/pkg/models"
	"github.com/tidwall/gjson"
)

const (
	maxResponseBytes = 4 << 20
	maxErrorRunes    = 200
)

// Paths relative to the configured base URL.
const (
	pathTextToImage    = "/text-to-image"
	pathEdit           = "/edit"
	pathEditSequential = "/edit-sequential"
	pathImageToVideo   = "/image-to-video"
	pathTextToVideo    = "/text-to-video"
)

// Client implements models.GenerationClient over HTTP.
type Client struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	pollInterval time.Duration

	// pollURLs remembers the result URL a submission handed back, keyed by
	// task id, until the task reaches a terminal status.
	pollURLs sync.Map
}

// Option configures a Client.
type Option func(*Client)

// WithPollInterval sets how often a sync call that came back as a task is
// re-checked. Defaults to one second.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// NewClient creates a provider client. timeout bounds every single HTTP
// request; callers bound whole operations with their context.
func NewClient(cfg config.HTTPProviderConfig, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		client:       &http.Client{Timeout: timeout},
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "http" }

type imageRequest struct {
	Images         []string `json:"images,omitempty"`
	Prompt         string   `json:"prompt"`
	Size           string   `json:"size,omitempty"`
	AspectRatio    string   `json:"aspect_ratio,omitempty"`
	MaxImages      int      `json:"max_images,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	EnableSyncMode bool     `json:"enable_sync_mode"`
}

type videoRequest struct {
	Image          string `json:"image,omitempty"`
	Prompt         string `json:"prompt"`
	Duration       int    `json:"duration"`
	Resolution     string `json:"resolution,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	CameraMovement string `json:"camera_movement,omitempty"`
}

func (c *Client) Generate(ctx context.Context, p models.GenerateParams) ([]string, error) {
	return c.runImage(ctx, pathTextToImage, imageRequest{
		Prompt: p.Prompt, Size: p.Size, AspectRatio: p.AspectRatio, EnableSyncMode: true,
	})
}

func (c *Client) Edit(ctx context.Context, p models.EditParams) ([]string, error) {
	return c.runImage(ctx, pathEdit, imageRequest{
		Images: []string{p.InputRef}, Prompt: p.Prompt, Size: p.Size, AspectRatio: p.AspectRatio,
		Mode: "edit", EnableSyncMode: true,
	})
}

func (c *Client) SequentialEdit(ctx context.Context, p models.SequentialEditParams) ([]string, error) {
	return c.runImage(ctx, pathEditSequential, imageRequest{
		Images: p.References, Prompt: p.Prompt, Size: p.Size, MaxImages: p.MaxImages,
		Mode: "sequential", EnableSyncMode: true,
	})
}

func (c *Client) SubmitVideo(ctx context.Context, p models.VideoParams) (models.VideoTask, error) {
	path := pathTextToVideo
	if p.InputRef != "" {
		path = pathImageToVideo
	}
	body, err := c.do(ctx, http.MethodPost, c.baseURL+path, videoRequest{
		Image: p.InputRef, Prompt: p.Prompt, Duration: p.Duration, Resolution: p.Resolution,
		AspectRatio: p.AspectRatio, CameraMovement: p.CameraMovement,
	})
	if err != nil {
		return models.VideoTask{}, err
	}

	t, err := parseTask(body)
	if err != nil {
		return models.VideoTask{}, err
	}
	if t.status == models.PollStatusCompleted && len(t.outputs) > 0 {
		return models.VideoTask{TaskID: t.id, Status: t.status, Outputs: t.outputs}, nil
	}
	if t.status == models.PollStatusFailed {
		return models.VideoTask{}, fmt.Errorf("%w: video submission failed: %s", generation.ErrPermanent, t.errMsg)
	}
	if t.id == "" {
		return models.VideoTask{}, fmt.Errorf("%w: video submission returned no task id", generation.ErrPermanent)
	}
	if t.pollURL != "" {
		c.pollURLs.Store(t.id, t.pollURL)
	}
	return models.VideoTask{TaskID: t.id, PollURL: t.pollURL, Status: models.PollStatusCreated}, nil
}

// PollResult fetches the current state of a task. Non-2xx responses are
// returned as classified errors; a provider-side job failure is a normal
// result with Status failed.
func (c *Client) PollResult(ctx context.Context, taskID string) (models.PollResult, error) {
	u := c.baseURL + "/predictions/" + url.PathEscape(taskID) + "/result"
	if v, ok := c.pollURLs.Load(taskID); ok {
		u = v.(string)
	}

	body, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.PollResult{}, err
	}
	t, err := parseTask(body)
	if err != nil {
		return models.PollResult{}, err
	}
	if t.status == models.PollStatusCompleted || t.status == models.PollStatusFailed {
		c.pollURLs.Delete(taskID)
	}
	return models.PollResult{Status: t.status, Outputs: t.outputs, Error: t.errMsg}, nil
}

// runImage submits a synchronous image request. Providers that answer with a
// task instead of outputs are polled until the context ends.
func (c *Client) runImage(ctx context.Context, path string, req imageRequest) ([]string, error) {
	body, err := c.do(ctx, http.MethodPost, c.baseURL+path, req)
	if err != nil {
		return nil, err
	}
	t, err := parseTask(body)
	if err != nil {
		return nil, err
	}

	switch {
	case len(t.outputs) > 0:
		return t.outputs, nil
	case t.status == models.PollStatusFailed:
		return nil, fmt.Errorf("%w: %s", generation.ErrPermanent, t.errMsg)
	case t.status == models.PollStatusCompleted:
		return nil, fmt.Errorf("%w: provider completed without outputs", generation.ErrPermanent)
	case t.id == "":
		return nil, fmt.Errorf("%w: response carried neither outputs nor a task id", generation.ErrPermanent)
	}
	if t.pollURL != "" {
		c.pollURLs.Store(t.id, t.pollURL)
	}
	return c.awaitOutputs(ctx, t.id)
}

func (c *Client) awaitOutputs(ctx context.Context, taskID string) ([]string, error) {
	defer c.pollURLs.Delete(taskID)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, generation.TransportError(ctx.Err())
		case <-ticker.C:
		}

		res, err := c.PollResult(ctx, taskID)
		if err != nil {
			if generation.Classify(err) == models.ClassTransient && ctx.Err() == nil {
				continue
			}
			return nil, err
		}
		switch res.Status {
		case models.PollStatusCompleted:
			if len(res.Outputs) == 0 {
				return nil, fmt.Errorf("%w: provider completed without outputs", generation.ErrPermanent)
			}
			return res.Outputs, nil
		case models.PollStatusFailed:
			return nil, fmt.Errorf("%w: %s", generation.ErrPermanent, res.Error)
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", generation.ErrPermanent, err)
	}
	c.setHeaders(httpReq, payload != nil)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, generation.TransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, generation.TransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, generation.StatusError(resp.StatusCode, errorMessage(body))
	}
	return body, nil
}

func (c *Client) setHeaders(req *http.Request, hasBody bool) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
}

// --- response parsing ---

type taskInfo struct {
	id      string
	status  string
	pollURL string
	outputs []string
	errMsg  string
}

// parseTask reads both the enveloped ({"data": {...}}) and the flat response
// shapes.
func parseTask(body []byte) (taskInfo, error) {
	if !gjson.ValidBytes(body) {
		return taskInfo{}, fmt.Errorf("%w: malformed provider response", generation.ErrPermanent)
	}
	root := gjson.ParseBytes(body)
	if data := root.Get("data"); data.IsObject() {
		root = data
	}

	t := taskInfo{
		id:      firstString(root, "id", "task_id"),
		status:  normalizeStatus(root.Get("status").String()),
		pollURL: firstString(root, "urls.get", "poll_url"),
		outputs: parseOutputs(root.Get("outputs")),
		errMsg:  firstString(root, "error", "message"),
	}
	return t, nil
}

// parseOutputs accepts outputs as plain strings or as objects carrying url or
// image_url.
func parseOutputs(v gjson.Result) []string {
	if !v.IsArray() {
		return nil
	}
	var out []string
	v.ForEach(func(_, item gjson.Result) bool {
		var ref string
		if item.Type == gjson.String {
			ref = item.String()
		} else if item.IsObject() {
			ref = firstString(item, "url", "image_url", "video_url")
		}
		if ref != "" {
			out = append(out, ref)
		}
		return true
	})
	return out
}

func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "completed", "succeeded", "success":
		return models.PollStatusCompleted
	case "failed", "error", "cancelled", "canceled":
		return models.PollStatusFailed
	case "processing", "running", "in_progress":
		return models.PollStatusProcessing
	case "":
		return ""
	default:
		return models.PollStatusCreated
	}
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := v.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}

func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		if s := firstString(root, "message", "error.message", "error", "data.error"); s != "" {
			return s
		}
	}
	msg := strings.ToValidUTF8(strings.TrimSpace(string(body)), "\uFFFD")
	if utf8.RuneCountInString(msg) > maxErrorRunes {
		msg = string([]rune(msg)[:maxErrorRunes])
	}
	return msg
}

var _ models.GenerationClient = (*Client)(nil)
