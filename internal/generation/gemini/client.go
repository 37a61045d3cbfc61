// Package gemini implements models.GenerationClient on the Google GenAI SDK:
// images through GenerateContent and video through long-running
// GenerateVideos operations.
package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/genforge/internal/config"
	"github.com/kiranshivaraju/genforge/internal/generation"
	"github.com/kiranshivaraju/genforge/pkg/models"
	gocache "github.com/patrickmn/go-cache"
	"google.golang.org/genai"
)

const (
	referenceCacheTTL     = 30 * time.Minute
	referenceCacheCleanup = time.Hour
	maxReferenceBytes     = 20 << 20
)

// Client implements models.GenerationClient using Gemini image models and Veo.
type Client struct {
	genai      *genai.Client
	imageModel string
	videoModel string
	httpClient *http.Client

	// references caches downloaded input images by URL.
	references *gocache.Cache
}

type referenceImage struct {
	data     []byte
	mimeType string
}

// NewClient creates the SDK client. timeout bounds reference image downloads.
func NewClient(ctx context.Context, cfg config.GeminiConfig, timeout time.Duration) (*Client, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &Client{
		genai:      gc,
		imageModel: cfg.ImageModel,
		videoModel: cfg.VideoModel,
		httpClient: &http.Client{Timeout: timeout},
		references: gocache.New(referenceCacheTTL, referenceCacheCleanup),
	}, nil
}

func (c *Client) Name() string { return "gemini" }

func (c *Client) Generate(ctx context.Context, p models.GenerateParams) ([]string, error) {
	return c.generateImages(ctx, p.Prompt, nil, p.AspectRatio)
}

func (c *Client) Edit(ctx context.Context, p models.EditParams) ([]string, error) {
	return c.generateImages(ctx, p.Prompt, []string{p.InputRef}, p.AspectRatio)
}

func (c *Client) SequentialEdit(ctx context.Context, p models.SequentialEditParams) ([]string, error) {
	prompt := p.Prompt
	if p.MaxImages > 1 {
		prompt = fmt.Sprintf("%s\n\nProduce a sequence of %d related images.", p.Prompt, p.MaxImages)
	}
	outputs, err := c.generateImages(ctx, prompt, p.References, "")
	if err != nil {
		return nil, err
	}
	if p.MaxImages > 0 && len(outputs) > p.MaxImages {
		outputs = outputs[:p.MaxImages]
	}
	return outputs, nil
}

func (c *Client) generateImages(ctx context.Context, prompt string, refs []string, aspectRatio string) ([]string, error) {
	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	for _, ref := range refs {
		img, err := c.loadReference(ctx, ref)
		if err != nil {
			return nil, err
		}
		parts = append(parts, genai.NewPartFromBytes(img.data, img.mimeType))
	}

	var cfg *genai.GenerateContentConfig
	if aspectRatio != "" {
		cfg = &genai.GenerateContentConfig{ImageConfig: &genai.ImageConfig{AspectRatio: aspectRatio}}
	}

	result, err := c.genai.Models.GenerateContent(ctx, c.imageModel, []*genai.Content{{Parts: parts}}, cfg)
	if err != nil {
		return nil, classify(err)
	}

	var outputs []string
	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				outputs = append(outputs, dataURI(part.InlineData.MIMEType, part.InlineData.Data))
			}
		}
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: no image generated", generation.ErrPermanent)
	}
	return outputs, nil
}

func (c *Client) SubmitVideo(ctx context.Context, p models.VideoParams) (models.VideoTask, error) {
	var image *genai.Image
	if p.InputRef != "" {
		img, err := c.loadReference(ctx, p.InputRef)
		if err != nil {
			return models.VideoTask{}, err
		}
		image = &genai.Image{ImageBytes: img.data, MIMEType: img.mimeType}
	}

	duration := int32(p.Duration)
	cfg := &genai.GenerateVideosConfig{
		NumberOfVideos:  1,
		AspectRatio:     p.AspectRatio,
		Resolution:      p.Resolution,
		DurationSeconds: &duration,
	}
	prompt := p.Prompt
	if p.CameraMovement != "" {
		prompt = fmt.Sprintf("%s. Camera movement: %s.", prompt, p.CameraMovement)
	}

	op, err := c.genai.Models.GenerateVideos(ctx, c.videoModel, prompt, image, cfg)
	if err != nil {
		return models.VideoTask{}, classify(err)
	}

	res := operationResult(op)
	if res.Status == models.PollStatusFailed {
		return models.VideoTask{}, fmt.Errorf("%w: %s", generation.ErrPermanent, res.Error)
	}
	if res.Status == models.PollStatusCompleted {
		return models.VideoTask{TaskID: op.Name, Status: res.Status, Outputs: res.Outputs}, nil
	}
	if op.Name == "" {
		return models.VideoTask{}, fmt.Errorf("%w: video operation has no name", generation.ErrPermanent)
	}
	return models.VideoTask{TaskID: op.Name, Status: models.PollStatusCreated}, nil
}

func (c *Client) PollResult(ctx context.Context, taskID string) (models.PollResult, error) {
	op, err := c.genai.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: taskID}, nil)
	if err != nil {
		return models.PollResult{}, classify(err)
	}
	return operationResult(op), nil
}

func operationResult(op *genai.GenerateVideosOperation) models.PollResult {
	if op.Error != nil {
		msg := fmt.Sprint(op.Error["message"])
		return models.PollResult{Status: models.PollStatusFailed, Error: msg}
	}
	if !op.Done {
		return models.PollResult{Status: models.PollStatusProcessing}
	}
	if op.Response == nil {
		return models.PollResult{Status: models.PollStatusFailed, Error: "operation finished without a response"}
	}

	var outputs []string
	for _, v := range op.Response.GeneratedVideos {
		if v == nil || v.Video == nil {
			continue
		}
		switch {
		case v.Video.URI != "":
			outputs = append(outputs, v.Video.URI)
		case len(v.Video.VideoBytes) > 0:
			outputs = append(outputs, dataURI(v.Video.MIMEType, v.Video.VideoBytes))
		}
	}
	if len(outputs) == 0 {
		reason := "no video generated"
		if len(op.Response.RAIMediaFilteredReasons) > 0 {
			reason = strings.Join(op.Response.RAIMediaFilteredReasons, "; ")
		}
		return models.PollResult{Status: models.PollStatusFailed, Error: reason}
	}
	return models.PollResult{Status: models.PollStatusCompleted, Outputs: outputs}
}

// loadReference resolves a data: URI in place or downloads an http(s)
// reference, caching the bytes by URL.
func (c *Client) loadReference(ctx context.Context, ref string) (referenceImage, error) {
	if strings.HasPrefix(ref, "data:") {
		return decodeDataURI(ref)
	}
	if v, ok := c.references.Get(ref); ok {
		return v.(referenceImage), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return referenceImage{}, fmt.Errorf("%w: invalid reference %q: %v", generation.ErrPermanent, ref, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return referenceImage{}, generation.TransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return referenceImage{}, generation.StatusError(resp.StatusCode, "fetching reference image")
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReferenceBytes))
	if err != nil {
		return referenceImage{}, generation.TransportError(err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	img := referenceImage{data: data, mimeType: mimeType}
	c.references.Set(ref, img, gocache.DefaultExpiration)
	slog.Debug("cached reference image", "bytes", len(data), "mime_type", mimeType)
	return img, nil
}

func decodeDataURI(ref string) (referenceImage, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return referenceImage{}, fmt.Errorf("%w: unsupported data URI", generation.ErrPermanent)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return referenceImage{}, fmt.Errorf("%w: decoding data URI: %v", generation.ErrPermanent, err)
	}
	return referenceImage{data: data, mimeType: strings.TrimSuffix(header, ";base64")}, nil
}

func dataURI(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// classify maps SDK errors onto the generation sentinels by HTTP status.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return generation.StatusError(apiErr.Code, apiErr.Message)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return generation.StatusError(apiErrPtr.Code, apiErrPtr.Message)
	}
	return generation.TransportError(err)
}

var _ models.GenerationClient = (*Client)(nil)
