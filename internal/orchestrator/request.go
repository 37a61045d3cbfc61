package orchestrator

import (
	"fmt"
	"strings"

	"github.com/kiranshivaraju/genforge/pkg/models"
)

// Per-kind item caps and request limits.
const (
	maxGenerateCount       = 10
	maxBatchEditInputs     = 10
	maxStyleVariations     = 6
	maxSequentialRefs      = 10
	maxSequentialImages    = 15
	minVideoDurationSecs   = 1
	maxVideoDurationSecs   = 10
	defaultVideoDuration   = 5
	defaultVideoResolution = "480p"
)

var validResolutions = map[string]bool{"480p": true, "720p": true, "1080p": true}

// SubmitRequest is a submission as accepted from callers, before it is
// normalized into items.
type SubmitRequest struct {
	Kind        string            `json:"kind"`
	Prompt      string            `json:"prompt"`
	Size        string            `json:"size,omitempty"`
	AspectRatio string            `json:"aspect_ratio,omitempty"`
	Inputs      []string          `json:"inputs,omitempty"`
	Styles      []string          `json:"styles,omitempty"`
	Count       int               `json:"count,omitempty"`
	MaxImages   int               `json:"max_images,omitempty"`
	Video       *models.VideoSpec `json:"video,omitempty"`
}

// ValidationError reports a malformed submission. No job exists when it is
// returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Normalize validates req and expands it into one ItemSpec per unit of work.
func Normalize(req SubmitRequest) (models.GenerationRequest, error) {
	out := models.GenerationRequest{
		Kind:        req.Kind,
		Prompt:      strings.TrimSpace(req.Prompt),
		Size:        req.Size,
		AspectRatio: req.AspectRatio,
	}
	inputs := nonEmpty(req.Inputs)

	switch req.Kind {
	case models.KindGenerate:
		if out.Prompt == "" {
			return out, invalid("prompt", "is required")
		}
		if len(inputs) > 0 {
			return out, invalid("inputs", "must be empty for generate")
		}
		count := req.Count
		if count == 0 {
			count = 1
		}
		if count < 1 || count > maxGenerateCount {
			return out, invalid("count", "must be between 1 and %d, got %d", maxGenerateCount, req.Count)
		}
		for i := 0; i < count; i++ {
			out.Items = append(out.Items, models.ItemSpec{Prompt: out.Prompt})
		}

	case models.KindEdit:
		if out.Prompt == "" {
			return out, invalid("prompt", "is required")
		}
		if len(inputs) != 1 {
			return out, invalid("inputs", "edit takes exactly 1 input, got %d", len(inputs))
		}
		out.Items = []models.ItemSpec{{InputRef: inputs[0], Prompt: out.Prompt}}

	case models.KindBatchEdit:
		if out.Prompt == "" {
			return out, invalid("prompt", "is required")
		}
		if len(inputs) == 0 {
			return out, invalid("inputs", "batch must not be empty")
		}
		if len(inputs) > maxBatchEditInputs {
			return out, invalid("inputs", "batch of %d exceeds the maximum of %d", len(inputs), maxBatchEditInputs)
		}
		for _, in := range inputs {
			out.Items = append(out.Items, models.ItemSpec{InputRef: in, Prompt: out.Prompt})
		}

	case models.KindStyleVariations:
		if len(inputs) != 1 {
			return out, invalid("inputs", "style variations take exactly 1 input, got %d", len(inputs))
		}
		styles := nonEmpty(req.Styles)
		if len(styles) == 0 {
			return out, invalid("styles", "at least one style is required")
		}
		if len(styles) > maxStyleVariations {
			return out, invalid("styles", "%d styles exceed the maximum of %d", len(styles), maxStyleVariations)
		}
		for _, style := range styles {
			out.Items = append(out.Items, models.ItemSpec{InputRef: inputs[0], Prompt: stylePrompt(out.Prompt, style)})
		}

	case models.KindSequentialEdit:
		if out.Prompt == "" {
			return out, invalid("prompt", "is required")
		}
		if len(inputs) == 0 || len(inputs) > maxSequentialRefs {
			return out, invalid("inputs", "sequential edit takes 1 to %d references, got %d", maxSequentialRefs, len(inputs))
		}
		out.MaxImages = req.MaxImages
		if out.MaxImages == 0 {
			out.MaxImages = 1
		}
		if out.MaxImages < 1 || out.MaxImages > maxSequentialImages {
			return out, invalid("max_images", "must be between 1 and %d, got %d", maxSequentialImages, req.MaxImages)
		}
		out.Items = []models.ItemSpec{{InputRef: inputs[0], References: inputs, Prompt: out.Prompt}}

	case models.KindVideo:
		if out.Prompt == "" {
			return out, invalid("prompt", "is required")
		}
		if len(inputs) > 1 {
			return out, invalid("inputs", "video takes at most 1 input, got %d", len(inputs))
		}
		spec := models.VideoSpec{Duration: defaultVideoDuration, Resolution: defaultVideoResolution}
		if req.Video != nil {
			spec = *req.Video
			if spec.Duration == 0 {
				spec.Duration = defaultVideoDuration
			}
			if spec.Resolution == "" {
				spec.Resolution = defaultVideoResolution
			}
		}
		if spec.Duration < minVideoDurationSecs || spec.Duration > maxVideoDurationSecs {
			return out, invalid("video.duration", "must be between %d and %d seconds, got %d", minVideoDurationSecs, maxVideoDurationSecs, spec.Duration)
		}
		if !validResolutions[spec.Resolution] {
			return out, invalid("video.resolution", "must be one of 480p, 720p, 1080p, got %q", spec.Resolution)
		}
		if spec.AspectRatio == "" {
			spec.AspectRatio = req.AspectRatio
		}
		out.Video = &spec
		item := models.ItemSpec{Prompt: out.Prompt}
		if len(inputs) == 1 {
			item.InputRef = inputs[0]
		}
		out.Items = []models.ItemSpec{item}

	case "":
		return out, invalid("kind", "is required")
	default:
		return out, invalid("kind", "unsupported kind %q", req.Kind)
	}

	return out, nil
}

// unitCount is how many artifacts the request asks for, used in credit
// messages ("need 6 credits for 3 images").
func unitCount(req models.GenerationRequest) int {
	if req.Kind == models.KindSequentialEdit {
		return req.MaxImages
	}
	return len(req.Items)
}

func stylePrompt(prompt, style string) string {
	if prompt == "" {
		return style
	}
	return prompt + ", " + style
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
