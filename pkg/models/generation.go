// Package models contains shared data models used across the genforge codebase.
package models

import "context"

// GenerationClient is the interface every generation provider integration
// implements. It is built once at startup and injected; never construct a
// provider per request.
type GenerationClient interface {
	// Generate produces images from a text prompt.
	Generate(ctx context.Context, p GenerateParams) ([]string, error)
	// Edit transforms a single input image according to the prompt.
	Edit(ctx context.Context, p EditParams) ([]string, error)
	// SequentialEdit produces up to MaxImages related outputs from a set of references.
	SequentialEdit(ctx context.Context, p SequentialEditParams) ([]string, error)
	// SubmitVideo starts an asynchronous video task.
	SubmitVideo(ctx context.Context, p VideoParams) (VideoTask, error)
	// PollResult queries the asynchronous result endpoint for a task.
	PollResult(ctx context.Context, taskID string) (PollResult, error)
	// Name returns the provider identifier (e.g., "http", "gemini").
	Name() string
}

type GenerateParams struct {
	Prompt      string
	Size        string
	AspectRatio string
}

type EditParams struct {
	InputRef    string
	Prompt      string
	Size        string
	AspectRatio string
}

type SequentialEditParams struct {
	References []string
	Prompt     string
	Size       string
	MaxImages  int
}

type VideoParams struct {
	InputRef       string
	Prompt         string
	Duration       int
	Resolution     string
	AspectRatio    string
	CameraMovement string
}

// Poll statuses reported by the provider, plus the poller-only timed_out.
const (
	PollStatusCreated    = "created"
	PollStatusProcessing = "processing"
	PollStatusCompleted  = "completed"
	PollStatusFailed     = "failed"
	PollStatusTimedOut   = "timed_out"
)

// VideoTask is the provider's answer to a video submission. Some providers
// complete synchronously, in which case Status is completed and Outputs is set.
type VideoTask struct {
	TaskID  string
	PollURL string
	Status  string
	Outputs []string
}

// PollResult mirrors one response of the provider's result endpoint.
type PollResult struct {
	Status  string
	Outputs []string
	Error   string
}

// VideoPollState is owned by the poller for the lifetime of one task.
type VideoPollState struct {
	TaskID        string `json:"task_id"`
	AttemptCount  int    `json:"attempt_count"`
	Status        string `json:"status"`
	LastOutputRef string `json:"last_output_ref,omitempty"`
}
