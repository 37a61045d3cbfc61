package models

// GenerationRequest is the normalized submission for a job. It is persisted
// with the job so a retry can re-run the same items.
type GenerationRequest struct {
	Kind        string     `json:"kind"`
	Prompt      string     `json:"prompt,omitempty"`
	Size        string     `json:"size,omitempty"`
	AspectRatio string     `json:"aspect_ratio,omitempty"`
	MaxImages   int        `json:"max_images,omitempty"`
	Video       *VideoSpec `json:"video,omitempty"`
	Items       []ItemSpec `json:"items"`
}

// ItemSpec is one unit of work. InputRef is the source artifact (empty for
// text-to-image); References carries the extra inputs of a sequential edit.
type ItemSpec struct {
	InputRef   string   `json:"input_ref,omitempty"`
	References []string `json:"references,omitempty"`
	Prompt     string   `json:"prompt"`
}

// VideoSpec holds the video-only parameters used for pricing and submission.
type VideoSpec struct {
	Duration       int    `json:"duration"`
	Resolution     string `json:"resolution"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	CameraMovement string `json:"camera_movement,omitempty"`
}
