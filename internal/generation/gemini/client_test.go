package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/genforge/internal/generation"
	"github.com/kiranshivaraju/genforge/pkg/models"
	gocache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func newReferenceOnlyClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		references: gocache.New(time.Minute, time.Minute),
	}
}

func TestOperationResult(t *testing.T) {
	tests := []struct {
		name   string
		op     *genai.GenerateVideosOperation
		status string
		output string
	}{
		{
			name:   "pending",
			op:     &genai.GenerateVideosOperation{Name: "operations/1"},
			status: models.PollStatusProcessing,
		},
		{
			name:   "operation error",
			op:     &genai.GenerateVideosOperation{Name: "operations/1", Done: true, Error: map[string]any{"message": "quota"}},
			status: models.PollStatusFailed,
		},
		{
			name: "done with uri",
			op: &genai.GenerateVideosOperation{Done: true, Response: &genai.GenerateVideosResponse{
				GeneratedVideos: []*genai.GeneratedVideo{{Video: &genai.Video{URI: "https://files.test/v.mp4"}}},
			}},
			status: models.PollStatusCompleted,
			output: "https://files.test/v.mp4",
		},
		{
			name: "done with bytes",
			op: &genai.GenerateVideosOperation{Done: true, Response: &genai.GenerateVideosResponse{
				GeneratedVideos: []*genai.GeneratedVideo{{Video: &genai.Video{VideoBytes: []byte("abc"), MIMEType: "video/mp4"}}},
			}},
			status: models.PollStatusCompleted,
			output: "data:video/mp4;base64,YWJj",
		},
		{
			name: "filtered",
			op: &genai.GenerateVideosOperation{Done: true, Response: &genai.GenerateVideosResponse{
				RAIMediaFilteredReasons: []string{"unsafe content"},
			}},
			status: models.PollStatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := operationResult(tt.op)
			assert.Equal(t, tt.status, res.Status)
			if tt.output != "" {
				require.Len(t, res.Outputs, 1)
				assert.Equal(t, tt.output, res.Outputs[0])
			}
		})
	}
}

func TestDecodeDataURI(t *testing.T) {
	img, err := decodeDataURI("data:image/png;base64,aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.mimeType)
	assert.Equal(t, []byte("hello"), img.data)

	_, err = decodeDataURI("data:image/png,plain")
	assert.ErrorIs(t, err, generation.ErrPermanent)
}

func TestLoadReference_CachesDownloads(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("jpeg-bytes"))
	}))
	defer ts.Close()

	c := newReferenceOnlyClient()
	for i := 0; i < 3; i++ {
		img, err := c.loadReference(context.Background(), ts.URL+"/ref.jpg")
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", img.mimeType)
		assert.Equal(t, []byte("jpeg-bytes"), img.data)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestLoadReference_NotFoundIsPermanent(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	c := newReferenceOnlyClient()
	_, err := c.loadReference(context.Background(), ts.URL+"/missing.png")
	assert.ErrorIs(t, err, generation.ErrPermanent)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(genai.APIError{Code: 429, Message: "resource exhausted"}), generation.ErrTransient)
	assert.ErrorIs(t, classify(fmt.Errorf("wrapped: %w", genai.APIError{Code: 400, Message: "bad prompt"})), generation.ErrPermanent)
	assert.ErrorIs(t, classify(errors.New("connection reset")), generation.ErrTransient)
}
