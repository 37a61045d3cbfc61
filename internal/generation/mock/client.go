package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kiranshivaraju/genforge/pkg/models"
)

// MockClient satisfies models.GenerationClient for testing and for the
// "mock" provider.
type MockClient struct {
	Name_              string
	GenerateFunc       func(ctx context.Context, p models.GenerateParams) ([]string, error)
	EditFunc           func(ctx context.Context, p models.EditParams) ([]string, error)
	SequentialEditFunc func(ctx context.Context, p models.SequentialEditParams) ([]string, error)
	SubmitVideoFunc    func(ctx context.Context, p models.VideoParams) (models.VideoTask, error)
	PollResultFunc     func(ctx context.Context, taskID string) (models.PollResult, error)

	mu    sync.Mutex
	calls int
}

func (m *MockClient) Name() string { return m.Name_ }

// Calls returns how many provider calls (excluding polls) were made.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClient) count() {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
}

func (m *MockClient) Generate(ctx context.Context, p models.GenerateParams) ([]string, error) {
	m.count()
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, p)
	}
	return nil, nil
}

func (m *MockClient) Edit(ctx context.Context, p models.EditParams) ([]string, error) {
	m.count()
	if m.EditFunc != nil {
		return m.EditFunc(ctx, p)
	}
	return nil, nil
}

func (m *MockClient) SequentialEdit(ctx context.Context, p models.SequentialEditParams) ([]string, error) {
	m.count()
	if m.SequentialEditFunc != nil {
		return m.SequentialEditFunc(ctx, p)
	}
	return nil, nil
}

func (m *MockClient) SubmitVideo(ctx context.Context, p models.VideoParams) (models.VideoTask, error) {
	m.count()
	if m.SubmitVideoFunc != nil {
		return m.SubmitVideoFunc(ctx, p)
	}
	return models.VideoTask{}, nil
}

func (m *MockClient) PollResult(ctx context.Context, taskID string) (models.PollResult, error) {
	if m.PollResultFunc != nil {
		return m.PollResultFunc(ctx, taskID)
	}
	return models.PollResult{}, nil
}

// NewMockClient returns a MockClient that succeeds on every call with
// deterministic artifact references. Video tasks complete on the first poll.
func NewMockClient() *MockClient {
	var seq atomic.Int64
	next := func(kind string) string {
		return fmt.Sprintf("mock://%s/%d", kind, seq.Add(1))
	}
	return &MockClient{
		Name_: "mock",
		GenerateFunc: func(_ context.Context, _ models.GenerateParams) ([]string, error) {
			return []string{next("image")}, nil
		},
		EditFunc: func(_ context.Context, _ models.EditParams) ([]string, error) {
			return []string{next("image")}, nil
		},
		SequentialEditFunc: func(_ context.Context, p models.SequentialEditParams) ([]string, error) {
			n := p.MaxImages
			if n < 1 {
				n = 1
			}
			out := make([]string, n)
			for i := range out {
				out[i] = next("image")
			}
			return out, nil
		},
		SubmitVideoFunc: func(_ context.Context, _ models.VideoParams) (models.VideoTask, error) {
			return models.VideoTask{TaskID: next("task"), Status: models.PollStatusCreated}, nil
		},
		PollResultFunc: func(_ context.Context, taskID string) (models.PollResult, error) {
			return models.PollResult{Status: models.PollStatusCompleted, Outputs: []string{next("video")}}, nil
		},
	}
}

// NewFailingClient returns a MockClient whose every call returns err.
func NewFailingClient(err error) *MockClient {
	return &MockClient{
		Name_: "mock-failing",
		GenerateFunc: func(_ context.Context, _ models.GenerateParams) ([]string, error) {
			return nil, err
		},
		EditFunc: func(_ context.Context, _ models.EditParams) ([]string, error) {
			return nil, err
		},
		SequentialEditFunc: func(_ context.Context, _ models.SequentialEditParams) ([]string, error) {
			return nil, err
		},
		SubmitVideoFunc: func(_ context.Context, _ models.VideoParams) (models.VideoTask, error) {
			return models.VideoTask{}, err
		},
		PollResultFunc: func(_ context.Context, _ string) (models.PollResult, error) {
			return models.PollResult{}, err
		},
	}
}

// Compile-time check that MockClient implements GenerationClient.
var _ models.GenerationClient = (*MockClient)(nil)
