package pipeline

import (
	"context"
	"sync"

	"github.com/sells-group/oficio-cli/pkg/anthropic"
)

// anthropicStub answers every call with the same text.
type anthropicStub struct {
	mu    sync.Mutex
	text  string
	calls int
}

func (s *anthropicStub) CreateMessage(_ context.Context, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: s.text}}}, nil
}
