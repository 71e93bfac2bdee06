// ABOUTME: Scripted Generator for tests and offline development
// ABOUTME: Records every call and returns configured results or errors

package generation

import (
	"context"
	"sync"
)

// Call records one invocation of a StubGenerator.
type Call struct {
	Prompt string
	Image  *Image
}

// StubGenerator is a Generator with canned behaviour.
type StubGenerator struct {
	mu    sync.Mutex
	calls []Call

	// Reply computes the result for a call. Nil echoes the prompt.
	Reply func(ctx context.Context, call Call) (Result, error)
}

// NewStubGenerator returns a stub that always answers text.
func NewStubGenerator(text string) *StubGenerator {
	return &StubGenerator{
		Reply: func(context.Context, Call) (Result, error) { return Result{Text: text}, nil },
	}
}

// NewFailingGenerator returns a stub whose every call fails with cause.
func NewFailingGenerator(cause error) *StubGenerator {
	return &StubGenerator{
		Reply: func(context.Context, Call) (Result, error) { return Result{}, &GenerationError{Cause: cause} },
	}
}

func (s *StubGenerator) GenerateText(ctx context.Context, prompt string) (Result, error) {
	return s.do(ctx, Call{Prompt: prompt})
}

func (s *StubGenerator) GenerateWithImage(ctx context.Context, prompt string, image Image) (Result, error) {
	return s.do(ctx, Call{Prompt: prompt, Image: &image})
}

func (s *StubGenerator) do(ctx context.Context, call Call) (Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	reply := s.Reply
	s.mu.Unlock()

	if reply == nil {
		return Result{Text: call.Prompt}, nil
	}
	return reply(ctx, call)
}

// Calls returns a copy of the recorded calls.
func (s *StubGenerator) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}
