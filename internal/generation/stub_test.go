package generation

import (
	"context"
	"errors"
	"testing"
)

func TestStubGenerator_RecordsCalls(t *testing.T) {
	s := NewStubGenerator("answer")
	if _, err := s.GenerateText(context.Background(), "q1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GenerateWithImage(context.Background(), "q2", Image{MediaType: "image/png"}); err != nil {
		t.Fatal(err)
	}

	calls := s.Calls()
	if len(calls) != 2 {
		t.Fatalf("len(Calls()) = %d, want 2", len(calls))
	}
	if calls[0].Image != nil || calls[1].Image == nil {
		t.Error("image recorded on the wrong call")
	}
}

func TestFailingGenerator(t *testing.T) {
	cause := errors.New("down")
	_, err := NewFailingGenerator(cause).GenerateText(context.Background(), "q")
	if !errors.Is(err, ErrGeneration) || !errors.Is(err, cause) {
		t.Errorf("err = %v, want generation error wrapping cause", err)
	}
}
