// ABOUTME: Generation client contract: text and vision requests with explicit results
// ABOUTME: Defines Result, Image, the image policy and the validation/generation error types

package generation

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"slices"
	"strings"
)

// Sentinel errors. ValidationError wraps ErrValidation and GenerationError
// wraps ErrGeneration so callers can tell a rejected input from a failed call.
var (
	ErrValidation    = errors.New("invalid input")
	ErrGeneration    = errors.New("generation failed")
	ErrEmptyResponse = errors.New("empty response from model")
)

// DefaultMaxImageBytes is the largest accepted image (5 MiB).
const DefaultMaxImageBytes = 5 * 1024 * 1024

// DefaultAllowedMediaTypes lists the image formats the vision model accepts.
var DefaultAllowedMediaTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// Result is a successful generation.
type Result struct {
	Text string
}

// Image is binary image data with its declared media type.
type Image struct {
	Data      []byte
	MediaType string
}

// Generator produces model output for text prompts and image+text prompts.
type Generator interface {
	GenerateText(ctx context.Context, prompt string) (Result, error)
	GenerateWithImage(ctx context.Context, prompt string, image Image) (Result, error)
}

// ImagePolicy bounds what images are accepted before any remote call.
type ImagePolicy struct {
	MaxBytes          int64
	AllowedMediaTypes []string
}

// DefaultImagePolicy returns the 5 MiB jpeg/png/gif/webp policy.
func DefaultImagePolicy() ImagePolicy {
	return ImagePolicy{
		MaxBytes:          DefaultMaxImageBytes,
		AllowedMediaTypes: slices.Clone(DefaultAllowedMediaTypes),
	}
}

// ValidationError reports input rejected before reaching the model.
// Message is safe to show to clients.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrValidation }

// GenerationError reports a failed or empty remote call.
type GenerationError struct {
	Cause error
}

func (e *GenerationError) Error() string {
	if e.Cause == nil {
		return ErrGeneration.Error()
	}
	return fmt.Sprintf("%s: %v", ErrGeneration, e.Cause)
}

func (e *GenerationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrGeneration}
	}
	return []error{ErrGeneration, e.Cause}
}

// NormalizeMediaType lowercases a media type and drops parameters.
// An empty type is sniffed from data.
func NormalizeMediaType(declared string, data []byte) string {
	if strings.TrimSpace(declared) == "" {
		declared = http.DetectContentType(data)
	}
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(declared))
	}
	return mt
}

// ValidateImage checks the image against policy and returns it with a
// normalised media type. Oversized and disallowed images yield *ValidationError.
func ValidateImage(image Image, policy ImagePolicy) (Image, error) {
	if len(image.Data) == 0 {
		return image, &ValidationError{Message: "image is empty"}
	}

	image.MediaType = NormalizeMediaType(image.MediaType, image.Data)
	allowed := policy.AllowedMediaTypes
	if len(allowed) == 0 {
		allowed = DefaultAllowedMediaTypes
	}
	if !slices.Contains(allowed, image.MediaType) {
		return image, &ValidationError{
			Message: "invalid file type. allowed types: " + strings.Join(allowed, ", "),
		}
	}

	maxBytes := policy.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	if int64(len(image.Data)) > maxBytes {
		return image, &ValidationError{
			Message: fmt.Sprintf("file too large. maximum size is %s", formatBytes(maxBytes)),
		}
	}

	return image, nil
}

func formatBytes(n int64) string {
	const mib = 1024 * 1024
	if n%mib == 0 {
		return fmt.Sprintf("%d MB", n/mib)
	}
	if n >= 1024 && n%1024 == 0 {
		return fmt.Sprintf("%d KB", n/1024)
	}
	return fmt.Sprintf("%d bytes", n)
}
