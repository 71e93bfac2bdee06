// ABOUTME: User file uploads: validation, per-user rate limiting and object storage
// ABOUTME: Objects are keyed under the owner's ID so deletes can check ownership

package uploads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/fynq/tutor-gateway/internal/apperr"
	"github.com/fynq/tutor-gateway/internal/generation"
	"github.com/fynq/tutor-gateway/internal/objectstore"
)

// Defaults match the original upload endpoint: 2 uploads per 5 minutes.
const (
	DefaultRateLimit  = 2
	DefaultRateWindow = 5 * time.Minute
)

const maxFilenameRunes = 100

// Limiter decides whether a user may upload now.
type Limiter interface {
	Allow(key string) bool
	RetryAfter(key string) time.Duration
}

// Upload describes a stored file.
type Upload struct {
	Filename    string
	Key         string
	PublicURL   string
	ContentType string
	Size        int
}

// Service validates and stores user uploads.
type Service struct {
	objects objectstore.Store
	limiter Limiter
	policy  generation.ImagePolicy
	logger  *slog.Logger
}

// New creates an upload Service. A nil limiter disables rate limiting.
func New(objects objectstore.Store, limiter Limiter, policy generation.ImagePolicy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		objects: objects,
		limiter: limiter,
		policy:  policy,
		logger:  logger.With("component", "uploads"),
	}
}

// RateLimitedError carries how long the caller should wait.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upload rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

// Upload stores data for userID and returns its public URL.
// Validation runs before the rate limit is charged.
func (s *Service) Upload(ctx context.Context, userID, filename, contentType string, data []byte) (*Upload, error) {
	image, err := generation.ValidateImage(generation.Image{Data: data, MediaType: contentType}, s.policy)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidArgument, err.Error(), err)
	}

	if s.limiter != nil && !s.limiter.Allow(userID) {
		rle := &RateLimitedError{RetryAfter: s.limiter.RetryAfter(userID)}
		s.logger.Warn("upload rate limited", "user_id", userID, "retry_after", rle.RetryAfter)
		return nil, apperr.Wrap(apperr.CodeRateLimited, "too many uploads, try again later", rle)
	}

	name := SanitizeFilename(filename)
	key := userID + "/" + uuid.NewString() + "-" + name

	url, err := s.objects.Put(ctx, key, image.Data, image.MediaType)
	if err != nil {
		s.logger.Error("upload failed", "user_id", userID, "key", key, "error", err)
		return nil, apperr.Wrap(apperr.CodeUnavailable, "could not upload file", err)
	}

	s.logger.Info("file uploaded", "user_id", userID, "key", key, "bytes", len(data))
	return &Upload{
		Filename:    filename,
		Key:         key,
		PublicURL:   url,
		ContentType: image.MediaType,
		Size:        len(data),
	}, nil
}

// Delete removes one of userID's uploads. Keys outside the user's prefix are
// reported as missing.
func (s *Service) Delete(ctx context.Context, userID, key string) error {
	if !strings.HasPrefix(key, userID+"/") || strings.Contains(key, "..") {
		return apperr.New(apperr.CodeNotFound, "file not found")
	}
	if err := s.objects.Delete(ctx, key); err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return apperr.Wrap(apperr.CodeNotFound, "file not found", err)
		}
		s.logger.Error("delete failed", "user_id", userID, "key", key, "error", err)
		return apperr.Wrap(apperr.CodeUnavailable, "could not delete file", err)
	}
	s.logger.Info("file deleted", "user_id", userID, "key", key)
	return nil
}

// SanitizeFilename reduces a client-supplied name to a safe single path segment.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var sb strings.Builder
	n := 0
	for _, r := range name {
		if n >= maxFilenameRunes {
			break
		}
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			sb.WriteRune(r)
		case unicode.IsSpace(r):
			sb.WriteRune('_')
		default:
			continue
		}
		n++
	}
	out := strings.TrimLeft(sb.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}
