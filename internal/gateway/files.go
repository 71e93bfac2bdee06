// ABOUTME: HTTP handlers for user file uploads backed by object storage
// ABOUTME: Returns 503 when storage is not configured

package gateway

import (
	"net/http"

	"github.com/fynq/tutor-gateway/internal/auth"
	"github.com/fynq/tutor-gateway/internal/generation"
)

// FileUploadResponse is the JSON response for POST /api/v1/files/upload.
type FileUploadResponse struct {
	Filename  string `json:"filename"`
	Key       string `json:"key"`
	PublicURL string `json:"public_url"`
}

// handleUpload handles POST /api/v1/files/upload with a multipart "file" field.
func (g *Gateway) handleUpload(w http.ResponseWriter, r *http.Request) {
	if g.uploads == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "file uploads are not configured")
		return
	}

	maxBytes := g.config.Generation.MaxImageBytes
	if maxBytes <= 0 {
		maxBytes = generation.DefaultMaxImageBytes
	}

	image, header, ok := g.readMultipartImage(w, r, "file", maxBytes)
	if !ok {
		return
	}

	up, err := g.uploads.Upload(r.Context(), auth.UserFromContext(r.Context()), header.Filename, image.MediaType, image.Data)
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, FileUploadResponse{
		Filename:  up.Filename,
		Key:       up.Key,
		PublicURL: up.PublicURL,
	})
}

// handleDeleteFile handles DELETE /api/v1/files/{key...}.
func (g *Gateway) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if g.uploads == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "file uploads are not configured")
		return
	}

	if err := g.uploads.Delete(r.Context(), auth.UserFromContext(r.Context()), r.PathValue("key")); err != nil {
		g.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
