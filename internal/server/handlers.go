package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/blacktop/xpostd/internal/app"
	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/blacktop/xpostd/internal/xpost/media"
	"github.com/go-chi/chi/v5"
)

// PostBody is the JSON body of POST /api/post. Platforms and Destinations are
// aliases and are merged.
type PostBody struct {
	Text         string           `json:"text"`
	Platforms    []string         `json:"platforms"`
	Destinations []string         `json:"destinations"`
	MediaURLs    []string         `json:"media_urls"`
	Media        []xpost.MediaRef `json:"media"`
	ScheduleTime string           `json:"schedule_time"`
}

// AuthBody is the JSON body of POST /api/auth/{platform}.
type AuthBody struct {
	AccessToken      string            `json:"access_token"`
	APIKey           string            `json:"api_key"`
	APISecret        string            `json:"api_secret"`
	AdditionalParams map[string]string `json:"additional_params"`
	ExpiresAt        *time.Time        `json:"expires_at"`
}

// Credential folds the body into a stored credential.
func (b AuthBody) Credential() xpost.Credential {
	cred := xpost.Credential{Token: strings.TrimSpace(b.AccessToken), ExpiresAt: b.ExpiresAt}
	aux := make(map[string]string, len(b.AdditionalParams)+2)
	for k, v := range b.AdditionalParams {
		aux[k] = v
	}
	if b.APIKey != "" {
		aux["api_key"] = b.APIKey
	}
	if b.APISecret != "" {
		aux["api_secret"] = b.APISecret
	}
	if len(aux) > 0 {
		cred.Aux = aux
	}
	return cred
}

type errorResponse struct {
	Error string `json:"error"`
}

type platformInfo struct {
	ID                 xpost.Destination `json:"id"`
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	SupportsMedia      bool              `json:"supports_media"`
	SupportsVideo      bool              `json:"supports_video"`
	SupportsScheduling bool              `json:"supports_scheduling"`
	MaxTextLength      int               `json:"max_text_length"`
	MinMedia           int               `json:"min_media"`
	MaxMedia           int               `json:"max_media"`
	Configured         bool              `json:"configured"`
	RequiredFields     []string          `json:"required_credential_fields,omitempty"`
}

type uploadResponse struct {
	Success  bool   `json:"success"`
	Filename string `json:"filename"`
	Stored   string `json:"stored_name"`
	Path     string `json:"file_path"`
	Size     int64  `json:"file_size"`
	Digest   string `json:"blake3"`
	URL      string `json:"url,omitempty"`
	Message  string `json:"message"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"message":             "Multi-Platform Social Media Posting API",
		"version":             s.version,
		"supported_platforms": s.destinations(),
		"endpoints": map[string]string{
			"post":        "/api/post",
			"post_single": "/api/post/{platform}",
			"validate":    "/api/validate",
			"upload":      "/api/upload",
			"auth":        "/api/auth/{platform}",
			"platforms":   "/api/platforms",
			"health":      "/health",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	configured := s.svc.Configured()
	if configured == nil {
		configured = []xpost.Destination{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":              "healthy",
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":      int64(time.Since(s.startedAt).Seconds()),
		"platforms_available": s.destinations(),
		"platforms_ready":     configured,
	})
}

func (s *Server) handlePlatforms(w http.ResponseWriter, r *http.Request) {
	ready := make(map[xpost.Destination]bool)
	for _, d := range s.svc.Configured() {
		ready[d] = true
	}
	profiles := s.svc.Platforms()
	out := make([]platformInfo, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, platformInfo{
			ID:                 p.ID,
			Name:               p.Name,
			Description:        p.Description,
			SupportsMedia:      p.Supports(xpost.MediaImage),
			SupportsVideo:      p.Supports(xpost.MediaVideo),
			SupportsScheduling: p.Scheduling,
			MaxTextLength:      p.MaxTextLength,
			MinMedia:           p.MinMedia,
			MaxMedia:           p.MaxMedia,
			Configured:         ready[p.ID],
			RequiredFields:     p.RequiredAux,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"platforms": out})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodePost(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Publish(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	w.Header().Set("X-Batch-ID", res.ID)
	respondJSON(w, http.StatusOK, res.Outcomes)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodePost(w, r)
	if !ok {
		return
	}
	verdicts, err := s.svc.Validate(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, verdicts)
}

func (s *Server) decodePost(w http.ResponseWriter, r *http.Request) (xpost.Request, bool) {
	var body PostBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid request body: %v", err))
		return xpost.Request{}, false
	}
	at, err := app.ParseSchedule(strings.TrimSpace(body.ScheduleTime))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return xpost.Request{}, false
	}

	req := xpost.Request{Text: body.Text, ScheduleAt: at}
	for _, d := range append(body.Platforms, body.Destinations...) {
		req.Destinations = append(req.Destinations, xpost.Destination(d))
	}
	for _, u := range body.MediaURLs {
		if u = strings.TrimSpace(u); u != "" {
			req.Media = append(req.Media, xpost.MediaRef{URL: u})
		}
	}
	req.Media = append(req.Media, body.Media...)
	return req, true
}

func (s *Server) handlePostSingle(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	if err := r.ParseMultipartForm(maxJSONBody); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid form: %v", err))
		return
	}
	at, err := app.ParseSchedule(strings.TrimSpace(r.FormValue("schedule_time")))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	req := xpost.Request{
		Text:         r.FormValue("text"),
		Destinations: []xpost.Destination{xpost.Destination(platform)},
		ScheduleAt:   at,
	}
	for _, u := range strings.Split(r.FormValue("media_urls"), ",") {
		if u = strings.TrimSpace(u); u != "" {
			req.Media = append(req.Media, xpost.MediaRef{URL: u})
		}
	}

	res, err := s.svc.Publish(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	out := res.Outcomes[0]
	if out.Status == xpost.StatusUnknownDestination {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Platform '%s' is not supported", platform))
		return
	}
	w.Header().Set("X-Batch-ID", res.ID)
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	uploads := s.svc.Uploads()
	if uploads.MaxBytes > 0 {
		// headroom for multipart framing; Save enforces the exact limit
		r.Body = http.MaxBytesReader(w, r.Body, uploads.MaxBytes+maxJSONBody)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid upload: %v", err))
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeUploadError(w, err)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		up, err := uploads.Save(part.FileName(), part)
		part.Close()
		if err != nil {
			writeUploadError(w, err)
			return
		}
		s.logger.Info("media uploaded", "file", up.Name, "size", up.Size)
		respondJSON(w, http.StatusOK, uploadResponse{
			Success:  true,
			Filename: part.FileName(),
			Stored:   up.Name,
			Path:     up.Path,
			Size:     up.Size,
			Digest:   up.Digest,
			URL:      s.publicURL(up.Name),
			Message:  "File uploaded successfully",
		})
		return
	}
	writeError(w, http.StatusUnprocessableEntity, "multipart field \"file\" is required")
}

func writeUploadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.Is(err, media.ErrTooLarge) || errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, fmt.Sprintf("Upload failed: %v", err))
}

func (s *Server) publicURL(name string) string {
	base := strings.TrimRight(s.svc.Config().Media.PublicBaseURL, "/")
	if base == "" {
		return ""
	}
	return base + "/" + name
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	platform := xpost.ParseDestination(chi.URLParam(r, "platform"))
	var body AuthBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	cred := body.Credential()

	if r.URL.Query().Get("verify") == "false" {
		if err := s.svc.SetCredential(r.Context(), platform, cred); err != nil {
			writeAuthError(w, platform, err, http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"platform": platform,
			"message":  fmt.Sprintf("Stored credentials for %s", platform),
		})
		return
	}

	acct, err := s.svc.Authenticate(r.Context(), platform, cred)
	if err != nil {
		writeAuthError(w, platform, err, http.StatusUnauthorized)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"platform": platform,
		"message":  fmt.Sprintf("Successfully authenticated with %s", platform),
		"details":  acct,
	})
}

func (s *Server) handleDeleteAuth(w http.ResponseWriter, r *http.Request) {
	platform := xpost.ParseDestination(chi.URLParam(r, "platform"))
	if err := s.svc.DeleteCredential(r.Context(), platform); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeAuthError(w http.ResponseWriter, platform xpost.Destination, err error, fallback int) {
	var verr xpost.ValidationError
	switch {
	case errors.Is(err, xpost.ErrUnknownDestination):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Platform '%s' is not supported", platform))
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case fallback == http.StatusUnauthorized:
		writeError(w, fallback, fmt.Sprintf("Authentication failed: %v", err))
	default:
		writeError(w, fallback, err.Error())
	}
}

func (s *Server) destinations() []xpost.Destination {
	profiles := s.svc.Platforms()
	out := make([]xpost.Destination, len(profiles))
	for i, p := range profiles {
		out[i] = p.ID
	}
	return out
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}
