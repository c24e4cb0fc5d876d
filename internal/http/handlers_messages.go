// Package httpx provides HTTP handlers and utilities for the voice message API.
package httpx

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/target/voice-message-api/internal/domain/model"
	apperrors "github.com/target/voice-message-api/internal/errors"
	"github.com/target/voice-message-api/internal/service"
)

const (
	defaultListLimit    = 50
	maxListLimit        = 500
	defaultMaxBodyBytes = 64 << 10
	defaultAudioURLTTL  = 15 * time.Minute
)

// MessageHandlers provides HTTP handlers for text-to-speech submissions.
type MessageHandlers struct {
	Svc          *service.SubmissionService
	DefaultTTL   time.Duration // presigned URL lifetime when ?ttl is absent
	MaxBodyBytes int64
	Logger       *slog.Logger
}

type submitMessageRequest struct {
	Text        string  `json:"text"`
	RequestedBy string  `json:"requestedBy,omitempty"`
	VoiceType   *string `json:"voiceType,omitempty"`
}

type audioURLResponse struct {
	AudioURL  string    `json:"audioUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type listMessagesResponse struct {
	Items  []*model.Submission `json:"items"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// Submit handles POST /api/v1/messages/text-to-speech.
//
// By default the request blocks until the submission is COMPLETED or FAILED. With
// ?async=true it returns 202 as soon as the RECEIVED record is stored.
func (h *MessageHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var req submitMessageRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	async, err := parseBoolQuery(r, "async")
	if err != nil {
		writeServiceError(w, r, h.Logger, apperrors.ValidationField("async", "async must be a boolean"))
		return
	}

	in := service.SubmitRequest{Text: req.Text, RequestedBy: req.RequestedBy, VoiceType: req.VoiceType}
	if async {
		rec, _, err := h.Svc.SubmitAsync(r.Context(), in)
		if err != nil {
			writeServiceError(w, r, h.Logger, err)
			return
		}
		w.Header().Set("Location", "/api/v1/messages/"+rec.ID)
		WriteJSON(w, http.StatusAccepted, rec)
		return
	}

	rec, err := h.Svc.Submit(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// Get handles GET /api/v1/messages/{id}.
func (h *MessageHandlers) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// AudioURL handles GET /api/v1/messages/{id}/audio-url?ttl=.
// ttl accepts a Go duration ("15m") or a number of seconds ("900").
func (h *MessageHandlers) AudioURL(w http.ResponseWriter, r *http.Request) {
	ttl, err := h.parseTTL(r)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}

	issued := time.Now()
	url, err := h.Svc.GetAudioURL(r.Context(), r.PathValue("id"), ttl)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, audioURLResponse{AudioURL: url, ExpiresAt: issued.Add(ttl).UTC()})
}

// Audio handles GET /api/v1/messages/{id}/audio and streams the stored audio back.
func (h *MessageHandlers) Audio(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := h.Svc.Audio(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(data); err != nil {
		// Nothing more to do if the client connection is gone.
		return
	}
}

// List handles GET /api/v1/messages?status=&requestedBy=&from=&to=&limit=&offset=.
func (h *MessageHandlers) List(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}

	recs, err := h.Svc.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.Logger, err)
		return
	}
	if recs == nil {
		recs = []*model.Submission{}
	}
	WriteJSON(w, http.StatusOK, listMessagesResponse{Items: recs, Limit: opts.Limit, Offset: opts.Offset})
}

func (h *MessageHandlers) parseTTL(r *http.Request) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("ttl"))
	if raw == "" {
		if h.DefaultTTL > 0 {
			return h.DefaultTTL, nil
		}
		return defaultAudioURLTTL, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil {
		return 0, apperrors.ValidationField("ttl", "ttl must be a duration (15m) or a number of seconds")
	}
	return ttl, nil
}

func parseListOptions(r *http.Request) (model.SubmissionListOptions, error) {
	q := r.URL.Query()
	limit, offset := ParseLimitOffset(r, defaultListLimit, maxListLimit)
	opts := model.SubmissionListOptions{Limit: limit, Offset: offset}

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		var status model.SubmissionStatus
		if err := status.UnmarshalText([]byte(raw)); err != nil {
			return opts, apperrors.ValidationField("status", err.Error())
		}
		opts.Status = &status
	}
	if v := strings.TrimSpace(q.Get("requestedBy")); v != "" {
		opts.RequestedBy = &v
	}
	for _, p := range []struct {
		key string
		dst **time.Time
	}{
		{"from", &opts.CreatedAfter},
		{"to", &opts.CreatedBefore},
	} {
		raw := strings.TrimSpace(q.Get(p.key))
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return opts, apperrors.ValidationField(p.key, p.key+" must be an RFC 3339 timestamp")
		}
		*p.dst = &ts
	}
	return opts, nil
}

func parseBoolQuery(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
