package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omnistudio/backend/internal/live"
	"github.com/omnistudio/backend/internal/models"
	"github.com/omnistudio/backend/internal/providers"
)

var imageAspectRatios = map[string]bool{"1:1": true, "3:4": true, "4:3": true, "9:16": true, "16:9": true}

// GenerateHandler serves chat, speech and image generation.
type GenerateHandler struct {
	Assistant Assistant
	Quota     UsageGate
	// Voice is used for speech when the request names none.
	Voice   string
	NowFunc func() time.Time
}

type chatRequest struct {
	History []models.ChatMessage `json:"history"`
	Message string               `json:"message"`
}

type chatResponse struct {
	Message models.ChatMessage `json:"message"`
	Reply   models.ChatMessage `json:"reply"`
}

type speechRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

type speechResponse struct {
	MIMEType   string `json:"mimeType"`
	SampleRate int    `json:"sampleRate"`
	Audio      []byte `json:"audio"`
}

type imageRequest struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspectRatio"`
}

type imageResponse struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// Chat handles POST /api/v1/chat. The client keeps the conversation and sends it back;
// the response carries the user turn and the model reply, ready to append.
func (h GenerateHandler) Chat(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()
	if _, ok := currentUser(w, r); !ok || !h.available(w, r) {
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(ctx, w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		respondError(ctx, w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := h.Assistant.Chat(ctx, req.History, req.Message)
	if err != nil {
		respondServiceError(ctx, w, err)
		return
	}

	now := h.now()
	respondJSON(ctx, w, http.StatusOK, chatResponse{
		Message: models.ChatMessage{ID: uuid.NewString(), Role: models.RoleUser, Content: req.Message, Timestamp: now},
		Reply:   models.ChatMessage{ID: uuid.NewString(), Role: models.RoleModel, Content: reply, Timestamp: now},
	})
}

// Speech handles POST /api/v1/speech and returns mono PCM16 audio.
func (h GenerateHandler) Speech(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()
	if _, ok := currentUser(w, r); !ok || !h.available(w, r) {
		return
	}

	var req speechRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(ctx, w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		respondError(ctx, w, http.StatusBadRequest, "text is required")
		return
	}
	voice := strings.TrimSpace(req.Voice)
	if voice == "" {
		voice = h.Voice
	}

	audio, err := h.Assistant.Speech(ctx, req.Text, voice)
	if err != nil {
		respondServiceError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, speechResponse{
		MIMEType:   "audio/pcm;rate=24000",
		SampleRate: live.OutputSampleRate,
		Audio:      audio,
	})
}

// Images handles POST /api/v1/images. Each success uses one image allowance.
func (h GenerateHandler) Images(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()
	userID, ok := currentUser(w, r)
	if !ok || !h.available(w, r) {
		return
	}

	var req imageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(ctx, w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		respondError(ctx, w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.AspectRatio == "" {
		req.AspectRatio = "1:1"
	}
	if !imageAspectRatios[req.AspectRatio] {
		respondError(ctx, w, http.StatusBadRequest, "unsupported aspect ratio")
		return
	}

	var img providers.Image
	err := h.Quota.Attempt(ctx, userID, models.KindImage, func(ctx context.Context) error {
		var err error
		img, err = h.Assistant.Image(ctx, req.Prompt, req.AspectRatio)
		return err
	})
	if err != nil {
		respondServiceError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, imageResponse{MIMEType: img.MIMEType, Data: img.Data})
}

// available writes 503 when no assistant is configured.
func (h GenerateHandler) available(w http.ResponseWriter, r *http.Request) bool {
	if h.Assistant == nil {
		respondServiceError(r.Context(), w, providers.ErrMissingAPIKey)
		return false
	}
	return true
}

func (h GenerateHandler) now() time.Time {
	if h.NowFunc != nil {
		return h.NowFunc()
	}
	return time.Now().UTC()
}
