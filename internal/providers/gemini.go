package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/omnistudio/backend/internal/models"
)

// ErrMissingAPIKey indicates a provider client was configured without credentials.
var ErrMissingAPIKey = errors.New("provider api key missing")

// ErrEmptyResponse indicates the provider answered without usable content.
var ErrEmptyResponse = errors.New("empty response from provider")

// ErrProviderFailed wraps transport failures and error statuses of the Gemini API.
var ErrProviderFailed = errors.New("provider request failed")

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	BaseURL     string
	APIKey      string
	ChatModel   string
	SpeechModel string
	ImageModel  string
	Timeout     time.Duration
}

// GeminiClient calls the Gemini REST API for chat, speech and image generation.
type GeminiClient struct {
	cfg        GeminiConfig
	httpClient *http.Client
}

// NewGeminiClient constructs a client. The API key is required.
func NewGeminiClient(cfg GeminiConfig, httpClient *http.Client) (*GeminiClient, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeminiBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &GeminiClient{cfg: cfg, httpClient: httpClient}, nil
}

// Chat continues a conversation and returns the model's reply.
func (c *GeminiClient) Chat(ctx context.Context, history []models.ChatMessage, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("prompt is required")
	}
	contents := make([]content, 0, len(history)+1)
	for _, msg := range history {
		role := "user"
		if msg.Role == models.RoleModel {
			role = "model"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: msg.Content}}})
	}
	contents = append(contents, content{Role: "user", Parts: []part{{Text: prompt}}})

	var resp generateResponse
	if err := c.doJSON(ctx, c.modelURL(c.cfg.ChatModel, "generateContent"), generateRequest{Contents: contents}, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, p := range resp.firstParts() {
		sb.WriteString(p.Text)
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

// Speech synthesises text with the named voice and returns raw 24 kHz mono PCM16.
func (c *GeminiClient) Speech(ctx context.Context, text, voice string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text is required")
	}
	if voice == "" {
		voice = "Kore"
	}
	req := generateRequest{
		Contents: []content{{Parts: []part{{Text: text}}}},
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &speechConfig{
				VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoice{VoiceName: voice}},
			},
		},
	}

	var resp generateResponse
	if err := c.doJSON(ctx, c.modelURL(c.cfg.SpeechModel, "generateContent"), req, &resp); err != nil {
		return nil, err
	}
	for _, p := range resp.firstParts() {
		if p.InlineData != nil && p.InlineData.Data != "" {
			audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("decode audio: %w", err)
			}
			return audio, nil
		}
	}
	return nil, ErrEmptyResponse
}

// Image is one generated picture.
type Image struct {
	MIMEType string
	Data     []byte
}

// Image renders prompt at the given aspect ratio, e.g. "1:1" or "16:9".
func (c *GeminiClient) Image(ctx context.Context, prompt, aspectRatio string) (Image, error) {
	if strings.TrimSpace(prompt) == "" {
		return Image{}, errors.New("prompt is required")
	}
	if aspectRatio == "" {
		aspectRatio = "1:1"
	}
	req := predictRequest{
		Instances:  []predictInstance{{Prompt: prompt}},
		Parameters: predictParameters{SampleCount: 1, AspectRatio: aspectRatio},
	}

	var resp predictResponse
	if err := c.doJSON(ctx, c.modelURL(c.cfg.ImageModel, "predict"), req, &resp); err != nil {
		return Image{}, err
	}
	if len(resp.Predictions) == 0 || resp.Predictions[0].BytesBase64Encoded == "" {
		return Image{}, ErrEmptyResponse
	}
	data, err := base64.StdEncoding.DecodeString(resp.Predictions[0].BytesBase64Encoded)
	if err != nil {
		return Image{}, fmt.Errorf("decode image: %w", err)
	}
	mime := resp.Predictions[0].MIMEType
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return Image{MIMEType: mime, Data: data}, nil
}

func (c *GeminiClient) modelURL(model, method string) string {
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	return fmt.Sprintf("%s/models/%s:%s?key=%s", c.cfg.BaseURL, model, method, url.QueryEscape(c.cfg.APIKey))
}

func (c *GeminiClient) doJSON(ctx context.Context, target string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The request URL carries the key; keep it out of errors.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return fmt.Errorf("%w: %w", ErrProviderFailed, urlErr.Err)
		}
		return fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&errResp)
		if errResp.Error.Message != "" {
			return fmt.Errorf("%w: %s", ErrProviderFailed, errResp.Error.Message)
		}
		return fmt.Errorf("%w: %s", ErrProviderFailed, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type inlineData struct {
	MIMEType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type prebuiltVoice struct {
	VoiceName string `json:"voiceName"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoice `json:"prebuiltVoiceConfig"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func (r generateResponse) firstParts() []part {
	if len(r.Candidates) == 0 {
		return nil
	}
	return r.Candidates[0].Content.Parts
}

type predictInstance struct {
	Prompt string `json:"prompt"`
}

type predictParameters struct {
	SampleCount int    `json:"sampleCount"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

type predictResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MIMEType           string `json:"mimeType"`
	} `json:"predictions"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
