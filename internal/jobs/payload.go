package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/omnistudio/backend/internal/models"
)

// Remote status codes of a generation job.
const (
	StatusProcessing = 1
	StatusCompleted  = 2
	StatusFailed     = 3
)

var (
	// ErrMissingJobID indicates a submission response without a recognisable job UUID.
	ErrMissingJobID = errors.New("submission response carries no job id")
	// ErrJobFailed indicates the provider reported the job as failed.
	ErrJobFailed = errors.New("generation job failed")
	// ErrResultNotFound indicates a completed job without a playable URL.
	ErrResultNotFound = errors.New("link not found, please refresh")
	// ErrTimedOut indicates polling exceeded its wall-clock budget.
	ErrTimedOut = errors.New("generation job timed out")
)

// ExtractJobID returns the job UUID of a submission response, trying data.uuid, uuid and
// result.uuid in that order.
func ExtractJobID(body []byte) (string, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingJobID, err)
	}

	candidates := []string{
		nestedUUID(env["data"]),
		stringField(env["uuid"]),
		nestedUUID(env["result"]),
	}
	for _, id := range candidates {
		if id = strings.TrimSpace(id); id != "" {
			return id, nil
		}
	}
	return "", ErrMissingJobID
}

func nestedUUID(raw json.RawMessage) string {
	var obj struct {
		UUID json.RawMessage `json:"uuid"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &obj) != nil {
		return ""
	}
	return stringField(obj.UUID)
}

func stringField(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// StatusPayload is the canonical form of a job status response.
type StatusPayload struct {
	Status         int                     `json:"status"`
	Percentage     int                     `json:"status_percentage"`
	GenerateResult json.RawMessage         `json:"generate_result,omitempty"`
	GeneratedVideo []models.GeneratedVideo `json:"generated_video,omitempty"`
	ErrorMessage   string                  `json:"error_message,omitempty"`
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		*f = flexInt(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexInt(v)
	return nil
}

type rawStatus struct {
	Status         flexInt                 `json:"status"`
	Percentage     flexInt                 `json:"status_percentage"`
	GenerateResult json.RawMessage         `json:"generate_result"`
	GeneratedVideo []models.GeneratedVideo `json:"generated_video"`
	ErrorMessage   string                  `json:"error_message"`
}

// ParseStatus normalises a status response. The payload may be bare or wrapped in a
// "data" envelope, and numeric fields may be strings.
func ParseStatus(body []byte) (StatusPayload, error) {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return StatusPayload{}, fmt.Errorf("decode status: %w", err)
	}

	target := body
	if trimmed := bytes.TrimSpace(env.Data); len(trimmed) > 0 && trimmed[0] == '{' {
		target = trimmed
	}

	var raw rawStatus
	if err := json.Unmarshal(target, &raw); err != nil {
		return StatusPayload{}, fmt.Errorf("decode status: %w", err)
	}
	if string(bytes.TrimSpace(raw.GenerateResult)) == "null" {
		raw.GenerateResult = nil
	}

	return StatusPayload{
		Status:         int(raw.Status),
		Percentage:     int(raw.Percentage),
		GenerateResult: raw.GenerateResult,
		GeneratedVideo: raw.GeneratedVideo,
		ErrorMessage:   raw.ErrorMessage,
	}, nil
}

// ResolveResultURL finds the playable URL of a completed job. The lookup order is
// generate_result as a direct http(s) string, then the first generated_video entry, then
// generate_result as JSON-encoded object or array.
func ResolveResultURL(p StatusPayload) (string, bool) {
	var resultString string
	hasString := len(p.GenerateResult) > 0 && json.Unmarshal(p.GenerateResult, &resultString) == nil

	if hasString && strings.HasPrefix(resultString, "http") {
		return resultString, true
	}

	if len(p.GeneratedVideo) > 0 {
		if u := p.GeneratedVideo[0].URL(); u != "" {
			return u, true
		}
	}

	encoded := []byte(p.GenerateResult)
	if hasString {
		encoded = []byte(resultString)
	}
	if u := urlFromJSON(encoded); u != "" {
		return u, true
	}
	return "", false
}

func urlFromJSON(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return ""
	}
	switch b[0] {
	case '{':
		var v models.GeneratedVideo
		if json.Unmarshal(b, &v) == nil {
			return v.URL()
		}
	case '[':
		var list []models.GeneratedVideo
		if json.Unmarshal(b, &list) == nil && len(list) > 0 {
			return list[0].URL()
		}
	}
	return ""
}
