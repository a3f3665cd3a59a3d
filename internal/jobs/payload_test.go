package jobs

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/omnistudio/backend/internal/models"
)

func TestExtractJobID(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{name: "data envelope", body: `{"data":{"uuid":"a"},"uuid":"b","result":{"uuid":"c"}}`, want: "a"},
		{name: "top level", body: `{"uuid":"b","result":{"uuid":"c"}}`, want: "b"},
		{name: "result envelope", body: `{"result":{"uuid":"c"}}`, want: "c"},
		{name: "empty data falls through", body: `{"data":{"uuid":""},"uuid":"b"}`, want: "b"},
		{name: "non-object data", body: `{"data":"queued","result":{"uuid":"c"}}`, want: "c"},
		{name: "missing", body: `{"message":"ok"}`, wantErr: true},
		{name: "not json", body: `oops`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJobID([]byte(tt.body))
			if tt.wantErr {
				if !errors.Is(err, ErrMissingJobID) {
					t.Fatalf("expected ErrMissingJobID, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q want %q", got, tt.want)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	p, err := ParseStatus([]byte(`{"data":{"status":"2","status_percentage":"100","generate_result":"https://cdn.x/v.mp4"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Status != StatusCompleted || p.Percentage != 100 {
		t.Fatalf("unexpected payload: %+v", p)
	}

	p, err = ParseStatus([]byte(`{"status":1,"status_percentage":42.5,"generate_result":null}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Status != StatusProcessing || p.Percentage != 42 || p.GenerateResult != nil {
		t.Fatalf("unexpected payload: %+v", p)
	}

	if _, err := ParseStatus([]byte(`{"status":"processing"}`)); err == nil {
		t.Fatal("expected error for non-numeric status")
	}
}

func TestResolveResultURL(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}

	tests := []struct {
		name    string
		payload StatusPayload
		want    string
		ok      bool
	}{
		{
			name:    "direct string wins over array",
			payload: StatusPayload{GenerateResult: raw("https://cdn.x/v.mp4"), GeneratedVideo: []models.GeneratedVideo{{VideoURL: "https://other"}}},
			want:    "https://cdn.x/v.mp4",
			ok:      true,
		},
		{
			name:    "array video_url",
			payload: StatusPayload{GeneratedVideo: []models.GeneratedVideo{{VideoURL: "https://a/1.mp4", VideoURI: "https://a/2.mp4"}}},
			want:    "https://a/1.mp4",
			ok:      true,
		},
		{
			name:    "array falls back to video_uri",
			payload: StatusPayload{GenerateResult: raw(""), GeneratedVideo: []models.GeneratedVideo{{VideoURI: "https://a/2.mp4"}}},
			want:    "https://a/2.mp4",
			ok:      true,
		},
		{
			name:    "json encoded object string",
			payload: StatusPayload{GenerateResult: raw(`{"video_url":"https://b/o.mp4"}`)},
			want:    "https://b/o.mp4",
			ok:      true,
		},
		{
			name:    "json encoded array string",
			payload: StatusPayload{GenerateResult: raw(`[{"video_uri":"https://b/a.mp4"}]`)},
			want:    "https://b/a.mp4",
			ok:      true,
		},
		{
			name:    "inline object",
			payload: StatusPayload{GenerateResult: json.RawMessage(`{"video_url":"https://b/i.mp4"}`)},
			want:    "https://b/i.mp4",
			ok:      true,
		},
		{
			name:    "nothing resolvable",
			payload: StatusPayload{GenerateResult: raw("rendering done"), GeneratedVideo: []models.GeneratedVideo{{}}},
			ok:      false,
		},
		{
			name:    "empty",
			payload: StatusPayload{},
			ok:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ResolveResultURL(tt.payload)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("ResolveResultURL() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}
