package models

import "time"

// GenerationKind identifies a quota-metered generation capability.
type GenerationKind string

const (
	KindVideo GenerationKind = "video"
	KindImage GenerationKind = "image"
)

// Valid reports whether k is a metered kind.
func (k GenerationKind) Valid() bool {
	return k == KindVideo || k == KindImage
}

// UserProfile is the identity and quota record of a studio user.
type UserProfile struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	IsApproved   bool
	IsAdmin      bool
	VideoLimit   int
	ImageLimit   int
	VideosUsed   int
	ImagesUsed   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Usage returns the used and limit counters for kind.
func (p UserProfile) Usage(kind GenerationKind) (used, limit int) {
	switch kind {
	case KindVideo:
		return p.VideosUsed, p.VideoLimit
	case KindImage:
		return p.ImagesUsed, p.ImageLimit
	default:
		return 0, 0
	}
}

// Public returns the externally visible view of the profile. The password hash is
// never part of it.
func (p UserProfile) Public() PublicProfile {
	return PublicProfile{
		ID:         p.ID,
		Username:   p.Username,
		Email:      p.Email,
		IsApproved: p.IsApproved,
		IsAdmin:    p.IsAdmin,
		VideoLimit: p.VideoLimit,
		ImageLimit: p.ImageLimit,
		VideosUsed: p.VideosUsed,
		ImagesUsed: p.ImagesUsed,
		CreatedAt:  p.CreatedAt,
	}
}

// PublicProfile is the JSON representation of a profile.
type PublicProfile struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	IsApproved bool      `json:"isApproved"`
	IsAdmin    bool      `json:"isAdmin"`
	VideoLimit int       `json:"videoLimit"`
	ImageLimit int       `json:"imageLimit"`
	VideosUsed int       `json:"videosUsed"`
	ImagesUsed int       `json:"imagesUsed"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ChatRole is the author of a chat message.
type ChatRole string

const (
	RoleUser  ChatRole = "user"
	RoleModel ChatRole = "model"
)

// ChatMessage is one entry of an append-only conversation.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// GeneratedVideo describes one rendered output of a video job.
type GeneratedVideo struct {
	VideoURL string `json:"video_url,omitempty"`
	VideoURI string `json:"video_uri,omitempty"`
}

// URL returns video_url, falling back to video_uri.
func (v GeneratedVideo) URL() string {
	if v.VideoURL != "" {
		return v.VideoURL
	}
	return v.VideoURI
}

// SoraHistoryItem is an archival listing entry of a past remote job.
type SoraHistoryItem struct {
	UUID           string           `json:"uuid"`
	Type           string           `json:"type,omitempty"`
	ModelName      string           `json:"model_name"`
	InputText      string           `json:"input_text"`
	Status         int              `json:"status"`
	CreatedAt      string           `json:"created_at,omitempty"`
	UpdatedAt      string           `json:"updated_at,omitempty"`
	GeneratedVideo []GeneratedVideo `json:"generated_video,omitempty"`
}

// JobState is the local view of a remote generation job.
type JobState string

const (
	JobSubmitted   JobState = "submitted"
	JobProcessing  JobState = "processing"
	JobBackingOff  JobState = "backing_off"
	JobCompleted   JobState = "completed"
	JobFailed      JobState = "failed"
	JobLinkMissing JobState = "link_missing"
	JobTimedOut    JobState = "timed_out"
	JobCanceled    JobState = "canceled"
)

// Terminal reports whether polling has stopped for good in state s.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobLinkMissing, JobTimedOut, JobCanceled:
		return true
	default:
		return false
	}
}

// JobRecord persists a submitted generation job owned by a user.
type JobRecord struct {
	UUID       string         `json:"uuid"`
	UserID     string         `json:"userId"`
	Kind       GenerationKind `json:"kind"`
	Model      string         `json:"model"`
	Prompt     string         `json:"prompt"`
	State      JobState       `json:"state"`
	Progress   int            `json:"progress"`
	ResultURL  string         `json:"resultUrl,omitempty"`
	ArchiveURL string         `json:"archiveUrl,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// SessionTokens groups the bearer credentials issued to authenticated users.
type SessionTokens struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}
