package store

import "time"

// Generation statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Generation kinds.
const (
	KindGenerate = "generate"
	KindFix      = "fix"
	KindPlan     = "plan"
)

// Project is one integration workspace.
type Project struct {
	ID            string    `gorm:"primaryKey;size:128" json:"id"`
	WorkspaceRoot string    `gorm:"size:1024" json:"workspace_root"`
	Existing      bool      `gorm:"not null;default:false" json:"existing"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Generation is one turn against a project.
type Generation struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	ProjectID    string    `gorm:"size:128;index;not null" json:"project_id"`
	SessionID    string    `gorm:"size:128;index" json:"session_id"`
	Kind         string    `gorm:"size:16;not null" json:"kind"`
	Prompt       string    `gorm:"type:text" json:"prompt"`
	RawResponse  string    `gorm:"type:text" json:"raw_response,omitempty"`
	Code         string    `gorm:"type:text" json:"code,omitempty"`
	Diagnostics  string    `gorm:"type:text" json:"diagnostics,omitempty"`
	ArtifactPath string    `gorm:"size:1024" json:"artifact_path,omitempty"`
	URL          string    `gorm:"size:512" json:"url,omitempty"`
	Status       string    `gorm:"size:16;index;not null" json:"status"`
	Error        string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConversationMessage is one line of a planning conversation.
type ConversationMessage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"size:128;index;not null" json:"session_id"`
	ProjectID string    `gorm:"size:128;index" json:"project_id"`
	Role      string    `gorm:"size:16;not null" json:"role"`
	Content   string    `gorm:"type:text" json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// GenerationUpdate carries the fields a turn writes back. Empty strings
// leave the stored value unchanged; Status is always written.
type GenerationUpdate struct {
	Status       string
	RawResponse  string
	Code         string
	Diagnostics  string
	ArtifactPath string
	URL          string
	Error        string
}
