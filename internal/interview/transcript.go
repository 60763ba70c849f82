package interview

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAssistant, RoleUser:
		return r, nil
	}
	return "", fmt.Errorf("%w: role must be \"assistant\" or \"user\", got %q", ErrValidation, s)
}

// TranscriptEntry is one conversational turn. Seq is the 1-based append
// position within the session and is assigned by the repository.
type TranscriptEntry struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"interview_session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content must not be empty", ErrValidation)
	}
	return nil
}
