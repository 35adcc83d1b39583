package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind is the type of a chat event.
type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

// ConnectionStatus is the lifecycle state of a recorded connection.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// MaxTextLength bounds a single text message (in bytes).
const MaxTextLength = 2000

// Identity is a registered user as seen by the room. The room only reads it.
type Identity struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Avatar          string `json:"avatar,omitempty"`
	AvatarThumbnail string `json:"avatarThumbnail,omitempty"`
	IsAdmin         bool   `json:"isAdmin"`
}

// Profile returns the public fields broadcast alongside events.
func (i Identity) Profile() Profile {
	return Profile{ID: i.ID, Username: i.Username, Avatar: i.AvatarThumbnail}
}

// Profile is the public part of an identity.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// ConnectionRecord is one entry of a user's append-only connection history.
type ConnectionRecord struct {
	ID          string           `json:"connectionId"`
	UserID      string           `json:"userId"`
	Status      ConnectionStatus `json:"status"`
	ConnectedAt time.Time        `json:"connectedAt"`
}

// FileDescriptor points at an uploaded file.
type FileDescriptor struct {
	Name         string `json:"name"`
	OriginalName string `json:"originalName"`
	Path         string `json:"path"`
}

// Event is one immutable chat message or file share.
type Event struct {
	ID        int64           `json:"id"`
	Kind      Kind            `json:"type"`
	SenderID  string          `json:"userId"`
	Sender    *Profile        `json:"user,omitempty"`
	Text      string          `json:"text,omitempty"`
	File      *FileDescriptor `json:"file,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate enforces that exactly one of text or file is populated, per kind.
func (e Event) Validate() error {
	if e.SenderID == "" {
		return fmt.Errorf("%w: sender is required", ErrValidation)
	}
	switch e.Kind {
	case KindText:
		if strings.TrimSpace(e.Text) == "" {
			return fmt.Errorf("%w: text is required", ErrValidation)
		}
		if len(e.Text) > MaxTextLength {
			return fmt.Errorf("%w: text exceeds %d bytes", ErrValidation, MaxTextLength)
		}
		if e.File != nil {
			return fmt.Errorf("%w: text event must not carry a file", ErrValidation)
		}
	case KindFile:
		if e.File == nil || e.File.Path == "" || e.File.Name == "" {
			return fmt.Errorf("%w: file descriptor is required", ErrValidation)
		}
		if e.Text != "" {
			return fmt.Errorf("%w: file event must not carry text", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, e.Kind)
	}
	return nil
}

// IdentityStore resolves and tracks users. Lookups of unknown users return ErrNotFound.
type IdentityStore interface {
	FindByCredentials(ctx context.Context, username, password string) (*Identity, error)
	FindByID(ctx context.Context, id string) (*Identity, error)
	RecordConnection(ctx context.Context, userID string, rec ConnectionRecord) error
	UpdateConnectionStatus(ctx context.Context, userID, connectionID string, status ConnectionStatus) error
}

// MessageStore is the durable append-only event log. Returned events carry the
// resolved sender profile.
type MessageStore interface {
	Create(ctx context.Context, ev Event) (*Event, error)
	FindRecent(ctx context.Context, limit int) ([]Event, error)
	FindByID(ctx context.Context, id int64) (*Event, error)
	FindByRange(ctx context.Context, start, end *time.Time) ([]Event, error)
}

// TokenVerifier turns a session token into the user id it was issued for.
type TokenVerifier interface {
	Verify(token string) (userID string, expiresAt time.Time, err error)
}

// Mediator observes text events after they have been broadcast.
type Mediator interface {
	Observe(ctx context.Context, ev Event)
}
