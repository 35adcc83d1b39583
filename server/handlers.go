package server

import (
	"context"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/huddle/auth"
	"github.com/onnwee/huddle/chat"
	"github.com/onnwee/huddle/uploads"
)

// Pinger reports database reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// UserDirectory is the slice of the identity store the HTTP layer uses.
type UserDirectory interface {
	FindByCredentials(ctx context.Context, username, password string) (*chat.Identity, error)
	FindByID(ctx context.Context, id string) (*chat.Identity, error)
	UpdateAvatar(ctx context.Context, id, avatar, thumbnail string) (*chat.Identity, error)
	List(ctx context.Context) ([]chat.Identity, error)
}

// MessageExporter reads messages for the admin export.
type MessageExporter interface {
	FindByRange(ctx context.Context, start, end *time.Time) ([]chat.Event, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db         Pinger
	room       *chat.Room
	users      UserDirectory
	messages   MessageExporter
	sessions   *auth.Sessions
	uploads    *uploads.Store
	upgrader   websocket.Upgrader
	secure     bool
	adminToken string
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	h := &Handlers{
		db:         deps.DB,
		room:       deps.Room,
		users:      deps.Users,
		messages:   deps.Messages,
		sessions:   deps.Sessions,
		uploads:    deps.Uploads,
		adminToken: os.Getenv("ADMIN_TOKEN"),
	}
	var origins []string
	dev := true
	if deps.Config != nil {
		origins = deps.Config.AllowedOrigins
		dev = deps.Config.IsDev()
	}
	h.secure = !dev
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     newOriginChecker(origins, dev),
	}
	return h
}
