// Package bridge mirrors session and organization state to remote clients
// over WebSocket and applies their commands to the same state machine the
// local process uses.
package bridge

import (
	"time"

	"github.com/pilotdeck/pilotdeck/internal/org"
	"github.com/pilotdeck/pilotdeck/internal/session"
)

// Client-to-server message types.
const (
	TypeCreateSession = "create_session"
	TypeCloseSession  = "close_session"
	TypeRenameSession = "rename_session"
	TypeChangeModel   = "change_model"
	TypeSend          = "send"
	TypeQueue         = "queue"
	TypeAbort         = "abort"
	TypeSteer         = "steer"
	TypeResume        = "resume"
	TypePin           = "pin"
	TypeFormGroup     = "form_group"
	TypeRemoveGroup   = "remove_group"
	TypeListDirectory = "list_directory"
	TypePing          = "ping"
)

// Server-to-client message types.
const (
	TypeSnapshot         = "snapshot"
	TypeSessionCreated   = "session_created"
	TypeSessionClosed    = "session_closed"
	TypeSessionRenamed   = "session_renamed"
	TypeModelChanged     = "model_changed"
	TypeTurnStarted      = "turn_started"
	TypeTurnEnded        = "turn_ended"
	TypeContentDelta     = "content_delta"
	TypePhase            = "phase"
	TypeStuck            = "stuck"
	TypeError            = "error"
	TypeOrgState         = "org_state"
	TypeDirectoryListing = "directory_listing"
	TypeAck              = "ack"
	TypePong             = "pong"
)

// DirEntry is one entry in a directory listing.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// GroupRequest describes a group to form via the bridge.
type GroupRequest struct {
	Name         string   `json:"name"`
	RepoDir      string   `json:"repo_dir,omitempty"`
	Strategy     string   `json:"strategy,omitempty"`
	Orchestrator string   `json:"orchestrator"`
	Workers      []string `json:"workers,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// Message is the single JSON envelope for both directions. The type field
// discriminates; unused fields stay empty. Unknown fields on the wire are
// ignored by encoding/json, which keeps old clients and servers compatible.
type Message struct {
	Type string `json:"type"`

	// Command correlation: echoed back on ack/error replies.
	ID int64 `json:"id,omitempty"`

	Session string `json:"session,omitempty"`
	NewName string `json:"new_name,omitempty"`
	Model   string `json:"model,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
	Text    string `json:"text,omitempty"`
	Phase   string `json:"phase,omitempty"`
	Path    string `json:"path,omitempty"`
	Pinned  bool   `json:"pinned,omitempty"`
	GroupID string `json:"group_id,omitempty"`

	Group *GroupRequest `json:"group,omitempty"`

	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`

	Sessions  []session.Snapshot               `json:"sessions,omitempty"`
	OrgState  *org.State                       `json:"org_state,omitempty"`
	Histories map[string][]session.ChatMessage `json:"histories,omitempty"`
	Chat      *session.ChatMessage             `json:"chat,omitempty"`
	Snapshot  *session.Snapshot                `json:"snapshot,omitempty"`
	Entries   []DirEntry                       `json:"entries,omitempty"`

	Time time.Time `json:"time,omitempty"`
}
