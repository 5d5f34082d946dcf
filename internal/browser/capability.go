// Package browser defines the capability the core uses to drive the remote
// web client, and the concrete rod and docker backed implementations of it.
package browser

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by FindVisible when no strategy for a role matches
// a visible element.
var ErrNotFound = errors.New("element not found")

// Role names a part of the remote UI by what it is for, not how it is found.
type Role string

const (
	RoleConversationList Role = "conversation_list"
	RoleChallenge        Role = "challenge"
	RoleChallengeRefresh Role = "challenge_refresh"
	RoleComposeBox       Role = "compose_box"
)

// Script names a piece of page-side logic the driver knows how to run.
type Script string

const (
	ScriptStripAutomation     Script = "strip_automation"
	ScriptReadyState          Script = "ready_state"
	ScriptScrollConversations Script = "scroll_conversations"
	ScriptListConversations   Script = "list_conversations"
	ScriptOpenConversation    Script = "open_conversation"
)

// Element is an opaque handle returned by FindVisible. Only the Capability
// that produced it can act on it.
type Element interface{}

// Capability is everything the core needs from a browser page. It is not safe
// for concurrent interaction; callers serialize access.
type Capability interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	PageReady(ctx context.Context) (bool, error)

	FindVisible(ctx context.Context, role Role) (Element, error)
	Click(ctx context.Context, el Element) error
	TypeText(ctx context.Context, el Element, text string) error
	Submit(ctx context.Context, el Element) error

	Screenshot(ctx context.Context) ([]byte, error)
	PageSource(ctx context.Context) (string, error)
	ExecuteScript(ctx context.Context, script Script, args ...any) (json.RawMessage, error)

	Close() error
}

// Debuggable is implemented by capabilities that expose a DevTools endpoint.
type Debuggable interface {
	ControlURL() string
}

// LaunchOptions configures a new browser.
type LaunchOptions struct {
	SessionID   string
	Headless    bool
	UserDataDir string
}

// Launcher creates a fresh Capability. Launch must release everything it
// allocated when it returns an error.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Capability, error)
}
