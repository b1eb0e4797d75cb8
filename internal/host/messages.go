package host

import (
	"github.com/ari/wisp/internal/session"
	"github.com/ari/wisp/internal/tracker"
)

// Message types sent by the extension.
const (
	TypeActivated     = "activated"
	TypeNavigated     = "navigated"
	TypeFocusChanged  = "focusChanged"
	TypeClosed        = "closed"
	TypeSuspending    = "suspending"
	TypeLogin         = "login"
	TypeLogout        = "logout"
	TypeUpdateTask    = "updateTask"
	TypeManualSync    = "manualSync"
	TypePageFocus     = "pageFocus"
	TypePageBlur      = "pageBlur"
	TypeGetScreenTime = "getScreenTime"
	TypeGetSnapshot   = "getSnapshot"
)

// windowNone is the browser's id for "no window has focus".
const windowNone = -1

// Tab is a browser tab as reported by the extension.
type Tab struct {
	ID       int    `json:"id"`
	WindowID int    `json:"windowId"`
	URL      string `json:"url"`
	Title    string `json:"title"`
	Active   bool   `json:"active,omitempty"`
}

func (t Tab) target() tracker.Target {
	return tracker.Target{ID: t.ID, WindowID: t.WindowID, URL: t.URL, Title: t.Title}
}

// Message is one frame from the extension.
type Message struct {
	Type      string        `json:"type"`
	RequestID string        `json:"requestId,omitempty"`
	TabID     int           `json:"tabId,omitempty"`
	WindowID  *int          `json:"windowId,omitempty"`
	Tab       *Tab          `json:"tab,omitempty"`
	User      *session.User `json:"user,omitempty"`
	Task      string        `json:"task,omitempty"`
}

// Response answers a request-type message.
type Response struct {
	Type       string           `json:"type"`
	RequestID  string           `json:"requestId,omitempty"`
	Success    bool             `json:"success"`
	Message    string           `json:"message,omitempty"`
	Error      string           `json:"error,omitempty"`
	ScreenTime *int64           `json:"screenTime,omitempty"`
	Snapshot   map[string]int64 `json:"snapshot,omitempty"`
}

// BlockSite tells the extension to overlay a distracting page.
type BlockSite struct {
	Action     string  `json:"action"`
	TabID      int     `json:"tabId"`
	URL        string  `json:"url"`
	Reason     string  `json:"reason,omitempty"`
	Confidence float64 `json:"confidence"`
}

// PageReport hands the extension the seconds a page was visible since its
// last report. It is pushed when the page loses visibility or is replaced
// by a navigation.
type PageReport struct {
	Action     string `json:"action"`
	TabID      int    `json:"tabId"`
	ScreenTime int64  `json:"screenTime"`
}
