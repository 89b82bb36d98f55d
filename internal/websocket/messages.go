package websocket

// Client command types
const (
	CmdSubscribeFeed    = "subscribeFeed"
	CmdSubscribeReplies = "subscribeReplies"
	CmdUnsubscribe      = "unsubscribe"
	CmdSignOut          = "signOut"
)

// Server event types
const (
	EvtFeedSnapshot      = "feedSnapshot"
	EvtRepliesSnapshot   = "repliesSnapshot"
	EvtSubscriptionError = "subscriptionError"
	EvtAuthStateChanged  = "authStateChanged"
	EvtUploadProgress    = "uploadProgress"
	EvtCommandError      = "commandError"
)

// View names
const (
	ViewFeed   = "feed"
	ViewDetail = "detail"
)

// Command is a message from the client.
type Command struct {
	Type   string `json:"type"`
	Sort   string `json:"sort,omitempty"`
	Dir    string `json:"dir,omitempty"`
	Author string `json:"author,omitempty"` // "me" limits the feed to the caller's posts
	PostID string `json:"postId,omitempty"`
	View   string `json:"view,omitempty"`
}

// Event is a message to the client.
type Event struct {
	Type           string `json:"type"`
	View           string `json:"view,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Data           any    `json:"data,omitempty"`
}

type SnapshotData struct {
	Items    any `json:"items"`
	Rejected int `json:"rejected"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type AuthData struct {
	UserID   string `json:"userId"`
	SignedIn bool   `json:"signedIn"`
}

type ProgressData struct {
	Sent  int64 `json:"sent"`
	Total int64 `json:"total"`
}
