package protocol

// Event names carried in the wire envelope. Client-originated events are
// verbs, server-originated events name the state that changed.
const (
	// client -> server
	EvSendMessage    = "sendMessage"
	EvEditMessage    = "editMessage"
	EvDeleteMessage  = "deleteMessage"
	EvToggleReaction = "toggleReaction"
	EvReplyToMessage = "replyToMessage"

	// server -> client
	EvMessage      = "message"
	EvReaction     = "reaction"
	EvReplyCreated = "replyCreated"
	EvOnlineUsers  = "onlineUsers"
	EvRateLimit    = "rateLimit"
	EvError        = "error"
)

// clientEvents is the set of event names a connected client may submit.
var clientEvents = map[string]bool{
	EvSendMessage:    true,
	EvEditMessage:    true,
	EvDeleteMessage:  true,
	EvToggleReaction: true,
	EvReplyToMessage: true,
}

// KnownClientEvent reports whether name is an event clients are allowed
// to send. Anything else on the inbound path is rejected before it
// reaches the pipeline.
func KnownClientEvent(name string) bool { return clientEvents[name] }

// SendMessage is the payload of an EvSendMessage submission. The
// correlation id is minted by the sender and echoed back on the
// canonical broadcast so optimistic local copies can be reconciled.
type SendMessage struct {
	Text          string `json:"text"`
	CorrelationID string `json:"correlationId"`
	ParentID      string `json:"parentId,omitempty"`
}

// EditMessage is the payload of an EvEditMessage submission.
type EditMessage struct {
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
}

// ToggleReaction is the payload of an EvToggleReaction submission.
type ToggleReaction struct {
	MessageID string `json:"messageId"`
	Reaction  string `json:"reaction"`
}

// ReplyToMessage is the payload of an EvReplyToMessage submission.
type ReplyToMessage struct {
	ParentID      string `json:"parentId"`
	Text          string `json:"text"`
	CorrelationID string `json:"correlationId"`
}

// ReactionState is broadcast after a toggle: the full reaction map of
// the affected message, not a delta, so receivers can overwrite rather
// than merge.
type ReactionState struct {
	ID        string              `json:"id"`
	Reactions map[string][]string `json:"reactions"`
}

// RateLimitNotice tells the offending sender which event kind was
// throttled and how long to back off. It is advisory; the connection
// stays open.
type RateLimitNotice struct {
	EventType  string `json:"eventType"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"` // whole seconds
}

// ErrorNotice is the generic server -> client failure event for
// validation and pipeline rejections.
type ErrorNotice struct {
	Message string `json:"message"`
}
