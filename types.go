package teamhub

import "time"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the TeamHub API.
type APIError struct {
	Code    string `json:"errorCode,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ChatType identifies the kind of conversation a message belongs to.
type ChatType string

const (
	ChatWorkspace ChatType = "workspace"
	ChatProject   ChatType = "project"
	ChatDirect    ChatType = "direct"
)

// Valid reports whether the chat type is one of the known kinds.
func (t ChatType) Valid() bool {
	switch t {
	case ChatWorkspace, ChatProject, ChatDirect:
		return true
	}
	return false
}

// MessageType identifies the content kind of a message.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// TombstoneContent is shown in place of a deleted message's content.
const TombstoneContent = "This message was deleted"

// ============================================================================
// Chat Domain Types
// ============================================================================

// Sender is the author snapshot embedded in a message.
type Sender struct {
	ID             string `json:"_id"`
	Name           string `json:"name"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// Reaction is a single user's emoji reaction to a message.
type Reaction struct {
	User  string `json:"user"`
	Emoji string `json:"emoji"`
}

// Message is a chat message as delivered by the backend, over either the
// real-time channel or the REST history endpoints.
type Message struct {
	ID           string      `json:"_id"`
	Content      string      `json:"content"`
	ChatType     ChatType    `json:"chatType"`
	Sender       Sender      `json:"sender"`
	Workspace    string      `json:"workspace,omitempty"`
	Project      string      `json:"project,omitempty"`
	Participants []string    `json:"participants,omitempty"`
	MessageType  MessageType `json:"messageType"`
	ReplyTo      *Message    `json:"replyTo,omitempty"`
	IsEdited     bool        `json:"isEdited"`
	IsDeleted    bool        `json:"isDeleted"`
	Reactions    []Reaction  `json:"reactions,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
	EditedAt     *time.Time  `json:"editedAt,omitempty"`
}

// DisplayContent returns the content that should be rendered for the
// message. Deleted messages keep their original content in the log but
// render as a tombstone.
func (m *Message) DisplayContent() string {
	if m.IsDeleted {
		return TombstoneContent
	}
	return m.Content
}

// ReactionsByEmoji groups the reaction list into emoji -> reacting users.
// A user appears at most once per emoji.
func (m *Message) ReactionsByEmoji() map[string][]string {
	if len(m.Reactions) == 0 {
		return nil
	}
	grouped := make(map[string][]string)
	for _, r := range m.Reactions {
		seen := false
		for _, u := range grouped[r.Emoji] {
			if u == r.User {
				seen = true
				break
			}
		}
		if !seen {
			grouped[r.Emoji] = append(grouped[r.Emoji], r.User)
		}
	}
	return grouped
}

// OnlineUser is an entry in a workspace presence roster.
type OnlineUser struct {
	ID             string     `json:"_id"`
	Name           string     `json:"name"`
	ProfilePicture string     `json:"profilePicture,omitempty"`
	IsOnline       bool       `json:"isOnline"`
	LastSeen       *time.Time `json:"lastSeen,omitempty"`
}

// Member is an entry in a workspace member roster, used for starting
// direct conversations.
type Member struct {
	ID             string `json:"_id"`
	Name           string `json:"name"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// TypingUser identifies a user currently typing in a room.
type TypingUser struct {
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// ============================================================================
// REST Request/Response Types
// ============================================================================

// HistoryOptions configures a paginated history fetch. Before is the id of
// the oldest currently-loaded message; when set, only older messages are
// returned.
type HistoryOptions struct {
	Limit  int
	Skip   int
	Before string
}

// HistoryPage is one page of message history, oldest first.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// SendOptions is the body of a message send, over either delivery path.
type SendOptions struct {
	Content     string      `json:"content"`
	MessageType MessageType `json:"messageType,omitempty"`
	ReplyTo     string      `json:"replyTo,omitempty"`
}

type sendResponse struct {
	Data Message `json:"data"`
}

type onlineUsersResponse struct {
	Users []OnlineUser `json:"users"`
}

type membersResponse struct {
	Members []Member `json:"members"`
}

// MarkNotificationsReadOptions selects the notifications to mark as read.
type MarkNotificationsReadOptions struct {
	NotificationIDs []string `json:"notificationIds"`
}
