package teamhub

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidRoomSpec is returned when a room id is requested with the
// required context fields for its chat type missing.
var ErrInvalidRoomSpec = errors.New("invalid room spec")

// RoomContext carries the identifiers a room id is derived from. Which
// fields are required depends on the chat type.
type RoomContext struct {
	Workspace     string
	Project       string
	OtherUserID   string
	CurrentUserID string
}

// RoomID derives the canonical room id for a chat context.
//
// Direct rooms sort the two participant ids lexicographically so that both
// ends compute the same id without a server round-trip. This is the single
// room-naming function; the transport's join and leave paths both use it.
func RoomID(chatType ChatType, ctx RoomContext) (string, error) {
	switch chatType {
	case ChatWorkspace:
		if ctx.Workspace == "" {
			return "", fmt.Errorf("%w: workspace id required for workspace chat", ErrInvalidRoomSpec)
		}
		return "workspace:" + ctx.Workspace, nil
	case ChatProject:
		if ctx.Project == "" {
			return "", fmt.Errorf("%w: project id required for project chat", ErrInvalidRoomSpec)
		}
		return "project:" + ctx.Project, nil
	case ChatDirect:
		if ctx.OtherUserID == "" || ctx.CurrentUserID == "" {
			return "", fmt.Errorf("%w: both user ids required for direct chat", ErrInvalidRoomSpec)
		}
		return DirectRoomID([]string{ctx.CurrentUserID, ctx.OtherUserID}), nil
	default:
		return "", fmt.Errorf("%w: unknown chat type %q", ErrInvalidRoomSpec, chatType)
	}
}

// DirectRoomID derives the canonical room id from a direct message's
// participant list. Used for inbound messages, where the participants are
// already known and the room may not exist locally yet.
func DirectRoomID(participants []string) string {
	sorted := append([]string(nil), participants...)
	sort.Strings(sorted)
	return "direct:" + strings.Join(sorted, ":")
}
