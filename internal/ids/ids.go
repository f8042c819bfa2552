// Package ids validates workspace identifiers and derives container names.
//
// Workspace ids are server-generated UUIDs. Every user-supplied id must pass
// Validate before it reaches the store, the filesystem, or the container name
// layer; this is one of the two gatekeepers of tenant isolation (the other is
// pathsafe).
package ids

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/cloudide/cloudide/internal/apierr"
)

// ContainerNamePrefix is prepended to the sanitised workspace id to form the
// canonical container name.
const ContainerNamePrefix = "cloudide-ws-"

// uuidShape matches the UUID-v4 shape: 8-4-4-4-12 lowercase or uppercase hex
// with version nibble 4 and variant nibble in [89ab].
var uuidShape = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// containerNameUnsafe matches any character docker does not accept in names.
var containerNameUnsafe = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// NewWorkspaceID generates a fresh workspace id.
func NewWorkspaceID() string {
	return uuid.NewString()
}

// Validate checks that id is a UUID-v4-shaped string. It returns an error for
// every other input, before any storage or filesystem lookup happens.
func Validate(id string) error {
	if !uuidShape.MatchString(id) {
		return apierr.New(apierr.KindInvalidID, "invalid workspace id %q", truncateForError(id))
	}
	return nil
}

// ContainerName derives the canonical container name for a workspace.
// Characters outside [A-Za-z0-9_.-] are replaced with '-'.
func ContainerName(workspaceID string) string {
	return ContainerNamePrefix + containerNameUnsafe.ReplaceAllString(workspaceID, "-")
}

// truncateForError keeps error messages bounded when handed hostile input.
func truncateForError(s string) string {
	s = strings.ToValidUTF8(s, "?")
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
