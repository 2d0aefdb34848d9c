package privacy

import (
	"strings"

	"deaddrop/internal/constants"
)

// MaskIdentity masks a peer identity string, showing only the trailing
// characters. Identities are short hex codes, so the tail is enough to
// correlate log lines without exposing the full id.
// Example: "A1B2C3" -> "**B2C3"
func MaskIdentity(id string) string {
	return maskString(id, constants.DefaultIdentityMaskLength)
}

// MaskMessageID masks a message id while keeping enough of the tail to
// follow a single message through the logs.
func MaskMessageID(messageID string) string {
	return maskString(messageID, constants.DefaultMessageIDLength)
}

// maskString masks a string showing only the last n characters.
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}
	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}
