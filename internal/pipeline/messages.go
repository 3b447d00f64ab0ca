package pipeline

import (
	"fmt"
	"strings"
	"time"
)

const PendingNotice = "Your pairing request is still pending approval. " +
	"Please wait for the account owner to approve your code."

// PairingMessage is sent to a sender the first time they write, and again
// after their previous code lapsed.
func PairingMessage(code string, expiry time.Duration) string {
	return fmt.Sprintf("Hi! This is an automated assistant.\n\n"+
		"To start chatting, you need approval.\n"+
		"Your pairing code: %s\n\n"+
		"Please share this code with the account owner.\n"+
		"This code expires in %d minutes.", code, int(expiry.Minutes()))
}

// Normalize folds a media indicator into the text the model sees.
func Normalize(content, mediaType string) string {
	mediaType = strings.TrimSpace(mediaType)
	switch {
	case mediaType != "" && content == "":
		return "[Sent a " + mediaType + " message]"
	case mediaType != "":
		return "[Sent a " + mediaType + "] " + content
	default:
		return content
	}
}
