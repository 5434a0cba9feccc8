package service

import (
	"strings"

	"chat-sync/internal/domain"
)

const (
	titleMaxRunes         = 50
	attachmentOnlyTitle   = "Image conversation"
	titleTruncationSuffix = "..."
)

// DeriveTitle arma el título de una conversación nueva a partir del primer mensaje.
func DeriveTitle(content string, hasAttachments bool) string {
	content = strings.Join(strings.Fields(content), " ")
	if content == "" {
		if hasAttachments {
			return attachmentOnlyTitle
		}
		return domain.DefaultConversationTitle
	}
	runes := []rune(content)
	if len(runes) > titleMaxRunes {
		return string(runes[:titleMaxRunes]) + titleTruncationSuffix
	}
	return content
}
