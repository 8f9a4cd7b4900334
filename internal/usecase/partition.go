package usecase

import (
	"strings"
	"unicode/utf8"

	"conversation-orchestrator/internal/domain"
)

const defaultNameLength = 50

func isAnonymous(principalID string) bool {
	principalID = strings.TrimSpace(principalID)
	return principalID == "" || principalID == domain.AnonymousPrincipal
}

// partitionKey derives the stored principal_id for a conversation. Anonymous
// conversations each get their own synthetic partition so they never pile up
// under one hot "anonymous" key.
func partitionKey(principalID, conversationID string) string {
	if isAnonymous(principalID) {
		return domain.AnonymousPrincipal + "-" + conversationID
	}
	return strings.TrimSpace(principalID)
}

// defaultName is the first defaultNameLength characters of the question.
func defaultName(question string) string {
	if utf8.RuneCountInString(question) <= defaultNameLength {
		return question
	}
	return string([]rune(question)[:defaultNameLength])
}
