// Package tokens approximates token counts without a tokenizer.
package tokens

import (
	"unicode/utf8"

	"modelgate/internal/models"
)

// CharsPerToken is the number of runes counted as one token.
const CharsPerToken = 4

const (
	messageOverhead   = 4
	nonTextPartCost   = 85
	conversationPrime = 3
)

// Text estimates the token count of a plain string.
func Text(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + CharsPerToken - 1) / CharsPerToken
}

// Message estimates a single message including role framing and a fixed cost
// for every non-text part.
func Message(m models.Message) int {
	return messageOverhead + Text(m.Role) + Text(m.Text()) + m.NonTextParts()*nonTextPartCost
}

// Messages estimates a whole conversation.
func Messages(msgs []models.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	total := conversationPrime
	for _, m := range msgs {
		total += Message(m)
	}
	return total
}
