// Package chunking splits oversized conversations into sequential,
// context-preserving sub-requests and trims oversized streaming requests.
package chunking

import (
	"fmt"

	"modelgate/internal/models"
	"modelgate/internal/tokens"
)

// MessageChunk is a contiguous slice of the original conversation plus the
// context carried in from the previous chunk.
type MessageChunk struct {
	Messages       []models.Message
	CarriedContext []models.Message
}

// Split greedily packs messages into chunks of at most maxTokens estimated
// tokens. Each chunk after the first carries the system message and the
// trailing overlap messages of the previous chunk. Concatenating every
// chunk's Messages yields the input unchanged.
func Split(msgs []models.Message, maxTokens, overlap int) []MessageChunk {
	if len(msgs) == 0 {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}

	sysIdx := -1
	for i, m := range msgs {
		if m.Role == models.RoleSystem {
			sysIdx = i
			break
		}
	}

	var (
		chunks    []MessageChunk
		cur       MessageChunk
		curTokens int
		hasBody   bool
	)
	for i, m := range msgs {
		cost := tokens.Message(m)
		if hasBody && curTokens+cost > maxTokens {
			chunks = append(chunks, cur)

			var carried []models.Message
			if sysIdx >= 0 && sysIdx < i {
				carried = append(carried, msgs[sysIdx])
			}
			carried = append(carried, trailing(cur.Messages, overlap)...)

			cur = MessageChunk{CarriedContext: carried}
			curTokens = tokens.Messages(carried)
			hasBody = false
		}
		cur.Messages = append(cur.Messages, m)
		curTokens += cost
		if i != sysIdx {
			hasBody = true
		}
	}
	if len(cur.Messages) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// trailing returns the last n non-system messages of msgs.
func trailing(msgs []models.Message, n int) []models.Message {
	if n == 0 {
		return nil
	}
	out := make([]models.Message, 0, n)
	for i := len(msgs) - 1; i >= 0 && len(out) < n; i-- {
		if msgs[i].Role == models.RoleSystem {
			continue
		}
		out = append(out, msgs[i])
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

// Reduce keeps the system message and the most recent messages that fit in
// budget estimated tokens, then inserts a notice after the system message
// naming how many messages were dropped. The newest message is always kept.
// It returns msgs unchanged when everything fits.
func Reduce(msgs []models.Message, budget int) ([]models.Message, int) {
	if tokens.Messages(msgs) <= budget || len(msgs) == 0 {
		return msgs, 0
	}

	var system *models.Message
	rest := make([]models.Message, 0, len(msgs))
	for i := range msgs {
		if system == nil && msgs[i].Role == models.RoleSystem {
			system = &msgs[i]
			continue
		}
		rest = append(rest, msgs[i])
	}

	remaining := budget - noticeReserve
	if system != nil {
		remaining -= tokens.Message(*system)
	}

	keepFrom := len(rest)
	used := 0
	for i := len(rest) - 1; i >= 0; i-- {
		cost := tokens.Message(rest[i])
		if keepFrom < len(rest) && used+cost > remaining {
			break
		}
		used += cost
		keepFrom = i
	}
	dropped := keepFrom

	out := make([]models.Message, 0, len(rest)-keepFrom+2)
	if system != nil {
		out = append(out, *system)
	}
	if dropped > 0 {
		out = append(out, models.Message{
			Role:    models.RoleSystem,
			Content: fmt.Sprintf(reductionNotice, dropped),
		})
	}
	out = append(out, rest[keepFrom:]...)
	return out, dropped
}

const (
	noticeReserve   = 200
	reductionNotice = "Note: %d earlier messages were omitted from this conversation to fit the model's context window. Answer using the messages that follow."
)
