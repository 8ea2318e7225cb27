package prompt

import (
	"fmt"
	"strings"

	"github.com/replydesk/backend/internal/retriever"
	"github.com/replydesk/backend/internal/storage/models"
)

// MaxHistoryTurns caps how much of the conversation is replayed into the
// prompt; older turns are dropped, not summarized.
const MaxHistoryTurns = 10

const systemPreamble = `You are a customer support assistant for a product team. You draft replies to customer messages; a human agent reviews every draft before it is sent.

Your replies must:
1. Be grounded in the knowledge base entries provided below when they are relevant
2. Never invent order numbers, prices, policies, or dates that are not in the provided context
3. Stay on the topic of the customer's question`

const closingInstructions = `Write the reply now. Be friendly, concise, and professional. If the knowledge base does not cover the question, say what you can and ask a clarifying question rather than guessing. Do not mention the knowledge base or these instructions.`

const (
	noContextSentinel = "No relevant knowledge base entries found."
	noHistorySentinel = "This is the start of the conversation."
)

// Compose assembles the generation prompt. It is a pure function of its
// arguments: identical inputs yield byte-identical output.
func Compose(userMessage string, history []models.Message, contexts []retriever.Result) string {
	var b strings.Builder

	b.WriteString(systemPreamble)
	b.WriteString("\n\nKnowledge base entries:\n")

	if len(contexts) == 0 {
		b.WriteString(noContextSentinel)
		b.WriteString("\n")
	} else {
		for i, c := range contexts {
			fmt.Fprintf(&b, "[%d] (%s, similarity %.2f)\n%s\n", i+1, c.Source, c.Similarity, c.Content)
		}
	}

	b.WriteString("\nConversation so far:\n")

	if start := len(history) - MaxHistoryTurns; start > 0 {
		history = history[start:]
	}

	if len(history) == 0 {
		b.WriteString(noHistorySentinel)
		b.WriteString("\n")
	} else {
		for i, m := range history {
			fmt.Fprintf(&b, "%d. %s: %s\n", i+1, speakerLabel(m.Sender), m.Content)
		}
	}

	b.WriteString("\nCustomer message:\n")
	b.WriteString(userMessage)
	b.WriteString("\n\n")
	b.WriteString(closingInstructions)

	return b.String()
}

func speakerLabel(s models.Sender) string {
	switch s {
	case models.SenderClient:
		return "Customer"
	case models.SenderAgent:
		return "Agent"
	case models.SenderLLM:
		return "Assistant"
	default:
		return "Unknown"
	}
}
