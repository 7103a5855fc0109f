package gregbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

// maxNameLength is the longest 'name' value the chat completions API accepts
const maxNameLength = 64

// PriorMessage is a message from channel history, as used to build a
// transcript
type PriorMessage struct {
	ID         string
	AuthorID   string
	AuthorName string
	Content    string

	// ReferenceID is the ID of the message this one replies to, if any
	ReferenceID string

	// Referenced is the replied-to message. It's nil when the message
	// isn't a reply, or when the reference couldn't be resolved.
	Referenced *PriorMessage
}

func (m PriorMessage) isReply() bool {
	return m.ReferenceID != ""
}

// ReferenceResolver fetches a single message by ID. Implementations
// return ErrReferenceUnresolvable when the message is gone or can't
// be read.
type ReferenceResolver interface {
	FetchMessage(ctx context.Context, channelID string, messageID string) (PriorMessage, error)
}

// attribution is how a message's author is conveyed to the model
type attribution int

const (
	// attributionInline prefixes the content with "{author}: "
	attributionInline attribution = iota

	// attributionNameField leaves the content as-is, the author goes
	// in the message's name field
	attributionNameField

	// attributionReplyQuote quotes the replied-to message ahead of
	// "{author}: {content}"
	attributionReplyQuote

	// attributionRaw leaves the content as-is, for a reply whose
	// replied-to message couldn't be resolved
	attributionRaw
)

func (a attribution) String() string {
	switch a {
	case attributionInline:
		return "inline"
	case attributionNameField:
		return "name_field"
	case attributionReplyQuote:
		return "reply_quote"
	case attributionRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// attributionFor picks the formatting for a single message. A resolved
// reply is always quoted. Replies never get the inline author prefix, so
// an unresolved reply is sent as raw content.
func attributionFor(m PriorMessage, nameModel bool) attribution {
	switch {
	case m.isReply() && m.Referenced != nil:
		return attributionReplyQuote
	case nameModel:
		return attributionNameField
	case m.isReply():
		return attributionRaw
	default:
		return attributionInline
	}
}

func formatContent(m PriorMessage, a attribution) string {
	switch a {
	case attributionReplyQuote:
		return fmt.Sprintf(
			"(In reply to %s: \"%s\")\n%s: %s",
			m.Referenced.AuthorName,
			m.Referenced.Content,
			m.AuthorName,
			m.Content,
		)
	case attributionNameField, attributionRaw:
		return m.Content
	default:
		return fmt.Sprintf("%s: %s", m.AuthorName, m.Content)
	}
}

// ReverseHistory returns a copy of history in the opposite order. Discord
// returns history newest-first, transcripts are built oldest-first.
func ReverseHistory(history []PriorMessage) []PriorMessage {
	rv := slices.Clone(history)
	slices.Reverse(rv)
	return rv
}

// ResolveReferences fills in Referenced for each reply in history which
// doesn't already have it. A reference that can't be resolved is logged
// and left nil, so that message is formatted as a plain message.
func ResolveReferences(
	ctx context.Context,
	resolver ReferenceResolver,
	channelID string,
	history []PriorMessage,
) []PriorMessage {
	logger := contextLoggerOr(ctx, slog.Default())
	rv := slices.Clone(history)
	for i, m := range rv {
		if !m.isReply() || m.Referenced != nil {
			continue
		}
		ref, err := resolver.FetchMessage(ctx, channelID, m.ReferenceID)
		if err != nil {
			lvl := slog.LevelWarn
			if errors.Is(err, ErrReferenceUnresolvable) {
				lvl = slog.LevelDebug
			}
			logger.Log(
				ctx, lvl, "unable to resolve replied-to message",
				"message_id", m.ID,
				"reference_id", m.ReferenceID,
				tint.Err(err),
			)
			continue
		}
		rv[i].Referenced = &ref
	}
	return rv
}

// BuildTranscript assembles the messages sent for a completion: a system
// message with systemPrompt, followed by history (oldest first). Messages
// authored by selfID get the assistant role. When model is in nameModels,
// each message's author is also sent in the name field.
func BuildTranscript(
	history []PriorMessage,
	systemPrompt string,
	selfID string,
	model string,
	nameModels []string,
) []openai.ChatCompletionMessage {
	nameModel := slices.Contains(nameModels, model)

	transcript := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	transcript = append(
		transcript, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		},
	)

	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.AuthorID == selfID {
			role = openai.ChatMessageRoleAssistant
		}
		entry := openai.ChatCompletionMessage{
			Role:    role,
			Content: formatContent(m, attributionFor(m, nameModel)),
		}
		if nameModel {
			entry.Name = sanitizeName(m.AuthorName)
		}
		transcript = append(transcript, entry)
	}
	return transcript
}

// sanitizeName maps a display name onto the characters allowed in a chat
// message's name field, [A-Za-z0-9_-]{1,64}. Disallowed characters become
// underscores.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if b.Len() >= maxNameLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "user"
	}
	return b.String()
}
