package gregbot

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

// typingInterval is how often the typing indicator is refreshed while a
// completion is pending. Discord clears it after ~10 seconds.
const typingInterval = 8 * time.Second

// DispatchState is where a message ended up in the dispatcher
type DispatchState int

const (
	StateReceived DispatchState = iota
	StateFiltered
	StateSkipped
	StateCommandRouted
	StateTriggered
	StateDispatched
	StateReplied
	StateFailed
)

func (s DispatchState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateFiltered:
		return "filtered"
	case StateSkipped:
		return "skipped"
	case StateCommandRouted:
		return "command_routed"
	case StateTriggered:
		return "triggered"
	case StateDispatched:
		return "dispatched"
	case StateReplied:
		return "replied"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CommandHandler handles messages starting with the guild's prefix
type CommandHandler interface {
	HandleCommand(ctx context.Context, m InboundMessage, cfg GuildConfig)
}

// ResponseDispatcher decides whether a guild message gets a reply, and
// if it does, builds the transcript, requests a completion and
// delivers the result.
type ResponseDispatcher struct {
	store     *ConfigStore
	gateway   Gateway
	completer Completer
	commands  CommandHandler
	fallback  string
	logger    *slog.Logger
	metrics   *metrics

	// draw returns a number in [0, 1), compared against the guild's
	// response chance
	draw func() float64
}

func NewResponseDispatcher(
	store *ConfigStore,
	gateway Gateway,
	completer Completer,
	fallbackMessage string,
	logger *slog.Logger,
) *ResponseDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if fallbackMessage == "" {
		fallbackMessage = DefaultFallbackMessage
	}
	return &ResponseDispatcher{
		store:     store,
		gateway:   gateway,
		completer: completer,
		fallback:  fallbackMessage,
		logger:    logger.With(loggerNameKey, "dispatcher"),
		draw:      rand.Float64,
	}
}

// SetCommandHandler sets the handler for prefixed messages. Without one,
// prefixed messages are dropped.
func (d *ResponseDispatcher) SetCommandHandler(h CommandHandler) {
	d.commands = h
}

// HandleMessage runs a single inbound message through the dispatcher,
// returning the state it finished in
func (d *ResponseDispatcher) HandleMessage(ctx context.Context, m InboundMessage) (DispatchState, error) {
	logger := d.logger.With("event_id", uuid.NewString(), "message", m)
	ctx = WithLogger(ctx, logger)

	state, err := d.handleMessage(ctx, m)
	d.metrics.messageOutcome(state)
	switch {
	case err != nil && !isProviderError(err):
		logger.ErrorContext(ctx, "message handling failed", "state", state, tint.Err(err))
	default:
		logger.DebugContext(ctx, "message handled", "state", state)
	}
	return state, err
}

func (d *ResponseDispatcher) handleMessage(ctx context.Context, m InboundMessage) (DispatchState, error) {
	selfID := d.gateway.SelfID()
	if m.GuildID == "" || m.Author.Bot || m.Author.ID == selfID {
		return StateSkipped, nil
	}

	cfg, err := d.store.Get(ctx, m.GuildID)
	if err != nil {
		return StateFailed, err
	}

	if strings.HasPrefix(m.Content, cfg.Prefix) {
		if d.commands != nil {
			d.commands.HandleCommand(ctx, m, cfg)
		}
		return StateCommandRouted, nil
	}

	if !d.shouldTrigger(ctx, m, cfg, selfID) {
		return StateSkipped, nil
	}

	stopTyping := d.startTyping(ctx, m.ChannelID)
	defer stopTyping()

	history, err := d.gateway.FetchHistory(ctx, m.GuildID, m.ChannelID, cfg.ChannelMessageBuffer)
	if err != nil {
		logger := contextLoggerOr(ctx, d.logger)
		logger.WarnContext(ctx, "unable to fetch history, using the triggering message only", tint.Err(err))
		history = []PriorMessage{
			{
				ID:          m.ID,
				AuthorID:    m.Author.ID,
				AuthorName:  m.Author.DisplayName,
				Content:     m.Content,
				ReferenceID: m.ReferenceID,
			},
		}
	}
	history = ResolveReferences(ctx, d.gateway, m.ChannelID, ReverseHistory(history))
	transcript := BuildTranscript(history, cfg.SystemPrompt, selfID, cfg.Model, cfg.NameModels)

	text, err := d.complete(ctx, cfg, transcript)
	return d.deliver(ctx, m, text, err)
}

// shouldTrigger reports whether m warrants a reply. The message must be
// in a conversation channel from a user the bot converses with, and
// then either win the response chance draw, contain the bot's display
// name, or mention the bot.
func (d *ResponseDispatcher) shouldTrigger(
	ctx context.Context,
	m InboundMessage,
	cfg GuildConfig,
	selfID string,
) bool {
	if !slices.Contains(cfg.ConversationChannels, m.ChannelID) {
		return false
	}
	if !CanConverse(m.Author.ID, cfg) {
		return false
	}
	if d.draw() < cfg.ResponseChance {
		return true
	}
	if m.Mentioned(selfID) {
		return true
	}
	if selfID == "" {
		return false
	}
	name, err := d.gateway.DisplayName(ctx, m.GuildID, selfID)
	if err != nil {
		logger := contextLoggerOr(ctx, d.logger)
		logger.WarnContext(ctx, "unable to get bot display name", tint.Err(err))
		return false
	}
	return name != "" && strings.Contains(strings.ToLower(m.Content), strings.ToLower(name))
}

// Respond requests a completion for a single prompt, rather than the
// channel's history, and returns the text to send. Mentions in prompt
// are replaced with display names first. If the completion fails, the
// fallback message is returned along with the error.
func (d *ResponseDispatcher) Respond(
	ctx context.Context,
	m InboundMessage,
	cfg GuildConfig,
	prompt string,
) (string, error) {
	prompt = replaceMentions(
		prompt, func(userID string) (string, bool) {
			if name, ok := m.Mentions[userID]; ok && name != "" {
				return name, true
			}
			name, err := d.gateway.DisplayName(ctx, m.GuildID, userID)
			return name, err == nil && name != ""
		},
	)
	transcript := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: cfg.SystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}

	stopTyping := d.startTyping(ctx, m.ChannelID)
	defer stopTyping()

	text, err := d.complete(ctx, cfg, transcript)
	if err != nil {
		return d.fallback, err
	}
	return truncate(text, discordMaxMessageLength), nil
}

func (d *ResponseDispatcher) complete(
	ctx context.Context,
	cfg GuildConfig,
	transcript []openai.ChatCompletionMessage,
) (string, error) {
	started := time.Now()
	text, err := d.completer.Complete(
		ctx, CompletionRequest{
			Model:           cfg.Model,
			Messages:        transcript,
			Temperature:     cfg.Temperature,
			MaxOutputTokens: cfg.MaxOutputTokens,
		},
	)
	result := "ok"
	if err != nil {
		result = "error"
	} else if text, err = checkCompletionText(text); err != nil {
		result = "unusable"
	}
	d.metrics.completion(result, time.Since(started))
	return text, err
}

// deliver replies to m with the completion, or with the fallback message
// if the completion failed. Nothing is sent once ctx is done.
func (d *ResponseDispatcher) deliver(
	ctx context.Context,
	m InboundMessage,
	text string,
	completionErr error,
) (DispatchState, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return StateFailed, ctxErr
	}

	logger := contextLoggerOr(ctx, d.logger)
	reply := truncate(text, discordMaxMessageLength)
	state := StateReplied
	if completionErr != nil {
		if !isProviderError(completionErr) {
			completionErr = errors.Join(ErrProviderError, completionErr)
		}
		logger.ErrorContext(ctx, "completion failed, sending fallback", tint.Err(completionErr))
		reply = d.fallback
		state = StateFailed
	}

	if err := d.gateway.Reply(ctx, m, reply); err != nil {
		return StateFailed, errors.Join(completionErr, err)
	}
	d.metrics.replySent()
	if state == StateReplied {
		logger.InfoContext(ctx, "replied", "length", len([]rune(reply)))
		return state, nil
	}
	return state, completionErr
}

// startTyping shows the typing indicator in the channel until the
// returned func is called or ctx is done
func (d *ResponseDispatcher) startTyping(ctx context.Context, channelID string) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := d.gateway.Typing(ctx, channelID); err != nil && ctx.Err() == nil {
				logger := contextLoggerOr(ctx, d.logger)
				logger.DebugContext(ctx, "unable to send typing indicator", tint.Err(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
