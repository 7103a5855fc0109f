package gregbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// discordHistoryPageLimit is the most messages discord returns for a
// single channel history request
const discordHistoryPageLimit = 100

// Gateway is the bot's view of discord: everything the dispatcher and
// command router need to read from and write to a guild.
type Gateway interface {
	ReferenceResolver

	// FetchHistory returns up to limit of the most recent messages in
	// the guild channel, newest first
	FetchHistory(ctx context.Context, guildID string, channelID string, limit int) ([]PriorMessage, error)

	// Reply sends text as a reply to m
	Reply(ctx context.Context, m InboundMessage, text string) error

	// Send sends text to the channel, not as a reply
	Send(ctx context.Context, channelID string, text string) error

	AddReaction(ctx context.Context, channelID string, messageID string, emoji string) error

	// Typing shows the typing indicator in the channel, which discord
	// clears after ~10 seconds or when a message is sent
	Typing(ctx context.Context, channelID string) error

	// IsAdministrator reports whether the user has the administrator
	// permission in the channel's guild
	IsAdministrator(ctx context.Context, channelID string, userID string) (bool, error)

	// SelfID returns the bot's user ID, or an empty string before the
	// gateway is ready
	SelfID() string

	// DisplayName returns the user's name as shown in the guild
	DisplayName(ctx context.Context, guildID string, userID string) (string, error)
}

// DiscordSessionHandler defines the methods of discordgo.Session used by
// the bot, so the session can be mocked in tests.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// ChannelMessages returns up to limit messages from the channel,
	// newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	// ChannelMessage returns a single message
	ChannelMessage(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with the given options
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	MessageReactionAdd(
		channelID string,
		messageID string,
		emojiID string,
		options ...discordgo.RequestOption,
	) error

	ChannelTyping(channelID string, options ...discordgo.RequestOption) error

	// UserChannelPermissions returns the user's computed permissions
	// in the channel
	UserChannelPermissions(
		userID string,
		channelID string,
		fetchOptions ...discordgo.RequestOption,
	) (int64, error)

	GuildMember(
		guildID string,
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Member, error)

	// StateMember returns the guild member from the session's state
	// cache, without a REST request
	StateMember(guildID string, userID string) (*discordgo.Member, error)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	return d.session.ChannelMessages(channelID, limit, beforeID, afterID, aroundID, options...)
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
			"content", data.Content,
			"reference", data.Reference,
		)
	} else {
		d.logger.Info(
			"sent message",
			"channel_id", channelID,
			"message_id", msg.ID,
			"reference", data.Reference,
		)
	}
	return msg, err
}

func (d DiscordSession) MessageReactionAdd(
	channelID string,
	messageID string,
	emojiID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.MessageReactionAdd(channelID, messageID, emojiID, options...)
}

func (d DiscordSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return d.session.ChannelTyping(channelID, options...)
}

func (d DiscordSession) UserChannelPermissions(
	userID string,
	channelID string,
	fetchOptions ...discordgo.RequestOption,
) (int64, error) {
	return d.session.UserChannelPermissions(userID, channelID, fetchOptions...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) StateMember(guildID string, userID string) (*discordgo.Member, error) {
	if d.session.State == nil {
		return nil, discordgo.ErrStateNotFound
	}
	return d.session.State.Member(guildID, userID)
}

// SetLogLevel modifies the session's log level
func (d DiscordSession) SetLogLevel(lvl slog.Level) {
	d.session.LogLevel = discordgoLogLevel(lvl)
}

// Discord is the discordgo-backed Gateway
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger
	self    atomic.Pointer[discordgo.User]

	connected         atomic.Bool
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
}

func newDiscord(config *DiscordConfig) *Discord {
	return &Discord{
		config: config,
		logger: slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "discord"),
	}
}

// newSession creates the discordgo session, with discordgo's own logs
// sent to a slog handler at the configured level
func (d *Discord) newSession(ctx context.Context, httpClient *http.Client) (DiscordSession, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.Identify.Intents = d.config.GatewayIntents
	disc.StateEnabled = true
	if httpClient != nil {
		disc.Client = httpClient
	}
	session.session = disc

	discordgo.Logger = discordgoLoggerFunc(
		ctx,
		newLogHandler(d.config.DiscordGoLogLevel),
	)
	session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	return session, nil
}

func (d *Discord) SelfID() string {
	if u := d.self.Load(); u != nil {
		return u.ID
	}
	return ""
}

func (d *Discord) FetchHistory(
	ctx context.Context,
	guildID string,
	channelID string,
	limit int,
) ([]PriorMessage, error) {
	limit = min(max(limit, 1), discordHistoryPageLimit)
	msgs, err := d.session.ChannelMessages(
		channelID, limit, "", "", "", discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("error fetching channel history: %w", err)
	}
	history := make([]PriorMessage, 0, len(msgs))
	for _, m := range msgs {
		d.fillMember(guildID, m)
		if m.ReferencedMessage != nil {
			d.fillMember(guildID, m.ReferencedMessage)
		}
		history = append(history, newPriorMessage(m))
	}
	return history, nil
}

// fillMember sets the message's member from the state cache when it's
// missing, which it always is for messages fetched over REST, so author
// names include guild nicknames
func (d *Discord) fillMember(guildID string, m *discordgo.Message) {
	if m.Member != nil || m.Author == nil || guildID == "" {
		return
	}
	member, err := d.session.StateMember(guildID, m.Author.ID)
	if err != nil {
		return
	}
	m.Member = member
}

func (d *Discord) FetchMessage(ctx context.Context, channelID string, messageID string) (PriorMessage, error) {
	m, err := d.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		if isNotFoundOrForbidden(err) {
			return PriorMessage{}, fmt.Errorf("%w: %s: %w", ErrReferenceUnresolvable, messageID, err)
		}
		return PriorMessage{}, err
	}
	return newPriorMessage(m), nil
}

func (d *Discord) Reply(ctx context.Context, m InboundMessage, text string) error {
	_, err := d.session.ChannelMessageSendComplex(
		m.ChannelID,
		&discordgo.MessageSend{
			Content: text,
			Reference: &discordgo.MessageReference{
				MessageID: m.ID,
				ChannelID: m.ChannelID,
				GuildID:   m.GuildID,
			},
			AllowedMentions: replyAllowedMentions(),
		},
		discordgo.WithContext(ctx),
	)
	return err
}

func (d *Discord) Send(ctx context.Context, channelID string, text string) error {
	_, err := d.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content:         text,
			AllowedMentions: replyAllowedMentions(),
		},
		discordgo.WithContext(ctx),
	)
	return err
}

func (d *Discord) AddReaction(ctx context.Context, channelID string, messageID string, emoji string) error {
	return d.session.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx))
}

func (d *Discord) Typing(ctx context.Context, channelID string) error {
	return d.session.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

func (d *Discord) IsAdministrator(ctx context.Context, channelID string, userID string) (bool, error) {
	perms, err := d.session.UserChannelPermissions(userID, channelID, discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("error getting channel permissions: %w", err)
	}
	return perms&discordgo.PermissionAdministrator != 0, nil
}

func (d *Discord) DisplayName(ctx context.Context, guildID string, userID string) (string, error) {
	member, err := d.session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("error getting guild member: %w", err)
	}
	return memberDisplayName(member.User, member), nil
}

func (d *Discord) handlerReady() func(s *discordgo.Session, r *discordgo.Ready) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			d.self.Store(r.User)
		}
		d.logger.Info(
			"ready",
			"session_id", r.SessionID,
			"user_id", d.SelfID(),
			"guilds", len(r.Guilds),
		)
		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Warn("unable to set custom status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerConnect() func(s *discordgo.Session, c *discordgo.Connect) {
	return func(s *discordgo.Session, c *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		d.logger.Info("connected", "connects", d.metricConnects.Load())
	}
}

func (d *Discord) handlerDisconnect() func(s *discordgo.Session, c *discordgo.Disconnect) {
	return func(s *discordgo.Session, c *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Info("disconnected", "disconnects", d.metricDisconnects.Load())
	}
}

// replyAllowedMentions lets replies ping users and the replied-to
// author, but never roles or @everyone
func replyAllowedMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{
		Parse:       []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
		RepliedUser: true,
	}
}

func isNotFoundOrForbidden(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return false
	}
	switch restErr.Response.StatusCode {
	case http.StatusNotFound, http.StatusForbidden:
		return true
	default:
		return false
	}
}

// memberDisplayName returns the guild nickname if set, otherwise the
// user's global display name, otherwise their username
func memberDisplayName(u *discordgo.User, member *discordgo.Member) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if u == nil && member != nil {
		u = member.User
	}
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func newPriorMessage(m *discordgo.Message) PriorMessage {
	pm := PriorMessage{
		ID:         m.ID,
		Content:    m.Content,
		AuthorName: memberDisplayName(m.Author, m.Member),
	}
	if m.Author != nil {
		pm.AuthorID = m.Author.ID
	}
	if m.MessageReference != nil {
		pm.ReferenceID = m.MessageReference.MessageID
	}
	if m.ReferencedMessage != nil {
		if pm.ReferenceID == "" {
			pm.ReferenceID = m.ReferencedMessage.ID
		}
		ref := newPriorMessage(m.ReferencedMessage)
		ref.Referenced = nil
		pm.Referenced = &ref
	}
	return pm
}

// MessageAuthor is the author of an InboundMessage
type MessageAuthor struct {
	ID          string
	DisplayName string
	Bot         bool
}

// InboundMessage is a guild message received from the gateway
type InboundMessage struct {
	ID          string
	GuildID     string
	ChannelID   string
	Author      MessageAuthor
	Content     string
	ReferenceID string

	// Mentions maps each mentioned user's ID to their display name
	Mentions map[string]string
}

// NewInboundMessage converts a discordgo message received via the
// MessageCreate handler
func NewInboundMessage(m *discordgo.Message) InboundMessage {
	im := InboundMessage{
		ID:        m.ID,
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
		Mentions:  map[string]string{},
	}
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user != nil {
		im.Author = MessageAuthor{
			ID:          user.ID,
			DisplayName: memberDisplayName(user, m.Member),
			Bot:         user.Bot,
		}
	}
	if m.MessageReference != nil {
		im.ReferenceID = m.MessageReference.MessageID
	}
	for _, u := range m.Mentions {
		if u == nil {
			continue
		}
		im.Mentions[u.ID] = memberDisplayName(u, nil)
	}
	return im
}

func (m InboundMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", m.ID),
		slog.String("guild_id", m.GuildID),
		slog.String("channel_id", m.ChannelID),
		slog.String("author_id", m.Author.ID),
		slog.String("author", m.Author.DisplayName),
		slog.String("reference_id", m.ReferenceID),
	)
}

// Mentioned reports whether the message @mentions the given user
func (m InboundMessage) Mentioned(userID string) bool {
	if userID == "" {
		return false
	}
	_, ok := m.Mentions[userID]
	return ok
}
