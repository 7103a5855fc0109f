package gregbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGuildID   = "111111111111111111"
	testChannelID = "222222222222222222"
	testBotID     = "999999999999999999"
	testAdminID   = "333333333333333333"
	testSuperID   = "444444444444444444"
	testUserID    = "555555555555555555"
	testOtherID   = "666666666666666666"
)

// testDefaults is the template test stores seed guilds from
func testDefaults() GuildConfig {
	cfg := fallbackGuildConfig()
	cfg.SystemPrompt = "You are Greg, a snake who lives under a rock."
	cfg.ResponseChance = 0
	cfg.ChannelMessageBuffer = 10
	return cfg
}

func newTestStore(t testing.TB) *ConfigStore {
	t.Helper()
	records, err := NewFileRecordStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	return NewConfigStore(records, testDefaults(), slog.Default())
}

// sentMessage is a message sent via mockGateway
type sentMessage struct {
	ChannelID string
	ReplyTo   string
	Content   string
}

// mockGateway is an in-memory Gateway
type mockGateway struct {
	mu sync.Mutex

	selfID       string
	history      map[string][]PriorMessage
	messages     map[string]PriorMessage
	admins       map[string]bool
	displayNames map[string]string

	historyErr error
	replyErr   error

	sent      []sentMessage
	reactions []string
	typing    int
	fetched   []string
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		selfID:       testBotID,
		history:      map[string][]PriorMessage{},
		messages:     map[string]PriorMessage{},
		admins:       map[string]bool{},
		displayNames: map[string]string{testBotID: "Greg"},
	}
}

func (g *mockGateway) FetchMessage(_ context.Context, _ string, messageID string) (PriorMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetched = append(g.fetched, messageID)
	m, ok := g.messages[messageID]
	if !ok {
		return PriorMessage{}, fmt.Errorf("%w: %s", ErrReferenceUnresolvable, messageID)
	}
	return m, nil
}

func (g *mockGateway) FetchHistory(_ context.Context, _ string, channelID string, limit int) ([]PriorMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.historyErr != nil {
		return nil, g.historyErr
	}
	h := g.history[channelID]
	if len(h) > limit {
		h = h[:limit]
	}
	return append([]PriorMessage(nil), h...), nil
}

func (g *mockGateway) Reply(_ context.Context, m InboundMessage, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.replyErr != nil {
		return g.replyErr
	}
	g.sent = append(g.sent, sentMessage{ChannelID: m.ChannelID, ReplyTo: m.ID, Content: text})
	return nil
}

func (g *mockGateway) Send(_ context.Context, channelID string, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sentMessage{ChannelID: channelID, Content: text})
	return nil
}

func (g *mockGateway) AddReaction(_ context.Context, _ string, messageID string, emoji string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reactions = append(g.reactions, messageID+":"+emoji)
	return nil
}

func (g *mockGateway) Typing(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.typing++
	return nil
}

func (g *mockGateway) IsAdministrator(_ context.Context, _ string, userID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.admins[userID], nil
}

func (g *mockGateway) SelfID() string {
	return g.selfID
}

func (g *mockGateway) DisplayName(_ context.Context, _ string, userID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	name, ok := g.displayNames[userID]
	if !ok {
		return "", errors.New("unknown member")
	}
	return name, nil
}

func (g *mockGateway) Sent() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMessage(nil), g.sent...)
}

// lastReply returns the content of the most recent message sent,
// failing the test if nothing was sent
func (g *mockGateway) lastReply(t testing.TB) string {
	t.Helper()
	sent := g.Sent()
	require.NotEmpty(t, sent, "expected a message to be sent")
	return sent[len(sent)-1].Content
}

// mockCompleter is a Completer returning a fixed reply or error
type mockCompleter struct {
	mu       sync.Mutex
	reply    string
	err      error
	requests []CompletionRequest
}

func (c *mockCompleter) Complete(_ context.Context, req CompletionRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return "", c.err
	}
	return c.reply, nil
}

func (c *mockCompleter) Requests() []CompletionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CompletionRequest(nil), c.requests...)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 5))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "🐍🐍", truncate("🐍🐍🐍", 2))
	assert.Equal(t, "", truncate("", 10))
}

func TestShortenString(t *testing.T) {
	assert.Equal(t, "short", shortenString("short", 10))
	assert.Equal(t, "a\nb", shortenString("a\n\nb", 3))

	long := "abcdefghijklmnopqrstuvwxyz0123456789"
	shortened := shortenString(long, 20)
	assert.Len(t, []rune(shortened), 20)
	assert.Contains(t, shortened, "(truncated)")
}

func TestParseMention(t *testing.T) {
	tests := []struct {
		input  string
		wantID string
		wantOK bool
	}{
		{input: "<@123>", wantID: "123", wantOK: true},
		{input: "<@!456>", wantID: "456", wantOK: true},
		{input: " 789 ", wantID: "789", wantOK: true},
		{input: "<@123> extra", wantOK: false},
		{input: "<#123>", wantOK: false},
		{input: "greg", wantOK: false},
		{input: "", wantOK: false},
	}
	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				id, ok := parseMention(tc.input)
				assert.Equal(t, tc.wantOK, ok)
				assert.Equal(t, tc.wantID, id)
			},
		)
	}
}

func TestReplaceMentions(t *testing.T) {
	names := map[string]string{"123": "Alice"}
	lookup := func(id string) (string, bool) {
		name, ok := names[id]
		return name, ok
	}
	assert.Equal(
		t,
		"hey Alice, and <@!456>",
		replaceMentions("hey <@123>, and <@!456>", lookup),
	)
	assert.Equal(t, "no mentions", replaceMentions("no mentions", lookup))
}

func TestSplitArgs(t *testing.T) {
	assert.Equal(t, []string{"edit", "<@1> 5 a nice person"}, splitArgs("edit <@1> 5 a nice person", 2))
	assert.Equal(t, []string{"<@1>", "5", "a nice  person"}, splitArgs("  <@1>\n5   a nice  person ", 3))
	assert.Equal(t, []string{"help"}, splitArgs("help", 2))
	assert.Empty(t, splitArgs("   ", 3))
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()
	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	fallback := slog.Default()
	assert.Same(t, fallback, contextLoggerOr(ctx, fallback))

	logger := slog.Default().With("test", t.Name())
	ctx = WithLogger(ctx, logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)
	assert.Same(t, logger, contextLoggerOr(ctx, fallback))
}

func TestStructToSlogValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret-token"
	cfg.OpenAI.Token = "sk-secret"

	rendered := structToSlogValue(cfg).String()
	assert.NotContains(t, rendered, "super-secret-token")
	assert.NotContains(t, rendered, "sk-secret")
	assert.Contains(t, rendered, "[redacted]")
	assert.Contains(t, rendered, DefaultConfigDir)
}
