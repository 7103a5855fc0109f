package gregbot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
)

const (
	columnGuildConfigModel                = "model"
	columnGuildConfigSystemPrompt         = "system_prompt"
	columnGuildConfigTemperature          = "temperature"
	columnGuildConfigResponseChance       = "response_chance"
	columnGuildConfigChannelMessageBuffer = "channel_message_buffer"
	columnGuildConfigMaxOutputTokens      = "max_output_tokens"
	columnGuildConfigPrefix               = "prefix"
	columnGuildConfigConversationChannels = "conversation_channels"
	columnGuildConfigUserWhitelist        = "user_whitelist"
	columnGuildConfigSuperWhitelist       = "super_whitelist"
	columnGuildConfigNameModels           = "name_models"
	columnGuildConfigUsers                = "users"
)

const (
	DefaultGuildModel                = "gpt-4o-mini"
	DefaultGuildTemperature          = 0.8
	DefaultGuildChannelMessageBuffer = 20
	DefaultGuildMaxOutputTokens      = 2048
	DefaultGuildPrefix               = "G!"

	// DefaultUserSummary and DefaultUserApprovalRating seed a UserMemory
	// when a member is first described to the bot
	DefaultUserSummary        = "Greg doesn't know this person yet."
	DefaultUserApprovalRating = 5.0
)

var DefaultGuildNameModels = []string{"gpt-4o", "gpt-4o-mini"}

type fieldKind int

const (
	fieldScalar fieldKind = iota
	fieldSet
	fieldMap
)

// guildConfigFields maps each GuildConfig JSON key to its shape. Keys must
// match the struct's json tags (see TestGuildConfigFieldKeys).
var guildConfigFields = map[string]fieldKind{
	columnGuildConfigModel:                fieldScalar,
	columnGuildConfigSystemPrompt:         fieldScalar,
	columnGuildConfigTemperature:          fieldScalar,
	columnGuildConfigResponseChance:       fieldScalar,
	columnGuildConfigChannelMessageBuffer: fieldScalar,
	columnGuildConfigMaxOutputTokens:      fieldScalar,
	columnGuildConfigPrefix:               fieldScalar,
	columnGuildConfigConversationChannels: fieldSet,
	columnGuildConfigUserWhitelist:        fieldSet,
	columnGuildConfigSuperWhitelist:       fieldSet,
	columnGuildConfigNameModels:           fieldSet,
	columnGuildConfigUsers:                fieldMap,
}

// GuildConfig is the per-guild bot configuration. One record exists for
// each guild the bot has seen, persisted by a RecordStore.
//
//nolint:lll // struct tags can't be split
type GuildConfig struct {
	// Model is the completion model used for this guild
	Model string `json:"model" binding:"required"`

	// SystemPrompt is sent as the leading system-role message
	SystemPrompt string `json:"system_prompt"`

	Temperature float64 `json:"temperature" binding:"gte=0,lte=2"`

	// ResponseChance is the probability an eligible message gets an
	// unsolicited reply
	ResponseChance float64 `json:"response_chance" binding:"gte=0,lte=1"`

	// ChannelMessageBuffer is the number of recent channel messages
	// included as conversation context. Discord returns at most 100
	// messages per history request.
	ChannelMessageBuffer int `json:"channel_message_buffer" binding:"gte=1,lte=100"`

	MaxOutputTokens int `json:"max_output_tokens" binding:"gte=1"`

	// Prefix marks a message as a bot command, ex: "G!setmodel gpt-4o"
	Prefix string `json:"prefix" binding:"required,max=8"`

	// ConversationChannels are the channels the bot will reply in
	ConversationChannels IDSet `json:"conversation_channels" binding:"unique,dive,number"`

	// UserWhitelist lists the users the bot will talk to
	UserWhitelist IDSet `json:"user_whitelist" binding:"unique,dive,number"`

	// SuperWhitelist lists users who may run any command, regardless
	// of their guild permissions
	SuperWhitelist IDSet `json:"super_whitelist" binding:"unique,dive,number"`

	// NameModels lists models which accept a per-message 'name' field
	NameModels []string `json:"name_models" binding:"unique,dive,required"`

	// Users holds what the bot remembers about guild members, keyed by
	// user ID. This isn't currently included in completion requests.
	Users map[string]UserMemory `json:"users,omitempty" binding:"dive,keys,number,endkeys"`
}

// UserMemory is the bot's impression of a single guild member
type UserMemory struct {
	DisplayName    string  `json:"display_name"`
	Summary        string  `json:"summary"`
	ApprovalRating float64 `json:"approval_rating" binding:"gte=0,lte=10"`
}

func (c GuildConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnGuildConfigModel, c.Model),
		slog.Float64(columnGuildConfigTemperature, c.Temperature),
		slog.Float64(columnGuildConfigResponseChance, c.ResponseChance),
		slog.Int(columnGuildConfigChannelMessageBuffer, c.ChannelMessageBuffer),
		slog.Int(columnGuildConfigConversationChannels, len(c.ConversationChannels)),
		slog.Int(columnGuildConfigUserWhitelist, len(c.UserWhitelist)),
		slog.Int(columnGuildConfigSuperWhitelist, len(c.SuperWhitelist)),
	)
}

// Clone returns a deep copy of the config
func (c GuildConfig) Clone() GuildConfig {
	c.ConversationChannels = slices.Clone(c.ConversationChannels)
	c.UserWhitelist = slices.Clone(c.UserWhitelist)
	c.SuperWhitelist = slices.Clone(c.SuperWhitelist)
	c.NameModels = slices.Clone(c.NameModels)
	c.Users = maps.Clone(c.Users)
	return c
}

// IsNameModel returns true if the configured model accepts per-message
// name attribution
func (c GuildConfig) IsNameModel() bool {
	return slices.Contains(c.NameModels, c.Model)
}

// setField returns a pointer to the set-typed field with the given JSON
// key, or false if the key doesn't name a set-typed field.
func (c *GuildConfig) setField(name string) (*[]string, bool) {
	switch name {
	case columnGuildConfigConversationChannels:
		return (*[]string)(&c.ConversationChannels), true
	case columnGuildConfigUserWhitelist:
		return (*[]string)(&c.UserWhitelist), true
	case columnGuildConfigSuperWhitelist:
		return (*[]string)(&c.SuperWhitelist), true
	case columnGuildConfigNameModels:
		return &c.NameModels, true
	default:
		return nil, false
	}
}

// IDSet is a list of Discord snowflake IDs. It's written as JSON strings,
// but numeric JSON values are accepted when reading, since hand-written
// config files tend to use bare numbers.
type IDSet []string

func (s *IDSet) UnmarshalJSON(data []byte) error {
	var raw []json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*s = nil
		return nil
	}
	ids := make(IDSet, 0, len(raw))
	for _, n := range raw {
		ids = append(ids, n.String())
	}
	*s = ids
	return nil
}

// fallbackGuildConfig is the base that a default config file is read on
// top of, so any keys missing from the file still get sane values.
func fallbackGuildConfig() GuildConfig {
	return GuildConfig{
		Model:                DefaultGuildModel,
		Temperature:          DefaultGuildTemperature,
		ChannelMessageBuffer: DefaultGuildChannelMessageBuffer,
		MaxOutputTokens:      DefaultGuildMaxOutputTokens,
		Prefix:               DefaultGuildPrefix,
		ConversationChannels: IDSet{},
		UserWhitelist:        IDSet{},
		SuperWhitelist:       IDSet{},
		NameModels:           slices.Clone(DefaultGuildNameModels),
	}
}

// LoadDefaultGuildConfig reads and validates the template used to seed
// new guild configs.
func LoadDefaultGuildConfig(path string) (GuildConfig, error) {
	cfg := fallbackGuildConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("error reading default guild config: %w", err)
	}
	if err = json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing default guild config %s: %w", path, err)
	}
	if err = structValidator.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid default guild config %s: %w", path, err)
	}
	return cfg, nil
}

// WriteDefaultGuildConfig writes a default guild config template to the
// given path. An existing file is left untouched, and false is returned.
func WriteDefaultGuildConfig(path string, systemPrompt string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	cfg := fallbackGuildConfig()
	cfg.SystemPrompt = systemPrompt
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return false, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return false, err
		}
	}
	if err = os.WriteFile(path, data, 0o644); err != nil {
		return false, err
	}
	return true, nil
}
