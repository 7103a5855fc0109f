package gregbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/lmittmann/tint"
	"github.com/mitchellh/mapstructure"
)

// ConfigStore manages the GuildConfig for each guild. It holds no copy of
// any record between calls: every read goes to the RecordStore, and every
// mutation is a read-modify-persist sequence under that guild's lock.
type ConfigStore struct {
	records  RecordStore
	defaults GuildConfig
	logger   *slog.Logger
	metrics  *metrics

	// one mutex per guild ID. Entries are never removed, the number of
	// guilds a bot is in is small and bounded.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

// NewConfigStore returns a ConfigStore which seeds new guilds from
// defaults. defaults is copied, so later changes by the caller have no effect.
func NewConfigStore(records RecordStore, defaults GuildConfig, logger *slog.Logger) *ConfigStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigStore{
		records:  records,
		defaults: defaults.Clone(),
		logger:   logger.With(loggerNameKey, "config_store"),
		locks:    map[string]*sync.Mutex{},
	}
}

// Defaults returns a copy of the template used to seed new guilds
func (s *ConfigStore) Defaults() GuildConfig {
	return s.defaults.Clone()
}

// lock acquires the given guild's mutex, returning the func to release it
func (s *ConfigStore) lock(guildID string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[guildID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[guildID] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Get returns the config for the given guild, creating and persisting it
// from the default template if it doesn't exist yet.
func (s *ConfigStore) Get(ctx context.Context, guildID string) (GuildConfig, error) {
	unlock := s.lock(guildID)
	defer unlock()
	return s.getOrSeed(ctx, guildID)
}

// Dump returns the persisted config without seeding one if it's missing
func (s *ConfigStore) Dump(ctx context.Context, guildID string) (GuildConfig, error) {
	unlock := s.lock(guildID)
	defer unlock()
	return s.load(ctx, guildID)
}

// Set replaces the value of the given field. value is decoded into the
// field's type, so "0.5" is accepted for a float field. If the result
// fails validation, ErrInvalidValue is returned and nothing is persisted.
func (s *ConfigStore) Set(ctx context.Context, guildID string, field string, value any) error {
	if _, ok := guildConfigFields[field]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	return s.mutate(
		ctx, guildID, "set", field, func(cfg *GuildConfig) error {
			// mapstructure merges into existing slices and maps
			// rather than replacing them
			switch guildConfigFields[field] {
			case fieldSet:
				list, _ := cfg.setField(field)
				*list = nil
			case fieldMap:
				cfg.Users = nil
			}
			decoder, err := mapstructure.NewDecoder(
				&mapstructure.DecoderConfig{
					Result:           cfg,
					TagName:          "json",
					WeaklyTypedInput: true,
				},
			)
			if err != nil {
				return err
			}
			if err = decoder.Decode(map[string]any{field: value}); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrInvalidValue, field, err)
			}
			return nil
		},
	)
}

// ListAppend adds value to a set-typed field
func (s *ConfigStore) ListAppend(ctx context.Context, guildID string, field string, value string) error {
	if err := checkListField(field); err != nil {
		return err
	}
	return s.mutate(
		ctx, guildID, "append", field, func(cfg *GuildConfig) error {
			list, _ := cfg.setField(field)
			if slices.Contains(*list, value) {
				return fmt.Errorf("%w: %s in %s", ErrDuplicateValue, value, field)
			}
			*list = append(*list, value)
			return nil
		},
	)
}

// ListRemove removes value from a set-typed field
func (s *ConfigStore) ListRemove(ctx context.Context, guildID string, field string, value string) error {
	if err := checkListField(field); err != nil {
		return err
	}
	return s.mutate(
		ctx, guildID, "remove", field, func(cfg *GuildConfig) error {
			list, _ := cfg.setField(field)
			idx := slices.Index(*list, value)
			if idx == -1 {
				return fmt.Errorf("%w: %s in %s", ErrValueNotFound, value, field)
			}
			*list = slices.Delete(*list, idx, idx+1)
			return nil
		},
	)
}

// PutUser creates or replaces what the bot remembers about a guild member
func (s *ConfigStore) PutUser(ctx context.Context, guildID string, userID string, mem UserMemory) error {
	return s.mutate(
		ctx, guildID, "put_user", columnGuildConfigUsers, func(cfg *GuildConfig) error {
			if cfg.Users == nil {
				cfg.Users = map[string]UserMemory{}
			}
			cfg.Users[userID] = mem
			return nil
		},
	)
}

// RemoveUser forgets a guild member
func (s *ConfigStore) RemoveUser(ctx context.Context, guildID string, userID string) error {
	return s.mutate(
		ctx, guildID, "remove_user", columnGuildConfigUsers, func(cfg *GuildConfig) error {
			if _, ok := cfg.Users[userID]; !ok {
				return fmt.Errorf("%w: user %s", ErrValueNotFound, userID)
			}
			delete(cfg.Users, userID)
			return nil
		},
	)
}

// Delete removes the guild's config. The next Get re-seeds it from the
// default template.
func (s *ConfigStore) Delete(ctx context.Context, guildID string) error {
	unlock := s.lock(guildID)
	defer unlock()

	if err := s.records.Remove(ctx, guildID); err != nil {
		s.logger.ErrorContext(ctx, "error removing guild config", "guild_id", guildID, tint.Err(err))
		return err
	}
	s.metrics.configMutation("delete")
	s.logger.InfoContext(ctx, "removed guild config", "guild_id", guildID)
	return nil
}

// mutate runs fn against a copy of the guild's current config, validates
// the result and persists it. The record is left untouched if fn or
// validation fails.
func (s *ConfigStore) mutate(
	ctx context.Context,
	guildID string,
	op string,
	field string,
	fn func(cfg *GuildConfig) error,
) error {
	unlock := s.lock(guildID)
	defer unlock()

	current, err := s.getOrSeed(ctx, guildID)
	if err != nil {
		return err
	}
	updated := current.Clone()
	if err = fn(&updated); err != nil {
		return err
	}
	if err = structValidator.Struct(updated); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidValue, field, err)
	}
	if err = s.save(ctx, guildID, updated); err != nil {
		return err
	}
	s.metrics.configMutation(op)
	s.logger.InfoContext(
		ctx,
		"updated guild config",
		"guild_id", guildID,
		"op", op,
		"field", field,
	)
	return nil
}

// getOrSeed must be called with the guild's lock held
func (s *ConfigStore) getOrSeed(ctx context.Context, guildID string) (GuildConfig, error) {
	cfg, err := s.load(ctx, guildID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, ErrConfigMissing) {
		return cfg, err
	}

	cfg = s.defaults.Clone()
	if err = s.save(ctx, guildID, cfg); err != nil {
		return GuildConfig{}, err
	}
	s.metrics.configMutation("seed")
	s.logger.InfoContext(ctx, "created guild config from defaults", "guild_id", guildID)
	return cfg, nil
}

func (s *ConfigStore) load(ctx context.Context, guildID string) (GuildConfig, error) {
	data, err := s.records.Load(ctx, guildID)
	if err != nil {
		return GuildConfig{}, err
	}
	var cfg GuildConfig
	if err = json.Unmarshal(data, &cfg); err != nil {
		return GuildConfig{}, fmt.Errorf("error parsing config for guild %s: %w", guildID, err)
	}
	return cfg, nil
}

func (s *ConfigStore) save(ctx context.Context, guildID string, cfg GuildConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err = s.records.Save(ctx, guildID, data); err != nil {
		s.logger.ErrorContext(ctx, "error saving guild config", "guild_id", guildID, tint.Err(err))
		return fmt.Errorf("error saving config for guild %s: %w", guildID, err)
	}
	return nil
}

func checkListField(field string) error {
	kind, ok := guildConfigFields[field]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
	if kind != fieldSet {
		return fmt.Errorf("%w: %s", ErrNotAListField, field)
	}
	return nil
}
