package gregbot

import "errors"

var (
	// ErrUnknownField is returned when a mutation names a field that
	// isn't a key of GuildConfig
	ErrUnknownField = errors.New("unknown config field")

	// ErrNotAListField is returned by list mutations against a
	// scalar field
	ErrNotAListField = errors.New("config field is not a list")

	ErrDuplicateValue = errors.New("value already present")
	ErrValueNotFound  = errors.New("value not found")

	// ErrInvalidValue is returned when a mutation would leave the
	// record outside its declared ranges. The stored record is unchanged.
	ErrInvalidValue = errors.New("invalid config value")

	ErrUnauthorized = errors.New("unauthorized")

	// ErrConfigMissing indicates no record has been persisted for a guild
	ErrConfigMissing = errors.New("config missing")

	// ErrProviderError indicates the completion provider failed, or
	// returned empty or generic-failure output
	ErrProviderError = errors.New("completion provider error")

	// ErrReferenceUnresolvable indicates a replied-to message couldn't
	// be fetched (deleted, or no permission to read it)
	ErrReferenceUnresolvable = errors.New("referenced message unresolvable")
)
