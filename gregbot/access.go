package gregbot

import "slices"

// OperationCost tags each administrative command. Guild administrators
// may only run cheap commands, expensive ones are reserved for the
// super whitelist.
type OperationCost int

const (
	CostCheap OperationCost = iota
	CostExpensive
)

func (c OperationCost) String() string {
	switch c {
	case CostCheap:
		return "cheap"
	case CostExpensive:
		return "expensive"
	default:
		return "unknown"
	}
}

// Authorize reports whether actorID may run an operation of the given
// cost. Super-whitelisted users are always authorized, otherwise the
// actor must be a guild administrator and the operation must be cheap.
func Authorize(
	actorID string,
	isGuildAdministrator bool,
	cost OperationCost,
	cfg GuildConfig,
) bool {
	if slices.Contains(cfg.SuperWhitelist, actorID) {
		return true
	}
	return isGuildAdministrator && cost == CostCheap
}

// CanConverse reports whether the bot will talk to actorID at all
func CanConverse(actorID string, cfg GuildConfig) bool {
	return slices.Contains(cfg.UserWhitelist, actorID) ||
		slices.Contains(cfg.SuperWhitelist, actorID)
}
