package gregbot

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/lmittmann/tint"
)

const (
	// dumpConfigMaxLength leaves room for the code fence around a dumped
	// config, within discordMaxMessageLength
	dumpConfigMaxLength = 1900

	petReaction = "🐍"
)

const (
	notifyUnauthorized     = "*You don't have permission to run this command.*"
	notifyWipeUnauthorized = "*You don't have permission to wipe the config file.*"
	notifyDumpUnauthorized = "*You don't have permission to view the config.*"
	notifyDumpMissing      = "Config file does not exist for this server."
	notifyDumpTooLarge     = "*Config is too large to display in Discord.*"
	notifyWiped            = "goodbye bro"
	notifyCommandFailed    = "*Something went wrong, the config wasn't changed.*"
)

// commandAccess is who may run a command
type commandAccess int

const (
	// accessAuthorized requires Authorize to pass for the command's cost
	accessAuthorized commandAccess = iota

	// accessAdminOrSuper requires a guild administrator or a
	// super-whitelisted user, whatever the command's cost
	accessAdminOrSuper

	// accessConverse requires CanConverse
	accessConverse

	accessAnyone
)

var errUsage = errors.New("invalid command arguments")

// commandInvocation is a single parsed command
type commandInvocation struct {
	msg  InboundMessage
	cfg  GuildConfig
	name string
	args string
}

type command struct {
	name        string
	usage       string
	description string
	cost        OperationCost
	access      commandAccess

	// unauthorized is the notice sent when access is denied, if not
	// notifyUnauthorized
	unauthorized string

	// run returns the text to reply with
	run func(ctx context.Context, r *CommandRouter, inv commandInvocation) (string, error)
}

// CommandRouter handles prefixed guild messages: config changes, the
// bot's memory of guild members, and persona commands
type CommandRouter struct {
	store      *ConfigStore
	gateway    Gateway
	dispatcher *ResponseDispatcher
	logger     *slog.Logger
	metrics    *metrics
	commands   map[string]command
	order      []string
}

func NewCommandRouter(
	store *ConfigStore,
	gateway Gateway,
	dispatcher *ResponseDispatcher,
	logger *slog.Logger,
) *CommandRouter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &CommandRouter{
		store:      store,
		gateway:    gateway,
		dispatcher: dispatcher,
		logger:     logger.With(loggerNameKey, "commands"),
		commands:   map[string]command{},
	}
	for _, c := range commandTable() {
		r.commands[c.name] = c
		r.order = append(r.order, c.name)
	}
	return r
}

// HandleCommand parses and runs a command, replying with the result.
// Errors are converted to a notice for the user, and never returned.
func (r *CommandRouter) HandleCommand(ctx context.Context, m InboundMessage, cfg GuildConfig) {
	logger := contextLoggerOr(ctx, r.logger)
	body := strings.TrimSpace(strings.TrimPrefix(m.Content, cfg.Prefix))
	var name, args string
	if parts := splitArgs(body, 2); len(parts) > 0 {
		name = strings.ToLower(parts[0])
		if len(parts) > 1 {
			args = parts[1]
		}
	}

	cmd, ok := r.commands[name]
	if !ok {
		logger.DebugContext(ctx, "unknown command", "command", name)
		return
	}
	logger = logger.With("command", name)
	ctx = WithLogger(ctx, logger)

	inv := commandInvocation{msg: m, cfg: cfg, name: name, args: args}

	var reply string
	if !r.allowed(ctx, cmd, inv) {
		logger.InfoContext(ctx, "command not authorized", "cost", cmd.cost)
		r.metrics.command(name, "unauthorized")
		reply = cmp.Or(cmd.unauthorized, notifyUnauthorized)
	} else {
		text, err := cmd.run(ctx, r, inv)
		if err != nil {
			r.metrics.command(name, "error")
			reply = r.errorNotice(ctx, cmd, inv, err)
		} else {
			r.metrics.command(name, "ok")
			reply = text
		}
	}
	if reply == "" {
		return
	}
	if err := r.gateway.Reply(ctx, m, truncate(reply, discordMaxMessageLength)); err != nil {
		logger.ErrorContext(ctx, "error replying to command", tint.Err(err))
	}
}

func (r *CommandRouter) allowed(ctx context.Context, cmd command, inv commandInvocation) bool {
	actorID := inv.msg.Author.ID
	switch cmd.access {
	case accessAnyone:
		return true
	case accessConverse:
		return CanConverse(actorID, inv.cfg)
	case accessAdminOrSuper:
		if slices.Contains(inv.cfg.SuperWhitelist, actorID) {
			return true
		}
		return r.isAdministrator(ctx, inv)
	default:
		if Authorize(actorID, false, cmd.cost, inv.cfg) {
			return true
		}
		if cmd.cost == CostExpensive {
			return false
		}
		return Authorize(actorID, r.isAdministrator(ctx, inv), cmd.cost, inv.cfg)
	}
}

func (r *CommandRouter) isAdministrator(ctx context.Context, inv commandInvocation) bool {
	isAdmin, err := r.gateway.IsAdministrator(ctx, inv.msg.ChannelID, inv.msg.Author.ID)
	if err != nil {
		logger := contextLoggerOr(ctx, r.logger)
		logger.WarnContext(ctx, "unable to check administrator permission", tint.Err(err))
		return false
	}
	return isAdmin
}

// errorNotice converts a command error to the notice sent to the user
func (r *CommandRouter) errorNotice(
	ctx context.Context,
	cmd command,
	inv commandInvocation,
	err error,
) string {
	logger := contextLoggerOr(ctx, r.logger)

	var fe *fieldError
	if !errors.As(err, &fe) {
		fe = &fieldError{}
	}
	switch {
	case errors.Is(err, errUsage):
		return fmt.Sprintf("*Usage: %s%s*", inv.cfg.Prefix, cmd.usage)
	case errors.Is(err, ErrUnknownField):
		return fmt.Sprintf("*Field %s not found in config.*", fe.field)
	case errors.Is(err, ErrNotAListField):
		return fmt.Sprintf("*Field %s is not a list.*", fe.field)
	case errors.Is(err, ErrDuplicateValue):
		return fmt.Sprintf("*%s is already in %s.*", fe.value, fe.field)
	case errors.Is(err, ErrValueNotFound):
		return fmt.Sprintf("*%s is not in %s.*", fe.value, fe.field)
	case errors.Is(err, ErrInvalidValue):
		logger.InfoContext(ctx, "rejected config value", tint.Err(err))
		if fe.field == columnGuildConfigTemperature {
			return fmt.Sprintf(
				"%s is an invalid number. Please pick a number between 0 and 2.0.",
				fe.value,
			)
		}
		return fmt.Sprintf("*%s is not a valid value for %s.*", fe.value, fe.field)
	default:
		logger.ErrorContext(ctx, "command failed", tint.Err(err))
		return notifyCommandFailed
	}
}

// fieldError attaches the field and value of a failed config change,
// for the user notice
type fieldError struct {
	field string
	value string
	err   error
}

func (e *fieldError) Error() string {
	return fmt.Sprintf("%s=%q: %s", e.field, e.value, e.err)
}

func (e *fieldError) Unwrap() error {
	return e.err
}

func wrapFieldError(field string, value string, err error) error {
	if err == nil {
		return nil
	}
	return &fieldError{field: field, value: value, err: err}
}

// setCommand replaces a scalar field with the command's argument
func setCommand(name string, field string, cost OperationCost, description string) command {
	return command{
		name:        name,
		usage:       name + " <value>",
		description: description,
		cost:        cost,
		access:      accessAuthorized,
		run: func(ctx context.Context, r *CommandRouter, inv commandInvocation) (string, error) {
			if inv.args == "" {
				return "", errUsage
			}
			if err := r.store.Set(ctx, inv.msg.GuildID, field, inv.args); err != nil {
				return "", wrapFieldError(field, inv.args, err)
			}
			return fmt.Sprintf("*Set %s to %s.*", field, inv.args), nil
		},
	}
}

// userListCommand adds or removes a user ID (or mention) from a set field
func userListCommand(name string, field string, add bool, description string) command {
	return command{
		name:        name,
		usage:       name + " <user>",
		description: description,
		cost:        CostExpensive,
		access:      accessAuthorized,
		run: func(ctx context.Context, r *CommandRouter, inv commandInvocation) (string, error) {
			userID, ok := parseMention(inv.args)
			if !ok {
				return "", errUsage
			}
			return r.listChange(ctx, inv.msg.GuildID, field, userID, add)
		},
	}
}

// channelCommand adds or removes the current channel from the guild's
// conversation channels
func channelCommand(name string, add bool, description string) command {
	return command{
		name:        name,
		usage:       name,
		description: description,
		cost:        CostCheap,
		access:      accessAuthorized,
		run: func(ctx context.Context, r *CommandRouter, inv commandInvocation) (string, error) {
			return r.listChange(
				ctx,
				inv.msg.GuildID,
				columnGuildConfigConversationChannels,
				inv.msg.ChannelID,
				add,
			)
		},
	}
}

func nameModelCommand(name string, add bool, description string) command {
	return command{
		name:        name,
		usage:       name + " <model>",
		description: description,
		cost:        CostExpensive,
		access:      accessAuthorized,
		run: func(ctx context.Context, r *CommandRouter, inv commandInvocation) (string, error) {
			if inv.args == "" {
				return "", errUsage
			}
			return r.listChange(ctx, inv.msg.GuildID, columnGuildConfigNameModels, inv.args, add)
		},
	}
}

func (r *CommandRouter) listChange(
	ctx context.Context,
	guildID string,
	field string,
	value string,
	add bool,
) (string, error) {
	if add {
		if err := r.store.ListAppend(ctx, guildID, field, value); err != nil {
			return "", wrapFieldError(field, value, err)
		}
		return fmt.Sprintf("*Added %s to %s.*", value, field), nil
	}
	if err := r.store.ListRemove(ctx, guildID, field, value); err != nil {
		return "", wrapFieldError(field, value, err)
	}
	return fmt.Sprintf("*Removed %s from %s.*", value, field), nil
}

// memberName returns the display name of a user mentioned by a command
func (r *CommandRouter) memberName(ctx context.Context, inv commandInvocation, userID string) string {
	if name := inv.msg.Mentions[userID]; name != "" {
		return name
	}
	name, err := r.gateway.DisplayName(ctx, inv.msg.GuildID, userID)
	if err != nil || name == "" {
		return userID
	}
	return name
}

func runWipeConfig(ctx context.Context, r *CommandRouter, inv commandInvocation) (string, error) {
	if err := r.store.Delete(ctx, inv.msg.GuildID); err != nil {
		return "", err
	}
	return notifyWiped, nil
}

func runDumpConfig(ctx context.Context, r *CommandRouter, inv commandInvocation) (string, error) {
	cfg, err := r.store.Dump(ctx, inv.msg.GuildID)
	if err != nil {
		if errors.Is(err, ErrConfigMissing) {
			return notifyDumpMissing, nil
		}
		return "", err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	if len([]rune(string(data))) > dumpConfigMaxLength {
		return notifyDumpTooLarge, nil
	}
	return fmt.Sprintf("```json\n%s\n```", data), nil
}

// runEdit sets what the bot remembers about a member:
// edit <member> <rating> <summary>
func runEdit(ctx context.Context, r *CommandRouter, inv commandInvocation) (string, error) {
	fields := splitArgs(inv.args, 3)
	if len(fields) < 3 {
		return "", errUsage
	}
	userID, ok := parseMention(fields[0])
	if !ok {
		return "", errUsage
	}
	rating, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", errUsage
	}
	summary := fields[2]

	name := r.memberName(ctx, inv, userID)
	err = r.store.PutUser(
		ctx, inv.msg.GuildID, userID, UserMemory{
			DisplayName:    name,
			Summary:        summary,
			ApprovalRating: rating,
		},
	)
	if err != nil {
		return "", wrapFieldError("approval_rating", fields[1], err)
	}
	return fmt.Sprintf("*Greg seems to think differently of %s after hearing this new information.*", name), nil
}

func runForget(ctx context.Context, r *CommandRouter, inv commandInvocation) (string, error) {
	userID, ok := parseMention(inv.args)
	if !ok {
		return "", errUsage
	}
	name := r.memberName(ctx, inv, userID)
	if err := r.store.RemoveUser(ctx, inv.msg.GuildID, userID); err != nil {
		if errors.Is(err, ErrValueNotFound) {
			return fmt.Sprintf("*Greg doesn't remember %s.*", name), nil
		}
		return "", err
	}
	return fmt.Sprintf("*Greg's memories of %s are fading...*", name), nil
}

func runAsk(ctx context.Context, r *CommandRouter, inv commandInvocation) (string, error) {
	if inv.args == "" {
		return "", errUsage
	}
	return r.respond(ctx, inv, inv.args)
}

func runFeed(ctx context.Context, r *CommandRouter, inv commandInvocation) (string, error) {
	if inv.args == "" {
		return "", errUsage
	}
	return r.respond(ctx, inv, fmt.Sprintf("%s feeds you %s.", inv.msg.Author.DisplayName, inv.args))
}

func runPet(ctx context.Context, r *CommandRouter, inv commandInvocation) (string, error) {
	if err := r.gateway.AddReaction(ctx, inv.msg.ChannelID, inv.msg.ID, petReaction); err != nil {
		logger := contextLoggerOr(ctx, r.logger)
		logger.WarnContext(ctx, "unable to add reaction", tint.Err(err))
	}
	return r.respond(ctx, inv, fmt.Sprintf("%s pets you.", inv.msg.Author.DisplayName))
}

// respond returns the completion for a persona command. A failed
// completion still returns the fallback message to send.
func (r *CommandRouter) respond(ctx context.Context, inv commandInvocation, prompt string) (string, error) {
	text, err := r.dispatcher.Respond(ctx, inv.msg, inv.cfg, prompt)
	if err != nil {
		logger := contextLoggerOr(ctx, r.logger)
		logger.ErrorContext(ctx, "completion failed, sending fallback", tint.Err(err))
	}
	return text, nil
}

func runHelp(_ context.Context, r *CommandRouter, inv commandInvocation) (string, error) {
	var b strings.Builder
	b.WriteString("**Commands**\n")
	for _, name := range r.order {
		c := r.commands[name]
		fmt.Fprintf(&b, "`%s%s` %s\n", inv.cfg.Prefix, c.usage, c.description)
	}
	return shortenString(b.String(), discordMaxMessageLength), nil
}

func commandTable() []command {
	return []command{
		setCommand("setmodel", columnGuildConfigModel, CostExpensive, "set the completion model"),
		setCommand("setprompt", columnGuildConfigSystemPrompt, CostCheap, "set the system prompt"),
		setCommand("settemperature", columnGuildConfigTemperature, CostCheap, "set the temperature (0-2)"),
		userListCommand("addsuperadmin", columnGuildConfigSuperWhitelist, true, "add a super admin"),
		userListCommand("removesuperadmin", columnGuildConfigSuperWhitelist, false, "remove a super admin"),
		userListCommand("adduser", columnGuildConfigUserWhitelist, true, "let the bot talk to a user"),
		userListCommand("removeuser", columnGuildConfigUserWhitelist, false, "stop the bot talking to a user"),
		setCommand(
			"setresponsechance",
			columnGuildConfigResponseChance,
			CostExpensive,
			"set the chance of an unprompted reply (0-1)",
		),
		setCommand(
			"setchannelbuffer",
			columnGuildConfigChannelMessageBuffer,
			CostExpensive,
			"set how many messages of history are sent (1-100)",
		),
		channelCommand("addchannel", true, "let the bot talk in this channel"),
		channelCommand("removechannel", false, "stop the bot talking in this channel"),
		nameModelCommand("addnamemodel", true, "mark a model as supporting message names"),
		nameModelCommand("removenamemodel", false, "unmark a model as supporting message names"),
		setCommand("setmaxtokens", columnGuildConfigMaxOutputTokens, CostExpensive, "set the max reply tokens"),
		setCommand("setprefix", columnGuildConfigPrefix, CostExpensive, "set the command prefix"),
		{
			name:         "wipeconfig",
			usage:        "wipeconfig",
			description:  "reset this server's config to the defaults",
			cost:         CostCheap,
			access:       accessAdminOrSuper,
			unauthorized: notifyWipeUnauthorized,
			run:          runWipeConfig,
		},
		{
			name:         "dumpconfig",
			usage:        "dumpconfig",
			description:  "show this server's config",
			cost:         CostCheap,
			access:       accessAdminOrSuper,
			unauthorized: notifyDumpUnauthorized,
			run:          runDumpConfig,
		},
		{
			name:        "edit",
			usage:       "edit <member> <rating> <summary>",
			description: "change what the bot thinks of a member (rating 0-10)",
			cost:        CostCheap,
			access:      accessAuthorized,
			run:         runEdit,
		},
		{
			name:        "forget",
			usage:       "forget <member>",
			description: "make the bot forget a member",
			cost:        CostCheap,
			access:      accessAuthorized,
			run:         runForget,
		},
		{
			name:        "ask",
			usage:       "ask <question>",
			description: "ask the bot something",
			access:      accessConverse,
			run:         runAsk,
		},
		{
			name:        "feed",
			usage:       "feed <food>",
			description: "feed the bot",
			access:      accessConverse,
			run:         runFeed,
		},
		{
			name:        "pet",
			usage:       "pet",
			description: "pet the bot",
			access:      accessConverse,
			run:         runPet,
		},
		{
			name:        "help",
			usage:       "help",
			description: "list commands",
			access:      accessAnyone,
			run:         runHelp,
		},
	}
}
