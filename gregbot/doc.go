// Package gregbot implements Greg, a Discord bot that relays guild
// conversation to an OpenAI-compatible chat completion API and replies in
// character.
//
// Each guild the bot joins gets its own GuildConfig, seeded from a default
// template and persisted either as one JSON file per guild or as a row in
// a sqlite/postgres database. Guild administrators and super-whitelisted
// users change it with prefix commands (ex: "G!settemperature 0.7").
//
// Key components of the package include:
//
//   - Bot: wires everything together and handles gateway events.
//   - ConfigStore: loads, seeds, mutates and deletes guild configs.
//   - ResponseDispatcher: decides whether a message gets a reply, and
//     sends it.
//   - BuildTranscript: turns recent channel history into completion
//     messages.
//   - CommandRouter: parses and authorizes prefix commands.
//   - Discord and OpenAI: the gateway and completion adapters.
//   - API: an operator HTTP server for health checks, prometheus metrics
//     and read-only guild configs.
//
// The bot replies when it's mentioned, when its name appears in a message,
// or at random according to the guild's response chance. It only replies in
// conversation channels, and only to whitelisted users.
package gregbot
