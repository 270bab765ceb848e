// Package tofubot implements a Discord bot built around a recurring
// reminder scheduler.
//
// Reminders are defined per guild and channel with a weekday set and a
// time of day. The [Scheduler] promotes each definition through three
// polling tiers (a 30-minute scan, a 2-minute poller and a 1-second
// poller) so that a message is delivered on the exact second it is due,
// while only the last tier ever polls at high frequency.
//
// Key components of the package include:
//
//   - TofuBot: The main struct that wires everything together.
//   - ReminderTable: The authoritative set of reminder definitions.
//   - ReminderGateway: Loads and saves the table (JSON file or database).
//   - Scheduler: The tiered polling engine.
//   - Discord: Handles Discord integration and slash commands.
//   - OpenAI: Chat, image and model listing commands.
//   - Ledger, BanList, BlockList, Responder: Smaller guild utilities.
//   - API: A small admin/health HTTP API with Prometheus metrics.
//
// The bot supports these commands:
//
//   - /remind, /rm_remind, /look: Manage reminders (administrators only).
//   - /chat, /image, /model_list: Talk to OpenAI.
//   - /cash: A per-guild debt ledger.
//   - /ban, /unban, /block, /remove_block, /display_block_list: Moderation.
//   - /tiktok_msg_add: Extend the anti-TikTok reply pool.
//   - /ping, /info: Basics.
package tofubot
