// Package merrygo implements MerryGo, a Discord moderation bot.
//
// Every message the bot sends to a channel goes through a DeliveryQueue,
// which keeps a FIFO queue and a single worker per channel. Sends to the
// same channel are spaced at least one second apart, and a rate limited
// send is retried after the backoff discord asks for. Other failed sends
// are logged, recorded and dropped.
//
// Commands:
//
//   - /clean: deletes a user's recent messages in a channel, then assigns
//     them the guild's mute role
//   - /modlog: sets the channel cleanup summaries are posted to
//   - /muterole: sets the role assigned by /clean
//
// An optional admin API exposes queue stats and dropped messages, and
// allows messages to be queued for delivery.
package merrygo
