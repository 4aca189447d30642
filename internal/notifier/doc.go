// Package notifier forwards high-signal core events to an operator chat.
//
// Only a handful of events are worth a message: an item landing in error,
// a daily-limit pause, an invalidated credential and leadership flips.
// Everything else on the bus is ignored. Format decides which is which.
//
// # Delivery
//
// Messages go through a bounded queue, a token-bucket limiter and a small
// retry loop before reaching a Sender (Telegram in production). Identical
// texts inside DedupWindow are sent once. Delivery is best-effort: a full
// queue drops the message and the core never waits on the notifier.
package notifier
