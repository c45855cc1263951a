// Package notifier delivers chat messages to users and the operator.
//
// Messages are queued and sent by a small worker pool with a shared rate
// limit, retried with jittered backoff, and optionally deduplicated per chat.
// Delivery is fire-and-forget: callers learn only whether a message was
// accepted into the queue.
package notifier
