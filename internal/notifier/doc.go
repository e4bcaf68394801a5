// Package notifier delivers the daily message to the primary channel and
// mirrors operational events to an optional debug channel.
//
// Deliver is synchronous: the caller learns whether the message went out.
// NotifyDebug is fire-and-forget: once Start has run, events are queued and
// sent by a supervised worker; before that (or after Stop) they are sent
// inline. Both paths are rate limited per channel.
//
// A failing debug send is only logged. It never produces another debug event.
package notifier
