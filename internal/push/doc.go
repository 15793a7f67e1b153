// Package push maintains the workspace websocket subscription.
//
// A Channel moves through Disconnected, Connecting, Connected and
// Reconnecting. Lost or refused connections are retried forever with capped
// exponential backoff and jitter until the channel is closed; each failure is
// reported as a *domain.ChannelError. Messages are decoded with
// events.DecodeMessage and malformed ones are dropped.
package push
