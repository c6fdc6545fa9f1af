// Package eventsub maintains the single live Twitch EventSub WebSocket
// session: it classifies inbound frames, registers subscriptions on session
// establishment, dispatches notifications to the domain projectors, and
// reconnects with a fixed delay when the connection drops.
package eventsub
