// Package session mirrors live WebSocket connections into Redis. Each
// connection is a hash keyed by its handle that records the user, the serving
// instance and the conversation currently being viewed. The mirror is fed by
// presence events and is never read back by the engine.
package session
