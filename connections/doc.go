// Package connections tracks live client connections and delivers frames to
// them.
//
// The Registry is an explicitly constructed, in-memory index of connections
// keyed by connection id, user id, organization id and subscribed topic. It is
// never persisted; a restart simply waits for clients to reconnect. Sends to
// absent users or empty organizations deliver to nobody and are not errors.
//
// The Gateway adapts gorilla/websocket connections onto the Registry: the
// upgrade is the connect hook, the read loop ending is the disconnect hook.
package connections
