// Command relaychat runs the chat relay.
//
// Clients connect over TCP (and optionally WebSocket), answer the username
// prompt, and then every line they send is relayed to everyone else:
//
//	go run ./cmd/relaychat -tcp-addr :8001 -ws-addr :8002 -admin-addr :9090
//
// Every flag can also be set from the environment, see internal/config.
package main
