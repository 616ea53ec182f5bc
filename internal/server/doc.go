// Package server implements the HTTP surface of the gateway: the push-stream,
// socket, and submission transport adapters that translate each transport's
// connection lifecycle into hub registrations and dispatcher calls.
//
// The implementation is organized into specialized files for the gateway
// wiring, each adapter, origin policy, routing, and the HTTP server helpers.
package server
