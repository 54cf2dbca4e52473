// Package capnweb provides a reconnecting RPC session manager with a stable
// call handle and a deduplicating promise-result cache.
//
// A SessionManager owns one logical connection to a remote peer. The
// underlying channel (typically a websocket) may drop at any time; the
// manager detects the loss, walks a bounded exponential-backoff reconnect
// loop and rebinds a fresh session, while the stub handed to callers stays
// valid across every replacement. Connection state transitions are published
// synchronously and in order to subscribers, with the current state replayed
// at subscription time.
//
// ResultCache deduplicates concurrent calls for the same method and
// arguments so that exactly one round trip is issued and every caller shares
// the same promise.
package capnweb
