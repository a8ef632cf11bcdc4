// Package api serves the gateway's read-only HTTP surface: health, live
// stream statistics and Prometheus metrics.
//
// Handlers read from the stream registry, the encoder supervisor and the
// RTMP server through small interfaces injected on Handler, so they can be
// exercised in tests without a running listener. Stream keys never leave
// the process in clear text; every key in a response is redacted with
// logging.RedactKey.
//
// Run owns the http.Server lifecycle and shuts it down gracefully when its
// context ends.
package api
