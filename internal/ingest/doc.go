// Package ingest turns inbound RTMP connections into live streams.
//
// # Overview
//
// A Server accepts TCP connections and runs one Session per connection.
// Each Session drives its connection through four phases:
//
//  1. Handshaking: C0/C1 are read, S0/S1/S2 written and C2 consumed, all
//     under the handshake timeout.
//  2. Negotiated: connect is answered with the window acknowledgement
//     size, peer bandwidth and chunk size messages followed by a _result.
//     releaseStream, FCPublish and createStream are acknowledged so common
//     encoders proceed to publish.
//  3. Publishing: publish resolves the presented name through the
//     KeyValidator, claims the key in the registry, starts the encoder,
//     records the encoder PID on the registry entry and marks the stream
//     live in the store before replying NetStream.Publish.Start. Audio,
//     video and metadata are written to the encoder as FLV tags and
//     refresh the registry heartbeat.
//  4. Closed: on EOF, an unpublish command or any error, the session stops
//     the encoder and releases the registry entry if it still owns them,
//     and marks its own run of the stream offline.
//
// # Rejections
//
// Unknown keys and keys already live elsewhere receive an error onStatus
// with NetStream.Publish.BadName before the connection is closed. The
// registry claim is the single point of exclusion: of two sessions racing
// for one key exactly one reaches Publishing.
//
// # Failure Isolation
//
// Protocol errors, rejected publishes and encoder failures end only the
// session they occur on. The listener bind is the only failure that stops
// the server.
//
// # Reaping
//
// Reaper.Sweep takes down streams whose heartbeat is older than the
// configured timeout. Entries are claimed out of the registry before the
// encoder is stopped, the publisher disconnected and the store updated, so
// each stale stream is reaped once however often Sweep runs. The store is
// only marked offline for the run that was reaped; a publisher that has
// already reconnected stays live. Encoders that exit on their own are
// handled by the Server's exit handler, which takes the stream offline and
// disconnects the publisher.
package ingest
