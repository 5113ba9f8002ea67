// Package wire defines the messages exchanged between the client engine and the
// remote processor, and the codecs that move them across the websocket and the
// upload stream.
//
// This package contains type definitions and codecs only. It imports nothing
// internal, so every other package can depend on it.
//
// Key constraints:
//   - Outbound events always carry every key: an absent handler or an undefined
//     payload value is encoded as null, never omitted.
//   - Inbound updates tolerate the extended numeric literals NaN, Infinity,
//     -Infinity and +Infinity, plus a leading '+' on numbers.
//   - Integers decode to int64, other numbers to float64. Date-like values stay
//     strings.
//   - Duplicate object keys are tolerated; the last occurrence wins.
//   - Canonical JSON (MarshalCanonical) is used only for deterministic traces.
package wire
