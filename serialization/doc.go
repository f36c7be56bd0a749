// Package serialization converts packets and payloads to and from their wire form.
//
// Two codecs are provided:
//   - JSONCodec: a flat JSON object per packet, payloads embedded as raw JSON
//   - CloudEventsCodec: one structured-mode CloudEvent per packet, for channels shared
//     with CloudEvents-aware consumers
//
// Both decode strictly: an unknown packet type or a missing required field is reported as
// contracts.ErrMalformedPacket rather than coerced to a default.
package serialization
