// Package harmonic defines the core data model shared by the server and
// client halves of the sync engine.
//
// A "harmonic" is one immutable record of an authoritative mutation. The
// server owns harmonic identity and ordering: ids are assigned from a single
// monotonic sequence, so entries sharing (table, record_id) are totally
// ordered by id and every consumer applies them in strictly increasing id
// order. The client tracks the highest applied id per table (the watermark)
// and treats anything at or below it as a duplicate.
//
// The package also carries the wire Frame for the live feed, the canonical
// JSON encoding used for stored payloads, the structured error taxonomy, and
// the request-id generators used for write idempotency.
package harmonic
