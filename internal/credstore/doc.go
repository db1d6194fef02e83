// Package credstore persists per-session credential bundles and
// cryptographic key material.
//
// One Record per session id: the serialized credential bundle plus a mapping
// from (key category, key id) to serialized key material. All writes are
// idempotent upserts; deletes are idempotent. Concurrent calls for different
// sessions never interfere. Calls for the same session are serialized by the
// owning Session, not by the store.
package credstore
