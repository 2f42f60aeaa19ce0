// Package session persists conversations: a session is a titled, ordered
// list of messages exchanged with the orchestrator.
//
// Two Store implementations exist. MemoryStore keeps sessions in process.
// KVStore keeps one JSON document per session in a NATS JetStream key-value
// bucket and serializes appends with revision-checked updates.
package session
