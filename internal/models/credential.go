package models

import "time"

// CredentialRecord holds the current secret hash for an identity plus a
// bounded history of prior hashes for reuse prevention. History never
// exceeds the policy's retained count; insertion evicts the oldest entry.
type CredentialRecord struct {
	Identity  string                   `db:"identity"`
	Hash      string                   `db:"hash"`
	CreatedAt time.Time                `db:"created_at"`
	History   []CredentialHistoryEntry `db:"history"`
}

// CredentialHistoryEntry is one retired secret hash
type CredentialHistoryEntry struct {
	Hash      string    `json:"hash"`
	RetiredAt time.Time `json:"retired_at"`
}

// AppendHistory retires the current hash into history, trimming beyond limit
func (r *CredentialRecord) AppendHistory(now time.Time, limit int) {
	r.History = append(r.History, CredentialHistoryEntry{Hash: r.Hash, RetiredAt: now})
	if limit > 0 && len(r.History) > limit {
		r.History = r.History[len(r.History)-limit:]
	}
}
