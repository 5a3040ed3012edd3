package v1

import "time"

// ACLEntryView is the REST projection of an acl.Entry.
type ACLEntryView struct {
	DID       string     `json:"did"`
	AddedAt   time.Time  `json:"added_at"`
	AddedBy   string     `json:"added_by"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ACLDocumentView is the REST projection of an acl.Document.
type ACLDocumentView struct {
	LocalDID   string         `json:"local_did"`
	Mode       string         `json:"mode"`
	Whitelist  []ACLEntryView `json:"whitelist"`
	Blacklist  []ACLEntryView `json:"blacklist"`
	Quarantine []ACLEntryView `json:"quarantine"`
	Version    int            `json:"version"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ACLEntryRequest allows/denies/quarantines a peer DID.
type ACLEntryRequest struct {
	DID       string     `json:"did"`
	AddedBy   string     `json:"added_by"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SetModeRequest changes the ACL's default mode.
type SetModeRequest struct {
	Mode string `json:"mode"`
}

// AuditRecordView is the REST projection of an acl.AuditRecord.
type AuditRecordView struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	PeerDID   string    `json:"peer_did"`
	Outcome   string    `json:"outcome"`
}
