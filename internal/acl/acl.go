// Package acl implements Access Control: whitelist/blacklist/quarantine
// entries, mode defaults, a priority rule engine, and an audit log, per
// spec §3/§4.4/§6.
package acl

import (
	"net"
	"path/filepath"
	"sync"
	"time"

	cerrors "github.com/cisnet/cis/internal/common/errors"
)

// Mode is the ACL's default connection policy.
type Mode string

const (
	ModeSolitary  Mode = "solitary"  // reject every connection
	ModeOpen      Mode = "open"      // accept every connection
	ModeWhitelist Mode = "whitelist" // accept iff DID is whitelisted and not blacklisted
	ModeQuarantine Mode = "quarantine" // accept but restrict data replication
)

// Action is the outcome a rule or mode default assigns to a connection.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionDeny       Action = "deny"
	ActionQuarantine Action = "quarantine"
)

// Entry is one whitelist/blacklist/quarantine membership record.
type Entry struct {
	DID       string     `yaml:"did" json:"did"`
	AddedAt   time.Time  `yaml:"added_at" json:"added_at"`
	AddedBy   string     `yaml:"added_by" json:"added_by"`
	Reason    string     `yaml:"reason,omitempty" json:"reason,omitempty"`
	ExpiresAt *time.Time `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
}

// Expired reports whether e has passed its expires_at, if any, as of now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// ConditionKind names the type of clause a Condition checks.
type ConditionKind string

const (
	ConditionIPCidr     ConditionKind = "ip_cidr"
	ConditionTimeWindow ConditionKind = "time_window"
	ConditionCapability ConditionKind = "capability"
)

// Condition narrows when a Rule applies.
type Condition struct {
	Kind ConditionKind `yaml:"kind" json:"kind"`

	CIDR string `yaml:"cidr,omitempty" json:"cidr,omitempty"`

	// Daily window, minutes since midnight UTC; StartMin > EndMin wraps past midnight.
	StartMin int `yaml:"start_min,omitempty" json:"start_min,omitempty"`
	EndMin   int `yaml:"end_min,omitempty" json:"end_min,omitempty"`

	Capability string `yaml:"capability,omitempty" json:"capability,omitempty"`
}

// matches evaluates one condition against an evaluation Context.
func (c Condition) matches(ctx Context, now time.Time) bool {
	switch c.Kind {
	case ConditionIPCidr:
		if ctx.RemoteIP == nil || c.CIDR == "" {
			return false
		}
		_, network, err := net.ParseCIDR(c.CIDR)
		if err != nil {
			return false
		}
		return network.Contains(ctx.RemoteIP)
	case ConditionTimeWindow:
		minute := now.UTC().Hour()*60 + now.UTC().Minute()
		if c.StartMin <= c.EndMin {
			return minute >= c.StartMin && minute <= c.EndMin
		}
		return minute >= c.StartMin || minute <= c.EndMin
	case ConditionCapability:
		for _, cap := range ctx.Capabilities {
			if cap == c.Capability {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Rule is one priority-ordered entry in the rule engine.
type Rule struct {
	ID         string      `yaml:"id" json:"id"`
	Name       string      `yaml:"name" json:"name"`
	Action     Action      `yaml:"action" json:"action"`
	Priority   int         `yaml:"priority" json:"priority"`
	DIDGlob    string      `yaml:"did_glob,omitempty" json:"did_glob,omitempty"`
	Conditions []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Enabled    bool        `yaml:"enabled" json:"enabled"`
	ExpiresAt  *time.Time  `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
}

// Context carries the facts a Rule's conditions are evaluated against.
type Context struct {
	DID          string
	RemoteIP     net.IP
	Capabilities []string
}

func (r Rule) applies(ctx Context, now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
		return false
	}
	if r.DIDGlob != "" && !globMatch(r.DIDGlob, ctx.DID) {
		return false
	}
	for _, cond := range r.Conditions {
		if !cond.matches(ctx, now) {
			return false
		}
	}
	return true
}

// globMatch implements the DID glob used by rules with filepath.Match
// syntax: `*` matches any run of non-`/` characters, `?` one character,
// and `[...]` a character class; a malformed pattern never matches.
func globMatch(pattern, s string) bool {
	ok, err := filepath.Match(pattern, s)
	return err == nil && ok
}

// Document is the persisted ACL state, spec §6's human-editable file.
type Document struct {
	LocalDID  string    `yaml:"local_did"`
	Mode      Mode      `yaml:"mode"`
	Whitelist []Entry   `yaml:"whitelist"`
	Blacklist []Entry   `yaml:"blacklist"`
	Quarantine []Entry  `yaml:"quarantine"`
	Version   int       `yaml:"version"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// ACL is the in-memory, mutex-guarded access-control authority. It wraps a
// Document plus the separate rules file and emits audit records for every
// decision.
type ACL struct {
	mu    sync.RWMutex
	doc   Document
	rules []Rule
	audit *AuditLog
}

// New constructs an ACL seeded from a persisted Document and rule set.
func New(doc Document, rules []Rule, audit *AuditLog) *ACL {
	return &ACL{doc: doc, rules: rules, audit: audit}
}

// Decision is the outcome of evaluating a connecting peer.
type Decision struct {
	Action    Action
	Rule      string // matching rule id, empty if the mode default applied
	Restricted bool  // true for quarantine: forward data, deny state replication
}

// Evaluate implements spec §4.4's access-control policy: the rule engine,
// evaluated in ascending priority order, overrides the mode defaults.
func (a *ACL) Evaluate(ctx Context, now time.Time) Decision {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rules := append([]Rule(nil), a.rules...)
	sortRulesByPriority(rules)
	for _, r := range rules {
		if r.applies(ctx, now) {
			decision := Decision{Action: r.Action, Rule: r.ID, Restricted: r.Action == ActionQuarantine}
			a.recordAudit(ctx, "acl_decision", decision)
			return decision
		}
	}

	decision := a.modeDefault(ctx, now)
	a.recordAudit(ctx, "acl_decision", decision)
	return decision
}

func (a *ACL) modeDefault(ctx Context, now time.Time) Decision {
	switch a.doc.Mode {
	case ModeOpen:
		return Decision{Action: ActionAllow}
	case ModeWhitelist:
		if a.containsActive(a.doc.Blacklist, ctx.DID, now) {
			return Decision{Action: ActionDeny}
		}
		if a.containsActive(a.doc.Whitelist, ctx.DID, now) {
			return Decision{Action: ActionAllow}
		}
		return Decision{Action: ActionDeny}
	case ModeQuarantine:
		return Decision{Action: ActionQuarantine, Restricted: true}
	case ModeSolitary:
		fallthrough
	default:
		return Decision{Action: ActionDeny}
	}
}

func (a *ACL) containsActive(list []Entry, did string, now time.Time) bool {
	for _, e := range list {
		if e.DID == did && !e.Expired(now) {
			return true
		}
	}
	return false
}

func sortRulesByPriority(rules []Rule) {
	for i := 1; i < len(rules); i++ {
		for j := i; j > 0 && rules[j].Priority < rules[j-1].Priority; j-- {
			rules[j], rules[j-1] = rules[j-1], rules[j]
		}
	}
}

// Allow adds a DID to the whitelist, bumping the document version.
func (a *ACL) Allow(did, addedBy, reason string, expiresAt *time.Time, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doc.Whitelist = append(a.doc.Whitelist, Entry{DID: did, AddedAt: now, AddedBy: addedBy, Reason: reason, ExpiresAt: expiresAt})
	a.bumpVersion(now)
	a.audit.Record(AuditRecord{Timestamp: now, EventType: "whitelist_add", PeerDID: did, Outcome: "ok"})
}

// Deny adds a DID to the blacklist.
func (a *ACL) Deny(did, addedBy, reason string, expiresAt *time.Time, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doc.Blacklist = append(a.doc.Blacklist, Entry{DID: did, AddedAt: now, AddedBy: addedBy, Reason: reason, ExpiresAt: expiresAt})
	a.bumpVersion(now)
	a.audit.Record(AuditRecord{Timestamp: now, EventType: "blacklist_add", PeerDID: did, Outcome: "ok"})
}

// Quarantine adds a DID to the quarantine list.
func (a *ACL) Quarantine(did, addedBy, reason string, expiresAt *time.Time, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doc.Quarantine = append(a.doc.Quarantine, Entry{DID: did, AddedAt: now, AddedBy: addedBy, Reason: reason, ExpiresAt: expiresAt})
	a.bumpVersion(now)
	a.audit.Record(AuditRecord{Timestamp: now, EventType: "quarantine_add", PeerDID: did, Outcome: "ok"})
}

// Unallow, Undeny, Unquarantine remove a DID from the respective list.
func (a *ACL) Unallow(did string, now time.Time) bool { return a.remove(&a.doc.Whitelist, did, "whitelist_remove", now) }
func (a *ACL) Undeny(did string, now time.Time) bool   { return a.remove(&a.doc.Blacklist, did, "blacklist_remove", now) }
func (a *ACL) Unquarantine(did string, now time.Time) bool { return a.remove(&a.doc.Quarantine, did, "quarantine_remove", now) }

func (a *ACL) remove(list *[]Entry, did, eventType string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, e := range *list {
		if e.DID == did {
			*list = append((*list)[:i], (*list)[i+1:]...)
			a.bumpVersion(now)
			a.audit.Record(AuditRecord{Timestamp: now, EventType: eventType, PeerDID: did, Outcome: "ok"})
			return true
		}
	}
	return false
}

// CleanupExpired removes every logically-absent (expired) entry across all
// three lists, idempotently, and returns the removed DIDs.
func (a *ACL) CleanupExpired(now time.Time) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var removed []string
	removed = append(removed, cleanupList(&a.doc.Whitelist, now)...)
	removed = append(removed, cleanupList(&a.doc.Blacklist, now)...)
	removed = append(removed, cleanupList(&a.doc.Quarantine, now)...)
	if len(removed) > 0 {
		a.bumpVersion(now)
		for _, did := range removed {
			a.audit.Record(AuditRecord{Timestamp: now, EventType: "whitelist_remove", PeerDID: did, Outcome: "expired"})
		}
	}
	return removed
}

func cleanupList(list *[]Entry, now time.Time) []string {
	var removed []string
	kept := (*list)[:0]
	for _, e := range *list {
		if e.Expired(now) {
			removed = append(removed, e.DID)
			continue
		}
		kept = append(kept, e)
	}
	*list = kept
	return removed
}

func (a *ACL) bumpVersion(now time.Time) {
	a.doc.Version++
	a.doc.UpdatedAt = now
}

// SetMode changes the default policy, bumping the document version.
func (a *ACL) SetMode(mode Mode, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.doc.Mode = mode
	a.bumpVersion(now)
}

// Document returns a copy of the current persisted state.
func (a *ACL) Document() Document {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.doc
}

// Rules returns a copy of the current rule set.
func (a *ACL) Rules() []Rule {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Rule(nil), a.rules...)
}

// AuditLog returns the audit sink this ACL was constructed with, for
// surfaces that need to list or prune audit records directly.
func (a *ACL) AuditLog() *AuditLog {
	return a.audit
}

// AddRule appends a rule to the engine.
func (a *ACL) AddRule(r Rule) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = append(a.rules, r)
}

// RemoveRule deletes a rule by id, returning whether it existed.
func (a *ACL) RemoveRule(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, r := range a.rules {
		if r.ID == id {
			a.rules = append(a.rules[:i], a.rules[i+1:]...)
			return true
		}
	}
	return false
}

// SetRuleEnabled toggles a rule's Enabled flag.
func (a *ACL) SetRuleEnabled(id string, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.rules {
		if a.rules[i].ID == id {
			a.rules[i].Enabled = enabled
			return nil
		}
	}
	return cerrors.NotFound("acl rule", id)
}

func (a *ACL) recordAudit(ctx Context, eventType string, d Decision) {
	if a.audit == nil {
		return
	}
	a.audit.Record(AuditRecord{Timestamp: time.Now().UTC(), EventType: eventType, PeerDID: ctx.DID, Outcome: string(d.Action)})
}
