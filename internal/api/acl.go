package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cisnet/cis/internal/acl"
	cerrors "github.com/cisnet/cis/internal/common/errors"
	v1 "github.com/cisnet/cis/pkg/api/v1"
)

// GetACLDocument returns the current access-control document.
// GET /api/v1/acl
func (h *Handler) GetACLDocument(c *gin.Context) {
	c.JSON(http.StatusOK, aclDocumentView(h.acl.Document()))
}

// SetACLMode changes the ACL's default connection policy.
// PUT /api/v1/acl/mode
func (h *Handler) SetACLMode(c *gin.Context) {
	var req v1.SetModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(cerrors.InvalidInput("body", err.Error()))
		return
	}
	h.acl.SetMode(acl.Mode(req.Mode), time.Now())
	c.JSON(http.StatusOK, aclDocumentView(h.acl.Document()))
}

// AllowDID whitelists a peer DID.
// POST /api/v1/acl/allow
func (h *Handler) AllowDID(c *gin.Context) {
	h.applyACLEntry(c, h.acl.Allow)
}

// DenyDID blacklists a peer DID.
// POST /api/v1/acl/deny
func (h *Handler) DenyDID(c *gin.Context) {
	h.applyACLEntry(c, h.acl.Deny)
}

// QuarantineDID restricts a peer DID to quarantine mode.
// POST /api/v1/acl/quarantine
func (h *Handler) QuarantineDID(c *gin.Context) {
	h.applyACLEntry(c, h.acl.Quarantine)
}

func (h *Handler) applyACLEntry(c *gin.Context, apply func(did, addedBy, reason string, expiresAt *time.Time, now time.Time)) {
	var req v1.ACLEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(cerrors.InvalidInput("body", err.Error()))
		return
	}
	apply(req.DID, req.AddedBy, req.Reason, req.ExpiresAt, time.Now())
	c.JSON(http.StatusOK, aclDocumentView(h.acl.Document()))
}

// ListAuditLog returns recent access-control decisions.
// GET /api/v1/acl/audit?limit=&event_type=
func (h *Handler) ListAuditLog(c *gin.Context) {
	limit := 100
	if q := c.Query("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	records := h.acl.AuditLog().List(limit, c.Query("event_type"))
	views := make([]v1.AuditRecordView, 0, len(records))
	for _, r := range records {
		views = append(views, v1.AuditRecordView{
			Timestamp: r.Timestamp, EventType: r.EventType, PeerDID: r.PeerDID, Outcome: r.Outcome,
		})
	}
	c.JSON(http.StatusOK, views)
}

func aclDocumentView(doc acl.Document) v1.ACLDocumentView {
	return v1.ACLDocumentView{
		LocalDID:   doc.LocalDID,
		Mode:       string(doc.Mode),
		Whitelist:  aclEntryViews(doc.Whitelist),
		Blacklist:  aclEntryViews(doc.Blacklist),
		Quarantine: aclEntryViews(doc.Quarantine),
		Version:    doc.Version,
		UpdatedAt:  doc.UpdatedAt,
	}
}

func aclEntryViews(entries []acl.Entry) []v1.ACLEntryView {
	views := make([]v1.ACLEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, v1.ACLEntryView{
			DID: e.DID, AddedAt: e.AddedAt, AddedBy: e.AddedBy, Reason: e.Reason, ExpiresAt: e.ExpiresAt,
		})
	}
	return views
}
