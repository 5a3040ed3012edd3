package api

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisnet/cis/internal/acl"
	"github.com/cisnet/cis/internal/common/logger"
	"github.com/cisnet/cis/internal/contextstore"
	"github.com/cisnet/cis/internal/eventbus"
	"github.com/cisnet/cis/internal/executor"
	"github.com/cisnet/cis/internal/federation"
	"github.com/cisnet/cis/internal/identity"
	"github.com/cisnet/cis/internal/pool"
	"github.com/cisnet/cis/internal/syncqueue"
	v1 "github.com/cisnet/cis/pkg/api/v1"
)

type noopResolver struct{}

func (noopResolver) Resolve(did string) (ed25519.PublicKey, bool) { return nil, false }

type noopPeerDirectory struct{}

func (noopPeerDirectory) PeersForRoom(roomID string) []string { return nil }

func setupTestRouter(t *testing.T) (*gin.Engine, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.Default()

	node, err := identity.New("test-node")
	require.NoError(t, err)

	store, err := contextstore.NewSQLiteStore(filepath.Join(t.TempDir(), "ctx.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	p := pool.New(pool.DefaultConfig(), log)
	exec := executor.New(executor.DefaultConfig(), p, store, log)

	bus := eventbus.NewMemoryBus(log)
	queue := syncqueue.New(syncqueue.DefaultConfig(), log)
	nucleus := federation.New(node, bus, queue, noopPeerDirectory{}, noopResolver{}, log)

	a := acl.New(acl.Document{LocalDID: node.DID, Mode: acl.ModeOpen}, nil, acl.NewAuditLog())

	h := NewHandler(p, store, exec, nucleus, a, log)

	r := gin.New()
	SetupRoutes(r, h, log)
	return r, h
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateRunEmptyDagCompletesImmediately(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/runs", v1.CreateRunRequest{RunID: "run-1", Nodes: nil})
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		w := doJSON(t, r, http.MethodGet, "/api/v1/runs/run-1", nil)
		if w.Code != http.StatusOK {
			return false
		}
		var status v1.RunStatusView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
		return status.AllTerminal
	}, time.Second, 10*time.Millisecond)
}

func TestCreateRunRejectsDuplicateRunID(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/runs", v1.CreateRunRequest{RunID: "run-dup"})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/runs", v1.CreateRunRequest{RunID: "run-dup"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetRunNotFound(t *testing.T) {
	r, _ := setupTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoomCreateJoinSendSyncFlow(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/rooms", v1.CreateRoomRequest{RoomID: "!test:node", Creator: "@alice:node"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/rooms/!test:node/join", v1.JoinRoomRequest{UserID: "@bob:node"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/rooms/!test:node/events", v1.SendEventRequest{
		Sender: "@alice:node", EventType: "m.room.message", Content: map[string]interface{}{"body": "hi"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/rooms/!test:node/sync?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page v1.SyncPageView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Events, 1)
}

func TestACLAllowAndAudit(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/acl/allow", v1.ACLEntryRequest{DID: "did:cis:peer:abc", AddedBy: "admin"})
	require.Equal(t, http.StatusOK, w.Code)
	var doc v1.ACLDocumentView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Len(t, doc.Whitelist, 1)

	w = doJSON(t, r, http.MethodGet, "/api/v1/acl/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []v1.AuditRecordView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	assert.NotEmpty(t, records)
}
