package api

import (
	"sync"

	"go.uber.org/zap"

	"github.com/cisnet/cis/internal/acl"
	"github.com/cisnet/cis/internal/common/logger"
	"github.com/cisnet/cis/internal/contextstore"
	"github.com/cisnet/cis/internal/dag"
	"github.com/cisnet/cis/internal/executor"
	"github.com/cisnet/cis/internal/federation"
	"github.com/cisnet/cis/internal/pool"
)

// runEntry tracks one in-flight or completed DAG run alongside its final
// report, so GetRun/GetReport can answer after Run returns.
type runEntry struct {
	run    *dag.DagRun
	report *executor.ExecutionReport
}

// Handler wires the gin HTTP surface to the core subsystems: the Agent
// Pool, Multi-Agent DAG Executor, Federation Nucleus, and Access Control.
type Handler struct {
	pool    *pool.Pool
	store   contextstore.Store
	exec    *executor.Executor
	nucleus *federation.Nucleus
	acl     *acl.ACL
	log     *logger.Logger

	runsMu sync.RWMutex
	runs   map[string]*runEntry
}

// NewHandler constructs a Handler over the already-wired core components.
func NewHandler(p *pool.Pool, store contextstore.Store, exec *executor.Executor, nucleus *federation.Nucleus, a *acl.ACL, log *logger.Logger) *Handler {
	return &Handler{
		pool:    p,
		store:   store,
		exec:    exec,
		nucleus: nucleus,
		acl:     a,
		log:     log.WithFields(zap.String("component", "api")),
		runs:    make(map[string]*runEntry),
	}
}
