// Package hostr hosts tenant-owned worker processes with prepaid time and
// power budgets. This file is the stable facade for embedding: it re-exports
// the core types and wires the supervisor, store, and HTTP API together.
package hostr

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/hostr/internal/audit"
	"github.com/loykin/hostr/internal/config"
	"github.com/loykin/hostr/internal/metrics"
	"github.com/loykin/hostr/internal/notify"
	iapi "github.com/loykin/hostr/internal/server"
	"github.com/loykin/hostr/internal/store"
	"github.com/loykin/hostr/internal/store/factory"
	"github.com/loykin/hostr/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Owner = store.Owner

type Instance = store.Instance

type Plan = store.Plan

const (
	PlanFree  = store.PlanFree
	PlanPro   = store.PlanPro
	PlanUltra = store.PlanUltra
)

type Config = supervisor.Config

type StoreConfig = store.Config

type UsageInfo = supervisor.UsageInfo

type Notifier = notify.Notifier

type AuditSink = audit.Sink

// Sentinel errors surfaced by Supervisor operations.
var (
	ErrNotFound            = store.ErrNotFound
	ErrDormant             = supervisor.ErrDormant
	ErrBudgetExhausted     = supervisor.ErrBudgetExhausted
	ErrPlanLimitExceeded   = supervisor.ErrPlanLimitExceeded
	ErrRecoveryUnavailable = supervisor.ErrRecoveryUnavailable
)

// Supervisor is a thin facade over internal/supervisor.Supervisor.
type Supervisor struct{ inner *supervisor.Supervisor }

// DefaultConfig returns the production supervision policy.
func DefaultConfig() Config { return supervisor.DefaultConfig() }

// New creates a Supervisor over an opened store.
func New(cfg Config, st store.Store) *Supervisor {
	return &Supervisor{inner: supervisor.New(cfg, st)}
}

// OpenStore opens a store backend from its config.
func OpenStore(cfg store.Config) (store.Store, error) { return factory.New(cfg) }

func (s *Supervisor) SetNotifier(n Notifier) { s.inner.SetNotifier(n) }

func (s *Supervisor) SetAuditSinks(sinks ...AuditSink) { s.inner.SetAuditSinks(sinks...) }

func (s *Supervisor) CreateOwner(ctx context.Context, id int64, p Plan) error {
	return s.inner.CreateOwner(ctx, id, p)
}

func (s *Supervisor) CreateInstance(ctx context.Context, ownerID int64, name, entryFile string) (Instance, error) {
	return s.inner.CreateInstance(ctx, ownerID, name, entryFile)
}

func (s *Supervisor) DeleteInstance(ctx context.Context, id int64) error {
	return s.inner.DeleteInstance(ctx, id)
}

func (s *Supervisor) Start(ctx context.Context, id int64) error {
	return s.inner.StartInstance(ctx, id)
}

func (s *Supervisor) Stop(ctx context.Context, id int64) error {
	return s.inner.StopInstance(ctx, id)
}

func (s *Supervisor) AddTime(ctx context.Context, id, seconds int64) (Instance, error) {
	return s.inner.AddTime(ctx, id, seconds)
}

func (s *Supervisor) Recover(ctx context.Context, id int64) (Instance, error) {
	return s.inner.Recover(ctx, id)
}

func (s *Supervisor) Usage(ctx context.Context, id int64) (UsageInfo, error) {
	return s.inner.Usage(ctx, id)
}

func (s *Supervisor) StartEnforcer() { s.inner.StartEnforcer() }
func (s *Supervisor) StopEnforcer()  { s.inner.StopEnforcer() }

func (s *Supervisor) Shutdown(ctx context.Context) error { return s.inner.Shutdown(ctx) }

// LoadConfig reads the daemon's TOML configuration.
func LoadConfig(path string) (config.Config, error) { return config.Load(path) }

// NewHTTPServer starts an HTTP server exposing the control API for the given
// supervisor.
func NewHTTPServer(addr, basePath string, s *Supervisor) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s.inner)
}

// APIHandler returns the control API as an http.Handler for mounting into an
// existing server or framework.
func APIHandler(basePath string, s *Supervisor) http.Handler {
	return iapi.NewRouter(s.inner, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
