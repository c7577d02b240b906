// Package server exposes the supervisor's control surface over HTTP.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/hostr/internal/metrics"
	"github.com/loykin/hostr/internal/store"
	"github.com/loykin/hostr/internal/supervisor"
)

// Router provides embeddable HTTP handlers for the instance control surface.
// Endpoints:
//
//	POST   {basePath}/owners                  body: {id, plan}
//	POST   {basePath}/instances               body: {owner_id, name, entry_file}
//	GET    {basePath}/instances?owner=ID      list an owner's instances
//	GET    {basePath}/instances/:id           stored record + live flag
//	DELETE {basePath}/instances/:id           stop, purge, and forget
//	POST   {basePath}/instances/:id/start
//	POST   {basePath}/instances/:id/stop
//	POST   {basePath}/instances/:id/addtime   body: {seconds}
//	POST   {basePath}/instances/:id/recover
//	GET    {basePath}/instances/:id/logs?limit=N
//	GET    {basePath}/instances/:id/usage
type Router struct {
	sup      *supervisor.Supervisor
	basePath string
}

// NewRouter constructs a Router with a configurable basePath.
func NewRouter(sup *supervisor.Supervisor, basePath string) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux. Prometheus metrics are served on /metrics.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.POST("/owners", r.handleCreateOwner)
	group.POST("/instances", r.handleCreateInstance)
	group.GET("/instances", r.handleListInstances)
	group.GET("/instances/:id", r.handleGetInstance)
	group.DELETE("/instances/:id", r.handleDeleteInstance)
	group.POST("/instances/:id/start", r.handleStart)
	group.POST("/instances/:id/stop", r.handleStop)
	group.POST("/instances/:id/addtime", r.handleAddTime)
	group.POST("/instances/:id/recover", r.handleRecover)
	group.GET("/instances/:id/logs", r.handleLogs)
	group.GET("/instances/:id/usage", r.handleUsage)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, sup *supervisor.Supervisor) (*http.Server, error) {
	r := NewRouter(sup, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type createOwnerReq struct {
	ID   int64  `json:"id" binding:"required"`
	Plan string `json:"plan"`
}

func (r *Router) handleCreateOwner(c *gin.Context) {
	var req createOwnerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	p := store.Plan(req.Plan)
	switch p {
	case "":
		p = store.PlanFree
	case store.PlanFree, store.PlanPro, store.PlanUltra:
	default:
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "unknown plan: " + req.Plan})
		return
	}
	if err := r.sup.CreateOwner(c.Request.Context(), req.ID, p); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

type createInstanceReq struct {
	OwnerID   int64  `json:"owner_id" binding:"required"`
	Name      string `json:"name" binding:"required"`
	EntryFile string `json:"entry_file" binding:"required"`
}

func (r *Router) handleCreateInstance(c *gin.Context) {
	var req createInstanceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(req.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	if !isSafeRelPath(req.EntryFile) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid entry_file: must be a relative path without traversal"})
		return
	}
	inst, err := r.sup.CreateInstance(c.Request.Context(), req.OwnerID, req.Name, req.EntryFile)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, instanceView(inst, false))
}

func (r *Router) handleListInstances(c *gin.Context) {
	ownerID, err := strconv.ParseInt(c.Query("owner"), 10, 64)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "owner query param required"})
		return
	}
	insts, err := r.sup.Instances(c.Request.Context(), ownerID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]instanceResp, 0, len(insts))
	for _, inst := range insts {
		out = append(out, instanceView(inst, inst.Status == store.StatusRunning))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGetInstance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	inst, running, err := r.sup.Instance(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, instanceView(inst, running))
}

func (r *Router) handleDeleteInstance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := r.sup.DeleteInstance(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := r.sup.StartInstance(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := r.sup.StopInstance(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

type addTimeReq struct {
	Seconds int64 `json:"seconds" binding:"required"`
}

func (r *Router) handleAddTime(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req addTimeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Seconds <= 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "seconds must be positive"})
		return
	}
	inst, err := r.sup.AddTime(c.Request.Context(), id, req.Seconds)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, instanceView(inst, inst.Status == store.StatusRunning))
}

func (r *Router) handleRecover(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	inst, err := r.sup.Recover(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, instanceView(inst, inst.Status == store.StatusRunning))
}

func (r *Router) handleLogs(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	logs, err := r.sup.Logs(c.Request.Context(), id, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]logResp, 0, len(logs))
	for _, l := range logs {
		out = append(out, logResp{ID: l.ID, Text: l.Text, CreatedAt: l.CreatedAt})
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleUsage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	u, err := r.sup.Usage(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, u)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid instance id"})
		return 0, false
	}
	return id, true
}

// writeError maps domain errors onto status codes: unknown ids are 404,
// policy rejections are 409, spawn failures are 502-adjacent internals.
func writeError(c *gin.Context, err error) {
	var spawn *supervisor.SpawnError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, supervisor.ErrDormant),
		errors.Is(err, supervisor.ErrBudgetExhausted),
		errors.Is(err, supervisor.ErrPlanLimitExceeded),
		errors.Is(err, supervisor.ErrRecoveryUnavailable):
		writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
	case errors.As(err, &spawn):
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}
