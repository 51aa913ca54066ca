// Package admin is the operator surface: pause controls, earmark and
// operation inspection, queue introspection, dead-letter recovery, and the
// prometheus scrape endpoint. Every mutating route sits behind the admin
// token.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/everclear/mark/core"
	"github.com/everclear/mark/log"
	"github.com/everclear/mark/storage/opstore"
	"github.com/everclear/mark/storage/purchase"
	"github.com/everclear/mark/storage/queue"
)

var logger = log.NewModuleLogger("admin")

const tokenHeader = "x-admin-token"

// Ticker triggers one rebalance pass out of schedule.
type Ticker interface {
	Tick(ctx context.Context)
}

// Server is the admin HTTP server.
type Server struct {
	store  *opstore.Store
	cache  *purchase.Cache
	queue  *queue.Queue
	engine Ticker
	token  string
	http   *http.Server
}

// NewServer builds the admin server on addr.
func NewServer(addr, token string, store *opstore.Store, cache *purchase.Cache,
	q *queue.Queue, engine Ticker) *Server {

	s := &Server{store: store, cache: cache, queue: q, engine: engine, token: token}

	router := httprouter.New()
	router.GET("/health", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	router.GET("/admin/pause", s.auth(s.getPauseState))
	router.POST("/admin/pause/:target", s.auth(s.setPause(true)))
	router.POST("/admin/unpause/:target", s.auth(s.setPause(false)))

	router.GET("/admin/earmarks", s.auth(s.listEarmarks))
	router.GET("/admin/earmarks/:id", s.auth(s.getEarmark))
	router.POST("/admin/earmarks/:id/cancel", s.auth(s.cancelEarmark))

	router.GET("/admin/operations", s.auth(s.listOperations))
	router.GET("/admin/operations/:id", s.auth(s.getOperation))
	router.POST("/admin/operations/:id/cancel", s.auth(s.cancelOperation))

	router.GET("/admin/queue/depths", s.auth(s.queueDepths))
	router.GET("/admin/queue/dead-letter", s.auth(s.listDeadLetter))
	router.POST("/admin/queue/dead-letter/requeue", s.auth(s.requeueDeadLetter))

	router.POST("/admin/rebalance/tick", s.auth(s.triggerTick))

	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", tokenHeader},
	}).Handler(router)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Infow("admin server listening", "addr", s.http.Addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) auth(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if s.token == "" || r.Header.Get(tokenHeader) != s.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r, p)
	}
}

// --- pause controls ---

func (s *Server) getPauseState(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	out := map[string]bool{}
	for _, flag := range []string{opstore.FlagRebalance, opstore.FlagOnDemand} {
		paused, err := s.store.GetPauseFlag(flag)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out[flag] = paused
	}
	if paused, err := s.cache.IsPaused(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	} else {
		out[opstore.FlagPurchase] = paused
	}
	if paused, err := s.queue.IsPaused(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	} else {
		out["queue"] = paused
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) setPause(paused bool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		target := p.ByName("target")
		var err error
		switch target {
		case opstore.FlagRebalance, opstore.FlagOnDemand:
			err = s.store.SetPauseFlag(target, paused)
		case opstore.FlagPurchase:
			err = s.cache.SetPaused(r.Context(), paused)
		case "queue":
			err = s.queue.SetPaused(r.Context(), paused)
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown pause target"})
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		logger.Infow("pause flag changed", "target", target, "paused", paused)
		writeJSON(w, http.StatusOK, map[string]bool{target: paused})
	}
}

// --- earmarks ---

func (s *Server) listEarmarks(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	limit, offset := pagination(q.Get("limit"), q.Get("offset"))
	earmarks, err := s.store.ListEarmarks(opstore.EarmarkFilter{
		Status:    core.EarmarkStatus(q.Get("status")),
		InvoiceID: q.Get("invoiceId"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"earmarks": earmarks})
}

func (s *Server) getEarmark(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	em, err := s.store.GetEarmark(p.ByName("id"))
	if err == opstore.ErrNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "earmark not found"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	ops, err := s.store.OperationsForEarmark(em.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"earmark": em, "operations": ops})
}

func (s *Server) cancelEarmark(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	id := p.ByName("id")
	err := s.store.CancelEarmark(id)
	if err == opstore.ErrNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "earmark not found"})
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cancelled": id})
}

// --- operations ---

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	limit, offset := pagination(q.Get("limit"), q.Get("offset"))
	f := opstore.OperationFilter{
		EarmarkID: q.Get("earmarkId"),
		Limit:     limit,
		Offset:    offset,
	}
	if v := q.Get("status"); v != "" {
		f.Statuses = []core.OperationStatus{core.OperationStatus(v)}
	}
	if v := q.Get("chainId"); v != "" {
		chain, err := core.ParseChainID(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid chainId"})
			return
		}
		f.ChainID = chain
	}
	ops, err := s.store.ListOperations(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

func (s *Server) getOperation(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	op, err := s.store.GetOperation(p.ByName("id"))
	if err == opstore.ErrNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "operation not found"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operation": op})
}

func (s *Server) cancelOperation(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	id := p.ByName("id")
	err := s.store.CancelOperation(id)
	if err == opstore.ErrNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "operation not found"})
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cancelled": id})
}

// --- queue ---

func (s *Server) queueDepths(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	depths, err := s.queue.GetQueueDepths(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, depths)
}

func (s *Server) listDeadLetter(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	limit, _ := pagination(r.URL.Query().Get("limit"), "")
	entries, err := s.queue.ListDeadLetter(r.Context(), int64(limit))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) requeueDeadLetter(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	n, err := s.queue.RequeueDeadLetter(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	logger.Infow("dead-letter requeued", "count", n)
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

// --- rebalance ---

func (s *Server) triggerTick(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	// Tick itself refuses to overlap a running pass.
	go s.engine.Tick(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "tick scheduled"})
}

func pagination(limitStr, offsetStr string) (int, int) {
	limit := 100
	if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
		limit = v
	}
	if limit > opstore.MaxListLimit {
		limit = opstore.MaxListLimit
	}
	offset := 0
	if v, err := strconv.Atoi(offsetStr); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("response write failed", "err", err)
	}
}
