// Package webhook is the HTTP push ingress: the hub POSTs invoice and
// settlement announcements here, authenticated by a shared token, and they
// are folded into the event queue.
package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/everclear/mark/core"
	"github.com/everclear/mark/log"
	"github.com/everclear/mark/storage/queue"
)

var logger = log.NewModuleLogger("ingress/webhook")

const tokenHeader = "x-webhook-token"

// Server accepts hub webhooks.
type Server struct {
	queue *queue.Queue
	token string
	http  *http.Server
}

// NewServer builds the webhook server on addr.
func NewServer(addr, token string, q *queue.Queue) *Server {
	s := &Server{queue: q, token: token}

	router := httprouter.New()
	router.POST("/webhooks/everclear", s.auth(s.handleEvent))
	router.GET("/health", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", tokenHeader},
	}).Handler(router)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
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
	logger.Infow("webhook server listening", "addr", s.http.Addr)
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

// eventRequest is the webhook body.
type eventRequest struct {
	Event     string `json:"event"`
	InvoiceID string `json:"invoiceId"`
	Priority  string `json:"priority"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if req.InvoiceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invoiceId required"})
		return
	}

	var ev *core.QueuedEvent
	switch core.ConvertStringToEventType(req.Event) {
	case core.EventInvoiceEnqueued:
		ev = core.NewInvoiceEnqueued(req.InvoiceID, priorityOf(req.Priority, core.PriorityNormal), time.Now())
	case core.EventSettlementEnqueued:
		ev = core.NewSettlementEnqueued(req.InvoiceID, priorityOf(req.Priority, core.PriorityHigh), time.Now())
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown event type"})
		return
	}

	added, err := s.queue.Enqueue(r.Context(), ev, false)
	if err != nil {
		logger.Errorw("webhook enqueue failed", "invoiceId", req.InvoiceID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queued": added})
}

func priorityOf(s string, fallback core.Priority) core.Priority {
	if p := core.ConvertStringToPriority(s); p.Known() {
		return p
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("response write failed", "err", err)
	}
}
