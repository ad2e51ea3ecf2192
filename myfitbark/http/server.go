// Package http serves the hub's inbound endpoints: the OAuth callback, a status page,
// the health probe and the Prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/schema"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/asnowfix/myfitbark/internal/myfitbark"
	"github.com/asnowfix/myfitbark/myfitbark/auth"
	"github.com/asnowfix/myfitbark/myfitbark/discovery"
)

const CallbackPath = "/oauth/callback"

type Authorizer interface {
	HandleCallback(ctx context.Context, code string, state string) error
	Status(ctx context.Context) (auth.Status, error)
}

type Registry interface {
	List(ctx context.Context) ([]myfitbark.LinkedEntity, error)
	Snapshot(ctx context.Context, externalId string) (myfitbark.Snapshot, error)
}

type Discoverer interface {
	LastRun() discovery.RunState
}

// callbackQuery is what the authorization server appends to the callback URL.
type callbackQuery struct {
	Code             string `schema:"code"`
	State            string `schema:"state"`
	Error            string `schema:"error"`
	ErrorDescription string `schema:"error_description"`
}

type Server struct {
	flow      Authorizer
	devices   Registry
	discovery Discoverer
	decoder   *schema.Decoder
	mux       *http.ServeMux
	log       logr.Logger
}

func NewServer(log logr.Logger, flow Authorizer, devices Registry, discovery Discoverer) *Server {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)
	s := &Server{
		flow:      flow,
		devices:   devices,
		discovery: discovery,
		decoder:   decoder,
		mux:       http.NewServeMux(),
		log:       log.WithName("http.Server"),
	}
	s.mux.HandleFunc("GET "+CallbackPath, s.callback)
	s.mux.HandleFunc("GET /{$}", s.statusPage)
	s.mux.HandleFunc("GET /status.json", s.statusJSON)
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	s.mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.log.V(1).Info("http-incoming", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
	s.mux.ServeHTTP(w, r)
}

func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	var q callbackQuery
	if err := s.decoder.Decode(&q, r.URL.Query()); err != nil {
		s.log.Error(err, "Malformed callback query", "query", r.URL.RawQuery)
		s.renderCallback(w, http.StatusBadRequest, callbackPage{Message: "The authorization callback could not be read."})
		return
	}
	if q.Error != "" {
		s.log.Info("Authorization denied by FitBark", "error", q.Error, "description", q.ErrorDescription)
	}

	err := s.flow.HandleCallback(r.Context(), q.Code, q.State)
	if err != nil {
		msg := myfitbark.UserMessage(err)
		switch {
		case q.ErrorDescription != "":
			msg = q.ErrorDescription
		case q.Error != "":
			msg = q.Error
		}
		s.renderCallback(w, http.StatusBadRequest, callbackPage{Message: msg})
		return
	}

	page := callbackPage{Success: true, Message: "The hub is now authorized."}
	if st, err := s.flow.Status(r.Context()); err == nil && st.Account != nil {
		page.Message = fmt.Sprintf("The hub is now authorized for %s.", st.Account.DisplayName)
	}
	s.renderCallback(w, http.StatusOK, page)
}

func (s *Server) renderCallback(w http.ResponseWriter, status int, page callbackPage) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := callbackTmpl.Execute(w, page); err != nil {
		s.log.Error(err, "Failed to render callback page")
	}
}

func (s *Server) status(ctx context.Context) (statusPage, error) {
	st, err := s.flow.Status(ctx)
	if err != nil {
		return statusPage{}, err
	}
	page := statusPage{Auth: st}
	if s.discovery != nil {
		page.Discovery = s.discovery.LastRun()
	}
	entities, err := s.devices.List(ctx)
	if err != nil {
		return statusPage{}, err
	}
	for _, e := range entities {
		snap, err := s.devices.Snapshot(ctx, e.ExternalId)
		if err != nil {
			return statusPage{}, err
		}
		page.Entities = append(page.Entities, entityView{Entity: e, Snapshot: snap})
	}
	return page, nil
}

func (s *Server) statusPage(w http.ResponseWriter, r *http.Request) {
	page, err := s.status(r.Context())
	if err != nil {
		s.log.Error(err, "Failed to build status page")
		http.Error(w, "unable to render status", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTmpl.Execute(w, page); err != nil {
		s.log.Error(err, "Failed to render status page")
	}
}

func (s *Server) statusJSON(w http.ResponseWriter, r *http.Request) {
	page, err := s.status(r.Context())
	if err != nil {
		s.log.Error(err, "Failed to build status")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"auth":      page.Auth,
		"discovery": page.Discovery,
		"entities":  page.Entities,
	})
}

// Start serves handler on port until ctx is cancelled. It returns once the listener is
// open, so that a busy port is reported to the caller.
func Start(ctx context.Context, log logr.Logger, port int, handler http.Handler) error {
	addr := fmt.Sprintf(":%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "HTTP server failed")
		} else {
			log.Info("HTTP server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		log.V(1).Info("HTTP server shutdown")
	}()
	return nil
}
