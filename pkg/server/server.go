// Package server is the menu backend: list, create, delete and full-partition reorder of menus,
// sections and products, plus order watching and history.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/astromechza/nego/pkg/auth"
	"github.com/astromechza/nego/pkg/history"
	"github.com/astromechza/nego/pkg/model"
	"github.com/astromechza/nego/pkg/ordering"
	"github.com/astromechza/nego/pkg/restapi"
	"github.com/astromechza/nego/pkg/store"
	"github.com/astromechza/nego/pkg/watch"
)

const HeaderRequestID = "X-Request-Id"

type Config struct {
	Secret         []byte
	AllowedOrigins []string
}

type Server struct {
	store   *store.Store
	hub     *watch.Hub
	history *history.Recorder
	cfg     Config

	// last idempotency key committed per partition and the version it produced, so a retried write
	// does not bump the version
	lock     sync.Mutex
	lastKeys map[ordering.Partition]keyedWrite
}

type keyedWrite struct {
	key     string
	version int64
}

func New(s *store.Store, hub *watch.Hub, recorder *history.Recorder, cfg Config) *Server {
	return &Server{store: s, hub: hub, history: recorder, cfg: cfg, lastKeys: make(map[ordering.Partition]keyedWrite)}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(requestID, accessLog)

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.Middleware(s.cfg.Secret))

	api.Methods(http.MethodGet).Path("/cartas/establecimiento/{parent:[0-9]+}").HandlerFunc(s.list(ordering.KindMenus))
	api.Methods(http.MethodGet).Path("/secciones/carta/{parent:[0-9]+}").HandlerFunc(s.list(ordering.KindSections))
	api.Methods(http.MethodGet).Path("/productos/seccion/{parent:[0-9]+}").HandlerFunc(s.list(ordering.KindProducts))

	api.Methods(http.MethodPut).Path("/cartas/orden").HandlerFunc(s.reorderMenus)
	api.Methods(http.MethodPut).Path("/secciones/reordenar/orden").HandlerFunc(s.reorder(ordering.KindSections))
	api.Methods(http.MethodPut).Path("/productos/reordenar/orden").HandlerFunc(s.reorder(ordering.KindProducts))

	api.Methods(http.MethodPost).Path("/{kind:cartas|secciones|productos}").HandlerFunc(s.create)
	api.Methods(http.MethodDelete).Path("/{kind:cartas|secciones|productos}/{id:[0-9]+}").HandlerFunc(s.delete)

	api.Methods(http.MethodGet).Path("/watch/{kind}/{parent:[0-9]+}").HandlerFunc(s.watch)
	api.Methods(http.MethodGet).Path("/history/{kind}/{parent:[0-9]+}").HandlerFunc(s.historyDoc)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", restapi.HeaderIdempotencyKey},
		ExposedHeaders:   []string{restapi.HeaderPartitionVersion, HeaderRequestID},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		slog.Info("handled", "method", r.Method, "url", r.URL.Path, "duration", m.Duration, "status", m.Code, "request_id", w.Header().Get(HeaderRequestID))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidPayload):
		writeJSON(w, http.StatusBadRequest, model.Message{Message: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, model.Message{Message: err.Error()})
	case errors.Is(err, store.ErrConflict):
		writeJSON(w, http.StatusConflict, model.Message{Message: err.Error()})
	default:
		slog.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, model.Message{Message: "internal error"})
	}
}

func partitionVar(r *http.Request, kind ordering.Kind) (ordering.Partition, error) {
	parent, err := strconv.ParseInt(mux.Vars(r)["parent"], 10, 64)
	if err != nil {
		return ordering.Partition{}, fmt.Errorf("%w: bad parent id", store.ErrInvalidPayload)
	}
	return ordering.Partition{Kind: kind, ParentID: parent}, nil
}

func kindVar(r *http.Request) (ordering.Kind, error) {
	kind, err := ordering.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrInvalidPayload, err)
	}
	return kind, nil
}

func wire(entries []model.Entry) []any {
	out := make([]any, len(entries))
	for i, e := range entries {
		out[i] = e.Wire()
	}
	return out
}

func (s *Server) list(kind ordering.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := partitionVar(r, kind)
		if err != nil {
			writeError(w, err)
			return
		}
		entries, err := s.store.List(r.Context(), p)
		if err != nil {
			writeError(w, err)
			return
		}
		v, err := s.store.Version(r.Context(), p)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set(restapi.HeaderPartitionVersion, strconv.FormatInt(v, 10))
		writeJSON(w, http.StatusOK, wire(entries))
	}
}

func (s *Server) reorderMenus(w http.ResponseWriter, r *http.Request) {
	var body model.MenuOrder
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", store.ErrInvalidPayload, err))
		return
	}
	if body.EstablishmentID == 0 {
		writeError(w, fmt.Errorf("%w: establecimiento_id is required", store.ErrInvalidPayload))
		return
	}
	expected := ordering.Partition{Kind: ordering.KindMenus, ParentID: body.EstablishmentID}
	s.applyReorder(w, r, ordering.KindMenus, &expected, body.Orders)
}

func (s *Server) reorder(kind ordering.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var pairs []ordering.Pair[int64]
		if err := json.NewDecoder(r.Body).Decode(&pairs); err != nil {
			writeError(w, fmt.Errorf("%w: %v", store.ErrInvalidPayload, err))
			return
		}
		s.applyReorder(w, r, kind, nil, pairs)
	}
}

func (s *Server) applyReorder(w http.ResponseWriter, r *http.Request, kind ordering.Kind, expected *ordering.Partition, pairs []ordering.Pair[int64]) {
	key := r.Header.Get(restapi.HeaderIdempotencyKey)
	if key != "" && len(pairs) > 0 {
		if e, err := s.store.Get(r.Context(), kind, pairs[0].ID); err == nil {
			if ep := (ordering.Partition{Kind: kind, ParentID: e.ParentID}); expected == nil || *expected == ep {
				if v, ok := s.seen(r.Context(), ep, key); ok {
					s.replayed(w, ep, v)
					return
				}
			}
		}
	}

	p, v, err := s.store.Reorder(r.Context(), kind, expected, pairs)
	if err != nil {
		writeError(w, err)
		return
	}
	if key != "" {
		s.lock.Lock()
		if prev := s.lastKeys[p]; v > prev.version {
			s.lastKeys[p] = keyedWrite{key: key, version: v}
		}
		s.lock.Unlock()
	}

	slog.Info("reordered", "partition", p.String(), "version", v, "items", len(pairs))
	s.committed(r.Context(), p, v, "reorder")
	w.Header().Set(restapi.HeaderPartitionVersion, strconv.FormatInt(v, 10))
	writeJSON(w, http.StatusOK, model.Message{Message: "Orden actualizado"})
}

// seen reports whether key produced the partition's current version. Any write committed since,
// keyed or not, bumps the version and makes the key stale.
func (s *Server) seen(ctx context.Context, p ordering.Partition, key string) (int64, bool) {
	s.lock.Lock()
	last, ok := s.lastKeys[p]
	s.lock.Unlock()
	if !ok || last.key != key {
		return 0, false
	}
	v, err := s.store.Version(ctx, p)
	if err != nil || v != last.version {
		return 0, false
	}
	return v, true
}

func (s *Server) replayed(w http.ResponseWriter, p ordering.Partition, v int64) {
	slog.Info("replayed reorder", "partition", p.String(), "version", v)
	w.Header().Set(restapi.HeaderPartitionVersion, strconv.FormatInt(v, 10))
	writeJSON(w, http.StatusOK, model.Message{Message: "Orden actualizado"})
}

// committed fans the partition's new order out to watchers and the history log. Neither may fail
// the request: the order is already stored.
func (s *Server) committed(ctx context.Context, p ordering.Partition, v int64, message string) {
	entries, err := s.store.List(ctx, p)
	if err != nil {
		slog.Error("failed to list committed partition", "partition", p.String(), "err", err)
		return
	}
	items := model.Items(entries)
	s.hub.Publish(model.OrderEvent{Kind: p.Kind, ParentID: p.ParentID, Version: v, Orders: ordering.Pairs(items)})
	if s.history != nil {
		if err := s.history.Record(context.WithoutCancel(ctx), p, v, ordering.IDs(items), message); err != nil {
			slog.Error("failed to record history", "partition", p.String(), "err", err)
		}
	}
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	kind, err := kindVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body model.NewEntry
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: %v", store.ErrInvalidPayload, err))
		return
	}
	e, p, v, err := s.store.Create(r.Context(), kind, body)
	if err != nil {
		writeError(w, err)
		return
	}
	s.committed(r.Context(), p, v, "create "+strconv.FormatInt(e.ID, 10))
	w.Header().Set(restapi.HeaderPartitionVersion, strconv.FormatInt(v, 10))
	writeJSON(w, http.StatusCreated, e.Wire())
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	kind, err := kindVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: bad id", store.ErrInvalidPayload))
		return
	}
	p, v, err := s.store.Delete(r.Context(), kind, id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.committed(r.Context(), p, v, "delete "+strconv.FormatInt(id, 10))
	w.Header().Set(restapi.HeaderPartitionVersion, strconv.FormatInt(v, 10))
	writeJSON(w, http.StatusOK, model.Message{Message: "Eliminado"})
}

func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	kind, err := kindVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := partitionVar(r, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.store.List(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := s.store.Version(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	initial := model.OrderEvent{Kind: p.Kind, ParentID: p.ParentID, Version: v, Orders: ordering.Pairs(model.Items(entries))}
	if err := s.hub.Serve(w, r, p, &initial); err != nil {
		slog.Warn("watch ended", "partition", p.String(), "err", err)
	}
}

func (s *Server) historyDoc(w http.ResponseWriter, r *http.Request) {
	kind, err := kindVar(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := partitionVar(r, kind)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.history == nil {
		writeError(w, fmt.Errorf("history: %w", store.ErrNotFound))
		return
	}
	doc, err := s.history.Load(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		entries, err := history.Entries(doc)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(doc.Save()); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

// Sweep re-densifies broken partitions and announces the repaired orders.
func (s *Server) Sweep(ctx context.Context) error {
	repaired, err := s.store.Repair(ctx)
	if err != nil {
		return err
	}
	for _, rep := range repaired {
		slog.Warn("repaired partition positions", "partition", rep.Partition.String(), "version", rep.Version)
		s.committed(ctx, rep.Partition, rep.Version, "repair")
	}
	return nil
}

// RunSweeps calls Sweep every interval until ctx is done.
func (s *Server) RunSweeps(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.Sweep(ctx); err != nil {
				slog.Error("integrity sweep failed", "err", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
