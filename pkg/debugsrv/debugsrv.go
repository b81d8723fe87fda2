// HTTP debug surface: Prometheus metrics and a JSON view of the sockets.
package debugsrv

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"vnetsock/pkg/vtap"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Source is what the server reports on, normally a *vtap.VirtualTap.
type Source interface {
	Snapshot() []vtap.SocketInfo
	Enabled() bool
}

func Router(src Source, gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !src.Enabled() {
			http.Error(w, "interface down", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})
	r.Get("/sockets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, src.Snapshot())
	})
	r.Get("/sockets/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "bad socket id", http.StatusBadRequest)
			return
		}
		for _, info := range src.Snapshot() {
			if info.ID == id {
				writeJSON(w, info)
				return
			}
		}
		http.NotFound(w, r)
	})
	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Serve runs the debug server on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, log logrus.Ext1FieldLogger) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Infof("debug server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "debug server on %s", addr)
	}
	return nil
}
