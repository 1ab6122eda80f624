package preview

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/camlink/internal/camera"
	"github.com/danmuck/camlink/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Source is the camera state the preview server reads. Implementations switch
// the underlying client across reconnects; ok is false while disconnected.
type Source interface {
	LatestFrame() (camera.Frame, bool)
	Stats() (camera.Stats, bool)
	RequestCommand(cmd []byte) error
}

const maxCommandBody = 256

// StatusReport is the JSON body of GET /status.
type StatusReport struct {
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
	Published uint64 `json:"published"`
	Abandoned uint64 `json:"abandoned"`
	Dropped   uint64 `json:"dropped"`
	Taken     uint64 `json:"taken"`
	LatestSeq uint64 `json:"latest_seq"`
	Viewers   int    `json:"viewers"`
}

// NewRouter mounts the preview routes:
//
//	GET /health        liveness
//	GET /metrics       prometheus exposition
//	GET /status        StatusReport
//	GET /frame/latest  raw payload of the freshest frame, 204 before the first
//	GET /frame/ws      websocket stream of frames as binary messages
//	POST /command      body is a steering name, or raw bytes with ?raw=true
func NewRouter(src Source, hub *Hub) http.Handler {
	started := time.Now()
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"service": "camlink-preview",
			"uptime":  time.Since(started).Round(time.Second).String(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		report := StatusReport{Viewers: hub.ViewerCount(), Status: "disconnected"}
		if st, ok := src.Stats(); ok {
			report.Connected = true
			report.Status = st.Status.String()
			report.Published = st.Pool.Published
			report.Abandoned = st.Pool.Abandoned
			report.Dropped = st.Pool.Dropped
			report.Taken = st.Pool.Taken
			report.LatestSeq = st.Pool.LatestSeq
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	})
	r.Route("/frame", func(r chi.Router) {
		r.Get("/latest", func(w http.ResponseWriter, req *http.Request) {
			f, ok := src.LatestFrame()
			if !ok {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
			w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
			_, _ = w.Write(f.Data)
		})
		r.Get("/ws", hub.HandleWebSocket)
	})
	r.Post("/command", func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(io.LimitReader(req.Body, maxCommandBody+1))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(body) > maxCommandBody {
			http.Error(w, "command too long", http.StatusRequestEntityTooLarge)
			return
		}
		raw, _ := strconv.ParseBool(req.URL.Query().Get("raw"))
		arg := string(body)
		if !raw {
			arg = strings.TrimSpace(arg)
		}
		cmd, err := camera.ResolveCommand(arg, raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := src.RequestCommand(cmd); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// Server runs the preview router on a TCP listener.
type Server struct {
	http *http.Server
	ln   net.Listener
	hub  *Hub
	log  zerolog.Logger
	errc chan error
}

// Listen binds addr and starts serving in the background.
func Listen(addr string, src Source, hub *Hub) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		http: &http.Server{
			Handler:           NewRouter(src, hub),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:   ln,
		hub:  hub,
		log:  logging.Component("preview.Server").With().Str("addr", ln.Addr().String()).Logger(),
		errc: make(chan error, 1),
	}
	go func() {
		err := s.http.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.errc <- err
	}()
	s.log.Info().Msg("preview server listening")
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown closes viewers, then drains in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if err := s.http.Shutdown(ctx); err != nil {
		return err
	}
	err := <-s.errc
	s.log.Info().Msg("preview server stopped")
	return err
}
