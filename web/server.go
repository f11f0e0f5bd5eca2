package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kisy/relaystats/model"
	"github.com/kisy/relaystats/pkg/stats"
)

const writeWait = 5 * time.Second

// streamMessage is one frame on /api/stream.
type streamMessage struct {
	Type string `json:"type"` // "state" or "stats"
	Data any    `json:"data"`
}

type Server struct {
	agg      *stats.Aggregator
	logger   *zap.SugaredLogger
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
}

func NewServer(agg *stats.Aggregator, logger *zap.SugaredLogger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		agg:      agg,
		logger:   logger,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

// statusFor maps aggregator errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, stats.ErrAlreadyRunning), errors.Is(err, stats.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// readParams decodes an optional Params body, falling back to the current params.
func (s *Server) readParams(r *http.Request) (model.Params, error) {
	params := s.agg.State().Params
	if r.Body == nil {
		return params, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		return model.Params{}, errors.Join(model.ErrInvalidParams, err)
	}
	return params, nil
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *Server) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.agg.State())
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		response := struct {
			State model.ProxyState     `json:"state"`
			Stats *model.ActivityStats `json:"stats"`
		}{
			State: s.agg.State(),
		}
		if snap, ok := s.agg.Snapshot(); ok {
			response.Stats = &snap
		}
		writeJSON(w, http.StatusOK, response)
	})

	mux.HandleFunc("/api/proxy/start", post(func(w http.ResponseWriter, r *http.Request) {
		params, err := s.readParams(r)
		if err == nil {
			err = s.agg.StartSession(params)
		}
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		s.logger.Infow("API: start relay", "params", params)
		writeJSON(w, http.StatusOK, s.agg.State())
	}))

	mux.HandleFunc("/api/proxy/stop", post(func(w http.ResponseWriter, r *http.Request) {
		if err := s.agg.StopSession(); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		s.logger.Infow("API: stop relay")
		writeJSON(w, http.StatusOK, s.agg.State())
	}))

	mux.HandleFunc("/api/proxy/toggle", post(func(w http.ResponseWriter, r *http.Request) {
		params, err := s.readParams(r)
		if err == nil {
			_, err = s.agg.Toggle(params)
		}
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		s.logger.Infow("API: toggle relay", "status", s.agg.State().Status)
		writeJSON(w, http.StatusOK, s.agg.State())
	}))

	mux.HandleFunc("/api/proxy/params", post(func(w http.ResponseWriter, r *http.Request) {
		params, err := s.readParams(r)
		if err == nil {
			err = s.agg.UpdateParams(params)
		}
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, s.agg.State())
	}))

	mux.HandleFunc("/api/stream", s.serveStream)

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// serveStream pushes state and stats updates until the client goes away.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	states, cancelStates := s.agg.SubscribeState()
	defer cancelStates()
	updates, cancelStats := s.agg.SubscribeStats()
	defer cancelStats()

	// Reads only detect the close; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(msg streamMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Debugw("websocket write failed", "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case <-gone:
			return
		case st, ok := <-states:
			if !ok || !send(streamMessage{Type: "state", Data: st}) {
				return
			}
		case snap, ok := <-updates:
			if !ok || !send(streamMessage{Type: "stats", Data: snap}) {
				return
			}
		}
	}
}
