package net

import (
	"encoding/json"
	"errors"
	"log"
	nethttp "net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mathstream/server"
	"mathstream/server/internal/net/ws"
	"mathstream/server/internal/observability"
	"mathstream/server/internal/player"
	"mathstream/server/internal/telemetry"
)

// StreamPath is the websocket endpoint renderers and presenters connect to.
const StreamPath = "/api/stream"

// ErrPresenterUnavailable is returned by a Presenter that cannot reach the stream.
var ErrPresenterUnavailable = errors.New("presenter not connected")

// PresenterStatus is the presenter section of /diagnostics.
type PresenterStatus struct {
	Enabled       bool   `json:"enabled"`
	State         string `json:"state"`
	Playing       bool   `json:"playing"`
	SceneID       string `json:"sceneId,omitempty"`
	ElapsedMillis int64  `json:"elapsedMillis,omitempty"`
}

// Presenter plays scenes into the stream on behalf of HTTP callers.
type Presenter interface {
	Scenes() []player.SceneSummary
	PlayScene(id string) error
	StopScene()
	Status() PresenterStatus
}

type HTTPHandlerConfig struct {
	ClientDir     string
	Logger        telemetry.Logger
	Observability observability.Config
	// Gatherer backs /metrics. prometheus.DefaultGatherer is used when nil.
	Gatherer  prometheus.Gatherer
	Presenter Presenter
	Stream    ws.HandlerConfig
}

func NewHTTPHandler(hub *server.Hub, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	if cfg.Stream.Logger == nil {
		cfg.Stream.Logger = logger
	}

	router := mux.NewRouter()

	router.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}).Methods(nethttp.MethodGet)

	router.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		presenter := PresenterStatus{State: "disabled"}
		if cfg.Presenter != nil {
			presenter = cfg.Presenter.Status()
		}
		payload := struct {
			Status     string          `json:"status"`
			ServerTime int64           `json:"serverTime"`
			Clients    any             `json:"clients"`
			Telemetry  any             `json:"telemetry"`
			Presenter  PresenterStatus `json:"presenter"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Clients:    hub.DiagnosticsSnapshot(),
			Telemetry:  hub.TelemetrySnapshot(),
			Presenter:  presenter,
		}
		writeJSON(w, nethttp.StatusOK, payload)
	}).Methods(nethttp.MethodGet)

	stream := ws.NewHandler(hub, cfg.Stream)
	router.HandleFunc(StreamPath, stream.Handle).Methods(nethttp.MethodGet)

	router.HandleFunc("/api/clients", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		payload := struct {
			Clients []server.ClientState `json:"clients"`
		}{Clients: hub.ConnectedClients()}
		writeJSON(w, nethttp.StatusOK, payload)
	}).Methods(nethttp.MethodGet)

	router.HandleFunc("/api/scenes", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		scenes := []player.SceneSummary{}
		if cfg.Presenter != nil {
			scenes = cfg.Presenter.Scenes()
		}
		payload := struct {
			Scenes []player.SceneSummary `json:"scenes"`
		}{Scenes: scenes}
		writeJSON(w, nethttp.StatusOK, payload)
	}).Methods(nethttp.MethodGet)

	router.HandleFunc("/api/scenes/stop", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if cfg.Presenter == nil {
			httpError(w, "presenter disabled", nethttp.StatusServiceUnavailable)
			return
		}
		cfg.Presenter.StopScene()
		writeJSON(w, nethttp.StatusOK, cfg.Presenter.Status())
	}).Methods(nethttp.MethodPost)

	router.HandleFunc("/api/scenes/{id}/play", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if cfg.Presenter == nil {
			httpError(w, "presenter disabled", nethttp.StatusServiceUnavailable)
			return
		}
		id := mux.Vars(r)["id"]
		err := cfg.Presenter.PlayScene(id)
		switch {
		case err == nil:
			logger.Printf("scene %s started over http", id)
			writeJSON(w, nethttp.StatusAccepted, cfg.Presenter.Status())
		case errors.Is(err, player.ErrSceneNotFound):
			httpError(w, err.Error(), nethttp.StatusNotFound)
		case errors.Is(err, ErrPresenterUnavailable):
			httpError(w, err.Error(), nethttp.StatusServiceUnavailable)
		default:
			logger.Printf("failed to play scene %s: %v", id, err)
			httpError(w, "failed to play scene", nethttp.StatusInternalServerError)
		}
	}).Methods(nethttp.MethodPost)

	if cfg.Observability.EnableMetrics {
		gatherer := cfg.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(nethttp.MethodGet)
	}

	if cfg.Observability.EnablePprof {
		router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		router.HandleFunc("/debug/pprof/profile", pprof.Profile)
		router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		router.HandleFunc("/debug/pprof/trace", pprof.Trace)
		router.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
	}

	if cfg.ClientDir != "" {
		router.PathPrefix("/").Handler(nethttp.FileServer(nethttp.Dir(cfg.ClientDir)))
	}

	return router
}

func writeJSON(w nethttp.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
