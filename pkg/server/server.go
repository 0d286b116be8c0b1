// Package server serves the health, metrics and camera listing endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/slidebolt/plugin-shinobi/pkg/device"
	"github.com/slidebolt/plugin-shinobi/pkg/logic"
)

const healthy = "perfect"

// Status reports the outcome of plugin setup. A nil error means healthy.
type Status interface {
	Health() error
}

// CameraLister returns the cameras currently exposed.
type CameraLister interface {
	Cameras() []*device.Camera
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Class  string `json:"class,omitempty"`
}

// cameraView leaves out the stream and still URLs, they carry the API key.
type cameraView struct {
	device.CameraInfo
	Online    bool      `json:"online"`
	Recording bool      `json:"recording"`
	Mode      string    `json:"mode,omitempty"`
	Status    string    `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewRouter(status Status, cameras CameraLister, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if err := status.Health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{
				Status: "error",
				Error:  err.Error(),
				Class:  logic.Classify(err),
			}, log)
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: healthy}, log)
	})

	r.Get("/cameras", func(w http.ResponseWriter, _ *http.Request) {
		cams := cameras.Cameras()
		out := make([]cameraView, 0, len(cams))
		for _, c := range cams {
			st := c.State()
			out = append(out, cameraView{
				CameraInfo: c.Info(),
				Online:     st.Online,
				Recording:  st.IsRecording,
				Mode:       st.Mode,
				Status:     st.Status,
				UpdatedAt:  st.UpdatedAt,
			})
		}
		writeJSON(w, http.StatusOK, out, log)
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any, log zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}

// Serve runs the HTTP server on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "listen %s", addr)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Wrap(srv.Shutdown(shutdownCtx), "shutdown http server")
	}
}
