package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	domain "github.com/slidebolt/sb-domain"

	"github.com/slidebolt/plugin-shinobi/pkg/logic"
	"github.com/slidebolt/plugin-shinobi/pkg/metrics"
)

// StateSource is what a camera needs from the Shinobi client.
type StateSource interface {
	GetMonitorState(ctx context.Context, monitorID string) (logic.MonitorStatus, error)
	MonitorStreamURL(monitorID string) string
	MonitorStillURL(monitorID string) string
}

// Publisher exposes cameras to the home-automation platform.
type Publisher interface {
	PublishCamera(ctx context.Context, info CameraInfo) error
	PublishState(ctx context.Context, info CameraInfo, state CameraState) error
	RemoveCamera(ctx context.Context, info CameraInfo) error
}

// Camera adapts one Shinobi monitor to a camera entity.
type Camera struct {
	info   CameraInfo
	source StateSource
	pub    Publisher
	log    zerolog.Logger

	mu    sync.RWMutex
	state CameraState
}

func NewCamera(m logic.Monitor, source StateSource, pub Publisher, log zerolog.Logger) *Camera {
	return &Camera{
		info:   newCameraInfo(m),
		source: source,
		pub:    pub,
		log:    log.With().Str("monitor", m.ID).Logger(),
		state: CameraState{
			Camera: domain.Camera{
				StreamSource: source.MonitorStreamURL(m.ID),
				SnapshotURL:  source.MonitorStillURL(m.ID),
			},
		},
	}
}

func (c *Camera) Info() CameraInfo  { return c.info }
func (c *Camera) MonitorID() string { return c.info.MonitorID }
func (c *Camera) StreamURL() string { return c.source.MonitorStreamURL(c.info.MonitorID) }
func (c *Camera) StillURL() string  { return c.source.MonitorStillURL(c.info.MonitorID) }

func (c *Camera) IsRecording() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.IsRecording
}

func (c *Camera) State() CameraState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Refresh polls the monitor state once. On failure the previous recording
// flag is kept, the camera is reported offline and the error is returned.
func (c *Camera) Refresh(ctx context.Context) error {
	id := c.info.MonitorID
	c.log.Debug().Msg("Updating camera state")

	st, err := c.source.GetMonitorState(ctx, id)
	if err != nil && ctx.Err() != nil {
		// shutting down, keep the last reported state
		return ctx.Err()
	}

	c.mu.Lock()
	c.state.UpdatedAt = time.Now()
	if err != nil {
		c.state.Online = false
		c.state.IsStreaming = false
	} else {
		c.state.Online = true
		c.state.IsStreaming = st.Mode != string(logic.MonitorDisabled)
		c.state.IsRecording = st.IsRecording()
		c.state.Mode = st.Mode
		c.state.Status = st.Status
	}
	state := c.state
	c.mu.Unlock()

	if err != nil {
		metrics.PollFailures.WithLabelValues(id).Inc()
		c.log.Warn().Err(err).Str("class", logic.Classify(err)).Msg("Could not get status for monitor")
	} else {
		metrics.SetRecording(id, state.IsRecording)
		c.log.Debug().Str("mode", st.Mode).Str("status", st.Status).Msg("Monitor state refreshed")
	}

	if perr := c.pub.PublishState(ctx, c.info, state); perr != nil {
		c.log.Warn().Err(perr).Msg("Failed to publish camera state")
	}
	return err
}

// Run refreshes immediately and then every interval until ctx is done.
// Refresh errors never stop the loop.
func (c *Camera) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_ = c.Refresh(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Registry tracks the cameras exposed by one plugin instance.
type Registry struct {
	source StateSource
	pub    Publisher
	log    zerolog.Logger

	mu      sync.Mutex
	cameras map[string]*Camera
}

func NewRegistry(source StateSource, pub Publisher, log zerolog.Logger) *Registry {
	return &Registry{
		source:  source,
		pub:     pub,
		log:     log,
		cameras: make(map[string]*Camera),
	}
}

// Register returns the camera for m, creating and publishing it on first
// sight. The bool reports whether a new camera was made. Publishing happens
// outside the registry lock.
func (r *Registry) Register(ctx context.Context, m logic.Monitor) (*Camera, bool, error) {
	if existing, ok := r.Get(m.ID); ok {
		return existing, false, nil
	}

	cam := NewCamera(m, r.source, r.pub, r.log)
	if err := r.pub.PublishCamera(ctx, cam.Info()); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	if existing, ok := r.cameras[m.ID]; ok {
		r.mu.Unlock()
		return existing, false, nil
	}
	r.cameras[m.ID] = cam
	metrics.CamerasExposed.Set(float64(len(r.cameras)))
	r.mu.Unlock()

	r.log.Info().Str("monitor", m.ID).Str("name", m.Name).Msg("Registered Shinobi Camera")
	return cam, true, nil
}

// MarkStale removes cameras whose monitor is not in active and returns them.
// Each one is reported offline and then removed from the platform.
func (r *Registry) MarkStale(ctx context.Context, active map[string]struct{}) []*Camera {
	r.mu.Lock()
	var stale []*Camera
	for id, cam := range r.cameras {
		if _, ok := active[id]; ok {
			continue
		}
		delete(r.cameras, id)
		stale = append(stale, cam)
	}
	metrics.CamerasExposed.Set(float64(len(r.cameras)))
	r.mu.Unlock()

	for _, cam := range stale {
		id := cam.info.MonitorID

		cam.mu.Lock()
		cam.state.Online = false
		cam.state.IsStreaming = false
		cam.state.UpdatedAt = time.Now()
		state := cam.state
		cam.mu.Unlock()

		if err := r.pub.PublishState(ctx, cam.info, state); err != nil {
			r.log.Warn().Err(err).Str("monitor", id).Msg("Failed to publish offline state")
		}
		if err := r.pub.RemoveCamera(ctx, cam.info); err != nil {
			r.log.Warn().Err(err).Str("monitor", id).Msg("Failed to remove camera")
		}
		metrics.ForgetCamera(id)
		r.log.Info().Str("monitor", id).Msg("Shinobi monitor gone, camera removed")
	}
	return stale
}

func (r *Registry) Get(monitorID string) (*Camera, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cam, ok := r.cameras[monitorID]
	return cam, ok
}

// Cameras returns the registered cameras ordered by monitor id.
func (r *Registry) Cameras() []*Camera {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Camera, 0, len(r.cameras))
	for _, cam := range r.cameras {
		out = append(out, cam)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].info.MonitorID < out[j].info.MonitorID })
	return out
}
