package bundle

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/slidebolt/plugin-shinobi/pkg/config"
	"github.com/slidebolt/plugin-shinobi/pkg/device"
	"github.com/slidebolt/plugin-shinobi/pkg/logic"
)

// ErrSetupFailed is matched by every error returned from Start.
var ErrSetupFailed = errors.New("shinobi setup failed")

var errNotStarted = errors.New("plugin not started")

// commandTimeout bounds a mode change and the refresh that follows it.
const commandTimeout = 30 * time.Second

// Client is what the plugin needs from Shinobi.
type Client interface {
	logic.ShinobiClient
	ValidateCredentials(ctx context.Context) error
}

type setupError struct{ err error }

func (e *setupError) Error() string        { return ErrSetupFailed.Error() + ": " + e.err.Error() }
func (e *setupError) Unwrap() error        { return e.err }
func (e *setupError) Is(target error) bool { return target == ErrSetupFailed }

type ShinobiPlugin struct {
	cfg      *config.Config
	client   Client
	registry *device.Registry
	log      zerolog.Logger

	mu       sync.Mutex
	started  bool
	setupErr error
	loops    map[string]context.CancelFunc
	ctx      context.Context
	group    *errgroup.Group
	cancel   context.CancelFunc
}

func NewPlugin(cfg *config.Config, client Client, pub device.Publisher, log zerolog.Logger) *ShinobiPlugin {
	return &ShinobiPlugin{
		cfg:      cfg,
		client:   client,
		registry: device.NewRegistry(client, pub, log),
		log:      log,
		loops:    make(map[string]context.CancelFunc),
	}
}

// Start checks the credentials, exposes the filtered monitors and starts
// polling. Any failure is reported as ErrSetupFailed and leaves nothing
// running.
func (p *ShinobiPlugin) Start(ctx context.Context) error {
	p.Shutdown()

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	p.mu.Lock()
	p.ctx, p.group, p.cancel = gctx, g, cancel
	p.mu.Unlock()

	p.log.Info().
		Str("origin", p.cfg.ServerOrigin()).
		Str("group", p.cfg.GroupKey).
		Msg("Shinobi Plugin Initializing")

	err := p.setup(gctx)

	p.mu.Lock()
	p.started = true
	p.setupErr = err
	if err == nil && p.cfg.DiscoveryInterval > 0 && p.group == g {
		g.Go(func() error {
			p.runDiscovery(gctx, p.cfg.DiscoveryInterval)
			return nil
		})
	}
	p.mu.Unlock()

	if err != nil {
		p.Shutdown()
		return err
	}
	return nil
}

func (p *ShinobiPlugin) setup(ctx context.Context) error {
	if err := p.client.ValidateCredentials(ctx); err != nil {
		ev := p.log.Error().Err(err).Str("class", logic.Classify(err))
		switch logic.Classify(err) {
		case "authentication":
			ev.Msg("Invalid API or group key")
		case "transport", "decode":
			ev.Msg("Could not connect to Shinobi server")
		default:
			ev.Msg("Unexpected error while validating Shinobi credentials")
		}
		return &setupError{err: err}
	}

	rule := p.cfg.FilterRule()
	switch rule.Mode() {
	case "whitelist":
		if len(rule.Denylist) > 0 {
			p.log.Warn().Msg("Both whitelist and blacklist are set, the blacklist is ignored")
		}
		p.log.Info().Strs("whitelist", rule.Allowlist).Msg("Exposing whitelisted monitors only")
	case "blacklist":
		p.log.Info().Strs("blacklist", rule.Denylist).Msg("Hiding blacklisted monitors")
	}

	if err := p.discover(ctx); err != nil {
		p.log.Error().Err(err).Str("class", logic.Classify(err)).Msg("Could not list Shinobi monitors")
		return &setupError{err: err}
	}
	return nil
}

// discover lists the started monitors, registers the ones passing the filter
// and drops the cameras whose monitor went away.
func (p *ShinobiPlugin) discover(ctx context.Context) error {
	monitors, err := p.client.ListStartedMonitors(ctx)
	if err != nil {
		return err
	}
	if len(monitors) == 0 {
		p.log.Warn().Msg("No active monitors found")
	}

	cams := logic.FilterMonitors(monitors, p.cfg.FilterRule())
	p.log.Debug().Strs("cameras", logic.MonitorNames(cams)).Msg("Monitors after filtering")
	if len(monitors) > 0 && len(cams) == 0 {
		p.log.Warn().Msg("No active cameras found")
	}

	active := make(map[string]struct{}, len(cams))
	for _, m := range cams {
		active[m.ID] = struct{}{}
		cam, _, err := p.registry.Register(ctx, m)
		if err != nil {
			p.log.Warn().Err(err).Str("monitor", m.ID).Msg("Failed to register camera")
			continue
		}
		p.startLoop(cam)
	}

	for _, cam := range p.registry.MarkStale(ctx, active) {
		p.stopLoop(cam.MonitorID())
	}
	return nil
}

func (p *ShinobiPlugin) runDiscovery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := p.discover(ctx); err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Str("class", logic.Classify(err)).Msg("Shinobi Discovery Failed")
		}
	}
}

// startLoop polls cam until it goes stale or the plugin stops. It is a no-op
// when the camera is already polled.
func (p *ShinobiPlugin) startLoop(cam *device.Camera) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.group == nil {
		return
	}
	if _, ok := p.loops[cam.MonitorID()]; ok {
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.loops[cam.MonitorID()] = cancel
	p.group.Go(func() error {
		cam.Run(ctx, p.cfg.PollInterval)
		return nil
	})
}

func (p *ShinobiPlugin) stopLoop(monitorID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cancel, ok := p.loops[monitorID]; ok {
		cancel()
		delete(p.loops, monitorID)
	}
}

// HandleCommand parses payload as a mode (stop, start, record) or its name
// and passes it to SetMode.
func (p *ShinobiPlugin) HandleCommand(entityID string, payload []byte) {
	state, err := logic.ParseMonitorState(strings.TrimSpace(string(payload)))
	if err != nil {
		p.log.Warn().Err(err).Str("entity", entityID).Msg("Ignoring invalid camera command")
		return
	}
	p.SetMode(entityID, state)
}

// SetMode switches the monitor behind entityID to state. It returns
// immediately, the request runs in the background and is cancelled by
// Shutdown.
func (p *ShinobiPlugin) SetMode(entityID string, state logic.MonitorState) {
	log := p.log.With().Str("entity", entityID).Logger()

	cam := p.cameraByEntity(entityID)
	if cam == nil {
		log.Warn().Msg("Ignoring command for unknown camera")
		return
	}

	// Go must not race the Wait in Shutdown, so launch under the lock that
	// Shutdown takes before it clears the group.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group == nil || p.ctx.Err() != nil {
		log.Warn().Msg("Ignoring command, plugin is not running")
		return
	}
	ctx := p.ctx
	p.group.Go(func() error {
		ctx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()

		if _, err := p.client.SetMonitorState(ctx, cam.MonitorID(), state); err != nil {
			log.Error().Err(err).Str("class", logic.Classify(err)).Str("mode", state.Name()).Msg("Failed to set monitor mode")
			return nil
		}
		_ = cam.Refresh(ctx)
		return nil
	})
}

func (p *ShinobiPlugin) cameraByEntity(entityID string) *device.Camera {
	for _, cam := range p.registry.Cameras() {
		if cam.Info().EntityID == entityID {
			return cam
		}
	}
	return nil
}

// Cameras returns the exposed cameras ordered by monitor id.
func (p *ShinobiPlugin) Cameras() []*device.Camera {
	return p.registry.Cameras()
}

// Health is nil once setup succeeded.
func (p *ShinobiPlugin) Health() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return errNotStarted
	}
	return p.setupErr
}

// Shutdown stops every poll loop and pending command and waits for them to
// return. Commands arriving afterwards are dropped.
func (p *ShinobiPlugin) Shutdown() {
	p.mu.Lock()
	cancel, g := p.cancel, p.group
	p.cancel, p.group = nil, nil
	p.loops = make(map[string]context.CancelFunc)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		_ = g.Wait()
	}
}
