package bundle

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/slidebolt/plugin-shinobi/pkg/config"
	"github.com/slidebolt/plugin-shinobi/pkg/device"
	"github.com/slidebolt/plugin-shinobi/pkg/logic"
)

// fakeShinobi serves a mutable monitor list and records mode changes.
type fakeShinobi struct {
	*httptest.Server

	mu       sync.Mutex
	monitors string
	modes    map[string]string
	requests []string
}

func newFakeShinobi(t *testing.T, monitors string) *fakeShinobi {
	t.Helper()
	f := &fakeShinobi{monitors: monitors, modes: map[string]string{}}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeShinobi) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.URL.Path)

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "KEY" || parts[2] != "GRP" {
		fmt.Fprint(w, `{"ok":false,"msg":"Not Authorized"}`)
		return
	}
	switch {
	case parts[1] == "smonitor":
		fmt.Fprint(w, f.monitors)
	case parts[1] == "monitor" && len(parts) == 4:
		mode, status := f.monitorState(parts[3])
		fmt.Fprintf(w, `{"mid":%q,"mode":%q,"status":%q}`, parts[3], mode, status)
	case parts[1] == "monitor" && len(parts) == 5:
		f.modes[parts[3]] = parts[4]
		fmt.Fprint(w, `{"ok":true,"msg":"Monitor mode changed"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// monitorState answers from the last mode change, then from the listing.
// Callers hold f.mu.
func (f *fakeShinobi) monitorState(id string) (string, string) {
	if mode, ok := f.modes[id]; ok {
		return mode, mode
	}
	var listed []struct {
		Mid    string `json:"mid"`
		Mode   string `json:"mode"`
		Status string `json:"status"`
	}
	_ = json.Unmarshal([]byte(f.monitors), &listed)
	for _, m := range listed {
		if m.Mid == id {
			return m.Mode, m.Status
		}
	}
	return "start", "watching"
}

func (f *fakeShinobi) setMonitors(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitors = body
}

func (f *fakeShinobi) saw(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.requests {
		if p == path {
			return true
		}
	}
	return false
}

type fakePublisher struct {
	mu      sync.Mutex
	cameras map[string]device.CameraInfo
	states  map[string]device.CameraState
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{cameras: map[string]device.CameraInfo{}, states: map[string]device.CameraState{}}
}

func (p *fakePublisher) PublishCamera(_ context.Context, info device.CameraInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cameras[info.MonitorID] = info
	return nil
}

func (p *fakePublisher) PublishState(_ context.Context, info device.CameraInfo, st device.CameraState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[info.MonitorID] = st
	return nil
}

func (p *fakePublisher) RemoveCamera(_ context.Context, info device.CameraInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cameras, info.MonitorID)
	return nil
}

func (p *fakePublisher) state(id string) (device.CameraState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[id]
	return st, ok
}

func (p *fakePublisher) has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.cameras[id]
	return ok
}

const threeMonitors = `[
	{"mid":"cam1","name":"Front","mode":"record","status":"record"},
	{"mid":"cam2","name":"Garage","mode":"start","status":"watching"},
	{"mid":"cam3","name":"Attic","mode":"start","status":"watching"}
]`

func testConfig(origin string) *config.Config {
	cfg := config.Default()
	cfg.Host = strings.TrimPrefix(origin, "http://")
	cfg.APIKey = "KEY"
	cfg.GroupKey = "GRP"
	cfg.PollInterval = time.Hour
	cfg.DiscoveryInterval = 0
	return cfg
}

func newTestPlugin(cfg *config.Config, pub device.Publisher) *ShinobiPlugin {
	return newLoggedPlugin(cfg, pub, zerolog.Nop())
}

func newLoggedPlugin(cfg *config.Config, pub device.Publisher, log zerolog.Logger) *ShinobiPlugin {
	client := logic.NewShinobiClient(cfg.ClientConfig())
	return NewPlugin(cfg, client, pub, log)
}

// syncBuffer is a bytes.Buffer safe for a logger shared with poll loops.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// warnings returns the messages logged at warn level.
func (b *syncBuffer) warnings(t *testing.T) []string {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if entry.Level == "warn" {
			out = append(out, entry.Message)
		}
	}
	return out
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStart_ExposesFilteredMonitors(t *testing.T) {
	srv := newFakeShinobi(t, threeMonitors)
	cfg := testConfig(srv.URL)
	cfg.Blacklist = []string{"Attic"}
	pub := newFakePublisher()
	p := newTestPlugin(cfg, pub)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Shutdown()

	if err := p.Health(); err != nil {
		t.Fatalf("expected healthy plugin, got %v", err)
	}
	cams := p.Cameras()
	if len(cams) != 2 || cams[0].MonitorID() != "cam1" || cams[1].MonitorID() != "cam2" {
		t.Fatalf("unexpected cameras %v", cams)
	}
	if pub.has("cam3") {
		t.Error("blacklisted monitor was published")
	}

	eventually(t, func() bool {
		st, ok := pub.state("cam1")
		return ok && st.Online && st.IsRecording
	}, "cam1 never reported recording")
	eventually(t, func() bool {
		st, ok := pub.state("cam2")
		return ok && st.Online && !st.IsRecording
	}, "cam2 never reported its state")
}

func TestStart_AuthenticationFailure(t *testing.T) {
	srv := newFakeShinobi(t, threeMonitors)
	cfg := testConfig(srv.URL)
	cfg.APIKey = "WRONG"
	p := newTestPlugin(cfg, newFakePublisher())

	err := p.Start(context.Background())
	if !errors.Is(err, ErrSetupFailed) {
		t.Fatalf("expected ErrSetupFailed, got %v", err)
	}
	if logic.Classify(err) != "authentication" {
		t.Errorf("expected authentication class, got %q", logic.Classify(err))
	}
	if herr := p.Health(); !errors.Is(herr, ErrSetupFailed) {
		t.Errorf("expected health to report the setup error, got %v", herr)
	}
	if strings.Contains(err.Error(), "WRONG") {
		t.Errorf("setup error leaks the api key: %v", err)
	}
}

func TestStart_TransportFailure(t *testing.T) {
	srv := newFakeShinobi(t, threeMonitors)
	cfg := testConfig(srv.URL)
	srv.Close()
	p := newTestPlugin(cfg, newFakePublisher())

	err := p.Start(context.Background())
	if !errors.Is(err, ErrSetupFailed) || logic.Classify(err) != "transport" {
		t.Fatalf("expected a transport setup failure, got %v", err)
	}
}

func TestStart_NoMonitors(t *testing.T) {
	srv := newFakeShinobi(t, `[]`)
	p := newTestPlugin(testConfig(srv.URL), newFakePublisher())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("an empty monitor list is not a setup failure: %v", err)
	}
	defer p.Shutdown()
	if len(p.Cameras()) != 0 {
		t.Errorf("expected no cameras, got %v", p.Cameras())
	}
}

func TestHealth_BeforeStart(t *testing.T) {
	p := newTestPlugin(testConfig("http://127.0.0.1:1"), newFakePublisher())
	if p.Health() == nil {
		t.Fatal("expected an error before Start")
	}
}

func TestDiscovery_RemovesVanishedMonitors(t *testing.T) {
	srv := newFakeShinobi(t, threeMonitors)
	cfg := testConfig(srv.URL)
	cfg.DiscoveryInterval = 10 * time.Millisecond
	pub := newFakePublisher()
	p := newTestPlugin(cfg, pub)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Shutdown()

	srv.setMonitors(`[{"mid":"cam2","name":"Garage"},{"mid":"cam4","name":"Porch"}]`)

	eventually(t, func() bool {
		cams := p.Cameras()
		return len(cams) == 2 && cams[0].MonitorID() == "cam2" && cams[1].MonitorID() == "cam4"
	}, "rediscovery did not converge")
	if pub.has("cam1") || pub.has("cam3") {
		t.Error("vanished monitors are still published")
	}
	if st, _ := pub.state("cam1"); st.Online {
		t.Error("vanished monitor should be reported offline")
	}
}

func TestHandleCommand_SetsMode(t *testing.T) {
	srv := newFakeShinobi(t, threeMonitors)
	pub := newFakePublisher()
	p := newTestPlugin(testConfig(srv.URL), pub)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Shutdown()

	p.HandleCommand(device.EntityID("cam2"), []byte("record\n"))

	eventually(t, func() bool { return srv.saw("/KEY/monitor/GRP/cam2/record") }, "mode change was not sent")
	eventually(t, func() bool {
		st, _ := pub.state("cam2")
		return st.IsRecording
	}, "camera state was not refreshed after the mode change")
}

func TestHandleCommand_IgnoresInvalidInput(t *testing.T) {
	srv := newFakeShinobi(t, threeMonitors)
	p := newTestPlugin(testConfig(srv.URL), newFakePublisher())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Shutdown()

	p.HandleCommand(device.EntityID("cam2"), []byte("explode"))
	p.HandleCommand("shinobi-entity-unknown", []byte("record"))
	p.Shutdown()

	for _, path := range []string{"/KEY/monitor/GRP/cam2/explode", "/KEY/monitor/GRP/unknown/record"} {
		if srv.saw(path) {
			t.Errorf("unexpected request %s", path)
		}
	}
}

func TestShutdown_StopsPolling(t *testing.T) {
	srv := newFakeShinobi(t, threeMonitors)
	cfg := testConfig(srv.URL)
	cfg.PollInterval = 5 * time.Millisecond
	p := newTestPlugin(cfg, newFakePublisher())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	p.HandleCommand(device.EntityID("cam1"), []byte("stop"))
	time.Sleep(20 * time.Millisecond)
	if srv.saw("/KEY/monitor/GRP/cam1/stop") {
		t.Error("command was sent after shutdown")
	}
}

func TestStart_WhitelistMatchesNothing(t *testing.T) {
	srv := newFakeShinobi(t, threeMonitors)
	cfg := testConfig(srv.URL)
	cfg.Whitelist = []string{"Porch"}
	var logs syncBuffer
	p := newLoggedPlugin(cfg, newFakePublisher(), zerolog.New(&logs))

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("filtering everything out is not a setup failure: %v", err)
	}
	defer p.Shutdown()

	if len(p.Cameras()) != 0 {
		t.Errorf("expected no cameras, got %v", p.Cameras())
	}
	warns := logs.warnings(t)
	if len(warns) != 1 || warns[0] != "No active cameras found" {
		t.Errorf("expected a single no active cameras warning, got %q", warns)
	}
}

func TestStart_EmptyListWarns(t *testing.T) {
	srv := newFakeShinobi(t, `[]`)
	var logs syncBuffer
	p := newLoggedPlugin(testConfig(srv.URL), newFakePublisher(), zerolog.New(&logs))

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Shutdown()

	warns := logs.warnings(t)
	if len(warns) != 1 || warns[0] != "No active monitors found" {
		t.Errorf("expected a single no active monitors warning, got %q", warns)
	}
}

func TestSetMode_ConcurrentWithShutdown(t *testing.T) {
	srv := newFakeShinobi(t, threeMonitors)
	p := newTestPlugin(testConfig(srv.URL), newFakePublisher())

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				p.SetMode(device.EntityID("cam2"), logic.MonitorWatching)
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return while commands were arriving")
	}
	close(stop)
	wg.Wait()

	srv.mu.Lock()
	before := len(srv.requests)
	srv.mu.Unlock()
	p.SetMode(device.EntityID("cam2"), logic.MonitorRecording)
	time.Sleep(20 * time.Millisecond)
	srv.mu.Lock()
	after := len(srv.requests)
	srv.mu.Unlock()
	if after != before {
		t.Errorf("%d requests sent after shutdown", after-before)
	}
}
