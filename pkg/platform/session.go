package platform

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	contract "github.com/slidebolt/sb-contract"

	"github.com/slidebolt/plugin-shinobi/pkg/device"
)

// DependsOn lists the services the manager must start before the plugin.
var DependsOn = []string{"messenger", "storage"}

// ErrShutdown is returned by Dependencies when the manager stops the plugin
// before every dependency arrived.
var ErrShutdown = errors.New("manager requested shutdown")

// Hello describes the plugin to the manager.
func Hello() contract.HelloResponse {
	return contract.HelloResponse{
		ID:              device.PluginID,
		Kind:            contract.KindPlugin,
		ContractVersion: contract.ContractVersion,
		DependsOn:       DependsOn,
	}
}

// Session speaks the manager protocol: control messages arrive as JSON lines
// on in, runtime messages leave as JSON lines on out.
type Session struct {
	in  *json.Decoder
	out io.Writer
	log zerolog.Logger

	outMu sync.Mutex

	mu      sync.Mutex
	deps    map[string]json.RawMessage
	changed chan struct{}

	done     chan struct{}
	stopOnce sync.Once
}

func NewSession(in io.Reader, out io.Writer, log zerolog.Logger) *Session {
	return &Session{
		in:      json.NewDecoder(in),
		out:     out,
		log:     log,
		deps:    make(map[string]json.RawMessage),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Listen reads control messages in the background. A shutdown message or
// the end of input closes Done.
func (s *Session) Listen() {
	go s.read()
}

func (s *Session) read() {
	defer s.stop()

	for {
		var msg contract.ControlMessage
		if err := contract.ReadJSON(s.in, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Warn().Err(err).Msg("Could not read control message")
			}
			return
		}

		switch msg.Type {
		case contract.ControlDependency:
			s.log.Debug().Str("dependency", msg.ID).Msg("Dependency ready")
			s.mu.Lock()
			s.deps[msg.ID] = msg.Payload
			close(s.changed)
			s.changed = make(chan struct{})
			s.mu.Unlock()
		case contract.ControlShutdown:
			s.log.Info().Msg("Shutdown requested by manager")
			return
		default:
			s.log.Warn().Str("type", msg.Type).Msg("Ignoring unknown control message")
		}
	}
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Done is closed once the manager asked the plugin to stop.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Dependencies blocks until the payload of every named dependency arrived.
func (s *Session) Dependencies(ctx context.Context, names ...string) (map[string]json.RawMessage, error) {
	for {
		s.mu.Lock()
		out := make(map[string]json.RawMessage, len(names))
		for _, n := range names {
			if raw, ok := s.deps[n]; ok {
				out[n] = raw
			}
		}
		changed := s.changed
		s.mu.Unlock()

		if len(out) == len(names) {
			return out, nil
		}

		select {
		case <-changed:
		case <-s.done:
			return nil, ErrShutdown
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "waiting for dependencies")
		}
	}
}

func (s *Session) Ready() error {
	return s.write(contract.RuntimeMessage{Type: contract.RuntimeReady})
}

// Fail reports a fatal setup error to the manager.
func (s *Session) Fail(err error) error {
	return s.write(contract.RuntimeMessage{
		Type:    contract.RuntimeError,
		Level:   "error",
		Message: err.Error(),
	})
}

func (s *Session) write(msg contract.RuntimeMessage) error {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return errors.Wrapf(contract.WriteJSON(s.out, msg), "write %s message", msg.Type)
}
