package logic

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/slidebolt/plugin-shinobi/pkg/metrics"
)

// DefaultTimeout bounds every request made by the client.
const DefaultTimeout = 10 * time.Second

const redacted = "REDACTED"

// ClientConfig is fixed for the lifetime of a client.
type ClientConfig struct {
	ServerOrigin string
	APIKey       string
	GroupKey     string
	Timeout      time.Duration
}

type ShinobiClient interface {
	ListStartedMonitors(ctx context.Context) ([]Monitor, error)
	GetMonitorState(ctx context.Context, monitorID string) (MonitorStatus, error)
	SetMonitorState(ctx context.Context, monitorID string, state MonitorState) (MonitorStatus, error)
	MonitorStreamURL(monitorID string) string
	MonitorStillURL(monitorID string) string
}

var _ ShinobiClient = (*HttpClient)(nil)

type HttpClient struct {
	cfg       ClientConfig
	http      *resty.Client
	log       zerolog.Logger
	transport http.RoundTripper
}

type Option func(*HttpClient)

func WithLogger(l zerolog.Logger) Option {
	return func(c *HttpClient) { c.log = l }
}

// WithTransport replaces the HTTP round tripper, mostly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *HttpClient) { c.transport = rt }
}

func NewShinobiClient(cfg ClientConfig, opts ...Option) *HttpClient {
	cfg.ServerOrigin = strings.TrimSuffix(cfg.ServerOrigin, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &HttpClient{cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}

	r := resty.New().
		SetBaseURL(c.apiBase()).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{log: c.log, redact: c.redact})
	if c.transport != nil {
		r.SetTransport(c.transport)
	}
	c.http = r
	return c
}

func (c *HttpClient) Config() ClientConfig { return c.cfg }

// ListStartedMonitors returns the started monitors of the configured group.
// An empty list is a valid answer.
func (c *HttpClient) ListStartedMonitors(ctx context.Context) ([]Monitor, error) {
	const op = "list monitors"
	c.log.Debug().Msg("Sending request to Shinobi to get all started monitors")

	raw, err := c.get(ctx, op, "/smonitor/"+url.PathEscape(c.cfg.GroupKey))
	if err != nil {
		return nil, err
	}
	if raw[0] != '[' {
		return nil, &UnknownError{Op: op, Body: string(raw), Reason: "expected a list of monitors"}
	}

	var items []rawMonitor
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &UnknownError{Op: op, Body: string(raw), Reason: "malformed monitor list", Err: err}
	}

	monitors := make([]Monitor, 0, len(items))
	for i, it := range items {
		id, ok := it.id()
		if !ok {
			return nil, &UnknownError{Op: op, Body: string(raw), Reason: fmt.Sprintf("monitor at index %d has no mid", i)}
		}
		if it.Name == nil {
			return nil, &UnknownError{Op: op, Body: string(raw), Reason: fmt.Sprintf("monitor %s has no name", id)}
		}
		monitors = append(monitors, Monitor{ID: id, Name: *it.Name, Mode: it.Mode, Status: it.Status})
	}

	c.log.Debug().
		Int("count", len(monitors)).
		Strs("monitors", MonitorNames(monitors)).
		Msg("Shinobi returned started monitors")
	return monitors, nil
}

// ValidateCredentials lists monitors once. Shinobi answers bad keys with
// HTTP 200 and an {"ok": false} body, so this is the only way to tell.
func (c *HttpClient) ValidateCredentials(ctx context.Context) error {
	_, err := c.ListStartedMonitors(ctx)
	return err
}

func (c *HttpClient) GetMonitorState(ctx context.Context, monitorID string) (MonitorStatus, error) {
	const op = "get monitor state"
	raw, err := c.get(ctx, op, c.monitorPath(monitorID))
	if err != nil {
		return MonitorStatus{}, err
	}
	return decodeMonitorStatus(op, monitorID, raw)
}

// SetMonitorState switches the monitor mode. The state is checked before
// anything is sent.
func (c *HttpClient) SetMonitorState(ctx context.Context, monitorID string, state MonitorState) (MonitorStatus, error) {
	const op = "set monitor state"
	if !state.Valid() {
		return MonitorStatus{}, &ValidationError{
			Field:  "state",
			Value:  string(state),
			Reason: fmt.Sprintf("monitor state must be one of %s, %s or %s", MonitorDisabled, MonitorWatching, MonitorRecording),
		}
	}

	raw, err := c.get(ctx, op, c.monitorPath(monitorID)+"/"+string(state))
	if err != nil {
		return MonitorStatus{}, err
	}
	if raw[0] != '{' {
		return MonitorStatus{}, &UnknownError{Op: op, Body: string(raw), Reason: "expected a mode change result"}
	}

	var res okEnvelope
	if err := json.Unmarshal(raw, &res); err != nil {
		return MonitorStatus{}, &UnknownError{Op: op, Body: string(raw), Reason: "malformed mode change result", Err: err}
	}

	c.log.Info().Str("monitor", monitorID).Str("mode", state.Name()).Msg("Shinobi monitor mode changed")
	return MonitorStatus{ID: monitorID, Mode: string(state), Message: res.Msg}, nil
}

// MonitorStreamURL returns the MJPEG stream URL. It embeds the API key.
func (c *HttpClient) MonitorStreamURL(monitorID string) string {
	return c.apiBase() + "/mjpeg/" + url.PathEscape(c.cfg.GroupKey) + "/" + url.PathEscape(monitorID)
}

// MonitorStillURL returns the snapshot URL. Snapshots must be enabled in the
// monitor settings. It embeds the API key.
func (c *HttpClient) MonitorStillURL(monitorID string) string {
	return c.apiBase() + "/jpeg/" + url.PathEscape(c.cfg.GroupKey) + "/" + url.PathEscape(monitorID) + "/s.jpg"
}

func (c *HttpClient) apiBase() string {
	return c.cfg.ServerOrigin + "/" + url.PathEscape(c.cfg.APIKey)
}

func (c *HttpClient) monitorPath(monitorID string) string {
	return "/monitor/" + url.PathEscape(c.cfg.GroupKey) + "/" + url.PathEscape(monitorID)
}

// get performs the request and returns the trimmed JSON body. Auth failures
// are detected before the status code, Shinobi sends them with 200.
func (c *HttpClient) get(ctx context.Context, op, path string) (json.RawMessage, error) {
	start := time.Now()
	raw, err := c.do(ctx, op, path)
	metrics.ObserveRequest(op, Classify(err), time.Since(start))
	return raw, err
}

func (c *HttpClient) do(ctx context.Context, op, path string) (json.RawMessage, error) {
	resp, err := c.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, &TransportError{Op: op, Err: c.redactErr(err)}
	}

	body := resp.Body()
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		if !resp.IsSuccess() {
			return nil, &TransportError{Op: op, StatusCode: resp.StatusCode()}
		}
		derr := json.Unmarshal(trimmed, new(any))
		if derr == nil {
			derr = errors.New("invalid JSON")
		}
		return nil, &DecodeError{Op: op, Body: string(body), Err: derr}
	}

	if failed, msg := authFailure(trimmed); failed {
		return nil, &AuthenticationError{Op: op, Message: msg}
	}
	if !resp.IsSuccess() {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode()}
	}
	return json.RawMessage(trimmed), nil
}

func (c *HttpClient) redact(s string) string {
	if c.cfg.APIKey == "" {
		return s
	}
	s = strings.ReplaceAll(s, c.cfg.APIKey, redacted)
	if esc := url.PathEscape(c.cfg.APIKey); esc != c.cfg.APIKey {
		s = strings.ReplaceAll(s, esc, redacted)
	}
	return s
}

func (c *HttpClient) redactErr(err error) error {
	return &redactedError{msg: c.redact(err.Error()), err: err}
}

// redactedError keeps the original error for errors.Is/As while hiding the
// API key from its message.
type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

type okEnvelope struct {
	OK  json.RawMessage `json:"ok"`
	Msg string          `json:"msg"`
}

// authFailure matches {"ok": false} and the {"ok": "false"} variant.
func authFailure(raw []byte) (bool, string) {
	if len(raw) == 0 || raw[0] != '{' {
		return false, ""
	}
	var env okEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || len(env.OK) == 0 {
		return false, ""
	}
	switch strings.Trim(string(env.OK), `" `) {
	case "false", "0":
		return true, env.Msg
	}
	return false, ""
}

func decodeMonitorStatus(op, monitorID string, raw json.RawMessage) (MonitorStatus, error) {
	var m rawMonitor
	switch raw[0] {
	case '[':
		var items []rawMonitor
		if err := json.Unmarshal(raw, &items); err != nil {
			return MonitorStatus{}, &UnknownError{Op: op, Body: string(raw), Reason: "malformed monitor list", Err: err}
		}
		if len(items) == 0 {
			return MonitorStatus{}, &UnknownError{Op: op, Body: string(raw), Reason: "monitor " + monitorID + " not found", Err: ErrMonitorNotFound}
		}
		m = items[0]
	case '{':
		if err := json.Unmarshal(raw, &m); err != nil {
			return MonitorStatus{}, &UnknownError{Op: op, Body: string(raw), Reason: "malformed monitor", Err: err}
		}
	default:
		return MonitorStatus{}, &UnknownError{Op: op, Body: string(raw), Reason: "expected a monitor object"}
	}

	if m.Mode == "" && m.Status == "" {
		return MonitorStatus{}, &UnknownError{Op: op, Body: string(raw), Reason: "monitor has neither mode nor status"}
	}

	st := MonitorStatus{ID: monitorID, Mode: m.Mode, Status: m.Status}
	if id, ok := m.id(); ok {
		st.ID = id
	}
	if m.Name != nil {
		st.Name = *m.Name
	}
	return st, nil
}

type restyLogger struct {
	log    zerolog.Logger
	redact func(string) string
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.log.Error().Str("source", "resty").Msg(l.redact(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.log.Warn().Str("source", "resty").Msg(l.redact(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.log.Debug().Str("source", "resty").Msg(l.redact(fmt.Sprintf(format, v...)))
}
