package device

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	domain "github.com/slidebolt/sb-domain"

	"github.com/slidebolt/plugin-shinobi/pkg/logic"
)

// PluginID is the plugin segment of every device and entity key.
const PluginID = "plugin-shinobi"

const CameraDomain = "camera"

// ActionSetMode switches a monitor to any of stop, start or record.
const ActionSetMode = "camera_set_mode"

// SetMode is the plugin specific command behind ActionSetMode.
type SetMode struct {
	Mode string `json:"mode"`
}

func (SetMode) ActionName() string { return ActionSetMode }

func (c SetMode) Validate() error {
	_, err := logic.ParseMonitorState(c.Mode)
	return err
}

func init() {
	domain.RegisterCommand(ActionSetMode, SetMode{})
}

// CameraInfo identifies a camera entity on the platform side.
type CameraInfo struct {
	DeviceID  string   `json:"device_id"`
	EntityID  string   `json:"entity_id"`
	MonitorID string   `json:"monitor_id"`
	Name      string   `json:"name"`
	Domain    string   `json:"domain"`
	Commands  []string `json:"commands"`
}

// CameraState is the reported entity state. StreamSource and SnapshotURL
// embed the Shinobi API key and must not be logged.
type CameraState struct {
	domain.Camera
	Online    bool      `json:"online"`
	Mode      string    `json:"mode,omitempty"`
	Status    string    `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newCameraInfo(m logic.Monitor) CameraInfo {
	return CameraInfo{
		DeviceID:  DeviceID(m.ID),
		EntityID:  EntityID(m.ID),
		MonitorID: m.ID,
		Name:      m.Name,
		Domain:    CameraDomain,
		Commands: []string{
			domain.CameraRecordStart{}.ActionName(),
			domain.CameraRecordStop{}.ActionName(),
			ActionSetMode,
		},
	}
}

func (i CameraInfo) DeviceKey() domain.DeviceKey {
	return domain.DeviceKey{Plugin: PluginID, ID: i.DeviceID}
}

func (i CameraInfo) EntityKey() domain.EntityKey {
	return domain.EntityKey{Plugin: PluginID, DeviceID: i.DeviceID, ID: i.EntityID}
}

func (i CameraInfo) Device() domain.Device {
	return domain.Device{
		ID:       i.DeviceID,
		Plugin:   PluginID,
		Name:     i.Name,
		Entities: []domain.Entity{},
	}
}

type shinobiMeta struct {
	MonitorID string    `json:"monitorID"`
	Online    bool      `json:"online"`
	Mode      string    `json:"mode,omitempty"`
	Status    string    `json:"status,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entity is the platform entity for the camera in the given state.
func (i CameraInfo) Entity(st CameraState) domain.Entity {
	meta, _ := json.Marshal(shinobiMeta{
		MonitorID: i.MonitorID,
		Online:    st.Online,
		Mode:      st.Mode,
		Status:    st.Status,
		UpdatedAt: st.UpdatedAt,
	})
	return domain.Entity{
		ID:       i.EntityID,
		Plugin:   PluginID,
		DeviceID: i.DeviceID,
		Type:     CameraDomain,
		Name:     i.Name,
		Meta:     map[string]json.RawMessage{"shinobi": meta},
		Commands: i.Commands,
		State:    st.Camera,
	}
}

// Monitor names are not unique, so platform IDs derive from the monitor id.
func DeviceID(monitorID string) string {
	return "shinobi-device-" + escapeID(monitorID)
}

func EntityID(monitorID string) string {
	return "shinobi-entity-" + escapeID(monitorID)
}

// escapeID keeps ASCII letters, digits and '-' and writes every other byte as
// _xx. The mapping is injective and the result is a single NATS token and
// MQTT topic level.
func escapeID(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return b.String()
}
