// Package platform connects the plugin to SlideBolt: camera devices and
// entities are saved through the storage service and commands arrive over
// the messenger.
package platform

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	domain "github.com/slidebolt/sb-domain"
	messenger "github.com/slidebolt/sb-messenger-sdk"
	storage "github.com/slidebolt/sb-storage-sdk"

	"github.com/slidebolt/plugin-shinobi/pkg/device"
	"github.com/slidebolt/plugin-shinobi/pkg/logic"
	"github.com/slidebolt/plugin-shinobi/pkg/metrics"
)

// CommandSubject matches every command addressed to a camera of this plugin.
const CommandSubject = device.PluginID + ".*.*.command.*"

var _ device.Publisher = (*Platform)(nil)

// Controller changes the mode of the monitor behind an entity.
type Controller interface {
	SetMode(entityID string, state logic.MonitorState)
}

type Platform struct {
	store storage.Storage
	cmds  *messenger.Commands
	log   zerolog.Logger
}

func New(store storage.Storage, msg messenger.Messenger, log zerolog.Logger) *Platform {
	return &Platform{
		store: store,
		cmds:  messenger.NewCommands(msg, domain.LookupCommand),
		log:   log,
	}
}

// PublishCamera saves the device and a camera entity with an empty state.
func (p *Platform) PublishCamera(ctx context.Context, info device.CameraInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.store.Save(info.Device()); err != nil {
		return errors.Wrapf(err, "save device %s", info.DeviceID)
	}
	if err := p.store.Save(info.Entity(device.CameraState{})); err != nil {
		return errors.Wrapf(err, "save entity %s", info.EntityID)
	}
	return nil
}

func (p *Platform) PublishState(ctx context.Context, info device.CameraInfo, state device.CameraState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(p.store.Save(info.Entity(state)), "save entity %s", info.EntityID)
}

// RemoveCamera deletes the entity and then its device.
func (p *Platform) RemoveCamera(ctx context.Context, info device.CameraInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.store.Delete(info.EntityKey()); err != nil {
		return errors.Wrapf(err, "delete entity %s", info.EntityID)
	}
	return errors.Wrapf(p.store.Delete(info.DeviceKey()), "delete device %s", info.DeviceID)
}

// SubscribeCommands routes camera commands to ctrl:
//
//	camera_record_start  record
//	camera_record_stop   start (keeps watching)
//	camera_set_mode      the requested mode
//
// Other commands are logged and dropped.
func (p *Platform) SubscribeCommands(ctrl Controller) (messenger.Subscription, error) {
	sub, err := p.cmds.Receive(CommandSubject, func(addr messenger.Address, cmd any) {
		log := p.log.With().Str("entity", addr.EntityID).Logger()

		state, ok := commandMode(cmd)
		if !ok {
			log.Debug().Type("command", cmd).Msg("Ignoring unsupported camera command")
			return
		}
		metrics.Commands.WithLabelValues(string(state)).Inc()
		ctrl.SetMode(addr.EntityID, state)
	})
	return sub, errors.Wrapf(err, "subscribe %s", CommandSubject)
}

func commandMode(cmd any) (logic.MonitorState, bool) {
	switch c := cmd.(type) {
	case domain.CameraRecordStart:
		return logic.MonitorRecording, true
	case domain.CameraRecordStop:
		return logic.MonitorWatching, true
	case device.SetMode:
		state, err := logic.ParseMonitorState(c.Mode)
		return state, err == nil
	default:
		return "", false
	}
}
