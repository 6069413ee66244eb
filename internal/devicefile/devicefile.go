// Package devicefile implements the device identity record as a
// single-actor owned file: the device file is owned by exactly one actor,
// and external callers interact only through that actor. Grounded on
// internal/auth's token manager actor wrapper.
package devicefile

import (
	"time"

	"github.com/cuemby/miru-agent/internal/agenterrors"
	"github.com/cuemby/miru-agent/internal/fsys"
	"github.com/cuemby/miru-agent/internal/types"
)

// Updates is a partial patch; nil fields are left untouched.
type Updates struct {
	Status             *types.DeviceStatus
	SessionID          *string
	LastSyncedAt       *time.Time
	LastConnectedAt    *time.Time
	LastDisconnectedAt *time.Time
}

// Disconnected is the patch applied whenever the device goes offline: boot
// and shutdown both force this.
func Disconnected(at time.Time) Updates {
	status := types.DeviceOffline
	return Updates{Status: &status, LastDisconnectedAt: &at}
}

func apply(device *types.Device, u Updates) {
	if u.Status != nil {
		device.Status = *u.Status
	}
	if u.SessionID != nil {
		device.SessionID = *u.SessionID
	}
	if u.LastSyncedAt != nil {
		device.LastSyncedAt = *u.LastSyncedAt
	}
	if u.LastConnectedAt != nil {
		device.LastConnectedAt = *u.LastConnectedAt
	}
	if u.LastDisconnectedAt != nil {
		device.LastDisconnectedAt = *u.LastDisconnectedAt
	}
}

type opKind int

const (
	opRead opKind = iota
	opPatch
)

type command struct {
	op       opKind
	updates  Updates
	deviceCh chan types.Device
	errCh    chan error
}

// DeviceFile is the actor handle.
type DeviceFile struct {
	cmds   chan command
	closed chan struct{}
	done   chan struct{}
}

// Spawn loads path if it exists, else seeds it with initial and persists
// that immediately so the file always exists once the actor is live.
func Spawn(path string, initial types.Device) (*DeviceFile, error) {
	var device types.Device
	if err := fsys.ReadJSON(path, &device); err != nil {
		if _, ok := err.(*agenterrors.NotFoundErr); !ok {
			return nil, err
		}
		device = initial
		if err := fsys.WriteJSONAtomic(path, device, 0o644); err != nil {
			return nil, err
		}
	}

	d := &DeviceFile{
		cmds:   make(chan command, 16),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.run(path, device)
	return d, nil
}

func (d *DeviceFile) run(path string, device types.Device) {
	defer close(d.done)
	for {
		select {
		case cmd := <-d.cmds:
			d.handle(path, &device, cmd)
		case <-d.closed:
			return
		}
	}
}

func (d *DeviceFile) handle(path string, device *types.Device, cmd command) {
	switch cmd.op {
	case opRead:
		cmd.deviceCh <- *device
	case opPatch:
		apply(device, cmd.updates)
		cmd.errCh <- fsys.WriteJSONAtomic(path, *device, 0o644)
	}
}

// Read returns the current in-memory device record.
func (d *DeviceFile) Read() (types.Device, error) {
	resultCh := make(chan types.Device, 1)
	select {
	case <-d.closed:
		return types.Device{}, &agenterrors.ActorClosedErr{Actor: "device_file", Site: agenterrors.Trace()}
	default:
	}
	select {
	case d.cmds <- command{op: opRead, deviceCh: resultCh}:
	case <-d.closed:
		return types.Device{}, &agenterrors.ActorClosedErr{Actor: "device_file", Site: agenterrors.Trace()}
	}
	return <-resultCh, nil
}

// Patch applies updates and flushes the result to disk before returning.
func (d *DeviceFile) Patch(updates Updates) error {
	errCh := make(chan error, 1)
	select {
	case d.cmds <- command{op: opPatch, updates: updates, errCh: errCh}:
	case <-d.closed:
		return &agenterrors.ActorClosedErr{Actor: "device_file", Site: agenterrors.Trace()}
	}
	return <-errCh
}

// Shutdown stops the actor, idempotently.
func (d *DeviceFile) Shutdown() {
	select {
	case <-d.closed:
	default:
		close(d.closed)
	}
	<-d.done
}
