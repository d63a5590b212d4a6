package controller

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sledlab/gosled/pkg/dispatch"
	"github.com/sledlab/gosled/pkg/machines"
	"github.com/sledlab/gosled/pkg/profile"
	"github.com/sledlab/gosled/pkg/status"
	log "github.com/sirupsen/logrus"
)

// Run fn on the reactor and return its results
func call[T any](ctx context.Context, c *Controller, fn func() (T, error)) (T, error) {
	var value T
	var err error
	if doErr := c.Do(ctx, func() { value, err = fn() }); doErr != nil {
		return value, doErr
	}
	return value, err
}

// Ask for the link to be opened, it is reopened after losses until [Controller.Close]
func (c *Controller) Open(ctx context.Context) error {
	return c.Do(ctx, func() {
		c.wantOpen = true
		c.postIntf(machines.EvOpenRequest)
	})
}

func (c *Controller) Close(ctx context.Context) error {
	return c.Do(ctx, func() {
		c.wantOpen = false
		c.postIntf(machines.EvCloseRequest)
	})
}

// Point in time view of the controller
type Snapshot struct {
	Interface  machines.IntfState
	Network    machines.NetState
	Motion     machines.MotionState
	NmtState   uint8
	Statusword uint16
	Position   int32 // um
	SDOBusy    bool
	SDOQueued  int
	Epoch      uint32
	Frames     dispatch.Stats
}

func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	return call(ctx, c, func() (Snapshot, error) {
		_, busy := c.client.Pending()
		return Snapshot{
			Interface:  c.intf.State(),
			Network:    c.network.State(),
			Motion:     c.motion.State(),
			NmtState:   c.consumer.NmtState(),
			Statusword: c.motion.Statusword(),
			Position:   c.motion.Position(),
			SDOBusy:    busy,
			SDOQueued:  c.client.Queued(),
			Epoch:      c.epoch,
			Frames:     c.dispatcher.Stats(),
		}, nil
	})
}

// Create a profile moving to position (m) in time (s)
func (c *Controller) CreateProfile(ctx context.Context, position float64, time float64) (profile.Handle, error) {
	return call(ctx, c, func() (profile.Handle, error) {
		return c.profiles.CreateWith(position, time)
	})
}

func (c *Controller) Profile(ctx context.Context, h profile.Handle) (profile.Profile, error) {
	return call(ctx, c, func() (profile.Profile, error) {
		return c.profiles.Get(h)
	})
}

func (c *Controller) DestroyProfile(ctx context.Context, h profile.Handle) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.profiles.Destroy(h)
	})
	return err
}

func (c *Controller) SetTarget(ctx context.Context, h profile.Handle, mode profile.PositionMode, position float64, time float64) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.profiles.SetTarget(h, mode, position, time)
	})
	return err
}

func (c *Controller) SetNext(ctx context.Context, h profile.Handle, next profile.Handle, delay float64, blend profile.Blend) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.profiles.SetNext(h, next, delay, blend)
	})
	return err
}

func (c *Controller) ClearNext(ctx context.Context, h profile.Handle) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.profiles.ClearNext(h)
	})
	return err
}

func (c *Controller) SetTable(ctx context.Context, h profile.Handle, table uint32) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.profiles.SetTable(h, table)
	})
	return err
}

// Upload the changed fields of a profile chain without starting it,
// only while the motor is idle. The returned channel receives the upload result.
func (c *Controller) WritePendingChanges(ctx context.Context, h profile.Handle) (<-chan error, error) {
	result := make(chan error, 1)
	_, err := call(ctx, c, func() (struct{}, error) {
		if !c.sdoReady() {
			return struct{}{}, ErrNodeUnavailable
		}
		if !c.motion.Idle() {
			log.Warnf("[CTRL] upload of profile %v rejected in %v : %v", h, c.motion.State(), profile.ErrNotIdle)
			return struct{}{}, profile.ErrNotIdle
		}
		return struct{}{}, c.profiles.WritePendingChanges(h, func(err error) { result <- err })
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Upload and start a profile. The error only reports whether the move was
// accepted, the returned channel receives the result of the upload and start
// trigger. The end of the move is reported by the motion state going back
// to profile-position-idle.
func (c *Controller) Execute(ctx context.Context, h profile.Handle) (<-chan error, error) {
	result := make(chan error, 1)
	_, err := call(ctx, c, func() (struct{}, error) {
		p, err := c.profiles.Get(h)
		if err != nil {
			return struct{}{}, err
		}
		// Queued ahead of any failure reported by done. Ignored unless idle,
		// which is also the only case Execute accepts.
		c.postMotion(machines.EvMotionStarted)
		err = c.profiles.Execute(h, c.motion, func(err error) {
			if err != nil {
				log.Errorf("[CTRL] profile %v failed : %v", h, err)
				c.publish(status.FieldProfile, "failed")
				// No motion will follow
				c.postMotion(machines.EvMotionFinished)
			} else {
				c.publish(status.FieldProfile, "started")
			}
			result <- err
		})
		if err != nil {
			return struct{}{}, errors.Wrapf(err, "executing profile %v", h)
		}
		c.publish(status.FieldProfile, "uploading")
		log.Infof("[CTRL] executing profile %v (motion task %d)", h, p.Number)
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Controller) sdoReady() bool {
	return machines.SDOCapable(c.network.State())
}
