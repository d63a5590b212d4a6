package controller

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	sled "github.com/sledlab/gosled"
	"github.com/sledlab/gosled/pkg/can/sim"
	"github.com/sledlab/gosled/pkg/config"
	"github.com/sledlab/gosled/pkg/machines"
	"github.com/sledlab/gosled/pkg/nmt"
	"github.com/sledlab/gosled/pkg/profile"
	"github.com/sledlab/gosled/pkg/sdo"
	"github.com/sledlab/gosled/pkg/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

type recordingSink struct {
	mu      sync.Mutex
	updates map[string][]string
}

func (s *recordingSink) Set(field string, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updates == nil {
		s.updates = map[string][]string{}
	}
	s.updates[field] = append(s.updates[field], value)
	return true
}

func (s *recordingSink) values(field string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.updates[field]...)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Bus.NodeId = 1
	cfg.SDO.Timeout = 200 * time.Millisecond
	cfg.Network.HeartbeatPeriod = 20 * time.Millisecond
	cfg.Network.WatchdogTimeout = 150 * time.Millisecond
	cfg.Network.ReconnectInterval = 50 * time.Millisecond
	cfg.Network.Tick = 5 * time.Millisecond
	return cfg
}

func start(t *testing.T, drive *sim.Drive) (*Controller, *recordingSink) {
	sink := &recordingSink{}
	c, err := New(testConfig(), drive, sink)
	require.Nil(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return c, sink
}

func waitMotion(t *testing.T, c *Controller, state machines.MotionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		snapshot, err := c.Snapshot(context.Background())
		return err == nil && snapshot.Motion == state
	}, waitFor, 5*time.Millisecond, "motion never reached %v", state)
}

func waitNetwork(t *testing.T, c *Controller, state machines.NetState) {
	t.Helper()
	require.Eventually(t, func() bool {
		snapshot, err := c.Snapshot(context.Background())
		return err == nil && snapshot.Network == state
	}, waitFor, 5*time.Millisecond, "network never reached %v", state)
}

func TestBootHomesAndSwitchesToProfilePosition(t *testing.T) {
	drive := sim.NewDrive(1)
	c, sink := start(t, drive)
	ctx := context.Background()
	require.Nil(t, c.Open(ctx))
	waitMotion(t, c, machines.MotionPPIdle)

	assert.Equal(t, nmt.StateOperational, drive.NmtState())
	period, _ := drive.Get(0x1017, 0)
	assert.EqualValues(t, 20, period)
	mapped, _ := drive.Get(0x1A00, 1)
	assert.EqualValues(t, 0x60410010, mapped)

	snapshot, err := c.Snapshot(ctx)
	assert.Nil(t, err)
	assert.Equal(t, machines.IntfOpen, snapshot.Interface)
	assert.Equal(t, machines.NetOperational, snapshot.Network)
	assert.Equal(t, nmt.StateOperational, snapshot.NmtState)

	assert.Equal(t, []string{"opening", "open"}, sink.values(status.FieldInterface))
	assert.Contains(t, sink.values(status.FieldMotion), "homing")
	network := sink.values(status.FieldNetwork)
	assert.Equal(t, "operational", network[len(network)-1])
}

func TestExecuteMove(t *testing.T) {
	drive := sim.NewDrive(1)
	c, sink := start(t, drive)
	ctx := context.Background()
	require.Nil(t, c.Open(ctx))
	waitMotion(t, c, machines.MotionPPIdle)

	h, err := c.CreateProfile(ctx, 0.25, 1.0)
	require.Nil(t, err)
	result, err := c.Execute(ctx, h)
	require.Nil(t, err)
	select {
	case err := <-result:
		assert.Nil(t, err)
	case <-time.After(waitFor):
		t.Fatal("execute never resolved")
	}
	waitMotion(t, c, machines.MotionPPIdle)
	assert.EqualValues(t, 250000, drive.Position())
	require.Eventually(t, func() bool {
		snapshot, _ := c.Snapshot(ctx)
		return snapshot.Position == 250000
	}, waitFor, 5*time.Millisecond)
	task, ok := drive.Task(200)
	assert.True(t, ok)
	assert.EqualValues(t, 250000, task[0])
	assert.Contains(t, sink.values(status.FieldMotion), "profile-position-moving")

	// Relative move chained from the actual position
	require.Nil(t, c.SetTarget(ctx, h, profile.RelativeActual, -0.05, 0.5))
	result, err = c.Execute(ctx, h)
	require.Nil(t, err)
	assert.Nil(t, <-result)
	waitMotion(t, c, machines.MotionPPIdle)
	require.Eventually(t, func() bool { return drive.Position() == 200000 }, waitFor, 5*time.Millisecond)
}

func TestExecuteRejectedWhenNotIdle(t *testing.T) {
	drive := sim.NewDrive(1)
	c, _ := start(t, drive)
	ctx := context.Background()
	h, err := c.CreateProfile(ctx, 0.1, 1.0)
	require.Nil(t, err)
	_, err = c.Execute(ctx, h)
	assert.ErrorIs(t, err, profile.ErrNotIdle)

	_, err = c.WritePendingChanges(ctx, h)
	assert.ErrorIs(t, err, ErrNodeUnavailable)

	require.Nil(t, c.DestroyProfile(ctx, h))
	_, err = c.Profile(ctx, h)
	assert.ErrorIs(t, err, profile.ErrInvalidHandle)
	assert.ErrorIs(t, c.SetTable(ctx, h, 3), profile.ErrInvalidHandle)
}

func TestExecuteFailureReturnsToIdle(t *testing.T) {
	drive := sim.NewDrive(1)
	c, sink := start(t, drive)
	ctx := context.Background()
	require.Nil(t, c.Open(ctx))
	waitMotion(t, c, machines.MotionPPIdle)

	drive.SetAbort(0x2096, 1, sdo.AbortValueHigh)
	h, err := c.CreateProfile(ctx, 0.1, 1.0)
	require.Nil(t, err)
	result, err := c.Execute(ctx, h)
	require.Nil(t, err)
	err = <-result
	var abort sdo.Abort
	assert.True(t, errors.As(err, &abort))
	assert.Equal(t, sdo.AbortValueHigh, abort)
	waitMotion(t, c, machines.MotionPPIdle)
	assert.Contains(t, sink.values(status.FieldProfile), "failed")

	state, err := call(ctx, c, func() (profile.FieldState, error) {
		return c.profiles.FieldState(h, profile.FieldTable)
	})
	assert.Nil(t, err)
	assert.Equal(t, profile.Invalid, state)
}

func TestUploadFailureStaysPreOperational(t *testing.T) {
	drive := sim.NewDrive(1)
	drive.SetAbort(0x1017, 0, sdo.AbortReadOnly)
	c, _ := start(t, drive)
	require.Nil(t, c.Open(context.Background()))
	waitNetwork(t, c, machines.NetPreOperational)
	snapshot, _ := c.Snapshot(context.Background())
	assert.Equal(t, machines.MotionDisabled, snapshot.Motion)
	assert.Equal(t, nmt.StatePreOperational, drive.NmtState())
}

func TestWatchdogRecovers(t *testing.T) {
	drive := sim.NewDrive(1)
	c, _ := start(t, drive)
	require.Nil(t, c.Open(context.Background()))
	waitMotion(t, c, machines.MotionPPIdle)

	drive.SetHeartbeats(false)
	waitNetwork(t, c, machines.NetUnknown)
	snapshot, _ := c.Snapshot(context.Background())
	assert.Equal(t, machines.MotionDisabled, snapshot.Motion)

	drive.SetHeartbeats(true)
	waitNetwork(t, c, machines.NetOperational)
	waitMotion(t, c, machines.MotionPPIdle)
}

func TestReconnectAfterLinkLoss(t *testing.T) {
	drive := sim.NewDrive(1)
	c, _ := start(t, drive)
	ctx := context.Background()
	require.Nil(t, c.Open(ctx))
	waitMotion(t, c, machines.MotionPPIdle)
	before, _ := c.Snapshot(ctx)

	drive.DropLink(errors.New("bus off"))
	require.Eventually(t, func() bool {
		after, err := c.Snapshot(ctx)
		return err == nil && after.Epoch > before.Epoch && after.Motion == machines.MotionPPIdle
	}, waitFor, 5*time.Millisecond)
	after, _ := c.Snapshot(ctx)
	assert.Equal(t, machines.IntfOpen, after.Interface)
}

func TestCloseStopsReconnecting(t *testing.T) {
	drive := sim.NewDrive(1)
	c, _ := start(t, drive)
	ctx := context.Background()
	require.Nil(t, c.Open(ctx))
	waitMotion(t, c, machines.MotionPPIdle)
	require.Nil(t, c.Close(ctx))
	waitNetwork(t, c, machines.NetDisabled)
	time.Sleep(100 * time.Millisecond)
	snapshot, _ := c.Snapshot(ctx)
	assert.Equal(t, machines.IntfClosed, snapshot.Interface)
	assert.Equal(t, machines.MotionDisabled, snapshot.Motion)
}

func TestStoppedController(t *testing.T) {
	c, err := New(testConfig(), sim.NewDrive(1), nil)
	require.Nil(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, c.Run(ctx))
	_, err = c.Snapshot(context.Background())
	assert.Equal(t, ErrStopped, err)
}

func TestUploadRejectedWhileMoving(t *testing.T) {
	drive := sim.NewDrive(1)
	c, _ := start(t, drive)
	ctx := context.Background()
	require.Nil(t, c.Open(ctx))
	waitMotion(t, c, machines.MotionPPIdle)

	// The start edge is never acknowledged, the move does not end
	drive.SetSilent(0x6040, 0, true)
	moving, err := c.CreateProfile(ctx, 0.1, 1.0)
	require.Nil(t, err)
	other, err := c.CreateProfile(ctx, 0.2, 1.0)
	require.Nil(t, err)
	_, err = c.Execute(ctx, moving)
	require.Nil(t, err)

	_, err = c.WritePendingChanges(ctx, other)
	assert.ErrorIs(t, err, profile.ErrNotIdle)
	state, err := call(ctx, c, func() (profile.FieldState, error) {
		return c.profiles.FieldState(other, profile.FieldPosition)
	})
	assert.Nil(t, err)
	assert.Equal(t, profile.Changed, state)
}

func TestLinkLossFailsExecute(t *testing.T) {
	drive := sim.NewDrive(1)
	c, _ := start(t, drive)
	ctx := context.Background()
	require.Nil(t, c.Open(ctx))
	waitMotion(t, c, machines.MotionPPIdle)

	drive.SetSilent(0x2091, 1, true)
	h, err := c.CreateProfile(ctx, 0.1, 1.0)
	require.Nil(t, err)
	result, err := c.Execute(ctx, h)
	require.Nil(t, err)
	require.Eventually(t, func() bool {
		for _, req := range drive.Requests() {
			if req.Index == 0x2091 {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	drive.DropLink(errors.New("bus off"))
	select {
	case err = <-result:
		assert.ErrorIs(t, err, sled.ErrLinkClosed)
	case <-time.After(waitFor):
		t.Fatal("execute never resolved")
	}
}

func TestFrameOfPreviousLinkDropped(t *testing.T) {
	drive := sim.NewDrive(1)
	c, _ := start(t, drive)
	ctx := context.Background()
	require.Nil(t, c.Open(ctx))
	waitMotion(t, c, machines.MotionPPIdle)
	before, _ := c.Snapshot(ctx)

	drive.DropLink(errors.New("bus off"))
	require.Eventually(t, func() bool {
		after, err := c.Snapshot(ctx)
		return err == nil && after.Epoch > before.Epoch && after.Motion == machines.MotionPPIdle
	}, waitFor, 5*time.Millisecond)

	frame := sled.NewFrame(0x181, 0, 6)
	binary.LittleEndian.PutUint16(frame.Data[0:2], 0x0637)
	binary.LittleEndian.PutUint32(frame.Data[2:6], 123456)
	position, err := call(ctx, c, func() (int32, error) {
		c.handleFrame(before.Epoch, frame)
		return c.motion.Position(), nil
	})
	require.Nil(t, err)
	assert.NotEqual(t, int32(123456), position)

	position, err = call(ctx, c, func() (int32, error) {
		c.handleFrame(c.epoch, frame)
		return c.motion.Position(), nil
	})
	require.Nil(t, err)
	assert.Equal(t, int32(123456), position)
}
