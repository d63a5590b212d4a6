package profile

import (
	stderrors "errors"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Start / halt edge of the motion task trigger
const (
	controlwordStart uint32 = 0x1F
	controlwordHalt  uint32 = 0x0F
)

// Reports whether the drive accepts a new motion task
type ModeGate interface {
	Idle() bool
}

// Group of writes reporting once every one of them resolved
type batch struct {
	outstanding int
	sealed      bool
	finished    bool
	errs        []error
	done        func(error)
}

func newBatch(done func(error)) *batch {
	return &batch{done: done}
}

func (b *batch) resolve(err error) {
	if err != nil {
		b.errs = append(b.errs, err)
	}
	b.outstanding--
	b.check()
}

// No more writes will be added
func (b *batch) seal() {
	b.sealed = true
	b.check()
}

func (b *batch) check() {
	if !b.sealed || b.finished || b.outstanding > 0 {
		return
	}
	b.finished = true
	if b.done != nil {
		b.done(stderrors.Join(b.errs...))
	}
}

// Queue a 4 byte or 2 byte write belonging to b
func (t *Table) write(b *batch, what string, index uint16, subindex uint8, value uint32, size uint8, onWritten func(), onFailure func()) {
	b.outstanding++
	failed := func(err error) {
		log.Errorf("[PROFILE] writing %v (x%x:x%x = x%x) failed : %v", what, index, subindex, value, err)
		if onFailure != nil {
			onFailure()
		}
		b.resolve(errors.Wrapf(err, "writing %v", what))
	}
	_, err := t.writer.Write(index, subindex, value, size,
		func(uint16, uint8) {
			if onWritten != nil {
				onWritten()
			}
			b.resolve(nil)
		},
		func(_ uint16, _ uint8, err error) { failed(err) })
	if err != nil {
		failed(err)
	}
}

// Load profile number of h into the staging slot of the drive.
// When the copy-in fails the registers still hold another task, so
// whatever this batch writes and copies out for h cannot be trusted.
func (t *Table) copyIn(b *batch, h Handle, number uint32) {
	t.staged = number
	t.hasStaged = true
	t.write(b, "motion task copy-in", IndexCopyMotionTask, 0, number&0xFFFF, 4, nil, func() {
		t.hasStaged = false
		if s, err := t.slot(h); err == nil {
			s.invalidate()
		}
	})
}

// Store the staging slot of the drive back to profile number
func (t *Table) copyOut(b *batch, number uint32) {
	t.write(b, "motion task copy-out", IndexCopyMotionTask, 0, (number&0xFFFF)<<16, 4, nil, nil)
}

// Queue the pending fields of one profile
func (t *Table) uploadOne(b *batch, h Handle, s *slot) {
	if !pending(s) {
		return
	}
	number := s.profile.Number
	if !t.hasStaged || t.staged != number {
		t.copyIn(b, h, number)
	}
	values := t.values(s.profile)
	for f := Field(0); f < fieldCount; f++ {
		if s.states[f] != Changed && s.states[f] != Invalid {
			continue
		}
		field := f
		token := s.tokens[f]
		s.states[f] = Writing
		// Only the write of the latest edit may settle the field state
		settle := func(state FieldState) func() {
			return func() {
				current, err := t.slot(h)
				if err != nil || current.tokens[field] != token || current.states[field] != Writing {
					return
				}
				current.states[field] = state
			}
		}
		what := "profile " + h.String() + " " + field.String()
		t.write(b, what, FieldIndex[f], FieldSubindex, values[f], 4, settle(Written), settle(Invalid))
	}
	t.copyOut(b, number)
}

// Every next link reachable from h must reference a live profile,
// otherwise the drive would chain into whatever reuses the slot
func (t *Table) checkChain(h Handle) error {
	visited := make([]bool, len(t.slots))
	for current := h; ; {
		s, err := t.slot(current)
		if err != nil {
			log.Warnf("[PROFILE] chain of %v references stale profile %v", h, current)
			return err
		}
		if visited[current.Index] || !s.profile.HasNext {
			return nil
		}
		visited[current.Index] = true
		current = s.profile.Next
	}
}

// Walk the next chain starting at h, visiting every profile at most once
func (t *Table) uploadChain(b *batch, h Handle) {
	visited := make([]bool, len(t.slots))
	for current := h; ; {
		s, err := t.slot(current)
		if err != nil {
			log.Warnf("[PROFILE] chain of %v references profile %v : %v", h, current, err)
			return
		}
		if visited[current.Index] {
			log.Warnf("[PROFILE] chain of %v loops back to %v", h, current)
			return
		}
		visited[current.Index] = true
		t.uploadOne(b, current, s)
		if !s.profile.HasNext {
			return
		}
		current = s.profile.Next
	}
}

// Upload the changed fields of a profile and of the profiles chained after it.
// done is called with nil or the write failures once every write resolved.
func (t *Table) WritePendingChanges(h Handle, done func(error)) error {
	if err := t.checkChain(h); err != nil {
		return err
	}
	b := newBatch(done)
	t.uploadChain(b, h)
	b.seal()
	return nil
}

// Upload and start a profile, only when gate reports the drive idle.
// The returned error only reflects acceptance, the outcome of the upload
// and of the start trigger is given to done.
func (t *Table) Execute(h Handle, gate ModeGate, done func(error)) error {
	s, err := t.slot(h)
	if err != nil {
		return err
	}
	if err := t.checkChain(h); err != nil {
		return err
	}
	if gate == nil || !gate.Idle() {
		log.Warnf("[PROFILE] execute %v rejected : %v", h, ErrNotIdle)
		return ErrNotIdle
	}
	number := s.profile.Number
	log.Infof("[PROFILE] execute %v (motion task %d)", h, number)

	upload := newBatch(func(err error) {
		if err != nil {
			err = errors.Wrapf(err, "motion task %d not started", number)
			if done != nil {
				done(err)
			}
			return
		}
		trigger := newBatch(done)
		t.write(trigger, "start edge", IndexControlword, 0, controlwordStart, 2, nil, nil)
		t.write(trigger, "start edge", IndexControlword, 0, controlwordHalt, 2, nil, nil)
		trigger.seal()
	})
	if !t.hasStaged || t.staged != number {
		t.copyIn(upload, h, number)
	}
	t.uploadChain(upload, h)
	// The chain may have staged another profile
	if !t.hasStaged || t.staged != number {
		t.copyIn(upload, h, number)
	}
	upload.seal()
	return nil
}
