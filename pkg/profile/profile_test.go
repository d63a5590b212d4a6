package profile

import (
	"errors"
	"testing"

	"github.com/sledlab/gosled/pkg/sdo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type write struct {
	index     uint16
	subindex  uint8
	value     uint32
	size      uint8
	onWritten func(uint16, uint8)
	onFailure func(uint16, uint8, error)
	resolved  bool
}

type fakeWriter struct {
	writes []*write
}

func (f *fakeWriter) Write(index uint16, subindex uint8, value uint32, size uint8, onWritten func(uint16, uint8), onFailure func(uint16, uint8, error)) (sdo.TxID, error) {
	f.writes = append(f.writes, &write{index: index, subindex: subindex, value: value, size: size, onWritten: onWritten, onFailure: onFailure})
	return sdo.TxID(len(f.writes)), nil
}

// Acknowledge every unresolved write, including the ones queued meanwhile
func (f *fakeWriter) ackAll() {
	for i := 0; i < len(f.writes); i++ {
		w := f.writes[i]
		if w.resolved {
			continue
		}
		w.resolved = true
		if w.onWritten != nil {
			w.onWritten(w.index, w.subindex)
		}
	}
}

func (f *fakeWriter) find(index uint16) *write {
	for _, w := range f.writes {
		if w.index == index && !w.resolved {
			return w
		}
	}
	return nil
}

type gate bool

func (g gate) Idle() bool { return bool(g) }

func newTable() (*Table, *fakeWriter) {
	writer := &fakeWriter{}
	return NewTable(writer, DefaultConfig()), writer
}

func TestControlwordGrid(t *testing.T) {
	modes := map[PositionMode]uint16{Absolute: 0, RelativeActual: 0x05, RelativeTarget: 0x03}
	blends := map[Blend]uint16{BlendNone: 0, BlendBefore: 0x110, BlendAfter: 0x10}
	combinations := 0
	for mode, modeBits := range modes {
		for _, hasNext := range []bool{false, true} {
			for blend, blendBits := range blends {
				expected := 0x2200 | modeBits | blendBits
				if hasNext {
					expected |= 0x08
				}
				p := Profile{Mode: mode, HasNext: hasNext, Blend: blend}
				assert.Equal(t, expected, Controlword(p), "%v next=%v blend=%v", mode, hasNext, blend)
				combinations++
			}
		}
	}
	assert.Equal(t, 18, combinations)
	assert.EqualValues(t, 0x2200, Controlword(Profile{}))
	assert.EqualValues(t, 0x2205, Controlword(Profile{Mode: RelativeActual}))
	assert.EqualValues(t, 0x2318, Controlword(Profile{HasNext: true, Blend: BlendBefore}))
}

func TestCreateDefaults(t *testing.T) {
	table, _ := newTable()
	h, err := table.Create()
	require.Nil(t, err)
	p, err := table.Get(h)
	require.Nil(t, err)
	assert.EqualValues(t, 200, p.Number)
	assert.EqualValues(t, 2, p.Table)
	assert.Equal(t, Absolute, p.Mode)
	assert.Equal(t, 1.0, p.Time)
	assert.False(t, p.HasNext)
	for f := Field(0); f < fieldCount; f++ {
		state, _ := table.FieldState(h, f)
		assert.Equal(t, Changed, state, "%v", f)
	}

	h2, _ := table.CreateWith(0.25, 2.0)
	p, _ = table.Get(h2)
	assert.EqualValues(t, 201, p.Number)
	assert.Equal(t, 0.25, p.Position)
	assert.Equal(t, 2.0, p.Time)
}

func TestFreshProfileUpload(t *testing.T) {
	table, writer := newTable()
	h, _ := table.CreateWith(0.1234567, 1.5)
	var result error = errors.New("not called")
	assert.Nil(t, table.WritePendingChanges(h, func(err error) { result = err }))

	require.Len(t, writer.writes, int(fieldCount)+2)
	assert.Equal(t, IndexCopyMotionTask, writer.writes[0].index)
	assert.EqualValues(t, 200, writer.writes[0].value)
	for i, f := 0, Field(0); f < fieldCount; i, f = i+1, f+1 {
		w := writer.writes[i+1]
		assert.Equal(t, FieldIndex[f], w.index)
		assert.Equal(t, FieldSubindex, w.subindex)
		assert.EqualValues(t, 4, w.size)
		state, _ := table.FieldState(h, f)
		assert.Equal(t, Writing, state)
	}
	last := writer.writes[len(writer.writes)-1]
	assert.Equal(t, IndexCopyMotionTask, last.index)
	assert.EqualValues(t, 200<<16, last.value)

	values := map[uint16]uint32{}
	for _, w := range writer.writes[1 : len(writer.writes)-1] {
		values[w.index] = w.value
	}
	assert.EqualValues(t, 123456, values[FieldIndex[FieldPosition]])
	assert.EqualValues(t, 0, values[FieldIndex[FieldVelocity]])
	assert.EqualValues(t, 0x2200, values[FieldIndex[FieldControl]])
	assert.EqualValues(t, 750, values[FieldIndex[FieldAcceleration]])
	assert.EqualValues(t, 750, values[FieldIndex[FieldDeceleration]])
	assert.EqualValues(t, 2, values[FieldIndex[FieldTable]])
	assert.EqualValues(t, 0, values[FieldIndex[FieldNext]])

	assert.NotNil(t, result)
	writer.ackAll()
	assert.Nil(t, result)
	for f := Field(0); f < fieldCount; f++ {
		state, _ := table.FieldState(h, f)
		assert.Equal(t, Written, state)
	}
	staged, ok := table.Staged()
	assert.True(t, ok)
	assert.EqualValues(t, 200, staged)
}

func TestNoPendingChangesNoRequests(t *testing.T) {
	table, writer := newTable()
	h, _ := table.Create()
	table.WritePendingChanges(h, nil)
	writer.ackAll()
	count := len(writer.writes)

	called := false
	assert.Nil(t, table.WritePendingChanges(h, func(err error) { called = true; assert.Nil(t, err) }))
	assert.Len(t, writer.writes, count)
	assert.True(t, called)
	pending, _ := table.Pending(h)
	assert.False(t, pending)
}

func TestSettersAreIdempotent(t *testing.T) {
	table, writer := newTable()
	h, _ := table.Create()
	table.WritePendingChanges(h, nil)
	writer.ackAll()

	assert.Nil(t, table.SetTarget(h, RelativeTarget, 0.5, 2.0))
	states := func() []FieldState {
		var out []FieldState
		for f := Field(0); f < fieldCount; f++ {
			state, _ := table.FieldState(h, f)
			out = append(out, state)
		}
		return out
	}
	first := states()
	assert.Equal(t, []FieldState{Changed, Written, Changed, Changed, Changed, Written, Written, Written}, first)

	writer.ackAll()
	table.WritePendingChanges(h, nil)
	writer.ackAll()
	assert.Nil(t, table.SetTarget(h, RelativeTarget, 0.5, 2.0))
	pending, _ := table.Pending(h)
	assert.False(t, pending)

	assert.Nil(t, table.SetTable(h, 2+0))
	pending, _ = table.Pending(h)
	assert.False(t, pending)
	assert.Nil(t, table.SetTable(h, 3))
	state, _ := table.FieldState(h, FieldTable)
	assert.Equal(t, Changed, state)
}

func TestSetNextMarksOnlyAffectedFields(t *testing.T) {
	table, writer := newTable()
	a, _ := table.Create()
	b, _ := table.Create()
	table.WritePendingChanges(a, nil)
	table.WritePendingChanges(b, nil)
	writer.ackAll()

	assert.Nil(t, table.SetNext(a, b, 0.5, BlendNone))
	for f, expected := range map[Field]FieldState{FieldControl: Changed, FieldNext: Changed, FieldDelay: Changed, FieldPosition: Written} {
		state, _ := table.FieldState(a, f)
		assert.Equal(t, expected, state, "%v", f)
	}
	writer.ackAll()
	table.WritePendingChanges(a, nil)
	w := writer.find(FieldIndex[FieldNext])
	require.NotNil(t, w)
	assert.EqualValues(t, 201, w.value)
	w = writer.find(FieldIndex[FieldDelay])
	require.NotNil(t, w)
	assert.EqualValues(t, 500, w.value)
	writer.ackAll()

	// Only the delay differs, the controlword stays the same
	assert.Nil(t, table.SetNext(a, b, 1.0, BlendNone))
	state, _ := table.FieldState(a, FieldControl)
	assert.Equal(t, Written, state)
	state, _ = table.FieldState(a, FieldDelay)
	assert.Equal(t, Changed, state)
}

func TestAbortMarksFieldInvalid(t *testing.T) {
	table, writer := newTable()
	h, _ := table.Create()
	var result error
	table.WritePendingChanges(h, func(err error) { result = err })

	w := writer.find(FieldIndex[FieldTable])
	w.resolved = true
	w.onFailure(w.index, w.subindex, sdo.Abort(0x06020000))
	writer.ackAll()

	state, _ := table.FieldState(h, FieldTable)
	assert.Equal(t, Invalid, state)
	state, _ = table.FieldState(h, FieldPosition)
	assert.Equal(t, Written, state)

	var abort sdo.Abort
	require.True(t, errors.As(result, &abort))
	assert.EqualValues(t, 0x06020000, abort)

	// The failed field is sent again on the next upload
	before := len(writer.writes)
	table.WritePendingChanges(h, nil)
	assert.Len(t, writer.writes, before+2)
	assert.Equal(t, FieldIndex[FieldTable], writer.writes[before].index)
}

func TestLateAckKeepsNewerEdit(t *testing.T) {
	table, writer := newTable()
	h, _ := table.Create()
	table.WritePendingChanges(h, nil)
	table.SetTarget(h, Absolute, 0.3, 1.0)
	writer.ackAll()
	state, _ := table.FieldState(h, FieldPosition)
	assert.Equal(t, Changed, state)
	state, _ = table.FieldState(h, FieldTable)
	assert.Equal(t, Written, state)
}

func TestCyclicChainIsBounded(t *testing.T) {
	table, writer := newTable()
	a, _ := table.Create()
	b, _ := table.Create()
	assert.Nil(t, table.SetNext(a, b, 0, BlendAfter))
	assert.Nil(t, table.SetNext(b, a, 0, BlendAfter))
	done := false
	assert.Nil(t, table.WritePendingChanges(a, func(err error) { done = true }))
	// Both profiles exactly once: copy-in, fields, copy-out each
	assert.Len(t, writer.writes, 2*(int(fieldCount)+2))
	writer.ackAll()
	assert.True(t, done)

	self, _ := table.Create()
	assert.Nil(t, table.SetNext(self, self, 0, BlendNone))
	before := len(writer.writes)
	table.WritePendingChanges(self, nil)
	assert.Len(t, writer.writes, before+int(fieldCount)+2)
}

func TestStaleHandles(t *testing.T) {
	table, writer := newTable()
	h, _ := table.Create()
	assert.Nil(t, table.Destroy(h))
	reused, _ := table.Create()
	assert.Equal(t, h.Index, reused.Index)
	assert.NotEqual(t, h, reused)

	assert.Equal(t, ErrInvalidHandle, table.Destroy(h))
	assert.Equal(t, ErrInvalidHandle, table.SetTarget(h, Absolute, 1, 1))
	assert.Equal(t, ErrInvalidHandle, table.SetTable(h, 1))
	assert.Equal(t, ErrInvalidHandle, table.Clear(h))
	assert.Equal(t, ErrInvalidHandle, table.WritePendingChanges(h, nil))
	assert.Equal(t, ErrInvalidHandle, table.Execute(h, gate(true), nil))
	assert.Equal(t, ErrInvalidHandle, table.SetNext(reused, h, 0, BlendNone))
	_, err := table.Get(Handle{Index: -1})
	assert.Equal(t, ErrInvalidHandle, err)
	_, err = table.Get(Handle{Index: 1000})
	assert.Equal(t, ErrInvalidHandle, err)
	assert.Len(t, writer.writes, 0)
}

func TestTableFull(t *testing.T) {
	table := NewTable(&fakeWriter{}, Config{MaxProfiles: 2, BaseNumber: 200, DefaultTable: 2})
	_, err := table.Create()
	assert.Nil(t, err)
	_, err = table.Create()
	assert.Nil(t, err)
	_, err = table.Create()
	assert.Equal(t, ErrTableFull, err)
}

func TestExecuteRejectedWhenNotIdle(t *testing.T) {
	table, writer := newTable()
	h, _ := table.Create()
	assert.Equal(t, ErrNotIdle, table.Execute(h, gate(false), nil))
	assert.Equal(t, ErrNotIdle, table.Execute(h, nil, nil))
	assert.Len(t, writer.writes, 0)
	pending, _ := table.Pending(h)
	assert.True(t, pending)
}

func TestExecuteUploadsThenTriggers(t *testing.T) {
	table, writer := newTable()
	a, _ := table.CreateWith(0.1, 1.0)
	b, _ := table.CreateWith(0.2, 1.0)
	table.SetNext(a, b, 0, BlendNone)

	var result error = errors.New("not called")
	assert.Nil(t, table.Execute(a, gate(true), func(err error) { result = err }))
	// copy-in a, fields a, copy-out a, copy-in b, fields b, copy-out b, select a
	require.Len(t, writer.writes, 2*(int(fieldCount)+2)+1)
	selectA := writer.writes[len(writer.writes)-1]
	assert.Equal(t, IndexCopyMotionTask, selectA.index)
	assert.EqualValues(t, 200, selectA.value)
	assert.Nil(t, writer.find(IndexControlword))

	writer.ackAll()
	assert.Nil(t, result)
	n := len(writer.writes)
	assert.Equal(t, IndexControlword, writer.writes[n-2].index)
	assert.EqualValues(t, 0x1F, writer.writes[n-2].value)
	assert.EqualValues(t, 2, writer.writes[n-2].size)
	assert.EqualValues(t, 0x0F, writer.writes[n-1].value)

	// Nothing left to upload: select and trigger only
	before := len(writer.writes)
	table.Execute(b, gate(true), nil)
	assert.Len(t, writer.writes, before+1)
	writer.ackAll()
	assert.Len(t, writer.writes, before+3)
}

func TestExecuteNoTriggerOnFailedUpload(t *testing.T) {
	table, writer := newTable()
	h, _ := table.Create()
	var result error
	assert.Nil(t, table.Execute(h, gate(true), func(err error) { result = err }))
	w := writer.find(FieldIndex[FieldPosition])
	w.resolved = true
	w.onFailure(w.index, w.subindex, sdo.AbortValueHigh)
	writer.ackAll()

	assert.NotNil(t, result)
	assert.ErrorIs(t, result, sdo.AbortValueHigh)
	for _, w := range writer.writes {
		assert.NotEqual(t, IndexControlword, w.index)
	}
}

func TestStaleNextLinkRejected(t *testing.T) {
	table, writer := newTable()
	a, _ := table.CreateWith(0.1, 1.0)
	b, _ := table.CreateWith(0.2, 1.0)
	require.Nil(t, table.SetNext(a, b, 0, BlendNone))
	require.Nil(t, table.Destroy(b))
	reused, _ := table.CreateWith(0.9, 1.0)
	require.Equal(t, b.Index, reused.Index)

	called := false
	assert.Equal(t, ErrInvalidHandle, table.WritePendingChanges(a, func(error) { called = true }))
	assert.Equal(t, ErrInvalidHandle, table.Execute(a, gate(true), func(error) { called = true }))
	assert.False(t, called)
	assert.Len(t, writer.writes, 0)

	// Dropping the link makes the profile usable again
	require.Nil(t, table.ClearNext(a))
	assert.Nil(t, table.Execute(a, gate(true), nil))
	assert.NotEmpty(t, writer.writes)
}

func TestFailedCopyInInvalidatesProfile(t *testing.T) {
	table, writer := newTable()
	a, _ := table.Create()
	b, _ := table.Create()
	table.WritePendingChanges(a, nil)
	writer.ackAll()
	staged, _ := table.Staged()
	require.EqualValues(t, 200, staged)

	// Only the position of b is pending, the copy-in of b is refused
	table.WritePendingChanges(b, nil)
	writer.ackAll()
	require.Nil(t, table.SetTarget(b, Absolute, 0.5, 1.0))
	require.Nil(t, table.SetTarget(a, Absolute, 0.1, 1.0))
	table.WritePendingChanges(a, nil)
	writer.ackAll()
	var result error
	before := len(writer.writes)
	table.WritePendingChanges(b, func(err error) { result = err })
	require.Len(t, writer.writes, before+3)
	w := writer.writes[before]
	require.Equal(t, IndexCopyMotionTask, w.index)
	w.resolved = true
	w.onFailure(w.index, w.subindex, sdo.AbortNotExist)
	writer.ackAll()

	assert.ErrorIs(t, result, sdo.AbortNotExist)
	_, ok := table.Staged()
	assert.False(t, ok)
	for f := Field(0); f < fieldCount; f++ {
		state, _ := table.FieldState(b, f)
		assert.Equal(t, Invalid, state, "%v", f)
	}

	// The whole task is written again behind a fresh copy-in
	before = len(writer.writes)
	table.WritePendingChanges(b, nil)
	assert.Len(t, writer.writes, before+int(fieldCount)+2)
	assert.Equal(t, IndexCopyMotionTask, writer.writes[before].index)
	assert.EqualValues(t, 201, writer.writes[before].value)
}
