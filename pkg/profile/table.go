package profile

import (
	"github.com/sledlab/gosled/pkg/sdo"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultMaxProfiles  = 32
	DefaultBaseNumber   = 200
	DefaultProfileTable = 2
	DefaultTime         = 1.0
)

// Dictionary writes used for uploading, implemented by [sdo.Client]
type Writer interface {
	Write(index uint16, subindex uint8, value uint32, size uint8, onWritten func(uint16, uint8), onFailure func(uint16, uint8, error)) (sdo.TxID, error)
}

type Config struct {
	MaxProfiles  int
	BaseNumber   uint32 // drive profile number of slot 0
	DefaultTable uint32
}

func DefaultConfig() Config {
	return Config{MaxProfiles: DefaultMaxProfiles, BaseNumber: DefaultBaseNumber, DefaultTable: DefaultProfileTable}
}

type slot struct {
	profile    Profile
	generation uint32
	inUse      bool
	states     [fieldCount]FieldState
	// Bumped on every edit so that a late write result cannot
	// overwrite the state of a newer edit
	tokens [fieldCount]uint32
}

func (s *slot) mark(f Field) {
	s.states[f] = Changed
	s.tokens[f]++
}

// Upload every field again, results of writes in flight are ignored
func (s *slot) invalidate() {
	for f := Field(0); f < fieldCount; f++ {
		s.states[f] = Invalid
		s.tokens[f]++
	}
}

func (s *slot) markAll() {
	for f := Field(0); f < fieldCount; f++ {
		s.mark(f)
	}
}

// Fixed capacity arena of profiles.
// Not safe for concurrent use, it is driven by the controller reactor.
type Table struct {
	slots     []slot
	writer    Writer
	config    Config
	staged    uint32
	hasStaged bool
}

func NewTable(writer Writer, config Config) *Table {
	if config.MaxProfiles <= 0 {
		config.MaxProfiles = DefaultMaxProfiles
	}
	return &Table{slots: make([]slot, config.MaxProfiles), writer: writer, config: config}
}

func (t *Table) Capacity() int {
	return len(t.slots)
}

// Profile number currently staged on the drive
func (t *Table) Staged() (uint32, bool) {
	return t.staged, t.hasStaged
}

// Forget the staged profile, e.g. after the drive has been restarted
func (t *Table) ResetStaged() {
	t.hasStaged = false
}

func (t *Table) slot(h Handle) (*slot, error) {
	if h.Index < 0 || h.Index >= len(t.slots) {
		return nil, ErrInvalidHandle
	}
	s := &t.slots[h.Index]
	if !s.inUse || s.generation != h.Generation {
		return nil, ErrInvalidHandle
	}
	return s, nil
}

func (t *Table) handle(index int) Handle {
	return Handle{Index: index, Generation: t.slots[index].generation}
}

func (t *Table) reset(index int) {
	s := &t.slots[index]
	s.profile = Profile{
		Number:   t.config.BaseNumber + uint32(index),
		Table:    t.config.DefaultTable,
		Mode:     Absolute,
		Position: 0,
		Time:     DefaultTime,
		Blend:    BlendNone,
	}
	s.markAll()
}

// Allocate a profile with default fields, all of them to be uploaded
func (t *Table) Create() (Handle, error) {
	for i := range t.slots {
		if !t.slots[i].inUse {
			t.slots[i].inUse = true
			t.reset(i)
			h := t.handle(i)
			log.Debugf("[PROFILE] created %v (number %d)", h, t.slots[i].profile.Number)
			return h, nil
		}
	}
	return Handle{}, ErrTableFull
}

// Allocate a profile moving to position (m) in time (s)
func (t *Table) CreateWith(position float64, time float64) (Handle, error) {
	h, err := t.Create()
	if err != nil {
		return h, err
	}
	s := &t.slots[h.Index]
	s.profile.Position = position
	s.profile.Time = time
	return h, nil
}

// Free a profile, its handle and every copy of it become stale
func (t *Table) Destroy(h Handle) error {
	s, err := t.slot(h)
	if err != nil {
		return err
	}
	s.inUse = false
	s.generation++
	log.Debugf("[PROFILE] destroyed %v", h)
	return nil
}

// Reset a profile to its defaults, all fields to be uploaded again
func (t *Table) Clear(h Handle) error {
	if _, err := t.slot(h); err != nil {
		return err
	}
	t.reset(h.Index)
	return nil
}

func (t *Table) Get(h Handle) (Profile, error) {
	s, err := t.slot(h)
	if err != nil {
		return Profile{}, err
	}
	return s.profile, nil
}

// Apply an edit and mark the fields whose uploaded value changed
func (t *Table) edit(h Handle, apply func(p *Profile)) error {
	s, err := t.slot(h)
	if err != nil {
		return err
	}
	before := t.values(s.profile)
	apply(&s.profile)
	after := t.values(s.profile)
	for f := Field(0); f < fieldCount; f++ {
		if before[f] != after[f] {
			s.mark(f)
		}
	}
	return nil
}

func (t *Table) SetTarget(h Handle, mode PositionMode, position float64, time float64) error {
	return t.edit(h, func(p *Profile) {
		p.Mode = mode
		p.Position = position
		p.Time = time
	})
}

// Chain next after h, started delay (s) after h with the given blending
func (t *Table) SetNext(h Handle, next Handle, delay float64, blend Blend) error {
	if _, err := t.slot(next); err != nil {
		return err
	}
	return t.edit(h, func(p *Profile) {
		p.HasNext = true
		p.Next = next
		p.Delay = delay
		p.Blend = blend
	})
}

func (t *Table) ClearNext(h Handle) error {
	return t.edit(h, func(p *Profile) {
		p.HasNext = false
		p.Next = Handle{}
		p.Delay = 0
		p.Blend = BlendNone
	})
}

// Select the motion table (trajectory shape) of the profile
func (t *Table) SetTable(h Handle, table uint32) error {
	return t.edit(h, func(p *Profile) {
		p.Table = table
	})
}

func (t *Table) FieldState(h Handle, f Field) (FieldState, error) {
	s, err := t.slot(h)
	if err != nil {
		return 0, err
	}
	if f >= fieldCount {
		return 0, ErrInvalidHandle
	}
	return s.states[f], nil
}

// Fields to upload: changed ones and the ones whose previous upload failed
func pending(s *slot) bool {
	for _, state := range s.states {
		if state == Changed || state == Invalid {
			return true
		}
	}
	return false
}

func (t *Table) Pending(h Handle) (bool, error) {
	s, err := t.slot(h)
	if err != nil {
		return false, err
	}
	return pending(s), nil
}

// Raw dictionary values of every field
func (t *Table) values(p Profile) [fieldCount]uint32 {
	var next uint32
	if p.HasNext {
		next = t.config.BaseNumber + uint32(p.Next.Index)
	}
	halfTime := uint32(int32(p.Time * 1000.0 / 2.0))
	return [fieldCount]uint32{
		FieldPosition:     uint32(int32(p.Position * 1000.0 * 1000.0)),
		FieldVelocity:     0,
		FieldControl:      uint32(Controlword(p)),
		FieldAcceleration: halfTime,
		FieldDeceleration: halfTime,
		FieldTable:        p.Table,
		FieldNext:         next,
		FieldDelay:        uint32(int32(p.Delay * 1000.0)),
	}
}
