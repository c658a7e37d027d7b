package cart

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/packfinderz-cartsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/packfinderz-cartsync/pkg/errors"
)

// Store is the local authoritative view of the cart. Every operation is
// atomic with respect to the others and never performs I/O.
type Store struct {
	mu      sync.RWMutex
	lines   []Line
	version uint64
	pricing Pricing
	now     func() time.Time
}

// NewStore builds an empty cart store priced with the given parameters.
func NewStore(pricing Pricing) *Store {
	return &Store{
		lines:   []Line{},
		pricing: pricing,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot is an immutable copy of the store contents.
type Snapshot struct {
	Lines   []Line
	Version uint64
}

func (s Snapshot) find(key LineKey) (Line, int, bool) {
	for i, line := range s.Lines {
		if line.Key() == key {
			return line, i, true
		}
	}
	return Line{}, -1, false
}

// AddLineInput describes an add. PriceOverride replaces UnitPrice when set.
type AddLineInput struct {
	ProductID     string
	VariantID     string
	Quantity      int
	UnitPrice     decimal.Decimal
	PriceOverride *decimal.Decimal
}

// Applied describes a mutation applied by Apply, with everything needed to
// revert it later.
type Applied struct {
	// Mutation is the applied mutation with line id and key resolved.
	Mutation Mutation
	// Before is the store state immediately before the mutation.
	Before Snapshot
	// Version is the store version immediately after the mutation.
	Version uint64
	// After is the touched line after the mutation, nil when it was removed.
	After   *Line
	Changed bool
}

// Apply snapshots the store and applies m in one atomic step.
func (s *Store) Apply(m Mutation) (Applied, error) {
	if err := m.Validate(); err != nil {
		return Applied{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.snapshotLocked()
	resolved, after, changed, err := s.applyLocked(m)
	if err != nil {
		return Applied{}, err
	}
	if changed {
		s.version++
	}
	return Applied{
		Mutation: resolved,
		Before:   before,
		Version:  s.version,
		After:    after,
		Changed:  changed,
	}, nil
}

// Revert undoes an applied mutation. When nothing touched the store since,
// the pre-mutation snapshot is restored exactly. Otherwise the mutation is
// compensated on its own line key so later mutations survive.
func (s *Store) Revert(a Applied) {
	if !a.Changed {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.version == a.Version {
		s.lines = cloneLines(a.Before.Lines)
		s.version++
		return
	}
	s.compensateLocked(a)
	s.version++
}

// AddLine adds quantity units of a product, incrementing the existing line
// when the key is already present.
func (s *Store) AddLine(in AddLineInput) (Line, error) {
	price := in.UnitPrice
	if in.PriceOverride != nil {
		price = *in.PriceOverride
	}
	applied, err := s.Apply(Mutation{
		Kind:      enums.ActionKindAdd,
		ProductID: in.ProductID,
		VariantID: in.VariantID,
		Quantity:  in.Quantity,
		UnitPrice: price,
	})
	if err != nil {
		return Line{}, err
	}
	return *applied.After, nil
}

// RemoveLine deletes a line. Removing an absent line is a no-op.
func (s *Store) RemoveLine(ref LineRef) bool {
	applied, err := s.Apply(Mutation{
		Kind:      enums.ActionKindRemove,
		LineID:    ref.LineID,
		ProductID: ref.Key.ProductID,
		VariantID: ref.Key.VariantID,
	})
	if err != nil {
		return false
	}
	return applied.Changed
}

// SetQuantity overwrites a line quantity; zero or less removes the line.
// Setting zero or less on an absent line is a no-op.
func (s *Store) SetQuantity(ref LineRef, quantity int) error {
	_, err := s.Apply(Mutation{
		Kind:      enums.ActionKindUpdate,
		LineID:    ref.LineID,
		ProductID: ref.Key.ProductID,
		VariantID: ref.Key.VariantID,
		Quantity:  quantity,
	})
	return err
}

// Clear removes every line.
func (s *Store) Clear() {
	_, _ = s.Apply(Mutation{Kind: enums.ActionKindClear})
}

// Snapshot copies the current lines and version.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Restore replaces the store contents wholesale with a snapshot.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = cloneLines(snap.Lines)
	s.version++
}

// Replace loads canonical lines from durable storage or the remote store.
func (s *Store) Replace(lines []Line) {
	normalized := Normalize(lines)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = normalized
	s.version++
}

// Lines returns a copy of the lines in insertion order.
func (s *Store) Lines() []Line {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneLines(s.lines)
}

// Line looks a line up by id, falling back to its key.
func (s *Store) Line(ref LineRef) (Line, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexLocked(ref)
	if idx < 0 {
		return Line{}, false
	}
	return s.lines[idx], true
}

// Totals prices the current lines.
func (s *Store) Totals() Totals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pricing.Totals(s.lines)
}

// Subtotal, Tax, Shipping, Total, LineCount and ItemCount read single
// fields of Totals.
func (s *Store) Subtotal() decimal.Decimal { return s.Totals().Subtotal }
func (s *Store) Tax() decimal.Decimal      { return s.Totals().Tax }
func (s *Store) Shipping() decimal.Decimal { return s.Totals().Shipping }
func (s *Store) Total() decimal.Decimal    { return s.Totals().Total }
func (s *Store) LineCount() int            { return s.Totals().LineCount }
func (s *Store) ItemCount() int            { return s.Totals().ItemCount }

// IsEmpty reports whether the cart has no lines.
func (s *Store) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lines) == 0
}

// AdoptLineID replaces the id of the line stored under key with the id the
// remote store assigned to it. It reports whether a line changed.
func (s *Store) AdoptLineID(key LineKey, lineID string) bool {
	if lineID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexByKeyLocked(key)
	if idx < 0 || s.lines[idx].LineID == lineID {
		return false
	}
	s.lines[idx].LineID = lineID
	s.version++
	return true
}

// Version increases on every change to the store contents.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{Lines: cloneLines(s.lines), Version: s.version}
}

func (s *Store) applyLocked(m Mutation) (Mutation, *Line, bool, error) {
	switch m.Kind {
	case enums.ActionKindAdd:
		if idx := s.indexByKeyLocked(m.Key()); idx >= 0 {
			s.lines[idx].Quantity += m.Quantity
			m.LineID = s.lines[idx].LineID
			after := s.lines[idx]
			return m, &after, true, nil
		}
		line := Line{
			LineID:    NewPlaceholderID(),
			ProductID: m.ProductID,
			VariantID: m.VariantID,
			Quantity:  m.Quantity,
			UnitPrice: m.UnitPrice,
			AddedAt:   s.now(),
		}
		s.lines = append(s.lines, line)
		m.LineID = line.LineID
		return m, &line, true, nil

	case enums.ActionKindUpdate:
		idx := s.indexLocked(m.Ref())
		if idx < 0 && m.Quantity <= 0 {
			return m, nil, false, nil
		}
		if idx < 0 {
			return m, nil, false, pkgerrors.New(pkgerrors.CodeNotFound, "cart line not found").
				WithDetails(map[string]any{"lineId": m.LineID, "key": m.Key().String()})
		}
		m = resolveRef(m, s.lines[idx])
		if m.Quantity <= 0 {
			s.removeAtLocked(idx)
			return m, nil, true, nil
		}
		changed := s.lines[idx].Quantity != m.Quantity
		s.lines[idx].Quantity = m.Quantity
		after := s.lines[idx]
		return m, &after, changed, nil

	case enums.ActionKindRemove:
		idx := s.indexLocked(m.Ref())
		if idx < 0 {
			return m, nil, false, nil
		}
		m = resolveRef(m, s.lines[idx])
		s.removeAtLocked(idx)
		return m, nil, true, nil

	case enums.ActionKindClear:
		changed := len(s.lines) > 0
		s.lines = []Line{}
		return m, nil, changed, nil
	}
	return m, nil, false, pkgerrors.New(pkgerrors.CodeValidation, "unknown mutation kind")
}

func (s *Store) compensateLocked(a Applied) {
	m := a.Mutation
	key := m.Key()
	switch m.Kind {
	case enums.ActionKindAdd:
		idx := s.indexByKeyLocked(key)
		if idx < 0 {
			return
		}
		s.lines[idx].Quantity -= m.Quantity
		if s.lines[idx].Quantity < 1 {
			s.removeAtLocked(idx)
		}

	case enums.ActionKindUpdate:
		prev, pos, ok := a.Before.find(key)
		if !ok {
			return
		}
		idx := s.indexByKeyLocked(key)
		switch {
		case a.After != nil && idx >= 0 && s.lines[idx].Quantity == a.After.Quantity:
			s.lines[idx].Quantity = prev.Quantity
		case a.After == nil && idx < 0:
			s.insertLocked(prev, pos)
		}

	case enums.ActionKindRemove:
		prev, pos, ok := a.Before.find(key)
		if ok && s.indexByKeyLocked(key) < 0 {
			s.insertLocked(prev, pos)
		}

	case enums.ActionKindClear:
		for pos, prev := range a.Before.Lines {
			if s.indexByKeyLocked(prev.Key()) < 0 {
				s.insertLocked(prev, pos)
			}
		}
	}
}

func resolveRef(m Mutation, line Line) Mutation {
	m.LineID = line.LineID
	m.ProductID = line.ProductID
	m.VariantID = line.VariantID
	return m
}

func (s *Store) indexLocked(ref LineRef) int {
	if ref.LineID != "" {
		for i, line := range s.lines {
			if line.LineID == ref.LineID {
				return i
			}
		}
	}
	if ref.Key.IsZero() {
		return -1
	}
	return s.indexByKeyLocked(ref.Key)
}

func (s *Store) indexByKeyLocked(key LineKey) int {
	for i, line := range s.lines {
		if line.Key() == key {
			return i
		}
	}
	return -1
}

func (s *Store) removeAtLocked(idx int) {
	s.lines = append(s.lines[:idx], s.lines[idx+1:]...)
}

func (s *Store) insertLocked(line Line, pos int) {
	if pos < 0 {
		pos = 0
	}
	if pos > len(s.lines) {
		pos = len(s.lines)
	}
	s.lines = append(s.lines, Line{})
	copy(s.lines[pos+1:], s.lines[pos:])
	s.lines[pos] = line
}
