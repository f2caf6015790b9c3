package broker

import (
	"fmt"
	"strings"

	"github.com/maxpert/msgengine/handler"
)

type lockTier int

const (
	tierManager lockTier = iota + 1
	tierReallocation
	tierEntity
)

func (t lockTier) String() string {
	switch t {
	case tierManager:
		return "manager"
	case tierReallocation:
		return "reallocation"
	case tierEntity:
		return "entity"
	}
	return "unknown"
}

type heldLock struct {
	tier      lockTier
	handler   *handler.Handler
	exclusive bool
}

// lockScope tracks the tier locks held by one manager operation. Locks are
// released in reverse acquisition order. With lock order checking enabled,
// acquiring a tier at or below the highest held tier panics.
type lockScope struct {
	m    *DestinationManager
	op   string
	held []heldLock
}

func (m *DestinationManager) newScope(op string) *lockScope {
	return &lockScope{m: m, op: op}
}

func (s *lockScope) check(tier lockTier) {
	if !s.m.cfg.CheckLockOrder || len(s.held) == 0 {
		return
	}
	top := s.held[len(s.held)-1].tier
	if top >= tier {
		panic(fmt.Sprintf("lock order violation in %s: acquiring %s while holding [%s]", s.op, tier, s.describe()))
	}
}

func (s *lockScope) describe() string {
	names := make([]string, len(s.held))
	for i, l := range s.held {
		names[i] = l.tier.String()
	}
	return strings.Join(names, " ")
}

func (s *lockScope) holdsManager() bool {
	for _, l := range s.held {
		if l.tier == tierManager {
			return true
		}
	}
	return false
}

// lockManager acquires tier 1
func (s *lockScope) lockManager() {
	s.check(tierManager)
	s.m.mutex.Lock()
	s.held = append(s.held, heldLock{tier: tierManager})
}

// lockReallocation acquires tier 2 on h, exclusively unless h is pub/sub
func (s *lockScope) lockReallocation(h *handler.Handler) {
	s.check(tierReallocation)
	exclusive := h.ReallocationExclusive()
	h.LockReallocation(exclusive)
	s.held = append(s.held, heldLock{tier: tierReallocation, handler: h, exclusive: exclusive})
}

// lockEntity acquires tier 3 on h
func (s *lockScope) lockEntity(h *handler.Handler) {
	s.check(tierEntity)
	h.LockEntity()
	s.held = append(s.held, heldLock{tier: tierEntity, handler: h})
}

// release drops every held lock, newest first
func (s *lockScope) release() {
	for i := len(s.held) - 1; i >= 0; i-- {
		l := s.held[i]
		switch l.tier {
		case tierManager:
			s.m.mutex.Unlock()
		case tierReallocation:
			l.handler.UnlockReallocation(l.exclusive)
		case tierEntity:
			l.handler.UnlockEntity()
		}
	}
	s.held = s.held[:0]
}
