package broker

import (
	"path"
	"sort"
	"sync"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/handler"
	"github.com/maxpert/msgengine/interfaces"
)

type listenerEntry struct {
	id           uint64
	pattern      string
	bus          string
	availability interfaces.Availability
	connectionID string
	listener     interfaces.AvailabilityListener
}

// matches applies the optional name pattern and bus filter
func (e *listenerEntry) matches(addr interfaces.DestinationAddress) bool {
	if e.bus != "" && e.bus != addr.Bus {
		return false
	}
	if e.pattern == "" {
		return true
	}
	ok, err := path.Match(e.pattern, addr.Name)
	return err == nil && ok
}

type listenerRegistry struct {
	mutex     sync.RWMutex
	nextID    uint64
	listeners map[uint64]*listenerEntry
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{listeners: make(map[uint64]*listenerEntry)}
}

// AddListener registers a listener told synchronously whenever a matching
// destination becomes available. pattern uses path.Match syntax against the
// destination name; empty matches every name. An empty bus matches every
// bus.
func (m *DestinationManager) AddListener(pattern, bus string, availability interfaces.Availability,
	connectionID string, listener interfaces.AvailabilityListener) (uint64, error) {
	if listener == nil {
		return 0, engerrors.NewNotPossibleInCurrentConfig(pattern, bus, "add_listener", "listener is nil")
	}
	if availability&interfaces.AvailabilityBoth == 0 {
		return 0, engerrors.NewNotPossibleInCurrentConfig(pattern, bus, "add_listener", "no availability requested")
	}
	if pattern != "" {
		if _, err := path.Match(pattern, ""); err != nil {
			return 0, engerrors.NewNotPossibleInCurrentConfig(pattern, bus, "add_listener", err.Error())
		}
	}

	r := m.listeners
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.nextID++
	r.listeners[r.nextID] = &listenerEntry{
		id:           r.nextID,
		pattern:      pattern,
		bus:          bus,
		availability: availability,
		connectionID: connectionID,
		listener:     listener,
	}
	return r.nextID, nil
}

// RemoveListener unregisters a listener. It reports whether it existed.
func (m *DestinationManager) RemoveListener(id uint64) bool {
	r := m.listeners
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.listeners[id]; !ok {
		return false
	}
	delete(r.listeners, id)
	return true
}

// RemoveConnectionListeners drops every listener registered by a connection
func (m *DestinationManager) RemoveConnectionListeners(connectionID string) int {
	r := m.listeners
	r.mutex.Lock()
	defer r.mutex.Unlock()
	removed := 0
	for id, e := range r.listeners {
		if e.connectionID == connectionID {
			delete(r.listeners, id)
			removed++
		}
	}
	return removed
}

// availabilityOf returns what h currently accepts
func availabilityOf(h *handler.Handler) interfaces.Availability {
	def := h.Definition()
	var a interfaces.Availability
	if !def.SendInhibited {
		a |= interfaces.AvailabilitySend
	}
	if !def.ReceiveInhibited && h.IsLocal() {
		a |= interfaces.AvailabilityReceive
	}
	return a
}

// notifyListeners tells matching listeners that available became true for
// h. It must be called with no tier lock held.
func (m *DestinationManager) notifyListeners(h *handler.Handler, available interfaces.Availability) {
	if available == 0 {
		return
	}
	addr := h.Address()

	r := m.listeners
	r.mutex.RLock()
	matched := make([]*listenerEntry, 0, len(r.listeners))
	for _, e := range r.listeners {
		if e.availability&available != 0 && e.matches(addr) {
			matched = append(matched, e)
		}
	}
	r.mutex.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	for _, e := range matched {
		e.listener.OnDestinationAvailable(e.connectionID, addr, e.availability&available)
	}
}
