// Package handler implements the in-memory entities routed by the engine:
// queues, topic spaces, aliases, foreign destinations, links, MQ links and
// foreign buses.
//
// Every entity is a *Handler. Shared fields live on the struct and
// kind-specific behavior is dispatched through a small behavior table, so
// there is no type hierarchy to walk.
//
// Locking. A Handler carries two tier locks used by the destination manager
// and one leaf lock:
//
//   - the reallocation lock (tier 2), a reader/writer lock that is taken
//     exclusively for non pub/sub kinds. The message dispatch path takes it
//     shared.
//   - the entity lock (tier 3), serializing multi-step manager operations on
//     this entity.
//   - mu, guarding the fields below. It is a leaf: nothing else is acquired
//     while it is held, and no callback runs under it.
package handler

import (
	"fmt"
	"sort"
	"sync"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/interfaces"
)

// Handler is a routable entity
type Handler struct {
	realloc    sync.RWMutex
	entityLock sync.Mutex
	mu         sync.Mutex

	id          string
	name        string
	bus         string
	kind        interfaces.Kind
	localBroker string
	behavior    behavior

	def          interfaces.Definition
	localization *interfaces.LocalizationDefinition
	localizers   map[string]struct{}
	route        interfaces.Route
	bridge       interfaces.BridgeHandle

	state            State
	visible          bool
	toBeDeleted      bool
	deleteInProgress bool
	temporary        bool
	system           bool
	ignore           bool
	transient        bool
	createdTick      uint64

	producers             map[uint64]*Producer
	consumers             map[uint64]*Consumer
	nextSessionID         uint64
	nonDurableSubscribers int
}

// Option configures a new Handler
type Option func(*Handler)

// WithTemporary marks the handler as a temporary destination
func WithTemporary() Option {
	return func(h *Handler) { h.temporary = true }
}

// WithSystem marks the handler as a system destination
func WithSystem() Option {
	return func(h *Handler) { h.system = true }
}

// WithLocalization sets the local queue point definition
func WithLocalization(loc *interfaces.LocalizationDefinition) Option {
	return func(h *Handler) {
		if loc != nil {
			copied := *loc
			h.localization = &copied
		}
	}
}

// WithLocalizers sets the brokers hosting a queue point
func WithLocalizers(brokers []string) Option {
	return func(h *Handler) {
		for _, b := range brokers {
			h.localizers[b] = struct{}{}
		}
	}
}

// WithTransient keeps the handler out of the store. Used for placeholders
// that stand in for entities owned by another broker.
func WithTransient() Option {
	return func(h *Handler) { h.transient = true }
}

// WithTick records the creation tick
func WithTick(tick uint64) Option {
	return func(h *Handler) { h.createdTick = tick }
}

// WithState overrides the initial state
func WithState(state State) Option {
	return func(h *Handler) { h.state = state }
}

// New creates a handler in CREATE_IN_PROGRESS for the given definition.
func New(id string, def interfaces.Definition, localBroker string, opts ...Option) *Handler {
	h := &Handler{
		id:          id,
		name:        def.Name,
		bus:         def.Bus,
		kind:        def.Kind,
		localBroker: localBroker,
		behavior:    behaviorFor(def.Kind),
		def:         def.Clone(),
		localizers:  make(map[string]struct{}),
		state:       StateCreateInProgress,
		visible:     true,
		producers:   make(map[uint64]*Producer),
		consumers:   make(map[uint64]*Consumer),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// FromRecord builds an unrecovered handler from its persisted form. Call
// Reconstitute before using it.
func FromRecord(rec *interfaces.EntityRecord, localBroker string) *Handler {
	h := New(rec.ID, rec.Definition, localBroker,
		WithLocalization(rec.Localization),
		WithLocalizers(rec.Localizers),
		WithTick(rec.CreatedTick))
	h.name = rec.Name
	h.bus = rec.Bus
	h.kind = rec.Kind
	h.behavior = behaviorFor(rec.Kind)
	h.temporary = rec.Temporary
	h.system = rec.System
	h.toBeDeleted = rec.ToBeDeleted
	h.ignore = rec.Ignore
	h.route = interfaces.Route{InboundBrokerID: rec.InboundBroker, OutboundBrokerID: rec.OutboundBroker}
	return h
}

// Validate checks the definition against the rules of the handler's kind
func (h *Handler) Validate() error {
	h.mu.Lock()
	def := h.def
	h.mu.Unlock()
	return h.behavior.validate(def)
}

// Reconstitute runs the warm-start recovery of a persisted entity and
// returns the state it should be registered in: CORRUPT when recovery
// fails, ACTIVE for system entities (which localize themselves
// immediately), UNRECONCILED otherwise.
func (h *Handler) Reconstitute(rec *interfaces.EntityRecord) (State, error) {
	if err := h.behavior.reconstitute(h, rec); err != nil {
		h.mu.Lock()
		h.state = StateCorrupt
		h.mu.Unlock()
		return StateCorrupt, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.system {
		h.localizers[h.localBroker] = struct{}{}
		h.state = StateActive
	} else {
		h.state = StateUnreconciled
	}
	return h.state, nil
}

// Record returns the persisted form of the handler
func (h *Handler) Record() *interfaces.EntityRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := &interfaces.EntityRecord{
		ID:             h.id,
		Name:           h.name,
		Bus:            h.bus,
		Kind:           h.kind,
		Definition:     h.def.Clone(),
		Localizers:     h.sortedLocalizers(),
		ToBeDeleted:    h.toBeDeleted,
		Ignore:         h.ignore,
		Temporary:      h.temporary,
		System:         h.system,
		CreatedTick:    h.createdTick,
		InboundBroker:  h.route.InboundBrokerID,
		OutboundBroker: h.route.OutboundBrokerID,
	}
	if h.localization != nil {
		loc := *h.localization
		rec.Localization = &loc
	}
	return rec
}

func (h *Handler) ID() string             { return h.id }
func (h *Handler) Name() string           { return h.name }
func (h *Handler) Bus() string            { return h.bus }
func (h *Handler) Kind() interfaces.Kind  { return h.kind }
func (h *Handler) LocalBroker() string    { return h.localBroker }
func (h *Handler) IsAlias() bool          { return h.kind == interfaces.KindAlias }
func (h *Handler) IsLink() bool           { return h.kind.IsLinkKind() }
func (h *Handler) IsPubSub() bool         { return h.kind.IsPubSub() }
func (h *Handler) IsTemporary() bool      { return h.temporary }
func (h *Handler) IsSystem() bool         { return h.system }
func (h *Handler) CreatedTick() uint64    { return h.createdTick }
func (h *Handler) String() string         { return fmt.Sprintf("%s(%s@%s)", h.kind, h.name, h.bus) }

// IsPersistent reports whether the handler is written to the store
func (h *Handler) IsPersistent() bool {
	return h.kind.Persisted() && !h.transient
}

// Address returns the handler's address
func (h *Handler) Address() interfaces.DestinationAddress {
	return interfaces.DestinationAddress{Name: h.name, Bus: h.bus}
}

// IsForeign reports foreign destinations and foreign buses
func (h *Handler) IsForeign() bool {
	return h.kind == interfaces.KindForeignDestination || h.kind == interfaces.KindForeignBus
}

// ReallocationExclusive reports whether the reallocation lock must be taken
// exclusively for manager operations
func (h *Handler) ReallocationExclusive() bool {
	return !h.kind.IsPubSub()
}

// Definition returns a copy of the current definition
func (h *Handler) Definition() interfaces.Definition {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.def.Clone()
}

// Localization returns a copy of the local queue point definition
func (h *Handler) Localization() *interfaces.LocalizationDefinition {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.localization == nil {
		return nil
	}
	loc := *h.localization
	return &loc
}

// Target returns the address an alias or foreign destination points at
func (h *Handler) Target() interfaces.DestinationAddress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return interfaces.DestinationAddress{Name: h.def.TargetName, Bus: h.def.TargetBus}
}

// UpdateDefinition replaces the definition. The unique id and name are
// immutable.
func (h *Handler) UpdateDefinition(def interfaces.Definition) error {
	if err := h.behavior.validate(def); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if def.ID != "" && h.def.ID != "" && def.ID != h.def.ID {
		return engerrors.NewInternalError("handler.update",
			fmt.Sprintf("definition id %s does not match %s for %s", def.ID, h.def.ID, h.name), nil)
	}
	id := h.def.ID
	h.def = def.Clone()
	if h.def.ID == "" {
		h.def.ID = id
	}
	h.def.Name = h.name
	h.def.Kind = h.kind
	if h.def.Bus == "" {
		h.def.Bus = h.bus
	}
	return nil
}

// UpdateLocalizations replaces the set of brokers hosting a queue point. A
// nil localization leaves the current one untouched.
func (h *Handler) UpdateLocalizations(brokers []string, loc *interfaces.LocalizationDefinition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.localizers = make(map[string]struct{}, len(brokers))
	for _, b := range brokers {
		h.localizers[b] = struct{}{}
	}
	if loc != nil {
		copied := *loc
		h.localization = &copied
	}
	if _, ok := h.localizers[h.localBroker]; !ok {
		h.localization = nil
	}
}

// ClearLocalizations removes every queue point
func (h *Handler) ClearLocalizations() {
	h.UpdateLocalizations(nil, nil)
}

// Localizers returns the sorted set of brokers hosting a queue point
func (h *Handler) Localizers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sortedLocalizers()
}

func (h *Handler) sortedLocalizers() []string {
	out := make([]string, 0, len(h.localizers))
	for b := range h.localizers {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// HasLocalPoint reports whether the local broker hosts a queue point
func (h *Handler) HasLocalPoint() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.localizers[h.localBroker]
	return ok
}

// IsLocal reports entities defined on the local broker: those with a local
// queue point, and service destinations, which never have one.
func (h *Handler) IsLocal() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isLocal()
}

func (h *Handler) isLocal() bool {
	if h.kind == interfaces.KindService {
		return true
	}
	_, ok := h.localizers[h.localBroker]
	return ok
}

// IsRemote reports entities with a queue point on some other broker
func (h *Handler) IsRemote() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isRemote()
}

func (h *Handler) isRemote() bool {
	for b := range h.localizers {
		if b != h.localBroker {
			return true
		}
	}
	return false
}

// Route returns the brokers selected for a link
func (h *Handler) Route() interfaces.Route {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.route
}

// SetRoute records the brokers selected for a link
func (h *Handler) SetRoute(route interfaces.Route) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.route = route
}

// Bridge returns the protocol-bridge handle of an MQ link
func (h *Handler) Bridge() interfaces.BridgeHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bridge
}

// SetBridge records the protocol-bridge handle of an MQ link
func (h *Handler) SetBridge(handle interfaces.BridgeHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = handle
}

// State returns the lifecycle state
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetState moves the handler to a new state, enforcing the transition table
func (h *Handler) SetState(to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == to {
		return nil
	}
	if !ValidTransition(h.state, to) {
		return engerrors.NewInternalError("handler.state",
			fmt.Sprintf("illegal transition %s -> %s for %s", h.state, to, h.name), nil)
	}
	h.state = to
	return nil
}

// IsVisible reports whether lookups may return the handler
func (h *Handler) IsVisible() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.visible
}

// SetVisible hides or shows the handler
func (h *Handler) SetVisible(visible bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.visible = visible
}

// IsIgnored reports records previously found corrupt at reconstitution
func (h *Handler) IsIgnored() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ignore
}

// SetIgnored marks the record so reconstitution never retries it
func (h *Handler) SetIgnored(ignore bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ignore = ignore
}

// IsToBeDeleted reports the persisted to-be-deleted flag
func (h *Handler) IsToBeDeleted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.toBeDeleted
}

// MarkToBeDeleted sets the to-be-deleted flag. It fails when the flag is
// already set: the transition happens at most once.
func (h *Handler) MarkToBeDeleted() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.toBeDeleted {
		return engerrors.NewNotPossibleInCurrentConfig(h.name, h.bus, "handler.delete", "already marked for deletion")
	}
	h.toBeDeleted = true
	return nil
}

// ResetToBeDeleted clears the to-be-deleted flag and reactivates the handler
func (h *Handler) ResetToBeDeleted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.toBeDeleted = false
	if h.state == StateDeletePending {
		h.state = StateActive
	}
}

// IsDeleteInProgress reports the transient multi-phase delete flag
func (h *Handler) IsDeleteInProgress() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deleteInProgress
}

// SetDeleteInProgress toggles the transient multi-phase delete flag
func (h *Handler) SetDeleteInProgress(inProgress bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleteInProgress = inProgress
}

// Classification is the derived view kept by the registry
type Classification struct {
	Local       bool
	Remote      bool
	Alias       bool
	Foreign     bool
	Queue       bool
	PubSub      bool
	Link        bool
	MQLink      bool
	ForeignBus  bool
	System      bool
	Temporary   bool
	Visible     bool
	ToBeDeleted bool
	State       State
}

// Classify computes the classification from the handler's current fields
func (h *Handler) Classify() Classification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Classification{
		Local:       h.isLocal(),
		Remote:      h.isRemote(),
		Alias:       h.kind == interfaces.KindAlias,
		Foreign:     h.kind == interfaces.KindForeignDestination || h.kind == interfaces.KindForeignBus,
		Queue:       h.kind.IsQueueLike(),
		PubSub:      h.kind.IsPubSub(),
		Link:        h.kind == interfaces.KindLink,
		MQLink:      h.kind == interfaces.KindMQLink,
		ForeignBus:  h.kind == interfaces.KindForeignBus,
		System:      h.system,
		Temporary:   h.temporary,
		Visible:     h.visible,
		ToBeDeleted: h.toBeDeleted,
		State:       h.state,
	}
}

// ReadyForRemoval reports whether physical removal may proceed
func (h *Handler) ReadyForRemoval() bool {
	return h.behavior.readyForRemoval(h)
}

// LockEntity acquires the entity (tier 3) lock
func (h *Handler) LockEntity() { h.entityLock.Lock() }

// UnlockEntity releases the entity (tier 3) lock
func (h *Handler) UnlockEntity() { h.entityLock.Unlock() }

// LockReallocation acquires the reallocation (tier 2) lock
func (h *Handler) LockReallocation(exclusive bool) {
	if exclusive {
		h.realloc.Lock()
	} else {
		h.realloc.RLock()
	}
}

// UnlockReallocation releases the reallocation (tier 2) lock
func (h *Handler) UnlockReallocation(exclusive bool) {
	if exclusive {
		h.realloc.Unlock()
	} else {
		h.realloc.RUnlock()
	}
}
