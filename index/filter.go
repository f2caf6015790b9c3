package index

import (
	"github.com/maxpert/msgengine/handler"
)

// Flag is one bit of an entity's derived classification
type Flag int

const (
	FlagLocal Flag = iota
	FlagRemote
	FlagAlias
	FlagForeign
	FlagQueue
	FlagPubSub
	FlagLink
	FlagMQLink
	FlagForeignBus
	FlagSystem
	FlagTemporary
	FlagVisible
	FlagToBeDeleted

	numFlags
)

var flagNames = [numFlags]string{
	"local", "remote", "alias", "foreign", "queue", "pubsub", "link",
	"mqlink", "foreign_bus", "system", "temporary", "visible", "to_be_deleted",
}

func (f Flag) String() string {
	if f >= 0 && f < numFlags {
		return flagNames[f]
	}
	return "unknown"
}

// flagsOf expands a classification into the set flags
func flagsOf(c handler.Classification) [numFlags]bool {
	return [numFlags]bool{
		FlagLocal:       c.Local,
		FlagRemote:      c.Remote,
		FlagAlias:       c.Alias,
		FlagForeign:     c.Foreign,
		FlagQueue:       c.Queue,
		FlagPubSub:      c.PubSub,
		FlagLink:        c.Link,
		FlagMQLink:      c.MQLink,
		FlagForeignBus:  c.ForeignBus,
		FlagSystem:      c.System,
		FlagTemporary:   c.Temporary,
		FlagVisible:     c.Visible,
		FlagToBeDeleted: c.ToBeDeleted,
	}
}

// Filter is a conjunction of optional classification predicates. The zero
// Filter matches everything.
type Filter struct {
	require []Flag
	exclude []Flag
	states  []handler.State
}

// NewFilter returns an empty filter
func NewFilter() Filter {
	return Filter{}
}

// Is requires the flags to be set
func (f Filter) Is(flags ...Flag) Filter {
	f.require = append(append([]Flag(nil), f.require...), flags...)
	return f
}

// Not requires the flags to be clear
func (f Filter) Not(flags ...Flag) Filter {
	f.exclude = append(append([]Flag(nil), f.exclude...), flags...)
	return f
}

// InState restricts matches to any of the given states
func (f Filter) InState(states ...handler.State) Filter {
	f.states = append(append([]handler.State(nil), f.states...), states...)
	return f
}

// Matches evaluates the filter against a single classification
func (f Filter) Matches(c handler.Classification) bool {
	flags := flagsOf(c)
	for _, fl := range f.require {
		if !flags[fl] {
			return false
		}
	}
	for _, fl := range f.exclude {
		if flags[fl] {
			return false
		}
	}
	if len(f.states) == 0 {
		return true
	}
	for _, s := range f.states {
		if c.State == s {
			return true
		}
	}
	return false
}

// Common filters
var (
	// Live matches visible entities not pending deletion and not quarantined
	Live = NewFilter().Is(FlagVisible).Not(FlagToBeDeleted).
		InState(handler.StateActive, handler.StateUnreconciled, handler.StateCreateInProgress)

	// LocalUnreconciled matches local entities awaiting reconfirmation
	LocalUnreconciled = NewFilter().Is(FlagLocal).InState(handler.StateUnreconciled)

	// Unreconciled matches every entity awaiting reconfirmation
	Unreconciled = NewFilter().InState(handler.StateUnreconciled)

	// Indoubt matches quarantined, possibly recoverable entities
	Indoubt = NewFilter().InState(handler.StateIndoubt)

	// PendingCleanup matches entities handed to the deletion worker
	PendingCleanup = NewFilter().InState(handler.StateDeletePending)
)
