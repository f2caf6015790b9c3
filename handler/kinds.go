package handler

import (
	"fmt"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/interfaces"
)

// behavior holds what differs between kinds
type behavior interface {
	validate(def interfaces.Definition) error
	reconstitute(h *Handler, rec *interfaces.EntityRecord) error
	readyForRemoval(h *Handler) bool
}

func behaviorFor(kind interfaces.Kind) behavior {
	switch kind {
	case interfaces.KindQueue, interfaces.KindPort:
		return queueBehavior{}
	case interfaces.KindService:
		return serviceBehavior{}
	case interfaces.KindTopicSpace:
		return topicSpaceBehavior{}
	case interfaces.KindAlias:
		return aliasBehavior{}
	case interfaces.KindForeignDestination:
		return foreignBehavior{}
	case interfaces.KindLink, interfaces.KindMQLink:
		return linkBehavior{}
	case interfaces.KindForeignBus:
		return foreignBusBehavior{}
	}
	return unknownBehavior{kind: kind}
}

func requireName(def interfaces.Definition) error {
	if def.Name == "" {
		return engerrors.NewNotPossibleInCurrentConfig(def.Name, def.Bus, "handler.validate", "definition has no name")
	}
	return nil
}

// checkRecord performs the consistency checks shared by every persisted kind
func checkRecord(h *Handler, rec *interfaces.EntityRecord) error {
	if rec.ID == "" {
		return corrupt(rec, "record has no unique id")
	}
	if rec.Definition.Kind != rec.Kind {
		return corrupt(rec, "record kind %s does not match definition kind %s", rec.Kind, rec.Definition.Kind)
	}
	if rec.Definition.Name != "" && rec.Definition.Name != rec.Name {
		return corrupt(rec, "record name %q does not match definition name %q", rec.Name, rec.Definition.Name)
	}
	return h.behavior.validate(rec.Definition)
}

func corrupt(rec *interfaces.EntityRecord, format string, args ...interface{}) error {
	return engerrors.NewDestinationCorrupt(rec.Name, rec.Bus, "handler.reconstitute").
		WithCause(fmt.Errorf(format, args...))
}

func noSessions(h *Handler) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.producers) == 0 && len(h.consumers) == 0
}

type queueBehavior struct{}

func (queueBehavior) validate(def interfaces.Definition) error {
	return requireName(def)
}

func (queueBehavior) reconstitute(h *Handler, rec *interfaces.EntityRecord) error {
	if err := checkRecord(h, rec); err != nil {
		return err
	}
	// A queue with no queue point anywhere cannot be routed to
	if len(rec.Localizers) == 0 && !rec.ToBeDeleted {
		return corrupt(rec, "%s has an empty localizing set", rec.Kind)
	}
	return nil
}

func (queueBehavior) readyForRemoval(h *Handler) bool { return noSessions(h) }

type serviceBehavior struct{}

func (serviceBehavior) validate(def interfaces.Definition) error {
	return requireName(def)
}

func (serviceBehavior) reconstitute(h *Handler, rec *interfaces.EntityRecord) error {
	if err := checkRecord(h, rec); err != nil {
		return err
	}
	if len(rec.Localizers) != 0 {
		return corrupt(rec, "service destination has localizers %v", rec.Localizers)
	}
	return nil
}

func (serviceBehavior) readyForRemoval(h *Handler) bool { return noSessions(h) }

type topicSpaceBehavior struct{}

func (topicSpaceBehavior) validate(def interfaces.Definition) error {
	return requireName(def)
}

func (topicSpaceBehavior) reconstitute(h *Handler, rec *interfaces.EntityRecord) error {
	return checkRecord(h, rec)
}

func (topicSpaceBehavior) readyForRemoval(h *Handler) bool {
	if !noSessions(h) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nonDurableSubscribers == 0
}

type aliasBehavior struct{}

func (aliasBehavior) validate(def interfaces.Definition) error {
	if err := requireName(def); err != nil {
		return err
	}
	if def.TargetName == "" {
		return engerrors.NewNotPossibleInCurrentConfig(def.Name, def.Bus, "handler.validate", "alias has no target")
	}
	if def.TargetName == def.Name && (def.TargetBus == "" || def.TargetBus == def.Bus) {
		return engerrors.NewAliasLoop([]string{def.Address().String(), def.Address().String()}, "handler.validate")
	}
	return nil
}

func (aliasBehavior) reconstitute(h *Handler, rec *interfaces.EntityRecord) error {
	return corrupt(rec, "aliases are never persisted")
}

func (aliasBehavior) readyForRemoval(*Handler) bool { return true }

type foreignBehavior struct{}

func (foreignBehavior) validate(def interfaces.Definition) error {
	if err := requireName(def); err != nil {
		return err
	}
	if def.TargetBus == "" && def.ForeignBus == "" {
		return engerrors.NewNotPossibleInCurrentConfig(def.Name, def.Bus, "handler.validate",
			"foreign destination has no foreign bus")
	}
	return nil
}

func (foreignBehavior) reconstitute(h *Handler, rec *interfaces.EntityRecord) error {
	return corrupt(rec, "foreign destinations are never persisted")
}

func (foreignBehavior) readyForRemoval(*Handler) bool { return true }

type linkBehavior struct{}

func (linkBehavior) validate(def interfaces.Definition) error {
	if err := requireName(def); err != nil {
		return err
	}
	if def.ForeignBus == "" {
		return engerrors.NewNotPossibleInCurrentConfig(def.Name, def.Bus, "handler.validate", "link has no foreign bus")
	}
	return nil
}

func (linkBehavior) reconstitute(h *Handler, rec *interfaces.EntityRecord) error {
	return checkRecord(h, rec)
}

func (linkBehavior) readyForRemoval(h *Handler) bool { return noSessions(h) }

type foreignBusBehavior struct{}

func (foreignBusBehavior) validate(def interfaces.Definition) error {
	return requireName(def)
}

func (foreignBusBehavior) reconstitute(h *Handler, rec *interfaces.EntityRecord) error {
	return corrupt(rec, "foreign buses are never persisted")
}

func (foreignBusBehavior) readyForRemoval(*Handler) bool { return true }

type unknownBehavior struct {
	kind interfaces.Kind
}

func (b unknownBehavior) validate(def interfaces.Definition) error {
	return engerrors.NewNotPossibleInCurrentConfig(def.Name, def.Bus, "handler.validate",
		fmt.Sprintf("unsupported kind %d", int(b.kind)))
}

func (b unknownBehavior) reconstitute(h *Handler, rec *interfaces.EntityRecord) error {
	return corrupt(rec, "unsupported kind %d", int(b.kind))
}

func (unknownBehavior) readyForRemoval(*Handler) bool { return true }
