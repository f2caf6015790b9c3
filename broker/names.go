package broker

import (
	"fmt"
	"strconv"
	"strings"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/interfaces"
)

// Reserved name prefixes
const (
	TemporaryQueuePrefix = "_Q"
	TemporaryTopicPrefix = "_T"
	SystemPrefix         = "_S"

	// TDReceiverPrefix names the system destination that receives traffic
	// for every temporary destination of a broker
	TDReceiverPrefix = "SIMP.TDRECEIVER"

	// UnknownBrokerID stands in for a link route the topology could not
	// select
	UnknownBrokerID = "_UNKNOWN"

	maxUserPrefix = 12
	nameSeparator = "_"
)

type nameClass int

const (
	nameAdmin nameClass = iota
	nameTemporary
	nameSystem
)

func (c nameClass) String() string {
	switch c {
	case nameTemporary:
		return "temporary"
	case nameSystem:
		return "system"
	}
	return "admin"
}

func classifyName(name string) nameClass {
	switch {
	case strings.HasPrefix(name, TemporaryQueuePrefix), strings.HasPrefix(name, TemporaryTopicPrefix):
		return nameTemporary
	case strings.HasPrefix(name, SystemPrefix):
		return nameSystem
	}
	return nameAdmin
}

// IsTemporaryName reports names generated for temporary destinations
func IsTemporaryName(name string) bool {
	return classifyName(name) == nameTemporary
}

// IsSystemName reports names generated for system destinations
func IsSystemName(name string) bool {
	return classifyName(name) == nameSystem
}

// TemporaryName builds the name of a temporary destination:
// <_Q|_T><prefix, at most 12 characters>_<broker>_<tick as 16 hex digits>
func TemporaryName(kind interfaces.Kind, userPrefix, brokerID string, tick uint64) (string, error) {
	var kindPrefix string
	switch kind {
	case interfaces.KindQueue:
		kindPrefix = TemporaryQueuePrefix
	case interfaces.KindTopicSpace:
		kindPrefix = TemporaryTopicPrefix
	default:
		return "", engerrors.NewNotPossibleInCurrentConfig(userPrefix, "", "temporary_name",
			fmt.Sprintf("temporary %s destinations are not supported", kind))
	}
	if r := []rune(userPrefix); len(r) > maxUserPrefix {
		userPrefix = string(r[:maxUserPrefix])
	}
	return fmt.Sprintf("%s%s%s%s%s%016X", kindPrefix, userPrefix, nameSeparator, brokerID, nameSeparator, tick), nil
}

// SystemName builds the name of a system destination: _S<prefix>_<broker>
func SystemName(prefix, brokerID string) string {
	return SystemPrefix + prefix + nameSeparator + brokerID
}

// ReceiverName is the system destination shared by every remote producer
// sending to temporary destinations of brokerID
func ReceiverName(brokerID string) string {
	return SystemName(TDReceiverPrefix, brokerID)
}

// embeddedBrokerID extracts the broker id carried by a temporary or system
// name. Broker ids never contain the separator, so parsing runs from the
// right and user prefixes may contain it freely.
func embeddedBrokerID(name string) (string, bool) {
	switch classifyName(name) {
	case nameTemporary:
		last := strings.LastIndex(name, nameSeparator)
		if last < 0 {
			return "", false
		}
		if _, err := strconv.ParseUint(name[last+1:], 16, 64); err != nil || len(name)-last-1 != 16 {
			return "", false
		}
		rest := name[:last]
		prev := strings.LastIndex(rest, nameSeparator)
		if prev < 0 || prev == len(rest)-1 {
			return "", false
		}
		return rest[prev+1:], true
	case nameSystem:
		last := strings.LastIndex(name, nameSeparator)
		if last < len(SystemPrefix) || last == len(name)-1 {
			return "", false
		}
		return name[last+1:], true
	}
	return "", false
}
