package interfaces

import (
	"fmt"
	"strings"
)

// Kind identifies the variant of a routable entity
type Kind int

const (
	KindQueue Kind = iota
	KindTopicSpace
	KindAlias
	KindForeignDestination
	KindLink
	KindMQLink
	KindForeignBus
	KindPort
	KindService
)

var kindNames = map[Kind]string{
	KindQueue:              "QUEUE",
	KindTopicSpace:         "TOPICSPACE",
	KindAlias:              "ALIAS",
	KindForeignDestination: "FOREIGN_DESTINATION",
	KindLink:               "LINK",
	KindMQLink:             "MQLINK",
	KindForeignBus:         "FOREIGN_BUS",
	KindPort:               "PORT",
	KindService:            "SERVICE",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseKind converts a textual kind into a Kind
func ParseKind(s string) (Kind, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for kind, name := range kindNames {
		if name == upper {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown entity kind: %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown entity kind: %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// IsQueueLike reports kinds that own queue points
func (k Kind) IsQueueLike() bool {
	return k == KindQueue || k == KindPort || k == KindService
}

// IsPubSub reports kinds that route by subscription rather than by queue point
func (k Kind) IsPubSub() bool {
	return k == KindTopicSpace
}

// IsLinkKind reports inter-broker and protocol-bridge links
func (k Kind) IsLinkKind() bool {
	return k == KindLink || k == KindMQLink
}

// Persisted reports whether entities of this kind are written to the store.
// Aliases, foreign destinations and foreign buses are derived from
// configuration on demand.
func (k Kind) Persisted() bool {
	switch k {
	case KindAlias, KindForeignDestination, KindForeignBus:
		return false
	}
	return true
}

// Group returns the store group the kind is persisted under
func (k Kind) Group() EntityGroup {
	switch k {
	case KindLink:
		return GroupLinks
	case KindMQLink:
		return GroupMQLinks
	}
	return GroupDestinations
}

// EntityGroup partitions persisted entities for sequential scans
type EntityGroup int

const (
	GroupDestinations EntityGroup = iota
	GroupLinks
	GroupMQLinks
)

func (g EntityGroup) String() string {
	switch g {
	case GroupDestinations:
		return "destinations"
	case GroupLinks:
		return "links"
	case GroupMQLinks:
		return "mqlinks"
	default:
		return "unknown"
	}
}

// Groups lists every persisted group in reconstitution order
var Groups = []EntityGroup{GroupDestinations, GroupLinks, GroupMQLinks}

// Availability describes what a listener wants to be told about
type Availability int

const (
	AvailabilitySend Availability = 1 << iota
	AvailabilityReceive

	AvailabilityBoth = AvailabilitySend | AvailabilityReceive
)

func (a Availability) String() string {
	switch a {
	case AvailabilitySend:
		return "send"
	case AvailabilityReceive:
		return "receive"
	case AvailabilityBoth:
		return "both"
	default:
		return "none"
	}
}

// DestinationAddress names an entity on a bus
type DestinationAddress struct {
	Name string `json:"name" yaml:"name"`
	Bus  string `json:"bus" yaml:"bus"`
}

func (a DestinationAddress) String() string {
	if a.Bus == "" {
		return a.Name
	}
	return a.Name + "@" + a.Bus
}

// Definition is the administrative definition of an entity as supplied by
// the configuration provider or by a create request.
type Definition struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Bus         string `json:"bus,omitempty" yaml:"bus,omitempty"`
	Kind        Kind   `json:"kind" yaml:"kind"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Alias and foreign destination target
	TargetName string `json:"target_name,omitempty" yaml:"target_name,omitempty"`
	TargetBus  string `json:"target_bus,omitempty" yaml:"target_bus,omitempty"`

	// Links: the bus reached through the link
	ForeignBus string `json:"foreign_bus,omitempty" yaml:"foreign_bus,omitempty"`

	SendInhibited       bool              `json:"send_inhibited,omitempty" yaml:"send_inhibited,omitempty"`
	ReceiveInhibited    bool              `json:"receive_inhibited,omitempty" yaml:"receive_inhibited,omitempty"`
	DefaultPriority     int               `json:"default_priority,omitempty" yaml:"default_priority,omitempty"`
	MaxFailedDeliveries int               `json:"max_failed_deliveries,omitempty" yaml:"max_failed_deliveries,omitempty"`
	Attributes          map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Address returns the definition's address
func (d Definition) Address() DestinationAddress {
	return DestinationAddress{Name: d.Name, Bus: d.Bus}
}

// Clone returns a deep copy
func (d Definition) Clone() Definition {
	out := d
	if d.Attributes != nil {
		out.Attributes = make(map[string]string, len(d.Attributes))
		for k, v := range d.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// LocalizationDefinition carries per-queue-point settings for the local broker
type LocalizationDefinition struct {
	HighMessageThreshold int64 `json:"high_message_threshold,omitempty" yaml:"high_message_threshold,omitempty"`
	SendInhibited        bool  `json:"send_inhibited,omitempty" yaml:"send_inhibited,omitempty"`
}

// ForeignBusDefinition describes a bus reachable from this one
type ForeignBusDefinition struct {
	Name          string `json:"name" yaml:"name"`
	LinkName      string `json:"link_name,omitempty" yaml:"link_name,omitempty"`
	NextHopBus    string `json:"next_hop_bus,omitempty" yaml:"next_hop_bus,omitempty"`
	SendInhibited bool   `json:"send_inhibited,omitempty" yaml:"send_inhibited,omitempty"`
}

// EntityRecord is the persisted form of an entity
type EntityRecord struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name"`
	Bus          string                  `json:"bus"`
	Kind         Kind                    `json:"kind"`
	Definition   Definition              `json:"definition"`
	Localization *LocalizationDefinition `json:"localization,omitempty"`
	Localizers   []string                `json:"localizers,omitempty"`
	ToBeDeleted  bool                    `json:"to_be_deleted,omitempty"`
	Ignore       bool                    `json:"ignore,omitempty"`
	Temporary    bool                    `json:"temporary,omitempty"`
	System       bool                    `json:"system,omitempty"`
	CreatedTick  uint64                  `json:"created_tick"`

	// Links only
	InboundBroker  string `json:"inbound_broker,omitempty"`
	OutboundBroker string `json:"outbound_broker,omitempty"`
}

// Clone returns a deep copy of the record
func (r *EntityRecord) Clone() *EntityRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Definition = r.Definition.Clone()
	if r.Localization != nil {
		loc := *r.Localization
		out.Localization = &loc
	}
	if r.Localizers != nil {
		out.Localizers = append([]string(nil), r.Localizers...)
	}
	return &out
}
