package interfaces

import "errors"

// ErrDefinitionNotFound is returned by a ConfigProvider when no definition
// exists. Any other error means the lookup itself failed and puts the
// entity in doubt.
var ErrDefinitionNotFound = errors.New("definition not found")

// ConfigProvider is the external administrative configuration
type ConfigProvider interface {
	// GetDestinationDefinition looks up a destination by name or unique id.
	// The returned kind indicates alias, foreign or local definitions.
	GetDestinationDefinition(bus, nameOrID string) (*Definition, error)

	// GetLocalizingBrokerSet returns the brokers hosting a queue point for
	// the destination with the given unique id
	GetLocalizingBrokerSet(bus, id string) ([]string, error)

	// GetForeignBus returns the definition of a foreign bus
	GetForeignBus(name string) (*ForeignBusDefinition, error)

	// GetLinkDefinition looks up a LINK or MQLINK by name or unique id
	GetLinkDefinition(nameOrID string) (*Definition, error)
}

// Route carries the brokers selected to carry a link's traffic
type Route struct {
	InboundBrokerID  string
	OutboundBrokerID string
}

// TopologySelector picks routing brokers for links
type TopologySelector interface {
	Select(linkID string) (Route, error)
}

// LocalizationView is the read-only view of a link handed to the bridge
type LocalizationView struct {
	LocalBrokerID string
	Bus           string
	Localizers    []string
}

// BridgeHandle identifies a link registered with the protocol bridge
type BridgeHandle interface {
	LinkID() string
}

// RegistrationService lets the protocol bridge ask the engine to delete a
// link whose lifecycle it has taken over
type RegistrationService interface {
	RequestMQLinkDelete(linkID string) error
}

// BridgeManager is the protocol-bridge component that owns MQ links
type BridgeManager interface {
	Create(def Definition, view LocalizationView, reg RegistrationService) (BridgeHandle, error)
	Update(handle BridgeHandle, def Definition, view LocalizationView) error
	Delete(handle BridgeHandle, deferDelete bool) error

	// Defer hands a reconstituted link over to the bridge for later
	// reconciliation
	Defer(def Definition, view LocalizationView, reg RegistrationService) (BridgeHandle, error)
}

// RoutingAdvertiser publishes and withdraws queue points to the routing
// topology outside this broker
type RoutingAdvertiser interface {
	Advertise(addr DestinationAddress, brokerID string) error
	Withdraw(addr DestinationAddress, brokerID string) error
}

// AvailabilityListener is told when a destination becomes available
type AvailabilityListener interface {
	OnDestinationAvailable(connectionID string, addr DestinationAddress, availability Availability)
}

// AvailabilityListenerFunc adapts a function to AvailabilityListener
type AvailabilityListenerFunc func(connectionID string, addr DestinationAddress, availability Availability)

func (f AvailabilityListenerFunc) OnDestinationAvailable(connectionID string, addr DestinationAddress, availability Availability) {
	f(connectionID, addr, availability)
}
