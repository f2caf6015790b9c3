// Package admin is the administrative configuration the engine reconciles
// against: destination, link and foreign bus definitions kept in a YAML
// file and editable at runtime.
package admin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/maxpert/msgengine/interfaces"
)

// DestinationEntry is a destination definition plus where it is localized
type DestinationEntry struct {
	interfaces.Definition `yaml:",inline"`
	Localizers            []string `yaml:"localizers,omitempty"`
}

// LinkEntry is a LINK or MQLINK definition plus its hosting brokers
type LinkEntry struct {
	interfaces.Definition `yaml:",inline"`
	Localizers            []string `yaml:"localizers,omitempty"`
}

// Definitions is the on-disk layout of a definitions file
type Definitions struct {
	Destinations []DestinationEntry                `yaml:"destinations,omitempty"`
	Links        []LinkEntry                       `yaml:"links,omitempty"`
	ForeignBuses []interfaces.ForeignBusDefinition `yaml:"foreign_buses,omitempty"`
}

// Provider implements interfaces.ConfigProvider and
// interfaces.TopologySelector over an in-memory set of definitions
type Provider struct {
	defaultBus string

	mutex        sync.RWMutex
	destinations map[string]*DestinationEntry // name@bus
	destByID     map[string]*DestinationEntry
	links        map[string]*LinkEntry // name
	linkByID     map[string]*LinkEntry
	foreignBuses map[string]interfaces.ForeignBusDefinition
}

// NewProvider creates an empty provider. Definitions without a bus are
// placed on defaultBus.
func NewProvider(defaultBus string) *Provider {
	return &Provider{
		defaultBus:   defaultBus,
		destinations: make(map[string]*DestinationEntry),
		destByID:     make(map[string]*DestinationEntry),
		links:        make(map[string]*LinkEntry),
		linkByID:     make(map[string]*LinkEntry),
		foreignBuses: make(map[string]interfaces.ForeignBusDefinition),
	}
}

// LoadFile reads definitions from a YAML file
func LoadFile(path, defaultBus string) (*Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse definitions file %s: %w", path, err)
	}

	p := NewProvider(defaultBus)
	for _, d := range defs.Destinations {
		if err := p.PutDestination(d.Definition, d.Localizers); err != nil {
			return nil, err
		}
	}
	for _, l := range defs.Links {
		if err := p.PutLink(l.Definition, l.Localizers); err != nil {
			return nil, err
		}
	}
	for _, fb := range defs.ForeignBuses {
		p.PutForeignBus(fb)
	}
	return p, nil
}

// Save writes the current definitions as YAML
func (p *Provider) Save(path string) error {
	p.mutex.RLock()
	var defs Definitions
	for _, d := range p.destinations {
		defs.Destinations = append(defs.Destinations, *d)
	}
	for _, l := range p.links {
		defs.Links = append(defs.Links, *l)
	}
	for _, fb := range p.foreignBuses {
		defs.ForeignBuses = append(defs.ForeignBuses, fb)
	}
	p.mutex.RUnlock()

	sort.Slice(defs.Destinations, func(i, j int) bool {
		return defs.Destinations[i].Address().String() < defs.Destinations[j].Address().String()
	})
	sort.Slice(defs.Links, func(i, j int) bool { return defs.Links[i].Name < defs.Links[j].Name })
	sort.Slice(defs.ForeignBuses, func(i, j int) bool { return defs.ForeignBuses[i].Name < defs.ForeignBuses[j].Name })

	data, err := yaml.Marshal(&defs)
	if err != nil {
		return fmt.Errorf("failed to marshal definitions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create definitions directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func destKey(name, bus string) string {
	return interfaces.DestinationAddress{Name: name, Bus: bus}.String()
}

func (p *Provider) bus(bus string) string {
	if bus == "" {
		return p.defaultBus
	}
	return bus
}

// PutDestination adds or replaces a destination definition. A missing id is
// generated.
func (p *Provider) PutDestination(def interfaces.Definition, localizers []string) error {
	if def.Name == "" {
		return fmt.Errorf("destination definition has no name")
	}
	if def.Kind.IsLinkKind() || def.Kind == interfaces.KindForeignBus {
		return fmt.Errorf("%s is not a destination kind", def.Kind)
	}
	def = def.Clone()
	def.Bus = p.bus(def.Bus)
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	key := destKey(def.Name, def.Bus)
	if old, ok := p.destinations[key]; ok {
		delete(p.destByID, old.ID)
	}
	entry := &DestinationEntry{Definition: def, Localizers: append([]string(nil), localizers...)}
	p.destinations[key] = entry
	p.destByID[def.ID] = entry
	return nil
}

// SetLocalizers replaces the localizing set of a destination
func (p *Provider) SetLocalizers(bus, name string, localizers []string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	entry, ok := p.destinations[destKey(name, p.bus(bus))]
	if !ok {
		return interfaces.ErrDefinitionNotFound
	}
	entry.Localizers = append([]string(nil), localizers...)
	return nil
}

// RemoveDestination deletes a destination definition
func (p *Provider) RemoveDestination(bus, name string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	key := destKey(name, p.bus(bus))
	if entry, ok := p.destinations[key]; ok {
		delete(p.destByID, entry.ID)
		delete(p.destinations, key)
	}
}

// PutLink adds or replaces a LINK or MQLINK definition
func (p *Provider) PutLink(def interfaces.Definition, localizers []string) error {
	if def.Name == "" {
		return fmt.Errorf("link definition has no name")
	}
	if !def.Kind.IsLinkKind() {
		return fmt.Errorf("%s is not a link kind", def.Kind)
	}
	def = def.Clone()
	def.Bus = p.bus(def.Bus)
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if old, ok := p.links[def.Name]; ok {
		delete(p.linkByID, old.ID)
	}
	entry := &LinkEntry{Definition: def, Localizers: append([]string(nil), localizers...)}
	p.links[def.Name] = entry
	p.linkByID[def.ID] = entry
	return nil
}

// RemoveLink deletes a link definition
func (p *Provider) RemoveLink(name string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if entry, ok := p.links[name]; ok {
		delete(p.linkByID, entry.ID)
		delete(p.links, name)
	}
}

// PutForeignBus adds or replaces a foreign bus definition
func (p *Provider) PutForeignBus(def interfaces.ForeignBusDefinition) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.foreignBuses[def.Name] = def
}

// RemoveForeignBus deletes a foreign bus definition
func (p *Provider) RemoveForeignBus(name string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.foreignBuses, name)
}

func (p *Provider) GetDestinationDefinition(bus, nameOrID string) (*interfaces.Definition, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	entry, ok := p.destinations[destKey(nameOrID, p.bus(bus))]
	if !ok {
		entry, ok = p.destByID[nameOrID]
	}
	if !ok {
		return nil, interfaces.ErrDefinitionNotFound
	}
	def := entry.Definition.Clone()
	return &def, nil
}

func (p *Provider) GetLocalizingBrokerSet(bus, id string) ([]string, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	entry, ok := p.destByID[id]
	if !ok {
		if link, ok := p.linkByID[id]; ok {
			return append([]string(nil), link.Localizers...), nil
		}
		return nil, interfaces.ErrDefinitionNotFound
	}
	return append([]string(nil), entry.Localizers...), nil
}

func (p *Provider) GetForeignBus(name string) (*interfaces.ForeignBusDefinition, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	def, ok := p.foreignBuses[name]
	if !ok {
		return nil, interfaces.ErrDefinitionNotFound
	}
	return &def, nil
}

func (p *Provider) GetLinkDefinition(nameOrID string) (*interfaces.Definition, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	entry, ok := p.links[nameOrID]
	if !ok {
		entry, ok = p.linkByID[nameOrID]
	}
	if !ok {
		return nil, interfaces.ErrDefinitionNotFound
	}
	def := entry.Definition.Clone()
	return &def, nil
}

// Select routes a link through its first two hosting brokers in name order:
// the first carries inbound traffic, the second (or the first again when
// only one hosts the link) outbound. An unlocalized link selects nothing.
func (p *Provider) Select(linkID string) (interfaces.Route, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	entry, ok := p.linkByID[linkID]
	if !ok {
		return interfaces.Route{}, fmt.Errorf("select route for link %s: %w", linkID, interfaces.ErrDefinitionNotFound)
	}
	brokers := append([]string(nil), entry.Localizers...)
	sort.Strings(brokers)

	switch len(brokers) {
	case 0:
		return interfaces.Route{}, nil
	case 1:
		return interfaces.Route{InboundBrokerID: brokers[0], OutboundBrokerID: brokers[0]}, nil
	}
	return interfaces.Route{InboundBrokerID: brokers[0], OutboundBrokerID: brokers[1]}, nil
}

// Summary describes the loaded definitions, for logging
func (p *Provider) Summary() string {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	parts := []string{
		fmt.Sprintf("%d destinations", len(p.destinations)),
		fmt.Sprintf("%d links", len(p.links)),
		fmt.Sprintf("%d foreign buses", len(p.foreignBuses)),
	}
	return strings.Join(parts, ", ")
}
