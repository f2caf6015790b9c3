package admin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/msgengine/interfaces"
)

const sampleDefinitions = `
destinations:
  - id: q1-id
    name: Q1
    kind: QUEUE
    localizers: [B1, B2]
  - name: A1
    kind: ALIAS
    target_name: Q1
  - name: F1
    bus: BUS
    kind: FOREIGN_DESTINATION
    target_bus: OTHER
links:
  - id: l1-id
    name: L1
    kind: LINK
    foreign_bus: OTHER
    localizers: [B3, B1]
foreign_buses:
  - name: OTHER
    link_name: L1
`

func writeDefinitions(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "definitions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDefinitions), 0644))
	return path
}

func TestLoadFile(t *testing.T) {
	p, err := LoadFile(writeDefinitions(t), "BUS")
	require.NoError(t, err)

	def, err := p.GetDestinationDefinition("BUS", "Q1")
	require.NoError(t, err)
	assert.Equal(t, "q1-id", def.ID)
	assert.Equal(t, interfaces.KindQueue, def.Kind)
	assert.Equal(t, "BUS", def.Bus)

	// Lookup by id
	byID, err := p.GetDestinationDefinition("BUS", "q1-id")
	require.NoError(t, err)
	assert.Equal(t, "Q1", byID.Name)

	brokers, err := p.GetLocalizingBrokerSet("BUS", "q1-id")
	require.NoError(t, err)
	assert.Equal(t, []string{"B1", "B2"}, brokers)

	alias, err := p.GetDestinationDefinition("", "A1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.KindAlias, alias.Kind)
	assert.NotEmpty(t, alias.ID, "missing ids are generated")

	link, err := p.GetLinkDefinition("L1")
	require.NoError(t, err)
	assert.Equal(t, "OTHER", link.ForeignBus)

	fb, err := p.GetForeignBus("OTHER")
	require.NoError(t, err)
	assert.Equal(t, "L1", fb.LinkName)

	assert.Equal(t, "3 destinations, 1 links, 1 foreign buses", p.Summary())
}

func TestNotFound(t *testing.T) {
	p := NewProvider("BUS")

	_, err := p.GetDestinationDefinition("BUS", "missing")
	assert.ErrorIs(t, err, interfaces.ErrDefinitionNotFound)
	_, err = p.GetLocalizingBrokerSet("BUS", "missing")
	assert.ErrorIs(t, err, interfaces.ErrDefinitionNotFound)
	_, err = p.GetForeignBus("missing")
	assert.ErrorIs(t, err, interfaces.ErrDefinitionNotFound)
	_, err = p.GetLinkDefinition("missing")
	assert.ErrorIs(t, err, interfaces.ErrDefinitionNotFound)
	_, err = p.Select("missing")
	assert.ErrorIs(t, err, interfaces.ErrDefinitionNotFound)
}

func TestPutAndRemove(t *testing.T) {
	p := NewProvider("BUS")
	require.NoError(t, p.PutDestination(interfaces.Definition{ID: "id1", Name: "Q1", Kind: interfaces.KindQueue}, []string{"B1"}))

	// Replacing under the same name drops the old id
	require.NoError(t, p.PutDestination(interfaces.Definition{ID: "id2", Name: "Q1", Kind: interfaces.KindQueue}, []string{"B1"}))
	_, err := p.GetDestinationDefinition("BUS", "id1")
	assert.ErrorIs(t, err, interfaces.ErrDefinitionNotFound)

	require.NoError(t, p.SetLocalizers("BUS", "Q1", []string{"B2"}))
	brokers, err := p.GetLocalizingBrokerSet("BUS", "id2")
	require.NoError(t, err)
	assert.Equal(t, []string{"B2"}, brokers)

	p.RemoveDestination("BUS", "Q1")
	_, err = p.GetDestinationDefinition("BUS", "Q1")
	assert.ErrorIs(t, err, interfaces.ErrDefinitionNotFound)

	assert.Error(t, p.PutDestination(interfaces.Definition{Name: "L", Kind: interfaces.KindLink}, nil))
	assert.Error(t, p.PutLink(interfaces.Definition{Name: "Q", Kind: interfaces.KindQueue}, nil))
	assert.Error(t, p.PutDestination(interfaces.Definition{Kind: interfaces.KindQueue}, nil))
}

func TestSelect(t *testing.T) {
	p := NewProvider("BUS")
	require.NoError(t, p.PutLink(interfaces.Definition{ID: "l1", Name: "L1", Kind: interfaces.KindLink, ForeignBus: "X"}, []string{"B3", "B1"}))
	require.NoError(t, p.PutLink(interfaces.Definition{ID: "l2", Name: "L2", Kind: interfaces.KindLink, ForeignBus: "X"}, []string{"B2"}))
	require.NoError(t, p.PutLink(interfaces.Definition{ID: "l3", Name: "L3", Kind: interfaces.KindMQLink, ForeignBus: "X"}, nil))

	route, err := p.Select("l1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.Route{InboundBrokerID: "B1", OutboundBrokerID: "B3"}, route)

	route, err = p.Select("l2")
	require.NoError(t, err)
	assert.Equal(t, interfaces.Route{InboundBrokerID: "B2", OutboundBrokerID: "B2"}, route)

	route, err = p.Select("l3")
	require.NoError(t, err)
	assert.Equal(t, interfaces.Route{}, route)
}

func TestSaveRoundTrip(t *testing.T) {
	p, err := LoadFile(writeDefinitions(t), "BUS")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out", "definitions.yaml")
	require.NoError(t, p.Save(path))

	reloaded, err := LoadFile(path, "BUS")
	require.NoError(t, err)
	assert.Equal(t, p.Summary(), reloaded.Summary())

	def, err := reloaded.GetDestinationDefinition("BUS", "Q1")
	require.NoError(t, err)
	assert.Equal(t, "q1-id", def.ID)

	route, err := reloaded.Select("l1-id")
	require.NoError(t, err)
	assert.Equal(t, "B1", route.InboundBrokerID)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), "BUS")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("destinations:\n  - name: Q1\n    kind: WIDGET\n"), 0644))
	_, err = LoadFile(path, "BUS")
	assert.Error(t, err)
}
