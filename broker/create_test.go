package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/handler"
	"github.com/maxpert/msgengine/interfaces"
)

func TestCreateLocalization(t *testing.T) {
	adv := &mockAdvertiser{}
	adv.On("Advertise", interfaces.DestinationAddress{Name: "Q1", Bus: "BUS"}, "B1").Return(nil).Twice()
	f := newFixture(t, withAdvertiser(adv))

	h, err := f.m.CreateLocalization(interfaces.Definition{Name: "Q1", Kind: interfaces.KindQueue}, nil, []string{"B1"})
	require.NoError(t, err)
	assert.Equal(t, handler.StateActive, h.State())
	assert.True(t, h.IsLocal())
	assert.NotNil(t, h.Localization(), "local queue point gets a default localization")
	assert.NotZero(t, h.CreatedTick())

	rec, err := f.store.GetEntity(h.ID())
	require.NoError(t, err)
	assert.Equal(t, "Q1", rec.Name)
	assert.Equal(t, []string{"B1"}, rec.Localizers)
	assert.NotNil(t, rec.Localization)

	// Repeating the create updates the existing destination
	again, err := f.m.CreateLocalization(
		interfaces.Definition{Name: "Q1", Kind: interfaces.KindQueue, Description: "updated"},
		&interfaces.LocalizationDefinition{HighMessageThreshold: 500},
		[]string{"B2", "B1"})
	require.NoError(t, err)
	assert.Same(t, h, again)
	assert.Equal(t, "updated", h.Definition().Description)
	assert.Equal(t, []string{"B1", "B2"}, h.Localizers())
	assert.Equal(t, int64(500), h.Localization().HighMessageThreshold)

	rec, err = f.store.GetEntity(h.ID())
	require.NoError(t, err)
	assert.Equal(t, "updated", rec.Definition.Description)

	_, err = f.m.CreateLocalization(interfaces.Definition{Name: "Q1", Kind: interfaces.KindTopicSpace}, nil, []string{"B1"})
	assert.True(t, engerrors.IsAlreadyExists(err), "got %v", err)

	adv.AssertExpectations(t)
}

func TestCreateLocalizationValidatesLocalizingSet(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		def        interfaces.Definition
		loc        *interfaces.LocalizationDefinition
		localizers []string
		check      func(error) bool
	}{
		{
			name:  "empty set",
			def:   interfaces.Definition{Name: "Q", Kind: interfaces.KindQueue},
			check: engerrors.IsInternal,
		},
		{
			name:       "service with localizers",
			def:        interfaces.Definition{Name: "S", Kind: interfaces.KindService},
			localizers: []string{"B1"},
			check:      engerrors.IsInternal,
		},
		{
			name:       "localization without local broker",
			def:        interfaces.Definition{Name: "Q", Kind: interfaces.KindQueue},
			loc:        &interfaces.LocalizationDefinition{},
			localizers: []string{"B2"},
			check:      engerrors.IsInternal,
		},
		{
			name:       "not localizable",
			def:        interfaces.Definition{Name: "L", Kind: interfaces.KindLink, ForeignBus: "OTHER"},
			localizers: []string{"B1"},
			check:      engerrors.IsNotPossible,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.CreateLocalization(tt.def, tt.loc, tt.localizers)
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
	assert.Zero(t, f.m.Stats().Destinations)
}

func TestCreateLocalizationRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.CreateLocalization(interfaces.Definition{ID: "id-1", Name: "Q1", Kind: interfaces.KindQueue}, nil, []string{"B1"})
	require.NoError(t, err)

	_, err = f.m.CreateLocalization(interfaces.Definition{ID: "id-1", Name: "Q2", Kind: interfaces.KindQueue}, nil, []string{"B1"})
	assert.True(t, engerrors.IsAlreadyExists(err))
}

func TestCreateRemoteDestination(t *testing.T) {
	adv := &mockAdvertiser{}
	f := newFixture(t, withAdvertiser(adv))

	h, err := f.m.CreateLocalization(interfaces.Definition{Name: "R1", Kind: interfaces.KindQueue}, nil, []string{"B2"})
	require.NoError(t, err)
	assert.False(t, h.IsLocal())
	assert.True(t, h.IsRemote())
	assert.Nil(t, h.Localization())

	// Nothing to advertise without a local queue point
	adv.AssertNotCalled(t, "Advertise", mock.Anything, mock.Anything)
}

func TestCreateTemporaryDestination(t *testing.T) {
	f := newFixture(t)
	f.store.SetTick(15)

	q, err := f.m.CreateTemporaryDestination(interfaces.KindQueue, "ORDERS")
	require.NoError(t, err)
	assert.Equal(t, "_QORDERS_B1_0000000000000010", q.Name())
	assert.Equal(t, uint64(16), q.CreatedTick())
	assert.True(t, q.IsTemporary())
	assert.True(t, q.IsLocal())

	rec, err := f.store.GetEntity(q.ID())
	require.NoError(t, err)
	assert.True(t, rec.Temporary)

	ts, err := f.m.CreateTemporaryDestination(interfaces.KindTopicSpace, "PRICES")
	require.NoError(t, err)
	assert.Equal(t, "_TPRICES_B1_0000000000000011", ts.Name())

	_, err = f.m.CreateTemporaryDestination(interfaces.KindAlias, "X")
	assert.True(t, engerrors.IsNotPossible(err))
}

func TestCreateSystemDestinationIsIdempotent(t *testing.T) {
	f := newFixture(t)

	h, err := f.m.CreateSystemDestination(TDReceiverPrefix)
	require.NoError(t, err)
	assert.Equal(t, ReceiverName("B1"), h.Name())
	assert.True(t, h.IsSystem())
	assert.True(t, h.IsLocal())

	again, err := f.m.CreateSystemDestination(TDReceiverPrefix)
	require.NoError(t, err)
	assert.Same(t, h, again)

	rec, err := f.store.GetEntity(h.ID())
	require.NoError(t, err)
	assert.True(t, rec.System)
}
