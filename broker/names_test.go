package broker

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/interfaces"
)

func TestTemporaryName(t *testing.T) {
	name, err := TemporaryName(interfaces.KindQueue, "ORDERS", "B1", 16)
	require.NoError(t, err)
	assert.Equal(t, "_QORDERS_B1_0000000000000010", name)

	name, err = TemporaryName(interfaces.KindTopicSpace, "", "B1", 0xABCDEF)
	require.NoError(t, err)
	assert.Equal(t, "_T_B1_0000000000ABCDEF", name)

	name, err = TemporaryName(interfaces.KindQueue, "ABCDEFGHIJKLMNOP", "B1", 1)
	require.NoError(t, err)
	assert.Equal(t, "_QABCDEFGHIJKL_B1_0000000000000001", name)

	// The prefix is cut on character boundaries
	name, err = TemporaryName(interfaces.KindQueue, "ÄÖÜäöüßéèêëàáx", "B1", 1)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(name))
	assert.Equal(t, "_QÄÖÜäöüßéèêëà_B1_0000000000000001", name)

	_, err = TemporaryName(interfaces.KindService, "X", "B1", 1)
	assert.True(t, engerrors.IsNotPossible(err))
}

func TestSystemAndReceiverNames(t *testing.T) {
	assert.Equal(t, "_SPROXY_B1", SystemName("PROXY", "B1"))
	assert.Equal(t, "_SSIMP.TDRECEIVER_B2", ReceiverName("B2"))
}

func TestClassifyName(t *testing.T) {
	tests := []struct {
		name      string
		temporary bool
		system    bool
	}{
		{"ORDERS", false, false},
		{"_QORDERS_B1_0000000000000010", true, false},
		{"_TPRICES_B1_0000000000000010", true, false},
		{"_SSIMP.TDRECEIVER_B1", false, true},
		{"Q_S", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.temporary, IsTemporaryName(tt.name))
			assert.Equal(t, tt.system, IsSystemName(tt.name))
		})
	}
}

func TestEmbeddedBrokerID(t *testing.T) {
	tests := []struct {
		name   string
		broker string
		ok     bool
	}{
		{"_QORDERS_B1_0000000000000010", "B1", true},
		{"_QMY_PREFIX_B2_00000000000000FF", "B2", true},
		{"_SSIMP.TDRECEIVER_B3", "B3", true},
		{"_QORDERS_B1_XYZ", "", false},
		{"_QORDERS_B1_", "", false},
		{"_S_", "", false},
		{"ORDERS", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker, ok := embeddedBrokerID(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.broker, broker)
		})
	}
}
