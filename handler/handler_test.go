package handler

import (
	"testing"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queueDef(name string) interfaces.Definition {
	return interfaces.Definition{ID: "id-" + name, Name: name, Bus: "BUS", Kind: interfaces.KindQueue}
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, ValidTransition(StateCreateInProgress, StateActive))
	assert.True(t, ValidTransition(StateActive, StateUnreconciled))
	assert.True(t, ValidTransition(StateIndoubt, StateUnreconciled))
	assert.True(t, ValidTransition(StateDeletePending, StateActive))
	assert.True(t, ValidTransition(StateCorrupt, StateDeletePending))

	assert.False(t, ValidTransition(StateCorrupt, StateActive))
	assert.False(t, ValidTransition(StateIndoubt, StateActive))
	for _, to := range AllStates {
		assert.False(t, ValidTransition(StateDeleted, to), "DELETED -> %s", to)
	}

	assert.True(t, StateCorrupt.Quarantined())
	assert.True(t, StateIndoubt.Quarantined())
	assert.False(t, StateUnreconciled.Quarantined())
	assert.Equal(t, "DELETE_PENDING", StateDeletePending.String())
}

func TestHandlerSetState(t *testing.T) {
	h := New("id-1", queueDef("Q1"), "B1", WithLocalizers([]string{"B1"}))
	assert.Equal(t, StateCreateInProgress, h.State())

	require.NoError(t, h.SetState(StateActive))
	require.NoError(t, h.SetState(StateActive))
	require.NoError(t, h.SetState(StateCorrupt))

	err := h.SetState(StateActive)
	require.Error(t, err)
	assert.True(t, engerrors.IsInternal(err))
	assert.Equal(t, StateCorrupt, h.State())
}

func TestHandlerLocality(t *testing.T) {
	local := New("id-1", queueDef("Q1"), "B1", WithLocalizers([]string{"B1"}))
	c := local.Classify()
	assert.True(t, c.Local)
	assert.False(t, c.Remote)
	assert.True(t, c.Queue)
	assert.True(t, local.HasLocalPoint())

	remote := New("id-2", queueDef("Q2"), "B1", WithLocalizers([]string{"B2"}))
	c = remote.Classify()
	assert.False(t, c.Local)
	assert.True(t, c.Remote)

	svcDef := queueDef("S1")
	svcDef.Kind = interfaces.KindService
	svc := New("id-3", svcDef, "B1")
	assert.True(t, svc.IsLocal())
	assert.False(t, svc.HasLocalPoint())

	ts := New("id-4", interfaces.Definition{Name: "T1", Kind: interfaces.KindTopicSpace}, "B1")
	assert.False(t, ts.ReallocationExclusive())
	assert.True(t, local.ReallocationExclusive())
}

func TestHandlerUpdateLocalizations(t *testing.T) {
	h := New("id-1", queueDef("Q1"), "B1",
		WithLocalizers([]string{"B1", "B2"}),
		WithLocalization(&interfaces.LocalizationDefinition{HighMessageThreshold: 10}))
	require.NotNil(t, h.Localization())

	h.UpdateLocalizations([]string{"B2"}, nil)
	assert.Equal(t, []string{"B2"}, h.Localizers())
	assert.Nil(t, h.Localization(), "local queue point should be dropped")
	assert.False(t, h.Classify().Local)
	assert.True(t, h.Classify().Remote)

	h.UpdateLocalizations([]string{"B1"}, &interfaces.LocalizationDefinition{HighMessageThreshold: 20})
	assert.True(t, h.HasLocalPoint())
	assert.Equal(t, int64(20), h.Localization().HighMessageThreshold)

	h.ClearLocalizations()
	assert.Empty(t, h.Localizers())
}

func TestHandlerUpdateDefinition(t *testing.T) {
	h := New("id-1", queueDef("Q1"), "B1")

	def := queueDef("Q1")
	def.Description = "orders"
	def.DefaultPriority = 7
	require.NoError(t, h.UpdateDefinition(def))
	assert.Equal(t, "orders", h.Definition().Description)
	assert.Equal(t, 7, h.Definition().DefaultPriority)

	def.ID = "other"
	err := h.UpdateDefinition(def)
	assert.True(t, engerrors.IsInternal(err))
}

func TestMarkToBeDeletedOnce(t *testing.T) {
	h := New("id-1", queueDef("Q1"), "B1")
	require.NoError(t, h.MarkToBeDeleted())
	assert.True(t, h.IsToBeDeleted())

	err := h.MarkToBeDeleted()
	assert.True(t, engerrors.IsNotPossible(err))

	require.NoError(t, h.SetState(StateDeletePending))
	h.ResetToBeDeleted()
	assert.False(t, h.IsToBeDeleted())
	assert.Equal(t, StateActive, h.State())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     interfaces.Definition
		wantErr func(error) bool
	}{
		{"queue", queueDef("Q1"), nil},
		{"no name", interfaces.Definition{Kind: interfaces.KindQueue}, engerrors.IsNotPossible},
		{"alias without target", interfaces.Definition{Name: "A1", Kind: interfaces.KindAlias}, engerrors.IsNotPossible},
		{"alias to itself", interfaces.Definition{Name: "A1", Kind: interfaces.KindAlias, TargetName: "A1"}, engerrors.IsAliasLoop},
		{"alias", interfaces.Definition{Name: "A1", Kind: interfaces.KindAlias, TargetName: "Q1"}, nil},
		{"link without bus", interfaces.Definition{Name: "L1", Kind: interfaces.KindLink}, engerrors.IsNotPossible},
		{"link", interfaces.Definition{Name: "L1", Kind: interfaces.KindLink, ForeignBus: "OTHER"}, nil},
		{"foreign", interfaces.Definition{Name: "F1", Kind: interfaces.KindForeignDestination, TargetBus: "OTHER"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New("id", tt.def, "B1").Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, tt.wantErr(err), "unexpected error %v", err)
		})
	}
}

func TestReconstitute(t *testing.T) {
	t.Run("queue becomes unreconciled", func(t *testing.T) {
		rec := &interfaces.EntityRecord{
			ID: "id-1", Name: "Q1", Bus: "BUS", Kind: interfaces.KindQueue,
			Definition: queueDef("Q1"), Localizers: []string{"B1"}, CreatedTick: 5,
		}
		h := FromRecord(rec, "B1")
		state, err := h.Reconstitute(rec)
		require.NoError(t, err)
		assert.Equal(t, StateUnreconciled, state)
		assert.Equal(t, uint64(5), h.CreatedTick())
		assert.True(t, h.HasLocalPoint())
	})

	t.Run("system destination localizes itself", func(t *testing.T) {
		rec := &interfaces.EntityRecord{
			ID: "id-2", Name: "_SX_B1", Bus: "BUS", Kind: interfaces.KindQueue,
			Definition: interfaces.Definition{Name: "_SX_B1", Kind: interfaces.KindQueue},
			Localizers: []string{"B1"}, System: true,
		}
		h := FromRecord(rec, "B1")
		state, err := h.Reconstitute(rec)
		require.NoError(t, err)
		assert.Equal(t, StateActive, state)
		assert.True(t, h.Classify().System)
	})

	t.Run("kind mismatch is corrupt", func(t *testing.T) {
		rec := &interfaces.EntityRecord{
			ID: "id-3", Name: "Q3", Kind: interfaces.KindQueue,
			Definition: interfaces.Definition{Name: "Q3", Kind: interfaces.KindTopicSpace},
			Localizers: []string{"B1"},
		}
		h := FromRecord(rec, "B1")
		state, err := h.Reconstitute(rec)
		assert.Equal(t, StateCorrupt, state)
		assert.True(t, engerrors.IsCorrupt(err))
		assert.Equal(t, StateCorrupt, h.State())
	})

	t.Run("queue without localizers is corrupt", func(t *testing.T) {
		rec := &interfaces.EntityRecord{
			ID: "id-4", Name: "Q4", Kind: interfaces.KindQueue, Definition: queueDef("Q4"),
		}
		state, err := FromRecord(rec, "B1").Reconstitute(rec)
		assert.Equal(t, StateCorrupt, state)
		assert.Error(t, err)
	})

	t.Run("service with localizers is corrupt", func(t *testing.T) {
		def := queueDef("S1")
		def.Kind = interfaces.KindService
		rec := &interfaces.EntityRecord{
			ID: "id-5", Name: "S1", Kind: interfaces.KindService, Definition: def, Localizers: []string{"B1"},
		}
		state, _ := FromRecord(rec, "B1").Reconstitute(rec)
		assert.Equal(t, StateCorrupt, state)
	})
}

func TestRecordRoundTrip(t *testing.T) {
	h := New("id-1", queueDef("Q1"), "B1",
		WithLocalizers([]string{"B2", "B1"}),
		WithTemporary(),
		WithTick(9))
	h.SetRoute(interfaces.Route{InboundBrokerID: "B3", OutboundBrokerID: "B4"})

	rec := h.Record()
	assert.Equal(t, "id-1", rec.ID)
	assert.Equal(t, []string{"B1", "B2"}, rec.Localizers)
	assert.True(t, rec.Temporary)
	assert.Equal(t, uint64(9), rec.CreatedTick)
	assert.Equal(t, "B3", rec.InboundBroker)

	restored := FromRecord(rec, "B1")
	assert.Equal(t, h.Localizers(), restored.Localizers())
	assert.Equal(t, h.Route(), restored.Route())
	assert.True(t, restored.IsTemporary())
}

func TestSessions(t *testing.T) {
	h := New("id-1", queueDef("Q1"), "B1")

	p1, err := h.AttachProducer()
	require.NoError(t, err)
	_, err = h.AttachProducer()
	require.NoError(t, err)
	c1, err := h.AttachConsumer(false)
	require.NoError(t, err)
	assert.False(t, h.ReadyForRemoval())

	p1.Close()
	p1.Close()
	assert.Equal(t, 1, h.ProducerCount())

	require.NoError(t, h.MarkToBeDeleted())
	_, err = h.AttachProducer()
	assert.True(t, engerrors.IsNotFound(err))
	_, err = h.AttachConsumer(false)
	assert.True(t, engerrors.IsNotFound(err))

	assert.Equal(t, 1, h.CloseProducers())
	assert.Equal(t, 1, h.CloseConsumers())
	assert.True(t, h.ReadyForRemoval())

	select {
	case <-c1.Done():
	default:
		t.Fatal("consumer should be closed")
	}
}

func TestNonDurableSubscribers(t *testing.T) {
	ts := New("id-1", interfaces.Definition{Name: "T1", Kind: interfaces.KindTopicSpace}, "B1")
	c, err := ts.AttachConsumer(true)
	require.NoError(t, err)
	assert.True(t, c.NonDurable())
	assert.Equal(t, 1, ts.NonDurableSubscribers())

	c.Close()
	assert.Equal(t, 0, ts.NonDurableSubscribers())
	assert.True(t, ts.ReadyForRemoval())

	// Queues never count non-durable subscribers
	q := New("id-2", queueDef("Q1"), "B1")
	qc, err := q.AttachConsumer(true)
	require.NoError(t, err)
	assert.False(t, qc.NonDurable())
}

func TestQuarantinedRefusesSessions(t *testing.T) {
	h := New("id-1", queueDef("Q1"), "B1", WithState(StateCorrupt))
	_, err := h.AttachProducer()
	assert.True(t, engerrors.IsCorrupt(err))
}
