package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	engerrors "github.com/maxpert/msgengine/errors"
	"github.com/maxpert/msgengine/handler"
	"github.com/maxpert/msgengine/index"
	"github.com/maxpert/msgengine/interfaces"
	"github.com/maxpert/msgengine/transaction"
)

func TestDeleteDestination(t *testing.T) {
	f := newFixture(t)
	h := f.createQueue("Q1", "B1")
	p, _, err := f.m.OpenProducer("Q1", "")
	require.NoError(t, err)

	require.NoError(t, f.m.DeleteDestination("Q1", ""))
	assert.Equal(t, handler.StateDeletePending, h.State())
	assert.True(t, h.IsToBeDeleted())
	assert.False(t, h.IsDeleteInProgress())
	assert.Empty(t, h.Localizers())

	select {
	case <-p.Done():
	default:
		t.Fatal("producer was not closed by the delete")
	}

	rec, err := f.store.GetEntity(h.ID())
	require.NoError(t, err)
	assert.True(t, rec.ToBeDeleted)

	_, err = f.m.Resolve("Q1", "", false, false)
	assert.True(t, engerrors.IsNotFound(err))

	// Deleting again is a not-found, never a second delete
	err = f.m.DeleteDestination("Q1", "")
	assert.Equal(t, engerrors.NotFound, engerrors.GetErrorCode(err))
	err = f.m.DeleteLocalization(h.ID(), nil, nil)
	assert.Equal(t, engerrors.NotFound, engerrors.GetErrorCode(err))

	// Nothing is removed before the engine announces it has started
	assert.False(t, f.m.StartAsynchDeletion())
	assert.Equal(t, "NOT_CREATED", f.m.DeletionWorkerState())

	f.m.AnnounceStarted()
	f.awaitRemoved(h)
	_, err = f.store.GetEntity(h.ID())
	assert.ErrorIs(t, err, interfaces.ErrEntityNotFound)
	_, ok := f.m.destinations.FindByID(h.ID())
	assert.False(t, ok)

	f.m.StopAsynchDeletion()
	assert.Equal(t, "STOPPED", f.m.DeletionWorkerState())
	assert.True(t, f.m.StartAsynchDeletion())
	assert.Equal(t, "RUNNING", f.m.DeletionWorkerState())
}

func TestDeleteLocalizationPartial(t *testing.T) {
	adv := &mockAdvertiser{}
	q1 := interfaces.DestinationAddress{Name: "Q1", Bus: "BUS"}
	adv.On("Advertise", q1, "B1").Return(nil).Once()
	adv.On("Withdraw", q1, "B1").Return(nil).Once()
	f := newFixture(t, withAdvertiser(adv))

	h := f.createQueue("Q1", "B1", "B2")
	newDef := interfaces.Definition{Name: "Q1", Kind: interfaces.KindQueue, Description: "moved"}
	require.NoError(t, f.m.DeleteLocalization(h.ID(), &newDef, []string{"B2"}))

	assert.Equal(t, handler.StateActive, h.State())
	assert.False(t, h.IsToBeDeleted())
	assert.False(t, h.IsLocal())
	assert.Nil(t, h.Localization())
	assert.Equal(t, []string{"B2"}, h.Localizers())
	assert.Equal(t, "moved", h.Definition().Description)
	assert.Equal(t, h.ID(), h.Definition().ID)

	rec, err := f.store.GetEntity(h.ID())
	require.NoError(t, err)
	assert.Equal(t, []string{"B2"}, rec.Localizers)
	assert.False(t, rec.ToBeDeleted)

	// Still resolvable as a remote destination
	resolved, err := f.m.Resolve("Q1", "", false, false)
	require.NoError(t, err)
	assert.Same(t, h, resolved)

	// No local queue point left to delete
	err = f.m.DeleteLocalization(h.ID(), &newDef, []string{"B3"})
	assert.True(t, engerrors.IsNotPossible(err))

	adv.AssertExpectations(t)
}

func TestDeleteCascadesToAliases(t *testing.T) {
	f := newFixture(t)
	f.createQueue("Q1", "B1")
	a1, err := f.m.CreateAlias(alias("A1", "Q1"))
	require.NoError(t, err)
	a2, err := f.m.CreateAlias(alias("A2", "A1"))
	require.NoError(t, err)
	other, err := f.m.CreateAlias(alias("B1X", "A2"))
	require.NoError(t, err)

	require.NoError(t, f.m.DeleteDestination("Q1", ""))
	for _, a := range []*handler.Handler{a1, a2, other} {
		assert.Equal(t, handler.StateDeletePending, a.State(), a.Name())
		_, err := f.m.Resolve(a.Name(), "", false, false)
		assert.True(t, engerrors.IsNotFound(err), a.Name())
	}

	f.m.AnnounceStarted()
	f.awaitRemoved(a2)
}

func TestDeleteAlias(t *testing.T) {
	f := newFixture(t)
	q := f.createQueue("Q1", "B1")
	a1, err := f.m.CreateAlias(alias("A1", "Q1"))
	require.NoError(t, err)
	a2, err := f.m.CreateAlias(alias("A2", "A1"))
	require.NoError(t, err)

	require.NoError(t, f.m.DeleteDestination("A1", ""))
	assert.True(t, a1.IsToBeDeleted())
	assert.True(t, a2.IsToBeDeleted())
	assert.Equal(t, handler.StateActive, q.State())

	err = f.m.DeleteAlias("A1", "")
	assert.True(t, engerrors.IsNotFound(err))
	err = f.m.DeleteAlias("Q1", "")
	assert.True(t, engerrors.IsNotPossible(err))

	// The name is free again once the worker has run
	f.m.AnnounceStarted()
	f.awaitRemoved(a1)
	_, err = f.m.CreateAlias(alias("A1", "Q1"))
	require.NoError(t, err)
}

func TestDeleteTemporaryDestination(t *testing.T) {
	f := newFixture(t)
	tmp, err := f.m.CreateTemporaryDestination(interfaces.KindQueue, "REPLY")
	require.NoError(t, err)

	c, _, err := f.m.OpenConsumer(tmp.Name(), "", false)
	require.NoError(t, err)

	err = f.m.DeleteTemporaryDestination(tmp.Name())
	assert.True(t, engerrors.IsLocked(err), "got %v", err)
	assert.Equal(t, handler.StateActive, tmp.State())

	c.Close()
	require.NoError(t, f.m.DeleteTemporaryDestination(tmp.Name()))
	assert.True(t, tmp.IsToBeDeleted())

	err = f.m.DeleteTemporaryDestination(tmp.Name())
	assert.Equal(t, engerrors.TemporaryNotFound, engerrors.GetErrorCode(err))

	f.createQueue("Q1", "B1")
	err = f.m.DeleteTemporaryDestination("Q1")
	assert.Equal(t, engerrors.TemporaryNotFound, engerrors.GetErrorCode(err))
}

func TestDeleteTemporaryTopicWithNonDurableSubscriber(t *testing.T) {
	f := newFixture(t)
	tmp, err := f.m.CreateTemporaryDestination(interfaces.KindTopicSpace, "EVENTS")
	require.NoError(t, err)

	c, _, err := f.m.OpenConsumer(tmp.Name(), "", true)
	require.NoError(t, err)
	assert.Equal(t, 1, tmp.NonDurableSubscribers())

	assert.True(t, engerrors.IsLocked(f.m.DeleteTemporaryDestination(tmp.Name())))
	c.Close()
	assert.NoError(t, f.m.DeleteTemporaryDestination(tmp.Name()))
}

func TestSystemDestinationsCannotBeDeleted(t *testing.T) {
	f := newFixture(t)
	h, err := f.m.CreateSystemDestination("PROXY")
	require.NoError(t, err)

	err = f.m.DeleteDestination(h.Name(), "")
	assert.True(t, engerrors.IsNotPossible(err))
	assert.Equal(t, handler.StateActive, h.State())
}

func TestDeleteWithFailedPersistRestoresEntity(t *testing.T) {
	f := newFixture(t)
	h := f.createQueue("Q1", "B1")

	// A record gone from under the handler makes the update fail
	require.NoError(t, f.deps.Transactions.AutoCommit(func(tx *transaction.Transaction) error {
		return tx.Remove(h.ID())
	}))

	err := f.m.DeleteDestination("Q1", "")
	require.Error(t, err)
	assert.False(t, h.IsToBeDeleted())
	assert.Equal(t, handler.StateActive, h.State())

	resolved, err := f.m.Resolve("Q1", "", false, false)
	require.NoError(t, err)
	assert.Same(t, h, resolved)
}

func TestCreateWaitsForStaleDelete(t *testing.T) {
	f := newFixture(t, withStaleDeleteWait(5*time.Second))
	old, err := f.m.CreateLocalization(interfaces.Definition{ID: "old", Name: "Q1", Kind: interfaces.KindQueue}, nil, []string{"B1"})
	require.NoError(t, err)
	require.NoError(t, f.m.DeleteDestination("Q1", ""))

	type result struct {
		h   *handler.Handler
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := f.m.CreateLocalization(interfaces.Definition{ID: "new", Name: "Q1", Kind: interfaces.KindQueue}, nil, []string{"B1"})
		done <- result{h, err}
	}()

	time.Sleep(50 * time.Millisecond)
	f.m.AnnounceStarted()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("create did not complete")
	}
	require.NoError(t, res.err)
	assert.Equal(t, "new", res.h.ID())
	assert.Equal(t, handler.StateDeleted, old.State())

	live := f.m.ListDestinations(index.Live)
	require.Len(t, live, 1)
	assert.Same(t, res.h, live[0])
}

func TestCreateReleasesNameOfStuckDelete(t *testing.T) {
	f := newFixture(t, withStaleDeleteWait(50*time.Millisecond))
	old := f.createQueue("Q1", "B1")
	require.NoError(t, f.m.DeleteDestination("Q1", ""))

	// The worker never starts, so the old incarnation stays registered
	h, err := f.m.CreateLocalization(interfaces.Definition{Name: "Q1", Kind: interfaces.KindQueue}, nil, []string{"B1"})
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), h.ID())

	_, ok := f.m.destinations.FindByID(old.ID())
	assert.True(t, ok, "stale entity is still awaiting removal")

	resolved, err := f.m.Resolve("Q1", "", false, false)
	require.NoError(t, err)
	assert.Same(t, h, resolved)
}

func TestDeleteWithdrawsAdvertisedQueuePoint(t *testing.T) {
	adv := &mockAdvertiser{}
	adv.On("Advertise", mock.Anything, "B1").Return(nil)
	adv.On("Withdraw", interfaces.DestinationAddress{Name: "Q1", Bus: "BUS"}, "B1").Return(nil).Once()
	f := newFixture(t, withAdvertiser(adv))

	f.createQueue("Q1", "B1")
	require.NoError(t, f.m.DeleteDestination("Q1", ""))
	adv.AssertExpectations(t)
}
