package conference_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_conference/pkg/conference"
)

// TestStateValidatorAllowedTransitions проверяет штатный жизненный цикл
func TestStateValidatorAllowedTransitions(t *testing.T) {
	v := conference.NewStateValidator()

	path := []conference.State{
		conference.StateNone,
		conference.StateInstantiated,
		conference.StateCreationPending,
		conference.StateCreated,
		conference.StateTerminationPending,
		conference.StateTerminated,
		conference.StateDeleted,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.NoError(t, v.ValidateTransition(path[i], path[i+1]),
			"Transition %s -> %s should be valid", path[i], path[i+1])
	}
}

// TestStateValidatorFailureBranches проверяет ветки отказа
func TestStateValidatorFailureBranches(t *testing.T) {
	v := conference.NewStateValidator()

	assert.NoError(t, v.ValidateTransition(conference.StateCreationPending, conference.StateCreationFailed))
	assert.NoError(t, v.ValidateTransition(conference.StateTerminationPending, conference.StateTerminationFailed))

	// Deleted допускает только возврат в Instantiated
	assert.NoError(t, v.ValidateTransition(conference.StateDeleted, conference.StateInstantiated))
	assert.Error(t, v.ValidateTransition(conference.StateDeleted, conference.StateCreated))
}

// TestStateValidatorRejectsSkips проверяет недопустимые прыжки
func TestStateValidatorRejectsSkips(t *testing.T) {
	v := conference.NewStateValidator()

	err := v.ValidateTransition(conference.StateInstantiated, conference.StateTerminated)
	require.Error(t, err)

	var confErr *conference.Error
	require.ErrorAs(t, err, &confErr)
	assert.Equal(t, "INVALID_STATE_TRANSITION", confErr.Code)
}

// TestStateValidatorSameState одинаковое состояние всегда допустимо
func TestStateValidatorSameState(t *testing.T) {
	v := conference.NewStateValidator()
	assert.NoError(t, v.ValidateTransition(conference.StateCreated, conference.StateCreated))
}

// TestDeletedStateLock проверяет блокировку Deleted на живой конференции:
// после утилизации никакие переходы, кроме возврата в Instantiated, не
// наблюдаемы и колбэк смены состояния не вызывается
func TestDeletedStateLock(t *testing.T) {
	core := newTestCore(nil)
	lc, err := conference.NewLocalConference(core, testURI("me"), conference.LocalConferenceConfig{
		Mixer: newFakeMixer(),
	})
	require.NoError(t, err)

	rec := &eventRecorder{}
	lc.AddListener(rec)

	// Завершение пустой конференции доводит ее до Deleted
	require.NoError(t, lc.Terminate())
	require.Equal(t, conference.StateDeleted, lc.State())

	var callbackStates []conference.State
	lc.SetStateChangedHandler(func(s conference.State) {
		callbackStates = append(callbackStates, s)
	})

	// Поздние асинхронные события не должны ничего менять
	call := newFakeCall("late", "late")
	call.setState(conference.CallStateEnd)
	lc.OnCallStateChanged(call, conference.CallStateEnd)

	assert.Equal(t, conference.StateDeleted, lc.State(), "Deleted must be sticky")
	assert.Empty(t, callbackStates, "No state callback after Deleted")
}

// TestConferenceRegistryLifecycle конференция регистрируется при
// создании и удаляется из реестра при завершении
func TestConferenceRegistryLifecycle(t *testing.T) {
	core := newTestCore(nil)
	lc, err := conference.NewLocalConference(core, testURI("me"), conference.LocalConferenceConfig{
		Mixer: newFakeMixer(),
	})
	require.NoError(t, err)

	require.Equal(t, 1, core.Registry().Count())
	found := core.Registry().Find(lc.ID())
	require.NotNil(t, found)
	assert.Same(t, conference.Conference(lc), found)

	require.NoError(t, lc.Terminate())
	assert.Equal(t, 0, core.Registry().Count(), "Terminated conference must leave the registry")
}

// TestConferenceAddressFrozen адрес конференции неизменяем после создания
func TestConferenceAddressFrozen(t *testing.T) {
	core := newTestCore(nil)
	lc, err := conference.NewLocalConference(core, testURI("me"), conference.LocalConferenceConfig{
		Mixer: newFakeMixer(),
	})
	require.NoError(t, err)

	addr, ok := lc.ConferenceAddress()
	require.True(t, ok, "Address must be assigned by the constructor")
	_, hasConfID := addr.UriParams.Get("conf-id")
	assert.True(t, hasConfID, "Conference address must carry conf-id param")

	// Прием вызова переводит конференцию в Created — адрес замерзает
	call := newFakeCall("c1", "alice")
	require.NoError(t, lc.AddParticipant(call))
	require.Equal(t, conference.StateCreated, lc.State())

	err = lc.SetConferenceAddress(testURI("other"))
	require.Error(t, err)
	assert.ErrorIs(t, err, conference.ErrAddressFrozen)
}
