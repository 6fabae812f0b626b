package conference_test

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_conference/pkg/conference"
)

// newFocusCall создает сессию в сторону фокуса с параметром isfocus
func newFocusCall(id string) *fakeCall {
	call := newFakeCall(id, "server")
	call.remoteContactParams["isfocus"] = ""
	call.replaces = id + ";to-tag=srv;from-tag=loc"
	return call
}

// newRemoteFromFocus создает удаленную конференцию вокруг готового
// фокусного вызова; локальный участник получает права администратора
// так же, как в жизни — из NOTIFY фокуса
func newRemoteFromFocus(t *testing.T, core *conference.Core) (*conference.RemoteConference, *fakeCall) {
	t.Helper()
	focus := newFocusCall("c-focus")
	rc, err := conference.NewRemoteConferenceFromCall(core, testURI("me"), focus, conference.RemoteConferenceConfig{})
	require.NoError(t, err)
	rc.ApplyParticipantAdminStatusChanged(testURI("me"), true)
	return rc, focus
}

// TestRemoteFromCallRequiresFocusParam проверяет, что конференция
// вокруг существующего вызова создается только при параметре isfocus
// в удаленном Contact
func TestRemoteFromCallRequiresFocusParam(t *testing.T) {
	core := newTestCore(&fakeDialer{})

	plain := newFakeCall("c-plain", "server")
	_, err := conference.NewRemoteConferenceFromCall(core, testURI("me"), plain, conference.RemoteConferenceConfig{})
	require.Error(t, err)
	assert.Equal(t, 0, core.Registry().Count())

	rc, focus := newRemoteFromFocus(t, core)
	assert.Equal(t, conference.StateCreationPending, rc.State())
	assert.Same(t, conference.Conference(rc), focus.Conference())

	addr, set := rc.ConferenceAddress()
	require.True(t, set)
	assert.Equal(t, focus.contact.Host, addr.Host)
}

// TestRemoteAdminGating проверяет, что административные операции
// неадминистратора отклоняются до какого-либо SIP обмена
func TestRemoteAdminGating(t *testing.T) {
	core := newTestCore(&fakeDialer{})
	focus := newFocusCall("c-focus")
	rc, err := conference.NewRemoteConferenceFromCall(core, testURI("me"), focus, conference.RemoteConferenceConfig{})
	require.NoError(t, err)
	require.False(t, rc.Me().IsAdmin())

	rc.ApplyParticipantAdded(testURI("bob"), false)
	updatesBefore := focus.updateCount()

	assert.ErrorIs(t, rc.AddParticipant(newFakeCall("c-x", "x")), conference.ErrNotAdmin)
	assert.ErrorIs(t, rc.AddParticipantAddress(testURI("x")), conference.ErrNotAdmin)
	assert.ErrorIs(t, rc.RemoveParticipantAddress(testURI("bob")), conference.ErrNotAdmin)
	assert.ErrorIs(t, rc.SetSubject("hijack"), conference.ErrNotAdmin)
	assert.ErrorIs(t, rc.Update(*rc.Params()), conference.ErrNotAdmin)

	p := rc.FindParticipant(testURI("bob"))
	require.NotNil(t, p)
	assert.ErrorIs(t, rc.SetParticipantAdminStatus(p, true), conference.ErrNotAdmin)

	assert.Equal(t, 0, focus.referCount(), "no REFER may leave a non-admin node")
	assert.Equal(t, updatesBefore, focus.updateCount(), "no UPDATE may leave a non-admin node")
}

// TestRemoteAddParticipantQueuesAndTransfers проверяет сценарий
// организации конференции на сервере: вызов ждет готовности фокусной
// сессии, после чего переносится REFER-with-Replaces
func TestRemoteAddParticipantQueuesAndTransfers(t *testing.T) {
	dialer := &fakeDialer{}
	core := newTestCore(dialer)

	rc, err := conference.NewRemoteConference(core, testURI("me"), testURI("conf-factory"), conference.RemoteConferenceConfig{})
	require.NoError(t, err)
	require.True(t, rc.Me().IsAdmin(), "organizer is admin by definition")

	member := newFakeCall("c-alice", "alice")
	require.NoError(t, rc.AddParticipant(member))

	// Фокусный вызов инициирован, участник ждет
	dialed := dialer.dialedCalls()
	require.Len(t, dialed, 1)
	focus := dialed[0]
	assert.Equal(t, "conf-factory", focus.remote.User)
	assert.Equal(t, conference.StateCreationPending, rc.State())
	assert.Len(t, rc.PendingTransferCalls(), 1)
	assert.Equal(t, 0, member.referCount())

	// Фокус соединяется и подтверждает isfocus
	focus.remoteContactParams["isfocus"] = ""
	focus.replaces = "c-focus;to-tag=srv;from-tag=loc"
	focus.setState(conference.CallStateConnected)
	rc.OnCallStateChanged(focus, conference.CallStateConnected)
	focus.setState(conference.CallStateStreamsRunning)
	rc.OnCallStateChanged(focus, conference.CallStateStreamsRunning)

	assert.Equal(t, conference.StateCreated, rc.State())

	// Ожидавший вызов перенесен: REFER на Contact фокуса с Replaces
	require.Equal(t, 1, member.referCount())
	referTo := member.refers[0]
	assert.Equal(t, focus.contact.Host, referTo.Host)
	require.NotNil(t, referTo.Headers)
	replaces, ok := referTo.Headers.Get("Replaces")
	require.True(t, ok, "Refer-To must embed a Replaces header")
	assert.Equal(t, focus.replaces, replaces)

	assert.Empty(t, rc.PendingTransferCalls())
	require.Len(t, rc.TransferringCalls(), 1)
}

// TestRemoteTransferNotifyOutcomes проверяет машину прогресса переноса:
// успешный sipfrag завершает перенос, провальный возвращает вызов к
// обычной point-to-point жизни
func TestRemoteTransferNotifyOutcomes(t *testing.T) {
	core := newTestCore(&fakeDialer{})
	rc, focus := newRemoteFromFocus(t, core)
	rc.OnCallStateChanged(focus, conference.CallStateStreamsRunning)
	require.Equal(t, conference.StateCreated, rc.State())

	good := newFakeCall("c-good", "alice")
	bad := newFakeCall("c-bad", "bob")
	require.NoError(t, rc.AddParticipant(good))
	require.NoError(t, rc.AddParticipant(bad))
	require.Len(t, rc.TransferringCalls(), 2)

	// Промежуточные sipfrag коды не завершают перенос
	rc.OnTransferNotify(good, 100)
	rc.OnTransferNotify(good, 180)
	require.Len(t, rc.TransferringCalls(), 2)

	rc.OnTransferNotify(good, 200)
	require.Len(t, rc.TransferringCalls(), 1)
	assert.Equal(t, 0, good.terminateCount)

	rc.OnTransferNotify(bad, 503)
	assert.Empty(t, rc.TransferringCalls())
	assert.Nil(t, bad.Conference(), "failed transfer must detach the call")
	assert.False(t, bad.Params().InConference)
	assert.Equal(t, 0, bad.terminateCount, "failed transfer must not kill the call")
}

// TestRemoteRemoveParticipantRefersBye проверяет удаление участника:
// REFER в сторону фокуса с параметром method=BYE на адресе цели
func TestRemoteRemoveParticipantRefersBye(t *testing.T) {
	core := newTestCore(&fakeDialer{})
	rc, focus := newRemoteFromFocus(t, core)
	rc.ApplyParticipantAdded(testURI("bob"), false)

	require.ErrorIs(t, rc.RemoveParticipantAddress(testURI("ghost")), conference.ErrParticipantNotFound)

	refersBefore := focus.referCount()
	require.NoError(t, rc.RemoveParticipantAddress(testURI("bob")))
	require.Equal(t, refersBefore+1, focus.referCount())

	target := focus.refers[len(focus.refers)-1]
	assert.Equal(t, "bob", target.User)
	require.NotNil(t, target.UriParams)
	method, ok := target.UriParams.Get("method")
	require.True(t, ok)
	assert.Equal(t, "BYE", method)

	// Локальное зеркало не мутируется: удаление придет из NOTIFY
	assert.NotNil(t, rc.FindParticipant(testURI("bob")))
}

// TestRemoteSetAdminStatusRefersParam проверяет смену прав участника:
// REFER с параметром admin=1/0, локальное зеркало без изменений
func TestRemoteSetAdminStatusRefersParam(t *testing.T) {
	core := newTestCore(&fakeDialer{})
	rc, focus := newRemoteFromFocus(t, core)
	rc.ApplyParticipantAdded(testURI("bob"), false)

	p := rc.FindParticipant(testURI("bob"))
	require.NotNil(t, p)

	refersBefore := focus.referCount()
	require.NoError(t, rc.SetParticipantAdminStatus(p, true))
	require.Equal(t, refersBefore+1, focus.referCount())

	target := focus.refers[len(focus.refers)-1]
	admin, ok := target.UriParams.Get("admin")
	require.True(t, ok)
	assert.Equal(t, "1", admin)
	assert.False(t, p.IsAdmin(), "mirror changes only via NOTIFY")
}

// TestRemoteDeferredSubject проверяет отложенную тему: заявленная до
// существования фокусного диалога тема применяется при подтверждении
// конференции фокусом
func TestRemoteDeferredSubject(t *testing.T) {
	dialer := &fakeDialer{}
	core := newTestCore(dialer)

	rc, err := conference.NewRemoteConference(core, testURI("me"), testURI("conf-factory"), conference.RemoteConferenceConfig{})
	require.NoError(t, err)

	require.NoError(t, rc.SetSubject("kickoff"))
	require.NoError(t, rc.AddParticipant(newFakeCall("c-alice", "alice")))

	focus := dialer.dialedCalls()[0]
	require.Equal(t, 0, focus.updateCount(), "subject must wait for the focus dialog")

	focus.remoteContactParams["isfocus"] = ""
	focus.setState(conference.CallStateStreamsRunning)
	rc.OnCallStateChanged(focus, conference.CallStateStreamsRunning)

	require.Equal(t, conference.StateCreated, rc.State())
	require.NotZero(t, focus.updateCount())
	assert.Equal(t, "kickoff", focus.updates[0].Subject)
}

// TestRemoteFullStateTriggersReinvite проверяет двухшаговую
// последовательность подписки: после полного NOTIFY уходит re-INVITE за
// потоками конференции, при идущем согласовании медиа — отложенно
func TestRemoteFullStateTriggersReinvite(t *testing.T) {
	core := newTestCore(&fakeDialer{})
	rc, focus := newRemoteFromFocus(t, core)
	rc.OnCallStateChanged(focus, conference.CallStateStreamsRunning)

	rec := &eventRecorder{}
	rc.AddListener(rec)

	before := focus.updateCount()
	rc.OnFullStateReceived()
	assert.Equal(t, before+1, focus.updateCount())
	assert.Len(t, rec.byKind("full_state"), 1)

	// ICE еще согласуется: re-INVITE откладывается до завершения
	focus.mediaInProgress = true
	rc.OnFullStateReceived()
	assert.Equal(t, before+1, focus.updateCount(), "re-INVITE is deferred while media is negotiating")

	focus.mediaInProgress = false
	rc.OnCallStateChanged(focus, conference.CallStateStreamsRunning)
	assert.Equal(t, before+2, focus.updateCount(), "deferred re-INVITE fires after media settles")
}

// TestRemoteFocusLosesFocusParam проверяет односторонний снос сервером:
// потеря isfocus на живом фокусном вызове завершает конференцию чисто
// локально, без дополнительного SIP обмена
func TestRemoteFocusLosesFocusParam(t *testing.T) {
	core := newTestCore(&fakeDialer{})
	rc, focus := newRemoteFromFocus(t, core)
	rc.OnCallStateChanged(focus, conference.CallStateStreamsRunning)
	require.Equal(t, conference.StateCreated, rc.State())

	delete(focus.remoteContactParams, "isfocus")
	rc.OnCallStateChanged(focus, conference.CallStateStreamsRunning)

	assert.Equal(t, conference.StateDeleted, rc.State())
	assert.Equal(t, 0, focus.terminateCount, "teardown is local, the call continues")
	assert.Nil(t, focus.Conference())
	assert.Equal(t, 0, core.Registry().Count())
}

// TestRemoteFocusFailureDetachesQueued проверяет провал фокусного
// вызова: конференция уходит в CreationFailed, ожидающие вызовы
// отвязываются и продолжаются как обычные
func TestRemoteFocusFailureDetachesQueued(t *testing.T) {
	dialer := &fakeDialer{}
	core := newTestCore(dialer)

	rc, err := conference.NewRemoteConference(core, testURI("me"), testURI("conf-factory"), conference.RemoteConferenceConfig{})
	require.NoError(t, err)

	member := newFakeCall("c-alice", "alice")
	require.NoError(t, rc.AddParticipant(member))

	focus := dialer.dialedCalls()[0]
	focus.setState(conference.CallStateError)
	rc.OnCallStateChanged(focus, conference.CallStateError)

	assert.Equal(t, conference.StateCreationFailed, rc.State())
	assert.Nil(t, member.Conference())
	assert.False(t, member.Params().InConference)
	assert.Equal(t, 0, member.terminateCount)
	assert.Empty(t, rc.PendingTransferCalls())
}

// TestRemoteFocusEndAfterCreation проверяет завершение фокусного вызова
// после создания: конференция проходит снос до Deleted
func TestRemoteFocusEndAfterCreation(t *testing.T) {
	core := newTestCore(&fakeDialer{})
	rc, focus := newRemoteFromFocus(t, core)
	rc.OnCallStateChanged(focus, conference.CallStateStreamsRunning)
	require.Equal(t, conference.StateCreated, rc.State())

	focus.setState(conference.CallStateEnd)
	rc.OnCallStateChanged(focus, conference.CallStateEnd)

	assert.Equal(t, conference.StateDeleted, rc.State())
	assert.Equal(t, 0, core.Registry().Count())
}

// TestRemoteTerminate проверяет добровольный выход: очереди
// отвязываются, фокусный вызов завершается, конференция доходит до
// Deleted после его колбэка
func TestRemoteTerminate(t *testing.T) {
	core := newTestCore(&fakeDialer{})
	rc, focus := newRemoteFromFocus(t, core)
	rc.OnCallStateChanged(focus, conference.CallStateStreamsRunning)

	require.NoError(t, rc.Terminate())
	assert.Equal(t, conference.StateTerminationPending, rc.State())
	assert.Equal(t, 1, focus.terminateCount)

	rc.OnCallStateChanged(focus, conference.CallStateEnd)
	assert.Equal(t, conference.StateDeleted, rc.State())
}

// TestRemoteEnterLeave проверяет временный выход и возврат: Leave
// ставит фокусную сессию на паузу, Enter возобновляет, возврат из
// паузы эмитит повторное появление локального участника
func TestRemoteEnterLeave(t *testing.T) {
	core := newTestCore(&fakeDialer{})
	rc, focus := newRemoteFromFocus(t, core)
	rc.OnCallStateChanged(focus, conference.CallStateStreamsRunning)
	require.True(t, rc.IsIn())

	rc.Leave()
	assert.Equal(t, 1, focus.pauseCount)
	assert.False(t, rc.IsIn())

	require.NoError(t, rc.Enter())
	assert.Equal(t, 1, focus.resumeCount)

	rec := &eventRecorder{}
	rc.AddListener(rec)

	focus.setState(conference.CallStateResuming)
	rc.OnCallStateChanged(focus, conference.CallStateResuming)
	focus.setState(conference.CallStateStreamsRunning)
	rc.OnCallStateChanged(focus, conference.CallStateStreamsRunning)

	added := rec.byKind("participant_added")
	require.Len(t, added, 1)
	assert.Equal(t, "me", added[0].detail)
	assert.True(t, rc.IsIn())
}

// TestRemoteApplyNotifyDeltas проверяет применение дельт NOTIFY к
// локальному зеркалу: участники, устройства с серверными метками,
// состояния и тема
func TestRemoteApplyNotifyDeltas(t *testing.T) {
	core := newTestCore(&fakeDialer{})
	rc, focus := newRemoteFromFocus(t, core)
	rc.OnCallStateChanged(focus, conference.CallStateStreamsRunning)

	rec := &eventRecorder{}
	rc.AddListener(rec)

	bob := testURI("bob")
	bobPhone := sip.Uri{Scheme: "sip", User: "bob", Host: "10.0.0.7", Port: 5060}

	rc.ApplyParticipantAdded(bob, false)
	rc.ApplyParticipantAdded(bob, false)
	require.Equal(t, 1, rc.ParticipantCount(), "duplicate delta must not duplicate the mirror")
	assert.Len(t, rec.byKind("participant_added"), 1)

	rc.ApplyDeviceAdded(bob, bobPhone, "srv-label-1")
	p := rc.FindParticipant(bob)
	require.NotNil(t, p)
	require.Equal(t, 1, p.DeviceCount())
	d := p.Devices()[0]
	assert.Equal(t, "srv-label-1", d.Label(), "focus-assigned label wins")

	rc.ApplyDeviceStateChanged(bob, bobPhone, conference.DeviceStatePresent)
	assert.Equal(t, conference.DeviceStatePresent, d.State())

	rc.ApplySubjectChanged("quarterly")
	rc.ApplySubjectChanged("quarterly")
	assert.Equal(t, "quarterly", rc.Params().Subject)
	assert.Len(t, rec.byKind("subject"), 1)

	rc.ApplyDeviceRemoved(bob, bobPhone)
	assert.Equal(t, 0, rc.ParticipantCount(), "last device takes the participant with it")
	assert.Len(t, rec.byKind("participant_removed"), 1)
}

// TestRemoteQueuedCallDiesBeforeTransfer проверяет смерть вызова до
// переноса: он молча покидает очередь
func TestRemoteQueuedCallDiesBeforeTransfer(t *testing.T) {
	dialer := &fakeDialer{}
	core := newTestCore(dialer)

	rc, err := conference.NewRemoteConference(core, testURI("me"), testURI("conf-factory"), conference.RemoteConferenceConfig{})
	require.NoError(t, err)

	member := newFakeCall("c-alice", "alice")
	require.NoError(t, rc.AddParticipant(member))
	require.Len(t, rc.PendingTransferCalls(), 1)

	member.setState(conference.CallStateEnd)
	rc.OnCallStateChanged(member, conference.CallStateEnd)

	assert.Empty(t, rc.PendingTransferCalls())
	assert.Nil(t, member.Conference())
}
