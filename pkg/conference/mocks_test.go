package conference_test

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"

	"github.com/arzzra/sip_conference/pkg/conference"
)

// testLogger тихий логгер для тестов
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestCore создает ядро с заданным dialer
func newTestCore(dialer conference.Dialer) *conference.Core {
	return conference.NewCore(conference.CoreConfig{
		Logger: testLogger(),
		Dialer: dialer,
	})
}

// testURI строит SIP адрес для тестов
func testURI(user string) sip.Uri {
	return sip.Uri{Scheme: "sip", User: user, Host: "example.org"}
}

// fakeStreamsGroup непрозрачная группа потоков
type fakeStreamsGroup struct {
	label string
}

func (g *fakeStreamsGroup) Label() string { return g.label }

// fakeCall управляемая тестом сессия вызова.
//
// Состояние меняется напрямую тестом; уведомление конференции о
// переходе выполняется явным вызовом OnCallStateChanged.
type fakeCall struct {
	mu sync.Mutex

	id        string
	state     conference.CallState
	direction conference.CallDirection
	remote    sip.Uri
	contact   sip.Uri

	remoteContactParams map[string]string
	localContactParams  map[string]string
	replaces            string
	account             string

	params          conference.CallParams
	remoteVideo     bool
	mediaInProgress bool
	group           conference.StreamsGroup
	conf            conference.Conference
	confSetCount    int

	mediaDir map[conference.MediaType]sdp.Direction
	ssrc     map[conference.MediaType]uint32

	terminateCount int
	declineCode    int
	declineReason  string
	pauseCount     int
	resumeCount    int
	updates        []conference.UpdateOptions
	refers         []sip.Uri
}

func newFakeCall(id, user string) *fakeCall {
	return &fakeCall{
		id:                  id,
		state:               conference.CallStateStreamsRunning,
		direction:           conference.CallDirectionIncoming,
		remote:              testURI(user),
		contact:             sip.Uri{Scheme: "sip", User: user, Host: "10.0.0.1", Port: 5060},
		remoteContactParams: map[string]string{},
		localContactParams:  map[string]string{},
		group:               &fakeStreamsGroup{label: "grp-" + id},
		mediaDir:            map[conference.MediaType]sdp.Direction{},
		ssrc:                map[conference.MediaType]uint32{},
	}
}

func (c *fakeCall) setState(s conference.CallState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *fakeCall) ID() string { return c.id }

func (c *fakeCall) State() conference.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeCall) Direction() conference.CallDirection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.direction
}

func (c *fakeCall) RemoteAddress() sip.Uri        { return c.remote }
func (c *fakeCall) RemoteContactAddress() sip.Uri { return c.contact }

func (c *fakeCall) RemoteContactParam(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.remoteContactParams[name]
	return v, ok
}

func (c *fakeCall) LocalContactParam(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.localContactParams[name]
	return v, ok
}

func (c *fakeCall) ReplacesHeader() string { return c.replaces }
func (c *fakeCall) Account() string        { return c.account }

func (c *fakeCall) Params() *conference.CallParams { return &c.params }

func (c *fakeCall) RemoteVideoEnabled() bool { return c.remoteVideo }

func (c *fakeCall) MediaInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaInProgress
}

func (c *fakeCall) StreamsGroup() conference.StreamsGroup { return c.group }

func (c *fakeCall) MediaDirection(mt conference.MediaType) sdp.Direction {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.mediaDir[mt]; ok {
		return d
	}
	return sdp.DirectionInactive
}

func (c *fakeCall) SSRC(mt conference.MediaType) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ssrc[mt]
}

func (c *fakeCall) SetConference(conf conference.Conference) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conf = conf
	c.confSetCount++
}

func (c *fakeCall) Conference() conference.Conference {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conf
}

func (c *fakeCall) Terminate(info *conference.ErrorInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminateCount++
	c.state = conference.CallStateEnd
	return nil
}

func (c *fakeCall) Decline(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declineCode = code
	c.declineReason = reason
	c.state = conference.CallStateEnd
	return nil
}

func (c *fakeCall) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseCount++
	c.state = conference.CallStatePaused
	return nil
}

func (c *fakeCall) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumeCount++
	c.state = conference.CallStateStreamsRunning
	return nil
}

func (c *fakeCall) Update(opts conference.UpdateOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, opts)
	return nil
}

func (c *fakeCall) SendRefer(_ context.Context, referTo sip.Uri) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refers = append(c.refers, referTo)
	return nil
}

func (c *fakeCall) referCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.refers)
}

func (c *fakeCall) updateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

// fakeDialer источник исходящих вызовов для тестов
type fakeDialer struct {
	mu     sync.Mutex
	dialed []*fakeCall
	// failAll все вызовы завершаются ошибкой
	failAll bool
}

func (d *fakeDialer) Dial(_ context.Context, target sip.Uri, params *conference.CallParams) (conference.CallSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failAll {
		return nil, &dialError{target: target}
	}
	call := newFakeCall("out-"+target.User, target.User)
	call.remote = target
	call.direction = conference.CallDirectionOutgoing
	call.state = conference.CallStateOutgoingInit
	if params != nil {
		call.params = *params
	}
	d.dialed = append(d.dialed, call)
	return call, nil
}

func (d *fakeDialer) dialedCalls() []*fakeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	calls := make([]*fakeCall, len(d.dialed))
	copy(calls, d.dialed)
	return calls
}

type dialError struct {
	target sip.Uri
}

func (e *dialError) Error() string { return "dial failed: " + e.target.String() }

// fakeAudioControl управление аудио для тестов
type fakeAudioControl struct {
	mu sync.Mutex

	input  conference.AudioDevice
	output conference.AudioDevice

	setInputCalls  int
	setOutputCalls int

	recording     bool
	recordingPath string
}

func (a *fakeAudioControl) SetInputDevice(d conference.AudioDevice) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.input = d
	a.setInputCalls++
	return nil
}

func (a *fakeAudioControl) SetOutputDevice(d conference.AudioDevice) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.output = d
	a.setOutputCalls++
	return nil
}

func (a *fakeAudioControl) InputDevice() conference.AudioDevice {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.input
}

func (a *fakeAudioControl) OutputDevice() conference.AudioDevice {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.output
}

func (a *fakeAudioControl) StartRecording(path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recording = true
	a.recordingPath = path
	return nil
}

func (a *fakeAudioControl) StopRecording() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recording = false
	return nil
}

func (a *fakeAudioControl) IsRecording() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recording
}

// fakeMixer сессия микшера для тестов
type fakeMixer struct {
	mu sync.Mutex

	joined       []string
	unjoined     []string
	localEnabled bool
	closed       bool
	audio        *fakeAudioControl
}

func newFakeMixer() *fakeMixer {
	return &fakeMixer{audio: &fakeAudioControl{}}
}

func (m *fakeMixer) JoinStreamsGroup(g conference.StreamsGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined = append(m.joined, g.Label())
	return nil
}

func (m *fakeMixer) UnjoinStreamsGroup(g conference.StreamsGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unjoined = append(m.unjoined, g.Label())
	return nil
}

func (m *fakeMixer) MixerByType(_ conference.MediaType) interface{} { return nil }

func (m *fakeMixer) EnableLocalParticipant(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localEnabled = enabled
}

func (m *fakeMixer) AudioController() conference.AudioController {
	return m.audio
}

func (m *fakeMixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMixer) joinCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.joined)
}

func (m *fakeMixer) unjoinCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.unjoined)
}

// fakeEventHandler обработчик event package для тестов
type fakeEventHandler struct {
	mu sync.Mutex

	subscribes   int
	unsubscribes int
	conf         conference.Conference
}

func (h *fakeEventHandler) Subscribe(_ conference.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribes++
	return nil
}

func (h *fakeEventHandler) Unsubscribe() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribes++
	return nil
}

func (h *fakeEventHandler) NotifyReceived(_ []byte) error { return nil }

func (h *fakeEventHandler) SetConference(c conference.Conference) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conf = c
}

// fakeInfoStore хранилище метаданных для тестов
type fakeInfoStore struct {
	mu       sync.Mutex
	inserted []*conference.Info
}

func (s *fakeInfoStore) ConferenceInfoFromURI(uri sip.Uri) (*conference.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range s.inserted {
		if info.URI.String() == uri.String() {
			return info, nil
		}
	}
	return nil, nil
}

func (s *fakeInfoStore) InsertConferenceInfo(info *conference.Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, info)
	return nil
}

// recordedEvent одно зафиксированное уведомление
type recordedEvent struct {
	kind     string
	notifyID uint64
	detail   string
}

// eventRecorder слушатель, фиксирующий все уведомления по порядку
type eventRecorder struct {
	conference.BaseListener
	mu     sync.Mutex
	events []recordedEvent
	states []conference.State
}

func (r *eventRecorder) record(kind string, id uint64, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{kind: kind, notifyID: id, detail: detail})
}

func (r *eventRecorder) OnStateChanged(s conference.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *eventRecorder) OnParticipantAdded(ev *conference.ParticipantEvent) {
	r.record("participant_added", ev.NotifyID, ev.Address.User)
}

func (r *eventRecorder) OnParticipantRemoved(ev *conference.ParticipantEvent) {
	r.record("participant_removed", ev.NotifyID, ev.Address.User)
}

func (r *eventRecorder) OnParticipantAdminStatusChanged(ev *conference.ParticipantEvent) {
	r.record("admin_changed", ev.NotifyID, ev.Address.User)
}

func (r *eventRecorder) OnParticipantDeviceAdded(ev *conference.DeviceEvent) {
	r.record("device_added", ev.NotifyID, ev.Device.User)
}

func (r *eventRecorder) OnParticipantDeviceRemoved(ev *conference.DeviceEvent) {
	r.record("device_removed", ev.NotifyID, ev.Device.User)
}

func (r *eventRecorder) OnParticipantDeviceStateChanged(ev *conference.DeviceEvent) {
	r.record("device_state", ev.NotifyID, ev.State.String())
}

func (r *eventRecorder) OnParticipantDeviceMediaCapabilityChanged(ev *conference.DeviceEvent) {
	r.record("device_media", ev.NotifyID, ev.Device.User)
}

func (r *eventRecorder) OnSubjectChanged(ev *conference.SubjectEvent) {
	r.record("subject", ev.NotifyID, ev.Subject)
}

func (r *eventRecorder) OnAvailableMediaChanged(ev *conference.AvailableMediaEvent) {
	r.record("available_media", ev.NotifyID, "")
}

func (r *eventRecorder) OnFullStateReceived() {
	r.record("full_state", 0, "")
}

func (r *eventRecorder) all() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]recordedEvent, len(r.events))
	copy(events, r.events)
	return events
}

func (r *eventRecorder) byKind(kind string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, ev := range r.events {
		if ev.kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) recordedStates() []conference.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]conference.State, len(r.states))
	copy(states, r.states)
	return states
}
