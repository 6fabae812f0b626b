package conference

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"
)

// Conference общий поведенческий контракт локальной и удаленной
// конференции.
//
// Обе реализации разделяют один скелет машины состояний и фан-аут
// уведомлений (conferenceBase); различия — в протоколах приема и
// удаления участников (§ LocalConference, § RemoteConference).
type Conference interface {
	// ID возвращает идентификатор конференции (пара peer + local адресов)
	ID() ID
	// ConferenceAddress возвращает внешний SIP адрес конференции;
	// false — адрес еще не назначен
	ConferenceAddress() (sip.Uri, bool)
	// SetConferenceAddress назначает адрес конференции; допустим только
	// в состояниях Instantiated и CreationPending
	SetConferenceAddress(uri sip.Uri) error
	// State возвращает текущее состояние конференции
	State() State
	// Params возвращает снимок параметров конференции
	Params() *Params
	// Me возвращает локального участника; никогда не nil и никогда не
	// входит в Participants
	Me() *Participant
	// Participants возвращает участников в порядке входа
	Participants() []*Participant
	// ParticipantCount возвращает число участников (без me)
	ParticipantCount() int
	// FindParticipant ищет участника по SIP адресу (nil при отсутствии)
	FindParticipant(addr sip.Uri) *Participant

	// AddParticipant принимает вызов в конференцию
	AddParticipant(call CallSession) error
	// AddParticipantAddress приглашает адрес в конференцию
	AddParticipantAddress(addr sip.Uri) error
	// RemoveParticipant удаляет участника со всеми устройствами
	RemoveParticipant(p *Participant) error
	// RemoveParticipantAddress удаляет участника по адресу
	RemoveParticipantAddress(addr sip.Uri) error
	// RemoveParticipantSession удаляет устройство по его сессии;
	// preserve сохраняет SIP сессию как обычный вызов вместо завершения
	RemoveParticipantSession(session CallSession, preserve bool) error
	// SetParticipantAdminStatus меняет права администратора участника
	SetParticipantAdminStatus(p *Participant, admin bool) error

	// SetSubject меняет тему конференции
	SetSubject(subject string) error
	// Update применяет узкое пост-создание изменение параметров
	// (только audio/video/chat)
	Update(params Params) error
	// Terminate завершает конференцию и сессии всех устройств
	Terminate() error

	// Enter присоединяет локального участника к конференции
	Enter() error
	// Leave отсоединяет локального участника
	Leave()
	// IsIn сообщает, находится ли локальный участник в конференции
	IsIn() bool

	// AddListener регистрирует получателя уведомлений
	AddListener(l Listener)
	// SetStateChangedHandler регистрирует пользовательский колбэк смены
	// состояния; вызывается после фиксации перехода, до фан-аута слушателям
	SetStateChangedHandler(fn func(State))
	// LastNotify возвращает текущий номер последовательности уведомлений
	LastNotify() uint64

	// SetInputAudioDevice выбирает устройство захвата аудио
	SetInputAudioDevice(device AudioDevice) error
	// SetOutputAudioDevice выбирает устройство воспроизведения аудио
	SetOutputAudioDevice(device AudioDevice) error

	// OnCallStateChanged колбэк слоя сигнализации о переходе состояния
	// сессии, привязанной к конференции
	OnCallStateChanged(call CallSession, state CallState)
}

// conferenceBase общий скелет конференции: машина состояний, коллекция
// участников, фан-аут уведомлений, выбор аудио устройств.
//
// Встраивается в LocalConference и RemoteConference; вся логика
// сигнализации остается в конкретных типах.
type conferenceBase struct {
	mu sync.RWMutex

	core   *Core
	logger *slog.Logger

	id             ID
	confAddress    sip.Uri
	confAddressSet bool

	params *Params

	state     State
	validator *StateValidator

	// me локальный участник; отслеживается отдельно от participants,
	// но для уведомлений концептуально — участник как любой другой
	me           *Participant
	participants []*Participant

	// lastNotify монотонная последовательность уведомлений; инкремент
	// строго до доставки уведомления слушателям
	lastNotify uint64

	listeners           []Listener
	stateChangedHandler func(State)

	// terminatedHook хук конкретного типа, выполняемый при входе в
	// Terminated до дерегистрации
	terminatedHook func()

	// audioControlProvider источник активного аудио интерфейса;
	// nil-результат означает "медиа еще не запущено"
	audioControlProvider func() AudioController

	eventHandler EventHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// initBase инициализирует общий скелет конференции и регистрирует ее
// в реестре ядра
func (b *conferenceBase) initBase(core *Core, id ID, me sip.Uri, params *Params, owner Conference) {
	if params == nil {
		params = DefaultParams()
	}
	b.core = core
	b.id = id
	b.params = params
	b.me = NewParticipant(me)
	b.state = StateNone
	b.validator = NewStateValidator()
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.logger = core.Logger().With(
		slog.String("component", "conference"),
		slog.String("conference_id", id.String()),
	)

	core.Registry().Insert(owner)
	core.Metrics().conferenceCreated()
}

// ID возвращает идентификатор конференции
func (b *conferenceBase) ID() ID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.id
}

// ConferenceAddress возвращает внешний SIP адрес конференции
func (b *conferenceBase) ConferenceAddress() (sip.Uri, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.confAddress, b.confAddressSet
}

// SetConferenceAddress назначает внешний адрес конференции.
//
// Адрес назначается один раз и далее неизменяем: попытка вне
// состояний Instantiated/CreationPending возвращает ErrAddressFrozen.
func (b *conferenceBase) SetConferenceAddress(uri sip.Uri) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateInstantiated && b.state != StateCreationPending {
		return newError("CONFERENCE_ADDRESS_FROZEN", ErrorCategoryState,
			ErrAddressFrozen, b.id.String(), b.state)
	}
	b.confAddress = uri
	b.confAddressSet = true
	b.logger.Info("назначен адрес конференции", slog.String("address", uri.String()))
	return nil
}

// State возвращает текущее состояние конференции
func (b *conferenceBase) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Params возвращает снимок параметров конференции
func (b *conferenceBase) Params() *Params {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.params.Clone()
}

// Me возвращает локального участника
func (b *conferenceBase) Me() *Participant {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.me
}

// Participants возвращает участников в порядке входа
func (b *conferenceBase) Participants() []*Participant {
	b.mu.RLock()
	defer b.mu.RUnlock()

	list := make([]*Participant, len(b.participants))
	copy(list, b.participants)
	return list
}

// ParticipantCount возвращает число участников
func (b *conferenceBase) ParticipantCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.participants)
}

// FindParticipant ищет участника по SIP адресу
func (b *conferenceBase) FindParticipant(addr sip.Uri) *Participant {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.findParticipantLocked(addr)
}

func (b *conferenceBase) findParticipantLocked(addr sip.Uri) *Participant {
	for _, p := range b.participants {
		if pa := p.Address(); sameURI(pa, addr) {
			return p
		}
	}
	return nil
}

// addParticipantRecord добавляет запись участника.
//
// Возвращает (участник, true) если запись создана, (существующий,
// false) если адрес уже известен: участник встречается в коллекции не
// более одного раза.
func (b *conferenceBase) addParticipantRecord(addr sip.Uri) (*Participant, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing := b.findParticipantLocked(addr); existing != nil {
		return existing, false
	}
	p := NewParticipant(addr)
	b.participants = append(b.participants, p)
	b.core.Metrics().participantAdded()
	return p, true
}

// removeParticipantRecord удаляет запись участника из коллекции
func (b *conferenceBase) removeParticipantRecord(p *Participant) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, cur := range b.participants {
		if cur == p {
			b.participants = append(b.participants[:i], b.participants[i+1:]...)
			b.core.Metrics().participantRemoved()
			return true
		}
	}
	return false
}

// AddListener регистрирует получателя уведомлений
func (b *conferenceBase) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// SetStateChangedHandler регистрирует колбэк смены состояния
func (b *conferenceBase) SetStateChangedHandler(fn func(State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stateChangedHandler = fn
}

// SetEventHandler привязывает обработчик event package (RFC 4575).
//
// nil допустим: все зависящие от обработчика пути деградируют до
// немедленных переходов.
func (b *conferenceBase) SetEventHandler(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eventHandler = h
}

// LastNotify возвращает текущий номер последовательности уведомлений
func (b *conferenceBase) LastNotify() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastNotify
}

// setState выполняет переход состояния конференции.
//
// Контракт:
//   - тот же state — no-op, но пользовательский колбэк все же вызывается;
//   - из Deleted принимается только возврат в Instantiated, остальные
//     запросы молча игнорируются (защита от поздних асинхронных переходов
//     после утилизации);
//   - вход в Terminated запускает хук завершения: дерегистрация и
//     финальный переход в Deleted (пропускается при глобальном завершении);
//   - пользовательский колбэк вызывается после фиксации перехода, но до
//     фан-аута слушателям.
func (b *conferenceBase) setState(newState State) {
	b.mu.Lock()
	current := b.state

	if current == StateDeleted && newState != StateInstantiated {
		b.mu.Unlock()
		b.logger.Debug("переход из Deleted игнорируется",
			slog.String("requested", newState.String()))
		return
	}

	changed := current != newState
	if changed {
		if err := b.validator.ValidateTransition(current, newState); err != nil {
			b.mu.Unlock()
			b.logger.Warn("недопустимый переход состояния конференции",
				slog.String("from", current.String()),
				slog.String("to", newState.String()))
			return
		}
		b.state = newState
		b.core.Metrics().stateTransition(current, newState)
	}

	handler := b.stateChangedHandler
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	if changed {
		b.logger.Info("смена состояния конференции",
			slog.String("from", current.String()),
			slog.String("to", newState.String()))
	}

	if handler != nil {
		handler(newState)
	}

	if !changed {
		return
	}

	for _, l := range listeners {
		l.OnStateChanged(newState)
	}

	if newState == StateTerminated {
		b.onTerminated()
	}
}

// onTerminated хук входа в Terminated: завершение подписок,
// дерегистрация и финальный переход в Deleted.
//
// При глобальном завершении ядра дерегистрация и Deleted пропускаются,
// чтобы не мутировать реестр посреди общего сноса.
func (b *conferenceBase) onTerminated() {
	b.mu.RLock()
	hook := b.terminatedHook
	b.mu.RUnlock()

	if hook != nil {
		hook()
	}

	if b.core.IsShuttingDown() {
		b.logger.Debug("глобальное завершение: конференция остается в Terminated")
		return
	}

	b.core.Registry().Remove(b.ID())
	b.core.Metrics().conferenceDeleted()
	b.setState(StateDeleted)
}

// nextNotify выделяет следующий номер последовательности уведомлений.
//
// Вызывается строго до построения и доставки уведомления.
func (b *conferenceBase) nextNotify() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastNotify++
	return b.lastNotify
}

// snapshotListeners возвращает копию списка слушателей
func (b *conferenceBase) snapshotListeners() []Listener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	return listeners
}

// eventBase строит общие поля уведомления с выделенным номером
func (b *conferenceBase) eventBase(full bool) EventBase {
	return EventBase{
		NotifyID:  b.nextNotify(),
		Time:      time.Now(),
		FullState: full,
	}
}

// notifyParticipantAdded эмитит уведомление о добавлении участника
func (b *conferenceBase) notifyParticipantAdded(p *Participant) {
	ev := &ParticipantEvent{
		EventBase: b.eventBase(false),
		Address:   p.Address(),
		Admin:     p.IsAdmin(),
	}
	b.core.Metrics().notification("participant_added")
	for _, l := range b.snapshotListeners() {
		l.OnParticipantAdded(ev)
	}
}

// notifyParticipantRemoved эмитит уведомление об удалении участника.
//
// Во время TerminationPending доставка подавляется, чтобы не эмитить
// шум во время уже идущего сноса; номер последовательности при этом
// выделяется безусловно, сохраняя непрерывность для последующей
// NOTIFY ресинхронизации.
func (b *conferenceBase) notifyParticipantRemoved(p *Participant) {
	ev := &ParticipantEvent{
		EventBase: b.eventBase(false),
		Address:   p.Address(),
		Admin:     p.IsAdmin(),
	}
	if b.State() == StateTerminationPending {
		return
	}
	b.core.Metrics().notification("participant_removed")
	for _, l := range b.snapshotListeners() {
		l.OnParticipantRemoved(ev)
	}
}

// notifyParticipantAdminStatusChanged эмитит уведомление о смене прав
func (b *conferenceBase) notifyParticipantAdminStatusChanged(p *Participant) {
	ev := &ParticipantEvent{
		EventBase: b.eventBase(false),
		Address:   p.Address(),
		Admin:     p.IsAdmin(),
	}
	b.core.Metrics().notification("participant_admin_status_changed")
	for _, l := range b.snapshotListeners() {
		l.OnParticipantAdminStatusChanged(ev)
	}
}

// notifyDeviceAdded эмитит уведомление о добавлении устройства
func (b *conferenceBase) notifyDeviceAdded(p *Participant, d *Device) {
	ev := &DeviceEvent{
		EventBase:   b.eventBase(false),
		Participant: p.Address(),
		Device:      d.Address(),
		State:       d.State(),
		Label:       d.Label(),
	}
	b.core.Metrics().notification("device_added")
	for _, l := range b.snapshotListeners() {
		l.OnParticipantDeviceAdded(ev)
	}
}

// notifyDeviceRemoved эмитит уведомление об удалении устройства.
//
// Контракт подавления тот же, что у notifyParticipantRemoved.
func (b *conferenceBase) notifyDeviceRemoved(p *Participant, d *Device) {
	ev := &DeviceEvent{
		EventBase:   b.eventBase(false),
		Participant: p.Address(),
		Device:      d.Address(),
		State:       d.State(),
		Label:       d.Label(),
	}
	if b.State() == StateTerminationPending {
		return
	}
	b.core.Metrics().notification("device_removed")
	for _, l := range b.snapshotListeners() {
		l.OnParticipantDeviceRemoved(ev)
	}
}

// notifyDeviceStateChanged эмитит уведомление о смене состояния устройства
func (b *conferenceBase) notifyDeviceStateChanged(p *Participant, d *Device) {
	ev := &DeviceEvent{
		EventBase:   b.eventBase(false),
		Participant: p.Address(),
		Device:      d.Address(),
		State:       d.State(),
		Label:       d.Label(),
	}
	b.core.Metrics().notification("device_state_changed")
	for _, l := range b.snapshotListeners() {
		l.OnParticipantDeviceStateChanged(ev)
	}
}

// notifyDeviceMediaCapabilityChanged эмитит уведомление о смене медиа
// возможностей устройства (ровно один раз на фактическое изменение)
func (b *conferenceBase) notifyDeviceMediaCapabilityChanged(p *Participant, d *Device) {
	ev := &DeviceEvent{
		EventBase:   b.eventBase(false),
		Participant: p.Address(),
		Device:      d.Address(),
		State:       d.State(),
		Label:       d.Label(),
	}
	b.core.Metrics().notification("device_media_capability_changed")
	for _, l := range b.snapshotListeners() {
		l.OnParticipantDeviceMediaCapabilityChanged(ev)
	}
}

// notifySubjectChanged эмитит уведомление о смене темы
func (b *conferenceBase) notifySubjectChanged(subject string) {
	ev := &SubjectEvent{
		EventBase: b.eventBase(false),
		Subject:   subject,
	}
	b.core.Metrics().notification("subject_changed")
	for _, l := range b.snapshotListeners() {
		l.OnSubjectChanged(ev)
	}
}

// notifyAvailableMediaChanged эмитит уведомление о смене доступных медиа
func (b *conferenceBase) notifyAvailableMediaChanged() {
	ev := &AvailableMediaEvent{
		EventBase: b.eventBase(false),
		Media:     b.mediaCapabilities(),
	}
	b.core.Metrics().notification("available_media_changed")
	for _, l := range b.snapshotListeners() {
		l.OnAvailableMediaChanged(ev)
	}
}

// mediaCapabilities возвращает доступные медиа конференции по параметрам
func (b *conferenceBase) mediaCapabilities() map[MediaType]sdp.Direction {
	b.mu.RLock()
	defer b.mu.RUnlock()

	caps := make(map[MediaType]sdp.Direction, 3)
	toDirection := func(enabled bool) sdp.Direction {
		if enabled {
			return sdp.DirectionSendRecv
		}
		return sdp.DirectionInactive
	}
	caps[MediaTypeAudio] = toDirection(b.params.AudioEnabled)
	caps[MediaTypeVideo] = toDirection(b.params.VideoEnabled)
	caps[MediaTypeText] = toDirection(b.params.ChatEnabled)
	return caps
}

// ReplayFullState проигрывает полное текущее состояние конференции
// одному слушателю (новому подписчику event package).
//
// Номер последовательности не выделяется: снимок несет текущее
// значение lastNotify, события помечены FullState = true.
func (b *conferenceBase) ReplayFullState(l Listener) {
	seq := b.LastNotify()
	now := time.Now()
	base := EventBase{NotifyID: seq, Time: now, FullState: true}

	for _, p := range b.Participants() {
		l.OnParticipantAdded(&ParticipantEvent{EventBase: base, Address: p.Address(), Admin: p.IsAdmin()})
		for _, d := range p.Devices() {
			l.OnParticipantDeviceAdded(&DeviceEvent{
				EventBase:   base,
				Participant: p.Address(),
				Device:      d.Address(),
				State:       d.State(),
				Label:       d.Label(),
			})
		}
	}
	l.OnSubjectChanged(&SubjectEvent{EventBase: base, Subject: b.Params().Subject})
	l.OnFullStateReceived()
}

// SetInputAudioDevice выбирает устройство захвата аудио.
//
// Запрос идентичного по отпечатку устройства — no-op с информационным
// логом; отсутствие аудио интерфейса (медиа не запущено) — no-op с
// ошибкой для отчета.
func (b *conferenceBase) SetInputAudioDevice(device AudioDevice) error {
	ac := b.audioControl()
	if ac == nil {
		b.logger.Warn("выбор устройства захвата: аудио интерфейс недоступен")
		return newError("NO_AUDIO_CONTROL", ErrorCategoryMedia,
			ErrNoAudioControl, b.ID().String(), b.State())
	}
	if ac.InputDevice().Equal(device) {
		b.logger.Info("устройство захвата уже активно",
			slog.String("device", device.ID))
		return nil
	}
	return ac.SetInputDevice(device)
}

// SetOutputAudioDevice выбирает устройство воспроизведения аудио.
//
// Контракт тот же, что у SetInputAudioDevice.
func (b *conferenceBase) SetOutputAudioDevice(device AudioDevice) error {
	ac := b.audioControl()
	if ac == nil {
		b.logger.Warn("выбор устройства воспроизведения: аудио интерфейс недоступен")
		return newError("NO_AUDIO_CONTROL", ErrorCategoryMedia,
			ErrNoAudioControl, b.ID().String(), b.State())
	}
	if ac.OutputDevice().Equal(device) {
		b.logger.Info("устройство воспроизведения уже активно",
			slog.String("device", device.ID))
		return nil
	}
	return ac.SetOutputDevice(device)
}

// audioControl возвращает активный аудио интерфейс (nil-safe)
func (b *conferenceBase) audioControl() AudioController {
	b.mu.RLock()
	provider := b.audioControlProvider
	b.mu.RUnlock()

	if provider == nil {
		return nil
	}
	return provider()
}
