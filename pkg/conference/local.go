package conference

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// confIDLength длина случайного conf-id токена в адресе конференции
const confIDLength = 12

// LocalConferenceConfig конфигурация локальной конференции
type LocalConferenceConfig struct {
	// Params параметры конференции; nil = DefaultParams()
	Params *Params
	// Mixer сессия медиа микшера; конференция становится ее
	// эксклюзивным владельцем
	Mixer MixerSession
	// EventHandler обработчик event package RFC 4575 (опционально)
	EventHandler EventHandler
	// Invited список приглашенных адресов (resource list); для
	// dial-out конференции — адреса, которые фокус обзвонит после
	// вызова организатора
	Invited []sip.Uri
	// Organizer адрес организатора; по умолчанию — локальный адрес
	Organizer *sip.Uri
}

// LocalConference конференция, в которой данный узел является SIP
// фокусом и микшером.
//
// Владеет сессией микшера: медиа каждого принятого вызова
// присоединяется к общему миксу при приеме и отсоединяется при
// удалении. Прием, удаление, dial-out и завершение управляются отсюда.
type LocalConference struct {
	conferenceBase

	localMu sync.RWMutex

	mixer MixerSession

	organizer sip.Uri
	invited   []sip.Uri

	// dialedOut fan-out обзвон приглашенных уже выполнен
	dialedOut bool
	// entered локальный участник присоединен к миксу
	entered bool
	// joined группы потоков, присоединенные к микшеру, по Call-ID
	joined map[string]bool
	// actions отложенные действия по Call-ID сессии
	actions map[string]*ActionQueue
}

// Проверка реализации интерфейса во время компиляции
var _ Conference = (*LocalConference)(nil)

// NewLocalConference создает локальную конференцию и регистрирует ее
// в реестре ядра.
//
// Адрес конференции формируется из локального адреса с добавлением
// случайного параметра conf-id и фиксируется немедленно. Конференция
// заканчивает конструктор в состоянии CreationPending: первый успешно
// принятый вызов переводит ее в Created.
func NewLocalConference(core *Core, me sip.Uri, cfg LocalConferenceConfig) (*LocalConference, error) {
	c := &LocalConference{
		mixer:   cfg.Mixer,
		invited: cfg.Invited,
		joined:  make(map[string]bool),
		actions: make(map[string]*ActionQueue),
	}

	confAddr := me
	confAddr.UriParams = sip.NewParams().Add("conf-id", newConfID())

	c.initBase(core, NewID(confAddr, confAddr), me, cfg.Params, c)
	c.terminatedHook = c.onConferenceTerminated
	c.audioControlProvider = func() AudioController {
		if c.mixer == nil {
			return nil
		}
		return c.mixer.AudioController()
	}

	c.organizer = me
	if cfg.Organizer != nil {
		c.organizer = *cfg.Organizer
	}

	c.setState(StateInstantiated)
	if err := c.SetConferenceAddress(confAddr); err != nil {
		return nil, fmt.Errorf("назначение адреса конференции: %w", err)
	}
	c.me.setAdmin(true)

	if cfg.EventHandler != nil {
		c.SetEventHandler(cfg.EventHandler)
		cfg.EventHandler.SetConference(c)
	} else {
		c.logger.Info("event package (RFC 4575) отключен, NOTIFY ресинхронизация недоступна")
	}

	// Видео в конференции поддерживается только в режиме сервера
	if !core.IsServerMode() && c.params.VideoEnabled {
		c.logger.Warn("видео в конференции не поддерживается вне режима сервера, выключено")
		c.params.VideoEnabled = false
	}

	if store := core.InfoStore(); store != nil {
		info := &Info{
			URI:          confAddr,
			Organizer:    c.organizer,
			Subject:      c.params.Subject,
			StartTime:    c.params.StartTime,
			EndTime:      c.params.EndTime,
			Participants: cfg.Invited,
		}
		if err := store.InsertConferenceInfo(info); err != nil {
			// Отсутствие персистентности — деградация, не ошибка конференции
			c.logger.Warn("не удалось сохранить метаданные конференции", slog.Any("error", err))
		}
	}

	c.setState(StateCreationPending)
	return c, nil
}

// newConfID генерирует случайный conf-id токен
func newConfID() string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return token[:confIDLength]
}

// Organizer возвращает адрес организатора конференции
func (c *LocalConference) Organizer() sip.Uri {
	c.localMu.RLock()
	defer c.localMu.RUnlock()
	return c.organizer
}

// InvitedAddresses возвращает список приглашенных адресов
func (c *LocalConference) InvitedAddresses() []sip.Uri {
	c.localMu.RLock()
	defer c.localMu.RUnlock()

	invited := make([]sip.Uri, len(c.invited))
	copy(invited, c.invited)
	return invited
}

// confID возвращает conf-id токен адреса конференции
func (c *LocalConference) confID() string {
	addr, ok := c.ConferenceAddress()
	if !ok {
		return ""
	}
	if addr.UriParams != nil {
		if id, has := addr.UriParams.Get("conf-id"); has {
			return id
		}
	}
	return ""
}

// isAllowedAddress проверяет адрес против закрытого списка:
// приглашенные ∪ организатор
func (c *LocalConference) isAllowedAddress(addr sip.Uri) bool {
	c.localMu.RLock()
	defer c.localMu.RUnlock()

	if sameURI(addr, c.organizer) {
		return true
	}
	for _, inv := range c.invited {
		if sameURI(addr, inv) {
			return true
		}
	}
	return false
}

// AddParticipant принимает вызов в конференцию.
//
// Самая сложная операция системы. Порядок шагов фиксирован: защитные
// проверки и политика, разрешение повторного появления устройства,
// фиксация аккаунта, присоединение медиа, штамп параметров сессии,
// создание записей участника/устройства, пост-прием по исходному
// состоянию вызова, продвижение конференции в Created и, при первом
// приеме dial-out конференции, обзвон приглашенных.
//
// Отказ на любом шаге не затрагивает уже принятых участников.
func (c *LocalConference) AddParticipant(call CallSession) error {
	logger := c.logger.With(slog.String("call_id", call.ID()))

	// Защита от двойного приема на уровне SIP параметров
	if call.Params().InConference {
		c.core.Metrics().admission("already_in_conference")
		return newError("ALREADY_IN_CONFERENCE", ErrorCategoryPrecondition,
			ErrAlreadyInConference, c.ID().String(), c.State()).WithCall(call.ID())
	}

	remote := call.RemoteAddress()

	// Политика закрытого списка: отклонение с SIP 403
	if c.Params().ParticipantListType == ParticipantListTypeClosed && !c.isAllowedAddress(remote) {
		logger.Info("адрес вне закрытого списка участников, вызов отклоняется",
			slog.String("remote", remote.String()))
		if err := call.Decline(sip.StatusForbidden, "Forbidden"); err != nil {
			logger.Warn("не удалось отклонить вызов", slog.Any("error", err))
		}
		c.core.Metrics().admission("closed_list")
		return newError("CLOSED_PARTICIPANT_LIST", ErrorCategoryPolicy,
			ErrClosedParticipantList, c.ID().String(), c.State()).WithCall(call.ID())
	}

	// Порядок dial-out: участники ждут обзвона фокусом, в конференцию
	// раньше организатора не входят
	if c.State() == StateCreationPending &&
		c.Params().JoiningMode == JoiningModeDialOut &&
		!sameURI(remote, c.Organizer()) {
		c.core.Metrics().admission("dial_out_ordering")
		return newError("DIAL_OUT_ORDERING", ErrorCategoryPolicy,
			ErrDialOutOrdering, c.ID().String(), c.State()).WithCall(call.ID())
	}

	// Повторное появление известного устройства (re-INVITE): при живой
	// чужой сессии на том же Contact адресе побеждает новая сессия
	contact := call.RemoteContactAddress()
	if p := c.FindParticipant(remote); p != nil {
		if d := p.FindDeviceByAddress(contact); d != nil {
			if old := d.Session(); old != nil && old != call && !isTerminalCallState(old.State()) {
				logger.Info("устройство появилось с новой сессией, старая завершается",
					slog.String("old_call_id", old.ID()))
				_ = old.Terminate(nil)
			}
			d.setSession(call)
		}
	}

	// Первый успешный прием фиксирует аккаунт конференции
	if acct := call.Account(); acct != "" {
		c.pinAccount(acct)
	}

	// Допустимость по состоянию сессии
	preState := call.State()
	if !isAdmissibleCallState(preState) {
		c.core.Metrics().admission("invalid_call_state")
		return newError("INVALID_CALL_STATE", ErrorCategoryPrecondition,
			ErrInvalidCallState, c.ID().String(), c.State()).
			WithCall(call.ID()).WithField("call_state", preState.String())
	}

	// Вызов покидает point-to-point парадигму
	if c.core.CurrentCall() == call {
		c.core.SetCurrentCall(nil)
	}

	// Медиа вызова присоединяется к общему миксу
	if err := c.joinMixer(call); err != nil {
		c.core.Metrics().admission("mixer_failure")
		return newError("MIXER_JOIN_FAILED", ErrorCategoryMedia, err,
			c.ID().String(), c.State()).WithCall(call.ID())
	}

	// Штамп параметров уже согласованной сессии — признанный обходной
	// путь вместо чистой ренегоциации
	c.stampCallParams(call)

	// Записи участника и устройства
	deviceState := DeviceStateJoining
	if preState == CallStateOutgoingRinging {
		deviceState = DeviceStateAlerting
	}
	p, created := c.addParticipantRecord(remote)
	known := p.FindDeviceBySession(call) != nil || p.FindDeviceByAddress(contact) != nil
	d := p.AddDevice(contact, call, deviceState)
	d.setSession(call)
	if call.Direction() == CallDirectionOutgoing {
		d.setJoiningMethod(JoiningMethodDialedOut)
	} else {
		d.setJoiningMethod(JoiningMethodDialedIn)
	}
	call.SetConference(c)

	if created {
		c.notifyParticipantAdded(p)
	}
	if !known {
		c.notifyDeviceAdded(p, d)
	}

	// Пост-прием по исходному состоянию сессии
	switch preState {
	case CallStatePaused:
		if err := call.Resume(); err != nil {
			logger.Warn("не удалось возобновить вызов после приема", slog.Any("error", err))
		}
	case CallStatePausing:
		// Возобновление посреди перехода невозможно — откладывается
		// до завершения паузы
		c.queueAction(call, "resume после завершения паузы",
			func(s CallState) bool { return s == CallStatePaused },
			func() { _ = call.Resume() })
	case CallStateConnected, CallStateStreamsRunning:
		if err := c.Enter(); err != nil {
			logger.Warn("не удалось присоединить локального участника", slog.Any("error", err))
		}
		if _, has := call.LocalContactParam("isfocus"); !has {
			// Удаленная сторона еще не знает, что вызов конференцирован
			inConf := true
			if err := call.Update(UpdateOptions{InConference: &inConf}); err != nil {
				logger.Warn("не удалось отправить UPDATE о конференцировании", slog.Any("error", err))
			}
		}
	}

	// Первый успешный прием продвигает конференцию в Created
	c.setState(StateCreated)

	// Триггер fan-out обзвона dial-out конференции
	c.maybeDialOut(remote)

	c.core.Metrics().admission("accepted")
	logger.Info("вызов принят в конференцию",
		slog.String("participant", remote.String()),
		slog.String("device", contact.String()))
	return nil
}

// pinAccount фиксирует аккаунт конференции при первом приеме
func (c *LocalConference) pinAccount(account string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.params.Account == "" {
		c.params.Account = account
	}
}

// stampCallParams проставляет сессии признак конференции, conf-id,
// времена и медиа политику конференции
func (c *LocalConference) stampCallParams(call CallSession) {
	params := c.Params()
	cp := call.Params()
	cp.InConference = true
	cp.ConferenceID = c.confID()
	cp.StartTime = params.StartTime
	cp.EndTime = params.EndTime
	cp.AudioEnabled = params.AudioEnabled

	// Сверка видео с политикой конференции: включено если конференция
	// разрешает видео и локальный участник активен; зеркалирует
	// предложение удаленной стороны при выключенном локальном
	// участнике; принудительно выключено если конференция запрещает
	switch {
	case !params.VideoEnabled:
		cp.VideoEnabled = false
	case params.LocalParticipantEnabled:
		cp.VideoEnabled = true
	default:
		cp.VideoEnabled = call.RemoteVideoEnabled()
	}
}

// joinMixer присоединяет группу потоков вызова к микшеру (идемпотентно)
func (c *LocalConference) joinMixer(call CallSession) error {
	if c.mixer == nil {
		return nil
	}
	g := call.StreamsGroup()
	if g == nil {
		return nil
	}

	c.localMu.Lock()
	already := c.joined[call.ID()]
	if !already {
		c.joined[call.ID()] = true
	}
	c.localMu.Unlock()

	if already {
		return nil
	}
	return c.mixer.JoinStreamsGroup(g)
}

// unjoinMixer отсоединяет группу потоков вызова от микшера (идемпотентно)
func (c *LocalConference) unjoinMixer(call CallSession) {
	if c.mixer == nil {
		return
	}

	c.localMu.Lock()
	joined := c.joined[call.ID()]
	delete(c.joined, call.ID())
	c.localMu.Unlock()

	if !joined {
		return
	}
	if g := call.StreamsGroup(); g != nil {
		if err := c.mixer.UnjoinStreamsGroup(g); err != nil {
			c.logger.Warn("не удалось отсоединить потоки от микшера",
				slog.String("call_id", call.ID()), slog.Any("error", err))
		}
	}
}

// queueAction откладывает действие над сессией до совместимого состояния
func (c *LocalConference) queueAction(call CallSession, desc string, ready func(CallState) bool, run func()) {
	c.localMu.Lock()
	q, ok := c.actions[call.ID()]
	if !ok {
		q = NewActionQueue()
		c.actions[call.ID()] = q
	}
	c.localMu.Unlock()

	q.Push(desc, ready, run)
}

// PendingActions возвращает описания отложенных действий сессии
func (c *LocalConference) PendingActions(call CallSession) []string {
	c.localMu.RLock()
	q := c.actions[call.ID()]
	c.localMu.RUnlock()

	if q == nil {
		return nil
	}
	return q.Pending()
}

// maybeDialOut запускает однократный fan-out обзвон приглашенных
// после первого приема dial-out конференции
func (c *LocalConference) maybeDialOut(triggeredBy sip.Uri) {
	if c.Params().JoiningMode != JoiningModeDialOut {
		return
	}

	c.localMu.Lock()
	if c.dialedOut || len(c.invited) == 0 {
		c.localMu.Unlock()
		return
	}
	c.dialedOut = true
	organizer := c.organizer
	targets := make([]sip.Uri, 0, len(c.invited))
	for _, addr := range c.invited {
		// Организатор уже в конференции — он и вызвал fan-out
		if sameURI(addr, organizer) || sameURI(addr, triggeredBy) {
			continue
		}
		targets = append(targets, addr)
	}
	c.localMu.Unlock()

	for _, addr := range targets {
		if err := c.dialOutAddress(addr); err != nil {
			// Отказ одного приглашения не влияет на остальных
			c.logger.Warn("не удалось дозвониться приглашенному",
				slog.String("address", addr.String()), slog.Any("error", err))
		}
	}
}

// AddParticipantAddress приглашает адрес в конференцию.
//
// Сначала ищется существующий вызов на адрес (присоединение уже
// установленного point-to-point вызова без повторного набора); при
// отсутствии — инициируется новый исходящий вызов с заранее
// проставленными конференц-параметрами.
func (c *LocalConference) AddParticipantAddress(addr sip.Uri) error {
	if existing := c.findExistingCall(addr); existing != nil {
		return c.AddParticipant(existing)
	}
	return c.dialOutAddress(addr)
}

// findExistingCall ищет существующий вызов на адрес.
//
// В режиме конференц-сервера поиск идет через устройства участников
// (по сессиям устройств); иначе — напрямую по реестру вызовов ядра.
func (c *LocalConference) findExistingCall(addr sip.Uri) CallSession {
	if c.core.IsServerMode() {
		if p := c.FindParticipant(addr); p != nil {
			for _, d := range p.Devices() {
				if s := d.Session(); s != nil && !isTerminalCallState(s.State()) {
					return s
				}
			}
		}
		return nil
	}
	return c.core.FindCallByRemoteAddress(addr)
}

// dialOutAddress инициирует исходящий конференц-вызов на адрес.
//
// Вызов рождается уже проштампованным признаком конференции; запись
// участника и устройства создается немедленно в состоянии
// ScheduledForJoining, дальнейшие переходы ведет OnCallStateChanged.
func (c *LocalConference) dialOutAddress(addr sip.Uri) error {
	dialer := c.core.Dialer()
	if dialer == nil {
		return newError("NO_DIALER", ErrorCategoryConfig, nil, c.ID().String(), c.State())
	}

	params := c.Params()
	callParams := &CallParams{
		InConference: true,
		ConferenceID: c.confID(),
		StartTime:    params.StartTime,
		EndTime:      params.EndTime,
		AudioEnabled: params.AudioEnabled,
		VideoEnabled: params.VideoEnabled && params.LocalParticipantEnabled,
	}

	call, err := dialer.Dial(c.ctx, addr, callParams)
	if err != nil {
		return fmt.Errorf("исходящий конференц-вызов на %s: %w", addr.String(), err)
	}
	c.core.Metrics().dialOut()
	c.core.AddCall(call)

	p, created := c.addParticipantRecord(addr)
	d := p.AddDevice(call.RemoteContactAddress(), call, DeviceStateScheduledForJoining)
	d.setJoiningMethod(JoiningMethodDialedOut)
	call.SetConference(c)

	if created {
		c.notifyParticipantAdded(p)
	}
	c.notifyDeviceAdded(p, d)

	c.logger.Info("инициирован dial-out вызов",
		slog.String("address", addr.String()),
		slog.String("call_id", call.ID()))
	return nil
}

// OnCallStateChanged обрабатывает переход состояния сессии,
// привязанной к конференции.
//
// Поздние уведомления по уже отсутствующим устройствам безвредны:
// каждая ветка проверяет текущее состояние и является no-op при
// отсутствии цели.
func (c *LocalConference) OnCallStateChanged(call CallSession, state CallState) {
	// Отложенные действия сессии опрашиваются на каждом переходе
	c.localMu.RLock()
	q := c.actions[call.ID()]
	c.localMu.RUnlock()
	if q != nil {
		if n := q.RunReady(state); n > 0 {
			c.core.Metrics().pendingActionRun(n)
		}
	}

	p := c.FindParticipant(call.RemoteAddress())
	if p == nil {
		return
	}
	d := p.FindDeviceBySession(call)
	if d == nil {
		return
	}

	switch state {
	case CallStateOutgoingRinging:
		if d.SetState(DeviceStateAlerting) {
			c.notifyDeviceStateChanged(p, d)
		}

	case CallStateStreamsRunning:
		// Медиа согласовано: присоединение к миксу (dial-out путь) и
		// переход устройства в Present. Повторные идентичные re-INVITE
		// не порождают шторма уведомлений: без фактического изменения
		// медиа уведомление не эмитится.
		if err := c.joinMixer(call); err != nil {
			c.logger.Warn("не удалось присоединить потоки к микшеру",
				slog.String("call_id", call.ID()), slog.Any("error", err))
		}
		changed := c.updateDeviceMediaCapabilities(d, call)
		if c.State() == StateCreated || c.State() == StateCreationPending {
			if d.SetState(DeviceStatePresent) {
				c.notifyDeviceStateChanged(p, d)
			} else if changed {
				c.notifyDeviceMediaCapabilityChanged(p, d)
			}
		} else if changed {
			c.notifyDeviceMediaCapabilityChanged(p, d)
		}

	case CallStatePausedByRemote:
		if d.SetState(DeviceStateOnHold) {
			c.notifyDeviceStateChanged(p, d)
		}

	case CallStateEnd, CallStateError:
		remoteInitiated := state == CallStateEnd
		d.SetDisconnection(&DisconnectionInfo{
			Method:          "BYE",
			Code:            sip.StatusOK,
			Reason:          "call ended",
			RemoteInitiated: remoteInitiated,
		})
		c.detachDevice(p, d, call, true)
	}
}

// updateDeviceMediaCapabilities сверяет SSRC и направления потоков
// устройства с согласованными в сессии; возвращает признак изменения
func (c *LocalConference) updateDeviceMediaCapabilities(d *Device, call CallSession) bool {
	changed := false
	for _, mt := range []MediaType{MediaTypeAudio, MediaTypeVideo, MediaTypeText} {
		if d.SetStreamCapability(call.MediaDirection(mt), mt) {
			changed = true
		}
		if ssrc := call.SSRC(mt); ssrc != 0 {
			if d.SetSSRC(mt, ssrc) {
				changed = true
			}
		}
	}
	return changed
}

// RemoveParticipant удаляет участника со всеми его устройствами
func (c *LocalConference) RemoveParticipant(p *Participant) error {
	if c.FindParticipant(p.Address()) != p {
		return newError("PARTICIPANT_NOT_FOUND", ErrorCategoryPrecondition,
			ErrParticipantNotFound, c.ID().String(), c.State())
	}

	devices := p.Devices()
	if len(devices) == 0 {
		if c.removeParticipantRecord(p) {
			c.notifyParticipantRemoved(p)
		}
		return nil
	}

	preserve := p.PreserveSession()
	for _, d := range devices {
		if s := d.Session(); s != nil {
			if err := c.RemoveParticipantSession(s, preserve); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveParticipantAddress удаляет участника по SIP адресу
func (c *LocalConference) RemoveParticipantAddress(addr sip.Uri) error {
	p := c.FindParticipant(addr)
	if p == nil {
		return newError("PARTICIPANT_NOT_FOUND", ErrorCategoryPrecondition,
			ErrParticipantNotFound, c.ID().String(), c.State())
	}
	return c.RemoveParticipant(p)
}

// RemoveParticipantSession удаляет устройство по его сессии.
//
// Симметричный прием: отсоединение медиа от микшера, отвязка или
// завершение SIP сессии, удаление записей и проверка условий
// завершения конференции, включая схлопывание "двое в одного".
func (c *LocalConference) RemoveParticipantSession(session CallSession, preserve bool) error {
	if session.Conference() != Conference(c) {
		return newError("CALL_NOT_IN_CONFERENCE", ErrorCategoryPrecondition,
			ErrCallNotInConference, c.ID().String(), c.State()).WithCall(session.ID())
	}

	p := c.FindParticipant(session.RemoteAddress())
	if p == nil {
		return newError("PARTICIPANT_NOT_FOUND", ErrorCategoryPrecondition,
			ErrParticipantNotFound, c.ID().String(), c.State()).WithCall(session.ID())
	}
	d := p.FindDeviceBySession(session)
	if d == nil {
		return newError("DEVICE_NOT_FOUND", ErrorCategoryPrecondition,
			ErrDeviceNotFound, c.ID().String(), c.State()).WithCall(session.ID())
	}

	sessionState := session.State()
	c.unjoinMixer(session)

	if c.State() != StateTerminationPending {
		// Вызов покидает конференцию ровно один раз
		session.SetConference(nil)
		cp := session.Params()
		cp.InConference = false
		cp.ConferenceID = ""

		if preserve {
			// Деградация сессии до обычного point-to-point вызова
			if sessionState == CallStatePaused {
				inConf := false
				if err := session.Update(UpdateOptions{InConference: &inConf}); err != nil {
					c.logger.Warn("не удалось деградировать сессию через UPDATE",
						slog.String("call_id", session.ID()), slog.Any("error", err))
				}
			} else if !isTerminalCallState(sessionState) {
				if err := session.Pause(); err != nil {
					c.logger.Warn("не удалось поставить сессию на паузу",
						slog.String("call_id", session.ID()), slog.Any("error", err))
				}
			}
		} else if !isTerminalCallState(sessionState) {
			if err := session.Terminate(nil); err != nil {
				c.logger.Warn("не удалось завершить сессию",
					slog.String("call_id", session.ID()), slog.Any("error", err))
			}
		}
	}

	c.detachDevice(p, d, session, sessionState != CallStatePausedByRemote)

	// Схлопывание "двое в одного": конференция из двух участников при
	// удалении одного избегает накладных расходов микширования и
	// продолжает как прямой вызов фокус — последний участник
	if !preserve {
		c.maybeCollapseToOneToOne()
	}
	return nil
}

// detachDevice переводит устройство в Left, удаляет его и, при нуле
// оставшихся устройств, запись участника; затем проверяет условия
// завершения конференции.
//
// checkTermination false соответствует временному уходу
// (PausedByRemote), после которого конференция не завершается.
func (c *LocalConference) detachDevice(p *Participant, d *Device, session CallSession, checkTermination bool) {
	if d.State() == DeviceStateLeft {
		// Гонка BYE и локального hang-up: устройство уже снято
		return
	}

	if d.SetState(DeviceStateScheduledForLeaving) {
		c.notifyDeviceStateChanged(p, d)
	}
	if d.SetState(DeviceStateLeft) {
		c.notifyDeviceStateChanged(p, d)
	}
	p.RemoveDevice(d)
	c.notifyDeviceRemoved(p, d)

	c.localMu.Lock()
	delete(c.actions, session.ID())
	c.localMu.Unlock()

	if p.DeviceCount() == 0 {
		// Событие удаления участника эмитится только при потере
		// последнего устройства
		if c.removeParticipantRecord(p) {
			c.notifyParticipantRemoved(p)
		}
	}

	if checkTermination {
		c.checkForTermination()
	}
}

// maybeCollapseToOneToOne выполняет схлопывание конференции из двух
// участников в прямой вызов.
//
// Жесткое предусловие: у оставшегося участника ровно одно устройство;
// при нескольких устройствах оптимизация молча не срабатывает.
func (c *LocalConference) maybeCollapseToOneToOne() {
	if c.Params().OneParticipantAllowed {
		return
	}
	if c.State() == StateTerminationPending || c.ParticipantCount() != 1 {
		return
	}

	last := c.Participants()[0]
	if last.DeviceCount() != 1 {
		return
	}
	d := last.Devices()[0]
	session := d.Session()
	if session == nil {
		return
	}

	lastAddr := last.Address()
	c.logger.Info("конференция схлопывается в прямой вызов",
		slog.String("participant", lastAddr.String()))

	// Снятие конференц-ассоциации с последней сессии — ровно один раз
	session.SetConference(nil)
	cp := session.Params()
	cp.InConference = false
	cp.ConferenceID = ""

	if session.State() == CallStatePaused {
		inConf := false
		_ = session.Update(UpdateOptions{InConference: &inConf})
	} else if !isTerminalCallState(session.State()) {
		_ = session.Pause()
	}

	c.unjoinMixer(session)
	c.setState(StateTerminationPending)

	// Рекурсивное удаление последнего участника: сессия уже отвязана,
	// ветка TerminationPending ее не тронет
	c.detachDevice(last, d, session, true)
}

// checkForTermination завершает нестатическую конференцию при нуле
// участников.
//
// Без event package конференции не из чего ждать подтверждения:
// переход TerminationPending → Terminated выполняется немедленно.
func (c *LocalConference) checkForTermination() {
	if c.Params().Static {
		return
	}
	if c.ParticipantCount() != 0 {
		return
	}

	c.Leave()

	state := c.State()
	switch {
	case state == StateTerminationPending:
		c.setState(StateTerminated)
	case c.eventHandlerRef() == nil:
		c.setState(StateTerminationPending)
		c.setState(StateTerminated)
	default:
		c.setState(StateTerminationPending)
		// Terminated — после подтверждения отписки (NotifyUnsubscribed)
	}
}

// eventHandlerRef возвращает привязанный обработчик event package
func (c *LocalConference) eventHandlerRef() EventHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eventHandler
}

// NotifyUnsubscribed подтверждение завершения подписок event package;
// завершает конференцию, ожидавшую отписки
func (c *LocalConference) NotifyUnsubscribed() {
	if c.State() == StateTerminationPending {
		c.setState(StateTerminated)
	}
}

// Terminate завершает конференцию и сессии всех устройств.
//
// При нуле устройств завершение немедленно: ждать нечего.
func (c *LocalConference) Terminate() error {
	c.setState(StateTerminationPending)

	var sessions []CallSession
	for _, p := range c.Participants() {
		for _, d := range p.Devices() {
			if s := d.Session(); s != nil && !isTerminalCallState(s.State()) {
				sessions = append(sessions, s)
			}
		}
	}

	if len(sessions) == 0 {
		c.setState(StateTerminated)
		return nil
	}

	for _, s := range sessions {
		if err := s.Terminate(nil); err != nil {
			c.logger.Warn("не удалось завершить сессию устройства",
				slog.String("call_id", s.ID()), slog.Any("error", err))
		}
	}
	return nil
}

// onConferenceTerminated хук завершения: отписка event package и
// освобождение микшера
func (c *LocalConference) onConferenceTerminated() {
	if h := c.eventHandlerRef(); h != nil {
		if err := h.Unsubscribe(); err != nil {
			c.logger.Warn("не удалось завершить подписки event package", slog.Any("error", err))
		}
		h.SetConference(nil)
	}
	if c.mixer != nil {
		if err := c.mixer.Close(); err != nil {
			c.logger.Warn("не удалось освободить микшер", slog.Any("error", err))
		}
	}
}

// Enter присоединяет локального участника к миксу конференции
func (c *LocalConference) Enter() error {
	if !c.Params().LocalParticipantEnabled {
		return nil
	}

	c.localMu.Lock()
	already := c.entered
	c.entered = true
	c.localMu.Unlock()

	if already {
		return nil
	}
	if c.mixer != nil {
		c.mixer.EnableLocalParticipant(true)
	}
	c.logger.Info("локальный участник вошел в конференцию")
	return nil
}

// Leave отсоединяет локального участника от микса
func (c *LocalConference) Leave() {
	c.localMu.Lock()
	entered := c.entered
	c.entered = false
	c.localMu.Unlock()

	if !entered {
		return
	}
	if c.mixer != nil {
		c.mixer.EnableLocalParticipant(false)
	}
	c.logger.Info("локальный участник покинул конференцию")
}

// IsIn сообщает, присоединен ли локальный участник к миксу
func (c *LocalConference) IsIn() bool {
	c.localMu.RLock()
	defer c.localMu.RUnlock()
	return c.entered
}

// MuteMicrophone выключает или включает локального участника в миксе
func (c *LocalConference) MuteMicrophone(muted bool) {
	if c.mixer != nil {
		c.mixer.EnableLocalParticipant(!muted)
	}
	c.notifyAvailableMediaChanged()
}

// StartRecording начинает запись микса конференции в файл
func (c *LocalConference) StartRecording(path string) error {
	ac := c.audioControl()
	if ac == nil {
		return newError("NO_AUDIO_CONTROL", ErrorCategoryMedia,
			ErrNoAudioControl, c.ID().String(), c.State())
	}
	return ac.StartRecording(path)
}

// StopRecording останавливает запись микса
func (c *LocalConference) StopRecording() error {
	ac := c.audioControl()
	if ac == nil {
		return newError("NO_AUDIO_CONTROL", ErrorCategoryMedia,
			ErrNoAudioControl, c.ID().String(), c.State())
	}
	return ac.StopRecording()
}

// IsRecording сообщает, идет ли запись микса
func (c *LocalConference) IsRecording() bool {
	ac := c.audioControl()
	return ac != nil && ac.IsRecording()
}

// SetSubject меняет тему конференции
func (c *LocalConference) SetSubject(subject string) error {
	c.mu.Lock()
	if c.params.Subject == subject {
		c.mu.Unlock()
		return nil
	}
	c.params.Subject = subject
	c.mu.Unlock()

	c.notifySubjectChanged(subject)
	return nil
}

// SetParticipantAdminStatus меняет права администратора участника
func (c *LocalConference) SetParticipantAdminStatus(p *Participant, admin bool) error {
	if c.FindParticipant(p.Address()) != p {
		return newError("PARTICIPANT_NOT_FOUND", ErrorCategoryPrecondition,
			ErrParticipantNotFound, c.ID().String(), c.State())
	}
	if p.IsAdmin() == admin {
		return nil
	}
	p.setAdmin(admin)
	c.notifyParticipantAdminStatusChanged(p)
	return nil
}

// Update применяет узкое пост-создание изменение параметров:
// после создания могут меняться только audio/video/chat
func (c *LocalConference) Update(params Params) error {
	c.mu.Lock()
	current := c.params
	frozen := c.state != StateInstantiated && c.state != StateCreationPending

	if frozen && !sameFrozenParams(current, &params) {
		c.mu.Unlock()
		return newError("PARAMS_FROZEN", ErrorCategoryState,
			ErrParamsFrozen, c.id.String(), c.state)
	}

	mediaChanged := current.AudioEnabled != params.AudioEnabled ||
		current.VideoEnabled != params.VideoEnabled ||
		current.ChatEnabled != params.ChatEnabled

	current.AudioEnabled = params.AudioEnabled
	current.VideoEnabled = params.VideoEnabled
	current.ChatEnabled = params.ChatEnabled
	if !frozen {
		cp := params
		cp.Account = current.Account
		*current = cp
	}
	c.mu.Unlock()

	if mediaChanged {
		c.notifyAvailableMediaChanged()
	}
	return nil
}

// sameFrozenParams проверяет, что замороженные поля параметров не меняются
func sameFrozenParams(a, b *Params) bool {
	return a.LocalParticipantEnabled == b.LocalParticipantEnabled &&
		a.StartTime == b.StartTime &&
		a.EndTime == b.EndTime &&
		a.Subject == b.Subject &&
		a.ParticipantListType == b.ParticipantListType &&
		a.JoiningMode == b.JoiningMode &&
		a.OneParticipantAllowed == b.OneParticipantAllowed &&
		a.Static == b.Static
}

// isAdmissibleCallState сообщает, допускает ли состояние вызова прием
// в конференцию
func isAdmissibleCallState(s CallState) bool {
	switch s {
	case CallStateOutgoingInit, CallStateOutgoingProgress, CallStateOutgoingRinging,
		CallStateIncomingReceived, CallStateConnected, CallStateStreamsRunning,
		CallStatePausing, CallStatePaused, CallStateResuming:
		return true
	}
	return false
}

// isTerminalCallState сообщает, является ли состояние вызова терминальным
func isTerminalCallState(s CallState) bool {
	switch s {
	case CallStateError, CallStateEnd, CallStateReleased:
		return true
	}
	return false
}
