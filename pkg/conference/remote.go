package conference

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// RemoteConferenceConfig конфигурация удаленной конференции
type RemoteConferenceConfig struct {
	// Params параметры конференции; nil = DefaultParams()
	Params *Params
	// EventHandler обработчик event package RFC 4575 (опционально)
	EventHandler EventHandler
}

// RemoteConference конференция, размещенная на удаленном фокусе
// (конференц-сервере); данный узел — рядовой участник или администратор.
//
// Авторитетное состояние конференции принадлежит серверу: почти каждая
// административная операция реализована как SIP REFER в сторону фокуса,
// а не как локальная мутация. Локальная коллекция участников — зеркало,
// наполняемое из NOTIFY event package.
type RemoteConference struct {
	conferenceBase

	localMu sync.RWMutex

	// focusAddress адрес фокуса (фабрики конференций)
	focusAddress sip.Uri
	// focusCall сессия в сторону фокуса; единственный носитель медиа
	// данного узла в конференции
	focusCall CallSession
	// focusContact Contact фокуса, зафиксированный при соединении
	focusContact    sip.Uri
	focusContactSet bool

	// pendingCalls вызовы, ожидающие готовности фокусной сессии
	pendingCalls []CallSession
	// transferring вызовы в процессе REFER переноса, по Call-ID;
	// отдельная очередь: у переноса своя машина состояний, независимая
	// от машины фокусного вызова
	transferring map[string]*transferProgress

	// deferredSubject тема, заявленная до существования фокусного
	// диалога; применяется при достижении Created
	deferredSubject string
	deferredSet     bool

	// prevFocusState предыдущее состояние фокусного вызова
	prevFocusState CallState

	// focusActions отложенные действия над фокусной сессией
	focusActions *ActionQueue
}

var _ Conference = (*RemoteConference)(nil)

// NewRemoteConference создает удаленную конференцию, которую данный
// узел организует на конференц-сервере.
//
// Фокусный вызов еще не существует: он будет инициирован первым
// AddParticipant. Организатор — администратор по определению.
func NewRemoteConference(core *Core, me sip.Uri, focusAddress sip.Uri, cfg RemoteConferenceConfig) (*RemoteConference, error) {
	c := &RemoteConference{
		focusAddress: focusAddress,
		transferring: make(map[string]*transferProgress),
		focusActions: NewActionQueue(),
	}
	c.initBase(core, NewID(focusAddress, me), me, cfg.Params, c)
	c.terminatedHook = c.onConferenceTerminated
	c.me.setAdmin(true)

	if cfg.EventHandler != nil {
		c.SetEventHandler(cfg.EventHandler)
		cfg.EventHandler.SetConference(c)
	} else {
		c.logger.Info("event package (RFC 4575) отключен, зеркало участников не обновляется")
	}

	c.setState(StateInstantiated)
	return c, nil
}

// NewRemoteConferenceFromCall создает удаленную конференцию вокруг уже
// существующего вызова, чей удаленный Contact несет параметр isfocus
// (вызов поглощен конференцией).
func NewRemoteConferenceFromCall(core *Core, me sip.Uri, focusCall CallSession, cfg RemoteConferenceConfig) (*RemoteConference, error) {
	if _, has := focusCall.RemoteContactParam("isfocus"); !has {
		return nil, newError("NOT_A_FOCUS", ErrorCategoryPrecondition, nil, "", StateNone).
			WithCall(focusCall.ID())
	}

	focusAddress := focusCall.RemoteAddress()
	c := &RemoteConference{
		focusAddress: focusAddress,
		focusCall:    focusCall,
		transferring: make(map[string]*transferProgress),
		focusActions: NewActionQueue(),
	}
	c.initBase(core, NewID(focusAddress, me), me, cfg.Params, c)
	c.terminatedHook = c.onConferenceTerminated
	c.prevFocusState = focusCall.State()

	if cfg.EventHandler != nil {
		c.SetEventHandler(cfg.EventHandler)
		cfg.EventHandler.SetConference(c)
	}

	c.setState(StateInstantiated)

	contact := focusCall.RemoteContactAddress()
	c.localMu.Lock()
	c.focusContact = contact
	c.focusContactSet = true
	c.localMu.Unlock()

	if err := c.SetConferenceAddress(contact); err != nil {
		return nil, err
	}
	focusCall.SetConference(c)
	c.setState(StateCreationPending)
	return c, nil
}

// FocusCall возвращает сессию в сторону фокуса (nil пока не инициирована)
func (c *RemoteConference) FocusCall() CallSession {
	c.localMu.RLock()
	defer c.localMu.RUnlock()
	return c.focusCall
}

// requireAdmin проверяет права администратора локального участника.
//
// Неадминистратор получает отказ до какого-либо сетевого ввода-вывода.
func (c *RemoteConference) requireAdmin(op string) error {
	if c.Me().IsAdmin() {
		return nil
	}
	c.logger.Info("операция отклонена: локальный участник не администратор",
		slog.String("operation", op))
	c.core.Metrics().admission("not_admin")
	return newError("NOT_ADMIN", ErrorCategoryPolicy, ErrNotAdmin,
		c.ID().String(), c.State())
}

// requireFocusSession возвращает фокусную сессию или ошибку ее отсутствия
func (c *RemoteConference) requireFocusSession() (CallSession, error) {
	if fc := c.FocusCall(); fc != nil {
		return fc, nil
	}
	return nil, newError("NO_FOCUS_SESSION", ErrorCategoryPrecondition,
		ErrNoFocusSession, c.ID().String(), c.State())
}

// focusIsReady сообщает, готова ли фокусная сессия к переносам
func (c *RemoteConference) focusIsReady() bool {
	fc := c.FocusCall()
	if fc == nil {
		return false
	}
	s := fc.State()
	return s == CallStateStreamsRunning || s == CallStatePaused
}

// AddParticipant переносит существующий вызов в серверную конференцию.
//
// Если фокусной сессии еще нет, она инициируется, а вызов встает в
// очередь ожидания; если сессия есть, но не готова, вызов также ждет.
// Готовая сессия позволяет немедленный REFER-with-Replaces перенос.
func (c *RemoteConference) AddParticipant(call CallSession) error {
	if err := c.requireAdmin("add participant"); err != nil {
		return err
	}

	state := c.State()
	if c.FocusCall() == nil || state == StateNone || state == StateInstantiated || state == StateCreationFailed {
		if err := c.ensureFocusCall(); err != nil {
			return err
		}
		c.queuePendingCall(call)
		return nil
	}

	if !c.focusIsReady() {
		c.queuePendingCall(call)
		return nil
	}
	return c.transferToFocus(call)
}

// ensureFocusCall инициирует фокусный вызов, если его еще нет
func (c *RemoteConference) ensureFocusCall() error {
	c.localMu.RLock()
	existing := c.focusCall
	c.localMu.RUnlock()
	if existing != nil && !isTerminalCallState(existing.State()) {
		return nil
	}

	dialer := c.core.Dialer()
	if dialer == nil {
		return newError("NO_DIALER", ErrorCategoryConfig, nil, c.ID().String(), c.State())
	}

	params := c.Params()
	callParams := &CallParams{
		InConference: true,
		StartTime:    params.StartTime,
		EndTime:      params.EndTime,
		AudioEnabled: params.AudioEnabled,
		VideoEnabled: params.VideoEnabled,
	}
	call, err := dialer.Dial(c.ctx, c.focusAddress, callParams)
	if err != nil {
		c.setState(StateCreationFailed)
		return fmt.Errorf("инициирование фокусного вызова: %w", err)
	}
	c.core.Metrics().dialOut()
	c.core.AddCall(call)
	call.SetConference(c)

	c.localMu.Lock()
	c.focusCall = call
	c.prevFocusState = call.State()
	c.localMu.Unlock()

	c.setState(StateCreationPending)
	c.logger.Info("инициирован фокусный вызов",
		slog.String("focus", c.focusAddress.String()),
		slog.String("call_id", call.ID()))
	return nil
}

// queuePendingCall ставит вызов в очередь ожидания переноса
func (c *RemoteConference) queuePendingCall(call CallSession) {
	c.localMu.Lock()
	defer c.localMu.Unlock()

	for _, p := range c.pendingCalls {
		if p == call {
			return
		}
	}
	c.pendingCalls = append(c.pendingCalls, call)
	call.SetConference(c)
	c.logger.Debug("вызов поставлен в очередь переноса",
		slog.String("call_id", call.ID()))
}

// transferToFocus выполняет REFER-with-Replaces перенос вызова в
// серверную конференцию (RFC 3515 + RFC 3891).
//
// Refer-To — Contact фокуса с встроенным заголовком Replaces,
// ссылающимся на фокусный диалог: удаленная сторона вызова сама
// устанавливает сессию к фокусу, не роняя медиа.
func (c *RemoteConference) transferToFocus(call CallSession) error {
	fc, err := c.requireFocusSession()
	if err != nil {
		return err
	}

	c.localMu.RLock()
	referTo := c.focusContact
	hasContact := c.focusContactSet
	c.localMu.RUnlock()
	if !hasContact {
		referTo = c.focusAddress
	}
	if replaces := fc.ReplacesHeader(); replaces != "" {
		referTo.Headers = sip.NewParams().Add("Replaces", replaces)
	}

	if err := call.SendRefer(c.ctx, referTo); err != nil {
		c.core.Metrics().transfer("refer_failed")
		c.detachCall(call)
		return newError("TRANSFER_REFER_FAILED", ErrorCategoryRefer, err,
			c.ID().String(), c.State()).WithCall(call.ID())
	}

	c.localMu.Lock()
	c.removePendingLocked(call)
	c.transferring[call.ID()] = newTransferProgress(call)
	c.localMu.Unlock()

	c.core.Metrics().transfer("initiated")
	c.logger.Info("вызов переносится в конференцию",
		slog.String("call_id", call.ID()),
		slog.String("refer_to", referTo.String()))
	return nil
}

// removePendingLocked удаляет вызов из очереди ожидания (под localMu)
func (c *RemoteConference) removePendingLocked(call CallSession) bool {
	for i, p := range c.pendingCalls {
		if p == call {
			c.pendingCalls = append(c.pendingCalls[:i], c.pendingCalls[i+1:]...)
			return true
		}
	}
	return false
}

// detachCall отвязывает вызов от конференции, не завершая его:
// вызов продолжается как обычный point-to-point
func (c *RemoteConference) detachCall(call CallSession) {
	c.localMu.Lock()
	c.removePendingLocked(call)
	delete(c.transferring, call.ID())
	c.localMu.Unlock()

	call.SetConference(nil)
	cp := call.Params()
	cp.InConference = false
	cp.ConferenceID = ""
}

// PendingTransferCalls возвращает вызовы, ожидающие переноса
func (c *RemoteConference) PendingTransferCalls() []CallSession {
	c.localMu.RLock()
	defer c.localMu.RUnlock()

	calls := make([]CallSession, len(c.pendingCalls))
	copy(calls, c.pendingCalls)
	return calls
}

// TransferringCalls возвращает вызовы в процессе REFER переноса
func (c *RemoteConference) TransferringCalls() []CallSession {
	c.localMu.RLock()
	defer c.localMu.RUnlock()

	calls := make([]CallSession, 0, len(c.transferring))
	for _, t := range c.transferring {
		calls = append(calls, t.call)
	}
	return calls
}

// AddParticipantAddress просит фокус пригласить адрес в конференцию
// (REFER на фокусной сессии с Refer-To = адрес)
func (c *RemoteConference) AddParticipantAddress(addr sip.Uri) error {
	if err := c.requireAdmin("invite address"); err != nil {
		return err
	}
	fc, err := c.requireFocusSession()
	if err != nil {
		return err
	}

	if !c.focusIsReady() {
		target := addr
		c.focusActions.Push(
			fmt.Sprintf("REFER приглашение %s", addr.String()),
			func(s CallState) bool { return s == CallStateStreamsRunning || s == CallStatePaused },
			func() { _ = fc.SendRefer(c.ctx, target) },
		)
		return nil
	}
	return fc.SendRefer(c.ctx, addr)
}

// RemoveParticipant просит фокус исключить участника: REFER с
// параметром method=BYE на адресе цели — "заверши этого участника",
// а не локальная мутация
func (c *RemoteConference) RemoveParticipant(p *Participant) error {
	return c.RemoveParticipantAddress(p.Address())
}

// RemoveParticipantAddress просит фокус исключить участника по адресу
func (c *RemoteConference) RemoveParticipantAddress(addr sip.Uri) error {
	if err := c.requireAdmin("remove participant"); err != nil {
		return err
	}
	fc, err := c.requireFocusSession()
	if err != nil {
		return err
	}
	if c.FindParticipant(addr) == nil {
		return newError("PARTICIPANT_NOT_FOUND", ErrorCategoryPrecondition,
			ErrParticipantNotFound, c.ID().String(), c.State())
	}

	target := addr
	target.UriParams = cloneParams(addr.UriParams).Add("method", "BYE")
	if err := fc.SendRefer(c.ctx, target); err != nil {
		return newError("REMOVE_REFER_FAILED", ErrorCategoryRefer, err,
			c.ID().String(), c.State())
	}
	c.core.Metrics().transfer("refer_bye")
	return nil
}

// RemoveParticipantSession отвязывает вызов из очередей переноса или
// делегирует удаление фокусу.
//
// preserve игнорируется для вызовов из очередей: они и так не
// завершаются, а продолжаются как обычные вызовы.
func (c *RemoteConference) RemoveParticipantSession(session CallSession, preserve bool) error {
	c.localMu.RLock()
	pending := false
	for _, p := range c.pendingCalls {
		if p == session {
			pending = true
			break
		}
	}
	_, inTransfer := c.transferring[session.ID()]
	c.localMu.RUnlock()

	if pending || inTransfer {
		c.detachCall(session)
		return nil
	}
	return c.RemoveParticipantAddress(session.RemoteAddress())
}

// SetParticipantAdminStatus просит фокус изменить права участника:
// REFER с параметром admin=1/0 на адресе цели.
//
// Локальное зеркало не мутируется: изменение придет обратно из NOTIFY.
func (c *RemoteConference) SetParticipantAdminStatus(p *Participant, admin bool) error {
	if err := c.requireAdmin("set admin status"); err != nil {
		return err
	}
	fc, err := c.requireFocusSession()
	if err != nil {
		return err
	}

	target := p.Address()
	adminVal := "0"
	if admin {
		adminVal = "1"
	}
	target.UriParams = cloneParams(target.UriParams).Add("admin", adminVal)
	if err := fc.SendRefer(c.ctx, target); err != nil {
		return newError("ADMIN_REFER_FAILED", ErrorCategoryRefer, err,
			c.ID().String(), c.State())
	}
	return nil
}

// SetSubject меняет тему конференции через фокус.
//
// До существования фокусного диалога SIP не способен доставить тему:
// значение откладывается и применяется при достижении Created.
func (c *RemoteConference) SetSubject(subject string) error {
	if err := c.requireAdmin("set subject"); err != nil {
		return err
	}

	fc := c.FocusCall()
	if fc == nil || c.State() != StateCreated {
		c.localMu.Lock()
		c.deferredSubject = subject
		c.deferredSet = true
		c.localMu.Unlock()
		c.logger.Debug("тема отложена до готовности фокусной сессии",
			slog.String("subject", subject))
		return nil
	}
	return fc.Update(UpdateOptions{Subject: subject})
}

// Update применяет изменение параметров через re-INVITE фокусной сессии
func (c *RemoteConference) Update(params Params) error {
	if err := c.requireAdmin("update params"); err != nil {
		return err
	}
	fc, err := c.requireFocusSession()
	if err != nil {
		return err
	}

	c.mu.Lock()
	videoChanged := c.params.VideoEnabled != params.VideoEnabled
	c.params.AudioEnabled = params.AudioEnabled
	c.params.VideoEnabled = params.VideoEnabled
	c.params.ChatEnabled = params.ChatEnabled
	c.mu.Unlock()

	if videoChanged {
		video := params.VideoEnabled
		return fc.Update(UpdateOptions{VideoEnabled: &video})
	}
	return nil
}

// Terminate завершает членство в конференции: фокусный вызов
// завершается, ожидающие вызовы отвязываются
func (c *RemoteConference) Terminate() error {
	c.setState(StateTerminationPending)
	c.detachAllQueuedCalls()

	fc := c.FocusCall()
	if fc == nil || isTerminalCallState(fc.State()) {
		c.setState(StateTerminated)
		return nil
	}
	return fc.Terminate(nil)
}

// endConference локальный снос без дополнительного SIP обмена
// (сервер односторонне завершил членство)
func (c *RemoteConference) endConference() {
	c.detachAllQueuedCalls()
	c.setState(StateTerminationPending)
	c.setState(StateTerminated)
}

// detachAllQueuedCalls отвязывает все вызовы из обеих очередей;
// их сессии продолжаются как обычные вызовы
func (c *RemoteConference) detachAllQueuedCalls() {
	c.localMu.Lock()
	pending := c.pendingCalls
	c.pendingCalls = nil
	transferring := make([]CallSession, 0, len(c.transferring))
	for _, t := range c.transferring {
		transferring = append(transferring, t.call)
	}
	c.transferring = make(map[string]*transferProgress)
	c.localMu.Unlock()

	for _, call := range append(pending, transferring...) {
		call.SetConference(nil)
		cp := call.Params()
		cp.InConference = false
		cp.ConferenceID = ""
	}
}

// onConferenceTerminated хук завершения: отписка event package и
// освобождение фокусной ссылки
func (c *RemoteConference) onConferenceTerminated() {
	if h := c.eventHandlerRef(); h != nil {
		if err := h.Unsubscribe(); err != nil {
			c.logger.Warn("не удалось завершить подписку event package", slog.Any("error", err))
		}
		h.SetConference(nil)
	}

	c.localMu.Lock()
	fc := c.focusCall
	c.focusCall = nil
	c.localMu.Unlock()
	if fc != nil {
		fc.SetConference(nil)
	}
}

// eventHandlerRef возвращает привязанный обработчик event package
func (c *RemoteConference) eventHandlerRef() EventHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eventHandler
}

// Enter возобновляет фокусную сессию (возврат в конференцию)
func (c *RemoteConference) Enter() error {
	fc, err := c.requireFocusSession()
	if err != nil {
		return err
	}
	if fc.State() == CallStatePaused {
		return fc.Resume()
	}
	return nil
}

// Leave ставит фокусную сессию на паузу (временный выход)
func (c *RemoteConference) Leave() {
	fc := c.FocusCall()
	if fc == nil {
		return
	}
	if fc.State() == CallStateStreamsRunning {
		if err := fc.Pause(); err != nil {
			c.logger.Warn("не удалось поставить фокусную сессию на паузу", slog.Any("error", err))
		}
	}
}

// IsIn сообщает, активно ли медиа данного узла в конференции
func (c *RemoteConference) IsIn() bool {
	fc := c.FocusCall()
	return fc != nil && fc.State() == CallStateStreamsRunning
}

// OnCallStateChanged маршрутизирует переходы сессий: фокусная сессия
// ведет жизненный цикл самой конференции, остальные — очереди переноса
func (c *RemoteConference) OnCallStateChanged(call CallSession, state CallState) {
	if c.FocusCall() == call {
		c.onFocusCallStateChanged(call, state)
		return
	}
	c.onMemberCallStateChanged(call, state)
}

// onFocusCallStateChanged обрабатывает переход фокусной сессии.
//
// Большую часть жизненного цикла удаленной конференции ведут именно
// эти переходы: подтверждение isfocus создает конференцию, его потеря
// (вне начального Connected) означает односторонний снос сервером.
func (c *RemoteConference) onFocusCallStateChanged(call CallSession, state CallState) {
	if n := c.focusActions.RunReady(state); n > 0 {
		c.core.Metrics().pendingActionRun(n)
	}

	c.localMu.Lock()
	prev := c.prevFocusState
	c.prevFocusState = state
	c.localMu.Unlock()

	switch state {
	case CallStateConnected:
		contact := call.RemoteContactAddress()
		c.localMu.Lock()
		c.focusContact = contact
		c.focusContactSet = true
		c.localMu.Unlock()

	case CallStateStreamsRunning:
		// Возврат из паузы — повторное появление локального участника
		if prev == CallStateResuming {
			c.notifyParticipantAdded(c.Me())
		}

		c.flushPendingCalls()

		_, isFocus := call.RemoteContactParam("isfocus")
		switch {
		case isFocus && !call.MediaInProgress():
			c.confirmCreated(call)
		case !isFocus && c.State() == StateCreated:
			// Сервер снял isfocus: членство завершено, чистый
			// локальный снос
			c.logger.Info("фокус потерял параметр isfocus, конференция завершается")
			c.endConference()
		case isFocus:
			// ICE еще согласуется: подтверждение откладывается
			c.focusActions.Push("подтверждение Created после согласования медиа",
				func(s CallState) bool {
					return s == CallStateStreamsRunning && !call.MediaInProgress()
				},
				func() { c.confirmCreated(call) },
			)
		}

	case CallStateError:
		c.logger.Warn("фокусный вызов завершился ошибкой")
		c.setState(StateCreationFailed)
		c.detachAllQueuedCalls()

	case CallStateEnd:
		if c.State() == StateCreated || c.State() == StateTerminationPending {
			c.detachAllQueuedCalls()
			c.setState(StateTerminationPending)
			c.setState(StateTerminated)
		} else {
			c.setState(StateCreationFailed)
			c.detachAllQueuedCalls()
		}
	}
}

// confirmCreated фиксирует подтверждение конференции фокусом:
// адрес, Created, отложенная тема, подписка и re-INVITE за медиа
func (c *RemoteConference) confirmCreated(call CallSession) {
	if c.State() == StateCreated {
		return
	}

	contact := call.RemoteContactAddress()
	c.localMu.Lock()
	c.focusContact = contact
	c.focusContactSet = true
	c.localMu.Unlock()

	if _, set := c.ConferenceAddress(); !set {
		if err := c.SetConferenceAddress(contact); err != nil {
			// Невалидный адрес при подтверждении фатален для конференции
			c.logger.Warn("невалидный адрес конференции при подтверждении", slog.Any("error", err))
			c.setState(StateCreationFailed)
			if derr := call.Decline(sip.StatusInternalServerError, "Invalid conference address"); derr != nil {
				_ = call.Terminate(nil)
			}
			return
		}
	}

	c.setState(StateCreated)

	c.localMu.Lock()
	subject, deferred := c.deferredSubject, c.deferredSet
	c.deferredSet = false
	c.localMu.Unlock()
	if deferred {
		if err := call.Update(UpdateOptions{Subject: subject}); err != nil {
			c.logger.Warn("не удалось применить отложенную тему", slog.Any("error", err))
		}
	}

	if h := c.eventHandlerRef(); h != nil {
		if err := h.Subscribe(c.ID()); err != nil {
			c.logger.Warn("не удалось подписаться на состояние конференции", slog.Any("error", err))
		}
	}
}

// flushPendingCalls переносит в фокус готовые ожидающие вызовы
// (их собственное состояние достигло StreamsRunning/Paused)
func (c *RemoteConference) flushPendingCalls() {
	if !c.focusIsReady() {
		return
	}

	c.localMu.RLock()
	candidates := make([]CallSession, len(c.pendingCalls))
	copy(candidates, c.pendingCalls)
	c.localMu.RUnlock()

	for _, call := range candidates {
		s := call.State()
		if s != CallStateStreamsRunning && s != CallStatePaused {
			continue
		}
		if err := c.transferToFocus(call); err != nil {
			c.logger.Warn("не удалось перенести ожидающий вызов",
				slog.String("call_id", call.ID()), slog.Any("error", err))
		}
	}
}

// onMemberCallStateChanged обрабатывает переход вызова из очередей
func (c *RemoteConference) onMemberCallStateChanged(call CallSession, state CallState) {
	if isTerminalCallState(state) {
		// Вызов умер до переноса: просто покидает очереди
		c.detachCall(call)
		return
	}

	if (state == CallStateStreamsRunning || state == CallStatePaused) && c.focusIsReady() {
		c.localMu.RLock()
		pending := false
		for _, p := range c.pendingCalls {
			if p == call {
				pending = true
				break
			}
		}
		c.localMu.RUnlock()

		if pending {
			if err := c.transferToFocus(call); err != nil {
				c.logger.Warn("не удалось перенести вызов",
					slog.String("call_id", call.ID()), slog.Any("error", err))
			}
		}
	}
}

// OnTransferNotify применяет sipfrag код из NOTIFY подписки REFER к
// прогрессу переноса вызова
func (c *RemoteConference) OnTransferNotify(call CallSession, code int) {
	c.localMu.Lock()
	t := c.transferring[call.ID()]
	c.localMu.Unlock()
	if t == nil {
		return
	}

	final := t.applyNotify(code)
	if !final {
		return
	}

	c.localMu.Lock()
	delete(c.transferring, call.ID())
	c.localMu.Unlock()

	if t.State() == TransferStateCompleted {
		c.core.Metrics().transfer("completed")
		c.logger.Info("перенос вызова в конференцию завершен",
			slog.String("call_id", call.ID()))
		return
	}

	// Провал переноса: вызов продолжается как обычный point-to-point
	c.core.Metrics().transfer("failed")
	c.logger.Warn("перенос вызова в конференцию провален",
		slog.String("call_id", call.ID()),
		slog.Int("code", int(code)))
	call.SetConference(nil)
	cp := call.Params()
	cp.InConference = false
	cp.ConferenceID = ""
}

// OnFullStateReceived вызывается обработчиком event package после
// применения начального полного NOTIFY.
//
// Двухшаговая последовательность (подписка → полное состояние →
// re-INVITE за потоками) существует потому, что доставка состояния по
// RFC 4575 и доставка медиа — независимые SIP транзакции.
func (c *RemoteConference) OnFullStateReceived() {
	if store := c.core.InfoStore(); store != nil {
		addr, _ := c.ConferenceAddress()
		participants := make([]sip.Uri, 0, c.ParticipantCount())
		for _, p := range c.Participants() {
			participants = append(participants, p.Address())
		}
		info := &Info{
			URI:          addr,
			Organizer:    c.Me().Address(),
			Subject:      c.Params().Subject,
			StartTime:    c.Params().StartTime,
			EndTime:      c.Params().EndTime,
			Participants: participants,
		}
		if err := store.InsertConferenceInfo(info); err != nil {
			c.logger.Warn("не удалось сохранить метаданные конференции", slog.Any("error", err))
		}
	}

	for _, l := range c.snapshotListeners() {
		l.OnFullStateReceived()
	}

	fc := c.FocusCall()
	if fc == nil {
		return
	}
	if fc.MediaInProgress() {
		// ICE еще согласуется: re-INVITE за потоками откладывается
		c.focusActions.Push("re-INVITE за потоками конференции",
			func(s CallState) bool {
				return s == CallStateStreamsRunning && !fc.MediaInProgress()
			},
			func() { _ = fc.Update(UpdateOptions{}) },
		)
		return
	}
	if err := fc.Update(UpdateOptions{}); err != nil {
		c.logger.Warn("не удалось запросить потоки конференции", slog.Any("error", err))
	}
}

// maybeRefreshStreams запрашивает re-INVITE при изменении состава
// конференции, чтобы отразить новый набор потоков.
//
// Пропускается, если локальный узел не в конференции или его
// собственный перенос еще идет (ренегоциация посреди переноса опасна).
func (c *RemoteConference) maybeRefreshStreams() {
	if !c.IsIn() {
		return
	}

	c.localMu.RLock()
	midTransfer := len(c.transferring) > 0
	fc := c.focusCall
	c.localMu.RUnlock()
	if midTransfer || fc == nil {
		return
	}

	if err := fc.Update(UpdateOptions{}); err != nil {
		c.logger.Warn("не удалось обновить потоки конференции", slog.Any("error", err))
	}
}

// ApplyParticipantAdded применяет дельту NOTIFY: участник добавлен
func (c *RemoteConference) ApplyParticipantAdded(addr sip.Uri, admin bool) {
	if sameURI(addr, c.Me().Address()) {
		if c.Me().IsAdmin() != admin {
			c.Me().setAdmin(admin)
		}
		return
	}

	p, created := c.addParticipantRecord(addr)
	p.setAdmin(admin)
	if created {
		c.notifyParticipantAdded(p)
		c.maybeRefreshStreams()
	}
}

// ApplyParticipantRemoved применяет дельту NOTIFY: участник удален
func (c *RemoteConference) ApplyParticipantRemoved(addr sip.Uri) {
	p := c.FindParticipant(addr)
	if p == nil {
		return
	}
	if c.removeParticipantRecord(p) {
		c.notifyParticipantRemoved(p)
		c.maybeRefreshStreams()
	}
}

// ApplyParticipantAdminStatusChanged применяет дельту NOTIFY: права
// участника (включая локального) изменены фокусом
func (c *RemoteConference) ApplyParticipantAdminStatusChanged(addr sip.Uri, admin bool) {
	if sameURI(addr, c.Me().Address()) {
		if c.Me().IsAdmin() != admin {
			c.Me().setAdmin(admin)
			c.notifyParticipantAdminStatusChanged(c.Me())
		}
		return
	}

	p := c.FindParticipant(addr)
	if p == nil || p.IsAdmin() == admin {
		return
	}
	p.setAdmin(admin)
	c.notifyParticipantAdminStatusChanged(p)
}

// ApplyDeviceAdded применяет дельту NOTIFY: у участника появилось
// устройство с меткой, назначенной фокусом
func (c *RemoteConference) ApplyDeviceAdded(participant, device sip.Uri, label string) {
	p := c.FindParticipant(participant)
	if p == nil {
		p, _ = c.addParticipantRecord(participant)
		c.notifyParticipantAdded(p)
	}
	d := p.AddDevice(device, nil, DeviceStateJoining)
	d.setLabel(label)
	c.notifyDeviceAdded(p, d)
	c.maybeRefreshStreams()
}

// ApplyDeviceRemoved применяет дельту NOTIFY: устройство участника ушло
func (c *RemoteConference) ApplyDeviceRemoved(participant, device sip.Uri) {
	p := c.FindParticipant(participant)
	if p == nil {
		return
	}
	d := p.FindDeviceByAddress(device)
	if d == nil {
		return
	}
	d.SetState(DeviceStateLeft)
	p.RemoveDevice(d)
	c.notifyDeviceRemoved(p, d)
	if p.DeviceCount() == 0 {
		if c.removeParticipantRecord(p) {
			c.notifyParticipantRemoved(p)
		}
	}
	c.maybeRefreshStreams()
}

// ApplyDeviceStateChanged применяет дельту NOTIFY: состояние устройства
func (c *RemoteConference) ApplyDeviceStateChanged(participant, device sip.Uri, state DeviceState) {
	p := c.FindParticipant(participant)
	if p == nil {
		return
	}
	d := p.FindDeviceByAddress(device)
	if d == nil {
		return
	}
	if d.SetState(state) {
		c.notifyDeviceStateChanged(p, d)
		c.maybeRefreshStreams()
	}
}

// ApplySubjectChanged применяет дельту NOTIFY: тема конференции
func (c *RemoteConference) ApplySubjectChanged(subject string) {
	c.mu.Lock()
	same := c.params.Subject == subject
	c.params.Subject = subject
	c.mu.Unlock()
	if !same {
		c.notifySubjectChanged(subject)
	}
}

// cloneParams копирует параметры URI (nil-safe), чтобы не мутировать
// параметры исходного адреса
func cloneParams(params sip.HeaderParams) sip.HeaderParams {
	cloned := sip.NewParams()
	for key, value := range params {
		cloned = cloned.Add(key, value)
	}
	return cloned
}
