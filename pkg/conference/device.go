package conference

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pion/sdp/v3"
)

// DeviceState состояние устройства участника конференции
type DeviceState int

const (
	// DeviceStateScheduledForJoining устройство запланировано к входу (dial-out еще не начат)
	DeviceStateScheduledForJoining DeviceState = iota
	// DeviceStateJoining устройство в процессе входа в конференцию
	DeviceStateJoining
	// DeviceStateAlerting устройству идет вызов (исходящий ringing)
	DeviceStateAlerting
	// DeviceStatePresent устройство присутствует в конференции
	DeviceStatePresent
	// DeviceStateOnHold устройство на удержании (вызов PausedByRemote)
	DeviceStateOnHold
	// DeviceStateScheduledForLeaving устройство запланировано к выходу
	DeviceStateScheduledForLeaving
	// DeviceStateLeft устройство покинуло конференцию (терминальное)
	DeviceStateLeft
)

// Имена состояний устройства для FSM
const (
	deviceFSMScheduledForJoining = "scheduled_for_joining"
	deviceFSMJoining             = "joining"
	deviceFSMAlerting            = "alerting"
	deviceFSMPresent             = "present"
	deviceFSMOnHold              = "on_hold"
	deviceFSMScheduledForLeaving = "scheduled_for_leaving"
	deviceFSMLeft                = "left"
)

var deviceStateToFSM = map[DeviceState]string{
	DeviceStateScheduledForJoining: deviceFSMScheduledForJoining,
	DeviceStateJoining:             deviceFSMJoining,
	DeviceStateAlerting:            deviceFSMAlerting,
	DeviceStatePresent:             deviceFSMPresent,
	DeviceStateOnHold:              deviceFSMOnHold,
	DeviceStateScheduledForLeaving: deviceFSMScheduledForLeaving,
	DeviceStateLeft:                deviceFSMLeft,
}

var deviceFSMToState = map[string]DeviceState{
	deviceFSMScheduledForJoining: DeviceStateScheduledForJoining,
	deviceFSMJoining:             DeviceStateJoining,
	deviceFSMAlerting:            DeviceStateAlerting,
	deviceFSMPresent:             DeviceStatePresent,
	deviceFSMOnHold:              DeviceStateOnHold,
	deviceFSMScheduledForLeaving: DeviceStateScheduledForLeaving,
	deviceFSMLeft:                DeviceStateLeft,
}

// String возвращает строковое представление состояния устройства
func (ds DeviceState) String() string {
	if name, ok := deviceStateToFSM[ds]; ok {
		return name
	}
	return fmt.Sprintf("DeviceState(%d)", int(ds))
}

// События FSM устройства
const (
	deviceEventAlert         = "alert"
	deviceEventJoin          = "join"
	deviceEventPresent       = "present"
	deviceEventHold          = "hold"
	deviceEventScheduleLeave = "schedule_leave"
	deviceEventLeave         = "leave"
)

// newDeviceFSM создает конечный автомат жизненного цикла устройства.
//
// scheduled_for_joining → joining/alerting → present ↔ on_hold →
// scheduled_for_leaving → left. left — терминальное состояние.
func newDeviceFSM(initial string) *fsm.FSM {
	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: deviceEventAlert, Src: []string{deviceFSMScheduledForJoining, deviceFSMJoining}, Dst: deviceFSMAlerting},
			{Name: deviceEventJoin, Src: []string{deviceFSMScheduledForJoining, deviceFSMAlerting}, Dst: deviceFSMJoining},
			{Name: deviceEventPresent, Src: []string{deviceFSMScheduledForJoining, deviceFSMJoining, deviceFSMAlerting, deviceFSMOnHold}, Dst: deviceFSMPresent},
			{Name: deviceEventHold, Src: []string{deviceFSMPresent, deviceFSMJoining}, Dst: deviceFSMOnHold},
			{Name: deviceEventScheduleLeave, Src: []string{deviceFSMScheduledForJoining, deviceFSMJoining, deviceFSMAlerting, deviceFSMPresent, deviceFSMOnHold}, Dst: deviceFSMScheduledForLeaving},
			{Name: deviceEventLeave, Src: []string{deviceFSMScheduledForJoining, deviceFSMJoining, deviceFSMAlerting, deviceFSMPresent, deviceFSMOnHold, deviceFSMScheduledForLeaving}, Dst: deviceFSMLeft},
		},
		nil,
	)
}

var deviceStateEvents = map[DeviceState]string{
	DeviceStateAlerting:            deviceEventAlert,
	DeviceStateJoining:             deviceEventJoin,
	DeviceStatePresent:             deviceEventPresent,
	DeviceStateOnHold:              deviceEventHold,
	DeviceStateScheduledForLeaving: deviceEventScheduleLeave,
	DeviceStateLeft:                deviceEventLeave,
}

// DisconnectionInfo метаданные отключения устройства.
//
// Заполняются при переходе устройства в состояние Left и используются
// для аудита и тел event package.
type DisconnectionInfo struct {
	// Method SIP метод, завершивший сессию (BYE, CANCEL, ...)
	Method string
	// Code протокольный код причины
	Code int
	// Reason текстовая причина
	Reason string
	// RemoteInitiated завершение инициировано удаленной стороной
	RemoteInitiated bool
}

// Device конечная точка участника конференции.
//
// Участник может иметь несколько устройств (телефон + ноутбук); каждое
// устройство соответствует ровно одной сессии вызова и отличается
// Contact адресом. Label — случайный токен, по которому микшер
// различает медиа потоки устройств.
type Device struct {
	mu sync.RWMutex

	// address Contact адрес устройства (не адрес участника)
	address sip.Uri
	// session слабая ссылка на сессию вызова; nil для устройств,
	// известных только из event package
	session CallSession
	// label случайный токен устройства для маркировки потоков микшера
	label string
	// joiningMethod способ присоединения устройства
	joiningMethod JoiningMethod

	// capabilities направление потока по типу медиа
	capabilities map[MediaType]sdp.Direction
	// ssrc SSRC потока по типу медиа; осмыслен только при
	// capabilities[type] != inactive
	ssrc map[MediaType]uint32

	// state конечный автомат жизненного цикла устройства
	state *fsm.FSM

	// disconnection метаданные отключения, заполняются при Left
	disconnection *DisconnectionInfo

	// subscriptionID ссылка на подписку RFC 4575 (пустая строка = нет)
	subscriptionID string
}

// newDevice создает устройство с начальным состоянием
func newDevice(address sip.Uri, session CallSession, initial DeviceState) *Device {
	init, ok := deviceStateToFSM[initial]
	if !ok {
		init = deviceFSMScheduledForJoining
	}
	return &Device{
		address:       address,
		session:       session,
		label:         uuid.NewString(),
		capabilities:  make(map[MediaType]sdp.Direction),
		ssrc:          make(map[MediaType]uint32),
		state:         newDeviceFSM(init),
	}
}

// Address возвращает Contact адрес устройства
func (d *Device) Address() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.address
}

// Session возвращает сессию вызова устройства (может быть nil)
func (d *Device) Session() CallSession {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.session
}

// setSession заменяет сессию устройства (повторное появление устройства
// с новым вызовом, last-writer-wins по Contact адресу)
func (d *Device) setSession(session CallSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session = session
}

// Label возвращает медиа метку устройства
func (d *Device) Label() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.label
}

// setLabel заменяет метку устройства меткой, назначенной фокусом
// (зеркало удаленной конференции получает метки из NOTIFY)
func (d *Device) setLabel(label string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if label != "" {
		d.label = label
	}
}

// JoiningMethod возвращает способ присоединения устройства
func (d *Device) JoiningMethod() JoiningMethod {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.joiningMethod
}

// setJoiningMethod устанавливает способ присоединения устройства
func (d *Device) setJoiningMethod(jm JoiningMethod) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.joiningMethod = jm
}

// State возвращает текущее состояние устройства
func (d *Device) State() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return deviceFSMToState[d.state.Current()]
}

// SetState переводит устройство в новое состояние.
//
// Возвращает true, если переход состоялся. Запрос текущего состояния
// и недопустимые переходы не являются ошибкой для вызывающего: функция
// просто возвращает false (поздние асинхронные уведомления SIP слоя
// не должны ломать уже завершенное устройство).
func (d *Device) SetState(newState DeviceState) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := deviceFSMToState[d.state.Current()]
	if current == newState {
		return false
	}
	event, ok := deviceStateEvents[newState]
	if !ok {
		return false
	}
	if err := d.state.Event(context.Background(), event); err != nil {
		return false
	}
	return true
}

// SetDisconnection записывает метаданные отключения устройства
func (d *Device) SetDisconnection(info *DisconnectionInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnection = info
}

// Disconnection возвращает метаданные отключения (nil до выхода)
func (d *Device) Disconnection() *DisconnectionInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.disconnection
}

// SetSSRC обновляет SSRC потока указанного типа.
//
// Возвращает true только если значение изменилось: вызывающий по
// результату решает, эмитить ли уведомление об изменении медиа
// возможностей. Повторная установка того же значения — no-op.
func (d *Device) SetSSRC(mt MediaType, value uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if current, ok := d.ssrc[mt]; ok && current == value {
		return false
	}
	d.ssrc[mt] = value
	return true
}

// SSRC возвращает SSRC потока указанного типа
func (d *Device) SSRC(mt MediaType) uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ssrc[mt]
}

// SetStreamCapability обновляет направление потока указанного типа.
//
// Контракт аналогичен SetSSRC: no-op и false при совпадении значения.
func (d *Device) SetStreamCapability(direction sdp.Direction, mt MediaType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if current, ok := d.capabilities[mt]; ok && current == direction {
		return false
	}
	d.capabilities[mt] = direction
	return true
}

// StreamCapability возвращает направление потока указанного типа
func (d *Device) StreamCapability(mt MediaType) sdp.Direction {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if dir, ok := d.capabilities[mt]; ok {
		return dir
	}
	return sdp.DirectionInactive
}

// StreamAvailable сообщает, активен ли поток указанного типа
func (d *Device) StreamAvailable(mt MediaType) bool {
	return d.StreamCapability(mt) != sdp.DirectionInactive
}

// SetSubscriptionID привязывает устройство к подписке RFC 4575
func (d *Device) SetSubscriptionID(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscriptionID = id
}

// SubscriptionID возвращает идентификатор подписки RFC 4575
func (d *Device) SubscriptionID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.subscriptionID
}

// String возвращает строковое представление устройства
func (d *Device) String() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fmt.Sprintf("Device{%s, state: %s, label: %s}",
		d.address.String(), deviceFSMToState[d.state.Current()], d.label)
}
