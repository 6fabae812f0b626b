package conference

import (
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"
)

// EventBase общие поля всех уведомлений конференции.
//
// NotifyID — значение lastNotify конференции, присвоенное строго до
// доставки уведомления; последовательность строго возрастает и не
// содержит дубликатов. FullState равен true только при проигрывании
// полного текущего состояния новому подписчику.
type EventBase struct {
	// NotifyID порядковый номер уведомления
	NotifyID uint64
	// Time время создания уведомления
	Time time.Time
	// FullState уведомление является частью полного снимка состояния
	FullState bool
}

// ParticipantEvent уведомление об изменении участника
type ParticipantEvent struct {
	EventBase
	// Address адрес участника
	Address sip.Uri
	// Admin флаг администратора на момент события
	Admin bool
}

// DeviceEvent уведомление об изменении устройства участника
type DeviceEvent struct {
	EventBase
	// Participant адрес владеющего участника
	Participant sip.Uri
	// Device Contact адрес устройства
	Device sip.Uri
	// State состояние устройства на момент события
	State DeviceState
	// Label медиа метка устройства
	Label string
}

// SubjectEvent уведомление об изменении темы конференции
type SubjectEvent struct {
	EventBase
	// Subject новая тема
	Subject string
}

// AvailableMediaEvent уведомление об изменении доступных медиа конференции
type AvailableMediaEvent struct {
	EventBase
	// Media направление по каждому типу медиа
	Media map[MediaType]sdp.Direction
}

// Listener получатель уведомлений конференции.
//
// Уведомления доставляются в порядке возрастания NotifyID, после
// фиксации внутреннего перехода. Реализация не должна блокировать.
type Listener interface {
	// OnStateChanged вызывается при смене состояния конференции
	OnStateChanged(state State)
	// OnParticipantAdded участник добавлен в конференцию
	OnParticipantAdded(ev *ParticipantEvent)
	// OnParticipantRemoved участник удален из конференции
	OnParticipantRemoved(ev *ParticipantEvent)
	// OnParticipantAdminStatusChanged изменен флаг администратора участника
	OnParticipantAdminStatusChanged(ev *ParticipantEvent)
	// OnParticipantDeviceAdded устройство участника добавлено
	OnParticipantDeviceAdded(ev *DeviceEvent)
	// OnParticipantDeviceRemoved устройство участника удалено
	OnParticipantDeviceRemoved(ev *DeviceEvent)
	// OnParticipantDeviceStateChanged изменено состояние устройства
	OnParticipantDeviceStateChanged(ev *DeviceEvent)
	// OnParticipantDeviceMediaCapabilityChanged изменены медиа
	// возможности устройства (SSRC или направление потока)
	OnParticipantDeviceMediaCapabilityChanged(ev *DeviceEvent)
	// OnSubjectChanged изменена тема конференции
	OnSubjectChanged(ev *SubjectEvent)
	// OnAvailableMediaChanged изменен набор доступных медиа конференции
	OnAvailableMediaChanged(ev *AvailableMediaEvent)
	// OnFullStateReceived получено полное состояние от фокуса (RFC 4575)
	OnFullStateReceived()
}

// BaseListener пустая реализация Listener для встраивания.
//
// Позволяет слушателям реализовывать только интересующие методы.
type BaseListener struct{}

func (BaseListener) OnStateChanged(State)                               {}
func (BaseListener) OnParticipantAdded(*ParticipantEvent)               {}
func (BaseListener) OnParticipantRemoved(*ParticipantEvent)             {}
func (BaseListener) OnParticipantAdminStatusChanged(*ParticipantEvent)  {}
func (BaseListener) OnParticipantDeviceAdded(*DeviceEvent)              {}
func (BaseListener) OnParticipantDeviceRemoved(*DeviceEvent)            {}
func (BaseListener) OnParticipantDeviceStateChanged(*DeviceEvent)       {}
func (BaseListener) OnParticipantDeviceMediaCapabilityChanged(*DeviceEvent) {}
func (BaseListener) OnSubjectChanged(*SubjectEvent)                     {}
func (BaseListener) OnAvailableMediaChanged(*AvailableMediaEvent)       {}
func (BaseListener) OnFullStateReceived()                               {}
