package conference

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// MediaType тип медиа потока в конференции
type MediaType int

const (
	MediaTypeAudio MediaType = iota
	MediaTypeVideo
	MediaTypeText
)

var mediaTypeNames = map[MediaType]string{
	MediaTypeAudio: "audio",
	MediaTypeVideo: "video",
	MediaTypeText:  "text",
}

// String возвращает строковое представление типа медиа
func (mt MediaType) String() string {
	if name, ok := mediaTypeNames[mt]; ok {
		return name
	}
	return "unknown"
}

// JoiningMethod способ присоединения устройства к конференции
type JoiningMethod int

const (
	// JoiningMethodDialedIn устройство позвонило в конференцию само
	JoiningMethodDialedIn JoiningMethod = iota
	// JoiningMethodDialedOut фокус позвонил устройству (dial-out)
	JoiningMethodDialedOut
	// JoiningMethodFocusOwner устройство принадлежит владельцу фокуса
	JoiningMethodFocusOwner
)

var joiningMethodNames = map[JoiningMethod]string{
	JoiningMethodDialedIn:   "dialed-in",
	JoiningMethodDialedOut:  "dialed-out",
	JoiningMethodFocusOwner: "focus-owner",
}

// String возвращает строковое представление способа присоединения
func (jm JoiningMethod) String() string {
	if name, ok := joiningMethodNames[jm]; ok {
		return name
	}
	return "unknown"
}

// CallState состояние SIP вызова с точки зрения конференции.
//
// Перечисление отражает состояния сессии вызова, которыми оперирует
// слой конференций. Сам переходный автомат вызова принадлежит слою
// сигнализации и здесь не реализуется.
type CallState int

const (
	CallStateIdle CallState = iota
	CallStateOutgoingInit
	CallStateOutgoingProgress
	CallStateOutgoingRinging
	CallStateIncomingReceived
	CallStateConnected
	CallStateStreamsRunning
	CallStatePausing
	CallStatePaused
	CallStatePausedByRemote
	CallStateResuming
	CallStateUpdating
	CallStateError
	CallStateEnd
	CallStateReleased
)

var callStateNames = map[CallState]string{
	CallStateIdle:             "Idle",
	CallStateOutgoingInit:     "OutgoingInit",
	CallStateOutgoingProgress: "OutgoingProgress",
	CallStateOutgoingRinging:  "OutgoingRinging",
	CallStateIncomingReceived: "IncomingReceived",
	CallStateConnected:        "Connected",
	CallStateStreamsRunning:   "StreamsRunning",
	CallStatePausing:          "Pausing",
	CallStatePaused:           "Paused",
	CallStatePausedByRemote:   "PausedByRemote",
	CallStateResuming:         "Resuming",
	CallStateUpdating:         "Updating",
	CallStateError:            "Error",
	CallStateEnd:              "End",
	CallStateReleased:         "Released",
}

// String возвращает строковое представление состояния вызова
func (cs CallState) String() string {
	if name, ok := callStateNames[cs]; ok {
		return name
	}
	return fmt.Sprintf("CallState(%d)", int(cs))
}

// CallDirection направление вызова
type CallDirection int

const (
	CallDirectionIncoming CallDirection = iota
	CallDirectionOutgoing
)

// ErrorInfo информация о причине завершения вызова для SIP слоя
type ErrorInfo struct {
	// Protocol протокол причины (обычно "SIP")
	Protocol string
	// Code код причины (например 403, 500)
	Code int
	// Reason текстовое описание причины
	Reason string
}

// ID составной идентификатор конференции: пара адресов peer + local.
type ID struct {
	Peer  sip.Uri
	Local sip.Uri
}

// NewID создает идентификатор конференции
func NewID(peer, local sip.Uri) ID {
	return ID{Peer: peer, Local: local}
}

// String возвращает каноничное строковое представление идентификатора
func (id ID) String() string {
	return id.Peer.String() + "|" + id.Local.String()
}

// AudioDevice описание локального аудио устройства.
//
// Identity и Capabilities вместе образуют отпечаток устройства:
// запрос на переключение на устройство с тем же отпечатком является no-op.
type AudioDevice struct {
	// ID идентификатор устройства в системе
	ID string
	// Name человекочитаемое имя
	Name string
	// Capabilities битовая маска возможностей (capture/playback)
	Capabilities AudioDeviceCapabilities
}

// AudioDeviceCapabilities возможности аудио устройства
type AudioDeviceCapabilities int

const (
	AudioDeviceCapabilityRecord AudioDeviceCapabilities = 1 << iota
	AudioDeviceCapabilityPlay
)

// Equal сравнивает устройства по идентичности и отпечатку возможностей
func (d AudioDevice) Equal(other AudioDevice) bool {
	return d.ID == other.ID && d.Capabilities == other.Capabilities
}

// sameURI сравнивает два SIP URI по пользовательской части и хосту,
// игнорируя параметры (слабое сравнение адресов, как weakEqual)
func sameURI(a, b sip.Uri) bool {
	return a.User == b.User && a.Host == b.Host && a.Port == b.Port
}
