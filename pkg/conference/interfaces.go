package conference

import (
	"context"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"
)

// CallParams изменяемые параметры сессии вызова, которыми штампуется
// вызов при приеме в конференцию.
//
// Прямое проставление параметров уже согласованной сессии вместо
// чистой ренегоциации — признанный осознанным обходной путь: слой
// сигнализации читает эти поля при следующей транзакции.
type CallParams struct {
	// InConference вызов является частью конференции
	InConference bool
	// ConferenceID conf-id конференции, проставляемый в Contact
	ConferenceID string
	// StartTime время начала конференции (unix секунды)
	StartTime int64
	// EndTime время окончания конференции (unix секунды)
	EndTime int64
	// AudioEnabled аудио разрешено в сессии
	AudioEnabled bool
	// VideoEnabled видео разрешено в сессии
	VideoEnabled bool
}

// UpdateOptions параметры re-INVITE/UPDATE сессии вызова
type UpdateOptions struct {
	// Subject значение заголовка Subject (пустая строка = не менять)
	Subject string
	// InConference изменить признак участия в конференции (nil = не менять)
	InConference *bool
	// VideoEnabled изменить видео в сессии (nil = не менять)
	VideoEnabled *bool
}

// StreamsGroup группа медиа потоков вызова, присоединяемая к микшеру.
//
// Слою конференции группа потоков непрозрачна: он лишь передает ее
// микшеру при приеме/удалении вызова. Label позволяет микшеру и
// event package сопоставить потоки устройству.
type StreamsGroup interface {
	// Label возвращает метку группы потоков
	Label() string
}

// CallSession сессия SIP вызова, потребляемая слоем конференции.
//
// Реализуется слоем сигнализации. Все операции либо синхронны, либо
// ставятся в очередь слоем сигнализации — с точки зрения конференции
// ни одна из них не блокирует.
type CallSession interface {
	// ID возвращает Call-ID сессии
	ID() string
	// State возвращает текущее состояние вызова
	State() CallState
	// Direction возвращает направление вызова
	Direction() CallDirection
	// RemoteAddress возвращает SIP адрес удаленной стороны
	RemoteAddress() sip.Uri
	// RemoteContactAddress возвращает Contact адрес удаленной стороны
	RemoteContactAddress() sip.Uri
	// RemoteContactParam возвращает параметр Contact удаленной стороны
	// (например "isfocus", "admin")
	RemoteContactParam(name string) (string, bool)
	// LocalContactParam возвращает параметр согласованного локального
	// Contact (например "isfocus")
	LocalContactParam(name string) (string, bool)
	// ReplacesHeader возвращает значение Replaces для замены данного
	// диалога (RFC 3891: call-id;to-tag=...;from-tag=...)
	ReplacesHeader() string
	// Account возвращает аккаунт назначения вызова (proxy config)
	Account() string
	// Params возвращает изменяемые параметры сессии
	Params() *CallParams
	// RemoteVideoEnabled сообщает, предложила ли удаленная сторона видео
	RemoteVideoEnabled() bool
	// MediaInProgress сообщает, идет ли еще согласование медиа (ICE)
	MediaInProgress() bool
	// StreamsGroup возвращает группу медиа потоков вызова
	StreamsGroup() StreamsGroup
	// MediaDirection возвращает согласованное направление потока
	// указанного типа (DirectionInactive если поток не согласован)
	MediaDirection(mt MediaType) sdp.Direction
	// SSRC возвращает SSRC потока указанного типа (0 если неизвестен)
	SSRC(mt MediaType) uint32

	// SetConference привязывает вызов к конференции (nil — отвязывает)
	SetConference(Conference)
	// Conference возвращает конференцию вызова (nil если не привязан)
	Conference() Conference

	// Terminate завершает вызов с указанием причины (nil = по умолчанию)
	Terminate(info *ErrorInfo) error
	// Decline отклоняет входящий вызов с SIP кодом
	Decline(code int, reason string) error
	// Pause ставит вызов на удержание
	Pause() error
	// Resume снимает вызов с удержания
	Resume() error
	// Update отправляет re-INVITE/UPDATE с указанными изменениями
	Update(opts UpdateOptions) error
	// SendRefer отправляет REFER с указанным Refer-To внутри диалога
	SendRefer(ctx context.Context, referTo sip.Uri) error
}

// Dialer источник исходящих вызовов для dial-out сценариев.
//
// Реализуется слоем сигнализации; параметры вызова проставляются до
// установления соединения (вызов рождается уже помеченным как
// конференц-вызов).
type Dialer interface {
	// Dial инициирует исходящий вызов на указанный адрес
	Dial(ctx context.Context, target sip.Uri, params *CallParams) (CallSession, error)
}

// MixerSession сессия медиа микшера конференции.
//
// Принадлежит исключительно создавшей ее LocalConference; группы
// потоков присоединяются и отсоединяются по одной, в одном потоке
// выполнения, в составе приема/удаления вызова.
type MixerSession interface {
	// JoinStreamsGroup присоединяет группу потоков вызова к микшеру
	JoinStreamsGroup(g StreamsGroup) error
	// UnjoinStreamsGroup отсоединяет группу потоков от микшера
	UnjoinStreamsGroup(g StreamsGroup) error
	// MixerByType возвращает микшер указанного типа медиа (nil если нет)
	MixerByType(mt MediaType) interface{}
	// EnableLocalParticipant включает/выключает локального участника в миксе
	EnableLocalParticipant(enabled bool)
	// AudioController возвращает активный аудио интерфейс
	// (nil пока медиа не запущено)
	AudioController() AudioController
	// Close освобождает ресурсы микшера
	Close() error
}

// AudioController интерфейс управления локальным аудио
type AudioController interface {
	// SetInputDevice выбирает устройство захвата
	SetInputDevice(device AudioDevice) error
	// SetOutputDevice выбирает устройство воспроизведения
	SetOutputDevice(device AudioDevice) error
	// InputDevice возвращает активное устройство захвата
	InputDevice() AudioDevice
	// OutputDevice возвращает активное устройство воспроизведения
	OutputDevice() AudioDevice
	// StartRecording начинает запись микса в файл
	StartRecording(path string) error
	// StopRecording останавливает запись
	StopRecording() error
	// IsRecording сообщает, идет ли запись
	IsRecording() bool
}

// EventHandler обработчик event package конференции (RFC 4575).
//
// Необязательный collaborator: при его отсутствии конференция
// деградирует до упрощенных путей (немедленные переходы состояний
// вместо ожидания unsubscribe, отсутствие NOTIFY ресинхронизации).
type EventHandler interface {
	// Subscribe подписывается на состояние конференции
	Subscribe(id ID) error
	// Unsubscribe завершает подписку
	Unsubscribe() error
	// NotifyReceived обрабатывает тело NOTIFY конференции
	NotifyReceived(body []byte) error
	// SetConference привязывает обработчик к конференции (nil — отвязывает)
	SetConference(Conference)
}

// Info метаданные конференции для персистентного хранения
type Info struct {
	// URI адрес конференции
	URI sip.Uri
	// Organizer адрес организатора
	Organizer sip.Uri
	// Subject тема конференции
	Subject string
	// StartTime время начала (unix секунды)
	StartTime int64
	// EndTime время окончания (unix секунды)
	EndTime int64
	// Participants приглашенные участники
	Participants []sip.Uri
}

// InfoStore персистентное хранилище метаданных конференций.
//
// Необязательный collaborator (присутствует только в сборках с БД);
// его отсутствие — ожидаемая конфигурация, а не ошибка.
type InfoStore interface {
	// ConferenceInfoFromURI возвращает метаданные по адресу конференции
	ConferenceInfoFromURI(uri sip.Uri) (*Info, error)
	// InsertConferenceInfo сохраняет метаданные конференции
	InsertConferenceInfo(info *Info) error
}
