package conference

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory категории ошибок конференции для классификации
type ErrorCategory string

const (
	// Нарушения политики конференции (закрытый список, не-админ и т.п.)
	ErrorCategoryPolicy ErrorCategory = "POLICY"
	// Нарушения предусловий (участник не найден, вызов не в конференции)
	ErrorCategoryPrecondition ErrorCategory = "PRECONDITION"
	// Ошибки машины состояний (недопустимый переход)
	ErrorCategoryState ErrorCategory = "STATE"
	// Ошибки медиа слоя (микшер, аудио устройства)
	ErrorCategoryMedia ErrorCategory = "MEDIA"
	// Ошибки REFER операций (перевод в конференцию, admin операции)
	ErrorCategoryRefer ErrorCategory = "REFER"
	// Ошибки конфигурации
	ErrorCategoryConfig ErrorCategory = "CONFIG"
)

// String возвращает строковое представление категории ошибки
func (ec ErrorCategory) String() string {
	return string(ec)
}

// Сентинельные ошибки для проверки через errors.Is
var (
	// ErrAlreadyInConference вызов уже помечен как участвующий в конференции
	ErrAlreadyInConference = errors.New("вызов уже находится в конференции")
	// ErrParticipantNotFound участник не найден в конференции
	ErrParticipantNotFound = errors.New("участник не найден в конференции")
	// ErrDeviceNotFound устройство участника не найдено
	ErrDeviceNotFound = errors.New("устройство участника не найдено")
	// ErrNotAdmin операция требует прав администратора конференции
	ErrNotAdmin = errors.New("операция доступна только администратору конференции")
	// ErrClosedParticipantList адрес отсутствует в закрытом списке участников
	ErrClosedParticipantList = errors.New("адрес не входит в закрытый список участников")
	// ErrDialOutOrdering участник не может войти раньше организатора в dial-out конференции
	ErrDialOutOrdering = errors.New("dial-out конференция: ожидается вызов организатора")
	// ErrInvalidCallState состояние вызова не допускает прием в конференцию
	ErrInvalidCallState = errors.New("состояние вызова не допускает операцию")
	// ErrCallNotInConference вызов не привязан к данной конференции
	ErrCallNotInConference = errors.New("вызов не привязан к данной конференции")
	// ErrAddressFrozen адрес конференции уже зафиксирован и не может быть изменен
	ErrAddressFrozen = errors.New("адрес конференции уже зафиксирован")
	// ErrParamsFrozen параметры конференции зафиксированы после создания
	ErrParamsFrozen = errors.New("параметры конференции зафиксированы")
	// ErrNoFocusSession отсутствует сессия фокуса
	ErrNoFocusSession = errors.New("сессия фокуса еще не установлена")
	// ErrNoAudioControl аудио интерфейс недоступен (медиа еще не запущено)
	ErrNoAudioControl = errors.New("аудио интерфейс недоступен")
)

// Error структурированная ошибка конференции с контекстом.
//
// Аналогична DialogError слоя диалогов: несет код, категорию и
// контекст конференции, поддерживает errors.Is/As через Unwrap.
type Error struct {
	// Code уникальный код ошибки
	Code string
	// Message человекочитаемое сообщение
	Message string
	// Category категория ошибки
	Category ErrorCategory

	// ConferenceID идентификатор конференции (если известен)
	ConferenceID string
	// CallID идентификатор вызова (если применимо)
	CallID string
	// State состояние конференции на момент ошибки
	State State
	// Timestamp время возникновения
	Timestamp time.Time

	// Fields дополнительные поля контекста
	Fields map[string]interface{}
	// Cause исходная ошибка
	Cause error
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	if e.CallID != "" {
		return fmt.Sprintf("[%s:%s] %s (Call-ID: %s)", e.Category, e.Code, e.Message, e.CallID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithField добавляет дополнительное поле контекста
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCall добавляет Call-ID вызова к ошибке
func (e *Error) WithCall(callID string) *Error {
	e.CallID = callID
	return e
}

// newError создает структурированную ошибку с привязкой к конференции
func newError(code string, category ErrorCategory, cause error, confID string, state State) *Error {
	msg := code
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:         code,
		Message:      msg,
		Category:     category,
		ConferenceID: confID,
		State:        state,
		Timestamp:    time.Now(),
		Cause:        cause,
	}
}
