package conference

// ParticipantListType политика списка участников конференции
type ParticipantListType int

const (
	// ParticipantListTypeOpen любой адрес может быть принят в конференцию
	ParticipantListTypeOpen ParticipantListType = iota
	// ParticipantListTypeClosed принимаются только приглашенные адреса и организатор
	ParticipantListTypeClosed
)

// String возвращает строковое представление политики списка
func (plt ParticipantListType) String() string {
	if plt == ParticipantListTypeClosed {
		return "closed"
	}
	return "open"
}

// JoiningMode режим присоединения участников к конференции
type JoiningMode int

const (
	// JoiningModeDialIn участники звонят в конференцию сами
	JoiningModeDialIn JoiningMode = iota
	// JoiningModeDialOut фокус обзванивает приглашенных после вызова организатора
	JoiningModeDialOut
)

// String возвращает строковое представление режима присоединения
func (jm JoiningMode) String() string {
	if jm == JoiningModeDialOut {
		return "dial-out"
	}
	return "dial-in"
}

// TimeUnset значение не заданного времени начала/окончания конференции
const TimeUnset int64 = -1

// Params снимок конфигурации конференции.
//
// После выхода конференции из состояний Instantiated/CreationPending
// параметры считаются зафиксированными; единственное допустимое
// изменение после создания — включение/выключение аудио, видео и чата
// через Conference.Update.
type Params struct {
	// AudioEnabled аудио разрешено в конференции
	AudioEnabled bool
	// VideoEnabled видео разрешено в конференции
	VideoEnabled bool
	// ChatEnabled текстовый чат разрешен в конференции
	ChatEnabled bool
	// LocalParticipantEnabled локальный участник (узел-фокус) участвует в медиа
	LocalParticipantEnabled bool
	// StartTime время начала конференции (unix секунды, TimeUnset = немедленно)
	StartTime int64
	// EndTime время окончания конференции (unix секунды, TimeUnset = не задано)
	EndTime int64
	// Subject тема конференции
	Subject string
	// ParticipantListType политика списка участников
	ParticipantListType ParticipantListType
	// JoiningMode режим присоединения
	JoiningMode JoiningMode
	// OneParticipantAllowed конференция может существовать с одним участником
	OneParticipantAllowed bool
	// Static конференция сохраняется даже при нуле участников
	Static bool
	// Account аккаунт, ассоциированный с конференцией; фиксируется при
	// первом успешном приеме вызова и далее не меняется
	Account string
}

// DefaultParams возвращает параметры конференции по умолчанию
func DefaultParams() *Params {
	return &Params{
		AudioEnabled:            true,
		VideoEnabled:            false,
		ChatEnabled:             false,
		LocalParticipantEnabled: true,
		StartTime:               TimeUnset,
		EndTime:                 TimeUnset,
		ParticipantListType:     ParticipantListTypeOpen,
		JoiningMode:             JoiningModeDialIn,
	}
}

// Clone возвращает независимую копию параметров
func (p *Params) Clone() *Params {
	cp := *p
	return &cp
}
