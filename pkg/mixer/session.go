package mixer

import (
	"log/slog"

	"github.com/pion/rtp"

	"github.com/arzzra/sip_conference/pkg/conference"
)

// RTPStreamsGroup группа потоков вызова с RTP вводом-выводом.
//
// Слой сигнализации предоставляет группы потоков именно в этом виде;
// слою конференции виден только conference.StreamsGroup.
type RTPStreamsGroup interface {
	conference.StreamsGroup
	// PayloadType возвращает согласованный RTP payload type (0/8)
	PayloadType() uint8
	// SSRC возвращает SSRC исходящего потока микшера для этой группы
	SSRC() uint32
	// WriteRTP отправляет смикшированный пакет удаленной стороне
	WriteRTP(pkt *rtp.Packet) error
}

// Session сессия микшера конференции.
//
// Реализует conference.MixerSession: владеет AudioMixer и аудио
// контроллером, присоединяет и отсоединяет группы потоков по меткам.
type Session struct {
	logger     *slog.Logger
	mixer      *AudioMixer
	controller *Controller
}

var _ conference.MixerSession = (*Session)(nil)

// NewSession создает сессию микшера
func NewSession(logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	m := NewAudioMixer(logger)
	return &Session{
		logger:     logger.With(slog.String("component", "mixer_session")),
		mixer:      m,
		controller: newController(m.recorder),
	}
}

// JoinStreamsGroup присоединяет группу потоков вызова к микшеру.
//
// Группа обязана реализовывать RTPStreamsGroup; непрозрачная группа
// без RTP ввода-вывода — ошибка конфигурации слоя сигнализации.
func (s *Session) JoinStreamsGroup(g conference.StreamsGroup) error {
	rg, ok := g.(RTPStreamsGroup)
	if !ok {
		return &UnsupportedGroupError{Label: g.Label()}
	}
	return s.mixer.AddEndpoint(g.Label(), rg.PayloadType(), rg.SSRC(), rg)
}

// UnjoinStreamsGroup отсоединяет группу потоков от микшера
func (s *Session) UnjoinStreamsGroup(g conference.StreamsGroup) error {
	s.mixer.RemoveEndpoint(g.Label())
	return nil
}

// MixerByType возвращает микшер указанного типа медиа
func (s *Session) MixerByType(mt conference.MediaType) interface{} {
	if mt == conference.MediaTypeAudio {
		return s.mixer
	}
	return nil
}

// EnableLocalParticipant включает или выключает локального участника в миксе
func (s *Session) EnableLocalParticipant(enabled bool) {
	s.mixer.SetLocalEnabled(enabled)
}

// AudioController возвращает аудио интерфейс сессии
func (s *Session) AudioController() conference.AudioController {
	return s.controller
}

// HandleRTP подает входящий RTP пакет группы потоков в микшер;
// вызывается транспортным слоем
func (s *Session) HandleRTP(label string, pkt *rtp.Packet) {
	s.mixer.PushRTP(label, pkt)
}

// Close освобождает ресурсы микшера
func (s *Session) Close() error {
	return s.mixer.Close()
}

// UnsupportedGroupError группа потоков не несет RTP ввод-вывод
type UnsupportedGroupError struct {
	Label string
}

func (e *UnsupportedGroupError) Error() string {
	return "группа потоков " + e.Label + " не поддерживает RTP ввод-вывод"
}
