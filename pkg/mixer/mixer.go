package mixer

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

const (
	// SampleRate частота дискретизации G.711
	SampleRate = 8000
	// FrameDuration длительность кадра микширования
	FrameDuration = 20 * time.Millisecond
	// FrameSamples отсчетов в кадре (8000 Гц * 20 мс)
	FrameSamples = 160

	// inputQueueDepth глубина входной очереди точки; при переполнении
	// старые кадры вытесняются (лучше потерять кадр, чем накопить задержку)
	inputQueueDepth = 8
)

// Codec кодек точки микшера
type Codec uint8

const (
	// CodecPCMU G.711 µ-law (RTP payload type 0)
	CodecPCMU Codec = 0
	// CodecPCMA G.711 A-law (RTP payload type 8)
	CodecPCMA Codec = 8
)

// CodecByPayloadType возвращает кодек по RTP payload type
func CodecByPayloadType(pt uint8) (Codec, error) {
	switch pt {
	case uint8(CodecPCMU):
		return CodecPCMU, nil
	case uint8(CodecPCMA):
		return CodecPCMA, nil
	}
	return 0, fmt.Errorf("неподдерживаемый payload type: %d", pt)
}

// decode декодирует G.711 payload в линейный PCM (16 бит LE)
func (c Codec) decode(payload []byte) []byte {
	if c == CodecPCMA {
		return g711.DecodeAlaw(payload)
	}
	return g711.DecodeUlaw(payload)
}

// encode кодирует линейный PCM (16 бит LE) в G.711 payload
func (c Codec) encode(pcm []byte) []byte {
	if c == CodecPCMA {
		return g711.EncodeAlaw(pcm)
	}
	return g711.EncodeUlaw(pcm)
}

// RTPSink приемник исходящих RTP пакетов точки
type RTPSink interface {
	// WriteRTP отправляет смикшированный пакет удаленной стороне
	WriteRTP(pkt *rtp.Packet) error
}

// endpoint одна точка микшера: вход от одного устройства, выход — микс
// всех остальных
type endpoint struct {
	label string
	codec Codec
	ssrc  uint32
	sink  RTPSink

	// in входная очередь декодированных кадров
	in chan []int16

	// seq и ts исходящей RTP последовательности
	seq uint16
	ts  uint32
}

// pull забирает следующий входной кадр точки или тишину при недоборе
func (e *endpoint) pull() []int16 {
	select {
	case frame := <-e.in:
		return frame
	default:
		return nil
	}
}

// push кладет кадр во входную очередь, вытесняя старейший при переполнении
func (e *endpoint) push(frame []int16) {
	for {
		select {
		case e.in <- frame:
			return
		default:
			select {
			case <-e.in:
			default:
			}
		}
	}
}

// AudioMixer N-сторонний микшер линейного PCM.
//
// Каждые 20 мс суммирует по одному кадру от каждой точки и раздает
// каждой точке сумму минус ее собственный вклад. Точка без свежего
// кадра вносит тишину и получает полный микс.
type AudioMixer struct {
	mu sync.RWMutex

	logger    *slog.Logger
	endpoints map[string]*endpoint

	// localIn вход локального участника (захват звука)
	localIn chan []int16
	// localSink выход локального участника (воспроизведение)
	localSink func(frame []int16)
	// localEnabled локальный участник включен в микс
	localEnabled bool

	recorder *wavRecorder

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewAudioMixer создает микшер и запускает цикл микширования
func NewAudioMixer(logger *slog.Logger) *AudioMixer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &AudioMixer{
		logger:    logger.With(slog.String("component", "audio_mixer")),
		endpoints: make(map[string]*endpoint),
		localIn:   make(chan []int16, inputQueueDepth),
		recorder:  newWAVRecorder(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go m.run()
	return m
}

// AddEndpoint регистрирует точку микшера.
//
// label должен быть уникален; повторная регистрация того же label —
// ошибка, точку сначала нужно удалить.
func (m *AudioMixer) AddEndpoint(label string, pt uint8, ssrc uint32, sink RTPSink) error {
	codec, err := CodecByPayloadType(pt)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("микшер закрыт")
	}
	if _, exists := m.endpoints[label]; exists {
		return fmt.Errorf("точка %q уже присоединена", label)
	}
	m.endpoints[label] = &endpoint{
		label: label,
		codec: codec,
		ssrc:  ssrc,
		sink:  sink,
		in:    make(chan []int16, inputQueueDepth),
	}
	m.logger.Info("точка присоединена к микшеру",
		slog.String("label", label),
		slog.Int("payload_type", int(pt)))
	return nil
}

// RemoveEndpoint удаляет точку микшера (идемпотентно)
func (m *AudioMixer) RemoveEndpoint(label string) {
	m.mu.Lock()
	_, existed := m.endpoints[label]
	delete(m.endpoints, label)
	m.mu.Unlock()

	if existed {
		m.logger.Info("точка отсоединена от микшера", slog.String("label", label))
	}
}

// EndpointCount возвращает число присоединенных точек
func (m *AudioMixer) EndpointCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.endpoints)
}

// PushRTP подает входящий RTP пакет точки в микшер.
//
// Пакеты неизвестных точек молча отбрасываются: поздний пакет после
// отсоединения — штатная гонка, не ошибка.
func (m *AudioMixer) PushRTP(label string, pkt *rtp.Packet) {
	m.mu.RLock()
	e := m.endpoints[label]
	m.mu.RUnlock()
	if e == nil {
		return
	}

	pcm := e.codec.decode(pkt.Payload)
	e.push(pcmToSamples(pcm))
}

// PushLocalFrame подает кадр захвата локального участника
func (m *AudioMixer) PushLocalFrame(frame []int16) {
	select {
	case m.localIn <- frame:
	default:
	}
}

// SetLocalSink назначает приемник микса для локального воспроизведения
func (m *AudioMixer) SetLocalSink(sink func(frame []int16)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localSink = sink
}

// SetLocalEnabled включает или выключает локального участника в миксе
func (m *AudioMixer) SetLocalEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localEnabled = enabled
}

// Close останавливает цикл микширования и запись
func (m *AudioMixer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	<-m.done
	return m.recorder.Stop()
}

// run цикл микширования: один кадр каждые 20 мс
func (m *AudioMixer) run() {
	defer close(m.done)

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mixFrame()
		}
	}
}

// mixFrame выполняет один шаг микширования
func (m *AudioMixer) mixFrame() {
	m.mu.RLock()
	endpoints := make([]*endpoint, 0, len(m.endpoints))
	for _, e := range m.endpoints {
		endpoints = append(endpoints, e)
	}
	localEnabled := m.localEnabled
	localSink := m.localSink
	m.mu.RUnlock()

	if len(endpoints) == 0 && !localEnabled {
		return
	}

	// Сумма вкладов всех точек в 32-битном аккумуляторе
	sum := make([]int32, FrameSamples)
	frames := make(map[string][]int16, len(endpoints))
	for _, e := range endpoints {
		frame := e.pull()
		if frame == nil {
			continue
		}
		frames[e.label] = frame
		accumulate(sum, frame)
	}

	var localFrame []int16
	if localEnabled {
		select {
		case localFrame = <-m.localIn:
			accumulate(sum, localFrame)
		default:
		}
	}

	// Каждой точке — сумма минус собственный вклад
	for _, e := range endpoints {
		out := subtractAndClamp(sum, frames[e.label])
		payload := e.codec.encode(samplesToPCM(out))
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    uint8(e.codec),
				SequenceNumber: e.seq,
				Timestamp:      e.ts,
				SSRC:           e.ssrc,
			},
			Payload: payload,
		}
		e.seq++
		e.ts += FrameSamples

		if err := e.sink.WriteRTP(pkt); err != nil {
			m.logger.Debug("не удалось отправить смикшированный пакет",
				slog.String("label", e.label), slog.Any("error", err))
		}
	}

	if localEnabled && localSink != nil {
		localSink(subtractAndClamp(sum, localFrame))
	}

	// В запись уходит полный микс
	m.recorder.Write(clampSum(sum))
}

// accumulate прибавляет кадр к аккумулятору
func accumulate(sum []int32, frame []int16) {
	n := len(frame)
	if n > len(sum) {
		n = len(sum)
	}
	for i := 0; i < n; i++ {
		sum[i] += int32(frame[i])
	}
}

// subtractAndClamp возвращает сумму минус вклад точки с насыщением
func subtractAndClamp(sum []int32, own []int16) []int16 {
	out := make([]int16, len(sum))
	for i := range sum {
		v := sum[i]
		if own != nil && i < len(own) {
			v -= int32(own[i])
		}
		out[i] = clamp16(v)
	}
	return out
}

// clampSum возвращает полный микс с насыщением
func clampSum(sum []int32) []int16 {
	out := make([]int16, len(sum))
	for i, v := range sum {
		out[i] = clamp16(v)
	}
	return out
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// pcmToSamples переводит PCM байты (16 бит LE) в отсчеты
func pcmToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// samplesToPCM переводит отсчеты в PCM байты (16 бит LE)
func samplesToPCM(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}
