package mixer_test

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sip_conference/pkg/conference"
	"github.com/arzzra/sip_conference/pkg/mixer"
)

// plainGroup группа потоков без RTP ввода-вывода
type plainGroup struct {
	label string
}

func (g *plainGroup) Label() string { return g.label }

// rtpGroup группа потоков с RTP вводом-выводом для тестов
type rtpGroup struct {
	mu       sync.Mutex
	label    string
	pt       uint8
	ssrc     uint32
	received int
}

func (g *rtpGroup) Label() string      { return g.label }
func (g *rtpGroup) PayloadType() uint8 { return g.pt }
func (g *rtpGroup) SSRC() uint32       { return g.ssrc }

func (g *rtpGroup) WriteRTP(_ *rtp.Packet) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.received++
	return nil
}

func (g *rtpGroup) receivedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.received
}

// TestSessionJoinRequiresRTPGroup проверяет, что сессия принимает
// только группы потоков с RTP вводом-выводом
func TestSessionJoinRequiresRTPGroup(t *testing.T) {
	s := mixer.NewSession(nil)
	defer func() { _ = s.Close() }()

	err := s.JoinStreamsGroup(&plainGroup{label: "opaque"})
	require.Error(t, err)
	var unsupported *mixer.UnsupportedGroupError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "opaque", unsupported.Label)
}

// TestSessionJoinUnjoin проверяет присоединение и отсоединение групп:
// дубликат метки отклоняется, после отсоединения метка свободна
func TestSessionJoinUnjoin(t *testing.T) {
	s := mixer.NewSession(nil)
	defer func() { _ = s.Close() }()

	g := &rtpGroup{label: "call-1", pt: 0, ssrc: 42}
	require.NoError(t, s.JoinStreamsGroup(g))
	require.Error(t, s.JoinStreamsGroup(g), "duplicate label must be rejected")

	require.NoError(t, s.UnjoinStreamsGroup(g))
	require.NoError(t, s.UnjoinStreamsGroup(g), "unjoin is idempotent")
	require.NoError(t, s.JoinStreamsGroup(g))
}

// TestSessionMixLoopDelivers проверяет, что цикл микширования раздает
// пакеты присоединенной группе
func TestSessionMixLoopDelivers(t *testing.T) {
	s := mixer.NewSession(nil)
	defer func() { _ = s.Close() }()

	g := &rtpGroup{label: "call-1", pt: 8, ssrc: 7}
	require.NoError(t, s.JoinStreamsGroup(g))

	payload := make([]byte, mixer.FrameSamples)
	s.HandleRTP("call-1", &rtp.Packet{Payload: payload})
	// Пакет неизвестной метки отбрасывается молча
	s.HandleRTP("ghost", &rtp.Packet{Payload: payload})

	require.Eventually(t, func() bool { return g.receivedCount() > 0 },
		2*time.Second, 10*time.Millisecond, "mix loop must deliver packets")
}

// TestSessionMixerByType проверяет доступ к микшеру по типу медиа
func TestSessionMixerByType(t *testing.T) {
	s := mixer.NewSession(nil)
	defer func() { _ = s.Close() }()

	assert.NotNil(t, s.MixerByType(conference.MediaTypeAudio))
	assert.Nil(t, s.MixerByType(conference.MediaTypeVideo))
}

// TestSessionAudioController проверяет аудио интерфейс сессии:
// слоты устройств и запись микса
func TestSessionAudioController(t *testing.T) {
	s := mixer.NewSession(nil)
	defer func() { _ = s.Close() }()

	ac := s.AudioController()
	require.NotNil(t, ac)

	mic := conference.AudioDevice{ID: "mic0", Capabilities: conference.AudioDeviceCapabilityRecord}
	require.NoError(t, ac.SetInputDevice(mic))
	assert.True(t, ac.InputDevice().Equal(mic))

	path := filepath.Join(t.TempDir(), "conf.wav")
	require.NoError(t, ac.StartRecording(path))
	assert.True(t, ac.IsRecording())
	require.NoError(t, ac.StopRecording())
	assert.False(t, ac.IsRecording())
}

// TestSessionCloseStopsRecording проверяет, что закрытие сессии
// останавливает идущую запись
func TestSessionCloseStopsRecording(t *testing.T) {
	s := mixer.NewSession(nil)
	ac := s.AudioController()

	path := filepath.Join(t.TempDir(), "conf.wav")
	require.NoError(t, ac.StartRecording(path))
	require.NoError(t, s.Close())
	assert.False(t, ac.IsRecording())
}
