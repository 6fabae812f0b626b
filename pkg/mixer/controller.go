package mixer

import (
	"sync"

	"github.com/arzzra/sip_conference/pkg/conference"
)

// Controller управление локальным аудио сессии микшера: слоты активных
// устройств захвата и воспроизведения и запись микса в файл.
//
// Слоты устройств — единственное текущее значение; проверка "то же
// самое устройство" выполняется слоем конференции до вызова сеттера.
type Controller struct {
	mu sync.RWMutex

	input  conference.AudioDevice
	output conference.AudioDevice

	recorder *wavRecorder
}

var _ conference.AudioController = (*Controller)(nil)

func newController(recorder *wavRecorder) *Controller {
	return &Controller{recorder: recorder}
}

// SetInputDevice выбирает устройство захвата
func (c *Controller) SetInputDevice(device conference.AudioDevice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.input = device
	return nil
}

// SetOutputDevice выбирает устройство воспроизведения
func (c *Controller) SetOutputDevice(device conference.AudioDevice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output = device
	return nil
}

// InputDevice возвращает активное устройство захвата
func (c *Controller) InputDevice() conference.AudioDevice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.input
}

// OutputDevice возвращает активное устройство воспроизведения
func (c *Controller) OutputDevice() conference.AudioDevice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.output
}

// StartRecording начинает запись микса конференции в WAV файл
func (c *Controller) StartRecording(path string) error {
	return c.recorder.Start(path)
}

// StopRecording останавливает запись
func (c *Controller) StopRecording() error {
	return c.recorder.Stop()
}

// IsRecording сообщает, идет ли запись
func (c *Controller) IsRecording() bool {
	return c.recorder.IsActive()
}
