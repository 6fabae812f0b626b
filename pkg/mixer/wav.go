package mixer

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// wavHeaderSize размер заголовка WAV (RIFF + fmt + data chunk)
const wavHeaderSize = 44

// wavRecorder пишет микс конференции в WAV файл (PCM 16 бит, 8 кГц, моно).
//
// Заголовок пишется с нулевыми размерами и дописывается при остановке:
// размер данных известен только в конце записи.
type wavRecorder struct {
	mu sync.Mutex

	file    *os.File
	written uint32
}

func newWAVRecorder() *wavRecorder {
	return &wavRecorder{}
}

// Start открывает файл записи и пишет предварительный заголовок
func (r *wavRecorder) Start(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return fmt.Errorf("запись уже идет")
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("создание файла записи: %w", err)
	}
	if err := writeWAVHeader(f, 0); err != nil {
		_ = f.Close()
		return err
	}
	r.file = f
	r.written = 0
	return nil
}

// Write добавляет кадр микса в запись; вне записи — no-op
func (r *wavRecorder) Write(frame []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return
	}
	buf := samplesToPCM(frame)
	if _, err := r.file.Write(buf); err != nil {
		return
	}
	r.written += uint32(len(buf))
}

// Stop дописывает размеры в заголовок и закрывает файл; вне записи — no-op
func (r *wavRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	f := r.file
	r.file = nil

	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return err
	}
	if err := writeWAVHeader(f, r.written); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// IsActive сообщает, идет ли запись
func (r *wavRecorder) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file != nil
}

// writeWAVHeader пишет заголовок WAV для PCM 16 бит, 8 кГц, моно
func writeWAVHeader(f *os.File, dataSize uint32) error {
	var header [wavHeaderSize]byte

	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 36+dataSize)
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], 1) // моно
	binary.LittleEndian.PutUint32(header[24:28], SampleRate)
	binary.LittleEndian.PutUint32(header[28:32], SampleRate*2) // byte rate
	binary.LittleEndian.PutUint16(header[32:34], 2)            // block align
	binary.LittleEndian.PutUint16(header[34:36], 16)           // бит на отсчет

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], dataSize)

	_, err := f.Write(header[:])
	return err
}
