package conference

import (
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// Participant член конференции.
//
// Идентичность участника — его SIP адрес, не устройство: один участник
// может присутствовать с нескольких устройств одновременно. Слой
// участника не содержит логики сигнализации и не эмитит уведомлений —
// этим занимается слой конференции.
type Participant struct {
	mu sync.RWMutex

	// address SIP идентичность участника
	address sip.Uri
	// admin участник является администратором конференции
	admin bool
	// preserveSession при удалении участника его вызов ставится на
	// паузу вместо завершения
	preserveSession bool
	// devices устройства участника в порядке появления
	devices []*Device
	// session сессия участника для модели без устройств
	// (участник удаленной конференции, известный только из event package)
	session CallSession
}

// NewParticipant создает участника с указанным адресом
func NewParticipant(address sip.Uri) *Participant {
	return &Participant{address: address}
}

// Address возвращает SIP адрес участника
func (p *Participant) Address() sip.Uri {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.address
}

// IsAdmin возвращает true, если участник — администратор конференции
func (p *Participant) IsAdmin() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.admin
}

// setAdmin устанавливает флаг администратора
func (p *Participant) setAdmin(admin bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.admin = admin
}

// PreserveSession возвращает политику сохранения сессии при удалении
func (p *Participant) PreserveSession() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.preserveSession
}

// SetPreserveSession устанавливает политику сохранения сессии
func (p *Participant) SetPreserveSession(preserve bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.preserveSession = preserve
}

// Session возвращает сессию участника (модель без устройств)
func (p *Participant) Session() CallSession {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

// setSession устанавливает сессию участника
func (p *Participant) setSession(s CallSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = s
}

// AddDevice создает устройство или возвращает существующее.
//
// Если устройство с той же сессией уже есть, дубликат не создается.
// Уникальность устройств — по сессии вызова и по Contact адресу.
func (p *Participant) AddDevice(address sip.Uri, session CallSession, initial DeviceState) *Device {
	p.mu.Lock()
	defer p.mu.Unlock()

	if session != nil {
		for _, d := range p.devices {
			if d.Session() == session {
				return d
			}
		}
	}
	for _, d := range p.devices {
		if addr := d.Address(); sameURI(addr, address) {
			return d
		}
	}

	device := newDevice(address, session, initial)
	p.devices = append(p.devices, device)
	return device
}

// FindDeviceBySession ищет устройство по сессии вызова.
//
// Возвращает nil при отсутствии: после переходов вызова вызывающий
// обязан явно обрабатывать отсутствие устройства.
func (p *Participant) FindDeviceBySession(session CallSession) *Device {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, d := range p.devices {
		if d.Session() == session {
			return d
		}
	}
	return nil
}

// FindDeviceByAddress ищет устройство по Contact адресу
func (p *Participant) FindDeviceByAddress(address sip.Uri) *Device {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, d := range p.devices {
		if addr := d.Address(); sameURI(addr, address) {
			return d
		}
	}
	return nil
}

// RemoveDevice отсоединяет устройство от участника.
//
// Уведомлений не эмитит — это ответственность слоя конференции.
// Возвращает true, если устройство было найдено и удалено.
func (p *Participant) RemoveDevice(device *Device) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, d := range p.devices {
		if d == device {
			p.devices = append(p.devices[:i], p.devices[i+1:]...)
			return true
		}
	}
	return false
}

// Devices возвращает копию списка устройств в порядке появления
func (p *Participant) Devices() []*Device {
	p.mu.RLock()
	defer p.mu.RUnlock()

	devices := make([]*Device, len(p.devices))
	copy(devices, p.devices)
	return devices
}

// DeviceCount возвращает число устройств участника
func (p *Participant) DeviceCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.devices)
}

// String возвращает строковое представление участника
func (p *Participant) String() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fmt.Sprintf("Participant{%s, admin: %v, devices: %d}",
		p.address.String(), p.admin, len(p.devices))
}
