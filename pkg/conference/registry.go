package conference

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// Registry реестр конференций узла.
//
// Явный объект вместо скрытого глобального состояния: принадлежит
// Core и передается вместе с ним. Конференция вставляется при
// создании и удаляется при завершении; колбэки состояний вызовов
// находят свою конференцию по идентификатору.
type Registry struct {
	mu          sync.RWMutex
	conferences map[string]Conference
	// order порядок вставки для стабильного обхода
	order []string
}

// NewRegistry создает пустой реестр конференций
func NewRegistry() *Registry {
	return &Registry{
		conferences: make(map[string]Conference),
	}
}

// Insert регистрирует конференцию по ее идентификатору.
//
// Повторная вставка того же идентификатора замещает запись.
func (r *Registry) Insert(c Conference) {
	key := c.ID().String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conferences[key]; !exists {
		r.order = append(r.order, key)
	}
	r.conferences[key] = c
}

// Remove удаляет конференцию из реестра.
//
// Отсутствие записи не является ошибкой (идемпотентное удаление).
func (r *Registry) Remove(id ID) {
	key := id.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conferences[key]; !exists {
		return
	}
	delete(r.conferences, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Find возвращает конференцию по идентификатору (nil при отсутствии)
func (r *Registry) Find(id ID) Conference {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conferences[id.String()]
}

// FindByConferenceAddress ищет конференцию по ее внешнему SIP адресу
func (r *Registry) FindByConferenceAddress(uri sip.Uri) Conference {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, key := range r.order {
		c := r.conferences[key]
		if addr, ok := c.ConferenceAddress(); ok && sameURI(addr, uri) {
			return c
		}
	}
	return nil
}

// List возвращает все конференции в порядке регистрации
func (r *Registry) List() []Conference {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Conference, 0, len(r.order))
	for _, key := range r.order {
		list = append(list, r.conferences[key])
	}
	return list
}

// Count возвращает число зарегистрированных конференций
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conferences)
}
