package conference

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// CoreConfig конфигурация ядра конференций
type CoreConfig struct {
	// Logger базовый логгер; nil = slog.Default()
	Logger *slog.Logger
	// Dialer источник исходящих вызовов для dial-out (может быть nil,
	// тогда dial-out операции возвращают ошибку конфигурации)
	Dialer Dialer
	// ServerMode узел работает как выделенный конференц-сервер
	ServerMode bool
	// InfoStore персистентное хранилище метаданных (опционально)
	InfoStore InfoStore
	// Metrics сборщик метрик; nil = метрики с собственным реестром
	Metrics *Metrics
}

// Core ядро слоя конференций: реестры вызовов и конференций,
// слот текущего вызова и флаг глобального завершения.
//
// Все мутации состояния конференций происходят в ответ на колбэки
// SIP/медиа слоя; Core не владеет собственным циклом событий, но
// предоставляет общий контекст, который эти колбэки разделяют.
type Core struct {
	mu sync.RWMutex

	logger    *slog.Logger
	dialer    Dialer
	infoStore InfoStore
	metrics   *Metrics

	serverMode bool

	registry *Registry

	// calls реестр сессий вызовов по Call-ID
	calls map[string]CallSession
	// callOrder порядок появления вызовов
	callOrder []string
	// currentCall слот текущего вызова point-to-point парадигмы
	currentCall CallSession

	// shuttingDown глобальное завершение: конференции не переходят в
	// Deleted, чтобы не мутировать реестр посреди сноса
	shuttingDown atomic.Bool
}

// NewCore создает ядро слоя конференций
func NewCore(cfg CoreConfig) *Core {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Core{
		logger:     logger,
		dialer:     cfg.Dialer,
		infoStore:  cfg.InfoStore,
		metrics:    metrics,
		serverMode: cfg.ServerMode,
		registry:   NewRegistry(),
		calls:      make(map[string]CallSession),
	}
}

// Logger возвращает базовый логгер ядра
func (c *Core) Logger() *slog.Logger {
	return c.logger
}

// Registry возвращает реестр конференций
func (c *Core) Registry() *Registry {
	return c.registry
}

// Dialer возвращает источник исходящих вызовов (может быть nil)
func (c *Core) Dialer() Dialer {
	return c.dialer
}

// InfoStore возвращает хранилище метаданных (может быть nil)
func (c *Core) InfoStore() InfoStore {
	return c.infoStore
}

// Metrics возвращает сборщик метрик ядра
func (c *Core) Metrics() *Metrics {
	return c.metrics
}

// IsServerMode сообщает, работает ли узел как конференц-сервер
func (c *Core) IsServerMode() bool {
	return c.serverMode
}

// AddCall регистрирует сессию вызова в реестре ядра
func (c *Core) AddCall(call CallSession) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := call.ID()
	if _, exists := c.calls[id]; !exists {
		c.callOrder = append(c.callOrder, id)
	}
	c.calls[id] = call
}

// RemoveCall удаляет сессию вызова из реестра ядра.
//
// Если вызов занимал слот текущего вызова, слот очищается.
func (c *Core) RemoveCall(call CallSession) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := call.ID()
	if _, exists := c.calls[id]; !exists {
		return
	}
	delete(c.calls, id)
	for i, k := range c.callOrder {
		if k == id {
			c.callOrder = append(c.callOrder[:i], c.callOrder[i+1:]...)
			break
		}
	}
	if c.currentCall == call {
		c.currentCall = nil
	}
}

// Calls возвращает все сессии вызовов в порядке появления
func (c *Core) Calls() []CallSession {
	c.mu.RLock()
	defer c.mu.RUnlock()

	calls := make([]CallSession, 0, len(c.callOrder))
	for _, id := range c.callOrder {
		calls = append(calls, c.calls[id])
	}
	return calls
}

// FindCallByRemoteAddress ищет вызов по адресу удаленной стороны.
//
// Возвращает первый по порядку появления вызов с совпадающим адресом
// или nil. Используется для присоединения уже установленных
// point-to-point вызовов без повторного набора.
func (c *Core) FindCallByRemoteAddress(addr sip.Uri) CallSession {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, id := range c.callOrder {
		call := c.calls[id]
		if remote := call.RemoteAddress(); sameURI(remote, addr) {
			return call
		}
	}
	return nil
}

// FindCallByID ищет вызов по Call-ID
func (c *Core) FindCallByID(id string) CallSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calls[id]
}

// CurrentCall возвращает вызов из слота текущего вызова (может быть nil)
func (c *Core) CurrentCall() CallSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentCall
}

// SetCurrentCall устанавливает слот текущего вызова (nil — очищает)
func (c *Core) SetCurrentCall(call CallSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentCall = call
}

// Shutdown помечает начало глобального завершения.
//
// После этого конференции, достигшие Terminated, не переходят в
// Deleted и не снимаются с реестра.
func (c *Core) Shutdown() {
	c.shuttingDown.Store(true)
}

// IsShuttingDown сообщает о глобальном завершении
func (c *Core) IsShuttingDown() bool {
	return c.shuttingDown.Load()
}
