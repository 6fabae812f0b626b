package conference

import (
	"fmt"
	"sync"
)

// State состояние конференции
type State int

const (
	StateNone State = iota
	StateInstantiated
	StateCreationPending
	StateCreated
	StateCreationFailed
	StateTerminationPending
	StateTerminated
	StateTerminationFailed
	StateDeleted
)

var stateNames = map[State]string{
	StateNone:               "None",
	StateInstantiated:       "Instantiated",
	StateCreationPending:    "CreationPending",
	StateCreated:            "Created",
	StateCreationFailed:     "CreationFailed",
	StateTerminationPending: "TerminationPending",
	StateTerminated:         "Terminated",
	StateTerminationFailed:  "TerminationFailed",
	StateDeleted:            "Deleted",
}

// String возвращает строковое представление состояния конференции
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateTransition представляет выполненный переход состояния
type StateTransition struct {
	From   State
	To     State
	Reason string
}

// StateValidator валидирует переходы состояний конференции.
//
// Матрица переходов повторяет жизненный цикл конференции:
//
//	None → Instantiated → CreationPending → Created →
//	TerminationPending → Terminated → Deleted
//
// с ветками ошибок CreationPending → CreationFailed и
// Created → TerminationFailed (нетерминальное, допускает повтор).
// Deleted допускает единственный переход — повторный Instantiated
// (переиспользование объекта конференции приложением).
type StateValidator struct {
	validTransitions map[State]map[State]bool
	mu               sync.RWMutex
}

// NewStateValidator создает новый валидатор состояний конференции
func NewStateValidator() *StateValidator {
	sv := &StateValidator{
		validTransitions: make(map[State]map[State]bool),
	}
	sv.initValidTransitions()
	return sv
}

// initValidTransitions инициализирует матрицу валидных переходов
func (sv *StateValidator) initValidTransitions() {
	// From None
	sv.addTransition(StateNone, StateInstantiated)

	// From Instantiated
	sv.addTransition(StateInstantiated, StateCreationPending)
	// Вызов-триггер может быть принят до подтверждения адреса фокуса
	sv.addTransition(StateInstantiated, StateCreated)
	sv.addTransition(StateInstantiated, StateTerminationPending)

	// From CreationPending
	sv.addTransition(StateCreationPending, StateCreated)
	sv.addTransition(StateCreationPending, StateCreationFailed)
	sv.addTransition(StateCreationPending, StateTerminationPending)

	// From Created
	sv.addTransition(StateCreated, StateTerminationPending)
	sv.addTransition(StateCreated, StateTerminationFailed)

	// From CreationFailed: объект остается наблюдаемым, допускается только снос
	sv.addTransition(StateCreationFailed, StateTerminationPending)
	sv.addTransition(StateCreationFailed, StateDeleted)

	// From TerminationPending
	sv.addTransition(StateTerminationPending, StateTerminated)
	sv.addTransition(StateTerminationPending, StateTerminationFailed)

	// From TerminationFailed: путь повтора, не терминальное состояние
	sv.addTransition(StateTerminationFailed, StateTerminationPending)
	sv.addTransition(StateTerminationFailed, StateTerminated)

	// From Terminated
	sv.addTransition(StateTerminated, StateDeleted)

	// From Deleted: только переиспользование объекта
	sv.addTransition(StateDeleted, StateInstantiated)
}

// addTransition добавляет валидный переход
func (sv *StateValidator) addTransition(from, to State) {
	if sv.validTransitions[from] == nil {
		sv.validTransitions[from] = make(map[State]bool)
	}
	sv.validTransitions[from][to] = true
}

// ValidateTransition проверяет, является ли переход валидным
func (sv *StateValidator) ValidateTransition(from, to State) error {
	sv.mu.RLock()
	defer sv.mu.RUnlock()

	// Переход в то же состояние всегда валиден (no-op с callback)
	if from == to {
		return nil
	}

	if transitions, exists := sv.validTransitions[from]; exists {
		if transitions[to] {
			return nil
		}
	}

	return &Error{
		Code:     "INVALID_STATE_TRANSITION",
		Message:  fmt.Sprintf("невалидный переход состояния конференции: %s -> %s", from, to),
		Category: ErrorCategoryState,
	}
}

// GetValidTransitions возвращает список валидных переходов из состояния
func (sv *StateValidator) GetValidTransitions(from State) []State {
	sv.mu.RLock()
	defer sv.mu.RUnlock()

	var validStates []State
	if transitions, exists := sv.validTransitions[from]; exists {
		for state := range transitions {
			validStates = append(validStates, state)
		}
	}
	return validStates
}
