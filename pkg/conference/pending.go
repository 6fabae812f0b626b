package conference

import "sync"

// pendingAction однократное отложенное действие над сессией вызова.
//
// Пара (предикат, действие) — явная замена замыкания-продолжения:
// действие будет выполнено, когда сессия достигнет совместимого
// состояния. Описание позволяет инспектировать очередь ("что еще
// отложено и почему") в тестах и диагностике.
type pendingAction struct {
	// desc описание действия для диагностики
	desc string
	// ready предикат готовности по состоянию сессии
	ready func(CallState) bool
	// run само действие
	run func()
}

// ActionQueue очередь отложенных действий сессии вызова.
//
// Опрашивается на каждом значимом переходе состояния сессии. Действие,
// чей предикат не успел сработать до терминального состояния сессии,
// просто никогда не выполняется — активной отмены нет.
type ActionQueue struct {
	mu      sync.Mutex
	actions []pendingAction
}

// NewActionQueue создает пустую очередь отложенных действий
func NewActionQueue() *ActionQueue {
	return &ActionQueue{}
}

// Push добавляет отложенное действие в очередь
func (q *ActionQueue) Push(desc string, ready func(CallState) bool, run func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = append(q.actions, pendingAction{desc: desc, ready: ready, run: run})
}

// RunReady выполняет и удаляет все действия, готовые при данном
// состоянии сессии. Возвращает число выполненных действий.
func (q *ActionQueue) RunReady(state CallState) int {
	q.mu.Lock()
	var ready []pendingAction
	var remaining []pendingAction
	for _, a := range q.actions {
		if a.ready(state) {
			ready = append(ready, a)
		} else {
			remaining = append(remaining, a)
		}
	}
	q.actions = remaining
	q.mu.Unlock()

	// Действия выполняются вне мьютекса: они могут добавлять новые
	// отложенные действия в ту же очередь
	for _, a := range ready {
		a.run()
	}
	return len(ready)
}

// Pending возвращает описания еще не выполненных действий
func (q *ActionQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	descs := make([]string, len(q.actions))
	for i, a := range q.actions {
		descs[i] = a.desc
	}
	return descs
}

// Clear удаляет все отложенные действия без выполнения
func (q *ActionQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = nil
}

// Len возвращает число отложенных действий
func (q *ActionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}
