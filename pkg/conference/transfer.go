package conference

import (
	"context"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// Состояния переноса вызова в конференцию (REFER, RFC 3515).
// Набор сведен к минимально достаточному: прогресс переноса приходит
// как sipfrag коды в NOTIFY подписки REFER.
// pending    – REFER отправлен, первый NOTIFY еще не получен;
// trying     – NOTIFY с 100 Trying получен;
// proceeding – NOTIFY с 1xx/18x получен;
// completed  – NOTIFY с окончательным кодом (<300) получен;
// failed     – NOTIFY с окончательным кодом (>=300) получен.
const (
	TransferStatePending    = "pending"
	TransferStateTrying     = "trying"
	TransferStateProceeding = "proceeding"
	TransferStateCompleted  = "completed"
	TransferStateFailed     = "failed"
)

// newTransferFSM создает машину состояний переноса.
// События: notify_100, notify_1xx, notify_success, notify_failure
func newTransferFSM() *fsm.FSM {
	return fsm.NewFSM(
		TransferStatePending,
		fsm.Events{
			{Name: "notify_100", Src: []string{TransferStatePending}, Dst: TransferStateTrying},
			{Name: "notify_1xx", Src: []string{TransferStatePending, TransferStateTrying}, Dst: TransferStateProceeding},
			{Name: "notify_success", Src: []string{TransferStatePending, TransferStateTrying, TransferStateProceeding}, Dst: TransferStateCompleted},
			{Name: "notify_failure", Src: []string{TransferStatePending, TransferStateTrying, TransferStateProceeding}, Dst: TransferStateFailed},
		}, nil,
	)
}

// transferProgress прогресс REFER переноса одного вызова в конференцию.
//
// Машина переноса независима от машины состояний фокусного вызова:
// вызов покидает очередь переноса только по окончательному sipfrag коду.
type transferProgress struct {
	call CallSession
	fsm  *fsm.FSM
}

func newTransferProgress(call CallSession) *transferProgress {
	return &transferProgress{call: call, fsm: newTransferFSM()}
}

// State возвращает текущее состояние переноса
func (t *transferProgress) State() string {
	return t.fsm.Current()
}

// applyNotify применяет sipfrag код из NOTIFY к машине переноса.
// Возвращает true, если код окончательный (перенос завершен или провален).
func (t *transferProgress) applyNotify(code int) bool {
	var event string
	switch {
	case code == sip.StatusTrying:
		event = "notify_100"
	case code < 200:
		event = "notify_1xx"
	case code < 300:
		event = "notify_success"
	default:
		event = "notify_failure"
	}

	// Поздний NOTIFY после окончательного кода игнорируется
	_ = t.fsm.Event(context.Background(), event)

	cur := t.fsm.Current()
	return cur == TransferStateCompleted || cur == TransferStateFailed
}
