// Package conference реализует оркестрацию многосторонних аудио/видео
// конференций поверх существующего SIP/SDP слоя сигнализации.
//
// Пакет превращает набор независимых point-to-point вызовов в единую
// конференцию и обратно. Поддерживаются два варианта:
//
//   - LocalConference — данный узел является фокусом (микшером) конференции,
//     владеет сессией микшера и управляет приемом/удалением вызовов;
//   - RemoteConference — данный узел является участником конференции,
//     размещенной на удаленном сервере; административные операции
//     выполняются через SIP REFER в сторону фокуса.
//
// Слои SIP транзакций/диалогов и медиа движка не входят в пакет и
// потребляются через интерфейсы CallSession, MixerSession,
// AudioController, EventHandler и InfoStore.
//
// Модель конференции:
//
//	Conference (интерфейс)
//	  ├── LocalConference — узел-фокус, владеет MixerSession
//	  └── RemoteConference — участник серверной конференции
//	Participant — член конференции (идентичность = SIP адрес)
//	  └── Device — конечная точка участника (Contact адрес + CallSession)
//
// Все изменения наблюдаемого состояния нумеруются монотонной
// последовательностью lastNotify и доставляются слушателям (Listener)
// строго в порядке возникновения, что позволяет потребителям
// event package (RFC 4575) выполнять ресинхронизацию "все после N".
package conference
