// Package mixer реализует аудио микшер конференции поверх G.711 (PCMU/PCMA).
//
// Микшер работает кадрами 20 мс (160 отсчетов, 8 кГц, моно): входящие RTP
// пакеты каждой точки декодируются в линейный PCM, суммируются, и каждая
// точка получает обратно сумму минус собственный вклад (N-1 микс). Локальный
// участник — отдельная точка без RTP, наполняемая захватом звука.
//
// Сессия микшера принадлежит создавшей ее конференции: точки присоединяются
// и отсоединяются по одной, в составе приема и удаления вызова.
package mixer
