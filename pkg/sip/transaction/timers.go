package transaction

import (
	"sync"
	"time"
)

// TimerID идентификатор таймера RFC 3261
type TimerID string

const (
	TimerA TimerID = "A" // INVITE request retransmit
	TimerB TimerID = "B" // INVITE transaction timeout
	TimerD TimerID = "D" // Wait time for response retransmits
	TimerE TimerID = "E" // Non-INVITE request retransmit
	TimerF TimerID = "F" // Non-INVITE transaction timeout
	TimerK TimerID = "K" // Wait time for response retransmits (non-INVITE)
)

// Значения по умолчанию RFC 3261 17.1.1.1
const (
	DefaultT1 = 500 * time.Millisecond
	DefaultT2 = 4 * time.Second
	DefaultT4 = 5 * time.Second

	// DefaultInviteRetransmits 7 передач INVITE укладываются в 64*T1
	DefaultInviteRetransmits = 6
	// DefaultNonInviteRetransmits 11 передач non-INVITE укладываются в 64*T1
	DefaultNonInviteRetransmits = 10

	// timerDUnreliable Timer D для UDP
	timerDUnreliable = 32 * time.Second
)

// Timers параметры таймеров транзакции
type Timers struct {
	T1 time.Duration
	T2 time.Duration
	T4 time.Duration

	// MaxRetransmits ограничение числа повторных передач для транзакций
	// обоих видов. Ноль означает значения RFC: DefaultInviteRetransmits для
	// INVITE и DefaultNonInviteRetransmits для остальных методов.
	MaxRetransmits int
}

// DefaultTimers возвращает таймеры RFC 3261 для UDP
func DefaultTimers() Timers {
	return Timers{
		T1: DefaultT1,
		T2: DefaultT2,
		T4: DefaultT4,
	}
}

// withDefaults заполняет незаданные поля
func (t Timers) withDefaults() Timers {
	if t.T1 <= 0 {
		t.T1 = DefaultT1
	}
	if t.T2 <= 0 {
		t.T2 = DefaultT2
	}
	if t.T4 <= 0 {
		t.T4 = DefaultT4
	}
	if t.MaxRetransmits < 0 {
		t.MaxRetransmits = 0
	}
	return t
}

// Duration возвращает длительность таймера
func (t Timers) Duration(id TimerID) time.Duration {
	switch id {
	case TimerA, TimerE:
		return t.T1
	case TimerB, TimerF:
		return 64 * t.T1
	case TimerD:
		if 64*t.T1 > timerDUnreliable {
			return 64 * t.T1
		}
		return timerDUnreliable
	case TimerK:
		return t.T4
	default:
		return 0
	}
}

// maxRetransmits лимит повторных передач для вида транзакции
func (t Timers) maxRetransmits(invite bool) int {
	if t.MaxRetransmits > 0 {
		return t.MaxRetransmits
	}
	if invite {
		return DefaultInviteRetransmits
	}
	return DefaultNonInviteRetransmits
}

// NextRetransmitInterval удваивает интервал. При limit > 0 интервал
// ограничен limit (Timer E ограничен T2, Timer A не ограничен).
func NextRetransmitInterval(current, limit time.Duration) time.Duration {
	next := current * 2
	if limit > 0 && next > limit {
		return limit
	}
	return next
}

// TimerManager управляет таймерами одной транзакции. Колбэки выполняются
// в горутинах time.AfterFunc.
type TimerManager struct {
	mu     sync.Mutex
	timers map[TimerID]*time.Timer
}

// NewTimerManager создает новый менеджер таймеров
func NewTimerManager() *TimerManager {
	return &TimerManager{
		timers: make(map[TimerID]*time.Timer),
	}
}

// Start запускает таймер, останавливая предыдущий с тем же ID
func (tm *TimerManager) Start(id TimerID, duration time.Duration, callback func()) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if existing, ok := tm.timers[id]; ok {
		existing.Stop()
		delete(tm.timers, id)
	}
	if duration <= 0 {
		return
	}
	tm.timers[id] = time.AfterFunc(duration, callback)
}

// Stop останавливает таймер
func (tm *TimerManager) Stop(id TimerID) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if timer, ok := tm.timers[id]; ok {
		delete(tm.timers, id)
		return timer.Stop()
	}
	return false
}

// StopAll останавливает все таймеры
func (tm *TimerManager) StopAll() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for id, timer := range tm.timers {
		timer.Stop()
		delete(tm.timers, id)
	}
}

// IsActive проверяет активен ли таймер
func (tm *TimerManager) IsActive(id TimerID) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	_, ok := tm.timers[id]
	return ok
}
