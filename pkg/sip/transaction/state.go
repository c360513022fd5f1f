package transaction

// State состояние клиентской транзакции (RFC 3261 рис. 5 и 6)
type State int

const (
	// INVITE: Calling -> Proceeding -> Completed -> Terminated
	StateCalling State = iota
	// non-INVITE: Trying -> Proceeding -> Completed -> Terminated
	StateTrying
	StateProceeding
	StateCompleted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCalling:
		return "Calling"
	case StateTrying:
		return "Trying"
	case StateProceeding:
		return "Proceeding"
	case StateCompleted:
		return "Completed"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// validTransition проверяет допустимость перехода состояний
func validTransition(from, to State) bool {
	switch from {
	case StateCalling, StateTrying:
		// 1xx, финальный ответ, 2xx INVITE или таймаут
		return to == StateProceeding || to == StateCompleted || to == StateTerminated
	case StateProceeding:
		return to == StateCompleted || to == StateTerminated
	case StateCompleted:
		return to == StateTerminated
	default:
		return false
	}
}
