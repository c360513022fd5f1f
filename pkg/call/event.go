package call

import (
	"time"

	"github.com/arzzra/sipphone/pkg/media"
)

// EventKind тип события звонка
type EventKind int

const (
	// EventStateChanged переход состояния. Err заполнен для Failed.
	EventStateChanged EventKind = iota
	// EventDTMF принята DTMF цифра
	EventDTMF
	// EventMediaDrained очередь отправки опустела после передачи аудио
	EventMediaDrained
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventDTMF:
		return "dtmf"
	case EventMediaDrained:
		return "media_drained"
	default:
		return "unknown"
	}
}

// Event событие звонка для потребителя Phone.Events
type Event struct {
	CallID string
	Kind   EventKind
	Time   time.Time

	From State
	To   State
	Err  error

	DTMF media.DTMFEvent
}
