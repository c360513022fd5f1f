package media

import (
	"errors"
	"fmt"
	"time"
)

// DTMFDigit код события telephone-event (RFC 4733), 0-15
type DTMFDigit uint8

const (
	DTMF0     DTMFDigit = 0
	DTMF1     DTMFDigit = 1
	DTMF2     DTMFDigit = 2
	DTMF3     DTMFDigit = 3
	DTMF4     DTMFDigit = 4
	DTMF5     DTMFDigit = 5
	DTMF6     DTMFDigit = 6
	DTMF7     DTMFDigit = 7
	DTMF8     DTMFDigit = 8
	DTMF9     DTMFDigit = 9
	DTMFStar  DTMFDigit = 10 // *
	DTMFPound DTMFDigit = 11 // #
	DTMFA     DTMFDigit = 12
	DTMFB     DTMFDigit = 13
	DTMFC     DTMFDigit = 14
	DTMFD     DTMFDigit = 15
)

const dtmfSymbols = "0123456789*#ABCD"

func (d DTMFDigit) String() string {
	if int(d) < len(dtmfSymbols) {
		return string(dtmfSymbols[d])
	}
	return "?"
}

// ErrTelephoneEvent ошибка разбора payload telephone-event
var ErrTelephoneEvent = errors.New("invalid telephone-event payload")

// DTMFEvent завершенное DTMF событие
type DTMFEvent struct {
	Digit     DTMFDigit     // DTMF цифра
	Duration  time.Duration // Длительность нажатия
	Volume    int8          // Уровень громкости (от 0 до -63 dBm)
	Timestamp uint32        // RTP timestamp события
}

// TelephoneEvent payload telephone-event согласно RFC 4733:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	|     event     |E|R| volume    |          duration             |
type TelephoneEvent struct {
	Event    uint8
	End      bool
	Volume   uint8  // 0-63, -dBm0
	Duration uint16 // в единицах RTP timestamp
}

// Marshal сериализует payload
func (e TelephoneEvent) Marshal() []byte {
	data := make([]byte, 4)
	data[0] = e.Event
	if e.End {
		data[1] |= 0x80
	}
	data[1] |= e.Volume & 0x3F
	data[2] = byte(e.Duration >> 8)
	data[3] = byte(e.Duration)
	return data
}

// ParseTelephoneEvent разбирает payload telephone-event
func ParseTelephoneEvent(data []byte) (TelephoneEvent, error) {
	if len(data) < 4 {
		return TelephoneEvent{}, fmt.Errorf("%w: размер %d", ErrTelephoneEvent, len(data))
	}

	return TelephoneEvent{
		Event:    data[0],
		End:      data[1]&0x80 != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}

// DTMFReceiver собирает пакеты telephone-event в завершенные события.
//
// Пакеты одного события имеют одинаковый RTP timestamp. Промежуточные пакеты
// обновляют только длительность, событие выдается один раз по пакету с
// битом E. Повторные пакеты с битом E (RFC 4733 рекомендует слать три)
// и опоздавшие пакеты уже завершенного события игнорируются.
//
// Не потокобезопасен: используется из одной горутины приема.
type DTMFReceiver struct {
	clockRate uint32

	active    bool
	current   TelephoneEvent
	currentTS uint32

	done     bool
	doneTS   uint32
	doneCode uint8
}

// NewDTMFReceiver создает приемник для telephone-event с указанной частотой
func NewDTMFReceiver(clockRate uint32) *DTMFReceiver {
	if clockRate == 0 {
		clockRate = 8000
	}
	return &DTMFReceiver{clockRate: clockRate}
}

// Process обрабатывает payload одного пакета. Возвращает событие и true
// только для первого пакета с битом E.
func (r *DTMFReceiver) Process(timestamp uint32, payload []byte) (DTMFEvent, bool, error) {
	te, err := ParseTelephoneEvent(payload)
	if err != nil {
		return DTMFEvent{}, false, err
	}
	if te.Event > uint8(DTMFD) {
		// Не DTMF (например, flash или тоны RFC 4734), не выдаем
		return DTMFEvent{}, false, nil
	}

	if r.done && r.doneTS == timestamp && r.doneCode == te.Event {
		return DTMFEvent{}, false, nil
	}

	if !r.active || r.currentTS != timestamp || r.current.Event != te.Event {
		r.active = true
		r.currentTS = timestamp
		r.current = te
	} else if te.Duration >= r.current.Duration {
		r.current.Duration = te.Duration
		r.current.Volume = te.Volume
	}

	if !te.End {
		return DTMFEvent{}, false, nil
	}

	r.active = false
	r.done = true
	r.doneTS = timestamp
	r.doneCode = te.Event

	return DTMFEvent{
		Digit:     DTMFDigit(te.Event),
		Duration:  time.Duration(r.current.Duration) * time.Second / time.Duration(r.clockRate),
		Volume:    -int8(te.Volume),
		Timestamp: timestamp,
	}, true, nil
}

// TelephoneEventFrame один пакет последовательности telephone-event.
// Номер последовательности и timestamp проставляет RTP сессия.
type TelephoneEventFrame struct {
	Payload []byte
	Marker  bool
	End     bool
}

// GenerateTelephoneEvent строит последовательность пакетов для одной цифры:
// пакет на каждый интервал ptime с растущей длительностью, затем три пакета с битом E.
func GenerateTelephoneEvent(digit DTMFDigit, duration, ptime time.Duration, clockRate uint32, volume uint8) ([]TelephoneEventFrame, error) {
	if digit > DTMFD {
		return nil, fmt.Errorf("недопустимая DTMF цифра: %d", digit)
	}
	if duration <= 0 || ptime <= 0 {
		return nil, fmt.Errorf("длительность DTMF должна быть положительной")
	}
	if volume > 63 {
		volume = 63
	}

	units := func(d time.Duration) uint16 {
		v := uint64(d) * uint64(clockRate) / uint64(time.Second)
		if v > 0xFFFF {
			v = 0xFFFF
		}
		return uint16(v)
	}

	var frames []TelephoneEventFrame
	for elapsed := ptime; elapsed < duration; elapsed += ptime {
		frames = append(frames, TelephoneEventFrame{
			Payload: TelephoneEvent{Event: uint8(digit), Volume: volume, Duration: units(elapsed)}.Marshal(),
			Marker:  len(frames) == 0,
		})
	}

	end := TelephoneEvent{Event: uint8(digit), End: true, Volume: volume, Duration: units(duration)}.Marshal()
	for i := 0; i < 3; i++ {
		frames = append(frames, TelephoneEventFrame{
			Payload: end,
			Marker:  len(frames) == 0,
			End:     true,
		})
	}

	return frames, nil
}

// ParseDTMFString преобразует строку в последовательность DTMF цифр
func ParseDTMFString(s string) ([]DTMFDigit, error) {
	var digits []DTMFDigit

	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits = append(digits, DTMFDigit(r-'0'))
		case r == '*':
			digits = append(digits, DTMFStar)
		case r == '#':
			digits = append(digits, DTMFPound)
		case r >= 'A' && r <= 'D':
			digits = append(digits, DTMFA+DTMFDigit(r-'A'))
		case r >= 'a' && r <= 'd':
			digits = append(digits, DTMFA+DTMFDigit(r-'a'))
		default:
			return nil, fmt.Errorf("недопустимый DTMF символ: %c", r)
		}
	}

	return digits, nil
}
