// Package codec описывает адаптеры аудио кодеков для RTP.
//
// Каждый адаптер кодирует и декодирует кадры PCM фиксированной длительности
// (int16, mono для G.711) и сообщает свой payload type и частоту
// дискретизации. Для согласования используется Descriptor, а экземпляр
// кодека создается только для выбранного в результате согласования кодека.
package codec

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrCodec возвращается, когда отдельный кадр не удалось закодировать или декодировать
var ErrCodec = errors.New("codec error")

// ErrUnsupported возвращается для неизвестного кодека
var ErrUnsupported = errors.New("unsupported codec")

// DefaultFrameDuration длительность кадра по умолчанию (ptime)
const DefaultFrameDuration = 20 * time.Millisecond

// Статические payload types RFC 3551 и динамические номера, которые мы предлагаем
const (
	PayloadTypePCMU uint8 = 0
	PayloadTypePCMA uint8 = 8
	PayloadTypeOpus uint8 = 107

	PayloadTypeTelephoneEvent uint8 = 101
)

// Имена кодеков в rtpmap
const (
	NamePCMU           = "PCMU"
	NamePCMA           = "PCMA"
	NameOpus           = "opus"
	NameTelephoneEvent = "telephone-event"
)

// Codec адаптер кодека, привязанный к одному звонку
type Codec interface {
	// Encode кодирует один кадр PCM
	Encode(pcm []int16) ([]byte, error)
	// Decode декодирует payload одного RTP пакета
	Decode(payload []byte) ([]int16, error)
	// ClockRate частота RTP таймстемпа
	ClockRate() uint32
	// FrameDuration длительность одного кадра
	FrameDuration() time.Duration
	// PayloadType согласованный payload type
	PayloadType() uint8
	// Name имя кодека в rtpmap
	Name() string
	// SamplesPerFrame приращение RTP таймстемпа на кадр
	SamplesPerFrame() int
}

// Descriptor описывает кодек на этапе согласования SDP
type Descriptor struct {
	Name        string
	PayloadType uint8
	ClockRate   uint32
	Channels    uint16
	Fmtp        string
	Static      bool
}

// Descriptors известных кодеков
var (
	PCMU = Descriptor{Name: NamePCMU, PayloadType: PayloadTypePCMU, ClockRate: 8000, Static: true}
	PCMA = Descriptor{Name: NamePCMA, PayloadType: PayloadTypePCMA, ClockRate: 8000, Static: true}
	Opus = Descriptor{Name: NameOpus, PayloadType: PayloadTypeOpus, ClockRate: 48000, Channels: 2, Fmtp: "useinbandfec=1"}

	TelephoneEvent = Descriptor{Name: NameTelephoneEvent, PayloadType: PayloadTypeTelephoneEvent, ClockRate: 8000, Fmtp: "0-15"}
)

// Lookup ищет Descriptor по имени без учета регистра
func Lookup(name string) (Descriptor, error) {
	for _, d := range []Descriptor{PCMU, PCMA, Opus} {
		if strings.EqualFold(d.Name, name) {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %s", ErrUnsupported, name)
}

// LookupAll преобразует список имен в Descriptors в том же порядке приоритета
func LookupAll(names []string) ([]Descriptor, error) {
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		d, err := Lookup(name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Matches сравнивает кодек по имени и частоте, как это делается при разборе rtpmap
func (d Descriptor) Matches(name string, clockRate uint32) bool {
	return strings.EqualFold(d.Name, name) && (clockRate == 0 || d.ClockRate == clockRate)
}

// New создает экземпляр кодека для согласованного Descriptor.
// payloadType берется из ответа удаленной стороны.
func New(d Descriptor, payloadType uint8, frame time.Duration) (Codec, error) {
	if frame <= 0 {
		frame = DefaultFrameDuration
	}

	switch {
	case strings.EqualFold(d.Name, NamePCMU):
		return newG711(NamePCMU, payloadType, frame, encodeUlaw, decodeUlaw), nil
	case strings.EqualFold(d.Name, NamePCMA):
		return newG711(NamePCMA, payloadType, frame, encodeAlaw, decodeAlaw), nil
	case strings.EqualFold(d.Name, NameOpus):
		return newOpus(payloadType, frame)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, d.Name)
	}
}

func samplesFor(clockRate uint32, frame time.Duration) int {
	return int(uint64(clockRate) * uint64(frame) / uint64(time.Second))
}
