package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDTMFDigitString(t *testing.T) {
	assert.Equal(t, "0", DTMF0.String())
	assert.Equal(t, "9", DTMF9.String())
	assert.Equal(t, "*", DTMFStar.String())
	assert.Equal(t, "#", DTMFPound.String())
	assert.Equal(t, "D", DTMFD.String())
	assert.Equal(t, "?", DTMFDigit(16).String())
}

func TestParseTelephoneEvent(t *testing.T) {
	// Цифра 5, E=1, volume 10, duration 800
	te, err := ParseTelephoneEvent([]byte{0x05, 0x8A, 0x03, 0x20})
	require.NoError(t, err)
	assert.Equal(t, uint8(5), te.Event)
	assert.True(t, te.End)
	assert.Equal(t, uint8(10), te.Volume)
	assert.Equal(t, uint16(800), te.Duration)

	assert.Equal(t, []byte{0x05, 0x8A, 0x03, 0x20}, te.Marshal())

	_, err = ParseTelephoneEvent([]byte{0x05, 0x8A})
	assert.ErrorIs(t, err, ErrTelephoneEvent)
}

func payload(event uint8, end bool, duration uint16) []byte {
	return TelephoneEvent{Event: event, End: end, Volume: 10, Duration: duration}.Marshal()
}

func TestDTMFReceiver_EmitsOnceOnEndBit(t *testing.T) {
	r := NewDTMFReceiver(8000)
	const ts = 16000

	for _, d := range []uint16{160, 320, 480, 640} {
		_, ok, err := r.Process(ts, payload(1, false, d))
		require.NoError(t, err)
		assert.False(t, ok, "событие не должно выдаваться до бита E")
	}

	ev, ok, err := r.Process(ts, payload(1, true, 800))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, DTMF1, ev.Digit)
	assert.Equal(t, 100*time.Millisecond, ev.Duration)
	assert.Equal(t, int8(-10), ev.Volume)
	assert.Equal(t, uint32(ts), ev.Timestamp)

	// Повторы конечного пакета не дают второго события
	for i := 0; i < 2; i++ {
		_, ok, err = r.Process(ts, payload(1, true, 800))
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

func TestDTMFReceiver_SameDigitTwice(t *testing.T) {
	r := NewDTMFReceiver(8000)

	_, ok, _ := r.Process(1000, payload(7, false, 160))
	assert.False(t, ok)
	_, ok, _ = r.Process(1000, payload(7, true, 320))
	assert.True(t, ok)

	// Новое нажатие той же цифры имеет другой timestamp
	_, ok, _ = r.Process(5000, payload(7, false, 160))
	assert.False(t, ok)
	ev, ok, _ := r.Process(5000, payload(7, true, 480))
	require.True(t, ok)
	assert.Equal(t, 60*time.Millisecond, ev.Duration)
}

func TestDTMFReceiver_EndWithoutStartPackets(t *testing.T) {
	// Начальные пакеты потерялись, пришел только конечный
	r := NewDTMFReceiver(8000)

	ev, ok, err := r.Process(42, payload(uint8(DTMFPound), true, 1600))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, DTMFPound, ev.Digit)
	assert.Equal(t, 200*time.Millisecond, ev.Duration)
}

func TestDTMFReceiver_LatePacketAfterEnd(t *testing.T) {
	r := NewDTMFReceiver(8000)

	_, ok, _ := r.Process(100, payload(3, true, 800))
	require.True(t, ok)

	// Переупорядоченный промежуточный пакет того же события
	_, ok, _ = r.Process(100, payload(3, false, 480))
	assert.False(t, ok)
	_, ok, _ = r.Process(100, payload(3, true, 800))
	assert.False(t, ok)
}

func TestDTMFReceiver_IgnoresNonDTMFEvents(t *testing.T) {
	r := NewDTMFReceiver(8000)

	// 16 = flash
	_, ok, err := r.Process(1, payload(16, true, 800))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDTMFReceiver_MalformedPayload(t *testing.T) {
	r := NewDTMFReceiver(0)
	_, ok, err := r.Process(1, []byte{1})
	assert.ErrorIs(t, err, ErrTelephoneEvent)
	assert.False(t, ok)
}

func TestGenerateTelephoneEvent(t *testing.T) {
	frames, err := GenerateTelephoneEvent(DTMF9, 100*time.Millisecond, 20*time.Millisecond, 8000, 10)
	require.NoError(t, err)

	// 4 промежуточных пакета (20, 40, 60, 80 мс) и 3 конечных
	require.Len(t, frames, 7)
	assert.True(t, frames[0].Marker)
	for _, f := range frames[1:] {
		assert.False(t, f.Marker)
	}

	var prev uint16
	for i, f := range frames {
		te, err := ParseTelephoneEvent(f.Payload)
		require.NoError(t, err)
		assert.Equal(t, uint8(9), te.Event)
		assert.Equal(t, i >= 4, te.End)
		assert.Equal(t, i >= 4, f.End)
		assert.GreaterOrEqual(t, te.Duration, prev)
		prev = te.Duration
	}
	assert.Equal(t, uint16(800), prev)

	// Полный цикл через приемник дает одно событие
	r := NewDTMFReceiver(8000)
	emitted := 0
	for _, f := range frames {
		_, ok, err := r.Process(777, f.Payload)
		require.NoError(t, err)
		if ok {
			emitted++
		}
	}
	assert.Equal(t, 1, emitted)
}

func TestGenerateTelephoneEvent_Invalid(t *testing.T) {
	_, err := GenerateTelephoneEvent(DTMFDigit(20), time.Second, 20*time.Millisecond, 8000, 0)
	assert.Error(t, err)

	_, err = GenerateTelephoneEvent(DTMF1, 0, 20*time.Millisecond, 8000, 0)
	assert.Error(t, err)
}

func TestParseDTMFString(t *testing.T) {
	digits, err := ParseDTMFString("12*#aD")
	require.NoError(t, err)
	assert.Equal(t, []DTMFDigit{DTMF1, DTMF2, DTMFStar, DTMFPound, DTMFA, DTMFD}, digits)

	_, err = ParseDTMFString("12x")
	assert.Error(t, err)
}
