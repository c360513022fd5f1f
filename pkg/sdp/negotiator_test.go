package sdp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipphone/pkg/media/codec"
	"github.com/arzzra/sipphone/pkg/rtp"
)

func newTestNegotiator(t *testing.T, codecs ...codec.Descriptor) *Negotiator {
	t.Helper()
	if len(codecs) == 0 {
		codecs = []codec.Descriptor{codec.PCMU, codec.PCMA, codec.Opus}
	}
	n, err := NewNegotiator(codecs, 20*time.Millisecond)
	require.NoError(t, err)
	return n
}

func buildTestOffer(t *testing.T, n *Negotiator) *Offer {
	t.Helper()
	offer, err := n.BuildOffer("127.0.0.1", 20400)
	require.NoError(t, err)
	return offer
}

// answerSDP собирает ответ: c= уровня сессии (пустая строка - без него) и описание медиа
func answerSDP(conn string, media ...string) []byte {
	lines := []string{
		"v=0",
		"o=- 1 1 IN IP4 10.0.0.2",
		"s=-",
	}
	if conn != "" {
		lines = append(lines, "c="+conn)
	}
	lines = append(lines, "t=0 0")
	lines = append(lines, media...)
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func TestBuildOffer(t *testing.T) {
	n := newTestNegotiator(t)
	offer := buildTestOffer(t, n)

	body := string(offer.Body)
	assert.Contains(t, body, "c=IN IP4 127.0.0.1")
	assert.Contains(t, body, "m=audio 20400 RTP/AVP 0 8 107 101")
	assert.Contains(t, body, "a=rtpmap:0 PCMU/8000")
	assert.Contains(t, body, "a=rtpmap:8 PCMA/8000")
	assert.Contains(t, body, "a=rtpmap:107 opus/48000/2")
	assert.Contains(t, body, "a=fmtp:107 useinbandfec=1")
	assert.Contains(t, body, "a=rtpmap:101 telephone-event/8000")
	assert.Contains(t, body, "a=fmtp:101 0-15")
	assert.Contains(t, body, "a=ptime:20")
	assert.Contains(t, body, "a=sendrecv")

	assert.Equal(t, 20400, offer.Port)
	assert.Len(t, offer.Codecs, 3)
}

func TestBuildOfferVersionIncrements(t *testing.T) {
	n := newTestNegotiator(t)
	first := buildTestOffer(t, n)
	second := buildTestOffer(t, n)

	assert.Greater(t, second.Session.Origin.SessionVersion, first.Session.Origin.SessionVersion)
}

func TestBuildOfferInvalidInput(t *testing.T) {
	n := newTestNegotiator(t)

	_, err := n.BuildOffer("not-an-ip", 20400)
	assert.Error(t, err)

	_, err = n.BuildOffer("127.0.0.1", 0)
	assert.Error(t, err)
}

func TestNewNegotiatorRequiresCodecs(t *testing.T) {
	_, err := NewNegotiator(nil, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNegotiation)
}

func TestNegotiateSelectsLocalPriority(t *testing.T) {
	n := newTestNegotiator(t)
	offer := buildTestOffer(t, n)

	// Удаленная сторона предпочитает PCMA, но локальный приоритет у PCMU
	answer, err := n.Negotiate(offer, answerSDP(
		"IN IP4 10.0.0.2",
		"m=audio 30000 RTP/AVP 8 0 101",
		"a=rtpmap:8 PCMA/8000",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=fmtp:101 0-16",
	))
	require.NoError(t, err)

	assert.Equal(t, codec.NamePCMU, answer.Codec.Name)
	assert.Equal(t, uint8(0), answer.PayloadType)
	assert.True(t, answer.HasTelephoneEvent)
	assert.Equal(t, uint8(101), answer.TelephoneEventPT)
	assert.Equal(t, "10.0.0.2", answer.RemoteRTP.IP.String())
	assert.Equal(t, 30000, answer.RemoteRTP.Port)
	assert.Equal(t, 30001, answer.RemoteRTCP.Port)
	assert.False(t, answer.RTCPMux)
	assert.Equal(t, rtp.DirectionSendRecv, answer.Direction)
}

func TestNegotiateOnlyOpus(t *testing.T) {
	n := newTestNegotiator(t)
	offer := buildTestOffer(t, n)

	answer, err := n.Negotiate(offer, answerSDP(
		"IN IP4 10.0.0.2",
		"m=audio 30000 RTP/AVP 111",
		"a=rtpmap:111 opus/48000/2",
	))
	require.NoError(t, err)

	assert.Equal(t, codec.NameOpus, answer.Codec.Name)
	// Используется payload type удаленной стороны
	assert.Equal(t, uint8(111), answer.PayloadType)
	assert.False(t, answer.HasTelephoneEvent)
}

func TestNegotiateStaticPayloadWithoutRtpmap(t *testing.T) {
	n := newTestNegotiator(t, codec.PCMA)
	offer := buildTestOffer(t, n)

	answer, err := n.Negotiate(offer, answerSDP(
		"IN IP4 10.0.0.2",
		"m=audio 30000 RTP/AVP 8",
	))
	require.NoError(t, err)
	assert.Equal(t, codec.NamePCMA, answer.Codec.Name)
	assert.Equal(t, uint8(8), answer.PayloadType)
}

func TestNegotiateNoCommonCodec(t *testing.T) {
	n := newTestNegotiator(t)
	offer := buildTestOffer(t, n)

	_, err := n.Negotiate(offer, answerSDP(
		"IN IP4 10.0.0.2",
		"m=audio 30000 RTP/AVP 18",
		"a=rtpmap:18 G729/8000",
	))
	assert.ErrorIs(t, err, ErrNegotiation)
}

func TestNegotiateClockRateMismatch(t *testing.T) {
	n := newTestNegotiator(t, codec.PCMU)
	offer := buildTestOffer(t, n)

	_, err := n.Negotiate(offer, answerSDP(
		"IN IP4 10.0.0.2",
		"m=audio 30000 RTP/AVP 96",
		"a=rtpmap:96 PCMU/16000",
	))
	assert.ErrorIs(t, err, ErrNegotiation)
}

func TestNegotiateSessionLevelConnection(t *testing.T) {
	n := newTestNegotiator(t)
	offer := buildTestOffer(t, n)

	answer, err := n.Negotiate(offer, answerSDP(
		"IN IP4 192.168.1.10",
		"m=audio 40000 RTP/AVP 0",
	))
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10", answer.RemoteRTP.IP.String())
}

func TestNegotiateMediaLevelConnectionWins(t *testing.T) {
	n := newTestNegotiator(t)
	offer := buildTestOffer(t, n)

	answer, err := n.Negotiate(offer, answerSDP(
		"IN IP4 192.168.1.10",
		"m=audio 40000 RTP/AVP 0",
		"c=IN IP4 192.168.1.20",
	))
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", answer.RemoteRTP.IP.String())
}

func TestNegotiateRTCPAttributes(t *testing.T) {
	n := newTestNegotiator(t)
	offer := buildTestOffer(t, n)

	mux, err := n.Negotiate(offer, answerSDP(
		"IN IP4 10.0.0.2",
		"m=audio 30000 RTP/AVP 0",
		"a=rtcp-mux",
	))
	require.NoError(t, err)
	assert.True(t, mux.RTCPMux)
	assert.Equal(t, 30000, mux.RemoteRTCP.Port)

	explicit, err := n.Negotiate(offer, answerSDP(
		"IN IP4 10.0.0.2",
		"m=audio 30000 RTP/AVP 0",
		"a=rtcp:30011 IN IP4 10.0.0.2",
	))
	require.NoError(t, err)
	assert.Equal(t, 30011, explicit.RemoteRTCP.Port)
}

func TestNegotiatePtimeAndDirection(t *testing.T) {
	n := newTestNegotiator(t)
	offer := buildTestOffer(t, n)

	answer, err := n.Negotiate(offer, answerSDP(
		"IN IP4 10.0.0.2",
		"m=audio 30000 RTP/AVP 0",
		"a=ptime:30",
		"a=sendonly",
	))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Millisecond, answer.Ptime)
	assert.Equal(t, rtp.DirectionRecvOnly, answer.Direction)
}

func TestNegotiateSkipsRejectedStream(t *testing.T) {
	n := newTestNegotiator(t)
	offer := buildTestOffer(t, n)

	answer, err := n.Negotiate(offer, answerSDP(
		"IN IP4 10.0.0.2",
		"m=audio 0 RTP/AVP 0",
		"m=audio 30002 RTP/AVP 8",
	))
	require.NoError(t, err)
	assert.Equal(t, 30002, answer.RemoteRTP.Port)
	assert.Equal(t, codec.NamePCMA, answer.Codec.Name)
}

func TestNegotiateMalformed(t *testing.T) {
	n := newTestNegotiator(t)
	offer := buildTestOffer(t, n)

	tests := []struct {
		name string
		body []byte
	}{
		{"empty", nil},
		{"garbage", []byte("this is not sdp")},
		{"no audio", answerSDP("IN IP4 10.0.0.2", "m=video 30000 RTP/AVP 96")},
		{"all rejected", answerSDP("IN IP4 10.0.0.2", "m=audio 0 RTP/AVP 0")},
		{"no connection", answerSDP("", "m=audio 30000 RTP/AVP 0")},
		{"bad address", answerSDP("IN IP4 not-an-ip", "m=audio 30000 RTP/AVP 0")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Negotiate(offer, tt.body)
			assert.ErrorIs(t, err, ErrNegotiation)
		})
	}
}
