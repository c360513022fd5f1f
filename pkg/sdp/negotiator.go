// Package sdp строит SDP offer из включенных кодеков и согласует ответ
// удаленной стороны (RFC 3264). Разбор и сериализация SDP выполняются pion/sdp.
package sdp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	psdp "github.com/pion/sdp/v3"

	"github.com/arzzra/sipphone/pkg/media/codec"
	"github.com/arzzra/sipphone/pkg/rtp"
)

// ErrNegotiation нет общего кодека или ответ некорректен
var ErrNegotiation = errors.New("sdp negotiation failed")

// Offer локальное предложение
type Offer struct {
	// Codecs кодеки в порядке локального приоритета
	Codecs []codec.Descriptor
	// TelephoneEvent формат telephone-event, предложенный вместе с кодеками
	TelephoneEvent codec.Descriptor
	Ptime          time.Duration
	Host           string
	Port           int

	Session *psdp.SessionDescription
	Body    []byte
}

// Answer результат согласования
type Answer struct {
	// Codec выбранный кодек и payload type, назначенный удаленной стороной
	Codec       codec.Descriptor
	PayloadType uint8

	// TelephoneEventPT payload type telephone-event удаленной стороны.
	// Если удаленная сторона его не поддерживает, HasTelephoneEvent == false.
	TelephoneEventPT  uint8
	HasTelephoneEvent bool

	RemoteRTP  *net.UDPAddr
	RemoteRTCP *net.UDPAddr
	RTCPMux    bool

	Ptime     time.Duration
	Direction rtp.Direction
}

// Negotiator строит offer и разбирает answer. Потокобезопасен.
type Negotiator struct {
	codecs []codec.Descriptor
	ptime  time.Duration

	// sessionVersion используется для инкрементальных обновлений SDP
	sessionVersion atomic.Uint64
}

// NewNegotiator создает Negotiator для включенных кодеков в порядке приоритета
func NewNegotiator(codecs []codec.Descriptor, ptime time.Duration) (*Negotiator, error) {
	if len(codecs) == 0 {
		return nil, fmt.Errorf("%w: нет включенных кодеков", ErrNegotiation)
	}
	if ptime <= 0 {
		ptime = codec.DefaultFrameDuration
	}

	n := &Negotiator{codecs: codecs, ptime: ptime}
	n.sessionVersion.Store(uint64(time.Now().Unix()))
	return n, nil
}

// BuildOffer создает offer: по одному формату на кодек (статический payload type,
// если он определен, иначе динамический) плюс telephone-event.
func (n *Negotiator) BuildOffer(host string, port int) (*Offer, error) {
	if net.ParseIP(host) == nil {
		return nil, fmt.Errorf("некорректный локальный IP для SDP: %q", host)
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("некорректный RTP порт для SDP: %d", port)
	}

	version := n.sessionVersion.Add(1)
	addrType := "IP4"
	if strings.Contains(host, ":") {
		addrType = "IP6"
	}

	desc := &psdp.SessionDescription{
		Version: 0,
		Origin: psdp.Origin{
			Username:       "-",
			SessionID:      version,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: host,
		},
		SessionName: psdp.SessionName("sipphone"),
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &psdp.Address{Address: host},
		},
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	audio := &psdp.MediaDescription{
		MediaName: psdp.MediaName{
			Media:   "audio",
			Port:    psdp.RangedPort{Value: port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{},
		},
	}

	for _, c := range n.codecs {
		audio = audio.WithCodec(c.PayloadType, c.Name, c.ClockRate, c.Channels, c.Fmtp)
	}
	te := codec.TelephoneEvent
	audio = audio.WithCodec(te.PayloadType, te.Name, te.ClockRate, te.Channels, te.Fmtp)

	audio = audio.WithValueAttribute("ptime", strconv.Itoa(int(n.ptime/time.Millisecond)))
	audio = audio.WithPropertyAttribute("sendrecv")

	desc = desc.WithMedia(audio)

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации SDP offer: %w", err)
	}

	return &Offer{
		Codecs:         n.codecs,
		TelephoneEvent: te,
		Ptime:          n.ptime,
		Host:           host,
		Port:           port,
		Session:        desc,
		Body:           body,
	}, nil
}

// Negotiate разбирает answer и выбирает первый кодек локального приоритета,
// присутствующий в ответе.
func (n *Negotiator) Negotiate(offer *Offer, body []byte) (*Answer, error) {
	if offer == nil {
		return nil, fmt.Errorf("%w: нет offer", ErrNegotiation)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: пустой answer", ErrNegotiation)
	}

	var desc psdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("%w: ошибка разбора SDP: %v", ErrNegotiation, err)
	}

	media := findAudio(&desc)
	if media == nil {
		return nil, fmt.Errorf("%w: нет активного аудио потока в answer", ErrNegotiation)
	}

	remote := parseFormats(&desc, media)

	answer := &Answer{Ptime: offer.Ptime, Direction: rtp.DirectionSendRecv}

	selected := false
	for _, local := range offer.Codecs {
		for _, f := range remote {
			if local.Matches(f.Name, f.ClockRate) {
				answer.Codec = local
				answer.PayloadType = f.PayloadType
				selected = true
				break
			}
		}
		if selected {
			break
		}
	}
	if !selected {
		return nil, fmt.Errorf("%w: нет общего кодека (answer: %s)", ErrNegotiation, formatNames(remote))
	}

	for _, f := range remote {
		if offer.TelephoneEvent.Matches(f.Name, f.ClockRate) {
			answer.TelephoneEventPT = f.PayloadType
			answer.HasTelephoneEvent = true
			break
		}
	}

	ip, err := connectionIP(&desc, media)
	if err != nil {
		return nil, err
	}
	port := media.MediaName.Port.Value
	answer.RemoteRTP = &net.UDPAddr{IP: ip, Port: port}
	answer.RemoteRTCP = &net.UDPAddr{IP: ip, Port: port + 1}

	if _, ok := media.Attribute("rtcp-mux"); ok {
		answer.RTCPMux = true
		answer.RemoteRTCP = &net.UDPAddr{IP: ip, Port: port}
	} else if value, ok := media.Attribute("rtcp"); ok {
		if rtcpPort, err := strconv.Atoi(strings.Fields(value + " ")[0]); err == nil && rtcpPort > 0 {
			answer.RemoteRTCP = &net.UDPAddr{IP: ip, Port: rtcpPort}
		}
	}

	if value, ok := media.Attribute("ptime"); ok {
		if ms, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && ms > 0 {
			answer.Ptime = time.Duration(ms) * time.Millisecond
		}
	}

	answer.Direction = localDirection(extractDirection(&desc, media))

	return answer, nil
}

type format struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
}

// findAudio возвращает первое аудио описание с ненулевым портом
func findAudio(desc *psdp.SessionDescription) *psdp.MediaDescription {
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" && m.MediaName.Port.Value > 0 && m.MediaName.Port.Value <= 65535 {
			return m
		}
	}
	return nil
}

// parseFormats разбирает форматы m= строки, используя rtpmap и статические payload types
func parseFormats(desc *psdp.SessionDescription, media *psdp.MediaDescription) []format {
	rtpmap := make(map[uint8]format)
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		if f, ok := parseRtpmap(attr.Value); ok {
			rtpmap[f.PayloadType] = f
		}
	}

	var out []format
	for _, raw := range media.MediaName.Formats {
		pt, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			continue
		}

		if f, ok := rtpmap[uint8(pt)]; ok {
			out = append(out, f)
			continue
		}
		if c, err := desc.GetCodecForPayloadType(uint8(pt)); err == nil && c.Name != "" {
			out = append(out, format{PayloadType: uint8(pt), Name: c.Name, ClockRate: c.ClockRate})
			continue
		}
		if f, ok := staticFormat(uint8(pt)); ok {
			out = append(out, f)
		}
	}
	return out
}

// parseRtpmap разбирает "0 PCMU/8000" или "107 opus/48000/2"
func parseRtpmap(value string) (format, bool) {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		return format{}, false
	}
	pt, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return format{}, false
	}

	parts := strings.Split(fields[1], "/")
	f := format{PayloadType: uint8(pt), Name: parts[0]}
	if len(parts) > 1 {
		rate, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return format{}, false
		}
		f.ClockRate = uint32(rate)
	}
	return f, true
}

func staticFormat(pt uint8) (format, bool) {
	for _, d := range []codec.Descriptor{codec.PCMU, codec.PCMA} {
		if d.Static && d.PayloadType == pt {
			return format{PayloadType: pt, Name: d.Name, ClockRate: d.ClockRate}, true
		}
	}
	return format{}, false
}

// connectionIP берет адрес из c= уровня медиа, иначе из c= уровня сессии
func connectionIP(desc *psdp.SessionDescription, media *psdp.MediaDescription) (net.IP, error) {
	ci := media.ConnectionInformation
	if ci == nil {
		ci = desc.ConnectionInformation
	}
	if ci == nil || ci.Address == nil {
		return nil, fmt.Errorf("%w: нет адреса подключения (c=)", ErrNegotiation)
	}

	ip := net.ParseIP(ci.Address.Address)
	if ip == nil {
		return nil, fmt.Errorf("%w: некорректный IP адрес: %s", ErrNegotiation, ci.Address.Address)
	}
	return ip, nil
}

// extractDirection извлекает направление из медиа описания, затем из сессии
func extractDirection(desc *psdp.SessionDescription, media *psdp.MediaDescription) psdp.Direction {
	for _, attrs := range [][]psdp.Attribute{media.Attributes, desc.Attributes} {
		for _, attr := range attrs {
			if d, err := psdp.NewDirection(attr.Key); err == nil {
				return d
			}
		}
	}
	return psdp.DirectionSendRecv
}

// localDirection переводит направление удаленной стороны в наше
func localDirection(remote psdp.Direction) rtp.Direction {
	switch remote {
	case psdp.DirectionSendOnly:
		return rtp.DirectionRecvOnly
	case psdp.DirectionRecvOnly:
		return rtp.DirectionSendOnly
	case psdp.DirectionInactive:
		return rtp.DirectionInactive
	default:
		return rtp.DirectionSendRecv
	}
}

func formatNames(fs []format) string {
	if len(fs) == 0 {
		return "-"
	}
	names := make([]string, 0, len(fs))
	for _, f := range fs {
		names = append(names, fmt.Sprintf("%d:%s/%d", f.PayloadType, f.Name, f.ClockRate))
	}
	return strings.Join(names, ",")
}
