// Package rtp реализует медиа сессию одного звонка поверх RTP/RTCP (RFC 3550).
//
// Session владеет арендованной парой портов, двумя UDP сокетами и тремя
// горутинами: отправка, прием и RTCP отчеты. Аудио кадры кодируются
// согласованным кодеком, пакеты telephone-event (RFC 4733) на приеме
// отделяются от аудио по payload type и собираются в DTMF события.
package rtp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/sipphone/pkg/media"
	"github.com/arzzra/sipphone/pkg/media/codec"
	"github.com/arzzra/sipphone/pkg/metrics"
	"github.com/arzzra/sipphone/pkg/ports"
)

var (
	// ErrQueueFull очередь отправки переполнена, кадр отброшен
	ErrQueueFull = errors.New("rtp send queue full")

	// ErrSessionClosed сессия остановлена
	ErrSessionClosed = errors.New("rtp session closed")

	// ErrNoTelephoneEvent удаленная сторона не поддерживает telephone-event
	ErrNoTelephoneEvent = errors.New("remote does not accept telephone-event")
)

const (
	// DefaultQueueSize размер очереди исходящих кадров
	DefaultQueueSize = 50

	// DefaultRTCPInterval интервал sender report
	DefaultRTCPInterval = 5 * time.Second

	// DefaultDTMFDuration длительность цифры по умолчанию
	DefaultDTMFDuration = 100 * time.Millisecond

	dtmfVolume = 10
)

// SessionConfig параметры медиа сессии, полученные из согласования SDP
type SessionConfig struct {
	// Lease пара портов, выделенная звонку. Сессия освобождает ее в Stop.
	Lease   ports.Lease
	LocalIP string

	RemoteRTP  *net.UDPAddr
	RemoteRTCP *net.UDPAddr
	RTCPMux    bool

	Codec codec.Codec

	TelephoneEventPT  uint8
	HasTelephoneEvent bool

	Direction Direction

	// Release вызывается ровно один раз при остановке сессии
	Release func(ports.Lease) error

	OnAudio   func(pcm []int16)
	OnDTMF    func(event media.DTMFEvent)
	OnDrained func()

	Logger       *logrus.Entry
	RTCPInterval time.Duration
	QueueSize    int
}

// outbound элемент очереди отправки: аудио кадр или цифра DTMF
type outbound struct {
	pcm      []int16
	digit    media.DTMFDigit
	duration time.Duration
	dtmf     bool
}

// Session RTP сессия одного звонка
type Session struct {
	config SessionConfig
	codec  codec.Codec
	logger *logrus.Entry

	rtpConn  *UDPTransport
	rtcpConn *UDPTransport // nil при rtcp-mux

	ssrc      uint32
	sequence  atomic.Uint32
	timestamp atomic.Uint32

	queue chan outbound
	dtmf  *media.DTMFReceiver

	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	packetsDropped  atomic.Uint64
	dtmfReceived    atomic.Uint64
	rtcpReceived    atomic.Uint64
	lastRecvSeq     atomic.Uint32
	lastRecvTS      atomic.Uint32
	startedAt       time.Time

	// lastSenderReport время последнего SR удаленной стороны (UnixNano)
	lastSenderReport atomic.Int64

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	stopOnce sync.Once
	stopErr  error
}

// NewSession биндит RTP и RTCP порты аренды. При ошибке аренда остается
// у вызывающего и должна быть освобождена им.
func NewSession(config SessionConfig) (*Session, error) {
	if config.Codec == nil {
		return nil, fmt.Errorf("кодек не задан")
	}
	if config.RemoteRTP == nil {
		return nil, fmt.Errorf("удаленный RTP адрес не задан")
	}
	if config.Lease.RTP == 0 {
		return nil, fmt.Errorf("пара портов не выделена")
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RTCPInterval <= 0 {
		config.RTCPInterval = DefaultRTCPInterval
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if config.RemoteRTCP == nil {
		config.RemoteRTCP = &net.UDPAddr{IP: config.RemoteRTP.IP, Port: config.RemoteRTP.Port + 1}
	}

	ip := net.ParseIP(config.LocalIP)
	if ip == nil {
		ip = net.IPv4zero
	}

	rtpConn, err := NewUDPTransport(TransportConfig{
		LocalAddr:  &net.UDPAddr{IP: ip, Port: config.Lease.RTP},
		RemoteAddr: config.RemoteRTP,
	})
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть RTP порт %d: %w", config.Lease.RTP, err)
	}

	var rtcpConn *UDPTransport
	if !config.RTCPMux {
		rtcpConn, err = NewUDPTransport(TransportConfig{
			LocalAddr:  &net.UDPAddr{IP: ip, Port: config.Lease.RTCP},
			RemoteAddr: config.RemoteRTCP,
		})
		if err != nil {
			rtpConn.Close()
			return nil, fmt.Errorf("не удалось открыть RTCP порт %d: %w", config.Lease.RTCP, err)
		}
	}

	ssrc, err := generateSSRC()
	if err != nil {
		rtpConn.Close()
		if rtcpConn != nil {
			rtcpConn.Close()
		}
		return nil, err
	}

	s := &Session{
		config:   config,
		codec:    config.Codec,
		rtpConn:  rtpConn,
		rtcpConn: rtcpConn,
		ssrc:     ssrc,
		queue:    make(chan outbound, config.QueueSize),
		dtmf:     media.NewDTMFReceiver(8000),
		logger: config.Logger.WithFields(logrus.Fields{
			"rtp_port": config.Lease.RTP,
			"remote":   config.RemoteRTP.String(),
			"codec":    config.Codec.Name(),
		}),
	}
	s.sequence.Store(uint32(randomUint16()))
	s.timestamp.Store(randomUint32())

	return s, nil
}

// Start запускает циклы отправки, приема и RTCP
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.started {
		return fmt.Errorf("сессия уже запущена")
	}

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)

	s.cancel = cancel
	s.group = group
	s.started = true
	s.startedAt = time.Now()

	group.Go(func() error { return s.sendLoop(gctx) })
	group.Go(func() error { return s.receiveLoop(gctx, s.rtpConn) })
	if s.rtcpConn != nil {
		group.Go(func() error { return s.receiveLoop(gctx, s.rtcpConn) })
	}
	group.Go(func() error { return s.rtcpLoop(gctx) })

	s.logger.WithField("ssrc", s.ssrc).Info("RTP сессия запущена")
	return nil
}

// Stop останавливает циклы, отправляет RTCP BYE, закрывает сокеты и
// освобождает аренду. Повторные вызовы возвращают результат первого.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		started := s.started
		cancel := s.cancel
		group := s.group
		s.mu.Unlock()

		var errs []error
		if started {
			cancel()
			if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
			if err := s.sendGoodbye(); err != nil {
				s.logger.WithError(err).Debug("не удалось отправить RTCP BYE")
			}
		}

		if err := s.rtpConn.Close(); err != nil {
			errs = append(errs, err)
		}
		if s.rtcpConn != nil {
			if err := s.rtcpConn.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		if s.config.Release != nil {
			if err := s.config.Release(s.config.Lease); err != nil {
				errs = append(errs, fmt.Errorf("освобождение портов %s: %w", s.config.Lease, err))
			}
		}

		s.stopErr = errors.Join(errs...)
		s.logger.Info("RTP сессия остановлена")
	})
	return s.stopErr
}

// WriteFrame ставит кадр PCM в очередь отправки. Не блокируется.
func (s *Session) WriteFrame(pcm []int16) error {
	return s.enqueue(outbound{pcm: pcm})
}

// SendDTMF ставит цифру в очередь отправки как telephone-event
func (s *Session) SendDTMF(digit media.DTMFDigit, duration time.Duration) error {
	if !s.config.HasTelephoneEvent {
		return ErrNoTelephoneEvent
	}
	if digit > media.DTMFD {
		return fmt.Errorf("недопустимая DTMF цифра: %d", digit)
	}
	if duration <= 0 {
		duration = DefaultDTMFDuration
	}
	return s.enqueue(outbound{digit: digit, duration: duration, dtmf: true})
}

func (s *Session) enqueue(item outbound) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if !s.config.Direction.CanSend() {
		return nil
	}

	select {
	case s.queue <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// LocalPort возвращает локальный RTP порт
func (s *Session) LocalPort() int {
	return s.config.Lease.RTP
}

// Lease возвращает арендованную пару портов
func (s *Session) Lease() ports.Lease {
	return s.config.Lease
}

// Codec возвращает согласованный кодек
func (s *Session) Codec() codec.Codec {
	return s.codec
}

// SSRC возвращает идентификатор источника
func (s *Session) SSRC() uint32 {
	return s.ssrc
}

// Stats возвращает снимок счетчиков
func (s *Session) Stats() SessionStats {
	return SessionStats{
		PacketsSent:     s.packetsSent.Load(),
		PacketsReceived: s.packetsReceived.Load(),
		BytesSent:       s.bytesSent.Load(),
		BytesReceived:   s.bytesReceived.Load(),
		PacketsDropped:  s.packetsDropped.Load(),
		DTMFReceived:    s.dtmfReceived.Load(),
		RTCPReceived:    s.rtcpReceived.Load(),
		LastSequence:    uint16(s.lastRecvSeq.Load()),
		LastTimestamp:   s.lastRecvTS.Load(),
		StartedAt:       s.startedAt,
	}
}

func (s *Session) sendLoop(ctx context.Context) error {
	carriedAudio := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-s.queue:
			if item.dtmf {
				if err := s.sendTelephoneEvent(ctx, item.digit, item.duration); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					s.logger.WithError(err).Warn("ошибка отправки DTMF")
				}
				continue
			}

			s.sendAudio(item.pcm)
			carriedAudio = true

			if len(s.queue) == 0 && carriedAudio {
				carriedAudio = false
				if s.config.OnDrained != nil {
					s.config.OnDrained()
				}
			}
		}
	}
}

func (s *Session) sendAudio(pcm []int16) {
	samples := uint32(s.codec.SamplesPerFrame())

	payload, err := s.codec.Encode(pcm)
	if err != nil {
		// Кадр пропущен, но timestamp продвигается, чтобы не сбить тайминг
		s.timestamp.Add(samples)
		metrics.CodecErrors.WithLabelValues(s.codec.Name()).Inc()
		s.logger.WithError(err).Debug("кадр не закодирован")
		return
	}

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.codec.PayloadType(),
			SequenceNumber: s.nextSequence(),
			Timestamp:      s.timestamp.Add(samples) - samples,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.writePacket(packet)
}

// sendTelephoneEvent отправляет цифру по RFC 4733: все пакеты события
// с одним timestamp, маркер на первом, три пакета с битом E в конце.
func (s *Session) sendTelephoneEvent(ctx context.Context, digit media.DTMFDigit, duration time.Duration) error {
	ptime := s.codec.FrameDuration()
	frames, err := media.GenerateTelephoneEvent(digit, duration, ptime, 8000, dtmfVolume)
	if err != nil {
		return err
	}

	eventTS := s.timestamp.Load()
	ticker := time.NewTicker(ptime)
	defer ticker.Stop()

	for i, frame := range frames {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}

		s.writePacket(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         frame.Marker,
				PayloadType:    s.config.TelephoneEventPT,
				SequenceNumber: s.nextSequence(),
				Timestamp:      eventTS,
				SSRC:           s.ssrc,
			},
			Payload: frame.Payload,
		})
	}

	// Аудио продолжается после события с учетом его длительности
	units := uint64(duration) * uint64(s.codec.ClockRate()) / uint64(time.Second)
	s.timestamp.Add(uint32(units))
	return nil
}

func (s *Session) writePacket(packet *rtp.Packet) {
	if err := s.rtpConn.Send(packet); err != nil {
		s.logger.WithError(err).Debug("ошибка отправки RTP пакета")
		return
	}
	s.packetsSent.Add(1)
	s.bytesSent.Add(uint64(len(packet.Payload)))
	metrics.RTPPackets.WithLabelValues("out").Inc()
}

func (s *Session) nextSequence() uint16 {
	return uint16(s.sequence.Add(1) - 1)
}

// receiveLoop читает датаграммы до отмены ctx. На RTP порту при rtcp-mux
// приходят и RTCP пакеты, они распознаются по второму байту.
func (s *Session) receiveLoop(ctx context.Context, conn *UDPTransport) error {
	for {
		data, _, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrTransportClosed) {
				return nil
			}
			if isTimeout(err) {
				continue
			}
			s.logger.WithError(err).Debug("ошибка чтения")
			continue
		}

		if isRTCPPacket(data) {
			s.handleRTCP(data)
			continue
		}
		if conn == s.rtcpConn {
			continue
		}

		packet, err := parseRTP(data)
		if err != nil {
			s.packetsDropped.Add(1)
			s.logger.WithError(err).Debug("пакет отброшен")
			continue
		}

		s.handlePacket(packet)
	}
}

// handlePacket разделяет аудио и telephone-event по payload type
func (s *Session) handlePacket(packet *rtp.Packet) {
	s.packetsReceived.Add(1)
	s.bytesReceived.Add(uint64(len(packet.Payload)))
	s.lastRecvSeq.Store(uint32(packet.SequenceNumber))
	s.lastRecvTS.Store(packet.Timestamp)
	metrics.RTPPackets.WithLabelValues("in").Inc()

	if !s.config.Direction.CanReceive() {
		return
	}

	switch {
	case s.config.HasTelephoneEvent && packet.PayloadType == s.config.TelephoneEventPT:
		event, complete, err := s.dtmf.Process(packet.Timestamp, packet.Payload)
		if err != nil {
			s.packetsDropped.Add(1)
			s.logger.WithError(err).Debug("некорректный telephone-event")
			return
		}
		if !complete {
			return
		}
		s.dtmfReceived.Add(1)
		metrics.DTMFEvents.Inc()
		s.logger.WithField("digit", event.Digit.String()).Debug("получена DTMF цифра")
		if s.config.OnDTMF != nil {
			s.config.OnDTMF(event)
		}

	case packet.PayloadType == s.codec.PayloadType():
		pcm, err := s.codec.Decode(packet.Payload)
		if err != nil {
			s.packetsDropped.Add(1)
			metrics.CodecErrors.WithLabelValues(s.codec.Name()).Inc()
			return
		}
		if s.config.OnAudio != nil {
			s.config.OnAudio(pcm)
		}

	default:
		s.packetsDropped.Add(1)
	}
}

func generateSSRC() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("ошибка генерации SSRC: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func randomUint16() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
