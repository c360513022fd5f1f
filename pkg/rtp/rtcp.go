package rtp

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/rtcp"
	"github.com/sirupsen/logrus"
)

// ntpEpochOffset секунды между 1900-01-01 (NTP) и 1970-01-01 (Unix)
const ntpEpochOffset = 2208988800

// rtcpLoop отправляет sender report каждые RTCPInterval
func (s *Session) rtcpLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.config.RTCPInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := s.sendRTCP(s.senderReport(now)); err != nil {
				s.logger.WithError(err).Debug("не удалось отправить RTCP SR")
			}
		}
	}
}

// senderReport строит SR по текущим счетчикам отправки (RFC 3550 6.4.1)
func (s *Session) senderReport(now time.Time) *rtcp.SenderReport {
	return &rtcp.SenderReport{
		SSRC:        s.ssrc,
		NTPTime:     NTPTimestamp(now),
		RTPTime:     s.timestamp.Load(),
		PacketCount: uint32(s.packetsSent.Load()),
		OctetCount:  uint32(s.bytesSent.Load()),
	}
}

// sendGoodbye отправляет составной пакет SR + BYE при остановке сессии
func (s *Session) sendGoodbye() error {
	return s.sendRTCP(
		s.senderReport(time.Now()),
		&rtcp.Goodbye{Sources: []uint32{s.ssrc}, Reason: "hangup"},
	)
}

// sendRTCP отправляет составной пакет с RTCP порта (или с RTP порта при rtcp-mux)
func (s *Session) sendRTCP(packets ...rtcp.Packet) error {
	data, err := rtcp.Marshal(packets)
	if err != nil {
		return fmt.Errorf("ошибка маршалинга RTCP: %w", err)
	}

	conn := s.rtcpConn
	if conn == nil {
		conn = s.rtpConn
	}
	return conn.Write(data)
}

// handleRTCP разбирает входящий составной пакет, только для журнала и статистики
func (s *Session) handleRTCP(data []byte) {
	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		s.logger.WithError(err).Debug("некорректный RTCP пакет")
		return
	}
	s.rtcpReceived.Add(1)

	for _, p := range packets {
		switch pkt := p.(type) {
		case *rtcp.SenderReport:
			s.lastSenderReport.Store(time.Now().UnixNano())
		case *rtcp.ReceiverReport:
			for _, r := range pkt.Reports {
				if r.SSRC == s.ssrc {
					s.logger.WithFields(logrus.Fields{
						"fraction_lost": r.FractionLost,
						"jitter":        r.Jitter,
					}).Debug("RTCP receiver report")
				}
			}
		case *rtcp.Goodbye:
			s.logger.WithField("reason", pkt.Reason).Debug("получен RTCP BYE")
		}
	}
}

// NTPTimestamp переводит время в 64-битный формат NTP
func NTPTimestamp(t time.Time) uint64 {
	seconds := uint64(t.Unix()) + ntpEpochOffset
	fraction := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return seconds<<32 | fraction
}

// isRTCPPacket отличает RTCP от RTP на мультиплексированном порту (RFC 5761)
func isRTCPPacket(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	return data[1] >= 192 && data[1] <= 223
}
