package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Константы для валидации пакетов согласно RFC 3550
const (
	MinRTPPacketSize = 12   // Минимальный размер RTP заголовка
	MaxRTPPacketSize = 1500 // Максимальный размер (MTU)

	ExpectedRTPVersion = 2

	// DefaultReceiveTimeout таймаут чтения, после которого цикл приема проверяет отмену
	DefaultReceiveTimeout = 100 * time.Millisecond

	// DSCPExpeditedForwarding EF для интерактивного аудио (RFC 4594)
	DSCPExpeditedForwarding = 46
)

// ErrTransportClosed транспорт закрыт
var ErrTransportClosed = errors.New("rtp transport closed")

// TransportConfig конфигурация UDP транспорта
type TransportConfig struct {
	LocalAddr      *net.UDPAddr
	RemoteAddr     *net.UDPAddr
	BufferSize     int
	ReceiveTimeout time.Duration
}

// UDPTransport UDP транспорт RTP, оптимизированный для голоса
type UDPTransport struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	config     TransportConfig

	active bool
	mutex  sync.RWMutex
}

// NewUDPTransport биндит локальный адрес и настраивает сокет для голоса
func NewUDPTransport(config TransportConfig) (*UDPTransport, error) {
	if config.LocalAddr == nil {
		return nil, fmt.Errorf("локальный адрес обязателен")
	}
	if config.BufferSize == 0 {
		config.BufferSize = MaxRTPPacketSize
	}
	if config.ReceiveTimeout == 0 {
		config.ReceiveTimeout = DefaultReceiveTimeout
	}

	conn, err := net.ListenUDP("udp", config.LocalAddr)
	if err != nil {
		return nil, classifyNetworkError("UDP listen", err)
	}

	if err := setSockOptForVoice(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}

	return &UDPTransport{
		conn:       conn,
		remoteAddr: config.RemoteAddr,
		config:     config,
		active:     true,
	}, nil
}

// Send отправляет RTP пакет удаленной стороне
func (t *UDPTransport) Send(packet *rtp.Packet) error {
	if err := validateRTPHeader(&packet.Header); err != nil {
		return fmt.Errorf("невалидный RTP заголовок для отправки: %w", err)
	}

	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка маршалинга RTP пакета: %w", err)
	}

	return t.Write(data)
}

// Write отправляет готовый датаграм удаленной стороне (используется и для RTCP)
func (t *UDPTransport) Write(data []byte) error {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	remoteAddr := t.remoteAddr
	t.mutex.RUnlock()

	if !active {
		return ErrTransportClosed
	}
	if remoteAddr == nil {
		return fmt.Errorf("удаленный адрес не установлен")
	}

	if _, err := conn.WriteToUDP(data, remoteAddr); err != nil {
		return classifyNetworkError("UDP write", err)
	}
	return nil
}

// Read читает один датаграм
func (t *UDPTransport) Read(ctx context.Context) ([]byte, net.Addr, error) {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	t.mutex.RUnlock()

	if !active {
		return nil, nil, ErrTransportClosed
	}

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	buffer := make([]byte, t.config.BufferSize)
	conn.SetReadDeadline(time.Now().Add(t.config.ReceiveTimeout))

	n, addr, err := conn.ReadFromUDP(buffer)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}
		if !t.IsActive() {
			return nil, nil, ErrTransportClosed
		}
		return nil, nil, classifyNetworkError("UDP read", err)
	}

	return buffer[:n], addr, nil
}

// LocalAddr возвращает локальный адрес
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Close закрывает транспорт. Повторный вызов безопасен.
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.active {
		return nil
	}
	t.active = false

	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// IsActive проверяет активность транспорта
func (t *UDPTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active
}

// setSockOptForVoice настраивает UDP сокет для голосового трафика
func setSockOptForVoice(conn *net.UDPConn) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		sockErr = applyVoiceSockOpts(int(fd))
	})
	if err != nil {
		return err
	}
	return sockErr
}

// parseRTP разбирает датаграм в RTP пакет с проверкой размера и заголовка
func parseRTP(data []byte) (*rtp.Packet, error) {
	if err := validatePacketSize(len(data)); err != nil {
		return nil, fmt.Errorf("невалидный размер пакета: %w", err)
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("ошибка демаршалинга RTP пакета: %w", err)
	}

	if err := validateRTPHeader(&packet.Header); err != nil {
		return nil, fmt.Errorf("невалидный RTP заголовок: %w", err)
	}
	return packet, nil
}

// validatePacketSize проверяет размер пакета
func validatePacketSize(size int) error {
	if size < MinRTPPacketSize {
		return fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", size, MinRTPPacketSize)
	}
	if size > MaxRTPPacketSize {
		return fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", size, MaxRTPPacketSize)
	}
	return nil
}

// validateRTPHeader проверяет корректность RTP заголовка согласно RFC 3550
func validateRTPHeader(header *rtp.Header) error {
	if header.Version != ExpectedRTPVersion {
		return fmt.Errorf("неподдерживаемая версия RTP: %d (ожидается %d)", header.Version, ExpectedRTPVersion)
	}
	if header.PayloadType > 127 {
		return fmt.Errorf("невалидный payload type: %d (максимум 127)", header.PayloadType)
	}
	return nil
}

// NetworkError сетевая ошибка транспорта
type NetworkError struct {
	Operation string
	Err       error
	Timeout   bool
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: %v (timeout)", e.Operation, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// classifyNetworkError оборачивает сетевую ошибку, отмечая таймауты чтения
func classifyNetworkError(operation string, err error) error {
	if err == nil {
		return nil
	}

	ne := &NetworkError{Operation: operation, Err: err}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		ne.Timeout = true
	}
	return ne
}

// isTimeout проверяет, что ошибка является таймаутом чтения
func isTimeout(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne) && ne.Timeout
}
