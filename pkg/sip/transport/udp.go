// Package transport содержит общий сигнальный UDP транспорт софтфона.
// Один сокет обслуживает все звонки: ответы разбираются по транзакциям,
// запросы по Call-ID на уровне выше.
package transport

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
)

const (
	// MaxMessageSize максимальный размер SIP сообщения в датаграмме
	MaxMessageSize = 65507

	readBufferSize = 65535
	readDeadline   = 200 * time.Millisecond
)

// Handler получает разобранные входящие сообщения.
// Вызывается из горутины чтения, поэтому не должен блокироваться надолго.
type Handler interface {
	HandleRequest(req *sip.Request, from *net.UDPAddr)
	HandleResponse(res *sip.Response, from *net.UDPAddr)
}

// Stats счетчики транспорта
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	ParseErrors      uint64
	Errors           uint64
}

// UDPTransport UDP транспорт
type UDPTransport struct {
	conn   *net.UDPConn
	remote *net.UDPAddr
	parser *sip.Parser
	logger *logrus.Entry

	handler Handler
	closed  atomic.Bool
	started atomic.Bool
	wg      sync.WaitGroup

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	bytesSent        atomic.Uint64
	bytesReceived    atomic.Uint64
	parseErrors      atomic.Uint64
	errors           atomic.Uint64
}

// NewUDP занимает локальный адрес local. remote адрес SIP сервера, на который
// уходят все запросы Send.
func NewUDP(local, remote string, logger *logrus.Entry) (*UDPTransport, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	localAddr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		return nil, &TransportError{Transport: "udp", Operation: "resolve local", Err: fmt.Errorf("%w: %v", ErrInvalidAddress, err)}
	}
	remoteAddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, &TransportError{Transport: "udp", Operation: "resolve remote", Err: fmt.Errorf("%w: %v", ErrInvalidAddress, err)}
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, &TransportError{Transport: "udp", Operation: "listen", Err: fmt.Errorf("%w: %v", ErrBindFailed, err)}
	}

	return &UDPTransport{
		conn:   conn,
		remote: remoteAddr,
		parser: sip.NewParser(),
		logger: logger.WithField("local", conn.LocalAddr().String()),
	}, nil
}

// Listen запускает горутину чтения. Повторный вызов ничего не делает.
func (t *UDPTransport) Listen(handler Handler) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if !t.started.CompareAndSwap(false, true) {
		return nil
	}

	t.handler = handler
	t.wg.Add(1)
	go t.readLoop()
	return nil
}

// Send отправляет сообщение на адрес сервера
func (t *UDPTransport) Send(msg sip.Message) error {
	return t.SendTo(msg, t.remote)
}

// SendTo отправляет сообщение на произвольный адрес (ответ на входящий запрос)
func (t *UDPTransport) SendTo(msg sip.Message, addr *net.UDPAddr) error {
	if t.closed.Load() {
		return &TransportError{Transport: "udp", Operation: "send", Err: ErrTransportClosed}
	}
	if addr == nil {
		return &TransportError{Transport: "udp", Operation: "send", Err: ErrInvalidAddress}
	}

	data := []byte(msg.String())
	if len(data) > MaxMessageSize {
		return &TransportError{Transport: "udp", Operation: "send", Err: ErrMessageTooLarge}
	}

	n, err := t.conn.WriteToUDP(data, addr)
	if err != nil {
		t.errors.Add(1)
		return &TransportError{
			Transport: "udp",
			Operation: "send",
			Err:       err,
			Temporary: isTimeout(err),
		}
	}

	t.messagesSent.Add(1)
	t.bytesSent.Add(uint64(n))
	return nil
}

// LocalAddr локальный адрес сокета
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Stats возвращает снимок счетчиков
func (t *UDPTransport) Stats() Stats {
	return Stats{
		MessagesSent:     t.messagesSent.Load(),
		MessagesReceived: t.messagesReceived.Load(),
		BytesSent:        t.bytesSent.Load(),
		BytesReceived:    t.bytesReceived.Load(),
		ParseErrors:      t.parseErrors.Load(),
		Errors:           t.errors.Load(),
	}
}

// Close закрывает сокет и дожидается завершения чтения
func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := t.conn.Close()
	t.wg.Wait()
	return err
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, readBufferSize)
	for !t.closed.Load() {
		// Дедлайн нужен, чтобы цикл замечал закрытие без ошибки чтения
		_ = t.conn.SetReadDeadline(time.Now().Add(readDeadline))

		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() {
				return
			}
			if isTimeout(err) {
				continue
			}
			t.errors.Add(1)
			t.logger.WithError(err).Debug("ошибка чтения")
			continue
		}

		t.bytesReceived.Add(uint64(n))

		data := buf[:n]
		// keep-alive (CRLF) от сервера
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}

		msg, err := t.parser.ParseSIP(append([]byte(nil), data...))
		if err != nil {
			t.parseErrors.Add(1)
			t.logger.WithError(err).WithField("from", addr.String()).Debug("не удалось разобрать сообщение")
			continue
		}
		t.messagesReceived.Add(1)

		if t.handler == nil {
			continue
		}
		switch m := msg.(type) {
		case *sip.Request:
			t.handler.HandleRequest(m, addr)
		case *sip.Response:
			t.handler.HandleResponse(m, addr)
		}
	}
}
