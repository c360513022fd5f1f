package transport

import (
	"errors"
	"net"
)

var (
	// ErrTransportClosed операция над закрытым транспортом
	ErrTransportClosed = errors.New("transport closed")

	// ErrInvalidAddress некорректный адрес host:port
	ErrInvalidAddress = errors.New("invalid address")

	// ErrMessageTooLarge сообщение не помещается в датаграмму
	ErrMessageTooLarge = errors.New("message too large")

	// ErrBindFailed не удалось занять локальный адрес
	ErrBindFailed = errors.New("bind failed")
)

// TransportError ошибка транспорта
type TransportError struct {
	Transport string
	Operation string
	Err       error
	Temporary bool
}

func (e *TransportError) Error() string {
	return e.Transport + " " + e.Operation + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTemporary операцию можно повторить
func (e *TransportError) IsTemporary() bool {
	return e.Temporary
}

// isTimeout checks if error is a timeout
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
