package transaction

import "errors"

var (
	// ErrTimeout истек Timer B/F, финальный ответ не получен
	ErrTimeout = errors.New("transaction timeout")

	// ErrTransport запрос не удалось передать
	ErrTransport = errors.New("transport failure")

	// ErrCannotCancel CANCEL недопустим в текущем состоянии
	ErrCannotCancel = errors.New("cannot cancel transaction in current state")

	// ErrTerminated транзакция или клиент уже завершены
	ErrTerminated = errors.New("transaction terminated")

	// ErrInvalidRequest в запросе нет обязательных заголовков
	ErrInvalidRequest = errors.New("invalid request")
)
