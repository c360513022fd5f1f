package call

import (
	"errors"
	"fmt"

	"github.com/arzzra/sipphone/pkg/media/codec"
	"github.com/arzzra/sipphone/pkg/ports"
	"github.com/arzzra/sipphone/pkg/sdp"
	"github.com/arzzra/sipphone/pkg/sip/transaction"
)

// Ошибки звонка. Сентинелы нижних уровней переэкспортируются, чтобы
// errors.Is работал без импорта внутренних пакетов.
var (
	ErrTransport          = transaction.ErrTransport
	ErrTransactionTimeout = transaction.ErrTimeout
	ErrNegotiation        = sdp.ErrNegotiation
	ErrPortExhaustion     = ports.ErrPortExhaustion
	ErrCodec              = codec.ErrCodec

	// ErrAuthentication сервер повторно отклонил учетные данные
	ErrAuthentication = errors.New("authentication failed")

	// ErrInvalidState операция недопустима в текущем состоянии звонка
	ErrInvalidState = errors.New("invalid call state")
)

// StatusError финальный отказ 3xx-6xx на INVITE
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("call rejected: %d %s", e.Code, e.Reason)
}

// IsStatus проверяет, что err является StatusError с кодом code
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
