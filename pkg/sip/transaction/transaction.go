package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sipphone/pkg/metrics"
)

// provisionalBuffer емкость канала предварительных ответов
const provisionalBuffer = 16

// ClientTransaction клиентская транзакция INVITE или non-INVITE поверх
// ненадежного транспорта.
//
// Ретрансмиссии (Timer A/E) и общий таймаут (Timer B/F) независимы:
// исчерпание ретрансмиссий не завершает транзакцию, она ждет ответа до
// срабатывания B/F. INVITE в Proceeding ждет финального ответа без
// ограничения: Timer B снимается на первом 1xx. Результат фиксируется ровно один раз: финальный ответ
// либо ошибка, и доступен через Done и Result.
type ClientTransaction struct {
	key     Key
	request *sip.Request
	invite  bool
	client  *Client
	timers  Timers
	logger  *logrus.Entry

	mu          sync.Mutex
	state       State
	retransmits int
	interval    time.Duration
	final       *sip.Response
	err         error
	cancelTx    *ClientTransaction

	timerManager *TimerManager

	responses chan *sip.Response
	done      chan struct{}
	doneOnce  sync.Once
}

func newClientTransaction(c *Client, key Key, req *sip.Request) *ClientTransaction {
	invite := req.Method == sip.INVITE
	state := StateTrying
	if invite {
		state = StateCalling
	}

	return &ClientTransaction{
		key:          key,
		request:      req,
		invite:       invite,
		client:       c,
		timers:       c.timers,
		state:        state,
		interval:     c.timers.T1,
		timerManager: NewTimerManager(),
		responses:    make(chan *sip.Response, provisionalBuffer),
		done:         make(chan struct{}),
		logger: c.logger.WithFields(logrus.Fields{
			"branch":  key.Branch,
			"method":  string(key.Method),
			"call_id": callIDOf(req),
		}),
	}
}

// Key возвращает ключ транзакции
func (t *ClientTransaction) Key() Key {
	return t.key
}

// Request возвращает исходный запрос
func (t *ClientTransaction) Request() *sip.Request {
	return t.request
}

// State возвращает текущее состояние
func (t *ClientTransaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Responses канал предварительных ответов (1xx)
func (t *ClientTransaction) Responses() <-chan *sip.Response {
	return t.responses
}

// Done закрывается, когда получен финальный ответ или произошла ошибка
func (t *ClientTransaction) Done() <-chan struct{} {
	return t.done
}

// Result возвращает финальный ответ или ErrTimeout / ErrTransport.
// Имеет смысл после закрытия Done.
func (t *ClientTransaction) Result() (*sip.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final, t.err
}

// Wait блокируется до результата транзакции или отмены ctx
func (t *ClientTransaction) Wait(ctx context.Context) (*sip.Response, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Retransmits количество выполненных повторных передач
func (t *ClientTransaction) Retransmits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retransmits
}

// Cancel отправляет CANCEL для INVITE транзакции в состоянии Calling или
// Proceeding. CANCEL выполняется отдельной non-INVITE транзакцией, которую
// возвращает метод. Завершением INVITE остается ее финальный ответ (487).
// Повторный вызов возвращает уже созданную транзакцию CANCEL.
func (t *ClientTransaction) Cancel(ctx context.Context) (*ClientTransaction, error) {
	if !t.invite {
		return nil, fmt.Errorf("%w: %s не INVITE", ErrCannotCancel, t.key.Method)
	}

	t.mu.Lock()
	if t.cancelTx != nil {
		existing := t.cancelTx
		t.mu.Unlock()
		return existing, nil
	}
	if t.state != StateCalling && t.state != StateProceeding {
		state := t.state
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCannotCancel, state)
	}
	t.mu.Unlock()

	cancelReq, err := BuildCancel(t.request)
	if err != nil {
		return nil, err
	}

	cancelTx, err := t.client.Send(ctx, cancelReq)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.cancelTx = cancelTx
	t.mu.Unlock()

	t.logger.Debug("отправлен CANCEL")
	return cancelTx, nil
}

// start выполняет первую передачу и запускает таймеры
func (t *ClientTransaction) start() error {
	if err := t.client.transmit(t.request); err != nil {
		t.fail(fmt.Errorf("%w: %v", ErrTransport, err))
		return t.err
	}

	retransmitTimer, timeoutTimer := TimerE, TimerF
	if t.invite {
		retransmitTimer, timeoutTimer = TimerA, TimerB
	}

	t.timerManager.Start(retransmitTimer, t.timers.Duration(retransmitTimer), func() {
		t.onRetransmitTimer(retransmitTimer)
	})
	t.timerManager.Start(timeoutTimer, t.timers.Duration(timeoutTimer), t.onTimeout)
	return nil
}

// onRetransmitTimer Timer A/E: повторная передача с удвоением интервала
func (t *ClientTransaction) onRetransmitTimer(id TimerID) {
	t.mu.Lock()
	active := t.state == StateCalling || t.state == StateTrying ||
		(!t.invite && t.state == StateProceeding)
	if !active || t.retransmits >= t.timers.maxRetransmits(t.invite) {
		t.mu.Unlock()
		return
	}
	t.retransmits++

	limit := time.Duration(0)
	if !t.invite {
		limit = t.timers.T2
	}
	if !t.invite && t.state == StateProceeding {
		t.interval = t.timers.T2
	} else {
		t.interval = NextRetransmitInterval(t.interval, limit)
	}
	next := t.interval
	t.mu.Unlock()

	metrics.Retransmissions.WithLabelValues(string(t.key.Method)).Inc()
	t.logger.WithField("attempt", t.Retransmits()).Debug("повторная передача запроса")

	if err := t.client.transmit(t.request); err != nil {
		t.fail(fmt.Errorf("%w: %v", ErrTransport, err))
		return
	}

	t.timerManager.Start(id, next, func() { t.onRetransmitTimer(id) })
}

// onTimeout Timer B/F: финальный ответ не получен
func (t *ClientTransaction) onTimeout() {
	t.mu.Lock()
	if t.state == StateCompleted || t.state == StateTerminated ||
		(t.invite && t.state == StateProceeding) {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	metrics.TransactionTimeouts.WithLabelValues(string(t.key.Method)).Inc()
	t.logger.Warn("таймаут транзакции")
	t.fail(ErrTimeout)
}

// handleResponse обрабатывает ответ, уже сопоставленный с транзакцией
func (t *ClientTransaction) handleResponse(res *sip.Response) {
	if cseq := res.CSeq(); cseq == nil || cseq.SeqNo != t.request.CSeq().SeqNo {
		t.logger.Debug("ответ с чужим CSeq отброшен")
		return
	}

	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	switch {
	case res.StatusCode < 200:
		if state == StateCalling || state == StateTrying {
			t.transition(StateProceeding)
			if t.invite {
				t.timerManager.Stop(TimerA)
				t.timerManager.Stop(TimerB)
			}
		}
		if state == StateCompleted || state == StateTerminated {
			return
		}
		select {
		case t.responses <- res:
		default:
			t.logger.Debug("очередь предварительных ответов переполнена")
		}

	case res.StatusCode < 300 && t.invite:
		// 2xx на INVITE: ACK отправляет уровень звонка, транзакция завершается сразу
		if state == StateTerminated {
			return
		}
		t.complete(res)
		t.terminate()

	default:
		if state == StateCompleted {
			// Повтор финального ответа: для INVITE повторяем ACK
			if t.invite {
				t.sendAck(res)
			}
			return
		}
		if state == StateTerminated {
			return
		}

		t.transition(StateCompleted)
		t.timerManager.Stop(TimerA)
		t.timerManager.Stop(TimerB)
		t.timerManager.Stop(TimerE)
		t.timerManager.Stop(TimerF)

		if t.invite {
			t.sendAck(res)
			t.timerManager.Start(TimerD, t.timers.Duration(TimerD), t.terminate)
		} else {
			t.timerManager.Start(TimerK, t.timers.Duration(TimerK), t.terminate)
		}
		t.complete(res)
	}
}

func (t *ClientTransaction) sendAck(res *sip.Response) {
	ack, err := BuildAck(t.request, res)
	if err != nil {
		t.logger.WithError(err).Warn("не удалось построить ACK")
		return
	}
	if err := t.client.transmit(ack); err != nil {
		t.logger.WithError(err).Warn("не удалось отправить ACK")
	}
}

func (t *ClientTransaction) transition(to State) {
	t.mu.Lock()
	from := t.state
	if from == to || !validTransition(from, to) {
		t.mu.Unlock()
		return
	}
	t.state = to
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Debug("переход состояния транзакции")
}

// complete фиксирует финальный ответ
func (t *ClientTransaction) complete(res *sip.Response) {
	t.doneOnce.Do(func() {
		t.mu.Lock()
		t.final = res
		t.mu.Unlock()
		close(t.done)
	})
}

// fail фиксирует ошибку и завершает транзакцию
func (t *ClientTransaction) fail(err error) {
	t.doneOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	})
	t.terminate()
}

// terminate останавливает таймеры и удаляет транзакцию из клиента
func (t *ClientTransaction) terminate() {
	t.mu.Lock()
	if t.state == StateTerminated {
		t.mu.Unlock()
		return
	}
	t.state = StateTerminated
	t.mu.Unlock()

	t.timerManager.StopAll()
	t.client.remove(t.key)

	// Незавершенная транзакция (закрытие клиента) получает ErrTerminated
	t.doneOnce.Do(func() {
		t.mu.Lock()
		t.err = ErrTerminated
		t.mu.Unlock()
		close(t.done)
	})
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}
