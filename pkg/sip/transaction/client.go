// Package transaction реализует клиентские транзакции SIP (RFC 3261 17.1)
// для ненадежного транспорта: ретрансмиссии, таймауты, сопоставление
// ответов по branch и методу, CANCEL и ACK для не-2xx ответов.
package transaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sipphone/pkg/metrics"
)

// Sender передает сообщение по сигнальному транспорту
type Sender interface {
	Send(msg sip.Message) error
}

// Client хранит активные клиентские транзакции и сопоставляет с ними ответы
type Client struct {
	sender Sender
	timers Timers
	logger *logrus.Entry

	mu           sync.Mutex
	transactions map[Key]*ClientTransaction
	closed       bool
}

// NewClient создает клиента транзакций
func NewClient(sender Sender, timers Timers, logger *logrus.Entry) *Client {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		sender:       sender,
		timers:       timers.withDefaults(),
		logger:       logger,
		transactions: make(map[Key]*ClientTransaction),
	}
}

// Send создает клиентскую транзакцию для запроса, передает его и запускает
// таймеры. Если в верхнем Via нет branch, он генерируется.
func (c *Client) Send(ctx context.Context, req *sip.Request) (*ClientTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Method == sip.ACK {
		return nil, fmt.Errorf("%w: ACK не создает транзакцию, используйте SendAck", ErrInvalidRequest)
	}
	if req.CSeq() == nil {
		return nil, fmt.Errorf("%w: нет CSeq", ErrInvalidRequest)
	}
	if err := ensureBranch(req); err != nil {
		return nil, err
	}
	key, err := KeyFromRequest(req)
	if err != nil {
		return nil, err
	}

	tx := newClientTransaction(c, key, req)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrTerminated
	}
	if _, exists := c.transactions[key]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: транзакция %s уже существует", ErrInvalidRequest, key)
	}
	c.transactions[key] = tx
	c.mu.Unlock()

	metrics.TransactionsTotal.WithLabelValues(string(req.Method)).Inc()

	if err := tx.start(); err != nil {
		return nil, err
	}
	return tx, nil
}

// SendAck отправляет ACK на 2xx вне транзакции (RFC 3261 13.2.2.4)
func (c *Client) SendAck(ack *sip.Request) error {
	if ack.Method != sip.ACK {
		return fmt.Errorf("%w: ожидается ACK, получен %s", ErrInvalidRequest, ack.Method)
	}
	if err := c.transmit(ack); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// HandleResponse передает ответ транзакции с тем же branch и методом CSeq.
// Возвращает false, если транзакция не найдена (например, повтор 2xx на
// INVITE, которая уже завершена).
func (c *Client) HandleResponse(res *sip.Response) bool {
	key, ok := KeyFromResponse(res)
	if !ok {
		return false
	}

	c.mu.Lock()
	tx, ok := c.transactions[key]
	c.mu.Unlock()
	if !ok {
		return false
	}

	tx.handleResponse(res)
	return true
}

// Len количество активных транзакций
func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transactions)
}

// Close завершает все транзакции. Незавершенные получают ErrTerminated.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	txs := make([]*ClientTransaction, 0, len(c.transactions))
	for _, tx := range c.transactions {
		txs = append(txs, tx)
	}
	c.mu.Unlock()

	for _, tx := range txs {
		tx.terminate()
	}
}

func (c *Client) transmit(msg sip.Message) error {
	return c.sender.Send(msg)
}

func (c *Client) remove(key Key) {
	c.mu.Lock()
	delete(c.transactions, key)
	c.mu.Unlock()
}
