// Package call управляет одним исходящим звонком: диалог INVITE/BYE,
// согласование SDP и запуск RTP сессии после ответа 2xx.
//
// Все входные события звонка (ответы, входящий BYE, запросы Hangup,
// уведомления медиа) обрабатываются одной горутиной. Состояние меняется
// только в ней, поэтому Call не использует блокировки для логики диалога.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sipphone/pkg/media"
	"github.com/arzzra/sipphone/pkg/metrics"
	"github.com/arzzra/sipphone/pkg/ports"
	"github.com/arzzra/sipphone/pkg/rtp"
	"github.com/arzzra/sipphone/pkg/sdp"
	"github.com/arzzra/sipphone/pkg/sip/auth"
	"github.com/arzzra/sipphone/pkg/sip/transaction"
)

const mediaEventBuffer = 64

// TransactionLayer отправка запросов через клиентские транзакции
type TransactionLayer interface {
	Send(ctx context.Context, req *sip.Request) (*transaction.ClientTransaction, error)
	SendAck(ack *sip.Request) error
}

// PortAllocator аренда пар RTP/RTCP портов
type PortAllocator interface {
	Lease() (ports.Lease, error)
	Release(l ports.Lease) error
}

// Responder отправляет ответ на входящий запрос
type Responder func(res *sip.Response) error

// Config параметры звонка
type Config struct {
	// CallID генерируется, если не задан
	CallID string

	// Destination Request-URI и адрес To
	Destination sip.Uri
	// LocalURI адрес From
	LocalURI sip.Uri
	// Contact локальный адрес для входящих запросов в диалоге
	Contact sip.Uri

	// LocalHost и LocalPort для Via. LocalHost также адрес в SDP.
	LocalHost string
	LocalPort int

	UserAgent   string
	Credentials auth.Credentials

	Transactions TransactionLayer
	Ports        PortAllocator
	Negotiator   *sdp.Negotiator

	// Emit получает события звонка. Вызывается из горутины звонка.
	Emit func(Event)
	// OnAudio получает декодированные кадры. Вызывается из горутины приема RTP.
	OnAudio func(pcm []int16)
	// OnEnd вызывается один раз после перехода в Terminated или Failed
	OnEnd func(c *Call)

	RTCPInterval time.Duration
	Logger       *logrus.Entry
}

// Call исходящий звонок
type Call struct {
	cfg      Config
	id       string
	localTag string
	logger   *logrus.Entry

	machine *fsm.FSM

	inbox chan any
	media chan any
	done  chan struct{}
	once  sync.Once

	// Состояние диалога, принадлежит горутине звонка
	cseq          uint32
	offer         *sdp.Offer
	lease         ports.Lease
	leased        bool
	invite        *sip.Request
	inviteTx      *transaction.ClientTransaction
	authRetried   bool
	provisional   bool
	cancelPending bool
	ack           *sip.Request
	remoteTo      *sip.ToHeader
	remoteTarget  sip.Uri
	routes        []string
	waiters       []chan error
	establishedAt time.Time

	// Данные для чтения из других горутин
	mu        sync.RWMutex
	session   *rtp.Session
	answer    *sdp.Answer
	remoteTag string
	err       error
}

// New создает звонок в состоянии Idle
func New(cfg Config) (*Call, error) {
	if cfg.Transactions == nil || cfg.Ports == nil || cfg.Negotiator == nil {
		return nil, fmt.Errorf("call: не заданы транзакции, порты или negotiator")
	}
	if cfg.Destination.Host == "" {
		return nil, fmt.Errorf("call: не задан адрес назначения")
	}
	if cfg.LocalHost == "" {
		return nil, fmt.Errorf("call: не задан локальный адрес")
	}
	if cfg.CallID == "" {
		cfg.CallID = uuid.NewString() + "@" + cfg.LocalHost
	}
	if cfg.Emit == nil {
		cfg.Emit = func(Event) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Call{
		cfg:      cfg,
		id:       cfg.CallID,
		localTag: uuid.NewString()[:8],
		inbox:    make(chan any),
		media:    make(chan any, mediaEventBuffer),
		done:     make(chan struct{}),
		logger:   cfg.Logger.WithField("call_id", cfg.CallID),
	}
	c.machine = newStateMachine(c.onTransition)
	return c, nil
}

// ID Call-ID звонка
func (c *Call) ID() string {
	return c.id
}

// LocalTag тег From
func (c *Call) LocalTag() string {
	return c.localTag
}

// RemoteTag тег To из ответа 2xx
func (c *Call) RemoteTag() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteTag
}

// State текущее состояние
func (c *Call) State() State {
	return State(c.machine.Current())
}

// Err причина перехода в Failed
func (c *Call) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Done закрывается после перехода в Terminated или Failed
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Answer результат согласования SDP, nil до ответа 2xx
func (c *Call) Answer() *sdp.Answer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.answer
}

// LocalRTPPort локальный RTP порт активной сессии, 0 если сессии нет
func (c *Call) LocalRTPPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return 0
	}
	return c.session.LocalPort()
}

// MediaStats статистика RTP сессии
func (c *Call) MediaStats() (rtp.SessionStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return rtp.SessionStats{}, false
	}
	return c.session.Stats(), true
}

// SendAudio ставит кадр PCM в очередь отправки. Только в Established.
func (c *Call) SendAudio(pcm []int16) error {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()

	if session == nil {
		return fmt.Errorf("%w: %s", ErrInvalidState, c.State())
	}
	return session.WriteFrame(pcm)
}

// SendDTMF отправляет цифру как telephone-event. Только в Established.
func (c *Call) SendDTMF(digit media.DTMFDigit) error {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()

	if session == nil {
		return fmt.Errorf("%w: %s", ErrInvalidState, c.State())
	}
	return session.SendDTMF(digit, rtp.DefaultDTMFDuration)
}

// Dial арендует порты, строит offer и отправляет INVITE.
// Ошибка переводит звонок в Failed.
func (c *Call) Dial(ctx context.Context) error {
	// Переход Idle -> Negotiating выполняется автоматом под его блокировкой,
	// второй Dial получает ошибку перехода
	if err := c.machine.Event(context.Background(), eventInvite); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidState, c.State())
	}

	metrics.CallsActive.Inc()

	if err := c.startInvite(ctx); err != nil {
		c.fail(err)
		c.finish()
		return err
	}

	go c.run()
	return nil
}

// Hangup завершает звонок: CANCEL до ответа, BYE после.
// Возвращается, когда звонок в Terminated и порты освобождены.
func (c *Call) Hangup(ctx context.Context) error {
	if c.State() == StateIdle {
		return fmt.Errorf("%w: звонок не начат", ErrInvalidState)
	}

	result := make(chan error, 1)
	if !c.post(ctx, hangupInput{result: result}) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return nil
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleRequest обрабатывает входящий запрос внутри диалога
func (c *Call) HandleRequest(req *sip.Request, respond Responder) {
	if c.post(context.Background(), requestInput{req: req, respond: respond}) {
		return
	}
	// Звонок завершен: повтор BYE получает 200 OK без изменения состояния
	c.respondEnded(req, respond)
}

// HandleResponse обрабатывает ответ, не сопоставленный ни с одной транзакцией
// (повтор 2xx на INVITE после завершения транзакции)
func (c *Call) HandleResponse(res *sip.Response) {
	c.post(context.Background(), responseInput{res: res})
}

func (c *Call) post(ctx context.Context, in any) bool {
	select {
	case c.inbox <- in:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// postMedia неблокирующая доставка из горутин RTP сессии
func (c *Call) postMedia(in any) {
	select {
	case c.media <- in:
	default:
		c.logger.Warn("очередь событий медиа переполнена, событие отброшено")
	}
}

func (c *Call) fire(event string) {
	if err := c.machine.Event(context.Background(), event); err != nil {
		c.logger.WithError(err).WithField("event", event).Debug("переход не выполнен")
	}
}

func (c *Call) onTransition(from, to State) {
	metrics.StateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	c.logger.WithFields(logrus.Fields{"from": from, "to": to}).Info("состояние звонка")

	ev := Event{CallID: c.id, Kind: EventStateChanged, Time: time.Now(), From: from, To: to}
	if to == StateFailed {
		ev.Err = c.Err()
	}
	c.cfg.Emit(ev)
}

// finish выполняется один раз при завершении звонка
func (c *Call) finish() {
	c.once.Do(func() {
		metrics.CallsActive.Dec()

		result := "completed"
		switch {
		case c.State() == StateFailed:
			result = "failed"
		case c.establishedAt.IsZero():
			result = "cancelled"
		default:
			metrics.CallDuration.Observe(time.Since(c.establishedAt).Seconds())
		}
		metrics.CallsTotal.WithLabelValues(result).Inc()

		for _, w := range c.waiters {
			w <- nil
		}
		c.waiters = nil

		close(c.done)
		if c.cfg.OnEnd != nil {
			c.cfg.OnEnd(c)
		}
	})
}
