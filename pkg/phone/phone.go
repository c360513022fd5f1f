// Package phone объединяет сигнальный транспорт, транзакции, аллокатор портов
// и звонки в один объект софтфона.
//
// Типичное использование:
//
//	p, err := phone.New(cfg, phone.WithLogger(logger))
//	if err := p.Start(ctx); err != nil { ... }
//	c, err := p.Call(ctx, "1001")
//	for ev := range p.Events() { ... }
//	p.Hangup(ctx, c)
//	p.Close()
package phone

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sipphone/pkg/call"
	"github.com/arzzra/sipphone/pkg/config"
	"github.com/arzzra/sipphone/pkg/logging"
	"github.com/arzzra/sipphone/pkg/ports"
	"github.com/arzzra/sipphone/pkg/sdp"
	"github.com/arzzra/sipphone/pkg/sip/auth"
	"github.com/arzzra/sipphone/pkg/sip/transaction"
	"github.com/arzzra/sipphone/pkg/sip/transport"
)

var (
	// ErrNotStarted Phone не запущен
	ErrNotStarted = errors.New("phone not started")
	// ErrClosed Phone закрыт
	ErrClosed = errors.New("phone closed")
	// ErrRegistration сервер отклонил REGISTER
	ErrRegistration = errors.New("registration failed")
)

const (
	defaultEventBuffer = 256
	closeTimeout       = 5 * time.Second
)

// Option настройка Phone
type Option func(*Phone)

// WithLogger задает логгер
func WithLogger(logger *logrus.Logger) Option {
	return func(p *Phone) {
		p.logger = logging.WithComponent(logger, "phone")
	}
}

// WithEventBuffer задает емкость канала событий
func WithEventBuffer(size int) Option {
	return func(p *Phone) {
		if size > 0 {
			p.eventBuffer = size
		}
	}
}

// WithAudioHandler задает получателя декодированного аудио всех звонков.
// Вызывается из горутины приема RTP.
func WithAudioHandler(handler func(callID string, pcm []int16)) Option {
	return func(p *Phone) {
		p.onAudio = handler
	}
}

// Phone софтфон: один SIP транспорт и произвольное число исходящих звонков
type Phone struct {
	cfg         *config.Config
	logger      *logrus.Entry
	eventBuffer int
	onAudio     func(callID string, pcm []int16)

	alloc      *ports.Allocator
	negotiator *sdp.Negotiator

	transport *transport.UDPTransport
	client    *transaction.Client
	events    chan call.Event

	mu      sync.Mutex
	calls   map[string]*call.Call
	active  sync.WaitGroup
	started bool
	closed  bool

	registrar *registrar
}

// New создает Phone по проверенной конфигурации
func New(cfg *config.Config, opts ...Option) (*Phone, error) {
	if cfg == nil {
		return nil, fmt.Errorf("phone: конфигурация не задана")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("phone: %w", err)
	}

	p := &Phone{
		cfg:         cfg,
		eventBuffer: defaultEventBuffer,
		calls:       make(map[string]*call.Call),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.WithComponent(logging.Discard(), "phone")
	}

	alloc, err := ports.NewAllocator(cfg.OwnHost(), cfg.RTPPortStart, cfg.RTPPortEnd)
	if err != nil {
		return nil, fmt.Errorf("phone: %w", err)
	}
	negotiator, err := sdp.NewNegotiator(cfg.CodecDescriptors(), cfg.Ptime)
	if err != nil {
		return nil, fmt.Errorf("phone: %w", err)
	}

	p.alloc = alloc
	p.negotiator = negotiator
	p.events = make(chan call.Event, p.eventBuffer)
	return p, nil
}

// Start занимает сигнальный адрес и, если включено, регистрируется на сервере
func (p *Phone) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}

	tr, err := transport.NewUDP(p.cfg.OwnAddr, p.cfg.ServerAddr, p.logger.WithField("component", "transport"))
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %w", call.ErrTransport, err)
	}

	p.transport = tr
	p.client = transaction.NewClient(tr, transaction.Timers{
		T1:             p.cfg.Transaction.T1,
		T2:             p.cfg.Transaction.T2,
		T4:             p.cfg.Transaction.T4,
		MaxRetransmits: p.cfg.Transaction.MaxRetransmits,
	}, p.logger.WithField("component", "transaction"))

	if err := tr.Listen(p); err != nil {
		p.mu.Unlock()
		_ = tr.Close()
		return fmt.Errorf("%w: %w", call.ErrTransport, err)
	}
	p.started = true
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"local":  tr.LocalAddr().String(),
		"server": p.cfg.ServerAddr,
	}).Info("SIP транспорт запущен")

	if p.cfg.Register {
		reg := newRegistrar(p)
		if err := reg.register(ctx, p.cfg.RegisterExpires); err != nil {
			return err
		}
		p.mu.Lock()
		p.registrar = reg
		p.mu.Unlock()
		reg.startRefresh()
	}
	return nil
}

// Call создает звонок и отправляет INVITE. destination имя пользователя на
// сервере или полный SIP URI. Ошибка Dial возвращается вместе со звонком,
// который уже находится в Failed.
func (p *Phone) Call(ctx context.Context, destination string) (*call.Call, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if !p.started {
		p.mu.Unlock()
		return nil, ErrNotStarted
	}
	p.mu.Unlock()

	target, err := call.ParseDestination(destination, p.cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("некорректное назначение %q: %w", destination, err)
	}

	c, err := call.New(p.callConfig(target))
	if err != nil {
		return nil, err
	}

	// Проверка closed и регистрация звонка в одной критической секции:
	// Close либо увидит звонок и дождется его, либо звонок не начнется
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.calls[c.ID()] = c
	p.active.Add(1)
	p.mu.Unlock()

	if err := c.Dial(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// Hangup завершает звонок и ждет освобождения его ресурсов
func (p *Phone) Hangup(ctx context.Context, c *call.Call) error {
	return c.Hangup(ctx)
}

// Events канал событий всех звонков. Закрывается в Close.
func (p *Phone) Events() <-chan call.Event {
	return p.events
}

// Calls активные звонки
func (p *Phone) Calls() []*call.Call {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*call.Call, 0, len(p.calls))
	for _, c := range p.calls {
		if !c.State().IsFinal() {
			out = append(out, c)
		}
	}
	return out
}

// LocalAddr адрес сигнального транспорта
func (p *Phone) LocalAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport == nil {
		return ""
	}
	return p.transport.LocalAddr().String()
}

// Close завершает все звонки, снимает регистрацию и закрывает транспорт
func (p *Phone) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	reg := p.registrar
	calls := make([]*call.Call, 0, len(p.calls))
	for _, c := range p.calls {
		calls = append(calls, c)
	}
	p.mu.Unlock()

	if !started {
		close(p.events)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, c := range calls {
		if c.State().IsFinal() {
			continue
		}
		wg.Add(1)
		go func(c *call.Call) {
			defer wg.Done()
			if err := c.Hangup(ctx); err != nil {
				p.logger.WithError(err).WithField("call_id", c.ID()).Warn("ошибка завершения звонка")
			}
		}(c)
	}
	wg.Wait()

	var errs []error
	if reg != nil {
		reg.stop()
		if err := reg.register(ctx, 0); err != nil {
			errs = append(errs, fmt.Errorf("снятие регистрации: %w", err))
		}
	}

	// Оставшиеся транзакции завершаются с ErrTerminated, звонки доходят до финала
	p.client.Close()
	p.active.Wait()
	close(p.events)

	if err := p.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	p.logger.Info("phone остановлен")
	return errors.Join(errs...)
}

func (p *Phone) callConfig(target sip.Uri) call.Config {
	local := p.transport.LocalAddr()
	host := p.cfg.OwnHost()
	callID := uuid.NewString() + "@" + host

	serverHost, serverPort, _ := splitServer(p.cfg.ServerAddr)

	return call.Config{
		CallID:      callID,
		Destination: target,
		LocalURI:    sip.Uri{Scheme: "sip", User: p.cfg.Username, Host: serverHost, Port: serverPort},
		Contact:     sip.Uri{Scheme: "sip", User: p.cfg.Username, Host: host, Port: local.Port},
		LocalHost:   host,
		LocalPort:   local.Port,
		UserAgent:   p.cfg.UserAgent,
		Credentials: auth.Credentials{Username: p.cfg.Username, Password: p.cfg.Password},

		Transactions: p.client,
		Ports:        p.alloc,
		Negotiator:   p.negotiator,

		Emit:    p.emit,
		OnAudio: p.audioHandler(callID),
		OnEnd:   p.onCallEnd,
		Logger:  p.logger.WithField("component", "call"),
	}
}

func (p *Phone) audioHandler(callID string) func(pcm []int16) {
	if p.onAudio == nil {
		return nil
	}
	handler := p.onAudio
	return func(pcm []int16) {
		handler(callID, pcm)
	}
}

// emit доставляет событие потребителю. При переполнении канала событие
// отбрасывается, чтобы медленный потребитель не останавливал звонки.
func (p *Phone) emit(ev call.Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.WithFields(logrus.Fields{
			"call_id": ev.CallID,
			"kind":    ev.Kind.String(),
		}).Warn("канал событий переполнен, событие отброшено")
	}
}

// onCallEnd звонок завершен. Запись хранится еще 64*T1, чтобы ответить 200
// на повторы BYE, затем удаляется.
func (p *Phone) onCallEnd(c *call.Call) {
	p.active.Done()

	linger := 64 * p.cfg.Transaction.T1
	time.AfterFunc(linger, func() {
		p.mu.Lock()
		delete(p.calls, c.ID())
		p.mu.Unlock()
	})
}

func (p *Phone) lookup(callID string) (*call.Call, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[callID]
	return c, ok
}
