package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipphone/pkg/media"
	"github.com/arzzra/sipphone/pkg/media/codec"
	"github.com/arzzra/sipphone/pkg/rtp"
	"github.com/arzzra/sipphone/pkg/sip/auth"
	"github.com/arzzra/sipphone/pkg/sip/transaction"
)

// Входные события горутины звонка
type (
	provisionalInput struct {
		tx  *transaction.ClientTransaction
		res *sip.Response
	}
	finalInput struct {
		tx  *transaction.ClientTransaction
		res *sip.Response
		err error
	}
	byeDoneInput struct {
		res *sip.Response
		err error
	}
	requestInput struct {
		req     *sip.Request
		respond Responder
	}
	responseInput struct {
		res *sip.Response
	}
	hangupInput struct {
		result chan error
	}
	dtmfInput struct {
		event media.DTMFEvent
	}
	drainedInput struct{}
)

func (c *Call) run() {
	defer c.finish()

	for !c.State().IsFinal() {
		select {
		case in := <-c.inbox:
			c.handle(in)
		case in := <-c.media:
			c.handle(in)
		}
	}
}

func (c *Call) handle(in any) {
	switch in := in.(type) {
	case provisionalInput:
		c.onProvisional(in)
	case finalInput:
		c.onFinal(in)
	case byeDoneInput:
		c.onByeDone(in)
	case requestInput:
		c.onRequest(in)
	case responseInput:
		c.onStrayResponse(in.res)
	case hangupInput:
		c.onHangup(in)
	case dtmfInput:
		c.cfg.Emit(Event{CallID: c.id, Kind: EventDTMF, Time: time.Now(), DTMF: in.event})
	case drainedInput:
		c.cfg.Emit(Event{CallID: c.id, Kind: EventMediaDrained, Time: time.Now()})
	}
}

// startInvite арендует порты, строит offer и отправляет первый INVITE
func (c *Call) startInvite(ctx context.Context) error {
	lease, err := c.cfg.Ports.Lease()
	if err != nil {
		return err
	}
	c.lease, c.leased = lease, true

	offer, err := c.cfg.Negotiator.BuildOffer(c.cfg.LocalHost, lease.RTP)
	if err != nil {
		return err
	}
	c.offer = offer

	return c.sendInvite(ctx, nil)
}

// sendInvite отправляет INVITE с новым CSeq и branch.
// challenge ответ 401/407, на который отвечает запрос.
func (c *Call) sendInvite(ctx context.Context, challenge *sip.Response) error {
	c.cseq++
	req := c.buildInvite()

	if challenge != nil {
		if err := auth.Authorize(req, challenge, c.cfg.Credentials); err != nil {
			return fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
	}

	tx, err := c.cfg.Transactions.Send(ctx, req)
	if err != nil {
		return err
	}

	c.invite = req
	c.inviteTx = tx
	c.provisional = false
	go c.watchInvite(tx)
	return nil
}

// watchInvite передает ответы INVITE транзакции в горутину звонка.
// Предварительные ответы передаются до финального.
func (c *Call) watchInvite(tx *transaction.ClientTransaction) {
	ctx := context.Background()
	for {
		select {
		case res := <-tx.Responses():
			if !c.post(ctx, provisionalInput{tx: tx, res: res}) {
				return
			}
		case <-tx.Done():
			for drained := false; !drained; {
				select {
				case res := <-tx.Responses():
					if !c.post(ctx, provisionalInput{tx: tx, res: res}) {
						return
					}
				default:
					drained = true
				}
			}
			res, err := tx.Result()
			c.post(ctx, finalInput{tx: tx, res: res, err: err})
			return
		case <-c.done:
			return
		}
	}
}

func (c *Call) onProvisional(in provisionalInput) {
	if in.tx != c.inviteTx {
		return
	}
	c.provisional = true

	code := int(in.res.StatusCode)
	if (code == 180 || code == 183) && c.State() == StateNegotiating {
		c.fire(eventRinging)
	}

	if c.cancelPending {
		c.cancelPending = false
		c.sendCancel()
	}
}

func (c *Call) onFinal(in finalInput) {
	if in.tx != c.inviteTx {
		return
	}
	state := c.State()

	if in.err != nil {
		if state == StateTerminating {
			c.terminate()
			return
		}
		c.fail(in.err)
		return
	}

	res := in.res
	code := int(res.StatusCode)
	switch {
	case code >= 200 && code < 300:
		c.onAnswered(res)

	case auth.IsChallenge(res) && state != StateTerminating:
		c.onChallenge(res)

	default:
		if state == StateTerminating {
			c.terminate()
			return
		}
		c.fail(&StatusError{Code: code, Reason: res.Reason})
	}
}

func (c *Call) onChallenge(res *sip.Response) {
	statusErr := &StatusError{Code: int(res.StatusCode), Reason: res.Reason}
	if c.authRetried {
		c.fail(fmt.Errorf("%w: %w", ErrAuthentication, statusErr))
		return
	}
	if c.cfg.Credentials.Empty() {
		c.fail(fmt.Errorf("%w: %w", ErrAuthentication, auth.ErrNoCredentials))
		return
	}
	c.authRetried = true

	c.logger.WithField("status", statusErr.Code).Info("повтор INVITE с аутентификацией")
	if err := c.sendInvite(context.Background(), res); err != nil {
		c.fail(err)
	}
}

// onAnswered обрабатывает 2xx: диалог установлен, запускается медиа
func (c *Call) onAnswered(res *sip.Response) {
	c.recordDialog(res)

	ack, err := transaction.BuildAck(c.invite, res)
	if err != nil {
		c.fail(err)
		return
	}
	c.applyRoutes(ack)
	c.ack = ack

	if c.State() == StateTerminating {
		// 2xx обогнал CANCEL: подтверждаем и сразу завершаем через BYE
		c.sendAck()
		c.sendBye()
		return
	}

	if err := c.startMedia(res); err != nil {
		c.logger.WithError(err).Warn("не удалось запустить медиа после 2xx")
		c.sendAck()
		c.sendBye()
		c.fail(err)
		return
	}

	c.sendAck()
	c.establishedAt = time.Now()
	c.fire(eventAnswer)
}

func (c *Call) startMedia(res *sip.Response) error {
	answer, err := c.cfg.Negotiator.Negotiate(c.offer, res.Body())
	if err != nil {
		return err
	}

	cdc, err := codec.New(answer.Codec, answer.PayloadType, answer.Ptime)
	if err != nil {
		return err
	}

	session, err := rtp.NewSession(rtp.SessionConfig{
		Lease:             c.lease,
		LocalIP:           c.cfg.LocalHost,
		RemoteRTP:         answer.RemoteRTP,
		RemoteRTCP:        answer.RemoteRTCP,
		RTCPMux:           answer.RTCPMux,
		Codec:             cdc,
		TelephoneEventPT:  answer.TelephoneEventPT,
		HasTelephoneEvent: answer.HasTelephoneEvent,
		Direction:         answer.Direction,
		Release:           c.cfg.Ports.Release,
		OnAudio:           c.cfg.OnAudio,
		OnDTMF:            func(ev media.DTMFEvent) { c.postMedia(dtmfInput{event: ev}) },
		OnDrained:         func() { c.postMedia(drainedInput{}) },
		RTCPInterval:      c.cfg.RTCPInterval,
		Logger:            c.logger,
	})
	if err != nil {
		return err
	}
	// Аренда принадлежит сессии и освобождается в Stop
	c.leased = false

	if err := session.Start(context.Background()); err != nil {
		_ = session.Stop()
		return err
	}

	c.mu.Lock()
	c.session = session
	c.answer = answer
	c.mu.Unlock()
	return nil
}

func (c *Call) onHangup(in hangupInput) {
	switch c.State() {
	case StateNegotiating, StateRinging:
		c.waiters = append(c.waiters, in.result)
		c.fire(eventHangup)
		if c.provisional {
			c.sendCancel()
		} else {
			// CANCEL допустим только после предварительного ответа
			c.cancelPending = true
		}

	case StateEstablished:
		c.waiters = append(c.waiters, in.result)
		c.stopMedia()
		c.fire(eventHangup)
		c.sendBye()

	case StateTerminating:
		c.waiters = append(c.waiters, in.result)

	default:
		in.result <- nil
	}
}

func (c *Call) onByeDone(in byeDoneInput) {
	if in.err != nil {
		c.logger.WithError(in.err).Warn("BYE без ответа")
	} else if code := int(in.res.StatusCode); code >= 300 {
		c.logger.WithField("status", code).Warn("BYE отклонен")
	}
	if c.State() == StateTerminating {
		c.terminate()
	}
}

func (c *Call) onRequest(in requestInput) {
	req := in.req
	switch req.Method {
	case sip.BYE:
		if !c.matchesDialog(req) {
			c.respond(in, 481, "Call/Transaction Does Not Exist")
			return
		}
		switch c.State() {
		case StateEstablished:
			c.respond(in, 200, "OK")
			c.stopMedia()
			c.fire(eventHangup)
			c.terminate()
		case StateTerminating:
			c.respond(in, 200, "OK")
		default:
			c.respond(in, 481, "Call/Transaction Does Not Exist")
		}

	case sip.ACK:
		// ACK не требует ответа

	case sip.OPTIONS:
		c.respond(in, 200, "OK")

	default:
		c.respond(in, 501, "Not Implemented")
	}
}

// onStrayResponse повтор 2xx на INVITE: ACK был потерян, повторяем его
func (c *Call) onStrayResponse(res *sip.Response) {
	cseq := res.CSeq()
	if cseq == nil || cseq.MethodName != sip.INVITE || c.invite == nil || c.ack == nil {
		return
	}
	if cseq.SeqNo != c.invite.CSeq().SeqNo || !res.IsSuccess() {
		return
	}
	c.logger.Debug("повтор 2xx, повторяем ACK")
	c.sendAck()
}

func (c *Call) respond(in requestInput, code int, reason string) {
	res := sip.NewResponseFromRequest(in.req, code, reason, nil)
	if code == 200 && in.req.Method == sip.OPTIONS {
		res.AppendHeader(sip.NewHeader("Allow", AllowedMethods))
	}
	if err := in.respond(res); err != nil {
		c.logger.WithError(err).Warn("не удалось отправить ответ")
	}
}

// respondEnded ответ на запрос к уже завершенному звонку
func (c *Call) respondEnded(req *sip.Request, respond Responder) {
	in := requestInput{req: req, respond: respond}
	switch req.Method {
	case sip.BYE:
		if c.matchesDialog(req) {
			c.respond(in, 200, "OK")
			return
		}
		c.respond(in, 481, "Call/Transaction Does Not Exist")
	case sip.ACK:
	default:
		c.respond(in, 481, "Call/Transaction Does Not Exist")
	}
}

// matchesDialog входящий запрос несет наш тег в To.
// Call-ID уже сопоставлен вызывающим.
func (c *Call) matchesDialog(req *sip.Request) bool {
	to := req.To()
	if to == nil {
		return false
	}
	tag, _ := to.Params.Get("tag")
	return tag == c.localTag
}

func (c *Call) sendCancel() {
	if c.inviteTx == nil {
		return
	}
	if _, err := c.inviteTx.Cancel(context.Background()); err != nil {
		// Финальный ответ уже получен или в пути, его обработает onFinal
		if !errors.Is(err, transaction.ErrCannotCancel) {
			c.logger.WithError(err).Warn("не удалось отправить CANCEL")
		}
	}
}

func (c *Call) sendAck() {
	if c.ack == nil {
		return
	}
	if err := c.cfg.Transactions.SendAck(c.ack); err != nil {
		c.logger.WithError(err).Warn("не удалось отправить ACK")
	}
}

// sendBye отправляет BYE. Результат приходит как byeDoneInput.
func (c *Call) sendBye() {
	c.cseq++
	bye := c.buildBye()

	tx, err := c.cfg.Transactions.Send(context.Background(), bye)
	if err != nil {
		c.logger.WithError(err).Warn("не удалось отправить BYE")
		go c.post(context.Background(), byeDoneInput{err: err})
		return
	}

	go func() {
		select {
		case <-tx.Done():
			res, err := tx.Result()
			c.post(context.Background(), byeDoneInput{res: res, err: err})
		case <-c.done:
		}
	}()
}

// stopMedia останавливает RTP сессию. Аренда освобождается в Stop.
func (c *Call) stopMedia() {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	if session == nil {
		return
	}
	if err := session.Stop(); err != nil {
		c.logger.WithError(err).Warn("ошибка остановки RTP сессии")
	}
}

func (c *Call) releaseLease() {
	if !c.leased {
		return
	}
	c.leased = false
	if err := c.cfg.Ports.Release(c.lease); err != nil {
		c.logger.WithError(err).Warn("ошибка освобождения портов")
	}
}

// terminate Terminating -> Terminated с освобождением ресурсов
func (c *Call) terminate() {
	c.stopMedia()
	c.releaseLease()
	c.fire(eventTerminated)
}

// fail переводит звонок в Failed с причиной err
func (c *Call) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	c.logger.WithError(err).Warn("звонок не удался")
	c.stopMedia()
	c.releaseLease()
	c.fire(eventFail)
}
