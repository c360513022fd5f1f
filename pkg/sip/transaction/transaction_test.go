package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender записывает отправленные сообщения
type fakeSender struct {
	mu   sync.Mutex
	sent []sip.Message
	err  error
}

func (s *fakeSender) Send(msg sip.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) requests(method sip.RequestMethod) []*sip.Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*sip.Request
	for _, m := range s.sent {
		if req, ok := m.(*sip.Request); ok && req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

func (s *fakeSender) count(method sip.RequestMethod) int {
	return len(s.requests(method))
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func fastTimers() Timers {
	return Timers{
		T1:             10 * time.Millisecond,
		T2:             40 * time.Millisecond,
		T4:             20 * time.Millisecond,
		MaxRetransmits: DefaultInviteRetransmits,
	}
}

func newTestRequest(method sip.RequestMethod, seq uint32) *sip.Request {
	recipient := sip.Uri{Scheme: "sip", User: "bob", Host: "127.0.0.1", Port: 5060}
	req := sip.NewRequest(method, recipient)
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "127.0.0.1",
		Port:            5070,
		Params:          sip.NewParams(),
	})
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "127.0.0.1"},
		Params:  sip.NewParams().Add("tag", "a1"),
	})
	req.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})
	callID := sip.CallIDHeader("call-1@127.0.0.1")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.SetBody(nil)
	return req
}

func respond(req *sip.Request, code int, reason string) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if to := res.To(); to != nil && code > 100 {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params = to.Params.Add("tag", "b2")
	}
	return res
}

func TestInviteRetransmitsUntilTimeout(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, fastTimers(), testLogger())
	defer client.Close()

	start := time.Now()
	tx, err := client.Send(context.Background(), newTestRequest(sip.INVITE, 1))
	require.NoError(t, err)

	res, err := tx.Wait(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Nil(t, res)

	// 64*T1 = 640ms, 7 передач (первая + 6 повторов)
	assert.GreaterOrEqual(t, time.Since(start), 640*time.Millisecond)
	assert.Equal(t, DefaultInviteRetransmits+1, sender.count(sip.INVITE))
	assert.Equal(t, StateTerminated, tx.State())
	assert.Zero(t, client.Len())
}

func TestTimeoutIndependentOfRetransmitLimit(t *testing.T) {
	timers := fastTimers()
	timers.MaxRetransmits = 2

	sender := &fakeSender{}
	client := NewClient(sender, timers, testLogger())
	defer client.Close()

	start := time.Now()
	tx, err := client.Send(context.Background(), newTestRequest(sip.INVITE, 1))
	require.NoError(t, err)

	// Повторы исчерпаны за 10+20 мс, но транзакция ждет Timer B
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 3, sender.count(sip.INVITE))
	select {
	case <-tx.Done():
		t.Fatal("транзакция завершилась до Timer B")
	default:
	}

	_, err = tx.Wait(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 640*time.Millisecond)
	assert.Equal(t, 3, sender.count(sip.INVITE))
}

func TestInviteProvisionalStopsRetransmits(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, fastTimers(), testLogger())
	defer client.Close()

	req := newTestRequest(sip.INVITE, 1)
	tx, err := client.Send(context.Background(), req)
	require.NoError(t, err)

	require.True(t, client.HandleResponse(respond(req, 180, "Ringing")))
	assert.Equal(t, StateProceeding, tx.State())

	select {
	case res := <-tx.Responses():
		assert.EqualValues(t, 180, res.StatusCode)
	case <-time.After(time.Second):
		t.Fatal("нет предварительного ответа")
	}

	sent := sender.count(sip.INVITE)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, sent, sender.count(sip.INVITE))
}

func TestInviteProceedingWaitsPastTimerB(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, fastTimers(), testLogger())
	defer client.Close()

	req := newTestRequest(sip.INVITE, 1)
	tx, err := client.Send(context.Background(), req)
	require.NoError(t, err)
	require.True(t, client.HandleResponse(respond(req, 180, "Ringing")))

	// 64*T1 = 640ms: звонящий телефон не переводит транзакцию в таймаут
	time.Sleep(900 * time.Millisecond)
	select {
	case <-tx.Done():
		_, err := tx.Result()
		t.Fatalf("транзакция в Proceeding завершилась: %v", err)
	default:
	}
	assert.Equal(t, StateProceeding, tx.State())
	assert.Equal(t, 1, client.Len())

	require.True(t, client.HandleResponse(respond(req, 200, "OK")))
	res, err := tx.Wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 200, res.StatusCode)
}

func TestNonInviteHonoursRetransmitLimit(t *testing.T) {
	timers := fastTimers()
	timers.MaxRetransmits = 2

	sender := &fakeSender{}
	client := NewClient(sender, timers, testLogger())
	defer client.Close()

	tx, err := client.Send(context.Background(), newTestRequest(sip.BYE, 2))
	require.NoError(t, err)

	_, err = tx.Wait(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 3, sender.count(sip.BYE))
	assert.Equal(t, 2, tx.Retransmits())
}

func TestInviteFailureSendsAckAndCompletes(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, fastTimers(), testLogger())
	defer client.Close()

	req := newTestRequest(sip.INVITE, 1)
	tx, err := client.Send(context.Background(), req)
	require.NoError(t, err)
	branch := tx.Key().Branch

	busy := respond(req, 486, "Busy Here")
	require.True(t, client.HandleResponse(busy))

	res, err := tx.Wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 486, res.StatusCode)
	assert.Equal(t, StateCompleted, tx.State())

	acks := sender.requests(sip.ACK)
	require.Len(t, acks, 1)
	ackBranch, _ := acks[0].Via().Params.Get("branch")
	assert.Equal(t, branch, ackBranch)
	assert.Equal(t, sip.ACK, acks[0].CSeq().MethodName)
	assert.Equal(t, uint32(1), acks[0].CSeq().SeqNo)

	// Повтор финального ответа поглощается в Completed с повтором ACK
	require.True(t, client.HandleResponse(busy))
	assert.Len(t, sender.requests(sip.ACK), 2)

	client.Close()
	assert.Zero(t, client.Len())
}

func TestInviteSuccessTerminatesWithoutAck(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, fastTimers(), testLogger())
	defer client.Close()

	req := newTestRequest(sip.INVITE, 1)
	tx, err := client.Send(context.Background(), req)
	require.NoError(t, err)

	ok := respond(req, 200, "OK")
	require.True(t, client.HandleResponse(ok))

	res, err := tx.Wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 200, res.StatusCode)
	assert.Equal(t, StateTerminated, tx.State())
	assert.Zero(t, client.Len())
	assert.Empty(t, sender.requests(sip.ACK))

	// Повтор 2xx уже не сопоставляется: его обрабатывает уровень звонка
	assert.False(t, client.HandleResponse(ok))
}

func TestNonInviteCompletesAfterTimerK(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, fastTimers(), testLogger())
	defer client.Close()

	req := newTestRequest(sip.BYE, 2)
	tx, err := client.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateTrying, tx.State())

	require.True(t, client.HandleResponse(respond(req, 200, "OK")))
	res, err := tx.Wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 200, res.StatusCode)
	assert.Equal(t, StateCompleted, tx.State())

	require.Eventually(t, func() bool {
		return tx.State() == StateTerminated && client.Len() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestNonInviteRetransmitIntervalCappedAtT2(t *testing.T) {
	assert.Equal(t, 20*time.Millisecond, NextRetransmitInterval(10*time.Millisecond, 40*time.Millisecond))
	assert.Equal(t, 40*time.Millisecond, NextRetransmitInterval(40*time.Millisecond, 40*time.Millisecond))
	assert.Equal(t, 80*time.Millisecond, NextRetransmitInterval(40*time.Millisecond, 0))
}

func TestCancelInvite(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, fastTimers(), testLogger())
	defer client.Close()

	invite := newTestRequest(sip.INVITE, 1)
	tx, err := client.Send(context.Background(), invite)
	require.NoError(t, err)
	require.True(t, client.HandleResponse(respond(invite, 180, "Ringing")))

	cancelTx, err := tx.Cancel(context.Background())
	require.NoError(t, err)

	again, err := tx.Cancel(context.Background())
	require.NoError(t, err)
	assert.Same(t, cancelTx, again)

	cancels := sender.requests(sip.CANCEL)
	require.NotEmpty(t, cancels)
	cancelReq := cancels[0]
	cancelBranch, _ := cancelReq.Via().Params.Get("branch")
	assert.Equal(t, tx.Key().Branch, cancelBranch)
	assert.Equal(t, uint32(1), cancelReq.CSeq().SeqNo)
	assert.Equal(t, sip.CANCEL, cancelReq.CSeq().MethodName)
	assert.Equal(t, invite.CallID().Value(), cancelReq.CallID().Value())

	require.True(t, client.HandleResponse(respond(cancelReq, 200, "OK")))
	cancelRes, err := cancelTx.Wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 200, cancelRes.StatusCode)

	require.True(t, client.HandleResponse(respond(invite, 487, "Request Terminated")))
	res, err := tx.Wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 487, res.StatusCode)
	assert.Len(t, sender.requests(sip.ACK), 1)
}

func TestCancelNotAllowed(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, fastTimers(), testLogger())
	defer client.Close()

	invite := newTestRequest(sip.INVITE, 1)
	tx, err := client.Send(context.Background(), invite)
	require.NoError(t, err)
	require.True(t, client.HandleResponse(respond(invite, 603, "Decline")))

	_, err = tx.Cancel(context.Background())
	assert.ErrorIs(t, err, ErrCannotCancel)

	bye, err := client.Send(context.Background(), newTestRequest(sip.BYE, 2))
	require.NoError(t, err)
	_, err = bye.Cancel(context.Background())
	assert.ErrorIs(t, err, ErrCannotCancel)
}

func TestUnmatchedResponses(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, fastTimers(), testLogger())
	defer client.Close()

	req := newTestRequest(sip.INVITE, 1)
	tx, err := client.Send(context.Background(), req)
	require.NoError(t, err)

	// Другой branch
	other := newTestRequest(sip.INVITE, 1)
	other.Via().Params = other.Via().Params.Add("branch", GenerateBranch())
	assert.False(t, client.HandleResponse(respond(other, 200, "OK")))

	// Тот же branch, но ответ на CANCEL: другой ключ
	cancelRes := respond(req, 200, "OK")
	cancelRes.CSeq().MethodName = sip.CANCEL
	assert.False(t, client.HandleResponse(cancelRes))

	// Тот же ключ, чужой номер CSeq: отбрасывается транзакцией
	stale := respond(req, 200, "OK")
	stale.CSeq().SeqNo = 99
	assert.True(t, client.HandleResponse(stale))
	assert.Equal(t, StateCalling, tx.State())
}

func TestTransportErrorOnSend(t *testing.T) {
	sender := &fakeSender{err: errors.New("network unreachable")}
	client := NewClient(sender, fastTimers(), testLogger())
	defer client.Close()

	_, err := client.Send(context.Background(), newTestRequest(sip.OPTIONS, 1))
	assert.ErrorIs(t, err, ErrTransport)
	assert.Zero(t, client.Len())
}

func TestSendGeneratesBranch(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, fastTimers(), testLogger())
	defer client.Close()

	req := newTestRequest(sip.OPTIONS, 1)
	tx, err := client.Send(context.Background(), req)
	require.NoError(t, err)

	branch, ok := req.Via().Params.Get("branch")
	require.True(t, ok)
	assert.Equal(t, branch, tx.Key().Branch)
	assert.Contains(t, branch, MagicCookie)
}

func TestSendRejectsAckAndClosedClient(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, fastTimers(), testLogger())

	_, err := client.Send(context.Background(), newTestRequest(sip.ACK, 1))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	pending, err := client.Send(context.Background(), newTestRequest(sip.OPTIONS, 1))
	require.NoError(t, err)

	client.Close()
	_, err = pending.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTerminated)

	_, err = client.Send(context.Background(), newTestRequest(sip.OPTIONS, 2))
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestSendAck(t *testing.T) {
	sender := &fakeSender{}
	client := NewClient(sender, fastTimers(), testLogger())
	defer client.Close()

	invite := newTestRequest(sip.INVITE, 1)
	invite.Via().Params = invite.Via().Params.Add("branch", GenerateBranch())
	ok := respond(invite, 200, "OK")

	ack, err := BuildAck(invite, ok)
	require.NoError(t, err)
	require.NoError(t, client.SendAck(ack))
	assert.Len(t, sender.requests(sip.ACK), 1)

	// ACK на 2xx: новая транзакция, новый branch, To с тегом из ответа
	inviteBranch, _ := invite.Via().Params.Get("branch")
	ackBranch, _ := ack.Via().Params.Get("branch")
	assert.NotEqual(t, inviteBranch, ackBranch)
	tag, _ := ack.To().Params.Get("tag")
	assert.Equal(t, "b2", tag)

	assert.ErrorIs(t, client.SendAck(invite), ErrInvalidRequest)
}

func TestTimerDurations(t *testing.T) {
	timers := DefaultTimers()

	assert.Equal(t, 500*time.Millisecond, timers.Duration(TimerA))
	assert.Equal(t, 32*time.Second, timers.Duration(TimerB))
	assert.Equal(t, 32*time.Second, timers.Duration(TimerF))
	assert.Equal(t, 32*time.Second, timers.Duration(TimerD))
	assert.Equal(t, 5*time.Second, timers.Duration(TimerK))
	assert.Equal(t, DefaultInviteRetransmits, timers.maxRetransmits(true))
	assert.Equal(t, DefaultNonInviteRetransmits, timers.maxRetransmits(false))

	timers.MaxRetransmits = 3
	assert.Equal(t, 3, timers.maxRetransmits(true))
	assert.Equal(t, 3, timers.maxRetransmits(false))
}

func TestValidTransition(t *testing.T) {
	assert.True(t, validTransition(StateCalling, StateProceeding))
	assert.True(t, validTransition(StateCalling, StateTerminated))
	assert.True(t, validTransition(StateProceeding, StateCompleted))
	assert.False(t, validTransition(StateCompleted, StateProceeding))
	assert.False(t, validTransition(StateTerminated, StateCalling))
}
