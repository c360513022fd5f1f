package phone

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sipphone/pkg/call"
	"github.com/arzzra/sipphone/pkg/sip/auth"
	"github.com/arzzra/sipphone/pkg/sip/transaction"
)

// registrar поддерживает регистрацию Contact на сервере.
// Все REGISTER одной регистрации используют общий Call-ID и растущий CSeq.
type registrar struct {
	p      *Phone
	logger *logrus.Entry

	callID string
	tag    string

	mu   sync.Mutex
	cseq uint32

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func newRegistrar(p *Phone) *registrar {
	return &registrar{
		p:      p,
		logger: p.logger.WithField("component", "register"),
		callID: uuid.NewString() + "@" + p.cfg.OwnHost(),
		tag:    uuid.NewString()[:8],
		stopCh: make(chan struct{}),
	}
}

// register отправляет REGISTER с заданным сроком. expires 0 снимает регистрацию.
// На 401/407 запрос повторяется один раз с учетными данными.
func (r *registrar) register(ctx context.Context, expires time.Duration) error {
	creds := auth.Credentials{Username: r.p.cfg.Username, Password: r.p.cfg.Password}

	req, err := r.build(expires)
	if err != nil {
		return err
	}
	res, err := r.send(ctx, req)
	if err != nil {
		return err
	}

	if auth.IsChallenge(res) {
		retry, err := r.build(expires)
		if err != nil {
			return err
		}
		if err := auth.Authorize(retry, res, creds); err != nil {
			return fmt.Errorf("%w: %w", call.ErrAuthentication, err)
		}
		if res, err = r.send(ctx, retry); err != nil {
			return err
		}
		if auth.IsChallenge(res) {
			return fmt.Errorf("%w: %w", call.ErrAuthentication, &call.StatusError{Code: int(res.StatusCode), Reason: res.Reason})
		}
	}

	if !res.IsSuccess() {
		return fmt.Errorf("%w: %w", ErrRegistration, &call.StatusError{Code: int(res.StatusCode), Reason: res.Reason})
	}

	r.logger.WithField("expires", expires.String()).Info("регистрация выполнена")
	return nil
}

func (r *registrar) send(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := r.p.client.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("REGISTER: %w", err)
	}
	res, err := tx.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("REGISTER: %w", err)
	}
	return res, nil
}

func (r *registrar) build(expires time.Duration) (*sip.Request, error) {
	cfg := r.p.cfg
	host, port, err := splitServer(cfg.ServerAddr)
	if err != nil {
		return nil, err
	}
	local := r.p.transport.LocalAddr()

	r.mu.Lock()
	r.cseq++
	cseq := r.cseq
	r.mu.Unlock()

	aor := sip.Uri{Scheme: "sip", User: cfg.Username, Host: host, Port: port}
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", Host: host, Port: port})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            cfg.OwnHost(),
		Port:            local.Port,
		Params:          sip.NewParams().Add("branch", transaction.GenerateBranch()),
	})
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: sip.NewParams().Add("tag", r.tag)})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	callID := sip.CallIDHeader(r.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.REGISTER})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: cfg.Username, Host: cfg.OwnHost(), Port: local.Port},
		Params:  sip.NewParams(),
	})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expires/time.Second))))
	if cfg.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", cfg.UserAgent))
	}
	req.SetBody(nil)
	return req, nil
}

// startRefresh обновляет регистрацию на половине срока
func (r *registrar) startRefresh() {
	interval := r.p.cfg.RegisterExpires / 2
	if interval <= 0 {
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if err := r.register(ctx, r.p.cfg.RegisterExpires); err != nil {
					r.logger.WithError(err).Warn("не удалось обновить регистрацию")
				}
				cancel()
			}
		}
	}()
}

func (r *registrar) stop() {
	r.once.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}
