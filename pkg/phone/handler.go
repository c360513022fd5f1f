package phone

import (
	"net"
	"strconv"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sipphone/pkg/call"
)

// HandleResponse сопоставляет ответ с транзакцией, а несопоставленный
// передает звонку по Call-ID (повтор 2xx на INVITE)
func (p *Phone) HandleResponse(res *sip.Response, from *net.UDPAddr) {
	if p.client.HandleResponse(res) {
		return
	}

	callID := res.CallID()
	if callID == nil {
		return
	}
	if c, ok := p.lookup(callID.Value()); ok {
		c.HandleResponse(res)
		return
	}

	p.logger.WithFields(logrus.Fields{
		"status": res.StatusCode,
		"from":   from.String(),
	}).Debug("ответ без транзакции и звонка отброшен")
}

// HandleRequest обрабатывает входящий запрос. Запросы в диалоге передаются
// звонку, остальные получают ответ сразу.
func (p *Phone) HandleRequest(req *sip.Request, from *net.UDPAddr) {
	respond := func(res *sip.Response) error {
		return p.transport.SendTo(res, from)
	}

	logger := p.logger.WithFields(logrus.Fields{
		"method": req.Method.String(),
		"from":   from.String(),
	})

	if callID := req.CallID(); callID != nil {
		if c, ok := p.lookup(callID.Value()); ok {
			// Звонок может ждать ответа транзакции из этой же горутины чтения
			go c.HandleRequest(req, respond)
			return
		}
	}

	switch req.Method {
	case sip.ACK, sip.CANCEL:
		// ACK и CANCEL без транзакции игнорируются
		logger.Debug("запрос вне диалога проигнорирован")
	case sip.OPTIONS:
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		res.AppendHeader(sip.NewHeader("Allow", call.AllowedMethods))
		p.reply(res, respond, logger)
	case sip.INVITE:
		// Входящие звонки не принимаются
		p.reply(sip.NewResponseFromRequest(req, 603, "Decline", nil), respond, logger)
	case sip.BYE:
		p.reply(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil), respond, logger)
	default:
		p.reply(sip.NewResponseFromRequest(req, 501, "Not Implemented", nil), respond, logger)
	}
}

func (p *Phone) reply(res *sip.Response, respond call.Responder, logger *logrus.Entry) {
	logger.WithField("status", res.StatusCode).Debug("ответ на запрос вне диалога")
	if err := respond(res); err != nil {
		logger.WithError(err).Warn("не удалось отправить ответ")
	}
}

func splitServer(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
