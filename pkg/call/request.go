package call

import (
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sipphone/pkg/sip/transaction"
)

// AllowedMethods значение Allow в ответах на OPTIONS
const AllowedMethods = "INVITE, ACK, BYE, CANCEL, OPTIONS"

const maxForwards = "70"

// buildInvite создает INVITE с текущим CSeq. Branch проставляет транзакция.
func (c *Call) buildInvite() *sip.Request {
	req := sip.NewRequest(sip.INVITE, c.cfg.Destination)
	c.appendVia(req)

	req.AppendHeader(&sip.FromHeader{
		Address: c.cfg.LocalURI,
		Params:  sip.NewParams().Add("tag", c.localTag),
	})
	req.AppendHeader(&sip.ToHeader{Address: c.cfg.Destination, Params: sip.NewParams()})
	c.appendCommon(req, sip.INVITE)
	req.AppendHeader(&sip.ContactHeader{Address: c.cfg.Contact, Params: sip.NewParams()})
	req.AppendHeader(sip.NewHeader("Allow", AllowedMethods))

	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(c.offer.Body)
	return req
}

// buildBye создает BYE внутри диалога на remote target из Contact ответа
func (c *Call) buildBye() *sip.Request {
	req := sip.NewRequest(sip.BYE, c.remoteTarget)
	c.appendVia(req)
	c.applyRoutes(req)

	req.AppendHeader(&sip.FromHeader{
		Address: c.cfg.LocalURI,
		Params:  sip.NewParams().Add("tag", c.localTag),
	})
	to := *c.remoteTo
	req.AppendHeader(&to)
	c.appendCommon(req, sip.BYE)
	req.SetBody(nil)
	return req
}

func (c *Call) appendVia(req *sip.Request) {
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            c.cfg.LocalHost,
		Port:            c.cfg.LocalPort,
		Params:          sip.NewParams().Add("branch", transaction.GenerateBranch()),
	})
}

func (c *Call) appendCommon(req *sip.Request, method sip.RequestMethod) {
	callID := sip.CallIDHeader(c.id)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq, MethodName: method})
	req.AppendHeader(sip.NewHeader("Max-Forwards", maxForwards))
	if c.cfg.UserAgent != "" {
		req.AppendHeader(sip.NewHeader("User-Agent", c.cfg.UserAgent))
	}
}

// recordDialog сохраняет удаленный тег, remote target и route set из 2xx
func (c *Call) recordDialog(res *sip.Response) {
	if to := res.To(); to != nil {
		copied := *to
		c.remoteTo = &copied

		tag, _ := to.Params.Get("tag")
		c.mu.Lock()
		c.remoteTag = tag
		c.mu.Unlock()
	}
	if c.remoteTo == nil {
		c.remoteTo = &sip.ToHeader{Address: c.cfg.Destination, Params: sip.NewParams()}
	}

	c.remoteTarget = c.invite.Recipient
	if contact := res.Contact(); contact != nil {
		c.remoteTarget = contact.Address
		if c.remoteTarget.Port == 0 {
			c.remoteTarget.Port = 5060
		}
	}

	// Для UAC route set это Record-Route в обратном порядке
	records := res.GetHeaders("Record-Route")
	c.routes = make([]string, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		c.routes = append(c.routes, records[i].Value())
	}
}

// applyRoutes заменяет Route заголовки запроса на route set диалога
func (c *Call) applyRoutes(req *sip.Request) {
	if len(c.routes) == 0 {
		return
	}
	for req.RemoveHeader("Route") {
	}
	for _, route := range c.routes {
		req.AppendHeader(sip.NewHeader("Route", route))
	}
}

// ParseDestination разбирает назначение: полный SIP URI или имя пользователя
// на сервере host:port
func ParseDestination(destination, serverAddr string) (sip.Uri, error) {
	var uri sip.Uri
	if strings.HasPrefix(destination, "sip:") || strings.HasPrefix(destination, "sips:") {
		if err := sip.ParseUri(destination, &uri); err != nil {
			return sip.Uri{}, err
		}
		return uri, nil
	}

	host, port, err := splitHostPort(serverAddr)
	if err != nil {
		return sip.Uri{}, err
	}
	return sip.Uri{Scheme: "sip", User: destination, Host: host, Port: port}, nil
}

func splitHostPort(addr string) (string, int, error) {
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
