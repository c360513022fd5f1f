package transaction

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// BuildCancel создает CANCEL для INVITE (RFC 3261 9.1): тот же Request-URI,
// верхний Via с тем же branch, те же From, To, Call-ID и номер CSeq.
func BuildCancel(invite *sip.Request) (*sip.Request, error) {
	if invite.Method != sip.INVITE {
		return nil, fmt.Errorf("%w: CANCEL возможен только для INVITE", ErrInvalidRequest)
	}
	if err := requireDialogHeaders(invite); err != nil {
		return nil, err
	}

	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)

	via := *invite.Via()
	cancel.AppendHeader(&via)
	copyRoutes(invite, cancel)

	from := *invite.From()
	cancel.AppendHeader(&from)
	to := *invite.To()
	cancel.AppendHeader(&to)
	callID := *invite.CallID()
	cancel.AppendHeader(&callID)
	cancel.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.CANCEL})
	cancel.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	copyHeader(invite, cancel, "User-Agent")
	cancel.SetBody(nil)

	return cancel, nil
}

// BuildAck создает ACK на финальный ответ INVITE.
// Для 3xx-6xx ACK входит в транзакцию INVITE и использует ее Via (RFC 3261 17.1.1.3).
// Для 2xx ACK является отдельной транзакцией с новым branch (RFC 3261 13.2.2.4).
func BuildAck(invite *sip.Request, res *sip.Response) (*sip.Request, error) {
	if invite.Method != sip.INVITE {
		return nil, fmt.Errorf("%w: ACK возможен только для INVITE", ErrInvalidRequest)
	}
	if err := requireDialogHeaders(invite); err != nil {
		return nil, err
	}
	if res.To() == nil {
		return nil, fmt.Errorf("%w: нет To в ответе", ErrInvalidRequest)
	}

	recipient := invite.Recipient
	if res.IsSuccess() {
		// Для 2xx ACK отправляется на remote target из Contact
		if contact := res.Contact(); contact != nil {
			recipient = contact.Address
		}
	}
	ack := sip.NewRequest(sip.ACK, recipient)

	via := *invite.Via()
	if res.IsSuccess() {
		via.Params = sip.NewParams().Add("branch", GenerateBranch())
	}
	ack.AppendHeader(&via)
	copyRoutes(invite, ack)

	from := *invite.From()
	ack.AppendHeader(&from)
	to := *res.To()
	ack.AppendHeader(&to)
	callID := *invite.CallID()
	ack.AppendHeader(&callID)
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.ACK})
	ack.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	copyHeader(invite, ack, "User-Agent")
	ack.SetBody(nil)

	return ack, nil
}

func requireDialogHeaders(req *sip.Request) error {
	switch {
	case req.Via() == nil:
		return fmt.Errorf("%w: нет Via", ErrInvalidRequest)
	case req.From() == nil:
		return fmt.Errorf("%w: нет From", ErrInvalidRequest)
	case req.To() == nil:
		return fmt.Errorf("%w: нет To", ErrInvalidRequest)
	case req.CallID() == nil:
		return fmt.Errorf("%w: нет Call-ID", ErrInvalidRequest)
	case req.CSeq() == nil:
		return fmt.Errorf("%w: нет CSeq", ErrInvalidRequest)
	}
	return nil
}

func copyRoutes(from, to *sip.Request) {
	for _, h := range from.GetHeaders("Route") {
		to.AppendHeader(sip.NewHeader("Route", h.Value()))
	}
}

func copyHeader(from, to *sip.Request, name string) {
	if h := from.GetHeader(name); h != nil {
		to.AppendHeader(sip.NewHeader(name, h.Value()))
	}
}
