package transaction

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// MagicCookie префикс branch по RFC 3261 8.1.1.7
const MagicCookie = "z9hG4bK"

// Key идентифицирует клиентскую транзакцию: branch верхнего Via и метод CSeq.
// CANCEL имеет тот же branch, что и INVITE, но отдельный ключ.
type Key struct {
	Branch string
	Method sip.RequestMethod
}

func (k Key) String() string {
	return k.Branch + "|" + string(k.Method)
}

// GenerateBranch генерирует новый branch параметр для Via заголовка
func GenerateBranch() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return MagicCookie + hex.EncodeToString(b)
}

// KeyFromRequest извлекает ключ из исходящего запроса
func KeyFromRequest(req *sip.Request) (Key, error) {
	via := req.Via()
	if via == nil {
		return Key{}, fmt.Errorf("%w: нет Via", ErrInvalidRequest)
	}
	branch, ok := via.Params.Get("branch")
	if !ok || !strings.HasPrefix(branch, MagicCookie) {
		return Key{}, fmt.Errorf("%w: некорректный branch %q", ErrInvalidRequest, branch)
	}
	return Key{Branch: branch, Method: req.Method}, nil
}

// KeyFromResponse извлекает ключ из ответа: branch верхнего Via и метод CSeq
func KeyFromResponse(res *sip.Response) (Key, bool) {
	via := res.Via()
	cseq := res.CSeq()
	if via == nil || cseq == nil {
		return Key{}, false
	}
	branch, ok := via.Params.Get("branch")
	if !ok {
		return Key{}, false
	}
	return Key{Branch: branch, Method: cseq.MethodName}, true
}

// ensureBranch проставляет branch в верхний Via, если его нет
func ensureBranch(req *sip.Request) error {
	via := req.Via()
	if via == nil {
		return fmt.Errorf("%w: нет Via", ErrInvalidRequest)
	}
	if via.Params == nil {
		via.Params = sip.NewParams()
	}
	if _, ok := via.Params.Get("branch"); !ok {
		via.Params = via.Params.Add("branch", GenerateBranch())
	}
	return nil
}
