// Package auth отвечает на digest вызовы 401/407 (RFC 2617) для исходящих запросов.
package auth

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

var (
	// ErrNoChallenge в ответе нет заголовка с вызовом
	ErrNoChallenge = errors.New("no digest challenge")
	// ErrNoCredentials сервер требует аутентификацию, но учетные данные не заданы
	ErrNoCredentials = errors.New("credentials required")
)

// Credentials учетные данные пользователя
type Credentials struct {
	Username string
	Password string
}

// Empty не заданы имя или пароль
func (c Credentials) Empty() bool {
	return c.Username == "" || c.Password == ""
}

// IsChallenge ответ требует аутентификации
func IsChallenge(res *sip.Response) bool {
	return res.StatusCode == sip.StatusUnauthorized || res.StatusCode == sip.StatusProxyAuthRequired
}

// Authorize добавляет в req заголовок Authorization (на 401) или
// Proxy-Authorization (на 407), вычисленный по вызову из res.
// Существующий заголовок с тем же именем заменяется.
func Authorize(req *sip.Request, res *sip.Response, creds Credentials) error {
	if creds.Empty() {
		return ErrNoCredentials
	}

	challengeName, authName := "WWW-Authenticate", "Authorization"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		challengeName, authName = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeName)
	if h == nil {
		return fmt.Errorf("%w: нет %s в ответе %d", ErrNoChallenge, challengeName, res.StatusCode)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return fmt.Errorf("некорректный вызов %q: %w", h.Value(), err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return fmt.Errorf("ошибка вычисления digest: %w", err)
	}

	req.RemoveHeader(authName)
	req.AppendHeader(sip.NewHeader(authName, cred.String()))
	return nil
}
