//go:build linux

package rtp

import (
	"golang.org/x/sys/unix"
)

// applyVoiceSockOpts применяет Linux-специфичные настройки для голоса.
// Ошибки приоритета и DSCP не критичны (контейнеры без CAP_NET_ADMIN).
func applyVoiceSockOpts(fd int) error {
	// Значение 6 соответствует приоритету для интерактивного аудио
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, 6)

	// DSCP находится в старших 6 битах TOS
	tos := DSCPExpeditedForwarding << 2
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		// IPv6 сокет
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	}

	return nil
}
