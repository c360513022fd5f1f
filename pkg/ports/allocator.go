// Package ports выделяет пары портов RTP/RTCP из настроенного диапазона.
//
// Allocator разделяется всеми звонками процесса. Выделение и освобождение
// взаимно исключены, поэтому два живых звонка никогда не получают одну пару,
// а освобожденная пара сразу доступна для следующего выделения.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/arzzra/sipphone/pkg/metrics"
)

var (
	// ErrPortExhaustion возвращается, когда в диапазоне нет свободной пары
	ErrPortExhaustion = errors.New("port exhaustion")

	// ErrNotLeased возвращается при освобождении пары, которая не выделена
	// (или уже освобождена)
	ErrNotLeased = errors.New("port pair is not leased")
)

// Lease описывает выделенную пару портов.
// RTP порт всегда четный, RTCP = RTP + 1.
type Lease struct {
	RTP  int
	RTCP int

	id uint64
}

// String возвращает пару в виде "rtp/rtcp"
func (l Lease) String() string {
	return fmt.Sprintf("%d/%d", l.RTP, l.RTCP)
}

// Allocator управляет арендой пар портов в диапазоне [start, end]
type Allocator struct {
	start int
	end   int
	host  string

	mu     sync.Mutex
	leased map[int]uint64 // RTP порт -> идентификатор аренды
	nextID uint64

	// probe проверяет, что порт не занят другим процессом
	probe func(host string, port int) bool
}

// NewAllocator создает Allocator для диапазона [start, end].
// host используется для пробного бинда портов перед выдачей.
func NewAllocator(host string, start, end int) (*Allocator, error) {
	if err := ValidateRange(start, end); err != nil {
		return nil, err
	}

	return &Allocator{
		start:  start,
		end:    end,
		host:   host,
		leased: make(map[int]uint64),
		probe:  canBindPort,
	}, nil
}

// ValidateRange проверяет, что в диапазоне помещается хотя бы одна пара
func ValidateRange(start, end int) error {
	if start <= 0 || end > 65535 {
		return fmt.Errorf("неверный диапазон портов: %d-%d", start, end)
	}
	if start >= end {
		return fmt.Errorf("начальный порт должен быть меньше конечного: %d-%d", start, end)
	}
	if firstEven(start)+1 > end {
		return fmt.Errorf("диапазон %d-%d слишком мал для пары RTP/RTCP", start, end)
	}
	return nil
}

// Lease выделяет свободную пару портов, начиная с наименьшего четного порта
func (a *Allocator) Lease() (Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := firstEven(a.start); port+1 <= a.end; port += 2 {
		if _, used := a.leased[port]; used {
			continue
		}
		if a.probe != nil && (!a.probe(a.host, port) || !a.probe(a.host, port+1)) {
			continue
		}

		a.nextID++
		a.leased[port] = a.nextID
		metrics.PortsLeased.Inc()

		return Lease{RTP: port, RTCP: port + 1, id: a.nextID}, nil
	}

	return Lease{}, fmt.Errorf("%w: диапазон %d-%d", ErrPortExhaustion, a.start, a.end)
}

// Release возвращает пару в пул. Повторное освобождение той же аренды
// возвращает ErrNotLeased и не затрагивает пару, выданную позже.
func (a *Allocator) Release(l Lease) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, ok := a.leased[l.RTP]
	if !ok || id != l.id || l.RTCP != l.RTP+1 {
		return fmt.Errorf("%w: %s", ErrNotLeased, l)
	}

	delete(a.leased, l.RTP)
	metrics.PortsLeased.Dec()
	return nil
}

// InUse проверяет, выделен ли порт (RTP или RTCP)
func (a *Allocator) InUse(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port%2 != 0 {
		port--
	}
	_, ok := a.leased[port]
	return ok
}

// Available возвращает количество невыделенных пар
func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := 0
	for port := firstEven(a.start); port+1 <= a.end; port += 2 {
		total++
	}
	return total - len(a.leased)
}

func firstEven(port int) int {
	if port%2 != 0 {
		return port + 1
	}
	return port
}

// canBindPort проверяет, можно ли забиндить порт (порт не занят системой)
func canBindPort(host string, port int) bool {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host), Port: port})
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
