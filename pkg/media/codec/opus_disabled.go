//go:build noopus

package codec

import (
	"fmt"
	"time"
)

// Сборка без libopus: кодек остается в списке для согласования,
// но создать его экземпляр нельзя.
func newOpus(_ uint8, _ time.Duration) (Codec, error) {
	return nil, fmt.Errorf("%w: opus (собрано с тегом noopus)", ErrUnsupported)
}
