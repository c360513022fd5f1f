//go:build !linux

package rtp

// applyVoiceSockOpts на остальных платформах оставляет сокет как есть
func applyVoiceSockOpts(_ int) error {
	return nil
}
