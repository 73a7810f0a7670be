package styles

import "github.com/go-go-golems/svcctl/pkg/service"

const (
	IconSuccess = "✓"
	IconError   = "✗"
	IconRunning = "▶"
	IconPending = "○"
	IconBullet  = "•"
)

func StateIcon(st service.State) string {
	switch st {
	case service.StateReady:
		return IconSuccess
	case service.StateFailed:
		return IconError
	case service.StateStarting, service.StateStopping:
		return IconRunning
	default:
		return IconPending
	}
}
