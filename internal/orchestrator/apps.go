package orchestrator

import (
	"context"

	"github.com/telemyapp/aegis-play/internal/apperr"
)

// StaticApps serves launch commands from the template catalog.
type StaticApps map[string]string

func (a StaticApps) LaunchCommand(_ context.Context, appID string) (string, error) {
	cmd, ok := a[appID]
	if !ok || cmd == "" {
		return "", apperr.Validation("unknown appId")
	}
	return cmd, nil
}
