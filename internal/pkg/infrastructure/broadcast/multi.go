package broadcast

import (
	"context"
	"errors"
	"fmt"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
)

//Multi publishes every event to all of its publishers
type Multi []domain.Publisher

//Publish tries every publisher and joins the failures
func (m Multi) Publish(ctx context.Context, systemID uint, event domain.Event) error {
	var errs []error

	for _, p := range m {
		if err := p.Publish(ctx, systemID, event); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrBroadcastFailure, errors.Join(errs...))
	}
	return nil
}
