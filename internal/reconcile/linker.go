package reconcile

import (
	"context"
	"log/slog"

	"subledger/internal/types"
)

// Linker associates devices with users. The association lives on the device
// row, so linking is idempotent.
type Linker struct {
	devices DeviceStore
	logger  *slog.Logger
}

func NewLinker(devices DeviceStore, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{devices: devices, logger: logger}
}

// LinkDeviceToUser links an existing device. It never creates the device;
// an unknown (deviceID, appID) is NotFound.
func (l *Linker) LinkDeviceToUser(ctx context.Context, deviceID, userID, appID string) error {
	if deviceID == "" || userID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "device id and user id are required", nil)
	}
	if err := l.devices.LinkToUser(ctx, deviceID, userID, appID); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "device linked to user",
		"device_id", deviceID,
		"user_id", userID,
		"app_id", appID,
	)
	return nil
}
