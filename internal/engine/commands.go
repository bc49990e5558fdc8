/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package engine

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/friendsincode/grimnir_kiosk/internal/events"
	"github.com/friendsincode/grimnir_kiosk/internal/models"
	"github.com/friendsincode/grimnir_kiosk/internal/source"
)

// ErrRebootUnavailable is returned when no reboot command is configured.
var ErrRebootUnavailable = errors.New("reboot command not configured")

// handleCommand executes commands delivered by the sync service. The
// media cache has already been cleared for clear-cache.
func (e *Engine) handleCommand(ctx context.Context, cmd models.Command) error {
	e.record(source.TelemetryEvent{Type: "command", At: e.clock.Now(), Detail: string(cmd.Type)})
	e.bus.Publish(events.EventCommand, events.Payload{"id": cmd.ID, "type": string(cmd.Type)})

	switch cmd.Type {
	case models.CommandReload:
		e.sync.Refresh()
		kick(e.evalKick)
		return nil
	case models.CommandClearCache:
		e.afterCacheClear()
		return nil
	case models.CommandIdentify:
		until := e.clock.Now().Add(identifyDuration)
		e.identifyUntil.Store(until.UnixNano())
		e.bus.Publish(events.EventIdentify, events.Payload{"device_id": e.cfg.DeviceID, "until": until})
		e.publishSnapshot()
		return nil
	case models.CommandReboot:
		return e.reboot(ctx)
	default:
		return fmt.Errorf("unsupported command %q", cmd.Type)
	}
}

func (e *Engine) reboot(ctx context.Context) error {
	fields := strings.Fields(e.cfg.RebootCommand)
	if len(fields) == 0 {
		return ErrRebootUnavailable
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := e.FlushTelemetry(flushCtx); err != nil {
		e.logger.Debug().Err(err).Msg("telemetry flush before reboot failed")
	}
	cancel()

	e.logger.Warn().Str("command", e.cfg.RebootCommand).Msg("rebooting device")
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(runCtx, fields[0], fields[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("reboot: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
