/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrDeviceMismatch indicates a payload addressed to another device.
var ErrDeviceMismatch = errors.New("device id mismatch")

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks that a device state carries every field the scheduler
// relies on. deviceID may be empty to skip the ownership check.
func (s *DeviceState) Validate(deviceID string) error {
	if s == nil {
		return errors.New("nil device state")
	}
	if err := validatorInstance().Struct(s); err != nil {
		return fmt.Errorf("invalid device state: %w", err)
	}
	if deviceID != "" && s.DeviceID != deviceID {
		return fmt.Errorf("%w: got %q, want %q", ErrDeviceMismatch, s.DeviceID, deviceID)
	}
	return nil
}

// Validate checks a command's id and type.
func (c Command) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	return nil
}
