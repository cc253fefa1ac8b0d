package models

import (
	"strings"
	"time"

	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
)

// Device is a registered source of CO2-reduction claims.
//
// Invariants:
//   - Key and Owner are immutable once registered (no re-registration, no transfer)
//   - Type is non-empty
//   - CreditCount only grows, and only via ApplyCreditMinted
//
// Deactivation does not touch credits minted earlier.
type Device struct {
	Key          id.DeviceKey `json:"device_key"`
	Owner        id.Address   `json:"owner"`
	Type         string       `json:"device_type"`
	Active       bool         `json:"active"`
	CreditCount  uint64       `json:"credit_count"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// NewDevice validates and builds an active device owned by owner.
func NewDevice(key id.DeviceKey, deviceType string, owner id.Address, now time.Time) (*Device, error) {
	if key.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "device key cannot be empty")
	}
	if strings.TrimSpace(deviceType) == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "device type cannot be empty")
	}
	if owner.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "device owner cannot be the null identity")
	}
	return &Device{
		Key:          key,
		Owner:        owner,
		Type:         deviceType,
		Active:       true,
		RegisteredAt: now,
	}, nil
}

// CanManage checks that caller is the registering owner.
func (d *Device) CanManage(caller id.Address) error {
	if caller != d.Owner {
		return dErrors.New(dErrors.CodeNotOwner, "caller does not own device")
	}
	return nil
}

// CanMint checks that caller may report a reduction against this device.
func (d *Device) CanMint(caller id.Address) error {
	if err := d.CanManage(caller); err != nil {
		return err
	}
	if !d.Active {
		return dErrors.New(dErrors.CodeDeviceInactive, "device is inactive")
	}
	return nil
}

func (d *Device) ApplyActive(active bool) {
	d.Active = active
}

func (d *Device) ApplyCreditMinted() {
	d.CreditCount++
}
