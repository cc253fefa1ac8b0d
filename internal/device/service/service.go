package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"carbonledger/internal/device/metrics"
	"carbonledger/internal/device/models"
	"carbonledger/internal/store"
	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
	"carbonledger/pkg/platform/auditlog"
	"carbonledger/pkg/platform/events"
	"carbonledger/pkg/platform/sentinel"
	"carbonledger/pkg/platform/tracing"
	"carbonledger/pkg/requestcontext"
)

// Service manages device registration and the active flag. The ledger bumps
// credit counts itself inside its mint transaction.
type Service struct {
	tx      store.Tx
	audit   auditlog.Logger
	metrics *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.audit = auditlog.New(logger)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(tx store.Tx, opts ...Option) *Service {
	s := &Service{tx: tx, audit: auditlog.New(nil)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds key to the caller. Keys are permanent: a second registration
// fails with CodeAlreadyExists whoever attempts it.
func (s *Service) Register(ctx context.Context, key id.DeviceKey, deviceType string) (device *models.Device, err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "device.Register", attribute.String("device.key", key.String()))
	defer func() {
		tracing.End(span, err)
		s.observe("register", start)
	}()

	caller, err := requestcontext.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	device, err = models.NewDevice(key, deviceType, caller, requestcontext.Now(ctx))
	if err != nil {
		return nil, err
	}

	err = s.tx.RunInTx(ctx, func(st store.Stores) error {
		now, err := st.Now(ctx)
		if err != nil {
			return err
		}
		device.RegisteredAt = now
		if err := st.Devices().Create(ctx, device); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				return dErrors.New(dErrors.CodeAlreadyExists, "device key is already registered")
			}
			return err
		}
		return st.Outbox().Stage(ctx, events.DeviceRegistered(device.Key, device.Owner, device.Type, device.RegisteredAt))
	})
	if err != nil {
		err = dErrors.Internal(err, "failed to register device")
		s.audit.Rejected(ctx, "register_device", err, "device_key", key.String())
		return nil, err
	}

	s.audit.Accepted(ctx, string(events.KindDeviceRegistered),
		"device_key", device.Key.String(),
		"owner", device.Owner.String(),
		"device_type", device.Type,
	)
	if s.metrics != nil {
		s.metrics.IncrementRegistered()
	}
	return device, nil
}

// SetActive toggles the device's active flag. Only the registering owner may
// call it. Credits minted earlier are unaffected.
func (s *Service) SetActive(ctx context.Context, key id.DeviceKey, active bool) (device *models.Device, err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "device.SetActive",
		attribute.String("device.key", key.String()),
		attribute.Bool("device.active", active),
	)
	defer func() {
		tracing.End(span, err)
		s.observe("set_active", start)
	}()

	caller, err := requestcontext.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}

	err = s.tx.RunInTx(ctx, func(st store.Stores) error {
		found, err := findDevice(ctx, st, key)
		if err != nil {
			return err
		}
		if err := found.CanManage(caller); err != nil {
			return err
		}
		found.ApplyActive(active)
		if err := st.Devices().Update(ctx, found); err != nil {
			return err
		}
		device = found
		return nil
	})
	if err != nil {
		err = dErrors.Internal(err, "failed to update device")
		s.audit.Rejected(ctx, "set_device_active", err, "device_key", key.String())
		return nil, err
	}

	s.audit.Accepted(ctx, "device_status_changed",
		"device_key", key.String(),
		"active", active,
	)
	if s.metrics != nil {
		s.metrics.IncrementStatusChange(active)
	}
	return device, nil
}

// Get returns the device registered under key, or CodeNotFound.
func (s *Service) Get(ctx context.Context, key id.DeviceKey) (device *models.Device, err error) {
	ctx, span := tracing.Start(ctx, "device.Get", attribute.String("device.key", key.String()))
	defer func() { tracing.End(span, err) }()

	err = s.tx.View(ctx, func(st store.Stores) error {
		device, err = findDevice(ctx, st, key)
		return err
	})
	if err != nil {
		return nil, dErrors.Internal(err, "failed to load device")
	}
	return device, nil
}

func findDevice(ctx context.Context, st store.Stores, key id.DeviceKey) (*models.Device, error) {
	device, err := st.Devices().FindByKey(ctx, key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "device not found")
		}
		return nil, err
	}
	return device, nil
}

func (s *Service) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(op, start)
	}
}
