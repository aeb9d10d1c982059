package store

import (
	"context"
	"errors"
	"time"

	"gigcal/internal/metrics"
	"gigcal/internal/model"
)

// ErrNotFound indicates an unknown or revoked device token.
var ErrNotFound = errors.New("record not found")

// Source provides the devices and events feeds are generated from.
type Source interface {
	// DeviceByToken resolves a feed secret to its device.
	DeviceByToken(ctx context.Context, token string) (model.Device, error)
	// EventsForDevice lists the events visible to a device, in feed order.
	EventsForDevice(ctx context.Context, device model.Device) ([]model.Event, error)
	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
	Close()
}

func observe(driver, operation string) func() {
	start := time.Now()
	return func() {
		metrics.ObserveStoreLatency(driver, operation, start)
	}
}
