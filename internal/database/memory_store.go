package database

import (
	"context"
	"sync"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/logger"
)

// MemoryStore keeps device records in process. It backs the "memory" driver
// and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	devices []Device
}

func NewMemoryStore(devices ...Device) *MemoryStore {
	store := &MemoryStore{}
	for _, d := range devices {
		store.Save(d)
	}
	return store
}

// Save inserts a record, replacing an existing one with the same serial and owner.
func (ms *MemoryStore) Save(device Device) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for i, d := range ms.devices {
		if d.SN == device.SN && d.OpenID == device.OpenID {
			ms.devices[i] = device
			return
		}
	}
	ms.devices = append(ms.devices, device)
}

// Delete removes the binding between sn and openID.
func (ms *MemoryStore) Delete(sn, openID string) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for i, d := range ms.devices {
		if d.SN == sn && d.OpenID == openID {
			ms.devices = append(ms.devices[:i], ms.devices[i+1:]...)
			return true
		}
	}
	return false
}

func (ms *MemoryStore) find(match func(Device) bool) []Device {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var result []Device
	for _, d := range ms.devices {
		if match(d) {
			result = append(result, d)
		}
	}
	return result
}

func (ms *MemoryStore) BindingsByDevice(_ context.Context, sn string) ([]Binding, error) {
	if sn == "" {
		return nil, ErrEmptyIdentifier
	}
	devices := ms.find(func(d Device) bool { return d.SN == sn && d.OpenID != "" })
	return bindingsOf(devices), nil
}

func (ms *MemoryStore) BindingsByUser(_ context.Context, userID string) ([]Binding, error) {
	if userID == "" {
		return nil, ErrEmptyIdentifier
	}
	devices := ms.find(func(d Device) bool { return d.OpenID == userID })
	return bindingsOf(devices), nil
}

func (ms *MemoryStore) ActivateDevice(_ context.Context, sn, secret string) (bool, error) {
	if sn == "" || secret == "" {
		return false, ErrEmptyIdentifier
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	matched := 0
	for i, d := range ms.devices {
		if d.SN == sn && d.Secret == secret {
			ms.devices[i].Activated = true
			matched++
		}
	}
	logger.DebugF("Device activation in memory store: sn=%s, matched=%d", sn, matched)
	return matched > 0, nil
}

func (ms *MemoryStore) Close(context.Context) error {
	return nil
}
