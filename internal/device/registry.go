package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides device management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-invalidating CRUD operations.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*Device // Cached devices by ID
	cacheMu sync.RWMutex       // Protects cache
	logger  Logger
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	// Clear and rebuild cache with deep copies
	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i]
		r.cache[d.ID] = d.DeepCopy()
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// GetDevice retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	// Try cache first
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		// Return a deep copy to prevent external mutation of cache
		return cached.DeepCopy(), nil
	}

	// Fall back to repository (might be a new device not yet cached)
	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	// Cache for future lookups (store a deep copy)
	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.cacheMu.Unlock()

	return device, nil
}

// GetDeviceByAddress retrieves a device by hardware address.
// The address is normalized before lookup, so any parseable form matches.
// Returns ErrDeviceNotFound if the device does not exist.
func (r *Registry) GetDeviceByAddress(ctx context.Context, address string) (*Device, error) {
	canonical, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}

	if cached := r.cachedByAddress(canonical); cached != nil {
		return cached, nil
	}

	device, err := r.repo.GetByAddress(ctx, canonical)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.cacheMu.Unlock()

	return device, nil
}

// cachedByAddress returns a deep copy of the cached device with the given
// canonical address, or nil when it is not cached.
func (r *Registry) cachedByAddress(canonical string) *Device {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	for _, d := range r.cache {
		if d.Address == canonical {
			return d.DeepCopy()
		}
	}
	return nil
}

// ListDevices retrieves all devices.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	// Return from cache if populated
	if len(r.cache) > 0 {
		devices := make([]Device, 0, len(r.cache))
		for _, d := range r.cache {
			// Deep copy to prevent external mutation of cache
			devices = append(devices, *d.DeepCopy())
		}
		return devices, nil
	}

	// Fall back to repository
	return r.repo.List(ctx)
}

// CreateDevice creates a new device.
// It generates an ID if needed, canonicalizes the address, validates the
// record, and persists it.
func (r *Registry) CreateDevice(ctx context.Context, device *Device) error {
	if device == nil {
		return ErrInvalidDevice
	}

	// Generate ID if not provided
	if device.ID == "" {
		device.ID = GenerateID()
	}

	canonical, err := NormalizeAddress(device.Address)
	if err != nil {
		return err
	}
	device.Address = canonical

	// Validate
	if err := ValidateDevice(device); err != nil {
		return err
	}

	// Persist
	if err := r.repo.Create(ctx, device); err != nil {
		return err
	}

	// Update cache (store a deep copy to prevent external modification)
	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device created", "id", device.ID, "name", device.Name, "address", device.Address)
	return nil
}

// UpdateDevice updates an existing device.
// It canonicalizes the address, validates the record, and persists the changes.
func (r *Registry) UpdateDevice(ctx context.Context, device *Device) error {
	if device == nil {
		return ErrInvalidDevice
	}

	canonical, err := NormalizeAddress(device.Address)
	if err != nil {
		return err
	}
	device.Address = canonical

	// Validate
	if err := ValidateDevice(device); err != nil {
		return err
	}

	// Persist
	if err := r.repo.Update(ctx, device); err != nil {
		return err
	}

	// Update cache (store a deep copy to prevent external modification)
	r.cacheMu.Lock()
	r.cache[device.ID] = device.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device updated", "id", device.ID, "name", device.Name)
	return nil
}

// SaveDevice inserts or updates a device keyed by hardware address.
//
// On update the incoming record wins for Name, APIKey, Model, Manufacturer,
// SoftwareRevision and SystemID, except that empty strings keep the stored
// value so a re-save without pairing data never erases a key. Dimmable is
// always taken from the incoming record. Light state, availability, and
// timestamps keep their stored values; those flow through SetDeviceState
// and SetDeviceAvailability.
//
// The caller's record is updated in place to reflect the stored result,
// including the assigned ID.
func (r *Registry) SaveDevice(ctx context.Context, device *Device) error {
	if device == nil {
		return ErrInvalidDevice
	}

	canonical, err := NormalizeAddress(device.Address)
	if err != nil {
		return err
	}
	device.Address = canonical

	existing, err := r.repo.GetByAddress(ctx, canonical)
	if errors.Is(err, ErrDeviceNotFound) {
		return r.CreateDevice(ctx, device)
	}
	if err != nil {
		return err
	}

	merged := existing.DeepCopy()
	if device.Name != "" {
		merged.Name = device.Name
	}
	if device.APIKey != "" {
		merged.APIKey = device.APIKey
	}
	if device.Model != "" {
		merged.Model = device.Model
	}
	if device.Manufacturer != "" {
		merged.Manufacturer = device.Manufacturer
	}
	if device.SoftwareRevision != "" {
		merged.SoftwareRevision = device.SoftwareRevision
	}
	if device.SystemID != "" {
		merged.SystemID = device.SystemID
	}
	merged.Dimmable = device.Dimmable

	// Validate
	if err := ValidateDevice(merged); err != nil {
		return err
	}

	// Persist
	if err := r.repo.Update(ctx, merged); err != nil {
		return err
	}

	*device = *merged

	// Update cache (store a deep copy to prevent external modification)
	r.cacheMu.Lock()
	r.cache[merged.ID] = merged.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("device saved", "id", merged.ID, "address", merged.Address)
	return nil
}

// DeleteDevice removes a device by ID.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	// Update cache
	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "id", id)
	return nil
}

// DeleteDeviceByAddress removes a device by hardware address.
func (r *Registry) DeleteDeviceByAddress(ctx context.Context, address string) error {
	canonical, err := NormalizeAddress(address)
	if err != nil {
		return err
	}

	if err := r.repo.DeleteByAddress(ctx, canonical); err != nil {
		return err
	}

	// Update cache
	r.cacheMu.Lock()
	for id, d := range r.cache {
		if d.Address == canonical {
			delete(r.cache, id)
			break
		}
	}
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "address", canonical)
	return nil
}

// SetDeviceState updates the last confirmed light state of a device.
// This is optimised for frequent updates from the bridge.
func (r *Registry) SetDeviceState(ctx context.Context, address string, on bool, level int) error {
	canonical, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	if err := ValidateLevel(level); err != nil {
		return err
	}

	if err := r.repo.UpdateState(ctx, canonical, on, level); err != nil {
		return err
	}

	// Update cache using deep copy to prevent race conditions
	now := time.Now().UTC()
	r.cacheMu.Lock()
	for id, d := range r.cache {
		if d.Address == canonical {
			// Create a deep copy with updated state (atomic replacement)
			updated := d.DeepCopy()
			updated.On = on
			updated.Level = level
			updated.UpdatedAt = now
			r.cache[id] = updated
			break
		}
	}
	r.cacheMu.Unlock()

	r.logger.Debug("device state updated", "address", canonical, "on", on, "level", level)
	return nil
}

// SetDeviceAvailability updates the availability flag of a device.
// Transitions to available also advance the last seen timestamp.
func (r *Registry) SetDeviceAvailability(ctx context.Context, address string, available bool) error {
	canonical, err := NormalizeAddress(address)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := r.repo.UpdateAvailability(ctx, canonical, available, now); err != nil {
		return err
	}

	// Update cache using deep copy to prevent race conditions
	r.cacheMu.Lock()
	for id, d := range r.cache {
		if d.Address == canonical {
			updated := d.DeepCopy()
			updated.Available = available
			if available {
				seen := now
				updated.LastSeen = &seen
			}
			updated.UpdatedAt = now
			r.cache[id] = updated
			break
		}
	}
	r.cacheMu.Unlock()

	r.logger.Debug("device availability updated", "address", canonical, "available", available)
	return nil
}

// GetDeviceCount returns the number of cached devices.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices int
	Paired       int
	Dimmable     int
	Available    int
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{TotalDevices: len(r.cache)}
	for _, d := range r.cache {
		if d.Paired() {
			stats.Paired++
		}
		if d.Dimmable {
			stats.Dimmable++
		}
		if d.Available {
			stats.Available++
		}
	}
	return stats
}
