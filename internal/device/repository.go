package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// GetByAddress retrieves a device by its canonical hardware address.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByAddress(ctx context.Context, address string) (*Device, error)

	// List retrieves all devices ordered by name.
	List(ctx context.Context) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if a device with the same ID or address
	// already exists.
	Create(ctx context.Context, device *Device) error

	// Update modifies an existing device.
	// Returns ErrDeviceNotFound if the device does not exist.
	Update(ctx context.Context, device *Device) error

	// Delete removes a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error

	// DeleteByAddress removes a device by canonical hardware address.
	// Returns ErrDeviceNotFound if the device does not exist.
	DeleteByAddress(ctx context.Context, address string) error

	// UpdateState updates only the last confirmed light state of a device.
	// This is optimised for frequent state changes from the bridge.
	UpdateState(ctx context.Context, address string, on bool, level int) error

	// UpdateAvailability updates the availability flag. The last seen
	// timestamp advances only on transitions to available; going offline
	// keeps the last sighting.
	UpdateAvailability(ctx context.Context, address string, available bool, seenAt time.Time) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `
		SELECT id, name, address, api_key, model, manufacturer,
			software_revision, system_id, dimmable, state_on, state_level,
			available, last_seen, created_at, updated_at
		FROM devices
		WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return device, nil
}

// GetByAddress retrieves a device by its canonical hardware address.
func (r *SQLiteRepository) GetByAddress(ctx context.Context, address string) (*Device, error) {
	query := `
		SELECT id, name, address, api_key, model, manufacturer,
			software_revision, system_id, dimmable, state_on, state_level,
			available, last_seen, created_at, updated_at
		FROM devices
		WHERE address = ?`

	row := r.db.QueryRowContext(ctx, query, address)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by address: %w", err)
	}
	return device, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `
		SELECT id, name, address, api_key, model, manufacturer,
			software_revision, system_id, dimmable, state_on, state_level,
			available, last_seen, created_at, updated_at
		FROM devices
		ORDER BY name`

	return r.queryDevices(ctx, query)
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	// Set timestamps if not set
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := `
		INSERT INTO devices (
			id, name, address, api_key, model, manufacturer,
			software_revision, system_id, dimmable, state_on, state_level,
			available, last_seen, created_at, updated_at
		) VALUES (
			?, ?, ?, ?, ?, ?,
			?, ?, ?, ?, ?,
			?, ?, ?, ?
		)`

	_, err := r.db.ExecContext(ctx, query,
		device.ID,
		device.Name,
		device.Address,
		nullableString(device.APIKey),
		nullableString(device.Model),
		nullableString(device.Manufacturer),
		nullableString(device.SoftwareRevision),
		nullableString(device.SystemID),
		boolToInt(device.Dimmable),
		boolToInt(device.On),
		device.Level,
		boolToInt(device.Available),
		nullableTime(device.LastSeen),
		device.CreatedAt.Format(time.RFC3339),
		device.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrDeviceExists, device.Address)
		}
		return fmt.Errorf("creating device: %w", err)
	}

	return nil
}

// Update modifies an existing device.
func (r *SQLiteRepository) Update(ctx context.Context, device *Device) error {
	device.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE devices
		SET name = ?, address = ?, api_key = ?, model = ?, manufacturer = ?,
		    software_revision = ?, system_id = ?, dimmable = ?, state_on = ?,
		    state_level = ?, available = ?, last_seen = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		device.Name,
		device.Address,
		nullableString(device.APIKey),
		nullableString(device.Model),
		nullableString(device.Manufacturer),
		nullableString(device.SoftwareRevision),
		nullableString(device.SystemID),
		boolToInt(device.Dimmable),
		boolToInt(device.On),
		device.Level,
		boolToInt(device.Available),
		nullableTime(device.LastSeen),
		device.UpdatedAt.Format(time.RFC3339),
		device.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: address %s", ErrDeviceExists, device.Address)
		}
		return fmt.Errorf("updating device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// DeleteByAddress removes a device by canonical hardware address.
func (r *SQLiteRepository) DeleteByAddress(ctx context.Context, address string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE address = ?", address)
	if err != nil {
		return fmt.Errorf("deleting device by address: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// UpdateState updates the last confirmed light state of a device.
func (r *SQLiteRepository) UpdateState(ctx context.Context, address string, on bool, level int) error {
	now := time.Now().UTC()
	query := `
		UPDATE devices
		SET state_on = ?, state_level = ?, updated_at = ?
		WHERE address = ?`

	result, err := r.db.ExecContext(ctx, query,
		boolToInt(on),
		level,
		now.Format(time.RFC3339),
		address,
	)
	if err != nil {
		return fmt.Errorf("updating device state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// UpdateAvailability updates the availability flag and, when the device is
// seen, the last seen timestamp.
func (r *SQLiteRepository) UpdateAvailability(ctx context.Context, address string, available bool, seenAt time.Time) error {
	now := time.Now().UTC()

	var (
		result sql.Result
		err    error
	)
	if available {
		query := `
			UPDATE devices
			SET available = 1, last_seen = ?, updated_at = ?
			WHERE address = ?`
		result, err = r.db.ExecContext(ctx, query,
			seenAt.UTC().Format(time.RFC3339),
			now.Format(time.RFC3339),
			address,
		)
	} else {
		query := `
			UPDATE devices
			SET available = 0, updated_at = ?
			WHERE address = ?`
		result, err = r.db.ExecContext(ctx, query,
			now.Format(time.RFC3339),
			address,
		)
	}
	if err != nil {
		return fmt.Errorf("updating device availability: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// queryDevices executes a query and returns a slice of devices.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDeviceFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return devices, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice scans a single row into a Device.
func scanDevice(row *sql.Row) (*Device, error) {
	return scanDeviceRow(row)
}

// scanDeviceFromRows scans a rows result into a Device.
func scanDeviceFromRows(rows *sql.Rows) (*Device, error) {
	return scanDeviceRow(rows)
}

// scanDeviceRow scans a row or rows result into a Device.
func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var d Device
	var apiKey, model, manufacturer sql.NullString
	var softwareRevision, systemID, lastSeen sql.NullString
	var dimmable, stateOn, available int
	var createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID,
		&d.Name,
		&d.Address,
		&apiKey,
		&model,
		&manufacturer,
		&softwareRevision,
		&systemID,
		&dimmable,
		&stateOn,
		&d.Level,
		&available,
		&lastSeen,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.APIKey = apiKey.String
	d.Model = model.String
	d.Manufacturer = manufacturer.String
	d.SoftwareRevision = softwareRevision.String
	d.SystemID = systemID.String
	d.Dimmable = dimmable != 0
	d.On = stateOn != 0
	d.Available = available != 0

	if lastSeen.Valid {
		t, err := time.Parse(time.RFC3339, lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		d.LastSeen = &t
	}

	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &d, nil
}

// nullableString converts an empty string to NULL for storage.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableTime converts a nil time pointer to NULL, otherwise RFC3339 text.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// boolToInt converts a bool to an SQLite integer.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError reports whether the error is a UNIQUE constraint
// violation from SQLite.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
