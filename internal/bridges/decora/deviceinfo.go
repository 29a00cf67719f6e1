package decora

import (
	"context"
	"fmt"
	"strings"
)

// switchModelPrefix marks the non-dimmable relay models (DDS15 and kin).
// Everything else in the product line dims.
const switchModelPrefix = "DDS"

// DeviceSummary holds the Device Information Service fields read once per
// session, after the first successful unlock.
type DeviceSummary struct {
	SystemID         string `json:"system_id,omitempty"`
	Manufacturer     string `json:"manufacturer,omitempty"`
	Model            string `json:"model,omitempty"`
	SoftwareRevision string `json:"software_revision,omitempty"`
}

// IsDimmable infers dimming capability from the model number. Unknown
// models are treated as dimmers.
func (d DeviceSummary) IsDimmable() bool {
	return !strings.HasPrefix(d.Model, switchModelPrefix)
}

// IsZero reports whether nothing was read.
func (d DeviceSummary) IsZero() bool {
	return d == DeviceSummary{}
}

// ReadDeviceSummary reads the Device Information Service characteristics.
// Individual characteristics may be absent on older firmware; an error is
// returned only when none could be read.
func ReadDeviceSummary(ctx context.Context, link *Link) (DeviceSummary, error) {
	var summary DeviceSummary
	var lastErr error
	ok := 0

	if data, err := link.Read(ctx, CharSystemID); err == nil {
		summary.SystemID = formatSystemID(data)
		ok++
	} else {
		lastErr = err
	}
	if data, err := link.Read(ctx, CharModelNumber); err == nil {
		summary.Model = cleanInfoString(data)
		ok++
	} else {
		lastErr = err
	}
	if data, err := link.Read(ctx, CharSoftwareRevision); err == nil {
		summary.SoftwareRevision = cleanInfoString(data)
		ok++
	} else {
		lastErr = err
	}
	if data, err := link.Read(ctx, CharManufacturerName); err == nil {
		summary.Manufacturer = cleanInfoString(data)
		ok++
	} else {
		lastErr = err
	}

	if ok == 0 {
		return DeviceSummary{}, fmt.Errorf("decora: device information unavailable: %w", lastErr)
	}
	return summary, nil
}

// formatSystemID renders the 8-byte system ID as colon-separated hex, the
// same shape as the device address it embeds.
func formatSystemID(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// cleanInfoString strips the NUL padding some firmware revisions append.
func cleanInfoString(data []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(data), "\x00"))
}
