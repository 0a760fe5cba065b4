// Package units holds the speed display units accepted by the CLI and HTTP
// surfaces, and the conversion from the engine's internal m/s. Uncalibrated
// runs bypass conversion entirely; their speeds are pixel-space.
package units

// Unit constants
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "mps, mph, kmph, kph"
}

// ConvertSpeed converts a speed from metres per second to the target units.
// Records always carry m/s; conversion happens only at the display edge.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	switch targetUnits {
	case MPH:
		return speedMPS * 2.23694 // m/s to mph
	case KMPH, KPH:
		return speedMPS * 3.6 // m/s to km/h
	case MPS:
		return speedMPS // no conversion needed
	default:
		return speedMPS // default to m/s if unknown unit
	}
}

// Label returns the display label for a speed value. Uncalibrated runs have
// no pixel-to-world mapping, so speeds stay in pixels/second regardless of
// the requested unit.
func Label(targetUnits string, uncalibrated bool) string {
	if uncalibrated {
		return "px/s"
	}
	switch targetUnits {
	case MPH:
		return "mph"
	case KMPH, KPH:
		return "km/h"
	default:
		return "m/s"
	}
}
