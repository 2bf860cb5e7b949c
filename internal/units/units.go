// Package units converts stored metric values into the display units used by the read API.
package units

const (
	// MilesPerMeter converts meters to statute miles.
	MilesPerMeter = 0.000621371
	// FeetPerMeter converts meters to feet.
	FeetPerMeter = 3.28084
	// HoursPerSecond converts seconds to hours.
	HoursPerSecond = 1.0 / 3600.0
)

// Converter holds the conversion factors applied at the read boundary.
type Converter struct {
	MilesPerMeter  float64
	FeetPerMeter   float64
	HoursPerSecond float64
}

// Default returns a Converter using the standard factors.
func Default() Converter {
	return Converter{
		MilesPerMeter:  MilesPerMeter,
		FeetPerMeter:   FeetPerMeter,
		HoursPerSecond: HoursPerSecond,
	}
}

func (c Converter) MetersToMiles(meters float64) float64 {
	return meters * c.MilesPerMeter
}

func (c Converter) MetersToFeet(meters float64) float64 {
	return meters * c.FeetPerMeter
}

func (c Converter) SecondsToHours(seconds float64) float64 {
	return seconds * c.HoursPerSecond
}

// MetersToMiles converts using the standard factor.
func MetersToMiles(meters float64) float64 {
	return Default().MetersToMiles(meters)
}

// MetersToFeet converts using the standard factor.
func MetersToFeet(meters float64) float64 {
	return Default().MetersToFeet(meters)
}

// SecondsToHours converts using the standard factor.
func SecondsToHours(seconds float64) float64 {
	return Default().SecondsToHours(seconds)
}
