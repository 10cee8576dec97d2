// Package quant converts between viewer-local pixel offsets, which depend on
// the client's zoom scale, and the scale-independent integer units carried on
// the wire. Every client replays the same units at its own scale, so the
// conversion must be stable under round-trips at any scale.
package quant

import "math"

// UnitsPerPoint fixes the precision of the wire representation: one layout
// point maps to this many transport units.
const UnitsPerPoint = 100

// Quantize converts a pixel offset at the given scale to transport units.
// A non-positive scale is treated as 1.0 so a missing renderer scale never
// produces infinities.
func Quantize(px float64, scale float64) int64 {
	if scale <= 0 {
		scale = 1
	}
	return int64(math.Round(px / scale * UnitsPerPoint))
}

// Pixels converts transport units back to a pixel offset at the given scale.
func Pixels(units int64, scale float64) float64 {
	if scale <= 0 {
		scale = 1
	}
	return float64(units) / UnitsPerPoint * scale
}

// Delta reports the absolute difference between two quantized offsets.
func Delta(a, b int64) int64 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}
