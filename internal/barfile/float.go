package barfile

import "math"

func float32bits(v float64) uint32 {
	return math.Float32bits(float32(v))
}

func float32frombits(bits uint32) float64 {
	return float64(math.Float32frombits(bits))
}
