package chunks

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Dimensions converts an aspect ratio like "16:9" into width and height with
// roughly base*base pixels, snapped to multiples of 64.
func Dimensions(aspect string, base int) (int, int, error) {
	if base <= 0 {
		base = 1024
	}
	if aspect == "" {
		return base, base, nil
	}

	parts := strings.Split(aspect, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid aspect ratio %q", aspect)
	}
	w, errW := strconv.ParseFloat(parts[0], 64)
	h, errH := strconv.ParseFloat(parts[1], 64)
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid aspect ratio %q", aspect)
	}

	area := float64(base * base)
	width := math.Sqrt(area * w / h)
	height := width * h / w
	return snap64(width), snap64(height), nil
}

func snap64(v float64) int {
	n := int(math.Round(v/64)) * 64
	if n < 64 {
		return 64
	}
	return n
}
