// Copyright (C) 2026 Meridian Health Systems (eng@meridianhealth.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package quality

import "math"

// Distribution is a running per-field distribution maintained with
// Welford's online algorithm, so updating over batches never needs the
// raw history.
type Distribution struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`

	// m2 is the running sum of squared deviations.
	m2 float64
}

// Update folds one observation into the distribution.
func (d *Distribution) Update(x float64) {
	d.Count++
	if d.Count == 1 {
		d.Mean = x
		d.Min = x
		d.Max = x
		return
	}
	delta := x - d.Mean
	d.Mean += delta / float64(d.Count)
	d.m2 += delta * (x - d.Mean)
	if x < d.Min {
		d.Min = x
	}
	if x > d.Max {
		d.Max = x
	}
}

// StdDev returns the population standard deviation.
func (d *Distribution) StdDev() float64 {
	if d.Count < 2 {
		return 0
	}
	return math.Sqrt(d.m2 / float64(d.Count))
}

// IsOutlier reports whether x lies more than three standard deviations
// from the mean. Undefined distributions (fewer than two samples or
// zero spread) never flag.
func (d *Distribution) IsOutlier(x float64) bool {
	sd := d.StdDev()
	if sd == 0 {
		return false
	}
	return math.Abs(x-d.Mean) > 3*sd
}
