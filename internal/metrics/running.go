package metrics

import "math"

// Running accumulates count, mean and spread of a stream of observations
// with Welford's online algorithm, in constant space.
type Running struct {
	count int
	mean  float64
	m2    float64
	min   float64
	max   float64
}

// Summary is a point-in-time copy of a Running accumulator
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Add records one observation
func (r *Running) Add(x float64) {
	r.count++
	if r.count == 1 {
		r.min, r.max = x, x
	} else {
		r.min = math.Min(r.min, x)
		r.max = math.Max(r.max, x)
	}

	delta := x - r.mean
	r.mean += delta / float64(r.count)
	r.m2 += delta * (x - r.mean)
}

// Count returns the number of observations
func (r *Running) Count() int { return r.count }

// Mean returns the running mean, 0 when empty
func (r *Running) Mean() float64 { return r.mean }

// StdDev returns the population standard deviation, 0 with fewer than two
// observations
func (r *Running) StdDev() float64 {
	if r.count < 2 {
		return 0
	}
	return math.Sqrt(r.m2 / float64(r.count))
}

// Summary snapshots the accumulator
func (r *Running) Summary() Summary {
	return Summary{
		Count:  r.count,
		Mean:   r.mean,
		StdDev: r.StdDev(),
		Min:    r.min,
		Max:    r.max,
	}
}

// Reset discards all observations
func (r *Running) Reset() {
	*r = Running{}
}
