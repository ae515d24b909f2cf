// Package curve maps temperatures to fan speeds through piecewise-linear
// curves.
package curve

import (
	"fmt"
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/thermalctl/internal/errors"
)

const (
	// DefaultSpeed is returned for a curve without points.
	DefaultSpeed = 50.0
	// MinOptimizeSamples is the minimum history needed to derive a curve.
	MinOptimizeSamples = 10
	// DefaultHysteresis is applied to derived curves.
	DefaultHysteresis = 2.0
)

var (
	optimizeRatios = []float64{0, 0.3, 0.6, 0.8, 1.0}
	optimizeSpeeds = []float64{20, 30, 50, 75, 100}
)

type Point struct {
	Temperature  float64 `json:"temperature"`
	SpeedPercent float64 `json:"speed_percent"`
}

// Curve points must be sorted ascending by temperature. Interpolation does
// not re-sort them.
type Curve struct {
	Name       string    `json:"name"`
	Points     []Point   `json:"points"`
	Hysteresis float64   `json:"hysteresis"`
	CreatedAt  time.Time `json:"created_at"`
}

// SpeedFor interpolates the speed for temperature t, holding the first and
// last point's speed outside the curve's range.
func (c Curve) SpeedFor(t float64) float64 {
	points := c.Points
	if len(points) == 0 {
		return DefaultSpeed
	}

	first, last := points[0], points[len(points)-1]
	if t <= first.Temperature {
		return first.SpeedPercent
	}
	if t >= last.Temperature {
		return last.SpeedPercent
	}

	for i := 0; i < len(points)-1; i++ {
		lo, hi := points[i], points[i+1]
		if t < lo.Temperature || t > hi.Temperature {
			continue
		}
		span := hi.Temperature - lo.Temperature
		if span == 0 {
			return hi.SpeedPercent
		}
		ratio := (t - lo.Temperature) / span
		return lo.SpeedPercent + ratio*(hi.SpeedPercent-lo.SpeedPercent)
	}

	// unsorted points leave no bracketing pair
	return last.SpeedPercent
}

// Validate checks speeds are percentages, temperatures are ascending and
// the hysteresis is not negative.
func (c Curve) Validate() error {
	errFactory := errors.New()

	if c.Hysteresis < 0 {
		return errFactory.WithData(errors.ErrValidation, fmt.Sprintf("curve %q: negative hysteresis", c.Name))
	}

	for i, p := range c.Points {
		if p.SpeedPercent < 0 || p.SpeedPercent > 100 {
			return errFactory.WithData(errors.ErrValidation,
				fmt.Sprintf("curve %q: point %d speed %.1f outside [0,100]", c.Name, i, p.SpeedPercent))
		}
		if math.IsNaN(p.Temperature) {
			return errFactory.WithData(errors.ErrValidation, fmt.Sprintf("curve %q: point %d temperature is NaN", c.Name, i))
		}
		if i > 0 && p.Temperature < c.Points[i-1].Temperature {
			return errFactory.WithData(errors.ErrValidation,
				fmt.Sprintf("curve %q: points not sorted by temperature at %d", c.Name, i))
		}
	}

	return nil
}

// Optimize derives a five point curve spanning the observed temperature
// range.
func Optimize(name string, temperatures []float64, now time.Time) (Curve, error) {
	if len(temperatures) < MinOptimizeSamples {
		return Curve{}, errors.New().WithData(errors.ErrInsufficientData,
			fmt.Sprintf("need %d temperature samples, have %d", MinOptimizeSamples, len(temperatures)))
	}

	lo, hi := temperatures[0], temperatures[0]
	for _, t := range temperatures[1:] {
		lo = math.Min(lo, t)
		hi = math.Max(hi, t)
	}
	span := hi - lo

	points := make([]Point, len(optimizeRatios))
	for i, ratio := range optimizeRatios {
		points[i] = Point{
			Temperature:  lo + ratio*span,
			SpeedPercent: optimizeSpeeds[i],
		}
	}

	return Curve{
		Name:       name,
		Points:     points,
		Hysteresis: DefaultHysteresis,
		CreatedAt:  now,
	}, nil
}

// Follower evaluates a curve with a temperature deadband: the curve is only
// re-evaluated once the temperature moves more than the curve's hysteresis
// away from the temperature of the last evaluation.
type Follower struct {
	mu      sync.Mutex
	curve   Curve
	anchor  float64
	primed  bool
	current float64
}

func NewFollower(c Curve) *Follower {
	return &Follower{curve: c}
}

func (f *Follower) SpeedFor(t float64) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.primed && math.Abs(t-f.anchor) <= f.curve.Hysteresis {
		return f.current
	}

	f.anchor = t
	f.primed = true
	f.current = f.curve.SpeedFor(t)

	return f.current
}

func (f *Follower) Curve() Curve {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.curve
}
