// Package pid implements a discrete PID controller stepped once per fixed
// control tick.
package pid

import (
	"math"
	"sync"
)

// State is a point-in-time copy of a controller.
type State struct {
	Kp            float64 `json:"kp"`
	Ki            float64 `json:"ki"`
	Kd            float64 `json:"kd"`
	Setpoint      float64 `json:"setpoint"`
	Integral      float64 `json:"integral"`
	PreviousError float64 `json:"previous_error"`
	OutputMin     float64 `json:"output_min"`
	OutputMax     float64 `json:"output_max"`
	IntegralLimit float64 `json:"integral_limit"`
	LastOutput    float64 `json:"last_output"`
}

// Controller is safe for concurrent use. Changing gains, limits or the
// setpoint never clears the accumulated integral; call Reset for that.
type Controller struct {
	mu sync.RWMutex

	kp, ki, kd    float64
	setpoint      float64
	integral      float64
	previousError float64
	outputMin     float64
	outputMax     float64
	// integralLimit bounds |integral| when positive.
	integralLimit float64
	lastOutput    float64
}

func New(kp, ki, kd, setpoint, outputMin, outputMax float64) *Controller {
	c := &Controller{
		kp:       kp,
		ki:       ki,
		kd:       kd,
		setpoint: setpoint,
	}
	c.setOutputLimits(outputMin, outputMax)

	return c
}

// Update advances the controller by one tick and returns the clamped output.
func (c *Controller) Update(measurement float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.setpoint - measurement

	c.integral += err
	if c.integralLimit > 0 {
		c.integral = clamp(c.integral, -c.integralLimit, c.integralLimit)
	}

	derivative := err - c.previousError
	raw := c.kp*err + c.ki*c.integral + c.kd*derivative

	c.previousError = err
	c.lastOutput = clamp(raw, c.outputMin, c.outputMax)

	return c.lastOutput
}

func (c *Controller) SetGains(kp, ki, kd float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kp, c.ki, c.kd = kp, ki, kd
}

// SetOutputLimits swaps the bounds if given in reverse order.
func (c *Controller) SetOutputLimits(outputMin, outputMax float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setOutputLimits(outputMin, outputMax)
}

func (c *Controller) setOutputLimits(outputMin, outputMax float64) {
	if outputMin > outputMax {
		outputMin, outputMax = outputMax, outputMin
	}
	c.outputMin, c.outputMax = outputMin, outputMax
}

func (c *Controller) SetSetpoint(setpoint float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setpoint = setpoint
}

// SetIntegralLimit bounds the magnitude of the integral accumulator. Zero
// or a negative limit disables the bound.
func (c *Controller) SetIntegralLimit(limit float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.integralLimit = math.Max(0, limit)
	if c.integralLimit > 0 {
		c.integral = clamp(c.integral, -c.integralLimit, c.integralLimit)
	}
}

// Reset clears the integral and derivative history.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.integral = 0
	c.previousError = 0
	c.lastOutput = 0
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return State{
		Kp:            c.kp,
		Ki:            c.ki,
		Kd:            c.kd,
		Setpoint:      c.setpoint,
		Integral:      c.integral,
		PreviousError: c.previousError,
		OutputMin:     c.outputMin,
		OutputMax:     c.outputMax,
		IntegralLimit: c.integralLimit,
		LastOutput:    c.lastOutput,
	}
}

func clamp(value, minValue, maxValue float64) float64 {
	return math.Max(minValue, math.Min(maxValue, value))
}
