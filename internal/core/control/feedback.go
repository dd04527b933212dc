// Package control decides which communication bitwidths a pipeline stage
// should use to hold a data-movement performance target.
package control

// FeedbackController converts one measured-performance sample into a target
// relative speedup. Implementations must respond monotonically to sustained
// over/undershoot and clamp their output to [1, uMax].
type FeedbackController interface {
	Evaluate(perfMeasured float64) float64
}

// FeedbackFactory seeds a feedback controller with the performance
// constraint, the initial relative speedup u0, and the upper bound uMax.
type FeedbackFactory func(constraint, u0, uMax float64) FeedbackController

// Kalman filter tuning for the base-speed estimate. The filter converges on
// the first sample for any reasonable seed.
const (
	kalmanQ  = 1e-5
	kalmanR  = 1e-2
	kalmanP0 = 1.0
)

// IntegralXupController is an adaptive integral controller over relative
// speedup ("xup"). It estimates the workload's base speed (the performance
// at xup == 1) with a one-dimensional Kalman filter and integrates the
// constraint error to compensate steady-state offset.
type IntegralXupController struct {
	constraint float64
	uMax       float64

	xup  float64 // last control output, i.e. the speedup currently applied
	xHat float64 // Kalman estimate of base speed
	p    float64 // Kalman error covariance
}

var _ FeedbackController = (*IntegralXupController)(nil)

// NewIntegralXupController seeds the controller. u0 is the relative speedup
// in effect before the first measurement.
func NewIntegralXupController(constraint, u0, uMax float64) *IntegralXupController {
	if u0 < 1 {
		u0 = 1
	}
	xHat0 := constraint
	if u0 > 0 {
		xHat0 = constraint / u0
	}
	return &IntegralXupController{
		constraint: constraint,
		uMax:       uMax,
		xup:        u0,
		xHat:       xHat0,
		p:          kalmanP0,
	}
}

// Evaluate folds one measured-performance sample and returns the target
// relative speedup for the next period, clamped to [1, uMax].
func (c *IntegralXupController) Evaluate(perfMeasured float64) float64 {
	// Kalman update of the base-speed estimate. The observation model is
	// perf = xup * baseSpeed.
	h := c.xup
	pMinus := c.p + kalmanQ
	denom := h*h*pMinus + kalmanR
	var k float64
	if denom != 0 {
		k = pMinus * h / denom
	}
	c.xHat += k * (perfMeasured - h*c.xHat)
	c.p = (1 - k*h) * pMinus

	// Deadbeat integral step toward the constraint.
	next := c.xup
	if c.xHat > 0 {
		next += (c.constraint - perfMeasured) / c.xHat
	}
	if next < 1 {
		next = 1
	}
	if next > c.uMax {
		next = c.uMax
	}
	c.xup = next
	return next
}
