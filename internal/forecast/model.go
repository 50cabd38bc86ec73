// Package forecast predicts future usage from the daily aggregate series
// and flags quota exhaustion before it happens. All models are
// deterministic: the same series always yields the same prediction.
package forecast

import (
	"errors"
	"math"
	"time"
)

type ModelType string

const (
	ModelLinearRegression     ModelType = "linear_regression"
	ModelMovingAverage        ModelType = "moving_average"
	ModelExponentialSmoothing ModelType = "exponential_smoothing"
)

func (m ModelType) Valid() bool {
	switch m {
	case ModelLinearRegression, ModelMovingAverage, ModelExponentialSmoothing:
		return true
	default:
		return false
	}
}

// Point is one daily observation.
type Point struct {
	Timestamp time.Time
	Value     float64
}

// Prediction is a model output for one horizon. Bounds are a confidence
// interval around the predicted value; Accuracy is the model's fit on the
// observed series in [0,1].
type Prediction struct {
	PredictedValue float64
	LowerBound     float64
	UpperBound     float64
	Accuracy       float64
}

// Model is the strategy contract shared by all forecasting approaches.
type Model interface {
	Predict(points []Point, horizonDays int) (Prediction, error)
}

const (
	// MinPoints is the minimum observed days required for any model.
	MinPoints = 7

	movingAverageWindow = 7
	smoothingAlpha      = 0.3
)

var (
	ErrInsufficientData = errors.New("insufficient_data")
	ErrUnknownModel     = errors.New("unknown_forecast_model")
)

// ForModelType returns the strategy for a model type, defaulting to linear
// regression when unset.
func ForModelType(modelType ModelType) (Model, error) {
	switch modelType {
	case ModelLinearRegression, "":
		return LinearRegression{}, nil
	case ModelMovingAverage:
		return MovingAverage{Window: movingAverageWindow}, nil
	case ModelExponentialSmoothing:
		return ExponentialSmoothing{Alpha: smoothingAlpha}, nil
	default:
		return nil, ErrUnknownModel
	}
}

// LinearRegression fits y = a + bx by least squares over day indices and
// extrapolates horizonDays past the last observation.
type LinearRegression struct{}

func (LinearRegression) Predict(points []Point, horizonDays int) (Prediction, error) {
	if len(points) < MinPoints {
		return Prediction{}, ErrInsufficientData
	}
	if horizonDays < 1 {
		horizonDays = 1
	}

	n := float64(len(points))
	var sumX, sumY, sumXY, sumXX float64
	for i, p := range points {
		x := float64(i)
		sumX += x
		sumY += p.Value
		sumXY += x * p.Value
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return Prediction{}, ErrInsufficientData
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	var ssRes, ssTot float64
	mean := sumY / n
	for i, p := range points {
		fitted := intercept + slope*float64(i)
		ssRes += (p.Value - fitted) * (p.Value - fitted)
		ssTot += (p.Value - mean) * (p.Value - mean)
	}

	residualSigma := 0.0
	if len(points) > 2 {
		residualSigma = math.Sqrt(ssRes / (n - 2))
	}

	accuracy := 1.0
	if ssTot > 0 {
		accuracy = clamp01(1 - ssRes/ssTot)
	}

	x := float64(len(points)-1) + float64(horizonDays)
	predicted := intercept + slope*x
	interval := 1.96 * residualSigma

	return Prediction{
		PredictedValue: predicted,
		LowerBound:     predicted - interval,
		UpperBound:     predicted + interval,
		Accuracy:       accuracy,
	}, nil
}

// MovingAverage predicts the mean of the trailing window; the horizon does
// not change a flat forecast.
type MovingAverage struct {
	Window int
}

func (m MovingAverage) Predict(points []Point, _ int) (Prediction, error) {
	if len(points) < MinPoints {
		return Prediction{}, ErrInsufficientData
	}

	window := m.Window
	if window <= 0 {
		window = movingAverageWindow
	}
	if window > len(points) {
		window = len(points)
	}

	tail := points[len(points)-window:]
	var sum float64
	for _, p := range tail {
		sum += p.Value
	}
	mean := sum / float64(window)

	var variance float64
	for _, p := range tail {
		variance += (p.Value - mean) * (p.Value - mean)
	}
	variance /= float64(window)
	sigma := math.Sqrt(variance)

	return Prediction{
		PredictedValue: mean,
		LowerBound:     mean - sigma,
		UpperBound:     mean + sigma,
		Accuracy:       oneStepAccuracy(points, func(history []Point) float64 {
			w := window
			if w > len(history) {
				w = len(history)
			}
			var s float64
			for _, p := range history[len(history)-w:] {
				s += p.Value
			}
			return s / float64(w)
		}),
	}, nil
}

// ExponentialSmoothing predicts the final smoothed level s_n with
// s_t = alpha*y_t + (1-alpha)*s_{t-1}.
type ExponentialSmoothing struct {
	Alpha float64
}

func (e ExponentialSmoothing) Predict(points []Point, _ int) (Prediction, error) {
	if len(points) < MinPoints {
		return Prediction{}, ErrInsufficientData
	}

	alpha := e.Alpha
	if alpha <= 0 || alpha >= 1 {
		alpha = smoothingAlpha
	}

	level := points[0].Value
	var ssRes float64
	for _, p := range points[1:] {
		residual := p.Value - level
		ssRes += residual * residual
		level = alpha*p.Value + (1-alpha)*level
	}

	residualSigma := math.Sqrt(ssRes / float64(len(points)-1))
	interval := 1.96 * residualSigma

	return Prediction{
		PredictedValue: level,
		LowerBound:     level - interval,
		UpperBound:     level + interval,
		Accuracy:       oneStepAccuracy(points, func(history []Point) float64 {
			l := history[0].Value
			for _, p := range history[1:] {
				l = alpha*p.Value + (1-alpha)*l
			}
			return l
		}),
	}, nil
}

// oneStepAccuracy scores a model by its one-step-ahead residuals against
// the variance of the series, clamped to [0,1].
func oneStepAccuracy(points []Point, predictNext func(history []Point) float64) float64 {
	if len(points) < 3 {
		return 0
	}

	var sum float64
	for _, p := range points {
		sum += p.Value
	}
	mean := sum / float64(len(points))

	var ssRes, ssTot float64
	for i := 1; i < len(points); i++ {
		predicted := predictNext(points[:i])
		ssRes += (points[i].Value - predicted) * (points[i].Value - predicted)
		ssTot += (points[i].Value - mean) * (points[i].Value - mean)
	}
	if ssTot == 0 {
		if ssRes == 0 {
			return 1
		}
		return 0
	}
	return clamp01(1 - ssRes/ssTot)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
