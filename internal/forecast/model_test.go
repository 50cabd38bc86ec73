package forecast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dailyPoints(values ...float64) []Point {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	points := make([]Point, 0, len(values))
	for i, v := range values {
		points = append(points, Point{Timestamp: base.AddDate(0, 0, i), Value: v})
	}
	return points
}

func TestLinearRegressionPerfectTrend(t *testing.T) {
	points := dailyPoints(10, 12, 14, 16, 18, 20, 22)

	prediction, err := LinearRegression{}.Predict(points, 1)
	require.NoError(t, err)
	assert.InDelta(t, 24, prediction.PredictedValue, 1e-9)
	assert.InDelta(t, 1.0, prediction.Accuracy, 1e-9)
	// Perfect fit leaves no residual, so the interval collapses.
	assert.InDelta(t, 24, prediction.LowerBound, 1e-9)
	assert.InDelta(t, 24, prediction.UpperBound, 1e-9)
}

func TestLinearRegressionLongerHorizon(t *testing.T) {
	points := dailyPoints(10, 12, 14, 16, 18, 20, 22)

	prediction, err := LinearRegression{}.Predict(points, 3)
	require.NoError(t, err)
	assert.InDelta(t, 28, prediction.PredictedValue, 1e-9)
}

func TestLinearRegressionNoisyFitBounds(t *testing.T) {
	points := dailyPoints(10, 13, 13, 17, 17, 21, 22)

	prediction, err := LinearRegression{}.Predict(points, 1)
	require.NoError(t, err)
	assert.Greater(t, prediction.UpperBound, prediction.PredictedValue)
	assert.Less(t, prediction.LowerBound, prediction.PredictedValue)
	assert.Greater(t, prediction.Accuracy, 0.9)
	assert.Less(t, prediction.Accuracy, 1.0)
}

func TestMovingAveragePredictsWindowMean(t *testing.T) {
	points := dailyPoints(100, 100, 100, 10, 10, 10, 10, 10, 10, 10)

	prediction, err := MovingAverage{Window: 7}.Predict(points, 1)
	require.NoError(t, err)
	assert.InDelta(t, 10, prediction.PredictedValue, 1e-9)
	// Flat window, no spread.
	assert.InDelta(t, 10, prediction.LowerBound, 1e-9)
	assert.InDelta(t, 10, prediction.UpperBound, 1e-9)
}

func TestExponentialSmoothingFollowsLevelShift(t *testing.T) {
	points := dailyPoints(10, 10, 10, 10, 40, 40, 40, 40)

	prediction, err := ExponentialSmoothing{Alpha: 0.3}.Predict(points, 1)
	require.NoError(t, err)
	assert.Greater(t, prediction.PredictedValue, 10.0)
	assert.Less(t, prediction.PredictedValue, 40.0)
}

func TestModelsAreDeterministic(t *testing.T) {
	points := dailyPoints(5, 9, 7, 12, 11, 14, 13, 18)

	for _, modelType := range []ModelType{ModelLinearRegression, ModelMovingAverage, ModelExponentialSmoothing} {
		model, err := ForModelType(modelType)
		require.NoError(t, err)

		first, err := model.Predict(points, 2)
		require.NoError(t, err)
		second, err := model.Predict(points, 2)
		require.NoError(t, err)
		assert.Equal(t, first, second, "model %s", modelType)
	}
}

func TestModelsRejectShortSeries(t *testing.T) {
	points := dailyPoints(1, 2, 3, 4, 5, 6)

	for _, modelType := range []ModelType{ModelLinearRegression, ModelMovingAverage, ModelExponentialSmoothing} {
		model, err := ForModelType(modelType)
		require.NoError(t, err)

		_, err = model.Predict(points, 1)
		assert.ErrorIs(t, err, ErrInsufficientData, "model %s", modelType)
	}
}

func TestForModelTypeDefaultsAndRejects(t *testing.T) {
	model, err := ForModelType("")
	require.NoError(t, err)
	assert.IsType(t, LinearRegression{}, model)

	_, err = ForModelType("prophet")
	assert.ErrorIs(t, err, ErrUnknownModel)
}
