package logmath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogMath_BadBase(t *testing.T) {
	_, err := NewLogMath(1.0)
	assert.Error(t, err)
	_, err = NewLogMath(0.5)
	assert.Error(t, err)
}

func TestLogMath_RoundTrip(t *testing.T) {
	lm, err := NewLogMath(DefaultBase)
	require.NoError(t, err)

	for _, v := range []float64{1.0, 0.5, 0.001, 123.456} {
		logv := lm.LinearToLog(v)
		assert.InEpsilon(t, v, lm.LogToLinear(logv), 1e-5, "value %f", v)
	}
	assert.Equal(t, float32(0), lm.LinearToLog(1.0))
	assert.Equal(t, LogZero, lm.LinearToLog(0))
	assert.Equal(t, float64(0), lm.LogToLinear(LogZero))
}

func TestLogMath_Log10ToLog(t *testing.T) {
	lm, err := NewLogMath(DefaultBase)
	require.NoError(t, err)

	// log10(0.5) in the host base must still mean one half.
	logHalf := lm.Log10ToLog(float32(math.Log10(0.5)))
	assert.InEpsilon(t, 0.5, lm.LogToLinear(logHalf), 1e-5)
}

func TestLogMath_AddAsLinear(t *testing.T) {
	lm, err := NewLogMath(DefaultBase)
	require.NoError(t, err)

	a := lm.LinearToLog(0.25)
	b := lm.LinearToLog(0.5)
	sum := lm.AddAsLinear(a, b)
	assert.InEpsilon(t, 0.75, lm.LogToLinear(sum), 1e-5)

	// Adding nothing leaves the dominant term untouched.
	assert.Equal(t, b, lm.AddAsLinear(b, LogZero))
	assert.Equal(t, b, lm.AddAsLinear(LogZero, b))
}
