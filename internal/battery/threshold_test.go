package battery

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allKnown(string) bool { return true }

func TestThresholdConfig_Defaults(t *testing.T) {
	c := NewThresholdConfig()

	assert.Equal(t, ThresholdDefault, c.Global())
	assert.Empty(t, c.Rules())
	assert.Equal(t, ThresholdDefault, c.Effective("sensor.anything_battery"))
}

func TestThresholdConfig_RulePrecedence(t *testing.T) {
	c := NewThresholdConfig()

	global := 20
	err := c.Set(&global, map[string]int{"sensor.lock_battery": 40}, allKnown)
	require.NoError(t, err)

	assert.Equal(t, 40, c.Effective("sensor.lock_battery"))
	assert.Equal(t, 20, c.Effective("sensor.other_battery"))
}

func TestThresholdConfig_SetValidation(t *testing.T) {
	c := NewThresholdConfig()

	t.Run("global below min", func(t *testing.T) {
		bad := ThresholdMin - 1
		err := c.Set(&bad, nil, allKnown)
		require.Error(t, err)
		var cmdErr *Error
		require.ErrorAs(t, err, &cmdErr)
		assert.Equal(t, ErrCodeInvalidThreshold, cmdErr.Code)
	})

	t.Run("global above max", func(t *testing.T) {
		bad := ThresholdMax + 1
		err := c.Set(&bad, nil, allKnown)
		assert.Error(t, err)
	})

	t.Run("rule out of range", func(t *testing.T) {
		err := c.Set(nil, map[string]int{"sensor.x_battery": 2}, allKnown)
		require.Error(t, err)
		var cmdErr *Error
		require.ErrorAs(t, err, &cmdErr)
		assert.Equal(t, ErrCodeInvalidThreshold, cmdErr.Code)
	})

	t.Run("unknown entity", func(t *testing.T) {
		err := c.Set(nil, map[string]int{"sensor.ghost_battery": 30}, func(string) bool { return false })
		require.Error(t, err)
		var cmdErr *Error
		require.ErrorAs(t, err, &cmdErr)
		assert.Equal(t, ErrCodeInvalidDeviceRule, cmdErr.Code)
	})

	t.Run("too many rules", func(t *testing.T) {
		rules := make(map[string]int)
		for i := 0; i <= MaxDeviceRules; i++ {
			rules[fmt.Sprintf("sensor.dev%d_battery", i)] = 30
		}
		err := c.Set(nil, rules, allKnown)
		require.Error(t, err)
		var cmdErr *Error
		require.ErrorAs(t, err, &cmdErr)
		assert.Equal(t, ErrCodeTooManyRules, cmdErr.Code)
	})
}

func TestThresholdConfig_SetIsAtomic(t *testing.T) {
	c := NewThresholdConfig()

	global := 30
	require.NoError(t, c.Set(&global, map[string]int{"sensor.a_battery": 50}, allKnown))

	// One bad rule rejects the whole update, valid global included
	newGlobal := 60
	err := c.Set(&newGlobal, map[string]int{
		"sensor.a_battery": 70,
		"sensor.b_battery": 200,
	}, allKnown)
	require.Error(t, err)

	assert.Equal(t, 30, c.Global())
	assert.Equal(t, map[string]int{"sensor.a_battery": 50}, c.Rules())
}

func TestThresholdConfig_RulesReplacedWholesale(t *testing.T) {
	c := NewThresholdConfig()

	require.NoError(t, c.Set(nil, map[string]int{"sensor.a_battery": 50}, allKnown))
	require.NoError(t, c.Set(nil, map[string]int{"sensor.b_battery": 40}, allKnown))

	assert.Equal(t, map[string]int{"sensor.b_battery": 40}, c.Rules())

	// nil rules keep the current set
	global := 25
	require.NoError(t, c.Set(&global, nil, allKnown))
	assert.Equal(t, map[string]int{"sensor.b_battery": 40}, c.Rules())
}

func TestThresholdConfig_Prime(t *testing.T) {
	c := NewThresholdConfig()

	c.Prime(45, map[string]int{
		"sensor.good_battery": 30,
		"sensor.bad_battery":  300, // skipped, out of range
	})

	assert.Equal(t, 45, c.Global())
	assert.Equal(t, map[string]int{"sensor.good_battery": 30}, c.Rules())

	// Out-of-range persisted global keeps the default
	c2 := NewThresholdConfig()
	c2.Prime(0, nil)
	assert.Equal(t, ThresholdDefault, c2.Global())
}
