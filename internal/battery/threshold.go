package battery

import "sync"

// Threshold bounds and defaults.
const (
	ThresholdDefault = 15
	ThresholdMin     = 5
	ThresholdMax     = 100
	MaxDeviceRules   = 10
)

// ThresholdConfig holds the global threshold and per-device overrides.
// The effective threshold for an entity is its override when present,
// else the global value.
type ThresholdConfig struct {
	mu     sync.RWMutex
	global int
	rules  map[string]int
}

// NewThresholdConfig creates a config at the default global threshold with
// no device rules.
func NewThresholdConfig() *ThresholdConfig {
	return &ThresholdConfig{
		global: ThresholdDefault,
		rules:  make(map[string]int),
	}
}

// Effective returns the threshold that applies to entityID.
func (c *ThresholdConfig) Effective(entityID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if t, ok := c.rules[entityID]; ok {
		return t
	}
	return c.global
}

// Global returns the global threshold.
func (c *ThresholdConfig) Global() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.global
}

// Rules returns a copy of the per-device rules.
func (c *ThresholdConfig) Rules() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rules := make(map[string]int, len(c.rules))
	for id, t := range c.rules {
		rules[id] = t
	}
	return rules
}

// Set validates and applies a threshold update. global is optional (nil
// keeps the current value); rules, when non-nil, replace the existing rule
// set wholesale. known reports whether an entity id is tracked. The update
// is all-or-nothing: any validation failure leaves the config untouched.
func (c *ThresholdConfig) Set(global *int, rules map[string]int, known func(string) bool) error {
	if global != nil && (*global < ThresholdMin || *global > ThresholdMax) {
		return NewError(ErrCodeInvalidThreshold,
			"global threshold %d out of range [%d, %d]", *global, ThresholdMin, ThresholdMax)
	}

	if rules != nil {
		if len(rules) > MaxDeviceRules {
			return NewError(ErrCodeTooManyRules,
				"maximum %d device rules allowed, got %d", MaxDeviceRules, len(rules))
		}
		for id, t := range rules {
			if t < ThresholdMin || t > ThresholdMax {
				return NewError(ErrCodeInvalidThreshold,
					"threshold %d for %s out of range [%d, %d]", t, id, ThresholdMin, ThresholdMax)
			}
			if known != nil && !known(id) {
				return NewError(ErrCodeInvalidDeviceRule, "entity %s not found", id)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if global != nil {
		c.global = *global
	}
	if rules != nil {
		c.rules = make(map[string]int, len(rules))
		for id, t := range rules {
			c.rules[id] = t
		}
	}
	return nil
}

// Prime loads persisted values on startup without entity validation; the
// snapshot store is empty at that point. Out-of-range persisted values fall
// back to defaults rather than failing setup.
func (c *ThresholdConfig) Prime(global int, rules map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if global >= ThresholdMin && global <= ThresholdMax {
		c.global = global
	}
	c.rules = make(map[string]int, len(rules))
	for id, t := range rules {
		if t >= ThresholdMin && t <= ThresholdMax {
			c.rules[id] = t
		}
	}
}
