package params

import (
	"sync"
	"testing"
)

var chamaConfig = DefaultConfig()
var chamaConfigLock sync.RWMutex

// ChamaConfig retrieves the engine config.
func ChamaConfig() *ChamaEngineConfig {
	chamaConfigLock.RLock()
	defer chamaConfigLock.RUnlock()
	return chamaConfig
}

// OverrideChamaConfig replaces the config. The preferred pattern is to call
// ChamaConfig().Copy(), change the specific parameters, and then call
// OverrideChamaConfig(c).
func OverrideChamaConfig(c *ChamaEngineConfig) {
	chamaConfigLock.Lock()
	defer chamaConfigLock.Unlock()
	chamaConfig = c
}

// SetupTestConfigCleanup preserves the current config and restores it when
// the test finishes, so tests can override parameters freely.
func SetupTestConfigCleanup(t testing.TB) {
	prev := ChamaConfig()
	t.Cleanup(func() {
		OverrideChamaConfig(prev)
	})
}
