package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitWithReset(t *testing.T) {
	assert.Equal(t, false, Get().EnforceTierCaps)
	resetCfg := InitWithReset(&Flags{EnforceTierCaps: true})
	assert.Equal(t, true, Get().EnforceTierCaps)
	resetCfg()
	assert.Equal(t, false, Get().EnforceTierCaps)
}

func TestGetNilConfig(t *testing.T) {
	prev := featureConfig
	featureConfig = nil
	defer func() { featureConfig = prev }()
	assert.NotNil(t, Get())
}
