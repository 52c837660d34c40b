package adb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseBanner(t *testing.T) {
	var tests = []struct {
		name    string
		payload string
		want    DeviceInfo
	}{{
		"full banner",
		"device::ro.product.name=sdk_phone;ro.product.model=Android SDK;ro.product.device=generic;features=shell_v2,cmd;\x00",
		DeviceInfo{
			State:    "device",
			Product:  "sdk_phone",
			Model:    "Android SDK",
			Device:   "generic",
			Features: []string{"shell_v2", "cmd"},
			Banner:   "device::ro.product.name=sdk_phone;ro.product.model=Android SDK;ro.product.device=generic;features=shell_v2,cmd;",
		},
	}, {
		"bare state",
		"device\x00",
		DeviceInfo{State: "device", Banner: "device"},
	}, {
		"recovery without attributes",
		"recovery::",
		DeviceInfo{State: "recovery", Banner: "recovery::"},
	}, {
		"malformed attribute is skipped",
		"device::notakeyval;ro.product.name=x;",
		DeviceInfo{
			State:   "device",
			Product: "x",
			Banner:  "device::notakeyval;ro.product.name=x;",
		},
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, parseBanner([]byte(test.payload)))
		})
	}
}

func TestSupportsFeature(t *testing.T) {
	info := DeviceInfo{Features: []string{"shell_v2", "stat_v2"}}
	assert.True(t, info.SupportsFeature("stat_v2"))
	assert.False(t, info.SupportsFeature("abb"))
	assert.False(t, DeviceInfo{}.SupportsFeature("shell_v2"))
}
