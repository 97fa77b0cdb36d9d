package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestExtractAccelerator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       string
		wantOK    bool
		wantModel string
		wantCount int64
	}{
		{name: "nvidia", raw: `{"cpu": 10, "mem": "10GiB", "nvidia:A100": 4}`, wantOK: true, wantModel: "A100", wantCount: 4},
		{name: "first colon key wins", raw: `{"hygon:Z100": 8, "nvidia:V100": 2}`, wantOK: true, wantModel: "Z100", wantCount: 8},
		{name: "model with colon", raw: `{"vendor:model:40g": 1}`, wantOK: true, wantModel: "model:40g", wantCount: 1},
		{name: "string count", raw: `{"nvidia:T4": "3"}`, wantOK: true, wantModel: "T4", wantCount: 3},
		{name: "no accelerator", raw: `{"cpu": 64, "mem": "256G"}`},
		{name: "empty object", raw: `{}`},
		{name: "not an object", raw: `[1,2]`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			acc, ok := ExtractAccelerator(gjson.Parse(tt.raw))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantModel, acc.Model)
			assert.Equal(t, tt.wantCount, acc.Count)
		})
	}
}

func TestPercent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		idle, total float64
		want        int
	}{
		{idle: 16, total: 64, want: 75},
		{idle: 0, total: 64, want: 100},
		{idle: 64, total: 64, want: 0},
		{idle: 1, total: 3, want: 67},
		{idle: 0, total: 0, want: 0},
		{idle: 5, total: -1, want: 0},
		{idle: 80, total: 64, want: 0},
		{idle: -10, total: 64, want: 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Percent(tt.idle, tt.total), "idle=%v total=%v", tt.idle, tt.total)
	}
}

func TestClassifyHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		active bool
		usage  Usage
		want   Health
	}{
		{name: "cpu 75 mem 50", active: true, usage: Usage{CPUPercent: 75, MemPercent: 50}, want: HealthHealthy},
		{name: "threshold is not stressed", active: true, usage: Usage{CPUPercent: 85}, want: HealthHealthy},
		{name: "gpu above threshold", active: true, usage: Usage{GPUPercent: 86}, want: HealthWarning},
		{name: "mem above threshold", active: true, usage: Usage{MemPercent: 100}, want: HealthWarning},
		{name: "inactive wins", active: false, usage: Usage{CPUPercent: 99}, want: HealthOffline},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ClassifyHealth(tt.active, tt.usage))
		})
	}
}

func TestParseUsage(t *testing.T) {
	t.Parallel()

	total := gjson.Parse(`{"cpu": 64, "mem": "256G", "nvidia:A100": 8}`)
	idle := gjson.Parse(`{"cpu": 16, "mem": "128G", "nvidia:A100": 2}`)

	u := parseUsage(total, idle)
	assert.Equal(t, int64(64), u.CPUTotal)
	assert.Equal(t, 75, u.CPUPercent)
	assert.Equal(t, 50, u.MemPercent)
	assert.Equal(t, int64(8), u.GPUTotal)
	assert.Equal(t, int64(2), u.GPUIdle)
	assert.Equal(t, 75, u.GPUPercent)
}
