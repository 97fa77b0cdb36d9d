package cluster

import (
	"math"
	"strings"

	"github.com/tidwall/gjson"
)

// StressThreshold is the allocation percentage above which a partition is
// stressed and a node is in warning.
const StressThreshold = 85

// Accelerator is the first "<vendor>:<model>" entry of a resource map.
type Accelerator struct {
	Key   string
	Model string
	Count int64
}

// ExtractAccelerator scans the keys of a resource object in document order
// and returns the first one containing a colon.
func ExtractAccelerator(resource gjson.Result) (Accelerator, bool) {
	var (
		acc   Accelerator
		found bool
	)
	if !resource.IsObject() {
		return acc, false
	}
	resource.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		idx := strings.Index(k, ":")
		if idx < 0 {
			return true
		}
		acc = Accelerator{Key: k, Model: k[idx+1:], Count: value.Int()}
		found = true
		return false
	})
	return acc, found
}

// Percent returns the allocated share as round((1 - idle/total) * 100),
// clamped to [0, 100]. A non-positive total yields 0.
func Percent(idle, total float64) int {
	if total <= 0 || math.IsNaN(total) || math.IsNaN(idle) {
		return 0
	}
	p := math.Round((1 - idle/total) * 100)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return int(p)
}

func Stressed(u Usage) bool {
	return u.CPUPercent > StressThreshold || u.MemPercent > StressThreshold || u.GPUPercent > StressThreshold
}

func ClassifyHealth(active bool, u Usage) Health {
	if !active {
		return HealthOffline
	}
	if Stressed(u) {
		return HealthWarning
	}
	return HealthHealthy
}
