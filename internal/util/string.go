/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package util

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// UpstreamTimeLayout is the wall-clock format used by the cluster management API.
const UpstreamTimeLayout = "2006-01-02 15:04:05"

var memRegex = regexp.MustCompile(`^([0-9]+(\.?[0-9]*))\s*([TtGgMmKk]i?[Bb]?|[Bb])?$`)

// ParseMemStringAsByte accepts "10GiB", "512M", "1.5T", "2048" and so on.
// Binary multiples are used for both the "G" and "GiB" spellings; a bare
// number is taken as MB.
func ParseMemStringAsByte(mem string) (uint64, error) {
	mem = strings.TrimSpace(mem)
	result := memRegex.FindAllStringSubmatch(mem, -1)
	if result == nil || len(result) != 1 {
		return 0, fmt.Errorf("invalid memory format: %q", mem)
	}
	sz, err := ParseFloatWithPrecision(result[0][1], 10)
	if err != nil {
		return 0, err
	}
	unit := strings.ToUpper(result[0][3])
	if unit == "" {
		// default unit is MB
		return uint64(1024 * 1024 * sz), nil
	}
	switch unit[0] {
	case 'T':
		return uint64(1024 * 1024 * 1024 * 1024 * sz), nil
	case 'G':
		return uint64(1024 * 1024 * 1024 * sz), nil
	case 'M':
		return uint64(1024 * 1024 * sz), nil
	case 'K':
		return uint64(1024 * sz), nil
	}
	return uint64(sz), nil
}

// FormatBytes renders a byte count with the largest binary unit that keeps
// the value at or above one, e.g. 34359738368 -> "32GiB".
func FormatBytes(b uint64) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB"}
	v := float64(b)
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64) + units[i]
}

// ParseUpstreamTime parses the API's wall-clock layout in loc. An empty
// string yields the zero time and no error.
func ParseUpstreamTime(ts string, loc *time.Location) (time.Time, error) {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(UpstreamTimeLayout, ts, loc)
}

func SecondTimeFormat(second int64) string {
	timeFormat := ""
	dd := second / 24 / 3600
	second %= 24 * 3600
	hh := second / 3600
	second %= 3600
	mm := second / 60
	ss := second % 60
	if dd > 0 {
		timeFormat = fmt.Sprintf("%d-%02d:%02d:%02d", dd, hh, mm, ss)
	} else {
		timeFormat = fmt.Sprintf("%02d:%02d:%02d", hh, mm, ss)
	}
	return timeFormat
}

// WaitTimeFormat renders a queueing duration as "1d 2h 3m". Durations under a
// minute are shown in seconds.
func WaitTimeFormat(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	second := int64(d / time.Second)
	if second < 60 {
		return fmt.Sprintf("%ds", second)
	}
	dd := second / 24 / 3600
	second %= 24 * 3600
	hh := second / 3600
	second %= 3600
	mm := second / 60

	parts := make([]string, 0, 3)
	if dd > 0 {
		parts = append(parts, fmt.Sprintf("%dd", dd))
	}
	if hh > 0 || dd > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hh))
	}
	parts = append(parts, fmt.Sprintf("%dm", mm))
	return strings.Join(parts, " ")
}

// Parses a string containing a float number with a given precision.
func ParseFloatWithPrecision(val string, decimalPlaces int) (float64, error) {
	num, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, err
	}

	shift := math.Pow(10, float64(decimalPlaces))
	return math.Floor(num*shift) / shift, nil
}
