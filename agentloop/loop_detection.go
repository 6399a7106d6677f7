package agentloop

import (
	"hash/fnv"
	"strings"
)

// repeatDetector flags a run that keeps submitting the same code, either one
// block over and over or a short cycle of two or three blocks.
type repeatDetector struct {
	window int
	sigs   []uint64
}

func newRepeatDetector(window int) *repeatDetector {
	return &repeatDetector{window: window}
}

func codeSignature(code string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(strings.TrimSpace(code)))
	return h.Sum64()
}

// observe records code and reports whether the last window steps repeat
// with a period of 1, 2 or 3. Windows shorter than 2 never report.
func (d *repeatDetector) observe(code string) bool {
	d.sigs = append(d.sigs, codeSignature(code))
	if d.window < 2 || len(d.sigs) < d.window {
		return false
	}
	recent := d.sigs[len(d.sigs)-d.window:]
	for period := 1; period <= 3; period++ {
		if d.window%period != 0 || period == d.window {
			continue
		}
		if periodic(recent, period) {
			return true
		}
	}
	return false
}

func periodic(sigs []uint64, period int) bool {
	for i := period; i < len(sigs); i++ {
		if sigs[i] != sigs[i-period] {
			return false
		}
	}
	return true
}
