package verification

import "github.com/example/passport-check/internal/inference"

// ChecklistSize is the number of compliance rules evaluated per frame.
const ChecklistSize = 5

// Checklist is the fixed-order compliance vector:
//
//	0: no obstruction objects detected
//	1: face brightness and eyebrow visibility acceptable
//	2: horizontal and vertical alignment acceptable
//	3: mouth closed, no smile, eyes open
//	4: face brightness acceptable
type Checklist [ChecklistSize]bool

// AllPassed reports whether every rule holds.
func (c Checklist) AllPassed() bool {
	for _, ok := range c {
		if !ok {
			return false
		}
	}
	return true
}

// Ints renders the checklist as 0/1 values for the wire.
func (c Checklist) Ints() []int {
	out := make([]int, ChecklistSize)
	for i, ok := range c {
		if ok {
			out[i] = 1
		}
	}
	return out
}

// MapReport applies the compliance rules to a collaborator report. Each entry is
// evaluated independently.
func MapReport(report *inference.Report) Checklist {
	var c Checklist
	if report == nil {
		return c
	}
	face := report.Face
	c[0] = len(report.Obstructions) == 0
	c[1] = face.FaceBrightness && face.Eyebrow
	c[2] = face.Horizontal && face.Vertical
	c[3] = face.MouthClosed && face.NoSmile && face.EyesOpen
	c[4] = face.FaceBrightness
	return c
}
