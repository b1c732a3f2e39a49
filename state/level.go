package state

import (
	"fmt"
	"strings"
)

// Level is an IS-IS routing level. Only Level1 and Level2 are valid levels for computation.
type Level uint8

const (
	Level1 Level = 1
	Level2 Level = 2
)

var Levels = []Level{Level1, Level2}

func (l Level) Valid() bool {
	return l == Level1 || l == Level2
}

func (l Level) Mask() LevelMask {
	if !l.Valid() {
		return 0
	}
	return LevelMask(1 << (l - 1))
}

// Other returns the opposite level.
func (l Level) Other() Level {
	if l == Level1 {
		return Level2
	}
	return Level1
}

func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("L?%d", uint8(l))
	}
	return fmt.Sprintf("L%d", uint8(l))
}

// LevelMask is a set of levels an edge or node participates in.
type LevelMask uint8

const (
	MaskL1  = LevelMask(1)
	MaskL2  = LevelMask(2)
	MaskL12 = MaskL1 | MaskL2
)

func MaskOf(levels ...Level) LevelMask {
	var m LevelMask
	for _, l := range levels {
		m |= l.Mask()
	}
	return m
}

func (m LevelMask) Has(l Level) bool {
	return l.Valid() && m&l.Mask() != 0
}

func (m LevelMask) Levels() []Level {
	out := make([]Level, 0, 2)
	for _, l := range Levels {
		if m.Has(l) {
			out = append(out, l)
		}
	}
	return out
}

func (m LevelMask) String() string {
	parts := make([]string, 0, 2)
	for _, l := range m.Levels() {
		parts = append(parts, l.String())
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
