// Package colors assigns peer colors by spreading hues around the color
// wheel. The first hue is fixed or random, the second is antipodal, and every
// later hue bisects the largest arc left between the hues already taken.
package colors

import (
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"slices"
	"strconv"
)

// Color is an HSL color. Hue is in degrees [0, 360), the other fields are
// percentages.
type Color struct {
	Hue        float64
	Saturation float64
	Lightness  float64
}

// CSS formats c as a CSS hsl() value.
func (c Color) CSS() string {
	return fmt.Sprintf("hsl(%s, %s%%, %s%%)", trim(c.Hue), trim(c.Saturation), trim(c.Lightness))
}

func trim(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Option configures a Picker.
type Option func(*Picker)

// WithInitialHue fixes the hue of the first color.
func WithInitialHue(h float64) Option {
	return func(p *Picker) { p.initial = normalize(h) }
}

// WithSaturation sets the saturation of every color.
func WithSaturation(s float64) Option {
	return func(p *Picker) { p.saturation = s }
}

// WithLightness sets the lightness of every color.
func WithLightness(l float64) Option {
	return func(p *Picker) { p.lightness = l }
}

// Picker hands out maximally separated colors. It is not safe for
// concurrent use.
type Picker struct {
	initial    float64
	saturation float64
	lightness  float64
	hues       []float64
}

// NewPicker returns a picker with saturation 85, lightness 55 and a random
// initial hue unless overridden.
func NewPicker(opts ...Option) *Picker {
	p := &Picker{
		initial:    rand.Float64() * 360,
		saturation: 85,
		lightness:  55,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Next assigns and returns the next color.
func (p *Picker) Next() Color {
	h := p.nextHue()
	p.hues = append(p.hues, h)
	return Color{Hue: h, Saturation: p.saturation, Lightness: p.lightness}
}

// NextCSS assigns the next color and returns it as a CSS value.
func (p *Picker) NextCSS() string {
	return p.Next().CSS()
}

// Observe records hues assigned elsewhere so that Next avoids them.
func (p *Picker) Observe(hues ...float64) {
	for _, h := range hues {
		p.hues = append(p.hues, normalize(h))
	}
}

// Reset forgets every assigned hue.
func (p *Picker) Reset() {
	p.hues = nil
}

// Hues returns the assigned hues in assignment order.
func (p *Picker) Hues() []float64 {
	return slices.Clone(p.hues)
}

func (p *Picker) nextHue() float64 {
	switch len(p.hues) {
	case 0:
		return p.initial
	case 1:
		return normalize(p.hues[0] + 180)
	}

	sorted := slices.Clone(p.hues)
	slices.Sort(sorted)

	var start, size float64
	for i, h := range sorted {
		next := sorted[(i+1)%len(sorted)]
		arc := next - h
		if i == len(sorted)-1 {
			arc = 360 - h + next
		}
		if arc > size {
			start, size = h, arc
		}
	}
	return normalize(start + size/2)
}

// Generate returns the first n colors of a fresh picker.
func Generate(n int, opts ...Option) []Color {
	p := NewPicker(opts...)
	out := make([]Color, 0, n)
	for range n {
		out = append(out, p.Next())
	}
	return out
}

// MinAngularDistance returns the smallest arc between neighbouring hues,
// 360 for fewer than two hues.
func MinAngularDistance(hues []float64) float64 {
	if len(hues) < 2 {
		return 360
	}
	sorted := slices.Clone(hues)
	slices.Sort(sorted)
	minDist := 360.0
	for i, h := range sorted {
		next := sorted[(i+1)%len(sorted)]
		dist := next - h
		if i == len(sorted)-1 {
			dist = 360 - h + next
		}
		minDist = math.Min(minDist, dist)
	}
	return minDist
}

var hslPattern = regexp.MustCompile(`^\s*hsla?\(\s*(-?[0-9.]+)`)

// ParseHue extracts the hue of a CSS hsl() value.
func ParseHue(css string) (float64, bool) {
	m := hslPattern.FindStringSubmatch(css)
	if m == nil {
		return 0, false
	}
	h, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return normalize(h), true
}

func normalize(h float64) float64 {
	return math.Mod(math.Mod(h, 360)+360, 360)
}
