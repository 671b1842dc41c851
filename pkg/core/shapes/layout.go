// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

// Layout is the memory arrangement requested for a value.
type Layout int

const (
	// LayoutAny means no preference, any backend layout is acceptable.
	LayoutAny Layout = iota

	// LayoutPlanar is channels-first (NCHW-like).
	LayoutPlanar

	// LayoutChannelsLast is channels-last (NHWC-like).
	LayoutChannelsLast

	// LayoutBlocked16 blocks the channel axis in groups of 16.
	LayoutBlocked16
)

var layoutNames = []string{"any", "planar", "channels_last", "blocked16"}

// String implements fmt.Stringer.
func (l Layout) String() string {
	if l < 0 || int(l) >= len(layoutNames) {
		return "Layout(?)"
	}
	return layoutNames[l]
}

// LayoutFromString parses the value returned by Layout.String.
func LayoutFromString(s string) (Layout, bool) {
	for i, name := range layoutNames {
		if name == s {
			return Layout(i), true
		}
	}
	return LayoutAny, false
}
