// Package priority implements the per-tile scalar priority function
// (C6): a lexicographic composite of visibility, distance, foveation,
// screen-space-error and pass-flag state into a single sortable number
// the priority heap orders by.
package priority

import "math"

// epsilon keeps normalized sub-priorities strictly below 1 so a digit
// window never spills into the next, more significant one.
const epsilon = 1e-6

// digit window widths, most significant first (spec.md §4.6 table).
const (
	foveatedFactorScale   = 9999 // 4 digits
	preferredSortingScale = 9999 // 4 digits
)

// Inputs holds everything the priority function needs for one tile in
// one frame. All normalized fields are expected already clamped to
// [0,1) by the caller's tileset min/max tracking; Compute re-clamps
// defensively.
type Inputs struct {
	// PreloadFlight is true when this scheduling pass is the preload-
	// flight pass (warms tiles along a camera flight path).
	PreloadFlight bool

	// FoveatedDefer is true when the tile sits outside the foveated
	// cone and its (curve-relaxed) screen-space error falls below the
	// adjusted threshold, i.e. it is eligible but should sort after
	// non-deferred tiles.
	FoveatedDefer bool

	// FoveatedFactor is the normalized angular offset from the view
	// direction, in [0,1]; higher means farther from the fovea.
	FoveatedFactor float64

	// FailsProgressiveTest is true when the tile does NOT pass the
	// progressive-resolution screen-space-error test.
	FailsProgressiveTest bool

	// PreferredSorting is the normalized depth or inverse
	// screen-space-error (depending on refinement mode), in [0,1].
	PreferredSorting float64

	// Depth is the tile's tree depth normalized against the tileset's
	// observed min/max depth this frame, in [0,1].
	Depth float64

	// PreferLeaves inverts the depth digit so deeper tiles sort first,
	// for tilesets that prefer refining toward leaves.
	PreferLeaves bool
}

// flagDigit converts a boolean flag to its spec.md digit value: 0 if the
// "preferred" condition holds, 1 otherwise, so preferred work sorts
// first in a min-heap.
func flagDigit(preferred bool) float64 {
	if preferred {
		return 0
	}
	return 1
}

// normalize clamps x to [0,1] and nudges it strictly below 1 by epsilon,
// per spec.md's "clamp((x-min)/(max-min), 0, 1) - ε" normalization rule
// (x is assumed already divided by its tileset range by the caller). The
// result never drops below 0, so a zero input cannot floor to -1 and
// borrow from the next, more significant digit window.
func normalize(x float64) float64 {
	if x < 0 {
		x = 0
	}
	if x > 1 {
		x = 1
	}
	x -= epsilon
	if x < 0 {
		x = 0
	}
	return x
}

// Compute produces the single scalar the priority heap orders requests
// by: lower is more important. The composite is built as a base-10
// number with a fixed digit window per sub-priority (most significant
// first): preload-flight flag, foveated-defer flag, foveated factor,
// progressive-resolution flag, preferred sorting, then tree depth as
// the fractional remainder. Ties are broken by tree depth.
func Compute(in Inputs) float64 {
	// In-flight (non preload-flight) work sorts first: preload-flight
	// passes warm tiles along the camera's future path and are less
	// urgent than whatever the camera is actually looking at right now.
	preloadDigit := flagDigit(!in.PreloadFlight)
	deferDigit := flagDigit(!in.FoveatedDefer)
	progDigit := flagDigit(!in.FailsProgressiveTest)

	foveatedFactor := math.Floor(normalize(in.FoveatedFactor) * foveatedFactorScale)
	preferredSorting := math.Floor(normalize(in.PreferredSorting) * preferredSortingScale)

	composite := preloadDigit*1e10 +
		deferDigit*1e9 +
		foveatedFactor*1e5 +
		progDigit*1e4 +
		preferredSorting*1e0

	depth := in.Depth
	if in.PreferLeaves {
		depth = 1 - depth
	}
	depthFrac := normalize(depth)

	return composite + depthFrac
}
