package model

import (
	"fmt"
	"math"
	"time"
)

// Vec3 is a point in model space.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Distance returns the Euclidean distance between v and o.
func (v Vec3) Distance(o Vec3) float64 {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Region is a sphere of model space touched by an update.
type Region struct {
	Center Vec3    `json:"center"`
	Radius float64 `json:"radius"`
}

// Overlaps reports whether the two spheres intersect or touch.
func (r Region) Overlaps(o Region) bool {
	return r.Center.Distance(o.Center) <= r.Radius+o.Radius
}

// Enclose returns a sphere containing every given region. The center is the
// centroid of the input centers, so the result is not necessarily minimal.
func Enclose(regions ...Region) Region {
	if len(regions) == 0 {
		return Region{}
	}
	var c Vec3
	for _, r := range regions {
		c.X += r.Center.X
		c.Y += r.Center.Y
		c.Z += r.Center.Z
	}
	n := float64(len(regions))
	c = Vec3{X: c.X / n, Y: c.Y / n, Z: c.Z / n}

	var radius float64
	for _, r := range regions {
		radius = math.Max(radius, c.Distance(r.Center)+r.Radius)
	}
	return Region{Center: c, Radius: radius}
}

// IncrementalUpdate describes a localized change that may warrant
// recomputation.
type IncrementalUpdate struct {
	ID             string         `json:"id"`
	Kind           string         `json:"kind"`
	AffectedRegion Region         `json:"affected_region"`
	ChangedKeys    []string       `json:"changed_keys,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	RecordedAt     time.Time      `json:"recorded_at"`
}

// MaxRegionRadius bounds the radius of an update's affected region.
const MaxRegionRadius = 10000.0

// Validate checks the fields the coalescing heuristics depend on.
func (u IncrementalUpdate) Validate() error {
	if u.Kind == "" {
		return &ValidationError{Field: "update.kind", Reason: "is required"}
	}
	r := u.AffectedRegion
	if !(r.Radius >= 0 && r.Radius <= MaxRegionRadius) {
		return &ValidationError{Field: "update.affected_region.radius", Reason: fmt.Sprintf("must be in [0, %g]", MaxRegionRadius)}
	}
	for _, c := range []float64{r.Center.X, r.Center.Y, r.Center.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return &ValidationError{Field: "update.affected_region.center", Reason: "must be finite"}
		}
	}
	return nil
}
