package mesh

import "github.com/stepprotocol/step-engine/internal/geo"

// Icosahedral Base Mesh
//
// The globe is covered by the 20 faces of a regular icosahedron inscribed
// in the unit sphere. The 12 vertices are the canonical golden-ratio
// coordinates in a fixed order; the face table is the standard icosphere
// winding. Orientation is normalized once at init so every face satisfies
// (v0×v1)·v2 > 0, which the containment test relies on.

// NumFaces is the number of level-1 base triangles.
const NumFaces = 20

// MaxLevel bounds the subdivision depth. Level 1 is a base face; a path
// has level−1 digits.
const MaxLevel = 21

// golden ratio
const phi = 1.618033988749894848204586834365638118

// baseVertices are the 12 icosahedron vertices, unnormalized.
var baseVertices = [12]geo.Vec3{
	{X: -1, Y: phi, Z: 0},
	{X: 1, Y: phi, Z: 0},
	{X: -1, Y: -phi, Z: 0},
	{X: 1, Y: -phi, Z: 0},
	{X: 0, Y: -1, Z: phi},
	{X: 0, Y: 1, Z: phi},
	{X: 0, Y: -1, Z: -phi},
	{X: 0, Y: 1, Z: -phi},
	{X: phi, Y: 0, Z: -1},
	{X: phi, Y: 0, Z: 1},
	{X: -phi, Y: 0, Z: -1},
	{X: -phi, Y: 0, Z: 1},
}

// baseFaces indexes baseVertices, counterclockwise seen from outside.
var baseFaces = [NumFaces][3]int{
	{0, 11, 5}, {0, 5, 1}, {0, 1, 7}, {0, 7, 10}, {0, 10, 11},
	{1, 5, 9}, {5, 11, 4}, {11, 10, 2}, {10, 7, 6}, {7, 1, 8},
	{3, 9, 4}, {3, 4, 2}, {3, 2, 6}, {3, 6, 8}, {3, 8, 9},
	{4, 9, 5}, {2, 4, 11}, {6, 2, 10}, {8, 6, 7}, {9, 8, 1},
}

// faceVertices holds the normalized, orientation-corrected vertex triples
// for each base face.
var faceVertices [NumFaces][3]geo.Vec3

func init() {
	var unit [12]geo.Vec3
	for i, v := range baseVertices {
		unit[i] = v.Normalize()
	}
	for f, idx := range baseFaces {
		a, b, c := unit[idx[0]], unit[idx[1]], unit[idx[2]]
		if a.Cross(b).Dot(c) < 0 {
			b, c = c, b
		}
		faceVertices[f] = [3]geo.Vec3{a, b, c}
	}
}

// FaceVertices returns the three unit-sphere vertices of base face f.
func FaceVertices(f int) [3]geo.Vec3 {
	return faceVertices[f]
}

// childVertices applies one geodesic 4-way subdivision step. Children 0..2
// keep a parent corner; child 3 is the central inverted triangle. Winding
// is preserved, so orientation stays outward all the way down.
func childVertices(v [3]geo.Vec3, digit byte) [3]geo.Vec3 {
	m01 := geo.Midpoint(v[0], v[1])
	m12 := geo.Midpoint(v[1], v[2])
	m20 := geo.Midpoint(v[2], v[0])
	switch digit {
	case 0:
		return [3]geo.Vec3{v[0], m01, m20}
	case 1:
		return [3]geo.Vec3{v[1], m12, m01}
	case 2:
		return [3]geo.Vec3{v[2], m20, m12}
	default:
		return [3]geo.Vec3{m01, m12, m20}
	}
}
