package mesh

import (
	"errors"
	"fmt"

	"github.com/stepprotocol/step-engine/internal/geo"
)

// ErrPointNotOnMesh fires only when floating-point error places a point
// outside every candidate triangle. The base faces tile the sphere and the
// containment tolerance covers shared edges, so hitting this is a bug.
var ErrPointNotOnMesh = errors.New("point not on mesh")

// PointToTriangle locates the level-N triangle containing a WGS84 point by
// top-down descent: the 20 base faces first, then the four children at
// each level, always taking the first containing child so edge points
// resolve deterministically to the lower index.
func PointToTriangle(lat, lon float64, level int) (Triangle, error) {
	if err := geo.CheckLatLon(lat, lon); err != nil {
		return Triangle{}, err
	}
	if level < 1 || level > MaxLevel {
		return Triangle{}, fmt.Errorf("%w: level %d out of range", ErrInvalidTriangleID, level)
	}

	p := geo.FromLatLon(lat, lon)

	face := -1
	v := [3]geo.Vec3{}
	for f := 0; f < NumFaces; f++ {
		fv := FaceVertices(f)
		if geo.InTriangle(fv[0], fv[1], fv[2], p) {
			face, v = f, fv
			break
		}
	}
	if face < 0 {
		return Triangle{}, fmt.Errorf("%w: lat=%v lon=%v", ErrPointNotOnMesh, lat, lon)
	}

	path := make([]byte, 0, level-1)
	for l := 1; l < level; l++ {
		found := false
		for d := byte(0); d < 4; d++ {
			cv := childVertices(v, d)
			if geo.InTriangle(cv[0], cv[1], cv[2], p) {
				v = cv
				path = append(path, d)
				found = true
				break
			}
		}
		if !found {
			return Triangle{}, fmt.Errorf("%w: descent stalled at level %d", ErrPointNotOnMesh, l)
		}
	}

	id := TriangleID{Face: face, Level: level, Path: path}
	return Triangle{
		ID:       id,
		Vertices: v,
		Centroid: v[0].Add(v[1]).Add(v[2]).Normalize(),
	}, nil
}
