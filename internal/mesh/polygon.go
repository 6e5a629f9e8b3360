package mesh

import (
	"github.com/stepprotocol/step-engine/internal/geo"
	"github.com/stepprotocol/step-engine/pkg/models"
)

// Triangle is the materialized geometry of one id: the three unit-sphere
// vertices (outward winding) and the normalized centroid. Geometry is a
// pure function of the id, so values are safe to cache and share.
type Triangle struct {
	ID       TriangleID
	Vertices [3]geo.Vec3
	Centroid geo.Vec3
}

// Build walks the path from the base face down and returns the triangle's
// geometry.
func Build(id TriangleID) Triangle {
	v := FaceVertices(id.Face)
	for _, d := range id.Path {
		v = childVertices(v, d)
	}
	return Triangle{
		ID:       id,
		Vertices: v,
		Centroid: v[0].Add(v[1]).Add(v[2]).Normalize(),
	}
}

// Contains tests a unit vector against the triangle.
func (t Triangle) Contains(p geo.Vec3) bool {
	return geo.InTriangle(t.Vertices[0], t.Vertices[1], t.Vertices[2], p)
}

// CentroidPoint renders the centroid as a GeoJSON Point.
func (t Triangle) CentroidPoint() models.GeoPoint {
	lat, lon := t.Centroid.LatLon()
	return models.GeoPoint{Type: "Point", Coordinates: [2]float64{lon, lat}}
}

// PolygonGeoJSON renders the vertices as a closed GeoJSON ring
// (four coordinates, first repeated last, [lon, lat] order).
func (t Triangle) PolygonGeoJSON() *models.GeoPolygon {
	ring := make([][2]float64, 0, 4)
	for _, v := range t.Vertices {
		lat, lon := v.LatLon()
		ring = append(ring, [2]float64{lon, lat})
	}
	ring = append(ring, ring[0])
	return &models.GeoPolygon{Type: "Polygon", Coordinates: [][][2]float64{ring}}
}
