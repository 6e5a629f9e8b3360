package models

// Triangle lifecycle states. A triangle is materialized lazily on the
// first proof that targets it and progresses monotonically:
//
//	pending → active → partially_mined → (subdivided | exhausted)
//
// subdivided and exhausted are terminal; no further clicks are accepted.
const (
	StatePending        = "pending"
	StateActive         = "active"
	StatePartiallyMined = "partially_mined"
	StateExhausted      = "exhausted"
	StateSubdivided     = "subdivided"
)

// GeoPoint is a GeoJSON Point geometry ([lon, lat] coordinate order).
type GeoPoint struct {
	Type        string     `json:"type"` // always "Point"
	Coordinates [2]float64 `json:"coordinates"`
}

// GeoPolygon is a GeoJSON Polygon geometry. The single ring is closed:
// four coordinates, first == last.
type GeoPolygon struct {
	Type        string         `json:"type"` // always "Polygon"
	Coordinates [][][2]float64 `json:"coordinates"`
}

// TriangleRecord is the persisted state of one spherical triangle.
type TriangleRecord struct {
	ID                string      `json:"id"`          // canonical STEP-TRI-v1 id, primary key
	Face              int         `json:"face"`        // 0..19, denormalized for indexing
	Level             int         `json:"level"`       // 1..21, denormalized
	PathEncoded       string      `json:"pathEncoded"` // base-4 big-endian path as decimal string
	ParentID          string      `json:"parentId,omitempty"`
	ChildrenIDs       []string    `json:"childrenIds,omitempty"` // exactly 4 once subdivided
	State             string      `json:"state"`
	Clicks            int         `json:"clicks"`
	MoratoriumStartAt int64       `json:"moratoriumStartAt"` // UTC ms, when the triangle became mineable
	LastClickAt       int64       `json:"lastClickAt,omitempty"`
	Centroid          GeoPoint    `json:"centroid"`
	Polygon           *GeoPolygon `json:"polygon,omitempty"`
	CreatedAt         int64       `json:"createdAt"`
	UpdatedAt         int64       `json:"updatedAt"`
	Version           int64       `json:"-"` // optimistic concurrency counter, storage-internal
}

// TriangleSummary is the compact projection returned by the search and
// active-triangle endpoints (polygon included only on request).
type TriangleSummary struct {
	TriangleID string      `json:"triangleId"`
	Clicks     int         `json:"clicks"`
	State      string      `json:"state"`
	Centroid   GeoPoint    `json:"centroid"`
	Polygon    *GeoPolygon `json:"polygon,omitempty"`
}

// StateSummary holds the engine-wide counters served by /state.
type StateSummary struct {
	TriangleCount   int64 `json:"triangleCount"`
	SubdividedCount int64 `json:"subdividedCount"`
	EventCount      int64 `json:"eventCount"`
	AccountCount    int64 `json:"accountCount"`
	TotalClicks     int64 `json:"totalClicks"`
}
