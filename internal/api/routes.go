package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stepprotocol/step-engine/internal/config"
	"github.com/stepprotocol/step-engine/internal/mesh"
	"github.com/stepprotocol/step-engine/internal/proof"
	"github.com/stepprotocol/step-engine/internal/store"
	"github.com/stepprotocol/step-engine/internal/wallet"
	"github.com/stepprotocol/step-engine/pkg/models"
)

// httpStatusFor maps pipeline rejection codes onto HTTP statuses. The
// taxonomy code itself travels in the body; the status is advisory.
func httpStatusFor(code string) int {
	switch code {
	case proof.CodeReplayedNonce:
		return http.StatusConflict
	case proof.CodeInternalError:
		return http.StatusInternalServerError
	case "":
		return http.StatusOK
	default:
		return http.StatusUnprocessableEntity
	}
}

type APIHandler struct {
	cfg      config.Config
	dbStore  store.Store
	pipeline *proof.Pipeline
	wsHub    *Hub
}

func SetupRouter(cfg config.Config, dbStore store.Store, pipeline *proof.Pipeline, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://step.example.com
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			// Check if the request origin is in the allowed list
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		cfg:      cfg,
		dbStore:  dbStore,
		pipeline: pipeline,
		wsHub:    wsHub,
	}

	// ── Public endpoints (no auth) ─────────────────────────────
	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
		pub.GET("/state", handler.handleState)
		pub.GET("/mesh/triangle", handler.handleTriangleAt)
		pub.GET("/mesh/search", handler.handleSearchBbox)
		pub.GET("/mesh/active", handler.handleActiveTriangles)
		pub.GET("/mesh/triangle/:id/events", handler.handleTriangleEvents)
		pub.GET("/account/:address", handler.handleGetAccount)
	}

	// ── Protected endpoints (require bearer token if API_AUTH_TOKEN set) ──
	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware())
	// Rate-limit proof submission to 30 req/min per IP (burst=5); each
	// submission costs a signature recovery plus a storage transaction.
	auth.Use(NewRateLimiter(30, 5).Middleware())
	{
		auth.POST("/proof", handler.handleSubmitProof)
	}

	return r
}

// handleSubmitProof runs a signed location claim through the validation
// pipeline and returns the full score breakdown either way.
func (h *APIHandler) handleSubmitProof(c *gin.Context) {
	var sub models.ProofSubmission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body. Expected: {payload, signature}"})
		return
	}
	resp := h.pipeline.Submit(c.Request.Context(), &sub)
	c.JSON(httpStatusFor(resp.Error), resp)
}

// handleTriangleAt resolves (lat, lon, level) to its canonical triangle.
// GET /api/v1/mesh/triangle?lat=47.4979&lon=19.0402&level=10&includePolygon=true
func (h *APIHandler) handleTriangleAt(c *gin.Context) {
	lat, err1 := strconv.ParseFloat(c.Query("lat"), 64)
	lon, err2 := strconv.ParseFloat(c.Query("lon"), 64)
	level, err3 := strconv.Atoi(c.DefaultQuery("level", "10"))
	if err1 != nil || err2 != nil || err3 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected numeric lat, lon, level"})
		return
	}

	tri, err := mesh.PointToTriangle(lat, lon, level)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	out := gin.H{
		"triangleId": tri.ID.Encode(),
		"centroid":   tri.CentroidPoint(),
	}
	if c.Query("includePolygon") == "true" {
		out["polygon"] = tri.PolygonGeoJSON()
	}
	c.JSON(http.StatusOK, out)
}

// parseBbox reads "minLon,minLat,maxLon,maxLat".
func parseBbox(raw string) (store.Bbox, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return store.Bbox{}, errors.New("bbox must be minLon,minLat,maxLon,maxLat")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return store.Bbox{}, errors.New("bbox must be numeric")
		}
		vals[i] = v
	}
	return store.Bbox{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}, nil
}

// capResults clamps the caller's max to the configured server ceiling.
func (h *APIHandler) capResults(raw string) int {
	ceiling := h.cfg.MaxBboxResults
	if raw == "" {
		return ceiling
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 && v < ceiling {
		return v
	}
	return ceiling
}

func summarize(recs []*models.TriangleRecord, includePolygon bool) []models.TriangleSummary {
	out := make([]models.TriangleSummary, 0, len(recs))
	for _, rec := range recs {
		s := models.TriangleSummary{
			TriangleID: rec.ID,
			Clicks:     rec.Clicks,
			State:      rec.State,
			Centroid:   rec.Centroid,
		}
		if includePolygon {
			s.Polygon = rec.Polygon
		}
		out = append(out, s)
	}
	return out
}

// handleSearchBbox returns materialized triangles whose centroid falls in
// the window.
// GET /api/v1/mesh/search?bbox=19.0,47.4,19.1,47.5&level=10&max=100
func (h *APIHandler) handleSearchBbox(c *gin.Context) {
	box, err := parseBbox(c.Query("bbox"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	level, err := strconv.Atoi(c.DefaultQuery("level", "10"))
	if err != nil || level < 1 || level > mesh.MaxLevel {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid level"})
		return
	}

	recs, err := h.dbStore.QueryBbox(c.Request.Context(), box, level, h.capResults(c.Query("max")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Search failed", "details": err.Error()})
		return
	}
	triangles := summarize(recs, c.Query("includePolygon") == "true")
	c.JSON(http.StatusOK, gin.H{"count": len(triangles), "triangles": triangles})
}

// handleActiveTriangles lists triangles with at least one click that are
// still mineable at the level.
// GET /api/v1/mesh/active?level=10&max=100
func (h *APIHandler) handleActiveTriangles(c *gin.Context) {
	level, err := strconv.Atoi(c.DefaultQuery("level", "10"))
	if err != nil || level < 1 || level > mesh.MaxLevel {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid level"})
		return
	}

	recs, err := h.dbStore.QueryActive(c.Request.Context(), level, h.capResults(c.Query("max")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Active query failed", "details": err.Error()})
		return
	}
	triangles := summarize(recs, c.Query("includePolygon") == "true")
	c.JSON(http.StatusOK, gin.H{"count": len(triangles), "triangles": triangles})
}

// handleTriangleEvents returns the audit trail of one triangle, newest
// first.
func (h *APIHandler) handleTriangleEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := mesh.Decode(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid triangle id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	events, err := h.dbStore.EventsByTriangle(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Event query failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(events), "events": events})
}

// handleGetAccount returns an account's balance, zeroed for addresses
// that were never credited.
func (h *APIHandler) handleGetAccount(c *gin.Context) {
	address := c.Param("address")
	if wallet.ValidAddress(address) {
		address = wallet.ChecksumAddress(address)
	}
	acct, err := h.dbStore.GetAccount(c.Request.Context(), address)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"address": address, "balance": "0"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Account lookup failed", "details": err.Error()})
		return
	}
	acct.Address = address
	c.JSON(http.StatusOK, acct)
}

// handleState returns the engine-wide counters.
func (h *APIHandler) handleState(c *gin.Context) {
	sum, err := h.dbStore.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Summary failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// handleHealth returns engine status and capabilities for service discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "operational",
		"engine": "STEP Mesh Engine v1.0",
		"capabilities": gin.H{
			"proof_v1":          true,
			"proof_v2":          true,
			"mesh_levels":       mesh.MaxLevel,
			"subdivision":       true,
			"confidence_scores": true,
		},
		"subdivisionThreshold": h.cfg.SubdivisionThreshold,
		"maxResults":           h.cfg.MaxBboxResults,
	})
}
