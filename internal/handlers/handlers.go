// Package handlers wires warden's HTTP surfaces: the public session
// API and the agent callback API. Handlers translate between wire
// types and the orchestrator; they hold no fleet logic of their own.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nyc-design/Gamer/internal/billing"
	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/internal/geo"
	"github.com/nyc-design/Gamer/internal/placement"
	"github.com/nyc-design/Gamer/pkg/api/common"
	"github.com/nyc-design/Gamer/pkg/api/warden"
	"github.com/nyc-design/Gamer/pkg/cache"
	"github.com/nyc-design/Gamer/pkg/geoip"
	"github.com/nyc-design/Gamer/pkg/logging"
	"github.com/nyc-design/Gamer/pkg/middleware"
	"github.com/nyc-design/Gamer/pkg/models"
)

// SessionService is the orchestrator surface the HTTP layer fronts.
type SessionService interface {
	RequestSession(ctx context.Context, req *warden.CreateSessionRequest) (*models.Host, error)
	DescribeSession(ctx context.Context, hostID string) (*models.Host, error)
	ListSessions(ctx context.Context, userID string) ([]models.Host, error)
	StopSession(ctx context.Context, hostID string) (*models.Host, error)
	DestroySession(ctx context.Context, hostID string) (*models.Host, error)
	Manifest(ctx context.Context, vmToken string) (*models.SessionManifest, error)
	AgentStarted(ctx context.Context, hostID string, req *warden.AgentStartedRequest) (*warden.AgentAckResponse, error)
	AgentSaveEvent(ctx context.Context, hostID string, req *warden.AgentSaveEventRequest) (*warden.AgentAckResponse, error)
	AgentIdle(ctx context.Context, hostID string, req *warden.AgentIdleRequest) (*warden.AgentAckResponse, error)
	AgentEnded(ctx context.Context, hostID string, req *warden.AgentEndedRequest) (*warden.AgentAckResponse, error)
}

// ProfileStore is the platform-profile slice of the store.
type ProfileStore interface {
	GetPlatform(ctx context.Context, platform string) (*models.PlatformProfile, error)
	ListPlatforms(ctx context.Context) ([]models.PlatformProfile, error)
	UpsertPlatform(ctx context.Context, p *models.PlatformProfile) error
}

// Placer previews placement rankings without side effects.
type Placer interface {
	RankInventory(ctx context.Context, user *models.Coordinate, spec models.TierSpec) ([]placement.Candidate, error)
	RankRegions(ctx context.Context, user *models.Coordinate) ([]placement.Candidate, error)
}

// Biller serves the billing reads.
type Biller interface {
	Window(ctx context.Context, from, to time.Time, f billing.Filters) (*models.BillingSummary, error)
	Summary(ctx context.Context) (*models.SpendStatus, error)
}

// Handlers carries the dependencies behind the HTTP surface.
type Handlers struct {
	sessions     SessionService
	profiles     ProfileStore
	placer       Placer
	biller       Biller
	geoip        *geoip.Reader
	geoCache     *cache.Cache
	serviceToken string
	logger       logging.Logger
}

// New creates the handler set. The GeoIP reader and cache may be nil;
// coordinate fallback is then skipped. An empty service token leaves
// the operator routes open.
func New(sessions SessionService, profiles ProfileStore, placer Placer, biller Biller, geoReader *geoip.Reader, geoCache *cache.Cache, serviceToken string, logger logging.Logger) *Handlers {
	return &Handlers{
		sessions:     sessions,
		profiles:     profiles,
		placer:       placer,
		biller:       biller,
		geoip:        geoReader,
		geoCache:     geoCache,
		serviceToken: serviceToken,
		logger:       logger,
	}
}

// Register attaches every route to the router.
func (h *Handlers) Register(router *gin.Engine) {
	router.POST("/sessions", h.CreateSession)
	router.GET("/sessions", h.ListSessions)
	router.GET("/sessions/:host_id", h.GetSession)
	router.POST("/sessions/:host_id/stop", h.StopSession)
	router.DELETE("/sessions/:host_id", h.DestroySession)

	router.GET("/platforms", h.ListPlatforms)
	router.GET("/platforms/:platform", h.GetPlatform)
	router.GET("/placements/candidates", h.PlacementCandidates)

	// Operator routes: profile mutation and the billing reads. Guarded
	// by the service token when one is configured.
	operator := router.Group("")
	if h.serviceToken != "" {
		operator.Use(middleware.ServiceAuthMiddleware(h.serviceToken))
	}
	operator.PUT("/platforms/:platform", h.PutPlatform)
	operator.GET("/billing", h.BillingWindow)
	operator.GET("/billing/summary", h.BillingSummary)

	// The manifest route keys on vm_token, the callbacks on host_id;
	// gin allows one wildcard name per segment, so both read :id.
	hosts := router.Group("/hosts/:id")
	hosts.GET("/manifest", h.GetManifest)
	hosts.POST("/started", h.AgentStarted)
	hosts.POST("/save_event", h.AgentSaveEvent)
	hosts.POST("/idle", h.AgentIdle)
	hosts.POST("/ended", h.AgentEnded)
}

// CreateSession handles POST /sessions. A request that starts (or
// restarts) provisioning answers 201; a dedupe against an already
// active host answers 200. Both carry the host record.
func (h *Handlers) CreateSession(c *gin.Context) {
	var req warden.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, fleet.Wrap(fleet.KindBadRequest, err, "malformed session request"))
		return
	}
	c.Set("user_id", req.UserID)
	if req.UserCoord == nil {
		h.fillCoordFromIP(c, &req)
	}

	host, err := h.sessions.RequestSession(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusCreated
	if host.State != models.StateCreating {
		// Dedupe hit: the user already holds an active host.
		status = http.StatusOK
	}
	c.JSON(status, host)
}

// GetSession handles GET /sessions/{host_id}.
func (h *Handlers) GetSession(c *gin.Context) {
	host, err := h.sessions.DescribeSession(c.Request.Context(), c.Param("host_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, host)
}

// ListSessions handles GET /sessions?user_id=.
func (h *Handlers) ListSessions(c *gin.Context) {
	c.Set("user_id", c.Query("user_id"))
	hosts, err := h.sessions.ListSessions(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, warden.SessionListResponse{Sessions: hosts, Count: len(hosts)})
}

// StopSession handles POST /sessions/{host_id}/stop. The provider stop
// continues in the background, hence 202.
func (h *Handlers) StopSession(c *gin.Context) {
	host, err := h.sessions.StopSession(c.Request.Context(), c.Param("host_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, host)
}

// DestroySession handles DELETE /sessions/{host_id}.
func (h *Handlers) DestroySession(c *gin.Context) {
	host, err := h.sessions.DestroySession(c.Request.Context(), c.Param("host_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, host)
}

// ListPlatforms handles GET /platforms.
func (h *Handlers) ListPlatforms(c *gin.Context) {
	profiles, err := h.profiles.ListPlatforms(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, warden.PlatformListResponse{Platforms: profiles, Count: len(profiles)})
}

// GetPlatform handles GET /platforms/{platform}.
func (h *Handlers) GetPlatform(c *gin.Context) {
	profile, err := h.profiles.GetPlatform(c.Request.Context(), c.Param("platform"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// PutPlatform handles PUT /platforms/{platform}: full-profile upsert.
// The path segment wins over any platform named in the body.
func (h *Handlers) PutPlatform(c *gin.Context) {
	var profile models.PlatformProfile
	if err := c.ShouldBindJSON(&profile); err != nil {
		h.respondError(c, fleet.Wrap(fleet.KindBadRequest, err, "malformed platform profile"))
		return
	}
	profile.Platform = c.Param("platform")
	if err := profile.Validate(); err != nil {
		h.respondError(c, fleet.Wrap(fleet.KindBadRequest, err, err.Error()))
		return
	}
	if err := h.profiles.UpsertPlatform(c.Request.Context(), &profile); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, &profile)
}

// PlacementCandidates handles GET /placements/candidates: a dry-run
// ranking with no side effects. `platform` is required, `lat`/`lon`
// are optional, and `provider` narrows the preview to one adapter;
// without it the profile's first enabled preference decides.
func (h *Handlers) PlacementCandidates(c *gin.Context) {
	ctx := c.Request.Context()

	profile, err := h.profiles.GetPlatform(ctx, c.Query("platform"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	user, err := coordFromQuery(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	provider := c.Query("provider")
	if provider == "" {
		for _, pref := range profile.SortedPreferences() {
			if pref.Enabled {
				provider = pref.Provider
				break
			}
		}
	}

	var candidates []placement.Candidate
	switch provider {
	case models.ProviderTensorDock:
		spec, ok := profile.HardwareSpec()
		if !ok {
			h.respondError(c, fleet.E(fleet.KindInternal, "profile %s resolves no hardware tier", profile.Platform))
			return
		}
		candidates, err = h.placer.RankInventory(ctx, user, spec)
	case models.ProviderCloudyPad:
		candidates, err = h.placer.RankRegions(ctx, user)
	default:
		h.respondError(c, fleet.E(fleet.KindBadRequest, "unknown provider %q", provider))
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}

	out := warden.PlacementPreviewResponse{Candidates: make([]warden.PlacementCandidate, 0, len(candidates))}
	for _, cand := range candidates {
		pc := warden.PlacementCandidate{
			Provider:     cand.Provider,
			Region:       cand.Region,
			DistanceKM:   cand.DistanceKM,
			PricePerHour: cand.PricePerHour,
			Source:       cand.Source,
		}
		if cand.Coord != nil {
			pc.Lat, pc.Lon = cand.Coord.Lat, cand.Coord.Lon
		}
		out.Candidates = append(out.Candidates, pc)
	}
	out.Count = len(out.Candidates)
	c.JSON(http.StatusOK, out)
}

// BillingWindow handles GET /billing?from=&to=&provider=&user_id=.
// Missing bounds default to the current calendar month, so a bare GET
// answers "what has this month cost so far".
func (h *Handlers) BillingWindow(c *gin.Context) {
	now := time.Now().UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := now

	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondError(c, fleet.E(fleet.KindBadRequest, "from %q is not RFC 3339", raw))
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondError(c, fleet.E(fleet.KindBadRequest, "to %q is not RFC 3339", raw))
			return
		}
		to = parsed
	}
	if !to.After(from) {
		h.respondError(c, fleet.E(fleet.KindBadRequest, "billing window is empty"))
		return
	}

	summary, err := h.biller.Window(c.Request.Context(), from, to, billing.Filters{
		Provider: c.Query("provider"),
		UserID:   c.Query("user_id"),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// BillingSummary handles GET /billing/summary: spend against caps.
func (h *Handlers) BillingSummary(c *gin.Context) {
	status, err := h.biller.Summary(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// fillCoordFromIP derives a best-effort user coordinate from the
// caller's IP when the request does not carry one.
func (h *Handlers) fillCoordFromIP(c *gin.Context, req *warden.CreateSessionRequest) {
	if h.geoip == nil || !h.geoip.IsLoaded() {
		return
	}
	data := geoip.LookupCached(c.Request.Context(), h.geoip, h.geoCache, c.ClientIP())
	if data == nil || !geoip.IsValidLatLon(data.Latitude, data.Longitude) {
		return
	}
	req.UserCoord = &models.Coordinate{Lat: data.Latitude, Lon: data.Longitude}
	req.CoordSource = models.PlacementSourceGeoIP
	h.logger.WithFields(logging.Fields{
		"user_id": req.UserID,
		"city":    data.City,
		"country": data.CountryCode,
	}).Debug("Filled user coordinate from client IP")
}

func coordFromQuery(c *gin.Context) (*models.Coordinate, error) {
	rawLat, rawLon := c.Query("lat"), c.Query("lon")
	if rawLat == "" && rawLon == "" {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(rawLat, 64)
	if err != nil {
		return nil, fleet.E(fleet.KindBadRequest, "lat %q is not a number", rawLat)
	}
	lon, err := strconv.ParseFloat(rawLon, 64)
	if err != nil {
		return nil, fleet.E(fleet.KindBadRequest, "lon %q is not a number", rawLon)
	}
	coord := models.Coordinate{Lat: lat, Lon: lon}
	if err := geo.ValidateCoord(coord); err != nil {
		return nil, err
	}
	return &coord, nil
}

// respondError writes the taxonomy error body. Server-side failures
// get logged; client errors are the caller's problem. NoCandidate is
// an internal classification and leaves the API as
// insufficient_providers.
func (h *Handlers) respondError(c *gin.Context, err error) {
	status := fleet.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		middleware.GetContextLogger(c, h.logger).WithError(err).Error("Request failed")
	}
	kind := fleet.KindOf(err)
	if kind == fleet.KindNoCandidate {
		kind = fleet.KindInsufficientProviders
	}
	c.JSON(status, common.ErrorResponse{
		Error:  string(kind),
		Detail: fleet.Detail(err),
	})
}
