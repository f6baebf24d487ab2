package orchestrator

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/internal/geo"
	"github.com/nyc-design/Gamer/pkg/api/warden"
	"github.com/nyc-design/Gamer/pkg/events"
	"github.com/nyc-design/Gamer/pkg/logging"
	"github.com/nyc-design/Gamer/pkg/models"
)

// RequestSession resolves a session request to a host: an existing
// active host for the same user and platform (dedupe), a revived
// STOPPED host (implicit restart), or a freshly minted one handed to a
// background provisioning task. The pool slot is claimed before
// anything is persisted, so a saturated pool rejects with Busy and
// leaves no half-created rows behind.
func (o *Orchestrator) RequestSession(ctx context.Context, req *warden.CreateSessionRequest) (*models.Host, error) {
	if req.UserID == "" || req.Platform == "" {
		return nil, fleet.E(fleet.KindBadRequest, "user_id and platform are required")
	}
	if req.UserCoord != nil {
		if err := geo.ValidateCoord(*req.UserCoord); err != nil {
			return nil, err
		}
	}
	if req.SSHPublicKey != "" {
		// A malformed key would otherwise surface as a provider create
		// failure after the host row exists. Reject it up front.
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(req.SSHPublicKey)); err != nil {
			return nil, fleet.E(fleet.KindBadRequest, "ssh_public_key is not a valid authorized key")
		}
	}

	profile, err := o.store.GetPlatform(ctx, req.Platform)
	if err != nil {
		return nil, err
	}

	existing, err := o.store.FindActiveHost(ctx, req.UserID, req.Platform)
	switch {
	case err == nil && existing.State == models.StateStopped:
		return o.restartStopped(ctx, existing, profile, req.SSHPublicKey)
	case err == nil:
		o.logger.WithFields(logging.Fields{
			"host_id":  existing.ID,
			"user_id":  req.UserID,
			"platform": req.Platform,
			"state":    existing.State,
		}).Info("Session request deduplicated onto existing host")
		return existing, nil
	case fleet.KindOf(err) != fleet.KindNotFound:
		return nil, err
	}

	pref, tier, err := o.selectProvider(profile, req.MaxCostPerHour)
	if err != nil {
		return nil, err
	}

	if !o.sem.TryAcquire(1) {
		return nil, fleet.E(fleet.KindBusy, "provisioning pool is full (%d tasks)", o.cfg.ProvisionWorkers)
	}

	host, err := mintHost(req, profile, pref.Provider, tier)
	if err != nil {
		o.sem.Release(1)
		return nil, err
	}
	if err := o.store.CreateHost(ctx, host); err != nil {
		o.sem.Release(1)
		return nil, err
	}

	o.publish(events.NewStateChanged(host, models.StateNew, models.StateCreating, "session requested"))
	o.logger.WithFields(logging.Fields{
		"host_id":  host.ID,
		"user_id":  host.UserID,
		"platform": host.Platform,
		"provider": host.Provider,
		"tier":     host.Tier,
	}).Info("Session accepted, provisioning started")

	o.spawnProvision(host, profile, req.SSHPublicKey)
	return host, nil
}

// restartStopped revives a STOPPED host under a fresh session id and
// resumes provisioning from the provider start step. A parked host is
// implicitly restartable: requesting a session for its platform starts
// it instead of creating a second host.
func (o *Orchestrator) restartStopped(ctx context.Context, host *models.Host, profile *models.PlatformProfile, sshKey string) (*models.Host, error) {
	if !o.sem.TryAcquire(1) {
		return nil, fleet.E(fleet.KindBusy, "provisioning pool is full (%d tasks)", o.cfg.ProvisionWorkers)
	}

	sessionID := uuid.New().String()
	if err := o.store.ReviveStopped(ctx, host.ID, sessionID); err != nil {
		o.sem.Release(1)
		if fleet.KindOf(err) == fleet.KindConflict {
			// Lost the revive race. The dedupe contract still holds if
			// the other writer left the host alive.
			fresh, gerr := o.store.GetHost(ctx, host.ID)
			if gerr == nil && fresh.State.Active() {
				return fresh, nil
			}
		}
		return nil, err
	}

	fresh, err := o.store.GetHost(ctx, host.ID)
	if err != nil {
		o.sem.Release(1)
		return nil, err
	}

	o.publish(events.NewStateChanged(fresh, models.StateStopped, models.StateCreating, "implicit restart"))
	o.logger.WithFields(logging.Fields{
		"host_id":    fresh.ID,
		"user_id":    fresh.UserID,
		"platform":   fresh.Platform,
		"session_id": sessionID,
	}).Info("Stopped host revived for new session")

	o.spawnProvision(fresh, profile, sshKey)
	return fresh, nil
}

// selectProvider walks the profile's ordered preferences and returns
// the first entry with a registered driver whose hourly rate clears
// both the preference's cap and the request's cap. The effective tier
// honors the preference's override.
func (o *Orchestrator) selectProvider(profile *models.PlatformProfile, requestCap *float64) (models.ProviderPreference, string, error) {
	for _, pref := range profile.SortedPreferences() {
		if !pref.Enabled {
			continue
		}
		if _, ok := o.drivers[pref.Provider]; !ok {
			continue
		}
		tier := profile.Tier
		if pref.TierOverride != "" {
			tier = pref.TierOverride
		}
		rate, ok := o.rates.HourlyCostUSD(tier, profile.Family, pref.Provider)
		if !ok {
			o.logger.WithFields(logging.Fields{
				"provider": pref.Provider,
				"tier":     tier,
				"family":   profile.Family,
			}).Warn("No rate for provider preference, skipping")
			continue
		}
		if pref.HourlyCostCap != nil && rate > *pref.HourlyCostCap {
			continue
		}
		if requestCap != nil && rate > *requestCap {
			continue
		}
		return pref, tier, nil
	}
	return models.ProviderPreference{}, "", fleet.E(fleet.KindInsufficientProviders,
		"no enabled provider for platform %s clears the cost caps", profile.Platform)
}

// mintHost builds the CREATING row for a fresh session.
func mintHost(req *warden.CreateSessionRequest, profile *models.PlatformProfile, provider, tier string) (*models.Host, error) {
	sessionID := uuid.New().String()
	certPEM, err := mintClientCert(sessionID)
	if err != nil {
		return nil, fleet.Wrap(fleet.KindInternal, err, "client certificate minting failed")
	}

	port := profile.AgentPort
	if port <= 0 {
		port = models.DefaultAgentPort
	}

	host := &models.Host{
		ID:               uuid.New().String(),
		SessionID:        sessionID,
		VMToken:          uuid.New().String(),
		UserID:           req.UserID,
		Platform:         req.Platform,
		Tier:             tier,
		Provider:         provider,
		ProviderRegion:   req.Region,
		State:            models.StateCreating,
		AgentPort:        port,
		AutoStopTimeoutS: profile.AutoStopTimeoutS,
		SaveRef:          req.SaveRef,
		RomRef:           req.RomRef,
		MaxCostPerHour:   req.MaxCostPerHour,
		ClientCertPEM:    &certPEM,
	}
	if req.UserCoord != nil {
		lat, lon := req.UserCoord.Lat, req.UserCoord.Lon
		host.UserLat, host.UserLon = &lat, &lon
		host.PlacementSource = models.PlacementSourceUser
		if req.CoordSource != "" {
			host.PlacementSource = req.CoordSource
		}
	}
	return host, nil
}

// clientCertValidity comfortably outlives the longest session plus the
// stopped-host retention window.
const clientCertValidity = 30 * 24 * time.Hour

// mintClientCert issues the self-signed streaming keypair for one
// session. The PEM bundle (certificate then key) lives on the host
// record for the player's client; the agent manifest carries only the
// certificate block.
func mintClientCert(sessionID string) (string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", err
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: sessionID},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(clientCertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return "", err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return "", err
	}
	if err := pem.Encode(&buf, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}); err != nil {
		return "", err
	}
	return buf.String(), nil
}
