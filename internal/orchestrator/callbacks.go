package orchestrator

import (
	"context"
	"encoding/pem"
	"time"

	"github.com/nyc-design/Gamer/internal/fleet"
	"github.com/nyc-design/Gamer/pkg/api/warden"
	"github.com/nyc-design/Gamer/pkg/events"
	"github.com/nyc-design/Gamer/pkg/logging"
	"github.com/nyc-design/Gamer/pkg/models"
)

// AgentStarted applies the agent's started callback: READY -> RUNNING
// with the session clock set to the agent's timestamp. A lost race
// acknowledges with the state the host actually reached instead of
// erroring, so agent retries converge.
func (o *Orchestrator) AgentStarted(ctx context.Context, hostID string, req *warden.AgentStartedRequest) (*warden.AgentAckResponse, error) {
	host, err := o.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}

	applied, err := o.applySeq(ctx, host, req.Seq, "started")
	if err != nil {
		return nil, err
	}
	if !applied {
		return duplicateAck(host), nil
	}

	if err := o.store.MarkRunning(ctx, hostID, req.StartedAt.UTC()); err != nil {
		return o.collapseConflict(ctx, hostID, err)
	}

	host.State = models.StateRunning
	o.publish(events.NewStateChanged(host, models.StateReady, models.StateRunning, "agent started"))
	o.publish(events.NewSessionStarted(host))
	o.logger.WithFields(logging.Fields{
		"host_id":    host.ID,
		"session_id": host.SessionID,
		"platform":   host.Platform,
	}).Info("Session running")

	return &warden.AgentAckResponse{Accepted: true, State: models.StateRunning}, nil
}

// AgentSaveEvent records a save. Accumulated play time is replaced,
// never incremented: the total is recomputed as the base the agent
// loaded plus the elapsed session clock, so re-delivered events
// converge instead of inflating the count. A save also proves the
// player is active, waking IDLE hosts. A trailing save flushed after
// the session stopped still lands in the slot, but the host stays
// parked and the billing clock set at session end is left alone.
func (o *Orchestrator) AgentSaveEvent(ctx context.Context, hostID string, req *warden.AgentSaveEventRequest) (*warden.AgentAckResponse, error) {
	if req.SaveSlotID == "" {
		return nil, fleet.E(fleet.KindBadRequest, "save_slot_id is required")
	}

	host, err := o.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}

	applied, err := o.applySeq(ctx, host, req.Seq, "save_event")
	if err != nil {
		return nil, err
	}
	if !applied {
		return duplicateAck(host), nil
	}

	wallClock := req.WallClock.UTC()

	var elapsed int64
	if host.SessionStartedAt != nil && wallClock.After(*host.SessionStartedAt) {
		elapsed = int64(wallClock.Sub(*host.SessionStartedAt) / time.Second)
	}
	slot := &models.SaveSlot{
		SaveRef:            req.SaveSlotID,
		HostID:             host.ID,
		UserID:             host.UserID,
		Platform:           host.Platform,
		SaveFilename:       req.SaveFilename,
		AccumulatedSeconds: req.BaseAccumulatedSeconds + elapsed,
		WallClock:          wallClock,
	}
	stored, err := o.store.ApplySaveEvent(ctx, slot)
	if err != nil {
		return nil, err
	}
	if !stored {
		o.logger.WithFields(logging.Fields{
			"host_id":  host.ID,
			"save_ref": req.SaveSlotID,
		}).Warn("Stale save event left slot unchanged")
	}

	state := host.State
	switch host.State {
	case models.StateIdle:
		if err := o.store.MarkActive(ctx, hostID, wallClock); err == nil {
			o.publish(events.NewStateChanged(host, models.StateIdle, models.StateRunning, "agent activity"))
			state = models.StateRunning
		}
	case models.StateRunning:
		if err := o.store.TouchActivity(ctx, hostID, wallClock); err != nil {
			o.logger.WithFields(logging.Fields{
				"host_id": host.ID,
				"error":   err.Error(),
			}).Warn("Activity refresh failed")
		}
	}

	return &warden.AgentAckResponse{Accepted: true, State: state}, nil
}

// AgentIdle records that the last streaming client disconnected:
// RUNNING -> IDLE with the disconnect timestamp the supervisor's idle
// timeout counts from.
func (o *Orchestrator) AgentIdle(ctx context.Context, hostID string, req *warden.AgentIdleRequest) (*warden.AgentAckResponse, error) {
	host, err := o.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}

	applied, err := o.applySeq(ctx, host, req.Seq, "idle")
	if err != nil {
		return nil, err
	}
	if !applied {
		return duplicateAck(host), nil
	}

	if err := o.store.MarkIdle(ctx, hostID, req.LastClientDisconnect.UTC()); err != nil {
		return o.collapseConflict(ctx, hostID, err)
	}

	host.State = models.StateIdle
	o.publish(events.NewStateChanged(host, models.StateRunning, models.StateIdle, "last client disconnected"))
	return &warden.AgentAckResponse{Accepted: true, State: models.StateIdle}, nil
}

// AgentEnded applies the agent's session-end callback: the host parks
// in STOPPED and the provider instance stops off the request path. The
// end timestamp lands in last_activity so billing stops accruing at the
// moment the session ended.
func (o *Orchestrator) AgentEnded(ctx context.Context, hostID string, req *warden.AgentEndedRequest) (*warden.AgentAckResponse, error) {
	host, err := o.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}

	applied, err := o.applySeq(ctx, host, req.Seq, "ended")
	if err != nil {
		return nil, err
	}
	if !applied {
		return duplicateAck(host), nil
	}

	if err := o.store.TouchActivity(ctx, hostID, req.EndedAt.UTC()); err != nil {
		o.logger.WithFields(logging.Fields{
			"host_id": host.ID,
			"error":   err.Error(),
		}).Warn("End-timestamp refresh failed")
	}

	reason := req.Reason
	if reason == "" {
		reason = "session ended"
	}

	prev := host.State
	if err := o.store.TransitionState(ctx, hostID, stoppableStates, models.StateStopped); err != nil {
		return o.collapseConflict(ctx, hostID, err)
	}

	host.State = models.StateStopped
	o.publish(events.NewStateChanged(host, prev, models.StateStopped, reason))
	o.publish(events.NewSessionEnded(host, reason))
	o.logger.WithFields(logging.Fields{
		"host_id":    host.ID,
		"session_id": host.SessionID,
		"reason":     reason,
	}).Info("Session ended by agent")

	o.asyncProviderStop(host)
	return &warden.AgentAckResponse{Accepted: true, State: models.StateStopped}, nil
}

// Manifest assembles the session document served to the in-VM agent.
// The vm_token is both the lookup key and the only credential the agent
// holds.
func (o *Orchestrator) Manifest(ctx context.Context, vmToken string) (*models.SessionManifest, error) {
	host, err := o.store.GetHostByToken(ctx, vmToken)
	if err != nil {
		return nil, err
	}
	if host.State == models.StateDestroyed {
		return nil, fleet.E(fleet.KindGone, "host %s is destroyed", host.ID)
	}

	profile, err := o.store.GetPlatform(ctx, host.Platform)
	if err != nil {
		return nil, err
	}

	manifest := &models.SessionManifest{
		SessionID:   host.SessionID,
		HostID:      host.ID,
		UserID:      host.UserID,
		Platform:    host.Platform,
		AppImage:    profile.AppImage,
		RomRef:      nilIfEmpty(host.RomRef),
		SaveRef:     nilIfEmpty(host.SaveRef),
		FirmwareRef: profile.FirmwareRef,
		FakeTime:    profile.FakeTime,
		AppConfig:   profile.AppConfig,
		Resolution:  profile.Resolution,
		FPS:         profile.FPS,
		Codec:       profile.Codec,
		DualScreen:  profile.DualScreen,
		Agent: models.ManifestAgent{
			Port:        host.AgentPort,
			CallbackURL: o.cfg.CallbackBaseURL,
			VMToken:     host.VMToken,
		},
		Limits: models.ManifestLimits{
			AutoStopTimeoutS: host.AutoStopTimeoutS,
			MaxSessionHours:  profile.MaxSessionHours,
		},
		GeneratedAt: time.Now().UTC(),
	}

	if manifest.AppConfig == nil {
		manifest.AppConfig = models.JSONB{}
	}
	if manifest.Resolution == "" {
		manifest.Resolution = models.DefaultResolution
	}
	if manifest.FPS <= 0 {
		manifest.FPS = models.DefaultFPS
	}
	if manifest.Codec == "" {
		manifest.Codec = models.DefaultCodec
	}
	if host.ClientCertPEM != nil {
		manifest.ClientCert = certificateBlock(*host.ClientCertPEM)
	}

	if host.SaveRef != "" {
		slot, err := o.store.GetSaveSlot(ctx, host.SaveRef)
		switch {
		case err == nil && slot.SaveFilename != "":
			name := slot.SaveFilename
			manifest.SaveFilename = &name
		case err != nil && fleet.KindOf(err) != fleet.KindNotFound:
			return nil, err
		}
		// A missing slot just means nothing has been saved yet.
	}

	return manifest, nil
}

// applySeq enforces the per-host monotonic sequence guard. False means
// the callback is stale or replayed and its side effects must be
// skipped. Callbacks without a sequence pass through.
func (o *Orchestrator) applySeq(ctx context.Context, host *models.Host, seq int64, callback string) (bool, error) {
	if seq <= 0 {
		return true, nil
	}
	applied, err := o.store.ApplyAgentSeq(ctx, host.ID, seq)
	if err != nil {
		return false, err
	}
	if !applied {
		o.logger.WithFields(logging.Fields{
			"host_id":  host.ID,
			"callback": callback,
			"seq":      seq,
			"last_seq": host.LastAgentSeq,
		}).Warn("Out-of-order agent callback dropped")
	}
	return applied, nil
}

// collapseConflict resolves a lost callback race: the agent gets an ack
// carrying the state the host actually reached rather than an error, so
// its retry loop terminates.
func (o *Orchestrator) collapseConflict(ctx context.Context, hostID string, cause error) (*warden.AgentAckResponse, error) {
	if fleet.KindOf(cause) != fleet.KindConflict {
		return nil, cause
	}
	host, err := o.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, cause
	}
	return &warden.AgentAckResponse{Accepted: false, State: host.State}, nil
}

func duplicateAck(host *models.Host) *warden.AgentAckResponse {
	return &warden.AgentAckResponse{Accepted: false, Duplicate: true, State: host.State}
}

// certificateBlock extracts only the certificate from a PEM bundle: the
// private key stays on the player-facing record and never reaches the
// VM.
func certificateBlock(bundle string) string {
	rest := []byte(bundle)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return ""
		}
		if block.Type == "CERTIFICATE" {
			return string(pem.EncodeToMemory(block))
		}
	}
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
