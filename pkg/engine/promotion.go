package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/openlift/openlift/pkg/lock"
	"github.com/openlift/openlift/pkg/state"
	"github.com/openlift/openlift/pkg/telemetry"
)

// PromotionResult records one successful service promotion.
type PromotionResult struct {
	Service              string `json:"service"`
	From                 string `json:"from"`
	To                   string `json:"to"`
	DeploymentID         int64  `json:"deployment_id"`
	PreviousDeploymentID int64  `json:"previous_deployment_id"`
	ArtifactRef          string `json:"artifact_ref"`
}

// PromotionReport aggregates a multi-service promotion. Each service is
// an independent lock/promote cycle, not one transaction: a partial
// promotion reports which services succeeded and which failed.
type PromotionReport struct {
	From     string             `json:"from"`
	To       string             `json:"to"`
	Results  []PromotionResult  `json:"results"`
	Failures []PromotionFailure `json:"failures,omitempty"`
}

// PromotionFailure records one service that could not be promoted.
type PromotionFailure struct {
	Service string `json:"service"`
	Error   string `json:"error"`
}

// Succeeded reports whether every service promoted cleanly.
func (r *PromotionReport) Succeeded() bool {
	return len(r.Failures) == 0
}

// Promoter copies a service's resolved deployment version from one
// environment's state to another and re-triggers only the
// deployment-update provisioning step, never a full plan/apply.
type Promoter struct {
	store    state.Store
	locks    *lock.Manager
	registry *Registry
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

// NewPromoter creates a promotion engine.
func NewPromoter(store state.Store, locks *lock.Manager, registry *Registry, metrics *telemetry.Metrics, logger zerolog.Logger) *Promoter {
	return &Promoter{
		store:    store,
		locks:    locks,
		registry: registry,
		metrics:  metrics,
		logger:   logger.With().Str("component", "promoter").Logger(),
	}
}

// Promote copies serviceKey's deployment from the source environment to
// the target environment. Both environments' locks for the service are
// held across the read+write; the source must be a service in created
// status; the target must already carry a record of the service.
func (p *Promoter) Promote(ctx context.Context, serviceKey, from, to string) (*PromotionResult, error) {
	result, err := p.promote(ctx, serviceKey, from, to)
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	p.metrics.RecordPromotion(from, to, status)
	return result, err
}

func (p *Promoter) promote(ctx context.Context, serviceKey, from, to string) (*PromotionResult, error) {
	if from == to {
		return nil, NewValidationError("source and target environments are the same", nil)
	}

	// Lock both sides in name order so two promotions crossing the same
	// pair cannot deadlock.
	lockNames := []string{
		lock.ResourceLock(from, serviceKey),
		lock.ResourceLock(to, serviceKey),
	}
	sort.Strings(lockNames)

	var handles []*lock.Handle
	defer func() {
		// Releases must land even when ctx was cancelled mid-promotion.
		for i := len(handles) - 1; i >= 0; i-- {
			if err := p.locks.Release(context.WithoutCancel(ctx), handles[i]); err != nil {
				p.logger.Warn().Err(err).Str("lock", handles[i].Name()).Msg("Failed to release promotion lock")
			}
		}
	}()
	for _, name := range lockNames {
		handle, err := p.locks.Acquire(ctx, name, 2*time.Minute)
		if err != nil {
			if errors.Is(err, lock.ErrLockHeld) {
				p.metrics.RecordLockConflict(name)
				return nil, NewLockConflictError("service is locked by another operation", err).WithResource(serviceKey)
			}
			return nil, err
		}
		handles = append(handles, handle)
	}

	sourceSnap, err := p.store.ReadSnapshot(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to read state for %s: %w", from, err)
	}
	source := sourceSnap.Resources[serviceKey]
	switch {
	case source == nil:
		return nil, NewPromotionPreconditionError(
			fmt.Sprintf("%s is not recorded in environment %s", serviceKey, from), nil).WithResource(serviceKey)
	case !source.Service:
		return nil, NewPromotionPreconditionError(
			fmt.Sprintf("%s is not a service", serviceKey), nil).WithResource(serviceKey)
	case source.Status != state.StatusCreated:
		return nil, NewPromotionPreconditionError(
			fmt.Sprintf("%s is in status %s in %s; only created services promote", serviceKey, source.Status, from),
			nil).WithResource(serviceKey)
	}

	targetSnap, err := p.store.ReadSnapshot(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read state for %s: %w", to, err)
	}
	target := targetSnap.Resources[serviceKey]
	if target == nil || !target.Service {
		return nil, NewPromotionPreconditionError(
			fmt.Sprintf("%s has no service record in environment %s; apply there first", serviceKey, to),
			nil).WithResource(serviceKey)
	}

	adapter, err := p.registry.Lookup(source.Type)
	if err != nil {
		return nil, err
	}

	var inputs map[string]any
	if len(source.Inputs) > 0 {
		if err := json.Unmarshal(source.Inputs, &inputs); err != nil {
			return nil, NewInternalError("failed to decode recorded inputs", err).WithResource(serviceKey)
		}
	}

	// Only the deployment-update step runs. Adapters without a dedicated
	// deployment path get a plain apply of the promoted configuration.
	var applied *ApplyResult
	if deployer, ok := adapter.(DeploymentAdapter); ok {
		applied, err = deployer.UpdateDeployment(ctx, source.Type, target.ProviderID, source.ArtifactRef, inputs)
	} else {
		applied, err = adapter.Apply(ctx, source.Type, inputs)
	}
	if err != nil {
		return nil, NewProvisioningError("deployment update failed", err).WithResource(serviceKey)
	}

	previousID := target.DeploymentID
	updated := *target
	updated.Inputs = source.Inputs
	updated.InputsHash = source.InputsHash
	updated.ArtifactRef = source.ArtifactRef
	updated.DeploymentID = source.DeploymentID
	updated.Status = state.StatusCreated
	updated.StatusDetail = ""
	updated.UpdatedAt = time.Now().UTC()
	if applied != nil {
		if applied.ProviderID != "" {
			updated.ProviderID = applied.ProviderID
		}
		if applied.Outputs != nil {
			updated.Outputs = applied.Outputs
		}
	}

	// The deployment update already happened; the record of it must be
	// written even if ctx was cancelled while the adapter ran.
	targetSnap.Put(&updated)
	if _, err := p.store.WriteSnapshot(context.WithoutCancel(ctx), to, targetSnap, targetSnap.Version); err != nil {
		if errors.Is(err, state.ErrVersionConflict) {
			p.metrics.RecordVersionConflict(to)
			return nil, NewVersionConflictError("target state changed during promotion", err).
				WithEnvironment(to).WithResource(serviceKey)
		}
		return nil, fmt.Errorf("failed to persist promotion to %s: %w", to, err)
	}

	p.logger.Info().
		Str("service", serviceKey).
		Str("from", from).
		Str("to", to).
		Int64("deployment_id", source.DeploymentID).
		Int64("previous_deployment_id", previousID).
		Msg("Service promoted")

	return &PromotionResult{
		Service:              serviceKey,
		From:                 from,
		To:                   to,
		DeploymentID:         source.DeploymentID,
		PreviousDeploymentID: previousID,
		ArtifactRef:          source.ArtifactRef,
	}, nil
}

// PromoteAll promotes each listed service independently and aggregates
// the outcomes. An empty list promotes every service recorded in the
// source environment.
func (p *Promoter) PromoteAll(ctx context.Context, services []string, from, to string) (*PromotionReport, error) {
	if len(services) == 0 {
		snap, err := p.store.ReadSnapshot(ctx, from)
		if err != nil {
			return nil, fmt.Errorf("failed to read state for %s: %w", from, err)
		}
		for _, key := range sortedRecordKeys(snap) {
			rec := snap.Resources[key]
			if rec.Service && rec.Status != state.StatusDeleted {
				services = append(services, key)
			}
		}
	}

	report := &PromotionReport{From: from, To: to}
	for _, service := range services {
		result, err := p.Promote(ctx, service, from, to)
		if err != nil {
			report.Failures = append(report.Failures, PromotionFailure{Service: service, Error: err.Error()})
			continue
		}
		report.Results = append(report.Results, *result)
	}
	return report, nil
}
