// Package deploy implements the Deployment Orchestrator: the
// idempotent, resumable five-step pipeline that moves a Configuration
// from "deploying" to "deployed" by building its bundle, publishing it to
// the content-addressed object store, and writing the resulting content
// identifier on-chain via the Project Registry Client.
package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/daloraclehub/dalcore/internal/apperrors"
	"github.com/daloraclehub/dalcore/internal/bundle"
	"github.com/daloraclehub/dalcore/internal/configstore"
	"github.com/daloraclehub/dalcore/internal/eventbus"
	"github.com/daloraclehub/dalcore/internal/identity"
	"github.com/daloraclehub/dalcore/internal/objectstore"
	"github.com/daloraclehub/dalcore/internal/registry"
	"github.com/daloraclehub/dalcore/internal/store"
)

// Deployment intent states, mirrored from internal/store's text column so
// this package can reason about them without importing store's SQL layer
// details beyond the DeploymentIntent struct.
const (
	StatePending    = "pending"
	StateBundling   = "bundling"
	StatePublishing = "publishing"
	StateAnnouncing = "announcing"
	StateConfirmed  = "confirmed"
	StateFailed     = "failed"
)

// Intents is the subset of internal/store's Store this package depends on,
// narrowed to a seam for testing without a real sqlite file.
type Intents interface {
	InsertDeploymentIntent(project, idempotencyKey string) (*store.DeploymentIntent, error)
	GetDeploymentIntentByKey(idempotencyKey string) (*store.DeploymentIntent, error)
	AdvanceDeploymentIntent(id int64, state, bundleDigest string) error
	FailDeploymentIntent(id int64, lastError string) error
}

// Orchestrator runs the deployment pipeline for a project's Configuration.
type Orchestrator struct {
	configs *configstore.Store
	builder *bundle.Builder
	objects objectstore.Client
	reg     *registry.Client
	intents Intents
	bus     *eventbus.Bus
	roles   *identity.Resolver
	self    string // the identity this conductor instance operates as
}

// New constructs an Orchestrator wiring every external-service client it
// drives through its already-resilient (retry/breaker-wrapped) form. self is
// the identity this conductor instance signs governance transactions as
// (cfg.Signer.Identity); Deploy authorizes against it as the would-be
// coordinator before doing any work.
func New(configs *configstore.Store, builder *bundle.Builder, objects objectstore.Client, reg *registry.Client, intents Intents, bus *eventbus.Bus, roles *identity.Resolver, self string) *Orchestrator {
	return &Orchestrator{configs: configs, builder: builder, objects: objects, reg: reg, intents: intents, bus: bus, roles: roles, self: self}
}

// Deploy runs the five-step deployment pipeline for projectID, identified
// by idempotencyKey. A call with the same key resumes from the last
// completed step rather than restarting; a second concurrent call with a
// different key for the same project is rejected by the Configuration
// Store's deploying-state mutation guard upstream (the status transition
// into "deploying" is the caller's responsibility, made once per attempt).
//
// Before touching anything it checks that self is the project's
// coordinator and that the Configuration is structurally complete enough
// to deploy (required extension fields present, at least one workflow, at
// least one training dataset when the active-learning extension is
// active) — rejecting an unauthorized or malformed deploy before a
// deployment intent is even recorded.
func (o *Orchestrator) Deploy(ctx context.Context, projectID, idempotencyKey string) error {
	isCoordinator, err := o.roles.IsCoordinator(projectID, o.self)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "resolve coordinator role")
	}
	if !isCoordinator {
		return apperrors.PermissionDenied(fmt.Sprintf("identity %s is not the coordinator for project %s", o.self, projectID))
	}

	cfg, err := o.configs.Get(projectID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInvalidInput, "load configuration for deployment")
	}
	if err := configstore.Validate(cfg); err != nil {
		return err
	}

	intent, err := o.intents.InsertDeploymentIntent(projectID, idempotencyKey)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "record deployment intent")
	}

	var (
		b         bundle.Bundle
		contentID string
	)

	switch intent.State {
	case StatePending:
		b, err = o.buildAndRecord(intent.ID, cfg)
		if err != nil {
			return o.fail(intent.ID, projectID, err)
		}
		fallthrough
	case StateBundling:
		if b.Files == nil {
			b, err = o.builder.Build(cfg)
			if err != nil {
				return o.fail(intent.ID, projectID, apperrors.Wrap(err, apperrors.ErrorTypePermanent, "rebuild bundle on resume"))
			}
		}
		contentID, err = o.publishAndRecord(ctx, intent.ID, b)
		if err != nil {
			return o.fail(intent.ID, projectID, err)
		}
		fallthrough
	case StatePublishing:
		if contentID == "" {
			contentID = intent.BundleDigest
		}
		if err := o.verifyReachable(ctx, contentID); err != nil {
			return o.fail(intent.ID, projectID, err)
		}
		if err := o.announce(ctx, projectID, contentID); err != nil {
			return o.fail(intent.ID, projectID, err)
		}
		if err := o.intents.AdvanceDeploymentIntent(intent.ID, StateAnnouncing, ""); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "advance intent to announcing")
		}
		fallthrough
	case StateAnnouncing:
		if _, err := o.configs.AdvanceFromDeploying(projectID, configstore.StatusDeployed); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternalInvariant, "transition configuration to deployed")
		}
		if err := o.intents.AdvanceDeploymentIntent(intent.ID, StateConfirmed, ""); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "advance intent to confirmed")
		}
		if o.bus != nil {
			o.bus.Publish(eventbus.TopicDeploymentStatus, projectID, map[string]any{"state": StateConfirmed})
		}
		return nil
	case StateConfirmed:
		return nil
	case StateFailed:
		return apperrors.Permanent(errors.New(intent.LastError), "deployment previously failed; operator must reset configuration to configured before retrying")
	default:
		return apperrors.InternalInvariant("unknown deployment intent state: " + intent.State)
	}
}

// buildAndRecord builds the bundle and records its digest as the
// intent's idempotency anchor. It always builds; it does not look up or
// reuse an earlier build.
func (o *Orchestrator) buildAndRecord(intentID int64, cfg configstore.Configuration) (bundle.Bundle, error) {
	b, err := o.builder.Build(cfg)
	if err != nil {
		return bundle.Bundle{}, apperrors.Wrap(err, apperrors.ErrorTypePermanent, "build deployment bundle")
	}
	if err := o.intents.AdvanceDeploymentIntent(intentID, StateBundling, b.Digest()); err != nil {
		return bundle.Bundle{}, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "record bundle digest")
	}
	return b, nil
}

// publishAndRecord uploads the bundle to the object store and pins it.
// It overwrites the intent's bundle_digest column with the object store's
// own content identifier — the single string column doubles as "last
// known identifier for this step" across bundling and publishing, so a
// resumed deployment always reads the right value for its current state.
func (o *Orchestrator) publishAndRecord(ctx context.Context, intentID int64, b bundle.Bundle) (string, error) {
	contentID, err := o.objects.Put(ctx, b.Files)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeTransient, "publish bundle to object store")
	}
	if err := o.objects.Pin(ctx, contentID); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeTransient, "pin published bundle")
	}
	if err := o.intents.AdvanceDeploymentIntent(intentID, StatePublishing, contentID); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeTransient, "record published content id")
	}
	return contentID, nil
}

// verifyReachable confirms the object store actually serves contentID
// before announcing it on-chain — an on-chain identifier that resolves to
// nothing would be a silent, unrecoverable invariant violation.
func (o *Orchestrator) verifyReachable(ctx context.Context, contentID string) error {
	ok, err := o.objects.Exists(ctx, contentID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "verify bundle reachability")
	}
	if !ok {
		return apperrors.Transient(errors.New("published bundle not yet reachable"), "verify bundle reachability")
	}
	return nil
}

// announce writes the content identifier on-chain and records it back
// onto the Configuration for later reads (UI, re-export).
func (o *Orchestrator) announce(ctx context.Context, projectID, contentID string) error {
	if err := o.reg.WriteContentIdentifier(ctx, projectID, contentID, registry.ContentKindBundle); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "write content identifier on-chain")
	}
	if _, err := o.configs.SetContentIdentifiers(projectID, configstore.ContentIdentifiers{Bundle: contentID}); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternalInvariant, "record content identifier locally")
	}
	return nil
}

// fail marks the deployment intent and Configuration failed, publishing a
// failure event carrying the step identifier.
func (o *Orchestrator) fail(intentID int64, projectID string, cause error) error {
	_ = o.intents.FailDeploymentIntent(intentID, cause.Error())
	if apperrors.IsType(cause, apperrors.ErrorTypePermanent) || apperrors.IsType(cause, apperrors.ErrorTypeInternalInvariant) {
		_, _ = o.configs.AdvanceFromDeploying(projectID, configstore.StatusFailed)
	}
	if o.bus != nil {
		o.bus.Publish(eventbus.TopicDeploymentStatus, projectID, map[string]any{"state": StateFailed, "error": cause.Error()})
	}
	return cause
}
