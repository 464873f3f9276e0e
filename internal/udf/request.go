package udf

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/udfcore/internal/value"
)

// IdentityKind classifies who is calling.
type IdentityKind string

const (
	IdentitySystem  IdentityKind = "system"
	IdentityUser    IdentityKind = "user"
	IdentityUnknown IdentityKind = "unknown"
)

// Identity is the resolved caller identity. Resolution itself happens
// upstream; the core only carries the result.
type Identity struct {
	Kind    IdentityKind `json:"kind"`
	Subject string       `json:"subject,omitempty"`
	Issuer  string       `json:"issuer,omitempty"`
}

// System returns the identity used for trusted internal calls.
func System() Identity {
	return Identity{Kind: IdentitySystem}
}

// User returns an authenticated user identity.
func User(subject, issuer string) Identity {
	return Identity{Kind: IdentityUser, Subject: subject, Issuer: issuer}
}

// IsSystem reports whether the identity is the system identity.
func (i Identity) IsSystem() bool {
	return i.Kind == IdentitySystem
}

// Value renders the identity as seen by function code through
// 1.0/getUserIdentity. Only user identities are visible; everything else
// is null.
func (i Identity) Value() value.Value {
	if i.Kind != IdentityUser {
		return value.Null{}
	}
	return value.Object{
		"subject":         value.String(i.Subject),
		"issuer":          value.String(i.Issuer),
		"tokenIdentifier": value.String(i.Issuer + "|" + i.Subject),
	}
}

// AllowedVisibility bounds which functions a request may invoke.
type AllowedVisibility string

const (
	// PublicOnly admits only functions declared public.
	PublicOnly AllowedVisibility = "public_only"
	// AllVisibility admits public and internal functions.
	AllVisibility AllowedVisibility = "all"
)

// FunctionCaller classifies how the request entered the system.
type FunctionCaller string

const (
	CallerHTTPAPI    FunctionCaller = "http_api"
	CallerSyncWorker FunctionCaller = "sync_worker"
	CallerAction     FunctionCaller = "action"
	CallerCron       FunctionCaller = "cron"
	CallerTest       FunctionCaller = "test"
)

// RequestContext carries correlation data for one logical request.
// It is created once and never modified.
type RequestContext struct {
	RequestID          string `json:"request_id"`
	ParentScheduledJob string `json:"parent_scheduled_job,omitempty"`
}

// NewRequestContext returns a context with a fresh time-ordered request id.
func NewRequestContext() RequestContext {
	return RequestContext{RequestID: uuid.Must(uuid.NewV7()).String()}
}

// WithParentJob returns a copy of rc attributed to a scheduled job.
func (rc RequestContext) WithParentJob(jobID string) RequestContext {
	rc.ParentScheduledJob = jobID
	return rc
}

// MutationRequest is everything needed to execute one mutation.
type MutationRequest struct {
	Path       FunctionPath
	Args       value.Array
	Identity   Identity
	Visibility AllowedVisibility
	Caller     FunctionCaller
	Context    RequestContext
}

// Validate checks the fields that have no sensible zero value.
func (r MutationRequest) Validate() error {
	if r.Path.Module == "" || r.Path.Export == "" {
		return fmt.Errorf("mutation request: function path is required")
	}
	switch r.Visibility {
	case PublicOnly, AllVisibility:
	default:
		return fmt.Errorf("mutation request: unknown visibility %q", r.Visibility)
	}
	if r.Context.RequestID == "" {
		return fmt.Errorf("mutation request: request id is required")
	}
	return nil
}
