package shared

import "context"

// Capability is an atomic action an actor may perform on a movement document.
type Capability string

const (
	// CapSubmit allows submitting a draft for review.
	CapSubmit Capability = "document.submit"
	// CapApprove allows approving a QC-pending document.
	CapApprove Capability = "document.approve"
	// CapReject allows rejecting a QC-pending document.
	CapReject Capability = "document.reject"
	// CapPost allows posting an approved document to the ERP.
	CapPost Capability = "document.post"
	// CapCancel allows cancelling a non-posted document.
	CapCancel Capability = "document.cancel"
)

// Role is a named grouping of capabilities.
type Role string

const (
	// RoleOperator creates and submits documents on the warehouse floor.
	RoleOperator Role = "operator"
	// RoleQC reviews submitted documents.
	RoleQC Role = "qc"
	// RoleSupervisor holds every capability including posting.
	RoleSupervisor Role = "supervisor"
	// RoleSystem is the background worker identity. It holds every
	// capability so reconciliation can resolve parked documents.
	RoleSystem Role = "system"
)

var roleCapabilities = map[Role][]Capability{
	RoleOperator:   {CapSubmit, CapCancel},
	RoleQC:         {CapApprove, CapReject},
	RoleSupervisor: {CapSubmit, CapApprove, CapReject, CapPost, CapCancel},
	RoleSystem:     {CapSubmit, CapApprove, CapReject, CapPost, CapCancel},
}

// SystemActor returns the identity used by background jobs.
func SystemActor() Actor {
	return NewActor("system", "system", RoleSystem, "")
}

// Actor is the authenticated identity carried on every engine call.
// It is resolved once per request by middleware; the engine holds no
// process-wide session state.
type Actor struct {
	ID     string
	Name   string
	Role   Role
	Branch string
	caps   map[Capability]struct{}
}

// NewActor builds an Actor with the capability set resolved from its role.
func NewActor(id, name string, role Role, branch string) Actor {
	caps := make(map[Capability]struct{})
	for _, c := range roleCapabilities[role] {
		caps[c] = struct{}{}
	}
	return Actor{ID: id, Name: name, Role: role, Branch: branch, caps: caps}
}

// Can reports whether the actor holds the capability.
func (a Actor) Can(c Capability) bool {
	_, ok := a.caps[c]
	return ok
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
