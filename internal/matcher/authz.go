package matcher

import "context"

// Authorizer answers whether a subscription's owner scope may see changes to
// a person. It is a capability check, yes or no; it never filters or redacts
// attributes inside an event.
type Authorizer interface {
	Authorize(ctx context.Context, ownerScope, personRef string) (bool, error)
}

// RegisterAuthorizer enforces the register's access rules locally:
// the owner scope must be one the register grants person-data access to,
// and persons with a verstrekkingsbeperking (supply restriction) are never
// exposed, regardless of scope. Both sets are loaded at startup; a remote
// policy service can replace this behind the same interface.
type RegisterAuthorizer struct {
	grantedScopes     map[string]struct{}
	restrictedPersons map[string]struct{}
}

func NewRegisterAuthorizer(grantedScopes, restrictedPersons []string) *RegisterAuthorizer {
	a := &RegisterAuthorizer{
		grantedScopes:     make(map[string]struct{}, len(grantedScopes)),
		restrictedPersons: make(map[string]struct{}, len(restrictedPersons)),
	}
	for _, s := range grantedScopes {
		a.grantedScopes[s] = struct{}{}
	}
	for _, p := range restrictedPersons {
		a.restrictedPersons[p] = struct{}{}
	}
	return a
}

func (a *RegisterAuthorizer) Authorize(ctx context.Context, ownerScope, personRef string) (bool, error) {
	_ = ctx
	if _, restricted := a.restrictedPersons[personRef]; restricted {
		return false, nil
	}
	_, ok := a.grantedScopes[ownerScope]
	return ok, nil
}
