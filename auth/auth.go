// Package auth implements the authorization policy hook the engine consults
// before taking any lock. Checks happen before locking or cloning, so a
// denial is always cheap and leaves no trace on the model.
package auth

// Identity is an opaque caller identity. How it is established (a context
// value, a connection-scoped token, a static process identity) is external
// to this package; the engine only ever compares it for equality or hands it
// to an Authorizer.
type Identity any

// Authorizer decides whether callerIdentity may execute operationType.
// operationType is typically a string naming the Command or Query (its type
// name or a caller-assigned tag); it is opaque to this package.
type Authorizer interface {
	Allows(operationType string, caller Identity) bool
}

// AllowAll is the default Authorizer: every operation is permitted. It is
// used whenever no authorizerFactory is configured and the model does not
// implement ModelAuthorizer itself.
type AllowAll struct{}

// Allows always returns true.
func (AllowAll) Allows(operationType string, caller Identity) bool {
	return true
}

// ModelAuthorizer is the capability a Model may optionally implement so that
// authorization rules can depend on live model state (for example, an
// access-control list stored in the model itself). Resolve checks for this
// capability via a type assertion rather than requiring the model to extend
// any base type, per the engine's "accept interfaces" discipline.
type ModelAuthorizer interface {
	Authorizer
}

// Resolve implements the engine's authorizer resolution order: if model
// implements ModelAuthorizer, use it so that rules can consult model state;
// otherwise fall back to fallback (typically AllowAll{} or a
// caller-configured default).
func Resolve(model any, fallback Authorizer) Authorizer {
	if a, ok := model.(ModelAuthorizer); ok {
		return a
	}
	return fallback
}
