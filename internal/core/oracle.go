package core

import (
	"context"
	"fmt"
	"time"
)

// ResourceKind groups resources the oracle can be asked about.
type ResourceKind string

const (
	ResourceIdentity   ResourceKind = "identity"
	ResourceRoom       ResourceKind = "room"
	ResourceGroup      ResourceKind = "group"
	ResourceCapability ResourceKind = "capability"
)

// Resource is what a subject wants access to.
type Resource struct {
	Kind ResourceKind
	ID   string
}

func (r Resource) String() string {
	return string(r.Kind) + ":" + r.ID
}

// Capability is shorthand for a capability resource.
func Capability(ref string) Resource {
	return Resource{Kind: ResourceCapability, ID: ref}
}

// Oracle is the external authorization check (token balance, NFT ownership
// and the like). It may be slow and may fail.
type Oracle interface {
	Verify(ctx context.Context, subject Identity, res Resource) (bool, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, subject Identity, res Resource) (bool, error)

// Verify calls f.
func (f OracleFunc) Verify(ctx context.Context, subject Identity, res Resource) (bool, error) {
	return f(ctx, subject, res)
}

// AllowAll authorizes everything.
var AllowAll Oracle = OracleFunc(func(context.Context, Identity, Resource) (bool, error) {
	return true, nil
})

// Authorize asks o about subject and res. Both a denial and an oracle failure
// come back as ErrUnauthorized.
func Authorize(ctx context.Context, o Oracle, timeout time.Duration, subject Identity, res Resource) error {
	if o == nil {
		return fmt.Errorf("%w: no oracle configured", ErrUnauthorized)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ok, err := o.Verify(ctx, subject, res)
	if err != nil {
		return fmt.Errorf("%w: %s on %s: %v", ErrUnauthorized, subject, res, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnauthorized, subject, res)
	}
	return nil
}
