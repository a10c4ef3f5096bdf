package gate

import (
	"context"

	"github.com/jmcleod/gatekeeper/adminsession"
	"github.com/jmcleod/gatekeeper/identity"
	"github.com/jmcleod/gatekeeper/routes"
)

type contextKey int

const callerKey contextKey = iota

// Caller is the resolved identity of a request that passed the gate.
type Caller struct {
	Session   identity.Session
	Account   identity.Account
	IP        string
	UserAgent string
	Route     *routes.RouteConfig
	// AdminSession is set on admin-tier routes.
	AdminSession *adminsession.Session
}

func withCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// CallerFromContext returns the caller stored by the gate, if any.
func CallerFromContext(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(callerKey).(*Caller)
	return c, ok && c != nil
}
