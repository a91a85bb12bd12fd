package audit

import "context"

type contextKey struct{ name string }

var clientKey = contextKey{"client"}

// Client identifies the caller of a request for audit records.
type Client struct {
	IP        string
	UserAgent string
}

// WithClient returns a context carrying the caller's address and user agent.
func WithClient(ctx context.Context, ip, userAgent string) context.Context {
	return context.WithValue(ctx, clientKey, Client{IP: ip, UserAgent: userAgent})
}

// ClientFrom returns the client stored by WithClient.
func ClientFrom(ctx context.Context) (Client, bool) {
	c, ok := ctx.Value(clientKey).(Client)
	return c, ok
}
