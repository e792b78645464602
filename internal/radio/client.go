package radio

import (
	"context"
	"time"
)

// Client binds a requester identity to an arbiter so a stack can only demand
// radio time under its own name. The coexistence layer hands one Client to
// each stack; neither can impersonate the other in fairness accounting.
type Client struct {
	arb       *Arbiter
	requester Requester
}

// NewClient creates a client for the given requester identity.
func NewClient(arb *Arbiter, requester Requester) *Client {
	return &Client{arb: arb, requester: requester}
}

func (c *Client) Requester() Requester { return c.requester }

// Acquire requests a lease under the client's identity. Semantics are those
// of Arbiter.Request.
func (c *Client) Acquire(ctx context.Context, budget time.Duration) (*Lease, error) {
	return c.arb.Request(ctx, c.requester, budget)
}
