// Package pause implements named pause points for deterministic interleaving
// in tests.
//
// Code under test calls Client.Wait at a labelled point. In production the
// client is the zero value and Wait returns immediately. A test creates a
// Controller for the labels it cares about, hands the Client to the code
// under test, and then uses WaitForBlocked to rendezvous with each hit:
//
//	ctrl, client := pause.NewController(occ.PauseRetryLoopStart)
//	go run(client)
//	guard, _ := ctrl.WaitForBlocked(ctx, occ.PauseRetryLoopStart)
//	// ... interleave other work while run is blocked ...
//	guard.Unpause()
//
// Every hit of a registered label blocks until a matching WaitForBlocked and
// Unpause. Labels that were not registered never block.
package pause

import (
	"context"
	"fmt"
	"sync"
)

// Controller owns a set of pause points.
type Controller struct {
	points map[string]*point
	done   chan struct{}
	once   sync.Once
}

type point struct {
	blocked chan chan struct{}
}

// Client is the side of a pause point held by the code under test.
// The zero value never blocks.
type Client struct {
	ctrl *Controller
}

// Guard represents one blocked hit of a pause point.
type Guard struct {
	label  string
	resume chan struct{}
	once   sync.Once
}

// NewController registers labels and returns the controller plus the client
// to pass to the code under test.
func NewController(labels ...string) (*Controller, Client) {
	c := &Controller{
		points: make(map[string]*point, len(labels)),
		done:   make(chan struct{}),
	}
	for _, label := range labels {
		c.points[label] = &point{blocked: make(chan chan struct{})}
	}
	return c, Client{ctrl: c}
}

// NoopClient returns a client that never blocks.
func NoopClient() Client {
	return Client{}
}

// Wait blocks at label until the controller unpauses it, the controller is
// closed, or ctx is done. It is a no-op for unregistered labels.
func (c Client) Wait(ctx context.Context, label string) error {
	if c.ctrl == nil {
		return nil
	}
	p, ok := c.ctrl.points[label]
	if !ok {
		return nil
	}

	resume := make(chan struct{})
	select {
	case p.blocked <- resume:
	case <-c.ctrl.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pause point %s: %w", label, context.Cause(ctx))
	}

	select {
	case <-resume:
		return nil
	case <-c.ctrl.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pause point %s: %w", label, context.Cause(ctx))
	}
}

// WaitForBlocked waits until some client is blocked at label and returns a
// guard that releases it.
func (c *Controller) WaitForBlocked(ctx context.Context, label string) (*Guard, error) {
	p, ok := c.points[label]
	if !ok {
		return nil, fmt.Errorf("pause point %s is not registered", label)
	}
	select {
	case resume := <-p.blocked:
		return &Guard{label: label, resume: resume}, nil
	case <-c.done:
		return nil, fmt.Errorf("pause point %s: controller closed", label)
	case <-ctx.Done():
		return nil, fmt.Errorf("pause point %s: %w", label, context.Cause(ctx))
	}
}

// Close disables every pause point. Blocked and future Wait calls return
// immediately.
func (c *Controller) Close() {
	c.once.Do(func() { close(c.done) })
}

// Label returns the pause point this guard holds.
func (g *Guard) Label() string {
	return g.label
}

// Unpause releases the blocked client. Calling it more than once is a no-op.
func (g *Guard) Unpause() {
	g.once.Do(func() { close(g.resume) })
}
