// Package taskgroup is a small sync.WaitGroup-based supervisor: spawn a
// set of goroutines, wait for all of them to exit, and surface the first
// non-nil error any of them returned. It plays the role of the
// background/callback task groups from the routing contract's lifespan
// composition, grounded on the teacher's wg.Go-based goroutine
// supervision in framework/event/amqp.go, generalized from "one
// subscriber loop" to "an arbitrary set of supervised goroutines" and
// given error reporting via an error channel, in the style of
// cuemby-warren's worker supervision.
package taskgroup

import "sync"

// Group supervises a set of goroutines started with Go, collecting the
// first error any of them returns.
type Group struct {
	wg    sync.WaitGroup
	errCh chan error
}

// New creates an empty Group.
func New() *Group {
	return &Group{errCh: make(chan error, 1)}
}

// Go starts fn in its own goroutine, tracked by the group.
func (g *Group) Go(fn func() error) {
	g.wg.Go(func() {
		if err := fn(); err != nil {
			select {
			case g.errCh <- err:
			default:
			}
		}
	})
}

// Wait blocks until every goroutine started with Go has returned, then
// returns the first non-nil error reported, or nil if none was.
func (g *Group) Wait() error {
	g.wg.Wait()

	select {
	case err := <-g.errCh:
		return err
	default:
		return nil
	}
}
