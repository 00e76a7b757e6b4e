package virtnvme

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/virtnvme/virtnvme/backend"
)

// Control runs an assembled controller and owns its lifetime.
type Control struct {
	l       *logrus.Logger
	ctrl    *Controller
	backend backend.Controller
	cancel  context.CancelFunc

	statsStart func()
	debugStart func()
}

// Start brings the backend up and starts watching the host registers.
// This is a nonblocking call. To block use Control.ShutdownBlock().
func (c *Control) Start() error {
	if err := c.backend.Start(); err != nil {
		return err
	}

	// Call all the delayed funcs that waited patiently for the controller to be created.
	if c.statsStart != nil {
		go c.statsStart()
	}
	if c.debugStart != nil {
		go c.debugStart()
	}

	c.ctrl.Run()
	return nil
}

// Stop signals the controller to shutdown, returns after the shutdown
// is complete.
func (c *Control) Stop() {
	c.cancel()
	c.ctrl.Shutdown()
	c.backend.Stop()
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt
// signals, calling Control.Stop() once signalled.
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// Controller exposes the running controller for introspection.
func (c *Control) Controller() *Controller { return c.ctrl }
