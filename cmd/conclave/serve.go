package main

import (
	"fmt"

	"github.com/vinayprograms/conclave/internal/transport"
)

// Run serves the local workers over NATS until interrupted. Remote workers
// are never re-exported.
func (c *ServeCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	rt := newRuntime(cfg, globalCreds, runtimeOptions{})
	defer rt.cleanup()
	if err := rt.setup(ctx); err != nil {
		return err
	}
	if rt.registry.Len() == 0 {
		return fmt.Errorf("no workers available to serve")
	}

	url := c.URL
	if url == "" {
		url = cfg.Remote.URL
	}
	conn, err := rt.connect(url)
	if err != nil {
		return err
	}

	srv := transport.NewServer(conn, rt.registry, cfg.Remote.Prefix, cfg.Remote.Queue)
	if err := srv.Serve(ctx, c.Workers...); err != nil {
		_ = srv.Close()
		return err
	}
	rt.logger.Info("serving workers", map[string]interface{}{
		"url":     conn.ConnectedUrl(),
		"workers": rt.registry.Len(),
	})

	<-ctx.Done()
	if err := srv.Close(); err != nil {
		return err
	}
	return conn.Drain()
}
