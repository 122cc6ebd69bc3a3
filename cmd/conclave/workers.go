package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/vinayprograms/conclave/internal/worker"
)

// Run lists the workers the chat command would start with.
func (c *WorkersCmd) Run(g *Globals) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	rt := newRuntime(cfg, globalCreds, runtimeOptions{remote: !c.NoRemote})
	defer rt.cleanup()
	if err := rt.setup(ctx); err != nil {
		return err
	}
	printWorkers(os.Stdout, rt.registry.Descriptors(), rt.failed)
	return nil
}

// printWorkers writes one line per worker, ready ones first.
func printWorkers(w io.Writer, ready []worker.Descriptor, failed map[string]error) {
	for _, d := range ready {
		caps := make([]string, len(d.Capabilities))
		for i, c := range d.Capabilities {
			caps[i] = string(c)
		}
		fmt.Fprintf(w, "%-12s ready        [%s]\n", d.Name, strings.Join(caps, ", "))
	}
	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%-12s unavailable  %v\n", name, failed[name])
	}
	if len(ready) == 0 && len(failed) == 0 {
		fmt.Fprintln(w, "No workers configured.")
	}
}
