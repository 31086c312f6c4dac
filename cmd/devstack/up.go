package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	devstack "github.com/devstack-sh/devstack/client"
	"github.com/devstack-sh/devstack/spec"
)

// runUp creates an environment from a config file and follows the
// create operation to completion.
func runUp(args []string) error {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	detach := fs.Bool("detach", false, "return immediately instead of waiting for the environment")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: devstack up [--detach] <config file>")
	}

	cfg, err := spec.LoadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	c, err := devstack.Connect()
	if err != nil {
		return err
	}

	ctx := context.Background()
	res, err := c.CreateEnvironment(ctx, cfg)
	if err != nil {
		return err
	}

	fmt.Printf("creating %s (operation %s)\n", res.Project, res.Operation)
	if *detach {
		return nil
	}

	if err := followOperation(ctx, c, res.Project, res.Operation); err != nil {
		return err
	}
	fmt.Printf("%s is up\n", res.Project)
	return nil
}

// followOperation streams the operation's progress events to stdout and
// returns the terminal result.
func followOperation(ctx context.Context, c *devstack.Client, project, opID string) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, _ := c.Events(streamCtx, project, devstack.StreamOptions{})
	for ev := range ch {
		if ev.Operation != opID {
			continue
		}
		switch ev.Type {
		case "operation.progress":
			fmt.Printf("  [%3d%%] %s\n", ev.Progress, ev.Message)
		case "operation.completed":
			return nil
		case "operation.failed":
			return fmt.Errorf("%s", ev.Error)
		}
	}

	// Stream ended early (daemon restart, network blip) — fall back to
	// polling the operation record.
	op, err := c.WaitOperation(ctx, project, opID)
	if err != nil {
		return err
	}
	if op.Status == "failed" {
		return fmt.Errorf("%s", op.Error)
	}
	return nil
}

// runDown destroys an environment.
func runDown(args []string) error {
	fs := flag.NewFlagSet("down", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: devstack down <project>")
	}
	project := fs.Arg(0)

	c, err := devstack.Connect()
	if err != nil {
		return err
	}

	if err := c.DestroyEnvironment(context.Background(), project); err != nil {
		return err
	}
	fmt.Printf("%s destroyed\n", project)
	return nil
}

// runLs lists active environments.
func runLs(args []string) error {
	c, err := devstack.Connect()
	if err != nil {
		return err
	}

	envs, err := c.ListEnvironments(context.Background())
	if err != nil {
		return err
	}
	if len(envs) == 0 {
		fmt.Fprintln(os.Stderr, "no active environments")
		return nil
	}
	for project, state := range envs {
		fmt.Printf("%-24s %s\n", project, state)
	}
	return nil
}
