package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"

	devstack "github.com/devstack-sh/devstack/client"
)

// runLifecycle handles start, stop and restart, which share a shape:
// one project argument and no payload beyond the operation type.
func runLifecycle(op string, args []string) error {
	fs := flag.NewFlagSet(op, flag.ExitOnError)
	detach := fs.Bool("detach", false, "return immediately instead of waiting")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: devstack %s [--detach] <project>", op)
	}

	return startAndFollow(fs.Arg(0), devstack.OperationRequest{Type: op}, *detach)
}

// runScale converges one service to a replica count.
func runScale(args []string) error {
	fs := flag.NewFlagSet("scale", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 3 {
		return fmt.Errorf("usage: devstack scale <project> <service> <replicas>")
	}
	replicas, err := strconv.Atoi(fs.Arg(2))
	if err != nil {
		return fmt.Errorf("replicas: %w", err)
	}

	return startAndFollow(fs.Arg(0), devstack.OperationRequest{
		Type:     "scale",
		Service:  fs.Arg(1),
		Replicas: replicas,
	}, false)
}

// runBackup backs up the environment's persistent volumes.
func runBackup(args []string) error {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: devstack backup <project>")
	}

	return startAndFollow(fs.Arg(0), devstack.OperationRequest{Type: "backup"}, false)
}

// runRestore restores volumes from a backup archive.
func runRestore(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 2 {
		return fmt.Errorf("usage: devstack restore <project> <archive>")
	}

	return startAndFollow(fs.Arg(0), devstack.OperationRequest{
		Type:    "restore",
		Archive: fs.Arg(1),
	}, false)
}

func startAndFollow(project string, req devstack.OperationRequest, detach bool) error {
	c, err := devstack.Connect()
	if err != nil {
		return err
	}

	ctx := context.Background()
	opID, err := c.StartOperation(ctx, project, req)
	if err != nil {
		return err
	}

	fmt.Printf("%s: operation %s\n", req.Type, opID)
	if detach {
		return nil
	}

	op, err := c.WaitOperation(ctx, project, opID)
	if err != nil {
		return err
	}
	for _, line := range op.Log {
		fmt.Println("  " + line)
	}
	fmt.Printf("%s %s\n", req.Type, op.Status)
	return nil
}
