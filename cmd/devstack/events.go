package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	devstack "github.com/devstack-sh/devstack/client"
)

// runEvents streams an environment's event log to stdout until
// interrupted.
func runEvents(args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	logs := fs.Bool("logs", false, "include service log output")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: devstack events [--logs] <project>")
	}

	c, err := devstack.Connect()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	ch, errFn := c.Events(ctx, fs.Arg(0), devstack.StreamOptions{IncludeLogs: *logs})
	for ev := range ch {
		printEvent(ev)
	}
	if err := errFn(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func printEvent(ev devstack.Event) {
	ts := ev.Timestamp.Format("15:04:05")

	switch {
	case ev.Type == "service.log" && ev.Log != nil:
		for _, line := range strings.Split(strings.TrimRight(ev.Log.Data, "\n"), "\n") {
			fmt.Printf("%s  %-24s %s | %s\n", ts, ev.Service, ev.Log.Stream, line)
		}
	case ev.Type == "operation.progress":
		fmt.Printf("%s  %-24s [%3d%%] %s\n", ts, ev.Type, ev.Progress, ev.Message)
	case ev.Error != "":
		fmt.Printf("%s  %-24s %s %s\n", ts, ev.Type, ev.Service, ev.Error)
	case ev.Service != "":
		fmt.Printf("%s  %-24s %s\n", ts, ev.Type, ev.Service)
	default:
		fmt.Printf("%s  %-24s %s\n", ts, ev.Type, ev.Message)
	}
}
