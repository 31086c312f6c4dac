package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/go-units"

	devstack "github.com/devstack-sh/devstack/client"
)

// runStatus prints the environment's status snapshot.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: devstack status <project>")
	}

	c, err := devstack.Connect()
	if err != nil {
		return err
	}

	st, err := c.Status(context.Background(), fs.Arg(0))
	if err != nil {
		return err
	}

	fmt.Printf("%s  state=%s", st.Project, st.State)
	if st.Uptime.Duration > 0 {
		fmt.Printf("  up %s", st.Uptime.Duration.Round(1e9))
	}
	if st.Health != nil {
		fmt.Printf("  health=%s", st.Health.Overall)
	}
	fmt.Println()

	if len(st.StartOrder) > 0 {
		fmt.Printf("  start order: %s\n", strings.Join(st.StartOrder, " -> "))
	}

	names := make([]string, 0, len(st.Services))
	for name := range st.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		svc := st.Services[name]
		line := fmt.Sprintf("  %-20s %-10s %-10s", name, svc.State, svc.Health)
		if svc.Metrics != nil {
			line += fmt.Sprintf("  cpu %.1f%%  mem %s", svc.Metrics.CPUPercent,
				units.BytesSize(float64(svc.Metrics.MemoryUsed)))
		}
		if svc.Error != "" {
			line += "  " + svc.Error
		}
		fmt.Println(line)
	}

	if st.Health != nil {
		for _, issue := range st.Health.Issues {
			fmt.Printf("  ! %s %s: %s\n", issue.Severity, issue.Service, issue.Message)
		}
	}
	return nil
}
