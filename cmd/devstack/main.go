package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "up":
		err = runUp(args)
	case "down":
		err = runDown(args)
	case "ls":
		err = runLs(args)
	case "status":
		err = runStatus(args)
	case "start", "stop", "restart":
		err = runLifecycle(cmd, args)
	case "scale":
		err = runScale(args)
	case "backup":
		err = runBackup(args)
	case "restore":
		err = runRestore(args)
	case "events":
		err = runEvents(args)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "devstack: unknown command %q\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "devstack %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: devstack <command> [flags]

Commands:
  up      <config>          Create an environment from a config file
  down    <project>         Destroy an environment
  ls                        List active environments
  status  <project>         Show environment status
  start   <project>         Start a stopped environment
  stop    <project>         Stop a running environment
  restart <project>         Restart an environment
  scale   <project> <service> <replicas>
                            Scale one service
  backup  <project>         Back up persistent volumes
  restore <project> <archive>
                            Restore volumes from an archive
  events  <project>         Stream lifecycle events

Run 'devstack <command> --help' for command-specific flags.
`)
}
