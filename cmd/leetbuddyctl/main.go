// leetbuddyctl is the control CLI for leetbuddyd.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"leetbuddy/internal/config"
	"leetbuddy/internal/ipc"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "daemon socket (overrides config)")
	jsonOutput = flag.Bool("json", false, "print responses as JSON")
	timeout    = flag.Duration("timeout", 10*time.Second, "request timeout")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	if cmd == "help" {
		usage()
		return
	}
	if cmd == "version" {
		fmt.Println("leetbuddyctl", Version)
		return
	}

	run, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	client, err := connect()
	if err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintln(os.Stderr, "Error: leetbuddyd is not running")
			fmt.Fprintln(os.Stderr, "  Start it with: leetbuddyd")
		} else {
			fmt.Fprintf(os.Stderr, "Error: cannot connect to daemon: %v\n", err)
		}
		os.Exit(1)
	}
	defer client.Close()

	if err := run(client, args); err != nil {
		var usageErr usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(os.Stderr, "Usage: leetbuddyctl %s\n", usageErr)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		client.Close()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `leetbuddyctl - Control utility for leetbuddyd

Usage: leetbuddyctl [options] <command> [args]

Commands:
  status                      Show daemon status and the current problem
  history [slug]              Print submission history
  clear [slug]                Delete one problem's history, or all of it
  stats                       Print per-topic statistics
  page <url> [title] [result] Simulate a tab loading a page
  watch [event...]            Print daemon events until interrupted
  panel                       Show the panel's save flow
  stop <sec>                  Stop the stopwatch and open the save dialog
  save <sec>                  Confirm the open save dialog
  cancel                      Dismiss the open save dialog
  open-panel [tab]            Ask connected panels to open
  chat <text>                 Send a message to the coach
  hint <kind>                 Ask for a hint (dsa, pattern, complexity, example)
  turns                       Print the chat transcript
  version                     Print version
  help                        Show this help message

Options:
  -config <path>    Path to config file
  -socket <path>    Daemon socket (overrides config)
  -json             Print responses as JSON
  -timeout <dur>    Request timeout (default 10s)`)
}

func resolveSocket() (string, error) {
	if *socketPath != "" {
		return *socketPath, nil
	}
	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.IPC.SocketPath, nil
}

func connect() (*ipc.IPCClient, error) {
	socket, err := resolveSocket()
	if err != nil {
		return nil, err
	}
	cfg := ipc.DefaultClientConfig(socket)
	cfg.ClientVersion = Version
	cfg.RequestTimeout = *timeout

	client := ipc.NewClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), *timeout)
}

// printJSON writes v indented when -json is set and reports whether it did.
func printJSON(v any) bool {
	if !*jsonOutput {
		return false
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: encode output: %v\n", err)
	}
	return true
}
