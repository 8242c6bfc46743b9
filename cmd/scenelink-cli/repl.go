package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

const replHelp = `
scenelink interactive shell. Any line that does not start with "\" is sent
to the connected server as a command, e.g.

    LIST
    MOVE Cube1 0 0 100
    SET_MATERIAL Chair_01 1 /Game/Materials/M_Metal.M_Metal
    py print(scene.Actors())

The client follows SWITCH:PIE / SWITCH:EDITOR hints and resends once.

  Shell:
    \help                             Show this help
    \server [scene|editor]            Show/switch the connected server
    \status                           Show connection info
    \mode [editing|simulating]        Show/change the runtime mode (API)
    \servers                          List protocol servers (API)
    \stats                            Daemon statistics (API)
    \presets                          List presets (API)
    \journal [limit]                  Recent commands (API)
    \quit  (or exit, quit, Ctrl-D)    Exit
`

// runREPL starts the interactive shell. The TCP client and API URL are
// already initialised by the cobra PersistentPreRunE.
func runREPL(c *cli) {
	ctx := context.Background()

	apiUp := c.silentGet("/health") == nil
	if !apiUp {
		fmt.Fprintf(os.Stderr, "warning: control API at %s is not reachable; \\ commands will fail\n", c.apiURL)
	}

	fmt.Println("scenelink shell. Type \\help for commands, \\quit to exit.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		prompt := "scenelink"
		if cur := c.tcp.Current(); cur != "" {
			prompt = fmt.Sprintf("scenelink[%s]", cur)
		}
		fmt.Printf("%s> ", prompt)

		if !scanner.Scan() {
			fmt.Println()
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if done := dispatchREPL(ctx, c, line); done {
			fmt.Println("Bye.")
			break
		}
	}
}

// dispatchREPL executes one REPL line.
// Returns true when the user wants to quit.
func dispatchREPL(ctx context.Context, c *cli, line string) bool {
	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])

	switch cmd {
	// ── Quit ────────────────────────────────────────────────
	case `\quit`, `\q`, "exit", "quit":
		return true

	// ── Help ────────────────────────────────────────────────
	case `\help`, `\h`, "help":
		fmt.Print(replHelp)

	// ── Connection ──────────────────────────────────────────
	case `\server`:
		if len(parts) < 2 {
			if cur := c.tcp.Current(); cur == "" {
				fmt.Println("not connected")
			} else {
				fmt.Printf("connected to: %s\n", cur)
			}
			break
		}
		if err := c.tcp.Use(ctx, parts[1]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		} else {
			fmt.Printf("switched to server: %s\n", parts[1])
		}

	case `\status`:
		fmt.Printf("api:       %s\n", c.apiURL)
		fmt.Printf("server:    %s\n", orNone(c.tcp.Current()))
		fmt.Printf("switches:  %d\n", c.tcp.Switches())

	// ── API ─────────────────────────────────────────────────
	case `\mode`:
		if len(parts) < 2 {
			c.getJSON("/v1/mode") //nolint:errcheck
		} else {
			c.postJSON("/v1/mode", fmt.Sprintf(`{"mode":%q}`, parts[1])) //nolint:errcheck
		}

	case `\servers`:
		c.getJSON("/v1/servers") //nolint:errcheck

	case `\stats`:
		c.getJSON("/v1/stats") //nolint:errcheck

	case `\presets`:
		c.getJSON("/v1/presets") //nolint:errcheck

	case `\journal`:
		limit := 20
		if len(parts) > 1 {
			fmt.Sscanf(parts[1], "%d", &limit) //nolint:errcheck
		}
		c.getJSON(journalPath(limit, "", false)) //nolint:errcheck

	default:
		if strings.HasPrefix(cmd, `\`) {
			fmt.Fprintf(os.Stderr, "unknown command %q, type \\help for available commands\n", cmd)
			break
		}
		resp, err := c.tcp.Send(ctx, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}
		fmt.Println(resp)
	}

	return false
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
