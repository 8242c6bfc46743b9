package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/denizumutdereli/scenelink/pkg/client"
	"github.com/denizumutdereli/scenelink/pkg/registry"
)

// cli holds the shared state for all subcommands.
type cli struct {
	apiURL     string
	httpClient *http.Client
	tcp        *client.Client
}

func main() {
	var (
		host     string
		apiURL   string
		dataPath string
		prefer   string
		timeout  time.Duration
	)

	c := &cli{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	rootCmd := &cobra.Command{
		Use:   "scenelink-cli",
		Short: "scenelink CLI - command client for scenelink servers",
		Long:  "Sends line commands to the scene/editor servers (following their switch hints) and talks to the HTTP control API.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				apiURL = os.Getenv("SCENELINK_URL")
			}
			if apiURL == "" {
				apiURL = "http://127.0.0.1:9997"
			}
			u, err := url.Parse(apiURL)
			if err != nil || u.Host == "" {
				return fmt.Errorf("invalid API url %q", apiURL)
			}
			c.apiURL = strings.TrimRight(apiURL, "/")

			var addrs map[string]string
			if dataPath != "" {
				entries, err := registry.ReadManifest(dataPath)
				if err != nil {
					return fmt.Errorf("failed to read server manifest: %w", err)
				}
				addrs = client.FromManifest(entries)
			}
			c.tcp = client.New(client.Config{
				Host:         host,
				Addrs:        addrs,
				Prefer:       prefer,
				ReplyTimeout: timeout,
			}, nil)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.tcp != nil {
				_ = c.tcp.Close()
			}
		},
		// When called with no subcommand, drop into interactive shell.
		RunE: func(cmd *cobra.Command, args []string) error {
			runREPL(c)
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&host, "host", "127.0.0.1", "Host of the scene/editor servers")
	pf.StringVar(&apiURL, "api", "", "HTTP control API base URL (default $SCENELINK_URL or http://127.0.0.1:9997)")
	pf.StringVar(&dataPath, "data-path", "", "Daemon data directory; its server manifest supplies the ports")
	pf.StringVar(&prefer, "server", client.Editor, "Server tried first (editor|scene)")
	pf.DurationVar(&timeout, "timeout", 2*time.Second, "Reply timeout for line commands")

	// ── Line protocol ───────────────────────────────────────
	rootCmd.AddCommand(&cobra.Command{
		Use:   "send [command...]",
		Short: "Send one line command, e.g. send MOVE Cube1 0 0 100",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.send(cmd.Context(), strings.Join(args, " "))
		},
	})

	// ── Health / stats ──────────────────────────────────────
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.getJSON("/health")
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show daemon statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.getJSON("/v1/stats")
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "servers",
		Short: "List protocol servers (from the manifest with --data-path, else the API)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataPath != "" {
				entries, err := registry.ReadManifest(dataPath)
				if err != nil {
					return err
				}
				return printJSON(entries)
			}
			return c.getJSON("/v1/servers")
		},
	})

	// ── Mode ────────────────────────────────────────────────
	rootCmd.AddCommand(&cobra.Command{
		Use:   "mode [editing|simulating]",
		Short: "Show or change the runtime mode",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return c.getJSON("/v1/mode")
			}
			return c.postJSON("/v1/mode", fmt.Sprintf(`{"mode":%q}`, args[0]))
		},
	})

	// ── Presets ─────────────────────────────────────────────
	presetCmd := &cobra.Command{
		Use:   "preset",
		Short: "Scene preset management",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.getJSON("/v1/presets")
		},
	}
	presetCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.getJSON("/v1/presets")
		},
	})
	presetCmd.AddCommand(&cobra.Command{
		Use:   "show [name]",
		Short: "Print a preset document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.getJSON("/v1/presets/" + url.PathEscape(args[0]))
		},
	})
	presetCmd.AddCommand(&cobra.Command{
		Use:   "save [name]",
		Short: "Save the current mesh actors as a preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.postJSON("/v1/presets/"+url.PathEscape(args[0]), `{"action":"save"}`)
		},
	})
	loadCmd := &cobra.Command{
		Use:   "load [name]",
		Short: "Spawn a preset's actors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, _ := cmd.Flags().GetString("offset")
			body, err := loadBody(offset)
			if err != nil {
				return err
			}
			return c.postJSON("/v1/presets/"+url.PathEscape(args[0]), body)
		},
	}
	loadCmd.Flags().String("offset", "", "Location offset x,y,z")
	presetCmd.AddCommand(loadCmd)
	presetCmd.AddCommand(&cobra.Command{
		Use:   "delete [name]",
		Short: "Delete a preset file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.deleteJSON("/v1/presets/" + url.PathEscape(args[0]))
		},
	})
	rootCmd.AddCommand(presetCmd)

	// ── Journal ─────────────────────────────────────────────
	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent commands, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			server, _ := cmd.Flags().GetString("server-name")
			committed, _ := cmd.Flags().GetBool("committed")
			return c.getJSON(journalPath(limit, server, committed))
		},
	}
	journalCmd.Flags().Int("limit", 20, "Maximum records")
	journalCmd.Flags().String("server-name", "", "Only records of this server")
	journalCmd.Flags().Bool("committed", false, "Only committed moves")
	rootCmd.AddCommand(journalCmd)

	// ── Config / snapshot ───────────────────────────────────
	rootCmd.AddCommand(&cobra.Command{
		Use:   "config [section]",
		Short: "Show the active configuration or one section",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return c.getJSON("/v1/config")
			}
			return c.configGetSection(args[0])
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "snapshot",
		Short: "Force a world snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.postJSON("/v1/snapshot", "")
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ── Line protocol ───────────────────────────────────────────

func (c *cli) send(ctx context.Context, line string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := c.tcp.Send(ctx, line)
	if err != nil {
		return err
	}
	fmt.Println(resp)
	if strings.HasPrefix(resp, "ERR") {
		return fmt.Errorf("command failed on %s", c.tcp.Current())
	}
	return nil
}

// loadBody builds the preset load request from "x,y,z".
func loadBody(offset string) (string, error) {
	if offset == "" {
		return `{"action":"load"}`, nil
	}
	parts := strings.Split(offset, ",")
	if len(parts) != 3 {
		return "", fmt.Errorf("offset must be x,y,z")
	}
	vals := make([]float64, 3)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return "", fmt.Errorf("offset component %q: %w", p, err)
		}
		vals[i] = v
	}
	body, err := json.Marshal(map[string]any{"action": "load", "offset": vals})
	return string(body), err
}

func journalPath(limit int, server string, committed bool) string {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if server != "" {
		q.Set("server", server)
	}
	if committed {
		q.Set("committed", "true")
	}
	if len(q) == 0 {
		return "/v1/journal"
	}
	return "/v1/journal?" + q.Encode()
}

// ── HTTP helpers ────────────────────────────────────────────

func (c *cli) doRequest(method, path, body string) error {
	req, err := http.NewRequest(method, c.apiURL+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "Error %d: %s\n", resp.StatusCode, string(data))
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	// Pretty-print JSON
	var pretty any
	if err := json.Unmarshal(data, &pretty); err == nil {
		return printJSON(pretty)
	}
	fmt.Println(string(data))
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func (c *cli) getJSON(path string) error {
	return c.doRequest("GET", path, "")
}

func (c *cli) postJSON(path, body string) error {
	return c.doRequest("POST", path, body)
}

func (c *cli) deleteJSON(path string) error {
	return c.doRequest("DELETE", path, "")
}

// silentGet performs a request without printing output; used for the
// reachability check at REPL startup.
func (c *cli) silentGet(path string) error {
	resp, err := c.httpClient.Get(c.apiURL + path)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// ── Config helpers ──────────────────────────────────────────

func (c *cli) configGetSection(section string) error {
	resp, err := c.httpClient.Get(c.apiURL + "/v1/config")
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var full map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&full); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	val, ok := full[section]
	if !ok {
		valid := make([]string, 0, len(full))
		for k := range full {
			valid = append(valid, k)
		}
		return fmt.Errorf("unknown section %q, valid: %v", section, valid)
	}
	return printJSON(val)
}
