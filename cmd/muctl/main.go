// Package main is muctl, the local CLI client for the mu control plane. It
// discovers the server through .mu/control-plane/server.json and talks to the
// command and control APIs with the terminal shared secret.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmu/control-plane/internal/adapter"
	"github.com/getmu/control-plane/internal/paths"
	"github.com/getmu/control-plane/internal/server"
)

type client struct {
	baseURL string
	secret  string
	http    *http.Client
}

func newClient(repoRoot, secret string) (*client, error) {
	p, err := paths.New(repoRoot)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p.ServerInfoFile())
	if err != nil {
		return nil, fmt.Errorf("control plane not running (no server.json): %w", err)
	}
	var info server.ServerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("malformed server.json: %w", err)
	}
	return &client{
		baseURL: info.URL,
		secret:  secret,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *client) do(method, path string, body any) (map[string]any, error) {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(adapter.TerminalSecretHeader, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("malformed response (status %d): %w", resp.StatusCode, err)
	}
	if ok, _ := out["ok"].(bool); !ok {
		reason, _ := out["error"].(string)
		return out, fmt.Errorf("request failed: %s", reason)
	}
	return out, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func actorID() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "local"
}

func main() {
	var (
		repoRoot string
		secret   string
	)

	root := &cobra.Command{
		Use:           "muctl",
		Short:         "Local client for the mu control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&repoRoot, "repo", ".", "repository root")
	root.PersistentFlags().StringVar(&secret, "secret",
		os.Getenv("MU_CHANNELS_TERMINAL_SHARED_SECRET"), "terminal shared secret")

	submit := &cobra.Command{
		Use:   "submit [command words...]",
		Short: "Submit a /mu command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(repoRoot, secret)
			if err != nil {
				return err
			}
			text := strings.Join(args, " ")
			if !strings.HasPrefix(text, "/mu") {
				text = "/mu " + text
			}
			out, err := c.do(http.MethodPost, adapter.TerminalRoute, map[string]any{
				"command_text": text,
				"actor_id":     actorID(),
				"channel":      "terminal",
			})
			if err != nil {
				if out != nil {
					printJSON(out)
				}
				return err
			}
			printJSON(out)
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show control-plane status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(repoRoot, secret)
			if err != nil {
				return err
			}
			out, err := c.do(http.MethodGet, "/api/control-plane/status", nil)
			if err != nil {
				return err
			}
			printJSON(out["result"])
			return nil
		},
	}

	reloadCmd := &cobra.Command{
		Use:   "reload [reason]",
		Short: "Reload the adapter registry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(repoRoot, secret)
			if err != nil {
				return err
			}
			reason := "cli_request"
			if len(args) == 1 {
				reason = args[0]
			}
			out, err := c.do(http.MethodPost, "/api/control-plane/reload",
				map[string]string{"reason": reason})
			if err != nil {
				return err
			}
			printJSON(out["result"])
			return nil
		},
	}

	var (
		linkOperator string
		linkScopes   []string
	)
	link := &cobra.Command{
		Use:   "link <channel> <tenant_id> <actor_id>",
		Short: "Link a channel principal to the control plane",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(repoRoot, secret)
			if err != nil {
				return err
			}
			out, err := c.do(http.MethodPost, "/api/control-plane/identities/link", map[string]any{
				"operator_id":       linkOperator,
				"channel":           args[0],
				"channel_tenant_id": args[1],
				"channel_actor_id":  args[2],
				"scopes":            linkScopes,
			})
			if err != nil {
				return err
			}
			printJSON(out["result"])
			return nil
		},
	}
	link.Flags().StringVar(&linkOperator, "operator", actorID(), "operator id for the binding")
	link.Flags().StringSliceVar(&linkScopes, "scope",
		[]string{"issues.read", "issues.write"}, "scopes to grant")

	var includeInactive bool
	identities := &cobra.Command{
		Use:   "identities",
		Short: "List identity bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(repoRoot, secret)
			if err != nil {
				return err
			}
			path := "/api/control-plane/identities"
			if includeInactive {
				path += "?include_inactive=true"
			}
			out, err := c.do(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			printJSON(out["result"])
			return nil
		},
	}
	identities.Flags().BoolVar(&includeInactive, "all", false, "include unlinked and revoked bindings")

	channels := &cobra.Command{
		Use:   "channels",
		Short: "Show channel capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(repoRoot, secret)
			if err != nil {
				return err
			}
			out, err := c.do(http.MethodGet, "/api/control-plane/channels", nil)
			if err != nil {
				return err
			}
			printJSON(out["result"])
			return nil
		},
	}

	root.AddCommand(submit, status, reloadCmd, link, identities, channels)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
