package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kvsovanreach/mind-llm/pkg/types"
)

type clientConfig struct {
	Server string
	Token  string
}

// buildRootCmd constructs the mindctl command tree.
func buildRootCmd() *cobra.Command {
	cfg := &clientConfig{
		Server: envOr("MINDCTL_SERVER", "http://localhost:8001"),
		Token:  os.Getenv("MINDCTL_TOKEN"),
	}
	root := &cobra.Command{
		Use:           "mindctl",
		Short:         "Operator CLI for the mind-llm orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.Server, "server", cfg.Server, "Orchestrator base URL (defaults MINDCTL_SERVER)")
	root.PersistentFlags().StringVar(&cfg.Token, "token", cfg.Token, "Session token (defaults MINDCTL_TOKEN)")

	var username, password string
	login := &cobra.Command{
		Use:   "login",
		Short: "Obtain a session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tok types.TokenResponse
			body := types.LoginRequest{Username: username, Password: password}
			if err := cfg.call(http.MethodPost, "/orchestrator/auth/login", body, &tok); err != nil {
				return err
			}
			fmt.Println(tok.Token)
			return nil
		},
	}
	login.Flags().StringVarP(&username, "username", "u", "admin", "Username")
	login.Flags().StringVarP(&password, "password", "p", "", "Password")
	_ = login.MarkFlagRequired("password")
	root.AddCommand(login)

	models := &cobra.Command{Use: "models", Short: "Manage model deployments"}
	models.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all models",
			RunE: func(cmd *cobra.Command, args []string) error {
				var recs []types.ModelRecord
				if err := cfg.call(http.MethodGet, "/orchestrator/models", nil, &recs); err != nil {
					return err
				}
				for _, r := range recs {
					fmt.Printf("%-16s %-10s gpu=%d progress=%3d%% %s\n",
						r.Abbr, r.Status, r.GPUDevice, r.Progress, r.Name)
				}
				return nil
			},
		},
	)

	var specFile string
	deployCmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a model from a spec file",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(specFile)
			if err != nil {
				return err
			}
			var spec types.ModelSpec
			if err := json.Unmarshal(b, &spec); err != nil {
				return fmt.Errorf("parse spec: %w", err)
			}
			var rec types.ModelRecord
			if err := cfg.call(http.MethodPost, "/orchestrator/models/deploy", spec, &rec); err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", rec.Abbr, rec.Status)
			return nil
		},
	}
	deployCmd.Flags().StringVarP(&specFile, "file", "f", "", "JSON deploy spec")
	_ = deployCmd.MarkFlagRequired("file")
	models.AddCommand(deployCmd)

	for _, verb := range []string{"start", "stop"} {
		verb := verb
		models.AddCommand(&cobra.Command{
			Use:   verb + " <abbr>",
			Short: capitalize(verb) + " a model",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var rec types.ModelRecord
				path := fmt.Sprintf("/orchestrator/models/%s/%s", url.PathEscape(args[0]), verb)
				if err := cfg.call(http.MethodPost, path, nil, &rec); err != nil {
					return err
				}
				fmt.Printf("%s: %s\n", rec.Abbr, rec.Status)
				return nil
			},
		})
	}
	models.AddCommand(&cobra.Command{
		Use:   "delete <abbr>",
		Short: "Delete a model and its container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp types.DeleteResponse
			path := "/orchestrator/models/" + url.PathEscape(args[0])
			if err := cfg.call(http.MethodDelete, path, nil, &resp); err != nil {
				return err
			}
			fmt.Println("deleted")
			return nil
		},
	})
	root.AddCommand(models)

	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keys.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List API keys",
			RunE: func(cmd *cobra.Command, args []string) error {
				var out []types.APIKeyInfo
				if err := cfg.call(http.MethodGet, "/orchestrator/api-keys", nil, &out); err != nil {
					return err
				}
				for _, k := range out {
					fmt.Printf("%-10s %s\n", k.Prefix, k.Name)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "create <name>",
			Short: "Create an API key (printed once)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var created types.APIKeyCreated
				path := "/orchestrator/api-keys?name=" + url.QueryEscape(args[0])
				if err := cfg.call(http.MethodPost, path, nil, &created); err != nil {
					return err
				}
				fmt.Println(created.APIKey)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <key-or-prefix>",
			Short: "Revoke an API key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var resp types.DeleteResponse
				path := "/orchestrator/api-keys/" + url.PathEscape(args[0])
				if err := cfg.call(http.MethodDelete, path, nil, &resp); err != nil {
					return err
				}
				fmt.Println("deleted")
				return nil
			},
		},
	)
	root.AddCommand(keys)

	root.AddCommand(&cobra.Command{
		Use:   "gpu",
		Short: "Show GPU statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats types.GPUStatsResponse
			if err := cfg.call(http.MethodGet, "/orchestrator/gpu-stats", nil, &stats); err != nil {
				return err
			}
			for _, g := range stats.GPUs {
				fmt.Printf("gpu %d %-24s %6.0f/%6.0f MB  util=%3.0f%%  %d models\n",
					g.Index, g.Name, g.MemoryUsedMB, g.MemoryTotalMB, g.UtilizationPercent, len(g.Models))
			}
			return nil
		},
	})

	return root
}

// call performs one JSON request against the orchestrator, decoding either
// the payload or its error envelope.
func (c *clientConfig) call(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.Server+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	httpc := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var envelope types.ErrorResponse
		if json.Unmarshal(payload, &envelope) == nil && envelope.Error.Message != "" {
			return fmt.Errorf("%s (%s)", envelope.Error.Message, envelope.Error.Kind)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(payload))
	}
	if out != nil {
		return json.Unmarshal(payload, out)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-32) + s[1:]
}
