// ABOUTME: call subcommand: one request against the configured upstream or a relay endpoint
// ABOUTME: Prints the result as indented JSON; JSON-RPC errors go to stderr

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harper/mcp-relay/internal/correlation"
	"github.com/harper/mcp-relay/internal/logger"
	"github.com/harper/mcp-relay/internal/session"
	"github.com/harper/mcp-relay/internal/transport"
)

type callOptions struct {
	url     string
	token   string
	apiKey  string
	timeout time.Duration
}

func newCallCommand() *cobra.Command {
	var opts callOptions

	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Send one request to the configured upstream or a relay endpoint and print the result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}

			sess, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			result, err := sess.CallTimeout(cmd.Context(), args[0], params, opts.timeout)
			if err != nil {
				var ce *session.CallError
				if errors.As(err, &ce) && ce.RPC != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "error %d: %s\n", ce.RPC.Code, ce.RPC.Message)
					if len(ce.RPC.Data) > 0 {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", ce.RPC.Data)
					}
				}
				return err
			}

			return printJSON(cmd, result)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "relay MCP endpoint, e.g. http://localhost:8080/mcp (default: launch the configured upstream)")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token for --url")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "API key for --url")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	return cmd
}

// parseParams accepts at most one argument, which must be a JSON object or array.
func parseParams(args []string) (json.RawMessage, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, nil
	}
	raw := json.RawMessage(args[0])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("params are not valid JSON: %s", args[0])
	}
	switch bytes.TrimSpace(raw)[0] {
	case '{', '[':
		return raw, nil
	default:
		return nil, fmt.Errorf("params must be a JSON object or array")
	}
}

func (o callOptions) open(ctx context.Context) (*session.Session, error) {
	if o.url != "" {
		var topts []transport.HTTPOption
		if o.token != "" {
			topts = append(topts, transport.WithBearerToken(o.token))
		}
		if o.apiKey != "" {
			topts = append(topts, transport.WithAPIKey(o.apiKey))
		}

		sess := session.New(transport.NewHTTPClient(o.url, topts...), session.Config{
			Transport:   "http",
			Role:        session.RoleClient,
			Correlation: correlation.Config{DefaultTimeout: o.timeout},
		})
		go func() {
			if err := sess.Serve(context.WithoutCancel(ctx)); err != nil {
				logger.Debug("[%s] call session ended: %v", sess.ID, err)
			}
		}()
		return sess, nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	mgr, err := session.NewManager(managerConfig(cfg), nil, nil)
	if err != nil {
		return nil, err
	}
	sess, result, err := mgr.Connect(ctx)
	if err != nil {
		return nil, err
	}
	logger.Debug("connected to %s %s", result.ServerInfo.Name, result.ServerInfo.Version)
	return sess, nil
}

func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	out.WriteByte('\n')
	_, err := cmd.OutOrStdout().Write(out.Bytes())
	return err
}
