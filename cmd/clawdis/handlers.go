// handlers.go implements the thin-client command logic. Every handler
// dials the running gateway, performs its RPCs, and renders the result
// to the command's output stream.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/clawdis/clawdis/internal/channels"
	"github.com/clawdis/clawdis/internal/cron"
	"github.com/clawdis/clawdis/internal/nodes"
	"github.com/clawdis/clawdis/internal/pairing"
	"github.com/clawdis/clawdis/internal/sessions"
	"github.com/clawdis/clawdis/internal/skills"
)

// withClient dials the gateway for the duration of one handler.
func withClient(cmd *cobra.Command, flags *clientFlags, fn func(c *gatewayClient) error) error {
	client, err := dialGateway(cmd.Context(), resolveConfigPath(flags.configPath), flags.serverAddr)
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck
	return fn(client)
}

func printJSON(w io.Writer, payload json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(payload, &buf); err != nil {
		_, werr := w.Write(payload)
		return werr
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(buf)
}

// =============================================================================
// Status / Health
// =============================================================================

type healthPayload struct {
	Status    string             `json:"status"`
	UptimeMs  int64              `json:"uptimeMs"`
	Channels  []channels.Summary `json:"channels"`
	Heartbeat *struct {
		Enabled    bool  `json:"enabled"`
		IntervalMs int64 `json:"intervalMs"`
	} `json:"heartbeat"`
}

func runStatus(cmd *cobra.Command, flags *clientFlags) error {
	return withClient(cmd, flags, func(c *gatewayClient) error {
		raw, err := c.call("health", nil)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flags.asJSON {
			return printJSON(out, raw)
		}
		var health healthPayload
		if err := json.Unmarshal(raw, &health); err != nil {
			return fmt.Errorf("decode health payload: %w", err)
		}

		fmt.Fprintf(out, "Gateway: %s %s at %s (protocol %d)\n", c.serverName, c.serverVersion, c.baseURL, c.protocol)
		fmt.Fprintf(out, "Status: %s, up %s\n", health.Status, formatDuration(time.Duration(health.UptimeMs)*time.Millisecond))
		if health.Heartbeat != nil {
			if health.Heartbeat.Enabled {
				fmt.Fprintf(out, "Heartbeat: every %s\n", formatDuration(time.Duration(health.Heartbeat.IntervalMs)*time.Millisecond))
			} else {
				fmt.Fprintln(out, "Heartbeat: disabled")
			}
		}
		printChannelTable(out, health.Channels)

		var list struct {
			Sessions []sessionRow `json:"sessions"`
		}
		if err := c.callInto("sessions.list", map[string]any{"limit": 5}, &list); err != nil {
			return err
		}
		if len(list.Sessions) > 0 {
			fmt.Fprintln(out, "\nRecent sessions:")
			for _, s := range list.Sessions {
				fmt.Fprintf(out, "  %s  (updated %s)\n", s.Key, formatAgo(s.UpdatedAt))
			}
		}
		return nil
	})
}

func runHealth(cmd *cobra.Command, flags *clientFlags) error {
	return withClient(cmd, flags, func(c *gatewayClient) error {
		raw, err := c.call("health", nil)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flags.asJSON {
			return printJSON(out, raw)
		}
		var health healthPayload
		if err := json.Unmarshal(raw, &health); err != nil {
			return fmt.Errorf("decode health payload: %w", err)
		}
		running := 0
		for _, ch := range health.Channels {
			if ch.Status.State == channels.StateRunning {
				running++
			}
		}
		fmt.Fprintf(out, "%s: up %s, %d/%d channels running\n",
			health.Status, formatDuration(time.Duration(health.UptimeMs)*time.Millisecond), running, len(health.Channels))
		return nil
	})
}

func printChannelTable(out io.Writer, summaries []channels.Summary) {
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No channels registered.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tENABLED\tSTATE\tDETAIL")
	for _, ch := range summaries {
		detail := ch.Status.Error
		if detail == "" && ch.Readiness != nil && !ch.Readiness.Ready {
			detail = ch.Readiness.Reason
		}
		if detail == "" && !ch.Configured {
			detail = "not configured"
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", ch.ID, ch.Enabled, ch.Status.State, detail)
	}
	w.Flush() //nolint:errcheck
}

// =============================================================================
// Sessions
// =============================================================================

// sessionRow is one sessions.list entry: the store entry plus its key.
type sessionRow struct {
	Key string `json:"key"`
	sessions.Entry
}

type sessionPatchFlags struct {
	thinking   string
	verbose    string
	sendPolicy string
	queueMode  string
	activation string
}

func runSessionsList(cmd *cobra.Command, flags *clientFlags, limit int) error {
	return withClient(cmd, flags, func(c *gatewayClient) error {
		params := map[string]any{}
		if limit > 0 {
			params["limit"] = limit
		}
		raw, err := c.call("sessions.list", params)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flags.asJSON {
			return printJSON(out, raw)
		}
		var list struct {
			Sessions []sessionRow `json:"sessions"`
		}
		if err := json.Unmarshal(raw, &list); err != nil {
			return fmt.Errorf("decode sessions payload: %w", err)
		}
		if len(list.Sessions) == 0 {
			fmt.Fprintln(out, "No sessions.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tUPDATED\tLAST ROUTE\tTOKENS\tOVERRIDES")
		for _, s := range list.Sessions {
			route := "-"
			if s.LastChannel != "" {
				route = string(s.LastChannel)
				if s.LastTo != "" {
					route += ":" + s.LastTo
				}
			}
			tokens := "-"
			if s.TotalTokens > 0 {
				tokens = fmt.Sprintf("%d", s.TotalTokens)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.Key, formatAgo(s.UpdatedAt), route, tokens, sessionOverrides(&s.Entry))
		}
		return w.Flush()
	})
}

// sessionOverrides lists the per-session settings that differ from the
// config defaults.
func sessionOverrides(e *sessions.Entry) string {
	var parts []string
	if e.ThinkingLevel != "" {
		parts = append(parts, "thinking="+e.ThinkingLevel)
	}
	if e.VerboseLevel != "" {
		parts = append(parts, "verbose="+e.VerboseLevel)
	}
	if e.SendPolicy != "" {
		parts = append(parts, "send="+e.SendPolicy)
	}
	if e.QueueMode != "" {
		parts = append(parts, "queue="+e.QueueMode)
	}
	if e.GroupActivation != "" {
		parts = append(parts, "activation="+e.GroupActivation)
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, ",")
}

func runSessionsPatch(cmd *cobra.Command, flags *clientFlags, key string, patch *sessionPatchFlags) error {
	params := map[string]any{"key": key}
	set := func(flag, field, value string) {
		if cmd.Flags().Changed(flag) {
			params[field] = value
		}
	}
	set("thinking", "thinkingLevel", patch.thinking)
	set("verbose", "verboseLevel", patch.verbose)
	set("send-policy", "sendPolicy", patch.sendPolicy)
	set("queue-mode", "queueMode", patch.queueMode)
	set("activation", "groupActivation", patch.activation)
	if len(params) == 1 {
		return fmt.Errorf("nothing to patch; pass at least one of --thinking, --verbose, --send-policy, --queue-mode, --activation")
	}

	return withClient(cmd, flags, func(c *gatewayClient) error {
		raw, err := c.call("sessions.patch", params)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flags.asJSON {
			return printJSON(out, raw)
		}
		var resp struct {
			Session sessionRow `json:"session"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("decode session payload: %w", err)
		}
		fmt.Fprintf(out, "Patched %s: %s\n", resp.Session.Key, sessionOverrides(&resp.Session.Entry))
		return nil
	})
}

// =============================================================================
// Pairing
// =============================================================================

func runPairingList(cmd *cobra.Command, flags *clientFlags) error {
	return withClient(cmd, flags, func(c *gatewayClient) error {
		raw, err := c.call("pairing.list", nil)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flags.asJSON {
			return printJSON(out, raw)
		}
		var resp struct {
			DM    []pairing.Request  `json:"dm"`
			Nodes []nodes.PendingNode `json:"nodes"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("decode pairing payload: %w", err)
		}
		if len(resp.DM) == 0 && len(resp.Nodes) == 0 {
			fmt.Fprintln(out, "No pending pairing requests.")
			return nil
		}
		for _, req := range resp.DM {
			label := req.PeerName
			if strings.TrimSpace(label) == "" {
				label = req.Peer
			}
			expiresIn := time.Until(req.ExpiresAt).Round(time.Minute)
			if expiresIn < 0 {
				expiresIn = 0
			}
			fmt.Fprintf(out, "%s  %s  %s  expires in %s\n", req.Code, req.Channel, label, expiresIn)
		}
		for _, node := range resp.Nodes {
			fmt.Fprintf(out, "%s  node  %s (%s)\n", node.Code, node.ClientName, node.Platform)
		}
		return nil
	})
}

func runPairingApprove(cmd *cobra.Command, flags *clientFlags, code, channel string, node bool) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return fmt.Errorf("pairing code is required")
	}
	params := map[string]any{"code": code}
	switch {
	case node:
		params["kind"] = "node"
	case strings.TrimSpace(channel) != "":
		params["kind"] = "dm"
		params["channel"] = strings.TrimSpace(channel)
	default:
		return fmt.Errorf("pass --channel for a sender code or --node for a node code")
	}

	return withClient(cmd, flags, func(c *gatewayClient) error {
		raw, err := c.call("pairing.approve", params)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flags.asJSON {
			return printJSON(out, raw)
		}
		fmt.Fprintf(out, "Approved %s.\n", code)
		return nil
	})
}

// =============================================================================
// Channels
// =============================================================================

func runChannelsStatus(cmd *cobra.Command, flags *clientFlags) error {
	return withClient(cmd, flags, func(c *gatewayClient) error {
		raw, err := c.call("channels.status", nil)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flags.asJSON {
			return printJSON(out, raw)
		}
		var resp struct {
			Channels []channels.Summary `json:"channels"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("decode channels payload: %w", err)
		}
		printChannelTable(out, resp.Channels)
		return nil
	})
}

// loginPollInterval paces channels.login polls; codes rotate roughly
// every 20 seconds so anything near a second is plenty.
const loginPollInterval = 2 * time.Second

func runChannelsLogin(cmd *cobra.Command, flags *clientFlags, channel string, timeout time.Duration) error {
	return withClient(cmd, flags, func(c *gatewayClient) error {
		out := cmd.OutOrStdout()
		deadline := time.Now().Add(timeout)
		lastQR := ""
		for {
			var resp struct {
				Channel string `json:"channel"`
				LoginID string `json:"loginId"`
				State   string `json:"state"`
				QR      string `json:"qr"`
				Error   string `json:"error"`
			}
			if err := c.callInto("channels.login", map[string]any{"channel": channel}, &resp); err != nil {
				return err
			}
			switch resp.State {
			case "linked":
				fmt.Fprintf(out, "Linked %s. The adapter is connected and ready.\n", channel)
				return nil
			case "failed":
				if resp.Error != "" {
					return fmt.Errorf("link attempt failed: %s", resp.Error)
				}
				return fmt.Errorf("link attempt failed")
			case "qr":
				if resp.QR != lastQR {
					lastQR = resp.QR
					art, err := terminalQR(resp.QR)
					if err != nil {
						return fmt.Errorf("render qr code: %w", err)
					}
					fmt.Fprintf(out, "\n%s\nScan with the %s app to link this account. Codes rotate; a new one prints automatically.\n", art, channel)
				}
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("no link after %s; rerun to start a fresh attempt", timeout)
			}
			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-time.After(loginPollInterval):
			}
		}
	})
}

// terminalQR renders a link code as a block-character QR for terminal
// display.
func terminalQR(code string) (string, error) {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return qr.ToSmallString(false), nil
}

func runChannelsLogout(cmd *cobra.Command, flags *clientFlags, channel string) error {
	return withClient(cmd, flags, func(c *gatewayClient) error {
		raw, err := c.call("channels.logout", map[string]any{"channel": channel})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flags.asJSON {
			return printJSON(out, raw)
		}
		fmt.Fprintf(out, "Logged out %s; its credentials are discarded and the adapter is stopped.\n", channel)
		return nil
	})
}

// =============================================================================
// Cron
// =============================================================================

func runCronList(cmd *cobra.Command, flags *clientFlags, history int) error {
	return withClient(cmd, flags, func(c *gatewayClient) error {
		method := "cron.list"
		params := map[string]any{}
		if history > 0 {
			method = "cron.status"
			params["limit"] = history
		}
		raw, err := c.call(method, params)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flags.asJSON {
			return printJSON(out, raw)
		}
		var resp struct {
			Jobs       []cron.Job       `json:"jobs"`
			Executions []cron.Execution `json:"executions"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("decode cron payload: %w", err)
		}
		if len(resp.Jobs) == 0 {
			fmt.Fprintln(out, "No cron jobs configured.")
		} else {
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tENABLED\tNEXT RUN\tLAST ERROR")
			for _, job := range resp.Jobs {
				next := "-"
				if !job.NextRun.IsZero() {
					next = job.NextRun.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", job.ID, job.Kind, job.Enabled, next, job.LastError)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		if len(resp.Executions) > 0 {
			fmt.Fprintln(out, "\nRecent executions:")
			for _, exec := range resp.Executions {
				line := fmt.Sprintf("  %s  %s  %s", exec.StartedAt.Format(time.RFC3339), exec.JobID, exec.Status)
				if exec.Error != "" {
					line += "  " + exec.Error
				}
				fmt.Fprintln(out, line)
			}
		}
		return nil
	})
}

func runCronRun(cmd *cobra.Command, flags *clientFlags, id string) error {
	return withClient(cmd, flags, func(c *gatewayClient) error {
		raw, err := c.call("cron.run", map[string]any{"id": id})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flags.asJSON {
			return printJSON(out, raw)
		}
		fmt.Fprintf(out, "Triggered %s.\n", id)
		return nil
	})
}

// =============================================================================
// Skills
// =============================================================================

func runSkillsList(cmd *cobra.Command, flags *clientFlags) error {
	return withClient(cmd, flags, func(c *gatewayClient) error {
		raw, err := c.call("skills.list", nil)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if flags.asJSON {
			return printJSON(out, raw)
		}
		var resp struct {
			Skills []skills.Skill `json:"skills"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("decode skills payload: %w", err)
		}
		if len(resp.Skills) == 0 {
			fmt.Fprintln(out, "No skills discovered.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSOURCE\tDESCRIPTION")
		for _, skill := range resp.Skills {
			fmt.Fprintf(w, "%s\t%s\t%s\n", skill.Name, skill.Source, skill.Description)
		}
		return w.Flush()
	})
}

// =============================================================================
// Config
// =============================================================================

func runConfigGet(cmd *cobra.Command, flags *clientFlags, path string) error {
	return withClient(cmd, flags, func(c *gatewayClient) error {
		var resp struct {
			Config map[string]any `json:"config"`
			Path   string         `json:"path"`
		}
		if err := c.callInto("config.get", nil, &resp); err != nil {
			return err
		}

		var value any = resp.Config
		if path != "" {
			v, ok := lookupConfigPath(resp.Config, path)
			if !ok {
				return fmt.Errorf("config path %q not set in %s", path, resp.Path)
			}
			value = v
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	})
}

func runConfigSet(cmd *cobra.Command, flags *clientFlags, path, rawValue string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	return withClient(cmd, flags, func(c *gatewayClient) error {
		var resp struct {
			Config map[string]any `json:"config"`
		}
		if err := c.callInto("config.get", nil, &resp); err != nil {
			return err
		}
		doc := resp.Config
		if doc == nil {
			doc = map[string]any{}
		}
		if err := setConfigPath(doc, path, parseConfigValue(rawValue)); err != nil {
			return err
		}

		var saved struct {
			Saved bool   `json:"saved"`
			Path  string `json:"path"`
		}
		if err := c.callInto("config.put", map[string]any{"config": doc}, &saved); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %s = %s to %s.\n", path, rawValue, saved.Path)
		return nil
	})
}

// parseConfigValue reads the value as JSON when it parses, and as a
// plain string otherwise, so both `true` and `10m` do what they look
// like they do.
func parseConfigValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func lookupConfigPath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setConfigPath(doc map[string]any, path string, value any) error {
	parts := strings.Split(path, ".")
	cur := doc
	for i, part := range parts {
		if part == "" {
			return fmt.Errorf("config path %q has an empty segment", path)
		}
		if i == len(parts)-1 {
			cur[part] = value
			return nil
		}
		next, ok := cur[part]
		if !ok || next == nil {
			child := map[string]any{}
			cur[part] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config path %q crosses non-object value at %q", path, strings.Join(parts[:i+1], "."))
		}
		cur = child
	}
	return nil
}

// =============================================================================
// Formatting helpers
// =============================================================================

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return d.Round(time.Second).String()
	case d < time.Hour:
		return d.Round(time.Minute).String()
	default:
		return d.Round(time.Minute).String()
	}
}

func formatAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return formatDuration(time.Since(t)) + " ago"
}
