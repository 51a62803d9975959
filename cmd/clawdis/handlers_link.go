package main

import (
	"bufio"
	"crypto/subtle"
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
	"golang.org/x/term"

	"github.com/clawdis/clawdis/internal/config"
	"github.com/clawdis/clawdis/pkg/models"
)

// linkDefaultTimeout bounds an agent deep-link run when the URL names
// no timeoutSeconds.
const linkDefaultTimeout = 60 * time.Second

// runLink dispatches one clawdis:// URL.
func runLink(cmd *cobra.Command, flags *clientFlags, rawURL string, yes bool) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return fmt.Errorf("parse link: %w", err)
	}
	if u.Scheme != "clawdis" {
		return fmt.Errorf("unsupported scheme %q, want clawdis://", u.Scheme)
	}

	switch {
	case u.Host == "agent":
		return runLinkAgent(cmd, flags, u.Query(), yes)
	case u.Host == "weblogin" && strings.TrimPrefix(u.Path, "/") == "confirm":
		return runLinkWebLoginConfirm(cmd, flags, u.Query(), yes)
	default:
		return fmt.Errorf("unsupported link target %q", u.Host+u.Path)
	}
}

// runLinkAgent runs the agent with the linked message. A key matching
// gateway.deepLinkKey authorizes an unattended run; anything else needs
// the owner's confirmation.
func runLinkAgent(cmd *cobra.Command, flags *clientFlags, q url.Values, yes bool) error {
	message := strings.TrimSpace(q.Get("message"))
	if message == "" {
		return fmt.Errorf("link has no message")
	}

	configPath := resolveConfigPath(flags.configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !linkAuthorized(cfg, q.Get("key")) && !yes {
		approved, err := confirmOnTTY(cmd, fmt.Sprintf("Run the agent with %q?", message))
		if err != nil {
			return err
		}
		if !approved {
			fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
			return nil
		}
	}

	deliver := false
	if v := q.Get("deliver"); v != "" {
		deliver, err = strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse deliver=%q: %w", v, err)
		}
	}
	channel := strings.TrimSpace(q.Get("channel"))
	to := strings.TrimSpace(q.Get("to"))
	if deliver && (channel == "" || to == "") {
		return fmt.Errorf("deliver=true needs channel and to")
	}

	timeout := linkDefaultTimeout
	if v := q.Get("timeoutSeconds"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return fmt.Errorf("parse timeoutSeconds=%q", v)
		}
		timeout = time.Duration(secs) * time.Second
	}

	sessionKey := strings.TrimSpace(q.Get("sessionKey"))
	thinking := strings.TrimSpace(q.Get("thinking"))

	client, err := dialGateway(cmd.Context(), configPath, flags.serverAddr)
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck

	if thinking != "" {
		patchKey := sessionKey
		if patchKey == "" {
			patchKey = cfg.Session.MainKey
		}
		if err := client.callInto("sessions.patch", map[string]any{
			"key":           patchKey,
			"thinkingLevel": thinking,
		}, nil); err != nil {
			return fmt.Errorf("set thinking level: %w", err)
		}
	}

	params := map[string]any{
		"content":     message,
		"expectFinal": true,
	}
	if sessionKey != "" {
		params["sessionKey"] = sessionKey
	}
	if deliver {
		params["deliver"] = true
		params["channel"] = channel
		params["to"] = to
	}

	raw, err := client.callWait("chat.send", params, timeout)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if flags.asJSON {
		return printJSON(out, raw)
	}

	var resp struct {
		RunID      string           `json:"runId"`
		SessionKey string           `json:"sessionKey"`
		Status     string           `json:"status"`
		Payloads   []*models.Payload `json:"payloads"`
		Error      string           `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode chat payload: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("run %s failed: %s", resp.RunID, resp.Error)
	}
	var texts []string
	for _, p := range resp.Payloads {
		if t := strings.TrimSpace(p.Text); t != "" {
			texts = append(texts, t)
		}
	}
	if len(texts) > 0 {
		fmt.Fprintln(out, strings.Join(texts, "\n\n"))
	}
	if deliver {
		fmt.Fprintf(out, "Delivered to %s:%s.\n", channel, to)
	} else if len(texts) == 0 {
		fmt.Fprintf(out, "Run %s finished with status %s.\n", resp.RunID, resp.Status)
	}
	return nil
}

// runLinkWebLoginConfirm approves a browser login attempt through the
// gateway's HTTP confirm endpoint. The key is taken from the link when
// present and from the local config otherwise; this process holds the
// config file, so it is the trusted device.
func runLinkWebLoginConfirm(cmd *cobra.Command, flags *clientFlags, q url.Values, yes bool) error {
	loginID := strings.TrimSpace(q.Get("login"))
	if loginID == "" {
		return fmt.Errorf("link has no login id")
	}

	cfg, err := config.Load(resolveConfigPath(flags.configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	base, err := resolveGatewayBase(cfg, flags.serverAddr)
	if err != nil {
		return err
	}

	if !yes {
		approved, err := confirmOnTTY(cmd, fmt.Sprintf("Approve web login %s?", loginID))
		if err != nil {
			return err
		}
		if !approved {
			fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
			return nil
		}
	}

	key := q.Get("key")
	if key == "" {
		key = strings.TrimSpace(cfg.Gateway.DeepLinkKey)
	}
	vals := url.Values{}
	vals.Set("login", loginID)
	if key != "" {
		vals.Set("key", key)
	}
	if user := strings.TrimSpace(q.Get("user")); user != "" {
		vals.Set("user", user)
	}
	confirm := "http://" + base + "/weblogin/confirm?" + vals.Encode()

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, confirm, nil)
	if err != nil {
		return err
	}
	resp, err := (&http.Client{Timeout: callTimeout}).Do(req)
	if err != nil {
		return fmt.Errorf("confirm login: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("confirm login: %s", msg)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Approved web login %s.\n", loginID)
	return nil
}

// linkAuthorized reports whether the link key matches the configured
// deep link key. An unset config key never authorizes an unattended
// run.
func linkAuthorized(cfg *config.Config, key string) bool {
	configured := strings.TrimSpace(cfg.Gateway.DeepLinkKey)
	if configured == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(configured)) == 1
}

// confirmOnTTY asks the owner to approve an action. Without a terminal
// there is nobody to ask, so the caller has to pass --yes or a key.
func confirmOnTTY(cmd *cobra.Command, question string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("stdin is not a terminal; rerun with --yes or include a key= matching gateway.deepLinkKey")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", question)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
