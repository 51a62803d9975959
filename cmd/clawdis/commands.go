// commands.go contains the cobra command definitions and their flag
// wiring. Each builder creates one command and delegates to its handler.
package main

import (
	"time"

	"github.com/spf13/cobra"
)

// clientFlags are shared by every command that talks to a running
// gateway.
type clientFlags struct {
	configPath string
	serverAddr string
	asJSON     bool
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Path to config file (default: $CLAWDIS_STATE_DIR/clawdis.json)")
	cmd.Flags().StringVar(&f.serverAddr, "server", "", "Gateway address host:port (default: from config)")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "Print raw JSON instead of formatted output")
}

// =============================================================================
// Serve
// =============================================================================

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the clawdis gateway",
		Long: `Run the clawdis gateway in the foreground.

The gateway starts every enabled channel adapter, the agent scheduler,
the cron and heartbeat runners, and the WebSocket server, then watches
the config file for hot reloads. SIGINT/SIGTERM shut it down
gracefully.`,
		Example: `  # Run with the default config
  clawdis serve

  # Run against an alternate state dir
  CLAWDIS_STATE_DIR=/tmp/clawdis clawdis serve

  # Verbose logging
  clawdis serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: $CLAWDIS_STATE_DIR/clawdis.json)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Status / Health
// =============================================================================

func buildStatusCmd() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway, channel, and session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildHealthCmd() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

// =============================================================================
// Sessions
// =============================================================================

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and adjust agent sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsPatchCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	flags := &clientFlags{}
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently active first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, flags, limit)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum sessions to show")
	return cmd
}

func buildSessionsPatchCmd() *cobra.Command {
	flags := &clientFlags{}
	var patch sessionPatchFlags
	cmd := &cobra.Command{
		Use:   "patch [key]",
		Short: "Adjust per-session levels and policies",
		Long: `Adjust per-session overrides. An empty value clears the override back
to the config default, for example --thinking "".`,
		Example: `  clawdis sessions patch main --thinking high
  clawdis sessions patch telegram:group:-100200 --activation always`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsPatch(cmd, flags, args[0], &patch)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&patch.thinking, "thinking", "", "Thinking level (off, minimal, low, medium, high)")
	cmd.Flags().StringVar(&patch.verbose, "verbose", "", "Verbose level (off, low, medium, high)")
	cmd.Flags().StringVar(&patch.sendPolicy, "send-policy", "", "Send policy (allow, deny)")
	cmd.Flags().StringVar(&patch.queueMode, "queue-mode", "", "Queue mode for messages arriving mid-run")
	cmd.Flags().StringVar(&patch.activation, "activation", "", "Group activation (mention, always)")
	return cmd
}

// =============================================================================
// Pairing
// =============================================================================

func buildPairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage pairing requests from unknown senders and nodes",
	}
	cmd.AddCommand(buildPairingListCmd(), buildPairingApproveCmd())
	return cmd
}

func buildPairingListCmd() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairingList(cmd, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildPairingApproveCmd() *cobra.Command {
	flags := &clientFlags{}
	var (
		channel string
		node    bool
	)
	cmd := &cobra.Command{
		Use:   "approve [code]",
		Short: "Approve a pairing code",
		Example: `  clawdis pairing approve --channel telegram A7K2M9QX
  clawdis pairing approve --node 3F8Q21ZR`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPairingApprove(cmd, flags, args[0], channel, node)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&channel, "channel", "", "Channel the code belongs to (required unless --node)")
	cmd.Flags().BoolVar(&node, "node", false, "Approve a node pairing instead of a sender")
	return cmd
}

// =============================================================================
// Channels
// =============================================================================

func buildChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect and manage channel adapters",
	}
	cmd.AddCommand(buildChannelsStatusCmd(), buildChannelsLoginCmd(), buildChannelsLogoutCmd())
	return cmd
}

func buildChannelsLoginCmd() *cobra.Command {
	flags := &clientFlags{}
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "login [channel]",
		Short: "Link a channel account by scanning a QR code",
		Long: `Login starts a QR link attempt on the gateway and renders each
rotated code in the terminal. Scan it with the channel's mobile app
(WhatsApp: Settings > Linked Devices > Link a Device). The command
exits once the account is linked or the attempt times out.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsLogin(cmd, flags, args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "give up after this long without a successful link")
	flags.register(cmd)
	return cmd
}

func buildChannelsStatusCmd() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show every channel adapter's state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsStatus(cmd, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildChannelsLogoutCmd() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "logout [channel]",
		Short: "Discard a channel's stored credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsLogout(cmd, flags, args[0])
		},
	}
	flags.register(cmd)
	return cmd
}

// =============================================================================
// Cron
// =============================================================================

func buildCronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect and trigger scheduled jobs",
	}
	cmd.AddCommand(buildCronListCmd(), buildCronRunCmd())
	return cmd
}

func buildCronListCmd() *cobra.Command {
	flags := &clientFlags{}
	var history int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cron jobs and recent executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCronList(cmd, flags, history)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&history, "history", 0, "Also show up to N recent executions")
	return cmd
}

func buildCronRunCmd() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "run [id]",
		Short: "Run a cron job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCronRun(cmd, flags, args[0])
		},
	}
	flags.register(cmd)
	return cmd
}

// =============================================================================
// Skills
// =============================================================================

func buildSkillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect agent skills",
	}
	cmd.AddCommand(buildSkillsListCmd())
	return cmd
}

func buildSkillsListCmd() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discovered skills and their eligibility",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSkillsList(cmd, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

// =============================================================================
// Config
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write gateway configuration",
	}
	cmd.AddCommand(buildConfigGetCmd(), buildConfigSetCmd())
	return cmd
}

func buildConfigGetCmd() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "get [path]",
		Short: "Print the config, or one dotted path from it",
		Example: `  clawdis config get
  clawdis config get channels.telegram`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runConfigGet(cmd, flags, path)
		},
	}
	flags.register(cmd)
	return cmd
}

func buildConfigSetCmd() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set one dotted config path and save through the gateway",
		Long: `Set one dotted config path. The value is parsed as JSON when possible
(true, 5, ["a"]) and treated as a string otherwise. The gateway
validates the result, saves it, and hot-reloads the affected
components.`,
		Example: `  clawdis config set channels.telegram.enabled true
  clawdis config set agent.heartbeat.every 10m`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSet(cmd, flags, args[0], args[1])
		},
	}
	flags.register(cmd)
	return cmd
}

// =============================================================================
// Deep links
// =============================================================================

func buildLinkCmd() *cobra.Command {
	flags := &clientFlags{}
	var yes bool
	cmd := &cobra.Command{
		Use:   "link [url]",
		Short: "Handle a clawdis:// deep link",
		Long: `Handle a clawdis:// deep link.

clawdis://agent?message=... runs the agent with the given message and
prints the reply; deliver=true with channel and to routes the reply out
a chat surface instead. Without a valid key= the invocation asks for
confirmation first. clawdis://weblogin/confirm?login=... approves a web
login attempt.`,
		Example: `  clawdis link "clawdis://agent?message=ship%20the%20report&deliver=true&channel=telegram&to=42"
  clawdis link "clawdis://weblogin/confirm?login=8d1f..."`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLink(cmd, flags, args[0], yes)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}
