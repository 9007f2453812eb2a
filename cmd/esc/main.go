package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"escrowline/internal/app"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/engine/auth"
	"escrowline/internal/migrate"
	"escrowline/internal/repo"
	"escrowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "esc",
	Short: "Escrowline CLI",
	Long: `Escrowline coordinates milestone-based escrow work off-chain.
State changes are signed by your workspace wallet, accepted by the
coordination ledger with a monotonically increasing state version, and
mirrored into local SQLite. Settlement batches matured milestones into a
single on-chain transaction (payouts for approved work, refunds for
cancelled work) with a platform fee paid by the client on top.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ESCROWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-address", "", "act as this participant address (default: workspace wallet)")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-address", rootCmd.PersistentFlags().Lookup("actor-address"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(disputeCmd())
	rootCmd.AddCommand(settleCmd())
	rootCmd.AddCommand(mirrorCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(deviceKeyCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(serveCmd())
}

func actor() string {
	return viper.GetString("actor-address")
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectStatusCmd())
	prj.AddCommand(projectUseCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := e.Config.Project.ID
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"project_id": p.ID,
					"status":     p.Status,
				}
				if s, err := e.Repo.GetSession(ctx, projectID); err == nil {
					out["state_version"] = s.StateVersion
					out["session_closed"] = s.Closed
				}
				if saved, err := e.GasSaved(ctx, projectID); err == nil {
					out["gas_saved"] = saved
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Project: %s (%s)\n", p.ID, p.Status)
				if v, ok := out["state_version"]; ok {
					fmt.Printf("State version: %v (closed: %v)\n", v, out["session_closed"])
				} else {
					fmt.Println("Session: none")
				}
				if saved, ok := out["gas_saved"]; ok {
					fmt.Printf("Gas saved: %v\n", saved)
				}
				return nil
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "ESCROWLINE_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set ESCROWLINE_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage project config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default escrowline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrIndent(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from a YAML file into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			if err := os.WriteFile(config.Path(workspace), data, 0o644); err != nil {
				return err
			}
			return printJSONOrIndent(cfg)
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage the off-chain session",
		Long: `A session is one project's coordination channel with the ledger.
Creating it is idempotent per project id: an existing session is resumed,
never recreated. Every accepted operation bumps the state version by one.`,
	}
	s.AddCommand(sessionCreateCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionCloseCmd())
	return s
}

func sessionCreateCmd() *cobra.Command {
	var client, description, filePath string
	var milestones []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create (or resume) the project session",
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := milestoneSpecs(milestones, filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSession(ctx, engine.SessionCreateOptions{
					ProjectID:   e.Config.Project.ID,
					Client:      client,
					Milestones:  specs,
					Description: description,
				})
				if err != nil {
					return err
				}
				return printSession(s)
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "client wallet address")
	cmd.Flags().StringArrayVar(&milestones, "milestone", []string{}, "milestone spec 'id:worker:amount[:dep1,dep2]' (repeatable)")
	cmd.Flags().StringVar(&filePath, "file", "", "JSON file with milestone specs")
	cmd.Flags().StringVar(&description, "description", "", "project description")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ResumeSession(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printSession(s)
			})
		},
	}
	return cmd
}

func sessionCloseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "close",
		Short: "Notify the ledger that the session is finished",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.CloseSession(ctx, e.Config.Project.ID, reason); err != nil {
					return err
				}
				fmt.Println("session close sent")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "close reason")
	return cmd
}

func milestoneCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "milestone",
		Short: "Drive milestone state",
		Long: `Milestones flow pending -> submitted -> approved (or back to
under_revision, up to the revision limit). Dependencies must be terminal
(approved, paid or cancelled) before work can be submitted.`,
	}
	m.AddCommand(milestoneListCmd())
	m.AddCommand(milestoneSubmitCmd())
	m.AddCommand(milestoneApproveCmd())
	m.AddCommand(milestoneReviseCmd())
	return m
}

func milestoneListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List milestones with session and mirror status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ResumeSession(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				mirror, err := e.Repo.ListMirror(ctx, s.ProjectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"milestones": s.Snapshot.Milestones, "mirror": mirror})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Worker", "Amount", "Status", "Mirror", "Revisions", "Deps"})
				for _, m := range s.Snapshot.Milestones {
					mirrorStatus := ""
					if rec, ok := mirror[m.ID]; ok {
						mirrorStatus = string(rec.Status)
					}
					tw.AppendRow(table.Row{
						m.ID, m.Worker, m.Amount, m.Status, mirrorStatus,
						fmt.Sprintf("%d/%d", m.RevisionCount, m.RevisionLimit),
						strings.Join(m.Dependencies, ","),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func milestoneSubmitCmd() *cobra.Command {
	var proofHash string
	cmd := &cobra.Command{
		Use:   "submit <milestone-id>",
		Short: "Submit work for a milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if proofHash == "" {
				return fmt.Errorf("--proof-hash required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SubmitWork(ctx, e.Config.Project.ID, args[0], actor(), proofHash)
				if err != nil {
					return err
				}
				return printSession(s)
			})
		},
	}
	cmd.Flags().StringVar(&proofHash, "proof-hash", "", "content hash of the delivered work")
	return cmd
}

func milestoneApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <milestone-id>",
		Short: "Approve submitted work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ApproveMilestone(ctx, e.Config.Project.ID, args[0], actor())
				if err != nil {
					return err
				}
				return printSession(s)
			})
		},
	}
	return cmd
}

func milestoneReviseCmd() *cobra.Command {
	var feedback string
	cmd := &cobra.Command{
		Use:   "revise <milestone-id>",
		Short: "Send submitted work back for revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if feedback == "" {
				return fmt.Errorf("--feedback required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RequestRevision(ctx, e.Config.Project.ID, args[0], actor(), feedback)
				if err != nil {
					return err
				}
				return printSession(s)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "revision feedback for the worker")
	return cmd
}

func disputeCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dispute",
		Short: "Manage milestone disputes",
		Long: `At most one unresolved dispute can exist per milestone. Resolving
for the client cancels the milestone; resolving for the worker (or split)
approves it. Cancelling a dispute restores the milestone's prior status.`,
	}
	d.AddCommand(disputeRaiseCmd())
	d.AddCommand(disputeResolveCmd())
	d.AddCommand(disputeCancelCmd())
	d.AddCommand(disputeListCmd())
	return d
}

func disputeRaiseCmd() *cobra.Command {
	var disputeType, reason string
	cmd := &cobra.Command{
		Use:   "raise <milestone-id>",
		Short: "Raise a dispute on a milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return fmt.Errorf("--reason required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, disputeID, err := e.RaiseDispute(ctx, e.Config.Project.ID, args[0], actor(), disputeType, reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"dispute_id": disputeID, "session": s})
				}
				fmt.Printf("Dispute %s raised\n", disputeID)
				return printSession(s)
			})
		},
	}
	cmd.Flags().StringVar(&disputeType, "type", "quality", "dispute type")
	cmd.Flags().StringVar(&reason, "reason", "", "dispute reason")
	return cmd
}

func disputeResolveCmd() *cobra.Command {
	var resolution string
	cmd := &cobra.Command{
		Use:   "resolve <milestone-id> <dispute-id>",
		Short: "Resolve an open dispute",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch resolution {
			case "client", "worker", "split":
			default:
				return fmt.Errorf("--resolution must be client, worker or split")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ResolveDispute(ctx, e.Config.Project.ID, args[0], args[1], actor(), domain.Resolution(resolution))
				if err != nil {
					return err
				}
				return printSession(s)
			})
		},
	}
	cmd.Flags().StringVar(&resolution, "resolution", "", "resolution (client, worker, split)")
	_ = cmd.MarkFlagRequired("resolution")
	return cmd
}

func disputeCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <milestone-id> <dispute-id>",
		Short: "Withdraw an open dispute",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CancelDispute(ctx, e.Config.Project.ID, args[0], args[1], actor())
				if err != nil {
					return err
				}
				return printSession(s)
			})
		},
	}
	return cmd
}

func disputeListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List disputes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ResumeSession(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s.Snapshot.Disputes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Milestone", "Status", "Raised By", "Resolution", "Reason"})
				for _, d := range s.Snapshot.Disputes {
					resolution := ""
					if d.Resolution != nil {
						resolution = string(*d.Resolution)
					}
					tw.AppendRow(table.Row{d.ID, d.MilestoneID, d.Status, d.RaisedBy, resolution, d.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func settleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Batch-settle matured milestones on-chain",
		Long: `Settles everything that has matured since the last settlement in a
single transaction: payouts for approved milestones, refunds for cancelled
ones. Milestones already terminal on-chain are skipped; the durable mirror
wins over the in-memory session when they disagree.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				receipt, err := e.Settle(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(receipt)
				}
				if receipt.TransactionHash != "" {
					fmt.Printf("Settled in tx %s\n", receipt.TransactionHash)
				} else {
					fmt.Println("Nothing to settle on-chain")
				}
				fmt.Printf("To workers: %d  To client: %d  Platform fee: %d\n",
					receipt.TotalToWorkers, receipt.TotalToClient, receipt.PlatformFee)
				for _, p := range receipt.Payments {
					fmt.Printf("  %s -> %s: %d (%s)\n", p.MilestoneID, p.Recipient, p.Amount, p.Kind)
				}
				return nil
			})
		},
	}
	return cmd
}

func mirrorCmd() *cobra.Command {
	m := &cobra.Command{Use: "mirror", Short: "Inspect the durable mirror"}
	m.AddCommand(mirrorShowCmd())
	m.AddCommand(mirrorRefreshCmd())
	return m
}

func mirrorShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show mirror state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := e.Config.Project.ID
				milestones, err := e.Repo.ListMirror(ctx, projectID)
				if err != nil {
					return err
				}
				disputes, err := e.Repo.ListMirrorDisputes(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"milestones": milestones, "disputes": disputes})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Milestone", "Status", "Updated"})
				for id, rec := range milestones {
					tw.AppendRow(table.Row{id, rec.Status, rec.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func mirrorRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Fold externally-resolved disputes into the mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RefreshMirror(ctx, e.Config.Project.ID); err != nil {
					return err
				}
				fmt.Println("mirror refreshed")
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Operation log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var opType, milestoneID, status string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail the operation log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.ListOpLog(ctx, repo.OpLogFilters{
					ProjectID:   e.Config.Project.ID,
					Type:        opType,
					MilestoneID: milestoneID,
					Status:      status,
					Limit:       n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Milestone", "Status", "Version", "Proof", "Gas saved"})
				for _, entry := range entries {
					milestone := ""
					if entry.MilestoneID != nil {
						milestone = *entry.MilestoneID
					}
					tw.AppendRow(table.Row{
						entry.ID, entry.TS, entry.Type, milestone, entry.Status,
						entry.ResultingVersion, entry.ProofID, entry.GasSavedEstimate,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&opType, "type", "", "operation type filter")
	cmd.Flags().StringVar(&milestoneID, "milestone", "", "milestone filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, success, failed)")
	return cmd
}

func deviceKeyCmd() *cobra.Command {
	dk := &cobra.Command{Use: "device-key", Short: "Manage API device keys"}
	dk.AddCommand(deviceKeyCreateCmd())
	dk.AddCommand(deviceKeyListCmd())
	dk.AddCommand(deviceKeyDeleteCmd())
	return dk
}

func deviceKeyCreateCmd() *cobra.Command {
	var address, name, expiresAt string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a device key (printed once, only the hash is stored)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				return fmt.Errorf("--address required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC()
				if expiresAt == "" {
					expiresAt = now.AddDate(1, 0, 0).Format(time.RFC3339)
				}
				rawKey := "esc_" + uuid.NewString()
				key := domain.DeviceKey{
					ID:        uuid.NewString(),
					Address:   address,
					Name:      name,
					KeyHash:   repo.HashDeviceKey(rawKey),
					CreatedAt: now.Format(time.RFC3339),
					ExpiresAt: expiresAt,
				}
				if err := r.InsertDeviceKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "key": rawKey, "address": address, "expires_at": expiresAt})
				}
				fmt.Printf("Device key %s for %s (expires %s):\n%s\n", key.ID, address, expiresAt, rawKey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "wallet address the key acts for")
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "RFC3339 expiry (default 1 year)")
	return cmd
}

func deviceKeyListCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered device keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListDeviceKeys(ctx, address)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Address", "Name", "Created", "Expires"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Address, k.Name, k.CreatedAt, k.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "filter by address")
	return cmd
}

func deviceKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke a device key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteDeviceKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func walletCmd() *cobra.Command {
	w := &cobra.Command{Use: "wallet", Short: "Workspace wallet"}
	w.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the workspace wallet address (generated on first use)",
		RunE: func(cmd *cobra.Command, args []string) error {
			wallet, err := auth.EnsureWallet(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			signer, err := wallet.Current(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"address": signer.Address()})
			}
			fmt.Println(signer.Address())
			return nil
		},
	})
	return w
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Build(cmd.Context(), viper.GetString("workspace"), viper.GetString("project"))
			if err != nil {
				return err
			}
			defer rt.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("ESCROWLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ESCROWLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Escrowline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := app.Build(ctx, viper.GetString("workspace"), viper.GetString("project"))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

// milestoneSpecs parses --milestone flags ('id:worker:amount[:dep1,dep2]')
// or a JSON file holding an array of specs.
func milestoneSpecs(flags []string, filePath string) ([]engine.MilestoneSpec, error) {
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, err
		}
		var specs []engine.MilestoneSpec
		if err := json.Unmarshal(data, &specs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filePath, err)
		}
		return specs, nil
	}
	specs := make([]engine.MilestoneSpec, 0, len(flags))
	for _, raw := range flags {
		parts := strings.Split(raw, ":")
		if len(parts) < 3 || len(parts) > 4 {
			return nil, fmt.Errorf("invalid --milestone %q, want id:worker:amount[:dep1,dep2]", raw)
		}
		amount, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid amount in --milestone %q: %w", raw, err)
		}
		spec := engine.MilestoneSpec{ID: parts[0], Worker: parts[1], Amount: amount}
		if len(parts) == 4 && parts[3] != "" {
			spec.Dependencies = strings.Split(parts[3], ",")
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func printSession(s domain.Session) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	remote := ""
	if s.RemoteSessionID != nil {
		remote = *s.RemoteSessionID
	}
	fmt.Printf("Session %s (project %s, version %d, remote %s, closed %v)\n",
		s.SessionID, s.ProjectID, s.StateVersion, remote, s.Closed)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Milestone", "Worker", "Amount", "Status", "Revisions"})
	for _, m := range s.Snapshot.Milestones {
		tw.AppendRow(table.Row{m.ID, m.Worker, m.Amount, m.Status, fmt.Sprintf("%d/%d", m.RevisionCount, m.RevisionLimit)})
	}
	tw.Render()
	return nil
}

func printJSONOrIndent(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
