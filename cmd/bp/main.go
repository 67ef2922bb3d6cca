package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bullpen/internal/app"
	"bullpen/internal/config"
	"bullpen/internal/db"
	"bullpen/internal/domain"
	"bullpen/internal/engine"
	"bullpen/internal/repo"
	"bullpen/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bp",
	Short: "Bullpen CLI",
	Long: `Bullpen coordinates a fixed crew of workers sharing one backlog.
Core concepts:
- Workspace: the .bullpen directory holding the shared database; every worker points at the same one.
- Tasks: typed work items with priorities; workers claim them one at a time, and a claim either wins or comes back empty.
- Heartbeats: claimed work must keep a pulse; a silent worker loses its claim back to the backlog.
- Leases: resource locks with expiries, not mutexes; holders renew, everyone else polls.
- Messages and discussions: direct or broadcast notes between workers, plus append-only topic threads.
- Proposals and votes: crew governance with one vote per voter, resolved by quorum and threshold.
- Approvals: the human gate; approving can enqueue follow-on work, rejecting sends the notes back to the submitter.
- Providers: rate-limit aware selection with timed auto-clear.
- Outcomes and learnings: an execution ledger and a growing set of validated notes.
Event log: diary of everything that happened, view with 'bp log tail'.`,
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
	viper.SetEnvPrefix("BULLPEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("worker-id", "local-user", "worker identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("worker-id", rootCmd.PersistentFlags().Lookup("worker-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(msgCmd())
	rootCmd.AddCommand(talkCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(providerCmd())
	rootCmd.AddCommand(outcomeCmd())
	rootCmd.AddCommand(learningCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var crew string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace config and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists; use --force to overwrite", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(crew)), 0o644); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if e.Config != nil {
					for _, w := range e.Config.Crew.Workers {
						if _, err := e.RegisterWorker(ctx, w.ID, w.Role); err != nil {
							return err
						}
					}
				}
				fmt.Printf("Initialized %s (db at %s)\n", cfgPath, db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&crew, "crew", "bullpen", "crew name")
	return cmd
}

func configCmd() *cobra.Command {
	cfgC := &cobra.Command{
		Use:   "config",
		Short: "Crew config",
	}
	cfgC.AddCommand(configValidateCmd())
	return cfgC
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.FromFile(path)
			if err != nil {
				return err
			}
			fmt.Printf("%s ok: crew %s, %d workers, %d providers\n", path, cfg.Crew.Name, len(cfg.Crew.Workers), len(cfg.Providers.Order))
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show crew status",
		Long:  "The scoreboard: task counts per status, open proposals, pending approvals, live leases, limited providers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("Crew: %s\n", report.Crew)
				fmt.Println("Tasks:")
				for status, c := range report.Tasks {
					fmt.Printf("  %s: %d\n", status, c)
				}
				fmt.Printf("Open proposals: %d\n", report.OpenProposals)
				fmt.Printf("Pending approvals: %d\n", report.PendingApprovals)
				fmt.Printf("Live leases: %d\n", report.LiveLocks)
				fmt.Printf("Workers: %d\n", report.Workers)
				if len(report.LimitedProviders) > 0 {
					fmt.Printf("Limited providers: %s\n", strings.Join(report.LimitedProviders, ", "))
				}
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are the shared backlog. They flow pending -> claimed -> completed (failed/cancelled are exits), claims are exclusive, and stale claims are requeued.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskDoneCmd())
	task.AddCommand(taskFailCmd())
	task.AddCommand(taskCancelCmd())
	task.AddCommand(taskHeartbeatCmd())
	task.AddCommand(taskReclaimCmd())
	task.AddCommand(taskTreeCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var payload string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Enqueue a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("worker-id")
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload-json must be valid JSON")
				}
				opts.PayloadJSON = payload
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "task type")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority (higher runs sooner)")
	cmd.Flags().StringVar(&payload, "payload-json", "", "payload JSON")
	cmd.Flags().StringVar(&opts.RepoRef, "repo", "", "repository or branch reference")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent task id")
	cmd.Flags().StringVar(&opts.NotBefore, "not-before", "", "earliest claim time (RFC3339)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Prio", "Status", "Assigned", "Retries"})
				for _, t := range tasks {
					assigned := ""
					if t.AssignedTo != nil {
						assigned = *t.AssignedTo
					}
					tw.AppendRow(table.Row{t.ID, t.Type, t.Priority, t.Status, assigned, t.Retries})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "assignee filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent task id")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskClaimCmd() *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next task",
		Long:  "Takes the highest priority claimable task, oldest first on ties. Losing the race or finding nothing is not an error.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ClaimTask(ctx, viper.GetString("worker-id"), types)
				if err != nil {
					return err
				}
				if t == nil {
					fmt.Println("no claimable task")
					return nil
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringArrayVar(&types, "type", []string{}, "accepted task type (repeatable)")
	return cmd
}

func taskDoneCmd() *cobra.Command {
	var result string
	cmd := &cobra.Command{
		Use:   "done <id>",
		Short: "Complete a claimed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resultPtr *string
			if result != "" {
				if !json.Valid([]byte(result)) {
					return fmt.Errorf("--result-json must be valid JSON")
				}
				resultPtr = &result
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, args[0], viper.GetString("worker-id"), resultPtr)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&result, "result-json", "", "result JSON")
	return cmd
}

func taskFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Report a failed attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.FailTask(ctx, args[0], viper.GetString("worker-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or claimed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CancelTask(ctx, args[0], viper.GetString("worker-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskHeartbeatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heartbeat <id>",
		Short: "Refresh the claim on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Heartbeat(ctx, args[0], viper.GetString("worker-id"))
				if err != nil {
					return err
				}
				if t.Status == domain.TaskCancelled {
					fmt.Println("task was cancelled; stop working on it")
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskReclaimCmd() *cobra.Command {
	var timeoutSeconds int
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Requeue stale claimed tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reclaimed, err := e.ReclaimStale(ctx, time.Duration(timeoutSeconds)*time.Second, viper.GetString("worker-id"))
				if err != nil {
					return err
				}
				if len(reclaimed) == 0 {
					fmt.Println("nothing stale")
					return nil
				}
				return printJSONOrTable(reclaimed)
			})
		},
	}
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "staleness timeout in seconds (0 uses config)")
	return cmd
}

func taskTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show tasks as a parent/child tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{})
				if err != nil {
					return err
				}
				children := map[string][]domain.Task{}
				var roots []domain.Task
				for _, t := range tasks {
					if t.ParentID == nil {
						roots = append(roots, t)
						continue
					}
					children[*t.ParentID] = append(children[*t.ParentID], t)
				}
				for i, t := range roots {
					printTaskTree(t, children, "", i == len(roots)-1)
				}
				return nil
			})
		},
	}
	return cmd
}

func lockCmd() *cobra.Command {
	lock := &cobra.Command{
		Use:   "lock",
		Short: "Manage resource leases",
		Long:  "Leases are advisory locks with expiries. Acquire wins or reports the holder; nobody blocks.",
	}
	lock.AddCommand(lockAcquireCmd())
	lock.AddCommand(lockListCmd())
	lock.AddCommand(lockRenewCmd())
	lock.AddCommand(lockReleaseCmd())
	lock.AddCommand(lockPurgeCmd())
	return lock
}

func lockAcquireCmd() *cobra.Command {
	var ttlSeconds int
	cmd := &cobra.Command{
		Use:   "acquire <key>",
		Short: "Acquire a lease on a resource key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.AcquireLock(ctx, args[0], viper.GetString("worker-id"), time.Duration(ttlSeconds)*time.Second)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().IntVar(&ttlSeconds, "ttl", 0, "lease TTL in seconds (0 uses config)")
	return cmd
}

func lockListCmd() *cobra.Command {
	var includeExpired bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				now := time.Now().UTC().Format(time.RFC3339)
				locks, err := e.Repo.ListLocks(ctx, now, includeExpired)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(locks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Holder", "Acquired", "Expires"})
				for _, l := range locks {
					tw.AppendRow(table.Row{l.ResourceKey, l.Holder, l.AcquiredAt, l.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeExpired, "all", false, "include expired leases")
	return cmd
}

func lockRenewCmd() *cobra.Command {
	var ttlSeconds int
	cmd := &cobra.Command{
		Use:   "renew <key>",
		Short: "Extend a held lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.RenewLock(ctx, args[0], viper.GetString("worker-id"), time.Duration(ttlSeconds)*time.Second)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().IntVar(&ttlSeconds, "ttl", 0, "lease TTL in seconds (0 uses config)")
	return cmd
}

func lockReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release <key>",
		Short: "Release a held lease (no-op if not the holder)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ReleaseLock(ctx, args[0], viper.GetString("worker-id"))
			})
		},
	}
	return cmd
}

func lockPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove expired leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.PurgeExpiredLocks(ctx, viper.GetString("worker-id"))
				if err != nil {
					return err
				}
				fmt.Printf("purged %d\n", n)
				return nil
			})
		},
	}
	return cmd
}

func msgCmd() *cobra.Command {
	msg := &cobra.Command{
		Use:   "msg",
		Short: "Worker messaging",
		Long:  "Direct or broadcast messages. Delivery is at-least-once: poll, act, then mark read.",
	}
	msg.AddCommand(msgSendCmd())
	msg.AddCommand(msgPollCmd())
	msg.AddCommand(msgReadCmd())
	return msg
}

func msgSendCmd() *cobra.Command {
	var to, msgType, payload string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message (omit --to for broadcast)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload != "" && !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload-json must be valid JSON")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SendMessage(ctx, engine.SendMessageOptions{
					From:        viper.GetString("worker-id"),
					To:          to,
					Type:        msgType,
					PayloadJSON: payload,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "recipient worker id (empty broadcasts)")
	cmd.Flags().StringVar(&msgType, "type", "", "message type")
	cmd.Flags().StringVar(&payload, "payload-json", "", "payload JSON")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func msgPollCmd() *cobra.Command {
	var since string
	var limit int
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Poll unread messages for this worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, err := e.PollMessages(ctx, viper.GetString("worker-id"), since, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(msgs)
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "also include read messages after this time (RFC3339)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max messages")
	return cmd
}

func msgReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <id>",
		Short: "Mark a message read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.MarkMessageRead(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	return cmd
}

func talkCmd() *cobra.Command {
	talk := &cobra.Command{
		Use:   "talk",
		Short: "Discussion threads",
		Long:  "Append-only topic threads the whole crew can read.",
	}
	talk.AddCommand(talkPostCmd())
	talk.AddCommand(talkListCmd())
	talk.AddCommand(talkTopicsCmd())
	return talk
}

func talkPostCmd() *cobra.Command {
	var topic, content string
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Post to a topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.PostDiscussion(ctx, viper.GetString("worker-id"), topic, content)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "topic")
	cmd.Flags().StringVar(&content, "content", "", "post content")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func talkListCmd() *cobra.Command {
	var f repo.DiscussionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List posts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				posts, err := e.ListDiscussion(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(posts)
			})
		},
	}
	cmd.Flags().StringVar(&f.Topic, "topic", "", "topic filter")
	cmd.Flags().StringVar(&f.Since, "since", "", "posts after this time (RFC3339)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func talkTopicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "List topics by recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				topics, err := e.Repo.ListDiscussionTopics(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(topics)
			})
		},
	}
	return cmd
}

func proposalCmd() *cobra.Command {
	prop := &cobra.Command{
		Use:   "proposal",
		Short: "Crew governance proposals",
		Long:  "Open a proposal, let the crew vote, then resolve it by quorum and threshold. Resolution sticks; re-resolving returns the recorded outcome.",
	}
	prop.AddCommand(proposalCreateCmd())
	prop.AddCommand(proposalListCmd())
	prop.AddCommand(proposalShowCmd())
	prop.AddCommand(proposalVoteCmd())
	prop.AddCommand(proposalResolveCmd())
	return prop
}

func proposalCreateCmd() *cobra.Command {
	var opts engine.ProposalCreateOptions
	var payload string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Author = viper.GetString("worker-id")
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload-json must be valid JSON")
				}
				opts.PayloadJSON = payload
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProposal(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "proposal id (optional)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "kind (add-worker, remove-worker, rule-change)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Rationale, "rationale", "", "rationale")
	cmd.Flags().StringVar(&payload, "payload-json", "", "payload JSON")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func proposalListCmd() *cobra.Command {
	var f repo.ProposalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProposals(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (open, approved, rejected)")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show proposal with votes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				votes, err := e.Repo.ListVotes(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"proposal": p,
					"votes":    votes,
					"tally":    engine.TallyVotes(votes),
				})
			})
		},
	}
	return cmd
}

func proposalVoteCmd() *cobra.Command {
	var stance, reason string
	cmd := &cobra.Command{
		Use:   "vote <id>",
		Short: "Cast a vote (one per voter)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CastVote(ctx, args[0], viper.GetString("worker-id"), stance, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&stance, "stance", "", "for or against")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	_ = cmd.MarkFlagRequired("stance")
	return cmd
}

func proposalResolveCmd() *cobra.Command {
	var quorum int
	var threshold float64
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a proposal from its votes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, tally, err := e.ResolveProposal(ctx, args[0], quorum, threshold, viper.GetString("worker-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"proposal": p,
					"tally":    tally,
				})
			})
		},
	}
	cmd.Flags().IntVar(&quorum, "quorum", 0, "minimum votes (0 uses config)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "approval share (0 uses config)")
	return cmd
}

func approvalCmd() *cobra.Command {
	appr := &cobra.Command{
		Use:   "approval",
		Short: "Human approval gate",
		Long:  "Submit specs, merges, deploys or tasks for a human decision. Approval can enqueue the follow-on task; rejection messages the submitter with the notes.",
	}
	appr.AddCommand(approvalSubmitCmd())
	appr.AddCommand(approvalListCmd())
	appr.AddCommand(approvalShowCmd())
	appr.AddCommand(approvalApproveCmd())
	appr.AddCommand(approvalRejectCmd())
	return appr
}

func approvalSubmitCmd() *cobra.Command {
	var opts engine.ApprovalSubmitOptions
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an item for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SubmittedBy = viper.GetString("worker-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SubmitApproval(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "approval id (optional)")
	cmd.Flags().StringVar(&opts.ItemType, "type", "", "item type (spec, merge, deploy, generic-task)")
	cmd.Flags().StringVar(&opts.Reference, "ref", "", "referenced entity (task id, branch, artifact)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func approvalListCmd() *cobra.Command {
	var f repo.ApprovalFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListApprovals(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (pending, approved, rejected)")
	cmd.Flags().StringVar(&f.ItemType, "type", "", "item type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func approvalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show approval item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetApproval(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func approvalApproveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.DecideApproval(ctx, args[0], domain.ApprovalApproved, viper.GetString("worker-id"), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes")
	return cmd
}

func approvalRejectCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.DecideApproval(ctx, args[0], domain.ApprovalRejected, viper.GetString("worker-id"), notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes")
	return cmd
}

func providerCmd() *cobra.Command {
	prov := &cobra.Command{
		Use:   "provider",
		Short: "Provider health",
		Long:  "Track which upstream providers are rate limited. Limits clear themselves once the reset time passes.",
	}
	prov.AddCommand(providerListCmd())
	prov.AddCommand(providerSelectCmd())
	prov.AddCommand(providerLimitCmd())
	prov.AddCommand(providerClearCmd())
	return prov
}

func providerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List provider health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProviderHealth(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func providerSelectCmd() *cobra.Command {
	var prefer []string
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Pick the first unlimited provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				provider, err := e.SelectProvider(ctx, prefer...)
				if err != nil {
					return err
				}
				fmt.Println(provider)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&prefer, "prefer", []string{}, "candidate provider in order (repeatable; empty uses config)")
	return cmd
}

func providerLimitCmd() *cobra.Command {
	var resetAt string
	cmd := &cobra.Command{
		Use:   "limit <provider>",
		Short: "Report a provider rate limited",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var reset time.Time
			if resetAt != "" {
				parsed, err := time.Parse(time.RFC3339, resetAt)
				if err != nil {
					return fmt.Errorf("--reset-at must be RFC3339: %w", err)
				}
				reset = parsed
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ph, err := e.ReportProviderLimited(ctx, args[0], reset, viper.GetString("worker-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	cmd.Flags().StringVar(&resetAt, "reset-at", "", "when the limit lifts (RFC3339; empty means until cleared)")
	return cmd
}

func providerClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear <provider>",
		Short: "Clear a provider limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ph, err := e.ClearProviderLimit(ctx, args[0], viper.GetString("worker-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ph)
			})
		},
	}
	return cmd
}

func outcomeCmd() *cobra.Command {
	out := &cobra.Command{
		Use:   "outcome",
		Short: "Execution outcome ledger",
	}
	out.AddCommand(outcomeRecordCmd())
	out.AddCommand(outcomeListCmd())
	out.AddCommand(outcomeSummaryCmd())
	return out
}

func outcomeRecordCmd() *cobra.Command {
	var opts engine.OutcomeRecordOptions
	var durationMS int64
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a task outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkerID = viper.GetString("worker-id")
			opts.Duration = time.Duration(durationMS) * time.Millisecond
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.RecordOutcome(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&opts.TaskType, "type", "", "task type (defaults from the task)")
	cmd.Flags().StringVar(&opts.Outcome, "outcome", "", "success, failure or partial")
	cmd.Flags().Int64Var(&durationMS, "duration-ms", 0, "execution duration in milliseconds")
	cmd.Flags().StringVar(&opts.ErrorSummary, "error", "", "error summary")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("outcome")
	return cmd
}

func outcomeListCmd() *cobra.Command {
	var f repo.OutcomeFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outcome records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListOutcomes(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkerID, "worker", "", "worker filter")
	cmd.Flags().StringVar(&f.TaskType, "type", "", "task type filter")
	cmd.Flags().StringVar(&f.Since, "since", "", "records after this time (RFC3339)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func outcomeSummaryCmd() *cobra.Command {
	var windowSeconds int
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Aggregate outcomes by worker and task type",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				summary, err := e.AggregateOutcomes(ctx, time.Duration(windowSeconds)*time.Second)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
	cmd.Flags().IntVar(&windowSeconds, "window", 0, "window in seconds (0 covers everything)")
	return cmd
}

func learningCmd() *cobra.Command {
	learn := &cobra.Command{
		Use:   "learning",
		Short: "Crew learnings",
		Long:  "Notes workers want remembered. Reinforcing bumps the validation count; content never changes.",
	}
	learn.AddCommand(learningAddCmd())
	learn.AddCommand(learningListCmd())
	learn.AddCommand(learningShowCmd())
	learn.AddCommand(learningReinforceCmd())
	return learn
}

func learningAddCmd() *cobra.Command {
	var opts engine.LearningAddOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a learning",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkerID = viper.GetString("worker-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.AddLearning(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Category, "category", "", "category")
	cmd.Flags().StringVar(&opts.Content, "content", "", "what was learned")
	cmd.Flags().Float64Var(&opts.Confidence, "confidence", 0.5, "confidence between 0 and 1")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func learningListCmd() *cobra.Command {
	var f repo.LearningFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List learnings (most validated first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListLearnings(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Worker", "Category", "Confidence", "Validated"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.ID, l.WorkerID, l.Category, l.Confidence, l.ValidationCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkerID, "worker", "", "worker filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func learningShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show learning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.Repo.GetLearning(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func learningReinforceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reinforce <id>",
		Short: "Reinforce a learning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.ReinforceLearning(ctx, args[0], viper.GetString("worker-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func workerCmd() *cobra.Command {
	worker := &cobra.Command{
		Use:   "worker",
		Short: "Worker registry and credentials",
	}
	worker.AddCommand(workerRegisterCmd())
	worker.AddCommand(workerListCmd())
	worker.AddCommand(workerShowCmd())
	worker.AddCommand(workerRemoveCmd())
	worker.AddCommand(workerKeyCmd())
	worker.AddCommand(workerKeysCmd())
	worker.AddCommand(workerRevokeKeyCmd())
	return worker
}

func workerRegisterCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "register <id>",
		Short: "Register a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.RegisterWorker(ctx, args[0], role)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "worker role")
	return cmd
}

func workerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Role", "Registered", "Last seen"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Role, w.RegisteredAt, w.LastSeenAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workerShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWorker(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workerRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a worker from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.DeleteWorker(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("worker %s removed; roster entries live in bullpen.yml\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func workerKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "key <worker-id>",
		Short: "Mint an API key (secret is shown once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := e.MintAPIKey(ctx, args[0], name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("key id: %s\nsecret: %s\n", key.ID, secret)
				fmt.Println("store the secret now; only its hash is kept")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

func workerKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys <worker-id>",
		Short: "List API keys for a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func workerRevokeKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke-key <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("key %s revoked\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logC := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	logC.AddCommand(logTailCmd())
	return logC
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowDevHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			a, err := app.Open(app.Options{Workspace: workspace, RequireConfig: true})
			if err != nil {
				return err
			}
			defer a.Close()
			e := a.Engine
			authCfg := server.AuthConfig{
				JWTSecret:               os.Getenv("BULLPEN_JWT_SECRET"),
				AllowLegacyWorkerHeader: allowDevHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("BULLPEN_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			go runMaintenance(cmd.Context(), e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Bullpen API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowDevHeader, "allow-dev-header", false, "accept X-Worker-Id without credentials (dev only)")
	return cmd
}

// runMaintenance requeues stale claims and purges lapsed leases on a timer,
// so the crew stays healthy even when no worker volunteers for janitor duty.
func runMaintenance(ctx context.Context, e engine.Engine) {
	every := 30 * time.Second
	if e.Config != nil && e.Config.Policies.Tasks.HeartbeatSeconds > 0 {
		every = time.Duration(e.Config.Policies.Tasks.HeartbeatSeconds) * time.Second
	}
	logger := slog.Default().With("component", "maintenance")
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reclaimed, err := e.ReclaimStale(ctx, 0, "maintenance"); err != nil {
				logger.Error("reclaim stale", "err", err)
			} else if len(reclaimed) > 0 {
				logger.Info("requeued stale tasks", "count", len(reclaimed))
			}
			if n, err := e.PurgeExpiredLocks(ctx, "maintenance"); err != nil {
				logger.Error("purge leases", "err", err)
			} else if n > 0 {
				logger.Info("purged expired leases", "count", n)
			}
		}
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func printJSONOrTable(v any) error {
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

func printTaskTree(t domain.Task, children map[string][]domain.Task, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s (%s) [%s]\n", prefix, connector, t.ID, t.Type, t.Status)
	for i, c := range children[t.ID] {
		printTaskTree(c, children, newPrefix, i == len(children[t.ID])-1)
	}
}
