package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sitepunch/internal/app"
	"sitepunch/internal/config"
	"sitepunch/internal/db"
	"sitepunch/internal/domain"
	"sitepunch/internal/engine"
	"sitepunch/internal/logging"
	"sitepunch/internal/migrate"
	"sitepunch/internal/queue"
	"sitepunch/internal/repo"
	"sitepunch/internal/server"
	sitepunchsdk "sitepunch/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "sp",
	Short: "Sitepunch CLI",
	Long: `Sitepunch tracks job-site attendance with offline-tolerant clock-ins.
Core concepts:
- Workspace: your .sitepunch directory holding the server database and the device queue.
- Tenant: one company; every job, worker and time entry belongs to exactly one.
- Jobs: physical sites with a geofence (center + radius); workers must be assigned before clocking in.
- Time entries: active -> pending -> approved/rejected; clock-out closes the shift and tags exceptions.
- Queue: clock actions captured offline and replayed in order with 'sp queue drain'; idempotency keys make replays safe.
- Review: managers approve or reject pending entries, singly or in bulk; workers can dispute.
- Event log: diary of changes, view with 'sp log tail'.`,
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
	_ = godotenv.Load()
	viper.SetEnvPrefix("SITEPUNCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(clockCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(entriesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func tenantCmd() *cobra.Command {
	t := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	t.AddCommand(tenantInitCmd())
	return t
}

func tenantInitCmd() *cobra.Command {
	var id, fromFile string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a tenant and its config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", cfgPath)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			var cfg *config.Config
			if fromFile != "" {
				cfg, err = config.FromFile(fromFile)
			} else {
				cfg, err = config.Load(workspace)
			}
			if err != nil {
				return err
			}
			if cfg.Tenant.ID == "" {
				cfg.Tenant.ID = id
			}
			e := engine.New(conn, cfg)
			stored, err := e.InitTenant(cmd.Context(), id, viper.GetString("actor-id"), cfg)
			if err != nil {
				return err
			}
			return printJSONOrTable(stored)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().StringVar(&fromFile, "config", "", "seed tenant config from a YAML file")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect tenant config",
		Long:  "Config is the rulebook (stored in DB, seeded from sitepunch.yml): geofence enforcement and radius, review thresholds, queue bounds, webhooks.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
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

func clockCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "clock",
		Short: "Capture clock actions into the offline queue",
		Long:  "Clock actions are captured locally first and replayed to the server with 'sp queue drain'. A generated idempotency key makes every replay safe.",
	}
	c.AddCommand(clockInCmd())
	c.AddCommand(clockOutCmd())
	return c
}

func clockInCmd() *cobra.Command {
	var jobID, workerID, at, key string
	var lat, lng, accuracy float64
	cmd := &cobra.Command{
		Use:   "in",
		Short: "Queue a clock-in",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workerID == "" {
				workerID = viper.GetString("actor-id")
			}
			if at == "" {
				at = time.Now().UTC().Format(time.RFC3339)
			}
			if key == "" {
				key = uuid.NewString()
			}
			op := queue.Operation{
				Kind:           queue.KindClockIn,
				IdempotencyKey: key,
				ClockIn: &queue.ClockInPayload{
					WorkerID: workerID,
					JobID:    jobID,
					At:       at,
					Location: domain.Location{Lat: lat, Lng: lng, Accuracy: accuracy},
				},
			}
			return withQueue(cmd.Context(), func(ctx context.Context, q *queue.Queue) error {
				res, err := q.Enqueue(ctx, op)
				if err != nil {
					return err
				}
				if warn, err := q.ShouldWarn(ctx); err == nil && warn {
					fmt.Fprintln(os.Stderr, "warning: queue is filling up; drain soon")
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id (defaults to actor-id)")
	cmd.Flags().StringVar(&at, "at", "", "timestamp (RFC3339, defaults to now)")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (generated if empty)")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	cmd.Flags().Float64Var(&accuracy, "accuracy", 0, "GPS accuracy in meters")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	return cmd
}

func clockOutCmd() *cobra.Command {
	var workerID, at, key string
	var lat, lng, accuracy float64
	cmd := &cobra.Command{
		Use:   "out",
		Short: "Queue a clock-out",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workerID == "" {
				workerID = viper.GetString("actor-id")
			}
			if at == "" {
				at = time.Now().UTC().Format(time.RFC3339)
			}
			if key == "" {
				key = uuid.NewString()
			}
			op := queue.Operation{
				Kind:           queue.KindClockOut,
				IdempotencyKey: key,
				ClockOut: &queue.ClockOutPayload{
					WorkerID: workerID,
					At:       at,
					Location: domain.Location{Lat: lat, Lng: lng, Accuracy: accuracy},
				},
			}
			return withQueue(cmd.Context(), func(ctx context.Context, q *queue.Queue) error {
				res, err := q.Enqueue(ctx, op)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id (defaults to actor-id)")
	cmd.Flags().StringVar(&at, "at", "", "timestamp (RFC3339, defaults to now)")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (generated if empty)")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	cmd.Flags().Float64Var(&accuracy, "accuracy", 0, "GPS accuracy in meters")
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drain the offline queue",
	}
	q.AddCommand(queueDrainCmd())
	q.AddCommand(queueListCmd())
	q.AddCommand(queueStatsCmd())
	q.AddCommand(queueRetryCmd())
	q.AddCommand(queueClearCmd())
	q.AddCommand(queueCleanupCmd())
	return q
}

func queueDrainCmd() *cobra.Command {
	var serverURL, apiKey, token string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay queued operations to the server in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := sitepunchsdk.New(serverURL)
			client.APIKey = apiKey
			client.BearerToken = token
			if client.APIKey == "" {
				client.APIKey = os.Getenv("SITEPUNCH_API_KEY")
			}
			if client.BearerToken == "" {
				client.BearerToken = os.Getenv("SITEPUNCH_TOKEN")
			}
			return withQueueExec(cmd.Context(), sitepunchsdk.QueueExecutor{Client: client}, func(ctx context.Context, q *queue.Queue) error {
				report, err := q.DrainOnce(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "server base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (or SITEPUNCH_API_KEY)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (or SITEPUNCH_TOKEN)")
	return cmd
}

func queueListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(ctx context.Context, q *queue.Queue) error {
				ops, err := q.Operations(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ops)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "State", "Enqueued", "Retries", "Error"})
				for _, op := range ops {
					tw.AppendRow(table.Row{op.ID, op.Kind, op.State(), op.EnqueuedAt.Format(time.RFC3339), op.RetryCount, op.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func queueStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue counts and capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(ctx context.Context, q *queue.Queue) error {
				stats, err := q.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Total", "Queued", "Confirmed", "Failed", "Capacity", "Usage"})
				tw.AppendRow(table.Row{stats.Total, stats.Queued, stats.Confirmed, stats.Failed, stats.Capacity, fmt.Sprintf("%.0f%%", stats.UsagePct)})
				tw.Render()
				if warn, err := q.ShouldWarn(ctx); err == nil && warn {
					fmt.Println("warning: queue above warn threshold")
				}
				return nil
			})
		},
	}
	return cmd
}

func queueRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Requeue failed operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(ctx context.Context, q *queue.Queue) error {
				n, err := q.RetryFailed(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"requeued": n})
			})
		},
	}
	return cmd
}

func queueClearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete confirmed operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(ctx context.Context, q *queue.Queue) error {
				n, err := q.ClearProcessed(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"cleared": n})
			})
		},
	}
	return cmd
}

func queueCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete processed operations past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), func(ctx context.Context, q *queue.Queue) error {
				n, err := q.CleanupOldItems(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"removed": n})
			})
		},
	}
	return cmd
}

func jobCmd() *cobra.Command {
	j := &cobra.Command{
		Use:   "job",
		Short: "Manage job sites",
		Long:  "Jobs are physical sites with a geofence center and radius. Workers must be assigned to a job before they can clock in.",
	}
	j.AddCommand(jobCreateCmd())
	j.AddCommand(jobListCmd())
	j.AddCommand(jobAssignCmd())
	j.AddCommand(jobAssignmentsCmd())
	return j
}

func jobCreateCmd() *cobra.Command {
	var name string
	var lat, lng, radius float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job site",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.CreateJob(ctx, e.Config.Tenant.ID, name, lat, lng, radius, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "job name")
	cmd.Flags().Float64Var(&lat, "lat", 0, "site latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "site longitude")
	cmd.Flags().Float64Var(&radius, "radius", 0, "geofence radius in meters (0 uses tenant default)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	return cmd
}

func jobListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job sites",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				jobs, err := e.Repo.ListJobs(ctx, e.Config.Tenant.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(jobs)
			})
		},
	}
	return cmd
}

func jobAssignCmd() *cobra.Command {
	var jobID, workerID string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a worker to a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AssignWorker(ctx, e.Config.Tenant.ID, jobID, workerID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func jobAssignmentsCmd() *cobra.Command {
	var jobID string
	cmd := &cobra.Command{
		Use:   "assignments",
		Short: "List workers assigned to a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAssignments(ctx, e.Config.Tenant.ID, jobID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "job id")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func entriesCmd() *cobra.Command {
	en := &cobra.Command{
		Use:   "entries",
		Short: "List and review time entries",
		Long:  "Time entries flow active -> pending -> approved/rejected. Clock-out tags exceptions (outside geofence, over max shift, overlaps) for manager review.",
	}
	en.AddCommand(entriesListCmd())
	en.AddCommand(entriesReviewCmd())
	en.AddCommand(entriesApproveCmd())
	en.AddCommand(entriesRejectCmd())
	en.AddCommand(entriesDisputeCmd())
	en.AddCommand(entriesSweepCmd())
	return en
}

func entriesListCmd() *cobra.Command {
	var f repo.EntryFilters
	var tag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List time entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.TenantID = e.Config.Tenant.ID
				f.Tag = tag
				items, err := e.Repo.ListEntries(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Worker", "Job", "Status", "Clock In", "Clock Out", "Tags"})
				for _, it := range items {
					out := ""
					if it.ClockOutAt != nil {
						out = *it.ClockOutAt
					}
					tw.AppendRow(table.Row{it.ID, it.WorkerID, it.JobID, it.Status, it.ClockInAt, out, strings.Join(tagStrings(it.ExceptionTags), ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkerID, "worker", "", "worker filter")
	cmd.Flags().StringVar(&f.JobID, "job", "", "job filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (active, pending, approved, rejected)")
	cmd.Flags().StringVar(&tag, "tag", "", "exception tag filter")
	cmd.Flags().StringVar(&f.From, "from", "", "only entries clocked in at or after this RFC3339 time")
	cmd.Flags().StringVar(&f.To, "to", "", "only entries clocked in at or before this RFC3339 time")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max entries")
	return cmd
}

func entriesReviewCmd() *cobra.Command {
	var tag string
	var f engine.ReviewFilters
	cmd := &cobra.Command{
		Use:   "review",
		Short: "List pending entries awaiting review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.Tag = domain.ExceptionTag(tag)
				items, err := e.ListByException(ctx, e.Config.Tenant.ID, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "exception tag filter")
	cmd.Flags().StringVar(&f.From, "from", "", "only entries clocked in at or after this RFC3339 time")
	cmd.Flags().StringVar(&f.To, "to", "", "only entries clocked in at or before this RFC3339 time")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max entries")
	return cmd
}

func entriesApproveCmd() *cobra.Command {
	var ids []string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve pending entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if len(ids) == 1 {
					entry, err := e.Approve(ctx, e.Config.Tenant.ID, ids[0], viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					return printJSONOrTable(entry)
				}
				results := e.BulkApprove(ctx, e.Config.Tenant.ID, ids, viper.GetString("actor-id"))
				return printJSONOrTable(results)
			})
		},
	}
	cmd.Flags().StringArrayVar(&ids, "id", nil, "entry id (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func entriesRejectCmd() *cobra.Command {
	var ids []string
	var reason string
	cmd := &cobra.Command{
		Use:   "reject",
		Short: "Reject pending entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if len(ids) == 1 {
					entry, err := e.Reject(ctx, e.Config.Tenant.ID, ids[0], viper.GetString("actor-id"), reason)
					if err != nil {
						return err
					}
					return printJSONOrTable(entry)
				}
				results := e.BulkReject(ctx, e.Config.Tenant.ID, ids, viper.GetString("actor-id"), reason)
				return printJSONOrTable(results)
			})
		},
	}
	cmd.Flags().StringArrayVar(&ids, "id", nil, "entry id (repeatable)")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func entriesDisputeCmd() *cobra.Command {
	var id, reason string
	cmd := &cobra.Command{
		Use:   "dispute",
		Short: "Dispute a pending entry as its worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.Dispute(ctx, e.Config.Tenant.ID, id, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "entry id")
	cmd.Flags().StringVar(&reason, "reason", "", "dispute reason")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func entriesSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Auto clock out entries past the configured limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				closed, err := e.AutoClockOut(ctx, e.Config.Tenant.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(closed)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, e.Config.Tenant.ID, evtType, entityKind, entityID)
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

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	a.AddCommand(apikeyCreateCmd())
	a.AddCommand(apikeyListCmd())
	a.AddCommand(apikeyRevokeCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				rawKey := "sp_" + hex.EncodeToString(raw)
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					TenantID:  e.Config.Tenant.ID,
					Role:      role,
					Name:      name,
					KeyHash:   repo.HashAPIKey(rawKey),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "key": rawKey, "role": key.Role, "actor_id": key.ActorID})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&role, "role", "worker", "role (worker, manager, admin)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor-id")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, e.Config.Tenant.ID, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.DeleteAPIKey(ctx, e.Config.Tenant.ID, id); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"revoked": id})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var rps float64
	var burst int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			fileCfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			_, cfg, err := app.ResolveTenantAndConfig(cmd.Context(), viper.GetString("tenant"), fileCfg, r)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("SITEPUNCH_JWT_SECRET"), Logger: log}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SITEPUNCH_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:    e,
				BasePath:  basePath,
				Auth:      authCfg,
				RateLimit: server.RateLimitConfig{RPS: rps, Burst: burst},
			})
			if err != nil {
				return err
			}
			if len(cfg.Webhooks) > 0 {
				server.StartWebhookDispatcher(e, log)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Str("db", db.Path(workspace)).Msg("serving sitepunch API")
			fmt.Printf("Serving Sitepunch API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().Float64Var(&rps, "rate-rps", 0, "per-principal request rate limit (0 disables)")
	cmd.Flags().IntVar(&burst, "rate-burst", 0, "rate limit burst")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	_, cfg, err := app.ResolveTenantAndConfig(ctx, viper.GetString("tenant"), fileCfg, r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withQueue(ctx context.Context, fn func(context.Context, *queue.Queue) error) error {
	return withQueueExec(ctx, nil, fn)
}

func withQueueExec(ctx context.Context, exec queue.Executor, fn func(context.Context, *queue.Queue) error) error {
	workspace := viper.GetString("workspace")
	store, err := queue.OpenSQLiteStore(filepath.Join(workspace, ".sitepunch", "queue.db"))
	if err != nil {
		return err
	}
	defer store.Close()
	opts := queue.Options{}
	if cfg, err := config.LoadOptional(workspace); err == nil && cfg != nil {
		opts.Capacity = cfg.Queue.Capacity
		opts.WarnThreshold = cfg.Queue.WarnThreshold
		opts.Retention = time.Duration(cfg.Queue.RetentionDays) * 24 * time.Hour
	}
	log := logging.New("info", false)
	q := queue.New(store, exec, opts, log)
	return fn(ctx, q)
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

func tagStrings(tags []domain.ExceptionTag) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, string(t))
	}
	return out
}
