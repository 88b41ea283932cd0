package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pactline/internal/app"
	"pactline/internal/config"
	"pactline/internal/db"
	"pactline/internal/domain"
	"pactline/internal/engine"
	"pactline/internal/repo"
	"pactline/internal/scheduler"
	"pactline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pct",
	Short: "Pactline CLI",
	Long: `Pactline runs programmable agreements with escrow, milestones, and clauses.
Core concepts:
- Workspace: your .pactline directory with the database; settings live in pactline.yml.
- Agreement: the contract between issuer and counterparty; drafts collect terms,
  both parties sign, escrow funds, then it activates and terms freeze.
- Milestones: chunks of work with deliverables; approval by the issuer completes them.
- KPIs: measured targets; verified observations feed thresholds.
- Escrow: funded minor units split by release conditions (basis points of funded).
- Clauses: if-this-then-that rules (time, milestone, KPI, external event, mutual
  agreement) driving payments, notifications, amendments, disputes, termination.
- Disputes: freeze the disputed amount until a split resolution pays it out.
- Event log: append-only diary of changes, view with 'pct log tail'.`,
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
	viper.SetEnvPrefix("PACTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(agreementCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(kpiCmd())
	rootCmd.AddCommand(escrowCmd())
	rootCmd.AddCommand(clauseCmd())
	rootCmd.AddCommand(disputeCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write default pactline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func agreementCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agreement", Short: "Manage agreements"}
	ag.AddCommand(agreementCreateCmd())
	ag.AddCommand(agreementListCmd())
	ag.AddCommand(agreementShowCmd())
	ag.AddCommand(agreementStatusCmd())
	ag.AddCommand(agreementSignCmd())
	ag.AddCommand(agreementFundCmd())
	ag.AddCommand(agreementActivateCmd())
	ag.AddCommand(agreementCompleteCmd())
	ag.AddCommand(agreementTerminateCmd())
	ag.AddCommand(agreementEvaluateCmd())
	return ag
}

func agreementCreateCmd() *cobra.Command {
	var opts engine.AgreementCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create agreement draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = viper.GetString("actor-id")
				a, err := e.CreateAgreement(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "agreement id (generated when empty)")
	cmd.Flags().StringVar(&opts.IssuerID, "issuer", "", "issuer party id")
	cmd.Flags().StringVar(&opts.CounterpartyID, "counterparty", "", "counterparty party id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "ISO currency (defaults from config)")
	cmd.Flags().Int64Var(&opts.TotalFunding, "total-funding", 0, "total funding in minor units")
	cmd.Flags().StringVar(&opts.StartsAt, "starts-at", "", "RFC3339 start")
	cmd.Flags().StringVar(&opts.EndsAt, "ends-at", "", "RFC3339 end")
	cmd.Flags().IntVar(&opts.NoticeDays, "notice-days", 0, "termination notice days")
	cmd.Flags().StringVar(&opts.Compensation, "compensation", "", "compensation terms JSON")
	_ = cmd.MarkFlagRequired("issuer")
	_ = cmd.MarkFlagRequired("counterparty")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func agreementListCmd() *cobra.Command {
	var f repo.AgreementFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agreements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAgreements(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Issuer", "Counterparty", "Funded", "Total"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Title, a.Status, a.IssuerID, a.CounterpartyID, a.FundedAmount, a.TotalFunding})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.PartyID, "party", "", "party filter (issuer or counterparty)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func agreementShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <agreement-id>",
		Short: "Show agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAgreement(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	return cmd
}

func agreementStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <agreement-id>",
		Short: "Show escrow and progress summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAgreement(ctx, args[0])
				if err != nil {
					return err
				}
				es, err := e.EscrowStatus(ctx, a.ID)
				if err != nil {
					return err
				}
				milestones, err := e.Repo.ListMilestones(ctx, a.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"agreement": a, "escrow": es, "milestones": milestones})
				}
				fmt.Printf("%s  [%s]  %s\n", a.ID, a.Status, a.Title)
				fmt.Printf("escrow %s: funded %d/%d, released %d, frozen %d, releasable %d\n",
					es.Currency, es.Funded, es.TotalFunding, es.Released, es.Frozen, es.Releasable)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Milestone", "Title", "Status", "Due"})
				for _, m := range milestones {
					tw.AppendRow(table.Row{m.ID, m.Title, m.Status, m.DueAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agreementSignCmd() *cobra.Command {
	var signer, role, hash string
	cmd := &cobra.Command{
		Use:   "sign <agreement-id>",
		Short: "Record a signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RecordSignature(ctx, args[0], signer, role, hash, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&signer, "signer", "", "signer party id")
	cmd.Flags().StringVar(&role, "role", "", "issuer|counterparty|witness")
	cmd.Flags().StringVar(&hash, "hash", "", "signature hash")
	_ = cmd.MarkFlagRequired("signer")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func agreementFundCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "fund <agreement-id>",
		Short: "Deposit escrow funds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Fund(ctx, args[0], amount, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount in minor units")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func agreementActivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate <agreement-id>",
		Short: "Activate a fully signed and funded agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Activate(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	return cmd
}

func agreementCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <agreement-id>",
		Short: "Complete agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Complete(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	return cmd
}

func agreementTerminateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "terminate <agreement-id>",
		Short: "Terminate agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Terminate(ctx, args[0], reason, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "termination reason")
	return cmd
}

func agreementEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <agreement-id>",
		Short: "Evaluate clauses and release conditions once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fires, err := e.EvaluateClauses(ctx, args[0])
				if err != nil {
					return err
				}
				releases, err := e.EvaluateEscrow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]int{"clause_fires": fires, "condition_releases": releases})
			})
		},
	}
	return cmd
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{Use: "milestone", Short: "Manage milestones and deliverables"}
	ms.AddCommand(milestoneAddCmd())
	ms.AddCommand(milestoneListCmd())
	ms.AddCommand(milestoneApproveCmd())
	ms.AddCommand(milestoneCancelCmd())
	ms.AddCommand(milestoneReviseCmd())
	ms.AddCommand(deliverableCmd())
	return ms
}

func milestoneAddCmd() *cobra.Command {
	var opts engine.MilestoneCreateOptions
	var payoutBps int
	cmd := &cobra.Command{
		Use:   "add <agreement-id>",
		Short: "Add milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.AgreementID = args[0]
				opts.ActorID = viper.GetString("actor-id")
				if cmd.Flags().Changed("payout-bps") {
					opts.PayoutBps = &payoutBps
				}
				m, err := e.AddMilestone(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "milestone id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.DueAt, "due-at", "", "RFC3339 deadline")
	cmd.Flags().IntVar(&payoutBps, "payout-bps", 0, "payout share in basis points")
	cmd.Flags().StringSliceVar(&opts.Deliverables, "deliverable", nil, "deliverable title (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func milestoneListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <agreement-id>",
		Short: "List milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMilestones(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Due", "Payout bps"})
				for _, m := range items {
					bps := ""
					if m.PayoutBps != nil {
						bps = fmt.Sprintf("%d", *m.PayoutBps)
					}
					tw.AppendRow(table.Row{m.ID, m.Title, m.Status, m.DueAt, bps})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func milestoneApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <milestone-id>",
		Short: "Approve milestone (completes it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.ApproveMilestone(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	return cmd
}

func milestoneCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <milestone-id>",
		Short: "Cancel milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CancelMilestone(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	return cmd
}

func milestoneReviseCmd() *cobra.Command {
	var deadline, note string
	cmd := &cobra.Command{
		Use:   "revise <milestone-id>",
		Short: "Request a revision with a new deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rev, err := e.RequestRevision(ctx, args[0], deadline, note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(rev)
			})
		},
	}
	cmd.Flags().StringVar(&deadline, "deadline", "", "RFC3339 new deadline")
	cmd.Flags().StringVar(&note, "note", "", "revision note")
	_ = cmd.MarkFlagRequired("deadline")
	return cmd
}

func deliverableCmd() *cobra.Command {
	del := &cobra.Command{Use: "deliverable", Short: "Manage deliverables"}

	var title string
	var acceptance []string
	add := &cobra.Command{
		Use:   "add <milestone-id>",
		Short: "Add deliverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.AddDeliverable(ctx, args[0], title, acceptance, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	add.Flags().StringVar(&title, "title", "", "title")
	add.Flags().StringSliceVar(&acceptance, "acceptance", nil, "acceptance criterion (repeatable)")
	_ = add.MarkFlagRequired("title")

	var file string
	submit := &cobra.Command{
		Use:   "submit <deliverable-id>",
		Short: "Submit deliverable content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.SubmitDeliverable(ctx, args[0], content, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	submit.Flags().StringVar(&file, "file", "", "content file")
	_ = submit.MarkFlagRequired("file")

	list := &cobra.Command{
		Use:   "list <milestone-id>",
		Short: "List deliverables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDeliverables(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}

	del.AddCommand(add, submit, list)
	return del
}

func kpiCmd() *cobra.Command {
	kpi := &cobra.Command{Use: "kpi", Short: "Manage KPIs and observations"}

	var opts engine.KPICreateOptions
	define := &cobra.Command{
		Use:   "define <agreement-id>",
		Short: "Define a KPI (before activation)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.AgreementID = args[0]
				opts.ActorID = viper.GetString("actor-id")
				d, err := e.DefineKPI(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	define.Flags().StringVar(&opts.ID, "id", "", "kpi id (generated when empty)")
	define.Flags().StringVar(&opts.Name, "name", "", "metric name")
	define.Flags().StringVar(&opts.Unit, "unit", "", "unit")
	define.Flags().Float64Var(&opts.Target, "target", 0, "target value")
	define.Flags().Float64Var(&opts.Weight, "weight", 0, "weight")
	define.Flags().StringVar(&opts.Method, "method", "", "latest|average|sum")
	_ = define.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list <agreement-id>",
		Short: "List KPIs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListKPIDefinitions(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}

	var obs engine.ObservationOptions
	observe := &cobra.Command{
		Use:   "observe <kpi-id>",
		Short: "Record an observation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				obs.KPIID = args[0]
				obs.ActorID = viper.GetString("actor-id")
				o, err := e.RecordObservation(ctx, obs)
				if err != nil {
					return err
				}
				return printJSON(o)
			})
		},
	}
	observe.Flags().Float64Var(&obs.Value, "value", 0, "observed value")
	observe.Flags().StringVar(&obs.TS, "ts", "", "RFC3339 timestamp (defaults to now)")
	observe.Flags().StringVar(&obs.Source, "source", "", "source (defaults to manual)")
	observe.Flags().BoolVar(&obs.Verified, "verified", false, "count toward thresholds")
	_ = observe.MarkFlagRequired("value")

	var limit int
	observations := &cobra.Command{
		Use:   "observations <kpi-id>",
		Short: "List observations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListKPIObservations(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	observations.Flags().IntVar(&limit, "limit", 50, "max rows")

	kpi.AddCommand(define, list, observe, observations)
	return kpi
}

func escrowCmd() *cobra.Command {
	esc := &cobra.Command{Use: "escrow", Short: "Manage escrow conditions and releases"}

	var opts engine.ConditionCreateOptions
	var threshold float64
	condition := &cobra.Command{
		Use:   "condition <agreement-id>",
		Short: "Add a release condition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.AgreementID = args[0]
				opts.ActorID = viper.GetString("actor-id")
				if cmd.Flags().Changed("kpi-threshold") {
					opts.KPIThreshold = &threshold
				}
				c, err := e.AddReleaseCondition(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	condition.Flags().StringVar(&opts.ID, "id", "", "condition id (generated when empty)")
	condition.Flags().StringVar(&opts.Type, "type", "", "milestone_completion|time_based|performance_target|mutual_agreement|dispute_resolution")
	condition.Flags().StringVar(&opts.MilestoneID, "milestone", "", "milestone id (milestone_completion)")
	condition.Flags().StringVar(&opts.ReleaseAt, "release-at", "", "RFC3339 time (time_based)")
	condition.Flags().StringVar(&opts.KPIID, "kpi", "", "kpi id (performance_target)")
	condition.Flags().Float64Var(&threshold, "kpi-threshold", 0, "kpi threshold (performance_target)")
	condition.Flags().StringVar(&opts.DisputeID, "dispute", "", "dispute id (dispute_resolution)")
	condition.Flags().StringVar(&opts.RecipientID, "recipient", "", "payout recipient")
	condition.Flags().IntVar(&opts.Bps, "bps", 0, "share of funded amount in basis points")
	condition.Flags().BoolVar(&opts.Automated, "automated", true, "release without manual approval")
	_ = condition.MarkFlagRequired("type")
	_ = condition.MarkFlagRequired("recipient")
	_ = condition.MarkFlagRequired("bps")

	conditions := &cobra.Command{
		Use:   "conditions <agreement-id>",
		Short: "List release conditions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListReleaseConditions(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}

	status := &cobra.Command{
		Use:   "status <agreement-id>",
		Short: "Show escrow balances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				es, err := e.EscrowStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(es)
			})
		},
	}

	releases := &cobra.Command{
		Use:   "releases <agreement-id>",
		Short: "List releases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListReleases(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Recipient", "Amount", "Status", "TxRef", "Condition"})
				for _, rel := range items {
					txRef := ""
					if rel.TxRef != nil {
						txRef = *rel.TxRef
					}
					cond := ""
					if rel.ConditionID != nil {
						cond = *rel.ConditionID
					}
					tw.AppendRow(table.Row{rel.ID, rel.RecipientID, rel.Amount, rel.Status, txRef, cond})
				}
				tw.Render()
				return nil
			})
		},
	}

	reconcile := &cobra.Command{
		Use:   "reconcile <agreement-id>",
		Short: "Resubmit unsettled releases to the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Reconcile(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]int{"resubmitted": n})
			})
		},
	}

	esc.AddCommand(condition, conditions, status, releases, reconcile)
	return esc
}

func clauseCmd() *cobra.Command {
	cl := &cobra.Command{Use: "clause", Short: "Manage clauses"}
	cl.AddCommand(clauseAddCmd())
	cl.AddCommand(clauseListCmd())
	cl.AddCommand(clauseActiveCmd())
	cl.AddCommand(clauseConfirmCmd())
	cl.AddCommand(clauseEventCmd())
	cl.AddCommand(clauseExecutionsCmd())
	cl.AddCommand(clauseRetryCmd())
	cl.AddCommand(clauseApprovalsCmd())
	cl.AddCommand(clauseDecideCmd())
	return cl
}

func clauseAddCmd() *cobra.Command {
	var opts engine.ClauseCreateOptions
	var threshold float64
	var amount int64
	cmd := &cobra.Command{
		Use:   "add <agreement-id>",
		Short: "Add clause",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.AgreementID = args[0]
				opts.ActorID = viper.GetString("actor-id")
				if cmd.Flags().Changed("threshold") {
					opts.Threshold = &threshold
				}
				if cmd.Flags().Changed("amount") {
					opts.Amount = &amount
				}
				c, err := e.AddClause(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "clause id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "clause name")
	cmd.Flags().StringVar(&opts.TriggerType, "trigger", "", "time_based|milestone_completion|performance_threshold|external_event|mutual_agreement")
	cmd.Flags().StringVar(&opts.ScheduleAt, "schedule-at", "", "RFC3339 one-shot fire time")
	cmd.Flags().IntVar(&opts.EverySeconds, "every-seconds", 0, "recurring period")
	cmd.Flags().StringVar(&opts.MilestoneID, "milestone", "", "milestone id (milestone_completion)")
	cmd.Flags().StringVar(&opts.KPIID, "kpi", "", "kpi id (performance_threshold)")
	cmd.Flags().StringVar(&opts.Comparator, "comparator", "", "gte|lte")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "kpi threshold")
	cmd.Flags().StringVar(&opts.EventName, "event", "", "external event name")
	cmd.Flags().StringVar(&opts.ActionType, "action", "", "payment|notification|milestone_creation|contract_amendment|dispute_initiation|contract_termination")
	cmd.Flags().StringVar(&opts.RecipientID, "recipient", "", "payment recipient")
	cmd.Flags().Int64Var(&amount, "amount", 0, "payment amount in minor units")
	cmd.Flags().StringVar(&opts.Message, "message", "", "notification or dispute message")
	cmd.Flags().StringVar(&opts.ParamsJSON, "params", "", "action params JSON")
	cmd.Flags().BoolVar(&opts.RequiresApproval, "requires-approval", false, "queue for approval before executing")
	cmd.Flags().BoolVar(&opts.Reversible, "reversible", false, "action marked reversible")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("trigger")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func clauseListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list <agreement-id>",
		Short: "List clauses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListClauses(ctx, args[0], activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Trigger", "Action", "Active", "Approval"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.TriggerType, c.ActionType, c.Active, c.RequiresApproval})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only active clauses")
	return cmd
}

func clauseActiveCmd() *cobra.Command {
	var active bool
	cmd := &cobra.Command{
		Use:   "set-active <clause-id>",
		Short: "Enable or disable a clause",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetClauseActive(ctx, args[0], active, viper.GetString("actor-id")); err != nil {
					return err
				}
				c, err := e.Repo.GetClause(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().BoolVar(&active, "active", true, "desired state")
	return cmd
}

func clauseConfirmCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "confirm <subject-id>",
		Short: "Confirm a mutual-agreement clause or condition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Confirm(ctx, kind, args[0], viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "clause", "clause|condition")
	return cmd
}

func clauseEventCmd() *cobra.Command {
	var name, payload string
	cmd := &cobra.Command{
		Use:   "event <agreement-id>",
		Short: "Record an external event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p map[string]any
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &p); err != nil {
					return fmt.Errorf("invalid payload JSON: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RecordExternalEvent(ctx, args[0], name, p, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "event name")
	cmd.Flags().StringVar(&payload, "payload", "", "payload JSON")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func clauseExecutionsCmd() *cobra.Command {
	var clauseID string
	cmd := &cobra.Command{
		Use:   "executions <agreement-id>",
		Short: "List clause executions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListExecutions(ctx, args[0], clauseID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Clause", "Outcome", "At", "Detail"})
				for _, ex := range items {
					tw.AppendRow(table.Row{ex.ID, ex.ClauseID, ex.Outcome, ex.CreatedAt, ex.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&clauseID, "clause", "", "clause filter")
	return cmd
}

func clauseRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <execution-id>",
		Short: "Retry a failed execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RetryExecution(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func clauseApprovalsCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "approvals <agreement-id>",
		Short: "List clause approvals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListApprovals(ctx, args[0], status)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "pending", "status filter (empty for all)")
	return cmd
}

func clauseDecideCmd() *cobra.Command {
	var reject bool
	cmd := &cobra.Command{
		Use:   "decide <approval-id>",
		Short: "Approve or reject a pending clause execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ApprovePending(ctx, args[0], !reject, viper.GetString("actor-id"))
			})
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	return cmd
}

func disputeCmd() *cobra.Command {
	dp := &cobra.Command{Use: "dispute", Short: "Manage disputes"}

	var opts engine.DisputeOptions
	open := &cobra.Command{
		Use:   "open <agreement-id>",
		Short: "Open a dispute (freezes the claimed amount)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.AgreementID = args[0]
				opts.InitiatorID = viper.GetString("actor-id")
				d, err := e.OpenDispute(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	open.Flags().StringVar(&opts.ID, "id", "", "dispute id (generated when empty)")
	open.Flags().StringVar(&opts.Type, "type", "", "dispute type")
	open.Flags().StringVar(&opts.Description, "description", "", "description")
	open.Flags().Int64Var(&opts.Amount, "amount", 0, "disputed amount in minor units")
	_ = open.MarkFlagRequired("amount")

	var status string
	list := &cobra.Command{
		Use:   "list <agreement-id>",
		Short: "List disputes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDisputes(ctx, args[0], status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Status", "Amount", "Initiator"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Type, d.Status, d.Amount, d.InitiatorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")

	review := &cobra.Command{
		Use:   "review <dispute-id>",
		Short: "Move dispute under review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ReviewDispute(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}

	escalate := &cobra.Command{
		Use:   "escalate <dispute-id>",
		Short: "Escalate dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.EscalateDispute(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}

	var toIssuer, toCounterparty, toEscrow int64
	var resolution string
	resolve := &cobra.Command{
		Use:   "resolve <dispute-id>",
		Short: "Resolve dispute with a split",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ResolveDispute(ctx, args[0], toIssuer, toCounterparty, toEscrow, resolution, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
	resolve.Flags().Int64Var(&toIssuer, "to-issuer", 0, "amount refunded to issuer")
	resolve.Flags().Int64Var(&toCounterparty, "to-counterparty", 0, "amount paid to counterparty")
	resolve.Flags().Int64Var(&toEscrow, "to-escrow", 0, "amount returned to escrow")
	resolve.Flags().StringVar(&resolution, "resolution", "", "resolution text")

	var kind, file, note string
	evidence := &cobra.Command{
		Use:   "evidence <dispute-id>",
		Short: "Attach evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content []byte
			if file != "" {
				var err error
				content, err = os.ReadFile(file)
				if err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ev, err := e.AddEvidence(ctx, args[0], kind, content, note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(ev)
			})
		},
	}
	evidence.Flags().StringVar(&kind, "kind", "document", "evidence kind")
	evidence.Flags().StringVar(&file, "file", "", "content file")
	evidence.Flags().StringVar(&note, "note", "", "note")

	dp.AddCommand(open, list, review, escalate, resolve, evidence)
	return dp
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var agreementID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, agreementID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&agreementID, "agreement", "", "agreement filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var actorID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key (secret printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
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
				return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	_ = create.MarkFlagRequired("actor")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}

	ak.AddCommand(create, list, del)
	return ak
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeDB, err := app.OpenEngine(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer closeDB()
			authCfg := server.AuthConfig{
				JWTSecret:     os.Getenv("PACTLINE_JWT_SECRET"),
				AllowDevLogin: devLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PACTLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			worker := scheduler.New(e)
			workerCtx, stopWorker := context.WithCancel(cmd.Context())
			defer stopWorker()
			go worker.Run(workerCtx)
			fmt.Printf("Serving Pactline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable /auth/dev/login")
	return cmd
}

func workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the background evaluator",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeDB, err := app.OpenEngine(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer closeDB()
			w := scheduler.New(e)
			if once {
				return w.Tick(cmd.Context())
			}
			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, closeDB, err := app.OpenEngine(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
