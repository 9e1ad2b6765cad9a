package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/debt-negotiator/negotiator/internal/debt"
	"github.com/debt-negotiator/negotiator/internal/inbox"
	"github.com/debt-negotiator/negotiator/internal/negotiation"
	"github.com/debt-negotiator/negotiator/internal/strategy"
	"github.com/debt-negotiator/negotiator/internal/web"
)

var (
	cfgFile string
	verbose bool
)

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

func main() {
	rootCmd := &cobra.Command{
		Use:   "negotiator",
		Short: "Negotiator - Automated debt negotiation by email",
		Long: `Negotiator reads creditor notices from your inbox, drafts a settlement,
installment or extension proposal, and follows up on creditor replies until
the debt is settled, rejected or handed back to you for review.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.negotiator/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(setCmd())
	rootCmd.AddCommand(amountCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(replyCmd())
	rootCmd.AddCommand(failCmd())
	rootCmd.AddCommand(statusCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp runs fn against a freshly wired app.
func withApp(cmd *cobra.Command, dryRun bool, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, dryRun)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and inbound mail processing",
		Long: `Serve the JSON API and the inbound webhook. When inbox monitoring is
enabled the IMAP mailbox is watched as well, and a configured drop
directory is watched for .eml files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				if port != 0 {
					a.cfg.Server.Port = port
				}
				return runServe(ctx, a)
			})
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides config)")
	return cmd
}

func runServe(ctx context.Context, a *app) error {
	if err := a.cfg.ValidateServer(); err != nil {
		return err
	}
	if a.cfg.Inbox.Enabled {
		if err := a.cfg.ValidateInbox(); err != nil {
			return err
		}
	}
	var drop *inbox.DropDir
	if dir := a.cfg.Inbox.DropDir; dir != "" {
		var err error
		if drop, err = inbox.NewDropDir(dir, a.logger); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	handle := emailHandler(a, false)

	server := web.NewServer(a.cfg.Server, a.engine, a.logger)
	g.Go(func() error { return server.Run(ctx) })

	if a.cfg.Inbox.Enabled {
		g.Go(func() error { return watchInbox(ctx, a, handle) })
	}
	if drop != nil {
		g.Go(func() error {
			if err := drop.ProcessExisting(ctx, handle); err != nil {
				return err
			}
			return drop.Watch(ctx, handle)
		})
	}

	fmt.Printf("🚀 Negotiator listening on http://127.0.0.1:%d\n", a.cfg.Server.Port)
	fmt.Println("Press Ctrl+C to stop")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchInbox keeps one IMAP session open until ctx ends.
func watchInbox(ctx context.Context, a *app, handle inbox.Handler) error {
	monitor := inbox.NewMonitor(a.cfg.Inbox, a.logger)
	if err := monitor.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to inbox: %w", err)
	}
	defer monitor.Disconnect()

	if a.cfg.Inbox.AutoArchive {
		if err := monitor.EnsureFolderExists(a.cfg.Inbox.ArchiveFolder); err != nil {
			a.logger.Warn("Archive folder unavailable", zap.Error(err))
		}
	}
	return monitor.Watch(ctx, handle)
}

// emailHandler feeds an email to the engine. With echo set the outcome is
// written to stdout.
func emailHandler(a *app, echo bool) inbox.Handler {
	return func(ctx context.Context, m inbox.Email) error {
		res, err := a.engine.HandleEmail(ctx, m)
		if err != nil {
			if echo {
				fmt.Printf("❌ %s: %v\n", m.Subject, err)
			}
			return err
		}
		if echo {
			printResult(m, res)
		}
		return nil
	}
}

func monitorCmd() *cobra.Command {
	var days int
	var watch bool

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Process creditor mail from the inbox",
		Long: `Connect to your email inbox via IMAP and run every recent message through
the negotiation engine.

Requires inbox configuration in config.yaml with IMAP settings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				return runMonitor(ctx, a, days, watch)
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Number of days to look back for emails")
	cmd.Flags().BoolVar(&watch, "watch", false, "Continuously watch for new emails")
	return cmd
}

func runMonitor(ctx context.Context, a *app, days int, watch bool) error {
	if err := a.cfg.ValidateInbox(); err != nil {
		fmt.Println("📧 Inbox monitoring is not configured.")
		fmt.Println()
		fmt.Println("Add the following to your config.yaml:")
		fmt.Println()
		fmt.Println("inbox:")
		fmt.Println("  enabled: true")
		fmt.Println("  provider: gmail")
		fmt.Println("  email: your-email@gmail.com")
		fmt.Println("  password: your-app-password  # Use an App Password, not your main password")
		return err
	}

	monitor := inbox.NewMonitor(a.cfg.Inbox, a.logger)
	if err := monitor.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to inbox: %w", err)
	}
	defer monitor.Disconnect()

	fmt.Printf("📬 Checking inbox (last %d days)...\n\n", days)

	emails, err := monitor.FetchRecent(ctx, days)
	if err != nil {
		return fmt.Errorf("failed to fetch emails: %w", err)
	}

	handle := emailHandler(a, true)
	var handled []uint32
	failed := 0
	for _, m := range emails {
		if ctx.Err() != nil {
			break
		}
		if err := handle(ctx, m); err != nil {
			failed++
			continue
		}
		handled = append(handled, m.UID)
	}
	fmt.Printf("\nProcessed %d emails (%d failed)\n", len(handled), failed)

	if a.cfg.Inbox.AutoArchive && len(handled) > 0 {
		if err := monitor.ArchiveEmails(handled, a.cfg.Inbox.ArchiveFolder); err != nil {
			fmt.Printf("⚠️  Failed to archive emails: %v\n", err)
		}
	}

	if !watch {
		return nil
	}
	fmt.Println("👀 Watching for new emails (Ctrl+C to stop)...")
	err = monitor.Watch(ctx, handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func processCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "process <file.eml>...",
		Short: "Process saved creditor emails",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, dryRun, func(ctx context.Context, a *app) error {
				handle := emailHandler(a, true)
				failed := 0
				for _, path := range args {
					m, err := parseFile(path)
					if err != nil {
						fmt.Printf("❌ %s: %v\n", path, err)
						failed++
						continue
					}
					if err := handle(ctx, *m); err != nil {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d files failed", failed, len(args))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log counter letters instead of sending them")
	return cmd
}

func parseFile(path string) (*inbox.Email, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return inbox.ParseRaw(f)
}

func generateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <debt-id>",
		Short: "Draft the negotiation letter for a debt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				d, err := a.engine.GenerateStrategy(ctx, args[0])
				if err != nil {
					return err
				}
				l := d.Extension.Letter
				fmt.Printf("✍️  %s letter drafted by %s (confidence %.0f%%)\n", l.Strategy, l.Generator, l.Confidence*100)
				fmt.Printf("   Proposed: $%s  Projected savings: $%s\n\n", strategy.Money(l.ProposedAmount), strategy.Money(l.ProjectedSavings))
				fmt.Println("Subject:", l.Subject)
				fmt.Println(rule)
				fmt.Println(l.Body)
				return printVariables(ctx, a, d.ID)
			})
		},
	}
}

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <debt-id> name=value...",
		Short: "Fill letter variables",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := make(map[string]string)
			for _, arg := range args[1:] {
				name, value, ok := strings.Cut(arg, "=")
				if !ok || strings.TrimSpace(name) == "" {
					return fmt.Errorf("expected name=value, got %q", arg)
				}
				values[strings.TrimSpace(name)] = value
			}
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				if _, err := a.engine.SetVariables(ctx, args[0], values); err != nil {
					return err
				}
				return printVariables(ctx, a, args[0])
			})
		},
	}
}

func amountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "amount <debt-id> <amount>",
		Short: "Correct the amount owed before a letter is approved",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimPrefix(args[1], "$"), ",", ""), 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[1])
			}
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				d, err := a.engine.SetAmount(ctx, args[0], amount)
				if err != nil {
					return err
				}
				fmt.Printf("✅ Amount set to $%s\n", strategy.Money(d.Amount))
				return nil
			})
		},
	}
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <debt-id>",
		Short: "Approve the drafted letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				d, err := a.engine.Approve(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println("✅ Letter approved")
				fmt.Println()
				fmt.Println("Subject:", d.Extension.Approval.Subject)
				fmt.Println(rule)
				fmt.Println(d.Extension.Approval.Body)
				return nil
			})
		},
	}
}

func sendCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "send <debt-id>",
		Short: "Send the approved letter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, dryRun, func(ctx context.Context, a *app) error {
				delivery, err := a.engine.Send(ctx, args[0])
				if err != nil {
					return err
				}
				return printDelivery(delivery)
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview the email without sending")
	return cmd
}

func replyCmd() *cobra.Command {
	var subject, body, bodyFile string

	cmd := &cobra.Command{
		Use:   "reply <debt-id>",
		Short: "Answer a creditor reply that needs review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if bodyFile != "" {
				data, err := os.ReadFile(bodyFile)
				if err != nil {
					return fmt.Errorf("failed to read body: %w", err)
				}
				body = string(data)
			}
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				delivery, err := a.engine.SubmitManualReply(ctx, args[0], subject, body)
				if err != nil {
					return err
				}
				return printDelivery(delivery)
			})
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Subject line")
	cmd.Flags().StringVar(&body, "body", "", "Reply text; {{ variables }} are filled")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "Read the reply text from a file")
	cmd.MarkFlagRequired("subject")
	cmd.MarkFlagsOneRequired("body", "body-file")
	return cmd
}

func failCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "fail <debt-id>",
		Short: "Close a debt as failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				if _, err := a.engine.MarkFailed(ctx, args[0], reason); err != nil {
					return err
				}
				fmt.Println("✅ Debt marked failed")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit trail")
	return cmd
}

func statusCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "status [debt-id]",
		Short: "Show debts and statistics, or one debt in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					return printDebt(ctx, a, args[0])
				}
				return printOverview(ctx, a, debt.Filter{Status: debt.Status(status), Limit: limit})
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only debts in this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of debts to show")
	return cmd
}

// ==================== Output ====================

func printResult(m inbox.Email, res *negotiation.Result) {
	icon := map[negotiation.Action]string{
		negotiation.ActionCreated:   "🆕",
		negotiation.ActionOptedOut:  "🚫",
		negotiation.ActionSettled:   "🎉",
		negotiation.ActionRejected:  "❌",
		negotiation.ActionCountered: "↩️ ",
		negotiation.ActionEscalated: "👀",
		negotiation.ActionRecorded:  "📝",
		negotiation.ActionDuplicate: "⏭️ ",
		negotiation.ActionBounced:   "📭",
	}[res.Action]

	fmt.Printf("%s %s - %s\n", icon, res.Action, m.Subject)
	if res.Debt == nil {
		return
	}
	fmt.Printf("   Debt %s: %s, $%s, round %d\n",
		res.Debt.ID, res.Debt.Status, strategy.Money(res.Debt.Amount), res.Debt.NegotiationRound)
	if c := res.Classification; c != nil {
		fmt.Printf("   Classified %s (%.0f%%, %s)\n", c.Intent, c.Confidence*100, c.Source)
	}
	if res.CounterSent {
		fmt.Println("   Counter letter sent")
	}
}

func printDelivery(delivery *negotiation.Delivery) error {
	if !delivery.Delivered {
		fmt.Printf("❌ Delivery failed: %s\n", delivery.Error)
		fmt.Printf("   Debt is still %s; the attempt is in its audit trail.\n", delivery.Debt.Status)
		return errors.New("delivery failed")
	}
	fmt.Printf("✅ Sent (%s)\n", delivery.DeliveryID)
	fmt.Printf("   Debt is now %s\n", delivery.Debt.Status)
	return nil
}

func printVariables(ctx context.Context, a *app, id string) error {
	values, err := a.engine.Variables(ctx, id)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println()
	fmt.Println("Variables:")
	for _, name := range names {
		value := values[name]
		if strings.TrimSpace(value) == "" {
			value = "⚠️  (unfilled)"
		}
		fmt.Printf("  %-20s %s\n", name, value)
	}
	return nil
}

func printOverview(ctx context.Context, a *app, f debt.Filter) error {
	stats, err := a.engine.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	debts, err := a.engine.Debts(ctx, f)
	if err != nil {
		return err
	}

	fmt.Println("📊 Negotiator Statistics")
	fmt.Println(rule)
	fmt.Printf("  Debts: %d\n", stats.Total)
	fmt.Printf("  Total owed: $%s\n", strategy.Money(stats.TotalAmount))
	fmt.Printf("  Actual savings: $%s\n", strategy.Money(stats.ActualSavings))
	statuses := make([]string, 0, len(stats.ByStatus))
	for s := range stats.ByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Printf("  %-24s %d\n", s, stats.ByStatus[debt.Status(s)])
	}

	if len(debts) == 0 {
		return nil
	}
	fmt.Println()
	fmt.Println("📜 Debts")
	fmt.Println(rule)
	for _, d := range debts {
		fmt.Printf("%s  %-24s $%-12s %s (%s)\n",
			d.ID, d.Status, strategy.Money(d.Amount), d.CreditorName, humanize.Time(d.UpdatedAt))
	}
	return nil
}

func printDebt(ctx context.Context, a *app, id string) error {
	d, err := a.engine.Debt(ctx, id)
	if err != nil {
		return err
	}
	messages, err := a.engine.Messages(ctx, id)
	if err != nil {
		return err
	}
	audit, err := a.engine.AuditLog(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("💳 %s <%s>\n", d.CreditorName, d.Counterpart)
	fmt.Println(rule)
	fmt.Printf("  Status: %s (round %d)\n", d.Status, d.NegotiationRound)
	fmt.Printf("  Amount: $%s\n", strategy.Money(d.Amount))
	fmt.Printf("  Projected savings: $%s\n", strategy.Money(d.ProjectedSavings))
	if d.ProspectedSavings != nil {
		fmt.Printf("  Savings at send: $%s\n", strategy.Money(*d.ProspectedSavings))
	}
	if d.ActualSavings != nil {
		fmt.Printf("  Actual savings: $%s\n", strategy.Money(*d.ActualSavings))
	}
	if c := d.Extension.Classification; c != nil {
		fmt.Printf("  Last reply: %s (%.0f%%) - %s\n", c.Intent, c.Confidence*100, c.Reasoning)
	}

	fmt.Println()
	fmt.Printf("✉️  Conversation (%d)\n", len(messages))
	for _, m := range messages {
		arrow := "→"
		if m.Direction == debt.Inbound {
			arrow = "←"
		}
		fmt.Printf("  %s %s %-18s %s\n", m.CreatedAt.Format("2006-01-02 15:04"), arrow, m.Type, m.Subject)
	}

	fmt.Println()
	fmt.Println("🧾 Audit")
	for _, e := range audit {
		fmt.Printf("  %s %-22s %s\n", e.CreatedAt.Format("2006-01-02 15:04"), e.Action, e.Detail)
	}
	return printVariables(ctx, a, id)
}
