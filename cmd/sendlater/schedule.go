package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/sendlater/internal/app"
	"github.com/foxzi/sendlater/internal/schedule"
	"github.com/foxzi/sendlater/internal/template"
)

var (
	listRecipient string
	historyLimit  int
	addAt         string
	addIn         time.Duration
	addTemplate   string
	addVars       []string
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Scheduled message commands",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending messages",
	RunE:  runScheduleList,
}

var scheduleHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List sent, failed and canceled messages",
	RunE:  runScheduleHistory,
}

var scheduleShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show message details",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleShow,
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <recipient> [message]",
	Short: "Schedule a message",
	Long: `Schedule a message for later delivery.

Examples:
  # Literal text in two hours
  sendlater schedule add 27831234567 "Call me back" --in 2h

  # From a template at a fixed time
  sendlater schedule add 27831234567 --template birthday --var name=Ann --at 2026-11-01T09:00:00+02:00`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runScheduleAdd,
}

var scheduleCancelCmd = &cobra.Command{
	Use:   "cancel <message_id>",
	Short: "Cancel a pending message",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleCancel,
}

var scheduleSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Deliver due messages once and exit",
	RunE:  runScheduleSweep,
}

func init() {
	scheduleListCmd.Flags().StringVar(&listRecipient, "recipient", "", "Filter by recipient")
	scheduleHistoryCmd.Flags().IntVar(&historyLimit, "limit", 50, "Maximum number of messages to show (0 for all)")

	scheduleAddCmd.Flags().StringVar(&addAt, "at", "", "Send time (RFC 3339)")
	scheduleAddCmd.Flags().DurationVar(&addIn, "in", 0, "Send after this delay (e.g. 90m)")
	scheduleAddCmd.Flags().StringVarP(&addTemplate, "template", "t", "", "Template ID to render")
	scheduleAddCmd.Flags().StringArrayVar(&addVars, "var", nil, "Template variable as name=value (repeatable)")

	scheduleCmd.AddCommand(scheduleListCmd, scheduleHistoryCmd, scheduleShowCmd, scheduleAddCmd, scheduleCancelCmd, scheduleSweepCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	recipient := listRecipient
	if recipient != "" {
		recipient = normalizeRecipient(s.cfg, recipient)
	}

	messages, err := s.messages.ListPending(ctx, recipient)
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("No pending messages")
		return nil
	}

	printMessages(messages)
	return nil
}

func runScheduleHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	messages, err := s.messages.ListHistory(ctx, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("History is empty")
		return nil
	}

	printMessages(messages)
	return nil
}

func runScheduleShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	msg, err := s.messages.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}

	fmt.Printf("ID:         %s\n", msg.ID)
	fmt.Printf("Status:     %s\n", msg.Status)
	fmt.Printf("Recipient:  %s\n", msg.Recipient)
	fmt.Printf("Send time:  %s\n", msg.SendTime.Local().Format(time.RFC3339))
	fmt.Printf("Created:    %s\n", msg.CreatedAt.Local().Format(time.RFC3339))
	if msg.ResolvedAt != nil {
		fmt.Printf("Resolved:   %s\n", msg.ResolvedAt.Local().Format(time.RFC3339))
	}
	if msg.TemplateID != "" {
		fmt.Printf("Template:   %s\n", msg.TemplateID)
	}
	if msg.RemoteID != "" {
		fmt.Printf("Remote ID:  %s\n", msg.RemoteID)
	}
	if msg.LastError != "" {
		fmt.Printf("Last error: %s\n", msg.LastError)
	}
	if len(msg.Metadata) > 0 {
		meta, _ := json.Marshal(msg.Metadata)
		fmt.Printf("Metadata:   %s\n", meta)
	}
	fmt.Printf("\n%s\n", msg.Text)

	return nil
}

func runScheduleAdd(cmd *cobra.Command, args []string) error {
	sendTime, err := resolveSendTime(addAt, addIn, time.Now())
	if err != nil {
		return err
	}

	vars, err := parseVars(addVars)
	if err != nil {
		return err
	}

	ctx := context.Background()
	s, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	req := schedule.ScheduleRequest{
		Recipient: normalizeRecipient(s.cfg, args[0]),
		SendTime:  sendTime,
	}

	switch {
	case addTemplate != "":
		if len(args) > 1 {
			return fmt.Errorf("message text and --template are mutually exclusive")
		}
		result, err := template.NewRenderer(s.templates).RenderByID(ctx, addTemplate, vars)
		if err != nil {
			return fmt.Errorf("failed to render template: %w", err)
		}
		if len(result.Missing) > 0 {
			fmt.Fprintf(os.Stderr, "warning: no value for %s\n", strings.Join(result.Missing, ", "))
		}
		req.Text = result.Text
		req.TemplateID = result.TemplateID
	case len(args) > 1:
		req.Text = args[1]
	default:
		return fmt.Errorf("message text or --template is required")
	}

	msg, err := s.messages.Schedule(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to schedule message: %w", err)
	}

	fmt.Printf("Scheduled %s for %s\n", msg.ID, msg.SendTime.Local().Format(time.RFC3339))
	return nil
}

func runScheduleCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	if _, err := s.messages.Cancel(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to cancel message: %w", err)
	}

	fmt.Printf("Message %s canceled\n", args[0])
	return nil
}

func runScheduleSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	application, err := app.New(ctx, cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer application.Shutdown(ctx)

	result := application.SweepOnce(ctx)
	fmt.Printf("Due: %d, issued: %d, sent: %d, failed: %d, rate limited: %d, errors: %d\n",
		result.Due, result.Issued, result.Sent, result.Failed, result.RateLimited, result.Errors)

	return nil
}

// resolveSendTime picks the absolute time from --at or the relative one
// from --in. Exactly one must be set.
func resolveSendTime(at string, in time.Duration, now time.Time) (time.Time, error) {
	switch {
	case at != "" && in != 0:
		return time.Time{}, fmt.Errorf("--at and --in are mutually exclusive")
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --at value: %w", err)
		}
		return t.UTC(), nil
	case in > 0:
		return now.Add(in).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("a positive --in or an --at time is required")
	}
}

// parseVars turns name=value pairs into template values
func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --var %q, expected name=value", p)
		}
		vars[name] = value
	}
	return vars, nil
}

func printMessages(messages []*schedule.Message) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tRECIPIENT\tSEND TIME\tMESSAGE")
	fmt.Fprintln(w, "--\t------\t---------\t---------\t-------")

	for _, msg := range messages {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(msg.ID),
			msg.Status,
			msg.Recipient,
			msg.SendTime.Local().Format("2006-01-02 15:04"),
			truncateText(msg.Text, 40),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d messages\n", len(messages))
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}

func truncateText(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
