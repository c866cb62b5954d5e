package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/optrack/am"
	"github.com/teranos/optrack/errors"
	"github.com/teranos/optrack/logger"
	"github.com/teranos/optrack/pulse/ops"
	"github.com/teranos/optrack/sym"
)

// OpsCmd groups the operation commands. They talk to the database directly,
// so they work whether or not a server is running.
var OpsCmd = &cobra.Command{
	Use:   "ops",
	Short: sym.Pulse + " Submit and inspect operations",
	Long: sym.Pulse + ` ops - submit and inspect operations

Examples:
  optrack ops submit service_publishing --param layer_name=parcels
  optrack ops submit service_publishing --params '{"layer_name":"roads","srid":4326}' --priority 8
  optrack ops status <operation-id>
  optrack ops ls --status queued
  optrack ops ls --request-id layer-parcels
  optrack ops cancel <operation-id> --reason "layer withdrawn"
  optrack ops run <operation-id>
  optrack ops stats`,
}

var opsSubmitCmd = &cobra.Command{
	Use:   "submit <operation-type>",
	Short: "Submit an operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpsSubmit,
}

var opsStatusCmd = &cobra.Command{
	Use:   "status <operation-id>",
	Short: "Show an operation record",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpsStatus,
}

var opsListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List operations by status or request",
	RunE:    runOpsList,
}

var opsCancelCmd = &cobra.Command{
	Use:   "cancel <operation-id>",
	Short: "Cancel a queued operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpsCancel,
}

var opsRunCmd = &cobra.Command{
	Use:   "run <operation-id>",
	Short: "Run one queued operation now, in this process",
	Long: `Lease one queued operation and run its handler in the foreground.

The attempt is recorded exactly as a worker's would be: failures count against
max_retries and are requeued with backoff. Deferred operations are not run early.`,
	Args: cobra.ExactArgs(1),
	RunE: runOpsRun,
}

var opsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show counts by operation type and status",
	RunE:  runOpsStats,
}

func init() {
	opsSubmitCmd.Flags().String("request-id", "", "Deduplication key (derived from type and parameters when empty)")
	opsSubmitCmd.Flags().StringArray("param", nil, "Parameter as key=value (repeatable)")
	opsSubmitCmd.Flags().String("params", "", "Parameters as a JSON object")
	opsSubmitCmd.Flags().Int("priority", 0, "Priority, higher runs first (default queue.default_priority)")
	opsSubmitCmd.Flags().Int("max-retries", 0, "Retry ceiling (default queue.default_max_retries)")
	opsSubmitCmd.Flags().Duration("delay", 0, "Defer first eligibility, e.g. 30s")

	opsStatusCmd.Flags().Bool("json", false, "Print the full record as JSON")

	opsListCmd.Flags().String("status", "", "Filter by status (queued, processing, succeeded, dead)")
	opsListCmd.Flags().String("request-id", "", "Show the history of one request instead")
	opsListCmd.Flags().Int("limit", 50, "Maximum records")

	opsCancelCmd.Flags().String("reason", "", "Recorded in error_details")

	OpsCmd.AddCommand(opsSubmitCmd, opsStatusCmd, opsListCmd, opsCancelCmd, opsRunCmd, opsStatsCmd)
}

// parseParams merges a JSON object with key=value pairs; pairs win.
func parseParams(jsonParams string, pairs []string) (ops.Document, error) {
	params, err := ops.ParseDocument([]byte(jsonParams))
	if err != nil {
		return nil, errors.Wrap(err, "invalid --params")
	}
	if params == nil {
		params = ops.Document{}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, errors.Newf("invalid --param %q, expected key=value", pair)
		}
		params[key] = value
	}
	return params, nil
}

func runOpsSubmit(cmd *cobra.Command, args []string) error {
	jsonParams, _ := cmd.Flags().GetString("params")
	pairs, _ := cmd.Flags().GetStringArray("param")
	params, err := parseParams(jsonParams, pairs)
	if err != nil {
		return err
	}

	req := ops.SubmitRequest{OperationType: args[0], Parameters: params}
	req.RequestID, _ = cmd.Flags().GetString("request-id")
	req.Delay, _ = cmd.Flags().GetDuration("delay")
	if cmd.Flags().Changed("priority") {
		p, _ := cmd.Flags().GetInt("priority")
		req.Priority = &p
	}
	if cmd.Flags().Changed("max-retries") {
		r, _ := cmd.Flags().GetInt("max-retries")
		req.MaxRetries = &r
	}

	manager, closeFn, err := openManager()
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := manager.Submit(context.Background(), req)
	if err != nil {
		return errors.Wrap(err, "submit failed")
	}
	if res.Created {
		pterm.Success.Printfln("Queued %s %s (request %s)", args[0], res.OperationID, res.RequestID)
	} else {
		pterm.Info.Printfln("Request %s already live as %s (%s)", res.RequestID, res.OperationID, res.Status)
	}
	return nil
}

func runOpsStatus(cmd *cobra.Command, args []string) error {
	manager, closeFn, err := openManager()
	if err != nil {
		return err
	}
	defer closeFn()

	op, err := manager.Get(context.Background(), args[0])
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		data, err := json.MarshalIndent(op, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal operation")
		}
		fmt.Println(string(data))
		return nil
	}

	return pterm.DefaultTable.WithData(operationDetail(op)).Render()
}

func runOpsList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	requestID, _ := cmd.Flags().GetString("request-id")
	limit, _ := cmd.Flags().GetInt("limit")

	manager, closeFn, err := openManager()
	if err != nil {
		return err
	}
	defer closeFn()

	var list []*ops.Operation
	if requestID != "" {
		list, err = manager.FindByRequest(context.Background(), requestID, limit)
	} else {
		list, err = manager.ListByStatus(context.Background(), ops.Status(status), limit)
	}
	if err != nil {
		return err
	}
	if len(list) == 0 {
		pterm.Info.Println("No operations")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(operationTable(list)).Render()
}

func runOpsCancel(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")

	manager, closeFn, err := openManager()
	if err != nil {
		return err
	}
	defer closeFn()

	op, err := manager.Cancel(context.Background(), args[0], reason)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Cancelled %s", op.ID)
	return nil
}

func runOpsRun(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	database, err := openDatabase(cfg, "")
	if err != nil {
		return err
	}
	defer database.Close()

	log := logger.Logger
	registry, err := newRegistry(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := newManager(cfg, database, log)
	pool := ops.NewWorkerPool(ctx, manager, registry, poolConfig(cfg), log)

	ran, err := pool.RunOperation(ctx, args[0])
	if err != nil {
		return err
	}
	if !ran {
		pterm.Info.Printfln("%s is deferred, not running it early", args[0])
		return nil
	}

	op, err := manager.Get(context.Background(), args[0])
	if err != nil {
		return err
	}
	switch op.Status {
	case ops.StatusSucceeded:
		pterm.Success.Printfln("%s succeeded", op.ID)
	case ops.StatusQueued:
		msg, _ := op.ErrorDetails.String("message")
		pterm.Warning.Printfln("%s failed and was requeued (retry %d of %d): %s", op.ID, op.RetryCount, op.MaxRetries, msg)
	default:
		msg, _ := op.ErrorDetails.String("message")
		pterm.Error.Printfln("%s is %s: %s", op.ID, op.Status, msg)
	}
	return nil
}

func runOpsStats(cmd *cobra.Command, args []string) error {
	manager, closeFn, err := openManager()
	if err != nil {
		return err
	}
	defer closeFn()

	stats, err := manager.Stats(context.Background())
	if err != nil {
		return err
	}
	if stats.Total == 0 {
		pterm.Info.Println("No operations recorded")
		return nil
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(statsTable(stats)).Render(); err != nil {
		return err
	}
	pterm.Printfln("\n%d operations, %d live", stats.Total, stats.Live())
	return nil
}

// statusOrder is the column order for stats tables.
var statusOrder = []ops.Status{ops.StatusQueued, ops.StatusProcessing, ops.StatusSucceeded, ops.StatusDead}

func operationTable(list []*ops.Operation) pterm.TableData {
	data := pterm.TableData{{"ID", "Type", "Status", "Priority", "Attempts", "Queued", "Request"}}
	for _, op := range list {
		data = append(data, []string{
			op.ID,
			op.Type,
			sym.ForStatus(string(op.Status)) + " " + string(op.Status),
			fmt.Sprint(op.Priority),
			fmt.Sprintf("%d/%d", op.RetryCount, op.MaxRetries+1),
			formatTime(op.QueuedAt),
			op.RequestID,
		})
	}
	return data
}

func operationDetail(op *ops.Operation) pterm.TableData {
	data := pterm.TableData{
		{"Operation", op.ID},
		{"Type", op.Type},
		{"Request", op.RequestID},
		{"Status", sym.ForStatus(string(op.Status)) + " " + string(op.Status)},
		{"Priority", fmt.Sprint(op.Priority)},
		{"Retries", fmt.Sprintf("%d of %d", op.RetryCount, op.MaxRetries)},
		{"Created", op.CreatedAt.Format(time.RFC3339)},
		{"Queued", formatTime(op.QueuedAt)},
		{"Started", formatTime(op.ProcessingStartedAt)},
		{"Completed", formatTime(op.CompletedAt)},
	}
	if op.LeasedBy != "" {
		data = append(data, []string{"Leased by", fmt.Sprintf("%s until %s", op.LeasedBy, formatTime(op.LeaseExpiresAt))})
	}
	if msg, ok := op.ErrorDetails.String("message"); ok {
		data = append(data, []string{"Error", msg})
	}
	if len(op.PublishedResources) > 0 {
		if b, err := json.Marshal(op.PublishedResources); err == nil {
			data = append(data, []string{"Published", string(b)})
		}
	}
	data = append(data, []string{"Log entries", fmt.Sprint(len(op.Logs))})
	return data
}

func statsTable(stats *ops.Stats) pterm.TableData {
	header := []string{"Type"}
	for _, s := range statusOrder {
		header = append(header, string(s))
	}
	data := pterm.TableData{header}

	types := make([]string, 0, len(stats.ByType))
	for t := range stats.ByType {
		types = append(types, t)
	}
	sort.Strings(types)

	for _, t := range types {
		row := []string{t}
		for _, s := range statusOrder {
			row = append(row, fmt.Sprint(stats.ByType[t][s]))
		}
		data = append(data, row)
	}
	return data
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
