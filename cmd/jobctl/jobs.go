package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/jobcore/internal/events"
	httpapi "github.com/fyrsmithlabs/jobcore/internal/http"
	"github.com/fyrsmithlabs/jobcore/internal/job"
)

var (
	// submit flags
	subUserID     string
	subOrgID      string
	subRepository string
	subBranch     string
	subTarget     string
	subTask       string
	subPriority   string
	subTier       string
	subCost       int64
	subMaxRetries int
	subEnv        []string

	// list flags
	lsUserID   string
	lsOrgID    string
	lsStatus   string
	lsParentID string
	lsLimit    int
)

func init() {
	rootCmd.AddCommand(submitCmd, statusCmd, listCmd, cancelCmd, resubmitCmd, attemptsCmd, watchCmd)

	submitCmd.Flags().StringVar(&subUserID, "user", "", "Submitting user (required)")
	submitCmd.Flags().StringVar(&subOrgID, "org", "", "Organization")
	submitCmd.Flags().StringVar(&subRepository, "repo", "", "Repository, owner/name (required)")
	submitCmd.Flags().StringVar(&subBranch, "branch", "", "Branch the agent works on (required)")
	submitCmd.Flags().StringVar(&subTarget, "target", "", "Branch to rebase onto (default main)")
	submitCmd.Flags().StringVar(&subTask, "task", "", "Task description handed to the agent")
	submitCmd.Flags().StringVar(&subPriority, "priority", "normal", "Priority: high, normal or low")
	submitCmd.Flags().StringVar(&subTier, "tier", "", "Subscription tier")
	submitCmd.Flags().Int64Var(&subCost, "cost", 0, "Budget units charged at admission (default 1)")
	submitCmd.Flags().IntVar(&subMaxRetries, "max-retries", -1, "Retry limit (default from server)")
	submitCmd.Flags().StringArrayVar(&subEnv, "env", nil, "Agent environment KEY=VALUE, repeatable")
	_ = submitCmd.MarkFlagRequired("user")
	_ = submitCmd.MarkFlagRequired("repo")
	_ = submitCmd.MarkFlagRequired("branch")

	listCmd.Flags().StringVar(&lsUserID, "user", "", "Filter by user")
	listCmd.Flags().StringVar(&lsOrgID, "org", "", "Filter by organization")
	listCmd.Flags().StringVar(&lsStatus, "status", "", "Filter by status")
	listCmd.Flags().StringVar(&lsParentID, "parent", "", "Filter by parent job (resubmission chain)")
	listCmd.Flags().IntVar(&lsLimit, "limit", 50, "Maximum number of jobs to return")
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job",
	Long: `Submit an agent job. The job is admitted against the budget and queued.

Examples:
  jobctl submit --user alice --repo acme/api --branch feature/login --task "add login form"

  # High priority with a custom target branch
  jobctl submit --user alice --org acme --repo acme/api --branch fix/crash \
    --target release/1.4 --priority high`,
	Args: cobra.NoArgs,
	RunE: runSubmit,
}

var statusCmd = &cobra.Command{
	Use:     "status <job-id>",
	Aliases: []string{"get"},
	Short:   "Show a job",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var j job.Job
		if err := call(cmd.Context(), http.MethodGet, "/api/v1/jobs/"+url.PathEscape(args[0]), nil, &j); err != nil {
			return err
		}
		return printJob(cmd, &j)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Long: `List jobs, newest first.

Examples:
  jobctl list --user alice
  jobctl list --status failed --limit 10
  jobctl list --parent 7d6c...   # every resubmission of a job`,
	Args: cobra.NoArgs,
	RunE: runList,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var j job.Job
		if err := call(cmd.Context(), http.MethodPost, "/api/v1/jobs/"+url.PathEscape(args[0])+"/cancel", nil, &j); err != nil {
			return err
		}
		return printJob(cmd, &j)
	},
}

var resubmitCmd = &cobra.Command{
	Use:   "resubmit <job-id>",
	Short: "Resubmit a failed or cancelled job as a new job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var j job.Job
		if err := call(cmd.Context(), http.MethodPost, "/api/v1/jobs/"+url.PathEscape(args[0])+"/resubmit", nil, &j); err != nil {
			return err
		}
		return printJob(cmd, &j)
	},
}

var attemptsCmd = &cobra.Command{
	Use:   "attempts <job-id>",
	Short: "Show the conflict resolution attempts of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttempts,
}

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Stream a job's events until it finishes",
	Long: `Stream status changes and resolution attempts for a job. The stream ends
when the job reaches a terminal state.

Examples:
  jobctl watch 7d6c...
  jobctl watch 7d6c... --json | jq .status.to`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	req := httpapi.SubmitJobRequest{
		UserID:     subUserID,
		OrgID:      subOrgID,
		Repository: subRepository,
		Priority:   subPriority,
		Branch:     subBranch,
		Target:     subTarget,
		Task:       subTask,
		Tier:       subTier,
		Cost:       subCost,
	}
	if subMaxRetries >= 0 {
		n := subMaxRetries
		req.MaxRetries = &n
	}
	if len(subEnv) > 0 {
		req.Env = make(map[string]string, len(subEnv))
		for _, kv := range subEnv {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("invalid --env %q: want KEY=VALUE", kv)
			}
			req.Env[k] = v
		}
	}

	var j job.Job
	if err := call(cmd.Context(), http.MethodPost, "/api/v1/jobs", req, &j); err != nil {
		return err
	}
	return printJob(cmd, &j)
}

func runList(cmd *cobra.Command, _ []string) error {
	q := url.Values{}
	for key, v := range map[string]string{
		"user_id":   lsUserID,
		"org_id":    lsOrgID,
		"status":    lsStatus,
		"parent_id": lsParentID,
	} {
		if v != "" {
			q.Set(key, v)
		}
	}
	if lsLimit > 0 {
		q.Set("limit", strconv.Itoa(lsLimit))
	}
	path := "/api/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp httpapi.ListResponse
	if err := call(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	if outputJSONFlag {
		return outputJSON(cmd, resp)
	}
	if resp.Count == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tREPOSITORY\tBRANCH\tRETRIES\tCREATED")
	for _, j := range resp.Jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			j.ID, j.Status, j.Priority, j.Repository, j.Config.Branch,
			j.RetryCount, j.MaxRetries, j.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runAttempts(cmd *cobra.Command, args []string) error {
	var resp httpapi.AttemptsResponse
	if err := call(cmd.Context(), http.MethodGet, "/api/v1/jobs/"+url.PathEscape(args[0])+"/attempts", nil, &resp); err != nil {
		return err
	}
	if outputJSONFlag {
		return outputJSON(cmd, resp)
	}
	if len(resp.Attempts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No resolution attempts recorded")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tCONFLICT\tLINES\tMETHOD\tSUCCESS\tRATIONALE")
	for _, a := range resp.Attempts {
		fmt.Fprintf(w, "%s\t%d\t%d-%d\t%s\t%t\t%s\n",
			a.FilePath, a.ConflictIndex, a.StartLine, a.EndLine, a.Method, a.Success, truncate(a.Rationale, 60))
	}
	return w.Flush()
}

func runWatch(cmd *cobra.Command, args []string) error {
	// No request timeout: the stream lives as long as the job.
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	u := strings.TrimSuffix(serverURL, "/") + "/api/v1/jobs/" + url.PathEscape(args[0]) + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var env apiResponse
		if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Error != nil {
			return &apiError{Status: resp.StatusCode, API: *env.Error}
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	return readEvents(resp.Body, func(ev events.Event) error {
		if outputJSONFlag {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(ev)
		}
		fmt.Fprintln(cmd.OutOrStdout(), describeEvent(ev))
		return nil
	})
}

// readEvents parses a text/event-stream body. Comment lines (heartbeats)
// are skipped; each data line carries one JSON event.
func readEvents(r io.Reader, fn func(events.Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func describeEvent(ev events.Event) string {
	ts := ev.At.Format("15:04:05")
	switch {
	case ev.Status != nil:
		s := fmt.Sprintf("%s status %s -> %s", ts, ev.Status.From, ev.Status.To)
		if j := ev.Status.Job; j != nil && j.ErrorMessage != "" {
			s += fmt.Sprintf(" (%s: %s)", j.ErrorKind, j.ErrorMessage)
		}
		return s
	case ev.Attempt != nil:
		a := ev.Attempt
		return fmt.Sprintf("%s attempt %s#%d %s success=%t", ts, a.FilePath, a.ConflictIndex, a.Method, a.Success)
	case ev.Warning != nil:
		w := ev.Warning
		return fmt.Sprintf("%s warning %s budget %q at %d of %d", ts, w.Scope, w.Key, w.Used, w.Limit)
	}
	return fmt.Sprintf("%s %s", ts, ev.Kind)
}

func printJob(cmd *cobra.Command, j *job.Job) error {
	if outputJSONFlag {
		return outputJSON(cmd, j)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID: %s\n", j.ID)
	fmt.Fprintf(out, "Status: %s\n", j.Status)
	fmt.Fprintf(out, "Priority: %s\n", j.Priority)
	fmt.Fprintf(out, "Repository: %s\n", j.Repository)
	fmt.Fprintf(out, "Branch: %s\n", j.Config.Branch)
	if j.Config.TargetBranch != "" {
		fmt.Fprintf(out, "Target: %s\n", j.Config.TargetBranch)
	}
	fmt.Fprintf(out, "Retries: %d/%d\n", j.RetryCount, j.MaxRetries)
	if j.ParentID != "" {
		fmt.Fprintf(out, "Parent: %s (chain %d)\n", j.ParentID, j.ChainLength)
	}
	if j.ErrorMessage != "" {
		fmt.Fprintf(out, "Error: %s: %s\n", j.ErrorKind, j.ErrorMessage)
	}
	for _, f := range j.BlockingFiles {
		fmt.Fprintf(out, "Blocking: %s\n", f)
	}
	fmt.Fprintf(out, "Created: %s\n", j.CreatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

// truncate shortens s to at most maxLen runes, marking the cut with "...".
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
