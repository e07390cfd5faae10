package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

type rootOptions struct {
	server  string
	token   string
	output  string
	timeout time.Duration
}

// newRootCmd builds the command tree. getenv supplies AFTERMATH_ defaults
// for the persistent flags.
func newRootCmd(out io.Writer, getenv func(string) string) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "aftermathctl",
		Short:         "Operate the aftermath incident service",
		Long:          "aftermathctl submits alerts, drives incidents through resolution and postmortem,\nsearches past incidents and manages action items over the aftermath HTTP API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	server := getenv("AFTERMATH_SERVER")
	if server == "" {
		server = defaultServer
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.server, "server", server, "aftermath API base URL (env AFTERMATH_SERVER)")
	pf.StringVar(&opts.token, "token", getenv("AFTERMATH_API_TOKEN"), "bearer token for mutating routes (env AFTERMATH_API_TOKEN)")
	pf.StringVarP(&opts.output, "output", "o", formatYAML, "output format: yaml or json")
	pf.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "request timeout; postmortems can take minutes")

	root.AddCommand(
		newSubmitCmd(opts),
		newListCmd(opts),
		newGetCmd(opts),
		newResolveCmd(opts),
		newPostmortemCmd(opts),
		newSolutionsCmd(opts),
		newSearchCmd(opts),
		newActionsCmd(opts),
		newTrackCmd(opts),
		newOverdueCmd(opts),
		newCompleteCmd(opts),
	)
	return root
}

// call runs one request and prints the response. Error responses that carry
// a structured body other than a bare error message are printed too.
func call(cmd *cobra.Command, opts *rootOptions, method, path string, query url.Values, body any) error {
	c, err := newClient(opts.server, opts.token, opts.timeout)
	if err != nil {
		return err
	}
	data, err := c.do(cmd.Context(), method, path, query, body)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Structured {
			_ = render(cmd.OutOrStdout(), opts.output, apiErr.Body)
		}
		return err
	}
	return render(cmd.OutOrStdout(), opts.output, data)
}

func pathID(prefix, id, suffix string) string {
	return prefix + "/" + url.PathEscape(id) + suffix
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var (
		file      string
		alert     = map[string]string{}
		labels    []string
		current   float64
		threshold float64
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an alert and open an incident",
		Example: `  aftermathctl submit --service payments --message "p99 latency above 2s"
  aftermathctl submit -f alert.yaml --label team=payments`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doc := map[string]any{}
			if file != "" {
				loaded, err := readDocument(cmd, file)
				if err != nil {
					return err
				}
				m, ok := loaded.(map[string]any)
				if !ok {
					return fmt.Errorf("%s: alert must be a mapping", file)
				}
				doc = m
			}
			for k, v := range alert {
				if v != "" {
					doc[k] = v
				}
			}
			if cmd.Flags().Changed("current") {
				doc["current"] = current
			}
			if cmd.Flags().Changed("threshold") {
				doc["threshold"] = threshold
			}
			if len(labels) > 0 {
				merged := map[string]any{}
				if existing, ok := doc["labels"].(map[string]any); ok {
					merged = existing
				}
				for _, kv := range labels {
					k, v, ok := strings.Cut(kv, "=")
					if !ok || k == "" {
						return fmt.Errorf("label %q must be key=value", kv)
					}
					merged[k] = v
				}
				doc["labels"] = merged
			}
			return call(cmd, opts, http.MethodPost, "/alerts", nil, doc)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "alert document in YAML or JSON (- for stdin)")
	for _, fl := range []struct{ name, key, usage string }{
		{"service", "service", "service that raised the alert"},
		{"message", "message", "alert message"},
		{"metric", "metric", "metric name"},
		{"environment", "environment", "deployment environment"},
		{"source", "source", "alert source, e.g. alertmanager"},
		{"alert-id", "alert_id", "upstream alert identifier"},
		{"runbook", "runbook_url", "runbook URL"},
	} {
		alert[fl.key] = ""
		f.Var(mapValue{m: alert, key: fl.key}, fl.name, fl.usage)
	}
	f.Float64Var(&current, "current", 0, "current metric value")
	f.Float64Var(&threshold, "threshold", 0, "alert threshold")
	f.StringArrayVar(&labels, "label", nil, "alert label as key=value (repeatable)")
	return cmd
}

// mapValue is a pflag.Value writing into one key of a shared map.
type mapValue struct {
	m   map[string]string
	key string
}

func (v mapValue) String() string     { return v.m[v.key] }
func (v mapValue) Set(s string) error { v.m[v.key] = s; return nil }
func (v mapValue) Type() string       { return "string" }

func readDocument(cmd *cobra.Command, file string) (any, error) {
	var r io.Reader
	if file == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(file) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	return decodeDocument(r)
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List incidents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, opts, http.MethodGet, "/incidents", nil, nil)
		},
	}
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get INCIDENT_ID",
		Short: "Show one incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, pathID("/incidents", args[0], ""), nil, nil)
		},
	}
}

func newResolveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve INCIDENT_ID",
		Short: "Mark an incident resolved without writing a postmortem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, pathID("/incidents", args[0], "/resolve"), nil, nil)
		},
	}
}

func newPostmortemCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "postmortem INCIDENT_ID",
		Short: "Resolve an incident, write its postmortem and close it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, pathID("/incidents", args[0], "/postmortem"), nil, nil)
		},
	}
}

func newSolutionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "solutions INCIDENT_ID",
		Short: "Suggest remediation steps from similar past incidents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodGet, pathID("/incidents", args[0], "/solutions"), nil, nil)
		},
	}
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		limit    int
		severity string
	)
	cmd := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Search closed incidents by similarity",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"q": {strings.Join(args, " ")}}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if severity != "" {
				q.Set("severity", strings.ToUpper(severity))
			}
			return call(cmd, opts, http.MethodGet, "/knowledge", q, nil)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum results (server default when 0)")
	cmd.Flags().StringVar(&severity, "severity", "", "only return incidents of this severity (SEV1..SEV4)")
	return cmd
}

func newActionsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "actions [INCIDENT_ID]",
		Short: "List action items, for one incident or all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return call(cmd, opts, http.MethodGet, pathID("/incidents", args[0], "/actions"), nil, nil)
			}
			return call(cmd, opts, http.MethodGet, "/actions", nil, nil)
		},
	}
}

func newTrackCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "track INCIDENT_ID -f ITEMS",
		Short: "Track additional action items for an incident",
		Long:  "The file holds a list of action items in YAML or JSON, each with at least a description.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			doc, err := readDocument(cmd, file)
			if err != nil {
				return err
			}
			items, ok := doc.([]any)
			if !ok {
				return fmt.Errorf("%s: expected a list of action items", file)
			}
			body := map[string]any{"action_items": items}
			return call(cmd, opts, http.MethodPost, pathID("/incidents", args[0], "/actions"), nil, body)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "action items in YAML or JSON (- for stdin)")
	return cmd
}

func newOverdueCmd(opts *rootOptions) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "overdue",
		Short: "List open action items past their due date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var q url.Values
			if at != "" {
				if _, err := time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at must be RFC 3339: %w", err)
				}
				q = url.Values{"now": {at}}
			}
			return call(cmd, opts, http.MethodGet, "/actions/overdue", q, nil)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate as of this RFC 3339 time instead of now")
	return cmd
}

func newCompleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "complete ACTION_ITEM_ID",
		Short: "Mark an action item completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, http.MethodPost, pathID("/actions", args[0], "/complete"), nil, nil)
		},
	}
}
