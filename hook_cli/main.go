package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/niczy/gitreview/internal/gitrepo"
	adminservice "github.com/niczy/gitreview/internal/services/admin"
	hookservice "github.com/niczy/gitreview/internal/services/hook"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	// errDeclined makes the hook exit non-zero without printing anything more.
	errDeclined = errors.New("push declined")
	// errReported marks errors already written to stderr.
	errReported = errors.New("reported")
)

func main() {
	a := &app{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		getenv: os.Getenv,
		dial:   dialAddr,
	}
	if err := a.rootCommand().Execute(); err != nil {
		if !errors.Is(err, errDeclined) && !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

type dialFunc func(addr string) (grpc.ClientConnInterface, func() error, error)

func dialAddr(addr string) (grpc.ClientConnInterface, func() error, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, conn.Close, nil
}

type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
	dial   dialFunc

	addr    string
	project string
	pusher  string
	timeout time.Duration
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "hook_cli",
		Short:         "Forward git receive hooks to the push intake service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetIn(a.stdin)

	flags := root.PersistentFlags()
	flags.StringVar(&a.addr, "addr", a.envOr("GITREVIEW_ADDR", "localhost:29419"), "intake service address")
	flags.StringVar(&a.project, "project", a.getenv("GITREVIEW_PROJECT"), "project name (default: derived from GIT_DIR)")
	flags.StringVar(&a.pusher, "pusher", a.getenv("GITREVIEW_PUSHER"), "account performing the push")
	flags.DurationVar(&a.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		&cobra.Command{
			Use:   "pre-receive",
			Short: "Run as the repository pre-receive hook",
			Args:  cobra.NoArgs,
			RunE:  a.runPreReceive,
		},
		&cobra.Command{
			Use:   "post-receive",
			Short: "Run as the repository post-receive hook",
			Args:  cobra.NoArgs,
			RunE:  a.runPostReceive,
		},
		a.changesCommand(),
	)
	return root
}

func (a *app) envOr(key, fallback string) string {
	if v := a.getenv(key); v != "" {
		return v
	}
	return fallback
}

func (a *app) request() (*hookservice.Request, error) {
	project := a.project
	if project == "" {
		project = projectFromGitDir(a.getenv("GIT_DIR"))
	}
	if project == "" {
		return nil, errors.New("cannot determine project: set --project or GITREVIEW_PROJECT")
	}
	if a.pusher == "" {
		return nil, errors.New("cannot determine pusher: set --pusher or GITREVIEW_PUSHER")
	}
	cmds, err := parseCommands(a.stdin)
	if err != nil {
		return nil, err
	}
	reviewers, cc := pushOptions(a.getenv)
	return &hookservice.Request{
		Project:   project,
		Pusher:    a.pusher,
		Reviewers: reviewers,
		CC:        cc,
		Commands:  cmds,
	}, nil
}

func (a *app) hookClient() (*hookservice.Client, func() error, error) {
	conn, closeFn, err := a.dial(a.addr)
	if err != nil {
		return nil, nil, err
	}
	return hookservice.NewClient(conn), closeFn, nil
}

func (a *app) runPreReceive(cmd *cobra.Command, _ []string) error {
	req, err := a.request()
	if err != nil {
		return a.fail(err)
	}
	if len(req.Commands) == 0 {
		return nil
	}
	// Review pushes are applied by the service; git must not touch those refs.
	req.Apply = hasReviewCommand(req.Commands)

	client, closeFn, err := a.hookClient()
	if err != nil {
		return a.fail(err)
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()
	resp, err := client.PreReceive(ctx, req)
	if err != nil {
		return a.fail(err)
	}
	a.report(resp, req.Apply)
	return verdict(resp, req.Apply)
}

func (a *app) runPostReceive(cmd *cobra.Command, _ []string) error {
	req, err := a.request()
	if err != nil {
		return a.fail(err)
	}
	if len(req.Commands) == 0 {
		return nil
	}

	client, closeFn, err := a.hookClient()
	if err != nil {
		return a.fail(err)
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()
	resp, err := client.PostReceive(ctx, req)
	if err != nil {
		return a.fail(err)
	}
	for _, msg := range resp.Messages {
		fmt.Fprintln(a.stderr, msg)
	}
	return nil
}

func (a *app) changesCommand() *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List the open changes of the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			project := a.project
			if project == "" {
				project = projectFromGitDir(a.getenv("GIT_DIR"))
			}
			if project == "" {
				return a.fail(errors.New("cannot determine project: set --project or GITREVIEW_PROJECT"))
			}
			conn, closeFn, err := a.dial(a.addr)
			if err != nil {
				return a.fail(err)
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
			defer cancel()
			changes, total, err := adminservice.NewClient(conn).ListChanges(ctx, project, limit, offset)
			if err != nil {
				return a.fail(fmt.Errorf("failed to list changes: %w", err))
			}
			fmt.Fprintf(a.stdout, "%d open change(s)\n", total)
			for _, c := range changes {
				line := fmt.Sprintf("%d\t%s\tps%d\t%s\t%s", c.ID, c.Key, c.CurrentPatchSet, gitrepo.ShortName(c.Branch), c.Subject)
				if c.Topic != "" {
					line += "\t[" + c.Topic + "]"
				}
				fmt.Fprintln(a.stdout, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of changes to print")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of changes to skip")
	return cmd
}

func (a *app) fail(err error) error {
	fmt.Fprintf(a.stderr, "error: %v\n", err)
	return fmt.Errorf("%w: %v", errReported, err)
}

// report prints server messages and per-ref outcomes in the form git users
// expect from a remote.
func (a *app) report(resp *hookservice.Response, applied bool) {
	for _, msg := range resp.Messages {
		fmt.Fprintln(a.stderr, msg)
	}
	for _, res := range resp.Results {
		switch {
		case res.Status == "OK" && applied:
			fmt.Fprintf(a.stderr, "%s: accepted by review server\n", res.Ref)
		case res.Status == "OK", res.Status == "NOT_ATTEMPTED":
		case res.Message != "":
			fmt.Fprintf(a.stderr, "%s: rejected (%s)\n", res.Ref, res.Message)
		default:
			fmt.Fprintf(a.stderr, "%s: rejected (%s)\n", res.Ref, strings.ToLower(res.Status))
		}
	}
}

// verdict decides the hook exit status. git may only proceed with a push the
// service did not apply itself and that it left untouched.
func verdict(resp *hookservice.Response, applied bool) error {
	if applied {
		return errDeclined
	}
	for _, res := range resp.Results {
		if res.Status != "NOT_ATTEMPTED" {
			return errDeclined
		}
	}
	return nil
}

// parseCommands reads "<old> <new> <ref>" lines as git passes them to
// receive hooks.
func parseCommands(r io.Reader) ([]hookservice.Command, error) {
	var cmds []hookservice.Command
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: expected \"<old> <new> <ref>\", got %q", line, text)
		}
		cmds = append(cmds, hookservice.Command{Old: fields[0], New: fields[1], Ref: fields[2]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read hook input: %w", err)
	}
	return cmds, nil
}

// pushOptions collects reviewers and cc accounts from the push options git
// exports as GIT_PUSH_OPTION_COUNT and GIT_PUSH_OPTION_<n>. Both "r=<id>" and
// "reviewer=<id>" name a reviewer.
func pushOptions(getenv func(string) string) (reviewers, cc []string) {
	count, err := strconv.Atoi(getenv("GIT_PUSH_OPTION_COUNT"))
	if err != nil {
		return nil, nil
	}
	for i := 0; i < count; i++ {
		key, value, ok := strings.Cut(getenv("GIT_PUSH_OPTION_"+strconv.Itoa(i)), "=")
		if !ok || value == "" {
			continue
		}
		switch key {
		case "r", "reviewer":
			reviewers = append(reviewers, value)
		case "cc":
			cc = append(cc, value)
		}
	}
	return reviewers, cc
}

func hasReviewCommand(cmds []hookservice.Command) bool {
	for _, c := range cmds {
		if gitrepo.IsForReview(c.Ref) || strings.HasPrefix(c.Ref, gitrepo.ChangesPrefix) {
			return true
		}
	}
	return false
}

// projectFromGitDir derives "team/app" from a GIT_DIR such as
// /srv/git/team/app.git. Only bare repositories under a ".git" suffix are
// recognized.
func projectFromGitDir(dir string) string {
	if dir == "" {
		return ""
	}
	dir = filepath.ToSlash(filepath.Clean(dir))
	if !strings.HasSuffix(dir, ".git") || strings.HasSuffix(dir, "/.git") {
		return ""
	}
	return strings.TrimSuffix(filepath.Base(dir), ".git")
}
