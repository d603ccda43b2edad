package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/taskdeck/taskdeck-go/internal/config"
	"github.com/taskdeck/taskdeck-go/internal/logging"
	"github.com/taskdeck/taskdeck-go/internal/state"
	"github.com/taskdeck/taskdeck-go/taskdeck"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle version and help before config loading.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version":
			fmt.Println("taskdeck " + Version)
			return
		case "help", "-h", "--help":
			usage()
			return
		}
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `taskdeck - Taskdeck from the command line

Usage: taskdeck <command> [arguments]

Commands:
  login       sign in through the browser and seal the credential to disk
  logout      forget the stored credential and local state
  whoami      show the authenticated user
  workspaces  list workspaces, marking the default
  use         set the default workspace by gid or name
  projects    list projects in the default workspace
  tasks       list open tasks (-all, -mine, -project gid)
  add         create a task: add [-notes text] [-due YYYY-MM-DD] [-project gid] <name>
  done        complete a task by gid
  edit        rewrite a task's notes from stdin, with a diff preview
  watch       stream live change events for the default workspace
  version     print the version
`)
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("no command given")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	a := &app{
		cfg:    cfg,
		logger: logger,
		state:  appState,
		client: newClient(cfg, logger),
	}

	command, rest := args[0], args[1:]
	switch command {
	case "login":
		return a.login(ctx)
	case "logout":
		return a.logout()
	case "whoami":
		return a.whoami(ctx)
	case "workspaces":
		return a.workspaces(ctx)
	case "use":
		return a.use(ctx, rest)
	case "projects":
		return a.projects(ctx)
	case "tasks":
		return a.tasks(ctx, rest)
	case "add":
		return a.add(ctx, rest)
	case "done":
		return a.done(ctx, rest)
	case "edit":
		return a.edit(ctx, rest)
	case "watch":
		return a.watch(ctx)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// newClient assembles the API client from config. OAuth and a personal
// access token may both be configured; the token wins.
func newClient(cfg *config.Config, logger *slog.Logger) *taskdeck.Client {
	opts := []taskdeck.Option{
		taskdeck.WithLogger(logger),
		taskdeck.WithCredentialFile(cfg.CredentialsFile),
		taskdeck.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, taskdeck.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HasOAuth() {
		opts = append(opts, taskdeck.WithOAuth(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURI))
	}
	if cfg.AccessToken != "" {
		opts = append(opts, taskdeck.WithStaticToken(cfg.AccessToken))
	}

	return taskdeck.NewClient(opts...)
}

// app wires the client, config, and state store for one command run.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	client *taskdeck.Client
	state  *state.State

	// pass caches the passphrase so it is prompted for at most once.
	pass string
}

// ensureAuthenticated makes sure the client holds a credential: the static
// token from config, or the sealed credential file.
func (a *app) ensureAuthenticated() error {
	if a.client.Credential() != nil {
		return nil
	}

	pass, err := a.passphrase()
	if err != nil {
		return err
	}

	if !a.client.Load(pass) {
		return fmt.Errorf("no usable credential, run `taskdeck login` first")
	}

	return nil
}

func (a *app) passphrase() (string, error) {
	if a.pass != "" {
		return a.pass, nil
	}

	if a.cfg.Passphrase != "" {
		a.pass = a.cfg.Passphrase
		return a.pass, nil
	}

	pass, err := promptLine("Passphrase: ")
	if err != nil {
		return "", err
	}
	if pass == "" {
		return "", fmt.Errorf("empty passphrase")
	}

	a.pass = pass

	return pass, nil
}

func promptLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return "", fmt.Errorf("no input")
	}
	return strings.TrimSpace(scanner.Text()), nil
}

// login walks the authorization code flow: print the URL, wait for the
// pasted code, exchange it, and seal the credential to disk.
func (a *app) login(ctx context.Context) error {
	if !a.cfg.HasOAuth() {
		return fmt.Errorf("login needs an OAuth app, set TASKDECK_CLIENT_ID")
	}

	authReq, err := a.client.BuildAuthorizationURL([]string{"default"}, true, true)
	if err != nil {
		return err
	}

	fmt.Println("Open this URL in your browser and approve access:")
	fmt.Println()
	fmt.Println("  " + authReq.URL)
	fmt.Println()

	code, err := promptLine("Paste the code from the redirect: ")
	if err != nil {
		return err
	}
	if code == "" {
		return fmt.Errorf("no code given")
	}

	if _, err := a.client.ExchangeCode(ctx, code, authReq.CodeVerifier); err != nil {
		return err
	}

	pass, err := a.passphrase()
	if err != nil {
		return err
	}
	if err := a.client.Persist(pass); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}

	user, err := a.client.Me(ctx)
	if err != nil {
		return err
	}
	if err := a.state.SetCachedUser(state.User{GID: user.GID, Name: user.Name, Email: user.Email}); err != nil {
		a.logger.Warn("failed to cache user", slog.String("error", err.Error()))
	}

	fmt.Printf("Signed in as %s <%s>\n", user.Name, user.Email)

	return nil
}

// logout drops the credential and resets local state. Running it twice is
// fine.
func (a *app) logout() error {
	if err := a.client.Logout(); err != nil {
		return err
	}
	if err := a.state.Reset(); err != nil {
		return fmt.Errorf("resetting state: %w", err)
	}

	fmt.Println("Signed out.")

	return nil
}

func (a *app) whoami(ctx context.Context) error {
	if err := a.ensureAuthenticated(); err != nil {
		return err
	}

	user, err := a.client.Me(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%s <%s> (%s)\n", user.Name, user.Email, user.GID)

	return nil
}

func (a *app) workspaces(ctx context.Context) error {
	if err := a.ensureAuthenticated(); err != nil {
		return err
	}

	workspaces, err := a.client.ListWorkspaces(ctx)
	if err != nil {
		return err
	}

	def, err := a.state.DefaultWorkspace()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, ws := range workspaces {
		marker := " "
		if ws.GID == def.GID {
			marker = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", marker, ws.GID, ws.Name)
	}

	return w.Flush()
}

// use records the default workspace, accepting a gid or a name.
func (a *app) use(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: taskdeck use <workspace>")
	}
	if err := a.ensureAuthenticated(); err != nil {
		return err
	}

	workspaces, err := a.client.ListWorkspaces(ctx)
	if err != nil {
		return err
	}

	var picked *taskdeck.Workspace
	for i := range workspaces {
		if workspaces[i].GID == args[0] || workspaces[i].Name == args[0] {
			picked = &workspaces[i]
			break
		}
	}
	if picked == nil {
		return fmt.Errorf("workspace %q not found, available: %s", args[0], workspaceNames(workspaces))
	}

	if err := a.state.SetDefaultWorkspace(state.Workspace{GID: picked.GID, Name: picked.Name}); err != nil {
		return err
	}

	fmt.Printf("Default workspace is now %s (%s)\n", picked.Name, picked.GID)

	return nil
}

func workspaceNames(workspaces []taskdeck.Workspace) string {
	var all []string
	for _, ws := range workspaces {
		all = append(all, ws.Name)
	}
	return strings.Join(all, ", ")
}

// defaultWorkspace resolves the workspace task commands act on: the one
// recorded by `taskdeck use`, else TASKDECK_WORKSPACE.
func (a *app) defaultWorkspace() (string, error) {
	ws, err := a.state.DefaultWorkspace()
	if err != nil {
		return "", err
	}
	if ws.GID != "" {
		return ws.GID, nil
	}
	if a.cfg.Workspace != "" {
		return a.cfg.Workspace, nil
	}
	return "", fmt.Errorf("no workspace selected, run `taskdeck use <workspace>` first")
}

func (a *app) projects(ctx context.Context) error {
	if err := a.ensureAuthenticated(); err != nil {
		return err
	}

	workspace, err := a.defaultWorkspace()
	if err != nil {
		return err
	}

	projects, err := a.client.ListProjects(ctx, workspace)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, p := range projects {
		name := p.Name
		if p.Archived {
			name += " (archived)"
		}
		fmt.Fprintf(w, "%s\t%s\n", p.GID, name)
	}

	return w.Flush()
}

func (a *app) tasks(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	all := fs.Bool("all", false, "include completed tasks")
	mine := fs.Bool("mine", false, "only tasks assigned to me")
	project := fs.String("project", "", "filter by project gid")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := a.ensureAuthenticated(); err != nil {
		return err
	}

	workspace, err := a.defaultWorkspace()
	if err != nil {
		return err
	}

	params := taskdeck.TaskListParams{
		WorkspaceGID:     workspace,
		ProjectGID:       *project,
		IncludeCompleted: *all,
	}
	if *mine {
		params.AssigneeGID = "me"
	}

	tasks, err := a.client.ListTasks(ctx, params)
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, task := range tasks {
		box := "[ ]"
		if task.Completed {
			box = "[x]"
		}
		due := task.DueOn
		if due == "" {
			due = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", box, task.GID, due, task.Name)
	}

	return w.Flush()
}

func (a *app) add(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	notes := fs.String("notes", "", "task notes")
	due := fs.String("due", "", "due date (YYYY-MM-DD)")
	project := fs.String("project", "", "project gid")
	if err := fs.Parse(args); err != nil {
		return err
	}

	name := strings.Join(fs.Args(), " ")
	if name == "" {
		return fmt.Errorf("usage: taskdeck add [-notes text] [-due YYYY-MM-DD] [-project gid] <name>")
	}

	if err := a.ensureAuthenticated(); err != nil {
		return err
	}

	workspace, err := a.defaultWorkspace()
	if err != nil {
		return err
	}

	task, err := a.client.CreateTask(ctx, taskdeck.TaskCreateParams{
		WorkspaceGID: workspace,
		ProjectGID:   *project,
		Name:         name,
		Notes:        *notes,
		DueOn:        *due,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Created %s: %s\n", task.GID, task.Name)

	return nil
}

func (a *app) done(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: taskdeck done <gid>")
	}
	if err := a.ensureAuthenticated(); err != nil {
		return err
	}

	task, err := a.client.CompleteTask(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Done: %s\n", task.Name)

	return nil
}

// edit replaces a task's notes with text read from stdin, previewing the
// change as a diff before it is sent.
func (a *app) edit(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: taskdeck edit <gid>")
	}
	if err := a.ensureAuthenticated(); err != nil {
		return err
	}

	task, err := a.client.GetTask(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Enter the new notes, end with EOF (ctrl-d):")
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading notes: %w", err)
	}
	notes := string(data)

	if notes == task.Notes {
		fmt.Println("No changes.")
		return nil
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(task.Notes, notes, true)
	if len(diffs) > 2 {
		diffs = dmp.DiffCleanupSemantic(diffs)
	}
	fmt.Println(dmp.DiffPrettyText(diffs))

	updated, err := a.client.UpdateTask(ctx, task.GID, taskdeck.TaskUpdateParams{Notes: &notes})
	if err != nil {
		return err
	}

	fmt.Printf("Updated %s: %s\n", updated.GID, updated.Name)

	return nil
}

// watch follows the workspace event feed until interrupted. A second
// goroutine watches the credential file so that when another process
// refreshes or replaces the stored credential, the feed reconnects with
// the fresh token.
func (a *app) watch(ctx context.Context) error {
	if err := a.ensureAuthenticated(); err != nil {
		return err
	}

	workspace, err := a.defaultWorkspace()
	if err != nil {
		return err
	}

	// Long watches outlive access tokens; keep the sealed file fresh.
	a.client.Subscribe(func(taskdeck.Credential) {
		if a.pass == "" {
			return
		}
		if err := a.client.Persist(a.pass); err != nil {
			a.logger.Warn("failed to persist refreshed credential", slog.String("error", err.Error()))
		}
	})

	if last, err := a.state.LastEventAt(workspace); err == nil && !last.IsZero() {
		a.logger.Info("last seen event", slog.Time("at", last))
	}

	handler := func(ev taskdeck.Event) {
		fmt.Printf("%s  %-10s %-10s %s\n", ev.At.Format(time.RFC3339), ev.Type, ev.Action, ev.ResourceGID)
		if err := a.state.SetLastEventAt(workspace, ev.At); err != nil {
			a.logger.Warn("failed to record event time", slog.String("error", err.Error()))
		}
	}

	reload := make(chan struct{}, 1)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return taskdeck.WatchCredentialFile(gctx, a.cfg.CredentialsFile, a.logger, func() {
			if a.pass == "" || !a.client.Load(a.pass) {
				return
			}
			a.logger.Info("credential file reloaded")
			select {
			case reload <- struct{}{}:
			default:
			}
		})
	})

	g.Go(func() error {
		for {
			cred := a.client.Credential()
			if cred == nil {
				return taskdeck.ErrNoCredential
			}

			opts := []taskdeck.EventsOption{taskdeck.WithEventsLogger(a.logger)}
			if a.cfg.EventsURL != "" {
				opts = append(opts, taskdeck.WithEventsURL(a.cfg.EventsURL))
			}
			events := taskdeck.NewEventsClient(cred.AccessToken, workspace, opts...)

			feedCtx, cancel := context.WithCancel(gctx)
			done := make(chan error, 1)
			go func() { done <- events.Run(feedCtx, handler) }()

			select {
			case <-reload:
				cancel()
				<-done
				events.Close()
			case err := <-done:
				cancel()
				events.Close()
				return err
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
