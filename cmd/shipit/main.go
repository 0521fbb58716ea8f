package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	apiclient "github.com/DiegoStefanini/shipit-sub000/pkg/api/client"
)

const defaultAPIBase = "http://localhost:8080"

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
	Token      string `json:"token"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "project":
		err = commandProject(args)
	case "deploy":
		err = commandDeploy(args)
	case "deploys":
		err = commandDeploys(args)
	case "logs":
		err = commandLogs(args)
	case "version", "--version", "-v":
		fmt.Println(strings.TrimSpace(buildVersion))
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBase+")")
	token := fs.String("token", "", "Operator token (supply to avoid prompt)")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("--token is required when stdin is not a terminal")
		}
		fmt.Print("Token: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(raw))
	}
	if secret == "" {
		return errors.New("token must not be empty")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	}
	client, err := apiclient.New(cfg.APIBaseURL, apiclient.WithToken(secret))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if _, err := client.ListProjects(ctx); err != nil {
		return fmt.Errorf("verify token: %w", err)
	}

	cfg.APIBaseURL = client.BaseURL()
	cfg.Token = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("logged in to %s\n", cfg.APIBaseURL)
	return nil
}

func commandProject(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: shipit project [list|create|delete]")
	}
	switch args[0] {
	case "list":
		return projectList(args[1:])
	case "create":
		return projectCreate(args[1:])
	case "delete":
		return projectDelete(args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", args[0])
	}
}

func projectList(args []string) error {
	fs := flag.NewFlagSet("project list", flag.ExitOnError)
	fs.Parse(args)

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	projects, err := client.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, p := range projects {
		lang := "-"
		if p.Language != nil {
			lang = *p.Language
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Status, lang, source(p))
	}
	return nil
}

func projectCreate(args []string) error {
	fs := flag.NewFlagSet("project create", flag.ExitOnError)
	name := fs.String("name", "", "Project name (lowercase, digits, dashes)")
	repo := fs.String("repo", "", "Repository URL")
	slug := fs.String("slug", "", "Repository slug owner/repo on the configured git host")
	branch := fs.String("branch", "main", "Branch to deploy")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	if strings.TrimSpace(*repo) == "" && strings.TrimSpace(*slug) == "" {
		return errors.New("--repo or --slug is required")
	}

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	project, err := client.CreateProject(ctx, apiclient.CreateProjectInput{
		Name:     *name,
		RepoURL:  *repo,
		RepoSlug: *slug,
		Branch:   *branch,
	})
	if err != nil {
		return err
	}
	fmt.Printf("project created: %s (%s)\n", project.ID, project.Name)
	return nil
}

func projectDelete(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: shipit project delete <project>")
	}
	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	project, err := client.ResolveProject(ctx, args[0])
	if err != nil {
		return err
	}
	if err := client.DeleteProject(ctx, project.ID); err != nil {
		return err
	}
	fmt.Printf("project deleted: %s\n", project.Name)
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	follow := fs.Bool("follow", false, "Stream the deploy log until it finishes")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: shipit deploy [-follow] <project>")
	}

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	project, err := client.ResolveProject(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	previous := ""
	if recent, err := client.ListDeploys(ctx, project.ID, 1); err == nil && len(recent) > 0 {
		previous = recent[0].ID
	}
	res, err := client.TriggerDeploy(ctx, project.ID)
	if err != nil {
		return err
	}
	fmt.Printf("deploy queued for %s (queue depth %d)\n", project.Name, res.QueueDepth)
	if !*follow {
		return nil
	}

	deployID, err := awaitNewDeploy(ctx, client, project.ID, previous)
	if err != nil {
		return err
	}
	fmt.Printf("deploy %s started\n", deployID)
	return followLog(ctx, client, deployID)
}

// awaitNewDeploy waits for the worker to pick up the queued request, which
// shows up as a deploy newer than previous.
func awaitNewDeploy(ctx context.Context, client *apiclient.Client, projectID, previous string) (string, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		recent, err := client.ListDeploys(ctx, projectID, 1)
		if err != nil {
			return "", err
		}
		if len(recent) > 0 && recent[0].ID != previous {
			return recent[0].ID, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func commandDeploys(args []string) error {
	fs := flag.NewFlagSet("deploys", flag.ExitOnError)
	limit := fs.Int("limit", 10, "Maximum number of deploys")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: shipit deploys [-limit N] <project>")
	}

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	project, err := client.ResolveProject(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	deploys, err := client.ListDeploys(ctx, project.ID, *limit)
	if err != nil {
		return err
	}
	for _, d := range deploys {
		commit := "-"
		if d.CommitSHA != nil && len(*d.CommitSHA) >= 7 {
			commit = (*d.CommitSHA)[:7]
		}
		took := "-"
		if d.FinishedAt != nil {
			took = d.FinishedAt.Sub(d.StartedAt).Round(time.Second).String()
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", d.ID, d.Status, commit, d.StartedAt.Local().Format(time.RFC3339), took)
	}
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	follow := fs.Bool("follow", false, "Keep streaming until the deploy finishes")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: shipit logs [-follow] <deploy>")
	}

	client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *follow {
		return followLog(ctx, client, fs.Arg(0))
	}
	d, err := client.GetDeploy(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Print(d.Log)
	return nil
}

// followLog prints the stored log and then each new suffix of it. Live
// websocket events only wake the loop; the stored log is append-only, so
// printing by offset neither drops nor repeats lines.
func followLog(ctx context.Context, client *apiclient.Client, deployID string) error {
	wake := make(chan struct{}, 1)
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = client.FollowDeploy(streamCtx, deployID, func(apiclient.LogEvent) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
	}()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	printed := 0
	for {
		d, err := client.GetDeploy(ctx, deployID)
		if err != nil {
			return err
		}
		if len(d.Log) > printed {
			fmt.Print(d.Log[printed:])
			printed = len(d.Log)
		}
		if d.Finished() {
			fmt.Printf("deploy %s finished: %s\n", d.ID, d.Status)
			if d.Status != "success" {
				return fmt.Errorf("deploy %s failed", d.ID)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

func source(p apiclient.Project) string {
	if p.RepoURL != "" {
		return p.RepoURL
	}
	return p.RepoSlug
}

func authedClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if env := strings.TrimSpace(os.Getenv("SHIPIT_TOKEN")); env != "" {
		cfg.Token = env
	}
	if env := strings.TrimSpace(os.Getenv("SHIPIT_API")); env != "" {
		cfg.APIBaseURL = env
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("please login first using 'shipit login'")
	}
	return apiclient.New(cfg.APIBaseURL, apiclient.WithToken(cfg.Token))
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "shipit", "config.json"), nil
}

func printUsage() {
	fmt.Printf("shipit CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	shipit login [--api ` + defaultAPIBase + `] [--token secret]
	shipit project list
	shipit project create --name <name> (--repo <url> | --slug owner/repo) [--branch main]
	shipit project delete <project>
	shipit deploy [-follow] <project>
	shipit deploys [-limit N] <project>
	shipit logs [-follow] <deploy>
	shipit version
`)
}
