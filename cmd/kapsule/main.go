package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/term"

	apiclient "github.com/eyes-pick/kapsules/pkg/api/client"
	"github.com/eyes-pick/kapsules/pkg/jwt"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
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
	case "build":
		err = commandBuild(args)
	case "status":
		err = commandStatus(args)
	case "watch":
		err = commandWatch(args)
	case "list":
		err = commandList(args)
	case "teardown":
		err = commandTeardown(args)
	case "delete":
		err = commandDelete(args)
	case "reap":
		err = commandReap(args)
	case "config":
		err = commandConfig(args)
	case "token":
		err = commandToken(args)
	case "version", "--version", "-v":
		printVersion()
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

func commandBuild(args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	projectID := fs.String("project", "", "Existing project to rebuild (omit to create one)")
	title := fs.String("title", "", "Project title")
	description := fs.String("description", "", "Project description")
	prompt := fs.String("prompt", "", "Natural-language description of the app")
	template := fs.String("template", "", "Build template")
	watch := fs.Bool("watch", false, "Follow stage events until the build finishes")
	fs.Parse(args)

	text := strings.TrimSpace(*prompt)
	if text == "" && fs.NArg() > 0 {
		text = strings.Join(fs.Args(), " ")
	}
	if text == "" {
		return errors.New("--prompt is required")
	}

	cfg, client, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	accepted, err := client.Build(ctx, cfg.AccessToken, apiclient.BuildInput{
		ProjectID:   strings.TrimSpace(*projectID),
		Title:       *title,
		Description: *description,
		Prompt:      text,
		Template:    *template,
	})
	if err != nil {
		if apiclient.IsConflict(err) {
			return errors.New("a build is already running for this project")
		}
		return err
	}
	fmt.Printf("build accepted: project=%s build=%s\n", accepted.ProjectID, accepted.BuildID)
	if !*watch {
		fmt.Printf("follow with: kapsule watch --project %s\n", accepted.ProjectID)
		return nil
	}
	return watchProject(client, cfg.AccessToken, accepted.ProjectID)
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	asJSON := fs.Bool("json", false, "Print the raw status document")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	cfg, client, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	status, err := client.Status(ctx, cfg.AccessToken, *projectID)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	fmt.Printf("project:  %s\n", status.ProjectID)
	fmt.Printf("status:   %s\n", status.BuildStatus)
	if status.Stage != "" {
		fmt.Printf("stage:    %s\n", status.Stage)
	}
	if status.PreviewURL != "" {
		fmt.Printf("preview:  %s\n", status.PreviewURL)
	}
	if status.Diagnostics != "" {
		fmt.Printf("error:    %s\n", status.Diagnostics)
	}
	for _, ev := range status.Events {
		fmt.Printf("  #%-3d %-12s %-10s %s\n", ev.Sequence, ev.Stage, ev.Status, ev.CreatedAt.Local().Format(time.Kitchen))
	}
	return nil
}

func commandWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	cfg, client, err := session()
	if err != nil {
		return err
	}
	return watchProject(client, cfg.AccessToken, *projectID)
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Maximum number of projects")
	fs.Parse(args)

	cfg, client, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	projects, err := client.ListProjects(ctx, cfg.AccessToken, *limit)
	if err != nil {
		return err
	}
	for _, p := range projects {
		fmt.Printf("%s\t%s\t%s\t%s\n", p.ID, p.BuildStatus, p.Title, p.PreviewURL)
	}
	return nil
}

func commandTeardown(args []string) error {
	fs := flag.NewFlagSet("teardown", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	cfg, client, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	if err := client.Teardown(ctx, cfg.AccessToken, *projectID); err != nil {
		return err
	}
	fmt.Println("project stopped")
	return nil
}

func commandDelete(args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)
	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}

	cfg, client, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	if err := client.Delete(ctx, cfg.AccessToken, *projectID); err != nil {
		if apiclient.IsNotFound(err) {
			return fmt.Errorf("project %s not found", *projectID)
		}
		return err
	}
	fmt.Println("project deleted")
	return nil
}

func commandReap(args []string) error {
	fs := flag.NewFlagSet("reap", flag.ExitOnError)
	fs.Parse(args)

	cfg, client, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	report, err := client.Reap(ctx, cfg.AccessToken)
	fmt.Printf("units removed: %d\nports released: %v\nstale refs: %d\nidle torn down: %d\n",
		report.UnitsRemoved, report.PortsReleased, report.StaleRefs, report.IdleTornDown)
	return err
}

func commandConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL")
	token := fs.String("token", "", "Access token")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	changed := false
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = strings.TrimSpace(*apiBase)
		changed = true
	}
	if strings.TrimSpace(*token) != "" {
		cfg.AccessToken = strings.TrimSpace(*token)
		changed = true
	}
	if changed {
		if err := saveConfig(cfg); err != nil {
			return err
		}
	}
	fmt.Printf("api: %s\n", cfg.APIBaseURL)
	if cfg.AccessToken != "" {
		fmt.Println("token: set")
	} else {
		fmt.Println("token: not set")
	}
	return nil
}

// commandToken mints a token signed with the server's secret, for
// single-operator setups where the CLI and server share AUTH_JWT_SECRET.
func commandToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "User identifier to embed")
	secret := fs.String("secret", os.Getenv("AUTH_JWT_SECRET"), "Signing secret (defaults to AUTH_JWT_SECRET)")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	save := fs.Bool("save", true, "Store the token in the CLI config")
	fs.Parse(args)

	if strings.TrimSpace(*user) == "" {
		return errors.New("--user is required")
	}
	key := strings.TrimSpace(*secret)
	if key == "" {
		fmt.Print("Signing secret: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read secret: %w", err)
		}
		key = strings.TrimSpace(string(raw))
	}
	token, err := jwt.GenerateToken(*user, key, *ttl)
	if err != nil {
		return err
	}
	if !*save {
		fmt.Println(token)
		return nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.AccessToken = token
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("token saved")
	return nil
}

func session() (cliConfig, *apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cliConfig{}, nil, err
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return cliConfig{}, nil, err
	}
	return cfg, client, nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase()}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase()
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
	if p := strings.TrimSpace(os.Getenv("KAPSULE_CONFIG")); p != "" {
		return p, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "kapsule", "config.json"), nil
}

func defaultAPIBase() string {
	if v := strings.TrimSpace(os.Getenv("KAPSULES_API")); v != "" {
		return v
	}
	return "http://localhost:4000"
}

func printUsage() {
	fmt.Printf("kapsule CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	kapsule build --prompt "todo app with dark mode" [--title T] [--template name] [--project id] [--watch]
	kapsule status --project <project-id> [--json]
	kapsule watch --project <project-id>
	kapsule list [--limit N]
	kapsule teardown --project <project-id>
	kapsule delete --project <project-id>
	kapsule reap
	kapsule config [--api http://localhost:4000] [--token T]
	kapsule token --user <user-id> [--secret S] [--ttl 24h] [--save=false]
	kapsule version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
