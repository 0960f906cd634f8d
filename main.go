package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/go-errors/errors"
	yaml "github.com/goccy/go-yaml"
	"github.com/integrii/flaggy"

	"github.com/pinacle-sh/pinacle/pkg/app"
	"github.com/pinacle-sh/pinacle/pkg/config"
)

var (
	commit      string
	version     = "unversioned"
	date        string
	buildSource = "unknown"

	configFlag    = false
	debuggingFlag = false

	provisionCmd  *flaggy.Subcommand
	provisionArgs app.ProvisionArgs
	configFile    string
	envFile       string

	deprovisionCmd   *flaggy.Subcommand
	deprovisionPodID string

	cleanupCmd      *flaggy.Subcommand
	cleanupPodID    string
	cleanupServerID string

	logsCmd    *flaggy.Subcommand
	logsPodID  string
	logsTail   = 100
	logsFollow = false

	execCmd     *flaggy.Subcommand
	execPodID   string
	execCommand string

	historyCmd   *flaggy.Subcommand
	historyPodID string
	historyLimit = 20

	purgeCmd   *flaggy.Subcommand
	purgePodID string

	listCmd    *flaggy.Subcommand
	listStatus string

	serverCmd     *flaggy.Subcommand
	serverAddCmd  *flaggy.Subcommand
	serverListCmd *flaggy.Subcommand
	serverID      string
	serverName    string
	serverHost    string
	serverPort    int
)

func setupFlags() {
	flaggy.Bool(&configFlag, "c", "config", "Print the default config")
	flaggy.Bool(&debuggingFlag, "d", "debug", "Log verbosely to the config directory")

	provisionCmd = flaggy.NewSubcommand("provision")
	provisionCmd.Description = "Create or update a pod record and drive it to running"
	provisionCmd.AddPositionalValue(&provisionArgs.PodID, "pod-id", 1, true, "the pod to provision")
	provisionCmd.String(&provisionArgs.Name, "n", "name", "Pod name, defaults to the pod id")
	provisionCmd.String(&provisionArgs.Slug, "", "slug", "URL slug, defaults to name-id")
	provisionCmd.String(&configFile, "f", "config-file", "Path to the pod's pinacle.yaml")
	provisionCmd.String(&envFile, "e", "env-file", "Path to a .env file stored for the pod")
	provisionCmd.String(&provisionArgs.ServerID, "s", "server", "Pin the pod to a server id")
	provisionCmd.String(&provisionArgs.Repo, "r", "repo", "GitHub repository as owner/repo")
	provisionCmd.String(&provisionArgs.Branch, "b", "branch", "Branch to check out of an existing repository")
	provisionCmd.Bool(&provisionArgs.NewRepo, "", "new-repo", "Scaffold the config's template and push it to --repo")
	provisionCmd.Bool(&provisionArgs.HasConfig, "", "has-config", "The repository carries its own pinacle.yaml")
	provisionCmd.Bool(&provisionArgs.KeepOnError, "", "keep-on-error", "Keep host remnants in place when provisioning fails")
	flaggy.AttachSubcommand(provisionCmd, 1)

	deprovisionCmd = flaggy.NewSubcommand("deprovision")
	deprovisionCmd.Description = "Tear a pod off its host, volumes included, and archive the record"
	deprovisionCmd.AddPositionalValue(&deprovisionPodID, "pod-id", 1, true, "the pod to deprovision")
	flaggy.AttachSubcommand(deprovisionCmd, 1)

	cleanupCmd = flaggy.NewSubcommand("cleanup")
	cleanupCmd.Description = "Sweep a pod's remnants off a server by naming convention"
	cleanupCmd.AddPositionalValue(&cleanupPodID, "pod-id", 1, true, "the pod whose remnants to sweep")
	cleanupCmd.String(&cleanupServerID, "s", "server", "The server to sweep")
	flaggy.AttachSubcommand(cleanupCmd, 1)

	logsCmd = flaggy.NewSubcommand("logs")
	logsCmd.Description = "Fetch a pod's container log from its host"
	logsCmd.AddPositionalValue(&logsPodID, "pod-id", 1, true, "the pod to read logs from")
	logsCmd.Int(&logsTail, "t", "tail", "Lines from the end of the log")
	logsCmd.Bool(&logsFollow, "", "follow", "Stream the log until interrupted")
	flaggy.AttachSubcommand(logsCmd, 1)

	execCmd = flaggy.NewSubcommand("exec")
	execCmd.Description = "Run a command inside a pod's container"
	execCmd.AddPositionalValue(&execPodID, "pod-id", 1, true, "the pod to run the command in")
	execCmd.AddPositionalValue(&execCommand, "command", 2, true, "the command line, quoted as a single argument")
	flaggy.AttachSubcommand(execCmd, 1)

	historyCmd = flaggy.NewSubcommand("history")
	historyCmd.Description = "Show the commands run against a pod, newest first"
	historyCmd.AddPositionalValue(&historyPodID, "pod-id", 1, true, "the pod whose journal to read")
	historyCmd.Int(&historyLimit, "l", "limit", "Number of entries, 0 for all")
	flaggy.AttachSubcommand(historyCmd, 1)

	purgeCmd = flaggy.NewSubcommand("purge")
	purgeCmd.Description = "Erase an archived pod's record and command journal"
	purgeCmd.AddPositionalValue(&purgePodID, "pod-id", 1, true, "the pod to purge")
	flaggy.AttachSubcommand(purgeCmd, 1)

	listCmd = flaggy.NewSubcommand("list")
	listCmd.Description = "List pod records that are not archived"
	listCmd.String(&listStatus, "s", "status", "Only records in this state; archived records only show when asked for")
	flaggy.AttachSubcommand(listCmd, 1)

	serverCmd = flaggy.NewSubcommand("server")
	serverCmd.Description = "Manage the hosts pods are placed on"
	serverAddCmd = flaggy.NewSubcommand("add")
	serverAddCmd.Description = "Register a host"
	serverAddCmd.AddPositionalValue(&serverID, "server-id", 1, true, "id for the new server")
	serverAddCmd.String(&serverHost, "", "host", "Address the control plane reaches the server on")
	serverAddCmd.String(&serverName, "n", "name", "Display name, defaults to the id")
	serverAddCmd.Int(&serverPort, "p", "port", "SSH port, defaults to the config's ssh.port")
	serverCmd.AttachSubcommand(serverAddCmd, 1)
	serverListCmd = flaggy.NewSubcommand("list")
	serverListCmd.Description = "List registered hosts"
	serverCmd.AttachSubcommand(serverListCmd, 1)
	flaggy.AttachSubcommand(serverCmd, 1)
}

func main() {
	info := fmt.Sprintf(
		"%s\nDate: %s\nBuildSource: %s\nCommit: %s\nOS: %s\nArch: %s",
		version,
		date,
		buildSource,
		commit,
		runtime.GOOS,
		runtime.GOARCH,
	)

	flaggy.SetName("pinacle")
	flaggy.SetDescription("Pod orchestration for sandboxed cloud development machines")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/pinacle-sh/pinacle"
	flaggy.SetVersion(info)

	setupFlags()
	flaggy.Parse()

	if configFlag {
		var buf bytes.Buffer
		encoder := yaml.NewEncoder(&buf)
		err := encoder.Encode(config.GetDefaultConfig())
		if err != nil {
			log.Fatal(err.Error())
		}
		fmt.Printf("%v\n", buf.String())
		os.Exit(0)
	}

	appConfig, err := config.NewAppConfig("pinacle", version, commit, date, buildSource, debuggingFlag)
	if err != nil {
		log.Fatal(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(appConfig)
	if err == nil {
		err = dispatch(ctx, a)
		if closeErr := a.Close(); err == nil {
			err = closeErr
		}
	}

	if err != nil {
		if errMessage, known := a.KnownError(err); known {
			log.Println(errMessage)
			os.Exit(1)
		}

		newErr := errors.Wrap(err, 0)
		stackTrace := newErr.ErrorStack()
		a.Log.Error(stackTrace)

		log.Fatal(fmt.Sprintf("An error occurred\n\n%s", stackTrace))
	}
}

func dispatch(ctx context.Context, a *app.App) error {
	switch {
	case provisionCmd.Used:
		if configFile != "" {
			content, err := os.ReadFile(configFile)
			if err != nil {
				return errors.Wrap(err, 0)
			}
			provisionArgs.ConfigYAML = string(content)
		}
		if envFile != "" {
			content, err := os.ReadFile(envFile)
			if err != nil {
				return errors.Wrap(err, 0)
			}
			provisionArgs.Dotenv = string(content)
		}
		record, err := a.Provision(ctx, provisionArgs)
		if err != nil {
			return err
		}
		fmt.Printf("pod %s running\n", record.ID)
		fmt.Printf("  server     %s\n", record.ServerID.String)
		fmt.Printf("  container  %s\n", record.ContainerID)
		fmt.Printf("  url        %s\n", record.URL)
		return nil

	case deprovisionCmd.Used:
		if err := a.Deprovision(ctx, deprovisionPodID); err != nil {
			return err
		}
		fmt.Printf("pod %s deprovisioned\n", deprovisionPodID)
		return nil

	case cleanupCmd.Used:
		if cleanupServerID == "" {
			return errors.Errorf("cleanup needs --server to know which host to sweep")
		}
		if err := a.Cleanup(ctx, cleanupPodID, cleanupServerID); err != nil {
			return err
		}
		fmt.Printf("pod %s swept off server %s\n", cleanupPodID, cleanupServerID)
		return nil

	case logsCmd.Used:
		logs, err := a.Logs(ctx, logsPodID, logsTail, logsFollow)
		if err != nil {
			return err
		}
		fmt.Print(logs)
		return nil

	case execCmd.Used:
		result, err := a.Exec(ctx, execPodID, execCommand)
		if result != nil {
			fmt.Print(result.Stdout)
		}
		return err

	case historyCmd.Used:
		entries, err := a.History(historyPodID, historyLimit)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			exitCode := "-"
			if entry.ExitCode.Valid {
				exitCode = fmt.Sprintf("%d", entry.ExitCode.Int64)
			}
			fmt.Printf("%s  %-18s exit %-3s %s\n", entry.StartedAt.Format("2006-01-02 15:04:05"), entry.Label, exitCode, entry.Command)
			if entry.ContainerCommand != "" {
				fmt.Printf("%27s in container: %s\n", "", entry.ContainerCommand)
			}
		}
		return nil

	case purgeCmd.Used:
		if err := a.Purge(purgePodID); err != nil {
			return err
		}
		fmt.Printf("pod %s purged\n", purgePodID)
		return nil

	case listCmd.Used:
		pods, err := a.Pods(listStatus)
		if err != nil {
			return err
		}
		for _, record := range pods {
			fmt.Printf("%-12s %-16s %-12s %-10s %s\n", record.ID, record.Name, record.Status, record.ServerID.String, record.URL)
		}
		return nil

	case serverCmd.Used:
		switch {
		case serverAddCmd.Used:
			server, err := a.AddServer(serverID, serverName, serverHost, serverPort)
			if err != nil {
				return err
			}
			fmt.Printf("server %s registered at %s:%d\n", server.ID, server.Host, server.Port)
			return nil
		case serverListCmd.Used:
			servers, err := a.Servers()
			if err != nil {
				return err
			}
			for _, server := range servers {
				fmt.Printf("%-16s %-20s %s:%d (%s)\n", server.ID, server.Name, server.Host, server.Port, server.Status)
			}
			return nil
		}
		flaggy.ShowHelpAndExit("")
		return nil

	default:
		flaggy.ShowHelpAndExit("")
		return nil
	}
}
