package cmd

import (
	"context"
	"fmt"
	u "net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/corvid-labs/magpie/internal/config"
	"github.com/corvid-labs/magpie/internal/engine"
	"github.com/corvid-labs/magpie/internal/history"
	"github.com/corvid-labs/magpie/internal/output"
	"github.com/corvid-labs/magpie/internal/retry"
	"github.com/corvid-labs/magpie/internal/task"
	"github.com/corvid-labs/magpie/internal/utils"
)

var (
	outputPath        string
	urlListFile       string
	concurrency       int
	speedLimit        string
	perTaskSpeedLimit string
	chunkSize         string
	maxRetries        int
	retryBaseDelay    time.Duration
	retryMaxDelay     time.Duration
	connectTimeout    time.Duration
	stallTimeout      time.Duration
	kaTimeout         time.Duration
	userAgent         string
	proxyURL          string
	proxyUsername     string
	proxyPassword     string
	headers           []string
	cookies           []string
	configPath        string
	checkpointDir     string
	historyDB         string
	noProgress        bool
	debug             bool
)

var MagpieVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "magpie [URL]",
	Short:   "Magpie is a resumable CLI download manager",
	Version: MagpieVersion,
	Args:    cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
		if len(args) == 0 && urlListFile == "" {
			output.PrintError("No URL or URL list provided")
			os.Exit(1)
		}
		if urlListFile != "" && len(args) > 0 {
			output.PrintError("Cannot specify url argument and --urllist together, choose one")
			os.Exit(1)
		}

		cfgFile, err := config.Load(resolveConfigPath())
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		applyConfigFile(cmd, cfgFile)

		var requests []task.Request
		if len(args) > 0 {
			req, err := buildSingleRequest(args[0])
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			requests = []task.Request{req}
		} else {
			requests, err = readDownloadList(urlListFile)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
		}

		failed, err := runDownloads(requests)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		if failed > 0 {
			fmt.Println()
			output.PrintError("Encountered failed operation(s)")
			os.Exit(1)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

// applyConfigFile fills in file values for flags the user did not set
// explicitly. Flags always win.
func applyConfigFile(cmd *cobra.Command, f *config.File) {
	flags := cmd.Flags()
	if f.Concurrency > 0 && !flags.Changed("workers") {
		concurrency = f.Concurrency
	}
	if f.SpeedLimit != "" && !flags.Changed("speed-limit") {
		speedLimit = f.SpeedLimit
	}
	if f.PerTaskSpeedLimit != "" && !flags.Changed("task-speed-limit") {
		perTaskSpeedLimit = f.PerTaskSpeedLimit
	}
	if f.ChunkSize != "" && !flags.Changed("chunk-size") {
		chunkSize = f.ChunkSize
	}
	if f.MaxRetries > 0 && !flags.Changed("retries") {
		maxRetries = f.MaxRetries
	}
	if f.RetryBaseDelay > 0 && !flags.Changed("retry-base-delay") {
		retryBaseDelay = f.RetryBaseDelay.Std()
	}
	if f.RetryMaxDelay > 0 && !flags.Changed("retry-max-delay") {
		retryMaxDelay = f.RetryMaxDelay.Std()
	}
	if f.ConnectTimeout > 0 && !flags.Changed("timeout") {
		connectTimeout = f.ConnectTimeout.Std()
	}
	if f.StallTimeout > 0 && !flags.Changed("stall-timeout") {
		stallTimeout = f.StallTimeout.Std()
	}
	if f.CheckpointDir != "" && !flags.Changed("checkpoint-dir") {
		checkpointDir = f.CheckpointDir
	}
	if f.HistoryDB != "" && !flags.Changed("history-db") {
		historyDB = f.HistoryDB
	}
	if f.UserAgent != "" && !flags.Changed("user-agent") {
		userAgent = f.UserAgent
	}
	if f.Proxy != "" && !flags.Changed("proxy") {
		proxyURL = f.Proxy
	}
	if f.ProxyUsername != "" && !flags.Changed("proxy-username") {
		proxyUsername = f.ProxyUsername
	}
	if f.ProxyPassword != "" && !flags.Changed("proxy-password") {
		proxyPassword = f.ProxyPassword
	}
	if len(f.Headers) > 0 && !flags.Changed("header") {
		headers = f.Headers
	}
	if len(f.Cookies) > 0 && !flags.Changed("cookie") {
		cookies = f.Cookies
	}
	if f.Debug && !flags.Changed("debug") {
		debug = f.Debug
		utils.InitLogger(debug)
	}
}

func buildClientConfig() utils.HTTPClientConfig {
	agent := userAgent
	if agent == "randomize" {
		agent = utils.GetRandomUserAgent()
	}
	// Auth embedded in the proxy URL is split out unless given explicitly
	proxy := proxyURL
	if parsedProxy, err := u.Parse(proxy); err == nil && parsedProxy.User != nil && proxyUsername == "" {
		proxyUsername = parsedProxy.User.Username()
		if password, set := parsedProxy.User.Password(); set {
			proxyPassword = password
		}
		parsedProxy.User = nil
		proxy = parsedProxy.String()
	}
	return utils.HTTPClientConfig{
		Timeout:       connectTimeout,
		KATimeout:     kaTimeout,
		ProxyURL:      proxy,
		ProxyUsername: proxyUsername,
		ProxyPassword: proxyPassword,
		UserAgent:     agent,
		Headers:       utils.ParseHeaderArgs(headers),
		Cookies:       utils.ParseCookieArgs(cookies),
	}
}

func buildSingleRequest(rawURL string) (task.Request, error) {
	parsed, err := u.Parse(rawURL)
	if err != nil {
		return task.Request{}, fmt.Errorf("invalid URL format: %v", err)
	}
	op := outputPath
	if op == "" {
		op = filepath.Base(parsed.Path)
		if op == "" || op == "." || op == "/" {
			op = "download"
		}
	}
	if _, err := os.Stat(op); err == nil {
		op = utils.RenewOutputPath(op)
	}
	req := task.Request{URL: rawURL, OutputPath: op}
	if perTaskSpeedLimit != "" {
		limit, err := utils.ParseByteSize(perTaskSpeedLimit)
		if err != nil {
			return task.Request{}, fmt.Errorf("invalid task speed limit: %v", err)
		}
		req.SpeedLimit = limit
	}
	return req, nil
}

func readDownloadList(filePath string) ([]task.Request, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %v", err)
	}
	var entries []task.Request
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing YAML file: %v", err)
	}
	var perTaskLimit int64
	if perTaskSpeedLimit != "" {
		perTaskLimit, err = utils.ParseByteSize(perTaskSpeedLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid task speed limit: %v", err)
		}
	}
	seen := make(map[string]bool)
	for i := range entries {
		if entries[i].URL == "" {
			return nil, fmt.Errorf("missing URL for entry %d", i+1)
		}
		if entries[i].OutputPath == "" {
			return nil, fmt.Errorf("missing output path for entry %d", i+1)
		}
		// Duplicate paths inside one list would just queue behind each
		// other and overwrite; rename them upfront like colliding files.
		if seen[entries[i].OutputPath] {
			entries[i].OutputPath = utils.RenewOutputPath(entries[i].OutputPath)
		}
		seen[entries[i].OutputPath] = true
		if entries[i].SpeedLimit == 0 {
			entries[i].SpeedLimit = perTaskLimit
		}
	}
	return entries, nil
}

func runDownloads(requests []task.Request) (failed int, err error) {
	engineCfg := engine.Config{
		Concurrency:    concurrency,
		ConnectTimeout: connectTimeout,
		StallTimeout:   stallTimeout,
		CheckpointDir:  checkpointDir,
		ClientConfig:   buildClientConfig(),
		Retry: retry.Policy{
			MaxRetries: maxRetries,
			BaseDelay:  retryBaseDelay,
			MaxDelay:   retryMaxDelay,
		},
	}
	if speedLimit != "" {
		limit, err := utils.ParseByteSize(speedLimit)
		if err != nil {
			return 0, fmt.Errorf("invalid speed limit: %v", err)
		}
		engineCfg.SpeedLimit = limit
	}
	if chunkSize != "" {
		size, err := utils.ParseByteSize(chunkSize)
		if err != nil {
			return 0, fmt.Errorf("invalid chunk size: %v", err)
		}
		engineCfg.ChunkSize = size
	}

	var hist *history.Store
	if historyDB != "none" {
		hist, err = history.Open(resolveHistoryDB())
		if err != nil {
			return 0, err
		}
		defer hist.Close()
		engineCfg.History = hist
	}

	sched, err := engine.New(engineCfg)
	if err != nil {
		return 0, err
	}

	var display *output.Display
	if !noProgress {
		display = output.NewDisplay()
		display.Run(sched.Subscribe())
	}

	handles := make([]*engine.Handle, 0, len(requests))
	for _, req := range requests {
		h, err := sched.Submit(req)
		if err != nil {
			output.PrintWarning(fmt.Sprintf("Skipping %s: %v", req.URL, err))
			continue
		}
		handles = append(handles, h)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	waitErr := sched.Wait(ctx)
	sched.Close()
	if display != nil {
		display.Wait()
	}
	if waitErr != nil {
		output.PrintWarning("Interrupted, partial downloads are kept for resume")
	}

	for _, h := range handles {
		snap, err := h.Snapshot()
		if err == nil && snap.Status == task.StatusFailed {
			failed++
		}
	}
	return failed, nil
}

func resolveHistoryDB() string {
	if historyDB != "" {
		return historyDB
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".magpie-history.db"
	}
	return filepath.Join(home, ".magpie", "history.db")
}

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (Magpie infers file name if not provided)")
	rootCmd.Flags().StringVarP(&urlListFile, "urllist", "l", "", "Path to YAML file containing URLs and output paths")
	rootCmd.Flags().IntVarP(&concurrency, "workers", "w", 4, "Number of downloads to run in parallel")
	rootCmd.Flags().StringVarP(&speedLimit, "speed-limit", "s", "", "Total download speed limit (eg. 500KB, 2MB)")
	rootCmd.Flags().StringVar(&perTaskSpeedLimit, "task-speed-limit", "", "Per-download speed limit (eg. 500KB, 2MB)")
	rootCmd.Flags().StringVar(&chunkSize, "chunk-size", "", "Transfer chunk size (eg. 256KB, 1MB)")
	rootCmd.Flags().IntVarP(&maxRetries, "retries", "r", 3, "Max retry attempts for transient failures")
	rootCmd.Flags().DurationVar(&retryBaseDelay, "retry-base-delay", 500*time.Millisecond, "Base delay between retries")
	rootCmd.Flags().DurationVar(&retryMaxDelay, "retry-max-delay", 30*time.Second, "Max delay between retries")
	rootCmd.Flags().DurationVarP(&connectTimeout, "timeout", "t", 30*time.Second, "Connection timeout (eg. 5s, 10m)")
	rootCmd.Flags().DurationVar(&stallTimeout, "stall-timeout", 2*time.Minute, "Abort an attempt making no progress for this long")
	rootCmd.Flags().DurationVarP(&kaTimeout, "keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	rootCmd.Flags().StringVarP(&userAgent, "user-agent", "a", utils.ToolUserAgent, "User agent ('randomize' picks a browser agent)")
	rootCmd.Flags().StringVarP(&proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	rootCmd.Flags().StringVar(&proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	rootCmd.Flags().StringVar(&proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	rootCmd.Flags().StringArrayVarP(&headers, "header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	rootCmd.Flags().StringArrayVar(&cookies, "cookie", []string{}, "Cookies (like 'session=abc123'); can be specified multiple times")
	rootCmd.Flags().StringVar(&configPath, "config", "", "Config file path (default ~/.magpie.yaml)")
	rootCmd.Flags().StringVar(&checkpointDir, "checkpoint-dir", "", "Directory for resume checkpoints (default ~/.magpie/checkpoints)")
	rootCmd.Flags().StringVar(&historyDB, "history-db", "", "History database path ('none' disables recording)")

	// flags without shorthand
	rootCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the live progress display")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newHistoryCmd())
}
