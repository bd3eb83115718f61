// disksurvey — a long-running daemon that surveys the SCSI-generic block
// devices attached to a Linux host, classifies each as ATA or SAS, tracks
// per-disk SMART health and I/O latency over a rolling window, persists
// observations across restarts, and exposes an HTTP/JSON read surface plus
// an MCP control surface for AI agents.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/baruch/disksurvey/internal/config"
	"github.com/baruch/disksurvey/internal/hostid"
	"github.com/baruch/disksurvey/internal/httpapi"
	"github.com/baruch/disksurvey/internal/manager"
	"github.com/baruch/disksurvey/internal/mcpapi"
	"github.com/baruch/disksurvey/internal/offthread"
	"github.com/baruch/disksurvey/internal/snapdiff"
)

var version = "0.1.0"

// tickDispatchInterval is the rolling-window bucket width: a data-model
// invariant (spec.md's "one bucket per 5-minute tick"), not a tunable.
const tickDispatchInterval = 5 * time.Minute

func main() {
	var configPath string
	var mcpFlag bool

	rootCmd := &cobra.Command{
		Use:     "disksurvey",
		Short:   "Survey SCSI-generic disks, tracking SMART health and I/O latency",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, mcpFlag)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.Flags().BoolVar(&mcpFlag, "mcp", false, "Enable the MCP control surface over stdio")

	var diffOutput string
	diffCmd := &cobra.Command{
		Use:   "diff <baseline.dat> <current.dat>",
		Short: "Compare two disksurvey state-file snapshots",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(args[0], args[1], diffOutput)
		},
	}
	diffCmd.Flags().StringVarP(&diffOutput, "output", "o", "-", "Output diff file path (- for stdout)")
	rootCmd.AddCommand(diffCmd)

	capsCmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Report disksurvey's build version and configured operational limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapabilities(configPath)
		},
	}
	rootCmd.AddCommand(capsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

func runDaemon(configPath string, mcpFlag bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("disksurvey: %w", err)
	}
	if mcpFlag {
		cfg.MCPEnabled = true
	}

	log := newLogger(cfg)

	hostID, err := hostid.Resolve(cfg.StateFile)
	if err != nil {
		return fmt.Errorf("disksurvey: resolve host identity: %w", err)
	}
	log.WithFields(logrus.Fields{"host_id": hostID.ID, "source": hostID.Source}).Info("resolved host identity")

	pool := offthread.New(offthread.DefaultSize)
	defer pool.Stop()

	mgr := manager.New(cfg, hostID, pool, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	// Run is the manager's sole mutator goroutine (spec.md §5): every other
	// Manager method submits a closure onto it rather than touching the
	// disk roster directly, so it must be running before Init/Rescan.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- mgr.Run(runCtx) }()

	if err := mgr.Init(ctx); err != nil {
		log.WithError(err).Warn("disksurvey: no prior state loaded")
	}
	if err := mgr.Rescan(ctx); err != nil {
		log.WithError(err).Warn("disksurvey: initial rescan failed")
	}

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: httpapi.New(mgr, log)}
	httpErrs := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrs <- fmt.Errorf("disksurvey: http listen on %s: %w", cfg.HTTPAddr, err)
			return
		}
		httpErrs <- nil
	}()
	log.WithField("addr", cfg.HTTPAddr).Info("http surface listening")

	if cfg.MCPEnabled {
		mcpSrv := mcpapi.NewServer(mgr, version)
		go func() {
			if err := mcpSrv.Start(ctx); err != nil {
				log.WithError(err).Warn("mcp surface exited")
			}
		}()
		log.Info("mcp surface enabled on stdio")
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	rescanTicker := time.NewTicker(time.Duration(cfg.RescanInterval))
	defer rescanTicker.Stop()
	turTicker := time.NewTicker(time.Duration(cfg.TURInterval))
	defer turTicker.Stop()
	tickTicker := time.NewTicker(tickDispatchInterval)
	defer tickTicker.Stop()
	saveTicker := time.NewTicker(time.Duration(cfg.MonitorInterval))
	defer saveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("http server shutdown")
			}
			if err := mgr.Stop(shutdownCtx); err != nil {
				log.WithError(err).Error("disksurvey: final snapshot write failed")
				return err
			}
			cancelRun()
			<-runErrCh
			return <-httpErrs

		case err := <-httpErrs:
			if err != nil {
				log.WithError(err).Error("disksurvey: http server failed")
				return err
			}

		case err := <-runErrCh:
			log.WithError(err).Error("disksurvey: manager's owning goroutine exited unexpectedly")
			return err

		case sig := <-hup:
			log.WithField("signal", sig.String()).Info("immediate snapshot requested")
			if err := mgr.SaveState(ctx); err != nil {
				log.WithError(err).Error("disksurvey: snapshot write failed")
			}

		case <-rescanTicker.C:
			if err := mgr.Rescan(ctx); err != nil {
				log.WithError(err).Warn("disksurvey: periodic rescan failed")
			}

		case <-turTicker.C:
			if err := mgr.DispatchTUR(ctx); err != nil {
				log.WithError(err).Warn("disksurvey: tur dispatch failed")
			}

		case <-tickTicker.C:
			if err := mgr.DispatchTick(ctx); err != nil {
				log.WithError(err).Warn("disksurvey: tick dispatch failed")
			}

		case <-saveTicker.C:
			if err := mgr.SaveState(ctx); err != nil {
				log.WithError(err).Error("disksurvey: periodic snapshot write failed")
			}
		}
	}
}

// runCapabilities reports build and configured operational limits as JSON,
// for use by monitoring scripts and AI agents probing what a given
// disksurvey binary/instance supports before driving it further (spec.md
// §9's SG_IO/ATA PASS-THROUGH-specific notion of "capabilities", distinct
// from kernel BTF/CO-RE feature detection; see DESIGN.md).
func runCapabilities(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("disksurvey: %w", err)
	}
	caps := map[string]any{
		"version":         version,
		"max_disks":       config.MaxDisks,
		"sg_glob":         cfg.SGGlob,
		"http_addr":       cfg.HTTPAddr,
		"state_file":      cfg.StateFile,
		"mcp_capable":     true,
		"rescan_interval": time.Duration(cfg.RescanInterval).String(),
		"tur_interval":    time.Duration(cfg.TURInterval).String(),
	}
	data, err := json.MarshalIndent(caps, "", "  ")
	if err != nil {
		return fmt.Errorf("disksurvey: marshal capabilities: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func runDiff(baselinePath, currentPath, outputPath string) error {
	baseline, err := snapdiff.LoadSnapshot(baselinePath)
	if err != nil {
		return err
	}
	current, err := snapdiff.LoadSnapshot(currentPath)
	if err != nil {
		return err
	}

	result := snapdiff.Compare(baseline, current)
	text := snapdiff.FormatDiff(result)

	if outputPath == "" || outputPath == "-" {
		fmt.Print(text)
		return nil
	}
	return os.WriteFile(outputPath, []byte(text), 0o644)
}
