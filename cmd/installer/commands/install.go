package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/releasekit/installer/pkg/errors"
	appfsm "github.com/releasekit/installer/pkg/fsm"
	"github.com/releasekit/installer/pkg/pipeline"
)

var installFlags struct {
	dir             string
	version         string
	size            int64
	checksum        string
	signatureURL    string
	format          string
	ensureDirs      []string
	allowUnverified bool
	id              string
	noDurable       bool
}

var installCmd = &cobra.Command{
	Use:   "install <url>",
	Short: "Install or update an application from a release archive",
	Long: `Fetches the archive at <url> (http, https or s3), verifies it against the
expected size, checksum and signature, extracts it and activates it in --dir.

Exit status: 0 complete, 2 invalid request, 3 network, 4 integrity,
5 environment, 6 security, 130 cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
	f := installCmd.Flags()
	f.StringVar(&installFlags.dir, "dir", "", "Install directory")
	f.StringVar(&installFlags.version, "version", "", "Version being installed")
	f.Int64Var(&installFlags.size, "size", 0, "Expected archive size in bytes")
	f.StringVar(&installFlags.checksum, "checksum", "", "Expected checksum (sha256:<hex>, sha512:<hex> or bare sha256 hex)")
	f.StringVar(&installFlags.signatureURL, "signature-url", "", "Detached OpenPGP signature of the archive")
	f.StringVar(&installFlags.format, "format", "", "Archive format (zip, tar, tar.gz); sniffed when empty")
	f.StringSliceVar(&installFlags.ensureDirs, "ensure-dir", nil, "Directory to create inside the install (repeatable)")
	f.BoolVar(&installFlags.allowUnverified, "allow-unverified", false, "Install without checksum or signature")
	f.StringVar(&installFlags.id, "id", "", "Run ID; reuse the ID of an interrupted run to resume it")
	f.BoolVar(&installFlags.noDurable, "no-durable", false, "Run in-process without the FSM store")
	installCmd.MarkFlagRequired("dir")
	installCmd.MarkFlagRequired("version")
}

func runInstall(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := pipeline.InstallRequest{
		ID:              installFlags.id,
		URL:             args[0],
		ExpectedSize:    installFlags.size,
		Checksum:        installFlags.checksum,
		SignatureURL:    installFlags.signatureURL,
		AllowUnverified: cfg.AllowUnverified,
		TargetDir:       installFlags.dir,
		Version:         installFlags.version,
		Format:          installFlags.format,
		EnsureDirs:      installFlags.ensureDirs,
	}
	if cmd.Flags().Changed("allow-unverified") {
		req.AllowUnverified = installFlags.allowUnverified
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("shutdown_failed", "error", err)
		}
	}()

	printer := &progressPrinter{w: cmd.OutOrStdout()}
	var res pipeline.Result
	if installFlags.noDurable {
		run := a.coord.Start(ctx, req)
		for ev := range run.Events() {
			printer.observe(ev)
		}
		res = run.Wait()
	} else {
		res, err = installDurable(ctx, a, req, printer)
		if err != nil {
			return err
		}
	}

	printResult(cmd.OutOrStdout(), res)
	if code := exitCode(res); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// installDurable drives req through the FSM so a killed process resumes the
// run on its next start.
func installDurable(ctx context.Context, a *app, req pipeline.InstallRequest, printer *progressPrinter) (pipeline.Result, error) {
	if err := ensureDirectories(cfg.DBPath, cfg.FSMDBPath, ""); err != nil {
		return pipeline.Result{}, err
	}

	manager, err := fsm.New(fsm.Config{
		DBPath: cfg.FSMDBPath,
		Logger: fsmLogger(cfg, logOutput),
	})
	if err != nil {
		return pipeline.Result{}, errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(a.coord, cfg.FSMMaxRetries, printer.observe)
	runCtx := context.WithoutCancel(ctx)
	start, resume, err := machine.Register(runCtx, manager)
	if err != nil {
		return pipeline.Result{}, errors.Wrap(err, "FSM register failed")
	}
	if err := resume(runCtx); err != nil {
		slog.Warn("fsm_resume_failed", "error", err)
	}

	version, err := start(runCtx, req.ID, fsm.NewRequest(appfsm.FromPipeline(req), &appfsm.InstallResponse{}))
	if err != nil {
		return pipeline.Result{}, errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm started", "run_id", req.ID, "version", version)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			slog.Info("install_cancel_requested", "run_id", req.ID)
			machine.Cancel(req.ID)
		case <-done:
		}
	}()

	waitErr := manager.Wait(runCtx, version)
	res, ok := machine.Result(req.ID)
	if !ok {
		if waitErr != nil {
			return pipeline.Result{}, errors.Wrap(waitErr, "FSM execution failed")
		}
		return pipeline.Result{}, fmt.Errorf("run %s finished without a result", req.ID)
	}
	if waitErr != nil {
		slog.Debug("fsm_wait_error", "run_id", req.ID, "error", waitErr)
	}
	return res, nil
}

// progressPrinter renders progress events, rate limiting byte updates.
type progressPrinter struct {
	w         io.Writer
	stage     pipeline.Stage
	lastPrint time.Time
}

func (p *progressPrinter) observe(ev pipeline.ProgressEvent) {
	changed := ev.Stage != p.stage
	if !changed && ev.Message == "" && time.Since(p.lastPrint) < 500*time.Millisecond {
		return
	}
	p.stage = ev.Stage
	p.lastPrint = time.Now()

	line := fmt.Sprintf("[%s]", ev.Stage)
	if ev.BytesDone > 0 {
		if ev.BytesTotal > 0 {
			line += fmt.Sprintf(" %s / %s", humanize.Bytes(uint64(ev.BytesDone)), humanize.Bytes(uint64(ev.BytesTotal)))
		} else {
			line += " " + humanize.Bytes(uint64(ev.BytesDone))
		}
	}
	if ev.Attempt > 1 && ev.Stage == pipeline.StageFetching {
		line += fmt.Sprintf(" (attempt %d)", ev.Attempt)
	}
	if ev.Message != "" {
		line += " " + ev.Message
	}
	if ev.Degraded && ev.Message != "" {
		line += " [unverified]"
	}
	fmt.Fprintln(p.w, line)
}

func printResult(w io.Writer, res pipeline.Result) {
	switch {
	case res.State == pipeline.StageComplete && res.ShortCircuit:
		fmt.Fprintf(w, "✅ %s already installed\n", res.Record.Version)
	case res.State == pipeline.StageComplete:
		fmt.Fprintf(w, "✅ %s %s in %s (%d attempts)\n", res.Change, res.Record.Version, res.Duration.Round(time.Millisecond), res.Attempts)
		if res.Degraded {
			fmt.Fprintln(w, "⚠️  archive was not verified against a checksum or signature")
		}
	case res.State == pipeline.StageCancelled:
		fmt.Fprintf(w, "⏹️  cancelled; rerun with --id %s to resume\n", res.RunID)
	default:
		fmt.Fprintf(w, "❌ failed (%s): %v\n", res.Family, res.Err)
		if res.Family == errors.FamilyNetwork {
			fmt.Fprintf(w, "   rerun with --id %s to resume the download\n", res.RunID)
		}
	}
}

// exitCode maps a terminal result onto the process exit status.
func exitCode(res pipeline.Result) int {
	if res.State == pipeline.StageComplete {
		return 0
	}
	switch res.Family {
	case errors.FamilyRequest:
		return 2
	case errors.FamilyNetwork:
		return 3
	case errors.FamilyIntegrity:
		return 4
	case errors.FamilyEnvironment:
		return 5
	case errors.FamilySecurity:
		return 6
	case errors.FamilyCancelled:
		return 130
	default:
		return 1
	}
}
