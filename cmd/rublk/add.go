package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	ublk "github.com/ehrlich-b/go-ublksrv"
	"github.com/ehrlich-b/go-ublksrv/internal/config"
	"github.com/ehrlich-b/go-ublksrv/internal/constants"
	"github.com/ehrlich-b/go-ublksrv/internal/logging"
	"github.com/ehrlich-b/go-ublksrv/internal/shm"
	"github.com/ehrlich-b/go-ublksrv/target"
)

// addFlags holds the flags shared by every add subcommand
type addFlags struct {
	configPath   string
	number       int32
	file         string
	size         string
	blockSize    uint32
	readOnly     bool
	queues       uint16
	depth        uint16
	maxIOSize    string
	zoneSizeMiB  uint64
	conventional uint32
	maxOpen      uint32
	maxActive    uint32
	metricsAddr  string
	foreground   bool
	shmID        string
}

func newAddCmd(f *addFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a device and serve it",
		Long: `Create a ublk device backed by one of the targets and serve it.

Without --foreground the server is started in the background and the
command returns once the device is live, printing its id.`,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "YAML device definition; flags override it")
	pf.Int32VarP(&f.number, "number", "n", constants.AutoAssignDeviceID, "device id (-1 picks the lowest free id)")
	pf.StringVar(&f.size, "size", "", "device size, e.g. 64MiB or 1G (default: target's choice)")
	pf.Uint32VarP(&f.blockSize, "logical-block-size", "b", constants.DefaultLogicalBlockSize, "logical block size (512 to 4096)")
	pf.BoolVarP(&f.readOnly, "read-only", "r", false, "expose a read-only device")
	pf.Uint16VarP(&f.queues, "queues", "q", constants.DefaultNumQueues, "number of hardware queues")
	pf.Uint16VarP(&f.depth, "depth", "d", constants.DefaultQueueDepth, "tags per queue")
	pf.StringVar(&f.maxIOSize, "max-io-size", "", "largest request size (default 512KiB)")
	pf.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.BoolVar(&f.foreground, "foreground", false, "serve in this process instead of the background")
	pf.StringVar(&f.shmID, "shm-id", "", "shm object to publish the device id to")
	pf.MarkHidden("shm-id")

	cmd.AddCommand(
		newAddTargetCmd(f, config.TargetNull, "Serve a device that completes every request instantly"),
		newAddTargetCmd(f, config.TargetMem, "Serve a RAM disk"),
		newAddTargetCmd(f, config.TargetLoop, "Serve a device backed by a file"),
		newAddTargetCmd(f, config.TargetZoned, "Serve a host-managed zoned device"),
	)
	return cmd
}

func newAddTargetCmd(f *addFlags, name, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := f.resolve(cmd, name)
			if err != nil {
				return err
			}
			if !f.foreground {
				return spawn(cmd)
			}
			return serve(cmd, dev, f.number, f.shmID)
		},
	}
	switch name {
	case config.TargetLoop:
		cmd.Flags().StringVarP(&f.file, "file", "f", "", "backing file (required)")
	case config.TargetZoned:
		cmd.Flags().StringVarP(&f.file, "file", "f", "", "backing file (default: RAM)")
		cmd.Flags().Uint64Var(&f.zoneSizeMiB, "zone-size", constants.DefaultZoneSize>>20, "zone size in MiB")
		cmd.Flags().Uint32Var(&f.conventional, "conventional-zones", 0, "leading zones accepting random writes")
		cmd.Flags().Uint32Var(&f.maxOpen, "max-open-zones", 0, "open zone limit (0: unlimited)")
		cmd.Flags().Uint32Var(&f.maxActive, "max-active-zones", 0, "active zone limit (0: unlimited)")
	}
	return cmd
}

// resolve merges the config file and the flags set on the command line
func (f *addFlags) resolve(cmd *cobra.Command, name string) (*config.Device, error) {
	dev := &config.Device{}
	if f.configPath != "" {
		var err error
		if dev, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
		if dev.Target != "" && dev.Target != name {
			return nil, fmt.Errorf("%s describes a %s device, not %s", f.configPath, dev.Target, name)
		}
	}
	dev.Target = name

	flags := cmd.Flags()
	changed := func(flag string) bool {
		return flags.Lookup(flag) != nil && flags.Changed(flag)
	}
	if changed("file") {
		dev.File = f.file
	}
	if changed("size") {
		n, err := config.ParseSize(f.size)
		if err != nil {
			return nil, err
		}
		dev.Size = config.Size(n)
	}
	if changed("max-io-size") {
		n, err := config.ParseSize(f.maxIOSize)
		if err != nil {
			return nil, err
		}
		dev.MaxIOSize = config.Size(n)
	}
	if changed("logical-block-size") || dev.LogicalBlockSize == 0 {
		dev.LogicalBlockSize = f.blockSize
	}
	if changed("read-only") {
		dev.ReadOnly = f.readOnly
	}
	if changed("queues") || dev.Queues == 0 {
		dev.Queues = f.queues
	}
	if changed("depth") || dev.Depth == 0 {
		dev.Depth = f.depth
	}
	if changed("zone-size") || (name == config.TargetZoned && dev.Zoned.ZoneSize == 0) {
		dev.Zoned.ZoneSize = config.Size(f.zoneSizeMiB << 20)
	}
	if changed("conventional-zones") {
		dev.Zoned.ConventionalZones = f.conventional
	}
	if changed("max-open-zones") {
		dev.Zoned.MaxOpenZones = f.maxOpen
	}
	if changed("max-active-zones") {
		dev.Zoned.MaxActiveZones = f.maxActive
	}
	if changed("metrics-addr") {
		dev.MetricsAddr = f.metricsAddr
	}

	// the config file only decides logging when no flag did
	if !changed("log-level") && !changed("log-format") && (dev.LogLevel != "" || dev.LogFormat != "") {
		level, format := dev.LogLevel, dev.LogFormat
		if level == "" {
			level = "info"
		}
		if format == "" {
			format = "text"
		}
		if err := setupLogging(level, format); err != nil {
			return nil, err
		}
	}

	if err := dev.Validate(); err != nil {
		return nil, err
	}
	return dev, nil
}

// newTarget builds the target dev describes
func newTarget(dev *config.Device) (ublk.Target, error) {
	switch dev.Target {
	case config.TargetNull:
		return target.NewNull(), nil
	case config.TargetMem:
		return target.NewMem(int64(dev.Size)), nil
	case config.TargetLoop:
		return target.NewLoop(dev.File), nil
	case config.TargetZoned:
		return target.NewZoned(target.ZonedConfig{
			Path:              dev.File,
			ZoneSize:          uint64(dev.Zoned.ZoneSize),
			ConventionalZones: dev.Zoned.ConventionalZones,
			MaxOpenZones:      dev.Zoned.MaxOpenZones,
			MaxActiveZones:    dev.Zoned.MaxActiveZones,
		}), nil
	}
	return nil, fmt.Errorf("%w %q", config.ErrUnknownTarget, dev.Target)
}

func deviceParams(dev *config.Device, number int32) ublk.DeviceParams {
	params := ublk.DefaultParams()
	params.Capacity = uint64(dev.Size)
	params.LogicalBlockSize = dev.LogicalBlockSize
	params.ReadOnly = dev.ReadOnly
	params.NumQueues = dev.Queues
	params.QueueDepth = dev.Depth
	if dev.MaxIOSize != 0 {
		params.MaxIOSize = uint32(dev.MaxIOSize)
	}
	params.DeviceID = number
	return params
}

// spawn re-runs the command line as a background server and waits for it
// to publish the device id
func spawn(cmd *cobra.Command) error {
	h := shm.New(fmt.Sprintf("rublk-%d-%d", os.Getpid(), time.Now().UnixNano()))
	if err := h.Create(); err != nil {
		return err
	}
	defer h.Remove()

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := append(append([]string(nil), os.Args[1:]...), "--foreground", "--shm-id", h.Name)
	child := exec.Command(exe, args...)
	child.Stderr = os.Stderr
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("unable to start server: %w", err)
	}

	ctx, cancel := context.WithCancelCause(cmd.Context())
	defer cancel(nil)
	go func() {
		err := child.Wait()
		if err == nil {
			err = errors.New("server exited")
		}
		cancel(fmt.Errorf("server failed: %w", err))
	}()

	id, err := h.Wait(ctx, constants.ShmWaitTimeout)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		child.Process.Kill()
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "dev id %d\n", id)
	return nil
}

// serveMetrics exposes the Prometheus registry on addr until the returned
// server is closed
func serveMetrics(addr string, logger *logging.Logger) (*http.Server, ublk.DeviceObserver, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := ublk.NewPrometheusObserver(reg, "")
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv, exporter, nil
}

// serve runs the device in this process until it is deleted or a signal
// arrives
func serve(cmd *cobra.Command, dev *config.Device, number int32, shmID string) error {
	logger := logging.Default()

	tgt, err := newTarget(dev)
	if err != nil {
		return err
	}
	params := deviceParams(dev, number)

	opts := &ublk.Options{Logger: logger, ShmID: shmID}
	if dev.MetricsAddr != "" {
		srv, exporter, err := serveMetrics(dev.MetricsAddr, logger)
		if err != nil {
			return err
		}
		defer srv.Close()
		opts.Exporter = exporter
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	device, err := ublk.CreateAndServe(ctx, tgt, params, opts)
	if err != nil {
		return fmt.Errorf("unable to create device: %w", err)
	}
	if shmID == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "dev id %d\n", device.ID)
	}
	logger.Info("serving",
		"target", dev.Target,
		"block_device", device.Path,
		"size", formatSize(uint64(device.Size())))

	go dumpStacks(logger)

	if err := device.Wait(); err != nil {
		logger.Error("queue failed", "error", err)
	}

	cleanup, cancel := context.WithTimeout(context.Background(), constants.QueueStopTimeout)
	defer cancel()
	err = ublk.StopAndDelete(cleanup, device)
	if ublk.IsCode(err, ublk.ErrCodeDeviceNotFound) {
		// deleted by "rublk del"
		err = nil
	}
	if err != nil {
		return fmt.Errorf("unable to delete device: %w", err)
	}
	logger.Info("device deleted", "dev_id", device.ID)
	return nil
}

// dumpStacks writes every goroutine's stack to stderr on SIGUSR1
func dumpStacks(logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	for range ch {
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		logger.Info("goroutine dump", "bytes", n)
		fmt.Fprintf(os.Stderr, "%s\n", buf[:n])
	}
}
