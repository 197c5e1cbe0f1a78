package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rrcio "rrcstim/internal/io"
	"rrcstim/internal/model"
	"rrcstim/internal/settings"
	"rrcstim/pkg/rrcstim"
)

var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "run":
		return runRun(ctx, args[1:])
	case "settings":
		return runSettings(ctx, args[1:])
	case "defaults":
		return runDefaults(ctx, args[1:])
	case "channels":
		return runChannels(ctx, args[1:])
	case "recordings":
		return runRecordings(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// storeFlags are shared by every command that touches persisted state.
type storeFlags struct {
	store      *string
	dsn        *string
	blobDriver *string
	blobRoot   *string
	logLevel   *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		store:      fs.String("store", settings.DefaultStoreKind(), "settings backend: memory|sqlite|postgres"),
		dsn:        fs.String("dsn", "", "sqlite path or postgres connection string (default rrcstim.db, or RRC_SETTINGS_DSN)"),
		blobDriver: fs.String("blob-driver", os.Getenv("RRC_BLOB_DRIVER"), "recording storage: fs|s3|memory"),
		blobRoot:   fs.String("blob-root", os.Getenv("RRC_BLOB_FS_ROOT"), "recording directory for blob-driver=fs"),
		logLevel:   fs.String("log-level", "info", "log level: debug|info|warn|error"),
	}
}

func (f storeFlags) options(metrics prometheus.Registerer) (rrcstim.Options, error) {
	logger, err := newLogger(*f.logLevel)
	if err != nil {
		return rrcstim.Options{}, err
	}
	dsn := *f.dsn
	if dsn == "" {
		dsn = os.Getenv("RRC_SETTINGS_DSN")
	}
	return rrcstim.Options{
		StoreKind:  *f.store,
		DSN:        dsn,
		BlobDriver: *f.blobDriver,
		BlobRoot:   *f.blobRoot,
		Logger:     logger,
		Metrics:    metrics,
	}, nil
}

func (f storeFlags) client(metrics prometheus.Registerer) (*rrcstim.Client, error) {
	opts, err := f.options(metrics)
	if err != nil {
		return nil, err
	}
	return rrcstim.New(opts)
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func runRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config JSON path")
	protocol := fs.String("protocol", "pace", "protocol: pace|stim-threshold|rrc-threshold|rrc-protocol")
	settingsName := fs.String("settings", "", "saved settings profile applied before -set")
	channel := fs.String("channel", rrcio.SimulatedCellChannelName, "channel: "+strings.Join(rrcio.ListChannels(), "|"))
	periodMS := fs.Float64("period-ms", 1, "step period in ms")
	durationMS := fs.Float64("duration-ms", 60000, "upper bound on protocol time in ms")
	seed := fs.Int64("seed", 1, "rng seed for the randomized protocol")
	realtime := fs.Bool("realtime", false, "pace steps on the wall clock")
	record := fs.Bool("record", false, "record the run regardless of the saved record flags")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address while running")
	jsonOut := fs.Bool("json", false, "print the run summary as JSON")
	live := fs.Bool("live", false, "apply key=value lines read from stdin to the running engine")
	overrides := assignments{}
	fs.Var(overrides, "set", "engine parameter override key=value (repeatable)")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	req, err := loadOrDefaultRunRequest(*configPath)
	if err != nil {
		return err
	}
	flagValues := map[string]any{
		"protocol":    *protocol,
		"settings":    *settingsName,
		"channel":     *channel,
		"period-ms":   *periodMS,
		"duration-ms": *durationMS,
		"seed":        *seed,
		"realtime":    *realtime,
		"record":      *record,
		"set":         overrides,
	}
	if *configPath == "" {
		for name := range flagValues {
			setFlags[name] = true
		}
	}
	overrideFromFlags(&req, setFlags, flagValues)

	var registry *prometheus.Registry
	if *metricsAddr != "" {
		registry = prometheus.NewRegistry()
	}
	client, err := sf.client(registererOrNil(registry))
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if registry != nil {
		shutdown, err := serveMetrics(*metricsAddr, registry)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	if *live {
		liveCtx, stopLive := context.WithCancel(ctx)
		defer stopLive()
		req.Updates = readUpdates(liveCtx, stdin)
	}

	summary, err := client.Run(ctx, req)
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(summary)
	}
	fmt.Fprintf(stdout, "run completed protocol=%s channel=%s steps=%d finished=%t\n", summary.Protocol, summary.Channel, summary.Steps, summary.Completed)
	fmt.Fprintf(stdout, "time_ms=%.3f beat=%d apd_ms=%.3f\n", summary.Final.Time, int64(summary.Final.Beat), summary.Final.APD)
	switch summary.Protocol {
	case model.ProtocolStimThreshold.String():
		fmt.Fprintf(stdout, "stim_amplitude=%g\n", summary.StimAmplitude)
	case model.ProtocolRRCThreshold.String():
		fmt.Fprintf(stdout, "rrc_amplitude=%g\n", summary.RRCAmplitude)
	}
	if summary.Overruns > 0 {
		fmt.Fprintf(stdout, "overruns=%d\n", summary.Overruns)
	}
	for _, s := range summary.Recordings {
		fmt.Fprintf(stdout, "recording id=%s key=%s rows=%d\n", s.ID, s.Key, s.Rows)
	}
	if summary.Dropped > 0 {
		fmt.Fprintf(stdout, "recorder dropped %d events\n", summary.Dropped)
	}
	if summary.Updates > 0 || summary.Rejected > 0 {
		fmt.Fprintf(stdout, "updates applied=%d rejected=%d\n", summary.Updates, summary.Rejected)
	}
	return nil
}

// readUpdates turns each non-empty line of r into one settings update. Keys
// on a line are separated by spaces or commas and applied together.
func readUpdates(ctx context.Context, r io.Reader) <-chan map[string]float64 {
	updates := make(chan map[string]float64)
	go func() {
		defer close(updates)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			values, err := parseUpdateLine(line)
			if err != nil {
				fmt.Fprintln(stderr, "live update:", err)
				continue
			}
			select {
			case updates <- values:
			case <-ctx.Done():
				return
			}
		}
	}()
	return updates
}

func parseUpdateLine(line string) (map[string]float64, error) {
	values := assignments{}
	for _, field := range strings.Fields(strings.ReplaceAll(line, ",", " ")) {
		if err := values.Set(field); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// registererOrNil keeps a nil *Registry from becoming a non-nil interface.
func registererOrNil(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}

func serveMetrics(addr string, reg *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(stderr, "metrics server:", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func runSettings(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing settings subcommand")
	}
	switch args[0] {
	case "save":
		return runSettingsSave(ctx, args[1:])
	case "load", "show":
		return runSettingsShow(ctx, args[0], args[1:])
	case "list":
		return runSettingsList(ctx, args[1:])
	case "delete":
		return runSettingsDelete(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown settings subcommand: %s", args[0]))
	}
}

func runSettingsSave(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("settings save", flag.ContinueOnError)
	name := fs.String("name", "", "profile name")
	from := fs.String("from", "", "existing profile to start from (default: built-in defaults)")
	configPath := fs.String("config", "", "optional run config JSON whose values are saved")
	overrides := assignments{}
	fs.Var(overrides, "set", "parameter key=value (repeatable)")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("settings save requires -name")
	}

	client, err := sf.client(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	cfg := model.DefaultConfig()
	if *from != "" {
		if cfg, err = client.LoadSettings(ctx, *from); err != nil {
			return err
		}
	}
	if *configPath != "" {
		req, err := loadRunRequestFromConfig(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg, err = settings.ApplySettings(cfg, req.Overrides); err != nil {
			return err
		}
	}
	if cfg, err = settings.ApplySettings(cfg, overrides); err != nil {
		return err
	}
	if err := client.SaveSettings(ctx, *name, cfg); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "saved settings name=%s store=%s\n", *name, *sf.store)
	return nil
}

func runSettingsShow(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet("settings "+cmd, flag.ContinueOnError)
	name := fs.String("name", "", "profile name")
	jsonOut := fs.Bool("json", false, "print as JSON")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("settings %s requires -name", cmd)
	}
	client, err := sf.client(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	cfg, err := client.LoadSettings(ctx, *name)
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(cfg)
	}
	printValues(cfg)
	return nil
}

func runSettingsList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("settings list", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := sf.client(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	names, err := client.ListSettings(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(stdout, n)
	}
	return nil
}

func runSettingsDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("settings delete", flag.ContinueOnError)
	name := fs.String("name", "", "profile name")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("settings delete requires -name")
	}
	client, err := sf.client(nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	if err := client.DeleteSettings(ctx, *name); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "deleted settings name=%s\n", *name)
	return nil
}

func runDefaults(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("defaults", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "print as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(model.DefaultConfig())
	}
	printValues(model.DefaultConfig())
	return nil
}

func runChannels(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("channels", flag.ContinueOnError)
	periodMS := fs.Float64("period-ms", 1, "step period to check compatibility against")
	if err := fs.Parse(args); err != nil {
		return err
	}
	period := msToDuration(*periodMS)
	for _, name := range rrcio.ListChannels() {
		fmt.Fprintf(stdout, "%s compatible=%t\n", name, rrcio.ChannelCompatibleWithPeriod(name, period))
	}
	return nil
}

func runRecordings(ctx context.Context, args []string) error {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return runRecordingsList(ctx, args)
	}
	switch args[0] {
	case "list":
		return runRecordingsList(ctx, args[1:])
	case "get":
		return runRecordingsGet(ctx, args[1:])
	case "delete":
		return runRecordingsDelete(ctx, args[1:])
	case "url":
		return runRecordingsURL(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown recordings subcommand: %s", args[0]))
	}
}

// recordingsClient opens a client for blob access only.
func recordingsClient(sf storeFlags) (*rrcstim.Client, error) {
	opts, err := sf.options(nil)
	if err != nil {
		return nil, err
	}
	// Recordings never touch settings.
	opts.StoreKind = "memory"
	return rrcstim.New(opts)
}

func runRecordingsList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("recordings list", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := recordingsClient(sf)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	infos, err := client.Recordings(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Fprintf(stdout, "%s size=%d protocol=%s rows=%s\n", info.Key, info.Size, info.Metadata["protocol"], info.Metadata["rows"])
	}
	return nil
}

func runRecordingsGet(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("recordings get", flag.ContinueOnError)
	key := fs.String("key", "", "recording key or session id")
	outPath := fs.String("out", "", "write the CSV to this file instead of stdout")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("recordings get requires -key")
	}
	client, err := recordingsClient(sf)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	info, rc, err := client.Recording(ctx, *key)
	if err != nil {
		return err
	}
	defer rc.Close()
	if *outPath == "" {
		_, err = io.Copy(stdout, rc)
		return err
	}
	f, err := os.Create(*outPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s key=%s size=%d\n", *outPath, info.Key, info.Size)
	return nil
}

func runRecordingsDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("recordings delete", flag.ContinueOnError)
	key := fs.String("key", "", "recording key or session id")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("recordings delete requires -key")
	}
	client, err := recordingsClient(sf)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	deleted, err := client.DeleteRecording(ctx, *key)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "deleted recording key=%s existed=%t\n", *key, deleted)
	return nil
}

func runRecordingsURL(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("recordings url", flag.ContinueOnError)
	key := fs.String("key", "", "recording key or session id")
	expiry := fs.Duration("expiry", 15*time.Minute, "lifetime of a signed URL")
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("recordings url requires -key")
	}
	client, err := recordingsClient(sf)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	url, err := client.RecordingURL(ctx, *key, *expiry)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, url)
	return nil
}

func printValues(cfg model.Config) {
	values := settings.EncodeConfig(cfg)
	for _, key := range settings.Keys() {
		fmt.Fprintf(stdout, "%s=%s\n", key, strconv.FormatFloat(values[key], 'g', -1, 64))
	}
}

func writeJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: rrcctl <run|settings save|load|show|list|delete|defaults|channels|recordings list|get|delete|url> [flags]", msg)
}
