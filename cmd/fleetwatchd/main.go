// fleetwatchd is the monitoring daemon: it loads a fleet roster, schedules
// active checks, applies the result state machine, and exposes the
// operator command surface over the Nagios-style FIFO and HTTP.
//
// Everything the core treats as an external collaborator — notification
// transport, persistence, cluster framing — stays outside this binary;
// fleetwatchd only wires the internal packages together and keeps the
// roster in sync with the file on disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/fleetwatch/fleetwatch/internal/checker"
	"github.com/fleetwatch/fleetwatch/internal/clock"
	"github.com/fleetwatch/fleetwatch/internal/config"
	"github.com/fleetwatch/fleetwatch/internal/downtime"
	"github.com/fleetwatch/fleetwatch/internal/events"
	"github.com/fleetwatch/fleetwatch/internal/extcmd"
	"github.com/fleetwatch/fleetwatch/internal/logging"
	"github.com/fleetwatch/fleetwatch/internal/metrics"
	"github.com/fleetwatch/fleetwatch/internal/notify"
	"github.com/fleetwatch/fleetwatch/internal/objects"
	"github.com/fleetwatch/fleetwatch/internal/perfdata"
	"github.com/fleetwatch/fleetwatch/internal/ring"
	"github.com/fleetwatch/fleetwatch/internal/scheduler"
	"github.com/fleetwatch/fleetwatch/internal/tracing"
)

const version = "1.0.0"

func main() {
	var (
		rosterPath    = flag.String("config", "/etc/fleetwatch/roster.yaml", "fleet roster file")
		pipePath      = flag.String("pipe", "/var/run/fleetwatch/fleetwatch.cmd", "external command FIFO")
		listenAddr    = flag.String("listen", "", "HTTP command/metrics listen address (empty disables)")
		nodeName      = flag.String("node", defaultNodeName(), "local node name, stamped into check_source")
		logPath       = flag.String("log", "/var/log/fleetwatch/fleetwatch.log", "log file")
		maxConcurrent = flag.Int("max-concurrent-checks", scheduler.DefaultMaxConcurrentChecks, "in-flight check cap")
		workers       = flag.Int("plugin-workers", 16, "plugin pool worker count")
		useSyslog     = flag.Bool("syslog", false, "tee log records to syslog")
		showVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("fleetwatchd %s\n", version)
		return
	}

	log, err := logging.New(logging.Config{
		LogPath:    *logPath,
		ArchiveDir: filepath.Dir(*logPath),
		UseSyslog:  *useSyslog,
		UseStdout:  true,
		Level:      zapcore.InfoLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetwatchd: opening log: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	_, shutdownTracing := tracing.Setup("fleetwatchd")
	defer shutdownTracing(context.Background())

	d, err := newDaemon(log, *nodeName, *maxConcurrent, *workers)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		os.Exit(1)
	}

	if err := d.loadRoster(*rosterPath); err != nil {
		log.Error("loading roster", zap.String("path", *rosterPath), zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.sched.Run(gctx) })
	g.Go(func() error { d.downtimes.Run(gctx); return nil })
	g.Go(func() error { d.executor.RunStaleAgentSweep(gctx); return nil })
	g.Go(func() error { return d.watchRoster(gctx, *rosterPath) })

	cmds := extcmd.NewProcessor(*pipePath, 256)
	cmds.SetLogger(func(format string, args ...interface{}) {
		log.Info(fmt.Sprintf(format, args...))
	})
	d.registerCommandHandlers(cmds)
	if err := cmds.Start(); err != nil {
		log.Warn("command FIFO unavailable", zap.String("pipe", *pipePath), zap.Error(err))
	} else {
		defer cmds.Stop()
	}

	var httpSrv *http.Server
	if *listenAddr != "" {
		mux := chi.NewRouter()
		mux.Mount("/", cmds.Router())
		mux.Method(http.MethodGet, "/metrics", d.metrics.Handler())
		httpSrv = &http.Server{Addr: *listenAddr, Handler: mux}
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	log.Info("fleetwatchd started",
		zap.String("version", version),
		zap.String("node", *nodeName),
		zap.Int("hosts", len(d.store.AllHosts())),
		zap.Int("services", len(d.store.AllServices())))

loop:
	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			log.Info("SIGHUP: rotating log and reloading roster")
			if err := log.Rotate(); err != nil {
				log.Warn("log rotation failed", zap.Error(err))
			}
			if err := d.loadRoster(*rosterPath); err != nil {
				log.Warn("roster reload failed", zap.Error(err))
			}
		default:
			log.Info("shutting down", zap.String("signal", sig.String()))
			break loop
		}
	}

	d.sched.Stop()
	d.downtimes.Stop()
	if httpSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	cancel()
	if err := g.Wait(); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	d.pool.Stop()
}

// daemon bundles the wired core subsystems.
type daemon struct {
	log       *logging.Logger
	nodeName  string
	store     *objects.Store
	bus       *events.Bus
	pool      *checker.PluginPool
	proc      *checker.Processor
	executor  *checker.Executor
	sched     *scheduler.Scheduler
	downtimes *downtime.Manager
	policy    *notify.Policy
	metrics   *metrics.Metrics
	counters  *ring.Counters
}

func newDaemon(log *logging.Logger, nodeName string, maxConcurrent, workers int) (*daemon, error) {
	src := clock.Real{}
	bus := events.New(log.Logger)

	dtmgr := downtime.New(log.Logger, src, bus, nil)
	proc := checker.NewProcessor(bus, src, dtmgr)
	proc.SetLogger(log.Logger)
	dtmgr.SetProcessor(proc)

	executor := checker.NewExecutor(log.Logger, src, proc, nodeName, nil, nil)
	sched := scheduler.New(log.Logger, src, maxConcurrent, executor)

	counters := ring.NewCounters(900)
	sched.SetCounters(counters)
	proc.SetCounters(counters)

	m := metrics.New(sched)
	m.Attach(bus)

	policy := notify.NewPolicy(30 * time.Minute)
	policy.Attach(bus)

	d := &daemon{
		log:       log,
		nodeName:  nodeName,
		store:     objects.NewStore(),
		bus:       bus,
		pool:      checker.NewPluginPool(workers),
		proc:      proc,
		executor:  executor,
		sched:     sched,
		downtimes: dtmgr,
		policy:    policy,
		metrics:   m,
		counters:  counters,
	}

	bus.OnNotificationsRequested(func(req events.NotificationRequest) {
		host, svc := splitName(req.Checkable)
		log.Notification(req.Checkable.Kind == objects.KindHost, host, svc, req.Type.String(), req.Author, req.Text)
	})
	bus.OnStateChange(func(c *objects.Checkable, cr *objects.CheckResult, st objects.StateType, origin string) {
		host, svc := splitName(c)
		c.Lock()
		state, attempt := c.StateRaw, c.CheckAttempt
		c.Unlock()
		if c.Kind == objects.KindHost {
			log.HostAlert(host, state, int(st), attempt, cr.Output)
		} else {
			log.ServiceAlert(host, svc, state, int(st), attempt, cr.Output)
		}
	})

	return d, nil
}

// rosterFile is the externally-maintained fleet description. It is a
// roster, not a configuration language: names, command lines, and
// intervals only. Templating and macro resolution happen upstream.
type rosterFile struct {
	Hosts []rosterHost `yaml:"hosts"`
}

type rosterHost struct {
	Name     string          `yaml:"name"`
	Address  string          `yaml:"address"`
	Services []rosterService `yaml:"services"`
}

type rosterService struct {
	Name             string  `yaml:"name"`
	Command          string  `yaml:"command"`
	TimeoutSeconds   int     `yaml:"timeout"`
	IntervalSeconds  int     `yaml:"interval"`
	RetrySeconds     int     `yaml:"retry_interval"`
	MaxCheckAttempts int     `yaml:"max_check_attempts"`
	Volatile         bool    `yaml:"volatile"`
	FlapLow          float64 `yaml:"flapping_threshold_low"`
	FlapHigh         float64 `yaml:"flapping_threshold_high"`
}

// loadRoster reads path and registers every host/service not yet known.
// Re-invocations (SIGHUP, fsnotify) only add; removal requires a restart,
// which keeps reload races with in-flight checks impossible.
func (d *daemon) loadRoster(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading roster: %w", err)
	}
	var roster rosterFile
	if err := yaml.Unmarshal(raw, &roster); err != nil {
		return fmt.Errorf("parsing roster: %w", err)
	}

	added := 0
	for _, rh := range roster.Hosts {
		host, ok := d.store.Host(rh.Name)
		if !ok {
			host = objects.NewHost(rh.Name, nil)
			host.Address = rh.Address
			host.Active = true
			host.Authoritative = true
			if err := d.store.AddHost(host); err != nil {
				return err
			}
		}
		for _, rs := range rh.Services {
			fq := rh.Name + "!" + rs.Name
			if _, exists := d.store.Service(fq); exists {
				continue
			}
			svc, err := d.buildService(rh.Name, rs)
			if err != nil {
				return fmt.Errorf("service %q: %w", fq, err)
			}
			if err := d.store.AddService(svc); err != nil {
				return err
			}
			d.sched.Register(svc.Checkable)
			added++
		}
	}
	if added > 0 {
		d.log.Info("roster applied", zap.String("path", path), zap.Int("services_added", added))
	}
	return nil
}

func (d *daemon) buildService(hostName string, rs rosterService) (*objects.Service, error) {
	interval := time.Duration(rs.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	attempts := rs.MaxCheckAttempts
	if attempts <= 0 {
		attempts = 3
	}
	if err := config.ValidateRegistration(config.RegistrationInput{
		CheckInterval:    interval,
		MaxCheckAttempts: attempts,
	}); err != nil {
		return nil, err
	}

	svc := objects.NewService(hostName, rs.Name, interval, nil)
	svc.MaxCheckAttempts = attempts
	if rs.RetrySeconds > 0 {
		svc.RetryInterval = time.Duration(rs.RetrySeconds) * time.Second
	}
	svc.Volatile = rs.Volatile
	if rs.FlapHigh > 0 {
		svc.FlappingThresholdLow = rs.FlapLow
		svc.FlappingThresholdHigh = rs.FlapHigh
	}
	svc.Active = true
	svc.Authoritative = true

	if rs.Command != "" {
		timeout := time.Duration(rs.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		svc.Command = checker.NewShellCheckCommand(rs.Name, rs.Command, timeout, d.pool)
	}
	return svc, nil
}

// watchRoster re-applies the roster whenever the file changes on disk, so
// newly-added entries are scheduled without a restart.
func (d *daemon) watchRoster(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("roster watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		d.log.Warn("cannot watch roster, live reload disabled", zap.String("path", path), zap.Error(err))
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := d.loadRoster(path); err != nil {
				d.log.Warn("roster reload failed", zap.String("path", path), zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.log.Warn("roster watcher error", zap.Error(err))
		}
	}
}

// registerCommandHandlers wires the operator text protocol to the core's
// operations. Both the FIFO reader and POST /commands dispatch through
// these.
func (d *daemon) registerCommandHandlers(p *extcmd.Processor) {
	handlers := map[string]extcmd.Handler{
		"SCHEDULE_FORCED_HOST_CHECK": d.withHost(0, func(c *objects.Checkable, cmd *extcmd.Command) {
			d.sched.ForceNextCheck(c)
		}),
		"SCHEDULE_FORCED_SVC_CHECK": d.withService(0, 1, func(c *objects.Checkable, cmd *extcmd.Command) {
			d.sched.ForceNextCheck(c)
		}),
		"ACKNOWLEDGE_HOST_PROBLEM": d.withHost(0, func(c *objects.Checkable, cmd *extcmd.Command) {
			d.acknowledge(c, cmd.Args[1:])
		}),
		"ACKNOWLEDGE_SVC_PROBLEM": d.withService(0, 1, func(c *objects.Checkable, cmd *extcmd.Command) {
			d.acknowledge(c, cmd.Args[2:])
		}),
		"REMOVE_HOST_ACKNOWLEDGEMENT": d.withHost(0, func(c *objects.Checkable, cmd *extcmd.Command) {
			d.downtimes.ClearAcknowledgement(c, "extcmd")
		}),
		"REMOVE_SVC_ACKNOWLEDGEMENT": d.withService(0, 1, func(c *objects.Checkable, cmd *extcmd.Command) {
			d.downtimes.ClearAcknowledgement(c, "extcmd")
		}),
		"SCHEDULE_HOST_DOWNTIME": d.withHost(0, func(c *objects.Checkable, cmd *extcmd.Command) {
			d.scheduleDowntime(c, cmd.Args[1:])
		}),
		"SCHEDULE_SVC_DOWNTIME": d.withService(0, 1, func(c *objects.Checkable, cmd *extcmd.Command) {
			d.scheduleDowntime(c, cmd.Args[2:])
		}),
		"DEL_HOST_DOWNTIME": func(cmd *extcmd.Command) { d.deleteDowntime(cmd) },
		"DEL_SVC_DOWNTIME":  func(cmd *extcmd.Command) { d.deleteDowntime(cmd) },
		"PROCESS_HOST_CHECK_RESULT": d.withHost(0, func(c *objects.Checkable, cmd *extcmd.Command) {
			if len(cmd.Args) >= 3 {
				d.processPassive(c, cmd.Args[1], cmd.Args[2])
			}
		}),
		"PROCESS_SERVICE_CHECK_RESULT": d.withService(0, 1, func(c *objects.Checkable, cmd *extcmd.Command) {
			if len(cmd.Args) >= 4 {
				d.processPassive(c, cmd.Args[2], cmd.Args[3])
			}
		}),
		"ENABLE_HOST_CHECK":  d.withHost(0, d.setActiveChecks(true)),
		"DISABLE_HOST_CHECK": d.withHost(0, d.setActiveChecks(false)),
		"ENABLE_SVC_CHECK":   d.withService(0, 1, d.setActiveChecks(true)),
		"DISABLE_SVC_CHECK":  d.withService(0, 1, d.setActiveChecks(false)),
		"ENABLE_NOTIFICATIONS": func(cmd *extcmd.Command) {
			d.setAllNotifications(true)
		},
		"DISABLE_NOTIFICATIONS": func(cmd *extcmd.Command) {
			d.setAllNotifications(false)
		},
	}
	p.RegisterHandlers(handlers)
}

// withHost resolves Args[hostIdx] to a host's Checkable before invoking fn.
func (d *daemon) withHost(hostIdx int, fn func(c *objects.Checkable, cmd *extcmd.Command)) extcmd.Handler {
	return func(cmd *extcmd.Command) {
		if len(cmd.Args) <= hostIdx {
			return
		}
		host, ok := d.store.Host(cmd.Args[hostIdx])
		if !ok {
			d.log.Warn("external command for unknown host", zap.String("command", cmd.Name), zap.String("host", cmd.Args[hostIdx]))
			return
		}
		d.log.ExternalCommand(cmd.Name, cmd.Args)
		fn(host.Checkable, cmd)
	}
}

func (d *daemon) withService(hostIdx, svcIdx int, fn func(c *objects.Checkable, cmd *extcmd.Command)) extcmd.Handler {
	return func(cmd *extcmd.Command) {
		if len(cmd.Args) <= svcIdx {
			return
		}
		fq := cmd.Args[hostIdx] + "!" + cmd.Args[svcIdx]
		svc, ok := d.store.Service(fq)
		if !ok {
			d.log.Warn("external command for unknown service", zap.String("command", cmd.Name), zap.String("service", fq))
			return
		}
		d.log.ExternalCommand(cmd.Name, cmd.Args)
		fn(svc.Checkable, cmd)
	}
}

// acknowledge handles the sticky;notify;persistent;author;comment tail
// shared by both ACKNOWLEDGE_* commands.
func (d *daemon) acknowledge(c *objects.Checkable, args []string) {
	if len(args) < 5 {
		return
	}
	ackType := objects.AckNormal
	if args[0] == "2" {
		ackType = objects.AckSticky
	}
	notifyFlag := args[1] == "1"
	persistent := args[2] == "1"
	if err := d.downtimes.AcknowledgeProblem(c, args[3], args[4], ackType, notifyFlag, persistent, time.Time{}); err != nil {
		d.log.Warn("acknowledge failed", zap.String("checkable", c.Name), zap.Error(err))
	}
}

// scheduleDowntime handles the start;end;fixed;trigger_id;duration;author;comment
// tail shared by both SCHEDULE_*_DOWNTIME commands.
func (d *daemon) scheduleDowntime(c *objects.Checkable, args []string) {
	if len(args) < 7 {
		return
	}
	start, err1 := strconv.ParseInt(args[0], 10, 64)
	end, err2 := strconv.ParseInt(args[1], 10, 64)
	durationSec, _ := strconv.ParseInt(args[4], 10, 64)
	if err1 != nil || err2 != nil {
		return
	}
	fixed := args[2] == "1"
	var triggers []string
	if args[3] != "" && args[3] != "0" {
		triggers = []string{args[3]}
	}
	_, err := d.downtimes.ScheduleDowntime(c, args[5], args[6],
		time.Unix(start, 0), time.Unix(end, 0), fixed,
		time.Duration(durationSec)*time.Second, triggers, "")
	if err != nil {
		d.log.Warn("schedule downtime failed", zap.String("checkable", c.Name), zap.Error(err))
	}
}

func (d *daemon) deleteDowntime(cmd *extcmd.Command) {
	if len(cmd.Args) < 1 {
		return
	}
	d.log.ExternalCommand(cmd.Name, cmd.Args)
	if err := d.downtimes.UnscheduleDowntime(cmd.Args[0], time.Now(), true); err != nil {
		d.log.Warn("delete downtime failed", zap.String("id", cmd.Args[0]), zap.Error(err))
	}
}

// processPassive converts a PROCESS_*_CHECK_RESULT payload into a passive
// CheckResult. The output may carry perfdata after a pipe, in the plugin
// wire format.
func (d *daemon) processPassive(c *objects.Checkable, codeStr, output string) {
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return
	}
	state := code
	if c.Kind == objects.KindHost {
		state = objects.HostUp
		if code != 0 {
			state = objects.HostDown
		}
	}

	cr := &objects.CheckResult{
		Active:      false,
		State:       state,
		Output:      output,
		CheckSource: d.nodeName,
	}
	if idx := strings.IndexByte(output, '|'); idx >= 0 {
		cr.Output = strings.TrimSpace(output[:idx])
		if points, err := perfdata.Parse(strings.TrimSpace(output[idx+1:])); err == nil {
			cr.PerformanceData = points
		}
	}

	host, svcDesc := splitName(c)
	d.log.PassiveCheck(c.Kind == objects.KindHost, host, svcDesc, state, cr.Output)
	d.proc.ProcessCheckResult(context.Background(), c, cr, "passive")
}

func (d *daemon) setActiveChecks(enabled bool) func(c *objects.Checkable, cmd *extcmd.Command) {
	return func(c *objects.Checkable, cmd *extcmd.Command) {
		c.Lock()
		c.EnableActiveChecks = enabled
		c.Unlock()
	}
}

// setAllNotifications implements the program-wide ENABLE/DISABLE_NOTIFICATIONS
// toggle by flipping every registered checkable.
func (d *daemon) setAllNotifications(enabled bool) {
	for _, c := range d.store.AllCheckables() {
		c.Lock()
		c.EnableNotifications = enabled
		c.Unlock()
	}
}

func splitName(c *objects.Checkable) (host, service string) {
	if c.Kind == objects.KindHost {
		return c.Name, ""
	}
	if idx := strings.IndexByte(c.Name, '!'); idx >= 0 {
		return c.Name[:idx], c.Name[idx+1:]
	}
	return c.Name, ""
}

func defaultNodeName() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "fleetwatch"
}
