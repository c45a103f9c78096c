// Package pwgraph runs a daemon that mirrors the PipeWire graph, follows the
// session's default devices and meters the chosen node.
package pwgraph

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/graph"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/pulsecap"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/pw"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/util"
)

// ErrConnectionLost is returned by Initialize when the server goes away.
var ErrConnectionLost = errors.New("pipewire connection lost")

// Daemon is the main entity managing all subcomponents
type Daemon struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	configMan *ConfigManager
	metrics   *graphMetrics

	conn     *pw.Conn
	registry *graph.Registry
	defaults *graph.DefaultTracker
	capture  *pulsecap.Capture
	peaks    *graph.PeakMonitor

	// keeps the default sink bound so its volume is live
	defaultSink graph.ObjectRef[*graph.Node]

	applied  Config
	watching bool

	stopChannel chan bool
	version     string
	verbose     bool
	dumpOnly    bool
}

// NewDaemon creates the daemon. Nothing talks to PipeWire until Initialize.
func NewDaemon(logger *zap.SugaredLogger, configPath string, verbose bool) (*Daemon, error) {
	logger = logger.Named("pwgraph")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, configPath)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	d := &Daemon{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		metrics:     newGraphMetrics(logger),
		stopChannel: make(chan bool, 1),
		verbose:     verbose,
	}

	logger.Debug("Created pwgraph instance")

	return d, nil
}

// SetVersion sets the version announced to the server if called before Initialize
func (d *Daemon) SetVersion(version string) {
	d.version = version
}

// SetDumpMode makes Initialize log the initial graph snapshot and return
func (d *Daemon) SetDumpMode(dump bool) {
	d.dumpOnly = dump
}

// Verbose returns a boolean indicating whether pwgraph is running in verbose mode
func (d *Daemon) Verbose() bool {
	return d.verbose
}

// Initialize connects to PipeWire and runs the loop until stopped.
func (d *Daemon) Initialize() error {
	d.logger.Debug("Initializing")

	// load the config for the first time
	if err := d.configMan.Load(); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	cfg := d.configMan.Current()
	d.applied = cfg

	props := map[string]string{}
	if d.version != "" {
		props["application.version"] = d.version
	}

	d.conn = pw.New(d.logger, pw.Options{
		Remote:     cfg.Remote,
		ClientName: cfg.ClientName,
		Properties: props,
	})

	if err := d.conn.Connect(); err != nil {
		d.logger.Errorw("Failed to connect to PipeWire", "error", err)
		d.notifier.Notify("Can't reach PipeWire!", "Make sure the PipeWire server is running and re-launch.")

		return fmt.Errorf("connect to PipeWire: %w", err)
	}

	d.registry = graph.NewRegistry(d.logger, d.conn)
	d.defaults = graph.NewDefaultTracker(d.logger, d.registry)
	d.capture = pulsecap.New(d.logger, d.conn.Invoke, pulsecap.Options{
		ClientName: cfg.ClientName,
		Latency:    time.Duration(cfg.PeakMonitor.LatencyMs) * time.Millisecond,
	})
	d.peaks = graph.NewPeakMonitor(d.logger, d.capture)
	d.peaks.SetEnabled(cfg.PeakMonitor.Enabled && !d.dumpOnly)

	d.connectGraph()
	d.setupInterruptHandler()

	return d.run()
}

func (d *Daemon) connectGraph() {
	d.registry.Initialized.Connect(func(struct{}) {
		d.logger.Infow("Graph mirrored",
			"nodes", len(d.registry.Nodes()),
			"devices", len(d.registry.Devices()),
			"linkGroups", len(d.registry.LinkGroups()))

		if d.dumpOnly {
			d.dumpResolved()
		}
	})

	d.defaults.SinkChanged.Connect(func(struct{}) { d.onDefaultSinkChanged() })
	d.defaults.SourceChanged.Connect(func(struct{}) {
		d.logger.Debugw("Default source changed", "name", d.defaults.SourceName(), "resolved", d.defaults.Source() != nil)
	})

	d.registry.NodeAdded.Connect(func(*graph.Node) {
		if d.peaks.Node() == nil {
			d.updatePeakTarget()
		}
	})

	d.peaks.StateChanged.Connect(func(struct{}) {
		d.logger.Debugw("Peak monitor state", "state", d.peaks.State())
	})

	d.conn.OnPolled(func() { d.metrics.set(d.snapshot()) })
}

func (d *Daemon) onDefaultSinkChanged() {
	sink := d.defaults.Sink()

	d.logger.Infow("Default sink changed", "name", d.defaults.SinkName(), "resolved", sink != nil)

	d.defaultSink.Set(sink)

	d.updatePeakTarget()

	if sink != nil && d.applied.NotifyDefaultChanges && d.registry.State() == graph.Done {
		title := sink.Description()
		if title == "" {
			title = sink.Name()
		}

		d.notifier.Notify("Default output changed", title)
	}
}

// updatePeakTarget points the peak monitor at the configured node.
func (d *Daemon) updatePeakTarget() {
	var node *graph.Node

	if d.applied.PeakMonitor.Target == PeakTargetDefault {
		node = d.defaults.Sink()
	} else {
		node = d.registry.NodeByName(d.applied.PeakMonitor.Target)
	}

	d.peaks.SetNode(node)
}

func (d *Daemon) applyConfig() {
	next := d.configMan.Current()
	prev := d.applied
	d.applied = next

	if next.Remote != prev.Remote || next.ClientName != prev.ClientName {
		d.logger.Warn("Connection settings changed, restart pwgraph to apply them")
	}

	if next.PeakMonitor.LatencyMs != prev.PeakMonitor.LatencyMs {
		d.logger.Warn("Peak monitor latency changed, restart pwgraph to apply it")
	}

	d.peaks.SetEnabled(next.PeakMonitor.Enabled)
	d.updatePeakTarget()

	if next.MetricsAddress != prev.MetricsAddress {
		d.metrics.stop()
		d.startMetrics(next.MetricsAddress)
	}

	d.logger.Debug("Applied reloaded config")
}

func (d *Daemon) startMetrics(address string) {
	if address == "" {
		return
	}

	if err := d.metrics.serve(address); err != nil {
		d.notifier.Notify("Can't serve metrics!", fmt.Sprintf("Check that %s is free.", address))
	}
}

func (d *Daemon) snapshot() graphSnapshot {
	s := graphSnapshot{
		nodes:       len(d.registry.Nodes()),
		devices:     len(d.registry.Devices()),
		links:       len(d.registry.Links()),
		linkGroups:  len(d.registry.LinkGroups()),
		metadata:    len(d.registry.Metadata()),
		initialized: d.registry.State() == graph.Done,
		peak:        d.peaks.Peak(),
	}

	if sink, ok := d.defaultSink.Get(); ok && sink.Audio() != nil {
		s.hasDefaultSink = true
		s.defaultSinkVolume = sink.Audio().AverageVolume()
		s.defaultSinkMuted = sink.Audio().Muted()
	}

	return s
}

func (d *Daemon) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()
	}()
}

func (d *Daemon) run() error {
	defer d.recoverFromPanic()

	d.logger.Info("Run loop starting")

	var reload chan bool
	if !d.dumpOnly {
		reload = d.configMan.SubscribeToChanges()
		d.watching = true

		go d.configMan.WatchConfigFileChanges()

		d.startMetrics(d.applied.MetricsAddress)
	}

	for {
		select {
		case <-d.conn.Readable():
			d.conn.Poll()

			if !d.conn.IsValid() {
				d.logger.Error("PipeWire connection lost")
				d.notifier.Notify("Lost connection to PipeWire!", "Re-launch pwgraph once the server is back.")

				if err := d.stop(); err != nil {
					d.logger.Warnw("Failed to stop cleanly", "error", err)
				}

				return ErrConnectionLost
			}

		case <-reload:
			d.applyConfig()

		case <-d.stopChannel:
			d.logger.Debug("Stop channel signaled, terminating")
			return d.stop()
		}
	}
}

func (d *Daemon) signalStop() {
	d.logger.Debug("Signalling stop channel")

	select {
	case d.stopChannel <- true:
	default:
	}
}

func (d *Daemon) stop() error {
	d.logger.Info("Stopping")

	if d.watching {
		d.configMan.StopWatchingConfigFile()
		d.watching = false
	}

	d.metrics.stop()
	d.peaks.Close()
	d.defaultSink.Clear()
	d.capture.Close()

	if err := d.conn.Close(); err != nil {
		d.logger.Errorw("Failed to close PipeWire connection", "error", err)
		return fmt.Errorf("close PipeWire connection: %w", err)
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = d.logger.Sync()

	return nil
}
