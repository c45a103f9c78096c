package graph

import (
	"go.uber.org/zap"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/signal"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/spa"
)

// PeakState is the state of a peak monitor's capture stream.
type PeakState int

const (
	PeakIdle PeakState = iota
	PeakStarting
	PeakFormatNegotiated
	PeakRunning
)

func (s PeakState) String() string {
	switch s {
	case PeakIdle:
		return "Idle"
	case PeakStarting:
		return "Starting"
	case PeakFormatNegotiated:
		return "FormatNegotiated"
	case PeakRunning:
		return "Running"
	default:
		return "Unknown"
	}
}

// CaptureTarget describes the node a capture stream records.
type CaptureTarget struct {
	NodeID   uint32
	NodeName string
	IsSink   bool
	IsStream bool
	Channels []spa.AudioChannel
}

// CaptureSink receives capture callbacks. Every call must happen on the
// goroutine that polls the bridge.
type CaptureSink interface {
	// CaptureFormat reports the negotiated channel layout.
	CaptureFormat(channels []spa.AudioChannel)
	// CaptureSamples delivers interleaved float samples.
	CaptureSamples(samples []float32)
	// CapturePaused reports that the stream lost its format.
	CapturePaused()
	// CaptureFailed reports that the stream stopped for good.
	CaptureFailed(err error)
}

// CaptureStream is an open capture stream.
type CaptureStream interface {
	Close()
}

// CaptureFactory opens capture streams.
type CaptureFactory interface {
	OpenCapture(target CaptureTarget, sink CaptureSink) (CaptureStream, error)
}

// PeakMonitor meters one node through its own capture stream. Any change to
// the node or enabled flag rebuilds the stream from scratch.
type PeakMonitor struct {
	logger  *zap.SugaredLogger
	factory CaptureFactory

	node    ObjectRef[*Node]
	enabled bool

	state      PeakState
	stream     CaptureStream
	generation uint64

	channels []spa.AudioChannel
	peaks    []float32
	peak     float32

	PeaksChanged    signal.Notifier
	ChannelsChanged signal.Notifier
	StateChanged    signal.Notifier
}

// NewPeakMonitor returns an enabled monitor with no node.
func NewPeakMonitor(logger *zap.SugaredLogger, factory CaptureFactory) *PeakMonitor {
	m := &PeakMonitor{
		logger:  logger.Named("peak_monitor"),
		factory: factory,
		enabled: true,
	}

	m.node.Dropped.Connect(func(struct{}) {
		m.logger.Debug("Monitored node removed")
		m.rebuildStream()
	})

	return m
}

// Node returns the monitored node, or nil.
func (m *PeakMonitor) Node() *Node {
	node, _ := m.node.Get()
	return node
}

// SetNode switches the monitored node. nil stops monitoring.
func (m *PeakMonitor) SetNode(node *Node) {
	if m.Node() == node {
		return
	}

	m.node.Set(node)
	m.rebuildStream()
}

// Enabled reports whether the monitor captures at all.
func (m *PeakMonitor) Enabled() bool {
	return m.enabled
}

// SetEnabled starts or stops capturing.
func (m *PeakMonitor) SetEnabled(enabled bool) {
	if m.enabled == enabled {
		return
	}

	m.enabled = enabled
	m.rebuildStream()
}

// State returns the capture stream state.
func (m *PeakMonitor) State() PeakState {
	return m.state
}

// Channels returns the negotiated channel layout.
func (m *PeakMonitor) Channels() []spa.AudioChannel {
	return m.channels
}

// Peaks returns the latest per-channel peaks on the perceptual scale.
func (m *PeakMonitor) Peaks() []float32 {
	return m.peaks
}

// Peak returns the largest of Peaks.
func (m *PeakMonitor) Peak() float32 {
	return m.peak
}

// Close stops capturing and releases the node.
func (m *PeakMonitor) Close() {
	m.enabled = false
	m.node.Clear()
	m.rebuildStream()
}

func (m *PeakMonitor) setState(state PeakState) {
	if m.state == state {
		return
	}

	m.logger.Debugw("Peak monitor state changed", "from", m.state, "to", state)
	m.state = state
	signal.Notify(&m.StateChanged)
}

func (m *PeakMonitor) closeStream() {
	if m.stream == nil {
		return
	}

	m.stream.Close()
	m.stream = nil
	m.setState(PeakIdle)
}

func (m *PeakMonitor) rebuildStream() {
	m.closeStream()
	m.generation++

	node := m.Node()
	if !m.enabled || node == nil || node.Audio() == nil {
		m.clearPeaks()
		return
	}

	m.setState(PeakStarting)

	target := CaptureTarget{
		NodeID:   node.ID(),
		NodeName: node.Name(),
		IsSink:   node.IsSink(),
		IsStream: node.IsStream(),
		Channels: node.Audio().Channels(),
	}

	stream, err := m.factory.OpenCapture(target, &peakCaptureSink{monitor: m, generation: m.generation})
	if err != nil {
		m.logger.Warnw("Failed to open capture stream", "node", node.Name(), "error", err)
		m.setState(PeakIdle)

		return
	}

	m.stream = stream
	m.logger.Debugw("Opened capture stream", "node", node.Name())
}

func (m *PeakMonitor) clearPeaks() {
	if m.peaks == nil && m.channels == nil && m.peak == 0 {
		return
	}

	m.peaks = nil
	m.peak = 0
	signal.Notify(&m.PeaksChanged)

	if m.channels != nil {
		m.channels = nil
		signal.Notify(&m.ChannelsChanged)
	}
}

func (m *PeakMonitor) onFormat(channels []spa.AudioChannel) {
	m.channels = channels
	m.peaks = make([]float32, len(channels))
	m.peak = 0
	m.setState(PeakFormatNegotiated)

	signal.Notify(&m.ChannelsChanged)
	signal.Notify(&m.PeaksChanged)
}

func (m *PeakMonitor) onSamples(samples []float32) {
	if m.state != PeakFormatNegotiated && m.state != PeakRunning {
		return
	}

	channelCount := len(m.channels)
	if channelCount == 0 {
		return
	}

	m.setState(PeakRunning)

	var volumes []float32
	if node := m.Node(); node != nil && node.Audio() != nil {
		volumes = node.Audio().Volumes()
	}

	peaks := make([]float32, channelCount)
	var overall float32

	for ch := 0; ch < channelCount; ch++ {
		var loudest float32
		for i := ch; i < len(samples); i += channelCount {
			v := samples[i]
			if v < 0 {
				v = -v
			}
			if v > loudest {
				loudest = v
			}
		}

		peak := LinearToPerceptual(loudest)
		if ch < len(volumes) && volumes[ch] != 0 {
			peak /= volumes[ch]
		}

		peaks[ch] = peak
		if peak > overall {
			overall = peak
		}
	}

	m.peaks = peaks
	m.peak = overall
	signal.Notify(&m.PeaksChanged)
}

// onPaused publishes silence sized to whatever was last known.
func (m *PeakMonitor) onPaused() {
	if m.stream == nil {
		return
	}

	m.setState(PeakStarting)

	size := max(len(m.peaks), len(m.channels))
	m.peaks = make([]float32, size)
	m.peak = 0
	signal.Notify(&m.PeaksChanged)
}

func (m *PeakMonitor) onFailed(err error) {
	m.logger.Warnw("Capture stream failed", "error", err)

	m.stream = nil
	m.setState(PeakIdle)
	m.clearPeaks()
}

// peakCaptureSink drops callbacks from streams that were replaced.
type peakCaptureSink struct {
	monitor    *PeakMonitor
	generation uint64
}

func (s *peakCaptureSink) current() bool {
	return s.generation == s.monitor.generation
}

func (s *peakCaptureSink) CaptureFormat(channels []spa.AudioChannel) {
	if s.current() {
		s.monitor.onFormat(channels)
	}
}

func (s *peakCaptureSink) CaptureSamples(samples []float32) {
	if s.current() {
		s.monitor.onSamples(samples)
	}
}

func (s *peakCaptureSink) CapturePaused() {
	if s.current() {
		s.monitor.onPaused()
	}
}

func (s *peakCaptureSink) CaptureFailed(err error) {
	if s.current() {
		s.monitor.onFailed(err)
	}
}
