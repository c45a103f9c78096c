// Package pulsecap records peak monitor capture streams through the
// pulse-compatible server that PipeWire provides.
package pulsecap

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/graph"
)

// ErrTargetRemoved is reported when the recorded sink, source or stream goes away.
var ErrTargetRemoved = errors.New("capture target removed")

const (
	defaultLatency = 50 * time.Millisecond
	mediaName      = "Peak monitor"
)

// Options configures a Capture.
type Options struct {
	ClientName string
	Latency    time.Duration
}

// Capture opens capture streams on a shared pulse client. Every callback is
// handed to invoke, which must run it on the goroutine polling the graph.
type Capture struct {
	logger  *zap.SugaredLogger
	invoke  func(func())
	options Options

	mu      sync.Mutex
	client  *pulse.Client
	watcher *targetWatcher
}

var _ graph.CaptureFactory = (*Capture)(nil)

// New returns a Capture. The server is contacted by the first stream.
func New(logger *zap.SugaredLogger, invoke func(func()), options Options) *Capture {
	if options.ClientName == "" {
		options.ClientName = "pwgraph"
	}
	if options.Latency <= 0 {
		options.Latency = defaultLatency
	}

	return &Capture{
		logger:  logger.Named("pulsecap"),
		invoke:  invoke,
		options: options,
	}
}

// OpenCapture starts recording target in the background.
func (c *Capture) OpenCapture(target graph.CaptureTarget, sink graph.CaptureSink) (graph.CaptureStream, error) {
	s := &stream{
		capture: c,
		logger:  c.logger.With("node", target.NodeID),
		target:  target,
		sink:    sink,
	}

	go s.run()

	return s, nil
}

// Close disconnects from the server. Open streams stop delivering samples.
func (c *Capture) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watcher != nil {
		if err := c.watcher.close(); err != nil {
			c.logger.Warnw("Failed to close target watcher", "error", err)
		}
		c.watcher = nil
	}

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}

	c.logger.Debug("Released capture client")
}

func (c *Capture) connect() (*pulse.Client, *targetWatcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		client, err := pulse.NewClient(pulse.ClientApplicationName(c.options.ClientName))
		if err != nil {
			return nil, nil, fmt.Errorf("establish pulse connection: %w", err)
		}

		c.client = client
		c.logger.Debug("Connected to pulse server")
	}

	if c.watcher == nil {
		watcher, err := newTargetWatcher(c.logger, c.options.ClientName)
		if err != nil {
			c.logger.Debugw("Capture targets will not be watched", "error", err)
		} else {
			c.watcher = watcher
		}
	}

	return c.client, c.watcher, nil
}

type stream struct {
	capture *Capture
	logger  *zap.SugaredLogger
	target  graph.CaptureTarget
	sink    graph.CaptureSink

	closed atomic.Bool

	mu      sync.Mutex
	record  *pulse.RecordStream
	unwatch func()
}

func (s *stream) run() {
	client, watcher, err := s.capture.connect()
	if err != nil {
		s.fail(err)
		return
	}

	channels, positions := captureLayout(s.target.Channels)

	record, err := client.NewRecord(pulse.Float32Writer(s.write),
		pulse.RecordRawOption(func(req *proto.CreateRecordStream) {
			req.SampleSpec.Channels = byte(len(positions))
			req.ChannelMap = positions
			s.applyTarget(req)
		}),
		pulse.RecordLatency(s.capture.options.Latency.Seconds()),
		pulse.RecordMediaName(mediaName),
	)
	if err != nil {
		s.fail(fmt.Errorf("create record stream: %w", err))
		return
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		record.Close()

		return
	}

	s.record = record
	if watcher != nil {
		s.unwatch = watcher.watch(s.target.NodeID, func() { s.fail(ErrTargetRemoved) })
	}
	s.mu.Unlock()

	record.Start()
	s.logger.Debugw("Started record stream", "channels", len(channels))

	s.post(func() { s.sink.CaptureFormat(channels) })
}

// applyTarget points the record stream at the node: a sink's monitor, a
// source, or the node itself for streams.
func (s *stream) applyTarget(req *proto.CreateRecordStream) {
	req.SourceIndex = proto.Undefined
	req.SourceName = ""
	req.DirectOnInputIndex = proto.Undefined

	switch {
	case s.target.IsStream && !s.target.IsSink:
		req.DirectOnInputIndex = s.target.NodeID
	case s.target.IsStream:
		req.SourceIndex = s.target.NodeID
	case s.target.IsSink:
		req.SourceName = s.target.NodeName + ".monitor"
	default:
		req.SourceName = s.target.NodeName
	}
}

func (s *stream) write(buf []float32) (int, error) {
	if s.closed.Load() {
		return len(buf), nil
	}

	samples := slices.Clone(buf)
	s.post(func() { s.sink.CaptureSamples(samples) })

	return len(buf), nil
}

func (s *stream) fail(err error) {
	s.logger.Debugw("Capture stream failed", "error", err)
	s.post(func() { s.sink.CaptureFailed(err) })
}

// post runs fn on the graph goroutine unless the stream was closed first.
func (s *stream) post(fn func()) {
	s.capture.invoke(func() {
		if !s.closed.Load() {
			fn()
		}
	})
}

// Close stops the stream. The server round trip happens in the background.
func (s *stream) Close() {
	if s.closed.Swap(true) {
		return
	}

	s.mu.Lock()
	record, unwatch := s.record, s.unwatch
	s.record, s.unwatch = nil, nil
	s.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}

	if record != nil {
		go record.Close()
	}
}
