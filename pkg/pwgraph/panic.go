package pwgraph

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/util"
)

const (
	crashlogFilename        = "pwgraph-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"

	crashMessage = `-----------------------------------------------------------------
                        pwgraph crashlog
-----------------------------------------------------------------
Unfortunately, pwgraph has crashed.
To help diagnose the issue, a crashlog has been generated.
Please consider sharing this file with developers to help improve pwgraph.
-----------------------------------------------------------------
Time: %s
Panic occurred: %s
Graph: %s
Stack trace:
%s
-----------------------------------------------------------------
`
)

func (d *Daemon) recoverFromPanic() {
	r := recover()

	if r == nil {
		return
	}

	now := time.Now()

	if err := util.EnsureDirExists(logDirectory); err != nil {
		panic(fmt.Errorf("ensure crashlog dir exists: %w", err))
	}

	crashlogBytes := bytes.NewBufferString(fmt.Sprintf(crashMessage, now.Format(crashlogTimestampFormat), r, d.crashState(), debug.Stack()))
	crashlogPath := filepath.Join(logDirectory, fmt.Sprintf(crashlogFilename, now.Format(crashlogTimestampFormat)))

	if err := os.WriteFile(crashlogPath, crashlogBytes.Bytes(), 0644); err != nil {
		panic(fmt.Errorf("can't even write the crashlog file contents: %w", err))
	}

	d.logger.Errorw("Encountered and logged panic, crashing",
		"crashlogPath", crashlogPath,
		"graph", d.crashState(),
		"error", r)

	d.notifier.Notify("Unexpected crash occurred...",
		fmt.Sprintf("More details in %s", crashlogPath))

	d.logger.Errorw("Quitting", "exitCode", 1)
	_ = d.logger.Sync()
	os.Exit(1)
}

// crashState describes how far the graph got, for crash reports.
func (d *Daemon) crashState() string {
	if d.conn == nil || d.registry == nil || d.defaults == nil {
		return "not connected"
	}

	peak := "off"
	if d.peaks != nil {
		peak = d.peaks.State().String()
	}

	return fmt.Sprintf("connected=%t registry=%s nodes=%d devices=%d links=%d linkGroups=%d defaultSink=%q peak=%s",
		d.conn.IsValid(),
		d.registry.State(),
		len(d.registry.Nodes()),
		len(d.registry.Devices()),
		len(d.registry.Links()),
		len(d.registry.LinkGroups()),
		d.defaults.SinkName(),
		peak)
}
