package graph

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/pw"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/signal"
)

// LinkState is the state of a link. Values are ordered from worst to best.
type LinkState int32

const (
	LinkError       LinkState = -2
	LinkUnlinked    LinkState = -1
	LinkInit        LinkState = 0
	LinkNegotiating LinkState = 1
	LinkAllocating  LinkState = 2
	LinkPaused      LinkState = 3
	LinkActive      LinkState = 4
)

func (s LinkState) String() string {
	switch s {
	case LinkError:
		return "Error"
	case LinkUnlinked:
		return "Unlinked"
	case LinkInit:
		return "Init"
	case LinkNegotiating:
		return "Negotiating"
	case LinkAllocating:
		return "Allocating"
	case LinkPaused:
		return "Paused"
	case LinkActive:
		return "Active"
	default:
		return fmt.Sprintf("LinkState(%d)", int32(s))
	}
}

// Link is one mono channel connection between two nodes.
type Link struct {
	bindable

	outputNode uint32
	inputNode  uint32
	state      LinkState

	StateChanged signal.Notifier
}

func newLink(registry *Registry, id, permissions uint32) *Link {
	l := &Link{state: LinkUnlinked}
	l.init(registry, l, registry.logger.Named("link"), id, permissions)

	return l
}

func (l *Link) initProps(props map[string]string) {
	l.outputNode, _ = parseUint32(props["link.output.node"])
	l.inputNode, _ = parseUint32(props["link.input.node"])
}

// OutputNode returns the id of the node the link reads from.
func (l *Link) OutputNode() uint32 {
	return l.outputNode
}

// InputNode returns the id of the node the link writes to.
func (l *Link) InputNode() uint32 {
	return l.inputNode
}

// State returns the last reported state. It is only live while bound.
func (l *Link) State() LinkState {
	return l.state
}

func (l *Link) bindProxy(bridge Bridge, id uint32) (pw.Proxy, error) {
	return bridge.BindLink(id, l)
}

func (l *Link) unbindHooks() {
	l.setState(LinkUnlinked)
}

func (l *Link) setState(state LinkState) {
	if state == l.state {
		return
	}

	l.state = state
	signal.Notify(&l.StateChanged)
}

// LinkInfo handles a link info event.
func (l *Link) LinkInfo(info *pw.LinkInfo) {
	if info.ChangeMask&pw.LinkChangeState != 0 {
		if info.Error != "" {
			l.logger.Warnw("Link reported an error", "state", LinkState(info.State), "error", info.Error)
		}

		l.setState(LinkState(info.State))
	}
}

// LinkGroup coalesces every link between the same pair of nodes. Its state
// mirrors a single tracked member while the group is referenced.
type LinkGroup struct {
	logger *zap.SugaredLogger

	outputNode uint32
	inputNode  uint32

	links []*Link

	refcount        int
	tracked         *Link
	disconnectState func()

	StateChanged signal.Notifier
	destroying   signal.Notifier
}

func newLinkGroup(logger *zap.SugaredLogger, link *Link) *LinkGroup {
	g := &LinkGroup{
		logger:     logger.Named("link_group").With("output", link.outputNode, "input", link.inputNode),
		outputNode: link.outputNode,
		inputNode:  link.inputNode,
	}
	g.addLink(link)

	return g
}

// OutputNode returns the id of the node the group reads from.
func (g *LinkGroup) OutputNode() uint32 {
	return g.outputNode
}

// InputNode returns the id of the node the group writes to.
func (g *LinkGroup) InputNode() uint32 {
	return g.inputNode
}

// Links returns the member links.
func (g *LinkGroup) Links() []*Link {
	return g.links
}

// State returns the tracked member's state, or LinkUnlinked while unreferenced.
func (g *LinkGroup) State() LinkState {
	if g.tracked == nil {
		return LinkUnlinked
	}

	return g.tracked.State()
}

func (g *LinkGroup) tryAddLink(link *Link) bool {
	if link.outputNode != g.outputNode || link.inputNode != g.inputNode {
		return false
	}

	g.addLink(link)

	return true
}

func (g *LinkGroup) addLink(link *Link) {
	g.links = append(g.links, link)
	link.OnDestroying(func() { g.onLinkDestroying(link) })
}

func (g *LinkGroup) onLinkDestroying(link *Link) {
	for i, other := range g.links {
		if other == link {
			g.links = append(g.links[:i], g.links[i+1:]...)
			break
		}
	}

	if g.tracked == link {
		// the link already dropped its own references
		g.disconnectState()
		g.disconnectState = nil
		g.tracked = nil

		if len(g.links) > 0 {
			g.track(g.links[0])
		}
	}

	if len(g.links) == 0 {
		g.logger.Debug("Last link of group removed")
		signal.Notify(&g.destroying)
	}
}

func (g *LinkGroup) track(link *Link) {
	g.tracked = link
	link.Ref()
	g.disconnectState = link.StateChanged.Connect(func(struct{}) {
		signal.Notify(&g.StateChanged)
	})

	signal.Notify(&g.StateChanged)
}

// Ref adds a reference, tracking a member link on the first one.
func (g *LinkGroup) Ref() {
	if len(g.links) == 0 {
		g.logger.DPanic("Ref called on a destroyed link group")
		return
	}

	g.refcount++
	if g.refcount == 1 {
		g.track(g.links[0])
	}
}

// Unref drops a reference, releasing the tracked link on the last one.
func (g *LinkGroup) Unref() {
	if g.refcount == 0 {
		g.logger.DPanic("Unref called on a link group with no references")
		return
	}

	g.refcount--
	if g.refcount > 0 || g.tracked == nil {
		return
	}

	link := g.tracked
	g.disconnectState()
	g.disconnectState = nil
	g.tracked = nil
	link.Unref()

	signal.Notify(&g.StateChanged)
}

// OnDestroying registers fn to run when the group loses its last link.
func (g *LinkGroup) OnDestroying(fn func()) (disconnect func()) {
	return g.destroying.Connect(func(struct{}) { fn() })
}
