package graph

import (
	"math"
	"slices"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/signal"
	"github.com/MixyLabs/pwgraph/pkg/pwgraph/spa"
)

// NodeAudio is the volume state of an audio node. Its fields are only
// populated while the node is bound. Volumes are on the perceptual scale.
type NodeAudio struct {
	node *Node

	channels []spa.AudioChannel
	volumes  []float32
	muted    bool

	ChannelsChanged signal.Notifier
	VolumesChanged  signal.Notifier
	MutedChanged    signal.Notifier
}

func newNodeAudio(node *Node) *NodeAudio {
	return &NodeAudio{node: node}
}

// Channels returns the channel positions, parallel to Volumes.
func (a *NodeAudio) Channels() []spa.AudioChannel {
	return a.channels
}

// Volumes returns the per-channel volumes.
func (a *NodeAudio) Volumes() []float32 {
	return a.volumes
}

// Muted reports whether the node is muted.
func (a *NodeAudio) Muted() bool {
	return a.muted
}

// AverageVolume returns the mean of the channel volumes.
func (a *NodeAudio) AverageVolume() float32 {
	if len(a.volumes) == 0 {
		return 0
	}

	var sum float32
	for _, v := range a.volumes {
		sum += v
	}

	return sum / float32(len(a.volumes))
}

// LinearToPerceptual maps a linear gain onto the cube root curve.
func LinearToPerceptual(v float32) float32 {
	return float32(math.Cbrt(float64(v)))
}

// PerceptualToLinear is the inverse of LinearToPerceptual.
func PerceptualToLinear(v float32) float32 {
	return v * v * v
}

// applyProps updates state from a Props object. Volumes and channels are
// applied together or not at all; mute is independent.
func (a *NodeAudio) applyProps(props *spa.Object) {
	logger := a.node.logger

	if pod, ok := props.Find(spa.PropMute); ok {
		if muted, err := pod.GetBool(); err != nil {
			logger.Warnw("Ignoring malformed mute property", "error", err)
		} else if muted != a.muted {
			a.muted = muted
			signal.Notify(&a.MutedChanged)
		}
	}

	volumePod, hasVolumes := props.Find(spa.PropChannelVolumes)
	if !hasVolumes {
		return
	}

	volumes, err := floatArray(volumePod)
	if err != nil {
		logger.Warnw("Ignoring malformed channel volumes", "error", err)
		return
	}

	channels := a.channels
	if mapPod, ok := props.Find(spa.PropChannelMap); ok {
		ids, err := idArray(mapPod)
		if err != nil {
			logger.Warnw("Ignoring malformed channel map", "error", err)
			return
		}

		channels = make([]spa.AudioChannel, len(ids))
		for i, id := range ids {
			channels[i] = spa.AudioChannel(id)
		}
	}

	if len(volumes) != len(channels) {
		logger.Warnw("Dropping volume update with mismatched channel count",
			"volumes", len(volumes), "channels", len(channels))
		return
	}

	for i, v := range volumes {
		volumes[i] = LinearToPerceptual(v)
	}

	if !slices.Equal(channels, a.channels) {
		a.channels = channels
		signal.Notify(&a.ChannelsChanged)
	}

	if !slices.Equal(volumes, a.volumes) {
		a.volumes = volumes
		signal.Notify(&a.VolumesChanged)
	}
}

func floatArray(pod spa.Pod) ([]float32, error) {
	arr, err := pod.Unwrap().Array()
	if err != nil {
		return nil, err
	}

	return arr.Floats()
}

func idArray(pod spa.Pod) ([]uint32, error) {
	arr, err := pod.Unwrap().Array()
	if err != nil {
		return nil, err
	}

	return arr.IDs()
}

func (a *NodeAudio) clear() {
	if a.channels != nil {
		a.channels = nil
		signal.Notify(&a.ChannelsChanged)
	}

	if a.volumes != nil {
		a.volumes = nil
		signal.Notify(&a.VolumesChanged)
	}

	if a.muted {
		a.muted = false
		signal.Notify(&a.MutedChanged)
	}
}

// SetVolumes writes one perceptual volume per channel. The cache is updated
// right away; the server echo, if any, arrives later.
func (a *NodeAudio) SetVolumes(volumes []float32) {
	node := a.node

	if !node.Bound() {
		node.logger.Warn("Cannot set volumes of an unbound node")
		return
	}

	if len(volumes) != len(a.channels) {
		node.logger.Warnw("Refusing volume write with wrong channel count",
			"volumes", len(volumes), "channels", len(a.channels))
		return
	}

	if device := node.Device(); device != nil {
		if !device.SetVolumes(node.routeDevice, volumes) {
			return
		}
	} else {
		linear := make([]float32, len(volumes))
		for i, v := range volumes {
			linear[i] = PerceptualToLinear(v)
		}

		err := node.setProps(func(b *spa.Builder) {
			b.Prop(spa.PropChannelVolumes, 0)
			b.FloatArray(linear)
		})
		if err != nil {
			node.logger.Warnw("Failed to write node volumes", "error", err)
			return
		}
	}

	a.volumes = slices.Clone(volumes)
	signal.Notify(&a.VolumesChanged)
}

// SetMuted writes the mute flag, updating the cache right away.
func (a *NodeAudio) SetMuted(muted bool) {
	node := a.node

	if !node.Bound() {
		node.logger.Warn("Cannot set mute of an unbound node")
		return
	}

	if device := node.Device(); device != nil {
		if !device.SetMuted(node.routeDevice, muted) {
			return
		}
	} else {
		err := node.setProps(func(b *spa.Builder) {
			b.Prop(spa.PropMute, 0)
			b.Bool(muted)
		})
		if err != nil {
			node.logger.Warnw("Failed to write node mute", "error", err)
			return
		}
	}

	if a.muted != muted {
		a.muted = muted
		signal.Notify(&a.MutedChanged)
	}
}

// SetAverageVolume scales every channel so the average becomes volume. When
// the average is zero all channels are set to volume.
func (a *NodeAudio) SetAverageVolume(volume float32) {
	current := a.AverageVolume()

	volumes := make([]float32, len(a.volumes))
	for i, v := range a.volumes {
		if current == 0 {
			volumes[i] = volume
		} else {
			volumes[i] = v * volume / current
		}
	}

	a.SetVolumes(volumes)
}
