package pulsecap

import (
	"github.com/jfreymuth/pulse/proto"

	"github.com/MixyLabs/pwgraph/pkg/pwgraph/spa"
)

// pulse channel positions
const (
	paMono byte = 0
	paFL   byte = 1
	paFR   byte = 2
	paFC   byte = 3
	paRC   byte = 4
	paRL   byte = 5
	paRR   byte = 6
	paLFE  byte = 7
	paFLC  byte = 8
	paFRC  byte = 9
	paSL   byte = 10
	paSR   byte = 11
	paAux0 byte = 12
	paTC   byte = 44
	paTFL  byte = 45
	paTFR  byte = 46
	paTFC  byte = 47
	paTRL  byte = 48
	paTRR  byte = 49
	paTRC  byte = 50

	paAuxCount = 32
)

var spaToPulse = map[spa.AudioChannel]byte{
	spa.ChannelMono: paMono,
	spa.ChannelFL:   paFL,
	spa.ChannelFR:   paFR,
	spa.ChannelFC:   paFC,
	spa.ChannelRC:   paRC,
	spa.ChannelRL:   paRL,
	spa.ChannelRR:   paRR,
	spa.ChannelLFE:  paLFE,
	spa.ChannelFLC:  paFLC,
	spa.ChannelFRC:  paFRC,
	spa.ChannelSL:   paSL,
	spa.ChannelSR:   paSR,
	spa.ChannelTC:   paTC,
	spa.ChannelTFL:  paTFL,
	spa.ChannelTFR:  paTFR,
	spa.ChannelTFC:  paTFC,
	spa.ChannelTRL:  paTRL,
	spa.ChannelTRR:  paTRR,
	spa.ChannelTRC:  paTRC,
}

var defaultChannels = []spa.AudioChannel{spa.ChannelFL, spa.ChannelFR}

// channelMap converts an SPA layout to a pulse channel map. The layout is
// unusable when it is empty, too wide, or has a position pulse cannot name.
func channelMap(channels []spa.AudioChannel) (proto.ChannelMap, bool) {
	if len(channels) == 0 || len(channels) > 32 {
		return nil, false
	}

	positions := make(proto.ChannelMap, len(channels))
	for i, ch := range channels {
		if pos, ok := spaToPulse[ch]; ok {
			positions[i] = pos
			continue
		}

		if ch >= spa.ChannelAux0 && ch < spa.ChannelAux0+paAuxCount {
			positions[i] = paAux0 + byte(ch-spa.ChannelAux0)
			continue
		}

		return nil, false
	}

	return positions, true
}

// captureLayout picks the layout to record with, falling back to stereo.
func captureLayout(channels []spa.AudioChannel) ([]spa.AudioChannel, proto.ChannelMap) {
	if positions, ok := channelMap(channels); ok {
		return channels, positions
	}

	positions, _ := channelMap(defaultChannels)

	return defaultChannels, positions
}
