package sample

// Position is the speaker position of one channel
type Position uint8

const (
	PositionMono Position = iota
	PositionLeft
	PositionRight
	PositionCenter
	PositionRearLeft
	PositionRearRight
	PositionLFE
	PositionAux0
	positionMax = PositionAux0 + ChannelsMax
)

// ChannelMap assigns a position to every channel
type ChannelMap struct {
	Channels uint8
	Map      [ChannelsMax]Position
}

// AutoChannelMap returns the default map for the given channel count
func AutoChannelMap(channels uint8) ChannelMap {
	m := ChannelMap{Channels: channels}
	switch channels {
	case 1:
		m.Map[0] = PositionMono
	case 2:
		m.Map[0], m.Map[1] = PositionLeft, PositionRight
	case 3:
		m.Map[0], m.Map[1], m.Map[2] = PositionLeft, PositionRight, PositionCenter
	case 4:
		m.Map[0], m.Map[1] = PositionLeft, PositionRight
		m.Map[2], m.Map[3] = PositionRearLeft, PositionRearRight
	case 5:
		m.Map[0], m.Map[1] = PositionLeft, PositionRight
		m.Map[2], m.Map[3] = PositionRearLeft, PositionRearRight
		m.Map[4] = PositionCenter
	case 6:
		m.Map[0], m.Map[1] = PositionLeft, PositionRight
		m.Map[2], m.Map[3] = PositionRearLeft, PositionRearRight
		m.Map[4], m.Map[5] = PositionCenter, PositionLFE
	default:
		for i := uint8(0); i < channels && i < ChannelsMax; i++ {
			m.Map[i] = PositionAux0 + Position(i)
		}
	}
	return m
}

// Valid reports whether every channel has a known position
func (m *ChannelMap) Valid() bool {
	if m == nil || m.Channels == 0 || m.Channels > ChannelsMax {
		return false
	}
	for i := uint8(0); i < m.Channels; i++ {
		if m.Map[i] >= positionMax {
			return false
		}
	}
	return true
}

// Volume is a per channel software volume
type Volume uint32

const (
	VolumeMuted Volume = 0
	VolumeNorm  Volume = 0x100
)

// CVolume is a volume for every channel of a stream
type CVolume struct {
	Channels uint8
	Values   [ChannelsMax]Volume
}

// ResetVolume returns a volume of VolumeNorm on the given number of channels
func ResetVolume(channels uint8) CVolume {
	v := CVolume{Channels: channels}
	for i := uint8(0); i < channels && i < ChannelsMax; i++ {
		v.Values[i] = VolumeNorm
	}
	return v
}

// Valid reports whether the channel count is usable
func (v *CVolume) Valid() bool {
	return v != nil && v.Channels > 0 && v.Channels <= ChannelsMax
}
