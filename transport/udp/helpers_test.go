package udp

import "github.com/suvijya/sonicnet/packet"

func newTestPacket() *packet.Packet {
	return packet.New("A", "help", packet.TypeSOS, packet.UrgencyHigh)
}
