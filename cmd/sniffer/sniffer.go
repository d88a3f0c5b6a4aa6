package main

import (
	"bufio"
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"

	"github.com/dcrodman/chessd/internal/core/debug"
	"github.com/dcrodman/chessd/internal/protocol"
)

type sniffer struct {
	Writer        *bufio.Writer
	ServerPort    uint16
	MaxBufferSize int
	Tracer        *debug.MessageTracer

	// One decoder per direction of each connection.
	decoders map[string]*protocol.Decoder
}

func (s *sniffer) startReading(packetChan chan gopacket.Packet) {
	s.decoders = make(map[string]*protocol.Decoder)

	for packet := range packetChan {
		if packet.NetworkLayer() == nil || packet.TransportLayer() == nil || packet.ApplicationLayer() == nil {
			continue
		}
		netFlow := packet.NetworkLayer().NetworkFlow()
		flow := packet.TransportLayer().TransportFlow()
		srcPort := binary.BigEndian.Uint16(flow.Src().Raw())
		dstPort := binary.BigEndian.Uint16(flow.Dst().Raw())

		key := fmt.Sprintf("%v:%d->%v:%d", netFlow.Src(), srcPort, netFlow.Dst(), dstPort)
		s.handlePayload(key, dstPort == s.ServerPort, packet.ApplicationLayer().Payload())
	}
}

// handlePayload feeds the next segment of one direction of a connection to its
// decoder and prints whatever messages it completes.
func (s *sniffer) handlePayload(key string, fromClient bool, data []byte) {
	decoder, ok := s.decoders[key]
	if !ok {
		decoder = protocol.NewDecoder(s.MaxBufferSize)
		s.decoders[key] = decoder
	}

	msgs, err := decoder.Feed(data)
	if err != nil {
		fmt.Fprintf(s.Writer, "[%s] dropped data: %v\n", key, err)
	}

	direction := "server->client"
	if fromClient {
		direction = "client->server"
	}
	for _, m := range msgs {
		fmt.Fprintf(s.Writer, "[%s] %s %s\n%s\n", key, direction, m.Type(), s.Tracer.Format(m))
	}
	_ = s.Writer.Flush()
}
