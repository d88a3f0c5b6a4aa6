// The sniffer prints the chess protocol messages exchanged with a server,
// decoded from traffic captured on a network device.
package main

import (
	"bufio"
	"fmt"
	"math"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/dcrodman/chessd/internal/core/debug"
)

var (
	device     = flag.StringP("device", "d", "lo", "Device on which to listen for packets")
	serverPort = flag.IntP("port", "p", 5555, "Port the chess server listens on")
	maxBuffer  = flag.IntP("buffer", "b", 1000, "Bytes of an incomplete message held per direction")
)

func main() {
	flag.Parse()

	if getDeviceIP() == "" {
		exit("invalid device: %s", *device)
	}

	handle, err := pcap.OpenLive(*device, math.MaxInt32, false, pcap.BlockForever)
	if err != nil {
		exit("error opening handle: %v", err)
	}
	defer handle.Close()
	if err := handle.SetBPFFilter(fmt.Sprintf("tcp and port %d", *serverPort)); err != nil {
		exit("error setting filter: %v", err)
	}

	writer := bufio.NewWriter(os.Stdout)
	s := &sniffer{
		Writer:        writer,
		ServerPort:    uint16(*serverPort),
		MaxBufferSize: *maxBuffer,
		Tracer:        debug.NewMessageTracer(logrus.StandardLogger()),
	}

	fmt.Printf("listening for chess traffic on %s port %d\n", *device, *serverPort)
	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	s.startReading(packetSource.Packets())
}

func exit(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func getDeviceIP() string {
	devs, _ := pcap.FindAllDevs()
	for _, dev := range devs {
		if dev.Name == *device {
			for _, address := range dev.Addresses {
				return address.IP.String()
			}
		}
	}
	return ""
}
