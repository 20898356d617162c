// Package pktdump records every query datagram to a pcap file. Packets are
// rebuilt as raw IP frames from the socket addresses, so the capture opens
// in any pcap reader without privileges on the querying host.
package pktdump

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rs/zerolog/log"
	"github.com/woozymasta/gsq/internal/query"
)

const snapLen = 65536

type flow struct {
	src, dst netip.AddrPort
}

// Writer implements query.Tap.
type Writer struct {
	out   io.WriteCloser
	pcap  *pcapgo.Writer
	buf   gopacket.SerializeBuffer
	now   func() time.Time
	seq   map[flow]uint32
	opts  gopacket.SerializeOptions
	count int
}

// Create opens path for writing and writes the pcap file header.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// NewWriter writes a pcap stream to out.
func NewWriter(out io.WriteCloser) (*Writer, error) {
	pw := pcapgo.NewWriterNanos(out)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}

	return &Writer{
		out:  out,
		pcap: pw,
		buf:  gopacket.NewSerializeBuffer(),
		now:  time.Now,
		seq:  make(map[flow]uint32),
		opts: gopacket.SerializeOptions{
			ComputeChecksums: true,
			FixLengths:       true,
		},
	}, nil
}

// Sent implements query.Tap.
func (w *Writer) Sent(t *query.Target, local netip.AddrPort, b []byte) {
	w.write(t, local, t.Addr, b)
}

// Received implements query.Tap.
func (w *Writer) Received(t *query.Target, local netip.AddrPort, b []byte) {
	w.write(t, t.Addr, local, b)
}

// Count returns the number of packets written.
func (w *Writer) Count() int {
	return w.count
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	return w.out.Close()
}

func (w *Writer) write(t *query.Target, src, dst netip.AddrPort, payload []byte) {
	if !src.IsValid() || !dst.IsValid() {
		return
	}
	data, err := w.build(t.Protocol.Flags.Has(query.FlagTCP), src, dst, payload)
	if err != nil {
		log.Debug().Err(err).Str("target", t.String()).Msg("Skipping packet capture")
		return
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     w.now(),
		CaptureLength: len(data),
		Length:        len(data),
	}
	if err := w.pcap.WritePacket(ci, data); err != nil {
		log.Warn().Err(err).Msg("Failed to write packet capture")
		return
	}
	w.count++
}

func (w *Writer) build(stream bool, src, dst netip.AddrPort, payload []byte) ([]byte, error) {
	if err := w.buf.Clear(); err != nil {
		return nil, err
	}

	var network gopacket.NetworkLayer
	var ip gopacket.SerializableLayer
	proto := layers.IPProtocolUDP
	if stream {
		proto = layers.IPProtocolTCP
	}

	srcIP, dstIP := src.Addr().Unmap(), dst.Addr().Unmap()
	if srcIP.Is4() != dstIP.Is4() {
		return nil, fmt.Errorf("mixed address families %s -> %s", src, dst)
	}
	if srcIP.Is4() {
		ip4 := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: proto,
			SrcIP:    net.IP(srcIP.AsSlice()),
			DstIP:    net.IP(dstIP.AsSlice()),
		}
		network, ip = ip4, ip4
	} else {
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: proto,
			SrcIP:      net.IP(srcIP.AsSlice()),
			DstIP:      net.IP(dstIP.AsSlice()),
		}
		network, ip = ip6, ip6
	}

	var transport interface {
		gopacket.SerializableLayer
		SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
	}
	if stream {
		f := flow{src: src, dst: dst}
		seq := w.seq[f]
		w.seq[f] = seq + uint32(len(payload))
		transport = &layers.TCP{
			SrcPort: layers.TCPPort(src.Port()),
			DstPort: layers.TCPPort(dst.Port()),
			Seq:     seq,
			PSH:     true,
			ACK:     true,
			Window:  65535,
		}
	} else {
		transport = &layers.UDP{
			SrcPort: layers.UDPPort(src.Port()),
			DstPort: layers.UDPPort(dst.Port()),
		}
	}
	if err := transport.SetNetworkLayerForChecksum(network); err != nil {
		return nil, err
	}

	if err := gopacket.SerializeLayers(w.buf, w.opts, ip, transport, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}
