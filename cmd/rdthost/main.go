// rdthost runs one endpoint of the message protocols (rdt2.0/2.1/3.0,
// Go-Back-N, Selective Repeat) over UDP, optionally behind a simulated
// unreliable channel loaded from a YAML profile.
package main

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/akamensky/argparse"

	"rdt-tcp-pa/channel"
	"rdt-tcp-pa/gbn"
	"rdt-tcp-pa/logger"
	"rdt-tcp-pa/rdt"
	"rdt-tcp-pa/sr"
	"rdt-tcp-pa/stats"
)

type msgSender interface {
	Send([]byte) error
	Close() error
	Stats() *stats.Table
}

type msgReceiver interface {
	Recv() ([]byte, error)
	Close() error
	Stats() *stats.Table
}

func main() {
	parser := argparse.NewParser("rdthost", "reliable data transfer endpoint over UDP")
	role := parser.Selector("r", "role", []string{"sender", "receiver"},
		&argparse.Options{Required: true, Help: "endpoint role"})
	proto := parser.Selector("p", "protocol", []string{"rdt20", "rdt21", "rdt30", "gbn", "sr"},
		&argparse.Options{Default: "rdt30", Help: "protocol variant"})
	bind := parser.String("b", "bind",
		&argparse.Options{Default: "0.0.0.0:0", Help: "local addr:port"})
	dest := parser.String("d", "dest",
		&argparse.Options{Help: "destination addr:port (sender only)"})
	window := parser.Int("w", "window",
		&argparse.Options{Default: 0, Help: "window size (gbn/sr)"})
	seqBits := parser.Int("k", "seqbits",
		&argparse.Options{Default: 0, Help: "sequence number bits (gbn/sr)"})
	timeoutMS := parser.Int("t", "timeout",
		&argparse.Options{Default: 2000, Help: "retransmission timeout, ms"})
	count := parser.Int("n", "count",
		&argparse.Options{Default: 10, Help: "messages to send"})
	simPath := parser.String("s", "sim",
		&argparse.Options{Help: "YAML impairment profile for the channel"})
	verbose := parser.Flag("v", "verbose", &argparse.Options{Help: "debug logging"})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Fprint(os.Stderr, parser.Usage(err))
		os.Exit(2)
	}
	logger.Configure(*verbose)

	local, err := netip.ParseAddrPort(*bind)
	if err != nil {
		fail("invalid bind address: %v", err)
	}
	var ch channel.Channel
	ch, err = channel.ListenUDP(local)
	if err != nil {
		fail("%v", err)
	}
	if *simPath != "" {
		cfg, cerr := channel.LoadSimConfig(*simPath)
		if cerr != nil {
			fail("%v", cerr)
		}
		ch, err = channel.NewSimulator(ch, cfg)
		if err != nil {
			fail("%v", err)
		}
	}
	timeout := time.Duration(*timeoutMS) * time.Millisecond

	if *role == "sender" {
		to, perr := netip.ParseAddrPort(*dest)
		if perr != nil {
			fail("sender needs --dest addr:port: %v", perr)
		}
		s, serr := buildSender(*proto, ch, to, *window, *seqBits, timeout)
		if serr != nil {
			fail("%v", serr)
		}
		runSender(s, *count)
		return
	}

	r, rerr := buildReceiver(*proto, ch, *window, *seqBits, timeout)
	if rerr != nil {
		fail("%v", rerr)
	}
	runReceiver(r)
}

func buildSender(proto string, ch channel.Channel, to netip.AddrPort, window, seqBits int, timeout time.Duration) (msgSender, error) {
	switch proto {
	case "rdt20":
		return rdt.NewSender20(ch, to, rdt.Config{Timeout: timeout}), nil
	case "rdt21":
		return rdt.NewSender21(ch, to, rdt.Config{Timeout: timeout}), nil
	case "rdt30":
		return rdt.NewSender30(ch, to, rdt.Config{Timeout: timeout}), nil
	case "gbn":
		return gbn.NewSender(ch, to, gbn.Config{Window: window, SeqBits: uint8(seqBits), Timeout: timeout})
	case "sr":
		return sr.NewSender(ch, to, sr.Config{Window: window, SeqBits: uint8(seqBits), Timeout: timeout})
	}
	return nil, fmt.Errorf("unknown protocol %q", proto)
}

func buildReceiver(proto string, ch channel.Channel, window, seqBits int, timeout time.Duration) (msgReceiver, error) {
	switch proto {
	case "rdt20":
		return rdt.NewReceiver20(ch, rdt.Config{Timeout: timeout}), nil
	case "rdt21":
		return rdt.NewReceiver21(ch, rdt.Config{Timeout: timeout}), nil
	case "rdt30":
		return rdt.NewReceiver30(ch, rdt.Config{Timeout: timeout}), nil
	case "gbn":
		return gbn.NewReceiver(ch, gbn.Config{Window: window, SeqBits: uint8(seqBits), Timeout: timeout})
	case "sr":
		return sr.NewReceiver(ch, sr.Config{Window: window, SeqBits: uint8(seqBits), Timeout: timeout})
	}
	return nil, fmt.Errorf("unknown protocol %q", proto)
}

func runSender(s msgSender, count int) {
	for i := 0; i < count; i++ {
		msg := fmt.Sprintf("m%d", i)
		if err := s.Send([]byte(msg)); err != nil {
			fail("send %q: %v", msg, err)
		}
		fmt.Printf("sent %q\n", msg)
	}
	if err := s.Close(); err != nil {
		fail("close: %v", err)
	}
	dump, _ := s.Stats().Dump()
	fmt.Println(string(dump))
}

func runReceiver(r msgReceiver) {
	for {
		msg, err := r.Recv()
		if err != nil {
			fmt.Println(r.Stats().String())
			return
		}
		fmt.Printf("delivered %q\n", string(msg))
	}
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
