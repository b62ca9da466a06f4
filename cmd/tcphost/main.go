// tcphost exposes the simplified TCP stack through a small REPL:
//
//	a               accept connections (socket printed as they arrive)
//	c <ip> <port>   connect to a peer
//	s <id> <text>   send bytes on a socket
//	r <id> <n>      read up to n bytes from a socket
//	sf <path> <id>  send a file over a socket
//	rf <path> <id>  receive a stream into a file until EOF
//	ls              list sockets
//	cl <id>         close a socket
//	st              dump stack counters
//	q               quit
package main

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/akamensky/argparse"

	"rdt-tcp-pa/channel"
	"rdt-tcp-pa/logger"
	"rdt-tcp-pa/tcp"
)

func main() {
	parser := argparse.NewParser("tcphost", "simplified TCP over UDP host")
	bind := parser.String("b", "bind",
		&argparse.Options{Default: "0.0.0.0:0", Help: "local addr:port"})
	simPath := parser.String("s", "sim",
		&argparse.Options{Help: "YAML impairment profile for the channel"})
	mss := parser.Int("m", "mss",
		&argparse.Options{Default: 0, Help: "maximum segment size"})
	verbose := parser.Flag("v", "verbose", &argparse.Options{Help: "debug logging"})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Fprint(os.Stderr, parser.Usage(err))
		os.Exit(2)
	}
	logger.Configure(*verbose)

	local, err := netip.ParseAddrPort(*bind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid bind address: %v\n", err)
		os.Exit(1)
	}
	var ch channel.Channel
	ch, err = channel.ListenUDP(local)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *simPath != "" {
		cfg, cerr := channel.LoadSimConfig(*simPath)
		if cerr != nil {
			fmt.Fprintln(os.Stderr, cerr)
			os.Exit(1)
		}
		ch, _ = channel.NewSimulator(ch, cfg)
	}

	stack := tcp.NewStack(ch, tcp.Config{MSS: *mss})
	fmt.Printf("listening on %s\n", ch.LocalAddr())

	sockets := make(map[uint16]*tcp.Conn)
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Enter command:")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "a":
			lst, lerr := stack.Listen()
			if lerr != nil {
				fmt.Println(lerr)
				continue
			}
			go func() {
				for {
					conn, aerr := lst.Accept()
					if aerr != nil {
						return
					}
					sockets[conn.ID()] = conn
					fmt.Printf("accepted socket %d from %s\n", conn.ID(), conn.RemoteAddr())
				}
			}()
			fmt.Println("listening for connections")
		case "c":
			if len(fields) != 3 {
				fmt.Println("usage: c <ip> <port>")
				continue
			}
			remote, perr := netip.ParseAddrPort(fields[1] + ":" + fields[2])
			if perr != nil {
				fmt.Println(perr)
				continue
			}
			conn, cerr := stack.Connect(remote)
			if cerr != nil {
				fmt.Println(cerr)
				continue
			}
			sockets[conn.ID()] = conn
			fmt.Printf("socket %d connected to %s\n", conn.ID(), remote)
		case "s":
			if len(fields) < 3 {
				fmt.Println("usage: s <id> <text>")
				continue
			}
			conn := lookup(sockets, fields[1])
			if conn == nil {
				continue
			}
			n, serr := conn.Send([]byte(strings.Join(fields[2:], " ")))
			if serr != nil {
				fmt.Println(serr)
				continue
			}
			fmt.Printf("sent %d bytes\n", n)
		case "r":
			if len(fields) != 3 {
				fmt.Println("usage: r <id> <n>")
				continue
			}
			conn := lookup(sockets, fields[1])
			if conn == nil {
				continue
			}
			max, _ := strconv.Atoi(fields[2])
			data, rerr := conn.Recv(max)
			if rerr != nil {
				fmt.Println(rerr)
				continue
			}
			fmt.Printf("read %d bytes: %s\n", len(data), string(data))
		case "sf":
			if len(fields) != 3 {
				fmt.Println("usage: sf <path> <id>")
				continue
			}
			conn := lookup(sockets, fields[2])
			if conn == nil {
				continue
			}
			go func() {
				n, ferr := conn.SendFile(fields[1])
				if ferr != nil {
					fmt.Println(ferr)
					return
				}
				conn.Close()
				fmt.Printf("sent file, %d bytes\n", n)
			}()
		case "rf":
			if len(fields) != 3 {
				fmt.Println("usage: rf <path> <id>")
				continue
			}
			conn := lookup(sockets, fields[2])
			if conn == nil {
				continue
			}
			go func() {
				n, ferr := conn.RecvFile(fields[1])
				if ferr != nil {
					fmt.Println(ferr)
					return
				}
				fmt.Printf("received file, %d bytes\n", n)
			}()
		case "ls":
			fmt.Println("SID  LAddr                RAddr                Status")
			for _, info := range stack.Sockets() {
				fmt.Printf("%-4d %-20s %-20s %s\n", info.ID, info.Local, info.Remote, info.State)
			}
		case "cl":
			if len(fields) != 2 {
				fmt.Println("usage: cl <id>")
				continue
			}
			conn := lookup(sockets, fields[1])
			if conn == nil {
				continue
			}
			if cerr := conn.Close(); cerr != nil {
				fmt.Println(cerr)
			}
		case "st":
			dump, _ := stack.Stats().Dump()
			fmt.Println(string(dump))
		case "q":
			stack.Close()
			return
		default:
			fmt.Println("Invalid command.")
		}
	}
}

func lookup(sockets map[uint16]*tcp.Conn, idField string) *tcp.Conn {
	id, err := strconv.Atoi(idField)
	if err != nil {
		fmt.Println("bad socket id")
		return nil
	}
	conn, ok := sockets[uint16(id)]
	if !ok {
		fmt.Println("Error: socket not found")
		return nil
	}
	return conn
}
