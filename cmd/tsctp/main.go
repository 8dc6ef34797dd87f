// Command tsctp is a throughput test client/server for the socketapi
// wrapper, reproducing tsctp.c: with no positional host argument it
// listens and, for each accepted connection, prints the first message's
// length, the elapsed seconds and the throughput; with one argument it
// connects and streams messages, timing the run.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dreibh/socketapi/address"
	"github.com/dreibh/socketapi/assoc"
	"github.com/dreibh/socketapi/bsdapi"
	"github.com/dreibh/socketapi/engine"
	"github.com/dreibh/socketapi/master"
	"github.com/dreibh/socketapi/notifyqueue"
	"github.com/dreibh/socketapi/syncutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

const (
	defaultLength   = 1024
	defaultMessages = 1024
	defaultPort     = 5001
)

func main() {
	var (
		localAddress = pflag.StringP("local-address", "L", "", "local address to bind")
		port         = pflag.Uint16P("port", "p", defaultPort, "local port (server) or remote port (client)")
		length       = pflag.IntP("length", "l", defaultLength, "size of each message sent by the client; ignored by the server")
		messages     = pflag.Uint64P("messages", "n", defaultMessages, "number of messages to send (0 means infinite); ignored by the server")
		nodelay      = pflag.BoolP("nodelay", "D", false, "disable Nagle-style coalescing (SCTP_NODELAY)")
		verbose      = pflag.BoolP("verbose", "v", false, "verbose")
		veryVerbose  = pflag.BoolP("very-verbose", "V", false, "very verbose (implies verbose)")
		sctp6        = pflag.Bool("sctp6", false, "bind/connect over AF_INET6 instead of AF_INET")
		events       = pflag.String("events", "", "hex SCTP_EVENTS bitmask to subscribe to on every association")
	)
	pflag.Parse()

	log := newLogger(*verbose, *veryVerbose)

	eventMask, err := parseEventMask(*events)
	if err != nil {
		log.WithError(err).Fatal("invalid --events value")
	}

	var mu syncutil.RecursiveMutex
	eng := engine.NewKernelEngine(log)
	mst := master.New(&mu, eng, log)
	sh := bsdapi.New(&mu, eng, mst, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- mst.Run(ctx) }()
	defer mst.Stop()

	family := unix.AF_INET
	if *sctp6 {
		family = unix.AF_INET6
	}

	var localIP net.IP
	if *localAddress != "" {
		localIP = net.ParseIP(*localAddress)
		if localIP == nil {
			log.Fatalf("not a valid address: %s", *localAddress)
		}
	}

	remoteHost := ""
	if pflag.NArg() > 0 {
		remoteHost = pflag.Arg(0)
	}

	fd, err := sh.Socket(family, unix.SOCK_STREAM, false, false)
	if err != nil {
		log.WithError(err).Fatal("socket")
	}

	if remoteHost == "" {
		runServer(sh, fd, localIP, uint16(*port), *verbose, eventMask)
	} else {
		runClient(sh, fd, localIP, remoteHost, uint16(*port), *length, *messages, *nodelay, *verbose, *veryVerbose, eventMask)
	}

	select {
	case err := <-runErr:
		if err != nil && err != context.Canceled {
			log.WithError(err).Warn("engine loop exited")
		}
	default:
	}
}

func newLogger(verbose, veryVerbose bool) *logrus.Entry {
	level := logrus.WarnLevel
	if lvl, err := logrus.ParseLevel(os.Getenv("SCTP_SOCKETAPI_LOGLEVEL")); err == nil {
		level = lvl
	}
	if veryVerbose {
		level = logrus.DebugLevel
	} else if verbose && level > logrus.InfoLevel {
		level = logrus.InfoLevel
	}
	base := logrus.New()
	base.SetLevel(level)
	return logrus.NewEntry(base)
}

func parseEventMask(s string) (notifyqueue.EventMask, error) {
	if s == "" {
		return notifyqueue.EventDataIO | notifyqueue.EventAssociation, nil
	}
	var mask uint32
	if _, err := fmt.Sscanf(s, "%x", &mask); err != nil {
		return 0, err
	}
	return notifyqueue.EventMask(mask), nil
}

func runServer(sh *bsdapi.Shim, fd int, localIP net.IP, port uint16, verbose bool, eventMask notifyqueue.EventMask) {
	addrs := address.List{address.NewInternet(localIP, port)}
	if err := sh.Bind(fd, port, 1, 1, addrs); err != nil {
		logFatal("bind", err)
	}
	if err := sh.Listen(fd, 1); err != nil {
		logFatal("listen", err)
	}

	var wg sync.WaitGroup
	for {
		cfd, peer, err := sh.Accept(fd, true)
		if err != nil {
			logFatal("accept", err)
		}
		if verbose {
			fmt.Printf("Connection accepted from %s\n", peer.Strings())
		}
		_ = sh.SetSockOpt(cfd, bsdapi.SolSCTP, bsdapi.OptEvents, eventMask)
		wg.Add(1)
		go func(cfd int) {
			defer wg.Done()
			handleConnection(sh, cfd)
		}(cfd)
	}
}

// handleConnection drains a connection and, once the peer shuts down,
// prints the first message's length, the elapsed seconds and the
// throughput in KB/s, mirroring tsctp.c's handle_connection thread.
func handleConnection(sh *bsdapi.Shim, fd int) {
	buf := make([]byte, 1<<16)
	start := time.Now()
	var sum uint64
	var messageLength int
	n, err := sh.Recv(fd, buf, false)
	if n > 0 {
		messageLength = n
	}
	for err == nil && n > 0 {
		sum += uint64(n)
		n, err = sh.Recv(fd, buf, false)
	}
	elapsed := time.Since(start).Seconds()
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(sum) / elapsed / 1024.0
	}
	fmt.Printf("%d, %f, %f\n", messageLength, elapsed, throughput)
	if cerr := sh.Close(fd); cerr != nil {
		logrus.WithError(cerr).Debug("close connection handler fd")
	}
}

func runClient(sh *bsdapi.Shim, fd int, localIP net.IP, remoteHost string, port uint16, length int, messages uint64, nodelay, verbose, veryVerbose bool, eventMask notifyqueue.EventMask) {
	local := address.List{address.NewInternet(localIP, 0)}
	if err := sh.Bind(fd, 0, 1, 1, local); err != nil {
		logFatal("bind", err)
	}

	remoteIP := net.ParseIP(remoteHost)
	if remoteIP == nil {
		ips, err := net.LookupIP(remoteHost)
		if err != nil || len(ips) == 0 {
			logrus.Fatalf("cannot resolve %s", remoteHost)
		}
		remoteIP = ips[0]
	}
	dest := address.NewInternet(remoteIP, port)

	if err := sh.Connect(fd, dest); err != nil {
		logFatal("connect", err)
	}
	if err := sh.SetSockOpt(fd, bsdapi.SolSCTP, bsdapi.OptEvents, eventMask); err != nil {
		logrus.WithError(err).Debug("setsockopt events")
	}
	if nodelay {
		if err := sh.SetSockOpt(fd, bsdapi.SolSCTP, bsdapi.OptNoDelay, true); err != nil {
			logrus.WithError(err).Debug("setsockopt nodelay")
		}
	}

	buffer := make([]byte, length)
	if verbose {
		fmt.Printf("Start sending %d messages...", messages)
	}

	start := time.Now()
	var i uint64
	for messages == 0 || i < messages {
		i++
		if veryVerbose {
			fmt.Printf("Sending message number %d.\n", i)
		}
		if _, err := sh.Send(fd, buffer, assoc.SendOptions{UseDefaults: true}); err != nil {
			logFatal("send", err)
		}
	}
	if verbose {
		fmt.Println("done.")
	}

	linger := struct{ OnOff, Seconds int }{OnOff: 1, Seconds: 1}
	if err := sh.SetSockOpt(fd, bsdapi.SolSocket, bsdapi.OptLinger, linger); err != nil {
		logrus.WithError(err).Debug("setsockopt linger")
	}
	if err := sh.Close(fd); err != nil {
		logFatal("close", err)
	}

	seconds := time.Since(start).Seconds()
	fmt.Printf("Sending of %d messages of length %d took %f seconds.\n", messages, length, seconds)
	throughput := float64(messages) * float64(length) / seconds / 1024.0
	fmt.Printf("Throughput was %f KB/sec.\n", throughput)
}

func logFatal(op string, err error) {
	logrus.WithError(err).Fatal(op)
}
