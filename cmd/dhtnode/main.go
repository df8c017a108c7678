// Runs a standalone DHT node on one or more local UDP endpoints. It can
// announce a swarm name, look one up and print the discovered peers, or just
// sit as a passive DHT participant.
//
// A builtin web server serves debugging stats on
// http://localhost:8711/debug/vars and accepts out-of-band peer
// registrations on POST /update.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"swarmcache/mainline"
	"swarmcache/node"
	"swarmcache/nodeid"
)

func main() {
	var (
		listen   = flag.String("listen", "0.0.0.0:0", "Comma separated local UDP endpoints to bind. Port 0 picks a random port.")
		debug    = flag.String("debugAddr", "localhost:8711", "Address of the builtin debug/registration web server. Empty disables it.")
		announce = flag.String("announce", "", "Swarm name to announce on, then keep running (re-announced periodically).")
		lookup   = flag.String("lookup", "", "Swarm name to look up; discovered peers are printed to stdout.")
		port     = flag.Int("announcePort", 0, "TCP port to announce; 0 announces the sender's UDP port (implied_port).")
	)
	node.RegisterFlags(nil)
	flag.Parse()

	cfg := node.DefaultConfig
	d := mainline.New(mainline.Config{
		BootstrapAddr:    cfg.BootstrapAddr,
		QueryTimeout:     cfg.QueryTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		WriteRetries:     cfg.WriteRetries,
		BootstrapTimeout: cfg.BootstrapTimeout,
	})
	defer d.Close()

	if *debug != "" {
		http.Handle("/update", node.NewRegistrationServer(d, nil))
		go http.ListenAndServe(*debug, nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.SetEndpoints(ctx, strings.Split(*listen, ",")); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap error: %v\n", err)
		os.Exit(1)
	}
	for _, ep := range d.LocalEndpoints() {
		fmt.Printf("listening on %v\n", ep)
	}
	for _, wan := range d.WanEndpoints() {
		fmt.Printf("observed WAN address %v\n", wan)
	}

	if *lookup != "" {
		infohash := nodeid.HashInfoHash(*lookup)
		peers, err := d.TrackerGetPeers(ctx, infohash)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lookup %q (%v): %v\n", *lookup, infohash, err)
			os.Exit(1)
		}
		for _, p := range peers {
			fmt.Printf("%v\n", p)
		}
		return
	}

	if *announce != "" {
		infohash := nodeid.HashInfoHash(*announce)
		if err := d.TrackerAnnounceStart(ctx, infohash, *port); err != nil {
			fmt.Fprintf(os.Stderr, "announce %q (%v): %v\n", *announce, infohash, err)
			os.Exit(1)
		}
		fmt.Printf("announced %v\n", infohash)
	}

	<-ctx.Done()
}
