package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/zsiec/hwdec/internal/client"
	"github.com/zsiec/hwdec/internal/dashboard"
	"github.com/zsiec/hwdec/internal/registry"
)

func main() {
	var (
		baseURL  string
		useHTTP3 bool
		insecure bool
		watch    bool
		interval time.Duration
	)

	flag.StringVar(&baseURL, "url", "http://localhost:8080", "Base URL of the hwdec instance")
	flag.BoolVar(&useHTTP3, "http3", false, "Use HTTP/3 (the URL must be https)")
	flag.BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification")
	flag.BoolVar(&watch, "watch", false, "Show the live dashboard")
	flag.DurationVar(&interval, "interval", time.Second, "Dashboard refresh interval")
	flag.Parse()

	c, err := client.New(baseURL, client.Options{HTTP3: useHTTP3, InsecureSkipVerify: insecure})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if watch {
		if err := dashboard.Run(ctx, c, interval); err != nil {
			fmt.Fprintf(os.Stderr, "dashboard: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := printStatus(ctx, c); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func printStatus(ctx context.Context, c *client.Client) error {
	backends, err := c.Backends(ctx)
	if err != nil {
		return fmt.Errorf("backends: %w", err)
	}
	fmt.Printf("Backends: %s (hardware: %t)\n\n", strings.Join(backends.Backends, ", "), backends.HardwareAvailable)

	decoders, err := c.List(ctx)
	if err != nil {
		return fmt.Errorf("decoders: %w", err)
	}
	if len(decoders) == 0 {
		fmt.Println("No decoders registered")
		return nil
	}

	fmt.Printf("%-14s %-6s %-10s %-12s %-10s %10s %8s %4s\n",
		"ID", "CODEC", "SIZE", "BACKEND", "STATE", "DELIVERED", "DROPPED", "RST")
	for _, d := range decoders {
		printDecoder(d)
	}
	return nil
}

func printDecoder(d *registry.Decoder) {
	st := d.Stats
	fmt.Printf("%-14s %-6s %-10s %-12s %-10s %10d %8d %4d\n",
		d.ID, d.Codec, fmt.Sprintf("%dx%d", d.Width, d.Height), st.Backend, st.State,
		st.Delivered, st.Dropped, st.Restarts)
	if st.LastError != "" {
		fmt.Printf("  last error: %s\n", st.LastError)
	}
}
