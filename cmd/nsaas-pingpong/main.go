// nsaas-pingpong drives the library end to end against the in-process
// stub controller: attach a channel, connect a flow, send messages, and
// receive the echoes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	nsaas "github.com/nsaas-io/go-nsaas"
	"github.com/nsaas-io/go-nsaas/internal/logging"
)

func main() {
	var (
		count   = flag.Int("count", 1000, "Messages to send")
		size    = flag.Int("size", 1400, "Payload bytes per message")
		mss     = flag.Uint("mss", 4096, "Payload bytes per channel buffer")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	dir, err := os.MkdirTemp("", "nsaas-pingpong")
	if err != nil {
		logger.Error("tempdir", "err", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)
	sockPath := filepath.Join(dir, "ctrl.sock")

	stub, err := nsaas.NewStubController(sockPath, uint32(*mss))
	if err != nil {
		logger.Error("stub controller failed", "err", err)
		os.Exit(1)
	}
	defer stub.Close()

	client := nsaas.NewClient(&nsaas.Options{SocketPath: sockPath})
	defer client.Close()

	ch, err := client.Attach()
	if err != nil {
		logger.Error("attach failed", "err", err)
		os.Exit(1)
	}

	flow, err := ch.Connect("10.0.0.1", "10.0.0.2", 888)
	if err != nil {
		logger.Error("connect failed", "err", err)
		os.Exit(1)
	}
	logger.Info("flow established", "flow", flow)

	payload := make([]byte, *size)
	for i := range payload {
		payload[i] = byte(i)
	}
	rxBuf := make([]byte, *size)

	start := time.Now()
	for i := 0; i < *count; i++ {
		for {
			err := ch.Send(flow, payload)
			if err == nil {
				break
			}
			if !nsaas.IsCode(err, nsaas.ErrCodeResourceExhausted) {
				logger.Error("send failed", "msg", i, "err", err)
				os.Exit(1)
			}
			time.Sleep(10 * time.Microsecond)
		}
		for {
			n, _, err := ch.Recv(rxBuf)
			if err != nil {
				logger.Error("recv failed", "msg", i, "err", err)
				os.Exit(1)
			}
			if n > 0 {
				if n != *size {
					logger.Error("short echo", "msg", i, "got", n, "want", *size)
					os.Exit(1)
				}
				break
			}
		}
	}
	elapsed := time.Since(start)

	rate := float64(*count) / elapsed.Seconds()
	gbps := float64(*count**size*8) / elapsed.Seconds() / 1e9
	fmt.Printf("%d messages of %d bytes in %v (%.0f msg/s, %.2f Gbit/s)\n",
		*count, *size, elapsed.Round(time.Millisecond), rate, gbps)

	snap, _ := json.MarshalIndent(ch.Metrics().Snapshot(), "", "  ")
	fmt.Println(string(snap))
}
