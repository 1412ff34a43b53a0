// SPDX-FileCopyrightText: Copyright (C) 2025 The Wisp Authors
// SPDX-License-Identifier: AGPL-3.0-only

// wispcirc is a diagnostic tool for the Wisp circuit layer.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/katzenpost/core/log"
	"github.com/spf13/cobra"

	"github.com/wispnet/wisp/circuit"
	"github.com/wispnet/wisp/conn"
	"github.com/wispnet/wisp/core/cell"
	"github.com/wispnet/wisp/core/exitpolicy"
	"github.com/wispnet/wisp/internal/relaysim"
)

// Loopback holds the loopback command line configuration.
type Loopback struct {
	Hops     int
	Size     int
	LogLevel string
}

var rootCmd = &cobra.Command{
	Use:   "wispcirc",
	Short: "Wisp circuit layer diagnostic tool",
	Long:  "A CLI tool for inspecting the Wisp cell geometry and exercising the circuit layer against emulated relays.",
}

var geometryCmd = &cobra.Command{
	Use:   "geometry",
	Short: "Print the cell geometry",
	Long:  "Print the fixed cell geometry as TOML and write it to a file or stdout.",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		return writeGeometry(file)
	},
}

var loopbackCmd = &cobra.Command{
	Use:   "loopback",
	Short: "Run a circuit against emulated relays",
	Long: `Build a circuit through an in-process relay emulation, open an exit
stream and echo a payload through it, reporting the time each step takes.`,
	Example: `  # Echo 4 KiB through a 5 hop circuit
  wispcirc loopback --hops 5 --size 4096`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var l Loopback
		l.Hops, _ = cmd.Flags().GetInt("hops")
		l.Size, _ = cmd.Flags().GetInt("size")
		l.LogLevel, _ = cmd.Flags().GetString("log-level")
		return runLoopback(&l)
	},
}

func init() {
	rootCmd.AddCommand(geometryCmd)
	rootCmd.AddCommand(loopbackCmd)

	geometryCmd.Flags().String("file", "", "file path to write TOML output to, empty indicates stdout")

	loopbackCmd.Flags().Int("hops", 3, "number of relays on the circuit")
	loopbackCmd.Flags().Int("size", 1024, "payload bytes to echo through the stream")
	loopbackCmd.Flags().String("log-level", "ERROR", "logging level (ERROR, WARNING, NOTICE, INFO, DEBUG)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func writeGeometry(file string) error {
	tomlOut := cell.NewGeometry().Display()
	if file == "" {
		fmt.Println(tomlOut)
		return nil
	}
	out, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	if _, err = out.Write([]byte(tomlOut)); err != nil {
		return err
	}
	if err = out.Sync(); err != nil {
		return err
	}
	return out.Close()
}

func buildEmulation(hops int) ([]circuit.Router, *relaysim.Network, error) {
	routers := make([]*relaysim.Router, 0, hops)
	path := make([]circuit.Router, 0, hops)
	for i := 0; i < hops; i++ {
		policy := exitpolicy.RejectAll()
		if i == hops-1 {
			policy = exitpolicy.AcceptAll()
		}
		addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 0, 2, byte(i + 1)}), 9001)
		r, err := relaysim.NewRouter(rand.Reader, fmt.Sprintf("hop%d", i), addr, policy)
		if err != nil {
			return nil, nil, err
		}
		routers = append(routers, r)
		path = append(path, r)
	}
	return path, relaysim.NewNetwork(routers...), nil
}

// pumpCells services one end of a pipe with the relay emulation. Replies go
// out from their own goroutine so a reply burst never stalls the read side.
func pumpCells(nc net.Conn, network *relaysim.Network) {
	respCh := make(chan *cell.Cell, 4096)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		var buf []byte
		for resp := range respCh {
			buf = resp.ToBytes(buf[:0])
			if _, err := nc.Write(buf); err != nil {
				return
			}
		}
	}()
	defer close(respCh)

	raw := make([]byte, cell.CellLength)
	for {
		if _, err := io.ReadFull(nc, raw); err != nil {
			return
		}
		cl, err := cell.FromBytes(raw)
		if err != nil {
			continue
		}
		if cl.CircID == 0 {
			continue
		}
		resps, err := network.HandleCell(cl)
		if err != nil {
			continue
		}
		for _, resp := range resps {
			select {
			case respCh <- resp:
			case <-writerDone:
				return
			}
		}
	}
}

func runLoopback(l *Loopback) error {
	if l.Hops < 1 {
		return fmt.Errorf("hops must be at least 1")
	}
	if l.Size < 1 || l.Size > 65536 {
		return fmt.Errorf("size must be between 1 and 65536")
	}

	backend, err := log.New("", l.LogLevel, false)
	if err != nil {
		return err
	}

	path, network, err := buildEmulation(l.Hops)
	if err != nil {
		return err
	}

	clientNC, relayNC := net.Pipe()
	go pumpCells(relayNC, network)

	c, err := conn.New(&conn.Config{LogBackend: backend}, clientNC)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	circ, err := c.NewCircuit(circuit.TypeExit)
	if err != nil {
		return err
	}

	start := time.Now()
	if err = circ.Build(ctx, path); err != nil {
		return err
	}
	fmt.Printf("built %d hop circuit %08x in %v\n", l.Hops, circ.CircuitID(), time.Since(start).Round(time.Microsecond))

	start = time.Now()
	s, err := circ.OpenExitStream(ctx, "echo.invalid", 80)
	if err != nil {
		return err
	}
	fmt.Printf("opened exit stream %d in %v\n", s.ID(), time.Since(start).Round(time.Microsecond))

	payload := make([]byte, l.Size)
	if _, err = rand.Read(payload); err != nil {
		return err
	}

	start = time.Now()
	if _, err = s.Write(payload); err != nil {
		return err
	}
	echo := make([]byte, len(payload))
	if _, err = io.ReadFull(s, echo); err != nil {
		return err
	}
	elapsed := time.Since(start)
	if !bytes.Equal(payload, echo) {
		return fmt.Errorf("echoed payload differs from the original")
	}
	fmt.Printf("echoed %d bytes in %v\n", l.Size, elapsed.Round(time.Microsecond))

	if err = s.Close(); err != nil {
		return err
	}
	circ.Destroy()
	return nil
}
