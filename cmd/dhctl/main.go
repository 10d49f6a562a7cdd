// dhctl is a simple CLI for creating, attaching to, and inspecting
// DataHub shared-memory segments.
//
// Usage:
//
//	dhctl create [opts] <segment-file>   Create a new segment, attach as producer
//	dhctl open [opts] <segment-file>     Attach to an existing segment as a consumer
//	dhctl inspect <segment-file>         Print header/metrics without attaching
//	dhctl repair <segment-file>          Run diagnostic recovery, then print a report
//
// Options for 'create':
//
//	-c, --capacity            Ring buffer capacity (default: from config, else 16)
//	-u, --unit-size           Logical unit size in bytes (default: from config, else 4096)
//	    --flex-zone-size      Flex zone size in bytes (default: from config, else 0)
//	    --policy              single | double_buffer | ring_buffer
//	    --consumer-sync       latest_only | single_reader | sync_reader
//	    --checksum            none | enforced | manual
//	    --secret              Hex-encoded shared secret (default: random)
//	    --hub-name            Hub name stored in the header, for diagnostics
//
// Commands (in REPL, once attached):
//
//	send <text>              Producer: write text as the next slot's payload
//	recv [timeout_ms]        Consumer: read the next slot's payload
//	ack                      Refresh this handle's liveness heartbeat
//	info                     Show header fields and runtime counters
//	inspect                  Show a raw diagnostic view (bypasses attach validation)
//	repair                   Run validate_integrity with repair=true
//	help                     Show this help
//	exit / quit / q          Exit
package main

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"

	"github.com/datahub-ipc/datahub"
	"github.com/datahub-ipc/datahub/internal/dhconfig"
	"github.com/datahub-ipc/datahub/pkg/dhchecksum"
	"github.com/datahub-ipc/datahub/pkg/dhdiag"
	"github.com/datahub-ipc/datahub/pkg/dhheartbeat"
)

func cryptoRandRead(b []byte) (int, error) { return cryptorand.Read(b) }

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return errors.New("missing command")
	}

	switch os.Args[1] {
	case "create":
		return runCreate(os.Args[2:])
	case "open":
		return runOpen(os.Args[2:])
	case "inspect":
		return runInspect(os.Args[2:])
	case "repair":
		return runRepair(os.Args[2:])
	case "config":
		return runConfig(os.Args[2:])
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  dhctl create [opts] <segment-file>   Create a new segment, attach as producer\n")
	fmt.Fprintf(os.Stderr, "  dhctl open [opts] <segment-file>     Attach to an existing segment as a consumer\n")
	fmt.Fprintf(os.Stderr, "  dhctl inspect <segment-file>         Print header/metrics without attaching\n")
	fmt.Fprintf(os.Stderr, "  dhctl repair <segment-file>          Run diagnostic recovery\n")
	fmt.Fprintf(os.Stderr, "  dhctl config show                    Print the effective config and its sources\n")
	fmt.Fprintf(os.Stderr, "  dhctl config set <key> <value>       Persist a default into ./.dhctl.json\n")
}

// runConfig implements `dhctl config show` and `dhctl config set`. set
// persists into the project config file via dhconfig.Save, which writes
// atomically so a reader never observes a half-written file.
func runConfig(args []string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("dhctl: getwd: %w", err)
	}

	if len(args) == 0 {
		return errors.New("usage: dhctl config show | dhctl config set <key> <value>")
	}

	switch args[0] {
	case "show":
		cfg, sources, err := dhconfig.Load(workDir, "", os.Environ())
		if err != nil {
			return err
		}

		formatted, err := dhconfig.FormatConfig(cfg)
		if err != nil {
			return err
		}

		fmt.Println(formatted)

		if sources.Global != "" {
			fmt.Printf("# global: %s\n", sources.Global)
		}

		if sources.Project != "" {
			fmt.Printf("# project: %s\n", sources.Project)
		}

		return nil
	case "set":
		if len(args) != 3 {
			return errors.New("usage: dhctl config set <key> <value>")
		}

		return runConfigSet(workDir, args[1], args[2])
	default:
		return fmt.Errorf("unknown config subcommand: %s", args[0])
	}
}

func runConfigSet(workDir, key, value string) error {
	cfg, _, err := dhconfig.Load(workDir, "", os.Environ())
	if err != nil {
		cfg = dhconfig.DefaultConfig()
	}

	switch key {
	case "runtime_dir":
		cfg.RuntimeDir = value
	case "policy":
		if _, err := parsePolicy(value); err != nil {
			return err
		}

		cfg.Policy = value
	case "consumer_sync_policy":
		if _, err := parseConsumerSyncPolicy(value); err != nil {
			return err
		}

		cfg.ConsumerSyncPolicy = value
	case "checksum_policy":
		if _, err := parseChecksumPolicy(value); err != nil {
			return err
		}

		cfg.ChecksumPolicy = value
	case "ring_buffer_capacity":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("ring_buffer_capacity must be a number: %w", err)
		}

		cfg.RingBufferCapacity = uint32(n)
	case "physical_page_size":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("physical_page_size must be a number: %w", err)
		}

		cfg.PhysicalPageSize = uint32(n)
	case "logical_unit_size":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("logical_unit_size must be a number: %w", err)
		}

		cfg.LogicalUnitSize = uint32(n)
	case "flex_zone_size":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("flex_zone_size must be a number: %w", err)
		}

		cfg.FlexZoneSize = n
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}

	if err := dhconfig.Save(workDir, cfg); err != nil {
		return err
	}

	fmt.Printf("saved %s=%s to %s\n", key, value, filepath.Join(workDir, dhconfig.ConfigFileName))

	return nil
}

func loadConfig() dhconfig.Config {
	workDir, err := os.Getwd()
	if err != nil {
		return dhconfig.DefaultConfig()
	}

	cfg, _, err := dhconfig.Load(workDir, "", os.Environ())
	if err != nil {
		return dhconfig.DefaultConfig()
	}

	return cfg
}

func parsePolicy(s string) (datahub.RingPolicy, error) {
	switch s {
	case "single":
		return datahub.PolicySingle, nil
	case "double_buffer":
		return datahub.PolicyDoubleBuffer, nil
	case "ring_buffer":
		return datahub.PolicyRingBuffer, nil
	default:
		return 0, fmt.Errorf("unknown policy %q", s)
	}
}

func parseConsumerSyncPolicy(s string) (datahub.ConsumerSyncPolicy, error) {
	switch s {
	case "latest_only":
		return datahub.SyncLatestOnly, nil
	case "single_reader":
		return datahub.SyncSingleReader, nil
	case "sync_reader":
		return datahub.SyncSyncReader, nil
	default:
		return 0, fmt.Errorf("unknown consumer sync policy %q", s)
	}
}

func parseChecksumPolicy(s string) (dhchecksum.Policy, error) {
	switch s {
	case "none":
		return dhchecksum.PolicyNone, nil
	case "enforced":
		return dhchecksum.PolicyEnforced, nil
	case "manual":
		return dhchecksum.PolicyManual, nil
	default:
		return 0, fmt.Errorf("unknown checksum policy %q", s)
	}
}

func runCreate(args []string) error {
	cfg := loadConfig()

	fs := pflag.NewFlagSet("create", pflag.ExitOnError)

	capacity := fs.Uint32P("capacity", "c", cfg.RingBufferCapacity, "ring buffer capacity")
	pageSize := fs.Uint32("page-size", cfg.PhysicalPageSize, "physical page size in bytes (4096 or 4194304)")
	unitSize := fs.Uint32P("unit-size", "u", cfg.LogicalUnitSize, "logical unit size in bytes (0 = same as page size)")
	flexZoneSize := fs.Uint64("flex-zone-size", cfg.FlexZoneSize, "flex zone size in bytes")
	policyStr := fs.String("policy", cfg.Policy, "single | double_buffer | ring_buffer")
	syncStr := fs.String("consumer-sync", cfg.ConsumerSyncPolicy, "latest_only | single_reader | sync_reader")
	checksumStr := fs.String("checksum", cfg.ChecksumPolicy, "none | enforced | manual")
	secretHex := fs.String("secret", "", "hex-encoded shared secret (default: random)")
	hubName := fs.String("hub-name", "", "hub name stored in the header")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: dhctl create [options] <segment-file>\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("missing segment file path")
	}

	path := fs.Arg(0)

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("segment file already exists: %s (use 'dhctl open %s' to attach)", path, path)
	}

	policy, err := parsePolicy(*policyStr)
	if err != nil {
		return err
	}

	syncPolicy, err := parseConsumerSyncPolicy(*syncStr)
	if err != nil {
		return err
	}

	checksumPolicy, err := parseChecksumPolicy(*checksumStr)
	if err != nil {
		return err
	}

	var secret uint64

	if *secretHex != "" {
		raw, err := hex.DecodeString(*secretHex)
		if err != nil || len(raw) != 8 {
			return fmt.Errorf("secret must be 16 hex characters (8 bytes), got %q", *secretHex)
		}

		for _, b := range raw {
			secret = secret<<8 | uint64(b)
		}
	} else {
		var buf [8]byte
		if _, err := cryptoRandRead(buf[:]); err != nil {
			return fmt.Errorf("generating random secret: %w", err)
		}

		for _, b := range buf {
			secret = secret<<8 | uint64(b)
		}
	}

	var hubUID [32]byte
	if _, err := cryptoRandRead(hubUID[:]); err != nil {
		return fmt.Errorf("generating hub uid: %w", err)
	}

	opts := datahub.CreateOptions{
		Path:               path,
		HubName:            *hubName,
		HubUID:             hubUID,
		Policy:             policy,
		ConsumerSyncPolicy: syncPolicy,
		RingBufferCapacity: *capacity,
		PhysicalPageSize:   datahub.PageSize(*pageSize),
		LogicalUnitSize:    *unitSize,
		FlexZoneSize:       *flexZoneSize,
		ChecksumPolicy:     checksumPolicy,
		SharedSecret:       secret,
	}

	fmt.Printf("Creating segment with:\n")
	fmt.Printf("  Path:                %s\n", path)
	fmt.Printf("  Policy:              %s\n", policy)
	fmt.Printf("  Consumer sync:       %s\n", syncPolicy)
	fmt.Printf("  Checksum policy:     %s\n", checksumPolicy)
	fmt.Printf("  Ring buffer capacity: %d slots\n", *capacity)
	fmt.Printf("  Physical page size:  %d bytes\n", *pageSize)
	fmt.Printf("  Logical unit size:   %d bytes\n", *unitSize)
	fmt.Printf("  Flex zone size:      %d bytes\n", *flexZoneSize)
	fmt.Printf("  Shared secret:       %016x\n", secret)
	fmt.Println()

	seg, err := datahub.Create(opts)
	if err != nil {
		return fmt.Errorf("creating segment: %w", err)
	}
	defer seg.Close()

	producer, err := datahub.AttachProducer(context.Background(), seg)
	if err != nil {
		return fmt.Errorf("attaching producer: %w", err)
	}
	defer producer.Close()

	repl := &REPL{seg: seg, producer: producer}

	return repl.Run()
}

func runOpen(args []string) error {
	fs := pflag.NewFlagSet("open", pflag.ExitOnError)

	asProducer := fs.Bool("producer", false, "attach as producer instead of consumer")
	token := fs.String("token", "", "consumer identity token (default: hostname:pid)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: dhctl open [options] <segment-file>\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("missing segment file path")
	}

	path := fs.Arg(0)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("segment file does not exist: %s (use 'dhctl create %s' to create it)", path, path)
	}

	seg, err := datahub.Open(datahub.OpenOptions{Path: path})
	if err != nil {
		return fmt.Errorf("opening segment: %w", err)
	}
	defer seg.Close()

	repl := &REPL{seg: seg}

	if *asProducer {
		producer, err := datahub.AttachProducer(context.Background(), seg)
		if err != nil {
			return fmt.Errorf("attaching producer: %w", err)
		}
		defer producer.Close()

		repl.producer = producer
	} else {
		tok := *token
		if tok == "" {
			host, _ := os.Hostname()
			tok = fmt.Sprintf("%s:%d", host, os.Getpid())
		}

		consumer, err := datahub.AttachConsumer(seg, tok)
		if err != nil {
			return fmt.Errorf("attaching consumer: %w", err)
		}
		defer consumer.Close()

		repl.consumer = consumer
	}

	return repl.Run()
}

func runInspect(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: dhctl inspect <segment-file>")
	}

	h, err := dhdiag.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening diagnostic handle: %w", err)
	}
	defer h.Close()

	printDiagReport(h)

	return nil
}

func runRepair(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: dhctl repair <segment-file>")
	}

	h, err := dhdiag.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening diagnostic handle: %w", err)
	}
	defer h.Close()

	hdr := h.Header()
	report := h.ValidateIntegrity(dhchecksum.Policy(hdr.ChecksumPolicy), hdr.SharedSecret, true)

	fmt.Printf("Magic OK:            %v\n", report.MagicOK)
	fmt.Printf("Layout checksum OK:  %v\n", report.LayoutChecksumOK)

	if report.PayloadChecked {
		fmt.Printf("Payload checksum OK: %v\n", report.PayloadChecksumOK)
	}

	if report.Repaired {
		fmt.Println("Repaired: checksum slot was reinitialized and re-derived.")
	}

	if report.Failed {
		fmt.Println("FAILED: corruption found that repair could not fix.")
		return errors.New("repair failed")
	}

	stale := h.ReclaimStaleConsumers(dhheartbeat.DefaultLivenessWindow)
	if len(stale) > 0 {
		fmt.Printf("Reclaimed %d stale consumer(s).\n", len(stale))
	}

	return nil
}

func printDiagReport(h *dhdiag.Handle) {
	hdr := h.Header()
	m := h.Metrics()

	fmt.Printf("Magic OK:            %v\n", h.MagicOK())
	fmt.Printf("Layout checksum OK:  %v\n", h.LayoutChecksumOK())
	fmt.Printf("Layout version:      %d\n", hdr.LayoutVersion)
	fmt.Printf("Policy:              %d\n", hdr.Policy)
	fmt.Printf("Consumer sync:       %d\n", hdr.ConsumerSyncPolicy)
	fmt.Printf("Checksum policy:     %d\n", hdr.ChecksumPolicy)
	fmt.Printf("Ring buffer capacity: %d\n", hdr.RingBufferCapacity)
	fmt.Printf("Logical unit size:   %d\n", hdr.LogicalUnitSize)
	fmt.Printf("Flex zone size:      %d\n", hdr.FlexZoneSize)
	fmt.Println()
	fmt.Printf("write_index:          %d\n", m.WriteIndex)
	fmt.Printf("commit_index:         %d\n", m.CommitIndex)
	fmt.Printf("read_index:           %d\n", m.ReadIndex)
	fmt.Printf("active_consumer_count: %d\n", m.ActiveConsumerCount)
	fmt.Printf("total_slots_written:  %d\n", m.TotalSlotsWritten)
	fmt.Printf("total_slots_read:     %d\n", m.TotalSlotsRead)
	fmt.Printf("writer_timeouts:      %d\n", m.WriterTimeouts)
	fmt.Printf("writer_lock_timeouts: %d\n", m.WriterLockTimeouts)
	fmt.Printf("writer_drain_timeouts: %d\n", m.WriterDrainTimeouts)
	fmt.Printf("checksum_failures:    %d\n", m.ChecksumFailures)
	fmt.Printf("reader_race_detected: %d\n", m.ReaderRaceDetected)
	fmt.Printf("recovery_actions:     %d\n", m.RecoveryActions)

	rows := h.HeartbeatRows()
	fmt.Printf("\nHeartbeat rows (%d claimed):\n", len(rows))

	for _, r := range rows {
		fmt.Printf("  row %d: pid=%d next_read_pos=%d\n", r.Index, r.ConsumerPID, r.NextReadPos)
	}
}

// REPL is the interactive command loop, attached as either a producer or
// a consumer (never both — DataHub is single-producer-per-segment).
type REPL struct {
	seg      *datahub.Segment
	producer *datahub.Producer
	consumer *datahub.Consumer
	liner    *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".dhctl_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	role := "consumer"
	if r.producer != nil {
		role = "producer"
	}

	fmt.Printf("dhctl - DataHub CLI (role=%s, path=%s)\n", role, r.seg.Path())
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("dhctl> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		cmdArgs := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "send":
			r.cmdSend(cmdArgs)

		case "recv":
			r.cmdRecv(cmdArgs)

		case "ack", "heartbeat":
			r.cmdAck()

		case "info":
			r.cmdInfo()

		case "inspect":
			h, err := dhdiag.Open(r.seg.Path())
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}

			printDiagReport(h)
			h.Close()

		case "repair":
			if err := runRepair([]string{r.seg.Path()}); err != nil {
				fmt.Printf("Error: %v\n", err)
			}

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"send", "recv", "ack", "heartbeat", "info",
		"inspect", "repair", "clear", "cls",
		"help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  send <text>         Producer: write text as the next slot's payload")
	fmt.Println("  recv [timeout_ms]   Consumer: read the next slot's payload")
	fmt.Println("  ack                 Refresh this handle's liveness heartbeat")
	fmt.Println("  info                Show header fields and runtime counters")
	fmt.Println("  inspect             Show a raw diagnostic view")
	fmt.Println("  repair              Run validate_integrity with repair=true")
	fmt.Println("  clear / cls         Clear the screen")
	fmt.Println("  help                Show this help")
	fmt.Println("  exit / quit / q     Exit")
}

func (r *REPL) cmdSend(args []string) {
	if r.producer == nil {
		fmt.Println("Error: this handle is attached as a consumer, not a producer")
		return
	}

	if len(args) < 1 {
		fmt.Println("Usage: send <text>")
		return
	}

	text := strings.Join(args, " ")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.producer.WithWriteTransaction(ctx, func(txn *datahub.WriteTxn) error {
		for w := range txn.Slots(0) {
			n := copy(w.Bytes(), text)
			return w.Commit(n)
		}

		return nil
	})
	if err != nil {
		fmt.Printf("Error sending: %v\n", err)
		return
	}

	fmt.Printf("OK: sent %q\n", text)
}

func (r *REPL) cmdRecv(args []string) {
	if r.consumer == nil {
		fmt.Println("Error: this handle is attached as a producer, not a consumer")
		return
	}

	timeoutMs := 1000

	if len(args) >= 1 {
		var err error

		timeoutMs, err = strconv.Atoi(args[0])
		if err != nil {
			fmt.Printf("Error parsing timeout_ms: %v\n", err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	var (
		received string
		found    bool
	)

	err := r.consumer.WithReadTransaction(ctx, func(txn *datahub.ReadTxn) error {
		for rs := range txn.Slots(0) {
			received = string(rs.Bytes())
			found = true

			return nil
		}

		return nil
	})
	if err != nil {
		fmt.Printf("Error receiving: %v\n", err)
		return
	}

	if !found {
		fmt.Println("(no data)")
		return
	}

	fmt.Printf("Received: %q\n", received)
}

func (r *REPL) cmdAck() {
	if r.producer != nil {
		r.producer.Heartbeat()
	}

	if r.consumer != nil {
		r.consumer.Heartbeat()
	}

	fmt.Println("OK: heartbeat refreshed")
}

func (r *REPL) cmdInfo() {
	m := r.seg.Metrics()

	fmt.Printf("Path:            %s\n", r.seg.Path())
	fmt.Printf("Policy:          %s\n", r.seg.Policy())
	fmt.Printf("Consumer sync:   %s\n", r.seg.ConsumerSyncPolicy())
	fmt.Printf("Capacity:        %d\n", r.seg.Capacity())
	fmt.Printf("write_index:     %d\n", m.WriteIndex)
	fmt.Printf("commit_index:    %d\n", m.CommitIndex)
	fmt.Printf("read_index:      %d\n", m.ReadIndex)
	fmt.Printf("active_consumers: %d\n", m.ActiveConsumerCount)
}
