// dhbench is a single-process throughput/latency harness for a DataHub
// segment: one producer goroutine commits messages against a real mapped
// segment file while N consumer goroutines read them, reporting
// throughput and commit-to-observe latency.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datahub-ipc/datahub"
	"github.com/datahub-ipc/datahub/pkg/dhchecksum"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := flag.String("path", "", "segment file path (default: a temp file, removed on exit)")
	count := flag.Int("count", 100000, "number of messages to commit")
	capacity := flag.Uint("capacity", 64, "ring buffer capacity")
	pageSize := flag.Uint("page-size", 4096, "physical page size in bytes (4096 or 4194304)")
	unitSize := flag.Uint("unit-size", 0, "logical unit size in bytes (0 = same as page size)")
	consumers := flag.Int("consumers", 1, "number of consumer goroutines")
	syncPolicy := flag.String("consumer-sync", "single_reader", "latest_only | single_reader | sync_reader")
	checksum := flag.Bool("checksum", true, "enable payload checksum (PolicyEnforced)")

	flag.Parse()

	segPath := *path
	cleanup := func() {}

	if segPath == "" {
		f, err := os.CreateTemp("", "dhbench-*.seg")
		if err != nil {
			return fmt.Errorf("creating temp segment file: %w", err)
		}

		segPath = f.Name()
		f.Close()
		os.Remove(segPath)
		cleanup = func() { os.Remove(segPath) }
	}

	defer cleanup()

	var syncMode datahub.ConsumerSyncPolicy

	switch *syncPolicy {
	case "latest_only":
		syncMode = datahub.SyncLatestOnly
	case "single_reader":
		syncMode = datahub.SyncSingleReader
	case "sync_reader":
		syncMode = datahub.SyncSyncReader
	default:
		return fmt.Errorf("unknown consumer sync policy %q", *syncPolicy)
	}

	checksumPolicy := dhchecksum.PolicyNone
	if *checksum {
		checksumPolicy = dhchecksum.PolicyEnforced
	}

	var secret [8]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return fmt.Errorf("generating shared secret: %w", err)
	}

	var sharedSecret uint64
	for _, b := range secret {
		sharedSecret = sharedSecret<<8 | uint64(b)
	}

	seg, err := datahub.Create(datahub.CreateOptions{
		Path:               segPath,
		HubName:            "dhbench",
		Policy:             datahub.PolicyRingBuffer,
		ConsumerSyncPolicy: syncMode,
		RingBufferCapacity: uint32(*capacity),
		PhysicalPageSize:   datahub.PageSize(*pageSize),
		LogicalUnitSize:    uint32(*unitSize),
		ChecksumPolicy:     checksumPolicy,
		SharedSecret:       sharedSecret,
	})
	if err != nil {
		return fmt.Errorf("creating segment: %w", err)
	}
	defer seg.Close()

	producer, err := datahub.AttachProducer(context.Background(), seg)
	if err != nil {
		return fmt.Errorf("attaching producer: %w", err)
	}
	defer producer.Close()

	var (
		wg          sync.WaitGroup
		received    atomic.Int64
		latenciesMu sync.Mutex
		latencies   []time.Duration
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < *consumers; i++ {
		consumer, err := datahub.AttachConsumer(seg, fmt.Sprintf("dhbench-consumer-%d", i))
		if err != nil {
			return fmt.Errorf("attaching consumer %d: %w", i, err)
		}

		wg.Add(1)

		go func(consumer *datahub.Consumer) {
			defer wg.Done()
			defer consumer.Close()

			var local []time.Duration

			for {
				rs, err := consumer.Acquire(ctx)
				if err != nil {
					latenciesMu.Lock()
					latencies = append(latencies, local...)
					latenciesMu.Unlock()

					return
				}

				sentAt := decodeSendTime(rs.Bytes())
				local = append(local, time.Since(sentAt))
				received.Add(1)

				rs.Release()
			}
		}(consumer)
	}

	start := time.Now()

	for i := 0; i < *count; i++ {
		writeCtx, writeCancel := context.WithTimeout(context.Background(), time.Second)

		err := producer.WithWriteTransaction(writeCtx, func(txn *datahub.WriteTxn) error {
			for w := range txn.Slots(0) {
				return w.Commit(encodeSendTime(w.Bytes(), time.Now()))
			}

			return nil
		})

		writeCancel()

		if err != nil {
			cancel()
			wg.Wait()

			return fmt.Errorf("committing message %d: %w", i, err)
		}
	}

	elapsed := time.Since(start)

	// Give consumers a brief grace period to drain the last few slots
	// before cancelling, since throughput is measured on the producer
	// side but latency needs the matching reads to land.
	time.Sleep(50 * time.Millisecond)
	cancel()
	wg.Wait()

	fmt.Printf("Committed %d messages in %v (%.0f msgs/sec)\n", *count, elapsed.Round(time.Millisecond), float64(*count)/elapsed.Seconds())
	fmt.Printf("Consumers observed %d reads\n", received.Load())

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

		fmt.Printf("Commit-to-observe latency: p50=%v p99=%v max=%v\n",
			latencies[len(latencies)*50/100],
			latencies[len(latencies)*99/100],
			latencies[len(latencies)-1])
	}

	return nil
}

// encodeSendTime stamps the current time into the first 8 bytes of buf as
// a UnixNano value, so a consumer can measure commit-to-observe latency
// without a side channel. Returns the number of bytes written.
func encodeSendTime(buf []byte, t time.Time) int {
	if len(buf) < 8 {
		return 0
	}

	v := uint64(t.UnixNano())
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * (7 - i)))
	}

	return 8
}

func decodeSendTime(buf []byte) time.Time {
	if len(buf) < 8 {
		return time.Now()
	}

	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(buf[i])
	}

	return time.Unix(0, int64(v))
}
