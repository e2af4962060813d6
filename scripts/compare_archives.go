//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"Archiver/client"
	"Archiver/internal/archive"
	"Archiver/internal/crypto"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <archiver1 host:port> <archiver2 host:port>\n", os.Args[0])
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	archive1 := download(ctx, os.Args[1])
	archive2 := download(ctx, os.Args[2])

	fmt.Printf("A1 (%s): %d archived cycles\n", os.Args[1], len(archive1))
	fmt.Printf("A2 (%s): %d archived cycles\n", os.Args[2], len(archive2))

	missing1, missing2, different := compare(archive1, archive2)

	if len(missing1) == 0 && len(missing2) == 0 && len(different) == 0 {
		fmt.Println("\nArchives are identical")
		os.Exit(0)
	}

	fmt.Println("\nArchives differ:")
	report("Cycles in A1 but not in A2", missing1)
	report("Cycles in A2 but not in A1", missing2)
	report("Cycles with different attachments", different)

	os.Exit(1)
}

func download(ctx context.Context, addr string) map[uint64]archive.ArchivedCycle {
	c, err := client.NewClient(ctx, addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", addr, err)
		os.Exit(1)
	}

	archived, err := c.FullArchive(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "download %s: %v\n", addr, err)
		os.Exit(1)
	}

	byCounter := make(map[uint64]archive.ArchivedCycle, len(archived))
	for _, ac := range archived {
		byCounter[ac.CycleRecord.Counter] = ac
	}

	return byCounter
}

func compare(a1, a2 map[uint64]archive.ArchivedCycle) (missing1, missing2, different []uint64) {
	for counter := range a1 {
		if _, ok := a2[counter]; !ok {
			missing1 = append(missing1, counter)
		}
	}

	for counter := range a2 {
		if _, ok := a1[counter]; !ok {
			missing2 = append(missing2, counter)
		}
	}

	for counter, ac1 := range a1 {
		if ac2, ok := a2[counter]; ok && crypto.HashObj(ac1) != crypto.HashObj(ac2) {
			different = append(different, counter)
		}
	}

	return
}

func report(title string, counters []uint64) {
	if len(counters) == 0 {
		return
	}

	sort.Slice(counters, func(i, j int) bool { return counters[i] < counters[j] })

	fmt.Printf("  - %s: %d\n", title, len(counters))
	for _, c := range counters {
		fmt.Printf("      %d\n", c)
	}
}
