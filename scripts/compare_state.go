//go:build ignore

// compare_state reports whether two node data directories hold the same
// claims and event seq. Run it against a stopped leader and follower.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"Provenance/internal/events"
	"Provenance/internal/registry"
	"Provenance/internal/storage"
)

// nodeState is the replicated part of a node's state.
type nodeState struct {
	claims   map[string]registry.Claim
	lastSeq  uint64
	replayed bool     // replayed is false when the log starts after seq 1
	diverged [][]byte // diverged are digests where the log and the claims disagree
}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <data_dir1> <data_dir2>\n", os.Args[0])
		os.Exit(2)
	}

	st1, err := load(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", os.Args[1], err)
		os.Exit(2)
	}

	st2, err := load(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", os.Args[2], err)
		os.Exit(2)
	}

	fmt.Printf("DB1 (%s): %d claims, seq %d\n", os.Args[1], len(st1.claims), st1.lastSeq)
	fmt.Printf("DB2 (%s): %d claims, seq %d\n", os.Args[2], len(st2.claims), st2.lastSeq)

	ok1 := checkReplay("DB1", st1)
	ok2 := checkReplay("DB2", st2)
	consistent := ok1 && ok2

	only1, only2, different := compare(st1.claims, st2.claims)

	if consistent && len(only1) == 0 && len(only2) == 0 && len(different) == 0 && st1.lastSeq == st2.lastSeq {
		fmt.Println("\nstates are identical")
		os.Exit(0)
	}

	fmt.Println("\nstates differ:")

	if st1.lastSeq != st2.lastSeq {
		fmt.Printf("  - event seq: %d vs %d\n", st1.lastSeq, st2.lastSeq)
	}

	printDigests("claims only in DB1", only1)
	printDigests("claims only in DB2", only2)
	printDigests("claims with different owner or time", different)

	os.Exit(1)
}

// load reads the claim map and event seq from a node data directory.
func load(dataDir string) (*nodeState, error) {
	db, err := storage.New(filepath.Join(dataDir, "db"))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	entries, err := registry.NewClaimStore(db).Export()
	if err != nil {
		return nil, fmt.Errorf("export claims:\n%w", err)
	}

	seq, err := events.NewLog(db).LastSeq()
	if err != nil {
		return nil, fmt.Errorf("read event seq:\n%w", err)
	}

	diverged, replayed, err := events.VerifyClaims(db)
	if err != nil {
		return nil, fmt.Errorf("replay event log:\n%w", err)
	}

	st := &nodeState{
		claims:   make(map[string]registry.Claim, len(entries)),
		lastSeq:  seq,
		replayed: replayed,
		diverged: diverged,
	}
	for _, e := range entries {
		st.claims[string(e.Digest)] = e.Claim
	}

	return st, nil
}

// checkReplay prints the outcome of replaying a node's log against its claims.
func checkReplay(label string, st *nodeState) bool {
	if !st.replayed {
		fmt.Printf("%s: log starts after a snapshot, replay skipped\n", label)
		return true
	}

	if len(st.diverged) == 0 {
		return true
	}

	fmt.Printf("%s: replayed log disagrees with stored claims on %d digests\n", label, len(st.diverged))
	for _, d := range st.diverged {
		fmt.Printf("      %x\n", d)
	}

	return false
}

func compare(c1, c2 map[string]registry.Claim) (only1, only2, different []string) {
	for d, claim := range c1 {
		other, ok := c2[d]
		if !ok {
			only1 = append(only1, d)
			continue
		}

		if other != claim {
			different = append(different, d)
		}
	}

	for d := range c2 {
		if _, ok := c1[d]; !ok {
			only2 = append(only2, d)
		}
	}

	return
}

func printDigests(label string, digests []string) {
	if len(digests) == 0 {
		return
	}

	fmt.Printf("  - %s: %d\n", label, len(digests))
	for _, d := range digests {
		fmt.Printf("      %x\n", d)
	}
}
