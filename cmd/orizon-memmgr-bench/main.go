// Exercises internal/memmgr end to end: region setup, per-thread heaps,
// the code cache, and the special heap, under a small concurrent load.
package main

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/orizon-lang/memmgr/internal/memmgr"
	"github.com/orizon-lang/memmgr/internal/memmgr/hostmem"
)

func main() {
	fmt.Println("=== memmgr allocator exercise ===")

	cfg := memmgr.DefaultConfig()
	cfg.Hooks = memmgr.NewBasicHooks(log.Default())
	cfg.DebugStats = true

	os := hostmem.New()
	m, err := memmgr.NewManager(cfg, os)
	if err != nil {
		log.Fatalf("NewManager failed: %v", err)
	}
	defer m.Close()
	fmt.Println("✓ Manager constructed")

	fmt.Println("\n1. Global heap allocation burst...")
	start := time.Now()
	var addrs []uintptr
	for i := 0; i < 2000; i++ {
		size := uint64(16 + (i%64)*8)
		addr, err := m.AllocGlobal(size)
		if err != nil {
			log.Fatalf("AllocGlobal %d failed: %v", i, err)
		}
		addrs = append(addrs, addr)
	}
	fmt.Printf("✓ 2000 allocations in %v\n", time.Since(start))

	for i, addr := range addrs {
		m.FreeGlobal(addr, uint64(16+(i%64)*8))
	}
	fmt.Println("✓ all freed")

	fmt.Println("\n2. Per-thread heap isolation...")
	const numWorkers = 8
	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("worker-%d", id)
			heap, err := m.ThreadHeap(key)
			if err != nil {
				log.Printf("ThreadHeap(%s) failed: %v", key, err)
				return
			}
			for i := 0; i < 200; i++ {
				a, err := heap.Alloc(64)
				if err != nil {
					log.Printf("worker %d alloc failed: %v", id, err)
					return
				}
				heap.Free(a, 64)
			}
		}(w)
	}
	wg.Wait()
	fmt.Println("✓ 8 workers completed independent alloc/free cycles")

	fmt.Println("\n3. Code cache allocation and reachability...")
	cacheAddr, err := m.AllocCache(256)
	if err != nil {
		log.Fatalf("AllocCache failed: %v", err)
	}
	if !m.Rel32ReachableFromVMCode(cacheAddr) {
		log.Fatalf("code cache allocation unreachable from vmcode")
	}
	fmt.Println("✓ code cache allocation is reachable")

	fmt.Println("\n4. Special heap for fixed-size records...")
	sh := m.SpecialHeap("bench-records", 48)
	recs := make([]uintptr, 0, 500)
	for i := 0; i < 500; i++ {
		a, err := sh.Alloc()
		if err != nil {
			log.Fatalf("special heap alloc failed: %v", err)
		}
		recs = append(recs, a)
	}
	for _, a := range recs {
		sh.Free(a)
	}
	fmt.Printf("✓ special heap round-tripped %d records, InUse=%d\n", len(recs), sh.InUse())

	fmt.Println("\n5. Stack allocation and external mapping reservation...")
	top, err := m.StackAlloc(256*1024, 0)
	if err != nil {
		log.Fatalf("StackAlloc failed: %v", err)
	}
	if err := m.StackFree(top, 256*1024); err != nil {
		log.Fatalf("StackFree failed: %v", err)
	}
	reserved, err := m.HeapReserveForExternalMapping(0, 64*1024, memmgr.CatHeap)
	if err != nil {
		log.Fatalf("HeapReserveForExternalMapping failed: %v", err)
	}
	if err := m.HeapUnreserveForExternalMapping(reserved, 64*1024, memmgr.CatHeap); err != nil {
		log.Fatalf("HeapUnreserveForExternalMapping failed: %v", err)
	}
	fmt.Println("✓ stack and external-mapping round trips succeeded")

	fmt.Println("\n6. Invariant check...")
	if err := m.CheckInvariants(); err != nil {
		log.Fatalf("CheckInvariants failed: %v", err)
	}
	fmt.Println("✓ all bitmap invariants hold")

	fmt.Println("\n=== done ===")
}
