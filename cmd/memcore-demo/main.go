package main

import (
	"fmt"
	"os"

	"github.com/gopher-kernel/memcore/pkg/memcore"
)

func main() {
	cfg := memcore.DefaultConfig(0x1000_0000, 0x8000_0000)
	cfg.Debug = true

	k, err := memcore.Boot(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to boot memcore: %v\n", err)
		os.Exit(1)
	}

	page, err := k.AllocPage(0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "page alloc failed: %v\n", err)
		os.Exit(1)
	}
	k.WriteU64(page, 0x1234)
	fmt.Printf("allocated page 0x%x, wrote/read back 0x%x\n", page, k.ReadU64(page))
	k.FreePage(0, page)

	block, err := k.Alloc(256, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "heap alloc failed: %v\n", err)
		os.Exit(1)
	}
	k.WriteU64(block, 0xABCD)
	fmt.Printf("allocated heap block 0x%x, wrote/read back 0x%x\n", block, k.ReadU64(block))
	k.Free(block)

	if err := k.Shutdown(); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown validation failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("memcore stack booted and validated successfully")
}
