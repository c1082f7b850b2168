// Demo of the lazy memory engine: runs one metered invocation over a
// storage-backed region and prints what was touched, charged and persisted.
package main

import (
	"fmt"
	"os"

	dbm "github.com/cometbft/cometbft-db"
	"go.uber.org/zap"

	"github.com/lazymem/lazymem"
	"github.com/lazymem/lazymem/internal/gas"
	"github.com/lazymem/lazymem/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "demo:", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()

	engine, err := lazymem.NewEngine(lazymem.EngineConfig{Logger: logger})
	if err != nil {
		return err
	}
	fmt.Println("fault backend:", engine.Backend())

	db := dbm.NewMemDB()
	pageSize := uint32(os.Getpagesize())
	pages := store.New(db, pageSize)

	// Seed page 3 so the first read has something to lazily load.
	seed := []byte("previously persisted guest state")
	if err := pages.SavePage(3, seed); err != nil {
		return err
	}

	meter := gas.NewDefaultMeter(1_000_000)
	inv, err := engine.BeginInvocation(lazymem.InvocationParams{
		RegionPages: 1,
		Store:       pages,
		Gas:         meter,
	})
	if err != nil {
		return err
	}
	defer inv.Close()

	got, err := inv.Read(uint64(3*pageSize), uint32(len(seed)))
	if err != nil {
		return err
	}
	fmt.Printf("lazily loaded page 3: %q\n", got)

	if err := inv.Write(uint64(5*pageSize), []byte("freshly written guest state")); err != nil {
		return err
	}

	report, err := inv.Finish()
	if err != nil {
		return err
	}
	fmt.Println("dirty pages:", report.Pages(), "gas used:", report.GasUsed)

	if err := pages.PersistDirty(report, inv.Bytes()); err != nil {
		return err
	}
	back, err := pages.LoadPage(5)
	if err != nil {
		return err
	}
	fmt.Printf("persisted page 5 starts with: %q\n", back[:27])
	fmt.Println("meter:", meter.Report())
	return nil
}
