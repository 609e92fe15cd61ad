// Command nwb-inspect lists and prints the tables of a packaged NWB file.
//
//	nwb-inspect -root /results VR_123_primary_nwb
//	nwb-inspect -root /results -table Behavior.HarpBehavior.AnalogData -head 5 VR_123_primary_nwb
//	nwb-inspect -root /results -table Behavior.InputSchemas.Rig -description VR_123_primary_nwb
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/apache/arrow/go/v14/arrow/memory"

	"github.com/nucleus/nwb-capsule/internal/config"
	"github.com/nucleus/nwb-capsule/internal/nwb"
	"github.com/nucleus/nwb-capsule/internal/objectstore"
)

func main() {
	configFile := flag.String("config", "", "optional config file for store settings")
	root := flag.String("root", "", "local results root; overrides the configured store")
	table := flag.String("table", "", "table to print")
	head := flag.Int("head", 10, "rows to print")
	description := flag.Bool("description", false, "print the table description as indented JSON")
	schema := flag.Bool("schema", false, "print the arrow schema of the table")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: nwb-inspect [flags] <asset>")
		os.Exit(2)
	}
	asset := flag.Arg(0)

	cfg, err := config.Load(*configFile)
	if err != nil {
		fail(err)
	}
	var store objectstore.Store
	if *root != "" {
		store = objectstore.NewLocalStore(*root)
	} else if store, err = objectstore.New(cfg.StoreConfig()); err != nil {
		fail(err)
	}

	ctx := context.Background()
	f, err := nwb.Open(ctx, objectstore.NewScope(store, cfg.StoreBucket, asset))
	if err != nil {
		fail(err)
	}

	if *table == "" {
		fmt.Printf("identifier: %s\nsession_id: %s\nsession_description: %s\nsession_start_time: %s\n",
			f.Identifier, f.SessionID, f.SessionDescription, f.SessionStartTime)
		fmt.Println("acquisition:")
		for _, k := range f.Acquisition.Keys() {
			fmt.Printf("  %s\n", k)
		}
		fmt.Println("events:")
		for _, k := range f.Events.Keys() {
			fmt.Printf("  %s\n", k)
		}
		for _, m := range f.ProcessingModules() {
			g, _ := f.Processing(m)
			fmt.Printf("processing/%s:\n", m)
			for _, k := range g.Keys() {
				fmt.Printf("  %s\n", k)
			}
		}
		return
	}

	t, ok := lookup(f, *table)
	if !ok {
		fail(fmt.Errorf("table %q not found", *table))
	}
	switch {
	case *description:
		var v any
		if err := t.DescriptionJSON(&v); err != nil {
			fail(err)
		}
		out, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(out))
	case *schema:
		rec, err := t.Dataframe(ctx, memory.NewGoAllocator())
		if err != nil {
			fail(err)
		}
		defer rec.Release()
		fmt.Printf("%s (%d rows)\n", rec.Schema(), rec.NumRows())
	default:
		rows, err := t.Frame(ctx)
		if err != nil {
			fail(err)
		}
		fmt.Printf("%s\n%s", t.Description, rows.Format(*head))
	}
}

func lookup(f *nwb.File, name string) (*nwb.DynamicTable, bool) {
	if t, ok := f.Table(name); ok {
		return t, true
	}
	for _, m := range f.ProcessingModules() {
		g, _ := f.Processing(m)
		if t, ok := g.Table(name); ok {
			return t, true
		}
	}
	return nil, false
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "nwb-inspect: %v\n", err)
	os.Exit(1)
}
