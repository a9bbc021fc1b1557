// Command leakwalk runs the trace merger and leakage attributor over a
// directory of preprocessed per-test-case traces and writes the
// leakage report: a single-file CLI main, flag.Parse(), load config,
// do the work, logging progress every 50 traces ingested.
package main

import (
	"flag"
	"log"
	"os"
	"path"

	"github.com/rss/leakwalk/attribute"
	"github.com/rss/leakwalk/config"
	"github.com/rss/leakwalk/merge"
	"github.com/rss/leakwalk/report"
	"github.com/rss/leakwalk/symtab"
	"github.com/rss/leakwalk/trace"
	"github.com/rss/leakwalk/tracein"
)

var (
	flagConfig        = flag.String("config", "", "path to a YAML config file")
	flagTraceDir      = flag.String("trace_dir", "", "directory holding per-test-case trace sidecars and record files")
	flagImagePrefix   = flag.String("image_prefix", "", "path to the run-wide image prefix table JSON")
	flagDumpCallTree  = flag.Bool("dump-call-tree", false, "overrides the config file's dump-call-tree option")
	flagIncludeMemory = flag.Bool("include-memory-accesses-in-dump", true, "overrides the config file's include-memory-accesses-in-dump option")
)

const printEvery = 50

func main() {
	flag.Parse()

	cfg := config.Default()
	if *flagConfig != "" {
		loaded, err := config.Load(*flagConfig)
		if err != nil {
			log.Fatalf("cannot load config: %v", err)
		}
		cfg = loaded
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dump-call-tree":
			cfg.DumpCallTree = *flagDumpCallTree
		case "include-memory-accesses-in-dump":
			cfg.IncludeMemoryAccesses = *flagIncludeMemory
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}
	if *flagTraceDir == "" {
		log.Fatalf("-trace_dir is required")
	}

	images, err := tracein.LoadImagePrefix(*flagImagePrefix)
	if err != nil {
		log.Fatalf("cannot load image prefix table: %v", err)
	}
	resolver := symtab.NewMapFileResolver(images)
	for _, p := range cfg.MapFiles {
		// Map files are named "<image-name>.map" by convention; find the
		// matching image by name so the config's map-files entries can be
		// listed in any order.
		for _, img := range images {
			if path.Base(p) == img.Name+".map" {
				if err := resolver.LoadMapFile(img.ID, p); err != nil {
					log.Fatalf("cannot load map file %s: %v", p, err)
				}
			}
		}
	}
	if cfg.MapDirectory != "" {
		if err := resolver.LoadMapDirectory(cfg.MapDirectory, images); err != nil {
			log.Fatalf("cannot load map directory: %v", err)
		}
	}

	testCases, err := tracein.AllTestCases(*flagTraceDir)
	if err != nil {
		log.Fatalf("cannot list trace directory: %v", err)
	}

	ctx := merge.NewContext(resolver)
	eng := merge.NewEngine()
	for i, tc := range testCases {
		info, err := tracein.LoadTraceInfo(*flagTraceDir, tc)
		if err != nil {
			log.Fatalf("cannot load trace info for test case %d: %v", tc, err)
		}
		f, err := tracein.OpenRecordFile(*flagTraceDir, info)
		if err != nil {
			log.Fatalf("cannot open record file for test case %d: %v", tc, err)
		}
		if err := eng.AddTrace(ctx, tc, trace.NewReader(f)); err != nil {
			f.Close()
			log.Fatalf("cannot ingest trace for test case %d: %v", tc, err)
		}
		f.Close()
		if i%printEvery == 0 {
			log.Printf("ingesting %%%v (%v/%v) traces...", 100.0*float64(i)/float64(len(testCases)), i, len(testCases))
		}
	}
	for _, w := range ctx.Warnings {
		log.Printf("warning: trace %d record %d: condition %d: %s", w.TestCase, w.RecordIndex, w.Condition, w.Message)
	}
	if ctx.WeirdMemoryConflicts > 0 {
		log.Printf("observed %d memory-access records forced into a split", ctx.WeirdMemoryConflicts)
	}

	csRoot := attribute.Run(ctx.Root)

	if err := os.MkdirAll(cfg.OutputDirectory, 0777); err != nil {
		log.Fatalf("cannot create output directory: %v", err)
	}

	if cfg.DumpCallTree {
		if err := writeCallTreeDump(cfg, ctx); err != nil {
			log.Fatalf("cannot write call-tree dump: %v", err)
		}
	}
	if err := writeCallStacks(cfg, csRoot, ctx); err != nil {
		log.Fatalf("cannot write call-stacks report: %v", err)
	}
}

func writeCallTreeDump(cfg config.Config, ctx *merge.Context) error {
	f, err := os.Create(path.Join(cfg.OutputDirectory, "call-tree-dump.txt"))
	if err != nil {
		return err
	}
	defer f.Close()
	return report.DumpCallTree(f, ctx.Root, ctx.Addr, cfg.IncludeMemoryAccesses)
}

func writeCallStacks(cfg config.Config, csRoot *attribute.CallStackNode, ctx *merge.Context) error {
	f, err := os.Create(path.Join(cfg.OutputDirectory, "call-stacks.txt"))
	if err != nil {
		return err
	}
	defer f.Close()
	return report.RenderLeakageReport(f, csRoot, ctx.Addr)
}
