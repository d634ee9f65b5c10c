package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"

	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/common"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/library"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/samples"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/schedule"
	"github.com/elevated-systems/nilm-synth/pkg/nilmsynth/sink"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{"schema", "create the library schema", runSchema},
	{"add-load", "add an appliance to the library", runAddLoad},
	{"add-exemplar", "add a captured run of a load", runAddExemplar},
	{"import-samples", "import a CSV file into a sample stream", runImportSamples},
	{"export-stream", "write a sample stream as CSV", runExportStream},
	{"list-streams", "list the streams of a sample database", runListStreams},
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: nilm-library <command> [flags]")
	fmt.Fprintln(os.Stderr, "\ncommands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-16s %s\n", c.name, c.usage)
	}
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	name := flag.Arg(0)
	for _, c := range commands {
		if c.name != name {
			continue
		}
		if err := c.run(ctx, flag.Args()[1:]); err != nil {
			klog.ErrorS(err, "Command failed", "command", name)
			klog.Flush()
			os.Exit(1)
		}
		klog.Flush()
		return
	}

	fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
	usage()
	os.Exit(2)
}

func openLibrary(path string) (*library.SQLiteLibrary, error) {
	if path == "" {
		return nil, common.NewConfigError("missing -db")
	}
	return library.NewSQLiteLibrary(path)
}

func runSchema(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("schema", flag.ExitOnError)
	db := fs.String("db", "", "Library database")
	fs.Parse(args)

	lib, err := openLibrary(*db)
	if err != nil {
		return err
	}
	klog.InfoS("Library schema ready", "path", *db)
	return lib.Close()
}

func runAddLoad(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("add-load", flag.ExitOnError)
	db := fs.String("db", "", "Library database")
	name := fs.String("name", "", "Load name")
	applianceType := fs.String("type", "", "NILMTK appliance type, e.g. kettle")
	stream := fs.String("stream", "", "Sample stream holding the load's exemplars")
	desc := fs.String("desc", "", "Description")
	image := fs.String("image", "", "Image path or URL")
	fs.Parse(args)

	if *name == "" || *stream == "" {
		return common.NewConfigError("add-load requires -name and -stream")
	}
	lib, err := openLibrary(*db)
	if err != nil {
		return err
	}
	defer lib.Close()

	id, err := lib.AddLoad(library.Load{
		Stream:        *stream,
		ApplianceType: *applianceType,
		Name:          *name,
		Description:   *desc,
		Image:         *image,
	})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runAddExemplar(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("add-exemplar", flag.ExitOnError)
	db := fs.String("db", "", "Library database")
	loadID := fs.Int64("load", 0, "Load id")
	stream := fs.String("stream", "", "Sample stream, defaults to the load's stream")
	on := fs.String("on", "", "Rising transient as start,end (µs or s/m/h)")
	ss := fs.String("ss", "", "Optional steady state as start,end")
	off := fs.String("off", "", "Falling transient as start,end")
	delta := fs.String("delta", "", "Optional comma separated steady-state increment per channel")
	fs.Parse(args)

	if *loadID <= 0 || *on == "" || *off == "" {
		return common.NewConfigError("add-exemplar requires -load, -on and -off")
	}

	ex := library.Exemplar{LoadID: *loadID, Stream: *stream}
	var err error
	if ex.OnStart, ex.OnEnd, err = parseRange(*on); err != nil {
		return err
	}
	if ex.OffStart, ex.OffEnd, err = parseRange(*off); err != nil {
		return err
	}
	if *ss != "" {
		start, end, err := parseRange(*ss)
		if err != nil {
			return err
		}
		ex.SSStart, ex.SSEnd = ptr.To(start), ptr.To(end)
	}
	if *delta != "" {
		for _, field := range strings.Split(*delta, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil || math.IsNaN(v) {
				return common.NewConfigError("invalid delta value %q", field)
			}
			ex.Delta = append(ex.Delta, v)
		}
	}

	lib, err := openLibrary(*db)
	if err != nil {
		return err
	}
	defer lib.Close()

	if _, err := lib.GetLoad(*loadID); err != nil {
		return err
	}
	id, err := lib.AddExemplar(ex)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func parseRange(s string) (int64, int64, error) {
	startStr, endStr, found := strings.Cut(s, ",")
	if !found {
		return 0, 0, common.NewConfigError("range %q must be start,end", s)
	}
	start, err := schedule.ParseDuration(startStr)
	if err != nil {
		return 0, 0, err
	}
	end, err := schedule.ParseDuration(endStr)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func runImportSamples(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import-samples", flag.ExitOnError)
	db := fs.String("db", "", "Sample database")
	stream := fs.String("stream", "", "Destination stream")
	input := fs.String("csv", "-", "CSV file of timestamp,channels... ('-' reads stdin)")
	replace := fs.Bool("replace", false, "Delete the stream before importing")
	fs.Parse(args)

	if *db == "" || *stream == "" {
		return common.NewConfigError("import-samples requires -db and -stream")
	}

	var r io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			return fmt.Errorf("failed to open %s: %v", *input, err)
		}
		defer f.Close()
		r = f
	}

	store, err := samples.NewSQLiteStore(*db, 0)
	if err != nil {
		return err
	}
	defer store.Close()

	if *replace {
		if err := store.Delete(ctx, *stream); err != nil {
			return err
		}
	}
	n, err := samples.ImportCSV(ctx, r, store, *stream, samples.DefaultChunkSize)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d rows into %s\n", n, *stream)
	return nil
}

func runExportStream(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export-stream", flag.ExitOnError)
	db := fs.String("db", "", "Sample database")
	stream := fs.String("stream", "", "Stream to export")
	start := fs.Int64("start", 0, "First timestamp (µs)")
	end := fs.Int64("end", math.MaxInt64, "End timestamp, exclusive (µs)")
	output := fs.String("o", "-", "Output file ('-' writes stdout)")
	fs.Parse(args)

	if *db == "" || *stream == "" {
		return common.NewConfigError("export-stream requires -db and -stream")
	}

	store, err := samples.NewSQLiteStore(*db, 0)
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.Open(ctx, *stream, *start, *end)
	if err != nil {
		return err
	}
	defer s.Close()

	var w io.Writer = os.Stdout
	if *output != "-" {
		f, err := os.Create(*output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %v", *output, err)
		}
		w = f
	}

	var out *sink.CSVSink
	idx := 0
	for {
		chunk, err := s.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if chunk.Len() == 0 {
			continue
		}
		if out == nil {
			out = sink.NewCSVSink(w, headerFor(chunk.Width()))
		}
		if err := out.Write(ctx, idx, chunk.Timestamps, chunk.Data); err != nil {
			return err
		}
		idx += chunk.Len()
	}
	if out == nil {
		return fmt.Errorf("stream %s has no samples in [%d, %d)", *stream, *start, *end)
	}
	klog.V(2).InfoS("Exported stream", "stream", *stream, "rows", idx)
	return out.Close()
}

// headerFor names width columns, falling back to plain indices for widths
// that are not whole phases.
func headerFor(width int) []string {
	if width%common.ChannelsPerPhase == 0 {
		return common.PhaseChannelNames(width / common.ChannelsPerPhase)
	}
	names := make([]string, width)
	for i := range names {
		names[i] = fmt.Sprintf("ch%d", i)
	}
	return names
}

func runListStreams(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list-streams", flag.ExitOnError)
	db := fs.String("db", "", "Sample database")
	fs.Parse(args)

	if *db == "" {
		return common.NewConfigError("list-streams requires -db")
	}
	store, err := samples.NewSQLiteStore(*db, 0)
	if err != nil {
		return err
	}
	defer store.Close()

	streams, err := store.Streams(ctx)
	if err != nil {
		return err
	}
	for _, name := range streams {
		n, err := store.Count(ctx, name)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%d\n", name, n)
	}
	return nil
}
