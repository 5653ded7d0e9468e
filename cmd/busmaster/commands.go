package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"example.com/busmaster/internal/bus"
	"example.com/busmaster/internal/common"
	"example.com/busmaster/internal/replay"
	"example.com/busmaster/internal/report"
	"example.com/busmaster/internal/samples"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %s: %v", errUsage, fs.Name(), err)
	}
	return nil
}

// loadTraffic parses in with the traffic generator. With progress set, read
// throughput is printed on stderr while the file loads.
func loadTraffic(cfg config, in string, progress bool) (*bus.TrafficGenerator, error) {
	if in == "" {
		return nil, fmt.Errorf("%w: --in is required", errUsage)
	}
	gen := bus.NewTrafficGenerator(in)
	gen.Filter = bus.ChannelGroupFilter{Bus: cfg.busType}
	if progress {
		metrics := common.NewMetrics()
		gen.Metrics = metrics
		gen.Open = bus.OpenMdfFileWithMetrics(metrics)
		metrics.Start()
		stop := common.StartProgressPrinter(os.Stderr, metrics, 250*time.Millisecond)
		defer func() {
			stop()
			metrics.Stop()
			snap := metrics.Snapshot()
			common.Logf("read %s in %s: %d records, %d messages, %d dropped",
				common.FormatBytes(snap.Bytes), snap.Duration.Round(time.Millisecond), snap.Records, snap.Messages, snap.Dropped)
		}()
	}
	gen.Enable(true)
	if !gen.IsOperable() {
		if err := gen.LastError(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s: traffic generator not operable", in)
	}
	return gen, nil
}

func summarize(in string, gen *bus.TrafficGenerator) (report.Summary, error) {
	sum := report.Summarize(in, gen.StartTime(), report.Records(gen.Messages()))
	hash, size, err := common.Sha256OfFile(in)
	if err != nil {
		return sum, err
	}
	sum.SHA256 = hash
	sum.Size = size
	return sum, nil
}

func inspectCmd(cfg config, args []string, stdout io.Writer) error {
	fs := newFlagSet("inspect")
	in := fs.String("in", "", "input MDF file")
	limit := fs.Int("messages", 0, "also list the first n messages")
	progress := fs.Bool("progress", false, "display read progress")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	gen, err := loadTraffic(cfg, *in, *progress)
	if err != nil {
		return err
	}
	sum, err := summarize(*in, gen)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "File:\t%s\n", sum.Source)
	fmt.Fprintf(w, "Size:\t%s\n", common.FormatBytes(sum.Size))
	fmt.Fprintf(w, "SHA-256:\t%s\n", sum.SHA256)
	fmt.Fprintf(w, "Start:\t%s\n", formatTime(sum.StartTime))
	fmt.Fprintf(w, "Messages:\t%d\n", sum.Messages)
	if n := gen.DecodeErrors(); n > 0 {
		fmt.Fprintf(w, "Undecodable:\t%d\n", n)
	}
	if sum.Messages > 0 {
		fmt.Fprintf(w, "First:\t%s\n", formatTime(sum.First))
		fmt.Fprintf(w, "Span:\t%s\n", sum.Span())
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "CHANNEL\tID\tCOUNT\tLEN\tPERIOD")
	for _, st := range sum.Identifiers {
		period := "-"
		if st.Period > 0 {
			period = st.Period.String()
		}
		length := fmt.Sprint(st.MinLength)
		if st.MaxLength != st.MinLength {
			length = fmt.Sprintf("%d-%d", st.MinLength, st.MaxLength)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", st.BusChannel, report.FormatCanID(st.CanID, st.Extended), st.Count, length, period)
	}
	if *limit > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "TIME\tCHANNEL\tID\tDIR\tDLC\tDATA")
		for i := 0; i < *limit && i < gen.NofMessages(); i++ {
			f, ok := gen.GetMessage(i).(*bus.CanDataFrame)
			if !ok {
				continue
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t% X\n", formatTime(f.Timestamp()), f.BusChannel(),
				report.FormatCanID(f.CanID(), f.ExtendedID()), f.Direction(), f.Dlc(), f.DataBytes())
		}
	}
	return w.Flush()
}

func recordOutput(cfg config, command, input, output string, messages int) {
	if err := cfg.outputs().Record(command, input, output, messages); err != nil {
		common.Logf("output log %s: %v", cfg.OutputLog, err)
	}
}

func formatTime(ns int64) string {
	return time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
}

func exportFormat(format, out string) (string, error) {
	if format == "" {
		switch strings.ToLower(filepath.Ext(out)) {
		case ".cbor":
			format = "cbor"
		case ".pcap":
			format = "pcap"
		default:
			format = "ndjson"
		}
	}
	switch format = strings.ToLower(format); format {
	case "ndjson", "jsonl", "cbor", "pcap":
		return format, nil
	}
	return "", fmt.Errorf("%w: unknown export format %q", errUsage, format)
}

func exportCmd(cfg config, args []string, stdout io.Writer) error {
	fs := newFlagSet("export")
	in := fs.String("in", "", "input MDF file")
	out := fs.String("out", "", "output file, - for stdout")
	formatFlag := fs.String("format", "", "ndjson, cbor or pcap (default from --out extension)")
	progress := fs.Bool("progress", false, "display read progress")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *out == "" {
		return fmt.Errorf("%w: --out is required", errUsage)
	}
	format, err := exportFormat(*formatFlag, *out)
	if err != nil {
		return err
	}
	gen, err := loadTraffic(cfg, *in, *progress)
	if err != nil {
		return err
	}
	records := report.Records(gen.Messages())

	dst := stdout
	var file *os.File
	if *out != "-" {
		if err := common.EnsureParentDir(*out); err != nil {
			return err
		}
		if file, err = os.Create(*out); err != nil {
			return err
		}
		defer file.Close()
		dst = file
	}
	bw := bufio.NewWriter(dst)
	var n int
	switch format {
	case "cbor":
		err = report.WriteCBOR(bw, report.NewExport(*in, gen.StartTime(), records))
		n = len(records)
	case "pcap":
		n, err = report.WritePCAP(bw, records)
	default:
		n, err = report.WriteNDJSON(bw, records)
	}
	if err != nil {
		return fmt.Errorf("export %s: %w", format, err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if file != nil {
		if err := file.Close(); err != nil {
			return err
		}
		common.Logf("exported %d messages from %s to %s (%s)", n, *in, *out, format)
		recordOutput(cfg, "export", *in, *out, n)
	}
	return nil
}

func reportCmd(cfg config, args []string, stdout io.Writer) error {
	fs := newFlagSet("report")
	in := fs.String("in", "", "input MDF file")
	out := fs.String("out", "", "PDF output (default <in>.pdf, or in the configured report directory)")
	jsonOut := fs.String("json", "", "also write the summary as JSON")
	langFlag := fs.String("lang", "", "report language (en, de)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	lang := cfg.lang
	if *langFlag != "" {
		parsed, err := report.ParseLanguage(*langFlag)
		if err != nil {
			return err
		}
		lang = parsed
	}
	gen, err := loadTraffic(cfg, *in, false)
	if err != nil {
		return err
	}
	sum, err := summarize(*in, gen)
	if err != nil {
		return err
	}
	pdfPath := *out
	if pdfPath == "" {
		base := strings.TrimSuffix(filepath.Base(*in), filepath.Ext(*in)) + ".pdf"
		dir := filepath.Dir(*in)
		if cfg.Report.OutDir != "" {
			dir = cfg.Report.OutDir
		}
		pdfPath = filepath.Join(dir, base)
	}
	if err := report.SaveTrafficPDF(sum, report.PDFOptions{Lang: lang}, pdfPath); err != nil {
		return fmt.Errorf("write PDF: %w", err)
	}
	fmt.Fprintf(stdout, "PDF report written to %s\n", pdfPath)
	recordOutput(cfg, "report", *in, pdfPath, sum.Messages)
	if *jsonOut != "" {
		if err := report.SaveSummaryJSON(sum, *jsonOut); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
		fmt.Fprintf(stdout, "summary written to %s\n", *jsonOut)
	}
	return nil
}

func replayCmd(cfg config, args []string, stdout io.Writer) error {
	fs := newFlagSet("replay")
	in := fs.String("in", "", "input MDF file")
	iface := fs.String("iface", cfg.Replay.Interface, "SocketCAN interface")
	toStdout := fs.Bool("stdout", false, "print frames in candump notation instead of sending them")
	speed := fs.Float64("speed", cfg.Replay.Speed, "time scale, 2 replays twice as fast, 0 without delay")
	channel := fs.Int("channel", -1, "only replay this bus channel")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *speed < 0 {
		return fmt.Errorf("%w: --speed must not be negative", errUsage)
	}
	gen, err := loadTraffic(cfg, *in, false)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var writer replay.FrameWriter
	if *toStdout {
		writer = replay.NewCandumpWriter(stdout, *iface)
	} else {
		sc, err := replay.DialSocketCAN(ctx, *iface)
		if err != nil {
			return err
		}
		defer sc.Close()
		writer = sc
	}
	r := replay.NewReplayer(writer, *speed)
	if *channel >= 0 {
		want := uint8(*channel)
		r.Filter = func(msg bus.BusMessage) bool { return msg.BusChannel() == want }
	}
	stats, err := r.Replay(ctx, gen.Messages())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	common.Logf("replay %s on %s: %d sent, %d skipped in %s", *in, *iface, stats.Sent, stats.Skipped, stats.Duration.Round(time.Millisecond))
	return nil
}

func generateCmd(args []string, stdout io.Writer) error {
	fs := newFlagSet("generate")
	outDir := fs.String("out", ".", "output directory")
	compress := fs.Bool("compress", false, "store record data in compressed ##DZ blocks")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if err := samples.WriteFiles(*outDir, *compress); err != nil {
		return fmt.Errorf("generate samples: %w", err)
	}
	for _, name := range []string{samples.MdfFileName, samples.DbcFileName, samples.ProjectFileName} {
		fmt.Fprintln(stdout, filepath.Join(*outDir, name))
	}
	return nil
}

func projectCmd(cfg config, args []string, stdout io.Writer) error {
	fs := newFlagSet("project")
	file := fs.String("file", cfg.Project, "project file")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	action := "show"
	if fs.NArg() > 0 {
		action = fs.Arg(0)
	}
	if *file == "" {
		return fmt.Errorf("%w: --file is required", errUsage)
	}
	if !bus.IsProjectFile(*file) {
		return fmt.Errorf("%s: %w", *file, bus.ErrNotProjectFile)
	}
	p := bus.NewProject(*file, common.DefaultLogger())
	if err := p.ReadConfig(); err != nil {
		return err
	}
	switch action {
	case "show":
		enableProject(p)
		return printProject(stdout, p)
	case "run":
		enableProject(p)
		n, err := runProject(p)
		if err != nil {
			return err
		}
		for _, dest := range p.Destinations() {
			if dest.Type() == bus.DestinationMdf && dest.Filename != "" {
				recordOutput(cfg, "project run", *file, dest.Filename, n)
			}
		}
		fmt.Fprintf(stdout, "%d messages logged\n", n)
		return nil
	}
	return fmt.Errorf("%w: unknown project action %q", errUsage, action)
}

func enableProject(p *bus.Project) {
	for _, env := range p.Environments() {
		if env.IsEnabled() {
			env.Start()
		}
	}
	for _, db := range p.Databases() {
		db.Enable(true)
	}
	for _, src := range p.Sources() {
		src.Enable(true)
	}
}

// runProject feeds the messages of all operable sources, merged in time
// order, into every destination and returns the number of messages.
func runProject(p *bus.Project) (int, error) {
	var msgs []bus.BusMessage
	for _, src := range p.Sources() {
		if !src.IsOperable() {
			continue
		}
		src.Start()
		if gen := src.Generator(); gen != nil {
			msgs = append(msgs, gen.Messages()...)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp() < msgs[j].Timestamp() })

	var dests []*bus.Destination
	for _, dest := range p.Destinations() {
		dest.Start()
		if dest.IsStarted() {
			dests = append(dests, dest)
		}
	}
	for _, msg := range msgs {
		for _, dest := range dests {
			if err := dest.Write(msg); err != nil {
				return 0, fmt.Errorf("destination %s: %w", dest.Name, err)
			}
		}
	}
	var firstErr error
	for _, dest := range dests {
		if err := dest.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, src := range p.Sources() {
		src.Stop()
	}
	return len(msgs), firstErr
}

func printProject(out io.Writer, p *bus.Project) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	var props []bus.BusProperty
	props = append(props, p.Properties()...)
	for _, env := range p.Environments() {
		props = append(props, env.Properties()...)
	}
	for _, db := range p.Databases() {
		props = append(props, db.Properties()...)
	}
	for _, src := range p.Sources() {
		props = append(props, src.Properties()...)
	}
	for _, dest := range p.Destinations() {
		props = append(props, dest.Properties()...)
	}
	for _, prop := range props {
		switch prop.Type {
		case bus.PropertyHeader:
			fmt.Fprintf(w, "[%s]\n", prop.Label)
		case bus.PropertyBlank:
			fmt.Fprintln(w)
		default:
			value := prop.Value
			if prop.Unit != "" {
				value += " " + prop.Unit
			}
			fmt.Fprintf(w, "  %s:\t%s\n", prop.Label, value)
		}
	}
	return w.Flush()
}
