package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hupe1980/tilecache"
	"github.com/hupe1980/tilecache/model"
)

const (
	defaultPairs       = 10_000
	defaultWidth       = 1280
	defaultHeight      = 800
	defaultSteps       = 20
	defaultDecodeDelay = 2 * time.Millisecond
	idlePoll           = 5 * time.Millisecond
	idleTimeout        = 30 * time.Second
)

// ErrNoPairs is returned when there is nothing to benchmark.
var ErrNoPairs = errors.New("no pairs to benchmark")

type benchOptions struct {
	pairs       int
	manifest    string
	width       int
	height      int
	steps       int
	step        int
	decodeDelay time.Duration
	maxBytes    string
	verbose     bool
	noColor     bool
}

type benchResult struct {
	Pairs       int
	Batches     int
	ScanTime    time.Duration
	Steps       int
	ScrollTime  time.Duration
	PeakBytes   int64
	Window      model.ViewportWindow
	Gallery     tilecache.Stats
	Metrics     tilecache.BasicMetricsStats
	Session     tilecache.SessionStats
	OverBudget  bool
	ReadyTiles  int
	Placeholder int
}

func newBenchCommand(configPath *string) *cobra.Command {
	opts := benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a scroll benchmark",
		Long: `Scan pairs, then scroll the viewport one page per step and wait until every
requested tile settled. Without --manifest synthetic pairs are decoded by a
fake decoder that allocates a full bitmap after --decode-delay.

Examples:
  tilebench bench --pairs 50000 --max-bytes 64MiB
  tilebench bench --manifest photos.yaml --config tilecache.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.noColor {
				color.NoColor = true //nolint:reassign // library global
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			res, err := runBench(ctx, *configPath, opts)
			if err != nil {
				return err
			}
			renderResult(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().IntVarP(&opts.pairs, "pairs", "n", defaultPairs, "number of synthetic pairs")
	cmd.Flags().StringVarP(&opts.manifest, "manifest", "m", "", "YAML manifest of real pairs")
	cmd.Flags().IntVar(&opts.width, "width", defaultWidth, "viewport width in pixels")
	cmd.Flags().IntVar(&opts.height, "height", defaultHeight, "viewport height in pixels")
	cmd.Flags().IntVar(&opts.steps, "steps", defaultSteps, "scroll steps")
	cmd.Flags().IntVar(&opts.step, "step", 0, "pixels per scroll step (default one viewport height)")
	cmd.Flags().DurationVar(&opts.decodeDelay, "decode-delay", defaultDecodeDelay, "synthetic decode latency")
	cmd.Flags().StringVar(&opts.maxBytes, "max-bytes", "", "memory budget override, e.g. 256MiB")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	return cmd
}

func runBench(ctx context.Context, configPath string, opts benchOptions) (benchResult, error) {
	cfg, err := tilecache.LoadConfig(configPath)
	if err != nil {
		return benchResult{}, err
	}
	if opts.maxBytes != "" {
		cfg.Memory.MaxBytes = opts.maxBytes
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}

	var (
		pairs   []model.FilePair
		decoder tilecache.Decoder
	)
	if opts.manifest != "" {
		pairs, err = loadManifest(opts.manifest)
		if err != nil {
			return benchResult{}, err
		}
	} else {
		pairs = syntheticPairs(opts.pairs)
		decoder = syntheticDecoder(opts.decodeDelay)
	}
	if len(pairs) == 0 {
		return benchResult{}, ErrNoPairs
	}

	metrics := &tilecache.BasicMetricsCollector{}
	gopts := []tilecache.Option{
		tilecache.WithLogger(tilecache.NewLoggerFromConfig(cfg.Logging)),
		tilecache.WithMetricsCollector(metrics),
	}
	if decoder != nil {
		gopts = append(gopts, tilecache.WithDecoder(decoder))
	}

	g, err := tilecache.New(cfg, gopts...)
	if err != nil {
		return benchResult{}, err
	}
	defer g.Close()

	res := benchResult{Pairs: len(pairs)}

	start := time.Now()
	s, err := g.StartSession(ctx, pairs)
	if err != nil {
		return benchResult{}, err
	}
	go func() {
		for range s.Batches() {
		}
	}()
	if err := waitScanned(ctx, s, len(pairs)); err != nil {
		return benchResult{}, err
	}
	res.ScanTime = time.Since(start)

	step := opts.step
	if step <= 0 {
		step = opts.height
	}

	s.Resize(opts.width, opts.height)
	start = time.Now()
	for i := 0; i < max(opts.steps, 1); i++ {
		s.Scroll(i * step)
		w, err := s.Resolve(ctx)
		if err != nil {
			return benchResult{}, err
		}
		res.Window = w
		res.Steps++

		peak, err := waitIdle(ctx, g, s)
		if err != nil {
			return benchResult{}, err
		}
		res.PeakBytes = max(res.PeakBytes, peak)
	}
	res.ScrollTime = time.Since(start)

	res.Gallery = g.Stats()
	res.Metrics = metrics.GetStats()
	res.Session = s.Stats()
	res.Batches = int(res.Metrics.BatchCount)
	res.OverBudget = res.PeakBytes > res.Gallery.Memory.Max

	for i := res.Window.Visible.Lo; i < res.Window.Visible.Hi; i++ {
		rec, ok := s.Record(i)
		if !ok {
			continue
		}
		if st, _ := s.State(rec.Pair.ID); st == tilecache.StateReady {
			res.ReadyTiles++
			if s.Degraded(rec.Pair.ID) {
				res.Placeholder++
			}
		}
	}
	return res, nil
}

// syntheticDecoder allocates a full-size bitmap after delay.
func syntheticDecoder(delay time.Duration) tilecache.Decoder {
	return tilecache.DecoderFunc(func(ctx context.Context, path string, size int) (model.ThumbnailAsset, error) {
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return model.ThumbnailAsset{}, ctx.Err()
			}
		}
		bm := make([]byte, size*size*4)
		return model.ThumbnailAsset{Bitmap: bm, Width: size, Height: size, ByteSize: int64(len(bm))}, nil
	})
}

func waitScanned(ctx context.Context, s *tilecache.Session, n int) error {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()

	for s.Len() < n {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// waitIdle polls until no tile is queued or building and returns the peak
// memory use it observed.
func waitIdle(ctx context.Context, g *tilecache.Gallery, s *tilecache.Session) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, idleTimeout)
	defer cancel()

	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()

	var peak int64
	for {
		peak = max(peak, g.Stats().Memory.Used)
		tiles := s.Stats().Tiles
		if tiles[tilecache.StatePending]+tiles[tilecache.StateMaterializing] == 0 {
			return peak, nil
		}
		select {
		case <-ctx.Done():
			return peak, fmt.Errorf("wait for tiles: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func renderResult(out io.Writer, res benchResult) {
	mem := res.Gallery.Memory
	c := res.Gallery.Cache
	m := res.Metrics

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Metric", "Value"})

	tbl.AppendRow(table.Row{"pairs", humanize.Comma(int64(res.Pairs))})
	tbl.AppendRow(table.Row{"batches", res.Batches})
	tbl.AppendRow(table.Row{"scan time", res.ScanTime.Round(time.Millisecond)})
	tbl.AppendSeparator()
	tbl.AppendRow(table.Row{"scroll steps", res.Steps})
	tbl.AppendRow(table.Row{"scroll time", res.ScrollTime.Round(time.Millisecond)})
	tbl.AppendRow(table.Row{"last window", fmt.Sprintf("visible %s, buffer %s, %d columns", res.Window.Visible, res.Window.Buffer, res.Window.Columns)})
	tbl.AppendRow(table.Row{"visible ready", fmt.Sprintf("%d (%d placeholders)", res.ReadyTiles, res.Placeholder)})
	tbl.AppendSeparator()
	tbl.AppendRow(table.Row{"builds", fmt.Sprintf("%d (%d failed)", m.BuildCount, m.BuildErrors)})
	tbl.AppendRow(table.Row{"build avg", time.Duration(m.BuildAvgNanos).Round(time.Microsecond)})
	tbl.AppendRow(table.Row{"cache hits / misses", fmt.Sprintf("%d / %d", c.Hits, c.Misses)})
	tbl.AppendRow(table.Row{"admitted / rejected", fmt.Sprintf("%d / %d", m.Admitted, m.Rejected)})
	tbl.AppendRow(table.Row{"evicted", fmt.Sprintf("%d tiles, %s", m.EvictedTiles, humanize.IBytes(uint64(max(m.EvictedBytes, 0))))})
	tbl.AppendSeparator()
	tbl.AppendRow(table.Row{"budget", humanize.IBytes(uint64(max(mem.Max, 0)))})
	tbl.AppendRow(table.Row{"used", humanize.IBytes(uint64(max(mem.Used, 0)))})
	tbl.AppendRow(table.Row{"peak", humanize.IBytes(uint64(max(res.PeakBytes, 0)))})
	tbl.AppendRow(table.Row{"pressure", mem.Level.String()})

	budget := color.GreenString("within budget")
	if res.OverBudget {
		budget = color.RedString("over budget")
	}
	tbl.AppendFooter(table.Row{"status", budget})

	fmt.Fprintln(out, tbl.Render())
	if res.Session.EventsDropped > 0 {
		fmt.Fprintln(out, color.YellowString("%d lifecycle events dropped", res.Session.EventsDropped))
	}
}
