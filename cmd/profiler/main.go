package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand" //nolint:gosec // intentional use for reproducible datasets
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/felixge/fgprof"

	"github.com/meigma/dirstream"
	"github.com/meigma/dirstream/internal/testutil"
)

type config struct {
	mode             string
	format           string
	files            int
	fileSize         int
	dirCount         int
	pattern          string
	compressionLevel int
	bufferSize       int64
	chunkSize        int
	clientBPS        int64
	clientLatency    time.Duration
	fgProfile        string
	duration         time.Duration
	iterations       int
	pprofAddr        string
	cpuProfile       string
	memProfile       string
	traceFile        string
	tempDir          string
	keepTemp         bool
	randomSeed       int64
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkEntries []dirstream.Entry
	sinkCount   int
)

//nolint:gocognit,gocyclo // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	dir, cleanup, err := setupTempDir(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	if err := makeFiles(dir, cfg.files, cfg.fileSize, cfg.dirCount, cfg.pattern, cfg.randomSeed); err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
	}

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, dir)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s format=%s ops=%d bytes=%d peak=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.mode,
		cfg.format,
		stats.ops,
		stats.bytes,
		stats.peak,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	peak    int64
	elapsed time.Duration
}

//nolint:gocritic // hugeParam acceptable for profiler
func runProfile(cfg config, rootDir string) (profileStats, error) {
	format, err := dirstream.ParseFormat(cfg.format)
	if err != nil {
		return profileStats{}, err
	}
	req := dirstream.Request{Root: rootDir, Format: format}
	opts := []dirstream.Option{
		dirstream.WithCompressionLevel(cfg.compressionLevel),
		dirstream.WithBufferSize(cfg.bufferSize),
		dirstream.WithChunkSize(cfg.chunkSize),
	}

	start := time.Now()
	var stats profileStats

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return stats.ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	switch cfg.mode {
	case "generate":
		for shouldContinue() {
			var w io.Writer = io.Discard
			if cfg.clientBPS > 0 {
				w = &testutil.ThrottledWriter{W: io.Discard, BytesPerSecond: cfg.clientBPS}
			}
			n, peak, err := generateOnce(req, w, opts)
			if err != nil {
				return profileStats{}, err
			}
			stats.bytes += n
			stats.peak = max(stats.peak, peak)
			stats.ops++
		}

	case "http":
		url, client, cleanup := newArchiveServer(cfg, req, opts)
		defer cleanup()
		for shouldContinue() {
			n, err := download(client, url)
			if err != nil {
				return profileStats{}, err
			}
			stats.bytes += n
			stats.ops++
		}

	case "list":
		for shouldContinue() {
			entries, err := dirstream.List(filepath.Join(rootDir, "dir00"), false)
			if err != nil {
				return profileStats{}, err
			}
			sinkEntries = entries
			stats.ops++
		}

	case "collect":
		for shouldContinue() {
			count, err := collectOnce(req)
			if err != nil {
				return profileStats{}, err
			}
			sinkCount = count
			stats.ops++
		}

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	stats.elapsed = time.Since(start)
	return stats, nil
}

func generateOnce(req dirstream.Request, w io.Writer, opts []dirstream.Option) (int64, int64, error) {
	a, err := dirstream.Generate(context.Background(), req, opts...)
	if err != nil {
		return 0, 0, err
	}
	n, err := a.WriteTo(w)
	if err != nil {
		_ = a.Close()
		return n, 0, err
	}
	peak := a.PipeState().PeakBytes
	return n, peak, a.Close()
}

func collectOnce(req dirstream.Request) (int, error) {
	root, err := os.OpenRoot(req.Root)
	if err != nil {
		return 0, err
	}
	defer root.Close()

	col := dirstream.NewCollector(root, req)
	count := 0
	for _, err := range col.Entries(context.Background()) {
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func parseFlags() config {
	var cfg config
	var clientBPS string
	flag.StringVar(&cfg.mode, "mode", "generate", "mode: generate, http, list, collect")
	flag.StringVar(&cfg.format, "format", "zip", "archive format: tar, tar.gz, zip")
	flag.IntVar(&cfg.files, "files", 512, "number of files")
	flag.IntVar(&cfg.fileSize, "file-size", 16<<10, "file size in bytes")
	flag.IntVar(&cfg.dirCount, "dir-count", 16, "number of directories")
	flag.StringVar(&cfg.pattern, "pattern", "compressible", "pattern: compressible or random")
	flag.IntVar(&cfg.compressionLevel, "compression-level", -1, "deflate level, -1 for the library default")
	flag.Int64Var(&cfg.bufferSize, "buffer-size", dirstream.DefaultBufferSize, "pipe capacity in bytes")
	flag.IntVar(&cfg.chunkSize, "chunk-size", dirstream.DefaultChunkSize, "pipe chunk size in bytes")
	flag.StringVar(&clientBPS, "client-bps", "", "bytes/sec throttle for the consumer (e.g. 10MBps)")
	flag.DurationVar(&cfg.clientLatency, "client-latency", 0, "per-request latency in http mode")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.StringVar(&cfg.tempDir, "temp-dir", "", "directory to use for dataset")
	flag.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temp dir after run")
	flag.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.Parse()
	if clientBPS != "" {
		bps, err := parseBytesPerSecond(clientBPS)
		if err != nil {
			log.Fatalf("client-bps: %v", err)
		}
		cfg.clientBPS = bps
	}
	return cfg
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setupTempDir(cfg config) (string, func() error, error) {
	if cfg.tempDir != "" {
		return cfg.tempDir, nil, os.MkdirAll(cfg.tempDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler temp dirs
	}
	dir, err := os.MkdirTemp("", "dirstream-profiler-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error {
		if cfg.keepTemp {
			return nil
		}
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}

func makeFiles(dir string, fileCount, fileSize, dirCount int, pattern string, seed int64) error {
	if dirCount <= 0 {
		dirCount = 1
	}
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // intentional use for reproducible datasets
	for i := range fileCount {
		relPath := fmt.Sprintf("dir%02d/file%05d.dat", i%dirCount, i)
		fullPath := filepath.Join(dir, filepath.FromSlash(relPath))
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil { //nolint:gosec // 0o755 is intentional for profiler
			return err
		}

		content := make([]byte, fileSize)
		switch pattern {
		case "random":
			if _, err := rng.Read(content); err != nil {
				return err
			}
		default:
			fillByte := byte('a' + (i % 26))
			for j := range content {
				content[j] = fillByte
			}
			if len(content) > 0 {
				content[0] = byte(i)
			}
		}

		if err := os.WriteFile(fullPath, content, 0o644); err != nil { //nolint:gosec // 0o644 is intentional for profiler test files
			return err
		}
	}
	return nil
}
