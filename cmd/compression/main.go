package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"lsmkv/pkg/compression"
)

// BenchResult describes one codec run over a file cut into table blocks.
type BenchResult struct {
	Codec          compression.Codec
	OriginalSize   int64
	CompressedSize int64
	Ratio          float64
	CompressTime   time.Duration
	DecompressTime time.Duration
}

func main() {
	var (
		input     = flag.String("input", "", "input file path")
		blockSize = flag.Int("block", 64<<10, "block size in bytes, as in sstable.block_size")
		codecs    = flag.String("codecs", "snappy,s2,zstd", "comma separated codecs to compare")
	)
	flag.Parse()

	if *input == "" {
		log.Fatal("input file is required")
	}
	if *blockSize < 256 {
		log.Fatal("block size must be at least 256 bytes")
	}

	data, err := os.ReadFile(*input)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}

	var results []BenchResult
	for _, name := range strings.Split(*codecs, ",") {
		c, err := compression.ParseCodec(strings.TrimSpace(name))
		if err != nil {
			log.Fatalf("unknown codec %q: %v", name, err)
		}
		fmt.Printf("Benchmarking %s...\n", c)
		res, err := benchmark(c, data, *blockSize)
		if err != nil {
			log.Fatalf("%s failed: %v", c, err)
		}
		results = append(results, res)
	}

	printResults(results)
}

// benchmark compresses data block by block the way the table writer does
// and checks that every block decodes back.
func benchmark(c compression.Codec, data []byte, blockSize int) (BenchResult, error) {
	res := BenchResult{Codec: c, OriginalSize: int64(len(data))}

	var blocks [][]byte
	start := time.Now()
	for off := 0; off < len(data); off += blockSize {
		end := min(off+blockSize, len(data))
		out, err := compression.Encode(c, nil, data[off:end])
		if err != nil {
			return res, fmt.Errorf("encode block at %d: %w", off, err)
		}
		blocks = append(blocks, out)
		res.CompressedSize += int64(len(out))
	}
	res.CompressTime = time.Since(start)

	start = time.Now()
	var buf []byte
	for i, b := range blocks {
		out, err := compression.Decode(c, buf[:0], b)
		if err != nil {
			return res, fmt.Errorf("decode block %d: %w", i, err)
		}
		off := i * blockSize
		if !bytes.Equal(out, data[off:min(off+blockSize, len(data))]) {
			return res, fmt.Errorf("block %d does not round trip", i)
		}
		buf = out
	}
	res.DecompressTime = time.Since(start)

	if res.CompressedSize > 0 {
		res.Ratio = float64(res.OriginalSize) / float64(res.CompressedSize)
	}
	return res, nil
}

func throughput(size int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(size) / (1 << 20) / d.Seconds()
}

func printResults(results []BenchResult) {
	fmt.Println()
	fmt.Printf("%-8s %12s %12s %8s %14s %14s\n", "codec", "original", "compressed", "ratio", "compress MB/s", "decompress MB/s")
	for _, r := range results {
		fmt.Printf("%-8s %12d %12d %8.2f %14.1f %14.1f\n",
			r.Codec, r.OriginalSize, r.CompressedSize, r.Ratio,
			throughput(r.OriginalSize, r.CompressTime),
			throughput(r.OriginalSize, r.DecompressTime))
	}
}
