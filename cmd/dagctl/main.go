// Package main implements dagctl, an operator tool for Ethash datasets.
// It pre-generates dataset files for stratumd and verifies single solutions offline.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/bardlex/gomp-ethash/internal/ethash"
	"github.com/bardlex/gomp-ethash/internal/validation"
	"github.com/bardlex/gomp-ethash/pkg/log"
)

const version = "dev"

// options are shared by every command.
type options struct {
	EpochLength  uint64 `long:"epoch-length" default:"30000" description:"blocks per epoch"`
	CacheBytes   uint64 `long:"cache-bytes" description:"override the light cache size in bytes"`
	DatasetBytes uint64 `long:"dataset-bytes" description:"override the dataset size in bytes"`
	LogLevel     string `long:"log-level" default:"info" description:"debug, info, warn or error"`

	out io.Writer
}

func (o *options) params() ethash.Params {
	return ethash.Params{
		EpochLength:  o.EpochLength,
		CacheBytes:   o.CacheBytes,
		DatasetBytes: o.DatasetBytes,
	}
}

func (o *options) logger() *log.Logger {
	return log.New("dagctl", version, o.LogLevel, "text")
}

// epochSelector picks an epoch directly or by block height.
type epochSelector struct {
	Epoch  int64  `long:"epoch" default:"-1" description:"epoch number"`
	Height uint64 `long:"height" description:"block height, used when --epoch is not set"`
}

func (s epochSelector) epoch(p ethash.Params) uint64 {
	if s.Epoch >= 0 {
		return uint64(s.Epoch)
	}
	return p.EpochOf(s.Height)
}

type seedCommand struct {
	opts *options
	epochSelector
}

func (c *seedCommand) Execute([]string) error {
	p := c.opts.params()
	epoch := c.epoch(p)
	fmt.Fprintf(c.opts.out, "epoch:        %d\n", epoch)
	fmt.Fprintf(c.opts.out, "seed hash:    0x%x\n", ethash.SeedHash(epoch))
	fmt.Fprintf(c.opts.out, "cache size:   %d\n", p.CacheSize(epoch))
	fmt.Fprintf(c.opts.out, "dataset size: %d\n", p.DatasetSize(epoch))
	fmt.Fprintf(c.opts.out, "dataset file: %s\n", ethash.DatasetFileName(epoch))
	return nil
}

type generateCommand struct {
	opts *options
	epochSelector
	Dir  string `long:"dir" required:"true" description:"directory dataset files are written to"`
	Keep int    `long:"keep" description:"prune all but this many older dataset files; 0 keeps all"`
}

func (c *generateCommand) Execute([]string) error {
	p := c.opts.params()
	epoch := c.epoch(p)
	logger := c.opts.logger().WithEpoch(epoch)

	start := time.Now()
	light, err := ethash.NewLight(p, epoch)
	if err != nil {
		return err
	}
	defer func() { _ = light.Release() }()

	last := -1
	full, err := ethash.GenerateFull(p, light, c.Dir, func(percent int) bool {
		if percent/10 != last/10 {
			logger.LogDatasetProgress(epoch, percent)
			last = percent
		}
		return true
	})
	if err != nil {
		return err
	}
	defer func() { _ = full.Release() }()
	logger.LogDuration("generate_dataset", time.Since(start))

	fmt.Fprintf(c.opts.out, "%s\n", full.Path())

	if c.Keep > 0 {
		removed, err := ethash.PruneDisk(c.Dir, epoch, c.Keep)
		if err != nil {
			return err
		}
		for _, path := range removed {
			logger.Info("removed dataset file", "path", path)
		}
	}
	return nil
}

type verifyCommand struct {
	opts *options
	epochSelector
	Header string `long:"header" required:"true" description:"32-byte header hash in hex"`
	Nonce  string `long:"nonce" required:"true" description:"64-bit nonce in hex"`
	Mix    string `long:"mix" description:"expected mix digest in hex"`
	Target string `long:"target" description:"network target in hex"`
}

func (c *verifyCommand) Execute([]string) error {
	p := c.opts.params()
	epoch := c.epoch(p)

	header, err := hex.DecodeString(strip0x(c.Header))
	if err != nil || len(header) != 32 {
		return fmt.Errorf("header must be 32 bytes of hex")
	}
	nonce, err := strconv.ParseUint(strip0x(c.Nonce), 16, 64)
	if err != nil {
		return fmt.Errorf("invalid nonce: %w", err)
	}

	light, err := ethash.NewLight(p, epoch)
	if err != nil {
		return err
	}
	defer func() { _ = light.Release() }()

	result, _ := light.Compute(header, nonce)
	value := new(big.Int).SetBytes(result.Value[:])

	fmt.Fprintf(c.opts.out, "mix digest: 0x%x\n", result.MixDigest)
	fmt.Fprintf(c.opts.out, "result:     0x%x\n", result.Value)
	fmt.Fprintf(c.opts.out, "difficulty: %g\n", validation.ShareDifficulty(value))

	if c.Target != "" {
		target, ok := new(big.Int).SetString(strip0x(c.Target), 16)
		if !ok {
			return fmt.Errorf("invalid target %q", c.Target)
		}
		fmt.Fprintf(c.opts.out, "block:      %t\n", value.Cmp(target) <= 0)
	}

	if c.Mix != "" && !strings.EqualFold(strip0x(c.Mix), hex.EncodeToString(result.MixDigest[:])) {
		return fmt.Errorf("mix digest mismatch")
	}
	return nil
}

func strip0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func newParser(out io.Writer) *flags.Parser {
	opts := &options{out: out}
	parser := flags.NewParser(opts, flags.Default)

	commands := []struct {
		name, short, long string
		data              any
	}{
		{"seed", "Print epoch parameters", "Print the seed hash and sizes of an epoch.", &seedCommand{opts: opts}},
		{"generate", "Generate a dataset file", "Generate the full dataset of an epoch into a directory stratumd loads it from.", &generateCommand{opts: opts}},
		{"verify", "Verify a solution", "Recompute the mix digest and result of a nonce with the light cache.", &verifyCommand{opts: opts}},
	}
	for _, c := range commands {
		if _, err := parser.AddCommand(c.name, c.short, c.long, c.data); err != nil {
			panic(err)
		}
	}
	return parser
}

func run(args []string, out io.Writer) error {
	_, err := newParser(out).ParseArgs(args)
	return err
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		// the parser has already printed err
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
