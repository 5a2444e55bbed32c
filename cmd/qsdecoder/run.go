/*
NAME
  run.go

DESCRIPTION
  run drives pipeline.Controller against a scripted frame timeline read
  from a text file, one access unit per line, and writes delivered NV12
  planes to an output file (or stdout).

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ausocean/qsdecoder/allocator"
	"github.com/ausocean/qsdecoder/bitstream"
	"github.com/ausocean/qsdecoder/decoder"
	"github.com/ausocean/qsdecoder/decoder/fake"
	"github.com/ausocean/qsdecoder/pipeline"
	"github.com/ausocean/qsdecoder/pipeline/config"
	"github.com/ausocean/qsdecoder/surface"
)

var (
	runScript      string
	runOutput      string
	runCodec       string
	runWidth       int
	runHeight      int
	runQueueLength int
	runMultithread bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Decode a scripted frame timeline and write NV12 output",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runScript, "script", "", "path to a frame timeline script (required)")
	runCmd.Flags().StringVar(&runOutput, "output", "-", "path to write raw NV12 output, or - for stdout")
	runCmd.Flags().StringVar(&runCodec, "codec", "mpeg2", "codec the script is for: h264, mpeg2, vc1, wmv9")
	runCmd.Flags().IntVar(&runWidth, "width", 1920, "frame width in pixels")
	runCmd.Flags().IntVar(&runHeight, "height", 1080, "frame height in pixels")
	runCmd.Flags().IntVar(&runQueueLength, "queue-length", 4, "output queue length (reorder depth)")
	runCmd.Flags().BoolVar(&runMultithread, "mt", true, "enable multithreaded post-processing, decode-sync, and copy")
	runCmd.MarkFlagRequired("script")
}

// fourCC maps a --codec flag value to the FourCC decoder.VideoParams
// reports and the media-type side data Init expects, per
// pipeline.variantFor's switch.
func fourCC(codec string) (string, error) {
	switch strings.ToLower(codec) {
	case "h264":
		return "H264", nil
	case "mpeg2":
		return "MPG2", nil
	case "vc1":
		return "WVC1", nil
	case "wmv9":
		return "WMV3", nil
	default:
		return "", fmt.Errorf("unknown codec %q", codec)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	log := newLogger()

	frames, err := loadScript(runScript)
	if err != nil {
		return fmt.Errorf("load script: %w", err)
	}
	if len(frames) == 0 {
		return fmt.Errorf("script %s contains no frames", runScript)
	}

	out := io.Writer(os.Stdout)
	if runOutput != "-" {
		f, err := os.Create(runOutput)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		out = f
	}

	cc, err := fourCC(runCodec)
	if err != nil {
		return err
	}

	cfg := config.NewDefault(log)
	cfg.OutputQueueLength = runQueueLength
	cfg.EnableMultithreading = runMultithread
	cfg.EnableMTProcessing = runMultithread
	cfg.EnableMTDecode = runMultithread
	cfg.EnableMTCopy = runMultithread

	backing := allocator.NewSystemBacking()
	surfaces := make([]*surface.Surface, len(frames)+cfg.OutputQueueLength+4)
	for i := range surfaces {
		surfaces[i] = &surface.Surface{ID: i}
	}
	dec := fake.New(surface.New(surfaces), frames)
	dec.SetBacking(backing)
	dec.SetParams(decoder.VideoParams{Width: runWidth, Height: runHeight, FourCC: cc})

	var delivered int
	c := pipeline.New(cfg, dec, map[allocator.Type]allocator.Backing{allocator.System: backing}, func(fr pipeline.Frame) {
		delivered++
		log.Info("delivered frame", "index", delivered, "start", fr.Start, "interlace", int(fr.Interlace), "film", fr.Film)
		out.Write(fr.Y)
		out.Write(fr.UV)
	})

	if err := c.Init(mediaTypeFor(cc)); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	for i := range frames {
		au := bitstream.AccessUnit{Data: []byte{0x00, 0x00, 0x01, byte(i)}, StartTime: time.Duration(i) * (time.Second / 30), Valid: true}
		if err := c.Decode(au); err != nil {
			return fmt.Errorf("decode frame %d: %w", i, err)
		}
	}
	if err := c.Flush(true); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err := c.Shutdown(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("run complete", "deliveredFrames", delivered)
	return nil
}

// mediaTypeFor returns the Init side-data blob for a fresh segment of the
// given codec. Of the constructors that consume the blob (AVCLengthPrefixed
// and VC1Simple, per sequenceHeaderFor), only H264 gets one here; every other
// codec, WMV3 included, gets an empty blob.
func mediaTypeFor(fourCC string) []byte {
	switch fourCC {
	case "H264":
		// A minimal fake SPS/PPS pair, 2-byte length prefixed, sufficient for
		// ExtractAVCHeaders to produce a non-empty once-per-segment header.
		sps := []byte{0x67, 0x42, 0x00, 0x1e}
		pps := []byte{0x68, 0xce, 0x3c, 0x80}
		var blob []byte
		for _, nal := range [][]byte{sps, pps} {
			blob = append(blob, 0, byte(len(nal)))
			blob = append(blob, nal...)
		}
		return blob
	default:
		return nil
	}
}

// loadScript reads one fake.Frame per non-empty, non-comment line of path.
// Each line is whitespace-separated: <timestamp> <structure> [corrupt]
// [fillHex], where timestamp is the frame's media timestamp in 90kHz ticks,
// structure is one of progressive, top, bottom, repeated,
// corrupt is the literal "corrupt", and fillHex is a 0x-prefixed byte value
// written across the surface's planes once claimed.
func loadScript(path string) ([]fake.Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var frames []fake.Frame
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		ts, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad timestamp %q: %w", fields[0], err)
		}
		frame := fake.Frame{Timestamp: ts}
		if len(fields) > 1 {
			s, err := parseStructure(fields[1])
			if err != nil {
				return nil, err
			}
			frame.Structure = s
		}
		for _, extra := range fields[2:] {
			switch {
			case extra == "corrupt":
				frame.Corrupt = true
			case strings.HasPrefix(extra, "0x"):
				v, err := strconv.ParseUint(extra[2:], 16, 8)
				if err != nil {
					return nil, fmt.Errorf("bad fill byte %q: %w", extra, err)
				}
				frame.Fill = byte(v)
			}
		}
		frames = append(frames, frame)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}

func parseStructure(s string) (surface.PictureStructure, error) {
	switch strings.ToLower(s) {
	case "progressive":
		return surface.Progressive, nil
	case "top":
		return surface.TopFieldFirst, nil
	case "bottom":
		return surface.BottomFieldFirst, nil
	case "repeated":
		return surface.FieldRepeated, nil
	default:
		return 0, fmt.Errorf("unknown picture structure %q", s)
	}
}
