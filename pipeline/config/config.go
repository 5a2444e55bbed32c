/*
NAME
  config.go

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package config holds the pipeline controller's frozen-after-Init
// configuration surface (spec.md §6 "Configuration surface"), following
// revid/config's Config-struct-plus-Validate/Update shape.
package config

import (
	"fmt"
	"strconv"

	"github.com/ausocean/utils/logging"
)

// Codec identifies the input media's compression format.
type Codec int

const (
	CodecH264 Codec = iota
	CodecMPEG2
	CodecVC1Advanced
	CodecVC1Simple
	CodecWMV9
)

// Config holds the pipeline controller's configuration, frozen after
// Controller.Init (spec.md §3 "Configuration").
type Config struct {
	// EnableH264, EnableMPEG2, EnableVC1, EnableWMV9 gate the media-type
	// probe: a disabled codec is rejected at Init with ErrUnsupported.
	EnableH264  bool
	EnableMPEG2 bool
	EnableVC1   bool
	EnableWMV9  bool

	// OutputQueueLength sizes the reorder queue, FreePool, and ProcessedQueue.
	OutputQueueLength int

	// EnableMultithreading is the master switch gating the three sub-flags
	// below; when false, all three are treated as false regardless of their
	// own value.
	EnableMultithreading bool
	EnableMTProcessing   bool // post-process runs on a worker goroutine.
	EnableMTDecode       bool // decoder sync completion runs on a worker goroutine.
	EnableMTCopy         bool // plane copy uses the worker pool.

	// EnableTimeStampCorrection enables the reorder + IVTC path; when false,
	// decoder timestamps pass straight through.
	EnableTimeStampCorrection bool

	// EnableDVDDecoding enables MPEG program-stream packet stripping ahead
	// of bitstream construction.
	EnableDVDDecoding bool

	// Mod16Width aligns the output clip rect's width up to a multiple of 16.
	Mod16Width bool

	// EnableD3D11 selects the D3D11 surface allocator backing.
	EnableD3D11 bool

	// EnableSWEmulation permits the decoder to fall back to a CPU
	// implementation when hardware acceleration is unavailable.
	EnableSWEmulation bool

	// DecodedQueueCapacity bounds the decoder-completion queue; spec.md §3
	// default is 16.
	DecodedQueueCapacity int

	// WorkerCount sizes the fixed-fan-out copy worker pool; 0 selects
	// workerpool's own NumCPU-derived default.
	WorkerCount int

	// Logger receives structured log output from the pipeline, matching
	// revid.Logger / revid/config.Config.Logger.
	Logger logging.Logger
}

// NewDefault returns a Config with spec.md's stated defaults: all four
// codecs enabled, a 4-deep output queue, multithreading enabled with all
// three sub-flags, timestamp correction on, DVD decoding and D3D11 off.
func NewDefault(logger logging.Logger) Config {
	return Config{
		EnableH264:                true,
		EnableMPEG2:               true,
		EnableVC1:                 true,
		EnableWMV9:                true,
		OutputQueueLength:         4,
		EnableMultithreading:      true,
		EnableMTProcessing:        true,
		EnableMTDecode:            true,
		EnableMTCopy:              true,
		EnableTimeStampCorrection: true,
		DecodedQueueCapacity:      16,
		Logger:                    logger,
	}
}

// EffectiveMT reports the three sub-flags as actually effective: false
// whenever EnableMultithreading is false, matching spec.md §6's "master
// switch gating the three sub-flags below".
func (c Config) EffectiveMT() (processing, decode, copy bool) {
	if !c.EnableMultithreading {
		return false, false, false
	}
	return c.EnableMTProcessing, c.EnableMTDecode, c.EnableMTCopy
}

// Validate checks Config for internal consistency and defaults unset
// fields, matching revid/config.Config.Validate's "check and default"
// contract.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("pipeline/config: Logger must be set")
	}
	if !c.EnableH264 && !c.EnableMPEG2 && !c.EnableVC1 && !c.EnableWMV9 {
		return fmt.Errorf("pipeline/config: at least one codec must be enabled")
	}
	if c.OutputQueueLength <= 0 {
		c.Logger.Info("OutputQueueLength bad or unset, defaulting", "OutputQueueLength", 4)
		c.OutputQueueLength = 4
	}
	if c.DecodedQueueCapacity <= 0 {
		c.Logger.Info("DecodedQueueCapacity bad or unset, defaulting", "DecodedQueueCapacity", 16)
		c.DecodedQueueCapacity = 16
	}
	return nil
}

// Update takes a map of configuration variable names and string values and
// applies recognised keys to c, matching revid.Revid.Update's "vars from
// server" re-configuration path.
func (c *Config) Update(vars map[string]string) {
	boolVars := map[string]*bool{
		"enable_h264":                  &c.EnableH264,
		"enable_mpeg2":                 &c.EnableMPEG2,
		"enable_vc1":                   &c.EnableVC1,
		"enable_wmv9":                  &c.EnableWMV9,
		"enable_multithreading":        &c.EnableMultithreading,
		"enable_mt_processing":         &c.EnableMTProcessing,
		"enable_mt_decode":             &c.EnableMTDecode,
		"enable_mt_copy":               &c.EnableMTCopy,
		"enable_time_stamp_correction": &c.EnableTimeStampCorrection,
		"enable_dvd_decoding":          &c.EnableDVDDecoding,
		"mod16_width":                  &c.Mod16Width,
		"enable_d3d11":                 &c.EnableD3D11,
		"enable_sw_emulation":          &c.EnableSWEmulation,
	}
	for name, field := range boolVars {
		if v, ok := vars[name]; ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				c.Logger.Warning("bad bool value for config var, ignoring", "name", name, "value", v)
				continue
			}
			*field = b
		}
	}

	intVars := map[string]*int{
		"output_queue_length": &c.OutputQueueLength,
		"worker_count":        &c.WorkerCount,
	}
	for name, field := range intVars {
		if v, ok := vars[name]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				c.Logger.Warning("bad int value for config var, ignoring", "name", name, "value", v)
				continue
			}
			*field = n
		}
	}
}
