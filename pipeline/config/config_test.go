package config

import (
	"testing"

	"github.com/ausocean/utils/logging"
)

type testLogger struct{}

func (testLogger) SetLevel(int8)                                     {}
func (testLogger) Log(level int8, message string, params ...interface{}) {}
func (testLogger) Debug(message string, params ...interface{})       {}
func (testLogger) Info(message string, params ...interface{})        {}
func (testLogger) Warning(message string, params ...interface{})     {}
func (testLogger) Error(message string, params ...interface{})       {}

var _ logging.Logger = testLogger{}

func TestValidateDefaultsUnsetFields(t *testing.T) {
	c := Config{EnableH264: true, Logger: testLogger{}}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.OutputQueueLength != 4 {
		t.Fatalf("OutputQueueLength = %d, want default 4", c.OutputQueueLength)
	}
	if c.DecodedQueueCapacity != 16 {
		t.Fatalf("DecodedQueueCapacity = %d, want default 16", c.DecodedQueueCapacity)
	}
}

func TestValidateRejectsNoCodecsEnabled(t *testing.T) {
	c := Config{Logger: testLogger{}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when no codec is enabled")
	}
}

func TestValidateRejectsMissingLogger(t *testing.T) {
	c := Config{EnableH264: true}
	if err := c.Validate(); err == nil {
		t.Fatal("expected error when Logger is nil")
	}
}

func TestEffectiveMTMasterSwitch(t *testing.T) {
	c := Config{EnableMultithreading: false, EnableMTProcessing: true, EnableMTDecode: true, EnableMTCopy: true}
	p, d, cp := c.EffectiveMT()
	if p || d || cp {
		t.Fatal("expected all MT sub-flags false when master switch is off")
	}

	c.EnableMultithreading = true
	p, d, cp = c.EffectiveMT()
	if !p || !d || !cp {
		t.Fatal("expected MT sub-flags to pass through when master switch is on")
	}
}

func TestUpdateAppliesRecognisedVars(t *testing.T) {
	c := NewDefault(testLogger{})
	c.Update(map[string]string{
		"enable_dvd_decoding": "true",
		"output_queue_length": "8",
		"unknown_var":         "ignored",
	})
	if !c.EnableDVDDecoding {
		t.Fatal("expected EnableDVDDecoding to be set")
	}
	if c.OutputQueueLength != 8 {
		t.Fatalf("OutputQueueLength = %d, want 8", c.OutputQueueLength)
	}
}

func TestUpdateIgnoresBadValues(t *testing.T) {
	c := NewDefault(testLogger{})
	orig := c.OutputQueueLength
	c.Update(map[string]string{"output_queue_length": "not-a-number"})
	if c.OutputQueueLength != orig {
		t.Fatalf("OutputQueueLength changed to %d despite bad input", c.OutputQueueLength)
	}
}
