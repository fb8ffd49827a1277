package config

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestEncodeRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	first, err := Encode(cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cfg2, err := Parse(first)
	if err != nil {
		t.Fatalf("re-parse encoded output: %v", err)
	}
	if !reflect.DeepEqual(cfg, cfg2) {
		t.Errorf("round trip changed the snapshot:\n got %+v\nwant %+v", cfg2, cfg)
	}

	second, err := Encode(cfg2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("canonical encoding is not stable:\nfirst:\n%s\nsecond:\n%s", first, second)
	}
}

func TestEncodeEmitsAllKeys(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	data, err := Encode(cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out := string(data)
	for _, key := range []string{
		"show_on_dashboard", "expected_digits", "topic_template",
		"retention_days", "ratio_threshold", "processing_interval_seconds",
	} {
		if !strings.Contains(out, key) {
			t.Errorf("encoded config missing key %q:\n%s", key, out)
		}
	}
}

func TestSaveAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := Save(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load saved file: %v", err)
	}
	if !reflect.DeepEqual(cfg, loaded) {
		t.Errorf("saved snapshot does not load back equal")
	}

	// No temp files should survive a successful save.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "config.yaml" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("directory should hold only config.yaml, got %v", names)
	}
}
