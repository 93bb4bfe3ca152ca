package vram

import (
	"context"
	"errors"
	"testing"
)

func TestQueryFallsBackWhenNoToolsPresent(t *testing.T) {
	p := &Probe{
		run:    func(ctx context.Context, name string, args ...string) ([]byte, error) { return nil, errors.New("should not be called") },
		lookup: func(string) (string, error) { return "", errors.New("not found") },
	}
	mem := p.Query(7)
	if mem.Source != "fallback" {
		t.Errorf("expected fallback source, got %s", mem.Source)
	}
	if mem.TotalBytes <= 0 {
		t.Errorf("fallback must produce a positive total, got %d", mem.TotalBytes)
	}
}

func TestQueryParsesNvidiaSmiOutput(t *testing.T) {
	p := &Probe{
		lookup: func(name string) (string, error) {
			if name == "nvidia-smi" {
				return "/usr/bin/nvidia-smi", nil
			}
			return "", errors.New("not found")
		},
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("24576, 2048, 22528\n"), nil
		},
	}
	mem := p.Query(7)
	if mem.Source != "nvidia-smi" {
		t.Errorf("expected nvidia-smi source, got %s", mem.Source)
	}
	wantTotal := int64(24576) * 1024 * 1024
	if mem.TotalBytes != wantTotal {
		t.Errorf("expected total %d, got %d", wantTotal, mem.TotalBytes)
	}
}

func TestQueryNeverErrors(t *testing.T) {
	p := &Probe{
		lookup: func(name string) (string, error) {
			if name == "nvidia-smi" {
				return "/usr/bin/nvidia-smi", nil
			}
			return "", errors.New("not found")
		},
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("permission denied")
		},
	}
	mem := p.Query(7)
	if mem.TotalBytes <= 0 {
		t.Errorf("a failed vendor query must still degrade to a usable fallback profile")
	}
}

func TestLowMemoryFlag(t *testing.T) {
	p := &Probe{
		lookup: func(name string) (string, error) {
			if name == "nvidia-smi" {
				return "/usr/bin/nvidia-smi", nil
			}
			return "", errors.New("not found")
		},
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("10000, 9500, 500\n"), nil
		},
	}
	mem := p.Query(7)
	if !mem.LowMemory {
		t.Errorf("expected LowMemory=true when free/total < 20%%")
	}
}
