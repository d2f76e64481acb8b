package main

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/wippyai/wasm-sandbox/config"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/module"
	"github.com/wippyai/wasm-sandbox/module/dl"
	"github.com/wippyai/wasm-sandbox/module/wasmsrc"
)

var (
	elfMagic  = []byte("\x7fELF")
	wasmMagic = []byte("\x00asm")
)

// loaded is a module opened from a file.
type loaded struct {
	module.Module
	path   string
	format string
	closer io.Closer
}

func (l *loaded) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// exportNames lists exported functions when the source can enumerate them.
func (l *loaded) exportNames() []string {
	if e, ok := l.Module.(interface{ ExportNames() []string }); ok {
		return e.ExportNames()
	}
	return nil
}

// openModule picks the module source from the file's magic number.
func openModule(ctx context.Context, path string, cfg *config.Config, base uint64) (*loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Load("read "+path, err)
	}

	switch {
	case bytes.HasPrefix(data, elfMagic):
		m, err := dl.NewModule(bytes.NewReader(data), path, dl.Options{Base: uintptr(base)})
		if err != nil {
			return nil, err
		}
		return &loaded{Module: m, path: path, format: "shared object", closer: m}, nil

	case bytes.HasPrefix(data, wasmMagic):
		m, err := wasmsrc.Load(ctx, data, cfg.WasmOptions())
		if err != nil {
			return nil, err
		}
		return &loaded{Module: m, path: path, format: "wasm"}, nil
	}

	return nil, errors.New(errors.PhaseLoad, errors.KindUnsupported).
		Path(path).
		Detail("not a shared object or wasm binary").
		Build()
}
