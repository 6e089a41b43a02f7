// Copyright 2026 The Coquille Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Interpreter artifacts ship either raw or compressed; the loader
// sniffs the frame magic rather than trusting a file extension.
var (
	wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// artifact is a decoded interpreter binary plus its content digest.
// The digest names the artifact in logs and keys the on-disk
// compilation cache.
type artifact struct {
	wasm   []byte
	digest [32]byte
}

func (a *artifact) digestHex() string {
	return hex.EncodeToString(a.digest[:])
}

// loadArtifact decodes raw bytes into a wasm binary, decompressing
// as needed. source is used only for error reporting.
func loadArtifact(source string, raw []byte) (*artifact, error) {
	if len(raw) == 0 {
		return nil, &LoadError{Source: source, Err: fmt.Errorf("empty artifact")}
	}

	wasm := raw
	switch {
	case bytes.HasPrefix(raw, wasmMagic):
	case bytes.HasPrefix(raw, zstdMagic):
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, &LoadError{Source: source, Err: err}
		}
		defer dec.Close()
		wasm, err = dec.DecodeAll(raw, nil)
		if err != nil {
			return nil, &LoadError{Source: source, Err: fmt.Errorf("zstd: %w", err)}
		}
	case bytes.HasPrefix(raw, lz4Magic):
		var err error
		wasm, err = io.ReadAll(lz4.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, &LoadError{Source: source, Err: fmt.Errorf("lz4: %w", err)}
		}
	default:
		return nil, &LoadError{Source: source, Err: fmt.Errorf("unrecognized artifact format")}
	}

	if !bytes.HasPrefix(wasm, wasmMagic) {
		return nil, &LoadError{Source: source, Err: fmt.Errorf("decompressed artifact is not a wasm binary")}
	}

	return &artifact{wasm: wasm, digest: blake3.Sum256(wasm)}, nil
}

func loadArtifactFile(path string) (*artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	return loadArtifact(path, raw)
}

// The embedded artifact registry lets a binary distribution carry
// the interpreter via go:embed in a dedicated package whose init
// calls RegisterEmbedded, keeping this module free of the multi-MB
// binary.
var (
	embeddedMu   sync.RWMutex
	embeddedWasm []byte
)

// RegisterEmbedded installs raw as the process-wide embedded
// interpreter artifact. Compressed artifacts are accepted.
func RegisterEmbedded(raw []byte) {
	embeddedMu.Lock()
	defer embeddedMu.Unlock()
	embeddedWasm = raw
}

// HasEmbedded reports whether an embedded artifact is registered.
func HasEmbedded() bool {
	embeddedMu.RLock()
	defer embeddedMu.RUnlock()
	return len(embeddedWasm) > 0
}

func embeddedArtifact() ([]byte, bool) {
	embeddedMu.RLock()
	defer embeddedMu.RUnlock()
	return embeddedWasm, len(embeddedWasm) > 0
}
