package compiler

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/deicod/asyncjinja/nodes"
)

// ArtifactVersion is bumped whenever the artifact layout or the node set
// changes incompatibly. Artifacts of other versions are rejected.
const ArtifactVersion = 1

// ErrArtifactVersion is returned when decoding an artifact written by an
// incompatible version.
var ErrArtifactVersion = errors.New("compiler: unsupported artifact version")

// envelope is the outer CBOR record of an artifact. The tree travels as a
// zstd-compressed gob stream inside Payload.
type envelope struct {
	Version  int    `cbor:"1,keyasint"`
	Name     string `cbor:"2,keyasint"`
	Async    bool   `cbor:"3,keyasint"`
	Checksum string `cbor:"4,keyasint"`
	Source   string `cbor:"5,keyasint"`
	Payload  []byte `cbor:"6,keyasint"`
}

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder

	registerOnce sync.Once
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("compiler: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("compiler: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compiler: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compiler: zstd decoder initialization failed: " + err.Error())
	}
}

func registerGob() {
	registerOnce.Do(func() {
		nodes.RegisterGob()
		gob.Register(&ExtendsStmt{})
		gob.Register(&IncludeStmt{})
		gob.Register(&ImportStmt{})
		gob.Register(&FromImportStmt{})
	})
}

// Encode serializes a program together with the checksum of the source it
// was compiled from.
func Encode(prog *Program, checksum string) ([]byte, error) {
	registerGob()

	var tree bytes.Buffer
	if err := gob.NewEncoder(&tree).Encode(prog.Tree); err != nil {
		return nil, fmt.Errorf("compiler: encode tree of %q: %w", prog.Name, err)
	}

	data, err := encMode.Marshal(envelope{
		Version:  ArtifactVersion,
		Name:     prog.Name,
		Async:    prog.Async,
		Checksum: checksum,
		Source:   prog.Source,
		Payload:  zstdEncoder.EncodeAll(tree.Bytes(), nil),
	})
	if err != nil {
		return nil, fmt.Errorf("compiler: encode artifact of %q: %w", prog.Name, err)
	}
	return data, nil
}

// Decode restores a program from an artifact produced by Encode and returns
// the source checksum recorded with it.
func Decode(data []byte) (*Program, string, error) {
	registerGob()

	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, "", fmt.Errorf("compiler: decode artifact: %w", err)
	}
	if env.Version != ArtifactVersion {
		return nil, "", fmt.Errorf("%w: %d", ErrArtifactVersion, env.Version)
	}

	raw, err := zstdDecoder.DecodeAll(env.Payload, nil)
	if err != nil {
		return nil, "", fmt.Errorf("compiler: decompress artifact of %q: %w", env.Name, err)
	}

	tree := &nodes.Template{}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(tree); err != nil {
		return nil, "", fmt.Errorf("compiler: decode tree of %q: %w", env.Name, err)
	}

	return &Program{
		Name:   env.Name,
		Async:  env.Async,
		Tree:   tree,
		Source: env.Source,
	}, env.Checksum, nil
}
