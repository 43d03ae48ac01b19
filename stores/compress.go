package stores

import (
	"bytes"
	"context"
	"diagram-sync/core"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// maxDecodedSnapshot bounds decompression of a stored blob.
const maxDecodedSnapshot = 256 << 20

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// zstd.Encoder and zstd.Decoder are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("stores: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSnapshot))
	if err != nil {
		panic("stores: zstd decoder initialization failed: " + err.Error())
	}
}

type compressedStore struct {
	Store
}

// WithCompression stores snapshots zstd-compressed. Blobs without the zstd
// frame magic are returned as written, so existing uncompressed snapshots
// keep loading.
func WithCompression(store Store) Store {
	return &compressedStore{Store: store}
}

func (s *compressedStore) Load(ctx context.Context, diagramID string) (*core.Snapshot, error) {
	snapshot, err := s.Store.Load(ctx, diagramID)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(snapshot.Data, zstdMagic) {
		return snapshot, nil
	}
	data, err := zstdDecoder.DecodeAll(snapshot.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot %s: %w", diagramID, err)
	}
	snapshot.Data = data
	return snapshot, nil
}

func (s *compressedStore) Save(ctx context.Context, diagramID string, data []byte) error {
	return s.Store.Save(ctx, diagramID, zstdEncoder.EncodeAll(data, nil))
}

func (s *compressedStore) Close() error { return closeStore(s.Store) }
