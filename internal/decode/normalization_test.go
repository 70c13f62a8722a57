package decode

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/waveecore/waveecore/internal/audiocrypt"
)

func buildStreamWithNormalization(trackGain, trackPeak, albumGain, albumPeak float32) []byte {
	buf := make([]byte, audiocrypt.NormalizationOffset+16+8)
	block := buf[audiocrypt.NormalizationOffset : audiocrypt.NormalizationOffset+16]
	binary.BigEndian.PutUint32(block[0:4], math.Float32bits(trackGain))
	binary.BigEndian.PutUint32(block[4:8], math.Float32bits(trackPeak))
	binary.BigEndian.PutUint32(block[8:12], math.Float32bits(albumGain))
	binary.BigEndian.PutUint32(block[12:16], math.Float32bits(albumPeak))
	return buf
}

func TestReadNormalizationDataParsesBlockAndRestoresPosition(t *testing.T) {
	raw := buildStreamWithNormalization(-6.5, 0.98, -7.2, 0.95)
	r := bytes.NewReader(raw)

	data, err := ReadNormalizationData(r)
	if err != nil {
		t.Fatal(err)
	}
	if data.TrackGainDB != -6.5 || data.TrackPeak != 0.98 {
		t.Fatalf("unexpected track normalization: %+v", data)
	}
	if data.AlbumGainDB != -7.2 || data.AlbumPeak != 0.95 {
		t.Fatalf("unexpected album normalization: %+v", data)
	}

	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 0 {
		t.Fatalf("expected stream position restored to 0, got %d", pos)
	}
}

func TestReadNormalizationDataTruncatedStreamYieldsDefaults(t *testing.T) {
	raw := make([]byte, audiocrypt.NormalizationOffset+4)
	r := bytes.NewReader(raw)

	data, err := ReadNormalizationData(r)
	if err != nil {
		t.Fatal(err)
	}
	if data != audiocrypt.DefaultNormalizationData {
		t.Fatalf("expected default normalization data, got %+v", data)
	}
}
