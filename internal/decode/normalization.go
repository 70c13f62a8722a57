package decode

import (
	"io"

	"github.com/waveecore/waveecore/internal/audiocrypt"
)

// ReadNormalizationData reads the 16-byte normalization block at a fixed
// offset within the (still header-prefixed) decrypted stream, used to
// attach gain/peak data to track metadata before the decoder strips the
// header.
func ReadNormalizationData(r io.ReadSeeker) (audiocrypt.NormalizationData, error) {
	if _, err := r.Seek(audiocrypt.NormalizationOffset, io.SeekStart); err != nil {
		return audiocrypt.NormalizationData{}, err
	}
	block := make([]byte, 16)
	n, err := io.ReadFull(r, block)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return audiocrypt.NormalizationData{}, err
	}
	if _, serr := r.Seek(0, io.SeekStart); serr != nil {
		return audiocrypt.NormalizationData{}, serr
	}
	return audiocrypt.ParseNormalizationData(block[:n]), nil
}
