// Package audio holds the PCM/µ-law conversions used by the voice transport.
// Capture audio travels as 8-bit µ-law frames on the wire; everything local
// is 16-bit little endian PCM.
package audio

import (
	"errors"

	"github.com/zaf/g711"
)

// PCMBytesToULaw converts PCM bytes to µ-law
func PCMBytesToULaw(pcm []byte) ([]byte, error) {
	if err := ValidatePCMData(pcm); err != nil {
		return nil, err
	}
	return g711.EncodeUlaw(pcm), nil
}

// ULawBytesToPCM converts µ-law bytes back to PCM bytes
func ULawBytesToPCM(uBytes []byte) []byte {
	return g711.DecodeUlaw(uBytes)
}

// ValidatePCMData validates PCM byte data for basic integrity
func ValidatePCMData(pcm []byte) error {
	if len(pcm) == 0 {
		return errors.New("PCM data is empty")
	}
	if len(pcm)%2 != 0 {
		return errors.New("PCM data must have even length (16-bit samples)")
	}
	return nil
}
