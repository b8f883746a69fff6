package config

import (
	"io"
	"os"

	"github.com/openparcel/parcelkeeper/pkg/parcel"
	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
)

// ParseParcelConfig reads a parcel.cfg file (line-oriented KEY = VALUE,
// unknown keys ignored) and builds the Parcel it describes. Required keys:
// VERSION, CHUNKSIZE, NUMCHUNKS, CHUNKSPERDIR, CRYPTO, COMPRESS, UUID,
// SERVER, USER, PARCEL, RPATH.
func ParseParcelConfig(path string) (*parcel.Parcel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, parcelerr.New(parcelerr.IOErr, "ParseParcelConfig", "config", err).
			Withf("opening %s", path)
	}
	defer f.Close()

	return DecodeParcelConfig(f)
}

// DecodeParcelConfig parses the parcel.cfg text format from r, deferring the
// line-oriented scan itself to pkg/parcel (the format belongs to the domain
// type it builds, not the config-loading layer), then validates the result.
func DecodeParcelConfig(r io.Reader) (*parcel.Parcel, error) {
	p, err := parcel.ParseConfig(r)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
