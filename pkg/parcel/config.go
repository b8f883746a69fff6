package parcel

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/openparcel/parcelkeeper/pkg/codec/compress"
	"github.com/openparcel/parcelkeeper/pkg/parcelerr"
	"github.com/openparcel/parcelkeeper/pkg/suite"
)

// requiredKeys lists every parcel.cfg key ParseConfig refuses to proceed
// without. Unknown keys are ignored, per spec.
var requiredKeys = []string{
	"VERSION", "CHUNKSIZE", "NUMCHUNKS", "CHUNKSPERDIR", "CRYPTO",
	"COMPRESS", "UUID", "SERVER", "USER", "PARCEL", "RPATH",
}

// ParseConfig parses a parcel.cfg document: line-oriented `KEY = VALUE`,
// blank lines and `#`-prefixed comments ignored, unknown keys ignored.
func ParseConfig(r io.Reader) (*Parcel, error) {
	raw := map[string]string{}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, parcelerr.New(parcelerr.BadFormat, "ParseConfig", "parcel", nil).
				Withf("malformed line %q: expected KEY = VALUE", line)
		}
		key := strings.ToUpper(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		raw[key] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, parcelerr.New(parcelerr.IOErr, "ParseConfig", "parcel", err)
	}

	for _, k := range requiredKeys {
		if _, ok := raw[k]; !ok {
			return nil, parcelerr.New(parcelerr.InvalidArgument, "ParseConfig", "parcel", nil).
				Withf("missing required key %s", k)
		}
	}

	version, err := strconv.Atoi(raw["VERSION"])
	if err != nil {
		return nil, badInt("VERSION", raw["VERSION"])
	}
	chunkSize, err := strconv.ParseUint(raw["CHUNKSIZE"], 10, 32)
	if err != nil {
		return nil, badInt("CHUNKSIZE", raw["CHUNKSIZE"])
	}
	numChunks, err := strconv.ParseUint(raw["NUMCHUNKS"], 10, 32)
	if err != nil {
		return nil, badInt("NUMCHUNKS", raw["NUMCHUNKS"])
	}
	chunksPerDir, err := strconv.ParseUint(raw["CHUNKSPERDIR"], 10, 32)
	if err != nil {
		return nil, badInt("CHUNKSPERDIR", raw["CHUNKSPERDIR"])
	}

	suiteID, err := suite.ParseID(strings.ToLower(raw["CRYPTO"]))
	if err != nil {
		return nil, err
	}

	var tags []compress.Tag
	for _, name := range strings.Split(raw["COMPRESS"], ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		tag, err := compress.ParseTag(name)
		if err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	if len(tags) == 0 {
		return nil, parcelerr.New(parcelerr.InvalidArgument, "ParseConfig", "parcel", nil).
			Withf("COMPRESS must list at least one compression tag")
	}

	p := &Parcel{
		UUID:         strings.ToLower(raw["UUID"]),
		Server:       raw["SERVER"],
		User:         raw["USER"],
		Name:         raw["PARCEL"],
		RPath:        raw["RPATH"],
		Version:      version,
		ChunkSize:    uint32(chunkSize),
		NumChunks:    uint32(numChunks),
		ChunksPerDir: uint32(chunksPerDir),
		Suite:        suiteID,
		Compression:  tags,
		Size:         int64(chunkSize) * int64(numChunks),
		Origin:       raw["ORIGIN"],
	}
	return p, nil
}

// WriteConfig serializes a Parcel back to the parcel.cfg text format.
func WriteConfig(w io.Writer, p *Parcel) error {
	names := make([]string, len(p.Compression))
	for i, tag := range p.Compression {
		names[i] = tag.String()
	}

	lines := []string{
		"VERSION = " + strconv.Itoa(p.Version),
		"CHUNKSIZE = " + strconv.FormatUint(uint64(p.ChunkSize), 10),
		"NUMCHUNKS = " + strconv.FormatUint(uint64(p.NumChunks), 10),
		"CHUNKSPERDIR = " + strconv.FormatUint(uint64(p.ChunksPerDir), 10),
		"CRYPTO = " + p.Suite.String(),
		"COMPRESS = " + strings.Join(names, ","),
		"UUID = " + p.UUID,
		"SERVER = " + p.Server,
		"USER = " + p.User,
		"PARCEL = " + p.Name,
		"RPATH = " + p.RPath,
	}
	if p.Origin != "" {
		lines = append(lines, "ORIGIN = "+p.Origin)
	}
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return parcelerr.New(parcelerr.IOErr, "WriteConfig", "parcel", err)
		}
	}
	return nil
}

func badInt(key, val string) error {
	return parcelerr.New(parcelerr.InvalidArgument, "ParseConfig", "parcel", nil).
		Withf("key %s has non-numeric value %q", key, val)
}
