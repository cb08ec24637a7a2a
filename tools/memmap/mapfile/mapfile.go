// Package mapfile reads boot memory maps for the memmap tool. Two formats are
// understood: a TOML file with one [[region]] table per entry and the
// BIOS-e820 lines that Linux prints to the kernel log at boot.
package mapfile

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/mrjbom/OS/kernel/mem/bootmap"
)

// Format selects the memory map syntax.
type Format string

const (
	// FormatAuto picks TOML for files with a .toml extension and e820
	// otherwise.
	FormatAuto Format = "auto"
	FormatTOML Format = "toml"
	FormatE820 Format = "e820"
)

var e820Line = regexp.MustCompile(`BIOS-e820: \[mem 0x([0-9a-fA-F]+)-0x([0-9a-fA-F]+)\] (.+)$`)

// kindNames maps the names accepted in TOML files to region kinds.
var kindNames = map[string]bootmap.Kind{
	"usable":   bootmap.Usable,
	"reserved": bootmap.Reserved,
	"acpi":     bootmap.AcpiReclaimable,
	"nvs":      bootmap.Nvs,
	"kernel":   bootmap.KernelImage,
	"bad":      bootmap.BadMemory,
}

type tomlRegion struct {
	Start int64  `toml:"start"`
	End   int64  `toml:"end"`
	Kind  string `toml:"kind"`
}

type tomlMap struct {
	Regions []tomlRegion `toml:"region"`
}

// Load reads the memory map at path.
func Load(path string, format Format) (*bootmap.Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading memory map")
	}

	if format == FormatAuto {
		format = FormatE820
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			format = FormatTOML
		}
	}

	m, err := Parse(bytes.NewReader(data), format)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return m, nil
}

// Parse decodes a memory map in the given format. FormatAuto is not accepted.
func Parse(r io.Reader, format Format) (*bootmap.Map, error) {
	switch format {
	case FormatTOML:
		return parseTOML(r)
	case FormatE820:
		return parseE820(r)
	default:
		return nil, errors.Errorf("unsupported memory map format %q", format)
	}
}

func parseTOML(r io.Reader) (*bootmap.Map, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading TOML memory map")
	}

	var tm tomlMap
	if err := toml.Unmarshal(data, &tm); err != nil {
		return nil, errors.Wrap(err, "decoding TOML memory map")
	}

	m := new(bootmap.Map)
	for i, tr := range tm.Regions {
		kind, ok := kindNames[strings.ToLower(tr.Kind)]
		if !ok {
			return nil, errors.Errorf("region %d: unknown kind %q", i, tr.Kind)
		}

		if tr.Start < 0 || tr.End < tr.Start {
			return nil, errors.Errorf("region %d: invalid range [%#x, %#x)", i, tr.Start, tr.End)
		}

		if err := add(m, uint64(tr.Start), uint64(tr.End), kind); err != nil {
			return nil, errors.Wrapf(err, "region %d", i)
		}
	}

	return m, nil
}

func parseE820(r io.Reader) (*bootmap.Map, error) {
	m := new(bootmap.Map)

	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		match := e820Line.FindStringSubmatch(scanner.Text())
		if match == nil {
			continue
		}

		start, err := strconv.ParseUint(match[1], 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: region start", lineNo)
		}
		last, err := strconv.ParseUint(match[2], 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: region end", lineNo)
		}
		if last < start {
			return nil, errors.Errorf("line %d: invalid range [%#x, %#x]", lineNo, start, last)
		}

		// e820 ranges are inclusive.
		if err := add(m, start, last+1, e820Kind(match[3])); err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNo)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading e820 memory map")
	}

	if m.Len() == 0 {
		return nil, errors.New("no BIOS-e820 entries found")
	}
	return m, nil
}

func e820Kind(desc string) bootmap.Kind {
	switch strings.TrimSpace(desc) {
	case "usable":
		return bootmap.Usable
	case "ACPI data":
		return bootmap.AcpiReclaimable
	case "ACPI NVS":
		return bootmap.Nvs
	case "unusable":
		return bootmap.BadMemory
	default:
		return bootmap.Reserved
	}
}

func add(m *bootmap.Map, start, end uint64, kind bootmap.Kind) error {
	if kerr := m.Add(start, end, kind); kerr != nil {
		return errors.Errorf("%s: %s", kerr.Module, kerr.Message)
	}
	return nil
}
