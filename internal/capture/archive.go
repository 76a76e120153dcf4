package capture

import (
	"archive/zip"
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"sampling-mcp/internal/callstack"
)

// Archive is a finished capture read from disk
type Archive struct {
	Stats   Stats
	Threads []Thread
	Store   *callstack.Store
	Data    *Data
}

// Members of a capture archive, in the order they have to be parsed.
const (
	statsFile        = "Stats.txt"
	modulesFile      = "Modules.txt"
	functionsFile    = "Functions.txt"
	addressInfosFile = "AddressInfos.txt"
	callstacksFile   = "Callstacks.txt"
	eventsFile       = "Events.txt"
	threadsFile      = "Threads.txt"
)

// ReadArchive reads a capture archive (ZIP file) and parses its contents.
func ReadArchive(filePath string, opts ...callstack.StoreOption) (*Archive, error) {
	reader, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open capture archive")
	}
	defer reader.Close()
	return readArchive(&reader.Reader, opts...)
}

// ReadArchiveFrom is ReadArchive for an archive held in memory or any other io.ReaderAt.
func ReadArchiveFrom(r io.ReaderAt, size int64, opts ...callstack.StoreOption) (*Archive, error) {
	reader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open capture archive")
	}
	return readArchive(reader, opts...)
}

func readArchive(reader *zip.Reader, opts ...callstack.StoreOption) (*Archive, error) {
	members := make(map[string]*zip.File, len(reader.File))
	for _, file := range reader.File {
		members[file.Name] = file
	}
	if members[callstacksFile] == nil {
		return nil, errors.Errorf("capture archive has no %s", callstacksFile)
	}

	archive := &Archive{
		Store: callstack.NewStore(opts...),
		Data:  NewData(),
	}

	parsers := []struct {
		name  string
		parse func(io.Reader) error
	}{
		{statsFile, func(r io.Reader) error { return parseStats(r, &archive.Stats) }},
		{modulesFile, func(r io.Reader) error { return parseModules(r, archive.Data) }},
		{functionsFile, func(r io.Reader) error { return parseFunctions(r, archive.Data) }},
		{addressInfosFile, func(r io.Reader) error { return parseAddressInfos(r, archive.Data) }},
		{callstacksFile, func(r io.Reader) error { return parseCallstacks(r, archive.Store) }},
		{eventsFile, func(r io.Reader) error { return parseEvents(r, archive.Store) }},
		{threadsFile, func(r io.Reader) error { return parseThreads(r, &archive.Threads) }},
	}
	for _, p := range parsers {
		file, ok := members[p.name]
		if !ok {
			continue
		}
		if err := parseMember(file, p.parse); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", p.name)
		}
	}
	return archive, nil
}

func parseMember(file *zip.File, parse func(io.Reader) error) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	return parse(rc)
}

// forEachLine calls fn with every non blank line and its 1-based line number.
func forEachLine(r io.Reader, fn func(lineNo int, line string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := fn(lineNo, line); err != nil {
			return errors.Wrapf(err, "line %d", lineNo)
		}
	}
	return scanner.Err()
}

// splitFields splits on spaces, keeping quoted strings together.
func splitFields(line string) []string {
	fields := []string{}
	inQuote := false
	current := strings.Builder{}
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				fields = append(fields, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		fields = append(fields, current.String())
	}
	return fields
}

func parseHex(s string) (uint64, error) {
	if !strings.HasPrefix(s, "0x") {
		return 0, errors.Errorf("invalid address format %q (expected 0x prefix)", s)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid address %q", s)
	}
	return v, nil
}

func parseHexFields(fields []string) ([]uint64, error) {
	out := make([]uint64, 0, len(fields))
	for _, f := range fields {
		v, err := parseHex(f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func parseStats(r io.Reader, stats *Stats) error {
	return forEachLine(r, func(_ int, line string) error {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil
		}
		switch key {
		case "Process":
			stats.Process = value
		case "Pid":
			pid, err := strconv.ParseInt(value, 10, 32)
			if err != nil {
				return errors.Wrap(err, "invalid Pid value")
			}
			stats.Pid = int32(pid)
		case "Date":
			stats.Date = value
		case "Duration":
			stats.Duration = value
		}
		return nil
	})
}

// Format: <path> 0x<start> 0x<end>
func parseModules(r io.Reader, data *Data) error {
	return forEachLine(r, func(_ int, line string) error {
		fields := splitFields(line)
		if len(fields) != 3 {
			return errors.Errorf("malformed module line: %s", line)
		}
		bounds, err := parseHexFields(fields[1:])
		if err != nil {
			return err
		}
		data.AddModule(ModuleInfo{Path: fields[0], Start: bounds[0], End: bounds[1]})
		return nil
	})
}

// Format: 0x<module_base> 0x<offset> 0x<size> "<module>" "<name>"
func parseFunctions(r io.Reader, data *Data) error {
	return forEachLine(r, func(_ int, line string) error {
		fields := splitFields(line)
		if len(fields) != 5 {
			return errors.Errorf("malformed function line: %s", line)
		}
		values, err := parseHexFields(fields[:3])
		if err != nil {
			return err
		}
		data.AddFunction(FunctionInfo{
			ModuleBaseAddress: values[0],
			Offset:            values[1],
			Size:              values[2],
			ModulePath:        fields[3],
			Name:              fields[4],
		})
		return nil
	})
}

// Format: 0x<address> 0x<offset_in_function> "<module>" "<function>"
func parseAddressInfos(r io.Reader, data *Data) error {
	return forEachLine(r, func(_ int, line string) error {
		fields := splitFields(line)
		if len(fields) != 4 {
			return errors.Errorf("malformed address info line: %s", line)
		}
		values, err := parseHexFields(fields[:2])
		if err != nil {
			return err
		}
		if values[1] > values[0] {
			return errors.Errorf("offset %#x is larger than address %#x", values[1], values[0])
		}
		data.AddAddressInfo(AddressInfo{
			AbsoluteAddress:  values[0],
			OffsetInFunction: values[1],
			ModulePath:       fields[2],
			FunctionName:     fields[3],
		})
		return nil
	})
}

// Format: <id> <type> 0x<innermost> ... 0x<outermost>
func parseCallstacks(r io.Reader, store *callstack.Store) error {
	return forEachLine(r, func(_ int, line string) error {
		parts := strings.Fields(line)
		if len(parts) < 3 {
			return errors.Errorf("malformed callstack line (need id, type and frames): %q", line)
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid callstack id %q", parts[0])
		}
		typ, err := callstack.ParseType(parts[1])
		if err != nil {
			return err
		}
		frames, err := parseHexFields(parts[2:])
		if err != nil {
			return err
		}
		return store.AddUniqueCallstack(id, callstack.New(frames, typ))
	})
}

// Format: <tid> <timestamp_ns> <callstack_id>
func parseEvents(r io.Reader, store *callstack.Store) error {
	return forEachLine(r, func(_ int, line string) error {
		parts := strings.Fields(line)
		if len(parts) != 3 {
			return errors.Errorf("malformed event line: %q", line)
		}
		tid, err := strconv.ParseInt(parts[0], 10, 32)
		if err != nil {
			return errors.Wrapf(err, "invalid thread id %q", parts[0])
		}
		ts, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid timestamp %q", parts[1])
		}
		id, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid callstack id %q", parts[2])
		}
		return store.AddCallstackEvent(callstack.Event{ThreadID: int32(tid), TimestampNs: ts, CallstackID: id})
	})
}

func parseThreads(r io.Reader, threads *[]Thread) error {
	var current Thread
	isIDLine := true
	return forEachLine(r, func(_ int, line string) error {
		if isIDLine {
			tid, err := strconv.ParseInt(line, 10, 32)
			if err != nil {
				return errors.Wrap(err, "invalid thread ID")
			}
			current.ID = int32(tid)
			isIDLine = false
			return nil
		}
		current.Name = line
		*threads = append(*threads, current)
		current = Thread{}
		isIDLine = true
		return nil
	})
}
