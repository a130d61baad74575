package dso

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// glibc ld.so.cache parsing, "new" format only (glibc >= 2.2).

const (
	ldCacheMagic   = "glibc-ld.so.cache"
	ldCacheVersion = "1.1"
)

// mirrors glibc's cache_file_new
type ldCacheHeader struct {
	Magic        [len(ldCacheMagic)]byte
	Version      [len(ldCacheVersion)]byte
	NLibs        uint32
	LenStrings   uint32
	Flags        uint8
	_            [3]byte
	ExtensionOff uint32
	_            [3]uint32
}

// mirrors glibc's file_entry_new
type ldCacheEntry struct {
	Flags           int32
	Key             uint32
	Value           uint32
	OSVersionUnused uint32
	Hwcap           uint64
}

// ldCacheDirs returns the unique directories holding the libraries listed in
// the dynamic linker cache, in cache order.
func ldCacheDirs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(data)
	var hdr ldCacheHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("truncated ld.so.cache header: %w", err)
	}
	if string(hdr.Magic[:]) != ldCacheMagic {
		return nil, fmt.Errorf("invalid ld.so.cache magic %q", hdr.Magic)
	}
	if string(hdr.Version[:]) != ldCacheVersion {
		return nil, fmt.Errorf("unsupported ld.so.cache version %q", hdr.Version)
	}

	var dirs []string
	seen := map[string]struct{}{}
	for i := uint32(0); i < hdr.NLibs; i++ {
		var entry ldCacheEntry
		if err := binary.Read(r, binary.LittleEndian, &entry); err != nil {
			return nil, fmt.Errorf("truncated ld.so.cache entry %d: %w", i, err)
		}
		// key/value are offsets into the string table, relative to the start
		// of the file in this format
		libPath, ok := cString(data, entry.Value)
		if !ok {
			continue
		}
		dir := filepath.Dir(libPath)
		if _, dup := seen[dir]; dup {
			continue
		}
		seen[dir] = struct{}{}
		dirs = append(dirs, dir)
	}
	return dirs, nil
}

func cString(data []byte, off uint32) (string, bool) {
	if int64(off) >= int64(len(data)) {
		return "", false
	}
	end := bytes.IndexByte(data[off:], 0)
	if end < 0 {
		return "", false
	}
	return string(data[off : int(off)+end]), true
}
