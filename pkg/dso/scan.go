package dso

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/numtide/nixglhost/pkg/log"
)

// Warning records a search directory that could not be read. Warnings never
// abort a scan.
type Warning struct {
	Dir string
	Err error
}

// CandidateSet maps a logical name to every matching library found on the
// host, ordered by search-path rank first and version (newest first) second.
type CandidateSet struct {
	Libraries map[string][]Library
	Warnings  []Warning
}

// Empty reports whether the scan found nothing at all.
func (cs *CandidateSet) Empty() bool {
	return len(cs.Libraries) == 0
}

// Scan walks dirs in order and collects every file matching one of the
// patterns. Missing directories are skipped, unreadable ones are recorded as
// warnings. The result ordering is deterministic regardless of scan order.
func Scan(dirs []string, patterns []Pattern) *CandidateSet {
	cs := &CandidateSet{Libraries: map[string][]Library{}}
	seen := map[string]struct{}{}

	for rank, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			log.Logger.Warnw("skipping unreadable search directory", "dir", dir, "error", err)
			cs.Warnings = append(cs.Warnings, Warning{Dir: dir, Err: err})
			continue
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			lib, ok := scanEntry(dir, entry.Name(), rank, patterns)
			if !ok {
				continue
			}

			// "libGL.so.1" is usually a symlink to "libGL.so.1.7.0" in the
			// same directory. Both names match, both resolve to the same
			// file: keep the concrete one, and remember the other names as
			// aliases since the linker asks for those.
			key := lib.Name + "\x00" + lib.Path
			if _, dup := seen[key]; dup {
				if lib.SOName != filepath.Base(lib.Path) {
					cs.addAlias(lib)
					continue
				}
				cs.replace(lib)
				continue
			}
			seen[key] = struct{}{}
			cs.Libraries[lib.Name] = append(cs.Libraries[lib.Name], lib)
		}
	}

	for name := range cs.Libraries {
		libs := cs.Libraries[name]
		sort.SliceStable(libs, func(i, j int) bool {
			if libs[i].Rank != libs[j].Rank {
				return libs[i].Rank < libs[j].Rank
			}
			if c := CompareVersions(libs[i].Version, libs[j].Version); c != 0 {
				return c > 0
			}
			return libs[i].Path < libs[j].Path
		})
		for i := range libs {
			sort.Strings(libs[i].Aliases)
		}
		cs.Libraries[name] = libs
	}

	return cs
}

func scanEntry(dir, filename string, rank int, patterns []Pattern) (Library, bool) {
	var class Class
	matched := false
	for _, p := range patterns {
		if p.re.MatchString(filename) {
			class = p.class
			matched = true
			break
		}
	}
	if !matched {
		return Library{}, false
	}

	abs := filepath.Join(dir, filename)
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// dangling symlink, common during driver upgrades
		log.Logger.Debugw("skipping unresolvable DSO", "path", abs, "error", err)
		return Library{}, false
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return Library{}, false
	}

	return Library{
		Name:    LogicalName(filename),
		SOName:  filename,
		Dir:     dir,
		Path:    resolved,
		Version: ParseSOVersion(filename),
		Class:   class,
		Rank:    rank,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, true
}

func (cs *CandidateSet) replace(lib Library) {
	libs := cs.Libraries[lib.Name]
	for i := range libs {
		if libs[i].Path == lib.Path && libs[i].Rank == lib.Rank {
			lib.Aliases = appendAlias(libs[i].Aliases, libs[i].SOName, lib.SOName)
			libs[i] = lib
			return
		}
	}
}

// addAlias records a filename on the stored entry for the same resolved file.
func (cs *CandidateSet) addAlias(lib Library) {
	libs := cs.Libraries[lib.Name]
	for i := range libs {
		if libs[i].Path == lib.Path && libs[i].Rank == lib.Rank {
			libs[i].Aliases = appendAlias(libs[i].Aliases, lib.SOName, libs[i].SOName)
			return
		}
	}
}

func appendAlias(aliases []string, name, soname string) []string {
	if name == soname {
		return aliases
	}
	for _, a := range aliases {
		if a == name {
			return aliases
		}
	}
	return append(aliases, name)
}
