// Package dsoid implements the DSO identity provider collaborator named in
// spec.md §6: resolving a DSO's on-disk build-ID by probing the process
// filesystem namespaces that observed it, grounded on quipper's
// perf_parser.cc FindDsoBuildId and dso.cc SameInode/IsKernelNonModuleName.
package dsoid

import (
	"debug/elf"
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"
)

// PidTid identifies a (process, thread) pair that observed a DSO.
type PidTid struct {
	PID, TID int
}

// DeviceInode is the (major, minor, inode) triple used to confirm that a
// path opened through /proc/<tid>/root still refers to the same file the
// DSO was mapped from.
type DeviceInode struct {
	Major, Minor uint32
	Ino          uint64
}

// Provider resolves build-IDs for DSOs observed during parsing.
type Provider struct {
	// Root overrides "/" for tests; defaults to the real root.
	Root string
}

// IsKernelNonModuleName reports whether name is a synthetic bracketed
// kernel name (e.g. "[kernel.kallsyms]", "[kernel.kcore]") rather than a
// real file on disk. Such names cannot be opened through /proc/*/root and
// must be resolved from the capture's own BUILD_ID metadata instead (this
// module has no access to /proc/kallsyms module enumeration).
func IsKernelNonModuleName(name string) bool {
	return strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]")
}

func (p *Provider) root() string {
	if p.Root != "" {
		return p.Root
	}
	return "/"
}

// candidatePaths returns the ordered list of filesystem paths to probe for
// a DSO named filename, given the threads that mapped it, per
// perf_parser.cc's FindDsoBuildId: each distinct (pid,tid)'s
// /proc/<tid>/root, then each distinct pid's /proc/<pid>/root (skipping a
// tid that equals its own pid, already covered above), then the bare path.
func candidatePaths(root, filename string, threads []PidTid) []string {
	sorted := append([]PidTid(nil), threads...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].PID != sorted[j].PID {
			return sorted[i].PID < sorted[j].PID
		}
		return sorted[i].TID < sorted[j].TID
	})

	var paths []string
	seenTid := map[int]bool{}
	for _, pt := range sorted {
		if seenTid[pt.TID] {
			continue
		}
		seenTid[pt.TID] = true
		paths = append(paths, fmt.Sprintf("%s/proc/%d/root%s", strings.TrimRight(root, "/"), pt.TID, filename))
	}
	lastPid := -1
	for _, pt := range sorted {
		if pt.PID == pt.TID || pt.PID == lastPid {
			continue
		}
		lastPid = pt.PID
		paths = append(paths, fmt.Sprintf("%s/proc/%d/root%s", strings.TrimRight(root, "/"), pt.PID, filename))
	}
	paths = append(paths, filename)
	return paths
}

// Stat returns the device/inode identity of path, or ok=false if it cannot
// be statted.
func (p *Provider) Stat(path string) (DeviceInode, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return DeviceInode{}, false
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return DeviceInode{}, false
	}
	return DeviceInode{
		Major: uint32(st.Dev >> 8), // matches Linux's makedev encoding used by mmap's maj/min fields
		Minor: uint32(st.Dev & 0xff),
		Ino:   st.Ino,
	}, true
}

// ReadELFBuildID extracts the 20-byte build-ID from path's
// .note.gnu.build-id section, or ok=false if absent or unreadable.
func (p *Provider) ReadELFBuildID(path string) ([]byte, bool) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return nil, false
	}
	data, err := sec.Data()
	if err != nil {
		return nil, false
	}
	return parseBuildIDNote(data)
}

// parseBuildIDNote extracts the descriptor bytes from an ELF note of type
// NT_GNU_BUILD_ID (3), name "GNU".
func parseBuildIDNote(data []byte) ([]byte, bool) {
	for len(data) >= 12 {
		nameSz := le32(data[0:4])
		descSz := le32(data[4:8])
		typ := le32(data[8:12])
		off := 12
		nameEnd := off + align4(int(nameSz))
		descStart := nameEnd
		descEnd := descStart + int(descSz)
		if descEnd > len(data) {
			return nil, false
		}
		if typ == 3 && off+int(nameSz) <= len(data) && string(data[off:off+int(nameSz)-1]) == "GNU" {
			return data[descStart:descEnd], true
		}
		data = data[align4(descEnd):]
	}
	return nil, false
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func align4(n int) int { return (n + 3) &^ 3 }

// FindBuildID resolves the build-ID for a DSO named filename that was
// observed by the given threads, optionally confirming device/inode
// identity if want is non-zero. It tries, in order,
// /proc/<tid>/root/<filename> for each observing thread, then
// /proc/<pid>/root/<filename> for each observing process, then filename
// directly, accepting the first match whose stat matches want (when a
// non-zero want is supplied).
func (p *Provider) FindBuildID(filename string, threads []PidTid, want DeviceInode) ([]byte, bool) {
	checkInode := want.Major != 0 || want.Minor != 0 || want.Ino != 0
	for _, path := range candidatePaths(p.root(), filename, threads) {
		if checkInode {
			got, ok := p.Stat(path)
			if !ok || got != want {
				continue
			}
		}
		if bid, ok := p.ReadELFBuildID(path); ok {
			return bid, true
		}
	}
	return nil, false
}
