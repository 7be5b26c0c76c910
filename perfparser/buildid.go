package perfparser

import (
	"github.com/aclements/perfcapture/dsoid"
	"github.com/aclements/perfcapture/perffile"
)

// fillInDSOBuildIDs looks up a build ID for every DSO that was hit by
// a sample but has none of its own yet (one taken from a build-ID
// mmap record), and injects the results into f.Meta.BuildIDs,
// replacing any existing entry for the same filename. Kernel modules and the
// kernel image itself aren't resolvable by probing /proc, so those are
// left to whatever the capture's own BUILD_ID feature already recorded.
func (s *State) fillInDSOBuildIDs(f *perffile.File) {
	var provider dsoid.Provider

	byFilename := make(map[string]int, len(f.Meta.BuildIDs))
	for i, b := range f.Meta.BuildIDs {
		byFilename[b.Filename] = i
	}

	for _, d := range s.dsos {
		if !d.Hit || len(d.BuildID) > 0 {
			continue
		}
		if dsoid.IsKernelNonModuleName(d.Name) {
			continue
		}

		threads := make([]dsoid.PidTid, 0, len(d.Threads))
		for pt := range d.Threads {
			threads = append(threads, pt)
		}

		buildID, ok := provider.FindBuildID(d.Name, threads, d.deviceInode())
		if !ok {
			continue
		}
		d.BuildID = buildID

		entry := perffile.BuildIDInfo{PID: -1, BuildID: perffile.BuildID(buildID), Filename: d.Name}
		if i, exists := byFilename[d.Name]; exists {
			f.Meta.BuildIDs[i] = entry
		} else {
			byFilename[d.Name] = len(f.Meta.BuildIDs)
			f.Meta.BuildIDs = append(f.Meta.BuildIDs, entry)
		}
	}
}
