package testutil

import (
	"embed"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/thesyncim/bwesim/pkg/sim"
)

// TraceExt is the extension of the embedded trace resources.
const TraceExt = "rx"

//go:embed traces/*.rx
var embedded embed.FS

// Reference traces:
//
//	step_down  capacity format, 2000 -> 1000 -> 500 kbps every 20s
//	wifi       capacity format, 800-3000 kbps random walk, 500ms samples
//	lte        opportunity format, 30s at 960-3000 kbps
var referenceTraces fs.FS

func init() {
	sub, err := fs.Sub(embedded, "traces")
	if err != nil {
		panic(err)
	}
	referenceTraces = sub
}

// Traces returns the embedded trace resources, keyed "<name>.rx".
func Traces() fs.FS {
	return referenceTraces
}

// Names returns the sorted names of the embedded traces, without extension.
func Names() []string {
	entries, err := fs.ReadDir(referenceTraces, ".")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), "."+TraceExt); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Load parses the embedded trace name. It wraps sim.ErrTraceNotFound for an
// unknown name.
func Load(name string) (*sim.CapacityTrace, error) {
	return sim.LoadNamedTrace(referenceTraces, path.Base(name), TraceExt)
}
