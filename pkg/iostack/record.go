package iostack

import (
	"sort"

	"github.com/zeebo/blake3"
)

// Layer identifies which part of the stack satisfied an operation.
type Layer string

const (
	LayerPrimary     Layer = "primary"
	LayerOutput      Layer = "output"
	LayerFormatCache Layer = "format-cache"
	LayerBundle      Layer = "bundle"
)

// Direction is read or write.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// Digest is the blake3 hash of a file's content.
type Digest [32]byte

func digestOf(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// Entry is one touched resource.
type Entry struct {
	Name      string
	Path      string
	Direction Direction
	Layer     Layer
}

type recordKey struct {
	name string
	dir  Direction
}

// Record lists the resources a session touched, in first-seen order. A name
// read in several passes is recorded once.
type Record struct {
	entries []Entry
	seen    map[recordKey]struct{}
}

func newRecord() *Record {
	return &Record{seen: make(map[recordKey]struct{})}
}

func (r *Record) add(e Entry) {
	k := recordKey{name: e.Name, dir: e.Direction}
	if _, ok := r.seen[k]; ok {
		return
	}
	r.seen[k] = struct{}{}
	r.entries = append(r.entries, e)
}

// Entries returns every recorded entry.
func (r *Record) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Written returns the entries the session produced.
func (r *Record) Written() []Entry {
	var out []Entry
	for _, e := range r.entries {
		if e.Direction == Write {
			out = append(out, e)
		}
	}
	return out
}

// Prerequisites returns the entries read but never produced by the session.
func (r *Record) Prerequisites() []Entry {
	var out []Entry
	for _, e := range r.entries {
		if e.Direction != Read {
			continue
		}
		if _, produced := r.seen[recordKey{name: e.Name, dir: Write}]; produced {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Trace holds what happened to each name during a single pass.
type Trace struct {
	// Reads maps a name to the digest of its content when first read.
	Reads map[string]Digest

	// Misses holds names whose reads failed with NotFound.
	Misses map[string]struct{}

	// Writes maps a name to the digest of its last committed content.
	Writes map[string]Digest
}

func newTrace() *Trace {
	return &Trace{
		Reads:  make(map[string]Digest),
		Misses: make(map[string]struct{}),
		Writes: make(map[string]Digest),
	}
}

func (t *Trace) read(name string, d Digest) {
	if _, ok := t.Reads[name]; !ok {
		t.Reads[name] = d
	}
}

// Changed lists, sorted, the names written in this pass whose content
// differs from what the same pass read, or that the pass looked for and
// did not find.
func (t *Trace) Changed() []string {
	var names []string
	for name, written := range t.Writes {
		if read, ok := t.Reads[name]; ok {
			if read != written {
				names = append(names, name)
			}
			continue
		}
		if _, missed := t.Misses[name]; missed {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
