// Package symtab implements the pure-Go symbol resolver consumed by
// package addr. MapFileResolver loads a plain offset->symbol MAP file
// per image: "<hex-offset>\t<symbol>" lines, one file per configured
// path, the same two-column format produced by most disassembler
// symbol-export scripts.
package symtab

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rss/leakwalk/tracein"
)

// entry is one resolved symbol boundary within an image.
type entry struct {
	offset uint64
	name   string
}

// MapFileResolver formats addresses using per-image MAP files, falling
// back to "<image>+<hex>" when no symbol covers an offset or the image
// has no MAP file loaded.
type MapFileResolver struct {
	images   map[uint32]string          // image id -> display name
	symbols  map[uint32][]entry         // image id -> ascending offset list
}

// NewMapFileResolver creates a resolver seeded with the run's image
// prefix table; image names are used verbatim when no symbol is found.
func NewMapFileResolver(images []tracein.ImageFileInfo) *MapFileResolver {
	r := &MapFileResolver{
		images:  map[uint32]string{},
		symbols: map[uint32][]entry{},
	}
	for _, img := range images {
		r.images[img.ID] = img.Name
	}
	return r
}

// LoadMapFile reads symbol entries for imageID from path, sorts them
// ascending by offset, and installs them as imageID's table, replacing
// any entries loaded earlier for that image.
func (r *MapFileResolver) LoadMapFile(imageID uint32, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot open map file: %v", err)
	}
	defer f.Close()

	var entries []entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			fields = strings.SplitN(line, " ", 2)
			if len(fields) != 2 {
				continue
			}
		}
		off, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
		if err != nil {
			continue
		}
		entries = append(entries, entry{offset: off, name: strings.TrimSpace(fields[1])})
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("cannot read map file: %v", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].offset < entries[j].offset })
	r.symbols[imageID] = entries
	return nil
}

// LoadMapDirectory loads "<image-name>.map" for every image in the
// prefix table found under dir, skipping images with no matching file.
func (r *MapFileResolver) LoadMapDirectory(dir string, images []tracein.ImageFileInfo) error {
	for _, img := range images {
		p := filepath.Join(dir, img.Name+".map")
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := r.LoadMapFile(img.ID, p); err != nil {
			return err
		}
	}
	return nil
}

// FormatAddress implements addr.SymbolResolver.
func (r *MapFileResolver) FormatAddress(image uint32, offset uint32) string {
	name, ok := r.images[image]
	if !ok {
		name = fmt.Sprintf("image#%d", image)
	}
	sym := r.lookup(image, uint64(offset))
	if sym == "" {
		return fmt.Sprintf("%s+%#x", name, offset)
	}
	return fmt.Sprintf("%s!%s", name, sym)
}

// lookup finds the last symbol at or before offset within imageID's
// table, returning "" when none covers it.
func (r *MapFileResolver) lookup(imageID uint32, offset uint64) string {
	entries := r.symbols[imageID]
	if len(entries) == 0 {
		return ""
	}
	i := sort.Search(len(entries), func(i int) bool { return entries[i].offset > offset })
	if i == 0 {
		return ""
	}
	e := entries[i-1]
	if e.offset == offset {
		return e.name
	}
	return fmt.Sprintf("%s+%#x", e.name, offset-e.offset)
}
