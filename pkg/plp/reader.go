package plp

import (
	"fmt"
	"io"
	"sort"

	"github.com/plinthml/plinth/pkg/loader"
)

// File is a parsed, read-only view over one PLP program. It stores offsets
// and decoded index tables but never copies payload bytes: constant data is
// sliced out of the loader on demand, so parsing cost is independent of
// tensor data size. The File is only valid while its loader is.
type File struct {
	Header   PLPHeader
	Sections []PLPSection

	ld    loader.Loader
	owned io.Closer

	info      programInfo
	methods   []MethodDesc
	sorted    bool
	externals []ExternalEntry
	constSec  *PLPSection
}

type programInfo struct {
	version  uint32
	flags    uint32
	name     string
	producer string
}

// Open maps path read-only and parses it. If mmap is unavailable it falls
// back to pread-backed loading. The returned file owns the loader and must
// be closed.
func Open(path string) (*File, error) {
	if ld, err := loader.OpenMmap(path); err == nil {
		f, perr := Parse(ld)
		if perr != nil {
			_ = ld.Close()
			return nil, perr
		}
		f.owned = ld
		return f, nil
	}

	ld, err := loader.OpenFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Parse(ld)
	if err != nil {
		_ = ld.Close()
		return nil, err
	}
	f.owned = ld
	return f, nil
}

// Parse validates a program served by ld and decodes its index sections.
// The magic and version tag are checked before any offset is trusted.
// Structural validation is exhaustive; Validate adds the deeper
// cross-table consistency checks.
func Parse(ld loader.Loader) (*File, error) {
	size := ld.Size()
	if size < plpHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is too small for a program header", ErrCorruptProgram, size)
	}

	hb, err := ld.Load(0, plpHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptProgram, err)
	}
	hdr, ok := decodeHeader(hb)
	if !ok {
		return nil, ErrCorruptProgram
	}
	if string(hdr.Magic[:]) != Magic {
		return nil, ErrInvalidMagic
	}
	if !hdr.Compatible() {
		return nil, fmt.Errorf("%w: file is v%d.%d, this library reads v%d",
			ErrUnsupportedVersion, hdr.Major, hdr.Minor, CurrentMajor)
	}
	if hdr.HeaderSize < plpHeaderSize || uint64(hdr.HeaderSize) > uint64(size) {
		return nil, fmt.Errorf("%w: bad header size %d", ErrCorruptProgram, hdr.HeaderSize)
	}
	if hdr.SectionCount == 0 {
		return nil, fmt.Errorf("%w: no sections", ErrCorruptProgram)
	}
	if hdr.FileSize != uint64(size) {
		return nil, fmt.Errorf("%w: header says %d bytes, loader has %d", ErrCorruptProgram, hdr.FileSize, size)
	}

	// Section directory bounds.
	dirSize := uint64(hdr.SectionCount) * plpSectionSize
	dirStart := hdr.SectionDirOffset
	dirEnd := dirStart + dirSize
	if dirStart < uint64(hdr.HeaderSize) || dirEnd < dirStart || dirEnd > uint64(size) {
		return nil, fmt.Errorf("%w: section directory out of bounds", ErrCorruptProgram)
	}

	dirBytes, err := ld.Load(int64(dirStart), int64(dirSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptProgram, err)
	}
	sections := make([]PLPSection, hdr.SectionCount)
	for i := range sections {
		sec, ok := decodeSection(dirBytes[i*plpSectionSize : (i+1)*plpSectionSize])
		if !ok {
			return nil, ErrCorruptProgram
		}
		sections[i] = sec
	}

	seen := make(map[SectionType]*PLPSection, len(sections))
	for i := range sections {
		s := &sections[i]

		if s.Size > uint64(size) {
			return nil, fmt.Errorf("%w: section %d size out of range", ErrCorruptProgram, i)
		}
		end := s.Offset + s.Size
		if end < s.Offset {
			return nil, fmt.Errorf("%w: section %d offset overflow", ErrCorruptProgram, i)
		}
		if end > uint64(size) {
			return nil, fmt.Errorf("%w: section %d out of bounds", ErrCorruptProgram, i)
		}
		if s.Offset < uint64(hdr.HeaderSize) {
			return nil, fmt.Errorf("%w: section %d overlaps header", ErrCorruptProgram, i)
		}
		if rangesOverlap(s.Offset, end, dirStart, dirEnd) {
			return nil, fmt.Errorf("%w: section %d overlaps section directory", ErrCorruptProgram, i)
		}
		if s.Offset%plpAlign != 0 {
			return nil, fmt.Errorf("%w: section %d offset not %d-byte aligned", ErrCorruptProgram, i, plpAlign)
		}
		for j := 0; j < i; j++ {
			if rangesOverlap(s.Offset, end, sections[j].Offset, sections[j].End()) {
				return nil, fmt.Errorf("%w: sections %d and %d overlap", ErrCorruptProgram, j, i)
			}
		}
		if _, dup := seen[SectionType(s.Type)]; dup {
			return nil, fmt.Errorf("%w: duplicate section type %#x", ErrCorruptProgram, s.Type)
		}
		seen[SectionType(s.Type)] = s
	}

	f := &File{
		Header:   hdr,
		Sections: sections,
		ld:       ld,
		constSec: seen[SectionConstantData],
	}

	infoSec := seen[SectionProgramInfo]
	if infoSec == nil {
		return nil, fmt.Errorf("%w: missing program info section", ErrCorruptProgram)
	}
	infoBytes, err := f.sectionData(infoSec)
	if err != nil {
		return nil, err
	}
	if f.info, err = parseProgramInfo(infoBytes); err != nil {
		return nil, err
	}

	// Externals before methods: method values reference placeholder ids.
	if extSec := seen[SectionExternalTable]; extSec != nil {
		extBytes, err := f.sectionData(extSec)
		if err != nil {
			return nil, err
		}
		if f.externals, err = parseExternalTable(extBytes); err != nil {
			return nil, err
		}
	}

	mtSec := seen[SectionMethodTable]
	if mtSec == nil {
		return nil, fmt.Errorf("%w: missing method table section", ErrCorruptProgram)
	}
	mtBytes, err := f.sectionData(mtSec)
	if err != nil {
		return nil, err
	}
	if f.methods, err = parseMethodTable(mtBytes, len(f.externals), f.constSec); err != nil {
		return nil, err
	}
	f.sorted = sort.SliceIsSorted(f.methods, func(i, j int) bool {
		return f.methods[i].Name < f.methods[j].Name
	})

	return f, nil
}

func (f *File) sectionData(s *PLPSection) ([]byte, error) {
	b, err := f.ld.Load(int64(s.Offset), int64(s.Size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptProgram, err)
	}
	return b, nil
}

// Close releases the loader when the file was produced by Open. Files
// parsed from a caller-supplied loader leave the loader alone.
func (f *File) Close() error {
	if f == nil || f.owned == nil {
		return nil
	}
	c := f.owned
	f.owned = nil
	f.ld = nil
	return c.Close()
}

// ProgramName returns the name recorded by the export tool.
func (f *File) ProgramName() string { return f.info.name }

// Producer identifies the export tool that wrote the file.
func (f *File) Producer() string { return f.info.producer }

// Methods returns the method names in file order.
func (f *File) Methods() []string {
	out := make([]string, len(f.methods))
	for i := range f.methods {
		out[i] = f.methods[i].Name
	}
	return out
}

func (f *File) NumMethods() int { return len(f.methods) }

// MethodAt returns the i-th method descriptor in file order.
func (f *File) MethodAt(i int) (*MethodDesc, bool) {
	if i < 0 || i >= len(f.methods) {
		return nil, false
	}
	return &f.methods[i], true
}

// Method looks a descriptor up by name. Lookup is binary over files whose
// methods are sorted by name, which every file this package writes is.
func (f *File) Method(name string) (*MethodDesc, bool) {
	if f.sorted {
		i := sort.Search(len(f.methods), func(i int) bool { return f.methods[i].Name >= name })
		if i < len(f.methods) && f.methods[i].Name == name {
			return &f.methods[i], true
		}
		return nil, false
	}
	for i := range f.methods {
		if f.methods[i].Name == name {
			return &f.methods[i], true
		}
	}
	return nil, false
}

// NumExternal returns the number of external tensor placeholders.
func (f *File) NumExternal() int { return len(f.externals) }

// External returns one placeholder entry by id.
func (f *File) External(i int) (ExternalEntry, bool) {
	if i < 0 || i >= len(f.externals) {
		return ExternalEntry{}, false
	}
	return f.externals[i], true
}

// HasConstants reports whether the program embeds a constant data section.
func (f *File) HasConstants() bool { return f.constSec != nil }

// ConstantBytes slices size bytes at off out of the constant data section.
// Zero-copy for mmap- and buffer-backed loaders.
func (f *File) ConstantBytes(off, size uint64) ([]byte, error) {
	if f.constSec == nil {
		return nil, fmt.Errorf("%w: no constant data section", ErrCorruptProgram)
	}
	end := off + size
	if end < off || end > f.constSec.Size {
		return nil, fmt.Errorf("%w: constant range [%d,+%d) outside section of %d bytes",
			ErrCorruptProgram, off, size, f.constSec.Size)
	}
	b, err := f.ld.Load(int64(f.constSec.Offset+off), int64(size))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptProgram, err)
	}
	return b, nil
}

// Validate runs the deep cross-table consistency checks that structural
// parsing skips: declared byte sizes must match shapes, external
// placeholders must agree with their referencing values, constants must be
// element-aligned, and every input value must be settable.
func (f *File) Validate() error {
	for mi := range f.methods {
		m := &f.methods[mi]
		for vi := range m.Values {
			v := &m.Values[vi]
			meta := v.Meta()
			want := meta.ByteLen()
			if want < 0 || uint64(want) != v.Size {
				return fmt.Errorf("%w: method %q value %d: declared %d bytes, shape %v of %v needs %d",
					ErrCorruptProgram, m.Name, vi, v.Size, v.Shape, v.DType, want)
			}
			switch v.Kind {
			case ValueConstant:
				if v.DType.Size() > 0 && v.Off%uint64(v.DType.Size()) != 0 {
					return fmt.Errorf("%w: method %q value %d: constant offset %d not %d-aligned",
						ErrCorruptProgram, m.Name, vi, v.Off, v.DType.Size())
				}
			case ValueExternal:
				ext := f.externals[v.Ext]
				if ext.Nbytes != v.Size || ext.DType != v.DType {
					return fmt.Errorf("%w: method %q value %d disagrees with external %q",
						ErrCorruptProgram, m.Name, vi, ext.Key)
				}
			}
		}

		listed := make(map[int]int, len(m.Inputs))
		for _, idx := range m.Inputs {
			listed[idx]++
		}
		for vi := range m.Values {
			if m.Values[vi].Kind != ValueInput {
				continue
			}
			if listed[vi] != 1 {
				return fmt.Errorf("%w: method %q: input value %d listed %d times",
					ErrCorruptProgram, m.Name, vi, listed[vi])
			}
		}
	}
	return nil
}
