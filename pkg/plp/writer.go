package plp

import (
	"errors"
	"io"
	"os"
	"sort"
	"sync"
)

const (
	writerPadBufSize = 4096

	// Constant payloads get 64-byte alignment when FlagConstantsAligned64
	// is set, so mapped constants can feed vectorised kernels directly.
	constAlign = 64
)

// Writer builds a PLP file in a streaming fashion.
//
// Space for the header is reserved up-front and patched during Finalise.
// Use BeginSection for payloads that should stream straight to disk,
// such as constant data.
type Writer struct {
	f        *os.File
	sections []PLPSection
	seen     map[SectionType]struct{}
	open     *SectionWriter
	closed   bool

	flags uint64

	padBuf []byte

	mu sync.Mutex
}

// SectionWriter streams one section payload to the underlying file.
//
// It must be ended (End or Close) before any other section can start.
// Padding written via Align counts towards the section's recorded size.
type SectionWriter struct {
	w       *Writer
	typ     SectionType
	version uint32
	start   int64
	ended   bool
}

// NewWriter starts a PLP file in f. The file is truncated; the header is
// written by Finalise.
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("plp: nil file")
	}

	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	w := &Writer{
		f:      f,
		seen:   make(map[SectionType]struct{}),
		padBuf: make([]byte, writerPadBufSize),
	}

	// Reserve real header bytes rather than a seek hole so FileSize always
	// matches the bytes on disk.
	if err := w.writeZeros(plpHeaderSize); err != nil {
		return nil, err
	}
	if err := w.alignTo(plpAlign); err != nil {
		return nil, err
	}

	return w, nil
}

// AddFlags ORs flags into the header written at Finalise.
func (w *Writer) AddFlags(flags uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("plp: writer already finalised")
	}
	w.flags |= flags
	return nil
}

// WriteSection writes a whole section payload and records it in the
// directory. Each section type may be written once, in any order.
func (w *Writer) WriteSection(typ SectionType, version uint32, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("plp: writer already finalised")
	}
	if w.open != nil {
		return errors.New("plp: section write in progress")
	}
	if _, ok := w.seen[typ]; ok {
		return errors.New("plp: duplicate section type")
	}

	if err := w.alignTo(w.sectionAlign(typ)); err != nil {
		return err
	}
	offset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	if len(data) > 0 {
		if err := writeFull(w.f, data); err != nil {
			return err
		}
	}

	w.sections = append(w.sections, PLPSection{
		Type:    uint32(typ),
		Version: version,
		Offset:  uint64(offset),
		Size:    uint64(len(data)),
	})
	w.seen[typ] = struct{}{}
	return nil
}

// BeginSection starts streaming a section payload to the file. The returned
// SectionWriter must be ended before any other section is written.
func (w *Writer) BeginSection(typ SectionType, version uint32) (*SectionWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, errors.New("plp: writer already finalised")
	}
	if w.open != nil {
		return nil, errors.New("plp: section write in progress")
	}
	if _, ok := w.seen[typ]; ok {
		return nil, errors.New("plp: duplicate section type")
	}

	if err := w.alignTo(w.sectionAlign(typ)); err != nil {
		return nil, err
	}
	start, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	sw := &SectionWriter{w: w, typ: typ, version: version, start: start}
	w.open = sw
	// Seen immediately: bytes for this type are on disk from here on.
	w.seen[typ] = struct{}{}
	return sw, nil
}

// sectionAlign returns the start alignment for a section. Constant data is
// aligned harder when the aligned-constants flag is set, so that
// section-relative constant offsets stay aligned in absolute file terms.
func (w *Writer) sectionAlign(typ SectionType) int64 {
	if typ == SectionConstantData && w.flags&FlagConstantsAligned64 != 0 {
		return constAlign
	}
	return plpAlign
}

// Write streams p into the section.
func (sw *SectionWriter) Write(p []byte) (int, error) {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()

	if err := sw.active(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := writeFull(sw.w.f, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Align pads with zeros until the file position is n-aligned. Useful for
// aligning individual payloads inside a constant data section.
func (sw *SectionWriter) Align(n int) error {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()

	if err := sw.active(); err != nil {
		return err
	}
	return sw.w.alignTo(int64(n))
}

// BytesWritten reports the section-relative size so far, which is also the
// section-relative offset of the next write.
func (sw *SectionWriter) BytesWritten() (uint64, error) {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()

	if err := sw.active(); err != nil {
		return 0, err
	}
	pos, err := sw.w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if pos < sw.start {
		return 0, errors.New("plp: invalid file position")
	}
	return uint64(pos - sw.start), nil
}

// End records the section in the directory.
func (sw *SectionWriter) End() error {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()

	if err := sw.active(); err != nil {
		return err
	}

	pos, err := sw.w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if pos < sw.start {
		return errors.New("plp: invalid file position")
	}

	sw.w.sections = append(sw.w.sections, PLPSection{
		Type:    uint32(sw.typ),
		Version: sw.version,
		Offset:  uint64(sw.start),
		Size:    uint64(pos - sw.start),
	})
	sw.w.open = nil
	sw.ended = true
	return nil
}

// Close is an alias for End so a SectionWriter can be deferred.
func (sw *SectionWriter) Close() error { return sw.End() }

func (sw *SectionWriter) active() error {
	if sw.ended {
		return errors.New("plp: section writer ended")
	}
	if sw.w.open != sw {
		return errors.New("plp: section writer not active")
	}
	return nil
}

// Finalise writes the section directory, patches the header, and syncs.
// The writer must not be used afterwards.
func (w *Writer) Finalise() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("plp: writer already finalised")
	}
	if w.open != nil {
		return errors.New("plp: section write in progress")
	}
	w.closed = true

	if _, ok := w.seen[SectionProgramInfo]; !ok {
		return errors.New("plp: program info section missing")
	}
	if _, ok := w.seen[SectionMethodTable]; !ok {
		return errors.New("plp: method table section missing")
	}

	// Deterministic directory ordering.
	sort.Slice(w.sections, func(i, j int) bool {
		return w.sections[i].Type < w.sections[j].Type
	})

	if err := w.alignTo(plpAlign); err != nil {
		return err
	}
	sectionDirOffset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	var secBuf [plpSectionSize]byte
	for i := range w.sections {
		if !encodeSection(secBuf[:], w.sections[i]) {
			return errors.New("plp: encode section failed")
		}
		if err := writeFull(w.f, secBuf[:]); err != nil {
			return err
		}
	}

	// Truncate to the computed size in case the target file was reused.
	fileSize, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if err := w.f.Truncate(fileSize); err != nil {
		return err
	}

	var header PLPHeader
	copy(header.Magic[:], Magic)
	header.Major = CurrentMajor
	header.Minor = CurrentMinor
	header.HeaderSize = plpHeaderSize
	header.SectionCount = uint32(len(w.sections))
	header.SectionDirOffset = uint64(sectionDirOffset)
	header.FileSize = uint64(fileSize)
	header.Flags = w.flags

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var hdrBuf [plpHeaderSize]byte
	if !encodeHeader(hdrBuf[:], header) {
		return errors.New("plp: encode header failed")
	}
	if err := writeFull(w.f, hdrBuf[:]); err != nil {
		return err
	}

	return w.f.Sync()
}

func (w *Writer) alignTo(n int64) error {
	if n <= 1 {
		return nil
	}
	pos, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	mod := pos % n
	if mod == 0 {
		return nil
	}
	return w.writeZeros(int(n - mod))
}

func (w *Writer) writeZeros(n int) error {
	if n <= 0 {
		return nil
	}
	buf := w.padBuf
	if len(buf) == 0 {
		buf = make([]byte, 4096)
	}
	for n > 0 {
		chunk := min(n, len(buf))
		if err := writeFull(w.f, buf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
