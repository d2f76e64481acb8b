// Package elftest writes minimal ELF64 shared objects for tests.
//
// A File has one executable section, one data section, a symbol table and
// optionally dynamic relocations. Section contents are placed at the
// addresses given and never loaded, so the text can be any bytes.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// Section selects where a symbol lives.
type Section int

const (
	Undef Section = iota
	Text
	Data
	Abs
)

// Symbol is a symbol table entry. Value is an address.
type Symbol struct {
	Name    string
	Section Section
	Value   uint64
	Size    uint64
	Func    bool
	Local   bool
}

// Reloc is a dynamic relocation. A zero Type means the machine's RELATIVE
// relocation.
type Reloc struct {
	Offset uint64
	Addend int64
	Type   uint32
	Sym    uint32
}

// File describes a shared object.
type File struct {
	Machine  elf.Machine
	Text     []byte
	TextAddr uint64
	Data     []byte
	DataAddr uint64
	Symbols  []Symbol
	Relocs   []Reloc

	// BSSSize makes the data section NOBITS with this size. Data is ignored.
	BSSSize uint64
}

const (
	ehdrSize = 64
	shdrSize = 64
	symSize  = 24
	relaSize = 24
)

// Section header indexes.
const (
	shNull = iota
	shText
	shData
	shSymtab
	shStrtab
	shRela
	shShstrtab
	shCount
)

// Bytes encodes the file.
func (f *File) Bytes() []byte {
	machine := f.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_X86_64
	}

	// String tables
	strtab := []byte{0}
	symtab := &bytes.Buffer{}
	binary.Write(symtab, binary.LittleEndian, elf.Sym64{})

	ordered := make([]Symbol, 0, len(f.Symbols))
	for _, s := range f.Symbols {
		if s.Local {
			ordered = append(ordered, s)
		}
	}
	locals := len(ordered) + 1
	for _, s := range f.Symbols {
		if !s.Local {
			ordered = append(ordered, s)
		}
	}
	for _, s := range ordered {
		nameOff := uint32(len(strtab))
		strtab = append(append(strtab, s.Name...), 0)

		bind := elf.STB_GLOBAL
		if s.Local {
			bind = elf.STB_LOCAL
		}
		typ := elf.STT_OBJECT
		if s.Func {
			typ = elf.STT_FUNC
		}
		var shndx uint16
		switch s.Section {
		case Text:
			shndx = shText
		case Data:
			shndx = shData
		case Abs:
			shndx = uint16(elf.SHN_ABS)
		}
		binary.Write(symtab, binary.LittleEndian, elf.Sym64{
			Name:  nameOff,
			Info:  elf.ST_INFO(bind, typ),
			Shndx: shndx,
			Value: s.Value,
			Size:  s.Size,
		})
	}

	rela := &bytes.Buffer{}
	for _, r := range f.Relocs {
		typ := r.Type
		if typ == 0 {
			typ = relativeType(machine)
		}
		binary.Write(rela, binary.LittleEndian, elf.Rela64{
			Off:    r.Offset,
			Info:   elf.R_INFO(r.Sym, typ),
			Addend: r.Addend,
		})
	}

	shstrtab := []byte{0}
	names := make([]uint32, shCount)
	for i, name := range []string{"", ".text", ".data", ".symtab", ".strtab", ".rela.dyn", ".shstrtab"} {
		if name == "" {
			continue
		}
		names[i] = uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, name...), 0)
	}

	data := f.Data
	dataType, dataSize := elf.SHT_PROGBITS, uint64(len(f.Data))
	if f.BSSSize != 0 {
		data = nil
		dataType, dataSize = elf.SHT_NOBITS, f.BSSSize
	}

	// Layout
	var (
		textOff     = roundSize(ehdrSize, 16)
		dataOff     = roundSize(textOff+len(f.Text), 16)
		symtabOff   = roundSize(dataOff+len(data), 8)
		strtabOff   = symtabOff + symtab.Len()
		relaOff     = roundSize(strtabOff+len(strtab), 8)
		shstrtabOff = relaOff + rela.Len()
		shOff       = roundSize(shstrtabOff+len(shstrtab), 8)
	)

	b := &bytes.Buffer{}
	binary.Write(b, binary.LittleEndian, elf.Header64{
		Ident: [elf.EI_NIDENT]byte{
			0:              0x7f,
			1:              'E',
			2:              'L',
			3:              'F',
			elf.EI_CLASS:   byte(elf.ELFCLASS64),
			elf.EI_DATA:    byte(elf.ELFDATA2LSB),
			elf.EI_VERSION: byte(elf.EV_CURRENT),
		},
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     uint64(shOff),
		Ehsize:    ehdrSize,
		Shentsize: shdrSize,
		Shnum:     shCount,
		Shstrndx:  shShstrtab,
	})

	pad(b, textOff)
	b.Write(f.Text)
	pad(b, dataOff)
	b.Write(data)
	pad(b, symtabOff)
	b.Write(symtab.Bytes())
	b.Write(strtab)
	pad(b, relaOff)
	b.Write(rela.Bytes())
	b.Write(shstrtab)
	pad(b, shOff)

	headers := []elf.Section64{
		{},
		{
			Name:      names[shText],
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR),
			Addr:      f.TextAddr,
			Off:       uint64(textOff),
			Size:      uint64(len(f.Text)),
			Addralign: 16,
		},
		{
			Name:      names[shData],
			Type:      uint32(dataType),
			Flags:     uint64(elf.SHF_ALLOC | elf.SHF_WRITE),
			Addr:      f.DataAddr,
			Off:       uint64(dataOff),
			Size:      dataSize,
			Addralign: 8,
		},
		{
			Name:      names[shSymtab],
			Type:      uint32(elf.SHT_SYMTAB),
			Off:       uint64(symtabOff),
			Size:      uint64(symtab.Len()),
			Link:      shStrtab,
			Info:      uint32(locals),
			Addralign: 8,
			Entsize:   symSize,
		},
		{
			Name:      names[shStrtab],
			Type:      uint32(elf.SHT_STRTAB),
			Off:       uint64(strtabOff),
			Size:      uint64(len(strtab)),
			Addralign: 1,
		},
		{
			Name:      names[shRela],
			Type:      uint32(elf.SHT_RELA),
			Flags:     uint64(elf.SHF_ALLOC),
			Off:       uint64(relaOff),
			Size:      uint64(rela.Len()),
			Link:      shSymtab,
			Addralign: 8,
			Entsize:   relaSize,
		},
		{
			Name:      names[shShstrtab],
			Type:      uint32(elf.SHT_STRTAB),
			Off:       uint64(shstrtabOff),
			Size:      uint64(len(shstrtab)),
			Addralign: 1,
		},
	}
	for _, h := range headers {
		binary.Write(b, binary.LittleEndian, h)
	}

	return b.Bytes()
}

// WriteFile writes the file into a temporary directory and returns its
// path.
func (f *File) WriteFile(t testing.TB, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, f.Bytes(), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func relativeType(m elf.Machine) uint32 {
	if m == elf.EM_AARCH64 {
		return uint32(elf.R_AARCH64_RELATIVE)
	}
	return uint32(elf.R_X86_64_RELATIVE)
}

func pad(b *bytes.Buffer, off int) {
	for b.Len() < off {
		b.WriteByte(0)
	}
}

func roundSize(value, alignment int) int {
	return (value + alignment - 1) &^ (alignment - 1)
}

// DataBuilder lays out little-endian words and strings for a data section.
type DataBuilder struct {
	Base uint64
	buf  bytes.Buffer
}

// Addr returns the address of the next byte written.
func (d *DataBuilder) Addr() uint64 {
	return d.Base + uint64(d.buf.Len())
}

// U64 appends a word and returns its address.
func (d *DataBuilder) U64(v ...uint64) uint64 {
	addr := d.Addr()
	for _, x := range v {
		binary.Write(&d.buf, binary.LittleEndian, x)
	}
	return addr
}

// U32 appends 32-bit words and returns the address of the first.
func (d *DataBuilder) U32(v ...uint32) uint64 {
	addr := d.Addr()
	for _, x := range v {
		binary.Write(&d.buf, binary.LittleEndian, x)
	}
	return addr
}

// CString appends a NUL-terminated string and returns its address.
func (d *DataBuilder) CString(s string) uint64 {
	addr := d.Addr()
	d.buf.WriteString(s)
	d.buf.WriteByte(0)
	return addr
}

// Raw appends raw bytes and returns their address.
func (d *DataBuilder) Raw(p []byte) uint64 {
	addr := d.Addr()
	d.buf.Write(p)
	return addr
}

// Align pads to a multiple of n bytes.
func (d *DataBuilder) Align(n int) {
	pad(&d.buf, roundSize(d.buf.Len(), n))
}

// Contents returns the section contents.
func (d *DataBuilder) Contents() []byte {
	return d.buf.Bytes()
}
