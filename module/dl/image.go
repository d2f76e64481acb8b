package dl

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	stderrors "errors"
	"fmt"

	"github.com/wippyai/wasm-sandbox/errors"
)

// image is the object's allocated contents addressed by link-time
// address, with dynamic relocations applied to pointer words.
type image struct {
	f      *elf.File
	order  binary.ByteOrder
	syms   []elf.Symbol
	byName map[string]elf.Symbol

	sections []loadedSection
	// relocs maps a pointer word's address to its relocated value.
	relocs map[uint64]uint64
	total  uint64
}

// loadedSection is file-backed when data is set. NOBITS sections keep only
// their size and read as zeros.
type loadedSection struct {
	addr uint64
	size uint64
	data []byte
}

func (s *loadedSection) contains(addr uint64) bool {
	return addr >= s.addr && addr-s.addr < s.size
}

func newImage(f *elf.File) (*image, error) {
	if f.Class != elf.ELFCLASS64 {
		return nil, errors.Unsupported(errors.PhaseLoad, fmt.Sprintf("ELF class %v", f.Class))
	}
	switch f.Machine {
	case elf.EM_X86_64, elf.EM_AARCH64:
	default:
		return nil, errors.Unsupported(errors.PhaseLoad, fmt.Sprintf("machine %v", f.Machine))
	}

	img := &image{
		f:      f,
		order:  f.ByteOrder,
		byName: make(map[string]elf.Symbol),
		relocs: make(map[uint64]uint64),
	}

	for _, sec := range f.Sections {
		// Allocated sections at address zero are headers, not contents.
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Size == 0 || sec.Addr == 0 {
			continue
		}
		if sec.Addr+sec.Size < sec.Addr {
			return nil, errors.InvalidData(errors.PhaseLoad, sec.Name,
				fmt.Sprintf("section %s wraps the address space", sec.Name))
		}
		if sec.Type == elf.SHT_NOBITS {
			img.sections = append(img.sections, loadedSection{addr: sec.Addr, size: sec.Size})
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, errors.Load(fmt.Sprintf("read section %s", sec.Name), err)
		}
		img.sections = append(img.sections, loadedSection{addr: sec.Addr, size: uint64(len(data)), data: data})
		img.total += uint64(len(data))
	}

	if err := img.loadSymbols(); err != nil {
		return nil, err
	}
	if err := img.loadRelocs(); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *image) loadSymbols() error {
	dyn, err := img.f.DynamicSymbols()
	if err != nil && !stderrors.Is(err, elf.ErrNoSymbols) {
		return errors.Load("read dynamic symbols", err)
	}
	syms, err := img.f.Symbols()
	if err != nil && !stderrors.Is(err, elf.ErrNoSymbols) {
		return errors.Load("read symbols", err)
	}

	for _, list := range [][]elf.Symbol{dyn, syms} {
		for _, s := range list {
			if s.Name == "" {
				continue
			}
			if _, seen := img.byName[s.Name]; seen {
				continue
			}
			img.byName[s.Name] = s
			img.syms = append(img.syms, s)
		}
	}
	return nil
}

// loadRelocs records RELATIVE and absolute 64-bit relocations. Other
// types never target descriptor words.
func (img *image) loadRelocs() error {
	for _, sec := range img.f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return errors.Load(fmt.Sprintf("read section %s", sec.Name), err)
		}

		var linked []elf.Symbol
		if int(sec.Link) < len(img.f.Sections) && sec.Link != 0 {
			switch img.f.Sections[sec.Link].Type {
			case elf.SHT_DYNSYM:
				linked, _ = img.f.DynamicSymbols()
			case elf.SHT_SYMTAB:
				linked, _ = img.f.Symbols()
			}
		}

		r := bytes.NewReader(data)
		for r.Len() >= 24 {
			var rela elf.Rela64
			if err := binary.Read(r, img.order, &rela); err != nil {
				return errors.Load(fmt.Sprintf("read relocation in %s", sec.Name), err)
			}
			typ := elf.R_TYPE64(rela.Info)
			symIdx := elf.R_SYM64(rela.Info)

			switch {
			case img.isRelative(typ):
				img.relocs[rela.Off] = uint64(rela.Addend)
			case img.isAbs64(typ):
				// Symbol tables from debug/elf omit the null entry.
				if symIdx == 0 || int(symIdx) > len(linked) {
					continue
				}
				sym := linked[symIdx-1]
				if sym.Section == elf.SHN_UNDEF {
					continue
				}
				img.relocs[rela.Off] = sym.Value + uint64(rela.Addend)
			}
		}
	}
	return nil
}

func (img *image) isRelative(typ uint32) bool {
	switch img.f.Machine {
	case elf.EM_X86_64:
		return elf.R_X86_64(typ) == elf.R_X86_64_RELATIVE
	case elf.EM_AARCH64:
		return elf.R_AARCH64(typ) == elf.R_AARCH64_RELATIVE
	}
	return false
}

func (img *image) isAbs64(typ uint32) bool {
	switch img.f.Machine {
	case elf.EM_X86_64:
		return elf.R_X86_64(typ) == elf.R_X86_64_64
	case elf.EM_AARCH64:
		return elf.R_AARCH64(typ) == elf.R_AARCH64_ABS64
	}
	return false
}

// size is the number of file-backed bytes. Counts read from the object are
// bounded by it.
func (img *image) size() uint64 {
	return img.total
}

// symbol returns the address of a defined symbol.
func (img *image) symbol(name string) (uint64, bool) {
	s, ok := img.byName[name]
	if !ok || s.Section == elf.SHN_UNDEF {
		return 0, false
	}
	return s.Value, true
}

// array resolves a symbol and its companion length symbol. Either both or
// neither must exist.
func (img *image) array(name, lenName string) (addr, n uint64, ok bool, err error) {
	addr, hasData := img.symbol(name)
	lenAddr, hasLen := img.symbol(lenName)
	switch {
	case !hasData && !hasLen:
		return 0, 0, false, nil
	case !hasData:
		return 0, 0, false, errors.InvalidData(errors.PhaseLoad, name,
			fmt.Sprintf("%s is defined without %s", lenName, name))
	case !hasLen:
		return 0, 0, false, errors.InvalidData(errors.PhaseLoad, lenName,
			fmt.Sprintf("%s is defined without %s", name, lenName))
	}
	n, err = img.word(lenName, lenAddr)
	if err != nil {
		return 0, 0, false, err
	}
	return addr, n, true, nil
}

// read returns n bytes at addr. They must lie within one section. Reads
// from NOBITS sections are zeros and at most size() bytes long.
func (img *image) read(sym string, addr, n uint64) ([]byte, error) {
	for i := range img.sections {
		s := &img.sections[i]
		if !s.contains(addr) {
			continue
		}
		off := addr - s.addr
		if n > s.size-off {
			break
		}
		if s.data == nil {
			if n > img.size() {
				break
			}
			return make([]byte, n), nil
		}
		return s.data[off : off+n], nil
	}
	return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
		Symbol(sym).
		Value(addr).
		Detail("%d bytes at %#x are outside the object", n, addr).
		Build()
}

func (img *image) word(sym string, addr uint64) (uint64, error) {
	b, err := img.read(sym, addr, 8)
	if err != nil {
		return 0, err
	}
	return img.order.Uint64(b), nil
}

func (img *image) words(sym string, addr uint64, n int) ([]uint64, error) {
	b, err := img.read(sym, addr, uint64(n)*8)
	if err != nil {
		return nil, err
	}
	w := make([]uint64, n)
	for i := range w {
		w[i] = img.order.Uint64(b[i*8:])
	}
	return w, nil
}

// pointer reads a pointer word, preferring its relocated value.
func (img *image) pointer(sym string, addr uint64) (uint64, error) {
	if v, ok := img.relocs[addr]; ok {
		return v, nil
	}
	return img.word(sym, addr)
}

// cstring reads a NUL-terminated string at addr.
func (img *image) cstring(sym string, addr uint64) (string, error) {
	if addr == 0 {
		return "", errors.InvalidData(errors.PhaseLoad, sym, "null string pointer")
	}
	for i := range img.sections {
		s := &img.sections[i]
		if !s.contains(addr) {
			continue
		}
		if s.data == nil {
			return "", nil
		}
		rest := s.data[addr-s.addr:]
		if end := bytes.IndexByte(rest, 0); end >= 0 {
			return string(rest[:end]), nil
		}
		break
	}
	return "", errors.New(errors.PhaseLoad, errors.KindInvalidData).
		Symbol(sym).
		Value(addr).
		Detail("no terminated string at %#x", addr).
		Build()
}
