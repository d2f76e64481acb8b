package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-sandbox/module"
)

type summary struct {
	Heap           *heapSummary    `yaml:"heap,omitempty" json:"heap,omitempty"`
	File           string          `yaml:"file" json:"file"`
	Format         string          `yaml:"format" json:"format"`
	Start          string          `yaml:"start,omitempty" json:"start,omitempty"`
	Globals        []globalSummary `yaml:"globals,omitempty" json:"globals,omitempty"`
	Exports        []string        `yaml:"exports,omitempty" json:"exports,omitempty"`
	TableElements  int             `yaml:"table_elements" json:"table_elements"`
	SparsePages    int             `yaml:"sparse_pages" json:"sparse_pages"`
	PopulatedPages int             `yaml:"populated_pages" json:"populated_pages"`
	TrapRecords    int             `yaml:"trap_records" json:"trap_records"`
	TrapSites      int             `yaml:"trap_sites" json:"trap_sites"`
}

type heapSummary struct {
	MaxSize      *uint64 `yaml:"max_size,omitempty" json:"max_size,omitempty"`
	ReservedSize uint64  `yaml:"reserved_size" json:"reserved_size"`
	GuardSize    uint64  `yaml:"guard_size" json:"guard_size"`
	InitialSize  uint64  `yaml:"initial_size" json:"initial_size"`
}

type globalSummary struct {
	Import  string   `yaml:"import,omitempty" json:"import,omitempty"`
	Kind    string   `yaml:"kind,omitempty" json:"kind,omitempty"`
	Value   string   `yaml:"value,omitempty" json:"value,omitempty"`
	Exports []string `yaml:"exports,omitempty" json:"exports,omitempty"`
	Index   int      `yaml:"index" json:"index"`
}

func newSummary(l *loaded) (*summary, error) {
	s := &summary{
		File:        l.path,
		Format:      l.format,
		Exports:     l.exportNames(),
		SparsePages: l.SparsePageDataLen(),
	}

	if h := l.HeapSpec(); h != nil {
		s.Heap = &heapSummary{
			MaxSize:      h.MaxSize,
			ReservedSize: h.ReservedSize,
			GuardSize:    h.GuardSize,
			InitialSize:  h.InitialSize,
		}
	}

	for i, g := range l.Globals() {
		gs := globalSummary{Index: i, Exports: g.ExportNames}
		if imp := g.Global.Import; imp != nil {
			gs.Import = imp.Module + "." + imp.Field
		} else if def := g.Global.Def; def != nil {
			gs.Kind = def.Kind.String()
			gs.Value = globalValue(def)
		}
		s.Globals = append(s.Globals, gs)
	}

	elems, err := l.TableElements()
	if err != nil {
		return nil, err
	}
	s.TableElements = len(elems)

	for i := 0; i < s.SparsePages; i++ {
		if l.SparsePageData(i) != nil {
			s.PopulatedPages++
		}
	}

	start, ok, err := l.StartFunc()
	if err != nil {
		return nil, err
	}
	if ok {
		s.Start = start.String()
	}

	manifest := l.TrapManifest()
	s.TrapRecords = len(manifest)
	for _, r := range manifest {
		s.TrapSites += len(r.Sites)
	}
	return s, nil
}

func globalValue(d *module.GlobalDef) string {
	switch d.Kind {
	case module.GlobalI32:
		return fmt.Sprint(d.I32())
	case module.GlobalI64:
		return fmt.Sprint(d.I64())
	case module.GlobalF32:
		return fmt.Sprint(d.F32())
	case module.GlobalF64:
		return fmt.Sprint(d.F64())
	}
	return fmt.Sprintf("%#x", d.Bits)
}

func (s *summary) write(w io.Writer, format string) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case "text", "":
		_, err := io.WriteString(w, s.text())
		return err
	}
	return fmt.Errorf("unknown format %q", format)
}

func (s *summary) text() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Module: %s (%s)\n", s.File, s.Format)
	if s.Heap != nil {
		maxSize := "none"
		if s.Heap.MaxSize != nil {
			maxSize = fmt.Sprint(*s.Heap.MaxSize)
		}
		fmt.Fprintf(&b, "Heap: reserved %d, guard %d, initial %d, max %s\n",
			s.Heap.ReservedSize, s.Heap.GuardSize, s.Heap.InitialSize, maxSize)
	} else {
		b.WriteString("Heap: none\n")
	}

	fmt.Fprintf(&b, "Globals: %d\n", len(s.Globals))
	for _, g := range s.Globals {
		if g.Import != "" {
			fmt.Fprintf(&b, "  %d: import %s", g.Index, g.Import)
		} else {
			fmt.Fprintf(&b, "  %d: %s = %s", g.Index, g.Kind, g.Value)
		}
		if len(g.Exports) > 0 {
			fmt.Fprintf(&b, " (exported as %s)", strings.Join(g.Exports, ", "))
		}
		b.WriteByte('\n')
	}

	fmt.Fprintf(&b, "Table elements: %d\n", s.TableElements)
	fmt.Fprintf(&b, "Sparse pages: %d (%d populated)\n", s.SparsePages, s.PopulatedPages)
	fmt.Fprintf(&b, "Trap manifest: %d functions, %d sites\n", s.TrapRecords, s.TrapSites)
	if s.Start != "" {
		fmt.Fprintf(&b, "Start: %s\n", s.Start)
	}
	if len(s.Exports) > 0 {
		b.WriteString("Exported functions:\n")
		for _, name := range s.Exports {
			fmt.Fprintf(&b, "  %s\n", name)
		}
	}
	return b.String()
}
