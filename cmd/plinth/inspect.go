package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/plinthml/plinth/pkg/plp"
)

type inspectReport struct {
	File      string           `json:"file"`
	Size      uint64           `json:"size_bytes"`
	Header    headerReport     `json:"header"`
	Name      string           `json:"name,omitempty"`
	Producer  string           `json:"producer,omitempty"`
	Sections  []sectionReport  `json:"sections"`
	Methods   []methodReport   `json:"methods"`
	Externals []externalReport `json:"externals,omitempty"`
}

type headerReport struct {
	Major    uint16 `json:"major"`
	Minor    uint16 `json:"minor"`
	Sections uint32 `json:"sections"`
	Flags    uint64 `json:"flags"`
}

type sectionReport struct {
	Type    string `json:"type"`
	Version uint32 `json:"version"`
	Offset  uint64 `json:"offset"`
	Size    uint64 `json:"size"`
}

type methodReport struct {
	Name    string         `json:"name"`
	Inputs  []tensorReport `json:"inputs"`
	Outputs []tensorReport `json:"outputs"`
	NumOps  int            `json:"num_ops"`
	Pools   []int64        `json:"pools"`
	Values  []valueReport  `json:"values"`
	Ops     []opReport     `json:"ops"`
}

type tensorReport struct {
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

type valueReport struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
	Size  uint64 `json:"size"`
	Ref   string `json:"ref,omitempty"`
}

type opReport struct {
	Index int    `json:"index"`
	Key   string `json:"key"`
	Args  []int  `json:"args"`
	Outs  []int  `json:"outs"`
}

type externalReport struct {
	Key   string `json:"key"`
	DType string `json:"dtype"`
	Size  uint64 `json:"size_bytes"`
}

func inspectCmd() *cli.Command {
	var (
		programPath   string
		methodFilter  string
		showAll       bool
		showSections  bool
		showValues    bool
		showOps       bool
		showExternals bool
		showJSON      bool
		opsLimit      int
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of a .plp program container",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "program",
				Aliases:     []string{"p"},
				Usage:       "path to .plp file",
				Destination: &programPath,
				Required:    true,
			},
			&cli.StringFlag{Name: "method", Usage: "restrict output to one method", Destination: &methodFilter},
			&cli.BoolFlag{Name: "all", Usage: "show all detail sections", Destination: &showAll},
			&cli.BoolFlag{Name: "sections", Usage: "show section directory", Destination: &showSections},
			&cli.BoolFlag{Name: "values", Usage: "list method value slots", Destination: &showValues},
			&cli.BoolFlag{Name: "ops", Usage: "list method op sequences", Destination: &showOps},
			&cli.BoolFlag{Name: "externals", Usage: "list external placeholders", Destination: &showExternals},
			&cli.BoolFlag{Name: "json", Usage: "emit the full report as JSON", Destination: &showJSON},
			&cli.IntFlag{Name: "ops-limit", Usage: "limit op listing (0 = no limit)", Value: 50, Destination: &opsLimit},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			if showAll {
				showSections = true
				showValues = true
				showOps = true
				showExternals = true
				if opsLimit == 50 {
					opsLimit = 0
				}
			}

			stat, err := os.Stat(programPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat program path %q: %v", programPath, err), 1)
			}
			if stat.IsDir() || !strings.HasSuffix(strings.ToLower(programPath), ".plp") {
				return cli.Exit("error: plinth inspect only supports .plp files", 1)
			}

			pf, err := plp.Open(programPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open program: %v", err), 1)
			}
			defer func() { _ = pf.Close() }()

			if showJSON {
				report := buildInspectReport(pf, programPath, uint64(stat.Size()), methodFilter)
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Printf("PLP Inspect: %s\n", programPath)
			fmt.Printf("File: %s (%s)\n", filepath.Base(programPath), formatBytes(uint64(stat.Size())))
			printPLPHeader(pf.Header)

			printProgramSummary(pf)
			printMethodSummaries(pf, methodFilter)

			if showSections {
				printSectionDirectory(pf.Sections)
			}
			if showValues {
				forEachMethod(pf, methodFilter, func(m *plp.MethodDesc) {
					printMethodValues(pf, m)
				})
			}
			if showOps {
				forEachMethod(pf, methodFilter, func(m *plp.MethodDesc) {
					printMethodOps(m, opsLimit)
				})
			}
			if showExternals {
				printExternals(pf)
			}

			return nil
		},
	}
}

func forEachMethod(pf *plp.File, filter string, fn func(m *plp.MethodDesc)) {
	for i := 0; i < pf.NumMethods(); i++ {
		m, ok := pf.MethodAt(i)
		if !ok {
			continue
		}
		if filter != "" && m.Name != filter {
			continue
		}
		fn(m)
	}
}

func buildInspectReport(pf *plp.File, path string, size uint64, filter string) inspectReport {
	report := inspectReport{
		File:     path,
		Size:     size,
		Name:     pf.ProgramName(),
		Producer: pf.Producer(),
		Header: headerReport{
			Major:    pf.Header.Major,
			Minor:    pf.Header.Minor,
			Sections: pf.Header.SectionCount,
			Flags:    pf.Header.Flags,
		},
	}

	for _, s := range pf.Sections {
		report.Sections = append(report.Sections, sectionReport{
			Type:    plpSectionName(plp.SectionType(s.Type)),
			Version: s.Version,
			Offset:  s.Offset,
			Size:    s.Size,
		})
	}

	forEachMethod(pf, filter, func(m *plp.MethodDesc) {
		mr := methodReport{
			Name:   m.Name,
			NumOps: len(m.Ops),
			Pools:  m.Pools,
		}
		for _, vi := range m.Inputs {
			mr.Inputs = append(mr.Inputs, tensorReportFor(m.Values[vi]))
		}
		for _, vi := range m.Outputs {
			mr.Outputs = append(mr.Outputs, tensorReportFor(m.Values[vi]))
		}
		for vi := range m.Values {
			v := &m.Values[vi]
			mr.Values = append(mr.Values, valueReport{
				Index: vi,
				Kind:  v.Kind.String(),
				DType: v.DType.String(),
				Shape: v.Shape,
				Size:  v.Size,
				Ref:   valueRef(pf, v),
			})
		}
		for oi := range m.Ops {
			op := &m.Ops[oi]
			mr.Ops = append(mr.Ops, opReport{Index: oi, Key: op.Key, Args: op.Args, Outs: op.Outs})
		}
		report.Methods = append(report.Methods, mr)
	})

	for i := 0; i < pf.NumExternal(); i++ {
		e, _ := pf.External(i)
		report.Externals = append(report.Externals, externalReport{
			Key:   e.Key,
			DType: e.DType.String(),
			Size:  e.Nbytes,
		})
	}

	return report
}

func tensorReportFor(v plp.Value) tensorReport {
	return tensorReport{DType: v.DType.String(), Shape: v.Shape}
}

func valueRef(pf *plp.File, v *plp.Value) string {
	switch v.Kind {
	case plp.ValuePlanned:
		return fmt.Sprintf("pool:%d", v.Pool)
	case plp.ValueExternal:
		if e, ok := pf.External(v.Ext); ok {
			return "ext:" + e.Key
		}
		return fmt.Sprintf("ext:%d", v.Ext)
	case plp.ValueConstant:
		return fmt.Sprintf("const:%d", v.Off)
	default:
		return ""
	}
}

func printPLPHeader(h plp.PLPHeader) {
	flags := []string{}
	if h.Flags&plp.FlagConstantsAligned64 != 0 {
		flags = append(flags, "constants_aligned64")
	}
	flagStr := "none"
	if len(flags) > 0 {
		flagStr = strings.Join(flags, ", ")
	}
	fmt.Printf("PLP Header: v%d.%d sections=%d header=%dB flags=%s\n",
		h.Major, h.Minor, h.SectionCount, h.HeaderSize, flagStr)
}

func printProgramSummary(pf *plp.File) {
	section("Program")
	row("name", pf.ProgramName())
	row("producer", pf.Producer())
	rowInt("methods", pf.NumMethods())
	rowInt("externals", pf.NumExternal())
	for _, s := range pf.Sections {
		if plp.SectionType(s.Type) == plp.SectionConstantData {
			row("constants", formatBytes(s.Size))
		}
	}
}

func printMethodSummaries(pf *plp.File, filter string) {
	section("Methods")
	forEachMethod(pf, filter, func(m *plp.MethodDesc) {
		inputs := make([]string, len(m.Inputs))
		for i, vi := range m.Inputs {
			v := m.Values[vi]
			inputs[i] = fmt.Sprintf("%v%v", v.DType, v.Shape)
		}
		outputs := make([]string, len(m.Outputs))
		for i, vi := range m.Outputs {
			v := m.Values[vi]
			outputs[i] = fmt.Sprintf("%v%v", v.DType, v.Shape)
		}
		fmt.Printf("%-24s inputs=[%s] outputs=[%s] ops=%d pools=%s\n",
			m.Name,
			strings.Join(inputs, " "),
			strings.Join(outputs, " "),
			len(m.Ops),
			formatPools(m.Pools))
	})
}

func printSectionDirectory(sections []plp.PLPSection) {
	section("Sections")
	for _, s := range sections {
		name := plpSectionName(plp.SectionType(s.Type))
		fmt.Printf("%-20s v%-2d off=%-10d size=%s\n", name, s.Version, s.Offset, formatBytes(s.Size))
	}
}

func printMethodValues(pf *plp.File, m *plp.MethodDesc) {
	section("Values: " + m.Name)
	for vi := range m.Values {
		v := &m.Values[vi]
		line := fmt.Sprintf("%3d  %-9s %-5v shape=%-12s size=%s", vi, v.Kind, v.DType, formatShape(v.Shape), formatBytes(v.Size))
		if ref := valueRef(pf, v); ref != "" {
			line += " " + ref
		}
		fmt.Println(line)
	}
}

func printMethodOps(m *plp.MethodDesc, limit int) {
	section("Ops: " + m.Name)
	printed := 0
	for oi := range m.Ops {
		op := &m.Ops[oi]
		fmt.Printf("%3d  %-12s args=%v outs=%v\n", oi, op.Key, op.Args, op.Outs)
		printed++
		if limit > 0 && printed >= limit {
			break
		}
	}
	if limit > 0 && printed < len(m.Ops) {
		fmt.Printf("... (%d shown of %d)\n", printed, len(m.Ops))
	}
}

func printExternals(pf *plp.File) {
	section("Externals")
	if pf.NumExternal() == 0 {
		fmt.Println("(none)")
		return
	}
	for i := 0; i < pf.NumExternal(); i++ {
		e, _ := pf.External(i)
		fmt.Printf("%-32s %-5v %s\n", e.Key, e.DType, formatBytes(e.Nbytes))
	}
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-24s %s\n", label+":", value)
}

func rowInt(label string, v int) {
	if v == 0 {
		return
	}
	row(label, fmt.Sprintf("%d", v))
}

func formatShape(shape []int) string {
	if len(shape) == 0 {
		return "[]"
	}
	parts := make([]string, len(shape))
	for i, v := range shape {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func plpSectionName(t plp.SectionType) string {
	switch t {
	case plp.SectionProgramInfo:
		return "ProgramInfo"
	case plp.SectionMethodTable:
		return "MethodTable"
	case plp.SectionConstantData:
		return "ConstantData"
	case plp.SectionExternalTable:
		return "ExternalTable"
	default:
		return fmt.Sprintf("Section0x%04x", uint32(t))
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
		tb = 1024 * gb
	)
	switch {
	case b >= tb:
		return fmt.Sprintf("%.2f TiB", float64(b)/float64(tb))
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
