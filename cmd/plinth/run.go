package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/plinthml/plinth/internal/api"
	"github.com/plinthml/plinth/internal/blobs"
	"github.com/plinthml/plinth/internal/logger"
	"github.com/plinthml/plinth/pkg/runtime"
	"github.com/plinthml/plinth/pkg/tensor"
	"github.com/plinthml/plinth/pkg/trace"
)

// runResult is the JSON document run prints to stdout.
type runResult struct {
	Program    string              `json:"program"`
	Method     string              `json:"method"`
	Outputs    []api.TensorPayload `json:"outputs"`
	DurationMS float64             `json:"duration_ms"`
}

func runCmd() *cli.Command {
	var (
		method    string
		dataPath  string
		inputJSON string
		inputFile string
		repeat    int64
		tracePath string
		showMeta  bool
	)

	flags := append([]cli.Flag{}, commonProgramFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "method",
			Aliases:     []string{"m"},
			Usage:       "method to execute (default: forward)",
			Destination: &method,
		},
		&cli.StringFlag{
			Name:        "data",
			Aliases:     []string{"d"},
			Usage:       "path to .pld external data file (default: sibling of program)",
			Destination: &dataPath,
		},
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "inline JSON tensor inputs",
			Destination: &inputJSON,
		},
		&cli.StringFlag{
			Name:        "input-file",
			Usage:       "path to a JSON file with tensor inputs",
			Destination: &inputFile,
		},
		&cli.Int64Flag{
			Name:        "repeat",
			Aliases:     []string{"n"},
			Usage:       "number of executions",
			Value:       1,
			Destination: &repeat,
		},
		&cli.StringFlag{
			Name:        "trace",
			Usage:       "write execution trace records to a JSONL file",
			Destination: &tracePath,
		},
		&cli.BoolFlag{
			Name:        "show-meta",
			Usage:       "print program + method summary",
			Value:       true,
			Destination: &showMeta,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Execute a method of a compiled program",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			applyRunConfig(c, LoadConfig(), &method)
			log := setupLogger()
			ctx = logger.WithContext(ctx, log)

			if strings.HasPrefix(programPath, "gs://") {
				fetched, err := blobs.Resolve(ctx, programPath, cacheDirOrDefault())
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: fetch program: %v", err), 1)
				}
				programPath = fetched
			}

			resolvedPath, err := resolveRunProgramPath(programPath, programsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve program: %v", err), 1)
			}
			programPath = resolvedPath

			stat, err := os.Stat(programPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat program path %q: %v", programPath, err), 1)
			}
			if stat.IsDir() || !strings.HasSuffix(strings.ToLower(programPath), ".plp") {
				return cli.Exit("error: plinth run only supports .plp files", 1)
			}

			payloads, err := readRunInputs(inputJSON, inputFile)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: parse inputs: %v", err), 1)
			}
			inputs := make([]tensor.View, len(payloads))
			for i, p := range payloads {
				v, err := api.PayloadToView(p)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: input %d: %v", i, err), 1)
				}
				inputs[i] = v
			}

			var tracer *trace.Tracer
			if tracePath != "" {
				f, err := os.Create(tracePath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: create trace file: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				tracer = trace.New(trace.NewJSONLSink(f))
			}

			data := dataPath
			if data == "" {
				data = siblingDataFile(programPath)
			}

			loadStart := time.Now()
			mod, err := runtime.OpenModule(programPath, runtime.ModuleConfig{
				DataFile:     data,
				Tracer:       tracer,
				Verification: verificationFromFlag(),
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open program: %v", err), 1)
			}
			defer func() { _ = mod.Close() }()
			log.Debug("program loaded", "path", programPath, "dur", time.Since(loadStart))

			if method == "" {
				method = defaultRunMethod(mod.MethodNames())
			}

			if showMeta {
				printRunMeta(mod, method, data)
			}

			if repeat < 1 {
				repeat = 1
			}

			var (
				outs  []tensor.View
				total time.Duration
			)
			for i := range int(repeat) {
				started := time.Now()
				outs, err = mod.Execute(method, inputs)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: execute %s: %v", method, err), 1)
				}
				dur := time.Since(started)
				total += dur
				log.Debug("execution complete", "run", i+1, "dur", dur)
			}

			outPayloads := make([]api.TensorPayload, len(outs))
			for i, v := range outs {
				p, err := api.ViewToPayload(v)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode output %d: %v", i, err), 1)
				}
				outPayloads[i] = p
			}

			result := runResult{
				Program:    mod.Program().Name(),
				Method:     method,
				Outputs:    outPayloads,
				DurationMS: float64(total.Microseconds()) / 1000 / float64(repeat),
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return cli.Exit(fmt.Sprintf("error: encode result: %v", err), 1)
			}

			avg := (total / time.Duration(repeat)).Round(time.Microsecond)
			fmt.Fprintf(os.Stderr, "Stats: %d run(s), avg %s\n", repeat, avg)
			if dropped := tracer.Dropped(); dropped > 0 {
				log.Warn("trace records dropped", "count", dropped)
			}
			return nil
		},
	}
}

// readRunInputs loads tensor payloads from --input or --input-file.
func readRunInputs(inputJSON, inputFile string) ([]api.TensorPayload, error) {
	if inputJSON != "" && inputFile != "" {
		return nil, errors.New("--input and --input-file are mutually exclusive")
	}
	var data []byte
	switch {
	case inputJSON != "":
		data = []byte(inputJSON)
	case inputFile != "":
		b, err := os.ReadFile(inputFile)
		if err != nil {
			return nil, err
		}
		data = b
	default:
		return nil, nil
	}
	return parseInputPayloads(data)
}

// parseInputPayloads accepts either a bare JSON array of tensor payloads or
// an {"inputs": [...]} wrapper, matching the run endpoint's request body.
func parseInputPayloads(data []byte) ([]api.TensorPayload, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '{' {
		var wrapped struct {
			Inputs []api.TensorPayload `json:"inputs"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, err
		}
		return wrapped.Inputs, nil
	}
	var payloads []api.TensorPayload
	if err := json.Unmarshal(trimmed, &payloads); err != nil {
		return nil, err
	}
	return payloads, nil
}

func defaultRunMethod(names []string) string {
	if len(names) == 1 {
		return names[0]
	}
	return "forward"
}

func printRunMeta(mod *runtime.Module, method, dataPath string) {
	prog := mod.Program()
	fmt.Fprintf(os.Stderr, "PLP | program=%s", prog.Name())
	if prog.Producer() != "" {
		fmt.Fprintf(os.Stderr, " producer=%s", prog.Producer())
	}
	fmt.Fprintf(os.Stderr, " methods=%d", prog.NumMethods())
	if dataPath != "" {
		fmt.Fprintf(os.Stderr, " data=%s", filepath.Base(dataPath))
	}
	fmt.Fprintln(os.Stderr)

	meta, err := prog.MethodMeta(method)
	if err != nil {
		return
	}
	fmt.Fprintf(os.Stderr, "method %s: inputs=%s outputs=%s ops=%d pools=%s\n",
		meta.Name, formatMetas(meta.Inputs), formatMetas(meta.Outputs), meta.NumOps, formatPools(meta.Pools))
}

func formatMetas(metas []tensor.Meta) string {
	if len(metas) == 0 {
		return "[]"
	}
	parts := make([]string, len(metas))
	for i, m := range metas {
		parts[i] = fmt.Sprintf("%v%v", m.DType, m.Shape)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func formatPools(pools []int64) string {
	if len(pools) == 0 {
		return "[]"
	}
	parts := make([]string, len(pools))
	for i, p := range pools {
		parts[i] = formatBytes(uint64(p))
	}
	return "[" + strings.Join(parts, " ") + "]"
}
