package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/plinthml/plinth/pkg/runtime"
	"github.com/plinthml/plinth/pkg/tensor"
)

type Server struct {
	provider ModuleProvider
	runs     *RunStore
	clock    func() time.Time
}

func NewServer(provider ModuleProvider, runs *RunStore) *Server {
	if runs == nil {
		runs = NewRunStore()
	}
	return &Server{
		provider: provider,
		runs:     runs,
		clock:    time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/programs", s.handleListPrograms)
	e.GET("/v1/programs/:id", s.handleGetProgram)
	e.POST("/v1/programs/:id/run", s.handleRunProgram)
	e.GET("/v1/runs/:id", s.handleGetRun)
}

func (s *Server) handleListPrograms(c *echo.Context) error {
	ids, err := s.provider.ListPrograms()
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
	if ids == nil {
		ids = []string{}
	}
	return c.JSON(http.StatusOK, ProgramList{Object: "list", Data: ids})
}

func (s *Server) handleGetProgram(c *echo.Context) error {
	id := c.Param("id")
	var info ProgramInfo
	err := s.provider.WithModule(c.Request().Context(), id, func(mod *runtime.Module) error {
		var err error
		info, err = describeProgram(id, mod)
		return err
	})
	if err != nil {
		return writeRuntimeError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func describeProgram(id string, mod *runtime.Module) (ProgramInfo, error) {
	prog := mod.Program()
	info := ProgramInfo{
		ID:        id,
		Name:      prog.Name(),
		Producer:  prog.Producer(),
		Externals: prog.ExternalKeys(),
	}
	for _, name := range prog.MethodNames() {
		meta, err := prog.MethodMeta(name)
		if err != nil {
			return ProgramInfo{}, err
		}
		info.Methods = append(info.Methods, MethodInfo{
			Name:    meta.Name,
			Inputs:  toTensorMetas(meta.Inputs),
			Outputs: toTensorMetas(meta.Outputs),
			Pools:   meta.Pools,
			NumOps:  meta.NumOps,
		})
	}
	return info, nil
}

func toTensorMetas(metas []tensor.Meta) []TensorMeta {
	out := make([]TensorMeta, len(metas))
	for i, m := range metas {
		out[i] = TensorMeta{DType: m.DType.String(), Shape: m.Shape}
	}
	return out
}

func (s *Server) handleRunProgram(c *echo.Context) error {
	id := c.Param("id")
	req, err := decodeJSON[RunRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	inputs := make([]tensor.View, len(req.Inputs))
	for i, p := range req.Inputs {
		v, err := PayloadToView(p)
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		inputs[i] = v
	}

	var resp RunResponse
	err = s.provider.WithModule(c.Request().Context(), id, func(mod *runtime.Module) error {
		method := req.Method
		if method == "" {
			method = defaultMethod(mod.MethodNames())
		}

		started := time.Now()
		outs, err := mod.Execute(method, inputs)
		if err != nil {
			return err
		}
		dur := time.Since(started)

		payloads := make([]TensorPayload, len(outs))
		for i, v := range outs {
			p, err := ViewToPayload(v)
			if err != nil {
				return err
			}
			payloads[i] = p
		}
		resp = newRunResponse(id, method, payloads, dur, s.clock())
		return nil
	})
	if err != nil {
		return writeRuntimeError(c, err)
	}

	s.runs.Save(resp)
	return c.JSON(http.StatusOK, resp)
}

func defaultMethod(names []string) string {
	if len(names) == 1 {
		return names[0]
	}
	return "forward"
}

func (s *Server) handleGetRun(c *echo.Context) error {
	run, ok := s.runs.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "run not found")
	}
	return c.JSON(http.StatusOK, run)
}
