package api

import (
	"encoding/binary"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/plinthml/plinth/pkg/extdata"
	"github.com/plinthml/plinth/pkg/plp"
	"github.com/plinthml/plinth/pkg/tensor"
)

func f32Bytes(vals ...float32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

// writePrograms populates a programs dir with addconst.plp (input + constant),
// wmul.plp with a sibling wmul.pld, and gelu.plp whose op has no kernel.
func writePrograms(t *testing.T, dir string) {
	t.Helper()

	b := plp.NewBuilder("addconst")
	m := b.Method("forward")
	pool := m.Pool(4096)
	x := m.Input(tensor.DTypeF32, []int{2, 2})
	c := m.Constant(tensor.DTypeF32, []int{2, 2}, f32Bytes(1, 2, 3, 4))
	out := m.Planned(tensor.DTypeF32, []int{2, 2}, pool)
	m.Op("add", []int{x, c}, []int{out})
	m.Output(out)
	if err := b.WriteFile(filepath.Join(dir, "addconst.plp")); err != nil {
		t.Fatalf("write addconst: %v", err)
	}

	b = plp.NewBuilder("wmul")
	m = b.Method("forward")
	pool = m.Pool(64)
	x = m.Input(tensor.DTypeF32, []int{4})
	w := m.External("fc.weight", tensor.DTypeF32, []int{4})
	out = m.Planned(tensor.DTypeF32, []int{4}, pool)
	m.Op("mul", []int{x, w}, []int{out})
	m.Output(out)
	if err := b.WriteFile(filepath.Join(dir, "wmul.plp")); err != nil {
		t.Fatalf("write wmul: %v", err)
	}
	err := extdata.WriteFile(filepath.Join(dir, "wmul.pld"), []extdata.TensorData{{
		Key:   "fc.weight",
		DType: tensor.DTypeF32,
		Shape: []int{4},
		Data:  f32Bytes(2, 2, 2, 2),
	}})
	if err != nil {
		t.Fatalf("write wmul data: %v", err)
	}

	b = plp.NewBuilder("gelu")
	m = b.Method("forward")
	pool = m.Pool(64)
	x = m.Input(tensor.DTypeF32, []int{4})
	out = m.Planned(tensor.DTypeF32, []int{4}, pool)
	m.Op("gelu", []int{x}, []int{out})
	m.Output(out)
	if err := b.WriteFile(filepath.Join(dir, "gelu.plp")); err != nil {
		t.Fatalf("write gelu: %v", err)
	}
}

func newTestEcho(t *testing.T) *echo.Echo {
	t.Helper()
	dir := t.TempDir()
	writePrograms(t, dir)

	provider := NewCachedModuleProvider(ProviderConfig{ProgramsPath: dir})
	t.Cleanup(func() { provider.Close() })

	server := NewServer(provider, NewRunStore())
	e := echo.New()
	server.Register(e)
	return e
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestListPrograms(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/programs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var list ProgramList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Object != "list" {
		t.Fatalf("object: got %q", list.Object)
	}
	want := []string{"addconst", "gelu", "wmul"}
	if len(list.Data) != len(want) {
		t.Fatalf("programs: got %v want %v", list.Data, want)
	}
	for i := range want {
		if list.Data[i] != want[i] {
			t.Fatalf("programs[%d]: got %q want %q", i, list.Data[i], want[i])
		}
	}
}

func TestGetProgramMetadata(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	rec := doJSON(t, e, http.MethodGet, "/v1/programs/addconst", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var info ProgramInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if info.Name != "addconst" {
		t.Fatalf("name: got %q", info.Name)
	}
	if len(info.Methods) != 1 || info.Methods[0].Name != "forward" {
		t.Fatalf("methods: got %+v", info.Methods)
	}
	mi := info.Methods[0]
	if len(mi.Inputs) != 1 || mi.Inputs[0].DType != "f32" {
		t.Fatalf("inputs: got %+v", mi.Inputs)
	}
	if len(mi.Pools) != 1 || mi.Pools[0] != 4096 {
		t.Fatalf("pools: got %v", mi.Pools)
	}
	if mi.NumOps != 1 {
		t.Fatalf("ops: got %d", mi.NumOps)
	}

	if rec := doJSON(t, e, http.MethodGet, "/v1/programs/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing program status: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestRunProgramAndFetchRecord(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	body := `{"inputs":[{"dtype":"f32","shape":[2,2],"values":[10,20,30,40]}]}`
	rec := doJSON(t, e, http.MethodPost, "/v1/programs/addconst/run", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("run status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var run RunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if !strings.HasPrefix(run.ID, "run_") {
		t.Fatalf("run id: got %q", run.ID)
	}
	if run.Object != "run" || run.Program != "addconst" || run.Method != "forward" {
		t.Fatalf("run envelope: got %+v", run)
	}
	if len(run.Outputs) != 1 {
		t.Fatalf("outputs: got %d", len(run.Outputs))
	}
	want := []float64{11, 22, 33, 44}
	got := run.Outputs[0].Values
	if len(got) != len(want) {
		t.Fatalf("values: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("values[%d]: got %v want %v", i, got[i], want[i])
		}
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/runs/"+run.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get run status: got %d body=%s", getRec.Code, getRec.Body.String())
	}
	var fetched RunResponse
	if err := json.Unmarshal(getRec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("decode fetched run: %v", err)
	}
	if fetched.ID != run.ID {
		t.Fatalf("fetched id: got %q want %q", fetched.ID, run.ID)
	}

	if rec := doJSON(t, e, http.MethodGet, "/v1/runs/run_missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing run status: got %d", rec.Code)
	}
}

func TestRunProgramWithSiblingWeights(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	body := `{"inputs":[{"dtype":"f32","shape":[4],"values":[1,2,3,4]}]}`
	rec := doJSON(t, e, http.MethodPost, "/v1/programs/wmul/run", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("run status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var run RunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	want := []float64{2, 4, 6, 8}
	for i := range want {
		if run.Outputs[0].Values[i] != want[i] {
			t.Fatalf("values[%d]: got %v want %v", i, run.Outputs[0].Values[i], want[i])
		}
	}
}

func TestRunValidationErrors(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)

	badDType := `{"inputs":[{"dtype":"f33","shape":[4],"values":[1,2,3,4]}]}`
	if rec := doJSON(t, e, http.MethodPost, "/v1/programs/addconst/run", badDType); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad dtype status: got %d body=%s", rec.Code, rec.Body.String())
	}

	badCount := `{"inputs":[{"dtype":"f32","shape":[2,2],"values":[1,2]}]}`
	if rec := doJSON(t, e, http.MethodPost, "/v1/programs/addconst/run", badCount); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad count status: got %d body=%s", rec.Code, rec.Body.String())
	}

	wrongShape := `{"inputs":[{"dtype":"f32","shape":[4],"values":[1,2,3,4]}]}`
	if rec := doJSON(t, e, http.MethodPost, "/v1/programs/addconst/run", wrongShape); rec.Code != http.StatusBadRequest {
		t.Fatalf("wrong shape status: got %d body=%s", rec.Code, rec.Body.String())
	}

	noInputs := `{"inputs":[]}`
	if rec := doJSON(t, e, http.MethodPost, "/v1/programs/addconst/run", noInputs); rec.Code != http.StatusBadRequest {
		t.Fatalf("no inputs status: got %d body=%s", rec.Code, rec.Body.String())
	}

	wrongMethod := `{"method":"backward","inputs":[{"dtype":"f32","shape":[2,2],"values":[1,2,3,4]}]}`
	if rec := doJSON(t, e, http.MethodPost, "/v1/programs/addconst/run", wrongMethod); rec.Code != http.StatusNotFound {
		t.Fatalf("wrong method status: got %d body=%s", rec.Code, rec.Body.String())
	}

	if rec := doJSON(t, e, http.MethodPost, "/v1/programs/missing/run", noInputs); rec.Code != http.StatusNotFound {
		t.Fatalf("missing program status: got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestRunUnregisteredKernel(t *testing.T) {
	t.Parallel()

	e := newTestEcho(t)
	body := `{"inputs":[{"dtype":"f32","shape":[4],"values":[1,2,3,4]}]}`
	rec := doJSON(t, e, http.MethodPost, "/v1/programs/gelu/run", body)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("unregistered kernel status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "gelu") {
		t.Fatalf("error body should name the op key: %s", rec.Body.String())
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	t.Parallel()

	payload := TensorPayload{DType: "i64", Shape: []int{3}, Values: []float64{-5, 0, 7}}
	v, err := PayloadToView(payload)
	if err != nil {
		t.Fatalf("to view: %v", err)
	}
	back, err := ViewToPayload(v)
	if err != nil {
		t.Fatalf("to payload: %v", err)
	}
	if back.DType != "i64" || len(back.Values) != 3 {
		t.Fatalf("round trip: got %+v", back)
	}
	for i := range payload.Values {
		if back.Values[i] != payload.Values[i] {
			t.Fatalf("values[%d]: got %v want %v", i, back.Values[i], payload.Values[i])
		}
	}

	if _, err := PayloadToView(TensorPayload{DType: "f16", Shape: []int{1}, Values: []float64{1}}); err == nil {
		t.Fatal("f16 payload accepted")
	}
	if _, err := PayloadToView(TensorPayload{DType: "f32", Shape: []int{-1}, Values: nil}); err == nil {
		t.Fatal("negative dim accepted")
	}
}
