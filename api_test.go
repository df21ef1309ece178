package clox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dcechano/clox/internal/config"
)

func newTestVM(t *testing.T, opts ...Option) (*VM, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	opts = append([]Option{WithStdout(&out), WithStderr(&errOut)}, opts...)
	vm := NewVM(opts...)
	t.Cleanup(vm.Close)
	return vm, &out, &errOut
}

func TestAPIInterpret(t *testing.T) {
	vm, out, _ := newTestVM(t)
	if err := vm.Interpret(`print 1 + 2;`); err != nil {
		t.Fatalf("interpret: %v", err)
	}
	if err := vm.Interpret(`var a = "x"; print a;`); err != nil {
		t.Fatalf("interpret: %v", err)
	}
	if out.String() != "3\nx\n" {
		t.Fatalf("got %q", out.String())
	}
}

func TestAPIScriptCall(t *testing.T) {
	vm, _, _ := newTestVM(t)
	if err := vm.Interpret(`fun add(a, b) { return a + b; }`); err != nil {
		t.Fatalf("interpret: %v", err)
	}
	res, err := vm.CallAsync(context.Background(), "add", MustValue(2), MustValue(3)).Await(context.Background())
	if err != nil {
		t.Fatalf("call error: %v", err)
	}
	if v, ok := res.Raw().(float64); !ok || v != 5 {
		t.Fatalf("expected 5, got %#v", res)
	}
}

func TestAPIHostFunctionBinding(t *testing.T) {
	vm, out, _ := newTestVM(t)
	host := NewFunction(1, func(args HostArgs) (Value, error) {
		n, err := args.Number(0)
		if err != nil {
			return Value{}, err
		}
		return NewValue(n + 1)
	})
	if err := vm.SetGlobalFunction("inc", host); err != nil {
		t.Fatalf("set global: %v", err)
	}
	if err := vm.Interpret(`print inc(4);`); err != nil {
		t.Fatalf("interpret: %v", err)
	}
	if out.String() != "5\n" {
		t.Fatalf("got %q", out.String())
	}

	err := vm.Interpret(`inc("x");`)
	var rerr *RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected runtime error, got %v", err)
	}
	var argErr ArgError
	if !errors.As(err, &argErr) || argErr.Want != "number" || argErr.Got != "string" {
		t.Fatalf("expected ArgError cause, got %#v", rerr.Cause)
	}
}

func TestAPIMarshalFunction(t *testing.T) {
	vm, out, _ := newTestVM(t)
	greet, err := MarshalFunction(func(name string, times int) string {
		return strings.Repeat("hi "+name+" ", times)
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if greet.Arity != 2 {
		t.Fatalf("expected arity 2, got %d", greet.Arity)
	}
	fail, err := MarshalFunction(func() error { return errors.New("nope") })
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := vm.SetGlobalFunction("greet", greet); err != nil {
		t.Fatal(err)
	}
	if err := vm.SetGlobalFunction("fail", fail); err != nil {
		t.Fatal(err)
	}
	if err := vm.Interpret(`print greet("bob", 2);`); err != nil {
		t.Fatalf("interpret: %v", err)
	}
	if out.String() != "hi bob hi bob \n" {
		t.Fatalf("got %q", out.String())
	}
	if err := vm.Interpret(`fail();`); err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected nope, got %v", err)
	}
	if _, err := MarshalFunction(42); err == nil {
		t.Fatalf("expected error for non-function")
	}
	if _, err := MarshalFunction(func() (int, int) { return 0, 0 }); err == nil {
		t.Fatalf("expected error for non-error second result")
	}
}

func TestAPIHasFunction(t *testing.T) {
	vm, _, _ := newTestVM(t)
	if vm.HasFunction("missing") {
		t.Fatalf("expected missing to be false")
	}
	if !vm.HasFunction("clock") {
		t.Fatalf("expected clock native")
	}
	if err := vm.Interpret(`fun f() {} var n = 1;`); err != nil {
		t.Fatal(err)
	}
	if !vm.HasFunction("f") || vm.HasFunction("n") {
		t.Fatalf("unexpected HasFunction results")
	}
}

func TestAPICompileError(t *testing.T) {
	vm, _, errOut := newTestVM(t)
	err := vm.Interpret("var = 1;\nprint 1 +;")
	var cerr *CompileError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *CompileError, got %T", err)
	}
	if len(cerr.Diagnostics) != 2 {
		t.Fatalf("expected 2 diagnostics, got %v", cerr.Diagnostics)
	}
	if cerr.Diagnostics[0].String() != "[line 1] Error at '=': Expect variable name." {
		t.Fatalf("got %q", cerr.Diagnostics[0].String())
	}
	if cerr.Diagnostics[1].Line != 2 {
		t.Fatalf("expected second diagnostic on line 2, got %+v", cerr.Diagnostics[1])
	}
	if !strings.Contains(errOut.String(), "Expect variable name.") {
		t.Fatalf("diagnostics not written: %q", errOut.String())
	}
}

func TestAPIRuntimeErrorTrace(t *testing.T) {
	vm, _, _ := newTestVM(t)
	err := vm.Interpret("fun f() {\n  return -nil;\n}\nf();")
	var rerr *RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *RuntimeError, got %T", err)
	}
	if rerr.Message != "Operand must be a number." {
		t.Fatalf("got %q", rerr.Message)
	}
	if rerr.Frame.Function != "f" || rerr.Frame.Line != 2 {
		t.Fatalf("unexpected frame %+v", rerr.Frame)
	}
	if len(rerr.Stack) != 2 || rerr.Stack[1].Function != "script" || rerr.Stack[1].Line != 4 {
		t.Fatalf("unexpected stack %+v", rerr.Stack)
	}
	if !strings.HasPrefix(rerr.Error(), "line 2 in f: ") {
		t.Fatalf("got %q", rerr.Error())
	}
}

func TestAPIInstructionLimit(t *testing.T) {
	vm, _, _ := newTestVM(t)
	vm.SetInstructionLimit(50)
	err := vm.Interpret(`for (;;) {}`)
	if err == nil || !strings.Contains(err.Error(), "instruction limit exceeded") {
		t.Fatalf("expected limit error, got %v", err)
	}
	vm.SetInstructionLimit(0)
	if err := vm.Interpret(`print 1;`); err != nil {
		t.Fatalf("vm unusable after limit: %v", err)
	}
}

func TestAPITraceHook(t *testing.T) {
	vm, _, _ := newTestVM(t)
	count := 0
	vm.SetTraceHook(func(info TraceInfo) {
		count++
		if info.Function != "script" {
			t.Errorf("unexpected function %q", info.Function)
		}
	})
	if err := vm.Interpret(`1;`); err != nil {
		t.Fatal(err)
	}
	// CONST POP NIL RETURN
	if count != 4 {
		t.Fatalf("expected 4 trace events, got %d", count)
	}
	vm.SetTraceHook(nil)
	if err := vm.Interpret(`1;`); err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Fatalf("hook not removed")
	}
}

func TestAPICompileAndRun(t *testing.T) {
	vm, out, _ := newTestVM(t, WithGC(0, 2, true))
	fn, err := vm.Compile(`var greeting = "hello"; print greeting;`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	// The compiled function is pinned while the host holds it.
	if err := vm.Interpret(`var junk = "a"; junk = "b";`); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := vm.Run(fn); err != nil {
			t.Fatalf("run: %v", err)
		}
	}
	if out.String() != "hello\nhello\n" {
		t.Fatalf("got %q", out.String())
	}
	fn.Release()
	if err := vm.Run(fn); err == nil {
		t.Fatalf("expected error running a released function")
	}
}

func TestAPIImageRoundTrip(t *testing.T) {
	src, _, _ := newTestVM(t)
	fn, err := src.Compile(`fun sq(x) { return x * x; } print sq(7);`)
	if err != nil {
		t.Fatal(err)
	}
	var img bytes.Buffer
	if err := src.WriteImage(&img, fn); err != nil {
		t.Fatalf("write image: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "sq.cloxc")
	if err := os.WriteFile(path, img.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	dst, out, _ := newTestVM(t, WithGC(0, 2, true))
	loaded, err := dst.LoadFile(path)
	if err != nil {
		t.Fatalf("load image: %v", err)
	}
	if err := dst.Run(loaded); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "49\n" {
		t.Fatalf("got %q", out.String())
	}

	again, err := dst.LoadImage(bytes.NewReader(img.Bytes()))
	if err != nil || again == nil {
		t.Fatalf("load image: %v", err)
	}
}

func TestAPILoadFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.lox")
	if err := os.WriteFile(path, []byte("print \"from file\";\nprint -true;\n"), 0644); err != nil {
		t.Fatal(err)
	}
	vm, out, _ := newTestVM(t)
	fn, err := vm.LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	err = vm.Run(fn)
	var rerr *RuntimeError
	if !errors.As(err, &rerr) || rerr.Frame.Source != path || rerr.Frame.Line != 2 {
		t.Fatalf("expected runtime error at %s:2, got %v", path, err)
	}
	if out.String() != "from file\n" {
		t.Fatalf("got %q", out.String())
	}
	if _, err := vm.LoadFile(filepath.Join(dir, "missing.lox")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestAPIFunctionHandles(t *testing.T) {
	vm, _, _ := newTestVM(t, WithGC(0, 2, true))
	if err := vm.Interpret(`
fun makeAdder(n) {
  fun add(x) { return x + n; }
  return add;
}
var label = "adder";
`); err != nil {
		t.Fatal(err)
	}
	res, err := vm.Call(context.Background(), "makeAdder", Number(10))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	add, ok := res.Function()
	if !ok || add.Name() != "add" {
		t.Fatalf("expected add handle, got %#v", res)
	}
	// Allocate enough to force collections while only the host holds add.
	if err := vm.Interpret(`for (var i = 0; i < 20; i = i + 1) { var s = str(i); }`); err != nil {
		t.Fatal(err)
	}
	got, err := add.Call(context.Background(), Number(5))
	if err != nil {
		t.Fatalf("call handle: %v", err)
	}
	if n, _ := got.Number(); n != 15 {
		t.Fatalf("expected 15, got %#v", got)
	}
	add.Release()
	if _, err := add.Call(context.Background(), Number(1)); err == nil {
		t.Fatalf("expected error after release")
	}

	label, ok := vm.Global("label")
	if s, _ := label.String(); !ok || s != "adder" {
		t.Fatalf("unexpected label %#v", label)
	}
	if err := vm.SetGlobal("label", String("changed")); err != nil {
		t.Fatal(err)
	}
	res, err = vm.Call(context.Background(), "str", mustGlobal(t, vm, "label"))
	if err != nil {
		t.Fatalf("call native: %v", err)
	}
	if s, _ := res.String(); s != "changed" {
		t.Fatalf("got %#v", res)
	}
}

func mustGlobal(t *testing.T, vm *VM, name string) Value {
	t.Helper()
	v, ok := vm.Global(name)
	if !ok {
		t.Fatalf("global %s missing", name)
	}
	return v
}

func TestAPICallCancelled(t *testing.T) {
	vm, _, _ := newTestVM(t)
	if err := vm.Interpret(`fun f() { return 1; }`); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := vm.CallAsync(ctx, "f").Await(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	waitCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	if v, err := vm.CallAsync(context.Background(), "f").Await(waitCtx); err != nil || v.Raw() != 1.0 {
		t.Fatalf("got %#v %v", v, err)
	}
	if _, err := vm.Call(context.Background(), "nope"); err == nil {
		t.Fatalf("expected undefined function error")
	}
}

func TestAPIEntriesRefusedWhileBusy(t *testing.T) {
	vm, _, _ := newTestVM(t)
	var (
		setErr, statsErr, limitErr error
		sawGlobal, sawFunc         bool
	)
	inspect := NewFunction(0, func(args HostArgs) (Value, error) {
		setErr = vm.SetGlobal("x", Number(1))
		_, statsErr = vm.Stats()
		limitErr = vm.SetInstructionLimit(10)
		_, sawGlobal = vm.Global("g")
		sawFunc = vm.HasFunction("check")
		return Nil(), nil
	})
	if err := vm.SetGlobalFunction("check", inspect); err != nil {
		t.Fatal(err)
	}
	if err := vm.Interpret(`var g = 1; check();`); err != nil {
		t.Fatal(err)
	}
	for name, err := range map[string]error{"SetGlobal": setErr, "Stats": statsErr, "SetInstructionLimit": limitErr} {
		if !errors.Is(err, ErrBusy) {
			t.Fatalf("%s: expected ErrBusy, got %v", name, err)
		}
	}
	if sawGlobal || sawFunc {
		t.Fatalf("globals must not be readable during a call")
	}
	if _, ok := vm.Global("g"); !ok {
		t.Fatalf("global g missing after the call")
	}
}

func TestAPIConcurrentCallsAndHandles(t *testing.T) {
	vm, _, _ := newTestVM(t, WithGC(0, 2, true))
	if err := vm.Interpret(`fun f(s) { return s; } var g = f;`); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 200; i++ {
			_, err := vm.CallAsync(ctx, "f", String("x")).Await(ctx)
			if err != nil && !errors.Is(err, ErrBusy) {
				done <- err
				return
			}
		}
		done <- nil
	}()
	for i := 0; i < 200; i++ {
		if v, ok := vm.Global("g"); ok {
			h, _ := v.Function()
			h.Release()
		}
		if _, err := vm.Stats(); err != nil && !errors.Is(err, ErrBusy) {
			t.Fatal(err)
		}
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	res, err := vm.Call(ctx, "f", String("y"))
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := res.String(); s != "y" {
		t.Fatalf("got %#v", res)
	}
}

func TestAPIWithConfig(t *testing.T) {
	c := config.Default()
	c.Debug.PrintCode = true
	c.VM.MaxFrames = 4
	vm, out, errOut := newTestVM(t, WithConfig(c))
	if err := vm.Interpret(`print 1;`); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "== <script> (arity=0, upvalues=0) ==") {
		t.Fatalf("expected code dump, got %q", out.String())
	}
	err := vm.Interpret(`fun f() { f(); } f();`)
	if err == nil || !strings.HasPrefix(errOut.String(), "Stack overflow.") {
		t.Fatalf("expected overflow with 4 frames, got %v %q", err, errOut.String())
	}
}

func TestAPIDisassemble(t *testing.T) {
	vm, _, _ := newTestVM(t)
	fn, err := vm.Compile(`fun f() { return 1; }`)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := vm.Disassemble(&buf, fn); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "== f (arity=0, upvalues=0) ==") {
		t.Fatalf("missing nested function in %q", buf.String())
	}
}

func TestAPIStats(t *testing.T) {
	vm, _, _ := newTestVM(t)
	if err := vm.Interpret(`var a = "x";`); err != nil {
		t.Fatal(err)
	}
	s, err := vm.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if s.Live == 0 || s.Globals != 5 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if !strings.Contains(s.String(), "globals=5") {
		t.Fatalf("got %q", s.String())
	}
}

func TestNewValue(t *testing.T) {
	cases := []struct {
		in   any
		kind ValueKind
	}{
		{nil, ValueNil},
		{true, ValueBool},
		{3, ValueNumber},
		{uint8(3), ValueNumber},
		{2.5, ValueNumber},
		{"s", ValueString},
		{String("x"), ValueString},
	}
	for _, tc := range cases {
		v, err := NewValue(tc.in)
		if err != nil || v.Kind() != tc.kind {
			t.Fatalf("%#v: got %v %v", tc.in, v.Kind(), err)
		}
	}
	if _, err := NewValue([]int{1}); err == nil {
		t.Fatalf("expected error for slice")
	}
}
