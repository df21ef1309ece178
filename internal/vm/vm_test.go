package vm_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	_ "github.com/dcechano/clox/internal/builtins"
	"github.com/dcechano/clox/internal/heap"
	"github.com/dcechano/clox/internal/value"
	"github.com/dcechano/clox/internal/vm"
)

type harness struct {
	vm  *vm.VM
	h   *heap.Heap
	out bytes.Buffer
	err bytes.Buffer
}

func newHarness(t *testing.T, cfg heap.Config, opts ...vm.Option) *harness {
	t.Helper()
	hs := &harness{h: heap.New(cfg)}
	opts = append([]vm.Option{vm.WithOutput(&hs.out), vm.WithErrorOutput(&hs.err)}, opts...)
	hs.vm = vm.New(hs.h, opts...)
	t.Cleanup(hs.vm.Close)
	return hs
}

func runOK(t *testing.T, src string) string {
	t.Helper()
	hs := newHarness(t, heap.Config{})
	res, err := hs.vm.Interpret(src)
	if err != nil || res != vm.ResultOK {
		t.Fatalf("interpret: %v (%s) stderr=%q", err, res, hs.err.String())
	}
	return hs.out.String()
}

func runFail(t *testing.T, src string) (*harness, *vm.RuntimeError) {
	t.Helper()
	hs := newHarness(t, heap.Config{})
	res, err := hs.vm.Interpret(src)
	if res != vm.ResultRuntimeError {
		t.Fatalf("expected runtime error, got %s (%v)", res, err)
	}
	var rerr *vm.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *vm.RuntimeError, got %T", err)
	}
	return hs, rerr
}

func TestVMPrintsExpressions(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{`print 1 + 2;`, "3\n"},
		{`print nil;`, "nil\n"},
		{`print 10 / 2 - 3;`, "2\n"},
		{`print !nil == true;`, "true\n"},
		{`print 1 != 2 and 3 >= 3;`, "true\n"},
		{`print false or "yes";`, "yes\n"},
		{`var a = 1; a = a + 1; print a;`, "2\n"},
	}
	for _, tc := range cases {
		if got := runOK(t, tc.src); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.src, got, tc.want)
		}
	}
}

func TestVMRecursion(t *testing.T) {
	src := `
fun fact(n) {
  if (n <= 1) return 1;
  return n * fact(n - 1);
}
print fact(5);
`
	if got := runOK(t, src); got != "120\n" {
		t.Fatalf("got %q", got)
	}
}

func TestVMControlFlow(t *testing.T) {
	src := `
var sum = 0;
for (var i = 0; i < 5; i = i + 1) sum = sum + i;
print sum;
var n = 3;
while (n > 0) n = n - 1;
print n;
if (sum > 100) print "big"; else print "small";
`
	if got := runOK(t, src); got != "10\n0\nsmall\n" {
		t.Fatalf("got %q", got)
	}
}

func TestVMClosureOutlivesFrame(t *testing.T) {
	src := `
fun makeCounter() {
  var i = 0;
  fun count() {
    i = i + 1;
    return i;
  }
  return count;
}
var c = makeCounter();
print c();
print c();
`
	if got := runOK(t, src); got != "1\n2\n" {
		t.Fatalf("got %q", got)
	}
}

func TestVMClosuresShareCapturedVariable(t *testing.T) {
	src := `
var get;
var set;
{
  var x = 1;
  fun g() { return x; }
  fun s(v) { x = v; }
  get = g;
  set = s;
  x = 5;
  print get();
}
set(7);
print get();
`
	if got := runOK(t, src); got != "5\n7\n" {
		t.Fatalf("got %q", got)
	}
}

func TestVMSwitch(t *testing.T) {
	src := `
fun name(n) {
  switch (n) {
    case 1: return "one";
    case 2:
      var s = "two";
      return s;
    default: return "other";
  }
}
print name(1);
print name(2);
print name(9);
switch (3) { case 1: print "no"; }
print "done";
`
	if got := runOK(t, src); got != "one\ntwo\nother\ndone\n" {
		t.Fatalf("got %q", got)
	}
}

func TestVMNatives(t *testing.T) {
	src := `
print typeof(1);
print typeof("a");
print typeof(nil);
print typeof(clock);
print str(12);
print clock() >= 0;
`
	want := "number\nstring\nnil\nnative\n12\ntrue\n"
	if got := runOK(t, src); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestVMRuntimeErrors(t *testing.T) {
	cases := []struct {
		src    string
		report string
	}{
		{`print "2" + "2";`, "Operands must be numbers.\n[line 1] in script\n"},
		{`print -"x";`, "Operand must be a number.\n[line 1] in script\n"},
		{"\nprint y;", "Undefined variable 'y'.\n[line 2] in script\n"},
		{`fun f(a) {} f();`, "Expected 1 arguments but got 0.\n[line 1] in script\n"},
		{`var x = 1; x();`, "Can only call functions and closures.\n[line 1] in script\n"},
		{`error("boom");`, "error: boom\n[line 1] in script\n"},
	}
	for _, tc := range cases {
		hs, rerr := runFail(t, tc.src)
		if got := hs.err.String(); got != tc.report {
			t.Fatalf("%s: report %q, want %q", tc.src, got, tc.report)
		}
		if rerr.Report() != tc.report {
			t.Fatalf("%s: Report() %q", tc.src, rerr.Report())
		}
		if hs.vm.StackDepth() != 0 {
			t.Fatalf("%s: stack not reset, depth %d", tc.src, hs.vm.StackDepth())
		}
	}
}

func TestVMStackTrace(t *testing.T) {
	src := `fun a() { b(); }
fun b() { c(); }
fun c() { c("too", "many"); }
a();`
	hs, rerr := runFail(t, src)
	want := "Expected 0 arguments but got 2.\n" +
		"[line 3] in c()\n" +
		"[line 2] in b()\n" +
		"[line 1] in a()\n" +
		"[line 4] in script\n"
	if got := hs.err.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if rerr.Frame.Function != "c" || rerr.Frame.Line != 3 {
		t.Fatalf("unexpected frame %+v", rerr.Frame)
	}
	if len(rerr.Stack) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(rerr.Stack))
	}
}

func TestVMAssignUndefinedGlobal(t *testing.T) {
	hs, _ := runFail(t, `y = 1;`)
	if !strings.HasPrefix(hs.err.String(), "Undefined variable 'y'.") {
		t.Fatalf("got %q", hs.err.String())
	}
	if _, ok := hs.vm.GetGlobal("y"); ok {
		t.Fatalf("failed assignment must not define the global")
	}
}

func TestVMStackOverflow(t *testing.T) {
	hs := newHarness(t, heap.Config{}, vm.WithMaxFrames(16))
	res, err := hs.vm.Interpret(`fun f() { f(); } f();`)
	if res != vm.ResultRuntimeError || err == nil {
		t.Fatalf("expected overflow, got %s", res)
	}
	if !strings.HasPrefix(hs.err.String(), "Stack overflow.\n") {
		t.Fatalf("got %q", hs.err.String())
	}
	var rerr *vm.RuntimeError
	if !errors.As(err, &rerr) || len(rerr.Stack) != 16 {
		t.Fatalf("expected 16 frames in trace, got %+v", err)
	}
}

func TestVMRecoversAfterError(t *testing.T) {
	hs := newHarness(t, heap.Config{})
	if res, _ := hs.vm.Interpret(`var a = 1; print -"x";`); res != vm.ResultRuntimeError {
		t.Fatalf("expected runtime error, got %s", res)
	}
	if res, err := hs.vm.Interpret(`print a + 1;`); res != vm.ResultOK {
		t.Fatalf("second run: %s %v", res, err)
	}
	if hs.out.String() != "2\n" {
		t.Fatalf("got %q", hs.out.String())
	}
}

func TestVMErrorClosesEscapedUpvalues(t *testing.T) {
	hs := newHarness(t, heap.Config{})
	first := `var g; { var a = 1; var b = 2; var c = 3; var x = "captured"; fun f() { return x; } g = f; nil(); }`
	if res, _ := hs.vm.Interpret(first); res != vm.ResultRuntimeError {
		t.Fatalf("expected runtime error, got %s", res)
	}
	if res, err := hs.vm.Interpret(`print g();`); res != vm.ResultOK {
		t.Fatalf("second run: %s %v", res, err)
	}
	if hs.out.String() != "captured\n" {
		t.Fatalf("got %q", hs.out.String())
	}
}

func TestVMErrorClosesSingleCapturedLocal(t *testing.T) {
	hs := newHarness(t, heap.Config{Stress: true})
	if res, _ := hs.vm.Interpret(`var g; { var x = "captured"; fun f() { return x; } g = f; nil(); }`); res != vm.ResultRuntimeError {
		t.Fatalf("expected runtime error, got %s", res)
	}
	if res, err := hs.vm.Interpret(`print g(); print g();`); res != vm.ResultOK {
		t.Fatalf("second run: %s %v", res, err)
	}
	if hs.out.String() != "captured\ncaptured\n" {
		t.Fatalf("got %q", hs.out.String())
	}
}

func TestVMCompileError(t *testing.T) {
	hs := newHarness(t, heap.Config{})
	res, err := hs.vm.Interpret(`print ;`)
	if res != vm.ResultCompileError || err == nil {
		t.Fatalf("expected compile error, got %s", res)
	}
	if got := hs.err.String(); got != "[line 1] Error at ';': Expect expression.\n" {
		t.Fatalf("got %q", got)
	}
}

func TestVMSurvivesStressCollection(t *testing.T) {
	hs := newHarness(t, heap.Config{Stress: true})
	src := `
var keep = "kept";
for (var i = 0; i < 50; i = i + 1) {
  var s = str(i);
}
fun mk() {
  var x = "cap";
  fun f() { return x; }
  return f;
}
var g = mk();
print keep;
print g();
`
	if res, err := hs.vm.Interpret(src); res != vm.ResultOK {
		t.Fatalf("interpret: %s %v %s", res, err, hs.err.String())
	}
	if hs.out.String() != "kept\ncap\n" {
		t.Fatalf("got %q", hs.out.String())
	}
	if hs.h.Stats().Collections == 0 {
		t.Fatalf("stress mode should collect")
	}
	if _, ok := hs.h.FindInterned("17"); ok {
		t.Fatalf("garbage string survived collection")
	}
}

func TestVMInstructionLimit(t *testing.T) {
	hs := newHarness(t, heap.Config{})
	hs.vm.SetInstructionLimit(100)
	_, err := hs.vm.Interpret(`while (true) {}`)
	var rerr *vm.RuntimeError
	if !errors.As(err, &rerr) || rerr.Message != "instruction limit exceeded" {
		t.Fatalf("expected limit error, got %v", err)
	}
}

func TestVMTraceHookAndOutput(t *testing.T) {
	var trace bytes.Buffer
	hs := newHarness(t, heap.Config{}, vm.WithTraceOutput(&trace), vm.WithSourceName("t.lox"))
	var infos []vm.TraceInfo
	hs.vm.SetTraceHook(func(ti vm.TraceInfo) { infos = append(infos, ti) })
	if res, _ := hs.vm.Interpret(`print 1;`); res != vm.ResultOK {
		t.Fatalf("interpret: %s", res)
	}
	// CONST PRINT NIL RETURN
	if len(infos) != 4 {
		t.Fatalf("expected 4 trace events, got %d", len(infos))
	}
	if infos[0].Function != "script" || infos[0].Source != "t.lox" || infos[0].Line != 1 {
		t.Fatalf("unexpected trace info %+v", infos[0])
	}
	if !strings.Contains(trace.String(), "OP_PRINT") || !strings.Contains(trace.String(), "[ 1 ]") {
		t.Fatalf("trace output missing: %q", trace.String())
	}
}

func TestVMHostAccess(t *testing.T) {
	hs := newHarness(t, heap.Config{})
	if res, err := hs.vm.Interpret(`fun add(a, b) { return a + b; } var k = 4;`); res != vm.ResultOK {
		t.Fatalf("interpret: %v", err)
	}
	got, err := hs.vm.Call("add", value.Number(2), value.Number(3))
	if err != nil || got.Num != 5 {
		t.Fatalf("call add: %v %v", got, err)
	}
	if _, err := hs.vm.Call("k"); err == nil {
		t.Fatalf("calling a number should fail")
	}
	hs.vm.SetGlobal("answer", value.Number(42))
	if res, _ := hs.vm.Interpret(`print answer + k;`); res != vm.ResultOK {
		t.Fatalf("interpret: %s", res)
	}
	if hs.out.String() != "46\n" {
		t.Fatalf("got %q", hs.out.String())
	}
	names := hs.vm.GlobalNames()
	if len(names) == 0 || names[0] != "add" {
		t.Fatalf("unexpected globals %v", names)
	}
}

func TestVMDisassembleGlobals(t *testing.T) {
	hs := newHarness(t, heap.Config{})
	if res, _ := hs.vm.Interpret(`fun add(a, b) { return a + b; }`); res != vm.ResultOK {
		t.Fatalf("interpret failed")
	}
	var buf bytes.Buffer
	if err := hs.vm.DisassembleGlobals(&buf); err != nil {
		t.Fatalf("disassemble: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"== add (arity=2, upvalues=0) ==", "== clock <native fn> ==", "OP_ADD"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}
