// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package crash

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const heapOverflowReport = `INFO: Seed: 3578697356
==12345==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x602000000035 at pc 0x000000531e92 bp 0x7ffd4ae323f0 sp 0x7ffd4ae323e8
READ of size 4 at 0x602000000035 thread T0
    #0 0x531e91 in __interceptor_memcmp.part.283 /src/llvm/compiler-rt/lib/asan/asan_interceptors.cc:356
    #1 0x610c36 in DecodeChunk /src/lib/decode.c:152:9
    #2 0x611a44 in ParseHeader /src/lib/parse.c:33:11
    #3 0x613026 in LLVMFuzzerTestOneInput /src/fuzz/target.c:27:3
    #4 0x75c8fb in fuzzer::Fuzzer::ExecuteCallback(unsigned char const*, unsigned long) /src/llvm/lib/Fuzzer/FuzzerLoop.cpp:495:13
    #5 0x7f3f6a in main /src/llvm/lib/Fuzzer/FuzzerMain.cpp:20:10

0x602000000035 is located 0 bytes to the right of 5-byte region [0x602000000030,0x602000000035)
allocated by thread T0 here:
    #0 0x5ec3c3 in operator new(unsigned long) /src/llvm/compiler-rt/lib/asan/asan_new_delete.cc:106
    #1 0x60f9e0 in MakeBuffer /src/lib/alloc.c:17:10
SUMMARY: AddressSanitizer: heap-buffer-overflow /src/lib/decode.c:152:9 in DecodeChunk
`

func TestIsCrash(t *testing.T) {
	assert.True(t, IsCrash(heapOverflowReport))
	assert.True(t, IsCrash("[FATAL:buffer.cc(208)] Check failed: start <= end\n"))
	// A tool marker without an end marker means the report got cut off.
	assert.False(t, IsCrash("==1==ERROR: AddressSanitizer: heap-buffer-overflow on address 0x60200000\n"))
	assert.False(t, IsCrash("INFO: Loaded 1 modules\nDone 4096 runs in 12 second(s)\n"))
}

func TestAnalyzeHeapBufferOverflow(t *testing.T) {
	info := Analyze(heapOverflowReport)
	require.NotNil(t, info)
	assert.Equal(t, "Heap-buffer-overflow READ 4", info.Type)
	assert.Equal(t, "0x602000000035", info.Address)
	assert.Equal(t, "DecodeChunk\nParseHeader\nLLVMFuzzerTestOneInput\n", info.State)
	assert.True(t, info.Security)
	assert.False(t, info.IsNull())
	// Only the access stack contributes frames, not the allocation stack.
	assert.NotContains(t, info.Frames, "MakeBuffer")
}

func TestAnalyzeUseAfterFree(t *testing.T) {
	report := `==666==ERROR: AddressSanitizer: heap-use-after-free on address 0x611000000570 at pc 0x0000005c2b6e bp 0x7ffd sp 0x7ffd
WRITE of size 8 at 0x611000000570 thread T0
    #0 0x5c2b6d in StoreValue /src/lib/store.c:80:5
    #1 0x5c4e11 in _Z3foov /src/lib/api.cc:14
    #2 0x613026 in LLVMFuzzerTestOneInput /src/fuzz/target.c:31:3

freed by thread T0 here:
    #0 0x5ecf18 in free /src/llvm/compiler-rt/lib/asan/asan_malloc_linux.cc:30
    #1 0x60fa12 in ReleaseAll /src/lib/store.c:40:3
SUMMARY: AddressSanitizer: heap-use-after-free /src/lib/store.c:80:5 in StoreValue
`
	info := Analyze(report)
	require.NotNil(t, info)
	assert.Equal(t, "Heap-use-after-free WRITE 8", info.Type)
	// Mangled names come out demangled.
	assert.Equal(t, "StoreValue\nfoo()\nLLVMFuzzerTestOneInput\n", info.State)
	assert.True(t, info.Security)
	assert.Equal(t, SeverityHigh, SecuritySeverity(info))
}

func TestAnalyzeDoubleFree(t *testing.T) {
	report := `==1==ERROR: AddressSanitizer: attempting double-free on 0x602000000010 in thread T0:
    #0 0x5ecf18 in free /src/llvm/compiler-rt/lib/asan/asan_malloc_linux.cc:30
    #1 0x60fa12 in CloseHandle /src/lib/handle.c:51:3
SUMMARY: AddressSanitizer: double-free /src/lib/handle.c:51:3 in CloseHandle
`
	info := Analyze(report)
	require.NotNil(t, info)
	assert.Equal(t, "Heap-double-free", info.Type)
	assert.Equal(t, "0x602000000010", info.Address)
	assert.Equal(t, "CloseHandle\n", info.State)
	assert.Equal(t, SeverityHigh, SecuritySeverity(info))
}

func TestAnalyzeSEGV(t *testing.T) {
	null := `==1==ERROR: AddressSanitizer: SEGV on unknown address 0x000000000000 (pc 0x000000531e92 bp 0x7ffd sp 0x7ffd T0)
==1==The signal is caused by a READ memory access.
==1==Hint: address points to the zero page.
    #0 0x531e91 in Dereference /src/lib/ptr.c:9:3
    #1 0x613026 in LLVMFuzzerTestOneInput /src/fuzz/target.c:27:3
SUMMARY: AddressSanitizer: SEGV /src/lib/ptr.c:9:3 in Dereference
`
	info := Analyze(null)
	require.NotNil(t, info)
	assert.Equal(t, "Null-dereference READ", info.Type)
	assert.False(t, info.Security)

	wild := `==1==ERROR: AddressSanitizer: SEGV on unknown address 0x7f2adddeadbe (pc 0x000000531e92 bp 0x7ffd sp 0x7ffd T0)
==1==The signal is caused by a WRITE memory access.
    #0 0x531e91 in Scribble /src/lib/ptr.c:21:3
SUMMARY: AddressSanitizer: SEGV /src/lib/ptr.c:21:3 in Scribble
`
	info = Analyze(wild)
	require.NotNil(t, info)
	assert.Equal(t, "UNKNOWN WRITE", info.Type)
	assert.True(t, info.Security)
	assert.Equal(t, SeverityHigh, SecuritySeverity(info))
}

func TestAnalyzeLeak(t *testing.T) {
	report := `==1==ERROR: LeakSanitizer: detected memory leaks

Direct leak of 7 byte(s) in 1 object(s) allocated from:
    #0 0x4af01b in operator new(unsigned long) /src/llvm/compiler-rt/lib/asan/asan_new_delete.cc:106
    #1 0x52c124 in AllocateBuffer /src/lib/alloc.c:12:10
    #2 0x52c2a0 in LLVMFuzzerTestOneInput /src/fuzz/target.c:20:3

SUMMARY: AddressSanitizer: 7 byte(s) leaked in 1 allocation(s).
`
	info := Analyze(report)
	require.NotNil(t, info)
	assert.Equal(t, "Direct-leak", info.Type)
	assert.Equal(t, "AllocateBuffer\nLLVMFuzzerTestOneInput\n", info.State)
	assert.False(t, info.Security)
}

func TestAnalyzeLibFuzzer(t *testing.T) {
	timeout := `ALARM: working on the last Unit for 26 seconds
       and the timeout value is 25 (use -timeout=N to change)
==1==ERROR: libFuzzer: timeout after 26 seconds
    #0 0x4af01b in __sanitizer_print_stack_trace /src/llvm/compiler-rt/lib/asan/asan_stack.cc:38
    #1 0x52c124 in fuzzer::PrintStackTrace() /src/llvm/lib/Fuzzer/FuzzerUtil.cpp:45
    #2 0x60fa12 in SlowLoop /src/lib/loop.c:4:3
    #3 0x613026 in LLVMFuzzerTestOneInput /src/fuzz/target.c:27:3
SUMMARY: libFuzzer: timeout
`
	info := Analyze(timeout)
	require.NotNil(t, info)
	assert.Equal(t, "Timeout", info.Type)
	assert.Equal(t, "SlowLoop\nLLVMFuzzerTestOneInput\n", info.State)
	assert.False(t, info.Security)

	oom := `==1==ERROR: libFuzzer: out-of-memory (used: 2561Mb; limit: 2560Mb)
   To change the out-of-memory limit use -rss_limit_mb=<N>
SUMMARY: libFuzzer: out-of-memory
`
	info = Analyze(oom)
	require.NotNil(t, info)
	assert.Equal(t, "Out-of-memory", info.Type)
	assert.True(t, info.IsNull())
}

func TestAnalyzeUBSan(t *testing.T) {
	report := `/src/lib/calc.c:29:15: runtime error: signed integer overflow: 2147483647 + 1 cannot be represented in type 'int'
SUMMARY: UndefinedBehaviorSanitizer: undefined-behavior /src/lib/calc.c:29:15 in
`
	info := Analyze(report)
	require.NotNil(t, info)
	assert.Equal(t, "Signed-integer-overflow", info.Type)
	assert.Equal(t, "calc.c:29\n", info.State)
	assert.False(t, info.Security)

	unsigned := `/src/lib/calc.c:40:9: runtime error: unsigned integer overflow: 0 - 1 cannot be represented in type 'unsigned int'
SUMMARY: UndefinedBehaviorSanitizer: undefined-behavior /src/lib/calc.c:40:9 in
`
	info = Analyze(unsigned)
	require.NotNil(t, info)
	assert.Equal(t, "Unsigned-integer-overflow", info.Type)
}

func TestAnalyzeMemorySanitizer(t *testing.T) {
	report := `==1==WARNING: MemorySanitizer: use-of-uninitialized-value
    #0 0x4b32a4 in CompareBytes /src/lib/cmp.c:44:7
    #1 0x613026 in LLVMFuzzerTestOneInput /src/fuzz/target.c:27:3
SUMMARY: MemorySanitizer: use-of-uninitialized-value /src/lib/cmp.c:44:7 in CompareBytes
`
	info := Analyze(report)
	require.NotNil(t, info)
	assert.Equal(t, "Use-of-uninitialized-value", info.Type)
	assert.True(t, info.Security)
	assert.Equal(t, SeverityMedium, SecuritySeverity(info))
}

func TestAnalyzeThreadSanitizer(t *testing.T) {
	report := `WARNING: ThreadSanitizer: data race (pid=3454)
  Write of size 4 at 0x7b0000000f40 by thread T1:
    #0 Increment /src/lib/counter.c:12 (app+0x4f2e72)
    #1 WorkerMain /src/lib/worker.c:88 (app+0x4f3016)

  Previous read of size 4 at 0x7b0000000f40 by main thread:
    #0 ReadTotal /src/lib/counter.c:25 (app+0x4f2f00)
SUMMARY: ThreadSanitizer: data race /src/lib/counter.c:12 in Increment
`
	info := Analyze(report)
	require.NotNil(t, info)
	assert.Equal(t, "Data race", info.Type)
	assert.Equal(t, "Increment\nWorkerMain\n", info.State)
}

func TestAnalyzeCheckFailure(t *testing.T) {
	report := `[FATAL:buffer.cc(208)] Check failed: start <= end (4 vs. 2)
    #0 0x4af01b in base::debug::CollectStackTrace /src/base/debug/stack_trace_posix.cc:850
    #1 0x52c124 in ValidateRange /src/lib/buffer.cc:208
`
	info := Analyze(report)
	require.NotNil(t, info)
	assert.Equal(t, "CHECK failure", info.Type)
	assert.Equal(t, "start <= end (4 vs. 2)\nValidateRange\n", info.State)
	assert.False(t, info.Security)

	sanitizer := `AddressSanitizer CHECK failed: asan_mapping.h:303 "((AddrIsInMem(p))) != (0)" (0x0, 0x0)
    #0 0x4af01b in __asan::CheckUnwind() /src/llvm/compiler-rt/lib/asan/asan_rtl.cc:68
`
	info = Analyze(sanitizer)
	require.NotNil(t, info)
	assert.Equal(t, "Security CHECK failure", info.Type)
	assert.True(t, info.Security)
	assert.Equal(t, SeverityLow, SecuritySeverity(info))
}

func TestAnalyzeAssert(t *testing.T) {
	report := "app: /src/lib/tree.c:77: insert_node: Assertion `node != NULL' failed.\nAborted (core dumped)\n"
	info := Analyze(report)
	require.NotNil(t, info)
	assert.Equal(t, "ASSERT", info.Type)
	assert.Equal(t, "node != NULL\n", info.State)
}

func TestAnalyzeNoCrash(t *testing.T) {
	assert.Nil(t, Analyze("INFO: Loaded 1 modules\nDone 4096 runs in 12 second(s)\n"))
	assert.Nil(t, Analyze(""))
}

func TestIgnoreRules(t *testing.T) {
	rules, err := NewIgnoreRules("KERNEL_FAULT", []string{`.*[c]{3}`, `ignored_frame`})
	require.NoError(t, err)

	// The search pattern matches anywhere in the stacktrace.
	assert.True(t, rules.Ignore("stuff\nsome KERNEL_FAULT happened\n"))
	// Blacklist patterns are anchored at line starts.
	assert.True(t, rules.Ignore("first\nzzzccc\n"))
	assert.True(t, rules.Ignore("ignored_frame at the top\n"))
	assert.False(t, rules.Ignore("dddd\nno match on this line\n"))
	assert.False(t, rules.Ignore("frame is ignored_frame only mid-line\n"))

	var nilRules *IgnoreRules
	assert.False(t, nilRules.Ignore("anything"))

	_, err = NewIgnoreRules("(unclosed", nil)
	require.Error(t, err)
}

func TestResult(t *testing.T) {
	result := NewResult(1, 3*time.Second, heapOverflowReport)
	assert.True(t, result.IsCrash())
	info := result.Info()
	require.NotNil(t, info)
	// The verdict is cached.
	assert.Same(t, info, result.Info())

	clean := NewResult(0, time.Second, "all good")
	assert.False(t, clean.IsCrash())
	assert.Nil(t, clean.Info())
}
