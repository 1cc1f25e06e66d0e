// Package errorcanon turns a raw, tool-specific error string into a
// canonical form suitable for use as a neuron path: one that
// strips incidental detail (line numbers, quoted literals, addresses,
// timestamps) while preserving the human-readable core, plus a coarse
// (type, operation) fingerprint two syntactically different errors of the
// same shape will share.
//
// dlclark/regexp2 is used instead of the standard library's regexp
// because several of the cleanup patterns rely on lookahead to avoid
// eating adjacent punctuation the standard RE2 engine cannot express.
package errorcanon

import (
	"strings"

	"github.com/dlclark/regexp2"
)

type replacement struct {
	pattern *regexp2.Regexp
	with    string
}

func mustReplacement(pattern, with string) replacement {
	return replacement{pattern: regexp2.MustCompile(pattern, regexp2.None), with: with}
}

// normalizers run in order; each strips one category of incidental detail.
var normalizers = []replacement{
	mustReplacement(`0x[0-9a-fA-F]+`, "0xADDR"),
	mustReplacement(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?`, "<TIMESTAMP>"),
	mustReplacement(`(?<=\D)\b\d{9,13}\b(?=\D|$)`, "<EPOCH>"),
	mustReplacement(`"[^"]*"`, `"<STR>"`),
	mustReplacement(`'[^']*'`, `'<STR>'`),
	mustReplacement(`:\d+:\d+`, ":<LINE>:<COL>"),
	mustReplacement(`:\d+\b`, ":<LINE>"),
	mustReplacement(`\s+at\s+.*$`, ""),
	mustReplacement(`\s{2,}`, " "),
}

func applyAll(input string, rs []replacement) string {
	out := input
	for _, r := range rs {
		replaced, err := r.pattern.Replace(out, r.with, -1, -1)
		if err == nil {
			out = replaced
		}
	}
	return strings.TrimSpace(out)
}

// Normalize strips the volatile parts of a raw error, returning a
// canonical string stable across repeated occurrences of "the same"
// error.
func Normalize(raw string) string {
	return applyAll(raw, normalizers)
}

// ErrorType enumerates the coarse error categories fingerprint() assigns.
type ErrorType string

const (
	TypeConnection        ErrorType = "CONNECTION"
	TypeFilesystem        ErrorType = "FILESYSTEM"
	TypePermission        ErrorType = "PERMISSION"
	TypeHTTPClient        ErrorType = "HTTP_4XX"
	TypeHTTPServer        ErrorType = "HTTP_5XX"
	TypeTypeError         ErrorType = "TYPE_ERROR"
	TypeReferenceError    ErrorType = "REFERENCE_ERROR"
	TypeSyntaxError       ErrorType = "SYNTAX_ERROR"
	TypeRangeError        ErrorType = "RANGE_ERROR"
	TypeAttributeError    ErrorType = "ATTRIBUTE_ERROR"
	TypeKeyError          ErrorType = "KEY_ERROR"
	TypeValueError        ErrorType = "VALUE_ERROR"
	TypeImportError       ErrorType = "IMPORT_ERROR"
	TypeFileNotFound      ErrorType = "FILE_NOT_FOUND"
	TypeModuleNotFound    ErrorType = "MODULE_NOT_FOUND"
	TypeNullReference     ErrorType = "NULL_REFERENCE"
	TypeOutOfMemory       ErrorType = "OUT_OF_MEMORY"
	TypeTimeout           ErrorType = "TIMEOUT"
	TypeAssertion         ErrorType = "ASSERTION_ERROR"
	TypeCompiler          ErrorType = "COMPILER_ERROR"
	TypeGeneric           ErrorType = "GENERIC_ERROR"
)

type pattern struct {
	re *regexp2.Regexp
	t  ErrorType
}

func mustPattern(expr string, t ErrorType) pattern {
	return pattern{re: regexp2.MustCompile(expr, regexp2.IgnoreCase), t: t}
}

// typePatterns is checked top-to-bottom; the first match wins.
var typePatterns = []pattern{
	mustPattern(`\bmodulenotfounderror\b|\bcannot find module\b|\bno such module\b`, TypeModuleNotFound),
	mustPattern(`\bimporterror\b|\bcannot import\b`, TypeImportError),
	mustPattern(`\bfilenotfounderror\b|\bno such file or directory\b|\benoent\b`, TypeFileNotFound),
	mustPattern(`\bpermissiondenied\b|\bpermission denied\b|\beacces\b`, TypePermission),
	mustPattern(`\bconnection refused\b|\beconnrefused\b|\beconnreset\b|\betimedout\b.*connect|\bdial tcp\b`, TypeConnection),
	mustPattern(`\btimeout\b|\bdeadline exceeded\b|\betimedout\b`, TypeTimeout),
	mustPattern(`\bnullpointerexception\b|\bcannot read propert(y|ies) of (null|undefined)\b|\bnonetype\b.*attribute|\bnil pointer dereference\b`, TypeNullReference),
	mustPattern(`\btypeerror\b`, TypeTypeError),
	mustPattern(`\breferenceerror\b|\bnameerror\b|\bundefined variable\b`, TypeReferenceError),
	mustPattern(`\bsyntaxerror\b|\bparse error\b|\bunexpected token\b`, TypeSyntaxError),
	mustPattern(`\brangeerror\b|\bindexerror\b|\bindex out of range\b|\bout of bounds\b`, TypeRangeError),
	mustPattern(`\battributeerror\b`, TypeAttributeError),
	mustPattern(`\bkeyerror\b`, TypeKeyError),
	mustPattern(`\bvalueerror\b`, TypeValueError),
	mustPattern(`\bassertionerror\b|\bassertion failed\b`, TypeAssertion),
	mustPattern(`\boutofmemoryerror\b|\benomem\b|\ballocation failed\b`, TypeOutOfMemory),
	mustPattern(`\bfilesystem\b|\bio error\b|\bebadf\b`, TypeFilesystem),
	mustPattern(`\b5\d{2}\b.*(error|internal server)`, TypeHTTPServer),
	mustPattern(`\b4\d{2}\b.*(error|not found|forbidden|unauthorized)`, TypeHTTPClient),
	mustPattern(`\bcompil(e|ation) error\b|\bcannot compile\b`, TypeCompiler),
}

// OperationType enumerates the coarse verb fingerprint() assigns.
type OperationType string

const (
	OpPropertyAccess OperationType = "property_access"
	OpFunctionCall   OperationType = "function_call"
	OpVariableLookup OperationType = "variable_lookup"
	OpImporting      OperationType = "importing"
	OpReading        OperationType = "reading"
	OpWriting        OperationType = "writing"
	OpParsing        OperationType = "parsing"
	OpConnecting     OperationType = "connecting"
	OpCompiling      OperationType = "compiling"
	OpExecuting      OperationType = "executing"
	OpDeleting       OperationType = "deleting"
	OpQuerying       OperationType = "querying"
	OpUnknown        OperationType = "unknown_operation"
)

type opPattern struct {
	re *regexp2.Regexp
	op OperationType
}

func mustOpPattern(expr string, op OperationType) opPattern {
	return opPattern{re: regexp2.MustCompile(expr, regexp2.IgnoreCase), op: op}
}

var opPatterns = []opPattern{
	mustOpPattern(`\bproperty\b|\bof (null|undefined)\b|\battribute\b`, OpPropertyAccess),
	mustOpPattern(`\bimport\b|\brequire\b|\bmodule\b`, OpImporting),
	mustOpPattern(`\bconnect\b|\bdial\b|\bsocket\b`, OpConnecting),
	mustOpPattern(`\bcompile\b|\bcompilation\b`, OpCompiling),
	mustOpPattern(`\bparse\b|\bsyntax\b|\bunexpected token\b`, OpParsing),
	mustOpPattern(`\bread\b|\bopen\b.*read`, OpReading),
	mustOpPattern(`\bwrite\b|\bopen\b.*write`, OpWriting),
	mustOpPattern(`\bdelete\b|\bremove\b|\bunlink\b`, OpDeleting),
	mustOpPattern(`\bquery\b|\bselect\b|\bsql\b`, OpQuerying),
	mustOpPattern(`\bcall\b|\binvoke\b|\bfunction\b`, OpFunctionCall),
	mustOpPattern(`\bvariable\b|\bname\b.*not defined\b|\bundefined variable\b`, OpVariableLookup),
	mustOpPattern(`\bexecut\b|\brun\b`, OpExecuting),
}

func matchesAny(re *regexp2.Regexp, s string) bool {
	ok, err := re.MatchString(s)
	return err == nil && ok
}

func classifyType(raw string) ErrorType {
	for _, p := range typePatterns {
		if matchesAny(p.re, raw) {
			return p.t
		}
	}
	return TypeGeneric
}

func classifyOperation(raw string) OperationType {
	for _, p := range opPatterns {
		if matchesAny(p.re, raw) {
			return p.op
		}
	}
	return OpUnknown
}

// Fingerprint classifies a raw error into a (type, operation) pair and the
// "TYPE|OPERATION" string used as the second error neuron's path.
func Fingerprint(raw string) (ErrorType, OperationType, string) {
	t := classifyType(raw)
	op := classifyOperation(raw)
	return t, op, string(t) + "|" + string(op)
}
