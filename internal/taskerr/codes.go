package taskerr

// Code is a stable integer error code. Zero is success; everything else is
// negative so codes can share an int column with counters and timestamps.
type Code int

const (
	NoError Code = 0
	Unknown Code = -1

	// Converter outcomes. The converter executable exits with the negated
	// code, so ClassifyExit can recover these directly.
	Convert              Code = -80
	ConvertDownload      Code = -81
	ConvertUnknownFormat Code = -82
	ConvertTimeout       Code = -83
	ConvertParams        Code = -84
	ConvertNeedParams    Code = -85
	ConvertCorrupted     Code = -86
	ConvertPassword      Code = -87
	ConvertDrm           Code = -88
	ConvertLimits        Code = -89
	ConvertDeadLetter    Code = -90

	// EditorChanges is a status-info sentinel: a save task found no material
	// changes to persist. It is not a failure.
	EditorChanges Code = -91

	Storage          Code = -92
	QueueOrTransport Code = -93
	VKey             Code = -94
)

var codeNames = map[Code]string{
	NoError:              "no error",
	Unknown:              "unknown",
	Convert:              "conversion failed",
	ConvertDownload:      "download failed",
	ConvertUnknownFormat: "unknown format",
	ConvertTimeout:       "conversion timeout",
	ConvertParams:        "invalid parameters",
	ConvertNeedParams:    "additional parameters required",
	ConvertCorrupted:     "corrupted input",
	ConvertPassword:      "password required",
	ConvertDrm:           "drm protected",
	ConvertLimits:        "size limit exceeded",
	ConvertDeadLetter:    "task abandoned after redelivery",
	EditorChanges:        "no material changes",
	Storage:              "storage failure",
	QueueOrTransport:     "queue or transport failure",
	VKey:                 "signature verification failed",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unrecognized error code"
}

// exitCodesReturn are converter exit outcomes reported to the caller as-is
// rather than collapsed into the generic Convert code.
var exitCodesReturn = map[Code]struct{}{
	ConvertParams:     {},
	ConvertNeedParams: {},
	ConvertCorrupted:  {},
	ConvertDrm:        {},
	ConvertPassword:   {},
	ConvertLimits:     {},
}

// exitCodesMinorError are expected user-facing outcomes logged at debug
// severity instead of error.
var exitCodesMinorError = map[Code]struct{}{
	ConvertNeedParams: {},
	ConvertDrm:        {},
	ConvertPassword:   {},
}

// exitCodesUpload are outcomes whose partial result files are still pushed to
// storage so downstream flows, such as password retry, can reuse them.
var exitCodesUpload = map[Code]struct{}{
	NoError:           {},
	ConvertCorrupted:  {},
	ConvertNeedParams: {},
	ConvertDrm:        {},
}

// ClassifyExit maps a converter process outcome to a Code. It is a pure
// function: the same inputs always produce the same code.
//
// A timed-out child is always ConvertTimeout regardless of how it died. A
// recognized negated exit code passes through; any other nonzero exit or
// signal death is the generic Convert failure.
func ClassifyExit(exitCode int, signaled, timedOut bool) Code {
	if timedOut {
		return ConvertTimeout
	}
	if signaled {
		return Convert
	}
	if exitCode == 0 {
		return NoError
	}
	if code := Code(-exitCode); isReturnCode(code) {
		return code
	}
	return Convert
}

func isReturnCode(code Code) bool {
	_, ok := exitCodesReturn[code]
	return ok
}

// IsMinor reports whether the code is an expected user-facing outcome that
// should not alarm operators.
func IsMinor(code Code) bool {
	_, ok := exitCodesMinorError[code]
	return ok
}

// UploadEligible reports whether result files for this outcome are still
// uploaded to storage.
func UploadEligible(code Code) bool {
	_, ok := exitCodesUpload[code]
	return ok
}
